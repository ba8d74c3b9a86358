// Package timing records duration samples keyed by measurement kind and peer.
package timing

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrCapacityExceeded is returned when a key already holds its maximum
	// number of samples. The sample is not stored.
	ErrCapacityExceeded = errors.New("timing: capacity exceeded")
	// ErrNotStarted is returned by RecordDiff for a key with no origin.
	ErrNotStarted = errors.New("timing: timing not started")
	// ErrNegativeDuration is returned for samples below zero.
	ErrNegativeDuration = errors.New("timing: negative duration")
)

// DefaultCapacity bounds the samples kept per key.
const DefaultCapacity = 16000

// Kind is the measurement a series holds.
type Kind uint8

const (
	SenderLatency Kind = iota + 1
	ReceiverLatency
	OperationRoundTrip
	ConnectionSetup
)

func (k Kind) String() string {
	switch k {
	case SenderLatency:
		return "sender"
	case ReceiverLatency:
		return "receiver"
	case OperationRoundTrip:
		return "round-trip"
	case ConnectionSetup:
		return "connection-setup"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Key identifies one series.
type Key struct {
	Kind Kind
	Peer string
}

func (k Key) String() string { return k.Kind.String() + "/" + k.Peer }

// Recorder is a bounded store of nanosecond samples. Series are append-only
// until drained with clear or reset. Safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	capacity int
	now      func() time.Time
	origins  map[Key]time.Time
	series   map[Key][]int64
}

// New creates a recorder holding at most capacity samples per key. A
// non-positive capacity selects DefaultCapacity.
func New(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{
		capacity: capacity,
		now:      time.Now,
		origins:  make(map[Key]time.Time),
		series:   make(map[Key][]int64),
	}
}

// Capacity returns the per-key bound.
func (r *Recorder) Capacity() int { return r.capacity }

// StartTiming records the origin for key. A later call replaces it.
func (r *Recorder) StartTiming(key Key) {
	now := r.now()
	r.mu.Lock()
	r.origins[key] = now
	r.mu.Unlock()
}

// Started reports whether key has an origin.
func (r *Recorder) Started(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.origins[key]
	return ok
}

// RecordDiff appends the time elapsed since the origin of key and returns it.
func (r *Recorder) RecordDiff(key Key) (int64, error) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	origin, ok := r.origins[key]
	if !ok {
		slog.Warn("[TIMING] record without start, sample dropped", "key", key.String())
		return 0, fmt.Errorf("timing: %s: %w", key, ErrNotStarted)
	}
	d := now.Sub(origin).Nanoseconds()
	if err := r.appendLocked(key, d); err != nil {
		return 0, err
	}
	return d, nil
}

// RecordAbsolute appends a caller-supplied duration in nanoseconds.
func (r *Recorder) RecordAbsolute(key Key, v int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendLocked(key, v)
}

func (r *Recorder) appendLocked(key Key, v int64) error {
	if v < 0 {
		return fmt.Errorf("timing: %s: %w: %d", key, ErrNegativeDuration, v)
	}
	s := r.series[key]
	if len(s) >= r.capacity {
		return fmt.Errorf("timing: %s holds %d samples: %w", key, len(s), ErrCapacityExceeded)
	}
	r.series[key] = append(s, v)
	return nil
}

// Drain returns a copy of the series for key, clearing it when clear is set.
func (r *Recorder) Drain(key Key, clear bool) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.series[key]
	out := make([]int64, len(s))
	copy(out, s)
	if clear {
		delete(r.series, key)
	}
	return out
}

// Len returns the number of samples stored for key.
func (r *Recorder) Len(key Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.series[key])
}

// At returns sample i of key.
func (r *Recorder) At(key Key, i int) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.series[key]
	if i < 0 || i >= len(s) {
		return 0, false
	}
	return s[i], true
}

// Reset drops both the origin and the samples of key.
func (r *Recorder) Reset(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.origins, key)
	delete(r.series, key)
}

package results

import (
	"math"
	"sort"
	"time"
)

// Distribution summarizes a series of nanosecond durations.
type Distribution struct {
	Count int
	Min   time.Duration
	Avg   time.Duration
	P95   time.Duration
	Max   time.Duration
}

// Input is everything a finished session knows about itself.
type Input struct {
	Bytes       int64
	Elapsed     time.Duration
	PacketsSent int64

	// Sender and Receiver are cumulative offsets from the first packet,
	// one entry per packet after the first.
	Sender   []int64
	Receiver []int64

	RoundTrip []int64
}

// Summary is the derived result of one session.
type Summary struct {
	ThroughputBps float64
	LossRate      float64

	// Latency is the distribution of operation round trips.
	Latency Distribution
	// Delay is the one-way delay of each packet relative to the first one.
	Delay Distribution
	// Jitter is the mean absolute change between successive receive gaps.
	Jitter time.Duration
}

// Summarize computes throughput, loss, latency and jitter.
func Summarize(in Input) Summary {
	s := Summary{
		ThroughputBps: Throughput(in.Bytes, in.Elapsed),
		LossRate:      LossRate(in.PacketsSent, in.Receiver),
		Latency:       Distribute(in.RoundTrip),
		Jitter:        Jitter(Gaps(in.Receiver)),
	}

	n := min(len(in.Sender), len(in.Receiver))
	if n > 0 {
		delay := make([]int64, n)
		for i := range n {
			delay[i] = in.Receiver[i] - in.Sender[i]
		}
		s.Delay = Distribute(delay)
	}
	return s
}

// Throughput returns bits per second.
func Throughput(bytes int64, elapsed time.Duration) float64 {
	if bytes <= 0 || elapsed <= 0 {
		return 0
	}
	return float64(bytes) * 8 / elapsed.Seconds()
}

// LossRate compares the packets sent with those the receiver recorded. The
// receiver series holds one offset per packet after the first, so an empty
// series still counts as one packet received.
func LossRate(sent int64, receiver []int64) float64 {
	if sent <= 0 {
		return 0
	}
	received := int64(len(receiver)) + 1
	if received >= sent {
		return 0
	}
	return 1 - float64(received)/float64(sent)
}

// Gaps converts cumulative offsets into inter-packet gaps. The first gap is
// measured from the origin.
func Gaps(offsets []int64) []int64 {
	gaps := make([]int64, len(offsets))
	var prev int64
	for i, o := range offsets {
		gaps[i] = o - prev
		prev = o
	}
	return gaps
}

// Jitter returns the mean absolute difference between successive gaps.
func Jitter(gaps []int64) time.Duration {
	if len(gaps) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(gaps); i++ {
		sum += math.Abs(float64(gaps[i] - gaps[i-1]))
	}
	return time.Duration(sum / float64(len(gaps)-1))
}

// Distribute computes min, mean, p95 and max of a series.
func Distribute(values []int64) Distribution {
	if len(values) == 0 {
		return Distribution{}
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum float64
	for _, v := range sorted {
		sum += float64(v)
	}
	return Distribution{
		Count: len(sorted),
		Min:   time.Duration(sorted[0]),
		Avg:   time.Duration(sum / float64(len(sorted))),
		P95:   time.Duration(percentile(sorted, 0.95)),
		Max:   time.Duration(sorted[len(sorted)-1]),
	}
}

// percentile uses the nearest-rank method on sorted values.
func percentile(values []int64, p float64) int64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/chaz8081/gattbench/internal/fault"
	"github.com/chaz8081/gattbench/internal/results"
	"github.com/chaz8081/gattbench/internal/role"
)

var errResultTimeout = errors.New("timed out waiting for results")

// printer writes role events to out and signals the batch runner.
type printer struct {
	mu  sync.Mutex
	out io.Writer

	complete chan string
	fatal    chan fault.Event
	latency  chan struct{}
	identity chan struct{}
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:      out,
		complete: make(chan string, 1),
		fatal:    make(chan fault.Event, 1),
		latency:  make(chan struct{}, 1),
		identity: make(chan struct{}, 1),
	}
}

func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

// wait blocks until ch fires, a fatal fault arrives or timeout elapses.
func (p *printer) wait(ctx context.Context, ch chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case ev := <-p.fatal:
		return ev
	case <-timer.C:
		return errResultTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *printer) OnSessionStart(peer string) {
	p.printf("[%s] session started\n", peer)
}

func (p *printer) OnSessionComplete(peer string, bytesSent int64) {
	p.printf("[%s] session complete, %d bytes sent\n", peer, bytesSent)
	offer(p.complete, peer)
}

func (p *printer) OnError(ev fault.Event) {
	p.printf("error: %v\n", ev)
	if ev.Code.Fatal() {
		offer(p.fatal, ev)
	}
}

func (p *printer) OnLatencySamplesAvailable(peer string, sender, receiver []int64) {
	p.printf("[%s] latency samples: %d sender, %d receiver\n", peer, len(sender), len(receiver))
	offer(p.latency, struct{}{})
}

func (p *printer) OnThroughputAvailable(peer string, bps float64) {
	p.printf("[%s] throughput: %.1f kbit/s\n", peer, bps/1000)
}

func (p *printer) OnPeerIdentityAvailable(peer string, id string) {
	p.printf("[%s] identity: %s\n", peer, id)
	offer(p.identity, struct{}{})
}

func (p *printer) OnStartupLatencyAvailable(peer string, d time.Duration) {
	p.printf("[%s] link ready after %s\n", peer, d.Round(time.Millisecond))
}

func (p *printer) OnLossRateAvailable(peer string, rate float64) {
	p.printf("[%s] loss rate: %.2f%%\n", peer, rate*100)
}

func (p *printer) OnRawDataAvailable(peer string, gaps []int64) {
	p.printf("[%s] raw gaps: %d, jitter %s\n", peer, len(gaps), results.Jitter(gaps))
}

func (p *printer) printSummary(peer string, s results.Summary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "=== results: %s ===\n", peer)
	fmt.Fprintf(p.out, "  Throughput: %.1f kbit/s\n", s.ThroughputBps/1000)
	fmt.Fprintf(p.out, "  Loss:       %.2f%%\n", s.LossRate*100)
	printDistribution(p.out, "Latency:   ", s.Latency)
	printDistribution(p.out, "Delay:     ", s.Delay)
	fmt.Fprintf(p.out, "  Jitter:     %s\n", s.Jitter)
}

func printDistribution(w io.Writer, label string, d results.Distribution) {
	if d.Count == 0 {
		fmt.Fprintf(w, "  %s  n/a\n", label)
		return
	}
	fmt.Fprintf(w, "  %s  n=%d min=%s avg=%s p95=%s max=%s\n", label, d.Count, d.Min, d.Avg, d.P95, d.Max)
}

var _ role.Observer = (*printer)(nil)

package results

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/gattbench/internal/ble"
	"github.com/chaz8081/gattbench/internal/ble/protocol"
	"github.com/chaz8081/gattbench/internal/fault"
	"github.com/chaz8081/gattbench/internal/gattq"
	"github.com/chaz8081/gattbench/internal/timing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T, kind timing.Kind, peer string, values ...int64) *timing.Recorder {
	t.Helper()
	rec := timing.New(0)
	for _, v := range values {
		require.NoError(t, rec.RecordAbsolute(timing.Key{Kind: kind, Peer: peer}, v))
	}
	return rec
}

func decode(t *testing.T, b []byte) int64 {
	t.Helper()
	v, err := protocol.DecodeSample(b)
	require.NoError(t, err)
	return v
}

func TestLatencyReadServesThenSentinel(t *testing.T) {
	rec := seeded(t, timing.ReceiverLatency, "A", 10, 20, 30)
	srv := NewServer(rec, "responder-1")
	var served []string
	srv.OnLatencyServed = func(peer string) { served = append(served, peer) }

	assert.EqualValues(t, 10, decode(t, srv.LatencyRead("A", timing.ReceiverLatency)))
	assert.EqualValues(t, 20, decode(t, srv.LatencyRead("A", timing.ReceiverLatency)))
	assert.EqualValues(t, 30, decode(t, srv.LatencyRead("A", timing.ReceiverLatency)))
	assert.Equal(t, protocol.Sentinel, decode(t, srv.LatencyRead("A", timing.ReceiverLatency)))
	assert.Equal(t, protocol.Sentinel, decode(t, srv.LatencyRead("A", timing.ReceiverLatency)))

	assert.Equal(t, []string{"A"}, served, "completion must fire exactly once")
}

func TestLatencyReadEmptySeries(t *testing.T) {
	srv := NewServer(timing.New(0), "r")
	assert.Equal(t, protocol.Sentinel, decode(t, srv.LatencyRead("A", timing.SenderLatency)))
}

func TestLatencyCursorsArePerPeer(t *testing.T) {
	rec := seeded(t, timing.ReceiverLatency, "A", 1, 2)
	require.NoError(t, rec.RecordAbsolute(timing.Key{Kind: timing.ReceiverLatency, Peer: "B"}, 7))
	srv := NewServer(rec, "r")

	assert.EqualValues(t, 1, decode(t, srv.LatencyRead("A", timing.ReceiverLatency)))
	assert.EqualValues(t, 7, decode(t, srv.LatencyRead("B", timing.ReceiverLatency)))
	assert.EqualValues(t, 2, decode(t, srv.LatencyRead("A", timing.ReceiverLatency)))
}

func TestLatencyCursorsArePerSeries(t *testing.T) {
	rec := seeded(t, timing.ReceiverLatency, "A", 1, 2, 3)
	require.NoError(t, rec.RecordAbsolute(timing.Key{Kind: timing.SenderLatency, Peer: "A"}, 100))
	require.NoError(t, rec.RecordAbsolute(timing.Key{Kind: timing.SenderLatency, Peer: "A"}, 200))
	srv := NewServer(rec, "r")

	assert.EqualValues(t, 1, decode(t, srv.LatencyRead("A", timing.ReceiverLatency)))
	assert.EqualValues(t, 2, decode(t, srv.LatencyRead("A", timing.ReceiverLatency)))
	assert.EqualValues(t, 100, decode(t, srv.LatencyRead("A", timing.SenderLatency)), "another series starts at its own beginning")
	assert.EqualValues(t, 3, decode(t, srv.LatencyRead("A", timing.ReceiverLatency)))
	assert.EqualValues(t, 200, decode(t, srv.LatencyRead("A", timing.SenderLatency)))

	srv.Reset("A")
	assert.EqualValues(t, 1, decode(t, srv.LatencyRead("A", timing.ReceiverLatency)))
	assert.EqualValues(t, 100, decode(t, srv.LatencyRead("A", timing.SenderLatency)))
}

func TestServerReset(t *testing.T) {
	rec := seeded(t, timing.ReceiverLatency, "A", 5)
	srv := NewServer(rec, "r")
	calls := 0
	srv.OnLatencyServed = func(string) { calls++ }

	srv.LatencyRead("A", timing.ReceiverLatency)
	srv.LatencyRead("A", timing.ReceiverLatency)
	srv.Reset("A")
	assert.EqualValues(t, 5, decode(t, srv.LatencyRead("A", timing.ReceiverLatency)))
	srv.LatencyRead("A", timing.ReceiverLatency)
	assert.Equal(t, 2, calls)
}

func TestIdentityRead(t *testing.T) {
	srv := NewServer(timing.New(0), "bench-peripheral")
	assert.Equal(t, []byte("bench-peripheral"), srv.IdentityRead())
}

func TestRawReadChunksAndTerminates(t *testing.T) {
	rec := seeded(t, timing.ReceiverLatency, "A", 1000, 2500, 4000, 7000)
	srv := NewServer(rec, "r")

	var dec protocol.NetstringDecoder
	var values []string
	for i := 0; i < 20 && !dec.Done(); i++ {
		chunk := srv.RawRead("A", 8)
		require.LessOrEqual(t, len(chunk), 8)
		got, err := dec.Feed(chunk)
		require.NoError(t, err)
		values = append(values, got...)
	}
	require.True(t, dec.Done())

	gaps, err := protocol.ParseGaps(values)
	require.NoError(t, err)
	assert.Equal(t, []int64{1000, 1500, 1500, 3000}, gaps)

	// The next read starts over.
	first := srv.RawRead("A", 64)
	assert.Equal(t, "4:1000,4:1500,4:1500,4:3000,0:,", string(first))
}

func TestRawReadEmptySeries(t *testing.T) {
	srv := NewServer(timing.New(0), "r")
	assert.Equal(t, protocol.Terminator, srv.RawRead("A", 20))
}

// loopback answers queued reads from a Server, one at a time.
type loopback struct {
	srv     *Server
	kind    timing.Kind
	pending []gattq.Op
	fail    error
}

func (l *loopback) submit(_ context.Context, op gattq.Op) error {
	if l.fail != nil {
		return l.fail
	}
	l.pending = append(l.pending, op)
	return nil
}

func (l *loopback) pump(t *testing.T, p *Puller) int {
	t.Helper()
	reads := 0
	for len(l.pending) > 0 {
		op := l.pending[0]
		l.pending = l.pending[1:]
		require.True(t, op.IsRead())
		c := ble.Completion{Peer: op.Peer, Attr: op.Attr, Kind: ble.OpRead}
		switch op.Attr {
		case ble.LatencyCharUUID:
			c.Value = l.srv.LatencyRead(op.Peer, l.kind)
		case ble.RawDataCharUUID:
			c.Value = l.srv.RawRead(op.Peer, 6)
		}
		require.True(t, p.OnRead(c))
		reads++
	}
	return reads
}

func TestPullLatencyEndToEnd(t *testing.T) {
	remote := seeded(t, timing.ReceiverLatency, "A", 100, 200, 300)
	srv := NewServer(remote, "r")
	link := &loopback{srv: srv, kind: timing.ReceiverLatency}

	local := seeded(t, timing.SenderLatency, "A", 90, 190, 290)
	var gotSender, gotReceiver []int64
	calls := 0
	p := NewPuller(PullerOptions{
		Recorder: local,
		Submit:   link.submit,
		OnLatency: func(_ string, s, r []int64) {
			calls++
			gotSender, gotReceiver = s, r
		},
	})

	require.NoError(t, p.PullLatency(context.Background(), "A", timing.ReceiverLatency))
	assert.True(t, p.Active("A"))
	assert.Equal(t, 4, link.pump(t, p), "three samples then the sentinel")

	assert.Equal(t, 1, calls)
	assert.Equal(t, []int64{90, 190, 290}, gotSender)
	assert.Equal(t, []int64{100, 200, 300}, gotReceiver)
	assert.False(t, p.Active("A"))
}

func TestPullLatencyClearsPreviousPull(t *testing.T) {
	remote := seeded(t, timing.ReceiverLatency, "A", 1)
	link := &loopback{srv: NewServer(remote, "r"), kind: timing.ReceiverLatency}
	local := seeded(t, timing.ReceiverLatency, "A", 42, 43)

	p := NewPuller(PullerOptions{Recorder: local, Submit: link.submit})
	require.NoError(t, p.PullLatency(context.Background(), "A", timing.ReceiverLatency))
	link.pump(t, p)
	assert.Equal(t, []int64{1}, local.Drain(timing.Key{Kind: timing.ReceiverLatency, Peer: "A"}, false))
}

func TestPullLatencyBusy(t *testing.T) {
	link := &loopback{srv: NewServer(timing.New(0), "r")}
	p := NewPuller(PullerOptions{Recorder: timing.New(0), Submit: link.submit})

	require.NoError(t, p.PullLatency(context.Background(), "A", timing.ReceiverLatency))
	assert.ErrorIs(t, p.PullLatency(context.Background(), "A", timing.ReceiverLatency), ErrPullActive)
}

func TestPullLatencySubmitError(t *testing.T) {
	link := &loopback{fail: gattq.ErrQueueFull}
	p := NewPuller(PullerOptions{Recorder: timing.New(0), Submit: link.submit})

	err := p.PullLatency(context.Background(), "A", timing.ReceiverLatency)
	assert.ErrorIs(t, err, gattq.ErrQueueFull)
	assert.False(t, p.Active("A"))
}

func TestPullLatencyReadFailure(t *testing.T) {
	link := &loopback{srv: NewServer(timing.New(0), "r")}
	var faults []fault.Event
	p := NewPuller(PullerOptions{
		Recorder: timing.New(0),
		Submit:   link.submit,
		OnFault:  func(ev fault.Event) { faults = append(faults, ev) },
	})
	require.NoError(t, p.PullLatency(context.Background(), "A", timing.ReceiverLatency))

	handled := p.OnRead(ble.Completion{Peer: "A", Attr: ble.LatencyCharUUID, Kind: ble.OpRead, Err: errors.New("gatt 0x0e")})
	assert.True(t, handled)
	require.Len(t, faults, 1)
	assert.Equal(t, fault.Transport, faults[0].Code)
	assert.False(t, p.Active("A"))
}

func TestPullLatencyCapacity(t *testing.T) {
	remote := seeded(t, timing.ReceiverLatency, "A", 1, 2, 3)
	link := &loopback{srv: NewServer(remote, "r"), kind: timing.ReceiverLatency}
	var codes []fault.Code
	p := NewPuller(PullerOptions{
		Recorder: timing.New(2),
		Submit:   link.submit,
		OnFault:  func(ev fault.Event) { codes = append(codes, ev.Code) },
	})

	require.NoError(t, p.PullLatency(context.Background(), "A", timing.ReceiverLatency))
	link.pump(t, p)
	assert.Equal(t, []fault.Code{fault.Capacity}, codes)
}

func TestOnReadIgnoresUnrelated(t *testing.T) {
	p := NewPuller(PullerOptions{Recorder: timing.New(0)})
	assert.False(t, p.OnRead(ble.Completion{Peer: "A", Attr: ble.LatencyCharUUID, Kind: ble.OpRead}))
	assert.False(t, p.OnRead(ble.Completion{Peer: "A", Attr: ble.TestCharUUID, Kind: ble.OpRead}))
	assert.False(t, p.OnRead(ble.Completion{Peer: "A", Attr: ble.LatencyCharUUID, Kind: ble.OpWrite}))
}

func TestPullRawEndToEnd(t *testing.T) {
	remote := seeded(t, timing.ReceiverLatency, "A", 7, 19, 30)
	link := &loopback{srv: NewServer(remote, "r")}
	var got []int64
	p := NewPuller(PullerOptions{
		Recorder: timing.New(0),
		Submit:   link.submit,
		OnRaw:    func(_ string, gaps []int64) { got = gaps },
	})

	require.NoError(t, p.PullRaw(context.Background(), "A"))
	link.pump(t, p)
	assert.Equal(t, []int64{7, 12, 11}, got)
	assert.False(t, p.Active("A"))
}

func TestPullRawMalformed(t *testing.T) {
	link := &loopback{}
	var codes []fault.Code
	p := NewPuller(PullerOptions{
		Recorder: timing.New(0),
		Submit:   link.submit,
		OnFault:  func(ev fault.Event) { codes = append(codes, ev.Code) },
	})
	require.NoError(t, p.PullRaw(context.Background(), "A"))

	p.OnRead(ble.Completion{Peer: "A", Attr: ble.RawDataCharUUID, Kind: ble.OpRead, Value: []byte("x:12,")})
	assert.Equal(t, []fault.Code{fault.Protocol}, codes)
	assert.False(t, p.Active("A"))
}

func TestCancel(t *testing.T) {
	link := &loopback{srv: NewServer(timing.New(0), "r")}
	p := NewPuller(PullerOptions{Recorder: timing.New(0), Submit: link.submit})
	require.NoError(t, p.PullLatency(context.Background(), "A", timing.ReceiverLatency))
	require.NoError(t, p.PullRaw(context.Background(), "A"))

	p.Cancel("A")
	assert.False(t, p.Active("A"))
}

func TestSummarize(t *testing.T) {
	in := Input{
		Bytes:       1000,
		Elapsed:     time.Second,
		PacketsSent: 5,
		Sender:      []int64{10, 20, 30, 40},
		Receiver:    []int64{12, 22, 35},
		RoundTrip:   []int64{4, 1, 3, 2},
	}
	s := Summarize(in)

	assert.InDelta(t, 8000, s.ThroughputBps, 0.001)
	assert.InDelta(t, 0.2, s.LossRate, 1e-9)
	assert.Equal(t, Distribution{Count: 4, Min: 1, Avg: 2, P95: 4, Max: 4}, s.Latency)
	assert.Equal(t, 3, s.Delay.Count)
	assert.Equal(t, time.Duration(2), s.Delay.Min)
	assert.Equal(t, time.Duration(5), s.Delay.Max)
	// Gaps 12, 10, 13: changes 2 and 3.
	assert.Equal(t, time.Duration(2), s.Jitter)
}

func TestLossRate(t *testing.T) {
	tests := []struct {
		name     string
		sent     int64
		receiver []int64
		want     float64
	}{
		{"nothing sent", 0, nil, 0},
		{"all received", 3, []int64{1, 2}, 0},
		{"half lost", 4, []int64{1}, 0.5},
		{"more received than sent", 1, []int64{1, 2}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, LossRate(tt.sent, tt.receiver), 1e-9)
		})
	}
}

func TestThroughputEdges(t *testing.T) {
	assert.Zero(t, Throughput(0, time.Second))
	assert.Zero(t, Throughput(100, 0))
	assert.InDelta(t, 1600, Throughput(200, time.Second), 1e-9)
}

func TestPercentileEdges(t *testing.T) {
	values := []int64{1, 2, 3, 4}
	assert.EqualValues(t, 1, percentile(values, 0))
	assert.EqualValues(t, 4, percentile(values, 1))
	assert.EqualValues(t, 2, percentile(values, 0.5))
	assert.Zero(t, percentile(nil, 0.5))
}

func TestJitterShortSeries(t *testing.T) {
	assert.Zero(t, Jitter(nil))
	assert.Zero(t, Jitter([]int64{5}))
}

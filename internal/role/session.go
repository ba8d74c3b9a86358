package role

import (
	"errors"
	"time"

	"github.com/chaz8081/gattbench/internal/bench"
	"github.com/chaz8081/gattbench/internal/ble"
	"github.com/chaz8081/gattbench/internal/fault"
	"github.com/chaz8081/gattbench/internal/gattq"
	"github.com/chaz8081/gattbench/internal/results"
	"github.com/chaz8081/gattbench/internal/timing"
)

// remoteTransmits reports whether the responder is the transmitting side
// for method.
func remoteTransmits(method ble.Method) bool {
	return method == ble.MethodNotifyPush || method == ble.MethodReadPull
}

// receiveWindow is the span over which a receiving session saw data, or
// the session length when only one value arrived.
func receiveWindow(s bench.Stats) time.Duration {
	if w := s.LastReceive.Sub(s.FirstReceive); w > 0 {
		return w
	}
	return s.Elapsed
}

// throughput uses the received bytes when the session received any and
// the sent bytes otherwise.
func throughput(s bench.Stats) float64 {
	if s.BytesReceived > 0 {
		return results.Throughput(s.BytesReceived, receiveWindow(s))
	}
	return results.Throughput(s.BytesSent, s.Elapsed)
}

// recordRoundTrip times a benchmark data operation. Result reads are not
// timed. Overflowing the series is fatal to the session driven by d.
func recordRoundTrip(rec *timing.Recorder, d *bench.Driver, done gattq.Completed, report func(fault.Event)) {
	if done.Op.Attr != ble.TestCharUUID {
		return
	}
	peer := done.Op.Peer
	err := rec.RecordAbsolute(timing.Key{Kind: timing.OperationRoundTrip, Peer: peer}, done.RoundTrip.Nanoseconds())
	if err == nil {
		return
	}
	ev := fault.Event{Code: fault.Recorder, Peer: peer, Attr: done.Op.Attr, Detail: "operation round trip", Err: err}
	if errors.Is(err, timing.ErrCapacityExceeded) {
		ev.Code = fault.Capacity
		if d != nil {
			d.Abort(ev)
			return
		}
	}
	report(ev)
}

package negotiate

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/gattbench/internal/ble"
	"github.com/chaz8081/gattbench/internal/fault"
	"github.com/chaz8081/gattbench/internal/timing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRequester records requests; tests answer them by calling the
// negotiator's On*Confirmed methods.
type fakeRequester struct {
	mu        sync.Mutex
	mtus      []int
	intervals []ble.IntervalClass
	methods   []ble.Method
	failMTU   error
}

func (r *fakeRequester) RequestMTU(_ string, mtu int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failMTU != nil {
		return r.failMTU
	}
	r.mtus = append(r.mtus, mtu)
	return nil
}

func (r *fakeRequester) RequestInterval(_ string, class ble.IntervalClass) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intervals = append(r.intervals, class)
	return nil
}

func (r *fakeRequester) SetTransferMethod(_ string, m ble.Method) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods = append(r.methods, m)
	return nil
}

type faultLog struct {
	mu     sync.Mutex
	events []fault.Event
}

func (l *faultLog) add(ev fault.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *faultLog) codes() []fault.Code {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []fault.Code
	for _, ev := range l.events {
		out = append(out, ev.Code)
	}
	return out
}

func newTestNegotiator(t *testing.T) (*Negotiator, *fakeRequester, *faultLog, *timing.Recorder) {
	t.Helper()
	req := &fakeRequester{}
	faults := &faultLog{}
	rec := timing.New(0)
	n := New(req, Options{Recorder: rec, OnFault: faults.add})
	return n, req, faults, rec
}

var desired = ble.LinkParams{
	MTU:         128,
	Interval:    ble.IntervalHigh,
	Method:      ble.MethodConfirmedWrite,
	PayloadSize: 120,
}

func TestCascadeOrderAndReady(t *testing.T) {
	n, req, faults, rec := newTestNegotiator(t)
	var readyParams ble.LinkParams
	n.opts.OnReady = func(_ string, p ble.LinkParams) { readyParams = p }

	require.NoError(t, n.Begin("A", desired))
	assert.Equal(t, RequestingMTU, n.State("A"))
	assert.Equal(t, []int{128}, req.mtus)
	assert.Empty(t, req.intervals, "interval must wait for the MTU confirmation")

	n.OnMTUConfirmed("A", 128, nil)
	assert.Equal(t, RequestingInterval, n.State("A"))
	assert.Equal(t, []ble.IntervalClass{ble.IntervalHigh}, req.intervals)
	assert.Empty(t, req.methods)

	n.OnIntervalConfirmed("A", ble.IntervalHigh, nil)
	assert.Equal(t, RequestingMethod, n.State("A"))
	assert.False(t, n.IsReady("A"))

	n.OnMethodConfirmed("A", ble.MethodConfirmedWrite, nil)
	assert.Equal(t, Ready, n.State("A"))
	assert.True(t, n.IsReady("A"))
	assert.Empty(t, faults.codes())
	assert.Equal(t, desired, readyParams)
	assert.Equal(t, 1, rec.Len(timing.Key{Kind: timing.ConnectionSetup, Peer: "A"}))
}

func TestMTUClampIsNotAnError(t *testing.T) {
	n, _, faults, _ := newTestNegotiator(t)

	require.NoError(t, n.Begin("A", desired))
	n.OnMTUConfirmed("A", 100, nil)
	n.OnIntervalConfirmed("A", ble.IntervalHigh, nil)
	n.OnMethodConfirmed("A", ble.MethodConfirmedWrite, nil)

	params, ok := n.Params("A")
	require.True(t, ok)
	assert.Equal(t, 100, params.MTU)
	assert.Equal(t, 100, params.PayloadSize, "payload must clamp to the achieved MTU, not the requested one")
	assert.Empty(t, faults.codes())
	assert.True(t, n.IsReady("A"))
}

func TestDefaultMTUSkipsRoundTrip(t *testing.T) {
	n, req, _, _ := newTestNegotiator(t)
	p := desired
	p.MTU = ble.DefaultMTU
	p.PayloadSize = 20

	require.NoError(t, n.Begin("A", p))
	assert.Empty(t, req.mtus)
	assert.Equal(t, RequestingInterval, n.State("A"))
}

func TestUnsetIntervalSkipsRoundTrip(t *testing.T) {
	n, req, _, _ := newTestNegotiator(t)
	p := desired
	p.Interval = ble.IntervalUnset

	require.NoError(t, n.Begin("A", p))
	n.OnMTUConfirmed("A", 128, nil)
	assert.Empty(t, req.intervals)
	assert.Equal(t, RequestingMethod, n.State("A"))
}

func TestIntervalMismatchContinuesThenFails(t *testing.T) {
	n, req, faults, _ := newTestNegotiator(t)

	require.NoError(t, n.Begin("A", desired))
	n.OnMTUConfirmed("A", 128, nil)
	n.OnIntervalConfirmed("A", ble.IntervalBalanced, nil)

	assert.Len(t, req.methods, 1, "method must still be requested after an interval mismatch")
	n.OnMethodConfirmed("A", ble.MethodConfirmedWrite, nil)

	assert.Equal(t, []fault.Code{fault.Interval, fault.NegotiationFailed}, faults.codes())
	assert.Equal(t, Failed, n.State("A"))
	assert.False(t, n.IsReady("A"))
	assert.Error(t, n.Err("A"))
}

func TestMethodFailureReported(t *testing.T) {
	n, _, faults, _ := newTestNegotiator(t)

	require.NoError(t, n.Begin("A", desired))
	n.OnMTUConfirmed("A", 128, nil)
	n.OnIntervalConfirmed("A", ble.IntervalHigh, nil)
	n.OnMethodConfirmed("A", ble.MethodUnset, errors.New("subscribe failed"))

	codes := faults.codes()
	require.Len(t, codes, 2)
	assert.Equal(t, fault.Method, codes[0])
	assert.True(t, codes[1].Fatal())
}

func TestMTUFailureFallsBackToDefault(t *testing.T) {
	n, req, faults, _ := newTestNegotiator(t)
	req.failMTU = errors.New("exchange rejected")

	require.NoError(t, n.Begin("A", desired))
	params, _ := n.Params("A")
	assert.Equal(t, ble.DefaultMTU, params.MTU)
	assert.Equal(t, []fault.Code{fault.MTU}, faults.codes())
	assert.Equal(t, RequestingInterval, n.State("A"))
}

func TestStaleConfirmationsIgnored(t *testing.T) {
	n, req, _, _ := newTestNegotiator(t)

	n.OnMTUConfirmed("A", 100, nil) // no round
	require.NoError(t, n.Begin("A", desired))
	n.OnIntervalConfirmed("A", ble.IntervalHigh, nil) // wrong step
	assert.Equal(t, RequestingMTU, n.State("A"))
	assert.Empty(t, req.methods)
}

func TestStepTimeout(t *testing.T) {
	req := &fakeRequester{}
	faults := &faultLog{}
	n := New(req, Options{StepTimeout: 20 * time.Millisecond, OnFault: faults.add})

	require.NoError(t, n.Begin("A", desired))
	require.Eventually(t, func() bool { return n.State("A") == Failed }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []fault.Code{fault.NegotiationTimeout}, faults.codes())
	assert.ErrorIs(t, n.Err("A"), ErrStepTimeout)

	n.OnMTUConfirmed("A", 128, nil) // late confirmation
	assert.Equal(t, Failed, n.State("A"))
}

func TestBeginValidates(t *testing.T) {
	n, _, _, _ := newTestNegotiator(t)
	tests := []struct {
		name string
		p    ble.LinkParams
	}{
		{"mtu too small", ble.LinkParams{MTU: 10, Method: ble.MethodReadPull, PayloadSize: 1}},
		{"mtu too large", ble.LinkParams{MTU: 1000, Method: ble.MethodReadPull, PayloadSize: 1}},
		{"no method", ble.LinkParams{MTU: 23, PayloadSize: 1}},
		{"no payload", ble.LinkParams{MTU: 23, Method: ble.MethodReadPull}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, n.Begin("A", tt.p))
		})
	}
}

func TestNewRoundReplacesParams(t *testing.T) {
	n, _, _, _ := newTestNegotiator(t)
	require.NoError(t, n.Begin("A", desired))
	n.OnMTUConfirmed("A", 128, nil)
	n.OnIntervalConfirmed("A", ble.IntervalHigh, nil)
	n.OnMethodConfirmed("A", ble.MethodConfirmedWrite, nil)
	require.True(t, n.IsReady("A"))

	require.NoError(t, n.Begin("A", desired))
	assert.False(t, n.IsReady("A"))
	assert.Equal(t, RequestingMTU, n.State("A"))
}

func TestForget(t *testing.T) {
	n, _, _, _ := newTestNegotiator(t)
	require.NoError(t, n.Begin("A", desired))
	n.Forget("A")
	assert.Equal(t, Idle, n.State("A"))
	_, ok := n.Params("A")
	assert.False(t, ok)
}

func TestObserveBecomesReady(t *testing.T) {
	n, _, _, _ := newTestNegotiator(t)
	var ready int
	n.opts.OnReady = func(string, ble.LinkParams) { ready++ }

	n.ObserveMTU("B", 64)
	n.ObserveMethod("B", ble.MethodNotifyPush)
	n.ObserveInterval("B", ble.IntervalBalanced)
	assert.False(t, n.IsReady("B"))

	n.ObservePayloadSize("B", 200)
	assert.True(t, n.IsReady("B"))
	assert.Equal(t, 1, ready)

	params, _ := n.Params("B")
	assert.Equal(t, ble.LinkParams{MTU: 64, Interval: ble.IntervalBalanced, Method: ble.MethodNotifyPush, PayloadSize: 64}, params)
}

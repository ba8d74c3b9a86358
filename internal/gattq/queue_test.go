package gattq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/gattbench/internal/ble"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	ops      []Op
	failNext error
}

func (d *recordingDispatcher) Dispatch(op Op) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failNext; err != nil {
		d.failNext = nil
		return err
	}
	d.ops = append(d.ops, op)
	return nil
}

func (d *recordingDispatcher) dispatched() []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Op(nil), d.ops...)
}

func payloadOf(ops []Op) []byte {
	var out []byte
	for _, op := range ops {
		out = append(out, op.Payload...)
	}
	return out
}

func TestSubmitDispatchesImmediatelyWhenIdle(t *testing.T) {
	d := &recordingDispatcher{}
	q := New(d, Options{})

	require.NoError(t, q.Submit(context.Background(), Write("A", ble.TestCharUUID, []byte{1}, true)))

	assert.Len(t, d.dispatched(), 1)
	assert.True(t, q.InFlight("A"))
	assert.Equal(t, 0, q.Len("A"))
}

func TestSingleFlightAndFIFO(t *testing.T) {
	d := &recordingDispatcher{}
	q := New(d, Options{})
	ctx := context.Background()

	for i := byte(1); i <= 4; i++ {
		require.NoError(t, q.Submit(ctx, Write("A", ble.TestCharUUID, []byte{i}, true)))
	}
	assert.Len(t, d.dispatched(), 1, "only one op may be in flight")
	assert.Equal(t, 3, q.Len("A"))

	for i := 0; i < 4; i++ {
		done, ok := q.OnOperationCompleted("A", nil)
		require.True(t, ok)
		assert.Equal(t, byte(i+1), done.Op.Payload[0])
	}
	assert.Equal(t, []byte{1, 2, 3, 4}, payloadOf(d.dispatched()))
	assert.False(t, q.InFlight("A"))
}

func TestPeersAreIndependent(t *testing.T) {
	d := &recordingDispatcher{}
	q := New(d, Options{})
	ctx := context.Background()

	require.NoError(t, q.Submit(ctx, Read("A", ble.LatencyCharUUID)))
	require.NoError(t, q.Submit(ctx, Read("B", ble.LatencyCharUUID)))

	assert.Len(t, d.dispatched(), 2)
	assert.True(t, q.InFlight("A"))
	assert.True(t, q.InFlight("B"))
}

func TestFailedCompletionAdvances(t *testing.T) {
	d := &recordingDispatcher{}
	var failures []Completed
	q := New(d, Options{OnFailure: func(c Completed) { failures = append(failures, c) }})
	ctx := context.Background()

	require.NoError(t, q.Submit(ctx, Write("A", ble.TestCharUUID, []byte{1}, true)))
	require.NoError(t, q.Submit(ctx, Write("A", ble.TestCharUUID, []byte{2}, true)))

	boom := errors.New("gatt error 0x85")
	done, ok := q.OnOperationCompleted("A", boom)
	require.True(t, ok)
	assert.ErrorIs(t, done.Err, boom)

	require.Len(t, failures, 1)
	assert.Equal(t, byte(1), failures[0].Op.Payload[0])
	assert.Equal(t, []byte{1, 2}, payloadOf(d.dispatched()), "queue must move on after a failure")
}

func TestDispatchErrorCountsAsFailedCompletion(t *testing.T) {
	d := &recordingDispatcher{}
	var failures []Completed
	q := New(d, Options{OnFailure: func(c Completed) { failures = append(failures, c) }})
	ctx := context.Background()

	require.NoError(t, q.Submit(ctx, Write("A", ble.TestCharUUID, []byte{1}, true)))
	require.NoError(t, q.Submit(ctx, Write("A", ble.TestCharUUID, []byte{2}, true)))

	d.mu.Lock()
	d.failNext = ble.ErrNotConnected
	d.mu.Unlock()
	q.OnOperationCompleted("A", nil) // op 2 fails on dispatch

	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0].Err, ble.ErrNotConnected)
	assert.ErrorIs(t, failures[0].Err, ErrDispatch)
	assert.False(t, q.InFlight("A"), "lane must be idle after dispatch failure")

	require.NoError(t, q.Submit(ctx, Write("A", ble.TestCharUUID, []byte{3}, true)))
	assert.Equal(t, []byte{1, 3}, payloadOf(d.dispatched()))
}

func TestCompletionWithoutInFlight(t *testing.T) {
	q := New(&recordingDispatcher{}, Options{})
	_, ok := q.OnOperationCompleted("A", nil)
	assert.False(t, ok)
}

func TestRoundTripMeasured(t *testing.T) {
	q := New(&recordingDispatcher{}, Options{})
	base := time.Unix(1700000000, 0)
	now := base
	q.now = func() time.Time { return now }

	require.NoError(t, q.Submit(context.Background(), Read("A", ble.IDCharUUID)))
	now = base.Add(12 * time.Millisecond)

	done, ok := q.OnOperationCompleted("A", nil)
	require.True(t, ok)
	assert.Equal(t, 12*time.Millisecond, done.RoundTrip)
	assert.True(t, done.Op.IsRead())
}

func TestFailFastPolicy(t *testing.T) {
	q := New(&recordingDispatcher{}, Options{Capacity: 1, Policy: PolicyFailFast})
	ctx := context.Background()

	require.NoError(t, q.Submit(ctx, Read("A", ble.TestCharUUID))) // in flight
	require.NoError(t, q.Submit(ctx, Read("A", ble.TestCharUUID))) // waiting
	err := q.Submit(ctx, Read("A", ble.TestCharUUID))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestBlockPolicyWaitsForSpace(t *testing.T) {
	d := &recordingDispatcher{}
	q := New(d, Options{Capacity: 1, Policy: PolicyBlock})
	ctx := context.Background()

	require.NoError(t, q.Submit(ctx, Write("A", ble.TestCharUUID, []byte{1}, false)))
	require.NoError(t, q.Submit(ctx, Write("A", ble.TestCharUUID, []byte{2}, false)))

	submitted := make(chan error, 1)
	go func() {
		submitted <- q.Submit(ctx, Write("A", ble.TestCharUUID, []byte{3}, false))
	}()

	select {
	case err := <-submitted:
		t.Fatalf("Submit returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	q.OnOperationCompleted("A", nil)
	select {
	case err := <-submitted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Submit was not released")
	}
	assert.Equal(t, 1, q.Len("A"))
}

func TestBlockPolicyHonorsContext(t *testing.T) {
	q := New(&recordingDispatcher{}, Options{Capacity: 1})
	require.NoError(t, q.Submit(context.Background(), Read("A", ble.TestCharUUID)))
	require.NoError(t, q.Submit(context.Background(), Read("A", ble.TestCharUUID)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Submit(ctx, Read("A", ble.TestCharUUID))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResetReleasesBlockedSubmitters(t *testing.T) {
	q := New(&recordingDispatcher{}, Options{Capacity: 1})
	ctx := context.Background()
	require.NoError(t, q.Submit(ctx, Read("A", ble.TestCharUUID)))
	require.NoError(t, q.Submit(ctx, Read("A", ble.TestCharUUID)))

	submitted := make(chan error, 1)
	go func() { submitted <- q.Submit(ctx, Read("A", ble.TestCharUUID)) }()
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 2, q.Reset("A"))
	select {
	case err := <-submitted:
		assert.ErrorIs(t, err, ErrPeerReset)
	case <-time.After(2 * time.Second):
		t.Fatal("Reset did not release blocked Submit")
	}
	assert.False(t, q.InFlight("A"))
	assert.Equal(t, 0, q.Len("A"))
}

func TestSubmitValidatesOp(t *testing.T) {
	q := New(&recordingDispatcher{}, Options{})
	ctx := context.Background()

	tests := []struct {
		name string
		op   Op
	}{
		{"no peer", Read("", ble.TestCharUUID)},
		{"read with payload", Op{Peer: "A", Kind: ble.OpRead, Payload: []byte{1}}},
		{"write without payload", Op{Peer: "A", Kind: ble.OpWrite}},
		{"unknown kind", Op{Peer: "A"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, q.Submit(ctx, tt.op))
		})
	}
}

func TestConstructorsKeepKindAndPayloadConsistent(t *testing.T) {
	assert.Equal(t, ble.OpWrite, Write("A", ble.TestCharUUID, nil, true).Kind)
	assert.NotNil(t, Write("A", ble.TestCharUUID, nil, false).Payload)
	assert.Equal(t, ble.OpWriteNoResponse, Write("A", ble.TestCharUUID, nil, false).Kind)
	assert.True(t, Read("A", ble.TestCharUUID).IsRead())
	assert.False(t, Notify("A", ble.TestCharUUID, nil).IsRead())
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("fail-fast")
	require.NoError(t, err)
	assert.Equal(t, PolicyFailFast, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyBlock, p)

	_, err = ParsePolicy("drop-oldest")
	assert.Error(t, err)
}

// fakeTransport records the calls TransportDispatcher makes. Methods the
// dispatcher never calls panic through the nil embedded interface.
type fakeTransport struct {
	ble.Transport
	calls []string
}

func (f *fakeTransport) SubmitWrite(_ string, _ uuid.UUID, _ []byte, confirmed bool) error {
	if confirmed {
		f.calls = append(f.calls, "write")
	} else {
		f.calls = append(f.calls, "write-cmd")
	}
	return nil
}

func (f *fakeTransport) SubmitRead(string, uuid.UUID) error {
	f.calls = append(f.calls, "read")
	return nil
}

func (f *fakeTransport) SubmitNotify(string, uuid.UUID, []byte) error {
	f.calls = append(f.calls, "notify")
	return nil
}

func TestTransportDispatcher(t *testing.T) {
	tr := &fakeTransport{}
	d := TransportDispatcher(tr)

	require.NoError(t, d.Dispatch(Write("A", ble.TestCharUUID, []byte{1}, true)))
	require.NoError(t, d.Dispatch(Write("A", ble.TestCharUUID, []byte{1}, false)))
	require.NoError(t, d.Dispatch(Read("A", ble.TestCharUUID)))
	require.NoError(t, d.Dispatch(Notify("A", ble.TestCharUUID, []byte{1})))
	assert.Error(t, d.Dispatch(Op{Peer: "A"}))

	assert.Equal(t, []string{"write", "write-cmd", "read", "notify"}, tr.calls)
}

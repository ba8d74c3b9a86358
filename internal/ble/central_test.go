package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type recordingHandler struct {
	mu          sync.Mutex
	connected   []string
	lost        []string
	completions chan Completion
	mtus        chan int
	intervals   chan IntervalClass
	methods     chan Method
	values      chan []byte
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		completions: make(chan Completion, 16),
		mtus:        make(chan int, 4),
		intervals:   make(chan IntervalClass, 4),
		methods:     make(chan Method, 4),
		values:      make(chan []byte, 16),
	}
}

func (h *recordingHandler) OnConnected(peer string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = append(h.connected, peer)
}

func (h *recordingHandler) OnDisconnected(peer string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lost = append(h.lost, peer)
}

func (h *recordingHandler) OnOperationCompleted(c Completion) { h.completions <- c }

func (h *recordingHandler) OnMTUChanged(_ string, mtu int, _ error) { h.mtus <- mtu }

func (h *recordingHandler) OnIntervalChanged(_ string, class IntervalClass, _ error) {
	h.intervals <- class
}

func (h *recordingHandler) OnMethodChanged(_ string, m Method, _ error) { h.methods <- m }

func (h *recordingHandler) OnValue(_ string, _ uuid.UUID, v []byte) { h.values <- v }

func (h *recordingHandler) OnRead(string, uuid.UUID) ([]byte, error) { return nil, ErrUnsupported }

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport event")
	}
	var zero T
	return zero
}

const testMAC = "AA:BB:CC:DD:EE:FF"

func startCentral(t *testing.T) (*Central, *mockAdapter, *recordingHandler) {
	t.Helper()
	adapter := newMockAdapter([]Device{
		{Name: "bench-weak", MAC: "11:22:33:44:55:66", RSSI: -90},
		{Name: "bench", MAC: testMAC, RSSI: -45},
	})
	c := NewCentral(adapter, DefaultCentralOptions())
	h := newRecordingHandler()
	c.SetHandler(h)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, adapter, h
}

func TestCentralStartConnectsStrongestDevice(t *testing.T) {
	_, _, h := startCentral(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.connected) != 1 || h.connected[0] != testMAC {
		t.Errorf("connected = %v, want [%s]", h.connected, testMAC)
	}
}

func TestCentralStartFailsWithoutDevices(t *testing.T) {
	c := NewCentral(newMockAdapter(nil), CentralOptions{ConnectAttempts: 1})
	c.SetHandler(newRecordingHandler())

	err := c.Start(context.Background())
	if !errors.Is(err, ErrNoDevice) {
		t.Errorf("Start() error = %v, want ErrNoDevice", err)
	}
}

func TestCentralStartHonorsCancelDuringBackoff(t *testing.T) {
	adapter := newMockAdapter([]Device{{Name: "bench", MAC: testMAC}})
	adapter.connectErrs = []error{errors.New("radio busy"), errors.New("radio busy")}
	c := NewCentral(adapter, CentralOptions{ConnectAttempts: 3})
	c.SetHandler(newRecordingHandler())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Start(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Start() error = %v, want deadline exceeded", err)
	}
}

func TestCentralWriteCompletes(t *testing.T) {
	tests := []struct {
		name      string
		confirmed bool
		wantKind  OpKind
	}{
		{"confirmed", true, OpWrite},
		{"unconfirmed", false, OpWriteNoResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, adapter, h := startCentral(t)

			if err := c.SubmitWrite(testMAC, TestCharUUID, []byte{1, 2, 3}, tt.confirmed); err != nil {
				t.Fatalf("SubmitWrite() error = %v", err)
			}
			got := waitFor(t, h.completions)
			if got.Kind != tt.wantKind || got.Err != nil || got.Attr != TestCharUUID {
				t.Errorf("completion = %+v, want kind %s without error", got, tt.wantKind)
			}
			if n := adapter.latestConnection().char(TestCharUUID).writeCount(); n != 1 {
				t.Errorf("writes = %d, want 1", n)
			}
		})
	}
}

func TestCentralReadReturnsValue(t *testing.T) {
	c, adapter, h := startCentral(t)
	adapter.latestConnection().char(LatencyCharUUID).readValue = []byte{0, 0, 0, 0, 0, 0, 0, 7}

	if err := c.SubmitRead(testMAC, LatencyCharUUID); err != nil {
		t.Fatalf("SubmitRead() error = %v", err)
	}
	got := waitFor(t, h.completions)
	if got.Kind != OpRead || len(got.Value) != 8 || got.Value[7] != 7 {
		t.Errorf("completion = %+v, want 8-byte read", got)
	}
}

func TestCentralRejectsUnknownPeerAndAttribute(t *testing.T) {
	c, _, _ := startCentral(t)

	if err := c.SubmitRead("00:00:00:00:00:00", TestCharUUID); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SubmitRead(unknown peer) error = %v, want ErrNotConnected", err)
	}
	if err := c.SubmitRead(testMAC, TestDescUUID); !errors.Is(err, ErrUnknownAttribute) {
		t.Errorf("SubmitRead(descriptor) error = %v, want ErrUnknownAttribute", err)
	}
	if err := c.SubmitNotify(testMAC, TestCharUUID, nil); !errors.Is(err, ErrUnsupported) {
		t.Errorf("SubmitNotify() error = %v, want ErrUnsupported", err)
	}
}

func TestCentralMTUIsClampedToRequest(t *testing.T) {
	tests := []struct {
		request int
		want    int
	}{
		{request: 128, want: 128},
		{request: 247, want: 185},
	}
	for _, tt := range tests {
		c, _, h := startCentral(t)
		if err := c.RequestMTU(testMAC, tt.request); err != nil {
			t.Fatalf("RequestMTU() error = %v", err)
		}
		if got := waitFor(t, h.mtus); got != tt.want {
			t.Errorf("RequestMTU(%d) achieved %d, want %d", tt.request, got, tt.want)
		}
	}
}

func TestCentralIntervalRequestsClassParameters(t *testing.T) {
	c, adapter, h := startCentral(t)

	if err := c.RequestInterval(testMAC, IntervalHigh); err != nil {
		t.Fatalf("RequestInterval() error = %v", err)
	}
	if got := waitFor(t, h.intervals); got != IntervalHigh {
		t.Errorf("interval = %s, want high", got)
	}
	conn := adapter.latestConnection()
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.params) != 1 || conn.params[0].IntervalMin != 6 {
		t.Errorf("params = %+v, want one high-class request", conn.params)
	}
}

func TestCentralNotifyPushSubscribes(t *testing.T) {
	c, adapter, h := startCentral(t)

	if err := c.SetTransferMethod(testMAC, MethodNotifyPush); err != nil {
		t.Fatalf("SetTransferMethod() error = %v", err)
	}
	if got := waitFor(t, h.methods); got != MethodNotifyPush {
		t.Errorf("method = %s, want notify-push", got)
	}

	adapter.latestConnection().char(TestCharUUID).SimulateNotification([]byte("ping"))
	if got := waitFor(t, h.values); string(got) != "ping" {
		t.Errorf("value = %q, want ping", got)
	}
}

func TestCentralDisconnectNotifiesHandler(t *testing.T) {
	c, adapter, h := startCentral(t)

	adapter.latestConnection().SimulateDisconnect()

	h.mu.Lock()
	lost := append([]string(nil), h.lost...)
	h.mu.Unlock()
	if len(lost) != 1 || lost[0] != testMAC {
		t.Errorf("lost = %v, want [%s]", lost, testMAC)
	}
	if err := c.SubmitRead(testMAC, TestCharUUID); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SubmitRead() after disconnect error = %v, want ErrNotConnected", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second,
	}
	for i, want := range delays {
		if got := backoffDelay(i, 30); got != want {
			t.Errorf("backoffDelay(%d, 30) = %v, want %v", i, got, want)
		}
	}
	if got := backoffDelay(100, 30); got != 30*time.Second {
		t.Errorf("backoffDelay(100, 30) = %v, want capped 30s", got)
	}
}

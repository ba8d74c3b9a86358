// Package role composes the queue, negotiator, driver and result exchange
// into the two sides of a benchmark: the Initiator, which connects and
// runs sessions, and the Responder, which serves them.
package role

import (
	"time"

	"github.com/chaz8081/gattbench/internal/fault"
)

// Observer receives the application-facing events of a role. Callbacks run
// on transport or driver goroutines and must not block.
type Observer interface {
	OnSessionStart(peer string)
	OnSessionComplete(peer string, bytesSent int64)
	OnError(ev fault.Event)

	// OnLatencySamplesAvailable delivers copies of the sender and receiver
	// offset series of the last session.
	OnLatencySamplesAvailable(peer string, sender, receiver []int64)
	OnThroughputAvailable(peer string, bps float64)
	OnPeerIdentityAvailable(peer string, id string)
	OnStartupLatencyAvailable(peer string, d time.Duration)
	OnLossRateAvailable(peer string, rate float64)
	OnRawDataAvailable(peer string, gaps []int64)
}

// BaseObserver implements Observer with no-ops. Embed it to handle only
// some events.
type BaseObserver struct{}

func (BaseObserver) OnSessionStart(string) {}
func (BaseObserver) OnSessionComplete(string, int64) {}
func (BaseObserver) OnError(fault.Event) {}
func (BaseObserver) OnLatencySamplesAvailable(string, []int64, []int64) {}
func (BaseObserver) OnThroughputAvailable(string, float64) {}
func (BaseObserver) OnPeerIdentityAvailable(string, string) {}
func (BaseObserver) OnStartupLatencyAvailable(string, time.Duration) {}
func (BaseObserver) OnLossRateAvailable(string, float64) {}
func (BaseObserver) OnRawDataAvailable(string, []int64) {}

var _ Observer = BaseObserver{}

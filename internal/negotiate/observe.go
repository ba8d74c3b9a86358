package negotiate

import (
	"log/slog"

	"github.com/chaz8081/gattbench/internal/ble"
)

// The Observe methods record parameters negotiated by the remote side. A
// responder never begins a round itself; it learns the link settings from
// the transport and becomes Ready once all four are known.

func (n *Negotiator) observe(peer string, set func(ps *peerState)) {
	n.mu.Lock()
	ps, ok := n.peers[peer]
	if ok && ps.state >= RequestingMTU && ps.state <= RequestingPayloadSize {
		// A local round is running; its own confirmations win.
		n.mu.Unlock()
		return
	}
	if !ok {
		// Every link starts at the default MTU.
		ps = &peerState{state: Idle, started: n.now()}
		ps.achieved.MTU = ble.DefaultMTU
		ps.flags.mtu = true
		n.peers[peer] = ps
	}
	set(ps)
	ready := ps.state != Ready && ps.flags.all()
	if ready {
		ps.state = Ready
	}
	params := ps.achieved
	n.mu.Unlock()

	if ready {
		slog.Info("[NEGOTIATE] peer parameters known", "peer", peer, "params", params.String())
		if n.opts.OnReady != nil {
			n.opts.OnReady(peer, params)
		}
	}
}

// ObserveMTU records the MTU the peer negotiated.
func (n *Negotiator) ObserveMTU(peer string, mtu int) {
	if mtu < ble.DefaultMTU {
		mtu = ble.DefaultMTU
	}
	n.observe(peer, func(ps *peerState) {
		ps.achieved.MTU = mtu
		ps.flags.mtu = true
		if ps.flags.payload && ps.achieved.PayloadSize > mtu {
			ps.achieved.PayloadSize = mtu
		}
	})
}

// ObserveInterval records the interval class the peer requested.
func (n *Negotiator) ObserveInterval(peer string, class ble.IntervalClass) {
	n.observe(peer, func(ps *peerState) {
		ps.achieved.Interval = class
		ps.flags.interval = true
	})
}

// ObserveMethod records the transfer method the peer selected.
func (n *Negotiator) ObserveMethod(peer string, method ble.Method) {
	n.observe(peer, func(ps *peerState) {
		ps.achieved.Method = method
		ps.flags.method = true
	})
}

// ObservePayloadSize records the payload size, clamped to the known MTU.
func (n *Negotiator) ObservePayloadSize(peer string, size int) {
	n.observe(peer, func(ps *peerState) {
		if size > ps.achieved.MTU {
			size = ps.achieved.MTU
		}
		ps.achieved.PayloadSize = size
		ps.flags.payload = size > 0
	})
}

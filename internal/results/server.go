// Package results streams recorded measurements between peers and derives
// the session summary from them.
package results

import (
	"log/slog"
	"sync"

	"github.com/chaz8081/gattbench/internal/ble/protocol"
	"github.com/chaz8081/gattbench/internal/timing"
)

// Server answers result reads on the responder side. Each read returns the
// next piece of a series; the client keeps reading until it sees the end
// marker.
type Server struct {
	rec      *timing.Recorder
	identity string

	// OnLatencyServed fires once per peer when the sentinel is first served.
	OnLatencyServed func(peer string)

	mu      sync.Mutex
	cursors map[timing.Key]int
	served  map[string]bool
	raw     map[string][][]byte
}

// NewServer creates a server over rec that reports identity on the ID
// attribute.
func NewServer(rec *timing.Recorder, identity string) *Server {
	return &Server{
		rec:      rec,
		identity: identity,
		cursors:  make(map[timing.Key]int),
		served:   make(map[string]bool),
		raw:      make(map[string][][]byte),
	}
}

// LatencyRead returns the next unread sample of (kind, peer) encoded as an
// 8-byte big-endian value, or the sentinel once every sample was served.
func (s *Server) LatencyRead(peer string, kind timing.Kind) []byte {
	key := timing.Key{Kind: kind, Peer: peer}

	s.mu.Lock()
	i := s.cursors[key]
	v, ok := s.rec.At(key, i)
	if ok {
		s.cursors[key] = i + 1
		s.mu.Unlock()
		return protocol.EncodeSample(v)
	}
	first := !s.served[peer]
	s.served[peer] = true
	s.mu.Unlock()

	if first {
		slog.Info("[RESULTS] latency stream served", "peer", peer, "kind", kind.String(), "samples", i)
		if s.OnLatencyServed != nil {
			s.OnLatencyServed(peer)
		}
	}
	return protocol.EncodeSample(protocol.Sentinel)
}

// IdentityRead returns the device identity.
func (s *Server) IdentityRead() []byte {
	return []byte(s.identity)
}

// RawRead returns the next chunk of the peer's inter-packet gaps encoded as
// netstrings, each chunk at most chunkSize bytes. The stream is built on the
// first read from the receiver series and ends with the empty netstring;
// the read after the end starts a fresh stream.
func (s *Server) RawRead(peer string, chunkSize int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunks, ok := s.raw[peer]
	if !ok {
		offsets := s.rec.Drain(timing.Key{Kind: timing.ReceiverLatency, Peer: peer}, false)
		chunks = protocol.ChunkStream(protocol.EncodeGaps(Gaps(offsets)), chunkSize)
		slog.Debug("[RESULTS] raw stream built", "peer", peer, "gaps", len(offsets), "chunks", len(chunks))
	}
	next := chunks[0]
	if len(chunks) == 1 {
		delete(s.raw, peer)
	} else {
		s.raw[peer] = chunks[1:]
	}
	return next
}

// Reset forgets the read positions of a peer so a new session can be served.
func (s *Server) Reset(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.cursors {
		if key.Peer == peer {
			delete(s.cursors, key)
		}
	}
	delete(s.served, peer)
	delete(s.raw, peer)
}

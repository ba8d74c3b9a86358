// Package payload generates benchmark payload blocks: pseudo-random,
// incompressible bytes from a ChaCha20 keystream keyed by HKDF-SHA256 over a
// session seed. The same seed always yields the same byte stream.
package payload

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "gattbench payload"

// Generator produces payload blocks. Safe for concurrent use.
type Generator struct {
	mu     sync.Mutex
	stream *chacha20.Cipher
	total  int64
}

// New creates a generator from seed. The seed must not be empty.
func New(seed []byte) (*Generator, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("payload: empty seed")
	}
	r := hkdf.New(sha256.New, seed, nil, []byte(hkdfInfo))
	material := make([]byte, chacha20.KeySize+chacha20.NonceSize)
	if _, err := io.ReadFull(r, material); err != nil {
		return nil, fmt.Errorf("payload: HKDF: %w", err)
	}
	stream, err := chacha20.NewUnauthenticatedCipher(material[:chacha20.KeySize], material[chacha20.KeySize:])
	if err != nil {
		return nil, fmt.Errorf("payload: new cipher: %w", err)
	}
	return &Generator{stream: stream}, nil
}

// NewSession creates a generator seeded with a fresh random session ID and
// returns the ID so a peer can reproduce the stream.
func NewSession() (*Generator, uuid.UUID, error) {
	id := uuid.New()
	g, err := New(id[:])
	if err != nil {
		return nil, uuid.Nil, err
	}
	return g, id, nil
}

// Block returns the next n bytes of the stream.
func (g *Generator) Block(n int) []byte {
	if n <= 0 {
		return nil
	}
	buf := make([]byte, n)
	g.mu.Lock()
	g.stream.XORKeyStream(buf, buf)
	g.total += int64(n)
	g.mu.Unlock()
	return buf
}

// Generated returns the number of bytes produced so far.
func (g *Generator) Generated() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

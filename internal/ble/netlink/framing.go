package netlink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	lengthPrefixSize = 4

	// maxFrameSize bounds one encoded frame. The largest attribute value is
	// ble.MaxMTU bytes, so this leaves ample room for the envelope.
	maxFrameSize = 4096
)

var (
	ErrFrameTooLarge  = errors.New("netlink: frame too large")
	ErrFrameEmpty     = errors.New("netlink: empty frame")
	ErrFrameTruncated = errors.New("netlink: frame truncated")
)

// frameWriter writes 4-byte big-endian length-prefixed frames.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (fw *frameWriter) writeFrame(data []byte) error {
	if len(data) == 0 {
		return ErrFrameEmpty
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), maxFrameSize)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	buf := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[lengthPrefixSize:], data)
	if _, err := fw.w.Write(buf); err != nil {
		return fmt.Errorf("netlink: write frame: %w", err)
	}
	return nil
}

// frameReader reads frames written by frameWriter.
type frameReader struct {
	r         io.Reader
	lengthBuf [lengthPrefixSize]byte
}

func (fr *frameReader) readFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("netlink: read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(fr.lengthBuf[:])
	if length == 0 {
		return nil, ErrFrameEmpty
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxFrameSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("netlink: read payload: %w", err)
	}
	return payload, nil
}

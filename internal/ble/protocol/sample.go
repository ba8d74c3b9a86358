package protocol

import (
	"encoding/binary"
	"fmt"
)

// SampleSize is the encoded size of one latency sample.
const SampleSize = 8

// Sentinel marks the end of a latency stream.
const Sentinel int64 = -1

// EncodeSample encodes a duration in nanoseconds as a big-endian int64.
func EncodeSample(v int64) []byte {
	buf := make([]byte, SampleSize)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

// DecodeSample decodes one sample. Values must be exactly SampleSize bytes.
func DecodeSample(data []byte) (int64, error) {
	if len(data) != SampleSize {
		return 0, fmt.Errorf("protocol: sample must be %d bytes, got %d", SampleSize, len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

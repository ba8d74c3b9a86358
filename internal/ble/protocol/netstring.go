package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformedNetstring is returned by the decoder for invalid framing.
var ErrMalformedNetstring = errors.New("protocol: malformed netstring")

// Terminator is the empty netstring that ends a raw data stream.
var Terminator = []byte("0:,")

// maxLenDigits bounds the length prefix so garbage input fails fast.
const maxLenDigits = 9

// AppendNetstring appends s framed as "<len>:<s>," to buf.
func AppendNetstring(buf []byte, s string) []byte {
	buf = strconv.AppendInt(buf, int64(len(s)), 10)
	buf = append(buf, ':')
	buf = append(buf, s...)
	return append(buf, ',')
}

// EncodeGaps encodes inter-packet gaps in nanoseconds as decimal netstrings
// followed by the terminator.
func EncodeGaps(gaps []int64) []byte {
	var buf []byte
	for _, g := range gaps {
		buf = AppendNetstring(buf, strconv.FormatInt(g, 10))
	}
	return append(buf, Terminator...)
}

// ChunkStream splits an encoded stream into chunks of at most maxBytes. It
// prefers ending a chunk on a netstring boundary and splits inside a
// netstring only when one does not fit in a whole chunk. Returns nil for an
// empty stream.
func ChunkStream(stream []byte, maxBytes int) [][]byte {
	if len(stream) == 0 {
		return nil
	}
	if maxBytes < 1 {
		maxBytes = 1
	}

	var chunks [][]byte
	for len(stream) > 0 {
		if len(stream) <= maxBytes {
			chunks = append(chunks, stream)
			break
		}

		split := maxBytes
		if i := bytes.LastIndexByte(stream[:maxBytes], ','); i >= 0 {
			split = i + 1
		}
		chunks = append(chunks, stream[:split])
		stream = stream[split:]
	}
	return chunks
}

// NetstringDecoder reassembles netstrings from arbitrarily cut chunks.
type NetstringDecoder struct {
	buf  []byte
	done bool
}

// Feed appends a chunk and returns every netstring it completed. After the
// terminator is seen Done reports true and further input is an error.
func (d *NetstringDecoder) Feed(chunk []byte) ([]string, error) {
	if d.done {
		if len(chunk) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: data after terminator", ErrMalformedNetstring)
	}
	d.buf = append(d.buf, chunk...)

	var out []string
	for len(d.buf) > 0 {
		colon := bytes.IndexByte(d.buf, ':')
		if colon < 0 {
			if len(d.buf) > maxLenDigits {
				return out, fmt.Errorf("%w: length prefix too long", ErrMalformedNetstring)
			}
			break
		}
		if colon == 0 || colon > maxLenDigits {
			return out, fmt.Errorf("%w: bad length prefix %q", ErrMalformedNetstring, d.buf[:colon])
		}
		n, err := strconv.Atoi(string(d.buf[:colon]))
		if err != nil || n < 0 {
			return out, fmt.Errorf("%w: bad length prefix %q", ErrMalformedNetstring, d.buf[:colon])
		}
		end := colon + 1 + n
		if len(d.buf) < end+1 {
			break
		}
		if d.buf[end] != ',' {
			return out, fmt.Errorf("%w: missing trailing comma", ErrMalformedNetstring)
		}
		value := string(d.buf[colon+1 : end])
		d.buf = d.buf[end+1:]

		if n == 0 {
			d.done = true
			if len(d.buf) > 0 {
				return out, fmt.Errorf("%w: data after terminator", ErrMalformedNetstring)
			}
			break
		}
		out = append(out, value)
	}
	return out, nil
}

// Done reports whether the terminator has been decoded.
func (d *NetstringDecoder) Done() bool {
	return d.done
}

// ParseGaps converts decoded netstring values into nanosecond gaps.
func ParseGaps(values []string) ([]int64, error) {
	gaps := make([]int64, 0, len(values))
	for _, v := range values {
		g, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return gaps, fmt.Errorf("protocol: parse gap %q: %w", v, err)
		}
		gaps = append(gaps, g)
	}
	return gaps, nil
}

package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestEncodeGaps(t *testing.T) {
	got := EncodeGaps([]int64{7500000, 15, 0})
	want := "7:7500000,2:15,1:0,0:,"
	if string(got) != want {
		t.Errorf("EncodeGaps() = %q, want %q", got, want)
	}
}

func TestEncodeGapsEmpty(t *testing.T) {
	if got := EncodeGaps(nil); !bytes.Equal(got, Terminator) {
		t.Errorf("EncodeGaps(nil) = %q, want terminator only", got)
	}
}

func TestChunkStreamPrefersBoundaries(t *testing.T) {
	stream := []byte("3:100,3:200,3:300,0:,")
	chunks := ChunkStream(stream, 12)

	want := []string{"3:100,3:200,", "3:300,0:,"}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks %q, want %d", len(chunks), chunks, len(want))
	}
	for i := range want {
		if string(chunks[i]) != want[i] {
			t.Errorf("chunk[%d] = %q, want %q", i, chunks[i], want[i])
		}
	}
}

func TestChunkStreamForcedSplit(t *testing.T) {
	stream := EncodeGaps([]int64{123456789012})
	chunks := ChunkStream(stream, 4)

	var joined []byte
	for i, c := range chunks {
		if len(c) > 4 {
			t.Errorf("chunk[%d] len=%d exceeds 4", i, len(c))
		}
		joined = append(joined, c...)
	}
	if !bytes.Equal(joined, stream) {
		t.Errorf("reassembled = %q, want %q", joined, stream)
	}
}

func TestChunkStreamEmpty(t *testing.T) {
	if chunks := ChunkStream(nil, 20); chunks != nil {
		t.Errorf("ChunkStream(nil) = %q, want nil", chunks)
	}
}

func TestNetstringDecoderReassembles(t *testing.T) {
	gaps := []int64{1, 22, 333, 4444, 55555, 666666}
	for _, size := range []int{1, 3, 7, 20, 512} {
		var d NetstringDecoder
		var values []string
		for _, c := range ChunkStream(EncodeGaps(gaps), size) {
			got, err := d.Feed(c)
			if err != nil {
				t.Fatalf("chunk size %d: Feed() error = %v", size, err)
			}
			values = append(values, got...)
		}
		if !d.Done() {
			t.Fatalf("chunk size %d: decoder not done", size)
		}
		parsed, err := ParseGaps(values)
		if err != nil {
			t.Fatalf("ParseGaps() error = %v", err)
		}
		if len(parsed) != len(gaps) {
			t.Fatalf("chunk size %d: got %d gaps, want %d", size, len(parsed), len(gaps))
		}
		for i := range gaps {
			if parsed[i] != gaps[i] {
				t.Errorf("chunk size %d: gap[%d] = %d, want %d", size, i, parsed[i], gaps[i])
			}
		}
	}
}

func TestNetstringDecoderErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing comma", "3:abc;"},
		{"non-numeric length", "x:abc,"},
		{"empty length", ":abc,"},
		{"length too long", strings.Repeat("9", 12)},
		{"trailing data", "0:,1:a,"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d NetstringDecoder
			_, err := d.Feed([]byte(tt.input))
			if !errors.Is(err, ErrMalformedNetstring) {
				t.Errorf("Feed(%q) error = %v, want ErrMalformedNetstring", tt.input, err)
			}
		})
	}
}

func TestNetstringDecoderRejectsInputAfterDone(t *testing.T) {
	var d NetstringDecoder
	if _, err := d.Feed(Terminator); err != nil {
		t.Fatalf("Feed(terminator) error = %v", err)
	}
	if _, err := d.Feed([]byte("1:a,")); !errors.Is(err, ErrMalformedNetstring) {
		t.Errorf("Feed() after done error = %v, want ErrMalformedNetstring", err)
	}
}

package rpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{
		[]byte(`{"id":"1","cmd":"ping"}`),
		{},
		[]byte(strings.Repeat("x", 4096)),
	}
	for _, p := range payloads {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("WriteFrame(%d bytes): %v", len(p), err)
		}
	}
	for _, want := range payloads {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame = %d bytes, want %d", len(got), len(want))
		}
	}
	if _, err := ReadFrame(&buf); !errors.Is(err, io.EOF) {
		t.Errorf("drained reader = %v, want io.EOF", err)
	}
}

func TestWriteFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxMessageSize+1))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("WriteFrame = %v, want ErrMessageTooLarge", err)
	}
	if buf.Len() != 0 {
		t.Error("oversize write must not emit bytes")
	}
}

func TestReadFrameRejectsOversizeHeader(t *testing.T) {
	// A 4-byte header declaring 11 MiB, with no body: rejection must come
	// from the header alone.
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 11<<20)
	_, err := ReadFrame(bytes.NewReader(hdr[:]))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("ReadFrame = %v, want ErrMessageTooLarge", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("hello world")); err != nil {
		t.Fatal(err)
	}
	short := buf.Bytes()[:buf.Len()-3]
	if _, err := ReadFrame(bytes.NewReader(short)); err == nil {
		t.Error("truncated body should fail")
	}

	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0})); err == nil {
		t.Error("truncated header should fail")
	}
}

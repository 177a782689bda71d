package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []Message{
		Connect("example.invalid", 80),
		Connect("", 0),
		Connected(),
		Err("dial failed: connection refused"),
		DataMsg([]byte("hello world")),
		DataMsg([]byte{}),
		Close(),
	}

	for _, m := range cases {
		var buf bytes.Buffer
		if err := Encode(&buf, m); err != nil {
			t.Fatalf("encode %s: %v", m.Tag, err)
		}
		got, err := Decode(&buf)
		if err != nil {
			t.Fatalf("decode %s: %v", m.Tag, err)
		}
		if got.Tag != m.Tag || got.Host != m.Host || got.Port != m.Port || got.ErrMessage != m.ErrMessage || !bytes.Equal(got.Data, m.Data) {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, m)
		}
	}
}

func TestDataSplitAcrossFrames(t *testing.T) {
	t.Parallel()

	payload := []byte("the quick brown fox jumps over the lazy dog")
	split := 17

	var buf bytes.Buffer
	if err := Encode(&buf, DataMsg(payload[:split])); err != nil {
		t.Fatal(err)
	}
	if err := Encode(&buf, DataMsg(payload[split:])); err != nil {
		t.Fatal(err)
	}

	var got []byte
	for i := 0; i < 2; i++ {
		m, err := Decode(&buf)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, m.Data...)
	}

	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestDecodeOversizeFrame(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var hdr [4]byte
	// Length field claims 2 MiB, well past MaxFrameLen.
	hdr[0] = 0x00
	hdr[1] = 0x20
	hdr[2] = 0x00
	hdr[3] = 0x00
	buf.Write(hdr[:])

	_, err := Decode(&buf)
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := Encode(&buf, DataMsg([]byte("x"))); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	// Corrupt the tag byte (position 4, right after the length prefix).
	raw[4] = 0xEE

	_, err := Decode(bytes.NewReader(raw))
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestDecodeEOF(t *testing.T) {
	t.Parallel()

	_, err := Decode(bytes.NewReader(nil))
	if err == nil {
		t.Fatal("expected error on empty reader")
	}
	if errors.Is(err, ErrProtocolViolation) {
		t.Fatal("plain EOF should not be classified as a protocol violation")
	}
}

func TestEncodeDataTooLarge(t *testing.T) {
	t.Parallel()

	big := make([]byte, MaxDataLen+1)
	var buf bytes.Buffer
	if err := Encode(&buf, DataMsg(big)); err == nil {
		t.Fatal("expected error encoding oversize data frame")
	}
}

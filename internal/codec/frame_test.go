package codec

import (
	"encoding/binary"
	"math"
	"testing"
)

func floatLE(f float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(f))
	return b
}

// TestEncodeMove reproduces scenario S1 from the specification literally.
func TestEncodeMove(t *testing.T) {
	params := append([]byte{0x01}, floatLE(250.0)...)
	params = append(params, floatLE(0.0)...)
	params = append(params, floatLE(100.0)...)
	params = append(params, floatLE(0.0)...)

	out, err := Encode(84, 0b11, params)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	want := []byte{
		0xAA, 0xAA, 0x13, 0x54, 0x03,
		0x01, 0x00, 0x00, 0x7A, 0x43,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0xC8, 0x42,
		0x00, 0x00, 0x00, 0x00,
	}
	sum := byte(0)
	for _, b := range want[2:] {
		sum += b
	}
	want = append(want, byte(-int8(sum)))

	if len(out) != len(want) {
		t.Fatalf("length mismatch: got %d want %d (%x vs %x)", len(out), len(want), out, want)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("byte %d mismatch: got %#x want %#x", i, out[i], want[i])
		}
	}

	d := NewDecoder()
	d.Feed(out)
	frame, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("decode of freshly encoded frame failed: ok=%v err=%v", ok, err)
	}
	if frame.ID != 84 || frame.Ctrl != 0b11 {
		t.Fatalf("unexpected frame header: %+v", frame)
	}
	if len(frame.Params) != len(params) {
		t.Fatalf("param length mismatch: got %d want %d", len(frame.Params), len(params))
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00},
		{0x01, 0x02, 0x03},
		floatLE(123.456),
	}
	for _, params := range cases {
		out, err := Encode(10, 0, params)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		d := NewDecoder()
		d.Feed(out)
		frame, ok, err := d.Next()
		if err != nil || !ok {
			t.Fatalf("round trip decode failed: ok=%v err=%v", ok, err)
		}
		if frame.ID != 10 || frame.Ctrl != 0 {
			t.Fatalf("header mismatch: %+v", frame)
		}
		if len(frame.Params) != len(params) {
			t.Fatalf("params length mismatch: got %d want %d", len(frame.Params), len(params))
		}
	}
}

func TestDecodeRejectsBadChecksum(t *testing.T) {
	out, err := Encode(10, 0, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	corrupted := append([]byte(nil), out...)
	corrupted[len(corrupted)-1] ^= 0xFF // flip the checksum byte

	d := NewDecoder()
	d.Feed(corrupted)
	_, ok, err := d.Next()
	if ok {
		t.Fatal("expected checksum failure, got ok frame")
	}
	if err == nil {
		t.Fatal("expected a BadChecksum error")
	}
}

func TestDecodeResyncsAfterGarbage(t *testing.T) {
	out, err := Encode(20, 0, []byte{9, 9})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	// A lone 0xAA not followed by a second 0xAA is not a frame boundary.
	garbage := []byte{0x01, 0x02, 0x03, 0xAA, 0x04}
	stream := append(garbage, out...)

	d := NewDecoder()
	d.Feed(stream)
	frame, ok, _ := d.Next()
	if !ok {
		t.Fatal("expected decoder to resync and find the valid frame")
	}
	if frame.ID != 20 {
		t.Fatalf("unexpected frame after resync: %+v", frame)
	}
}

func TestDecodeHandlesSplitFeed(t *testing.T) {
	out, err := Encode(30, 1, []byte{0xAB, 0xCD})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	d := NewDecoder()
	mid := len(out) / 2
	d.Feed(out[:mid])
	if _, ok, _ := d.Next(); ok {
		t.Fatal("expected no frame from a partial feed")
	}
	d.Feed(out[mid:])
	frame, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("expected a complete frame after feeding the rest: ok=%v err=%v", ok, err)
	}
	if frame.ID != 30 || frame.Ctrl != 1 {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

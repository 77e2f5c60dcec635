// Package codec implements the robot wire protocol's frame encoder and
// streaming decoder: [0xAA][0xAA][LEN][ID][CTRL][PARAMS][CHECKSUM].
package codec

import (
	"bytes"

	"github.com/hadefuwa/rpi-dobot-sub000/internal/bridgeerr"
)

const (
	magic0 byte = 0xAA
	magic1 byte = 0xAA

	// CtrlWrite is bit 0 of CTRL: 0=read, 1=write.
	CtrlWrite byte = 1 << 0
	// CtrlQueued is bit 1 of CTRL: 0=immediate, 1=queued.
	CtrlQueued byte = 1 << 1
)

// Frame is the decoded structural form of one wire packet.
type Frame struct {
	ID     byte
	Ctrl   byte
	Params []byte
}

func (f Frame) IsWrite() bool  { return f.Ctrl&CtrlWrite != 0 }
func (f Frame) IsQueued() bool { return f.Ctrl&CtrlQueued != 0 }

// checksum computes the two's complement of the unsigned sum of body,
// where body is every byte from LEN through the last parameter inclusive.
func checksum(body []byte) byte {
	var sum byte
	for _, b := range body {
		sum += b
	}
	return byte(-int8(sum))
}

// Encode produces the exact wire bytes for a frame: 5 + len(params) + 1 bytes.
func Encode(id, ctrl byte, params []byte) ([]byte, error) {
	if len(params) > 253 {
		return nil, bridgeerr.New(bridgeerr.KindBadLength, "params too long to fit LEN byte", map[string]any{"len": len(params)})
	}
	length := byte(len(params) + 2)
	buf := make([]byte, 0, 5+len(params)+1)
	buf = append(buf, magic0, magic1, length, id, ctrl)
	buf = append(buf, params...)
	cksum := checksum(buf[2:])
	buf = append(buf, cksum)
	return buf, nil
}

// Decoder is a streaming frame decoder. It owns an accumulator so partial
// packets survive across separate Transport reads; a packet begins only at
// a 0xAA 0xAA boundary, and a checksum failure discards the first magic byte
// and resynchronizes rather than failing the whole stream.
type Decoder struct {
	buf bytes.Buffer
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly read bytes to the accumulator.
func (d *Decoder) Feed(b []byte) {
	d.buf.Write(b)
}

// Next attempts to decode one frame from the accumulator. ok is false when
// more bytes are needed (Truncated case is implicit: caller just feeds more
// and calls Next again). err is non-nil only for BadChecksum/BadLength,
// which per the decoder contract are handled by resynchronizing internally
// and are returned here only so the caller can log them; the stream is
// always left in a valid state to keep decoding.
func (d *Decoder) Next() (frame Frame, ok bool, err error) {
	for {
		raw := d.buf.Bytes()
		// Find the 0xAA 0xAA boundary; discard any leading garbage.
		idx := indexOfMagic(raw)
		if idx < 0 {
			// No magic anywhere in the buffer; keep at most the last byte
			// in case it is the first half of a split magic pair.
			if len(raw) > 0 {
				last := raw[len(raw)-1]
				d.buf.Reset()
				if last == magic0 {
					d.buf.WriteByte(last)
				}
			}
			return Frame{}, false, nil
		}
		if idx > 0 {
			// Drop leading bytes that aren't part of a frame.
			d.buf.Next(idx)
			raw = d.buf.Bytes()
		}

		if len(raw) < 4 {
			return Frame{}, false, nil // need LEN and ID at least
		}
		length := raw[2]
		total := 2 + 1 + int(length) + 1 // magic(2) + LEN(1) + (ID+CTRL+PARAMS)=length + CHECKSUM(1)
		if len(raw) < total {
			return Frame{}, false, nil // Truncated: wait for more bytes
		}

		body := raw[2 : total-1] // LEN..last param
		gotChecksum := raw[total-1]
		wantChecksum := checksum(body)

		if length < 2 {
			// Malformed LEN (can't even cover ID+CTRL). Discard the first
			// magic byte and resync.
			d.buf.Next(1)
			return Frame{}, false, bridgeerr.New(bridgeerr.KindBadLength, "frame LEN too short", map[string]any{"len": length})
		}

		if gotChecksum != wantChecksum {
			d.buf.Next(1)
			return Frame{}, false, bridgeerr.New(bridgeerr.KindBadChecksum, "checksum mismatch", map[string]any{
				"want": wantChecksum, "got": gotChecksum,
			})
		}

		id := raw[3]
		ctrl := raw[4]
		params := append([]byte(nil), raw[5:total-1]...)
		d.buf.Next(total)
		return Frame{ID: id, Ctrl: ctrl, Params: params}, true, nil
	}
}

func indexOfMagic(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == magic0 && b[i+1] == magic1 {
			return i
		}
	}
	return -1
}

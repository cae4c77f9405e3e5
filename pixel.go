// Package pixelstream streams solid-color pixel frames to partitioned
// display servers over TCP, and provides the splitter server that carves a
// single display into those partitions.
package pixelstream

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
)

const (
	// RecordSize is the size of one pixel record on the wire:
	// x:u16, y:u16, r:u8, g:u8, b:u8, big-endian.
	RecordSize = 7

	// HandshakeSize is the size of the dimensions announcement a display
	// sends right after accepting a connection: width:u16, height:u16.
	HandshakeSize = 4
)

// Color is an RGB triple.
type Color struct {
	R, G, B uint8
}

func (c Color) String() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// RandomColor draws a uniformly random color from rng.
func RandomColor(rng *rand.Rand) Color {
	return Color{
		R: uint8(rng.Intn(256)),
		G: uint8(rng.Intn(256)),
		B: uint8(rng.Intn(256)),
	}
}

// Record is a single pixel update.
type Record struct {
	X, Y uint16
	Color
}

// Put encodes r into the first RecordSize bytes of b.
func (r Record) Put(b []byte) {
	_ = b[RecordSize-1]
	binary.BigEndian.PutUint16(b[0:], r.X)
	binary.BigEndian.PutUint16(b[2:], r.Y)
	b[4] = r.R
	b[5] = r.G
	b[6] = r.B
}

// Append appends the encoded record to b.
func (r Record) Append(b []byte) []byte {
	var buf [RecordSize]byte
	r.Put(buf[:])
	return append(b, buf[:]...)
}

// DecodeRecord decodes the first RecordSize bytes of b.
func DecodeRecord(b []byte) Record {
	_ = b[RecordSize-1]
	return Record{
		X:     binary.BigEndian.Uint16(b[0:]),
		Y:     binary.BigEndian.Uint16(b[2:]),
		Color: Color{R: b[4], G: b[5], B: b[6]},
	}
}

// DecodeRecords splits buf into records. buf must be a whole number of
// records.
func DecodeRecords(buf []byte) ([]Record, error) {
	if len(buf)%RecordSize != 0 {
		return nil, fmt.Errorf("buffer length %d is not a multiple of %d", len(buf), RecordSize)
	}
	records := make([]Record, 0, len(buf)/RecordSize)
	for i := 0; i < len(buf); i += RecordSize {
		records = append(records, DecodeRecord(buf[i:]))
	}
	return records, nil
}

// ReadRecord reads exactly one record from r.
func ReadRecord(r io.Reader, buf []byte) (Record, error) {
	if _, err := io.ReadFull(r, buf[:RecordSize]); err != nil {
		return Record{}, err
	}
	return DecodeRecord(buf), nil
}

// Dimensions is a canvas size as announced in the handshake.
type Dimensions struct {
	Width, Height uint16
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// Pixels returns the number of pixels covered by d.
func (d Dimensions) Pixels() int {
	return int(d.Width) * int(d.Height)
}

// ReadDimensions blocks until a full handshake has been read from r. A peer
// that closes early yields io.EOF or io.ErrUnexpectedEOF.
func ReadDimensions(r io.Reader) (Dimensions, error) {
	var buf [HandshakeSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Dimensions{}, err
	}
	return DecodeDimensions(buf[:]), nil
}

// DecodeDimensions decodes a 4 byte handshake.
func DecodeDimensions(b []byte) Dimensions {
	_ = b[HandshakeSize-1]
	return Dimensions{
		Width:  binary.BigEndian.Uint16(b[0:]),
		Height: binary.BigEndian.Uint16(b[2:]),
	}
}

// WriteDimensions sends the handshake for d to w.
func WriteDimensions(w io.Writer, d Dimensions) error {
	var buf [HandshakeSize]byte
	binary.BigEndian.PutUint16(buf[0:], d.Width)
	binary.BigEndian.PutUint16(buf[2:], d.Height)
	_, err := w.Write(buf[:])
	return err
}

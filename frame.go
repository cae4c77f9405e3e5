package pixelstream

import (
	"bytes"
	"math/rand"
)

// Coord is a pixel position within a partition.
type Coord struct {
	X, Y uint16
}

// Coords returns every coordinate of d exactly once, x outer and y inner:
// (0,0), (0,1), ..., (0,h-1), (1,0), ...
func Coords(d Dimensions) []Coord {
	return FillCoords(make([]Coord, 0, d.Pixels()), d)
}

// FillCoords is like Coords but reuses dst's backing array.
func FillCoords(dst []Coord, d Dimensions) []Coord {
	dst = dst[:0]
	for x := 0; x < int(d.Width); x++ {
		for y := 0; y < int(d.Height); y++ {
			dst = append(dst, Coord{X: uint16(x), Y: uint16(y)})
		}
	}
	return dst
}

// Shuffle permutes coords in place using rng.
func Shuffle(rng *rand.Rand, coords []Coord) {
	rng.Shuffle(len(coords), func(i, j int) {
		coords[i], coords[j] = coords[j], coords[i]
	})
}

// EncodeFrame writes one record per coordinate, all in color c, to buf.
func EncodeFrame(buf *bytes.Buffer, coords []Coord, c Color) {
	buf.Grow(len(coords) * RecordSize)
	var rec [RecordSize]byte
	for _, xy := range coords {
		Record{X: xy.X, Y: xy.Y, Color: c}.Put(rec[:])
		buf.Write(rec[:])
	}
}

// AppendFrame is EncodeFrame for plain byte slices.
func AppendFrame(b []byte, coords []Coord, c Color) []byte {
	for _, xy := range coords {
		b = Record{X: xy.X, Y: xy.Y, Color: c}.Append(b)
	}
	return b
}

// frameGenerator produces successive frames for one partition. It is not
// safe for concurrent use.
type frameGenerator struct {
	dims    Dimensions
	shuffle bool
	coords  []Coord
}

func newFrameGenerator(dims Dimensions, shuffle bool) *frameGenerator {
	return &frameGenerator{
		dims:    dims,
		shuffle: shuffle,
		coords:  make([]Coord, 0, dims.Pixels()),
	}
}

// next draws the frame color and then, if shuffling, the coordinate order,
// both from rng, and encodes the frame into buf.
func (g *frameGenerator) next(rng *rand.Rand, buf *bytes.Buffer) Color {
	c := RandomColor(rng)
	g.coords = FillCoords(g.coords, g.dims)
	if g.shuffle {
		Shuffle(rng, g.coords)
	}
	EncodeFrame(buf, g.coords, c)
	return c
}

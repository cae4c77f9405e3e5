package pixelstream

import (
	"fmt"
	"strings"

	"github.com/getlantern/errors"
)

// Section is one partition of a display, placed at (X, Y).
type Section struct {
	Index int
	X, Y  uint16
	Dimensions
}

// Contains reports whether the section-relative position lies inside s.
func (s Section) Contains(x, y uint16) bool {
	return x < s.Width && y < s.Height
}

// Layout is a grid of sections. Every row has sections of equal size and all
// rows have the same height.
type Layout struct {
	Display Dimensions
	Rows    [][]Section
}

// PlanLayout splits a display into n sections, choosing among every integer
// partition of n (one part per row, the part being that row's column count)
// the one whose sections are closest to square. Earlier candidates win ties.
func PlanLayout(display Dimensions, n int) (*Layout, error) {
	if n <= 0 {
		return nil, errors.New("Number of sections must be positive, got %d", n)
	}
	var best *Layout
	bestScore := 0
	integerPartitions(n, func(parts []int) {
		if len(parts) > int(display.Height) {
			return
		}
		candidate := layoutFor(display, parts)
		if score := candidate.Squareness(); best == nil || score < bestScore {
			best, bestScore = candidate, score
		}
	})
	if best == nil {
		return nil, errors.New("Unable to fit %d sections into %v", n, display)
	}
	for _, row := range best.Rows {
		for _, s := range row {
			if s.Width == 0 {
				return nil, errors.New("Unable to fit %d sections into %v", n, display)
			}
		}
	}
	return best, nil
}

func layoutFor(display Dimensions, cols []int) *Layout {
	l := &Layout{Display: display}
	rowHeight := display.Height / uint16(len(cols))
	idx := 0
	for r, n := range cols {
		width := display.Width / uint16(n)
		row := make([]Section, 0, n)
		for c := 0; c < n; c++ {
			row = append(row, Section{
				Index:      idx,
				X:          uint16(c) * width,
				Y:          uint16(r) * rowHeight,
				Dimensions: Dimensions{Width: width, Height: rowHeight},
			})
			idx++
		}
		l.Rows = append(l.Rows, row)
	}
	return l
}

// integerPartitions calls fn with every partition of n in ascending part
// order, using Kelleher's accelerated ascending-composition algorithm. fn must
// not retain parts.
func integerPartitions(n int, fn func(parts []int)) {
	if n <= 0 {
		return
	}
	a := make([]int, n+1)
	k := 1
	y := n - 1
	for k != 0 {
		x := a[k-1] + 1
		k--
		for 2*x <= y {
			a[k] = x
			y -= x
			k++
		}
		l := k + 1
		for x <= y {
			a[k] = x
			a[l] = y
			fn(a[:k+2])
			x++
			y--
		}
		a[k] = x + y
		y = x + y - 1
		fn(a[:k+1])
	}
}

// Squareness sums (w-h)^2 over all sections. Lower is squarer.
func (l *Layout) Squareness() int {
	total := 0
	for _, row := range l.Rows {
		for _, s := range row {
			d := int(s.Width) - int(s.Height)
			total += d * d
		}
	}
	return total
}

// Sections returns all sections in row-major order.
func (l *Layout) Sections() []Section {
	var result []Section
	for _, row := range l.Rows {
		result = append(result, row...)
	}
	return result
}

func (l *Layout) String() string {
	var sb strings.Builder
	for _, row := range l.Rows {
		cells := make([]string, 0, len(row))
		for _, s := range row {
			cells = append(cells, fmt.Sprintf("#%d %v @ (%d;%d)", s.Index, s.Dimensions, s.X, s.Y))
		}
		sb.WriteString("| ")
		sb.WriteString(strings.Join(cells, " | "))
		sb.WriteString(" |\n")
	}
	return sb.String()
}

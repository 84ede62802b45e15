// Package segment provides an immutable view over a byte range, the unit of
// I/O passed between the frame codec, payload streams and channels.
package segment

// Segment is a read-only window into a backing array. It is never mutated
// after creation; ownership moves with the value.
type Segment struct {
	data []byte
	off  int
	n    int
}

// New wraps b without copying.
func New(b []byte) Segment {
	return Segment{data: b, n: len(b)}
}

// Copy wraps a private copy of b.
func Copy(b []byte) Segment {
	buf := make([]byte, len(b))
	copy(buf, b)
	return New(buf)
}

// Slice returns a view of data[off:off+n]. It panics when the range is out of bounds.
func Slice(data []byte, off, n int) Segment {
	if off < 0 || n < 0 || off+n > len(data) {
		panic("segment: range out of bounds")
	}
	return Segment{data: data, off: off, n: n}
}

// Len returns the number of bytes in view.
func (s Segment) Len() int { return s.n }

// Bytes returns the viewed bytes. Callers must not modify them.
func (s Segment) Bytes() []byte {
	return s.data[s.off : s.off+s.n : s.off+s.n]
}

// Split returns the first n bytes and the remainder.
func (s Segment) Split(n int) (Segment, Segment) {
	if n <= 0 {
		return Segment{}, s
	}
	if n >= s.n {
		return s, Segment{}
	}
	head := Segment{data: s.data, off: s.off, n: n}
	tail := Segment{data: s.data, off: s.off + n, n: s.n - n}
	return head, tail
}

// Total sums the lengths of segs.
func Total(segs []Segment) int {
	total := 0
	for _, s := range segs {
		total += s.n
	}
	return total
}

// Join copies segs into one contiguous slice.
func Join(segs []Segment) []byte {
	out := make([]byte, 0, Total(segs))
	for _, s := range segs {
		out = append(out, s.Bytes()...)
	}
	return out
}

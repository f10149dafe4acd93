package sha1x

import (
	"fmt"

	leekerrors "github.com/tamirms/leek/errors"
)

const (
	// ExponentStart and ExponentLimit bound the public exponents searched.
	// Every value in between is a 4-byte DER INTEGER, so the encoded key
	// has the same length for all of them.
	ExponentStart = 0x00800001
	ExponentLimit = 0x7FFFFFFF

	// ExponentSize is the number of trailing DER bytes holding e.
	ExponentSize = 4

	// MaxLanes is the widest lane count of any kernel.
	MaxLanes = 16

	// rangeAlign keeps range ends on a lane-group boundary for every
	// lane count.
	rangeAlign = 2 * MaxLanes
)

// Range is an inclusive interval of odd public exponents.
type Range struct {
	Start uint32
	Limit uint32
}

// DefaultRange returns the full exponent range.
func DefaultRange() Range {
	return Range{Start: ExponentStart, Limit: ExponentLimit}
}

// Validate checks that the range is odd-aligned to a lane group and keeps
// the DER length fixed.
func (r Range) Validate() error {
	switch {
	case r.Start < ExponentStart || r.Limit > ExponentLimit || r.Start > r.Limit:
		return fmt.Errorf("%w: [%#x, %#x] must lie within [%#x, %#x]",
			leekerrors.ErrInvalidRange, r.Start, r.Limit, ExponentStart, ExponentLimit)
	case (r.Start-1)%rangeAlign != 0 || (uint64(r.Limit)+1)%rangeAlign != 0:
		return fmt.Errorf("%w: start-1 and limit+1 must be multiples of %d",
			leekerrors.ErrInvalidRange, rangeAlign)
	}
	return nil
}

// Count returns the number of odd exponents in the range.
func (r Range) Count() uint64 {
	return (uint64(r.Limit)-uint64(r.Start))/2 + 1
}

// Bounds is the loop nest that walks a Range with a given lane count.
//
// The exponents are split into groups of 2*Lanes consecutive integers;
// group g puts e = 2*(Lanes*g + r) + 1 in lane r. The bottom LowBits of e
// sit in the message word rehashed every inner step; the bits above sit in
// the previous word, which changes once per outer step. Group g is visited
// at outer o = g / InnerCount, inner i = g % InnerCount.
type Bounds struct {
	Lanes      int
	LowBits    uint
	InnerCount uint64
	OuterFirst uint64
	OuterLast  uint64
	InnerFirst uint64
	InnerLast  uint64
}

// NewBounds computes the loop bounds for r. lowBits is 32 when e is word
// aligned in the message and 8, 16 or 24 otherwise.
func NewBounds(r Range, lanes int, lowBits uint) Bounds {
	group := 2 * uint64(lanes)
	inner := (uint64(1) << lowBits) / group
	first := (uint64(r.Start) - 1) / group
	last := (uint64(r.Limit)+1)/group - 1
	return Bounds{
		Lanes:      lanes,
		LowBits:    lowBits,
		InnerCount: inner,
		OuterFirst: first / inner,
		OuterLast:  last / inner,
		InnerFirst: first % inner,
		InnerLast:  last % inner,
	}
}

// Steps returns the number of inner iterations.
func (b Bounds) Steps() uint64 {
	return (b.OuterLast-b.OuterFirst)*b.InnerCount + b.InnerLast - b.InnerFirst + 1
}

// Exponent returns the exponent carried by lane at step (o, i).
func (b Bounds) Exponent(o, i uint64, lane int) uint32 {
	g := o*b.InnerCount + i
	return uint32(2*(uint64(b.Lanes)*g+uint64(lane)) + 1)
}

// low returns the part of e kept in the inner word for lane at inner step i.
func (b Bounds) low(i uint64, lane int) uint32 {
	return uint32(2*(uint64(b.Lanes)*i+uint64(lane)) + 1)
}

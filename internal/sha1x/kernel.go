// Package sha1x hashes one public key DER under every exponent of a range,
// several exponents at a time.
//
// Only the last four bytes of the message (the exponent) change between
// candidates, so everything upstream of them is computed once:
//
//   - Precalc compresses the full blocks before the final one, lays out the
//     final block and runs the rounds that precede the first exponent word
//     (stage 1).
//   - When the exponent straddles two message words, the upper word only
//     changes once per outer step; stage 2 runs its round then.
//   - Each inner step runs the remaining rounds for every lane and looks the
//     resulting addresses up.
//
// Schedule words are classified by the exponent words they depend on, so
// words independent of the inner word are never recomputed per lane.
package sha1x

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync/atomic"

	leekerrors "github.com/tamirms/leek/errors"
	"github.com/tamirms/leek/internal/address"
)

// Lanes is the set of lane vectors a Kernel can be instantiated with.
type Lanes interface {
	[1]uint32 | [4]uint32 | [8]uint32 | [16]uint32
}

const (
	// maxFinal is the largest final-block remainder leaving room for the
	// 0x80 terminator and the 64-bit length.
	maxFinal = 55

	// checkInterval is how many inner steps run between cancellation checks.
	checkInterval = 4096
)

// Schedule word dependency tiers.
const (
	tierFixed = iota // independent of e
	tierOuter        // depends on the upper exponent word only
	tierInner        // depends on the lower exponent word
)

// Matcher decides whether an address is wanted.
type Matcher interface {
	Lookup(a address.Raw) (int, bool)
}

// Hit is a candidate that passed the matcher.
type Hit struct {
	Exponent uint32
	Address  address.Raw
	Length   int
}

// Scan carries what Exhaust needs from its caller.
type Scan struct {
	Matcher Matcher
	Hashes  *atomic.Uint64 // optional; receives the number of candidates hashed
	Hit     func(Hit)
}

// Kernel is the exhaust state of one item for lane vector V. A Kernel is
// reused across items but must not be shared between goroutines.
type Kernel[V Lanes] struct {
	rng    Range
	bounds Bounds

	h      [5]uint32  // chaining value entering the final block
	w      [80]uint32 // scalar schedule words of tiers fixed and outer
	tier   [80]uint8
	hi, lo int    // indices of the upper and lower exponent words
	shift  uint   // position of the low exponent bits inside word lo
	baseHi uint32 // word hi with the exponent bytes cleared
	baseLo uint32 // word lo with the exponent bytes cleared
	s1     [5]uint32
	s2     [5]uint32

	wv  [80]V // per-lane schedule words
	out []address.Raw
}

// NewKernel returns a kernel walking r.
func NewKernel[V Lanes](r Range) (*Kernel[V], error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	var v V
	return &Kernel[V]{
		rng: r,
		out: make([]address.Raw, len(v)),
	}, nil
}

// Lanes returns the number of exponents hashed per inner step.
func (k *Kernel[V]) Lanes() int {
	return len(k.out)
}

// Bounds returns the loop bounds of the current item.
func (k *Kernel[V]) Bounds() Bounds {
	return k.bounds
}

// ExpoPos returns the byte offset of the exponent inside its first word.
func (k *Kernel[V]) ExpoPos() int {
	return int(k.bounds.LowBits/8) % 4
}

// Precalc prepares the kernel for msg, whose last ExponentSize bytes are
// the exponent. The value of those bytes is ignored.
func (k *Kernel[V]) Precalc(msg []byte) error {
	n := len(msg)
	final := n % 64
	if final < ExponentSize || final > maxFinal {
		return fmt.Errorf("%w: %d bytes in the final SHA1 block", leekerrors.ErrLayout, final)
	}

	k.h = iv
	for off := 0; off < n-final; off += 64 {
		block(&k.h, msg[off:off+64])
	}

	var buf [64]byte
	copy(buf[:], msg[n-final:])
	clear(buf[final-ExponentSize : final])
	buf[final] = 0x80
	binary.BigEndian.PutUint64(buf[56:], uint64(n)*8)
	for t := range 16 {
		k.w[t] = binary.BigEndian.Uint32(buf[4*t:])
	}

	pos := final - ExponentSize
	k.hi = pos / 4
	k.lo = (final - 1) / 4
	lowBits := uint(32)
	if pos%4 != 0 {
		lowBits = 8 * uint(pos%4)
	}
	k.shift = 32 - lowBits
	k.baseHi = k.w[k.hi]
	k.baseLo = k.w[k.lo]
	k.bounds = NewBounds(k.rng, k.Lanes(), lowBits)

	k.classify()
	k.precalc1()
	return nil
}

// classify assigns each schedule word the tier of its most variable input.
func (k *Kernel[V]) classify() {
	clear(k.tier[:16])
	if k.hi != k.lo {
		k.tier[k.hi] = tierOuter
	}
	k.tier[k.lo] = tierInner
	for t := 16; t < 80; t++ {
		k.tier[t] = max(k.tier[t-3], k.tier[t-8], k.tier[t-14], k.tier[t-16])
	}
}

// precalc1 expands the fixed schedule words and runs the rounds before the
// first exponent word.
func (k *Kernel[V]) precalc1() {
	for t := range 80 {
		if k.tier[t] != tierFixed {
			continue
		}
		if t >= 16 {
			k.w[t] = expand(&k.w, t)
		}
		k.wv[t] = broadcast[V](k.w[t])
	}

	k.s1 = k.h
	for t := range k.hi {
		round(&k.s1, t, k.w[t])
	}
}

// precalc2 folds the upper exponent word of outer step o and runs its round.
func (k *Kernel[V]) precalc2(o uint64) {
	k.s2 = k.s1
	if k.hi == k.lo {
		return
	}
	k.w[k.hi] = k.baseHi | uint32(o)
	k.wv[k.hi] = broadcast[V](k.w[k.hi])
	for t := 16; t < 80; t++ {
		if k.tier[t] == tierOuter {
			k.w[t] = expand(&k.w, t)
			k.wv[t] = broadcast[V](k.w[t])
		}
	}
	round(&k.s2, k.hi, k.w[k.hi])
}

// finalize hashes inner step i for every lane into k.out.
func (k *Kernel[V]) finalize(i uint64) {
	for r := range len(k.out) {
		k.wv[k.lo][r] = k.baseLo | k.bounds.low(i, r)<<k.shift
	}
	for t := 16; t < 80; t++ {
		if k.tier[t] != tierInner {
			continue
		}
		for r := range len(k.out) {
			x := k.wv[t-3][r] ^ k.wv[t-8][r] ^ k.wv[t-14][r] ^ k.wv[t-16][r]
			k.wv[t][r] = bits.RotateLeft32(x, 1)
		}
	}

	a := broadcast[V](k.s2[0])
	b := broadcast[V](k.s2[1])
	c := broadcast[V](k.s2[2])
	d := broadcast[V](k.s2[3])
	e := broadcast[V](k.s2[4])

	t := k.lo
	for ; t < 20; t++ {
		for r := 0; r < len(a); r++ {
			f := b[r]&c[r] | ^b[r]&d[r]
			tmp := bits.RotateLeft32(a[r], 5) + f + e[r] + k0 + k.wv[t][r]
			e[r], d[r], c[r], b[r], a[r] = d[r], c[r], bits.RotateLeft32(b[r], 30), a[r], tmp
		}
	}
	for ; t < 40; t++ {
		for r := 0; r < len(a); r++ {
			f := b[r] ^ c[r] ^ d[r]
			tmp := bits.RotateLeft32(a[r], 5) + f + e[r] + k1 + k.wv[t][r]
			e[r], d[r], c[r], b[r], a[r] = d[r], c[r], bits.RotateLeft32(b[r], 30), a[r], tmp
		}
	}
	for ; t < 60; t++ {
		for r := 0; r < len(a); r++ {
			f := b[r]&c[r] | b[r]&d[r] | c[r]&d[r]
			tmp := bits.RotateLeft32(a[r], 5) + f + e[r] + k2 + k.wv[t][r]
			e[r], d[r], c[r], b[r], a[r] = d[r], c[r], bits.RotateLeft32(b[r], 30), a[r], tmp
		}
	}
	for ; t < 80; t++ {
		for r := 0; r < len(a); r++ {
			f := b[r] ^ c[r] ^ d[r]
			tmp := bits.RotateLeft32(a[r], 5) + f + e[r] + k3 + k.wv[t][r]
			e[r], d[r], c[r], b[r], a[r] = d[r], c[r], bits.RotateLeft32(b[r], 30), a[r], tmp
		}
	}

	for r := range k.out {
		out := &k.out[r]
		binary.BigEndian.PutUint32(out[0:4], a[r]+k.h[0])
		binary.BigEndian.PutUint32(out[4:8], b[r]+k.h[1])
		binary.BigEndian.PutUint16(out[8:10], uint16((c[r]+k.h[2])>>16))
	}
}

// Exhaust hashes every exponent of the range and reports matches through
// s.Hit. It returns ctx.Err() if the context ends first.
func (k *Kernel[V]) Exhaust(ctx context.Context, s *Scan) error {
	b := k.bounds
	lanes := uint64(k.Lanes())
	var steps uint64

	flush := func() {
		if s.Hashes != nil && steps > 0 {
			s.Hashes.Add(steps * lanes)
		}
		steps = 0
	}
	defer flush()

	for o := b.OuterFirst; o <= b.OuterLast; o++ {
		k.precalc2(o)
		first, last := uint64(0), b.InnerCount-1
		if o == b.OuterFirst {
			first = b.InnerFirst
		}
		if o == b.OuterLast {
			last = b.InnerLast
		}
		for i := first; i <= last; i++ {
			k.finalize(i)
			for r := range k.out {
				if n, ok := s.Matcher.Lookup(k.out[r]); ok {
					s.Hit(Hit{Exponent: b.Exponent(o, i, r), Address: k.out[r], Length: n})
				}
			}
			steps++
			if steps == checkInterval {
				flush()
				if err := ctx.Err(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func broadcast[V Lanes](x uint32) V {
	var v V
	for r := 0; r < len(v); r++ {
		v[r] = x
	}
	return v
}

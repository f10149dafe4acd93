package sha1x

import (
	"encoding/binary"
	"math/bits"
)

const (
	k0 = 0x5A827999
	k1 = 0x6ED9EBA1
	k2 = 0x8F1BBCDC
	k3 = 0xCA62C1D6
)

var iv = [5]uint32{0x67452301, 0xEFCDAB89, 0x98BADCFE, 0x10325476, 0xC3D2E1F0}

// roundFn returns f_t(b, c, d) + K_t for round t.
func roundFn(t int, b, c, d uint32) uint32 {
	switch {
	case t < 20:
		return (b&c | ^b&d) + k0
	case t < 40:
		return (b ^ c ^ d) + k1
	case t < 60:
		return (b&c | b&d | c&d) + k2
	default:
		return (b ^ c ^ d) + k3
	}
}

// round advances the five working registers by one SHA1 round.
func round(s *[5]uint32, t int, w uint32) {
	tmp := bits.RotateLeft32(s[0], 5) + roundFn(t, s[1], s[2], s[3]) + s[4] + w
	s[4] = s[3]
	s[3] = s[2]
	s[2] = bits.RotateLeft32(s[1], 30)
	s[1] = s[0]
	s[0] = tmp
}

// expand computes schedule word t >= 16.
func expand(w *[80]uint32, t int) uint32 {
	return bits.RotateLeft32(w[t-3]^w[t-8]^w[t-14]^w[t-16], 1)
}

// block compresses one 64-byte block into h.
func block(h *[5]uint32, p []byte) {
	var w [80]uint32
	for t := range 16 {
		w[t] = binary.BigEndian.Uint32(p[4*t:])
	}
	for t := 16; t < 80; t++ {
		w[t] = expand(&w, t)
	}
	s := *h
	for t := range 80 {
		round(&s, t, w[t])
	}
	for j := range h {
		h[j] += s[j]
	}
}

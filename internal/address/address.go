// Package address implements the truncated SHA1 digest that names an onion
// service and its base32 text form.
//
// A Raw address is the first 10 bytes of SHA1(DER(public key)). Lookups
// split it into a 16-bit bucket index (bytes 0-1) and a 64-bit suffix
// (bytes 2-9), both decoded big-endian, which keeps the bit order of the
// text form: the first base32 character is the top 5 bits of the index.
package address

import (
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"

	leekerrors "github.com/tamirms/leek/errors"
)

const (
	// Len is the size of a raw address in bytes.
	Len = 10

	// TextLen is the number of base32 characters of a full address.
	TextLen = 16

	// MinPrefix and MaxPrefix bound the searchable prefix lengths.
	MinPrefix = 4
	MaxPrefix = TextLen

	// Suffix is the optional domain suffix accepted on full addresses.
	Suffix = ".onion"

	alphabet = "abcdefghijklmnopqrstuvwxyz234567"

	// fill decodes to 0b11111 and pads prefixes shorter than TextLen.
	fill = "7"
)

var encoding = base32.NewEncoding(alphabet).WithPadding(base32.NoPadding)

// masks[n] has the suffix bits that a prefix of n characters leaves
// unspecified set to one. Prefixes of fewer than MinPrefix characters do
// not fully determine the index and are never searched.
var masks = [MaxPrefix + 1]uint64{
	^uint64(0), ^uint64(0), ^uint64(0), ^uint64(0),
	0x0FFFFFFFFFFFFFFF, 0x007FFFFFFFFFFFFF, 0x0003FFFFFFFFFFFF, 0x00001FFFFFFFFFFF,
	0x000000FFFFFFFFFF, 0x00000007FFFFFFFF, 0x000000003FFFFFFF, 0x0000000001FFFFFF,
	0x00000000000FFFFF, 0x0000000000007FFF, 0x00000000000003FF, 0x000000000000001F,
	0,
}

// Mask returns the suffix mask for a prefix of n characters.
func Mask(n int) uint64 {
	return masks[n]
}

// Raw is a 10-byte truncated digest.
type Raw [Len]byte

// FromDigest returns the address formed by the first Len bytes of digest.
func FromDigest(digest []byte) Raw {
	var a Raw
	copy(a[:], digest[:Len])
	return a
}

// FromParts reassembles an address from its index and suffix.
func FromParts(index uint16, suffix uint64) Raw {
	var a Raw
	binary.BigEndian.PutUint16(a[0:2], index)
	binary.BigEndian.PutUint64(a[2:10], suffix)
	return a
}

// Index returns the bucket selector.
func (a Raw) Index() uint16 {
	return binary.BigEndian.Uint16(a[0:2])
}

// Suffix returns the 64 bits following the index.
func (a Raw) Suffix() uint64 {
	return binary.BigEndian.Uint64(a[2:10])
}

// String returns the 16-character base32 form without the domain suffix.
func (a Raw) String() string {
	return encoding.EncodeToString(a[:])
}

// Hostname returns the base32 form with the domain suffix.
func (a Raw) Hostname() string {
	return a.String() + Suffix
}

// ValidText reports whether s only holds base32 alphabet characters.
func ValidText(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < '2' || c > '7') {
			return false
		}
	}
	return true
}

// TrimSuffix strips the domain suffix from a full-length address. Shorter
// text is returned unchanged.
func TrimSuffix(s string) string {
	if len(s) > TextLen && strings.HasPrefix(s[TextLen:], Suffix) {
		return s[:TextLen]
	}
	return s
}

// ParsePrefix decodes base32 text of at most TextLen characters into an
// address whose unspecified trailing bits are all set, and returns the
// number of characters given.
func ParsePrefix(s string) (Raw, int, error) {
	s = TrimSuffix(s)
	if len(s) == 0 || len(s) > TextLen {
		return Raw{}, 0, fmt.Errorf("%w: %q has length %d", leekerrors.ErrInvalidPrefix, s, len(s))
	}
	if !ValidText(s) {
		return Raw{}, 0, fmt.Errorf("%w: %q", leekerrors.ErrInvalidPrefix, s)
	}

	var a Raw
	text := s + strings.Repeat(fill, TextLen-len(s))
	if _, err := encoding.Decode(a[:], []byte(text)); err != nil {
		return Raw{}, 0, fmt.Errorf("%w: %q: %v", leekerrors.ErrInvalidPrefix, s, err)
	}
	return a, len(s), nil
}

package prefix

import (
	"fmt"

	leekerrors "github.com/tamirms/leek/errors"
	"github.com/tamirms/leek/internal/address"
)

// Single matches one prefix with a plain comparison.
type Single struct {
	index  uint16
	suffix uint64
	mask   uint64
	length int
	text   string
}

// NewSingle returns a matcher for exactly one prefix.
func NewSingle(text string) (*Single, error) {
	a, n, err := address.ParsePrefix(text)
	if err != nil {
		return nil, err
	}
	if n < address.MinPrefix {
		return nil, fmt.Errorf("%w: %q is shorter than %d", leekerrors.ErrInvalidLength, text, address.MinPrefix)
	}
	return &Single{
		index:  a.Index(),
		suffix: a.Suffix(),
		mask:   address.Mask(n),
		length: n,
		text:   address.TrimSuffix(text),
	}, nil
}

// Lookup reports whether a starts with the prefix.
func (s *Single) Lookup(a address.Raw) (int, bool) {
	if a.Index() != s.index || a.Suffix()|s.mask != s.suffix {
		return 0, false
	}
	return s.length, true
}

// Stats describes the single entry.
func (s *Single) Stats() Stats {
	st := Stats{Valid: 1, LenMin: s.length, LenMax: s.length}
	st.Lengths[s.length] = 1
	return st
}

// String returns the prefix text.
func (s *Single) String() string {
	return s.text
}

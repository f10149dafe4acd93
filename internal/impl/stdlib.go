package impl

import (
	"context"
	"crypto/sha1"
	"encoding"
	"encoding/binary"
	"fmt"
	"hash"

	leekerrors "github.com/tamirms/leek/errors"
	"github.com/tamirms/leek/internal/address"
	"github.com/tamirms/leek/internal/sha1x"
)

// Stdlib hashes one exponent at a time with crypto/sha1, restarting each
// candidate from a saved midstate that already covers the DER prefix.
type Stdlib struct{}

func (Stdlib) Name() string    { return "stdlib" }
func (Stdlib) Weight() int     { return 1 }
func (Stdlib) Available() bool { return true }

func (Stdlib) Allocate(r sha1x.Range) (State, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &stdlibState{rng: r, h: sha1.New()}, nil
}

const stdlibCheckInterval = 1 << 16

type stdlibState struct {
	rng sha1x.Range
	h   hash.Hash
	mid []byte
	sum [sha1.Size]byte
}

func (s *stdlibState) Precalc(der []byte) error {
	if len(der) < sha1x.ExponentSize {
		return fmt.Errorf("%w: %d-byte message", leekerrors.ErrLayout, len(der))
	}
	s.h.Reset()
	s.h.Write(der[:len(der)-sha1x.ExponentSize])
	mid, err := s.h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return fmt.Errorf("save sha1 midstate: %w", err)
	}
	s.mid = mid
	return nil
}

func (s *stdlibState) Exhaust(ctx context.Context, scan *sha1x.Scan) error {
	restore := s.h.(encoding.BinaryUnmarshaler)
	var buf [sha1x.ExponentSize]byte
	var pending uint64
	defer func() {
		if scan.Hashes != nil {
			scan.Hashes.Add(pending)
		}
	}()

	e := s.rng.Start
	for n := s.rng.Count(); n > 0; n-- {
		if err := restore.UnmarshalBinary(s.mid); err != nil {
			return fmt.Errorf("restore sha1 midstate: %w", err)
		}
		binary.BigEndian.PutUint32(buf[:], e)
		s.h.Write(buf[:])
		a := address.FromDigest(s.h.Sum(s.sum[:0]))
		if length, ok := scan.Matcher.Lookup(a); ok {
			scan.Hit(sha1x.Hit{Exponent: e, Address: a, Length: length})
		}

		pending++
		if pending == stdlibCheckInterval {
			if scan.Hashes != nil {
				scan.Hashes.Add(pending)
			}
			pending = 0
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		e += 2
	}
	return nil
}

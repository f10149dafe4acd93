// Package prefix stores the address prefixes being searched for and answers
// whether a candidate address starts with any of them.
//
// An Index holds one bucket per 16-bit address index. Each bucket is a
// sorted, duplicate-free array of masked 64-bit suffixes: the suffix of a
// prefix of length n has every bit beyond the first 5n-16 set, so a
// candidate matches a length-n entry exactly when its own suffix, masked
// the same way, is present in the bucket.
//
// Loading is single-threaded and finishes with every bucket sorted. After
// that the index is read-only, so any number of goroutines may call Lookup
// concurrently as long as no Load is in progress.
package prefix

import (
	"bufio"
	"bytes"
	"cmp"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"

	leekerrors "github.com/tamirms/leek/errors"
	"github.com/tamirms/leek/internal/address"
)

const bucketCount = 1 << 16

// Stats describes the entries loaded so far. Counters are cumulative over
// every Load call on the same Index.
type Stats struct {
	Valid     int // unique entries kept
	Duplicate int // entries dropped because an identical one was present
	Invalid   int // lines with characters outside the base32 alphabet
	Filtered  int // lines outside the configured length range
	LenMin    int
	LenMax    int

	// Lengths counts the unique entries per prefix length.
	Lengths [address.MaxPrefix + 1]int

	// Checksum is an xxHash64 of the sorted entry set. Two indexes holding
	// the same entries have the same checksum regardless of input order.
	Checksum uint64
}

// Probability returns the chance that a single random address matches
// one of the entries.
func (s Stats) Probability() float64 {
	var p float64
	for n := s.LenMin; n <= s.LenMax && n > 0; n++ {
		p += float64(s.Lengths[n]) / math.Exp2(float64(5*n))
	}
	return p
}

type entry struct {
	key    uint64
	length uint8
}

type bucket struct {
	keys    []uint64
	lengths []uint8
	pending []entry
}

// Option configures an Index.
type Option func(*Index)

// WithLengthRange restricts loading to prefixes of min..max characters.
// Other lines are counted as filtered.
func WithLengthRange(lo, hi int) Option {
	return func(x *Index) {
		x.minLen = lo
		x.maxLen = hi
	}
}

// Index is the multi-prefix matcher.
type Index struct {
	buckets []bucket
	minLen  int
	maxLen  int

	// searchLens lists the prefix lengths present, shortest first.
	searchLens []int
	stats      Stats
}

// New returns an empty Index.
func New(opts ...Option) (*Index, error) {
	x := &Index{
		buckets: make([]bucket, bucketCount),
		minLen:  address.MinPrefix,
		maxLen:  address.MaxPrefix,
	}
	for _, opt := range opts {
		opt(x)
	}
	if err := checkLengthRange(x.minLen, x.maxLen); err != nil {
		return nil, err
	}
	return x, nil
}

func checkLengthRange(lo, hi int) error {
	if lo < address.MinPrefix || hi > address.MaxPrefix || lo > hi {
		return fmt.Errorf("%w: got %d..%d", leekerrors.ErrInvalidLength, lo, hi)
	}
	return nil
}

// Stats returns the cumulative load statistics.
func (x *Index) Stats() Stats {
	return x.stats
}

// Add inserts a single prefix. The entry becomes visible to Lookup only
// after the next Load or Finish.
func (x *Index) Add(text string) error {
	return x.addLine([]byte(text), true)
}

// Load reads one prefix per line from r, then sorts and deduplicates the
// affected buckets. It returns ErrNoPrefixes if the index is still empty.
// On a read error the lines before it stay loaded.
func (x *Index) Load(r io.Reader) (Stats, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		_ = x.addLine(sc.Bytes(), false)
	}
	if err := sc.Err(); err != nil {
		// Keep what was read so far visible and counted.
		st, _ := x.Finish()
		return st, fmt.Errorf("read prefixes: %w", err)
	}
	return x.Finish()
}

// LoadFile memory-maps path and loads it like Load.
func (x *Index) LoadFile(path string) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return x.stats, fmt.Errorf("open prefix file: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return x.stats, fmt.Errorf("stat prefix file: %w", err)
	}
	if stat.Size() == 0 {
		return x.Finish()
	}

	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return x.stats, fmt.Errorf("mmap prefix file: %w", err)
	}
	defer mm.Unmap()
	adviseSequential(mm)

	data := []byte(mm)
	for len(data) > 0 {
		line := data
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			data = nil
		}
		_ = x.addLine(line, false)
	}
	return x.Finish()
}

// addLine classifies one line. Rejections are always counted; strict
// additionally reports them as errors.
func (x *Index) addLine(line []byte, strict bool) error {
	line = bytes.TrimSuffix(line, []byte("\r"))
	text := address.TrimSuffix(string(line))

	if n := len(text); n < x.minLen || n > x.maxLen {
		x.stats.Filtered++
		if strict {
			return fmt.Errorf("%w: %q is outside %d..%d", leekerrors.ErrInvalidLength, text, x.minLen, x.maxLen)
		}
		return nil
	}

	a, n, err := address.ParsePrefix(text)
	if err != nil {
		x.stats.Invalid++
		if strict {
			return err
		}
		return nil
	}

	b := &x.buckets[a.Index()]
	b.pending = append(b.pending, entry{key: a.Suffix() | address.Mask(n), length: uint8(n)})
	return nil
}

// Finish merges pending entries into their buckets, drops duplicates and
// recomputes the statistics.
func (x *Index) Finish() (Stats, error) {
	for i := range x.buckets {
		if len(x.buckets[i].pending) > 0 {
			x.stats.Duplicate += x.buckets[i].merge()
		}
	}
	x.recount()
	if x.stats.Valid == 0 {
		return x.stats, leekerrors.ErrNoPrefixes
	}
	return x.stats, nil
}

// merge sorts the pending entries into the bucket and returns the number
// of duplicates removed. Of two entries with the same key the shorter
// prefix is kept, since it matches whatever the longer one does.
func (b *bucket) merge() int {
	all := make([]entry, 0, len(b.keys)+len(b.pending))
	for i, k := range b.keys {
		all = append(all, entry{key: k, length: b.lengths[i]})
	}
	all = append(all, b.pending...)
	total := len(all)

	slices.SortFunc(all, func(x, y entry) int {
		if c := cmp.Compare(x.key, y.key); c != 0 {
			return c
		}
		return cmp.Compare(x.length, y.length)
	})
	all = slices.CompactFunc(all, func(x, y entry) bool { return x.key == y.key })

	b.keys = make([]uint64, len(all))
	b.lengths = make([]uint8, len(all))
	for i, e := range all {
		b.keys[i] = e.key
		b.lengths[i] = e.length
	}
	b.pending = nil
	return total - len(all)
}

func (x *Index) recount() {
	var lengths [address.MaxPrefix + 1]int
	valid := 0
	h := xxhash.New()
	var buf [10]byte

	for i := range x.buckets {
		b := &x.buckets[i]
		for j, k := range b.keys {
			lengths[b.lengths[j]]++
			binary.LittleEndian.PutUint16(buf[0:2], uint16(i))
			binary.LittleEndian.PutUint64(buf[2:10], k)
			_, _ = h.Write(buf[:])
		}
		valid += len(b.keys)
	}

	x.stats.Valid = valid
	x.stats.Lengths = lengths
	x.stats.Checksum = h.Sum64()
	x.stats.LenMin, x.stats.LenMax = 0, 0
	x.searchLens = x.searchLens[:0]
	for n, c := range lengths {
		if c == 0 {
			continue
		}
		if x.stats.LenMin == 0 {
			x.stats.LenMin = n
		}
		x.stats.LenMax = n
		x.searchLens = append(x.searchLens, n)
	}
}

// Lookup returns the length of the shortest loaded prefix of a.
func (x *Index) Lookup(a address.Raw) (int, bool) {
	b := &x.buckets[a.Index()]
	if len(b.keys) == 0 {
		return 0, false
	}
	suffix := a.Suffix()
	for _, n := range x.searchLens {
		// A longer entry whose tail is all ones masks to the same key.
		if i, ok := slices.BinarySearch(b.keys, suffix|address.Mask(n)); ok && int(b.lengths[i]) == n {
			return n, true
		}
	}
	return 0, false
}

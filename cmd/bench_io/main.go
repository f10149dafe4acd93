// bench_io compares the two ways of loading a prefix dictionary:
//
//  1. "mmap": prefix.LoadFile maps the file and walks it in place
//  2. "reader": prefix.Load scans the file through a buffered reader
//
// Both load the same generated dictionary of random base32 prefixes, then
// the lookup rate of the finished index is measured over random addresses.
//
// Usage:
//
//	go run ./cmd/bench_io -prefixes 1000000
//	go run ./cmd/bench_io -prefixes 20000000 -min 6 -mode mmap
package main

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/tamirms/leek/internal/address"
	"github.com/tamirms/leek/internal/prefix"
)

const alphabet = "abcdefghijklmnopqrstuvwxyz234567"

func main() {
	numPrefixes := flag.Int("prefixes", 1_000_000, "number of prefixes in the generated dictionary")
	minLen := flag.Int("min", address.MinPrefix, "shortest generated prefix")
	maxLen := flag.Int("max", address.MaxPrefix, "longest generated prefix")
	lookups := flag.Int("lookups", 10_000_000, "random lookups against the finished index")
	mode := flag.String("mode", "both", "mode: mmap, reader, or both")
	tmpDir := flag.String("dir", "", "temp directory (default: os.TempDir())")
	flag.Parse()

	if *tmpDir == "" {
		*tmpDir = os.TempDir()
	}
	if *minLen < address.MinPrefix || *maxLen > address.MaxPrefix || *minLen > *maxLen {
		fmt.Printf("Lengths must satisfy %d <= min <= max <= %d\n", address.MinPrefix, address.MaxPrefix)
		return
	}

	dir, err := os.MkdirTemp(*tmpDir, "bench-io-")
	if err != nil {
		fmt.Printf("Failed to create temp dir: %v\n", err)
		return
	}
	defer func() { _ = os.RemoveAll(dir) }()
	path := filepath.Join(dir, "prefixes.txt")

	rng := rand.New(rand.NewPCG(0x1234567890ABCDEF, 0xFEDCBA9876543210))
	size, err := writeDictionary(path, rng, *numPrefixes, *minLen, *maxLen)
	if err != nil {
		fmt.Printf("Failed to write dictionary: %v\n", err)
		return
	}

	fmt.Printf("Configuration:\n")
	fmt.Printf("  Prefixes:     %d (lengths %d..%d)\n", *numPrefixes, *minLen, *maxLen)
	fmt.Printf("  File size:    %.1f MB\n", float64(size)/1e6)
	fmt.Printf("  GOMAXPROCS:   %d\n", runtime.GOMAXPROCS(0))
	fmt.Println()

	var idx *prefix.Index
	if *mode == "mmap" || *mode == "both" {
		fmt.Println("=== mmap ===")
		idx = bench(path, func(x *prefix.Index) (prefix.Stats, error) {
			return x.LoadFile(path)
		})
	}
	if *mode == "reader" || *mode == "both" {
		fmt.Println("=== reader ===")
		idx = bench(path, func(x *prefix.Index) (prefix.Stats, error) {
			f, err := os.Open(path)
			if err != nil {
				return prefix.Stats{}, err
			}
			defer func() { _ = f.Close() }()
			return x.Load(f)
		})
	}
	if idx == nil {
		fmt.Printf("Unknown mode: %s (use mmap, reader, or both)\n", *mode)
		return
	}

	fmt.Println("=== lookup ===")
	benchLookup(idx, rng, *lookups)
}

// writeDictionary writes n random prefixes, one per line, and returns the
// file size.
func writeDictionary(path string, rng *rand.Rand, n, minLen, maxLen int) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriterSize(f, 1<<20)
	line := make([]byte, address.MaxPrefix+1)
	var size int64
	for range n {
		l := minLen + rng.IntN(maxLen-minLen+1)
		for i := range l {
			line[i] = alphabet[rng.IntN(len(alphabet))]
		}
		line[l] = '\n'
		if _, err := w.Write(line[:l+1]); err != nil {
			_ = f.Close()
			return 0, err
		}
		size += int64(l + 1)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return 0, err
	}
	return size, f.Close()
}

func bench(path string, load func(*prefix.Index) (prefix.Stats, error)) *prefix.Index {
	runtime.GC()
	var before runtime.MemStats
	runtime.ReadMemStats(&before)

	idx, err := prefix.New()
	if err != nil {
		fmt.Printf("  New failed: %v\n", err)
		return nil
	}
	start := time.Now()
	st, err := load(idx)
	if err != nil {
		fmt.Printf("  Load %s failed: %v\n", path, err)
		return nil
	}
	loaded := time.Since(start)

	var after runtime.MemStats
	runtime.ReadMemStats(&after)
	fmt.Printf("  Load:         %v (%.2f M lines/s)\n", loaded.Round(time.Millisecond),
		float64(st.Valid+st.Duplicate+st.Invalid+st.Filtered)/loaded.Seconds()/1e6)
	fmt.Printf("  Valid:        %d (duplicate %d, invalid %d)\n", st.Valid, st.Duplicate, st.Invalid)
	fmt.Printf("  Checksum:     %016x\n", st.Checksum)
	fmt.Printf("  Heap growth:  %.1f MB\n", float64(after.HeapAlloc-min(after.HeapAlloc, before.HeapAlloc))/1e6)
	fmt.Println()
	return idx
}

func benchLookup(idx *prefix.Index, rng *rand.Rand, n int) {
	addrs := make([]address.Raw, 1<<16)
	for i := range addrs {
		for j := range addrs[i] {
			addrs[i][j] = byte(rng.Uint32())
		}
	}
	hits := 0
	start := time.Now()
	for i := range n {
		if _, ok := idx.Lookup(addrs[i&(len(addrs)-1)]); ok {
			hits++
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("  Lookups:      %d in %v (%.1f M/s)\n", n, elapsed.Round(time.Millisecond), float64(n)/elapsed.Seconds()/1e6)
	fmt.Printf("  Hits:         %d (expected %.1f)\n", hits, float64(n)*idx.Stats().Probability())
}

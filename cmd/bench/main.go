// Bench measures the exhaust throughput of every implementation on this CPU
// against a murmur3 baseline over the same candidate messages.
//
// Usage:
//
//	go run ./cmd/bench -exponents 16777216 -impl avx2,uint32
//
// Flags:
//
//	-exponents  Exponents hashed per implementation (default: 2^24)
//	-keysize    RSA modulus size in bits (default: 1024)
//	-impl       Comma-separated implementations (default: all available)
//	-cpuprofile Write a CPU profile of the exhaust runs
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/tamirms/leek/internal/address"
	"github.com/tamirms/leek/internal/impl"
	"github.com/tamirms/leek/internal/primes"
	"github.com/tamirms/leek/internal/rsakey"
	"github.com/tamirms/leek/internal/sha1x"
)

// murmurSink keeps the baseline loop from being optimised away.
var murmurSink uint64

type noMatch struct{}

func (noMatch) Lookup(address.Raw) (int, bool) { return 0, false }

type row struct {
	name    string
	lanes   int
	hashes  uint64
	elapsed time.Duration
}

func (r row) rate() float64 {
	return float64(r.hashes) / r.elapsed.Seconds()
}

func main() {
	exponentsFlag := flag.Uint64("exponents", 1<<24, "exponents hashed per implementation")
	keySizeFlag := flag.Int("keysize", 1024, "RSA modulus size in bits")
	implFlag := flag.String("impl", "", "comma-separated implementations (default: all available)")
	cpuprofile := flag.String("cpuprofile", "", "write cpu profile to file")
	flag.Parse()

	rng, err := benchRange(*exponentsFlag)
	if err != nil {
		fmt.Printf("Invalid exponent count: %v\n", err)
		return
	}

	reg := impl.NewRegistry()
	var selected []impl.Implementation
	if *implFlag == "" {
		for _, im := range reg.All() {
			if im.Available() {
				selected = append(selected, im)
			}
		}
	} else {
		for _, name := range strings.Split(*implFlag, ",") {
			im, err := reg.Select(strings.TrimSpace(name))
			if err != nil {
				fmt.Printf("%v\n", err)
				return
			}
			selected = append(selected, im)
		}
	}

	fmt.Printf("CPU: %s\n", impl.Describe())
	fmt.Println("Generating keypair...")
	pool, err := primes.New(*keySizeFlag/2, sha1x.ExponentStart)
	if err != nil {
		fmt.Printf("Prime pool: %v\n", err)
		return
	}
	states := make([]impl.State, len(selected))
	for i, im := range selected {
		if states[i], err = im.Allocate(rng); err != nil {
			fmt.Printf("Allocate %s: %v\n", im.Name(), err)
			return
		}
	}
	item, err := rsakey.NewFactory(pool, *keySizeFlag, sha1x.ExponentStart).Generate(states[0])
	if err != nil {
		fmt.Printf("Generate: %v\n", err)
		return
	}
	defer item.Release()
	for _, st := range states[1:] {
		if err := st.Precalc(item.DER); err != nil {
			fmt.Printf("Precalc: %v\n", err)
			return
		}
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			fmt.Printf("could not create CPU profile: %v\n", err)
			return
		}
		defer func() { _ = f.Close() }()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Printf("could not start CPU profile: %v\n", err)
			return
		}
		defer pprof.StopCPUProfile()
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	rows := make([]row, 0, len(selected)+1)
	for i, im := range selected {
		fmt.Printf("Exhausting with %s...\n", im.Name())
		var hashes atomic.Uint64
		scan := &sha1x.Scan{Matcher: noMatch{}, Hashes: &hashes, Hit: func(sha1x.Hit) {}}
		start := time.Now()
		if err := states[i].Exhaust(context.Background(), scan); err != nil {
			fmt.Printf("Exhaust %s: %v\n", im.Name(), err)
			return
		}
		rows = append(rows, row{name: im.Name(), lanes: im.Weight(), hashes: hashes.Load(), elapsed: time.Since(start)})
	}

	fmt.Println("Hashing with murmur3...")
	rows = append(rows, murmurBaseline(item.DER, rng))

	base := rows[len(rows)-1].rate()
	fmt.Printf("\n%d-bit key, %d-byte DER, %d exponents per backend\n", *keySizeFlag, len(item.DER), rng.Count())
	fmt.Printf("╔══════════════╦═══════╦══════════════╦══════════════╗\n")
	fmt.Printf("║ Backend      ║ Lanes ║ Rate         ║ vs murmur3   ║\n")
	fmt.Printf("╠══════════════╬═══════╬══════════════╬══════════════╣\n")
	for _, r := range rows {
		fmt.Printf("║ %-12s ║ %5d ║ %7.2f MH/s ║ %10.3fx  ║\n", r.name, r.lanes, r.rate()/1e6, r.rate()/base)
	}
	fmt.Printf("╚══════════════╩═══════╩══════════════╩══════════════╝\n")
}

// benchRange returns a range of n exponents starting at the bottom of the
// search space. n is rounded up to a whole lane group.
func benchRange(n uint64) (sha1x.Range, error) {
	const group = 16
	n = (n + group - 1) / group * group
	r := sha1x.Range{
		Start: sha1x.ExponentStart,
		Limit: uint32(min(uint64(sha1x.ExponentStart-1)+2*n-1, sha1x.ExponentLimit)),
	}
	return r, r.Validate()
}

// murmurBaseline hashes the same candidate messages with murmur3, which
// has no midstate reuse.
func murmurBaseline(der []byte, r sha1x.Range) row {
	msg := append([]byte(nil), der...)
	tail := msg[len(msg)-sha1x.ExponentSize:]
	start := time.Now()
	for e := uint64(r.Start); e <= uint64(r.Limit); e += 2 {
		binary.BigEndian.PutUint32(tail, uint32(e))
		h1, _ := murmur3.Sum128(msg)
		murmurSink ^= h1
	}
	elapsed := time.Since(start)
	return row{name: "murmur3", lanes: 1, hashes: r.Count(), elapsed: elapsed}
}

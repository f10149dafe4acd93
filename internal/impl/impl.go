// Package impl enumerates the exhaust implementations compiled into the
// binary and picks the one to use on the running CPU.
//
// Each implementation hashes the same candidates; they differ in how many
// exponents one inner step covers (the weight). Selection prefers the
// highest weight whose CPU probe succeeds.
package impl

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"

	leekerrors "github.com/tamirms/leek/errors"
	"github.com/tamirms/leek/internal/sha1x"
)

// State is the per-item exhaust state of an implementation. A State is
// owned by a single worker and reused for every item it processes.
type State interface {
	// Precalc prepares the state for a public key DER whose last four
	// bytes are the exponent.
	Precalc(der []byte) error

	// Exhaust hashes every exponent of the range, reporting matches
	// through scan.Hit.
	Exhaust(ctx context.Context, scan *sha1x.Scan) error
}

// Implementation is an exhaust backend.
type Implementation interface {
	Name() string
	Weight() int
	Available() bool
	Allocate(r sha1x.Range) (State, error)
}

// lanes runs the generic kernel with lane vector V.
type lanes[V sha1x.Lanes] struct {
	name  string
	probe func() bool
}

func (l lanes[V]) Name() string { return l.name }

func (l lanes[V]) Weight() int {
	var v V
	return len(v)
}

func (l lanes[V]) Available() bool { return l.probe() }

func (l lanes[V]) Allocate(r sha1x.Range) (State, error) {
	k, err := sha1x.NewKernel[V](r)
	if err != nil {
		return nil, err
	}
	return k, nil
}

func always() bool { return true }

func hasSSSE3() bool  { return cpuid.CPU.Supports(cpuid.SSSE3) }
func hasAVX2() bool   { return cpuid.CPU.Supports(cpuid.AVX2) }
func hasAVX512() bool { return cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512BW) }
func hasASIMD() bool  { return cpuid.CPU.Supports(cpuid.ASIMD) }

// Builtin returns the compiled-in implementations in registration order.
func Builtin() []Implementation {
	return []Implementation{
		Stdlib{},
		lanes[[1]uint32]{name: "uint32", probe: always},
		lanes[[4]uint32]{name: "neon", probe: hasASIMD},
		lanes[[4]uint32]{name: "sse", probe: hasSSSE3},
		lanes[[8]uint32]{name: "avx2", probe: hasAVX2},
		lanes[[16]uint32]{name: "avx512", probe: hasAVX512},
	}
}

// Registry is an ordered set of implementations.
type Registry struct {
	impls []Implementation
}

// NewRegistry returns a registry over impls, or over Builtin() when none
// are given.
func NewRegistry(impls ...Implementation) *Registry {
	if len(impls) == 0 {
		impls = Builtin()
	}
	return &Registry{impls: impls}
}

// All returns the registered implementations.
func (r *Registry) All() []Implementation {
	return r.impls
}

// Lookup finds an implementation by name.
func (r *Registry) Lookup(name string) (Implementation, bool) {
	for _, im := range r.impls {
		if im.Name() == name {
			return im, true
		}
	}
	return nil, false
}

// Best returns the available implementation with the highest weight. On
// equal weights the earlier registration wins.
func (r *Registry) Best() (Implementation, error) {
	var best Implementation
	for _, im := range r.impls {
		if !im.Available() {
			continue
		}
		if best == nil || im.Weight() > best.Weight() {
			best = im
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: none of %s", leekerrors.ErrUnavailable, r.names())
	}
	return best, nil
}

// Select returns the named implementation, or the best one for an empty
// name. Naming an implementation the CPU cannot run is an error.
func (r *Registry) Select(name string) (Implementation, error) {
	if name == "" {
		return r.Best()
	}
	im, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %s)", leekerrors.ErrUnknownImplementation, name, r.names())
	}
	if !im.Available() {
		return nil, fmt.Errorf("%w: %s", leekerrors.ErrUnavailable, name)
	}
	return im, nil
}

func (r *Registry) names() string {
	names := make([]string, len(r.impls))
	for i, im := range r.impls {
		names[i] = im.Name()
	}
	return strings.Join(names, ", ")
}

// Describe summarises the CPU for startup logs.
func Describe() string {
	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = runtime.GOARCH
	}
	var features []string
	for _, f := range []cpuid.FeatureID{cpuid.SSSE3, cpuid.AVX2, cpuid.AVX512F, cpuid.AVX512BW, cpuid.ASIMD} {
		if cpuid.CPU.Supports(f) {
			features = append(features, f.String())
		}
	}
	if len(features) == 0 {
		features = append(features, "none")
	}
	return fmt.Sprintf("%s, %d logical cores, features: %s", brand, LogicalCores(), strings.Join(features, " "))
}

// LogicalCores returns the number of hardware threads.
func LogicalCores() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

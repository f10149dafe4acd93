package leek

import (
	"context"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"math"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	leekerrors "github.com/tamirms/leek/errors"
	"github.com/tamirms/leek/internal/address"
	"github.com/tamirms/leek/internal/impl"
	"github.com/tamirms/leek/internal/prefix"
	"github.com/tamirms/leek/internal/sha1x"
)

type matchAll struct{}

func (matchAll) Lookup(address.Raw) (int, bool) { return address.MaxPrefix, true }

type matchNone struct{}

func (matchNone) Lookup(address.Raw) (int, bool) { return 0, false }

// brokenImpl fails either when allocating or when preparing an item.
type brokenImpl struct {
	allocErr   error
	precalcErr error
}

func (brokenImpl) Name() string    { return "broken" }
func (brokenImpl) Weight() int     { return 1 }
func (brokenImpl) Available() bool { return true }

func (b brokenImpl) Allocate(sha1x.Range) (impl.State, error) {
	if b.allocErr != nil {
		return nil, b.allocErr
	}
	return brokenState{err: b.precalcErr}, nil
}

type brokenState struct{ err error }

func (s brokenState) Precalc([]byte) error                       { return s.err }
func (s brokenState) Exhaust(context.Context, *sha1x.Scan) error { return nil }

var errBoom = errors.New("boom")

func quietLogger() *logrus.Logger {
	l, _ := logtest.NewNullLogger()
	return l
}

type collector struct {
	mu      sync.Mutex
	results []Result
}

func (c *collector) Report(r Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
	return nil
}

// verifyResult checks that the PEM key really hashes to the reported
// address.
func verifyResult(t *testing.T, r Result) {
	t.Helper()
	block, _ := pem.Decode(r.PrivateKeyPEM)
	if block == nil {
		t.Fatalf("result %d: no PEM block", r.ID)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		t.Fatalf("result %d: parse key: %v", r.ID, err)
	}
	if key.E != int(r.Exponent) {
		t.Errorf("result %d: key exponent %d, reported %d", r.ID, key.E, r.Exponent)
	}
	if r.Exponent < sha1x.ExponentStart || r.Exponent > sha1x.ExponentLimit || r.Exponent%2 == 0 {
		t.Errorf("result %d: exponent %#x outside the search range", r.ID, r.Exponent)
	}
	sum := sha1.Sum(x509.MarshalPKCS1PublicKey(&key.PublicKey))
	if got := address.FromDigest(sum[:]).String(); got != r.Address {
		t.Errorf("result %d: key hashes to %s, reported %s", r.ID, got, r.Address)
	}
}

func TestNewValidation(t *testing.T) {
	unavailable := impl.NewRegistry(fakeUnavailable{})

	tests := []struct {
		name    string
		matcher Matcher
		opts    []Option
		want    error
	}{
		{"nil matcher", nil, nil, leekerrors.ErrNoMatcher},
		{"small key", matchNone{}, []Option{WithKeySize(512)}, leekerrors.ErrInvalidKeySize},
		{"odd key", matchNone{}, []Option{WithKeySize(1536)}, leekerrors.ErrInvalidKeySize},
		{"large key", matchNone{}, []Option{WithKeySize(16384)}, leekerrors.ErrInvalidKeySize},
		{"no workers", matchNone{}, []Option{WithWorkers(0)}, leekerrors.ErrInvalidWorkers},
		{"too many workers", matchNone{}, []Option{WithWorkers(MaxWorkers + 1)}, leekerrors.ErrInvalidWorkers},
		{"unaligned range", matchNone{}, []Option{WithExponentRange(0x00800001, 0x00800010)}, leekerrors.ErrInvalidRange},
		{"range below start", matchNone{}, []Option{WithExponentRange(0x00000001, 0x0080001F)}, leekerrors.ErrInvalidRange},
		{"unknown impl", matchNone{}, []Option{WithImplementation("quantum")}, leekerrors.ErrUnknownImplementation},
		{"unavailable impl", matchNone{}, []Option{withRegistry(unavailable), WithImplementation("future")}, leekerrors.ErrUnavailable},
		{"nothing available", matchNone{}, []Option{withRegistry(unavailable)}, leekerrors.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]Option{WithLogger(quietLogger())}, tt.opts...)
			_, err := New(tt.matcher, opts...)
			if !errors.Is(err, tt.want) {
				t.Fatalf("New() error = %v, want %v", err, tt.want)
			}
		})
	}
}

type fakeUnavailable struct{}

func (fakeUnavailable) Name() string    { return "future" }
func (fakeUnavailable) Weight() int     { return 64 }
func (fakeUnavailable) Available() bool { return false }

func (fakeUnavailable) Allocate(sha1x.Range) (impl.State, error) {
	return nil, errors.New("not available")
}

func TestNewDefaults(t *testing.T) {
	s, err := New(matchNone{}, WithLogger(quietLogger()), WithWorkers(3))
	if err != nil {
		t.Fatal(err)
	}
	best, err := impl.NewRegistry().Best()
	if err != nil {
		t.Fatal(err)
	}
	if s.Implementation() != best.Name() {
		t.Errorf("Implementation() = %q, want %q", s.Implementation(), best.Name())
	}
	st := s.Stats()
	if len(st.Workers) != 3 {
		t.Fatalf("len(Workers) = %d, want 3", len(st.Workers))
	}
	for _, w := range st.Workers {
		if w.Running || w.Failed || !w.Started.IsZero() {
			t.Errorf("worker %d before Run: %+v", w.ID, w)
		}
	}
	if st.Elapsed != 0 || st.Hashes != 0 {
		t.Errorf("stats before Run: elapsed %v, hashes %d", st.Elapsed, st.Hashes)
	}
}

func TestRunStopAfter(t *testing.T) {
	const want = 3
	sink := &collector{}
	logger, hook := logtest.NewNullLogger()

	s, err := New(matchAll{},
		WithLogger(logger),
		WithWorkers(2),
		WithImplementation("uint32"),
		WithStopAfter(want),
		WithSink(sink),
	)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("search timed out instead of stopping at the quota")
	}

	if len(sink.results) != want {
		t.Fatalf("got %d results, want %d", len(sink.results), want)
	}
	var ids []uint64
	for _, r := range sink.results {
		ids = append(ids, r.ID)
		verifyResult(t, r)
		if r.Length != address.MaxPrefix {
			t.Errorf("result %d: length %d, want %d", r.ID, r.Length, address.MaxPrefix)
		}
	}
	slices.Sort(ids)
	if diff := cmp.Diff([]uint64{1, 2, 3}, ids); diff != "" {
		t.Errorf("result IDs mismatch (-want +got):\n%s", diff)
	}

	st := s.Stats()
	if st.Results != want {
		t.Errorf("Stats().Results = %d, want %d", st.Results, want)
	}
	if st.Hashes == 0 || st.Items == 0 {
		t.Errorf("Stats() hashes %d items %d, want both non-zero", st.Hashes, st.Items)
	}
	for _, w := range st.Workers {
		if w.Running || w.Failed {
			t.Errorf("worker %d after Run: running %v failed %v", w.ID, w.Running, w.Failed)
		}
	}

	found := 0
	for _, e := range hook.AllEntries() {
		if e.Message == "result found" {
			found++
		}
	}
	if found != want {
		t.Errorf("logged %d results, want %d", found, want)
	}
}

func TestRunFindsPrefix(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping prefix search in short mode")
	}
	m, err := prefix.NewSingle("test")
	if err != nil {
		t.Fatal(err)
	}
	results := make(ChannelSink, 1)
	s, err := New(m,
		WithLogger(quietLogger()),
		WithWorkers(min(runtime.NumCPU(), 4)),
		WithStopAfter(1),
		WithSink(results),
	)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("no match before timeout")
	}

	r := <-results
	if !strings.HasPrefix(r.Address, "test") || r.Length != 4 {
		t.Errorf("result %s length %d does not match prefix test", r.Address, r.Length)
	}
	if r.Hostname() != r.Address+".onion" {
		t.Errorf("Hostname() = %q", r.Hostname())
	}
	verifyResult(t, r)

	st := s.Stats()
	if want := math.Pow(2, -20); st.Probability != want {
		t.Errorf("Stats().Probability = %g, want %g", st.Probability, want)
	}
}

func TestRunAlreadyRunning(t *testing.T) {
	s, err := New(matchNone{}, WithLogger(quietLogger()), WithWorkers(1), WithImplementation("uint32"))
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	deadline := time.Now().Add(time.Minute)
	for !s.Stats().Workers[0].Running {
		if time.Now().After(deadline) {
			t.Fatal("worker never started")
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.Run(context.Background()); !errors.Is(err, leekerrors.ErrSearcherRunning) {
		t.Errorf("second Run() = %v, want %v", err, leekerrors.ErrSearcherRunning)
	}

	s.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run() after Stop = %v", err)
	}
	if w := s.Stats().Workers[0]; !w.Exiting || w.Stopped.IsZero() {
		t.Errorf("worker after Stop: %+v", w)
	}
}

func TestRunWorkerFailures(t *testing.T) {
	tests := []struct {
		name  string
		impl  brokenImpl
		want  []error
		items uint64
	}{
		{
			name: "allocate",
			impl: brokenImpl{allocErr: errBoom},
			want: []error{leekerrors.ErrWorkerFailed, errBoom},
		},
		{
			name:  "precalc",
			impl:  brokenImpl{precalcErr: errBoom},
			want:  []error{leekerrors.ErrWorkerFailed, leekerrors.ErrTooManyFailures, errBoom},
			items: maxItemFailures,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(matchNone{},
				WithLogger(quietLogger()),
				WithWorkers(1),
				withRegistry(impl.NewRegistry(tt.impl)),
			)
			if err != nil {
				t.Fatal(err)
			}
			err = s.Run(context.Background())
			for _, want := range tt.want {
				if !errors.Is(err, want) {
					t.Errorf("Run() = %v, want %v in chain", err, want)
				}
			}
			st := s.Stats()
			if st.ItemErrors != tt.items {
				t.Errorf("ItemErrors = %d, want %d", st.ItemErrors, tt.items)
			}
			if w := st.Workers[0]; !w.Failed || w.Running {
				t.Errorf("worker after failure: %+v", w)
			}
		})
	}
}

// flakyImpl fails its first Allocate and then behaves like Stdlib.
type flakyImpl struct {
	impl.Stdlib
	calls *atomic.Int32
}

func (f flakyImpl) Allocate(r sha1x.Range) (impl.State, error) {
	if f.calls.Add(1) == 1 {
		return nil, errBoom
	}
	return f.Stdlib.Allocate(r)
}

func waitRunning(t *testing.T, s *Searcher) {
	t.Helper()
	deadline := time.Now().Add(time.Minute)
	for {
		running := true
		for _, w := range s.Stats().Workers {
			running = running && w.Running
		}
		if running {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("workers never started: %+v", s.Stats().Workers)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunTwice(t *testing.T) {
	s, err := New(matchNone{}, WithLogger(quietLogger()), WithWorkers(2), WithImplementation("uint32"))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("first Run() = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	waitRunning(t, s)
	for _, w := range s.Stats().Workers {
		if w.Exiting || w.Failed || !w.Stopped.IsZero() {
			t.Errorf("worker %d during second run: %+v", w.ID, w)
		}
	}
	s.Stop()
	if err := <-done; err != nil {
		t.Fatalf("second Run() = %v", err)
	}
}

func TestRunTwiceForgetsFailures(t *testing.T) {
	var calls atomic.Int32
	s, err := New(matchNone{},
		WithLogger(quietLogger()),
		WithWorkers(1),
		withRegistry(impl.NewRegistry(flakyImpl{calls: &calls})),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Run(context.Background()); !errors.Is(err, errBoom) {
		t.Fatalf("first Run() = %v, want %v", err, errBoom)
	}
	if !s.Stats().Workers[0].Failed {
		t.Fatal("worker not marked failed after first run")
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	waitRunning(t, s)
	if w := s.Stats().Workers[0]; w.Failed {
		t.Errorf("worker still failed during second run: %+v", w)
	}
	s.Stop()
	if err := <-done; err != nil {
		t.Fatalf("second Run() = %v, want nil", err)
	}
}

func TestRunTwiceStopAfter(t *testing.T) {
	sink := &collector{}
	s, err := New(matchAll{},
		WithLogger(quietLogger()),
		WithWorkers(1),
		WithImplementation("uint32"),
		WithStopAfter(1),
		WithSink(sink),
	)
	if err != nil {
		t.Fatal(err)
	}
	for run := 1; run <= 2; run++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if err := s.Run(ctx); err != nil {
			t.Fatalf("run %d: Run() = %v", run, err)
		}
		if ctx.Err() != nil {
			t.Fatalf("run %d timed out instead of stopping at the quota", run)
		}
		cancel()
		if st := s.Stats(); st.Results != 1 {
			t.Errorf("run %d: Stats().Results = %d, want 1", run, st.Results)
		}
	}
	if len(sink.results) != 2 {
		t.Fatalf("got %d results, want 2", len(sink.results))
	}
	for _, r := range sink.results {
		if r.ID != 1 {
			t.Errorf("result ID = %d, want 1 in each run", r.ID)
		}
		verifyResult(t, r)
	}
	if sink.results[0].Address == sink.results[1].Address {
		t.Errorf("key %s reported twice", sink.results[0].Address)
	}
}

func TestSinkErrorsAreCounted(t *testing.T) {
	var calls int
	var mu sync.Mutex
	sink := SinkFunc(func(Result) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errBoom
	})
	s, err := New(matchAll{},
		WithLogger(quietLogger()),
		WithWorkers(1),
		WithImplementation("uint32"),
		WithStopAfter(2),
		WithSink(sink),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	st := s.Stats()
	if calls != 2 || st.SinkErrors != 2 || st.Results != 2 {
		t.Errorf("calls %d, SinkErrors %d, Results %d; want 2 each", calls, st.SinkErrors, st.Results)
	}
}

func TestStatsMath(t *testing.T) {
	st := Stats{
		Hashes:      2,
		Probability: 0.5,
		Elapsed:     time.Second,
	}
	const eps = 1e-9
	if got := st.Rate(); got != 2 {
		t.Errorf("Rate() = %g, want 2", got)
	}
	if got := st.ExpectedHashes(0.75); math.Abs(got-2) > eps {
		t.Errorf("ExpectedHashes(0.75) = %g, want 2", got)
	}
	if got := st.ExpectedTime(0.75); got != time.Second {
		t.Errorf("ExpectedTime(0.75) = %v, want 1s", got)
	}
	if got := st.Luck(); math.Abs(got-0.75) > eps {
		t.Errorf("Luck() = %g, want 0.75", got)
	}

	var zero Stats
	if got := zero.Rate(); got != 0 {
		t.Errorf("zero Rate() = %g", got)
	}
	if got := zero.ExpectedHashes(0.5); !math.IsInf(got, 1) {
		t.Errorf("zero ExpectedHashes() = %g, want +Inf", got)
	}
	if got := zero.ExpectedTime(0.5); got != time.Duration(math.MaxInt64) {
		t.Errorf("zero ExpectedTime() = %v", got)
	}
	if got := zero.Luck(); got != 0 {
		t.Errorf("zero Luck() = %g", got)
	}
}

package leek

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	leekerrors "github.com/tamirms/leek/errors"
	"github.com/tamirms/leek/internal/impl"
	"github.com/tamirms/leek/internal/prefix"
	"github.com/tamirms/leek/internal/primes"
	"github.com/tamirms/leek/internal/rsakey"
	"github.com/tamirms/leek/internal/sha1x"
)

// Matcher decides whether an address is wanted. *prefix.Index and
// *prefix.Single implement it. Lookup is called concurrently.
type Matcher = sha1x.Matcher

// prefixStats is implemented by matchers that can report the prefixes
// they hold.
type prefixStats interface {
	Stats() prefix.Stats
}

// Searcher owns everything a search needs: the selected implementation,
// the prime pool, the item factory and the workers.
type Searcher struct {
	cfg     *config
	log     logrus.FieldLogger
	matcher Matcher
	impl    impl.Implementation
	pool    *primes.Pool
	factory *rsakey.Factory
	workers []*Worker
	dedup   *dedup

	running atomic.Bool
	start   atomic.Int64
	stop    atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc

	results       atomic.Uint64
	recheckErrors atomic.Uint64
	itemErrors    atomic.Uint64
	sinkErrors    atomic.Uint64
}

// New builds a Searcher for the prefixes in m.
func New(m Matcher, opts ...Option) (*Searcher, error) {
	if m == nil {
		return nil, leekerrors.ErrNoMatcher
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	im, err := cfg.registry.Select(cfg.implName)
	if err != nil {
		return nil, err
	}
	pool, err := primes.New(cfg.keySize/2, sha1x.ExponentStart, primes.WithRand(cfg.rand))
	if err != nil {
		return nil, err
	}

	cfg.logger.WithFields(logrus.Fields{
		"impl": im.Name(),
		"cpu":  impl.Describe(),
	}).Debug("implementation selected")

	s := &Searcher{
		cfg:     cfg,
		log:     cfg.logger,
		matcher: m,
		impl:    im,
		pool:    pool,
		factory: rsakey.NewFactory(pool, cfg.keySize, sha1x.ExponentStart),
		dedup:   newDedup(),
	}
	s.workers = make([]*Worker, cfg.workers)
	for i := range s.workers {
		s.workers[i] = newWorker(i, s)
	}
	return s, nil
}

// Implementation returns the name of the selected implementation.
func (s *Searcher) Implementation() string {
	return s.impl.Name()
}

// Run searches until ctx is cancelled or the result quota is reached. A
// normal stop returns nil; otherwise the errors of the failed workers are
// joined. Run may be called again after it returns: counters, result IDs
// and the quota start over, but keys already reported are not reported
// again.
func (s *Searcher) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return leekerrors.ErrSearcherRunning
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"impl":    s.impl.Name(),
		"lanes":   s.impl.Weight(),
		"workers": len(s.workers),
		"keysize": s.cfg.keySize,
	}).Info("search started")

	s.start.Store(time.Now().UnixNano())
	s.stop.Store(0)
	s.results.Store(0)
	s.recheckErrors.Store(0)
	s.itemErrors.Store(0)
	s.sinkErrors.Store(0)

	// A failing worker does not stop the others, so the group carries no
	// shared context.
	var g errgroup.Group
	for _, w := range s.workers {
		g.Go(func() error {
			return w.run(ctx)
		})
	}
	werr := g.Wait()
	s.stop.Store(time.Now().UnixNano())

	if werr == nil {
		s.log.WithField("results", s.results.Load()).Info("search stopped")
		return nil
	}
	var errs []error
	for _, w := range s.workers {
		if w.err != nil {
			errs = append(errs, w.err)
		}
	}
	return fmt.Errorf("%w: %w", leekerrors.ErrWorkerFailed, errors.Join(errs...))
}

// Stop asks a running search to end. Run returns once every worker has
// observed the request.
func (s *Searcher) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// confirm rechecks a hit and reports it. It returns true if the hit became
// a result.
func (s *Searcher) confirm(item *rsakey.Item, h sha1x.Hit, log logrus.FieldLogger) bool {
	quota := s.cfg.stopAfter
	if quota > 0 && s.results.Load() >= quota {
		return false
	}

	log = log.WithFields(logrus.Fields{"exponent": h.Exponent, "address": h.Address.String()})
	key, err := item.Recheck(h.Exponent, h.Address)
	if err != nil {
		// Exponents sharing a factor with lambda(n) land here routinely.
		s.recheckErrors.Add(1)
		log.WithError(err).Debug("candidate failed recheck")
		return false
	}
	if !s.dedup.add(&key.PublicKey) {
		log.Debug("duplicate result dropped")
		return false
	}

	id := s.results.Add(1)
	if quota > 0 && id > quota {
		return false
	}

	res := Result{
		ID:            id,
		Address:       h.Address.String(),
		Length:        h.Length,
		Exponent:      h.Exponent,
		PrivateKeyPEM: rsakey.EncodePEM(key),
	}
	log.WithField("id", id).Info("result found")
	if s.cfg.sink != nil {
		if err := s.cfg.sink.Report(res); err != nil {
			s.sinkErrors.Add(1)
			log.WithError(err).Error("result sink failed")
		}
	}
	if quota > 0 && id == quota {
		s.Stop()
	}
	return true
}

// Stats returns a snapshot of the search counters.
func (s *Searcher) Stats() Stats {
	st := Stats{
		Implementation: s.impl.Name(),
		Lanes:          s.impl.Weight(),
		Results:        min(s.results.Load(), s.quota()),
		RecheckErrors:  s.recheckErrors.Load(),
		ItemErrors:     s.itemErrors.Load(),
		SinkErrors:     s.sinkErrors.Load(),
		Primes:         s.pool.Stats(),
		Workers:        make([]WorkerStats, len(s.workers)),
	}
	if ps, ok := s.matcher.(prefixStats); ok {
		st.Probability = ps.Stats().Probability()
	}
	for i, w := range s.workers {
		ws := w.snapshot()
		st.Workers[i] = ws
		st.Hashes += ws.Hashes
		st.Items += ws.Items
	}
	if start := s.start.Load(); start != 0 {
		end := s.stop.Load()
		if end == 0 {
			end = time.Now().UnixNano()
		}
		st.Elapsed = time.Duration(end - start)
	}
	return st
}

func (s *Searcher) quota() uint64 {
	if s.cfg.stopAfter == 0 {
		return ^uint64(0)
	}
	return s.cfg.stopAfter
}

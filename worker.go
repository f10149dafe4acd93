package leek

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	leekerrors "github.com/tamirms/leek/errors"
	"github.com/tamirms/leek/internal/impl"
	"github.com/tamirms/leek/internal/rsakey"
	"github.com/tamirms/leek/internal/sha1x"
)

// maxItemFailures is the number of consecutive failed items after which a
// worker gives up.
const maxItemFailures = 64

// Worker flags.
const (
	flagStarted uint32 = 1 << iota
	flagStopped
	flagError
	flagExiting
)

// Worker is one search thread. Its counters are written by the worker only
// and read by Stats.
type Worker struct {
	id int
	s  *Searcher

	hashes  paddedCounter
	items   atomic.Uint64
	flags   atomic.Uint32
	started atomic.Int64 // unix nanoseconds
	stopped atomic.Int64
	err     error
}

func newWorker(id int, s *Searcher) *Worker {
	return &Worker{id: id, s: s}
}

// run generates and exhausts items until ctx ends. It returns nil on a
// normal stop and an error only when the worker cannot continue.
func (w *Worker) run(ctx context.Context) (err error) {
	// Each worker owns an OS thread for its whole life. A pinned thread is
	// never unlocked, so it exits with the goroutine instead of returning
	// to the scheduler with a narrowed mask.
	runtime.LockOSThread()
	pinned := false
	defer func() {
		if !pinned {
			runtime.UnlockOSThread()
		}
	}()

	log := w.s.log.WithField("worker", w.id)
	if w.s.cfg.affinity {
		cpu, err := pinThread(w.id)
		if err != nil {
			log.WithError(err).Warn("cannot pin thread")
		} else if cpu >= 0 {
			pinned = true
			log.Debugf("pinned to cpu %d", cpu)
		}
	}

	w.reset()
	defer func() {
		w.stopped.Store(time.Now().UnixNano())
		if err != nil {
			w.err = err
			w.flags.Or(flagError)
		}
		w.flags.Or(flagStopped)
	}()

	st, err := w.s.impl.Allocate(w.s.cfg.rng)
	if err != nil {
		return fmt.Errorf("worker %d: allocate %s state: %w", w.id, w.s.impl.Name(), err)
	}

	failures := 0
	for {
		if ctx.Err() != nil {
			w.flags.Or(flagExiting)
			return nil
		}

		item, err := w.s.factory.Generate(st)
		if err != nil {
			w.s.itemErrors.Add(1)
			failures++
			log.WithError(err).Warn("item generation failed")
			if failures >= maxItemFailures {
				return fmt.Errorf("%w: worker %d: %w", leekerrors.ErrTooManyFailures, w.id, err)
			}
			continue
		}
		failures = 0

		if err := w.exhaust(ctx, st, item, log); err != nil && ctx.Err() == nil {
			w.s.itemErrors.Add(1)
			log.WithError(err).Warn("exhaust failed")
		}
	}
}

// exhaust walks one item and settles its primes. An item that produced a
// result has its primes destroyed so they never appear in another key.
func (w *Worker) exhaust(ctx context.Context, st impl.State, item *rsakey.Item, log logrus.FieldLogger) error {
	matched := false
	scan := &sha1x.Scan{
		Matcher: w.s.matcher,
		Hashes:  &w.hashes.n,
		Hit: func(h sha1x.Hit) {
			if w.s.confirm(item, h, log) {
				matched = true
			}
		},
	}
	err := st.Exhaust(ctx, scan)
	if matched {
		item.Destroy()
	} else {
		item.Release()
	}
	w.items.Add(1)
	return err
}

// reset clears what a previous run left behind.
func (w *Worker) reset() {
	w.err = nil
	w.hashes.n.Store(0)
	w.items.Store(0)
	w.stopped.Store(0)
	w.started.Store(time.Now().UnixNano())
	w.flags.Store(flagStarted)
}

func (w *Worker) snapshot() WorkerStats {
	flags := w.flags.Load()
	ws := WorkerStats{
		ID:      w.id,
		Hashes:  w.hashes.n.Load(),
		Items:   w.items.Load(),
		Running: flags&flagStarted != 0 && flags&flagStopped == 0,
		Exiting: flags&flagExiting != 0,
		Failed:  flags&flagError != 0,
	}
	if ns := w.started.Load(); ns != 0 {
		ws.Started = time.Unix(0, ns)
	}
	if ns := w.stopped.Load(); ns != 0 {
		ws.Stopped = time.Unix(0, ns)
	}
	return ws
}

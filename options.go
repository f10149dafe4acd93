package leek

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	leekerrors "github.com/tamirms/leek/errors"
	"github.com/tamirms/leek/internal/impl"
	"github.com/tamirms/leek/internal/sha1x"
)

const (
	DefaultKeySize = 1024
	MinKeySize     = 1024
	MaxKeySize     = 8192

	// MaxWorkers bounds WithWorkers.
	MaxWorkers = 512
)

// Option is a functional option for configuring a Searcher.
type Option func(*config)

type config struct {
	workers   int
	keySize   int
	implName  string
	rng       sha1x.Range
	stopAfter uint64
	affinity  bool
	logger    logrus.FieldLogger
	sink      ResultSink
	rand      io.Reader
	registry  *impl.Registry
}

func defaultConfig() *config {
	return &config{
		workers:  min(impl.LogicalCores(), MaxWorkers),
		keySize:  DefaultKeySize,
		rng:      sha1x.DefaultRange(),
		logger:   logrus.StandardLogger(),
		rand:     rand.Reader,
		registry: impl.NewRegistry(),
	}
}

// WithWorkers sets the number of worker threads. The default is the number
// of logical CPUs.
func WithWorkers(n int) Option {
	return func(c *config) {
		c.workers = n
	}
}

// WithKeySize sets the RSA modulus size in bits.
func WithKeySize(bits int) Option {
	return func(c *config) {
		c.keySize = bits
	}
}

// WithImplementation forces an exhaust implementation by name instead of
// the best one the CPU supports.
func WithImplementation(name string) Option {
	return func(c *config) {
		c.implName = name
	}
}

// WithExponentRange narrows the public exponents tried per keypair. Both
// ends must be odd and lie on 32-exponent boundaries within
// [0x00800001, 0x7FFFFFFF].
func WithExponentRange(start, limit uint32) Option {
	return func(c *config) {
		c.rng = sha1x.Range{Start: start, Limit: limit}
	}
}

// WithStopAfter ends Run once n results have been reported. Zero means
// run until the context is cancelled.
func WithStopAfter(n uint64) Option {
	return func(c *config) {
		c.stopAfter = n
	}
}

// WithAffinity pins each worker's OS thread to one CPU.
func WithAffinity(enabled bool) Option {
	return func(c *config) {
		c.affinity = enabled
	}
}

// WithLogger sets the logger. The default is logrus.StandardLogger().
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithSink sets where confirmed results go.
func WithSink(s ResultSink) Option {
	return func(c *config) {
		c.sink = s
	}
}

// WithRand sets the entropy source for prime generation.
func WithRand(r io.Reader) Option {
	return func(c *config) {
		c.rand = r
	}
}

// withRegistry replaces the implementation registry (used in tests).
func withRegistry(r *impl.Registry) Option {
	return func(c *config) {
		c.registry = r
	}
}

func (c *config) validate() error {
	if c.keySize < MinKeySize || c.keySize > MaxKeySize || c.keySize&(c.keySize-1) != 0 {
		return fmt.Errorf("%w: got %d", leekerrors.ErrInvalidKeySize, c.keySize)
	}
	if c.workers < 1 || c.workers > MaxWorkers {
		return fmt.Errorf("%w: got %d", leekerrors.ErrInvalidWorkers, c.workers)
	}
	if err := c.rng.Validate(); err != nil {
		return err
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tamirms/leek"
	leekerrors "github.com/tamirms/leek/errors"
	"github.com/tamirms/leek/internal/prefix"
)

var errNoPrefix = errors.New("no prefix given: pass one as an argument or use --prefixes")

func runSearch(ctx context.Context, cfg *Config, out io.Writer) error {
	logger, err := newLogger(cfg.Output.LogLevel)
	if err != nil {
		return err
	}
	m, err := buildMatcher(cfg.Search, logger)
	if err != nil {
		return err
	}
	if cfg.Output.Directory != "" {
		if err := os.MkdirAll(cfg.Output.Directory, 0o700); err != nil {
			return err
		}
	}

	opts := []leek.Option{
		leek.WithLogger(logger),
		leek.WithKeySize(cfg.Search.KeySize),
		leek.WithImplementation(cfg.Search.Implementation),
		leek.WithStopAfter(cfg.Search.StopAfter),
		leek.WithAffinity(cfg.Search.Affinity),
		leek.WithSink(&resultWriter{dir: cfg.Output.Directory, out: out}),
	}
	if cfg.Search.Workers > 0 {
		opts = append(opts, leek.WithWorkers(cfg.Search.Workers))
	}
	s, err := leek.New(m, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	ticker := time.NewTicker(cfg.Output.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			report(logger, s.Stats(), "search finished")
			return err
		case <-ticker.C:
			report(logger, s.Stats(), "progress")
		}
	}
}

func buildMatcher(cfg SearchConfig, logger logrus.FieldLogger) (leek.Matcher, error) {
	switch {
	case cfg.Prefix != "":
		single, err := prefix.NewSingle(cfg.Prefix)
		if err != nil {
			return nil, err
		}
		return single, nil
	case cfg.Prefixes != "":
		idx, err := prefix.New(prefix.WithLengthRange(cfg.MinLength, cfg.MaxLength))
		if err != nil {
			return nil, err
		}
		st, err := idx.LoadFile(cfg.Prefixes)
		if err != nil && !errors.Is(err, leekerrors.ErrNoPrefixes) {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"file":      cfg.Prefixes,
			"valid":     st.Valid,
			"duplicate": st.Duplicate,
			"invalid":   st.Invalid,
			"filtered":  st.Filtered,
			"lengths":   fmt.Sprintf("%d..%d", st.LenMin, st.LenMax),
			"checksum":  fmt.Sprintf("%016x", st.Checksum),
		}).Info("prefixes loaded")
		if err != nil {
			return nil, err
		}
		return idx, nil
	}
	return nil, errNoPrefix
}

func report(logger logrus.FieldLogger, st leek.Stats, msg string) {
	fields := logrus.Fields{
		"impl":    st.Implementation,
		"elapsed": st.Elapsed.Round(time.Second),
		"rate":    fmt.Sprintf("%.2f MH/s", st.Rate()/1e6),
		"hashes":  st.Hashes,
		"keys":    st.Items,
		"results": st.Results,
		"luck":    fmt.Sprintf("%.1f%%", st.Luck()*100),
	}
	if eta := st.ExpectedTime(0.5); eta != time.Duration(math.MaxInt64) {
		fields["eta50"] = eta.Round(time.Second)
	}
	if n := st.RecheckErrors + st.ItemErrors + st.SinkErrors; n > 0 {
		fields["errors"] = n
	}
	logger.WithFields(fields).Info(msg)
}

// resultWriter prints each result and, with a directory set, stores its
// key there instead of on the output.
type resultWriter struct {
	dir string
	mu  sync.Mutex
	out io.Writer
}

func (w *resultWriter) Report(r leek.Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	fmt.Fprintf(w.out, "%s e=%#x weight=%d length=%d\n", r.Hostname(), r.Exponent, r.ExponentWeight(), r.Length)
	if w.dir == "" {
		_, err := w.out.Write(r.PrivateKeyPEM)
		return err
	}
	path := filepath.Join(w.dir, r.Hostname()+".pem")
	return os.WriteFile(path, r.PrivateKeyPEM, 0o600)
}

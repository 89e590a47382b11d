package authlog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"nasnotifier/internal/logger"
	"nasnotifier/internal/metrics"
	"nasnotifier/internal/models"
)

// ErrAlreadyStarted is returned when Run is called a second time
var ErrAlreadyStarted = errors.New("auth log watcher already started")

// Config holds watcher configuration
type Config struct {
	// Path of the authentication log
	Path string

	// How often the file is checked for new lines
	ReadInterval time.Duration

	// Classify the existing content on start instead of skipping to the end
	FromStart bool

	// Clock, for tests
	Now func() time.Time
}

// Watcher tails the authentication log and emits classified login events.
// Only complete lines are classified; a partially written last line stays
// unread until its newline arrives.
type Watcher struct {
	path      string
	interval  time.Duration
	fromStart bool
	now       func() time.Time

	started atomic.Bool

	// owned by the Run goroutine
	offset int64
	info   os.FileInfo

	// Metrics
	lines         atomic.Uint64
	events        atomic.Uint64
	parseFailures atomic.Uint64
}

// NewWatcher creates a watcher for cfg.Path
func NewWatcher(cfg Config) *Watcher {
	if cfg.ReadInterval <= 0 {
		cfg.ReadInterval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Watcher{
		path:      cfg.Path,
		interval:  cfg.ReadInterval,
		fromStart: cfg.FromStart,
		now:       cfg.Now,
	}
}

// Run emits events on out until ctx is cancelled. It fails only when the log
// cannot be opened on start; later read errors are logged and retried.
func (w *Watcher) Run(ctx context.Context, out chan<- models.LoginEvent) error {
	if w.started.Swap(true) {
		return ErrAlreadyStarted
	}

	log := logger.WithComponent("authlog")

	f, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("open auth log: %w", err)
	}
	info, err := f.Stat()
	f.Close()
	if err != nil {
		return fmt.Errorf("stat auth log: %w", err)
	}

	w.info = info
	if !w.fromStart {
		w.offset = info.Size()
	}

	log.Info().
		Str("path", w.path).
		Int64("offset", w.offset).
		Dur("interval", w.interval).
		Msg("watching auth log")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.readNew(ctx, out); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Str("path", w.path).Msg("auth log read failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// readNew reads the lines appended since the last call
func (w *Watcher) readNew(ctx context.Context, out chan<- models.LoginEvent) error {
	f, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	log := logger.WithComponent("authlog")
	if w.info != nil && !os.SameFile(w.info, info) {
		log.Info().Str("path", w.path).Msg("auth log replaced, reading from start")
		w.offset = 0
		metrics.AuthLogResetsTotal.Inc()
	} else if info.Size() < w.offset {
		log.Info().
			Int64("size", info.Size()).
			Int64("offset", w.offset).
			Msg("auth log truncated, reading from start")
		w.offset = 0
		metrics.AuthLogResetsTotal.Inc()
	}
	w.info = info

	if info.Size() == w.offset {
		return nil
	}

	if _, err := f.Seek(w.offset, io.SeekStart); err != nil {
		return err
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}

		// an incomplete last line is left for the next read
		if len(line) == 0 || line[len(line)-1] != '\n' {
			return nil
		}

		w.offset += int64(len(line))
		w.lines.Add(1)
		metrics.AuthLogLinesTotal.Inc()

		if err := w.handleLine(ctx, line, out); err != nil {
			return err
		}
	}
}

func (w *Watcher) handleLine(ctx context.Context, line string, out chan<- models.LoginEvent) error {
	c, err := Classify(line, w.now())
	if err != nil {
		w.parseFailures.Add(1)
		metrics.ParseFailuresTotal.Inc()
		log := logger.WithComponent("authlog")
		log.Warn().Err(err).Msg("skipping unparseable auth line")
		return nil
	}
	if c.Kind == Unrecognized {
		return nil
	}

	log := logger.WithComponent("authlog")
	log.Debug().
		Stringer("outcome", c.Event.Outcome).
		Str("user", c.Event.User).
		Stringer("address", c.Event.Address).
		Str("method", c.Event.Method).
		Int("count", c.Count).
		Msg("login event")

	// a collapsed repeat line stands for Count separate attempts
	for i := 0; i < c.Count; i++ {
		metrics.LoginEventsTotal.WithLabelValues(c.Event.Outcome.String()).Inc()
		w.events.Add(1)

		select {
		case out <- c.Event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stats returns watcher statistics
func (w *Watcher) Stats() Stats {
	return Stats{
		Lines:         w.lines.Load(),
		Events:        w.events.Load(),
		ParseFailures: w.parseFailures.Load(),
	}
}

// Stats holds watcher metrics
type Stats struct {
	Lines         uint64 `json:"lines"`
	Events        uint64 `json:"events"`
	ParseFailures uint64 `json:"parse_failures"`
}

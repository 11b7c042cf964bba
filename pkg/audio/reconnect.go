package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// OpenFunc opens a fresh [Source], e.g. by dialling a remote stream.
type OpenFunc func(ctx context.Context) (Source, error)

// ReconnectConfig configures a [ReconnectingSource].
type ReconnectConfig struct {
	// Open establishes a new underlying source. Required.
	Open OpenFunc

	// Name labels the source in log output.
	Name string

	// MaxRetries is the maximum number of consecutive reopen attempts
	// before giving up. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if zero.
	MaxBackoff time.Duration
}

// ReconnectingSource wraps a [Source] that can fail transiently. When a read
// fails with anything other than [ErrSourceClosed] or a context error, the
// underlying source is closed and reopened with exponential backoff. Frames
// are re-sequenced so Seq stays contiguous across reconnects.
//
// A clean end of stream ([ErrSourceClosed]) is passed through unchanged.
type ReconnectingSource struct {
	cfg ReconnectConfig
	seq Sequencer

	readMu sync.Mutex // serialises readers

	mu        sync.Mutex // guards cur and closed
	cur       Source
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewReconnectingSource opens the initial source and returns the wrapper.
// The initial open is not retried.
func NewReconnectingSource(ctx context.Context, cfg ReconnectConfig) (*ReconnectingSource, error) {
	if cfg.Open == nil {
		return nil, errors.New("audio: reconnect: open func is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	src, err := cfg.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("audio: reconnect: initial open: %w", err)
	}
	return &ReconnectingSource{cfg: cfg, cur: src, done: make(chan struct{})}, nil
}

func (r *ReconnectingSource) current() (Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur, r.closed
}

// ReadFrame reads from the current source, reopening it on transient failure.
func (r *ReconnectingSource) ReadFrame(ctx context.Context) (AudioFrame, error) {
	r.readMu.Lock()
	defer r.readMu.Unlock()

	for {
		cur, closed := r.current()
		if closed {
			return AudioFrame{}, ErrSourceClosed
		}
		f, err := cur.ReadFrame(ctx)
		if err == nil {
			return r.seq.Stamp(f), nil
		}
		if errors.Is(err, ErrSourceClosed) || ctx.Err() != nil {
			return AudioFrame{}, err
		}
		if _, closed := r.current(); closed {
			return AudioFrame{}, ErrSourceClosed
		}
		slog.Warn("frame source failed, reconnecting", "source", r.cfg.Name, "err", err)
		if rerr := r.reopen(ctx, cur); rerr != nil {
			return AudioFrame{}, errors.Join(err, rerr)
		}
	}
}

// reopen replaces the failed source old, retrying with exponential backoff.
func (r *ReconnectingSource) reopen(ctx context.Context, old Source) error {
	_ = old.Close()
	backoff := r.cfg.Backoff

	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		src, err := r.cfg.Open(ctx)
		if err == nil {
			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				_ = src.Close()
				return ErrSourceClosed
			}
			r.cur = src
			r.mu.Unlock()
			slog.Info("frame source reconnected", "source", r.cfg.Name, "attempt", attempt)
			return nil
		}

		slog.Warn("reconnection attempt failed",
			"source", r.cfg.Name,
			"attempt", attempt,
			"max_retries", r.cfg.MaxRetries,
			"backoff", backoff,
			"err", err,
		)

		if attempt == r.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			return ErrSourceClosed
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}

	// Leave an exhausted placeholder so later reads fail fast.
	r.mu.Lock()
	r.cur = NewSliceSource(nil)
	r.mu.Unlock()
	return fmt.Errorf("audio: reconnect %s: gave up after %d attempts", r.cfg.Name, r.cfg.MaxRetries)
}

// Close closes the current source, which unblocks a pending read, and
// interrupts any reconnect backoff. Safe to call more than once.
func (r *ReconnectingSource) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		r.closed = true
		cur := r.cur
		r.mu.Unlock()
		err = cur.Close()
	})
	return err
}

var _ Source = (*ReconnectingSource)(nil)

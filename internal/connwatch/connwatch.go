// Package connwatch tracks whether the completion provider is reachable.
//
// A Watcher probes the provider in a loop. While the provider is down it
// retries with exponential backoff (2s, 4s, 8s, ... capped at 60s); once
// it is up it polls at a fixed interval. Transitions are logged and
// published on the event bus, and the latest state is available to the
// health endpoint.
//
// This is separate from httpkit's transport-level retry, which only
// covers sub-second dial errors.
package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/chatrelay/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// InitialDelay is the wait after the first failed probe.
	InitialDelay time.Duration
	// MaxDelay caps the growth of the retry delay.
	MaxDelay time.Duration
	// Multiplier scales the delay after each failed probe.
	Multiplier float64
	// PollInterval is the wait between probes while the service is up.
	PollInterval time.Duration
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration
}

// DefaultBackoff returns 2s initial, 60s cap, doubling, 60s polling and
// a 10s probe timeout.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults replaces zero or negative fields with DefaultBackoff values.
func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Status is a snapshot of the watched service, shaped for the health
// endpoint.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures"`
}

// Config configures a Watcher.
type Config struct {
	// Name identifies the service in logs, events and status.
	Name    string
	Probe   ProbeFunc
	Backoff Backoff
	Events  *events.Bus
	Logger  *slog.Logger
}

// Watcher probes one service until its Run context ends.
type Watcher struct {
	name    string
	probe   ProbeFunc
	backoff Backoff
	events  *events.Bus
	logger  *slog.Logger

	mu        sync.Mutex
	ready     bool
	lastErr   error
	lastCheck time.Time
	failures  int
}

// New creates a Watcher. Name and Probe are required.
func New(cfg Config) (*Watcher, error) {
	if cfg.Name == "" {
		return nil, errors.New("connwatch: name must not be empty")
	}
	if cfg.Probe == nil {
		return nil, errors.New("connwatch: probe must not be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		name:    cfg.Name,
		probe:   cfg.Probe,
		backoff: cfg.Backoff.withDefaults(),
		events:  cfg.Events,
		logger:  logger.With("service", cfg.Name),
	}, nil
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Status returns the current state.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.name,
		Ready:     w.ready,
		LastCheck: w.lastCheck,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Run probes until ctx is cancelled, then returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	delay := w.backoff.InitialDelay
	for {
		err := w.check(ctx)
		if ctx.Err() != nil {
			return nil
		}

		wait := w.backoff.PollInterval
		if err != nil {
			wait = delay
			delay = time.Duration(float64(delay) * w.backoff.Multiplier)
			if delay > w.backoff.MaxDelay {
				delay = w.backoff.MaxDelay
			}
		} else {
			delay = w.backoff.InitialDelay
		}

		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
}

// check runs one probe and records the outcome, logging and publishing
// state transitions.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.mu.Lock()
	wasReady := w.ready
	first := w.lastCheck.IsZero()
	w.lastCheck = time.Now()
	w.lastErr = err
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	attempts := w.failures
	w.ready = err == nil
	w.mu.Unlock()

	switch {
	case err == nil && !wasReady:
		w.logger.Info("service reachable", "first_check", first)
		w.events.Emit(events.SourceProvider, events.KindProviderUp, map[string]any{
			"provider": w.name,
		})
	case err != nil && (wasReady || first):
		w.logger.Warn("service unreachable", "error", err)
		w.events.Emit(events.SourceProvider, events.KindProviderDown, map[string]any{
			"provider": w.name,
			"error":    err.Error(),
		})
	case err != nil:
		w.logger.Debug("service still unreachable", "failures", attempts, "error", err)
	}
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

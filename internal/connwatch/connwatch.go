// Package connwatch tracks whether the inference endpoint is reachable.
//
// A watcher probes until the endpoint answers, backing off between
// failures, then keeps polling at a fixed interval so the API can report
// outages and recoveries without waiting for a user turn to fail.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing. Zero fields take the defaults from
// [DefaultBackoff].
type Backoff struct {
	InitialDelay time.Duration // first retry after a failure
	MaxDelay     time.Duration // ceiling for retry growth
	Multiplier   float64
	PollInterval time.Duration // spacing between probes while healthy
	ProbeTimeout time.Duration
}

// DefaultBackoff retries at 2s, 4s, 8s ... up to 60s and polls every 60s
// once the endpoint is up.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

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

// Config configures a watcher.
type Config struct {
	Name    string // for logs and status, e.g. "ollama"
	Probe   ProbeFunc
	Backoff Backoff

	// OnChange is called after every transition between reachable and
	// unreachable, including the first successful probe. It runs on the
	// watcher goroutine and must not block.
	OnChange func(ready bool, err error)

	Logger *slog.Logger
}

// Status is a point-in-time health snapshot, shaped for JSON health
// endpoints.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Probes    int       `json:"probes"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	cfg    Config
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

// Watch starts probing in the background until ctx is cancelled or
// [Watcher.Stop] is called. It panics on a missing Name or Probe.
func Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Name == "" || cfg.Probe == nil {
		panic("connwatch: Config.Name and Config.Probe are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Name: cfg.Name},
	}
	go w.run(ctx)
	return w
}

// Status returns the latest snapshot.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool { return w.Status().Ready }

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.cfg.Backoff
	delay := b.InitialDelay
	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.record(err)

		next := b.PollInterval
		if err != nil {
			next = delay
			delay = min(time.Duration(float64(delay)*b.Multiplier), b.MaxDelay)
		} else {
			delay = b.InitialDelay
		}

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	defer cancel()
	return w.cfg.Probe(ctx)
}

// record stores a probe outcome and fires OnChange on transitions. The
// initial unknown state counts as not ready, so a first failure is not a
// transition.
func (w *Watcher) record(err error) {
	w.mu.Lock()
	was := w.status.Ready
	w.status.Ready = err == nil
	w.status.Probes++
	w.status.LastCheck = time.Now()
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	probes := w.status.Probes
	w.mu.Unlock()

	logger := w.cfg.Logger
	switch {
	case !was && err == nil:
		logger.Info("service reachable", "service", w.cfg.Name, "probes", probes)
	case was && err != nil:
		logger.Warn("service became unreachable", "service", w.cfg.Name, "error", err)
	case err != nil:
		logger.Debug("service still unreachable", "service", w.cfg.Name, "probes", probes, "error", err)
		return
	default:
		return
	}
	if w.cfg.OnChange != nil {
		w.cfg.OnChange(err == nil, err)
	}
}

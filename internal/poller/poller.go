// Package poller refreshes entities on a fixed interval.
package poller

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Target is anything that can refresh itself. Refresh reports whether new
// state was stored.
type Target interface {
	UniqueID() string
	Refresh(ctx context.Context) bool
}

// Poller calls Refresh on every target once per tick, one at a time.
type Poller struct {
	interval  time.Duration
	timeout   time.Duration
	targets   func() []Target
	onRefresh func(Target, bool)
	logger    *zap.Logger
}

type Option func(*Poller)

// OnRefresh runs after each target's refresh with its result.
func OnRefresh(fn func(Target, bool)) Option {
	return func(p *Poller) { p.onRefresh = fn }
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New builds a poller. targets is called on every tick so the set can grow
// while the poller runs.
func New(interval, timeout time.Duration, targets func() []Target, opts ...Option) *Poller {
	p := &Poller{
		interval: interval,
		timeout:  timeout,
		targets:  targets,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls immediately and then on every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	if p.interval <= 0 {
		return nil
	}
	p.Tick(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick refreshes every target once.
func (p *Poller) Tick(ctx context.Context) {
	for _, target := range p.targets() {
		if ctx.Err() != nil {
			return
		}
		ok := p.refresh(ctx, target)
		if ok {
			refreshSuccess.WithLabelValues(target.UniqueID()).Inc()
		} else {
			refreshFailure.WithLabelValues(target.UniqueID()).Inc()
			p.logger.Debug("refresh returned no status", zap.String("entity", target.UniqueID()))
		}
		if p.onRefresh != nil {
			p.onRefresh(target, ok)
		}
	}
}

func (p *Poller) refresh(ctx context.Context, target Target) bool {
	if p.timeout <= 0 {
		return target.Refresh(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return target.Refresh(ctx)
}

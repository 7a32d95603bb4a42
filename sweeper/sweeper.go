// Package sweeper periodically demotes idle Active users to Inactive.
package sweeper

import (
	"context"
	"time"

	"github.com/cyberinferno/go-chat-server/logger"
)

const (
	// DefaultInterval is how often the sweeper checks for idle users.
	DefaultInterval = 10 * time.Second

	// DefaultIdleTimeout is how long an Active user may stay silent before
	// being demoted.
	DefaultIdleTimeout = 120 * time.Second
)

// Demoter moves idle Active sessions to Inactive and announces each change.
type Demoter interface {
	DemoteIdle(timeout time.Duration) []string
}

// Sweeper runs Demoter.DemoteIdle on a fixed cadence.
type Sweeper struct {
	demoter  Demoter
	interval time.Duration
	timeout  time.Duration
	logger   logger.Logger
}

// New returns a Sweeper. Non-positive durations fall back to the defaults.
func New(d Demoter, interval, timeout time.Duration, log logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}

	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}

	return &Sweeper{
		demoter:  d,
		interval: interval,
		timeout:  timeout,
		logger:   log.With(logger.Field{Key: "component", Value: "sweeper"}),
	}
}

// SweepOnce performs one cycle and returns the demoted names.
func (s *Sweeper) SweepOnce() []string {
	demoted := s.demoter.DemoteIdle(s.timeout)
	for _, name := range demoted {
		s.logger.Info("user marked inactive", logger.Field{Key: "user", Value: name})
	}

	return demoted
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Debug("sweeper started",
		logger.Field{Key: "interval", Value: s.interval.String()},
		logger.Field{Key: "idle_timeout", Value: s.timeout.String()})

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

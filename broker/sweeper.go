package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stratal/sessiond/sessions"
)

// SweepTarget is anything the sweeper can scan; in practice the per-kind
// brokers.
type SweepTarget interface {
	Kind() sessions.Kind
	Sweep(ctx context.Context) error
}

// Sweeper runs each registered target's Sweep on a fixed cadence,
// independently of request traffic. Sweep errors are logged, never
// propagated: the sweeper has no caller to report to.
type Sweeper struct {
	cron     *cron.Cron
	interval time.Duration
	log      *slog.Logger
	targets  []SweepTarget
}

// NewSweeper builds a sweeper with the given cadence. Default 60s.
func NewSweeper(interval time.Duration, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		cron:     cron.New(),
		interval: interval,
		log:      log,
	}
}

// Register adds a target. Must be called before Start.
func (s *Sweeper) Register(t SweepTarget) {
	s.targets = append(s.targets, t)
}

// Start schedules the sweeps and launches the cron runner.
func (s *Sweeper) Start() error {
	spec := fmt.Sprintf("@every %s", s.interval)
	for _, t := range s.targets {
		t := t
		if _, err := s.cron.AddFunc(spec, func() {
			if err := t.Sweep(context.Background()); err != nil {
				s.log.Warn("sweep finished with errors", "kind", string(t.Kind()), "err", err)
			}
		}); err != nil {
			return fmt.Errorf("sweeper: schedule %s: %w", t.Kind(), err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

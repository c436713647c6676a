package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the on-demand passes on cron schedules: orphan cleanup and
// the periodic daemon restart. Runs of the same job never overlap.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler registers the jobs whose schedule is not empty. Schedules
// use the standard five-field cron syntax, evaluated in loc.
func NewScheduler(e *Engine, orphanSpec, restartSpec string, loc *time.Location, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if loc == nil {
		loc = time.Local
	}
	cl := cronLogger{logger}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if orphanSpec != "" {
		if _, err := c.AddFunc(orphanSpec, func() {
			report, err := e.RemoveOrphans(context.Background())
			if err != nil {
				logger.Error("scheduler: orphan cleanup failed", "err", err)
				return
			}
			logger.Info("scheduler: orphan cleanup done",
				"registry", len(report.RegistryEntries), "peers", len(report.PeerKeys), "panel", len(report.PanelClients))
		}); err != nil {
			return nil, fmt.Errorf("scheduler: orphan schedule %q: %w", orphanSpec, err)
		}
	}
	if restartSpec != "" {
		if _, err := c.AddFunc(restartSpec, func() {
			if err := e.RestartDaemon(context.Background()); err != nil {
				logger.Error("scheduler: daemon restart failed", "err", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("scheduler: restart schedule %q: %w", restartSpec, err)
		}
	}
	return &Scheduler{cron: c, logger: logger}, nil
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }

// Run starts the scheduler and blocks until ctx is cancelled and running
// jobs have finished.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler: stopped")
	return nil
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct{ logger *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}

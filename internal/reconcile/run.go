package reconcile

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/bigbes/awg-xui-reconciler/internal/accountdb"
	"github.com/bigbes/awg-xui-reconciler/internal/metrics"
)

// DefaultInterval is the pause between two cycles of the run loop.
const DefaultInterval = 90 * time.Second

// RunCycle runs the accounting pass and then the panel sync.
func (e *Engine) RunCycle(ctx context.Context) error {
	var result *multierror.Error
	if err := e.RunAccountingPass(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.RunPanelSyncAll(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	e.observeAccounts()
	return result.ErrorOrNil()
}

// Run runs cycles until ctx is cancelled. A cycle in flight always
// completes; cancellation is only noticed while sleeping.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	e.logger.Info("reconcile: loop started", "interval", interval)
	for {
		if err := e.RunCycle(context.WithoutCancel(ctx)); err != nil {
			e.logger.Error("reconcile: cycle failed", "err", err)
		}

		t := e.clock.NewTimer(interval, "reconcile", "loop")
		select {
		case <-ctx.Done():
			t.Stop("reconcile", "loop")
			e.logger.Info("reconcile: loop stopped")
			return nil
		case <-t.C:
		}
	}
}

// Summary counts accounts by status.
type Summary struct {
	ByStatus     map[accountdb.Status]int
	Total        int
	QuotaUsed    int64
	LifetimeUsed int64
}

// Summarize reads the store and counts accounts by status.
func (e *Engine) Summarize() (*Summary, error) {
	accounts, err := e.store.List()
	if err != nil {
		return nil, err
	}
	s := &Summary{ByStatus: map[accountdb.Status]int{}}
	for _, a := range accounts {
		s.ByStatus[a.Status]++
		s.Total++
		s.QuotaUsed += a.QuotaUsed()
		s.LifetimeUsed += a.TotalTraffic()
	}
	return s, nil
}

func (e *Engine) observeAccounts() {
	s, err := e.Summarize()
	if err != nil {
		e.logger.Warn("reconcile: counting accounts", "err", err)
		return
	}
	for _, st := range []accountdb.Status{
		accountdb.StatusActive, accountdb.StatusLimited, accountdb.StatusExpired, accountdb.StatusDisabled,
	} {
		metrics.Accounts.WithLabelValues(string(st)).Set(float64(s.ByStatus[st]))
	}
}

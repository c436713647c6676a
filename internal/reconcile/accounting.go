package reconcile

import (
	"context"
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"

	"github.com/bigbes/awg-xui-reconciler/internal/accountdb"
	"github.com/bigbes/awg-xui-reconciler/internal/metrics"
)

// RunAccountingPass folds the daemon's and the panel's raw counters into
// every account that is not disabled, re-derives statuses, and converges
// the accounts whose status changed or whose peer block disagrees with
// the status. Per-account failures do not stop the pass; they are
// returned together.
func (e *Engine) RunAccountingPass(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.clock.Now("reconcile", "accounting")
	err := e.accountingLocked(ctx)
	metrics.CycleDuration.WithLabelValues("accounting").Observe(e.clock.Since(start, "reconcile", "accounting").Seconds())
	metrics.CyclesTotal.WithLabelValues("accounting", metrics.Result(err)).Inc()
	return err
}

func (e *Engine) accountingLocked(ctx context.Context) error {
	accounts, err := e.store.ListNotStatus(accountdb.StatusDisabled)
	if err != nil {
		return fmt.Errorf("accounting: %w", err)
	}
	tbl, err := e.daemon.ReadClientsTable(ctx)
	if err != nil {
		return fmt.Errorf("accounting: %w", err)
	}

	transfers, err := e.daemon.Transfers(ctx)
	if err != nil {
		e.logger.Warn("accounting: tunnel counters unavailable", "err", err)
		transfers = nil
	}
	proxy := e.proxyTraffic(ctx)
	now := e.now()

	var (
		result     *multierror.Error
		changed    []string
		processed  []*accountdb.Account
		tableDirty bool
	)
	fail := func(username string, err error) {
		e.logger.Error("accounting: account failed", "username", username, "err", err)
		metrics.AccountErrors.Inc()
		result = multierror.Append(result, err)
	}

	for _, a := range accounts {
		// Only missing entries are restored here. A stale key is left for
		// convergence, which uses it to find the block it was written with.
		if a.PublicKey != "" && tbl.Add(a.Username, a.PublicKey, e.creationDate(a)) {
			e.logger.Info("accounting: restoring registry entry", "username", a.Username)
			tableDirty = true
		}

		if raw, ok := transfers[a.PublicKey]; ok && a.PublicKey != "" && raw != a.LastCapturedTraffic {
			inc := accountdb.Increment(raw, a.LastCapturedTraffic)
			if err := e.store.SetTraffic(a.Username, a.UsedTraffic+inc, raw); err != nil {
				fail(a.Username, err)
				continue
			}
			a.UsedTraffic += inc
			a.LastCapturedTraffic = raw
			metrics.TrafficBytes.WithLabelValues("tunnel").Add(float64(inc))
			e.logger.Debug("accounting: tunnel traffic", "username", a.Username,
				"added", humanize.IBytes(uint64(inc)), "used", humanize.IBytes(uint64(a.UsedTraffic)))
		}

		if raw, ok := proxy[a.Username]; ok && a.ProxyEnabled && raw != a.ProxyLastCapturedTraffic {
			inc := accountdb.Increment(raw, a.ProxyLastCapturedTraffic)
			if err := e.store.SetProxyTraffic(a.Username, a.ProxyUsedTraffic+inc, raw); err != nil {
				fail(a.Username, err)
				continue
			}
			a.ProxyUsedTraffic += inc
			a.ProxyLastCapturedTraffic = raw
			metrics.TrafficBytes.WithLabelValues("proxy").Add(float64(inc))
			e.logger.Debug("accounting: proxy traffic", "username", a.Username,
				"added", humanize.IBytes(uint64(inc)), "used", humanize.IBytes(uint64(a.ProxyUsedTraffic)))
		}

		next := accountdb.DeriveStatus(a, now)
		if next == a.Status {
			processed = append(processed, a)
			continue
		}
		if err := e.store.SetStatus(a.Username, next); err != nil {
			fail(a.Username, err)
			continue
		}
		e.logger.Info("accounting: status changed", "username", a.Username, "from", a.Status, "to", next,
			"used", humanize.IBytes(uint64(a.QuotaUsed())))
		metrics.StatusTransitions.WithLabelValues(string(next)).Inc()
		e.notifier.StatusChanged(ctx, a.Username, a.Status, next)
		changed = append(changed, a.Username)
		a.Status = next
		processed = append(processed, a)
	}

	if tableDirty {
		if err := e.writeClientsTable(ctx, tbl); err != nil {
			result = multierror.Append(result, fmt.Errorf("accounting: %w", err))
		}
	}

	for _, username := range e.needsConvergence(ctx, changed, processed) {
		if err := e.convergeLocked(ctx, username); err != nil {
			fail(username, err)
		}
	}
	return result.ErrorOrNil()
}

// needsConvergence returns the accounts whose status changed in this pass
// plus those whose peer block is missing or in the wrong enabled state, so
// a convergence that failed earlier is retried.
func (e *Engine) needsConvergence(ctx context.Context, changed []string, processed []*accountdb.Account) []string {
	f, err := e.daemon.ReadConfig(ctx)
	if err != nil {
		e.logger.Warn("accounting: peer state unavailable", "err", err)
		return changed
	}
	out := changed
	for _, a := range processed {
		if slices.Contains(changed, a.Username) || a.PublicKey == "" {
			continue
		}
		enabled, found := f.PeerEnabled(a.PublicKey)
		if found && enabled == (a.Status == accountdb.StatusActive) {
			continue
		}
		e.logger.Info("accounting: peer block drifted", "username", a.Username, "status", a.Status, "found", found)
		out = append(out, a.Username)
	}
	return out
}

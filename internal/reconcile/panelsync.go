package reconcile

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/bigbes/awg-xui-reconciler/internal/accountdb"
	"github.com/bigbes/awg-xui-reconciler/internal/metrics"
	"github.com/bigbes/awg-xui-reconciler/internal/panel"
)

// RunPanelSyncAll converges the panel client of every proxy account
// against a single inbound snapshot.
func (e *Engine) RunPanelSyncAll(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.panel == nil {
		return nil
	}

	start := e.clock.Now("reconcile", "panel_sync")
	err := e.panelSyncLocked(ctx)
	metrics.CycleDuration.WithLabelValues("panel_sync").Observe(e.clock.Since(start, "reconcile", "panel_sync").Seconds())
	metrics.CyclesTotal.WithLabelValues("panel_sync", metrics.Result(err)).Inc()
	return err
}

func (e *Engine) panelSyncLocked(ctx context.Context) error {
	in, err := e.panel.Inbound(ctx)
	if err != nil {
		return fmt.Errorf("panel sync: %w", err)
	}
	accounts, err := e.store.List()
	if err != nil {
		return fmt.Errorf("panel sync: %w", err)
	}
	var result *multierror.Error
	for _, a := range accounts {
		if !a.ProxyEnabled {
			continue
		}
		if err := e.convergePanelClient(ctx, in, a); err != nil {
			e.logger.Error("panel sync: account failed", "username", a.Username, "err", err)
			metrics.AccountErrors.Inc()
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// convergePanelClient makes the panel client labelled a.Username match a.
//
// A missing client is added, reusing the stored UUID when it is valid. An
// existing client is always updated in place, addressed by its current
// UUID, even when the UUID itself changes: the panel keys its usage
// statistics by client identity, and remove plus add would lose them.
// Inactive accounts get a disabled client, never a removed one.
func (e *Engine) convergePanelClient(ctx context.Context, in *panel.Inbound, a *accountdb.Account) error {
	if a.Username == InstallerLabel {
		return nil
	}
	existing, found, err := in.ClientByEmail(a.Username)
	if err != nil {
		return fmt.Errorf("panel sync %q: %w", a.Username, err)
	}
	enable := a.Status == accountdb.StatusActive
	expiry := a.ExpireUnix * 1000

	if !found {
		id := a.PanelUUID
		if !panel.ValidUUID(id) {
			id = panel.NewClientUUID()
		}
		cl := in.NewClient(id, a.Username, a.MaxConnections, expiry)
		cl.Enable = enable
		if !e.panelMutation(ctx, "add", a.Username, func(ctx context.Context) error {
			return e.panel.AddClient(ctx, in.ID, cl)
		}) {
			return fmt.Errorf("panel sync %q: add client failed", a.Username)
		}
		e.logger.Info("panel sync: client added", "username", a.Username, "enable", enable)
		if id != a.PanelUUID || a.ProxyConfig == "" {
			return e.storePanelUUID(ctx, a, id)
		}
		return nil
	}

	if a.PanelUUID == "" {
		if err := e.storePanelUUID(ctx, a, existing.ID); err != nil {
			return err
		}
	}

	want := existing
	want.ID = a.PanelUUID
	want.Enable = enable
	want.LimitIP = a.MaxConnections
	want.ExpiryTime = expiry
	if clientSettingsEqual(existing, want) {
		return nil
	}
	if !e.panelMutation(ctx, "update", a.Username, func(ctx context.Context) error {
		return e.panel.UpdateClient(ctx, in.ID, existing.ID, want)
	}) {
		return fmt.Errorf("panel sync %q: update client failed", a.Username)
	}
	e.logger.Info("panel sync: client updated", "username", a.Username,
		"uuid_changed", existing.ID != want.ID, "enable", enable)
	return nil
}

func clientSettingsEqual(a, b panel.Client) bool {
	return a.ID == b.ID && a.Enable == b.Enable && a.LimitIP == b.LimitIP && a.ExpiryTime == b.ExpiryTime
}

// storePanelUUID records id for a and re-renders the proxy client config
// for it. A render failure keeps the previous config.
func (e *Engine) storePanelUUID(ctx context.Context, a *accountdb.Account, id string) error {
	cfg := e.renderProxyConfig(ctx, id)
	if cfg == "" {
		cfg = a.ProxyConfig
	}
	if err := e.store.SetPanelUUID(a.Username, id, cfg); err != nil {
		return fmt.Errorf("panel sync: %w", err)
	}
	a.PanelUUID = id
	a.ProxyConfig = cfg
	return nil
}

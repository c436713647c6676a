package reconcile

import (
	"context"
	"fmt"
	"slices"

	"github.com/hashicorp/go-multierror"

	"github.com/bigbes/awg-xui-reconciler/internal/accountdb"
	"github.com/bigbes/awg-xui-reconciler/internal/metrics"
)

// OrphanReport lists what RemoveOrphans deleted.
type OrphanReport struct {
	RegistryEntries []string
	// PeerKeys holds the first public key of every removed block.
	PeerKeys     []string
	PanelClients []string
	Restarted    bool
}

// Empty reports whether nothing was removed.
func (r *OrphanReport) Empty() bool {
	return len(r.RegistryEntries) == 0 && len(r.PeerKeys) == 0 && len(r.PanelClients) == 0
}

// knownAccounts indexes accounts by username and by public key.
type knownAccounts struct {
	names map[string]*accountdb.Account
	keys  map[string]*accountdb.Account
}

func (e *Engine) loadKnown() (knownAccounts, error) {
	accounts, err := e.store.List()
	if err != nil {
		return knownAccounts{}, err
	}
	k := knownAccounts{
		names: make(map[string]*accountdb.Account, len(accounts)),
		keys:  make(map[string]*accountdb.Account, len(accounts)),
	}
	for _, a := range accounts {
		k.names[a.Username] = a
		if a.PublicKey != "" {
			k.keys[a.PublicKey] = a
		}
	}
	return k, nil
}

func (k knownAccounts) name(n string) bool { _, ok := k.names[n]; return ok }
func (k knownAccounts) key(key string) bool { _, ok := k.keys[key]; return ok }

// RemoveOrphans deletes registry entries, peer blocks and panel clients
// that belong to no account. Blocks are matched on every key line, so a
// block whose key is commented out still counts as known. When the
// interface file changed the daemon is reloaded and then restarted; a
// registry-only cleanup just reloads.
func (e *Engine) RemoveOrphans(ctx context.Context) (*OrphanReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.clock.Now("reconcile", "orphans")
	report, err := e.removeOrphansLocked(ctx)
	metrics.CycleDuration.WithLabelValues("orphans").Observe(e.clock.Since(start, "reconcile", "orphans").Seconds())
	metrics.CyclesTotal.WithLabelValues("orphans", metrics.Result(err)).Inc()
	if report != nil && !report.Empty() {
		e.notifier.OrphansRemoved(ctx, report)
	}
	return report, err
}

func (e *Engine) removeOrphansLocked(ctx context.Context) (*OrphanReport, error) {
	known, err := e.loadKnown()
	if err != nil {
		return nil, fmt.Errorf("orphans: %w", err)
	}
	tbl, err := e.daemon.ReadClientsTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("orphans: %w", err)
	}
	f, err := e.daemon.ReadConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("orphans: %w", err)
	}

	report := &OrphanReport{}
	var result *multierror.Error

	report.RegistryEntries = tbl.RemoveUnknown(known.name)
	if len(report.RegistryEntries) > 0 {
		if err := e.writeClientsTable(ctx, tbl); err != nil {
			return report, fmt.Errorf("orphans: %w", err)
		}
		metrics.OrphansRemoved.WithLabelValues("registry").Add(float64(len(report.RegistryEntries)))
		e.logger.Info("orphans: registry entries removed", "names", report.RegistryEntries)
	}

	report.PeerKeys = f.RemoveOrphans(known.key)
	if len(report.PeerKeys) > 0 {
		metrics.OrphansRemoved.WithLabelValues("peer").Add(float64(len(report.PeerKeys)))
		e.logger.Info("orphans: peer blocks removed", "count", len(report.PeerKeys))
		if err := e.writeConfig(ctx, f); err != nil {
			result = multierror.Append(result, fmt.Errorf("orphans: %w", err))
		}
		err := e.daemon.Restart(ctx)
		metrics.Reloads.WithLabelValues("restart", metrics.Result(err)).Inc()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("orphans: %w", err))
		} else {
			report.Restarted = true
		}
	} else if len(report.RegistryEntries) > 0 {
		err := e.daemon.Reload(ctx)
		metrics.Reloads.WithLabelValues("reload", metrics.Result(err)).Inc()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("orphans: %w", err))
		}
	}

	if e.panel != nil {
		removed, err := e.removePanelOrphans(ctx, known)
		report.PanelClients = removed
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return report, result.ErrorOrNil()
}

func (e *Engine) removePanelOrphans(ctx context.Context, known knownAccounts) ([]string, error) {
	in, err := e.panel.Inbound(ctx)
	if err != nil {
		return nil, fmt.Errorf("orphans: %w", err)
	}
	clients, err := in.Clients()
	if err != nil {
		return nil, fmt.Errorf("orphans: %w", err)
	}
	var (
		removed []string
		result  *multierror.Error
	)
	for _, cl := range clients {
		if cl.Email == InstallerLabel || known.name(cl.Email) {
			continue
		}
		if !e.panelMutation(ctx, "remove", cl.Email, func(ctx context.Context) error {
			return e.panel.RemoveClient(ctx, in.ID, cl.ID)
		}) {
			result = multierror.Append(result, fmt.Errorf("orphans: removing panel client %q failed", cl.Email))
			continue
		}
		removed = append(removed, cl.Email)
	}
	if len(removed) > 0 {
		metrics.OrphansRemoved.WithLabelValues("panel").Add(float64(len(removed)))
		e.logger.Info("orphans: panel clients removed", "labels", removed)
	}
	return removed, result.ErrorOrNil()
}

// SyncReport describes drift between the stores without fixing it.
type SyncReport struct {
	MissingRegistry []string
	UnknownRegistry []string
	MissingPeers    []string
	UnknownPeers    []string
	// Panel fields stay empty when the panel is disabled.
	MissingPanel []string
	UnknownPanel []string
}

// InSync reports whether no drift was found.
func (r *SyncReport) InSync() bool {
	return len(r.MissingRegistry)+len(r.UnknownRegistry)+len(r.MissingPeers)+
		len(r.UnknownPeers)+len(r.MissingPanel)+len(r.UnknownPanel) == 0
}

// Check compares the stores and reports drift. It changes nothing.
func (e *Engine) Check(ctx context.Context) (*SyncReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	known, err := e.loadKnown()
	if err != nil {
		return nil, fmt.Errorf("check: %w", err)
	}
	tbl, err := e.daemon.ReadClientsTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("check: %w", err)
	}
	f, err := e.daemon.ReadConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("check: %w", err)
	}

	r := &SyncReport{}
	for _, name := range tbl.Names() {
		if !known.name(name) {
			r.UnknownRegistry = append(r.UnknownRegistry, name)
		}
	}
	for _, b := range f.Peers() {
		if !slices.ContainsFunc(b.Keys, known.key) {
			r.UnknownPeers = append(r.UnknownPeers, b.PublicKey)
		}
	}
	for name, a := range known.names {
		if _, ok := tbl.Find(name); !ok {
			r.MissingRegistry = append(r.MissingRegistry, name)
		}
		if _, ok := f.Peer(a.PublicKey); !ok {
			r.MissingPeers = append(r.MissingPeers, name)
		}
	}

	if e.panel != nil {
		in, err := e.panel.Inbound(ctx)
		if err != nil {
			return r, fmt.Errorf("check: %w", err)
		}
		clients, err := in.Clients()
		if err != nil {
			return r, fmt.Errorf("check: %w", err)
		}
		labels := make(map[string]bool, len(clients))
		for _, cl := range clients {
			labels[cl.Email] = true
			if cl.Email != InstallerLabel && !known.name(cl.Email) {
				r.UnknownPanel = append(r.UnknownPanel, cl.Email)
			}
		}
		for name, a := range known.names {
			if a.ProxyEnabled && !labels[name] {
				r.MissingPanel = append(r.MissingPanel, name)
			}
		}
	}

	slices.Sort(r.MissingRegistry)
	slices.Sort(r.MissingPeers)
	slices.Sort(r.MissingPanel)
	return r, nil
}

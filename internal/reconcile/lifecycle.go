package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/bigbes/awg-xui-reconciler/internal/accountdb"
	"github.com/bigbes/awg-xui-reconciler/internal/awg"
	"github.com/bigbes/awg-xui-reconciler/internal/metrics"
	"github.com/bigbes/awg-xui-reconciler/internal/panel"
	"github.com/bigbes/awg-xui-reconciler/internal/wgconf"
)

const day = 24 * time.Hour

// CreateParams describe a new account.
type CreateParams struct {
	Username string
	Days     int64
	// DataLimit is the quota in bytes; 0 means unlimited.
	DataLimit      int64
	MaxConnections int
	// Proxy provisions a panel client too. It is ignored when the panel is
	// disabled.
	Proxy bool
}

// CreateAccount provisions a new account: keys, address, peer block,
// registry entry, rendered client configs and, for proxy accounts, the
// panel client.
func (e *Engine) CreateAccount(ctx context.Context, p CreateParams) (*accountdb.Account, error) {
	if !accountdb.ValidUsername(p.Username) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUsername, p.Username)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.store.Get(p.Username); err == nil {
		return nil, fmt.Errorf("%w: %q", accountdb.ErrExists, p.Username)
	} else if !errors.Is(err, accountdb.ErrNotFound) {
		return nil, err
	}

	f, err := e.daemon.ReadConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("create %q: %w", p.Username, err)
	}
	priv, pub, err := awg.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("create %q: %w", p.Username, err)
	}
	prefix, err := e.nextAddress(f)
	if err != nil {
		return nil, fmt.Errorf("create %q: %w", p.Username, err)
	}
	address := prefix.String()

	// The block is written here, not by convergence, so that the client
	// config carries the preshared key the block was written with.
	psk, err := ensurePeerBlock(f, pub, address)
	if err != nil {
		return nil, fmt.Errorf("create %q: %w", p.Username, err)
	}
	conn, err := e.renderTunnelConfig(ctx, f, address, priv, psk)
	if err != nil {
		return nil, fmt.Errorf("create %q: %w", p.Username, err)
	}
	if err := e.writeConfig(ctx, f); err != nil {
		return nil, fmt.Errorf("create %q: %w", p.Username, err)
	}

	now := e.now()
	a := &accountdb.Account{
		Username:         p.Username,
		ExpireUnix:       now.Add(time.Duration(p.Days) * day).Unix(),
		DataLimit:        p.DataLimit,
		Status:           accountdb.StatusActive,
		PublicKey:        pub,
		Address:          address,
		MaxConnections:   p.MaxConnections,
		InstallationIDs:  []string{},
		ConnectionString: conn,
		CreatedAtUnix:    now.Unix(),
	}
	if p.Proxy && e.panel != nil {
		a.ProxyEnabled = true
		a.PanelUUID = panel.NewClientUUID()
		a.ProxyConfig = e.renderProxyConfig(ctx, a.PanelUUID)
	}
	a.Status = accountdb.DeriveStatus(a, now)
	if err := e.store.Create(a); err != nil {
		if f.RemovePeer(pub) {
			if werr := e.writeConfig(ctx, f); werr != nil {
				e.logger.Error("lifecycle: peer block of failed create left behind", "username", p.Username, "err", werr)
			}
		}
		return nil, err
	}
	e.logger.Info("lifecycle: account created", "username", a.Username, "address", address, "proxy", a.ProxyEnabled)

	if err := e.convergeLocked(ctx, a.Username); err != nil {
		return nil, err
	}
	return e.store.Get(a.Username)
}

// EditParams describe an operator edit. Days is the new number of days
// left; a value different from the current one renews the account.
type EditParams struct {
	Username  string
	Days      int64
	DataLimit int64
	// Status, when set, is applied as is instead of being derived.
	Status accountdb.Status
}

// EditAccount applies an operator edit. A renewal moves used traffic into
// the lifetime total and resets the panel's counters for the label; the
// panel UUID is kept.
func (e *Engine) EditAccount(ctx context.Context, p EditParams) (*accountdb.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.Get(p.Username)
	if err != nil {
		return nil, err
	}
	if p.Status != "" && !p.Status.Valid() {
		return nil, fmt.Errorf("edit %q: invalid status %q", p.Username, p.Status)
	}

	now := e.now()
	renew := accountdb.DaysLeft(a.ExpireUnix, now) != p.Days
	next := *a
	next.DataLimit = p.DataLimit
	if renew {
		next.ExpireUnix = now.Add(time.Duration(p.Days) * day).Unix()
		next.UsedTraffic, next.ProxyUsedTraffic = 0, 0
	}
	status := p.Status
	if status == "" {
		status = accountdb.DeriveStatus(&next, now)
	}

	if renew {
		if err := e.store.Renew(a.Username, next.ExpireUnix, next.DataLimit, status); err != nil {
			return nil, err
		}
		e.logger.Info("lifecycle: account renewed", "username", a.Username, "days", p.Days, "status", status)
		if a.ProxyEnabled && e.panel != nil {
			e.resetPanelTraffic(ctx, a.Username)
		}
	} else {
		if err := e.store.Edit(a.Username, next.ExpireUnix, next.DataLimit, status); err != nil {
			return nil, err
		}
		e.logger.Info("lifecycle: account edited", "username", a.Username, "status", status)
	}

	if err := e.convergeLocked(ctx, a.Username); err != nil {
		return nil, err
	}
	return e.store.Get(a.Username)
}

func (e *Engine) resetPanelTraffic(ctx context.Context, username string) {
	in, err := e.panel.Inbound(ctx)
	if err != nil {
		e.logger.Warn("lifecycle: panel traffic not reset", "username", username, "err", err)
		return
	}
	if !e.panelMutation(ctx, "reset_traffic", username, func(ctx context.Context) error {
		return e.panel.ResetClientTraffic(ctx, in.ID, username)
	}) {
		e.logger.Warn("lifecycle: panel traffic not reset", "username", username)
	}
}

// DeleteAccount removes the peer block, the registry entry, the account
// and the panel client, in that order.
func (e *Engine) DeleteAccount(ctx context.Context, username string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.Get(username)
	if err != nil {
		return err
	}
	f, err := e.daemon.ReadConfig(ctx)
	if err != nil {
		return fmt.Errorf("delete %q: %w", username, err)
	}
	tbl, err := e.daemon.ReadClientsTable(ctx)
	if err != nil {
		return fmt.Errorf("delete %q: %w", username, err)
	}
	if f.RemovePeer(a.PublicKey) {
		if err := e.writeConfig(ctx, f); err != nil {
			return fmt.Errorf("delete %q: %w", username, err)
		}
	}
	if tbl.Remove(username) {
		if err := e.writeClientsTable(ctx, tbl); err != nil {
			return fmt.Errorf("delete %q: %w", username, err)
		}
	}
	if err := e.store.Delete(username); err != nil {
		return err
	}
	e.logger.Info("lifecycle: account deleted", "username", username)

	if e.panel == nil || username == InstallerLabel {
		return nil
	}
	in, err := e.panel.Inbound(ctx)
	if err != nil {
		return fmt.Errorf("delete %q: %w", username, err)
	}
	cl, found, err := in.ClientByEmail(username)
	if err != nil || !found {
		return err
	}
	if !e.panelMutation(ctx, "remove", username, func(ctx context.Context) error {
		return e.panel.RemoveClient(ctx, in.ID, cl.ID)
	}) {
		return fmt.Errorf("delete %q: removing panel client failed", username)
	}
	return nil
}

// UnlockAccount re-keys an account: new tunnel keypair on the same
// address, new panel UUID, and no bound installations.
func (e *Engine) UnlockAccount(ctx context.Context, username string) (*accountdb.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.Get(username)
	if err != nil {
		return nil, err
	}
	f, err := e.daemon.ReadConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unlock %q: %w", username, err)
	}
	priv, pub, err := awg.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("unlock %q: %w", username, err)
	}
	f.SetPeerKey(a.PublicKey, pub)
	address := a.Address
	if address == "" {
		prefix, err := e.nextAddress(f)
		if err != nil {
			return nil, fmt.Errorf("unlock %q: %w", username, err)
		}
		address = prefix.String()
		if err := e.store.SetAddress(username, address); err != nil {
			return nil, err
		}
	}
	psk, err := ensurePeerBlock(f, pub, address)
	if err != nil {
		return nil, fmt.Errorf("unlock %q: %w", username, err)
	}
	conn, err := e.renderTunnelConfig(ctx, f, address, priv, psk)
	if err != nil {
		return nil, fmt.Errorf("unlock %q: %w", username, err)
	}
	if err := e.writeConfig(ctx, f); err != nil {
		return nil, fmt.Errorf("unlock %q: %w", username, err)
	}
	if err := e.store.SetPublicKey(username, pub, conn); err != nil {
		return nil, err
	}
	if err := e.store.MarkUnlocked(username); err != nil {
		return nil, err
	}
	if a.ProxyEnabled && e.panel != nil {
		id := panel.NewClientUUID()
		cfg := e.renderProxyConfig(ctx, id)
		if err := e.store.SetPanelUUID(username, id, cfg); err != nil {
			return nil, err
		}
	}
	e.logger.Info("lifecycle: account unlocked", "username", username)

	if err := e.convergeLocked(ctx, username); err != nil {
		return nil, err
	}
	return e.store.Get(username)
}

// ResetAccountUsage moves used traffic into the lifetime total and
// re-derives the status.
func (e *Engine) ResetAccountUsage(ctx context.Context, username string) (*accountdb.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.ResetUsage(username); err != nil {
		return nil, err
	}
	if err := e.refreshStatus(ctx, username); err != nil {
		return nil, err
	}
	e.logger.Info("lifecycle: usage reset", "username", username)
	if err := e.convergeLocked(ctx, username); err != nil {
		return nil, err
	}
	return e.store.Get(username)
}

// refreshStatus re-derives and stores the status of username.
func (e *Engine) refreshStatus(ctx context.Context, username string) error {
	a, err := e.store.Get(username)
	if err != nil {
		return err
	}
	next := accountdb.DeriveStatus(a, e.now())
	if next == a.Status {
		return nil
	}
	if err := e.store.SetStatus(username, next); err != nil {
		return err
	}
	e.notifier.StatusChanged(ctx, username, a.Status, next)
	return nil
}

// SetExpiry sets the expiry of every listed account to now plus days and
// converges them. Unknown usernames are returned, not treated as errors.
func (e *Engine) SetExpiry(ctx context.Context, days int64, usernames []string) (notFound []string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	expire := e.now().Add(time.Duration(days) * day).Unix()
	for _, name := range usernames {
		if err := e.store.SetExpiry(name, expire); errors.Is(err, accountdb.ErrNotFound) {
			notFound = append(notFound, name)
			continue
		} else if err != nil {
			return notFound, err
		}
		if err := e.refreshStatus(ctx, name); err != nil {
			return notFound, err
		}
		if err := e.convergeLocked(ctx, name); err != nil {
			return notFound, err
		}
	}
	return notFound, nil
}

// RegisterInstallation binds an installation id to an account. It returns
// false for an id that was already bound and accountdb.ErrMaxConnections
// when the account has no free slot.
func (e *Engine) RegisterInstallation(_ context.Context, username, installationID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.BindInstallation(username, installationID)
}

// AllocateNextAddress returns the first free tunnel address. Nothing is
// reserved; callers that need the address to stay free must write it
// before the engine runs again.
func (e *Engine) AllocateNextAddress(ctx context.Context) (netip.Prefix, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, err := e.daemon.ReadConfig(ctx)
	if err != nil {
		return netip.Prefix{}, err
	}
	return e.nextAddress(f)
}

func (e *Engine) nextAddress(f *wgconf.File) (netip.Prefix, error) {
	return e.opts.Range.Next(f.AllowedIPs())
}

// RestartDaemon restarts the tunnel daemon.
func (e *Engine) RestartDaemon(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.daemon.Restart(ctx)
	metrics.Reloads.WithLabelValues("restart", metrics.Result(err)).Inc()
	return err
}

package reconcile

import (
	"context"
	"fmt"

	"github.com/bigbes/awg-xui-reconciler/internal/accountdb"
	"github.com/bigbes/awg-xui-reconciler/internal/awg"
	"github.com/bigbes/awg-xui-reconciler/internal/wgconf"
)

// ConvergeAccount makes the peer block, the registry entry and, for proxy
// accounts, the panel client match the stored account. Running it twice
// on an unchanged account writes nothing the second time.
func (e *Engine) ConvergeAccount(ctx context.Context, username string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.convergeLocked(ctx, username)
}

func (e *Engine) convergeLocked(ctx context.Context, username string) error {
	a, err := e.store.Get(username)
	if err != nil {
		return fmt.Errorf("converge: %w", err)
	}
	if err := e.convergePeer(ctx, a); err != nil {
		return err
	}
	if !a.ProxyEnabled || e.panel == nil {
		return nil
	}
	in, err := e.panel.Inbound(ctx)
	if err != nil {
		return fmt.Errorf("converge %q: %w", username, err)
	}
	return e.convergePanelClient(ctx, in, a)
}

func (e *Engine) convergePeer(ctx context.Context, a *accountdb.Account) error {
	if a.PublicKey == "" {
		return fmt.Errorf("converge %q: account has no public key", a.Username)
	}
	f, err := e.daemon.ReadConfig(ctx)
	if err != nil {
		return fmt.Errorf("converge %q: %w", a.Username, err)
	}
	tbl, err := e.daemon.ReadClientsTable(ctx)
	if err != nil {
		return fmt.Errorf("converge %q: %w", a.Username, err)
	}
	before := f.String()
	if f.EnsureInterfaceEnabled() {
		e.logger.Warn("converge: interface section was commented out", "path", e.daemon.ConfigPath())
	}

	key := a.PublicKey
	if _, ok := f.Peer(key); !ok {
		// The registry may still carry the key the block was written with.
		if entry, ok := tbl.Find(a.Username); ok && entry.ClientID != "" && f.SetPeerKey(entry.ClientID, key) {
			e.logger.Info("converge: corrected peer key", "username", a.Username)
		}
	}

	if a.Address == "" {
		prefix, err := e.nextAddress(f)
		if err != nil {
			return fmt.Errorf("converge %q: %w", a.Username, err)
		}
		if err := e.store.SetAddress(a.Username, prefix.String()); err != nil {
			return fmt.Errorf("converge: %w", err)
		}
		a.Address = prefix.String()
		e.logger.Info("converge: allocated address", "username", a.Username, "address", a.Address)
	}

	if _, err := ensurePeerBlock(f, key, a.Address); err != nil {
		return fmt.Errorf("converge %q: %w", a.Username, err)
	}
	shouldEnable := a.Status == accountdb.StatusActive
	if !f.SetPeerEnabled(key, shouldEnable) {
		if enabled, found := f.PeerEnabled(key); found && enabled != shouldEnable {
			e.logger.Debug("converge: peer block left as is, unexpected shape", "username", a.Username)
		}
	}

	if f.String() != before {
		if err := e.writeConfig(ctx, f); err != nil {
			return fmt.Errorf("converge %q: %w", a.Username, err)
		}
		e.logger.Info("converge: peer updated", "username", a.Username, "enabled", shouldEnable)
	}

	if tbl.Ensure(a.Username, key, e.creationDate(a)) {
		if err := e.writeClientsTable(ctx, tbl); err != nil {
			return fmt.Errorf("converge %q: %w", a.Username, err)
		}
		e.logger.Info("converge: registry entry updated", "username", a.Username)
	}
	return nil
}

// ensurePeerBlock inserts an enabled block for key when the file has none,
// or corrects its address. It returns the preshared key of the block.
func ensurePeerBlock(f *wgconf.File, key, address string) (string, error) {
	if b, ok := f.Peer(key); ok {
		f.SetPeerAllowedIPs(key, address)
		if b.PresharedKey != "" {
			return b.PresharedKey, nil
		}
		return awg.PresharedKey(f)
	}
	psk, err := awg.PresharedKey(f)
	if err != nil {
		return "", err
	}
	f.InsertPeer(key, psk, address)
	return psk, nil
}

// Package awg drives the AmneziaWG daemon: its interface file, its client
// registry, live reloads, restarts and traffic counters.
package awg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/bigbes/awg-xui-reconciler/internal/clientstable"
	"github.com/bigbes/awg-xui-reconciler/internal/executor"
	"github.com/bigbes/awg-xui-reconciler/internal/wgconf"
)

// Config locates the daemon's files.
type Config struct {
	Interface    string
	Dir          string
	ConfigFile   string
	ClientsTable string
	// RestartCommands replace the default `wg-quick down` / `wg-quick up`
	// pair used by Restart.
	RestartCommands []string
}

// DefaultConfig matches the stock amnezia-awg container.
func DefaultConfig() Config {
	return Config{
		Interface:    "wg0",
		Dir:          "/opt/amnezia/awg",
		ConfigFile:   "wg0.conf",
		ClientsTable: "clientsTable",
	}
}

// Daemon is the tunnel daemon as seen through an executor.
type Daemon struct {
	cfg       Config
	exec      executor.Executor
	transfers TransferSource
	logger    *slog.Logger
}

// NewDaemon creates a Daemon. A nil transfers uses `wg show` through exec.
func NewDaemon(cfg Config, exec executor.Executor, transfers TransferSource, logger *slog.Logger) *Daemon {
	def := DefaultConfig()
	if cfg.Interface == "" {
		cfg.Interface = def.Interface
	}
	if cfg.Dir == "" {
		cfg.Dir = def.Dir
	}
	if cfg.ConfigFile == "" {
		cfg.ConfigFile = def.ConfigFile
	}
	if cfg.ClientsTable == "" {
		cfg.ClientsTable = def.ClientsTable
	}
	if transfers == nil {
		transfers = NewExecTransfers(exec, cfg.Interface)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Daemon{cfg: cfg, exec: exec, transfers: transfers, logger: logger}
}

// ConfigPath is the interface file path inside the daemon's environment.
func (d *Daemon) ConfigPath() string { return path.Join(d.cfg.Dir, d.cfg.ConfigFile) }

// ClientsTablePath is the registry path inside the daemon's environment.
func (d *Daemon) ClientsTablePath() string { return path.Join(d.cfg.Dir, d.cfg.ClientsTable) }

// ReadConfig reads and parses the interface file.
func (d *Daemon) ReadConfig(ctx context.Context) (*wgconf.File, error) {
	data, err := d.exec.ReadFile(ctx, d.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("awg: reading %s: %w", d.ConfigPath(), err)
	}
	return wgconf.Parse(string(data)), nil
}

// WriteConfig atomically replaces the interface file and reloads the
// daemon. A reload failure is returned, but the new file stays in place.
func (d *Daemon) WriteConfig(ctx context.Context, f *wgconf.File) error {
	if err := d.exec.WriteFile(ctx, d.ConfigPath(), f.Bytes()); err != nil {
		return fmt.Errorf("awg: writing %s: %w", d.ConfigPath(), err)
	}
	return d.Reload(ctx)
}

// Reload applies the interface file to the running interface without
// dropping sessions.
func (d *Daemon) Reload(ctx context.Context) error {
	cmd := fmt.Sprintf("cd %s && wg syncconf %s <(wg-quick strip ./%s)",
		shellquote.Join(d.cfg.Dir), d.cfg.Interface, d.cfg.ConfigFile)
	if _, err := d.exec.Run(ctx, cmd); err != nil {
		return fmt.Errorf("awg: reload: %w", err)
	}
	d.logger.Debug("awg: reloaded", "interface", d.cfg.Interface)
	return nil
}

// Restart takes the interface down and up again, or runs the configured
// restart commands. A failing down step is logged and the up step still
// runs; the interface may already have been down.
func (d *Daemon) Restart(ctx context.Context) error {
	cmds := d.cfg.RestartCommands
	if len(cmds) == 0 {
		dir := shellquote.Join(d.cfg.Dir)
		cmds = []string{
			fmt.Sprintf("cd %s && wg-quick down ./%s", dir, d.cfg.ConfigFile),
			fmt.Sprintf("cd %s && wg-quick up ./%s", dir, d.cfg.ConfigFile),
		}
	}
	var lastErr error
	for i, cmd := range cmds {
		_, err := d.exec.Run(ctx, cmd)
		if err == nil {
			continue
		}
		if i < len(cmds)-1 {
			d.logger.Warn("awg: restart step failed", "cmd", cmd, "err", err)
			lastErr = err
			continue
		}
		return fmt.Errorf("awg: restart: %w", err)
	}
	if lastErr != nil {
		d.logger.Info("awg: restarted after step failures", "interface", d.cfg.Interface)
	} else {
		d.logger.Info("awg: restarted", "interface", d.cfg.Interface)
	}
	return nil
}

// ReadClientsTable reads and parses the client registry.
func (d *Daemon) ReadClientsTable(ctx context.Context) (*clientstable.Table, error) {
	data, err := d.exec.ReadFile(ctx, d.ClientsTablePath())
	if err != nil {
		return nil, fmt.Errorf("awg: reading %s: %w", d.ClientsTablePath(), err)
	}
	t, err := clientstable.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("awg: %s: %w", d.ClientsTablePath(), err)
	}
	return t, nil
}

// WriteClientsTable atomically replaces the client registry.
func (d *Daemon) WriteClientsTable(ctx context.Context, t *clientstable.Table) error {
	data, err := t.Marshal()
	if err != nil {
		return err
	}
	if err := d.exec.WriteFile(ctx, d.ClientsTablePath(), data); err != nil {
		return fmt.Errorf("awg: writing %s: %w", d.ClientsTablePath(), err)
	}
	return nil
}

// Transfers returns the raw rx+tx counter per peer key.
func (d *Daemon) Transfers(ctx context.Context) (map[string]int64, error) {
	return d.transfers.Transfers(ctx)
}

// ServerPublicKey returns the interface public key, derived from the
// PrivateKey line of f when possible and asked from the daemon otherwise.
func (d *Daemon) ServerPublicKey(ctx context.Context, f *wgconf.File) (string, error) {
	if priv := f.InterfaceValue("PrivateKey"); priv != "" {
		if pub, err := PublicKey(priv); err == nil {
			return pub, nil
		}
	}
	out, err := d.exec.Run(ctx, "wg show "+d.cfg.Interface+" public-key")
	if err != nil {
		return "", fmt.Errorf("awg: server public key: %w", err)
	}
	if out == "" {
		return "", errors.New("awg: server public key: empty output")
	}
	return out, nil
}

// PresharedKey returns the preshared key shared by existing peers, or a
// fresh one when the file has no usable peer.
func PresharedKey(f *wgconf.File) (string, error) {
	for _, p := range f.Peers() {
		if psk := strings.TrimSpace(p.PresharedKey); psk != "" && psk != "(none)" {
			return psk, nil
		}
	}
	return GeneratePresharedKey()
}

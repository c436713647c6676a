// Package reconcile keeps the account store, the tunnel daemon's files and
// the proxy panel convergent.
//
// Every exported entry point takes the engine mutex, so the run loop, the
// scheduler and operator commands never interleave. The daemon files are
// re-read at the start of every operation.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/bigbes/awg-xui-reconciler/internal/accountdb"
	"github.com/bigbes/awg-xui-reconciler/internal/awg"
	"github.com/bigbes/awg-xui-reconciler/internal/clientstable"
	"github.com/bigbes/awg-xui-reconciler/internal/ipalloc"
	"github.com/bigbes/awg-xui-reconciler/internal/metrics"
	"github.com/bigbes/awg-xui-reconciler/internal/panel"
	"github.com/bigbes/awg-xui-reconciler/internal/retry"
	"github.com/bigbes/awg-xui-reconciler/internal/wgconf"
)

// InstallerLabel is the panel client the engine never touches.
const InstallerLabel = "installer"

// ErrInvalidUsername is returned for usernames outside [a-zA-Z0-9_].
var ErrInvalidUsername = errors.New("reconcile: invalid username")

// Panel is the subset of the panel API the engine drives.
type Panel interface {
	Inbound(ctx context.Context) (*panel.Inbound, error)
	AddClient(ctx context.Context, inboundID int, cl panel.Client) error
	UpdateClient(ctx context.Context, inboundID int, oldUUID string, cl panel.Client) error
	RemoveClient(ctx context.Context, inboundID int, clientUUID string) error
	ResetClientTraffic(ctx context.Context, inboundID int, email string) error
}

// Notifier is told about events an operator may care about.
type Notifier interface {
	StatusChanged(ctx context.Context, username string, from, to accountdb.Status)
	OrphansRemoved(ctx context.Context, report *OrphanReport)
}

// Options configure an Engine. Zero values get defaults.
type Options struct {
	// DNS servers written into rendered tunnel client configs.
	DNS   []string
	Itime string
	I1    string
	// ServerAddress is the public host clients dial for the tunnel.
	ServerAddress string
	// ProxyServerAddress is the host written into proxy client configs;
	// empty means ServerAddress.
	ProxyServerAddress string
	// Location renders registry creation dates.
	Location     *time.Location
	Range        ipalloc.Range
	PanelInfoTTL time.Duration
	Retry        retry.Options
	Clock        quartz.Clock
	Notifier     Notifier
	Logger       *slog.Logger
}

// Engine runs the accounting, convergence and cleanup passes.
type Engine struct {
	mu sync.Mutex

	store  *accountdb.Store
	daemon *awg.Daemon
	panel  Panel
	info   *panel.InfoCache

	opts     Options
	clock    quartz.Clock
	notifier Notifier
	logger   *slog.Logger
}

// New creates an Engine. A nil pnl disables everything panel related.
func New(store *accountdb.Store, daemon *awg.Daemon, pnl Panel, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if !opts.Range.Start.IsValid() {
		opts.Range = ipalloc.DefaultRange()
	}
	if opts.ProxyServerAddress == "" {
		opts.ProxyServerAddress = opts.ServerAddress
	}
	e := &Engine{
		store:    store,
		daemon:   daemon,
		panel:    pnl,
		opts:     opts,
		clock:    opts.Clock,
		notifier: opts.Notifier,
		logger:   opts.Logger,
	}
	if pnl != nil {
		e.info = panel.NewInfoCache(pnl, opts.Clock, opts.PanelInfoTTL)
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	return e
}

// PanelEnabled reports whether the engine manages panel clients.
func (e *Engine) PanelEnabled() bool { return e.panel != nil }

// SetNotifier replaces the notifier. A nil n disables notifications.
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n == nil {
		n = nopNotifier{}
	}
	e.notifier = n
}

// Account returns the stored record for username.
func (e *Engine) Account(username string) (*accountdb.Account, error) {
	return e.store.Get(username)
}

// Accounts returns every stored record ordered by username.
func (e *Engine) Accounts() ([]*accountdb.Account, error) {
	return e.store.List()
}

func (e *Engine) now() time.Time {
	return e.clock.Now("reconcile", "now")
}

// creationDate is the registry date for a: its expiry, or now when the
// account has none.
func (e *Engine) creationDate(a *accountdb.Account) string {
	t := e.now()
	if a.ExpireUnix != 0 {
		t = time.Unix(a.ExpireUnix, 0)
	}
	return clientstable.CreationDate(t.In(e.opts.Location))
}

func (e *Engine) writeConfig(ctx context.Context, f *wgconf.File) error {
	err := e.daemon.WriteConfig(ctx, f)
	metrics.FileWrites.WithLabelValues("config").Inc()
	metrics.Reloads.WithLabelValues("reload", metrics.Result(err)).Inc()
	return err
}

func (e *Engine) writeClientsTable(ctx context.Context, t *clientstable.Table) error {
	metrics.FileWrites.WithLabelValues("clients_table").Inc()
	return e.daemon.WriteClientsTable(ctx, t)
}

// panelMutation runs fn through the retry wrapper and reports whether some
// attempt succeeded.
func (e *Engine) panelMutation(ctx context.Context, op, label string, fn func(context.Context) error) bool {
	opts := e.opts.Retry
	opts.Logger = e.logger.With("label", label)
	if opts.Timer == nil {
		opts.Timer = retry.ClockTimer(e.clock)
	}
	ok := retry.Do(ctx, opts, "panel "+op, func(ctx context.Context) (bool, error) {
		if err := fn(ctx); err != nil {
			return false, err
		}
		return true, nil
	})
	result := "ok"
	if !ok {
		result = "error"
	}
	metrics.PanelMutations.WithLabelValues(op, result).Inc()
	return ok
}

// proxyTraffic returns the panel's up+down per label, or nil when the panel
// is disabled or unreachable.
func (e *Engine) proxyTraffic(ctx context.Context) map[string]int64 {
	if e.panel == nil {
		return nil
	}
	in, err := e.panel.Inbound(ctx)
	if err != nil {
		e.logger.Warn("accounting: panel traffic unavailable", "err", err)
		return nil
	}
	return in.Traffic()
}

func (e *Engine) renderProxyConfig(ctx context.Context, clientUUID string) string {
	if e.info == nil {
		return ""
	}
	in, err := e.info.Get(ctx)
	if err != nil {
		e.logger.Warn("panel: inbound info unavailable", "err", err)
		return ""
	}
	cfg, err := panel.ClientConfig(in, clientUUID, e.opts.ProxyServerAddress)
	if err != nil {
		e.logger.Warn("panel: rendering client config", "err", err)
		return ""
	}
	return cfg
}

// renderTunnelConfig renders the client side of the peer keyed by the
// public half of privateKey.
func (e *Engine) renderTunnelConfig(ctx context.Context, f *wgconf.File, address, privateKey, psk string) (string, error) {
	serverKey, err := e.daemon.ServerPublicKey(ctx, f)
	if err != nil {
		return "", err
	}
	return awg.RenderClientConfig(f, awg.ClientParams{
		Address:         address,
		PrivateKey:      privateKey,
		DNS:             e.opts.DNS,
		Itime:           e.opts.Itime,
		I1:              e.opts.I1,
		ServerPublicKey: serverKey,
		PresharedKey:    psk,
		ServerAddress:   e.opts.ServerAddress,
	})
}

type nopNotifier struct{}

func (nopNotifier) StatusChanged(context.Context, string, accountdb.Status, accountdb.Status) {}
func (nopNotifier) OrphansRemoved(context.Context, *OrphanReport)                            {}

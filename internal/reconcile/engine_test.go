package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/goleak"

	"github.com/bigbes/awg-xui-reconciler/internal/accountdb"
	"github.com/bigbes/awg-xui-reconciler/internal/awg"
	"github.com/bigbes/awg-xui-reconciler/internal/clientstable"
	"github.com/bigbes/awg-xui-reconciler/internal/executor/executortest"
	"github.com/bigbes/awg-xui-reconciler/internal/panel"
	"github.com/bigbes/awg-xui-reconciler/internal/wgconf"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const realityStream = `{"network":"tcp","security":"reality","realitySettings":{"serverNames":["www.example.com"],"shortIds":["ab12"],"settings":{"publicKey":"pbk","fingerprint":"chrome"}}}`

// fakePanel is an in-memory panel with one vless inbound. Only mutations
// are recorded in calls.
type fakePanel struct {
	mu      sync.Mutex
	clients []panel.Client
	traffic map[string]int64
	calls   []string
	fail    map[string]bool
	down    bool
}

func newFakePanel() *fakePanel {
	return &fakePanel{traffic: map[string]int64{}, fail: map[string]bool{}}
}

func (p *fakePanel) Inbound(context.Context) (*panel.Inbound, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return nil, fmt.Errorf("panel down")
	}
	settings, err := json.Marshal(map[string]any{"clients": p.clients})
	if err != nil {
		return nil, err
	}
	in := &panel.Inbound{
		ID:             3,
		Enable:         true,
		Port:           443,
		Protocol:       "vless",
		Settings:       string(settings),
		StreamSettings: realityStream,
	}
	for email, n := range p.traffic {
		in.ClientStats = append(in.ClientStats, panel.ClientStat{Email: email, Up: n})
	}
	return in, nil
}

func (p *fakePanel) AddClient(_ context.Context, inboundID int, cl panel.Client) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "add "+cl.Email)
	if p.fail["add"] {
		return fmt.Errorf("add refused")
	}
	p.clients = append(p.clients, cl)
	return nil
}

func (p *fakePanel) UpdateClient(_ context.Context, inboundID int, oldUUID string, cl panel.Client) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "update "+oldUUID+" "+cl.Email)
	if p.fail["update"] {
		return fmt.Errorf("update refused")
	}
	for i := range p.clients {
		if p.clients[i].ID == oldUUID {
			p.clients[i] = cl
			return nil
		}
	}
	return fmt.Errorf("client %s not found", oldUUID)
}

func (p *fakePanel) RemoveClient(_ context.Context, inboundID int, clientUUID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "remove "+clientUUID)
	p.clients = slices.DeleteFunc(p.clients, func(c panel.Client) bool { return c.ID == clientUUID })
	return nil
}

func (p *fakePanel) ResetClientTraffic(_ context.Context, inboundID int, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "reset "+email)
	p.traffic[email] = 0
	return nil
}

func (p *fakePanel) client(email string) (panel.Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		if c.Email == email {
			return c, true
		}
	}
	return panel.Client{}, false
}

func (p *fakePanel) addRaw(cl panel.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients = append(p.clients, cl)
}

func (p *fakePanel) setID(email, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.clients {
		if p.clients[i].Email == email {
			p.clients[i].ID = id
		}
	}
}

func (p *fakePanel) setTraffic(email string, n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.traffic[email] = n
}

func (p *fakePanel) takeCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	calls := p.calls
	p.calls = nil
	return calls
}

type statusEvent struct {
	username string
	from, to accountdb.Status
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []statusEvent
	orphans  []*OrphanReport
}

func (n *recordingNotifier) StatusChanged(_ context.Context, username string, from, to accountdb.Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, statusEvent{username, from, to})
}

func (n *recordingNotifier) OrphansRemoved(_ context.Context, r *OrphanReport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orphans = append(n.orphans, r)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	dbPath   string
	store    *accountdb.Store
	exec     *executortest.Fake
	daemon   *awg.Daemon
	panel    *fakePanel
	clock    *quartz.Mock
	notifier *recordingNotifier
	engine   *Engine
}

func newHarness(t *testing.T, withPanel bool) *harness {
	t.Helper()
	ctx := context.Background()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	dbPath := filepath.Join(t.TempDir(), "accounts.sqlite")
	store, err := accountdb.Open(dbPath, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	priv, _, err := awg.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	exec := executortest.New()
	daemon := awg.NewDaemon(awg.Config{}, exec, nil, logger)
	exec.SetFile(daemon.ConfigPath(), []byte(fmt.Sprintf(`[Interface]
PrivateKey = %s
Address = 10.8.1.0/24
ListenPort = 51820
Jc = 4
Jmin = 10
Jmax = 50

`, priv)))
	exec.SetFile(daemon.ClientsTablePath(), []byte(`[]`))

	clock := quartz.NewMock(t)
	clock.Set(testStart).MustWait(ctx)

	h := &harness{
		t:        t,
		ctx:      ctx,
		dbPath:   dbPath,
		store:    store,
		exec:     exec,
		daemon:   daemon,
		clock:    clock,
		notifier: &recordingNotifier{},
	}
	var pnl Panel
	if withPanel {
		h.panel = newFakePanel()
		pnl = h.panel
	}
	h.engine = New(store, daemon, pnl, Options{
		DNS:           []string{"1.1.1.1", "1.0.0.1"},
		ServerAddress: "vpn.example.net",
		Location:      time.UTC,
		Clock:         clock,
		Notifier:      h.notifier,
		Logger:        logger,
	})
	return h
}

func (h *harness) create(name string, limit int64, proxy bool) *accountdb.Account {
	h.t.Helper()
	a, err := h.engine.CreateAccount(h.ctx, CreateParams{
		Username:       name,
		Days:           30,
		DataLimit:      limit,
		MaxConnections: 1,
		Proxy:          proxy,
	})
	if err != nil {
		h.t.Fatalf("CreateAccount(%s): %v", name, err)
	}
	return a
}

func (h *harness) account(name string) *accountdb.Account {
	h.t.Helper()
	a, err := h.store.Get(name)
	if err != nil {
		h.t.Fatal(err)
	}
	return a
}

func (h *harness) config() *wgconf.File {
	h.t.Helper()
	data, ok := h.exec.File(h.daemon.ConfigPath())
	if !ok {
		h.t.Fatal("interface file missing")
	}
	return wgconf.Parse(string(data))
}

func (h *harness) table() *clientstable.Table {
	h.t.Helper()
	data, _ := h.exec.File(h.daemon.ClientsTablePath())
	tbl, err := clientstable.Parse(data)
	if err != nil {
		h.t.Fatal(err)
	}
	return tbl
}

func (h *harness) setTable(tbl *clientstable.Table) {
	h.t.Helper()
	data, err := tbl.Marshal()
	if err != nil {
		h.t.Fatal(err)
	}
	h.exec.SetFile(h.daemon.ClientsTablePath(), data)
}

func (h *harness) setTransfers(lines string) {
	h.exec.Outputs["wg show wg0 transfer"] = lines
}

func (h *harness) peerEnabled(key string) bool {
	h.t.Helper()
	enabled, found := h.config().PeerEnabled(key)
	if !found {
		h.t.Fatalf("no peer block for %s", key)
	}
	return enabled
}

func (h *harness) advance(d time.Duration) {
	h.clock.Set(h.clock.Now().Add(d)).MustWait(h.ctx)
}

package accountdb

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := Open(path, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateGet(t *testing.T) {
	s := testStore(t)
	want := &Account{
		Username:         "alice",
		ExpireUnix:       1_800_000_000,
		DataLimit:        10 << 30,
		Status:           StatusActive,
		PublicKey:        "pk=",
		Address:          "10.8.1.2/32",
		MaxConnections:   2,
		InstallationIDs:  []string{},
		PanelUUID:        "u-1",
		ProxyEnabled:     true,
		ConnectionString: "[Interface]",
		ProxyConfig:      "{}",
		CreatedAtUnix:    1_700_000_000,
	}
	if err := s.Create(want); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("alice")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("account mismatch (-want +got):\n%s", diff)
	}

	if err := s.Create(&Account{Username: "alice"}); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate create: got %v, want ErrExists", err)
	}
	if _, err := s.Get("nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing get: got %v, want ErrNotFound", err)
	}
}

func TestCreateDefaults(t *testing.T) {
	s := testStore(t)
	if err := s.Create(&Account{Username: "bob"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("bob")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusActive || got.MaxConnections != 1 || len(got.InstallationIDs) != 0 {
		t.Fatalf("unexpected defaults: %+v", got)
	}
}

func TestListFilters(t *testing.T) {
	s := testStore(t)
	for _, a := range []*Account{
		{Username: "a", Status: StatusActive},
		{Username: "b", Status: StatusLimited},
		{Username: "c", Status: StatusExpired},
		{Username: "d", Status: StatusDisabled},
	} {
		if err := s.Create(a); err != nil {
			t.Fatal(err)
		}
	}
	names := func(accts []*Account, err error) []string {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		var out []string
		for _, a := range accts {
			out = append(out, a.Username)
		}
		return out
	}
	if diff := cmp.Diff([]string{"a", "b", "c", "d"}, names(s.List())); diff != "" {
		t.Errorf("List (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"b", "c"}, names(s.ListByStatus(StatusLimited, StatusExpired))); diff != "" {
		t.Errorf("ListByStatus (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, names(s.ListNotStatus(StatusDisabled))); diff != "" {
		t.Errorf("ListNotStatus (-want +got):\n%s", diff)
	}
}

func TestMutationsOnMissingAccount(t *testing.T) {
	s := testStore(t)
	for name, err := range map[string]error{
		"delete":     s.Delete("x"),
		"status":     s.SetStatus("x", StatusActive),
		"traffic":    s.SetTraffic("x", 1, 1),
		"proxy":      s.SetProxyTraffic("x", 1, 1),
		"panel uuid": s.SetPanelUUID("x", "u", ""),
		"public key": s.SetPublicKey("x", "k", ""),
		"expiry":     s.SetExpiry("x", 1),
		"address":    s.SetAddress("x", "10.8.1.2/32"),
		"reset":      s.ResetUsage("x"),
		"renew":      s.Renew("x", 1, 0, StatusActive),
	} {
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: got %v, want ErrNotFound", name, err)
		}
	}
	if err := s.SetStatus("x", "bogus"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("invalid status: got %v", err)
	}
}

func TestIncrement(t *testing.T) {
	tests := []struct {
		raw, last, want int64
	}{
		{200, 1000, 200},
		{1500, 1000, 500},
		{1000, 1000, 0},
		{0, 0, 0},
		{0, 1000, 0},
	}
	for _, tt := range tests {
		if got := Increment(tt.raw, tt.last); got != tt.want {
			t.Errorf("Increment(%d, %d) = %d, want %d", tt.raw, tt.last, got, tt.want)
		}
	}
}

// TestMonotonicTotals feeds a counter sequence with daemon resets through
// the accounting arithmetic and a usage reset, checking the grand total
// never decreases.
func TestMonotonicTotals(t *testing.T) {
	s := testStore(t)
	if err := s.Create(&Account{Username: "alice"}); err != nil {
		t.Fatal(err)
	}

	var prev int64
	for i, raw := range []int64{100, 250, 250, 40, 90, 0, 500} {
		a, err := s.Get("alice")
		if err != nil {
			t.Fatal(err)
		}
		used := a.UsedTraffic + Increment(raw, a.LastCapturedTraffic)
		if err := s.SetTraffic("alice", used, raw); err != nil {
			t.Fatal(err)
		}
		if i == 3 {
			if err := s.ResetUsage("alice"); err != nil {
				t.Fatal(err)
			}
		}
		a, err = s.Get("alice")
		if err != nil {
			t.Fatal(err)
		}
		if total := a.TotalTraffic(); total < prev {
			t.Fatalf("step %d: total went from %d to %d", i, prev, total)
		} else {
			prev = total
		}
	}
	// 100 + 150 + 0 + 40 + 50 + 0 + 500
	if prev != 840 {
		t.Fatalf("final total = %d, want 840", prev)
	}
}

func TestResetAndRenew(t *testing.T) {
	s := testStore(t)
	if err := s.Create(&Account{Username: "alice", Status: StatusLimited, DataLimit: 100, ExpireUnix: 10}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTraffic("alice", 80, 1000); err != nil {
		t.Fatal(err)
	}
	if err := s.SetProxyTraffic("alice", 30, 300); err != nil {
		t.Fatal(err)
	}
	if err := s.ResetUsage("alice"); err != nil {
		t.Fatal(err)
	}
	a, _ := s.Get("alice")
	if a.UsedTraffic != 0 || a.ProxyUsedTraffic != 0 || a.LifetimeUsedTraffic != 110 {
		t.Fatalf("after reset: %+v", a)
	}
	if a.LastCapturedTraffic != 1000 || a.ProxyLastCapturedTraffic != 300 {
		t.Fatalf("reset moved counter baselines: %+v", a)
	}

	if err := s.SetTraffic("alice", 5, 1005); err != nil {
		t.Fatal(err)
	}
	if err := s.Renew("alice", 99, 200, StatusActive); err != nil {
		t.Fatal(err)
	}
	a, _ = s.Get("alice")
	if a.UsedTraffic != 0 || a.LifetimeUsedTraffic != 115 || a.ExpireUnix != 99 || a.DataLimit != 200 || a.Status != StatusActive {
		t.Fatalf("after renew: %+v", a)
	}
}

func TestBindInstallation(t *testing.T) {
	s := testStore(t)
	if err := s.Create(&Account{Username: "alice", MaxConnections: 2}); err != nil {
		t.Fatal(err)
	}
	for _, tt := range []struct {
		id      string
		bound   bool
		wantErr error
	}{
		{"i1", true, nil},
		{"i1", false, nil},
		{"i2", true, nil},
		{"i3", false, ErrMaxConnections},
	} {
		bound, err := s.BindInstallation("alice", tt.id)
		if !errors.Is(err, tt.wantErr) || bound != tt.bound {
			t.Fatalf("bind %s: got (%v, %v), want (%v, %v)", tt.id, bound, err, tt.bound, tt.wantErr)
		}
	}

	if err := s.SetPublicKey("alice", "new=", "cfg"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkUnlocked("alice"); err != nil {
		t.Fatal(err)
	}
	a, _ := s.Get("alice")
	if len(a.InstallationIDs) != 0 || !a.HasBeenUnlocked || a.PublicKey != "new=" {
		t.Fatalf("after unlock: %+v", a)
	}
	if _, err := s.BindInstallation("nobody", "i"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("bind on missing account: %v", err)
	}
}

func TestDeriveStatus(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	future := now.Add(24 * time.Hour).Unix()
	past := now.Add(-time.Second).Unix()

	tests := []struct {
		name string
		a    Account
		want Status
	}{
		{"active", Account{Status: StatusActive, ExpireUnix: future}, StatusActive},
		{"unlimited", Account{Status: StatusActive, ExpireUnix: future, UsedTraffic: 1 << 40}, StatusActive},
		{"expired", Account{Status: StatusActive, ExpireUnix: past}, StatusExpired},
		{"limited by sum", Account{Status: StatusActive, ExpireUnix: future, DataLimit: 100, UsedTraffic: 60, ProxyUsedTraffic: 40}, StatusLimited},
		{"limited back to active", Account{Status: StatusLimited, ExpireUnix: future, DataLimit: 100, UsedTraffic: 10}, StatusActive},
		{"expired wins over limited", Account{Status: StatusActive, ExpireUnix: past, DataLimit: 1, UsedTraffic: 5}, StatusExpired},
		{"disabled kept", Account{Status: StatusDisabled, ExpireUnix: past}, StatusDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveStatus(&tt.a, now); got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDaysLeft(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	const day = 86400
	tests := []struct {
		expire int64
		want   int64
	}{
		{now.Unix(), 1},
		{now.Unix() + 1, 1},
		{now.Unix() + day, 2},
		{now.Unix() + 30*day - 1, 30},
		{now.Unix() - 1, 0},
		{now.Unix() - day, 0},
		{now.Unix() - day - 1, -1},
	}
	for _, tt := range tests {
		if got := DaysLeft(tt.expire, now); got != tt.want {
			t.Errorf("DaysLeft(now%+d) = %d, want %d", tt.expire-now.Unix(), got, tt.want)
		}
	}
}

func TestValidUsername(t *testing.T) {
	for name, want := range map[string]bool{"alice_01": true, "": false, "a-b": false, "a b": false, "Ünï": false} {
		if got := ValidUsername(name); got != want {
			t.Errorf("ValidUsername(%q) = %v, want %v", name, got, want)
		}
	}
}

package commands

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bigbes/awg-xui-reconciler/internal/config"
	"github.com/bigbes/awg-xui-reconciler/internal/panel"
	"github.com/bigbes/awg-xui-reconciler/internal/reconcile"
)

var _ reconcile.Panel = (*panel.API)(nil)

func TestOpenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reconciler.yaml")
	cfg := config.Default()
	cfg.Database = filepath.Join(dir, "accounts.sqlite")
	cfg.Executor.Mode = "local"
	cfg.AWG.ServerAddress = "vpn.example.net"
	cfg.LogFile = filepath.Join(dir, "reconciler.log")
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	e, err := openEnv(path, &out)
	if err != nil {
		t.Fatal(err)
	}
	if e.engine.PanelEnabled() {
		t.Error("panel enabled without panel config")
	}
	accounts, err := e.engine.Accounts()
	if err != nil || len(accounts) != 0 {
		t.Fatalf("accounts %v, err %v", accounts, err)
	}

	e.logger.Info("hello from test")
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "hello from test") {
		t.Errorf("stderr output %q", out.String())
	}
	data, err := os.ReadFile(cfg.LogFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Errorf("log file %q", data)
	}
}

func TestOpenEnvWithPanel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reconciler.yaml")
	cfg := config.Default()
	cfg.Database = filepath.Join(dir, "accounts.sqlite")
	cfg.AWG.ServerAddress = "vpn.example.net"
	cfg.Panel.Enabled = true
	cfg.Panel.URL = "http://127.0.0.1:1"
	cfg.Panel.Username = "admin"
	cfg.Panel.InboundPort = 443
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	e, err := openEnv(path, &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	if !e.engine.PanelEnabled() {
		t.Error("panel disabled")
	}
}

func TestObservabilityServer(t *testing.T) {
	if srv := observabilityServer(config.ObservabilityHTTPConfig{}); srv != nil {
		t.Fatal("server built without address")
	}

	srv := observabilityServer(config.ObservabilityHTTPConfig{Addr: "127.0.0.1:0", Metrics: true})
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "reconciler_") {
		t.Fatalf("metrics: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("pprof served while disabled: %d", rec.Code)
	}
}

package commands

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bigbes/awg-xui-reconciler/internal/accountdb"
	"github.com/bigbes/awg-xui-reconciler/internal/awg"
	"github.com/bigbes/awg-xui-reconciler/internal/config"
	"github.com/bigbes/awg-xui-reconciler/internal/executor"
	"github.com/bigbes/awg-xui-reconciler/internal/panel"
	"github.com/bigbes/awg-xui-reconciler/internal/reconcile"
)

const defaultConfigPath = "configs/reconciler.yaml"

// env is everything a command needs to drive the engine.
type env struct {
	cfg    *config.Config
	store  *accountdb.Store
	daemon *awg.Daemon
	engine *reconcile.Engine
	logger *slog.Logger
	closer io.Closer
}

// newLogger builds the process logger. With log_file set, records also go
// to a rotated file.
func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, io.Closer) {
	var closer io.Closer
	if cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogRotation.MaxSizeMB,
			MaxBackups: cfg.LogRotation.MaxBackups,
			MaxAge:     cfg.LogRotation.MaxAgeDays,
			Compress:   true,
		}
		w = io.MultiWriter(w, lj)
		closer = lj
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.ParseLogLevel()})), closer
}

func openEnv(configPath string, out io.Writer) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, logCloser := newLogger(cfg, out)

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	rng, err := cfg.Range()
	if err != nil {
		return nil, err
	}

	var exec executor.Executor
	switch cfg.Executor.Mode {
	case "local":
		exec = executor.NewLocal(nil)
	default:
		exec = executor.NewContainer(cfg.Executor.Container, nil)
	}
	var transfers awg.TransferSource
	if cfg.AWG.TransferSource == "wgctrl" {
		transfers = awg.NewWgctrlTransfers(cfg.AWG.Interface)
	}
	daemon := awg.NewDaemon(cfg.Daemon(), exec, transfers, logger)

	store, err := accountdb.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	var pnl reconcile.Panel
	if cfg.Panel.Enabled {
		client, err := panel.New(cfg.PanelClient(), logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		pnl = client
	}

	engine := reconcile.New(store, daemon, pnl, reconcile.Options{
		DNS:                cfg.AWG.DNS,
		Itime:              cfg.AWG.Itime,
		I1:                 cfg.AWG.I1,
		ServerAddress:      cfg.AWG.ServerAddress,
		ProxyServerAddress: cfg.Panel.ServerAddress,
		Location:           loc,
		Range:              rng,
		PanelInfoTTL:       cfg.PanelCacheTTL(),
		Retry:              cfg.RetryOptions(),
		Logger:             logger,
	})

	return &env{
		cfg:    cfg,
		store:  store,
		daemon: daemon,
		engine: engine,
		logger: logger,
		closer: logCloser,
	}, nil
}

func (e *env) Close() error {
	var result *multierror.Error
	if err := e.store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if e.closer != nil {
		if err := e.closer.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// mustOpen opens the environment or exits.
func mustOpen(configPath string, logger *slog.Logger) *env {
	e, err := openEnv(configPath, os.Stderr)
	if err != nil {
		logger.Error("failed to initialize", "config", configPath, "err", err)
		os.Exit(1)
	}
	return e
}

// exit closes e, logs err and terminates the process.
func (e *env) exit(msg string, err error) {
	e.logger.Error(msg, "err", err)
	e.Close()
	os.Exit(1)
}

func requireFlag(fs *flag.FlagSet, name, value string) {
	if value == "" {
		fmt.Fprintf(os.Stderr, "error: -%s is required\n", name)
		fs.Usage()
		os.Exit(1)
	}
}

package commands

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bigbes/awg-xui-reconciler/internal/config"
)

func Init(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	serverAddress := fs.String("server-address", "", "public host clients dial (required)")
	mode := fs.String("executor", "docker", "how to reach the daemon: docker or local")
	panelURL := fs.String("panel-url", "", "3x-ui panel URL; empty disables the panel")
	panelUser := fs.String("panel-user", "admin", "panel username")
	panelPassword := fs.String("panel-password", "", "panel password")
	inboundPort := fs.Int("inbound-port", 443, "port of the panel inbound holding the clients")
	force := fs.Bool("force", false, "overwrite an existing config")
	fs.Parse(args)
	requireFlag(fs, "server-address", *serverAddress)

	if _, err := os.Stat(*configPath); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "error: %s already exists (use -force to overwrite)\n", *configPath)
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.Database = filepath.Join(filepath.Dir(*configPath), "accounts.sqlite")
	cfg.Executor.Mode = *mode
	cfg.AWG.ServerAddress = *serverAddress
	if *panelURL != "" {
		cfg.Panel.Enabled = true
		cfg.Panel.URL = *panelURL
		cfg.Panel.Username = *panelUser
		cfg.Panel.Password = *panelPassword
		cfg.Panel.InboundPort = *inboundPort
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid settings", "err", err)
		os.Exit(1)
	}
	if err := cfg.Save(*configPath); err != nil {
		logger.Error("failed to write config", "err", err)
		os.Exit(1)
	}

	fmt.Println("=== Config initialized ===")
	fmt.Printf("Config:     %s\n", *configPath)
	fmt.Printf("Database:   %s\n", cfg.Database)
	fmt.Printf("Executor:   %s\n", cfg.Executor.Mode)
	fmt.Printf("Server:     %s\n", cfg.AWG.ServerAddress)
	if cfg.Panel.Enabled {
		fmt.Printf("Panel:      %s (inbound port %d)\n", cfg.Panel.URL, cfg.Panel.InboundPort)
	} else {
		fmt.Println("Panel:      disabled")
	}
	fmt.Println()
	fmt.Println("Run 'reconciler check' to compare the daemon with the account store.")
	fmt.Println("Run 'reconciler create -name <user>' to add accounts.")
}

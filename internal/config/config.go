package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bigbes/awg-xui-reconciler/internal/awg"
	"github.com/bigbes/awg-xui-reconciler/internal/ipalloc"
	"github.com/bigbes/awg-xui-reconciler/internal/panel"
	"github.com/bigbes/awg-xui-reconciler/internal/retry"
)

// ScheduleOff disables a cron schedule that has a default.
const ScheduleOff = "off"

type Config struct {
	LogLevel          string                  `yaml:"log_level"`
	LogFile           string                  `yaml:"log_file"`
	LogRotation       LogRotationConfig       `yaml:"log_rotation"`
	Database          string                  `yaml:"database"`
	Executor          ExecutorConfig          `yaml:"executor"`
	AWG               AWGConfig               `yaml:"awg"`
	Panel             PanelConfig             `yaml:"panel"`
	Sync              SyncConfig              `yaml:"sync"`
	Telegram          TelegramConfig          `yaml:"telegram"`
	ObservabilityHTTP ObservabilityHTTPConfig `yaml:"observability_http"`
}

type LogRotationConfig struct {
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
	MaxAgeDays int `yaml:"max_age_days"`
}

type ExecutorConfig struct {
	Mode      string `yaml:"mode"`      // "local" or "docker"
	Container string `yaml:"container"` // docker name filter
}

type AWGConfig struct {
	Interface      string `yaml:"interface"`
	Dir            string `yaml:"dir"`
	ConfigFile     string `yaml:"config_file"`
	ClientsTable   string `yaml:"clients_table"`
	TransferSource string `yaml:"transfer_source"` // "exec" or "wgctrl"
	// ServerAddress is the public host written into client configs.
	ServerAddress   string   `yaml:"server_address"`
	DNS             []string `yaml:"dns"`
	Itime           string   `yaml:"itime"`
	I1              string   `yaml:"i1"`
	SubnetStart     string   `yaml:"subnet_start"`
	SubnetEnd       string   `yaml:"subnet_end"`
	ExcludedOctets  []int    `yaml:"excluded_octets"`
	RestartCommands []string `yaml:"restart_commands"`
	Location        string   `yaml:"location"` // IANA name for registry dates
}

type PanelConfig struct {
	Enabled            bool        `yaml:"enabled"`
	URL                string      `yaml:"url"`
	Username           string      `yaml:"username"`
	Password           string      `yaml:"password"`
	InboundPort        int         `yaml:"inbound_port"`
	InsecureSkipVerify bool        `yaml:"insecure_skip_verify"`
	Timeout            int         `yaml:"timeout"`   // seconds
	CacheTTL           int         `yaml:"cache_ttl"` // seconds
	Retry              RetryConfig `yaml:"retry"`
	// ServerAddress is the host written into proxy client configs; empty
	// means awg.server_address.
	ServerAddress string `yaml:"server_address"`
}

type RetryConfig struct {
	MaxRetries int `yaml:"max_retries"`
	Delay      int `yaml:"delay"` // milliseconds
}

type SyncConfig struct {
	Interval        int    `yaml:"interval"`         // seconds between cycles
	OrphanSchedule  string `yaml:"orphan_schedule"`  // cron, empty = off
	RestartSchedule string `yaml:"restart_schedule"` // cron, "off" = off
}

type TelegramConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Token        string  `yaml:"token"`
	ChatID       int64   `yaml:"chat_id"`
	Interval     int     `yaml:"interval"`      // summary interval in seconds
	AllowedUsers []int64 `yaml:"allowed_users"` // user IDs allowed in private chats
}

type ObservabilityHTTPConfig struct {
	Addr    string `yaml:"addr"`
	Metrics bool   `yaml:"metrics"`
	Pprof   bool   `yaml:"pprof"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults("")
	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults(dir string) {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogRotation.MaxSizeMB == 0 {
		c.LogRotation.MaxSizeMB = 50
	}
	if c.LogRotation.MaxBackups == 0 {
		c.LogRotation.MaxBackups = 5
	}
	if c.LogRotation.MaxAgeDays == 0 {
		c.LogRotation.MaxAgeDays = 30
	}
	if c.Database == "" {
		c.Database = filepath.Join(dir, "accounts.sqlite")
	}

	if c.Executor.Mode == "" {
		c.Executor.Mode = "docker"
	}
	if c.Executor.Container == "" {
		c.Executor.Container = "amnezia-awg"
	}

	def := awg.DefaultConfig()
	if c.AWG.Interface == "" {
		c.AWG.Interface = def.Interface
	}
	if c.AWG.Dir == "" {
		c.AWG.Dir = def.Dir
	}
	if c.AWG.ConfigFile == "" {
		c.AWG.ConfigFile = def.ConfigFile
	}
	if c.AWG.ClientsTable == "" {
		c.AWG.ClientsTable = def.ClientsTable
	}
	if c.AWG.TransferSource == "" {
		c.AWG.TransferSource = "exec"
	}
	if len(c.AWG.DNS) == 0 {
		c.AWG.DNS = []string{"1.1.1.1", "1.0.0.1"}
	}
	rng := ipalloc.DefaultRange()
	if c.AWG.SubnetStart == "" {
		c.AWG.SubnetStart = rng.Start.String()
	}
	if c.AWG.SubnetEnd == "" {
		c.AWG.SubnetEnd = rng.End.String()
	}
	if c.AWG.ExcludedOctets == nil {
		for _, o := range rng.Excluded {
			c.AWG.ExcludedOctets = append(c.AWG.ExcludedOctets, int(o))
		}
	}
	if c.AWG.Location == "" {
		c.AWG.Location = "UTC"
	}

	if c.Panel.Timeout == 0 {
		c.Panel.Timeout = 15
	}
	if c.Panel.CacheTTL == 0 {
		c.Panel.CacheTTL = int(panel.DefaultInfoTTL / time.Second)
	}
	if c.Panel.Retry.MaxRetries == 0 {
		c.Panel.Retry.MaxRetries = retry.Default().MaxRetries
	}
	if c.Panel.Retry.Delay == 0 {
		c.Panel.Retry.Delay = int(retry.Default().Delay / time.Millisecond)
	}

	if c.Sync.Interval == 0 {
		c.Sync.Interval = 90
	}
	if c.Sync.RestartSchedule == "" {
		c.Sync.RestartSchedule = "0 5 * * *"
	}

	if c.Telegram.Interval == 0 {
		c.Telegram.Interval = 3600
	}
}

// Validate checks values that defaults cannot fix.
func (c *Config) Validate() error {
	switch c.Executor.Mode {
	case "local", "docker":
	default:
		return fmt.Errorf("executor: unknown mode %q (want local or docker)", c.Executor.Mode)
	}
	switch c.AWG.TransferSource {
	case "exec", "wgctrl":
	default:
		return fmt.Errorf("awg: unknown transfer_source %q (want exec or wgctrl)", c.AWG.TransferSource)
	}
	if c.AWG.TransferSource == "wgctrl" && c.Executor.Mode != "local" {
		return fmt.Errorf("awg: transfer_source wgctrl needs executor mode local")
	}
	if c.AWG.ServerAddress == "" {
		return fmt.Errorf("awg: server_address is required")
	}
	if _, err := c.Range(); err != nil {
		return fmt.Errorf("awg: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("awg: %w", err)
	}

	if c.Panel.Enabled {
		if c.Panel.URL == "" {
			return fmt.Errorf("panel: url is required")
		}
		if c.Panel.Username == "" {
			return fmt.Errorf("panel: username is required")
		}
		if c.Panel.InboundPort <= 0 || c.Panel.InboundPort > 65535 {
			return fmt.Errorf("panel: inbound_port %d out of range", c.Panel.InboundPort)
		}
	}
	if c.Panel.Retry.MaxRetries < 0 {
		return fmt.Errorf("panel: retry.max_retries must not be negative")
	}

	if c.Sync.Interval < 0 {
		return fmt.Errorf("sync: interval must not be negative")
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("telegram: token is required")
	}
	return nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file holds the panel password.
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) ParseLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Range returns the address allocation range.
func (c *Config) Range() (ipalloc.Range, error) {
	start, err := netip.ParseAddr(c.AWG.SubnetStart)
	if err != nil {
		return ipalloc.Range{}, fmt.Errorf("parsing subnet_start: %w", err)
	}
	end, err := netip.ParseAddr(c.AWG.SubnetEnd)
	if err != nil {
		return ipalloc.Range{}, fmt.Errorf("parsing subnet_end: %w", err)
	}
	r := ipalloc.Range{Start: start, End: end}
	for _, o := range c.AWG.ExcludedOctets {
		if o < 0 || o > 255 {
			return ipalloc.Range{}, fmt.Errorf("excluded octet %d out of range", o)
		}
		r.Excluded = append(r.Excluded, uint8(o))
	}
	return r, r.Validate()
}

// Location returns the time zone registry dates are rendered in.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.AWG.Location)
	if err != nil {
		return nil, fmt.Errorf("loading location %q: %w", c.AWG.Location, err)
	}
	return loc, nil
}

// Daemon returns the tunnel daemon settings.
func (c *Config) Daemon() awg.Config {
	return awg.Config{
		Interface:       c.AWG.Interface,
		Dir:             c.AWG.Dir,
		ConfigFile:      c.AWG.ConfigFile,
		ClientsTable:    c.AWG.ClientsTable,
		RestartCommands: c.AWG.RestartCommands,
	}
}

// PanelClient returns the panel client settings.
func (c *Config) PanelClient() panel.Config {
	return panel.Config{
		URL:                c.Panel.URL,
		Username:           c.Panel.Username,
		Password:           c.Panel.Password,
		InboundPort:        c.Panel.InboundPort,
		InsecureSkipVerify: c.Panel.InsecureSkipVerify,
		Timeout:            time.Duration(c.Panel.Timeout) * time.Second,
	}
}

// RetryOptions returns the panel mutation retry policy.
func (c *Config) RetryOptions() retry.Options {
	return retry.Options{
		MaxRetries: c.Panel.Retry.MaxRetries,
		Delay:      time.Duration(c.Panel.Retry.Delay) * time.Millisecond,
	}
}

func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.Interval) * time.Second
}

func (c *Config) PanelCacheTTL() time.Duration {
	return time.Duration(c.Panel.CacheTTL) * time.Second
}

// RestartSpec returns the daemon restart schedule, or "" when disabled.
func (c *Config) RestartSpec() string {
	if c.Sync.RestartSchedule == ScheduleOff {
		return ""
	}
	return c.Sync.RestartSchedule
}

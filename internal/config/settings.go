package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/dbwarden/internal/logger"
	"github.com/spf13/viper"
)

// CommandSet holds the opaque per-type start/stop commands provided by the
// external package manager.
type CommandSet struct {
	Start string `mapstructure:"start"`
	Stop  string `mapstructure:"stop"`
}

// Settings is the daemon/foreground configuration, loaded from an optional
// TOML file. Zero values fall back to DefaultSettings.
type Settings struct {
	DataDir           string                `mapstructure:"data_dir"`
	SocketPath        string                `mapstructure:"socket_path"`
	ReconcileInterval time.Duration         `mapstructure:"reconcile_interval"`
	KillGrace         time.Duration         `mapstructure:"kill_grace"`
	MetricsListen     string                `mapstructure:"metrics_listen"`
	HTTPListen        string                `mapstructure:"http_listen"`
	HistoryDSN        string                `mapstructure:"history_dsn"`
	DenyPorts         []int                 `mapstructure:"deny_ports"`
	BenignProcesses   []string              `mapstructure:"benign_processes"`
	Commands          map[string]CommandSet `mapstructure:"commands"`
	Log               logger.Config         `mapstructure:"log"`
}

// defaultBenignProcesses are local tooling names whose appearance as a port
// owner is treated as a likely probe false positive, not a real conflict.
var defaultBenignProcesses = []string{
	"code", "node", "electron", "vim", "nvim", "emacs", "bash", "zsh", "sh", "dbwarden",
}

// DefaultDataDir is ~/.dbwarden, the application data directory holding the
// instance store, daemon socket and pid file.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dbwarden"
	}
	return filepath.Join(home, ".dbwarden")
}

func DefaultSettings() Settings {
	dataDir := DefaultDataDir()
	return Settings{
		DataDir:           dataDir,
		SocketPath:        filepath.Join(dataDir, "daemon.sock"),
		ReconcileInterval: 5 * time.Minute,
		KillGrace:         2 * time.Second,
		BenignProcesses:   defaultBenignProcesses,
	}
}

// LoadSettings reads TOML settings from path. An empty path returns defaults.
func LoadSettings(path string) (Settings, error) {
	st := DefaultSettings()
	if path == "" {
		return st, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return st, err
	}
	if err := v.Unmarshal(&st); err != nil {
		return st, err
	}
	if st.DataDir == "" {
		st.DataDir = DefaultDataDir()
	}
	// An unset socket_path follows the configured data dir.
	if !v.IsSet("socket_path") {
		st.SocketPath = filepath.Join(st.DataDir, "daemon.sock")
	}
	if st.ReconcileInterval <= 0 {
		st.ReconcileInterval = 5 * time.Minute
	}
	if st.KillGrace <= 0 {
		st.KillGrace = 2 * time.Second
	}
	if len(st.BenignProcesses) == 0 {
		st.BenignProcesses = defaultBenignProcesses
	}
	return st, nil
}

// InstancesPath returns the fixed path of the instance store for these settings.
func (s Settings) InstancesPath() string {
	return filepath.Join(s.DataDir, InstancesFileName)
}

// CommandsFor returns the start/stop commands for an instance, preferring the
// record's own opaque commands over the per-type defaults.
func (s Settings) CommandsFor(typ, startOverride, stopOverride string) CommandSet {
	cs := s.Commands[typ]
	if startOverride != "" {
		cs.Start = startOverride
	}
	if stopOverride != "" {
		cs.Stop = stopOverride
	}
	return cs
}

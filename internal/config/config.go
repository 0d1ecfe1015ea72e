// Package config loads the engine's runtime configuration from an INI file,
// following the same gopkg.in/ini.v1-backed load/save/validate shape the
// teacher's configuration layer used for its own settings file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/ini.v1"
)

// Config holds every external input enumerated in the specification's
// external-interfaces section.
type Config struct {
	DatabaseFile string `ini:"database_file"`
	BasePath     string `ini:"base_path"`

	Username   string `ini:"username"`
	Password   string `ini:"password"`
	AuthServer string `ini:"auth_server"`

	InitialThreadsPerHost int `ini:"initial_threads_per_host"`
	MaxTotalThreads       int `ini:"max_total_threads"`

	ClientCertPath     string `ini:"client_cert_path"`
	InsecureSkipVerify bool   `ini:"insecure_skip_verify"`

	PollIntervalSeconds int `ini:"poll_interval_seconds"`
	BlocksizeBytes      int `ini:"blocksize_bytes"`
}

// Validation errors.
var (
	ErrMissingDatabaseFile = errors.New("database_file is required")
	ErrMissingBasePath     = errors.New("base_path is required")
	ErrInvalidThreadCaps   = errors.New("initial_threads_per_host and max_total_threads must be positive")
)

// MaxQueueLen is derived, never configured directly (per spec §6).
func (c *Config) MaxQueueLen() int {
	return c.MaxTotalThreads * 2
}

// Default returns a Config populated with the specification's defaults.
func Default() *Config {
	certPath := ""
	if home, err := os.UserHomeDir(); err == nil {
		certPath = filepath.Join(home, ".esg", "credentials.pem")
	}

	return &Config{
		InitialThreadsPerHost: 3,
		MaxTotalThreads:       100,
		ClientCertPath:        certPath,
		InsecureSkipVerify:    true,
		PollIntervalSeconds:   60,
		BlocksizeBytes:        1 << 20,
	}
}

// Load reads configuration from an INI file at path, applying defaults for
// any field the file does not set.
func Load(path string) (*Config, error) {
	cfg := Default()

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %q: %w", path, err)
	}

	section := iniFile.Section("")
	cfg.DatabaseFile = section.Key("database_file").MustString(cfg.DatabaseFile)
	cfg.BasePath = section.Key("base_path").MustString(cfg.BasePath)
	cfg.Username = section.Key("username").MustString(cfg.Username)
	cfg.Password = section.Key("password").MustString(cfg.Password)
	cfg.AuthServer = section.Key("auth_server").MustString(cfg.AuthServer)
	cfg.InitialThreadsPerHost = section.Key("initial_threads_per_host").MustInt(cfg.InitialThreadsPerHost)
	cfg.MaxTotalThreads = section.Key("max_total_threads").MustInt(cfg.MaxTotalThreads)
	cfg.ClientCertPath = section.Key("client_cert_path").MustString(cfg.ClientCertPath)
	cfg.InsecureSkipVerify = section.Key("insecure_skip_verify").MustBool(cfg.InsecureSkipVerify)
	cfg.PollIntervalSeconds = section.Key("poll_interval_seconds").MustInt(cfg.PollIntervalSeconds)
	cfg.BlocksizeBytes = section.Key("blocksize_bytes").MustInt(cfg.BlocksizeBytes)

	return cfg, nil
}

// Save writes cfg to path as an INI file, using an atomic tmp-file-plus-rename
// write so a crash mid-write never leaves a truncated config behind.
func Save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	iniFile := ini.Empty()
	section := iniFile.Section("")
	section.Key("database_file").SetValue(cfg.DatabaseFile)
	section.Key("base_path").SetValue(cfg.BasePath)
	section.Key("username").SetValue(cfg.Username)
	section.Key("password").SetValue(cfg.Password)
	section.Key("auth_server").SetValue(cfg.AuthServer)
	section.Key("initial_threads_per_host").SetValue(fmt.Sprintf("%d", cfg.InitialThreadsPerHost))
	section.Key("max_total_threads").SetValue(fmt.Sprintf("%d", cfg.MaxTotalThreads))
	section.Key("client_cert_path").SetValue(cfg.ClientCertPath)
	section.Key("insecure_skip_verify").SetValue(fmt.Sprintf("%t", cfg.InsecureSkipVerify))
	section.Key("poll_interval_seconds").SetValue(fmt.Sprintf("%d", cfg.PollIntervalSeconds))
	section.Key("blocksize_bytes").SetValue(fmt.Sprintf("%d", cfg.BlocksizeBytes))

	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0o600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// Validate checks that the fields required to run the engine are present.
func (c *Config) Validate() error {
	if c.DatabaseFile == "" {
		return ErrMissingDatabaseFile
	}
	if c.BasePath == "" {
		return ErrMissingBasePath
	}
	if c.InitialThreadsPerHost <= 0 || c.MaxTotalThreads <= 0 {
		return ErrInvalidThreadCaps
	}
	return nil
}

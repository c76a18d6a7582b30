package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	prov "github.com/3cpo-dev/fleetstrap/internal/providers"
	"gopkg.in/yaml.v3"
)

// ConfigDir resolves $XDG_CONFIG_HOME/fleetstrap or ~/.config/fleetstrap.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "fleetstrap")
}

// LoadConfig reads YAML configuration from a path. If path is empty, it reads
// config.yaml from ConfigDir; a missing default file yields the defaults.
func LoadConfig(path string) (prov.Config, error) {
	var cfg prov.Config
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("open config: %w", err)
	}

	// Tokens are kept out of the YAML file when possible.
	secrets, _ := LoadSecretsEnv("")
	if v := os.Getenv("HCLOUD_TOKEN"); v != "" {
		secrets["HCLOUD_TOKEN"] = v
	}
	if t, ok := secrets["HCLOUD_TOKEN"]; ok && t != "" {
		cfg.Providers.HCloud.Token = t
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *prov.Config) {
	if cfg.Providers.Default == "" {
		cfg.Providers.Default = "hcloud"
	}
	d := &cfg.Defaults
	if d.Retries == 0 {
		d.Retries = DefaultRetryPolicy.MaxRetries
	}
	if d.RetryIntervalSeconds == 0 {
		d.RetryIntervalSeconds = int(DefaultRetryPolicy.Interval / time.Second)
	}
	if d.SessionRetries == 0 {
		d.SessionRetries = DefaultSessionRetryPolicy.MaxRetries
	}
	if d.SessionRetryIntervalSeconds == 0 {
		d.SessionRetryIntervalSeconds = int(DefaultSessionRetryPolicy.Interval / time.Second)
	}
	if d.PollIntervalSeconds == 0 {
		d.PollIntervalSeconds = int(DefaultPollInterval / time.Second)
	}
	if d.PollRetries == 0 {
		d.PollRetries = DefaultPollRetries
	}
	if cfg.Facts.LocalPath == "" {
		cfg.Facts.LocalPath = DefaultLocalFactsPath
	}
	if cfg.Facts.RemotePath == "" {
		cfg.Facts.RemotePath = DefaultFactsPath
	}
	if cfg.SSH.Port == 0 {
		cfg.SSH.Port = 22
	}
	if cfg.SSH.ConnectTimeoutSeconds == 0 {
		cfg.SSH.ConnectTimeoutSeconds = 10
	}
	if cfg.SSH.KeepaliveSeconds == 0 {
		cfg.SSH.KeepaliveSeconds = 10
	}
}

// RetryPolicies returns the general and session retry policies configured in cfg.
func RetryPolicies(cfg prov.Config) (RetryPolicy, RetryPolicy) {
	d := cfg.Defaults
	return RetryPolicy{MaxRetries: d.Retries, Interval: time.Duration(d.RetryIntervalSeconds) * time.Second},
		RetryPolicy{MaxRetries: d.SessionRetries, Interval: time.Duration(d.SessionRetryIntervalSeconds) * time.Second}
}

// RequireSecrets fails with KindSecretsMissing when provider needs
// credentials that cfg does not carry.
func RequireSecrets(cfg prov.Config, provider string) error {
	if provider == "hcloud" && cfg.Providers.HCloud.Token == "" {
		return newError(KindSecretsMissing, "", errors.New("hcloud token not set: use HCLOUD_TOKEN or secrets.env"))
	}
	return nil
}

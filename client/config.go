package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tGecko/snx-rs/common"
)

const (
	tunnelKindSSL   = "ssl"
	tunnelKindIPSec = "ipsec"

	defaultSocketPath = "/var/run/snxd.sock"
	defaultTunName    = "snx0"
)

// Duration adds "20s" style YAML syntax on top of time.Duration. Bare
// numbers are taken as seconds.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("bad duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	return fmt.Errorf("bad duration value %q", value.Value)
}

// Config is the daemon configuration, loaded from YAML with cobra flag
// overrides applied on top.
type Config struct {
	Gateway    string `yaml:"gateway"`
	TunnelKind string `yaml:"tunnel_kind"` // ssl | ipsec
	LoginType  string `yaml:"login_type"`

	Username string `yaml:"username"`
	Password string `yaml:"password,omitempty"`

	CertPath     string `yaml:"cert_path,omitempty"`
	KeyPath      string `yaml:"key_path,omitempty"`
	CertFormat   string `yaml:"cert_format,omitempty"` // pem | pfx
	CertPassword string `yaml:"cert_password,omitempty"`

	CAFile   string `yaml:"ca_file,omitempty"`
	Insecure bool   `yaml:"insecure"`

	SearchDomains []string `yaml:"search_domains,omitempty"`
	TunName       string   `yaml:"tun_name"`
	SocketPath    string   `yaml:"socket_path"`
	LogLevel      string   `yaml:"log_level"`

	KeepaliveInterval Duration `yaml:"keepalive_interval"`
	DPDInterval       Duration `yaml:"dpd_interval"`
	RequestTimeout    Duration `yaml:"request_timeout"`
}

func defaultConfig() *Config {
	return &Config{
		TunnelKind:        tunnelKindSSL,
		TunName:           defaultTunName,
		SocketPath:        defaultSocketPath,
		LogLevel:          "info",
		KeepaliveInterval: Duration(20 * time.Second),
		DPDInterval:       Duration(30 * time.Second),
		RequestTimeout:    Duration(30 * time.Second),
	}
}

// LoadConfig reads the YAML file, fills defaults, and validates. An empty
// path returns defaults so flag-only invocations work.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(common.ExpandPath(path))
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := defaultConfig()
	if c.TunnelKind == "" {
		c.TunnelKind = d.TunnelKind
	}
	if c.TunName == "" {
		c.TunName = d.TunName
	}
	if c.SocketPath == "" {
		c.SocketPath = d.SocketPath
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = d.KeepaliveInterval
	}
	if c.DPDInterval <= 0 {
		c.DPDInterval = d.DPDInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	c.KeepaliveInterval = Duration(common.ClampDuration(c.KeepaliveInterval.D(), 5*time.Second, 5*time.Minute))
	c.DPDInterval = Duration(common.ClampDuration(c.DPDInterval.D(), 5*time.Second, 10*time.Minute))
}

// Validate checks the fields needed to reach a gateway at all. Login-type
// specific fields are checked when the connect path actually needs them.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Gateway) == "" {
		return fmt.Errorf("gateway is required")
	}
	switch c.TunnelKind {
	case tunnelKindSSL, tunnelKindIPSec:
	default:
		return fmt.Errorf("tunnel_kind must be %q or %q, got %q", tunnelKindSSL, tunnelKindIPSec, c.TunnelKind)
	}
	if c.CertPath != "" {
		switch c.CertFormat {
		case "", "pem", "pfx":
		default:
			return fmt.Errorf("cert_format must be pem or pfx, got %q", c.CertFormat)
		}
		if c.CertFormat != "pfx" && c.KeyPath == "" {
			return fmt.Errorf("key_path is required for PEM certificates")
		}
	}
	return nil
}

// Identity loads the configured client certificate, or nil when none is
// configured.
func (c *Config) Identity() (*common.ClientIdentity, error) {
	if c.CertPath == "" {
		return nil, nil
	}
	if c.CertFormat == "pfx" {
		return common.LoadPFXIdentity(common.ExpandPath(c.CertPath), c.CertPassword)
	}
	return common.LoadPEMIdentity(common.ExpandPath(c.CertPath), common.ExpandPath(c.KeyPath))
}

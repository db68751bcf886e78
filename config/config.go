// Package config loads the connection settings of the remote services a
// client talks to. Values come from a YAML file, NETSESSION_* environment
// variables and built-in defaults, in that order of precedence after the
// environment.
package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/Zereker/netsession"
)

// Names of the services configured by default.
const (
	ServiceAnalysis = "analysis"
	ServiceData     = "data"
	ServiceExchange = "exchange"
)

// EnvPrefix prefixes environment overrides, e.g. NETSESSION_SERVICES_DATA_PORT.
const EnvPrefix = "NETSESSION"

// Service is the address of one remote service.
type Service struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// Addr returns host:port.
func (s Service) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Config holds the settings shared by every session plus the per-service
// addresses.
type Config struct {
	Identity          string             `mapstructure:"identity"`
	Services          map[string]Service `mapstructure:"services"`
	ConnectTimeout    time.Duration      `mapstructure:"connect_timeout"`
	Heartbeat         time.Duration      `mapstructure:"heartbeat"`
	IdleTimeout       time.Duration      `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration      `mapstructure:"shutdown_timeout"`
	FragmentThreshold int                `mapstructure:"fragment_threshold"`
	MaxFrameSize      int                `mapstructure:"max_frame_size"`
	ReassemblyTTL     time.Duration      `mapstructure:"reassembly_ttl"`
	ReconnectInterval time.Duration      `mapstructure:"reconnect_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Identity: "",
		Services: map[string]Service{
			ServiceAnalysis: {Host: "localhost", Port: 1789},
			ServiceData:     {Host: "localhost", Port: 1790},
			ServiceExchange: {Host: "localhost", Port: 1791},
		},
		ConnectTimeout:    5 * time.Second,
		Heartbeat:         8 * time.Second,
		IdleTimeout:       20 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		FragmentThreshold: 64 * 1024,
		MaxFrameSize:      1024 * 1024,
		ReassemblyTTL:     0,
		ReconnectInterval: time.Second,
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("identity", d.Identity)
	for name, svc := range d.Services {
		v.SetDefault("services."+name+".host", svc.Host)
		v.SetDefault("services."+name+".port", svc.Port)
	}
	v.SetDefault("connect_timeout", d.ConnectTimeout)
	v.SetDefault("heartbeat", d.Heartbeat)
	v.SetDefault("idle_timeout", d.IdleTimeout)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("fragment_threshold", d.FragmentThreshold)
	v.SetDefault("max_frame_size", d.MaxFrameSize)
	v.SetDefault("reassembly_ttl", d.ReassemblyTTL)
	v.SetDefault("reconnect_interval", d.ReconnectInterval)
}

// Load reads the configuration. An empty path uses defaults and the
// environment only; a path that does not exist is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, oops.
				In("config").
				Code("config_read").
				With("path", path).
				Wrapf(err, "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, oops.
			In("config").
			Code("config_decode").
			With("path", path).
			Wrapf(err, "decode config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values a session cannot start without.
func (c *Config) Validate() error {
	errb := oops.In("config").Code("config_invalid")
	if len(c.Services) == 0 {
		return errb.Errorf("no services configured")
	}
	for name, svc := range c.Services {
		if svc.Host == "" {
			return errb.With("service", name).Errorf("service %q has no host", name)
		}
		if svc.Port <= 0 || svc.Port > 65535 {
			return errb.With("service", name).With("port", svc.Port).Errorf("service %q has invalid port %d", name, svc.Port)
		}
	}
	if c.FragmentThreshold <= 0 {
		return errb.With("fragment_threshold", c.FragmentThreshold).Errorf("fragment_threshold must be positive")
	}
	if c.MaxFrameSize <= c.FragmentThreshold {
		return errb.
			With("fragment_threshold", c.FragmentThreshold).
			With("max_frame_size", c.MaxFrameSize).
			Errorf("max_frame_size must exceed fragment_threshold")
	}
	return nil
}

// Service returns the settings of the named service.
func (c *Config) Service(name string) (Service, error) {
	svc, ok := c.Services[name]
	if !ok {
		return Service{}, oops.
			In("config").
			Code("unknown_service").
			With("service", name).
			Errorf("unknown service %q", name)
	}
	return svc, nil
}

// SessionOptions converts the shared settings to session options. The
// handshake carries the configured identity.
func (c *Config) SessionOptions() []netsession.Option {
	identity := c.Identity
	opts := []netsession.Option{
		netsession.ConnectTimeoutOption(c.ConnectTimeout),
		netsession.HeartbeatOption(c.Heartbeat),
		netsession.IdleTimeoutOption(c.IdleTimeout),
		netsession.ShutdownTimeoutOption(c.ShutdownTimeout),
		netsession.FragmentThresholdOption(c.FragmentThreshold),
		netsession.MessageMaxSize(c.MaxFrameSize),
		netsession.ReassemblyTTLOption(c.ReassemblyTTL),
		netsession.HandshakeOption(func() netsession.Message {
			return netsession.NewHandshake(identity)
		}),
	}
	if c.ReconnectInterval > 0 {
		opts = append(opts, netsession.ReconnectLimitOption(rate.Every(c.ReconnectInterval), 1))
	}
	return opts
}

// NewSession creates a session for the named service.
func (c *Config) NewSession(name string, extra ...netsession.Option) (*netsession.Session, error) {
	svc, err := c.Service(name)
	if err != nil {
		return nil, err
	}
	opts := append(c.SessionOptions(), extra...)
	s, err := netsession.New(name, svc.Addr(), opts...)
	if err != nil {
		return nil, oops.
			In("config").
			Code("session_create").
			With("service", name).
			Wrapf(err, "create session")
	}
	return s, nil
}

// fileConfig is the on-disk layout written by WriteDefault.
type fileConfig struct {
	Identity          string             `yaml:"identity"`
	Services          map[string]Service `yaml:"services"`
	ConnectTimeout    string             `yaml:"connect_timeout"`
	Heartbeat         string             `yaml:"heartbeat"`
	IdleTimeout       string             `yaml:"idle_timeout"`
	ShutdownTimeout   string             `yaml:"shutdown_timeout"`
	FragmentThreshold int                `yaml:"fragment_threshold"`
	MaxFrameSize      int                `yaml:"max_frame_size"`
	ReassemblyTTL     string             `yaml:"reassembly_ttl"`
	ReconnectInterval string             `yaml:"reconnect_interval"`
}

// WriteDefault writes the default configuration to path, creating parent
// directories. An existing file is left untouched unless overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	errb := oops.In("config").With("path", path)

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return errb.Code("config_exists").Errorf("config file already exists")
		}
	}

	d := Default()
	out, err := yaml.Marshal(fileConfig{
		Identity:          d.Identity,
		Services:          d.Services,
		ConnectTimeout:    d.ConnectTimeout.String(),
		Heartbeat:         d.Heartbeat.String(),
		IdleTimeout:       d.IdleTimeout.String(),
		ShutdownTimeout:   d.ShutdownTimeout.String(),
		FragmentThreshold: d.FragmentThreshold,
		MaxFrameSize:      d.MaxFrameSize,
		ReassemblyTTL:     d.ReassemblyTTL.String(),
		ReconnectInterval: d.ReconnectInterval.String(),
	})
	if err != nil {
		return errb.Code("config_encode").Wrapf(err, "encode default config")
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errb.Code("config_write").Wrapf(err, "create config directory")
		}
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return errb.Code("config_write").Wrapf(err, "write config file")
	}
	return nil
}

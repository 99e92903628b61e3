// Package config loads rpcd and rpcctl settings from TOML. Keys left out of
// the file keep their Default values.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"duplex-rpc/client"
	"duplex-rpc/loadbalance"
	"duplex-rpc/server"
	"duplex-rpc/transport"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Listen       string // websocket peers, e.g. ":8080"
	StreamListen string // TCP peers, empty disables
	AdvertiseURL string // base URL put in the registry
	Service      string

	SessionCookie string
	SessionMaxAge time.Duration
	SessionSecret string
	SecureCookie  bool

	FlushDelay      time.Duration
	CallTimeout     time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	StreamHeartbeat time.Duration
	PingInterval    time.Duration

	EtcdEndpoints []string
	RegistryTTL   int64

	// client side
	ServerURL       string
	Balancer        string
	AffinityKey     string
	ReconnectWindow time.Duration

	LogLevel string
}

type fileConfig struct {
	Listen          string   `toml:"listen"`
	StreamListen    string   `toml:"stream_listen"`
	AdvertiseURL    string   `toml:"advertise_url"`
	Service         string   `toml:"service"`
	SessionCookie   string   `toml:"session_cookie"`
	SessionMaxAge   string   `toml:"session_max_age"`
	SessionSecret   string   `toml:"session_secret"`
	SecureCookie    bool     `toml:"secure_cookie"`
	FlushDelay      string   `toml:"flush_delay"`
	CallTimeout     string   `toml:"call_timeout"`
	RetryInitial    string   `toml:"retry_initial"`
	RetryMax        string   `toml:"retry_max"`
	StreamHeartbeat string   `toml:"stream_heartbeat"`
	PingInterval    string   `toml:"ping_interval"`
	EtcdEndpoints   []string `toml:"etcd_endpoints"`
	RegistryTTL     int64    `toml:"registry_ttl"`
	ServerURL       string   `toml:"server_url"`
	Balancer        string   `toml:"balancer"`
	AffinityKey     string   `toml:"affinity_key"`
	ReconnectWindow string   `toml:"reconnect_window"`
	LogLevel        string   `toml:"log_level"`
}

func Default() Config {
	opts := server.DefaultOptions()
	settings := client.DefaultSettings()
	return Config{
		Listen:          ":8080",
		Service:         "duplex-rpc",
		SessionCookie:   opts.SessionCookie,
		SessionMaxAge:   opts.SessionMaxAge,
		FlushDelay:      opts.Queue.FlushDelay,
		CallTimeout:     opts.Queue.CallTimeout,
		RetryInitial:    opts.Queue.RetryInitial,
		RetryMax:        opts.Queue.RetryMax,
		StreamHeartbeat: opts.StreamHeartbeat,
		PingInterval:    opts.PingInterval,
		RegistryTTL:     10,
		ServerURL:       "http://127.0.0.1:8080",
		Balancer:        "round-robin",
		ReconnectWindow: settings.Transport.ReconnectWindow,
		LogLevel:        "info",
	}
}

// Load overlays the keys defined in the file at path on Default and validates
// the result.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	str := func(key, v string, dst *string) {
		if meta.IsDefined(key) {
			*dst = strings.TrimSpace(v)
		}
	}
	str("listen", raw.Listen, &cfg.Listen)
	str("stream_listen", raw.StreamListen, &cfg.StreamListen)
	str("advertise_url", raw.AdvertiseURL, &cfg.AdvertiseURL)
	str("service", raw.Service, &cfg.Service)
	str("session_cookie", raw.SessionCookie, &cfg.SessionCookie)
	str("session_secret", raw.SessionSecret, &cfg.SessionSecret)
	str("server_url", raw.ServerURL, &cfg.ServerURL)
	str("balancer", raw.Balancer, &cfg.Balancer)
	str("affinity_key", raw.AffinityKey, &cfg.AffinityKey)
	str("log_level", raw.LogLevel, &cfg.LogLevel)

	if meta.IsDefined("secure_cookie") {
		cfg.SecureCookie = raw.SecureCookie
	}
	if meta.IsDefined("etcd_endpoints") {
		cfg.EtcdEndpoints = normalizeList(raw.EtcdEndpoints)
	}
	if meta.IsDefined("registry_ttl") {
		cfg.RegistryTTL = raw.RegistryTTL
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"session_max_age", raw.SessionMaxAge, &cfg.SessionMaxAge},
		{"flush_delay", raw.FlushDelay, &cfg.FlushDelay},
		{"call_timeout", raw.CallTimeout, &cfg.CallTimeout},
		{"retry_initial", raw.RetryInitial, &cfg.RetryInitial},
		{"retry_max", raw.RetryMax, &cfg.RetryMax},
		{"stream_heartbeat", raw.StreamHeartbeat, &cfg.StreamHeartbeat},
		{"ping_interval", raw.PingInterval, &cfg.PingInterval},
		{"reconnect_window", raw.ReconnectWindow, &cfg.ReconnectWindow},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is empty"))
	}
	if c.SessionCookie == "" {
		errs = append(errs, errors.New("session_cookie is empty"))
	}
	if c.SessionMaxAge <= 0 {
		errs = append(errs, errors.New("session_max_age must be positive"))
	}
	if c.FlushDelay <= 0 {
		errs = append(errs, errors.New("flush_delay must be positive"))
	}
	if c.CallTimeout < 0 {
		errs = append(errs, errors.New("call_timeout must not be negative"))
	}
	if c.RetryInitial <= 0 || c.RetryMax < c.RetryInitial {
		errs = append(errs, errors.New("retry_initial must be positive and not above retry_max"))
	}
	if c.ReconnectWindow <= 0 {
		errs = append(errs, errors.New("reconnect_window must be positive"))
	}
	if len(c.EtcdEndpoints) > 0 && c.RegistryTTL <= 0 {
		errs = append(errs, errors.New("registry_ttl must be positive"))
	}
	if _, err := loadbalance.ByName(c.Balancer, c.AffinityKey); err != nil {
		errs = append(errs, err)
	}
	if c.ServerURL != "" {
		if _, err := transport.EndpointFor(c.ServerURL); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ServerOptions maps the config onto server.Options.
func (c Config) ServerOptions() server.Options {
	opts := server.DefaultOptions()
	opts.SessionCookie = c.SessionCookie
	opts.SessionMaxAge = c.SessionMaxAge
	opts.SessionSecret = []byte(c.SessionSecret)
	opts.SecureCookie = c.SecureCookie
	opts.Queue.FlushDelay = c.FlushDelay
	opts.Queue.CallTimeout = c.CallTimeout
	opts.Queue.RetryInitial = c.RetryInitial
	opts.Queue.RetryMax = c.RetryMax
	opts.StreamHeartbeat = c.StreamHeartbeat
	opts.PingInterval = c.PingInterval
	return opts
}

// ClientSettings maps the config onto client.Settings for endpoint.
func (c Config) ClientSettings(endpoint transport.EndpointFunc) client.Settings {
	settings := client.DefaultSettings()
	settings.Transport.Endpoint = endpoint
	settings.Transport.ReconnectWindow = c.ReconnectWindow
	settings.Transport.PingInterval = c.PingInterval
	settings.Queue.FlushDelay = c.FlushDelay
	settings.Queue.CallTimeout = c.CallTimeout
	settings.Queue.RetryInitial = c.RetryInitial
	settings.Queue.RetryMax = c.RetryMax
	settings.Heartbeat = c.StreamHeartbeat
	return settings
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Package config loads the proxy and relay settings from a TOML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Ethiquema/ryu-ldn-nx-sub005/ports"
	"github.com/Ethiquema/ryu-ldn-nx-sub005/proxy"
)

// Duration wraps time.Duration so TOML files can say "30s" or "5m".
type Duration time.Duration

// UnmarshalText implements toml decoding for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full on-disk configuration.
type Config struct {
	Client ClientConfig `toml:"client"`
	Relay  RelayConfig  `toml:"relay"`
	Log    LogConfig    `toml:"log"`
}

// ClientConfig drives the peer side: interception and the relay link.
type ClientConfig struct {
	Enabled              bool     `toml:"enabled"`
	ServerAddress        string   `toml:"server_address"`
	UseTLS               bool     `toml:"use_tls"`
	ConnectTimeout       Duration `toml:"connect_timeout"`
	HandshakeTimeout     Duration `toml:"handshake_timeout"`
	PingInterval         Duration `toml:"ping_interval"`
	ReconnectDelay       Duration `toml:"reconnect_delay"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	AutoReconnect        bool     `toml:"auto_reconnect"`
	MTU                  int      `toml:"mtu"`
	PortRangeLow         uint16   `toml:"port_range_low"`
	PortRangeHigh        uint16   `toml:"port_range_high"`
	QueueCapacity        int      `toml:"queue_capacity"`
	EnableNAT            bool     `toml:"enable_nat"`
}

// RelayConfig drives the rendezvous server.
type RelayConfig struct {
	ListenAddress    string   `toml:"listen_address"`
	MetricsAddress   string   `toml:"metrics_address"`
	TLSCertFile      string   `toml:"tls_cert_file"`
	TLSKeyFile       string   `toml:"tls_key_file"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	TokenTTL         Duration `toml:"token_ttl"`
	RedisAddress     string   `toml:"redis_address"`
}

// LogConfig selects log level and optional rotating file output.
type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
	JSON  bool   `toml:"json"`
}

// Default returns a configuration that works without a file: relay on the
// loopback port, in-memory tokens, info logging.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			Enabled:              true,
			ServerAddress:        "127.0.0.1:30456",
			ConnectTimeout:       Duration(10 * time.Second),
			HandshakeTimeout:     Duration(5 * time.Second),
			PingInterval:         Duration(15 * time.Second),
			ReconnectDelay:       Duration(time.Second),
			MaxReconnectAttempts: 5,
			AutoReconnect:        true,
			MTU:                  proxy.DefaultMTU,
			PortRangeLow:         ports.DefaultRangeLow,
			PortRangeHigh:        ports.DefaultRangeHigh,
			QueueCapacity:        proxy.DefaultQueueCapacity,
			EnableNAT:            true,
		},
		Relay: RelayConfig{
			ListenAddress:    ":30456",
			MetricsAddress:   ":9100",
			HandshakeTimeout: Duration(5 * time.Second),
			TokenTTL:         Duration(10 * time.Minute),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a TOML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Client.PortRangeLow > c.Client.PortRangeHigh {
		return fmt.Errorf("config: port range %d-%d is inverted",
			c.Client.PortRangeLow, c.Client.PortRangeHigh)
	}
	if c.Client.MTU <= 0 || c.Client.MTU > proxy.MaxPayload {
		return fmt.Errorf("config: mtu %d out of range", c.Client.MTU)
	}
	if (c.Relay.TLSCertFile == "") != (c.Relay.TLSKeyFile == "") {
		return fmt.Errorf("config: tls_cert_file and tls_key_file must be set together")
	}
	return nil
}

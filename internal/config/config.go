// Package config loads the wsecho daemon configuration from TOML.
package config

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/rawsocket/websocket"
)

// Config is the daemon configuration.
type Config struct {
	Addr      string
	AdminAddr string

	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	ReadLimit        int64

	// MessageRate is in messages per second. Zero disables rate limiting.
	MessageRate  float64
	MessageBurst int

	LogLevel string
}

// Default returns the configuration used for keys absent from the file.
func Default() Config {
	return Config{
		Addr:             "127.0.0.1:8080",
		AdminAddr:        "127.0.0.1:8081",
		HandshakeTimeout: time.Second * 10,
		ReadLimit:        32768,
		MessageBurst:     1,
		LogLevel:         "info",
	}
}

type fileConfig struct {
	Addr             string  `toml:"addr"`
	AdminAddr        string  `toml:"admin_addr"`
	HandshakeTimeout string  `toml:"handshake_timeout"`
	IdleTimeout      string  `toml:"idle_timeout"`
	ReadLimit        int64   `toml:"read_limit"`
	MessageRate      float64 `toml:"message_rate"`
	MessageBurst     int     `toml:"message_burst"`
	LogLevel         string  `toml:"log_level"`
}

// Load reads the TOML file at path over Default and validates the result.
// An empty path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, xerrors.Errorf("failed to load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, xerrors.Errorf("unknown config key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("handshake_timeout") {
		cfg.HandshakeTimeout, err = time.ParseDuration(strings.TrimSpace(raw.HandshakeTimeout))
		if err != nil {
			return Config{}, xerrors.Errorf("failed to parse handshake_timeout: %w", err)
		}
	}
	if meta.IsDefined("idle_timeout") {
		cfg.IdleTimeout, err = time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return Config{}, xerrors.Errorf("failed to parse idle_timeout: %w", err)
		}
	}
	if meta.IsDefined("read_limit") {
		cfg.ReadLimit = raw.ReadLimit
	}
	if meta.IsDefined("message_rate") {
		cfg.MessageRate = raw.MessageRate
	}
	if meta.IsDefined("message_burst") {
		cfg.MessageBurst = raw.MessageBurst
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field of c.
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return xerrors.New("addr must be set")
	case c.HandshakeTimeout <= 0:
		return xerrors.Errorf("handshake_timeout must be positive but got %v", c.HandshakeTimeout)
	case c.IdleTimeout < 0:
		return xerrors.Errorf("idle_timeout must not be negative but got %v", c.IdleTimeout)
	case c.ReadLimit <= 0:
		return xerrors.Errorf("read_limit must be positive but got %v", c.ReadLimit)
	case c.MessageRate < 0:
		return xerrors.Errorf("message_rate must not be negative but got %v", c.MessageRate)
	case c.MessageRate > 0 && c.MessageBurst <= 0:
		return xerrors.Errorf("message_burst must be positive when message_rate is set but got %v", c.MessageBurst)
	}
	return nil
}

// ServerOptions returns the websocket.Server options described by c.
func (c Config) ServerOptions(log *zerolog.Logger) *websocket.Options {
	return &websocket.Options{
		HandshakeTimeout: c.HandshakeTimeout,
		IdleTimeout:      c.IdleTimeout,
		ReadLimit:        c.ReadLimit,
		MessageRate:      rate.Limit(c.MessageRate),
		MessageBurst:     c.MessageBurst,
		Logger:           log,
	}
}

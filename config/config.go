// Package config loads chat server settings from defaults, an optional TOML
// file, CHATSERVER_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	configName = "chatserver"
	configType = "toml"
	envPrefix  = "CHATSERVER"
)

// Keys recognised in the config file, the environment and bound flags.
const (
	KeyPort              = "port"
	KeyIdleTimeout       = "idle_timeout_seconds"
	KeySweepInterval     = "sweep_interval_seconds"
	KeyPeerHistoryCap    = "peer_history_cap"
	KeyGeneralHistoryCap = "general_history_cap"
	KeyMaxContentLength  = "max_content_length"
	KeySendQueueSize     = "send_queue_size"
	KeyLogDir            = "log_dir"
	KeyLogLevel          = "log_level"
	KeyServiceName       = "service_name"
	KeyHandshakeLimit    = "handshake_limit"
	KeyHandshakeWindow   = "handshake_window_seconds"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the resolved server configuration.
type Config struct {
	Port              int
	IdleTimeout       time.Duration
	SweepInterval     time.Duration
	PeerHistoryCap    int
	GeneralHistoryCap int
	MaxContentLength  int
	SendQueueSize     int
	LogDir            string
	LogLevel          string
	ServiceName       string
	HandshakeLimit    int
	HandshakeWindow   time.Duration
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		IdleTimeout:       120 * time.Second,
		SweepInterval:     10 * time.Second,
		PeerHistoryCap:    1000,
		GeneralHistoryCap: 1000,
		MaxContentLength:  255,
		SendQueueSize:     256,
		LogLevel:          "info",
		ServiceName:       "chat_server",
		HandshakeLimit:    20,
		HandshakeWindow:   10 * time.Second,
	}
}

// SetDefaults registers the built-in values on v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyIdleTimeout, int(d.IdleTimeout/time.Second))
	v.SetDefault(KeySweepInterval, int(d.SweepInterval/time.Second))
	v.SetDefault(KeyPeerHistoryCap, d.PeerHistoryCap)
	v.SetDefault(KeyGeneralHistoryCap, d.GeneralHistoryCap)
	v.SetDefault(KeyMaxContentLength, d.MaxContentLength)
	v.SetDefault(KeySendQueueSize, d.SendQueueSize)
	v.SetDefault(KeyLogDir, d.LogDir)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyServiceName, d.ServiceName)
	v.SetDefault(KeyHandshakeLimit, d.HandshakeLimit)
	v.SetDefault(KeyHandshakeWindow, int(d.HandshakeWindow/time.Second))
}

// Load resolves the configuration held by v. When file is empty, a
// chatserver.toml in the working directory or in $HOME/.chatserver is read
// if present; a named file must exist.
//
// Parameters:
//   - v: The viper instance, possibly with flags already bound; nil means a fresh one
//   - file: Explicit config file path, or ""
//
// Returns:
//   - The validated configuration
//   - An error if the file cannot be read or a value is invalid
func Load(v *viper.Viper, file string) (Config, error) {
	if v == nil {
		v = viper.New()
	}

	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, "."+configName))
		}

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := Config{
		Port:              v.GetInt(KeyPort),
		IdleTimeout:       time.Duration(v.GetInt(KeyIdleTimeout)) * time.Second,
		SweepInterval:     time.Duration(v.GetInt(KeySweepInterval)) * time.Second,
		PeerHistoryCap:    v.GetInt(KeyPeerHistoryCap),
		GeneralHistoryCap: v.GetInt(KeyGeneralHistoryCap),
		MaxContentLength:  v.GetInt(KeyMaxContentLength),
		SendQueueSize:     v.GetInt(KeySendQueueSize),
		LogDir:            v.GetString(KeyLogDir),
		LogLevel:          v.GetString(KeyLogLevel),
		ServiceName:       v.GetString(KeyServiceName),
		HandshakeLimit:    v.GetInt(KeyHandshakeLimit),
		HandshakeWindow:   time.Duration(v.GetInt(KeyHandshakeWindow)) * time.Second,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate reports the first out-of-range setting.
func (c Config) Validate() error {
	switch {
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	case c.IdleTimeout <= 0:
		return fmt.Errorf("%w: idle timeout must be positive", ErrInvalid)
	case c.SweepInterval <= 0:
		return fmt.Errorf("%w: sweep interval must be positive", ErrInvalid)
	case c.PeerHistoryCap <= 0 || c.GeneralHistoryCap <= 0:
		return fmt.Errorf("%w: history capacities must be positive", ErrInvalid)
	case c.MaxContentLength < 1 || c.MaxContentLength > 255:
		return fmt.Errorf("%w: max content length %d not in 1..255", ErrInvalid, c.MaxContentLength)
	case c.SendQueueSize <= 0:
		return fmt.Errorf("%w: send queue size must be positive", ErrInvalid)
	case c.HandshakeLimit < 0:
		return fmt.Errorf("%w: handshake limit must not be negative", ErrInvalid)
	case c.HandshakeLimit > 0 && c.HandshakeWindow <= 0:
		return fmt.Errorf("%w: handshake window must be positive", ErrInvalid)
	case c.ServiceName == "":
		return fmt.Errorf("%w: service name is empty", ErrInvalid)
	}

	return nil
}

// Addr returns the listen address for Port on all interfaces.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

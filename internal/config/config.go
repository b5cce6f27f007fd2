// Package config loads tunnelgate's runtime configuration from
// environment variables and an optional config file, and resolves the
// platform-specific directory used to cache generated TLS material.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every option recognized by tunnelgate (spec.md §6 plus the
// ambient additions listed in SPEC_FULL.md §6).
type Config struct {
	// Public HTTP
	Address string // bind address for the public HTTP listener
	Port    int    // bind port for the public HTTP listener
	Secure  bool   // advertise https:// tunnel URLs
	Domain  string // base domain suffix for tunnel URLs
	Landing string // optional redirect target for the bare domain

	// Tunnel agents
	MaxTCPSockets      int           // per-agent ceiling on simultaneous tunnel sockets
	SocketTimeout      time.Duration // per-tunnel-socket idle timeout
	QueueTimeout       time.Duration // waiter abandonment timeout (0 = no timeout)
	MaxWaitingRequests int           // waiters cap (0 = unbounded)
	TCPPortRangeMin    int           // 0 = OS-chosen ephemeral port
	TCPPortRangeMax    int
	DiscoverPublicIP   bool // best-effort publicIp lookup on agent listen()

	// Global
	MaxClients int // 0 = unbounded

	// Ambient
	LogLevel    string
	MetricsAddr string // empty disables the metrics listener
}

// Defaults mirror spec.md §3/§6 exactly (max_tcp_sockets=10, idle
// timeout=60s) plus the ambient additions, whose defaults are chosen to be
// source-compatible when left unconfigured (queue timeout matches socket
// timeout, waiter cap unbounded).
func Defaults() Config {
	return Config{
		Address:            "0.0.0.0",
		Port:               80,
		Secure:             false,
		Domain:             "localhost",
		MaxTCPSockets:      10,
		SocketTimeout:      60 * time.Second,
		QueueTimeout:       60 * time.Second,
		MaxWaitingRequests: 0,
		MaxClients:         0,
		LogLevel:           "info",
		DiscoverPublicIP:   true,
	}
}

// Load builds a Config from defaults, an optional config file, and
// environment variables prefixed TUNNELGATE_ (cfgFile may be empty to skip
// file loading). No command-line flags are bound here.
func Load(cfgFile string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetEnvPrefix("tunnelgate")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("address", cfg.Address)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("secure", cfg.Secure)
	v.SetDefault("domain", cfg.Domain)
	v.SetDefault("landing", cfg.Landing)
	v.SetDefault("max_tcp_sockets", cfg.MaxTCPSockets)
	v.SetDefault("socket_timeout_ms", cfg.SocketTimeout.Milliseconds())
	v.SetDefault("max_waiting_requests", cfg.MaxWaitingRequests)
	v.SetDefault("max_clients", cfg.MaxClients)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
	v.SetDefault("tcp_port_range", "")
	v.SetDefault("discover_public_ip", cfg.DiscoverPublicIP)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	}

	cfg.Address = v.GetString("address")
	cfg.Port = v.GetInt("port")
	cfg.Secure = v.GetBool("secure")
	cfg.Domain = v.GetString("domain")
	cfg.Landing = v.GetString("landing")
	cfg.MaxTCPSockets = v.GetInt("max_tcp_sockets")
	cfg.SocketTimeout = time.Duration(v.GetInt64("socket_timeout_ms")) * time.Millisecond
	// An unset queue_timeout_ms follows socket_timeout_ms.
	cfg.QueueTimeout = cfg.SocketTimeout
	if v.IsSet("queue_timeout_ms") {
		cfg.QueueTimeout = time.Duration(v.GetInt64("queue_timeout_ms")) * time.Millisecond
	}
	cfg.MaxWaitingRequests = v.GetInt("max_waiting_requests")
	cfg.MaxClients = v.GetInt("max_clients")
	cfg.LogLevel = v.GetString("log_level")
	cfg.MetricsAddr = v.GetString("metrics_addr")
	cfg.DiscoverPublicIP = v.GetBool("discover_public_ip")

	if rng := v.GetString("tcp_port_range"); rng != "" {
		min, max, err := parsePortRange(rng)
		if err != nil {
			return cfg, err
		}
		cfg.TCPPortRangeMin, cfg.TCPPortRangeMax = min, max
	}

	return cfg, nil
}

func parsePortRange(s string) (int, int, error) {
	var min, max int
	if _, err := fmt.Sscanf(s, "%d-%d", &min, &max); err != nil {
		return 0, 0, fmt.Errorf("invalid tcp_port_range %q, want MIN-MAX: %w", s, err)
	}
	if min <= 0 || max <= 0 || min > max {
		return 0, 0, fmt.Errorf("invalid tcp_port_range %q: bounds must be positive and ordered", s)
	}
	return min, max, nil
}

// StateDir returns the directory tunnelgate uses to cache generated TLS
// material, picked by which environment variable is set (on any platform):
//   - $XDG_CONFIG_HOME/tunnelgate, if XDG_CONFIG_HOME is set
//   - otherwise %APPDATA%\tunnelgate, if APPDATA is set
//   - otherwise $HOME/.config/tunnelgate
func StateDir() (string, error) {
	var dir string

	switch {
	case os.Getenv("XDG_CONFIG_HOME") != "":
		dir = filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "tunnelgate")
	case os.Getenv("APPDATA") != "":
		dir = filepath.Join(os.Getenv("APPDATA"), "tunnelgate")
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".config", "tunnelgate")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

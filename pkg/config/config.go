package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the daemon's environment-driven configuration. The socket path
// is the contract with clients and has no default on purpose: whoever
// starts the daemon (a systemd unit in practice) decides the path and hands
// the same value to clients.
type Config struct {
	SocketPath string `envconfig:"DISPLAY_DISTRIBUTOR_SOCKET" required:"true"`

	// ConnTimeout bounds each connection's reads and writes. The reference
	// behavior is unbounded blocking; zero restores that.
	ConnTimeout time.Duration `envconfig:"DISPLAY_DISTRIBUTOR_CONN_TIMEOUT" default:"5s"`
}

// Load reads the configuration from the environment, preloading .env if
// one is present.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}
	return cfg, nil
}

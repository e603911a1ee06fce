// Package config holds the runtime configuration of the server.
package config

import (
	"os"
	"strings"
)

// Config contains every knob the server reads at startup. Flags cover
// port/debug; everything else comes from the environment.
type Config struct {
	Debug bool
	Port  string

	RedisURL    string
	DatabaseURL string

	FrontendPath string
	APIKeys      []string
}

// Load reads the environment-backed portion of the configuration.
func Load(debug bool, port string) *Config {
	cfg := &Config{
		Debug: debug,
		Port:  port,

		RedisURL:    os.Getenv("REDIS_URL"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		FrontendPath: os.Getenv("FRONTEND_PATH"),
	}

	if envAPIKeys := os.Getenv("API_KEYS"); envAPIKeys != "" {
		keys := strings.Split(envAPIKeys, ",")
		for i, key := range keys {
			keys[i] = strings.TrimSpace(key)
		}
		cfg.APIKeys = keys
	}

	return cfg
}

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the broker configuration.
type Config struct {
	// DevMode relaxes external dependencies (in-memory database, no NATS
	// credentials).
	DevMode bool `yaml:"dev_mode"`

	// DatabasePath is the SQLite database file. ":memory:" for ephemeral.
	DatabasePath string `yaml:"database_path"`

	// NATS configuration
	NATS NATSConfig `yaml:"nats"`

	// Verifier configuration
	Verifier VerifierConfig `yaml:"verifier"`

	// Tokens configuration
	Tokens TokenConfig `yaml:"tokens"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
}

// VerifierConfig holds credential verifier agent settings.
type VerifierConfig struct {
	URL            string `yaml:"url"`
	Domain         int64  `yaml:"domain"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// TokenConfig holds token issuance settings. The signing key file contains
// a raw Ed25519 private key; when absent a fresh key is generated at start.
type TokenConfig struct {
	Issuer            string `yaml:"issuer"`
	SigningKeyFile    string `yaml:"signing_key_file"`
	AccessTTLMinutes  int    `yaml:"access_ttl_minutes"`
	RefreshTTLHours   int    `yaml:"refresh_ttl_hours"`
}

// LoadConfig loads configuration from a YAML file, falling back to defaults
// when the file does not exist.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DevMode:      false,
		DatabasePath: "identity-broker.db",
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			ReconnectWait: 2000,
			MaxReconnects: -1, // Unlimited
		},
		Verifier: VerifierConfig{
			URL:            "http://localhost:3003",
			Domain:         11155111, // Sepolia
			TimeoutSeconds: 10,
		},
		Tokens: TokenConfig{
			Issuer:           "decent-identity",
			AccessTTLMinutes: 15,
			RefreshTTLHours:  24,
		},
	}
}

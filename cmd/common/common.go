// Package common provides shared utilities for the aura CLI commands:
// YAML configuration loading, key loading and generation, and id
// parsing shared by the standalone binaries.
package common

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hxrts/aura-sub037/agent"
	"github.com/hxrts/aura-sub037/crypto"
	"github.com/hxrts/aura-sub037/storage"
	"github.com/hxrts/aura-sub037/transport"
)

// Config is the shared YAML configuration for the binaries. Each binary
// reads the sections it needs.
type Config struct {
	HTTPAddr      string                  `yaml:"http_addr"`
	ListenAddr    string                  `yaml:"listen_addr"`
	RendezvousURL string                  `yaml:"rendezvous_url"`
	SigningKey    string                  `yaml:"signing_key"`
	Authority     string                  `yaml:"authority"`
	Device        string                  `yaml:"device"`
	Context       string                  `yaml:"context"`
	Mode          agent.ExecutionMode     `yaml:"mode"`
	Transport     transport.Config        `yaml:"transport"`
	Postgres      *storage.PostgresConfig `yaml:"postgres,omitempty"`
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:   ":8080",
		ListenAddr: ":9000",
		Mode:       agent.ProductionMode(),
		Transport:  transport.DefaultConfig(),
	}
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// LoadOrGenerateSigningKey loads an Ed25519 private key from a hex
// string, or generates a new key pair if hexKey is empty.
func LoadOrGenerateSigningKey(hexKey string) (crypto.PrivateKey, error) {
	if hexKey != "" {
		keyBytes, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		return crypto.NewPrivateKeyFromBytes(keyBytes), nil
	}
	_, privKey, err := crypto.GenerateKeyPair()
	return privKey, err
}

// LoadOrGenerateID parses a 16-byte id from its string form, or mints a
// fresh one if the string is empty.
func LoadOrGenerateID(s string) (crypto.ID, error) {
	if s == "" {
		return crypto.NewID(), nil
	}
	return crypto.NewIDFromString(s)
}

// OpenStore opens the configured storage backend: PostgreSQL when a
// postgres section is present, in-memory otherwise.
func OpenStore(cfg *Config) (storage.Store, func() error, error) {
	if cfg.Postgres == nil {
		return storage.NewMemoryStore(), func() error { return nil }, nil
	}
	store, err := storage.NewPostgresStore(cfg.Postgres)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// ShutdownTimeout bounds graceful server shutdowns.
const ShutdownTimeout = 10 * time.Second

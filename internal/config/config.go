// Package config loads the process configuration for the sync server from
// the environment (spec.md §6): the listen address, the server secret used
// to verify bearer tokens, and which storage.Storage backend to run against.
// An optional .env file is loaded first via godotenv, the wider example
// pack's dependency for local development; production deployments are
// expected to set real environment variables instead.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// StorageKind selects which storage.Storage backend the server runs against.
type StorageKind string

const (
	StorageKindMemory StorageKind = "memory"
	StorageKindBolt   StorageKind = "bolt"
)

// Config is the fully resolved process configuration.
type Config struct {
	// ListenAddr is the address http.Server listens on, e.g. ":8080".
	ListenAddr string
	// ServerSecret signs and verifies bearer tokens (spec.md §4.11). Required.
	ServerSecret []byte
	// ServerID identifies this process within a ClientId's server bits
	// (spec.md §4.1). Must be stable across restarts for a given deployment.
	ServerID uint8
	// Storage selects the persistence backend.
	Storage StorageKind
	// BoltPath is the BoltDB file path, used when Storage == StorageKindBolt.
	BoltPath string
	// LogLevel controls the slog handler's minimum level.
	LogLevel slog.Level
}

// Load reads configuration from the environment, first loading a .env file
// from the working directory if one is present (a missing .env is not an
// error; a malformed one is).
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Config{
		ListenAddr: envOr("LISTEN_ADDR", ":8080"),
		Storage:    StorageKindMemory,
		BoltPath:   envOr("BOLT_PATH", "plantopo-sync.db"),
	}

	secret := os.Getenv("SERVER_SECRET")
	if secret == "" {
		return Config{}, fmt.Errorf("config: SERVER_SECRET is required")
	}
	cfg.ServerSecret = []byte(secret)

	serverID, err := envUint8("SERVER_ID", 0)
	if err != nil {
		return Config{}, err
	}
	cfg.ServerID = serverID

	if kind := os.Getenv("STORAGE"); kind != "" {
		switch StorageKind(kind) {
		case StorageKindMemory, StorageKindBolt:
			cfg.Storage = StorageKind(kind)
		default:
			return Config{}, fmt.Errorf("config: unknown STORAGE %q (want %q or %q)", kind, StorageKindMemory, StorageKindBolt)
		}
	}

	level, err := envLogLevel("LOG_LEVEL", slog.LevelInfo)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	return cfg, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envUint8(name string, fallback uint8) (uint8, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(v, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return uint8(n), nil
}

func envLogLevel(name string, fallback slog.Level) (slog.Level, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return fallback, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return level, nil
}

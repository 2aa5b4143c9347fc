package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Cache   CacheConfig
	Sync    SyncConfig
	Vault   VaultConfig
	API     APIConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

// CacheConfig holds the per-endpoint-class response cache TTLs.
type CacheConfig struct {
	ListingTTL time.Duration
	RecentTTL  time.Duration
	QuoteTTL   time.Duration
	WeatherTTL time.Duration
}

type SyncConfig struct {
	// LookbackDays is the initial window for a source that has never synced.
	LookbackDays int
	// Interval between scheduled background syncs. Zero disables the
	// scheduler.
	Interval time.Duration
	// Timezone is the reference timezone for day summaries.
	Timezone string
}

type VaultConfig struct {
	// MasterKey is the base64 AES-256 key sealing stored credentials.
	// Required; supplied at process start and never persisted in plain
	// config.
	MasterKey string
}

type APIConfig struct {
	Token string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Cache: CacheConfig{
			ListingTTL: 30 * time.Minute,
			RecentTTL:  5 * time.Minute,
			QuoteTTL:   15 * time.Minute,
			WeatherTTL: 30 * time.Minute,
		},
		Sync: SyncConfig{
			LookbackDays: 7,
			Interval:     30 * time.Minute,
			Timezone:     "UTC",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.mosbiic.pulse) and
// secrets fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/pulse/config.json
// and secrets fall back to a mode-0600 secrets file.
//
// Environment variables (PULSE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try the platform keychain for secrets still unset.
	if cfg.Vault.MasterKey == "" {
		if key, err := kc.Get("pulse", "master_key"); err == nil && key != "" {
			cfg.Vault.MasterKey = key
		}
	}
	if cfg.API.Token == "" {
		if tok, err := kc.Get("pulse", "api_token"); err == nil && tok != "" {
			cfg.API.Token = tok
		}
	}

	if cfg.Vault.MasterKey == "" {
		msg := "missing required config: vault master key. " +
			"Generate one with `pulse key generate` and set it via environment variable PULSE_VAULT_MASTER_KEY" +
			masterKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	if _, err := time.LoadLocation(cfg.Sync.Timezone); err != nil {
		return Config{}, fmt.Errorf("invalid sync.timezone %q: %w", cfg.Sync.Timezone, err)
	}

	return cfg, nil
}

// Location resolves the configured reference timezone. Load has already
// validated it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Sync.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// StoreSecret writes a secret to the platform secret store.
func StoreSecret(account, value string) error {
	return keychainSet("pulse", account, value)
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PULSE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PULSE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "cache.listing_ttl", typ: kDuration, env: "PULSE_CACHE_LISTING_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.ListingTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.ListingTTL },
	},
	{
		key: "cache.recent_ttl", typ: kDuration, env: "PULSE_CACHE_RECENT_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.RecentTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.RecentTTL },
	},
	{
		key: "cache.quote_ttl", typ: kDuration, env: "PULSE_CACHE_QUOTE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.QuoteTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.QuoteTTL },
	},
	{
		key: "cache.weather_ttl", typ: kDuration, env: "PULSE_CACHE_WEATHER_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.WeatherTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.WeatherTTL },
	},
	{
		key: "sync.lookback_days", typ: kInt, env: "PULSE_SYNC_LOOKBACK_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Sync.LookbackDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.LookbackDays },
	},
	{
		key: "sync.interval", typ: kDuration, env: "PULSE_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Interval },
	},
	{
		key: "sync.timezone", typ: kString, env: "PULSE_SYNC_TIMEZONE",
		apply:   func(cfg *Config, v any) { cfg.Sync.Timezone = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.Timezone },
	},
	{
		key: "log.level", typ: kString, env: "PULSE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "vault.master_key", typ: kString, env: "PULSE_VAULT_MASTER_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Vault.MasterKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Vault.MasterKey },
	},
	{
		key: "api.token", typ: kString, env: "PULSE_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

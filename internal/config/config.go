package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Database DatabaseConfig `toml:"database"`
	JWT      JWTConfig      `toml:"jwt"`
	Cache    CacheConfig    `toml:"cache"`
	Storage  StorageConfig  `toml:"storage"`
	AI       AIConfig       `toml:"ai"`
	Actor    ActorConfig    `toml:"actor"`
}

type DatabaseConfig struct {
	ConnectionString string `toml:"connection_string"`
	PoolSize         int    `toml:"pool_size"`
}

type JWTConfig struct {
	Secret                string `toml:"secret"`
	AccessTokenTTLSeconds int    `toml:"access_token_ttl_seconds"`
	RefreshTokenSecret    string `toml:"refresh_token_secret"`
}

type CacheConfig struct {
	UserCacheTTLSeconds int `toml:"user_cache_ttl_seconds"`
}

type StorageConfig struct {
	BasePath string `toml:"base_path"`
}

type AIConfig struct {
	DefaultPersona    string                      `toml:"default_persona"`
	ContextTokenLimit int                         `toml:"context_token_limit"`
	DefaultProvider   string                      `toml:"default_provider"`
	Providers         map[string]AIProviderConfig `toml:"providers"`
}

type AIProviderConfig struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"`
}

type ActorConfig struct {
	InactivityTimeoutSeconds int `toml:"inactivity_timeout_seconds"`
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"`
	CommandQueueCapacity     int `toml:"command_queue_capacity"`
	EventBusCapacity         int `toml:"event_bus_capacity"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Database: DatabaseConfig{PoolSize: 10},
		JWT:      JWTConfig{AccessTokenTTLSeconds: 900},
		Cache:    CacheConfig{UserCacheTTLSeconds: 300},
		Storage:  StorageConfig{BasePath: "storage"},
		AI: AIConfig{
			DefaultPersona:    "You are a helpful collaboration assistant.",
			ContextTokenLimit: 32000,
			DefaultProvider:   "openaicompat",
			Providers:         map[string]AIProviderConfig{},
		},
		Actor: ActorConfig{
			InactivityTimeoutSeconds: 1800,
			HeartbeatIntervalSeconds: 30,
			CommandQueueCapacity:     64,
			EventBusCapacity:         100,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "oasiscore.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("OASISCORE_DATABASE_CONNECTION_STRING"); v != "" {
		cfg.Database.ConnectionString = v
	}
	if v := os.Getenv("OASISCORE_JWT_SECRET"); v != "" {
		cfg.JWT.Secret = v
	}
	if v := os.Getenv("OASISCORE_JWT_REFRESH_SECRET"); v != "" {
		cfg.JWT.RefreshTokenSecret = v
	}
	if v := os.Getenv("OASISCORE_STORAGE_BASE_PATH"); v != "" {
		cfg.Storage.BasePath = v
	}
	if v := os.Getenv("OASISCORE_AI_PROVIDER_API_KEY"); v != "" {
		if cfg.AI.Providers == nil {
			cfg.AI.Providers = map[string]AIProviderConfig{}
		}
		p := cfg.AI.Providers[cfg.AI.DefaultProvider]
		p.APIKey = v
		cfg.AI.Providers[cfg.AI.DefaultProvider] = p
	}

	return cfg
}

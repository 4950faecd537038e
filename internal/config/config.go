package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrConfigurationFault is returned when the limit policy is missing,
// malformed, or inconsistent with the declared deployment environment.
// Callers must refuse to start rather than fall back to permissive defaults.
var ErrConfigurationFault = errors.New("configuration fault")

type Config struct {
	Server      ServerConfig   `json:"server"`
	Redis       RedisConfig    `json:"redis"`
	Postgres    PostgresConfig `json:"postgres"`
	Admin       AdminConfig    `json:"admin"`
	LimitPolicy LimitPolicy    `json:"limit_policy"`
}

type ServerConfig struct {
	Port        string `json:"port"`
	Environment string `json:"environment"` // "development" or "production"

	// Which ledger backend to run: "memory", "postgres" or "redis".
	Store string `json:"store"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Password string `json:"-"` // from REDIS_PASSWORD
	DB       int    `json:"db"`
}

func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

type PostgresConfig struct {
	DSN string `json:"-"` // from DATABASE_URL
}

type AdminConfig struct {
	JWTSecret   string `json:"-"` // from JWT_SECRET
	ExpiryHours int    `json:"jwt_expiry_hours"`
}

func Load(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfigurationFault, path, err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfigurationFault, path, err)
	}

	if config.Server.Port == "" {
		config.Server.Port = "8080"
	}
	if config.Server.Store == "" {
		config.Server.Store = "memory"
	}
	if config.Admin.ExpiryHours <= 0 {
		config.Admin.ExpiryHours = 24
	}

	// Secrets come from the environment, never the config file.
	config.Redis.Password = os.Getenv("REDIS_PASSWORD")
	config.Postgres.DSN = os.Getenv("DATABASE_URL")
	config.Admin.JWTSecret = os.Getenv("JWT_SECRET")

	if err := config.LimitPolicy.Validate(config.Server.Environment); err != nil {
		return nil, err
	}

	return &config, nil
}

package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the yaml-backed service configuration. Environment variables
// override the connection-level settings, so a container deployment needs no
// config file edits.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Auth struct {
		Required  bool   `yaml:"required"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	Room struct {
		TTLHours   int `yaml:"ttl_hours"`
		CodeLength int `yaml:"code_length"`
		MaxPlayers int `yaml:"max_players"`
	} `yaml:"room"`

	Relay struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		StreamName    string `yaml:"stream_name"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"relay"`

	Games struct {
		Enabled []string `yaml:"enabled"`
	} `yaml:"games"`
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(&config)
	return &config, nil
}

func applyEnvOverrides(config *Config) {
	config.Server.Port = getEnv("PORT", config.Server.Port)
	config.Auth.JWTSecret = getEnv("JWT_SECRET", config.Auth.JWTSecret)
	config.Relay.URL = getEnv("NATS_URL", config.Relay.URL)
}

func (c *Config) roomTTL() time.Duration {
	if c.Room.TTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Room.TTLHours) * time.Hour
}

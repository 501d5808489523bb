// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// WSBaseURL is the room WebSocket endpoint, without a room id.
	WSBaseURL string
	// APIBaseURL is the backend REST base, e.g. "http://localhost:8000/api".
	APIBaseURL string
	// DBPath is where the credential store lives.
	DBPath string
	// RoomID is the default room the terminal client joins.
	RoomID string
	// Port is the devserver listen port.
	Port string

	Chat ChatConfig
}

// ChatConfig tunes the connection manager's recovery behavior.
type ChatConfig struct {
	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		WSBaseURL:  getEnv("IMEAN_WS_URL", "ws://localhost:8000/api/sessions/ws"),
		APIBaseURL: getEnv("IMEAN_API_URL", "http://localhost:8000/api"),
		DBPath:     getEnv("DB_PATH", "./data/imean.db"),
		RoomID:     getEnv("IMEAN_ROOM_ID", ""),
		Port:       getEnv("PORT", "8000"),
		Chat: ChatConfig{
			HeartbeatInterval:    time.Duration(getEnvInt("CHAT_HEARTBEAT_SECONDS", 30)) * time.Second,
			ReconnectDelay:       time.Duration(getEnvInt("CHAT_RECONNECT_DELAY_SECONDS", 3)) * time.Second,
			MaxReconnectAttempts: getEnvInt("CHAT_MAX_RECONNECT_ATTEMPTS", 5),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.WSBaseURL == "" {
		return fmt.Errorf("IMEAN_WS_URL cannot be empty")
	}
	if !strings.HasPrefix(c.WSBaseURL, "ws://") && !strings.HasPrefix(c.WSBaseURL, "wss://") {
		return fmt.Errorf("IMEAN_WS_URL must use a ws:// or wss:// scheme")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Chat.HeartbeatInterval <= 0 {
		return fmt.Errorf("CHAT_HEARTBEAT_SECONDS must be > 0")
	}
	if c.Chat.ReconnectDelay <= 0 {
		return fmt.Errorf("CHAT_RECONNECT_DELAY_SECONDS must be > 0")
	}
	if c.Chat.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("CHAT_MAX_RECONNECT_ATTEMPTS must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

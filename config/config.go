package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string

	// BaseURL is the server the client talks to, e.g. "http://localhost:8080".
	// The hub websocket lives at BaseURL + HubPath, the history API under
	// BaseURL + "/api".
	BaseURL string
	HubPath string

	// CallWindowHours restricts when a video call may be started (hour of
	// day, local time). Empty means calls are always allowed.
	CallWindowHours []int

	Redis RedisConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:            getEnv("PORT", "8080"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		AllowedOrigins:  origins,
		JWTSecret:       getEnv("JWT_SECRET", "change-me-in-production"),
		BaseURL:         getEnv("BASE_URL", "http://localhost:8080"),
		HubPath:         getEnv("HUB_PATH", "/videocallhub"),
		CallWindowHours: parseHours(getEnv("CALL_WINDOW_HOURS", "")),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
		},
	}
}

// HubURL returns the websocket endpoint for the hub, derived from BaseURL.
func (c *Config) HubURL() string {
	url := c.BaseURL + c.HubPath
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// parseHours parses a comma-separated list of hours ("3,15"). Entries that
// are not valid hours are dropped.
func parseHours(s string) []int {
	if s == "" {
		return nil
	}
	var hours []int
	for _, part := range strings.Split(s, ",") {
		h, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || h < 0 || h > 23 {
			continue
		}
		hours = append(hours, h)
	}
	return hours
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Package config loads application configuration from environment
// variables (CONVERSA_ prefix) and an optional conversa.yaml file.
// Environment variables take precedence over file values.
package config

import (
	"strconv"
	"strings"
)

// Config holds all application configuration.
type Config struct {
	Translate TranslateConfig `mapstructure:"translate" validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Bot       BotConfig       `mapstructure:"bot"`
}

// TranslateConfig configures the translation pipeline and the remote
// chat-completions API it drives.
type TranslateConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url" validate:"required,url"`
	Referer     string  `mapstructure:"referer"`
	Model       string  `mapstructure:"model" validate:"required"`
	Temperature float64 `mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `mapstructure:"max_tokens" validate:"gt=0"`

	BatchSize         int `mapstructure:"batch_size" validate:"gt=0"`
	MaxConcurrent     int `mapstructure:"max_concurrent" validate:"gt=0"`
	RequestsPerMinute int `mapstructure:"requests_per_minute" validate:"gt=0"`
	MaxRetries        int `mapstructure:"max_retries" validate:"gt=0"`
	TimeoutSeconds    int `mapstructure:"timeout_seconds" validate:"gt=0"`
}

// DatabaseConfig configures the PostgreSQL connection used by the
// loaddb, serve and bot commands. Unused by the translation pipeline.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// ServerConfig configures the search API server.
type ServerConfig struct {
	Port         int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel     string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	JWTSecret    string `mapstructure:"jwt_secret" validate:"omitempty,min=32"`
	TokenTTLHour int    `mapstructure:"token_ttl_hours" validate:"gt=0"`
	AnalysisDir  string `mapstructure:"analysis_dir"`
}

// BotConfig configures the Telegram admin bot. AdminIDs is a
// comma-separated list of Telegram user IDs.
type BotConfig struct {
	Token    string `mapstructure:"token"`
	AdminIDs string `mapstructure:"admin_ids"`
}

// AdminIDList parses AdminIDs, skipping malformed entries.
func (b BotConfig) AdminIDList() []int64 {
	var ids []int64
	for _, part := range strings.Split(b.AdminIDs, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

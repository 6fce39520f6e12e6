package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ConfigFileName is the optional YAML config file (without extension)
// searched for in the current directory.
const ConfigFileName = "conversa"

// Load reads configuration from environment variables with the CONVERSA_
// prefix and, when present, a conversa.yaml file in the current directory.
// Environment variables take precedence. The loaded config is validated
// before anything touches the network or the database.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName(ConfigFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("CONVERSA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("translate.base_url", "https://openrouter.ai/api/v1/chat/completions")
	v.SetDefault("translate.referer", "https://github.com/conversa-dev/conversa")
	v.SetDefault("translate.model", "qwen/qwen3-235b-a22b-2507")
	v.SetDefault("translate.temperature", 0.3)
	v.SetDefault("translate.max_tokens", 1000)
	v.SetDefault("translate.batch_size", 10)
	v.SetDefault("translate.max_concurrent", 20)
	v.SetDefault("translate.requests_per_minute", 180)
	v.SetDefault("translate.max_retries", 3)
	v.SetDefault("translate.timeout_seconds", 60)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.token_ttl_hours", 24)
	v.SetDefault("server.analysis_dir", "analysis_results")
}

// bindEnvKeys registers every config key with viper so AutomaticEnv
// picks up CONVERSA_* variables for keys absent from the config file.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"translate.api_key",
		"translate.base_url",
		"translate.referer",
		"translate.model",
		"translate.temperature",
		"translate.max_tokens",
		"translate.batch_size",
		"translate.max_concurrent",
		"translate.requests_per_minute",
		"translate.max_retries",
		"translate.timeout_seconds",
		"database.url",
		"server.port",
		"server.log_level",
		"server.jwt_secret",
		"server.token_ttl_hours",
		"server.analysis_dir",
		"bot.token",
		"bot.admin_ids",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

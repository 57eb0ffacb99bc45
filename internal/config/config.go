package config

import (
	"time"

	"github.com/spf13/viper"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"
)

// Config holds the main configuration for the application.
type Config struct {
	Server Server         `mapstructure:"server"`
	API    API            `mapstructure:"api"`
	Live   Live           `mapstructure:"live"`
	Retry  retry.Strategy `mapstructure:"retry"`
}

// Server holds HTTP server-related configuration.
type Server struct {
	HTTPPort string `mapstructure:"http_port"` // HTTP port to listen on
}

// API holds the backend REST endpoint configuration.
type API struct {
	BaseURL string        `mapstructure:"base_url"` // backend base URL
	Token   string        `mapstructure:"token"`    // session bearer token
	UserID  string        `mapstructure:"user_id"`  // authenticated user id
	Timeout time.Duration `mapstructure:"timeout"`  // per-call timeout, retries included
}

// Live holds the push channel configuration.
type Live struct {
	URL            string        `mapstructure:"url"`             // websocket endpoint
	InitialBackoff time.Duration `mapstructure:"initial_backoff"` // first reconnect delay
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`     // reconnect delay cap
}

// mustBindEnv binds critical environment variables to Viper keys.
//
// It panics if any environment variable cannot be bound.
func mustBindEnv() {
	bindings := map[string]string{
		"api.base_url": "API_BASE_URL",
		"api.token":    "API_TOKEN",
		"api.user_id":  "API_USER_ID",

		"live.url": "LIVE_URL",
	}

	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			zlog.Logger.Panic().Err(err).Msgf("failed to bind env %s", env)
		}
	}
}

// Must loads and validates the configuration from file and environment
// variables.
//
// It panics if configuration cannot be read or unmarshalled.
func Must() *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		zlog.Logger.Panic().Err(err).Msg("failed to read config")
	}

	mustBindEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		zlog.Logger.Panic().Err(err).Msgf("failed to unmarshal config: %v", err)
	}

	return &cfg
}

// Package config loads and validates server configuration.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// HTTPServerConfig defines the HTTP server parameters.
type HTTPServerConfig struct {
	// ListenOn is the interface the server will listen on.
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the server will listen on.
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0"`
	// ReadTimeout is the max duration for reading a request in seconds.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the max duration before timing out a response write
	// in seconds. It must stay zero: the websocket route holds its writer
	// for the connection's lifetime.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"eq=0"`
}

// HubConfig defines the connection and fan-out parameters.
type HubConfig struct {
	// HeartbeatWindowSec is the max client silence before force-close.
	HeartbeatWindowSec int `mapstructure:"heartbeat_window_sec" json:"heartbeat_window_sec" validate:"gte=1"`
	// SendQueueSize bounds each connection's outbound queue.
	SendQueueSize int `mapstructure:"send_queue_size" json:"send_queue_size" validate:"gte=1"`
	// HistorySize is the number of events retained per topic for
	// replay-on-rejoin; 0 disables replay.
	HistorySize int `mapstructure:"history_size" json:"history_size" validate:"gte=0"`
}

// CORSConfig defines cross-origin parameters for the API routes.
type CORSConfig struct {
	// AllowedOrigins lists the origins allowed to call the API.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
}

// Config is the complete server configuration.
type Config struct {
	// HTTP defines the HTTP server parameters.
	HTTP HTTPServerConfig `mapstructure:"http" json:"http" validate:"required"`
	// Hub defines the connection and fan-out parameters.
	Hub HubConfig `mapstructure:"hub" json:"hub" validate:"required"`
	// CORS defines cross-origin parameters.
	CORS CORSConfig `mapstructure:"cors" json:"cors"`

	// MasterSecret signs subscriber tokens. It is read from the
	// REALTIME_MASTER_SECRET environment variable only, never from a file.
	MasterSecret string `mapstructure:"-" json:"-" validate:"required"`
}

// InstallDefaults installs default config parameters in viper.
func InstallDefaults() {
	viper.SetDefault("http.listen_on", "0.0.0.0")
	viper.SetDefault("http.listen_port", 3080)
	viper.SetDefault("http.read_timeout_sec", 60)
	viper.SetDefault("http.write_timeout_sec", 0)

	viper.SetDefault("hub.heartbeat_window_sec", 30)
	viper.SetDefault("hub.send_queue_size", 64)
	viper.SetDefault("hub.history_size", 64)

	viper.SetDefault("cors.allowed_origins", []string{"*"})
}

// Load reads config from viper (defaults, optional file, env) and
// validates it.
func Load() (Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.MasterSecret = os.Getenv("REALTIME_MASTER_SECRET")

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

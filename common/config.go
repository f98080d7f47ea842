// Copyright 2021-2022 The parksense Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
	// LocationSubject is the subject location updates are received on
	LocationSubject string `mapstructure:"location_subject" json:"location_subject" validate:"required"`
	// QueueGroup if set, location updates are received as part of this queue group
	QueueGroup string `mapstructure:"queue_group" json:"queue_group"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Real-time Connection Related Config

// RealtimeConfig defines the websocket connection parameters
type RealtimeConfig struct {
	// TokenQueryParam is the URL query parameter carrying the bearer token at connect
	TokenQueryParam string `mapstructure:"token_query_param" json:"token_query_param" validate:"required"`
	// OutboundQueueLen is the max number of pushes queued for one connection before
	// further pushes are dropped
	OutboundQueueLen int `mapstructure:"outbound_queue_len" json:"outbound_queue_len" validate:"gte=1"`
	// WriteTimeout is the max duration for writing one push to a connection in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Auth Related Config

// AuthConfig defines bearer token verification parameters
type AuthConfig struct {
	// JWTSecret is the HMAC secret the tokens are signed with
	JWTSecret string `mapstructure:"jwt_secret" json:"-" validate:"required"`
	// Issuer if set, tokens must carry this issuer
	Issuer string `mapstructure:"issuer" json:"issuer"`
}

// ===============================================================================
// Presence Cache Related Config

// PresenceConfig defines the presence cache parameters
type PresenceConfig struct {
	// TTL is the lifetime of a presence record since its last write in seconds
	TTL int `mapstructure:"ttl_sec" json:"ttl_sec" validate:"gte=1"`
	// SweepPeriod is the interval between expiry sweeps in seconds
	SweepPeriod int `mapstructure:"sweep_period_sec" json:"sweep_period_sec" validate:"gte=1"`
}

// TTLDuration the record TTL as time.Duration
func (c PresenceConfig) TTLDuration() time.Duration {
	return time.Second * time.Duration(c.TTL)
}

// SweepPeriodDuration the sweep period as time.Duration
func (c PresenceConfig) SweepPeriodDuration() time.Duration {
	return time.Second * time.Duration(c.SweepPeriod)
}

// ===============================================================================
// Parking Detection Related Config

// ParkingConfig defines the parking detection parameters
type ParkingConfig struct {
	// DetectRadiusKM is the max distance from a parking location to count as parked there
	DetectRadiusKM float64 `mapstructure:"detect_radius_km" json:"detect_radius_km" validate:"gt=0"`
	// CooldownMS is the min time between two parked-visit records for one user in milliseconds
	CooldownMS int64 `mapstructure:"cooldown_ms" json:"cooldown_ms" validate:"gte=0"`
	// EarthRadiusKM is the earth radius used for angular radius and distance computations
	EarthRadiusKM float64 `mapstructure:"earth_radius_km" json:"earth_radius_km" validate:"gt=0"`
}

// CooldownDuration the cooldown window as time.Duration
func (c ParkingConfig) CooldownDuration() time.Duration {
	return time.Millisecond * time.Duration(c.CooldownMS)
}

// ===============================================================================
// Storage Related Config

// StorageConfig defines the persistence parameters
type StorageConfig struct {
	// DBPath is the path to the SQLite database file
	DBPath string `mapstructure:"db_path" json:"db_path" validate:"required"`
	// WriteRetryAttempts is the number of attempts for a write failing on a transient error
	WriteRetryAttempts uint `mapstructure:"write_retry_attempts" json:"write_retry_attempts" validate:"gte=1"`
	// QueryTimeout is the max duration of one storage call in seconds
	QueryTimeout int `mapstructure:"query_timeout_sec" json:"query_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Location Update Pipeline Related Config

// PipelineConfig defines the location update processing parameters
type PipelineConfig struct {
	// Workers is the number of parallel location update workers
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1"`
	// QueueLen is the initial queue capacity of each worker
	QueueLen int `mapstructure:"queue_len" json:"queue_len" validate:"gte=1"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// NATS are the NATS related config parameters. Location update ingest over NATS is
	// disabled if not set.
	NATS *NATSConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty"`
	// HTTP are the HTTP API server configs
	HTTP HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Realtime are the websocket connection configs
	Realtime RealtimeConfig `mapstructure:"realtime" json:"realtime" validate:"required"`
	// Auth are the bearer token verification configs
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required"`
	// Presence are the presence cache configs
	Presence PresenceConfig `mapstructure:"presence" json:"presence" validate:"required"`
	// Parking are the parking detection configs
	Parking ParkingConfig `mapstructure:"parking" json:"parking" validate:"required"`
	// Storage are the persistence configs
	Storage StorageConfig `mapstructure:"storage" json:"storage" validate:"required"`
	// Pipeline are the location update pipeline configs
	Pipeline PipelineConfig `mapstructure:"pipeline" json:"pipeline" validate:"required"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default HTTP server settings
	viper.SetDefault("api_server.path_prefix", "/")
	viper.SetDefault("api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api_server.server_config.listen_port", 3000)
	viper.SetDefault("api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("api_server.logging_config.request_id_header", "Parksense-Request-ID")
	viper.SetDefault(
		"api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default real-time connection settings
	viper.SetDefault("realtime.token_query_param", "token")
	viper.SetDefault("realtime.outbound_queue_len", 16)
	viper.SetDefault("realtime.write_timeout_sec", 10)

	// Default presence cache settings
	viper.SetDefault("presence.ttl_sec", 1200)
	viper.SetDefault("presence.sweep_period_sec", 60)

	// Default parking detection settings
	viper.SetDefault("parking.detect_radius_km", 0.5)
	viper.SetDefault("parking.cooldown_ms", 900000)
	viper.SetDefault("parking.earth_radius_km", 6378.1)

	// Default storage settings
	viper.SetDefault("storage.db_path", "parksense.db")
	viper.SetDefault("storage.write_retry_attempts", 3)
	viper.SetDefault("storage.query_timeout_sec", 10)

	// Default pipeline settings
	viper.SetDefault("pipeline.workers", 4)
	viper.SetDefault("pipeline.queue_len", 64)
}

// InstallDefaultNATSConfigValues installs default NATS config parameters in viper.
// Only called when location update ingest over NATS is requested.
func InstallDefaultNATSConfigValues() {
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.location_subject", "parksense.location")
}

// LoadSystemConfig install the defaults, apply the config file if given, and return the
// validated system config
func LoadSystemConfig(configFile string, enableNATS bool) (*SystemConfig, error) {
	InstallDefaultConfigValues()
	if enableNATS {
		InstallDefaultNATSConfigValues()
	}
	if len(configFile) > 0 {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}
	var config SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configFile, err)
	}
	if err := validator.New().Struct(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

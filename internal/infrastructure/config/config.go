package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for sirend.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Sirens    SirensConfig    `yaml:"sirens"`
	Scenarios ScenariosConfig `yaml:"scenarios"`
	Sequencer SequencerConfig `yaml:"sequencer"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// PublishTimeout bounds a single publish. A publish that exceeds it is
	// reported as a transport failure for that device.
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// SirensConfig describes the siren fleet behind the zigbee2mqtt bridge.
type SirensConfig struct {
	// Namespace is the zigbee2mqtt base topic. Commands go to <namespace>/<device>/set.
	Namespace string `yaml:"namespace"`

	// Devices is the default target set used when an invocation names none.
	Devices []string `yaml:"devices"`
}

// ToneConfig selects a melody and volume on the siren.
type ToneConfig struct {
	Melody int    `yaml:"melody"`
	Volume string `yaml:"volume"`
}

// TimedToneConfig is a tone that auto-stops after Duration.
type TimedToneConfig struct {
	ToneConfig `yaml:",inline"`
	Duration   time.Duration `yaml:"duration"`
}

// ScenariosConfig tunes the built-in scenario table.
type ScenariosConfig struct {
	// ConfigureDelay is the settle time between configuring and triggering.
	ConfigureDelay     time.Duration   `yaml:"configure_delay"`
	Doorbell           TimedToneConfig `yaml:"doorbell"`
	SecurityAlarm      ToneConfig      `yaml:"security_alarm"`
	GentleNotification TimedToneConfig `yaml:"gentle_notification"`
	ClockChime         TimedToneConfig `yaml:"clock_chime"`
}

// SequencerConfig controls run admission and shutdown behaviour.
type SequencerConfig struct {
	// RunPolicy decides what happens when a scenario is started on devices that
	// already have an active run: "reject" or "preempt".
	RunPolicy string `yaml:"run_policy"`

	// HistoryLimit is how many finished runs are kept for status queries.
	HistoryLimit int `yaml:"history_limit"`

	// StopOnShutdown issues an emergency stop to all sirens when the process exits.
	StopOnShutdown bool `yaml:"stop_on_shutdown"`

	// StopTimeout bounds the forced Stop issued on cancellation or shutdown.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
// An empty Secret disables API authentication (local development only).
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// Run policies accepted by SequencerConfig.RunPolicy.
const (
	RunPolicyReject  = "reject"
	RunPolicyPreempt = "preempt"
)

// Siren limits for the NEO NAS-AB02B2.
const (
	minMelody = 1
	maxMelody = 18
)

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SIREND_SECTION_KEY
// For example: SIREND_MQTT_HOST, SIREND_SIRENS_DEVICES
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides applied.
// It is used when no config file is present.
func Default() (*Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config populated with the built-in defaults.
func defaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "sirend",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			PublishTimeout: 5 * time.Second,
		},
		Sirens: SirensConfig{
			Namespace: "zigbee2mqtt",
			Devices: []string{
				"living_room_siren",
				"office_siren",
				"bedroom_siren",
				"kitchen_siren",
			},
		},
		Scenarios: ScenariosConfig{
			ConfigureDelay: 3 * time.Second,
			Doorbell: TimedToneConfig{
				ToneConfig: ToneConfig{Melody: 18, Volume: "medium"},
				Duration:   5 * time.Second,
			},
			SecurityAlarm: ToneConfig{Melody: 6, Volume: "high"},
			GentleNotification: TimedToneConfig{
				ToneConfig: ToneConfig{Melody: 12, Volume: "low"},
				Duration:   8 * time.Second,
			},
			ClockChime: TimedToneConfig{
				ToneConfig: ToneConfig{Melody: 15, Volume: "low"},
				Duration:   6 * time.Second,
			},
		},
		Sequencer: SequencerConfig{
			RunPolicy:      RunPolicyReject,
			HistoryLimit:   100,
			StopOnShutdown: true,
			StopTimeout:    5 * time.Second,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SIREND_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// MQTT
	if v := os.Getenv("SIREND_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("SIREND_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("SIREND_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("SIREND_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Sirens - comma-separated device list
	if v := os.Getenv("SIREND_SIRENS_DEVICES"); v != "" {
		cfg.Sirens.Devices = splitList(v)
	}
	if v := os.Getenv("SIREND_SIRENS_NAMESPACE"); v != "" {
		cfg.Sirens.Namespace = v
	}

	// Sequencer
	if v := os.Getenv("SIREND_SEQUENCER_RUN_POLICY"); v != "" {
		cfg.Sequencer.RunPolicy = v
	}

	// API
	if v := os.Getenv("SIREND_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("SIREND_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret
	if v := os.Getenv("SIREND_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// splitList splits a comma-separated list, dropping empty entries.
func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error { //nolint:gocognit,gocyclo // flat list of independent checks
	var errs []string

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.PublishTimeout <= 0 {
		errs = append(errs, "mqtt.publish_timeout must be positive")
	}

	// Sirens validation
	if c.Sirens.Namespace == "" {
		errs = append(errs, "sirens.namespace is required")
	}
	seen := make(map[string]struct{}, len(c.Sirens.Devices))
	for _, d := range c.Sirens.Devices {
		if d == "" || strings.ContainsAny(d, "/+#") {
			errs = append(errs, fmt.Sprintf("sirens.devices: invalid device name %q", d))
			continue
		}
		if _, dup := seen[d]; dup {
			errs = append(errs, fmt.Sprintf("sirens.devices: duplicate device %q", d))
		}
		seen[d] = struct{}{}
	}

	// Scenario validation
	if c.Scenarios.ConfigureDelay < 0 {
		errs = append(errs, "scenarios.configure_delay must not be negative")
	}
	errs = append(errs, validateTone("scenarios.doorbell", c.Scenarios.Doorbell.ToneConfig)...)
	errs = append(errs, validateTone("scenarios.security_alarm", c.Scenarios.SecurityAlarm)...)
	errs = append(errs, validateTone("scenarios.gentle_notification", c.Scenarios.GentleNotification.ToneConfig)...)
	errs = append(errs, validateTone("scenarios.clock_chime", c.Scenarios.ClockChime.ToneConfig)...)
	for name, d := range map[string]time.Duration{
		"scenarios.doorbell.duration":            c.Scenarios.Doorbell.Duration,
		"scenarios.gentle_notification.duration": c.Scenarios.GentleNotification.Duration,
		"scenarios.clock_chime.duration":         c.Scenarios.ClockChime.Duration,
	} {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}

	// Sequencer validation
	switch c.Sequencer.RunPolicy {
	case RunPolicyReject, RunPolicyPreempt:
	default:
		errs = append(errs, `sequencer.run_policy must be "reject" or "preempt"`)
	}
	if c.Sequencer.HistoryLimit < 0 {
		errs = append(errs, "sequencer.history_limit must not be negative")
	}
	if c.Sequencer.StopTimeout <= 0 {
		errs = append(errs, "sequencer.stop_timeout must be positive")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Security validation - an empty secret disables auth, a weak one is refused.
	// These sirens are life-safety devices; forged tokens must not trigger them.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret != "" && len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validateTone checks melody range and volume name.
func validateTone(field string, t ToneConfig) []string {
	var errs []string
	if t.Melody < minMelody || t.Melody > maxMelody {
		errs = append(errs, fmt.Sprintf("%s.melody must be between %d and %d", field, minMelody, maxMelody))
	}
	switch t.Volume {
	case "low", "medium", "high":
	default:
		errs = append(errs, field+`.volume must be "low", "medium" or "high"`)
	}
	return errs
}

// ReadTimeout returns the read timeout as a Duration.
func (t APITimeoutConfig) ReadTimeout() time.Duration {
	return time.Duration(t.Read) * time.Second
}

// WriteTimeout returns the write timeout as a Duration.
func (t APITimeoutConfig) WriteTimeout() time.Duration {
	return time.Duration(t.Write) * time.Second
}

// IdleTimeout returns the keep-alive idle timeout as a Duration.
func (t APITimeoutConfig) IdleTimeout() time.Duration {
	return time.Duration(t.Idle) * time.Second
}

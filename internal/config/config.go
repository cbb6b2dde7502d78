// Package config loads the broker's configuration per SPEC_FULL.md §3.1/§6.6:
// flags override env vars override a config file override built-in
// defaults. Unlike the teacher's flat env-var struct (ws/config.go), this
// schema needs nested lists (apps[]) and nested structs (ssl.*,
// statistics.*), so the loader is built on spf13/viper rather than
// caarlos0/env; see DESIGN.md for the supersession rationale.
package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// SSLConfig carries optional TLS termination settings.
type SSLConfig struct {
	LocalCert       string
	LocalPK         string
	Passphrase      string
	VerifyPeer      bool
	AllowSelfSigned bool
}

// AppConfig is one tenant's policy, matching spec §3 App and §6.6 apps[].
type AppConfig struct {
	ID                    string
	Key                   string
	Secret                string
	Capacity              *int
	ClientMessagesEnabled bool
	StatisticsEnabled     bool
	AllowedOrigins        []string
}

// StatisticsConfig holds the statistics settings. Enabled switches the
// statistics sink on or off; IntervalSeconds and RetentionDays are loaded
// and logged, and neither bundled sink reads them.
type StatisticsConfig struct {
	Enabled         bool
	IntervalSeconds int
	RetentionDays   int
}

// Config is the fully resolved broker configuration.
type Config struct {
	Host string
	Port int

	SSL SSLConfig

	Apps []AppConfig

	BroadcastSocketEnabled bool
	BroadcastSocketPath    string

	MaxRequestSizeKB int

	Statistics StatisticsConfig

	LogLevel  string
	LogFormat string

	RestartMarkerPath string
	Soft              bool

	// Replication, optional per SPEC_FULL.md §4.10.
	NATSEnabled bool
	NATSURL     string

	// Statistics export, optional per SPEC_FULL.md §4.11.
	KafkaStatsEnabled bool
	KafkaBrokers      []string
	KafkaStatsTopic   string
}

// BindFlags registers the start command's flags (§6.5) on fs and binds
// them into v so pflag values take priority over env/file/defaults.
func BindFlags(fs *flag.FlagSet, v *viper.Viper) {
	fs.String("host", "0.0.0.0", "listen host")
	fs.Int("port", 6001, "listen port")
	fs.Bool("disable-statistics", false, "disable the statistics sink")
	fs.Int("statistics-interval", 60, "statistics flush interval in seconds")
	fs.Bool("debug", false, "enable debug logging")
	fs.Bool("soft", true, "default shutdown mode: soft drain vs hard stop")
	fs.String("config", "", "path to a YAML/JSON config file")
	fs.String("restart-marker-path", "/tmp/pusherbroker-restart.json", "path to the restart marker file")
	fs.String("broadcast-socket-path", "/tmp/pusherbroker-broadcast.sock", "control socket path")

	_ = v.BindPFlag("host", fs.Lookup("host"))
	_ = v.BindPFlag("port", fs.Lookup("port"))
	_ = v.BindPFlag("statistics.disabled", fs.Lookup("disable-statistics"))
	_ = v.BindPFlag("statistics.interval_seconds", fs.Lookup("statistics-interval"))
	_ = v.BindPFlag("debug", fs.Lookup("debug"))
	_ = v.BindPFlag("soft", fs.Lookup("soft"))
	_ = v.BindPFlag("restart_marker_path", fs.Lookup("restart-marker-path"))
	_ = v.BindPFlag("broadcast_socket_path", fs.Lookup("broadcast-socket-path"))
}

// Load builds a Viper instance from defaults, an optional config file, env
// vars prefixed BROKER_, and whatever flags the caller bound beforehand,
// then decodes it into a Config.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	v.SetEnvPrefix("broker")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		Host: v.GetString("host"),
		Port: v.GetInt("port"),
		SSL: SSLConfig{
			LocalCert:       v.GetString("ssl.local_cert"),
			LocalPK:         v.GetString("ssl.local_pk"),
			Passphrase:      v.GetString("ssl.passphrase"),
			VerifyPeer:      v.GetBool("ssl.verify_peer"),
			AllowSelfSigned: v.GetBool("ssl.allow_self_signed"),
		},
		BroadcastSocketEnabled: v.GetBool("broadcast_socket_enabled"),
		BroadcastSocketPath:    v.GetString("broadcast_socket_path"),
		MaxRequestSizeKB:       v.GetInt("max_request_size_kb"),
		Statistics: StatisticsConfig{
			Enabled:         !v.GetBool("statistics.disabled"),
			IntervalSeconds: v.GetInt("statistics.interval_seconds"),
			RetentionDays:   v.GetInt("statistics.retention_days"),
		},
		LogLevel:          logLevel(v),
		LogFormat:         v.GetString("log_format"),
		RestartMarkerPath: v.GetString("restart_marker_path"),
		Soft:              v.GetBool("soft"),
		NATSEnabled:       v.GetBool("replication.nats_enabled"),
		NATSURL:           v.GetString("replication.nats_url"),
		KafkaStatsEnabled: v.GetBool("statistics.kafka_enabled"),
		KafkaBrokers:      v.GetStringSlice("statistics.kafka_brokers"),
		KafkaStatsTopic:   v.GetString("statistics.kafka_topic"),
	}

	var rawApps []map[string]any
	if err := v.UnmarshalKey("apps", &rawApps); err != nil {
		return nil, fmt.Errorf("parsing apps[]: %w", err)
	}
	for _, raw := range rawApps {
		app := AppConfig{
			ID:                    asString(raw["id"]),
			Key:                   asString(raw["key"]),
			Secret:                asString(raw["secret"]),
			ClientMessagesEnabled: asBool(raw["client_messages_enabled"]),
			StatisticsEnabled:     asBool(raw["statistics_enabled"]),
			AllowedOrigins:        asStringSlice(raw["allowed_origins"]),
		}
		if cap, ok := raw["capacity"]; ok && cap != nil {
			c := asInt(cap)
			app.Capacity = &c
		}
		cfg.Apps = append(cfg.Apps, app)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func logLevel(v *viper.Viper) string {
	if v.GetBool("debug") {
		return "debug"
	}
	if lvl := v.GetString("log_level"); lvl != "" {
		return lvl
	}
	return "info"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 6001)
	v.SetDefault("broadcast_socket_enabled", true)
	v.SetDefault("broadcast_socket_path", "/tmp/pusherbroker-broadcast.sock")
	v.SetDefault("max_request_size_kb", 2048)
	v.SetDefault("statistics.interval_seconds", 60)
	v.SetDefault("statistics.retention_days", 7)
	v.SetDefault("log_format", "json")
	v.SetDefault("restart_marker_path", "/tmp/pusherbroker-restart.json")
	v.SetDefault("soft", true)
}

// Validate checks invariants Load can't express through viper alone.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", c.Port)
	}
	if c.MaxRequestSizeKB <= 0 {
		return fmt.Errorf("max_request_size_kb must be > 0, got %d", c.MaxRequestSizeKB)
	}
	seenKeys := make(map[string]bool, len(c.Apps))
	for _, app := range c.Apps {
		if app.Key == "" || app.Secret == "" {
			return fmt.Errorf("app %q missing key or secret", app.ID)
		}
		if seenKeys[app.Key] {
			return fmt.Errorf("duplicate app key %q", app.Key)
		}
		seenKeys[app.Key] = true
	}
	return nil
}

// LogConfig emits the loaded configuration as a structured log line,
// matching the shape of the teacher's Config.LogConfig (ws/config.go).
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("host", c.Host).
		Int("port", c.Port).
		Int("apps", len(c.Apps)).
		Bool("broadcast_socket_enabled", c.BroadcastSocketEnabled).
		Str("broadcast_socket_path", c.BroadcastSocketPath).
		Int("max_request_size_kb", c.MaxRequestSizeKB).
		Bool("statistics_enabled", c.Statistics.Enabled).
		Int("statistics_interval_seconds", c.Statistics.IntervalSeconds).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func asStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"

	"github.com/balu-dk/go-ocpp-central/internal/logger"
	"github.com/balu-dk/go-ocpp-central/internal/notify"
	ocppserver "github.com/balu-dk/go-ocpp-central/ocpp"
	"github.com/balu-dk/go-ocpp-central/server/database"
)

// noDatabase as database.type runs without persistence.
const noDatabase = "none"

// Archive backends.
const (
	archiveGorm = "gorm"
	archivePgx  = "pgx"
)

type Config struct {
	OCPP     ocppserver.Config `json:"ocpp"`
	Database database.Config   `json:"database"`
	Log      logger.Config     `json:"log"`
	Notify   NotifyConfig      `json:"notify"`
	Metrics  MetricsConfig     `json:"metrics"`
	Archive  ArchiveConfig     `json:"archive"`
}

// NotifyConfig enables a publisher when its address is set.
type NotifyConfig struct {
	NATS notify.NATSConfig `json:"nats"`
	MQTT notify.MQTTConfig `json:"mqtt"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// ArchiveConfig controls the long-term frame archive. It needs a database;
// the pgx backend needs PostgreSQL.
type ArchiveConfig struct {
	Enabled bool   `json:"enabled"`
	Backend string `json:"backend"`
}

func defaultConfig() *Config {
	return &Config{
		OCPP:     *ocppserver.NewConfig(),
		Database: *database.NewConfig(),
		Log:      logger.Config{Level: "info", Format: "json"},
		Notify: NotifyConfig{
			NATS: notify.NATSConfig{Name: "ocpp-central"},
			MQTT: notify.MQTTConfig{ClientID: "ocpp-central", QoS: 1},
		},
		Metrics: MetricsConfig{Enabled: true},
		Archive: ArchiveConfig{Enabled: true, Backend: archiveGorm},
	}
}

// envSections maps environment variable prefixes onto config sections, so
// OCPP_WEBSOCKET_PORT sets ocpp.websocket_port.
var envSections = map[string]string{
	"OCPP_":    "ocpp",
	"DB_":      "database",
	"LOG_":     "log",
	"NATS_":    "notify.nats",
	"MQTT_":    "notify.mqtt",
	"METRICS_": "metrics",
	"ARCHIVE_": "archive",
}

// listKeys are split on commas when they come from the environment.
var listKeys = map[string]bool{
	"ocpp.profile_precedence": true,
}

// Load reads the defaults, then the optional YAML or JSON file at path, then
// environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		var parser koanf.Parser
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = kjson.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	for prefix, section := range envSections {
		if err := k.Load(env.ProviderWithValue(prefix, ".", func(key, value string) (string, interface{}) {
			key = section + "." + strings.ToLower(strings.TrimPrefix(key, prefix))
			if listKeys[key] {
				return key, strings.Split(value, ",")
			}
			return key, value
		}), nil); err != nil {
			return nil, fmt.Errorf("read environment %s*: %w", prefix, err)
		}
	}

	cfg := defaultConfig()
	// Decoding into a non-empty slice would keep trailing defaults.
	if k.Exists("ocpp.profile_precedence") {
		cfg.OCPP.ProfilePrecedence = nil
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := c.OCPP.Validate(); err != nil {
		return fmt.Errorf("ocpp: %w", err)
	}
	switch c.Database.Type {
	case database.SQLite, database.PostgreSQL, noDatabase:
	default:
		return fmt.Errorf("database: unsupported type %q", c.Database.Type)
	}
	switch c.Archive.Backend {
	case archiveGorm:
	case archivePgx:
		if c.Archive.Enabled && c.Database.Type != database.PostgreSQL {
			return fmt.Errorf("archive: backend %q requires a postgres database", archivePgx)
		}
	default:
		return fmt.Errorf("archive: unknown backend %q", c.Archive.Backend)
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() Config {
	out := *c
	out.OCPP.ProfilePrecedence = append([]string(nil), c.OCPP.ProfilePrecedence...)
	for _, secret := range []*string{&out.Database.Password, &out.Notify.NATS.Password, &out.Notify.MQTT.Password} {
		if *secret != "" {
			*secret = "***"
		}
	}
	return out
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(cfg.Redacted())
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

// Package config loads goatlab runtime settings from flags, environment and
// an optional .goatlab.yaml file.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gkobilansky/goatlab/internal/apperr"
	"github.com/gkobilansky/goatlab/internal/lifecycle"
	"github.com/gkobilansky/goatlab/internal/quality"
	"github.com/gkobilansky/goatlab/internal/store"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Backend names accepted by db-backend.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
	BackendBadger   = "badger"
	BackendMemory   = "memory"
)

const (
	DefaultDB   = "./goatlab.db"
	DefaultPort = 8080
	EnvPrefix   = "GOATLAB"
)

// RawInput mirrors the config keys one to one. Flags, env vars and the
// config file all land here before validation.
type RawInput struct {
	Config              string  `mapstructure:"config"`
	DBBackend           string  `mapstructure:"db-backend" validate:"oneof=sqlite postgres mysql badger memory"`
	DB                  string  `mapstructure:"db"`
	Port                int     `mapstructure:"port" validate:"gt=0,lte=65535"`
	Token               string  `mapstructure:"token"`
	LogLevel            string  `mapstructure:"log-level" validate:"oneof=debug info warn error"`
	LogFormat           string  `mapstructure:"log-format" validate:"oneof=console json"`
	DefaultSignificance float64 `mapstructure:"default-significance" validate:"gt=0,lt=1"`
	DefaultPower        float64 `mapstructure:"default-power" validate:"gt=0,lt=1"`
	DailyTraffic        int     `mapstructure:"daily-traffic" validate:"gt=0"`

	quality.Policy `mapstructure:",squash"`
}

// Config is the final, validated configuration.
type Config struct {
	Backend   string
	DSN       string
	Port      int
	Token     string
	LogLevel  string
	LogFormat string
	Policy    quality.Policy
	Defaults  lifecycle.Defaults
}

// SetDefaults registers every key so AutomaticEnv can resolve it during
// Unmarshal even when no flag or file sets it.
func SetDefaults(v *viper.Viper) {
	p := quality.DefaultPolicy()
	d := lifecycle.DefaultDefaults()

	v.SetDefault("config", "")
	v.SetDefault("db-backend", BackendSQLite)
	v.SetDefault("db", DefaultDB)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("token", "")
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "console")
	v.SetDefault("default-significance", d.SignificanceLevel)
	v.SetDefault("default-power", d.Power)
	v.SetDefault("daily-traffic", d.DailyTraffic)
	v.SetDefault("srm-tolerance", p.SRMTolerance)
	v.SetDefault("missing-data-threshold", p.MissingDataThreshold)
	v.SetDefault("duplicate-threshold", p.DuplicateThreshold)
	v.SetDefault("srm-penalty", p.SRMPenalty)
	v.SetDefault("missing-data-penalty", p.MissingDataPenalty)
	v.SetDefault("duplicate-penalty", p.DuplicatePenalty)
}

// Setup points v at the config file and environment. An explicit file wins
// over the search path.
func Setup(v *viper.Viper, configFile string) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(".goatlab")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	SetDefaults(v)
}

// Load reads the config file if there is one and returns the validated
// configuration.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	input := &RawInput{}
	if err := v.Unmarshal(input); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}

	cfg := &Config{}
	if err := ProcessAndValidate(cfg, input); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProcessAndValidate checks the raw input and fills cfg.
func ProcessAndValidate(cfg *Config, input *RawInput) error {
	input.DBBackend = strings.ToLower(strings.TrimSpace(input.DBBackend))
	if input.DBBackend == "postgresql" || input.DBBackend == "pgx" {
		input.DBBackend = BackendPostgres
	}
	input.LogLevel = strings.ToLower(input.LogLevel)
	input.LogFormat = strings.ToLower(input.LogFormat)

	if verr := apperr.ValidateStruct(input); verr != nil {
		return fmt.Errorf("invalid config: %w", verr)
	}
	if input.DB == "" && input.DBBackend != BackendMemory {
		return fmt.Errorf("invalid config: %w",
			apperr.NewValidationError(fmt.Sprintf("db is required for the %s backend", input.DBBackend)))
	}

	cfg.Backend = input.DBBackend
	cfg.DSN = input.DB
	cfg.Port = input.Port
	cfg.Token = input.Token
	cfg.LogLevel = input.LogLevel
	cfg.LogFormat = input.LogFormat
	cfg.Policy = input.Policy
	cfg.Defaults = lifecycle.Defaults{
		SignificanceLevel: input.DefaultSignificance,
		Power:             input.DefaultPower,
		DailyTraffic:      input.DailyTraffic,
	}
	return nil
}

// OpenStore opens the backend named by cfg. SQL backends are migrated to
// the latest schema first.
func OpenStore(cfg *Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Backend {
	case BackendMemory:
		return store.NewMemoryStore(), nil
	case BackendBadger:
		s, err := store.OpenBadger(store.BadgerConfig{Path: cfg.DSN, Logger: logger})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		dialect, err := store.ParseDialect(cfg.Backend)
		if err != nil {
			return nil, err
		}
		s, err := store.OpenSQL(dialect, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

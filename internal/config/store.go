package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Supported store drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultDBPath is the SQLite database used when nothing else is configured
const DefaultDBPath = ".calydb/calydb.db"

// MinPostgresConns is the smallest pool that can resolve groups: one
// connection holds the group cursor while workers load projections
// and geometry on the others.
const MinPostgresConns = 2

var validate = validator.New()

// StoreConfig selects and configures the property store backend.
//
// Values are resolved in order: defaults, then the YAML file (if any),
// then CALYDB_* environment variables. Credentials missing for the
// selected driver are a configuration error.
type StoreConfig struct {
	Driver    string         `yaml:"driver" validate:"required,oneof=sqlite postgres"`
	Path      string         `yaml:"path"`
	BatchSize int            `yaml:"batch_size" validate:"min=1,max=10000"`
	Postgres  PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds connection settings for the postgres backend
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"min=1,max=65535"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxConns int32  `yaml:"max_conns" validate:"min=1,max=1000"`
}

// DefaultStoreConfig returns a SQLite configuration at DefaultDBPath
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Driver:    DriverSQLite,
		Path:      DefaultDBPath,
		BatchSize: 500,
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "calydb",
			SSLMode:  "disable",
			MaxConns: 10,
		},
	}
}

// Validate checks struct tags and the credentials required by the driver
func (c StoreConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	switch c.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Path) == "" {
			return fmt.Errorf("path is required for the sqlite driver")
		}
	case DriverPostgres:
		var missing []string
		if c.Postgres.Host == "" {
			missing = append(missing, "postgres.host")
		}
		if c.Postgres.Database == "" {
			missing = append(missing, "postgres.database")
		}
		if c.Postgres.User == "" {
			missing = append(missing, "postgres.user")
		}
		if len(missing) > 0 {
			return fmt.Errorf("missing store credentials: %s", strings.Join(missing, ", "))
		}
		if c.Postgres.MaxConns < MinPostgresConns {
			return fmt.Errorf("postgres.max_conns must be at least %d for the postgres driver, got %d",
				MinPostgresConns, c.Postgres.MaxConns)
		}
	}
	return nil
}

// String returns a human-readable representation of the config.
// The password is never printed.
func (c StoreConfig) String() string {
	if c.Driver == DriverPostgres {
		return fmt.Sprintf("StoreConfig{Driver: postgres, Host: %s:%d, Database: %s, User: %s, SSLMode: %s, MaxConns: %d, BatchSize: %d}",
			c.Postgres.Host, c.Postgres.Port, c.Postgres.Database, c.Postgres.User,
			c.Postgres.SSLMode, c.Postgres.MaxConns, c.BatchSize)
	}
	return fmt.Sprintf("StoreConfig{Driver: %s, Path: %s, BatchSize: %d}", c.Driver, c.Path, c.BatchSize)
}

// LoadStoreConfig resolves the store configuration. An empty path skips the
// YAML file; a path that does not exist is an error.
func LoadStoreConfig(path string) (StoreConfig, error) {
	cfg := DefaultStoreConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyStoreEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid store configuration: %w", err)
	}
	return cfg, nil
}

// applyStoreEnv overlays environment variables
//
// Environment variables:
//   - CALYDB_DB_DRIVER: sqlite or postgres (default: sqlite)
//   - CALYDB_DB_PATH: SQLite database file (default: .calydb/calydb.db)
//   - CALYDB_BATCH_SIZE: rows per bulk statement (default: 500)
//   - CALYDB_PG_HOST, CALYDB_PG_PORT, CALYDB_PG_DATABASE, CALYDB_PG_USER,
//     CALYDB_PG_PASSWORD, CALYDB_PG_SSLMODE, CALYDB_PG_MAX_CONNS
func applyStoreEnv(cfg *StoreConfig) error {
	if err := parseEnvString("CALYDB_DB_DRIVER", &cfg.Driver); err != nil {
		return err
	}
	if err := parseEnvString("CALYDB_DB_PATH", &cfg.Path); err != nil {
		return err
	}
	if err := parseEnvInt("CALYDB_BATCH_SIZE", &cfg.BatchSize); err != nil {
		return err
	}
	if err := parseEnvString("CALYDB_PG_HOST", &cfg.Postgres.Host); err != nil {
		return err
	}
	if err := parseEnvInt("CALYDB_PG_PORT", &cfg.Postgres.Port); err != nil {
		return err
	}
	if err := parseEnvString("CALYDB_PG_DATABASE", &cfg.Postgres.Database); err != nil {
		return err
	}
	if err := parseEnvString("CALYDB_PG_USER", &cfg.Postgres.User); err != nil {
		return err
	}
	if err := parseEnvString("CALYDB_PG_PASSWORD", &cfg.Postgres.Password); err != nil {
		return err
	}
	if err := parseEnvString("CALYDB_PG_SSLMODE", &cfg.Postgres.SSLMode); err != nil {
		return err
	}
	return parseEnvInt32("CALYDB_PG_MAX_CONNS", &cfg.Postgres.MaxConns)
}

// formatValidationError flattens validator errors into one message
func formatValidationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	msgs := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		msgs = append(msgs, formatFieldError(e))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func formatFieldError(e validator.FieldError) string {
	field := strings.ToLower(e.Namespace())
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

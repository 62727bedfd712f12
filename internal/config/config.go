// Package config loads pgextract settings from a YAML file and PGEXTRACT_*
// environment variables, applies defaults and validates the result.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/johndauphine/pgextract/internal/checkpoint"
	"github.com/johndauphine/pgextract/internal/dbconfig"
	"github.com/johndauphine/pgextract/internal/driver"
	"github.com/johndauphine/pgextract/internal/driver/postgres"
	"github.com/johndauphine/pgextract/internal/logging"
	"github.com/johndauphine/pgextract/internal/metrics"
	"github.com/johndauphine/pgextract/internal/output"
	"github.com/johndauphine/pgextract/internal/retry"
	"github.com/johndauphine/pgextract/internal/secrets"
)

// redacted replaces secrets in Redacted output.
const redacted = "********"

// SourceConfig is an alias for dbconfig.SourceConfig.
type SourceConfig = dbconfig.SourceConfig

// Config is the complete pgextract configuration.
type Config struct {
	Source  SourceConfig      `yaml:"source"`
	Extract ExtractConfig     `yaml:"extract"`
	Retry   retry.Config      `yaml:"retry"`
	State   checkpoint.Config `yaml:"state"`
	Output  output.Config     `yaml:"output"`
	Logging LoggingConfig     `yaml:"logging"`
	Metrics metrics.Config    `yaml:"metrics"`
}

// ExtractConfig selects what is read and how.
type ExtractConfig struct {
	Tables            []string `yaml:"tables" env:"PGEXTRACT_EXTRACT_TABLES" env-separator:","`
	BatchSize         int      `yaml:"batch_size" env:"PGEXTRACT_EXTRACT_BATCH_SIZE" env-default:"5000" validate:"gte=1"`
	IncrementalColumn string   `yaml:"incremental_column" env:"PGEXTRACT_EXTRACT_INCREMENTAL_COLUMN"`
	IncrementalValue  string   `yaml:"incremental_value" env:"PGEXTRACT_EXTRACT_INCREMENTAL_VALUE"`

	// AllowUnsafeLiterals skips the SQL injection check on resume and
	// incremental values.
	AllowUnsafeLiterals bool `yaml:"allow_unsafe_literals" env:"PGEXTRACT_EXTRACT_ALLOW_UNSAFE_LITERALS"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"PGEXTRACT_LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn warning error"`
	Format string `yaml:"format" env:"PGEXTRACT_LOG_FORMAT" env-default:"text" validate:"oneof=text json"`
}

// Load reads path (when non-empty) and the environment, then applies
// defaults and validates. Environment variables override file values.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Finalize applies defaults and validates. Call it again after changing
// fields, for example from command line flags.
func (c *Config) Finalize() error {
	if err := c.applyDefaults(); err != nil {
		return err
	}
	return c.validate()
}

func (c *Config) applyDefaults() error {
	if c.Source.Type == "" {
		c.Source.Type = "postgres"
	}
	drv, err := driver.Get(c.Source.Type)
	if err != nil {
		return err
	}
	defaults := drv.Defaults()
	if c.Source.SSLMode == "" {
		c.Source.SSLMode = defaults.SSLMode
	}
	if err := c.Source.Resolve(defaults.Port); err != nil {
		return err
	}
	if c.Source.Password == "" {
		if err := c.applySecrets(); err != nil {
			return err
		}
	}

	if c.Extract.BatchSize <= 0 {
		c.Extract.BatchSize = 5000
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = *retry.DefaultConfig()
	}
	if c.State.Backend == "" {
		c.State.Backend = "sqlite"
	}
	if c.State.RunKey == "" {
		c.State.RunKey = "default"
	}
	if c.Output.URL == "" {
		c.Output.URL = "-"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	return nil
}

// applySecrets fills source credentials from the secrets file, if present.
func (c *Config) applySecrets() error {
	s, err := secrets.Load()
	if errors.Is(err, secrets.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	cred, ok := s.Lookup(c.Source.Address())
	if !ok {
		return nil
	}
	if c.Source.User == "" {
		c.Source.User = cred.User
	}
	c.Source.Password = cred.Password
	return nil
}

func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Extract.IncrementalColumn != "" {
		if err := driver.ValidateIdentifier(c.Extract.IncrementalColumn); err != nil {
			return fmt.Errorf("extract.incremental_column: %w", err)
		}
	}
	if c.Extract.IncrementalValue != "" && c.Extract.IncrementalColumn == "" {
		return fmt.Errorf("extract.incremental_value requires extract.incremental_column")
	}
	if _, err := c.TableRefs(); err != nil {
		return err
	}
	return nil
}

// TableRefs parses the configured tables. Names without a schema use the
// source driver's default schema.
func (c *Config) TableRefs() ([]driver.TableRef, error) {
	schema := "public"
	if drv, err := driver.Get(c.Source.Type); err == nil {
		schema = drv.Defaults().Schema
	}

	refs := make([]driver.TableRef, 0, len(c.Extract.Tables))
	for _, t := range c.Extract.Tables {
		ref, err := driver.ParseTableRef(t, schema)
		if err != nil {
			return nil, fmt.Errorf("extract.tables: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// DSN returns the connection URL for the source.
func (c *Config) DSN() string {
	s := c.Source
	return c.buildPostgresDSN(s.Host, s.Port, s.Database, s.User, s.Password, s.DSNOptions())
}

func (c *Config) buildPostgresDSN(host string, port int, database, user, password string, opts map[string]any) string {
	return (&postgres.Dialect{}).BuildDSN(host, port, database, user, password, opts)
}

// Redacted returns a copy safe to print: the source password is masked and
// credentials are stripped from the output URL.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Source.Password != "" {
		cp.Source.Password = redacted
	}
	cp.Source.Options = make(map[string]string, len(c.Source.Options))
	for k, v := range c.Source.Options {
		if strings.Contains(strings.ToLower(k), "pass") {
			v = redacted
		}
		cp.Source.Options[k] = v
	}
	cp.Output.URL = logging.SanitizeConnectionString(c.Output.URL)
	cp.Extract.Tables = append([]string(nil), c.Extract.Tables...)
	return &cp
}

// YAML renders the redacted configuration.
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return "", fmt.Errorf("encoding config: %w", err)
	}
	return string(data), nil
}

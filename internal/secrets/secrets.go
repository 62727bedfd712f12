// Package secrets loads source credentials from a private file kept outside
// the extraction config, so config files can be shared without passwords.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultSecretsDir is the default directory for secrets
	DefaultSecretsDir = ".secrets"
	// DefaultSecretsFile is the default filename for secrets
	DefaultSecretsFile = "pgextract.yaml"
	// SecretsFileEnvVar allows overriding the secrets file location
	SecretsFileEnvVar = "PGEXTRACT_SECRETS_FILE"
	// SecureFileMode is the permission mode for the secrets file
	SecureFileMode = 0600
)

// DefaultSource is the entry used when no address-specific entry matches.
const DefaultSource = "default"

// Config is the content of the secrets file.
type Config struct {
	// Sources maps "host:port/database" addresses, or DefaultSource, to
	// credentials.
	Sources map[string]Credentials `yaml:"sources"`
}

// Credentials for one source.
type Credentials struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ErrNotFound is matched when the secrets file does not exist.
var ErrNotFound = errors.New("secrets file not found")

// NotFoundError is returned when the secrets file doesn't exist.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf(`%s: %s

Create it with mode 600 and content like:

sources:
  "db.example.com:5432/app":
    user: reader
    password: "your-password"
`, ErrNotFound, e.Path)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

var (
	globalConfig *Config
	configOnce   sync.Once
	configErr    error
)

// Load loads the secrets file from the default or override location.
// It caches the result and returns the same config on subsequent calls.
func Load() (*Config, error) {
	configOnce.Do(func() {
		globalConfig, configErr = LoadFile(GetSecretsPath())
	})
	return globalConfig, configErr
}

// Reset clears the cached config (useful for testing)
func Reset() {
	configOnce = sync.Once{}
	globalConfig = nil
	configErr = nil
}

// GetSecretsPath returns the path to the secrets file
func GetSecretsPath() string {
	if envPath := os.Getenv(SecretsFileEnvVar); envPath != "" {
		return envPath
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", DefaultSecretsDir, DefaultSecretsFile)
	}
	return filepath.Join(homeDir, DefaultSecretsDir, DefaultSecretsFile)
}

// LoadFile reads and parses path. Files readable by group or others are
// rejected.
func LoadFile(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Path: path}
		}
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		return nil, fmt.Errorf("secrets file %s has insecure permissions (%04o). "+
			"Other users can read your passwords. Run: chmod 600 %s", path, mode, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return &config, nil
}

// Lookup returns the credentials for addr, falling back to DefaultSource.
func (c *Config) Lookup(addr string) (Credentials, bool) {
	if c == nil {
		return Credentials{}, false
	}
	if cred, ok := c.Sources[addr]; ok {
		return cred, true
	}
	cred, ok := c.Sources[DefaultSource]
	return cred, ok
}

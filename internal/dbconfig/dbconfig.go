// Package dbconfig provides database configuration types used by both
// the config and source packages. This package exists to break the
// circular import between config and the connection layer.
package dbconfig

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultPort is used when an address omits the port.
const DefaultPort = 5432

// DefaultConnectTimeout is the connect timeout in seconds.
const DefaultConnectTimeout = 15

// SourceConfig holds source database connection settings.
// Either Addr ("host[:port]/database") or Host/Port/Database may be set;
// Addr wins when both are present.
type SourceConfig struct {
	Type            string            `yaml:"type" env:"PGEXTRACT_SOURCE_TYPE" env-default:"postgres" validate:"required"`
	Addr            string            `yaml:"addr" env:"PGEXTRACT_SOURCE_ADDR"`
	Host            string            `yaml:"host" env:"PGEXTRACT_SOURCE_HOST"`
	Port            int               `yaml:"port" env:"PGEXTRACT_SOURCE_PORT" validate:"gte=0,lte=65535"`
	Database        string            `yaml:"database" env:"PGEXTRACT_SOURCE_DATABASE"`
	User            string            `yaml:"user" env:"PGEXTRACT_SOURCE_USER"`
	Password        string            `yaml:"password" env:"PGEXTRACT_SOURCE_PASSWORD"`
	SSLMode         string            `yaml:"ssl_mode" env:"PGEXTRACT_SOURCE_SSL_MODE" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	ConnectTimeout  int               `yaml:"connect_timeout" env:"PGEXTRACT_SOURCE_CONNECT_TIMEOUT" validate:"gte=0"` // seconds (default: 15)
	ApplicationName string            `yaml:"application_name" env:"PGEXTRACT_SOURCE_APPLICATION_NAME"`
	Options         map[string]string `yaml:"options"` // extra DSN parameters
}

// ParseAddr splits "host[:port]/database". The database is everything after
// the last slash and the port everything after the last colon of the host
// part. A missing port yields defaultPort.
func ParseAddr(addr string, defaultPort int) (host string, port int, database string, err error) {
	i := strings.LastIndex(addr, "/")
	if i < 0 {
		return "", 0, "", fmt.Errorf("invalid address %q: expected host[:port]/database", addr)
	}
	hostPort, database := addr[:i], addr[i+1:]
	if database == "" {
		return "", 0, "", fmt.Errorf("invalid address %q: missing database", addr)
	}

	host, port = hostPort, defaultPort
	if j := strings.LastIndex(hostPort, ":"); j >= 0 && !strings.HasSuffix(hostPort, "]") {
		host = hostPort[:j]
		port, err = strconv.Atoi(hostPort[j+1:])
		if err != nil || port <= 0 || port > 65535 {
			return "", 0, "", fmt.Errorf("invalid address %q: bad port %q", addr, hostPort[j+1:])
		}
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return "", 0, "", fmt.Errorf("invalid address %q: missing host", addr)
	}
	return host, port, database, nil
}

// Resolve fills Host, Port and Database from Addr and applies defaults.
func (c *SourceConfig) Resolve(defaultPort int) error {
	if c.Addr != "" {
		host, port, database, err := ParseAddr(c.Addr, defaultPort)
		if err != nil {
			return err
		}
		c.Host, c.Port, c.Database = host, port, database
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Host == "" || c.Database == "" {
		return fmt.Errorf("source requires addr or host and database")
	}
	return nil
}

// Address returns the resolved "host:port/database" form for display.
func (c *SourceConfig) Address() string {
	return fmt.Sprintf("%s:%d/%s", c.Host, c.Port, c.Database)
}

// DSNOptions returns a map of options for building a DSN.
func (c *SourceConfig) DSNOptions() map[string]any {
	opts := make(map[string]any)
	for k, v := range c.Options {
		opts[k] = v
	}
	if c.SSLMode != "" {
		opts["sslmode"] = c.SSLMode
	}
	if c.ConnectTimeout > 0 {
		opts["connect_timeout"] = c.ConnectTimeout
	}
	if c.ApplicationName != "" {
		opts["application_name"] = c.ApplicationName
	}
	return opts
}

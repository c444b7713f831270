// Package config holds the tunable parameters shared by proxy-client and
// proxy-server, and validates them before the engine starts.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults mirror the constants the tunnel protocol was designed around:
// three attempts at 1 second apart before a session is declared stale.
const (
	DefaultRetryCount  = 3
	DefaultRetryWait   = 1 * time.Second
	DefaultDialTimeout = 5 * time.Second
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"
)

// Config collects the settings common to both tunnel endpoints. Role-
// specific fields (listen port, destination host/port, peer address) are
// parsed separately by each cmd/ entry point, since the two CLIs take
// different positional arguments.
type Config struct {
	// RetryCount is how many times a packet requiring an ACK is sent
	// before the session is abandoned.
	RetryCount int `yaml:"retry_count"`

	// RetryWait is how long to wait for an ACK before retransmitting.
	RetryWait time.Duration `yaml:"retry_wait"`

	// DialTimeout bounds how long the proxy-server waits for the
	// destination TCP connection on a START.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is text or json.
	LogFormat string `yaml:"log_format"`

	// MaxBytesPerSec caps the rate at which each session delivers
	// reassembled tunnel DATA to its local TCP connection. Zero disables
	// rate limiting; the tunnel has no congestion control of its own, so
	// this is the only brake an operator has on a single noisy session.
	MaxBytesPerSec int64 `yaml:"max_bytes_per_sec"`
}

// Default returns a Config populated with the package defaults.
func Default() Config {
	return Config{
		RetryCount:  DefaultRetryCount,
		RetryWait:   DefaultRetryWait,
		DialTimeout: DefaultDialTimeout,
		LogLevel:    DefaultLogLevel,
		LogFormat:   DefaultLogFormat,
	}
}

// LoadFile reads a YAML config file and overlays it onto Default(). A key
// absent from the file leaves the matching default in place, since
// yaml.Unmarshal decodes directly onto the pre-populated struct rather
// than onto a blank one; a key present in the file replaces the default,
// even when its value is zero.
func LoadFile(path string) (Config, error) {
	c := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return c, nil
}

// Validate collects every configuration problem at once rather than
// failing on the first one, so a misconfigured CLI invocation reports
// everything wrong with it in a single pass.
func (c Config) Validate() error {
	var errs []string

	if c.RetryCount < 1 {
		errs = append(errs, fmt.Sprintf("retry count must be at least 1, got %d", c.RetryCount))
	}
	if c.RetryWait <= 0 {
		errs = append(errs, fmt.Sprintf("retry wait must be positive, got %s", c.RetryWait))
	}
	if c.DialTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("dial timeout must be positive, got %s", c.DialTimeout))
	}
	if c.MaxBytesPerSec < 0 {
		errs = append(errs, fmt.Sprintf("max bytes per second must not be negative, got %d", c.MaxBytesPerSec))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.LogLevel))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("unknown log format %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ParsePeerIP parses a required IPv4 peer address, such as the one the
// proxy-client is given on the command line.
func ParsePeerIP(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid IPv4 address %q", s)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("%q is not an IPv4 address", s)
	}
	return ip4, nil
}

// ParsePort validates a TCP or tunnel port number given as a string.
func ParsePort(s string) (uint16, error) {
	var port int
	if _, err := fmt.Sscanf(s, "%d", &port); err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return uint16(port), nil
}

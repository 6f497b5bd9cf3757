// Package config holds bakeryd runtime configuration.
//
// Configuration is read from BAKERY_* environment variables on top of
// built-in defaults. Numeric variables that fail to parse are startup
// errors, never silently defaulted.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds bakeryd runtime configuration.
type Config struct {
	// Host is the address the control API binds to.
	Host string

	// Port is the control API port.
	Port int

	// DataDir is the base directory for bakery runtime data.
	DataDir string

	// DBPath is the path to the SQLite database.
	DBPath string

	// HostSuffix is the DNS tail appended to every slice hostname.
	// It is expected to resolve to loopback (e.g. localtest.me).
	HostSuffix string

	// PortRangeStart and PortRangeEnd bound the allocatable port range,
	// inclusive on both ends.
	PortRangeStart int
	PortRangeEnd   int

	// RouterPorts are the candidate listen ports for the reverse proxy,
	// tried in order. If none bind, the proxy falls back to an
	// OS-assigned port.
	RouterPorts []int
}

// DefaultRouterPorts is used when BAKERY_ROUTER_PORTS is unset or
// contains no valid port.
var DefaultRouterPorts = []int{80, 443, 4080}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	bakeryDir := filepath.Join(homeDir, ".bakery")

	return &Config{
		Host:           "127.0.0.1",
		Port:           47123,
		DataDir:        bakeryDir,
		DBPath:         filepath.Join(bakeryDir, "bakery.db"),
		HostSuffix:     "localtest.me",
		PortRangeStart: 30000,
		PortRangeEnd:   45000,
		RouterPorts:    append([]int(nil), DefaultRouterPorts...),
	}
}

// FromEnv returns the default configuration overlaid with BAKERY_*
// environment variables.
func FromEnv() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("BAKERY_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("BAKERY_DATA_DIR"); v != "" {
		cfg.DataDir = v
		cfg.DBPath = filepath.Join(v, "bakery.db")
	}
	if v := os.Getenv("BAKERY_HOST_SUFFIX"); v != "" {
		cfg.HostSuffix = v
	}

	var err error
	if cfg.Port, err = intFromEnv("BAKERY_PORT", cfg.Port); err != nil {
		return nil, err
	}
	if cfg.PortRangeStart, err = intFromEnv("BAKERY_PORT_RANGE_START", cfg.PortRangeStart); err != nil {
		return nil, err
	}
	if cfg.PortRangeEnd, err = intFromEnv("BAKERY_PORT_RANGE_END", cfg.PortRangeEnd); err != nil {
		return nil, err
	}
	if cfg.PortRangeStart > cfg.PortRangeEnd {
		return nil, fmt.Errorf("port range start %d exceeds end %d", cfg.PortRangeStart, cfg.PortRangeEnd)
	}

	if v := os.Getenv("BAKERY_ROUTER_PORTS"); v != "" {
		cfg.RouterPorts = parseRouterPorts(v)
	}

	return cfg, nil
}

// EnsureDirs creates the data directory.
func (c *Config) EnsureDirs() error {
	return os.MkdirAll(c.DataDir, 0700)
}

// intFromEnv reads an integer environment variable, returning def when
// unset. A set-but-unparsable value is an error.
func intFromEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", name, v)
	}
	return n, nil
}

// parseRouterPorts parses a comma-separated port list, discarding invalid
// tokens. An all-invalid list falls back to DefaultRouterPorts.
func parseRouterPorts(s string) []int {
	var ports []int
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		p, err := strconv.Atoi(tok)
		if err != nil || p < 0 || p > 65535 {
			continue
		}
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return append([]int(nil), DefaultRouterPorts...)
	}
	return ports
}

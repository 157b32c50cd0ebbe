package eventbridge

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/lattice-distributor/internal/config"
)

// Bridge defaults. The listener stays on loopback unless configured otherwise.
const (
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 8765
	DefaultReadTimeout  = 15 * time.Second
	DefaultWriteTimeout = 15 * time.Second
	DefaultIdleTimeout  = 60 * time.Second
)

// Settings controls the HTTP bridge that exposes a run's progress, its event
// stream and its metrics.
type Settings struct {
	Enabled bool
	Host    string
	Port    int

	// Server timeouts. /events clears its own write deadline.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultSettings returns a disabled bridge bound to DefaultHost:DefaultPort.
func DefaultSettings() Settings {
	return Settings{
		Host:         DefaultHost,
		Port:         DefaultPort,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		IdleTimeout:  DefaultIdleTimeout,
	}
}

// SettingsFromConfig layers the bridge section of distribute.yaml and then the
// LATTICE_BRIDGE_* environment over the defaults.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := DefaultSettings()
	if cfg != nil {
		s.Enabled = cfg.BridgeEnabled()
		s.setAddress(cfg.Distribute.Bridge.Host, cfg.Distribute.Bridge.Port)
	}
	s.applyEnv(os.LookupEnv)
	return s
}

// applyEnv reads LATTICE_BRIDGE_ENABLED, then LATTICE_BRIDGE_ADDR (host:port),
// then LATTICE_BRIDGE_HOST and LATTICE_BRIDGE_PORT. Unparseable values are
// ignored.
func (s *Settings) applyEnv(lookup func(string) (string, bool)) {
	get := func(key string) string {
		value, _ := lookup(key)
		return strings.TrimSpace(value)
	}
	if enabled, err := strconv.ParseBool(get("LATTICE_BRIDGE_ENABLED")); err == nil {
		s.Enabled = enabled
	}
	if addr := get("LATTICE_BRIDGE_ADDR"); addr != "" {
		if host, port, err := net.SplitHostPort(addr); err == nil {
			s.setAddress(host, atoiOrZero(port))
		}
	}
	s.setAddress(get("LATTICE_BRIDGE_HOST"), atoiOrZero(get("LATTICE_BRIDGE_PORT")))
}

// setAddress overrides the host and port that are set and valid.
func (s *Settings) setAddress(host string, port int) {
	if host = strings.TrimSpace(host); host != "" {
		s.Host = host
	}
	if port > 0 && port <= 65535 {
		s.Port = port
	}
}

func atoiOrZero(value string) int {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}

// Address returns the listen address in host:port form.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the base URL clients use before the listener is bound.
func (s Settings) URL() string {
	return "http://" + s.Address()
}

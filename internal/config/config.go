// Package config loads the supervisor's TOML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/eliteGoblin/focusd/carnary/internal/daemon"
	"github.com/eliteGoblin/focusd/carnary/internal/policy"
)

// Remediation is a shell command run once when the supervisor degrades.
type Remediation struct {
	ID      string `toml:"id"`
	Command string `toml:"command"`
}

// Config is the on-disk configuration. Keys missing from the file keep
// their defaults.
type Config struct {
	NegotiationPort   int           `toml:"negotiation_port"`
	ListenAddress     string        `toml:"listen_address"`
	PortRangeStart    int           `toml:"port_range_start"`
	PortRangeEnd      int           `toml:"port_range_end"`
	RateCheckInterval time.Duration `toml:"rate_check_interval"`
	PollInterval      time.Duration `toml:"poll_interval"`
	RuntimeDir        string        `toml:"runtime_dir"`
	DataDir           string        `toml:"data_dir"`
	LogPath           string        `toml:"log_path"`
	Remediations      []Remediation `toml:"remediation"`
}

// Default returns the built-in configuration.
func Default() Config {
	sc := daemon.DefaultSupervisorConfig()
	return Config{
		NegotiationPort:   sc.NegotiationPort,
		ListenAddress:     sc.ListenAddress,
		PortRangeStart:    sc.PortRangeStart,
		PortRangeEnd:      sc.PortRangeEnd,
		RateCheckInterval: sc.Watcher.RateCheckInterval,
		PollInterval:      sc.Watcher.PollInterval,
		RuntimeDir:        sc.RuntimeDir,
		DataDir:           sc.DataDir,
		LogPath:           filepath.Join(sc.DataDir, "carnary.log"),
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(string(content))
}

// Parse decodes TOML content over the defaults and validates the result.
func Parse(content string) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(content, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and required fields.
func (c Config) Validate() error {
	var errs []error
	if c.NegotiationPort < 0 || c.NegotiationPort > 65535 {
		errs = append(errs, fmt.Errorf("negotiation_port %d out of range", c.NegotiationPort))
	}
	if c.PortRangeStart <= 0 || c.PortRangeEnd > 65535 || c.PortRangeStart > c.PortRangeEnd {
		errs = append(errs, fmt.Errorf("invalid monitoring port range %d-%d", c.PortRangeStart, c.PortRangeEnd))
	}
	if c.NegotiationPort >= c.PortRangeStart && c.NegotiationPort <= c.PortRangeEnd {
		errs = append(errs, fmt.Errorf("negotiation_port %d inside monitoring port range", c.NegotiationPort))
	}
	if c.RateCheckInterval <= 0 {
		errs = append(errs, errors.New("rate_check_interval must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.RuntimeDir == "" || c.DataDir == "" {
		errs = append(errs, errors.New("runtime_dir and data_dir are required"))
	}

	seen := make(map[string]bool)
	for i, r := range c.Remediations {
		switch {
		case r.ID == "" || r.Command == "":
			errs = append(errs, fmt.Errorf("remediation %d: id and command are required", i))
		case seen[r.ID]:
			errs = append(errs, fmt.Errorf("remediation %q defined twice", r.ID))
		}
		seen[r.ID] = true
	}
	return errors.Join(errs...)
}

// Supervisor converts the file configuration into supervisor settings.
func (c Config) Supervisor() daemon.SupervisorConfig {
	return daemon.SupervisorConfig{
		ListenAddress:   c.ListenAddress,
		NegotiationPort: c.NegotiationPort,
		PortRangeStart:  c.PortRangeStart,
		PortRangeEnd:    c.PortRangeEnd,
		RuntimeDir:      c.RuntimeDir,
		DataDir:         c.DataDir,
		Watcher: daemon.WatcherConfig{
			ListenAddress:     c.ListenAddress,
			RateCheckInterval: c.RateCheckInterval,
			PollInterval:      c.PollInterval,
		},
	}
}

// CommandRemediations builds the configured shell remediations.
func (c Config) CommandRemediations() []policy.Remediation {
	result := make([]policy.Remediation, 0, len(c.Remediations))
	for _, r := range c.Remediations {
		result = append(result, policy.NewCommandRemediation(r.ID, r.Command))
	}
	return result
}

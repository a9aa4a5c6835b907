// Package config loads and validates the YAML flow definition consumed by
// the runtime entrypoint.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dusen0528/Node-Blue/errors"
)

// Known node types wireable from a flow definition.
const (
	TypeTCPListener = "tcp_listener"
	TypeTCPSender   = "tcp_sender"
	TypeModbus      = "modbus"
	TypeBridge      = "bridge"
)

var knownTypes = map[string]struct{}{
	TypeTCPListener: {},
	TypeTCPSender:   {},
	TypeModbus:      {},
	TypeBridge:      {},
}

// Config is the complete runtime configuration: process-level settings plus
// one flow definition.
type Config struct {
	Runtime RuntimeConfig `yaml:"runtime"`
	Flow    Flow          `yaml:"flow"`
}

// RuntimeConfig holds process-level settings.
type RuntimeConfig struct {
	MetricsAddr     string        `yaml:"metrics_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
}

// Flow describes a set of nodes and the pipes routing messages between
// them.
type Flow struct {
	Name  string       `yaml:"name"`
	Nodes []NodeConfig `yaml:"nodes"`
	Pipes []PipeConfig `yaml:"pipes"`
}

// NodeConfig declares one node instance. Settings stay undecoded here; the
// entrypoint decodes them into the node's own config struct, which applies
// its own validation.
type NodeConfig struct {
	Name     string    `yaml:"name"`
	Type     string    `yaml:"type"`
	Settings yaml.Node `yaml:"settings"`
}

// PipeConfig routes one node's output to one or more destinations.
type PipeConfig struct {
	From string   `yaml:"from"`
	To   []string `yaml:"to"`
}

// DefaultRuntimeConfig returns sensible defaults for the runtime settings
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		MetricsAddr:     ":9100",
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
	}
}

// Load reads, parses and validates a flow definition. Any problem fails
// fast before a single node is constructed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "read file")
	}
	return Parse(data)
}

// Parse parses and validates a flow definition from raw YAML.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{Runtime: DefaultRuntimeConfig()}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Parse", "yaml decode")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Runtime.ShutdownTimeout < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("shutdown_timeout must be >= 0"),
			"config", "Validate", "runtime validation")
	}
	return c.Flow.Validate()
}

// Validate checks the flow for structural errors: every node needs a
// unique name and a known type, and every pipe endpoint must name a
// declared node.
func (f *Flow) Validate() error {
	if len(f.Nodes) == 0 {
		return errors.WrapInvalid(
			fmt.Errorf("flow declares no nodes"),
			"config", "Validate", "flow validation")
	}

	names := make(map[string]struct{}, len(f.Nodes))
	for i, n := range f.Nodes {
		if n.Name == "" {
			return errors.WrapInvalid(
				fmt.Errorf("node %d has no name", i),
				"config", "Validate", "node validation")
		}
		if _, dup := names[n.Name]; dup {
			return errors.WrapInvalid(
				fmt.Errorf("duplicate node name %q", n.Name),
				"config", "Validate", "node validation")
		}
		names[n.Name] = struct{}{}

		if _, ok := knownTypes[n.Type]; !ok {
			return errors.WrapInvalid(
				fmt.Errorf("node %q has unknown type %q", n.Name, n.Type),
				"config", "Validate", "node validation")
		}
	}

	for _, p := range f.Pipes {
		if _, ok := names[p.From]; !ok {
			return errors.WrapInvalid(
				fmt.Errorf("pipe source %q is not a declared node", p.From),
				"config", "Validate", "pipe validation")
		}
		if len(p.To) == 0 {
			return errors.WrapInvalid(
				fmt.Errorf("pipe from %q has no destinations", p.From),
				"config", "Validate", "pipe validation")
		}
		for _, to := range p.To {
			if _, ok := names[to]; !ok {
				return errors.WrapInvalid(
					fmt.Errorf("pipe destination %q is not a declared node", to),
					"config", "Validate", "pipe validation")
			}
		}
	}
	return nil
}

// Decode unmarshals the node's raw settings into dst. A node with no
// settings block leaves dst untouched so its defaults apply.
func (n *NodeConfig) Decode(dst any) error {
	if n.Settings.IsZero() {
		return nil
	}
	if err := n.Settings.Decode(dst); err != nil {
		return errors.WrapInvalid(err, "config", "Decode",
			fmt.Sprintf("settings for node %q", n.Name))
	}
	return nil
}

// Package config loads the YAML deployment file that wires a wsrpc
// server's listen address, engine tunables, and protocol registry.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coregx/wsrpc/wsrpc"
)

// Config is the top-level YAML document shape.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	HeartbeatMS      int `yaml:"heartbeat_ms"`
	LoopDelayMS      int `yaml:"loop_delay_ms"`
	AcquireTimeoutMS int `yaml:"acquire_timeout_ms"`
	AnswerTimeoutMS  int `yaml:"answer_timeout_ms"`

	Protocols []ProtocolConfig `yaml:"protocols"`
}

// ProtocolConfig is one entry of the protocol registry, as authored in
// YAML (spec.md §3/§4.C's Protocol template).
type ProtocolConfig struct {
	Name string `yaml:"name"`
	URI  string `yaml:"uri"`
	// Kind is one of "chat", "rest-json", "rest-binary".
	Kind          string `yaml:"kind"`
	Compression   bool   `yaml:"compression"`
	EncryptionKey string `yaml:"encryption_key"`
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// BuildRegistry converts Protocols into a ready-to-use wsrpc.Registry.
func (c *Config) BuildRegistry() (*wsrpc.Registry, error) {
	reg := wsrpc.NewRegistry()
	for _, p := range c.Protocols {
		kind, err := parseKind(p.Kind)
		if err != nil {
			return nil, fmt.Errorf("config: protocol %q: %w", p.Name, err)
		}
		tmpl := wsrpc.Protocol{
			Name:          p.Name,
			URI:           p.URI,
			Kind:          kind,
			Compression:   p.Compression,
			EncryptionKey: p.EncryptionKey,
		}
		if !reg.Add(tmpl) {
			return nil, fmt.Errorf("config: duplicate protocol (name=%q, uri=%q)", p.Name, p.URI)
		}
	}
	return reg, nil
}

func parseKind(s string) (wsrpc.ProtocolKind, error) {
	switch s {
	case "chat":
		return wsrpc.KindChat, nil
	case "rest-json":
		return wsrpc.KindRestJSON, nil
	case "rest-binary":
		return wsrpc.KindRestBinary, nil
	default:
		return 0, fmt.Errorf("unknown protocol kind %q", s)
	}
}

// ConnOptions derives wsrpc.ConnOptions from the configured millisecond
// tunables (0 means "use the package default").
func (c *Config) ConnOptions(handler wsrpc.RequestHandler, chat wsrpc.ChatHandler) wsrpc.ConnOptions {
	return wsrpc.ConnOptions{
		Heartbeat:      msOrZero(c.HeartbeatMS),
		LoopDelay:      msOrZero(c.LoopDelayMS),
		AcquireTimeout: msOrZero(c.AcquireTimeoutMS),
		AnswerTimeout:  msOrZero(c.AnswerTimeoutMS),
		Handler:        handler,
		ChatHandler:    chat,
	}
}

func msOrZero(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

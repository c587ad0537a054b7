// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads kernel configuration from defaults, files, the
// environment and command line overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides (KERNOS_LOG_LEVEL -> log.level).
const EnvPrefix = "KERNOS_"

type Config struct {
	Log         LogConfig         `koanf:"log" yaml:"log"`
	Telemetry   TelemetryConfig   `koanf:"telemetry" yaml:"telemetry"`
	Interpreter InterpreterConfig `koanf:"interpreter" yaml:"interpreter"`
	Kernel      KernelConfig      `koanf:"kernel" yaml:"kernel"`
	History     HistoryConfig     `koanf:"history" yaml:"history"`
	Transport   TransportConfig   `koanf:"transport" yaml:"transport"`
	MCP         MCPConfig         `koanf:"mcp" yaml:"mcp"`
}

type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter           string `koanf:"exporter" yaml:"exporter"` // none, stdout, otlp
	OTLPEndpoint       string `koanf:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPInsecure       bool   `koanf:"otlp_insecure" yaml:"otlp_insecure"`
	OTLPTimeoutSeconds int    `koanf:"otlp_timeout_seconds" yaml:"otlp_timeout_seconds"`
}

// InterpreterConfig describes the embedded interpreter and its console protocol.
type InterpreterConfig struct {
	Engine             string `koanf:"engine" yaml:"engine"` // goeval
	Prompt             string `koanf:"prompt" yaml:"prompt"`
	ContinuationPrompt string `koanf:"continuation_prompt" yaml:"continuation_prompt"`
	PollIntervalMs     int    `koanf:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// PollInterval is how long a console read waits for input before
// handing the runtime lock to pending work.
func (c InterpreterConfig) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

type KernelConfig struct {
	Name    string `koanf:"name" yaml:"name"`
	Session string `koanf:"session" yaml:"session"` // generated when empty
}

type HistoryConfig struct {
	Driver               string `koanf:"driver" yaml:"driver"` // memory, sqlite, none
	Path                 string `koanf:"path" yaml:"path"`
	RetentionHours       int    `koanf:"retention_hours" yaml:"retention_hours"`
	SweepIntervalSeconds int    `koanf:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
}

// Retention returns how long history entries are kept; zero keeps them forever.
func (c HistoryConfig) Retention() time.Duration {
	if c.RetentionHours <= 0 {
		return 0
	}
	return time.Duration(c.RetentionHours) * time.Hour
}

// SweepInterval returns the period of the retention sweeper.
func (c HistoryConfig) SweepInterval() time.Duration {
	if c.SweepIntervalSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

type TransportConfig struct {
	WebSocketAddr string `koanf:"websocket_addr" yaml:"websocket_addr"`
	WebSocketPath string `koanf:"websocket_path" yaml:"websocket_path"`
	HeartbeatAddr string `koanf:"heartbeat_addr" yaml:"heartbeat_addr"`
}

type MCPConfig struct {
	Enabled   bool   `koanf:"enabled" yaml:"enabled"`
	Transport string `koanf:"transport" yaml:"transport"` // stdio, http
	Addr      string `koanf:"addr" yaml:"addr"`
}

func setDefaults(k *koanf.Koanf) {
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("telemetry.exporter", "none")

	k.Set("interpreter.engine", "goeval")
	k.Set("interpreter.prompt", "> ")
	k.Set("interpreter.continuation_prompt", "+ ")
	k.Set("interpreter.poll_interval_ms", 200)

	k.Set("kernel.name", "kernos")

	k.Set("history.driver", "memory")
	k.Set("history.path", "kernos-history.db")
	k.Set("history.retention_hours", 24*7)
	k.Set("history.sweep_interval_seconds", 600)

	k.Set("transport.websocket_addr", "127.0.0.1:8888")
	k.Set("transport.websocket_path", "/kernel")
	k.Set("transport.heartbeat_addr", "127.0.0.1:8889")

	k.Set("mcp.enabled", false)
	k.Set("mcp.transport", "stdio")
	k.Set("mcp.addr", "127.0.0.1:8890")
}

// Sources lists where a configuration is read from, lowest precedence first
// (after the built-in defaults): Path, then the Profile file next to it
// (config.yaml + "dev" -> config.dev.yaml, skipped when missing), then the
// environment, then Sets ("key=value").
type Sources struct {
	Path    string
	Profile string
	Sets    []string
}

// Load reads defaults, then the file at path (if any), then the environment.
func Load(path string) (*Config, error) {
	return LoadSources(Sources{Path: path})
}

// LoadWithProfile is Load with a profile file layered over path.
func LoadWithProfile(path, profile string) (*Config, error) {
	return LoadSources(Sources{Path: path, Profile: profile})
}

// LoadSources builds a Config from src. Set values that parse as JSON are
// stored decoded (numbers, booleans, objects); anything else is a string.
func LoadSources(src Sources) (*Config, error) {
	k := koanf.New(".")
	setDefaults(k)

	// 1. Load from file
	if src.Path != "" {
		if err := k.Load(file.Provider(src.Path), parserFor(src.Path)); err != nil {
			return nil, fmt.Errorf("load config %s: %w", src.Path, err)
		}
		if profile := ProfilePath(src.Path, src.Profile); profile != "" {
			if _, err := os.Stat(profile); err == nil {
				if err := k.Load(file.Provider(profile), parserFor(profile)); err != nil {
					return nil, fmt.Errorf("load profile %s: %w", profile, err)
				}
			}
		}
	}

	// 2. Load from ENV (KERNOS_INTERPRETER_POLL_INTERVAL_MS -> interpreter.poll_interval_ms)
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}

	// 3. CLI overrides
	for _, set := range src.Sets {
		key, value, err := splitOverride(set)
		if err != nil {
			return nil, err
		}
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("apply override %s: %w", key, err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ProfilePath returns the profile file for base, or "" when profile is empty.
func ProfilePath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "." + profile + ext
}

// LoadWithCLI parses --config, --profile (alias --env) and --set arguments
// and loads the result. Unknown arguments are rejected.
func LoadWithCLI(args []string) (*Config, error) {
	src, err := parseCLIOverrides(args)
	if err != nil {
		return nil, err
	}
	return LoadSources(src)
}

func parseCLIOverrides(args []string) (Sources, error) {
	var src Sources
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, inline, hasInline := strings.Cut(arg, "=")
		switch name {
		case "--config", "--set", "--profile", "--env":
		default:
			return Sources{}, fmt.Errorf("unknown argument %q", arg)
		}
		value := inline
		if !hasInline {
			if i+1 >= len(args) {
				return Sources{}, fmt.Errorf("%s requires a value", name)
			}
			i++
			value = args[i]
		}
		switch name {
		case "--config":
			src.Path = value
		case "--profile", "--env":
			src.Profile = value
		case "--set":
			if _, _, err := splitOverride(value); err != nil {
				return Sources{}, err
			}
			src.Sets = append(src.Sets, value)
		}
	}
	return src, nil
}

func splitOverride(set string) (string, interface{}, error) {
	key, raw, ok := strings.Cut(set, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", nil, fmt.Errorf("invalid override %q, expected key=value", set)
	}
	var decoded interface{}
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil && decoded != nil {
		return key, decoded, nil
	}
	return key, raw, nil
}

// envKey maps KERNOS_SECTION_FIELD_NAME to section.field_name: only the
// first underscore separates the section.
func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", 1)
}

func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return kjson.Parser()
	case ".toml":
		return TOML()
	default:
		return yaml.Parser()
	}
}

// Dump renders cfg as YAML.
func Dump(cfg *Config) ([]byte, error) {
	return yamlv3.Marshal(cfg)
}

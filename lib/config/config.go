// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file when no flag is given.
const EnvironmentVariable = "FLEETLINK_CONFIG"

// Environment is the deployment type.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Duration is a time.Duration written as a duration string.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML parses "30s"-style values.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"30s\"", node.Line)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// Config is the controller configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	// Listen is the address of the HTTP server carrying /ws, the API,
	// live views and /metrics.
	Listen string `yaml:"listen"`

	// OperatorSocket is the Unix socket the fleetlink CLI talks to.
	OperatorSocket string `yaml:"operator_socket"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	RegistrationTimeout Duration `yaml:"registration_timeout"`

	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Commands  CommandsConfig  `yaml:"commands"`
	Streams   StreamsConfig   `yaml:"streams"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Limits    LimitsConfig    `yaml:"limits"`

	// Per-environment sections are decoded over the base values.
	Development *yaml.Node `yaml:"development,omitempty"`
	Staging     *yaml.Node `yaml:"staging,omitempty"`
	Production  *yaml.Node `yaml:"production,omitempty"`
}

// HeartbeatConfig configures liveness checking.
type HeartbeatConfig struct {
	// Interval is the expected heartbeat period. Clients silent for
	// twice this long are disconnected.
	Interval Duration `yaml:"interval"`
}

// CommandsConfig configures the command dispatcher.
type CommandsConfig struct {
	DefaultTimeout Duration `yaml:"default_timeout"`
}

// StreamsConfig configures video streams.
type StreamsConfig struct {
	// IdleTimeout stops streams that receive no frames for this long.
	// Negative disables the sweep.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// LiveFrames is the per-stream buffer behind live viewers.
	LiveFrames int `yaml:"live_frames"`

	// ViewerFPS caps the MJPEG live view frame rate.
	ViewerFPS int `yaml:"viewer_fps"`

	// SLAMQueue is the per-stream SLAM subscriber queue.
	SLAMQueue int `yaml:"slam_queue"`
}

// StorageConfig configures where media lands.
type StorageConfig struct {
	// Root is available to the other fields as ${FLEETLINK_ROOT}.
	Root          string `yaml:"root"`
	ImagesDir     string `yaml:"images_dir"`
	RecordingsDir string `yaml:"recordings_dir"`
	CatalogPath   string `yaml:"catalog_path"`
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LimitsConfig bounds inbound traffic.
type LimitsConfig struct {
	MaxMessageBytes int64 `yaml:"max_message_bytes"`
}

// Default returns the built-in configuration. File values are decoded
// over it.
func Default() *Config {
	return &Config{
		Environment:         Development,
		Listen:              ":8765",
		OperatorSocket:      "${FLEETLINK_ROOT}/operator.sock",
		LogLevel:            "info",
		RegistrationTimeout: Duration(15 * time.Second),
		Heartbeat:           HeartbeatConfig{Interval: Duration(30 * time.Second)},
		Commands:            CommandsConfig{DefaultTimeout: Duration(30 * time.Second)},
		Streams: StreamsConfig{
			IdleTimeout: Duration(5 * time.Minute),
			LiveFrames:  30,
			ViewerFPS:   15,
			SLAMQueue:   8,
		},
		Storage: StorageConfig{
			Root:          "${HOME}/.local/share/fleetlink",
			ImagesDir:     "${FLEETLINK_ROOT}/images",
			RecordingsDir: "${FLEETLINK_ROOT}/recordings",
			CatalogPath:   "${FLEETLINK_ROOT}/catalog.db",
		},
		Metrics: MetricsConfig{Enabled: true},
		Limits:  LimitsConfig{MaxMessageBytes: 16 << 20},
	}
}

// Load loads the file named by FLEETLINK_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your fleetlink.yaml, or use --config", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile loads and validates one file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Finish(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Finish applies the environment section and variable expansion, then
// validates. LoadFile calls it; callers running on Default alone call
// it themselves.
func (c *Config) Finish() error {
	if err := c.applyEnvironmentOverrides(); err != nil {
		return err
	}
	c.expandVariables()
	return c.Validate()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if strings.HasSuffix(path, ".jsonc") || strings.HasSuffix(path, ".json") {
		// JSON is a YAML subset, so one decoder and one set of tags
		// serve both.
		data = jsonc.ToJSON(data)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvironmentOverrides() error {
	var section *yaml.Node
	switch c.Environment {
	case Development:
		section = c.Development
	case Staging:
		section = c.Staging
	case Production:
		section = c.Production
	}
	if section == nil {
		return nil
	}
	environment := c.Environment
	if err := section.Decode(c); err != nil {
		return fmt.Errorf("applying %s section: %w", environment, err)
	}
	// A section cannot move the config to another environment.
	c.Environment = environment
	return nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Storage.Root = expandVars(c.Storage.Root, vars)
	vars["FLEETLINK_ROOT"] = c.Storage.Root

	c.Storage.ImagesDir = expandVars(c.Storage.ImagesDir, vars)
	c.Storage.RecordingsDir = expandVars(c.Storage.RecordingsDir, vars)
	c.Storage.CatalogPath = expandVars(c.Storage.CatalogPath, vars)
	c.OperatorSocket = expandVars(c.OperatorSocket, vars)
	c.Listen = expandVars(c.Listen, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}, preferring vars over
// the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.OperatorSocket == "" {
		errs = append(errs, errors.New("operator_socket is required"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q must be debug, info, warn or error", c.LogLevel))
	}
	if c.RegistrationTimeout <= 0 {
		errs = append(errs, errors.New("registration_timeout must be positive"))
	}
	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, errors.New("heartbeat.interval must be positive"))
	}
	if c.Commands.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("commands.default_timeout must be positive"))
	}
	if c.Streams.IdleTimeout == 0 {
		errs = append(errs, errors.New("streams.idle_timeout must be non-zero (negative disables)"))
	}
	if c.Streams.LiveFrames <= 0 {
		errs = append(errs, errors.New("streams.live_frames must be positive"))
	}
	if c.Streams.ViewerFPS <= 0 || c.Streams.ViewerFPS > 60 {
		errs = append(errs, fmt.Errorf("streams.viewer_fps %d must be between 1 and 60", c.Streams.ViewerFPS))
	}
	if c.Streams.SLAMQueue <= 0 {
		errs = append(errs, errors.New("streams.slam_queue must be positive"))
	}
	if c.Storage.ImagesDir == "" {
		errs = append(errs, errors.New("storage.images_dir is required"))
	}
	if c.Storage.RecordingsDir == "" {
		errs = append(errs, errors.New("storage.recordings_dir is required"))
	}
	if c.Storage.CatalogPath == "" {
		errs = append(errs, errors.New("storage.catalog_path is required"))
	}
	if c.Limits.MaxMessageBytes < 64<<10 {
		errs = append(errs, fmt.Errorf("limits.max_message_bytes %d is below 65536", c.Limits.MaxMessageBytes))
	}
	return errors.Join(errs...)
}

// EnsurePaths creates the storage directories and the parent
// directories of the catalog and operator socket.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Storage.ImagesDir,
		c.Storage.RecordingsDir,
		filepath.Dir(c.Storage.CatalogPath),
		filepath.Dir(c.OperatorSocket),
	}
	for _, path := range paths {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

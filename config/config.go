// Package config loads the petalbus YAML configuration used by the CLI.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "petalbus.yaml"
	homeConfigName    = "config.yaml"
	homeConfigDir     = ".petalbus"
)

// File is the declarative config shape.
type File struct {
	Bus       BusConfig       `yaml:"bus"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Demo      DemoConfig      `yaml:"demo"`
}

// BusConfig configures the event bus.
type BusConfig struct {
	Name string `yaml:"name,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug|info|warn|error
	Format string `yaml:"format,omitempty"` // text|json
}

// TelemetryConfig toggles OpenTelemetry instrumentation.
type TelemetryConfig struct {
	Metrics bool `yaml:"metrics"`
	Tracing bool `yaml:"tracing"`
}

// DemoConfig sizes the scenario run by "petalbus demo".
type DemoConfig struct {
	Consumers int `yaml:"consumers,omitempty"`
	Ticks     int `yaml:"ticks,omitempty"`
}

// Default returns the built-in configuration.
func Default() File {
	return File{
		Bus:       BusConfig{Name: "default"},
		Log:       LogConfig{Level: "info", Format: "text"},
		Telemetry: TelemetryConfig{Metrics: true},
		Demo:      DemoConfig{Consumers: 3, Ticks: 5},
	}
}

// Discover resolves the config location with first-match semantics.
func Discover(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverFrom(explicitPath, cwd, homeDir)
}

// DiscoverFrom is a testable variant of Discover.
func DiscoverFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads path on top of Default and validates the result.
func Load(path string) (File, error) {
	cfg := Default()

	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return File{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return File{}, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Resolve discovers and loads the config, falling back to Default when no
// file is found.
func Resolve(explicitPath string) (File, string, error) {
	path, found, err := Discover(explicitPath)
	if err != nil {
		return File{}, "", err
	}
	if !found {
		return Default(), "", nil
	}
	cfg, err := Load(path)
	if err != nil {
		return File{}, "", err
	}
	return cfg, path, nil
}

// Validate checks field values.
func (f File) Validate() error {
	if strings.TrimSpace(f.Bus.Name) == "" {
		return errors.New("bus.name must not be empty")
	}
	if _, err := parseLevel(f.Log.Level); err != nil {
		return err
	}
	switch f.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", f.Log.Format)
	}
	if f.Demo.Consumers < 0 || f.Demo.Ticks < 0 {
		return errors.New("demo.consumers and demo.ticks must not be negative")
	}
	return nil
}

// Logger builds a slog logger writing to w according to the log settings.
func (f File) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(f.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if f.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Marshal renders the config as YAML.
func (f File) Marshal() ([]byte, error) {
	return yaml.Marshal(f)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level %q: want debug, info, warn or error", s)
	}
}

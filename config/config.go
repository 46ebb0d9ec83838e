// Package config loads the petalbus.yaml file used by the serve command.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/petalbus/schedule"
)

const (
	projectConfigName = "petalbus.yaml"
	homeConfigName    = "config.yaml"

	// EnvSQLitePath overrides journal.dsn when set.
	EnvSQLitePath = "PETALBUS_SQLITE_PATH"
)

// File is the petalbus.yaml shape.
type File struct {
	Server    ServerConfig     `yaml:"server"`
	Journal   JournalConfig    `yaml:"journal"`
	Throttle  ThrottleConfig   `yaml:"throttle"`
	Schedules []ScheduleConfig `yaml:"schedules,omitempty"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	CORSOrigin      string        `yaml:"cors_origin,omitempty"`
	MaxBody         int64         `yaml:"max_body,omitempty"`
	ReadTimeout     time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout    time.Duration `yaml:"write_timeout,omitempty"`
	LongPollTimeout time.Duration `yaml:"long_poll_timeout,omitempty"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// JournalConfig configures emission journaling. An empty DSN keeps the
// journal in memory.
type JournalConfig struct {
	DSN            string        `yaml:"dsn,omitempty"`
	RetentionAge   time.Duration `yaml:"retention_age,omitempty"`
	RetentionCount int           `yaml:"retention_count,omitempty"`
	PruneInterval  time.Duration `yaml:"prune_interval,omitempty"`
}

// ThrottleConfig selects event names whose emissions are coalesced.
type ThrottleConfig struct {
	Interval time.Duration `yaml:"interval,omitempty"`
	Events   []string      `yaml:"events,omitempty"`
}

// ScheduleConfig is one cron-driven emission.
type ScheduleConfig struct {
	Name    string         `yaml:"name,omitempty"`
	Event   string         `yaml:"event"`
	Cron    string         `yaml:"cron"`
	Payload map[string]any `yaml:"payload,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	ServiceName  string `yaml:"service_name,omitempty"`
	Insecure     bool   `yaml:"insecure,omitempty"`
}

// Default returns the configuration used when no file is found.
func Default() File {
	return File{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8080,
			CORSOrigin:  "*",
			MaxBody:     1 << 20,
			ReadTimeout: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "petalbus",
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// Unknown keys are rejected.
func Load(path string) (File, error) {
	cfg := Default()

	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: reading %q: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("config: parsing %q: %w", path, err)
	}

	cfg.Journal.DSN = resolveDSN(filepath.Dir(path), os.ExpandEnv(cfg.Journal.DSN))
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv applies environment overrides to cfg.
func (f *File) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvSQLitePath)); v != "" {
		f.Journal.DSN = v
	}
}

// Validate reports every problem in the configuration at once.
func (f File) Validate() error {
	var errs []error

	if f.Server.Port < 0 || f.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", f.Server.Port))
	}
	if f.Server.MaxBody < 0 {
		errs = append(errs, errors.New("server.max_body must not be negative"))
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"server.read_timeout", f.Server.ReadTimeout},
		{"server.write_timeout", f.Server.WriteTimeout},
		{"server.long_poll_timeout", f.Server.LongPollTimeout},
		{"journal.retention_age", f.Journal.RetentionAge},
		{"journal.prune_interval", f.Journal.PruneInterval},
		{"throttle.interval", f.Throttle.Interval},
	} {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.name))
		}
	}
	if f.Journal.RetentionCount < 0 {
		errs = append(errs, errors.New("journal.retention_count must not be negative"))
	}
	if len(f.Throttle.Events) > 0 && f.Throttle.Interval == 0 {
		errs = append(errs, errors.New("throttle.interval is required when throttle.events is set"))
	}

	seen := make(map[string]bool, len(f.Schedules))
	for i, s := range f.Schedules {
		label := s.Name
		if label == "" {
			label = s.Event
		}
		if strings.TrimSpace(s.Event) == "" {
			errs = append(errs, fmt.Errorf("schedules[%d]: event is required", i))
			continue
		}
		if seen[label] {
			errs = append(errs, fmt.Errorf("schedules[%d]: duplicate name %q", i, label))
		}
		seen[label] = true
		if _, err := schedule.ParseUTC(s.Cron); err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d] %q: %w", i, label, err))
		}
	}

	return errors.Join(errs...)
}

// ScheduleEntries converts the configured schedules for the scheduler.
func (f File) ScheduleEntries() []schedule.Entry {
	entries := make([]schedule.Entry, 0, len(f.Schedules))
	for _, s := range f.Schedules {
		entries = append(entries, schedule.Entry{
			Name:    s.Name,
			Event:   s.Event,
			Cron:    s.Cron,
			Payload: s.Payload,
		})
	}
	return entries
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
		candidates = append(candidates, filepath.Join(homeDir, ".petalbus", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
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

// resolveDSN makes a bare relative file path relative to the config file.
// URI-style DSNs and in-memory databases are left untouched.
func resolveDSN(baseDir, dsn string) string {
	clean := strings.TrimSpace(dsn)
	if clean == "" || clean == ":memory:" || strings.HasPrefix(clean, "file:") || filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, filepath.Clean(clean))
}

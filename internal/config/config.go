// Package config handles YAML configuration for nsgswap.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/nsgswap/internal/failover"
	"github.com/yairfalse/nsgswap/internal/nsg"
)

// Config is the root configuration structure.
type Config struct {
	AWS      AWSConfig      `yaml:"aws"`
	Log      LogConfig      `yaml:"log"`
	OTEL     OTELConfig     `yaml:"otel"`
	Journal  JournalConfig  `yaml:"journal"`
	Policy   PolicyConfig   `yaml:"policy"`
	Trigger  TriggerConfig  `yaml:"trigger"`
	Metrics  ExporterConfig `yaml:"metrics"`
	Failover FailoverConfig `yaml:"failover"`
}

// AWSConfig holds AWS provider settings.
type AWSConfig struct {
	Region  string `yaml:"region"`
	Profile string `yaml:"profile"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	ServiceName string        `yaml:"service_name"`
	Traces      TracesConfig  `yaml:"traces"`
	Metrics     MetricsConfig `yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig holds OTLP metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// JournalConfig holds run journal settings.
type JournalConfig struct {
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

// PolicyConfig points at an optional extra guard policy.
type PolicyConfig struct {
	File string `yaml:"file"`
}

// TriggerConfig holds the SQS trigger settings used by serve.
type TriggerConfig struct {
	QueueURL             string        `yaml:"queue_url"`
	WaitTimeStr          string        `yaml:"wait_time"`
	WaitTime             time.Duration `yaml:"-"`
	VisibilityTimeoutStr string        `yaml:"visibility_timeout"`
	VisibilityTimeout    time.Duration `yaml:"-"`
}

// ExporterConfig holds the Prometheus endpoint settings used by serve.
type ExporterConfig struct {
	Addr string `yaml:"addr"`
}

// FailoverConfig names the resources of one deployment and tunes the mutators.
type FailoverConfig struct {
	Scenario          string         `yaml:"scenario"`
	ElasticIP         string         `yaml:"elastic_ip"`
	AccessInterface   string         `yaml:"access_interface"`
	Old               failover.Node  `yaml:"old"`
	New               failover.Node  `yaml:"new"`
	Retire            string         `yaml:"retire"`
	Image             failover.Image `yaml:"image"`
	AccessDeviceIndex int32          `yaml:"access_device_index"`

	DetachTimeoutStr string        `yaml:"detach_timeout"`
	DetachTimeout    time.Duration `yaml:"-"`
	PollIntervalStr  string        `yaml:"poll_interval"`
	PollInterval     time.Duration `yaml:"-"`
	CallTimeoutStr   string        `yaml:"call_timeout"`
	CallTimeout      time.Duration `yaml:"-"`
}

// Settings returns the failover settings described by the config.
func (f FailoverConfig) Settings() failover.Settings {
	return failover.Settings{
		Scenario:        failover.Scenario(f.Scenario),
		ElasticIP:       f.ElasticIP,
		AccessInterface: f.AccessInterface,
		Old:             f.Old,
		New:             f.New,
		Retire:          failover.RetireMode(f.Retire),
		Image:           f.Image,
	}
}

// MutatorOptions returns the mutator tuning described by the config.
func (f FailoverConfig) MutatorOptions() nsg.Options {
	return nsg.Options{
		CallTimeout:       f.CallTimeout,
		DetachTimeout:     f.DetachTimeout,
		PollInterval:      f.PollInterval,
		AccessDeviceIndex: f.AccessDeviceIndex,
	}
}

// Load reads and parses a YAML config file. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = os.Getenv("AWS_REGION")
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "nsgswap"
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = defaultJournalPath()
	}
	if cfg.Trigger.WaitTimeStr == "" {
		cfg.Trigger.WaitTimeStr = "20s"
	}
	if cfg.Trigger.VisibilityTimeoutStr == "" {
		cfg.Trigger.VisibilityTimeoutStr = "15m"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9464"
	}

	f := &cfg.Failover
	if f.Scenario == "" {
		f.Scenario = string(failover.ScenarioSwap)
	}
	if f.Retire == "" {
		f.Retire = string(failover.RetireStop)
	}
	if f.Image.RootDevice == "" {
		f.Image.RootDevice = "/dev/sda1"
	}
	if f.AccessDeviceIndex == 0 {
		f.AccessDeviceIndex = 1
	}
	if f.DetachTimeoutStr == "" {
		f.DetachTimeoutStr = "2m"
	}
	if f.PollIntervalStr == "" {
		f.PollIntervalStr = "2s"
	}
	if f.CallTimeoutStr == "" {
		f.CallTimeoutStr = "30s"
	}
}

func defaultJournalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".nsgswap", "journal.db")
	}
	return filepath.Join(home, ".nsgswap", "journal.db")
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"trigger.wait_time", cfg.Trigger.WaitTimeStr, &cfg.Trigger.WaitTime},
		{"trigger.visibility_timeout", cfg.Trigger.VisibilityTimeoutStr, &cfg.Trigger.VisibilityTimeout},
		{"failover.detach_timeout", cfg.Failover.DetachTimeoutStr, &cfg.Failover.DetachTimeout},
		{"failover.poll_interval", cfg.Failover.PollIntervalStr, &cfg.Failover.PollInterval},
		{"failover.call_timeout", cfg.Failover.CallTimeoutStr, &cfg.Failover.CallTimeout},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if c.AWS.Region == "" {
		return fmt.Errorf("aws: region required")
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log: format must be console or json (got %q)", c.Log.Format)
	}
	if c.Trigger.WaitTime < 0 || c.Trigger.WaitTime > 20*time.Second {
		return fmt.Errorf("trigger: wait_time must be between 0s and 20s (got %s)", c.Trigger.WaitTime)
	}

	f := c.Failover
	if f.AccessDeviceIndex < 1 {
		return fmt.Errorf("failover: access_device_index must be a secondary slot (got %d)", f.AccessDeviceIndex)
	}
	if f.DetachTimeout <= 0 || f.PollInterval <= 0 || f.CallTimeout <= 0 {
		return fmt.Errorf("failover: timeouts and poll interval must be positive")
	}
	if f.PollInterval > f.DetachTimeout {
		return fmt.Errorf("failover: poll_interval %s exceeds detach_timeout %s", f.PollInterval, f.DetachTimeout)
	}
	if err := f.Settings().Validate(); err != nil {
		return fmt.Errorf("failover: %w", err)
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/nsgswap/internal/failover"
)

const swapConfig = `
aws:
  region: us-east-1
  profile: production

log:
  level: debug
  format: json

otel:
  endpoint: localhost:4317
  insecure: true
  traces:
    enabled: true
    sample_rate: 1.0
  metrics:
    enabled: true

journal:
  path: /var/lib/nsgswap/journal.db

trigger:
  queue_url: https://sqs.us-east-1.amazonaws.com/123456789012/nsg-failover
  wait_time: 10s

failover:
  scenario: swap
  elastic_ip: 203.0.113.9
  access_interface: eni-access
  old:
    instance: NSG-A
    uplink: eni-A
  new:
    instance: NSG-B
    uplink: eni-B
  detach_timeout: 90s
  poll_interval: 5s
`

func TestLoad_ValidConfig(t *testing.T) {
	path := writeTempConfig(t, swapConfig)
	cfg, err := Load(path)

	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "us-east-1", cfg.AWS.Region)
	assert.Equal(t, "production", cfg.AWS.Profile)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "localhost:4317", cfg.OTEL.Endpoint)
	assert.True(t, cfg.OTEL.Insecure)
	assert.True(t, cfg.OTEL.Traces.Enabled)
	assert.Equal(t, 1.0, cfg.OTEL.Traces.SampleRate)
	assert.Equal(t, "/var/lib/nsgswap/journal.db", cfg.Journal.Path)
	assert.Equal(t, 10*time.Second, cfg.Trigger.WaitTime)
	assert.Equal(t, 90*time.Second, cfg.Failover.DetachTimeout)
	assert.Equal(t, 5*time.Second, cfg.Failover.PollInterval)

	s := cfg.Failover.Settings()
	assert.Equal(t, failover.ScenarioSwap, s.Scenario)
	assert.Equal(t, "203.0.113.9", s.ElasticIP)
	assert.Equal(t, failover.Node{Instance: "NSG-B", Uplink: "eni-B"}, s.New)
}

func TestLoad_Defaults(t *testing.T) {
	content := `
aws:
  region: eu-west-1
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "nsgswap", cfg.OTEL.ServiceName)
	assert.Equal(t, ":9464", cfg.Metrics.Addr)
	assert.Equal(t, 20*time.Second, cfg.Trigger.WaitTime)
	assert.Equal(t, 15*time.Minute, cfg.Trigger.VisibilityTimeout)
	assert.NotEmpty(t, cfg.Journal.Path)

	opts := cfg.Failover.MutatorOptions()
	assert.Equal(t, 2*time.Minute, opts.DetachTimeout)
	assert.Equal(t, 2*time.Second, opts.PollInterval)
	assert.Equal(t, 30*time.Second, opts.CallTimeout)
	assert.Equal(t, int32(1), opts.AccessDeviceIndex)

	assert.Equal(t, string(failover.ScenarioSwap), cfg.Failover.Scenario)
	assert.Equal(t, string(failover.RetireStop), cfg.Failover.Retire)
	assert.Equal(t, "/dev/sda1", cfg.Failover.Image.RootDevice)
}

func TestLoad_RegionFromEnvironment(t *testing.T) {
	t.Setenv("AWS_REGION", "ap-southeast-2")
	path := writeTempConfig(t, "log:\n  level: warn\n")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "ap-southeast-2", cfg.AWS.Region)
}

func TestLoad_EmptyFile(t *testing.T) {
	path := writeTempConfig(t, "")
	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	content := `
aws:
  region: [us-east-1
`
	path := writeTempConfig(t, content)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_UnknownKey(t *testing.T) {
	content := `
failover:
  elastic_address: 203.0.113.9
`
	path := writeTempConfig(t, content)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "elastic_address")
}

func TestLoad_InvalidDuration(t *testing.T) {
	content := `
failover:
  detach_timeout: soon
`
	path := writeTempConfig(t, content)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failover.detach_timeout")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no region", func(c *Config) { c.AWS.Region = "" }, "region required"},
		{"sample rate", func(c *Config) { c.OTEL.Traces.SampleRate = 1.5 }, "sample_rate"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "format"},
		{"long poll", func(c *Config) { c.Trigger.WaitTime = time.Minute }, "wait_time"},
		{"primary slot", func(c *Config) { c.Failover.AccessDeviceIndex = 0 }, "secondary slot"},
		{"poll longer than timeout", func(c *Config) { c.Failover.PollInterval = time.Hour }, "exceeds detach_timeout"},
		{"missing names", func(c *Config) { c.Failover.AccessInterface = "" }, "failover: access interface"},
		{"provision without image", func(c *Config) { c.Failover.Scenario = "provision" }, "image id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeTempConfig(t, swapConfig))
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(path, []byte(content), 0644)
	require.NoError(t, err)
	return path
}

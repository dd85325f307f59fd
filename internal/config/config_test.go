package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Pool.TTL)
	assert.Equal(t, filepath.Join("./data", "print_queue.jsonl"), cfg.QueuePath())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesAndExpandsEnv(t *testing.T) {
	t.Setenv("TEST_PRINTER_HOST", "192.168.1.50")
	path := filepath.Join(t.TempDir(), "printgate.yaml")
	data := `
server:
  http_addr: ":9000"
  api_key: secret
device:
  addr: ${TEST_PRINTER_HOST}:9100
breaker:
  failure_threshold: 5
  recovery_timeout: 2m
health:
  check_interval: 45s
queue:
  backoff:
    base_delay: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "secret", cfg.Server.APIKey)
	assert.Equal(t, "192.168.1.50:9100", cfg.Device.Addr)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, 45*time.Second, cfg.Health.CheckInterval)
	assert.Equal(t, 10*time.Second, cfg.Queue.Backoff.BaseDelay)
	// Untouched sections keep their defaults
	assert.Equal(t, 2, cfg.Breaker.MinSuccesses)
	assert.Equal(t, 10*time.Second, cfg.Health.PollInterval)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [oops"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
	assert.Equal(t, Default(), LoadOrDefault(path))
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PRINTGATE_API_KEY", "from-env")
	t.Setenv("PRINTGATE_DEVICE_ADDR", "printer.local")
	t.Setenv("PRINTGATE_DATA_DIR", "/var/lib/printgate")

	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, "from-env", cfg.Server.APIKey)
	assert.Equal(t, "printer.local", cfg.Device.Addr)
	assert.Equal(t, "/var/lib/printgate/print_queue.jsonl", cfg.QueuePath())
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Health.CheckInterval = 5 * time.Second
	cfg.Encoder.FontSize = "huge"
	cfg.Server.TrustedCIDRs = []string{"not-a-cidr"}
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health.check_interval")
	assert.Contains(t, err.Error(), "encoder.font_size")
	assert.Contains(t, err.Error(), "trusted_cidrs")
	assert.Contains(t, err.Error(), "logging.format")
}

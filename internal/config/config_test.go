package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailtriage/internal/domain"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "0.0.0.0"

pipeline:
  phase2_concurrency: 5
  phase3_concurrency: 2
  queue_caps:
    p1: 2048
    p2: 128

model:
  primary_id: "anthropic.claude-3-haiku-20240307-v1:0"
  timeout_primary_ms: 30000

retry:
  max_attempts: 4

sla:
  policy_hours:
    critical: 2
    high: 12
  at_risk_fraction: 0.75

router:
  high_value_threshold_minor: 10000000
  high_value_keywords: ["competitor", "rfp"]

storage:
  type: "postgres"
  database_url: "postgres://localhost/mailtriage?sslmode=disable"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Pipeline.Phase2Concurrency)
	assert.Equal(t, 2, cfg.Pipeline.Phase3Concurrency)
	assert.Equal(t, 2048, cfg.Pipeline.QueueCaps.P1)
	assert.Equal(t, 128, cfg.Pipeline.QueueCaps.P2)

	// Unset queue caps fall back to defaults
	assert.Equal(t, 512, cfg.Pipeline.QueueCaps.Chain)
	assert.Equal(t, 64, cfg.Pipeline.QueueCaps.P3)

	assert.Equal(t, "anthropic.claude-3-haiku-20240307-v1:0", cfg.Model.PrimaryID)
	assert.Equal(t, 30000, cfg.Model.TimeoutPrimaryMS)
	assert.Equal(t, 180000, cfg.Model.TimeoutCriticalMS)

	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, int64(10000000), cfg.Router.HighValueThresholdMinor)
	assert.Equal(t, []string{"competitor", "rfp"}, cfg.Router.HighValueKeywords)
	assert.Equal(t, "postgres", cfg.Storage.Type)
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 3, cfg.Pipeline.Phase2Concurrency)
	assert.Equal(t, 1, cfg.Pipeline.Phase3Concurrency)
	assert.Equal(t, 1024, cfg.Pipeline.QueueCaps.P1)
	assert.Equal(t, 256, cfg.Pipeline.QueueCaps.P2)
	assert.Equal(t, 45000, cfg.Model.TimeoutPrimaryMS)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, int64(5000000), cfg.Router.HighValueThresholdMinor)
	assert.Equal(t, "memory", cfg.Storage.Type)
}

func TestSLAPolicy(t *testing.T) {
	cfg := Default()
	cfg.SLA.PolicyHours = map[string]float64{"critical": 2}
	cfg.SLA.AtRiskFraction = 0.9

	p := cfg.SLA.Policy()
	assert.Equal(t, 2.0, p.HoursFor(domain.PriorityCritical))
	assert.Equal(t, 24.0, p.HoursFor(domain.PriorityHigh)) // untouched default
	assert.Equal(t, 0.9, p.AtRiskFraction)

	// Unknown priorities use the medium window
	assert.Equal(t, 72.0, p.HoursFor(domain.Priority("weird")))
}

func TestLoadFromEnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 8081\n"), 0644))

	t.Setenv("DATABASE_URL", "postgres://ecs/mailtriage")
	t.Setenv("PHASE2_CONCURRENCY", "7")

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	assert.Equal(t, "postgres://ecs/mailtriage", cfg.Storage.DatabaseURL)
	assert.Equal(t, "postgres", cfg.Storage.Type)
	assert.Equal(t, 7, cfg.Pipeline.Phase2Concurrency)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir()) // no .env in scope

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Gateway.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Gateway.BaseDelay)
	assert.Equal(t, 0.4, cfg.Router.ConfidenceFloor)
	assert.Equal(t, "coach", cfg.Router.DefaultAgent)
	require.NotNil(t, cfg.Approval.LoadChangeThresholdPct)
	require.NotNil(t, cfg.Approval.HighSeverityPct)
	assert.Equal(t, 10.0, *cfg.Approval.LoadChangeThresholdPct)
	assert.Equal(t, 20.0, *cfg.Approval.HighSeverityPct)
	assert.Equal(t, 48*time.Hour, cfg.Approval.LoadChangeTTL)
	assert.False(t, cfg.Redis.Enabled())
	assert.Len(t, cfg.Providers, 5)
	assert.Equal(t, "8080", cfg.HTTP.Port)
	assert.Empty(t, cfg.HTTP.AdminToken)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ROUTER_CONFIDENCE_FLOOR", "0.55")
	t.Setenv("GATEWAY_BASE_DELAY", "250ms")
	t.Setenv("APPROVAL_LOAD_THRESHOLD_PCT", "15")
	t.Setenv("APPROVAL_HIGH_SEVERITY_PCT", "30")
	t.Setenv("GATEWAY_MAX_ATTEMPTS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.55, cfg.Router.ConfidenceFloor)
	assert.Equal(t, 250*time.Millisecond, cfg.Gateway.BaseDelay)
	assert.Equal(t, 15.0, *cfg.Approval.LoadChangeThresholdPct)
	assert.Equal(t, 30.0, *cfg.Approval.HighSeverityPct)
	assert.Equal(t, 3, cfg.Gateway.MaxAttempts, "invalid values fall back to defaults")
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ROUTER_DEFAULT_AGENT=recovery\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("ROUTER_DEFAULT_AGENT") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "recovery", cfg.Router.DefaultAgent)
}

func TestLoad_RejectsInvalidSettings(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("ROUTER_CONFIDENCE_FLOOR", "1.5")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("ROUTER_CONFIDENCE_FLOOR", "0.4")
	t.Setenv("GOVERNOR_STORE", "redis")
	_, err = Load()
	assert.Error(t, err, "redis store without REDIS_ADDRESS")

	t.Setenv("GOVERNOR_STORE", "sql")
	t.Setenv("APPROVAL_LOAD_THRESHOLD_PCT", "-1")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoad_ZeroLoadThreshold(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("APPROVAL_LOAD_THRESHOLD_PCT", "0")

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Approval.LoadChangeThresholdPct)
	assert.Equal(t, 0.0, *cfg.Approval.LoadChangeThresholdPct)
}

func TestLoadProviders(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	content := `providers:
  - provider_id: openai
    model_id: gpt-4o-mini
    priority: 2
    cost_class: paid
    pricing:
      input_cost_per_token: 0.00000015
      output_cost_per_token: 0.0000006
  - provider_id: gemini
    model_id: gemini-1.5-flash
    priority: 1
    cost_class: free
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	providers, err := LoadProviders(path)
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, "gemini", providers[0].ProviderID)
	assert.Equal(t, models.CostClassPaid, providers[1].CostClass)
	assert.InDelta(t, 0.0000006, providers[1].Pricing.OutputCostPerToken, 1e-12)
}

func TestLoadProviders_Invalid(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("providers: []\n"), 0o600))
	_, err := LoadProviders(empty)
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("providers:\n  - provider_id: x\n    model_id: y\n    cost_class: pricey\n"), 0o600))
	_, err = LoadProviders(bad)
	assert.Error(t, err)

	_, err = LoadProviders(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

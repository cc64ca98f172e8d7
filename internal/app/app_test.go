package app

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzaloobispo/Bioengine-v3/internal/approval"
	"github.com/gonzaloobispo/Bioengine-v3/internal/config"
	"github.com/gonzaloobispo/Bioengine-v3/internal/credentials"
	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
	"github.com/gonzaloobispo/Bioengine-v3/internal/providers"
	"github.com/gonzaloobispo/Bioengine-v3/internal/storage"
)

type echoProvider struct {
	cfg models.ProviderConfig
}

func (p *echoProvider) ProviderID() string { return p.cfg.ProviderID }
func (p *echoProvider) Model() string      { return p.cfg.ModelID }

func (p *echoProvider) Generate(ctx context.Context, req providers.GenerationRequest) (*providers.Completion, error) {
	return &providers.Completion{
		Text:  "answer from " + p.cfg.ModelID,
		Usage: providers.Usage{InputTokens: 1000, OutputTokens: 1000},
	}, nil
}

func (p *echoProvider) GenerateStream(ctx context.Context, req providers.GenerationRequest) (providers.Stream, error) {
	c, err := p.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return providers.StreamOf(c), nil
}

type echoFactory struct{}

func (echoFactory) CreateProvider(cfg models.ProviderConfig, credential string) (providers.ModelProvider, error) {
	return &echoProvider{cfg: cfg}, nil
}

func (echoFactory) SupportedTypes() []string {
	return []string{models.ProviderOpenAI}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Log:      config.LogConfig{Level: "error", Format: "json"},
		Database: config.DatabaseConfig{URL: filepath.Join(dir, "bioengine.db"), MaxOpenConns: 1},
		Providers: []models.ProviderConfig{{
			ProviderID: models.ProviderOpenAI,
			ModelID:    "gpt-3.5-turbo",
			Priority:   1,
			CostClass:  models.CostClassPaid,
			Pricing:    models.Pricing{InputCostPerToken: 0.0001, OutputCostPerToken: 0.0002},
		}},
		Gateway: config.GatewayConfig{
			MaxAttempts:    3,
			BaseDelay:      time.Millisecond,
			RequestTimeout: 5 * time.Second,
			StreamTimeout:  5 * time.Second,
		},
		Governor: config.GovernorConfig{Store: "sql"},
		Router:   config.RouterConfig{ConfidenceFloor: 0.4, DefaultAgent: "coach", ScoreConcurrency: 2},
		Approval: config.ApprovalConfig{
			Store:                  "sql",
			LoadChangeThresholdPct: ptr(10.0),
			HighSeverityPct:        ptr(20.0),
			LoadChangeTTL:          48 * time.Hour,
		},
		EventLogger: config.EventLoggerConfig{
			Enabled:          true,
			FilePathTemplate: filepath.Join(dir, "logs", "ai_model_fallback-%s.jsonl"),
			MaxSize:          1 << 20,
			MaxFiles:         2,
			BufferSize:       10,
			FlushInterval:    time.Second,
		},
		UsageQueue: config.UsageQueueConfig{
			Enabled:      true,
			Backend:      "memory",
			Name:         "usage",
			BatchSize:    10,
			BatchTimeout: 10 * time.Millisecond,
			MaxRetries:   1,
			RetryBackoff: time.Millisecond,
		},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg,
		WithProviderFactory(echoFactory{}),
		WithCredentials(credentials.NewMapStore(map[string]string{models.ProviderOpenAI: "sk-test"})),
	)
	require.NoError(t, err)
	return a
}

func TestNew_WiresComponents(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, testConfig(t))
	a.Start(ctx)
	defer a.Close()

	require.NoError(t, a.Health(ctx))
	assert.Nil(t, a.Redis)
	assert.NotNil(t, a.EventLogger)
	assert.NotNil(t, a.UsageWorker)

	// paid providers stay blocked until a window is opened
	_, err := a.Gateway.Generate(ctx, providers.GenerationRequest{Prompt: "hola"})
	require.Error(t, err)

	_, err = a.Governor.EnablePaidModels(ctx, time.Hour, 0)
	require.NoError(t, err)

	resp, err := a.Router.Route(ctx, "me duele la rodilla", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "recovery", resp.Agent)
	assert.Equal(t, "answer from gpt-3.5-turbo", resp.Text)

	// 1000*0.0001 + 1000*0.0002, applied by the usage worker
	require.Eventually(t, func() bool {
		st, err := a.Governor.GetStatus(ctx)
		return err == nil && math.Abs(st.TotalCostUSD-0.3) < 1e-9
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNew_ApprovalsPersist(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.UsageQueue.Enabled = false
	cfg.EventLogger.Enabled = false

	a := newTestApp(t, cfg)
	act, err := a.Approvals.CheckTrainingLoadChange(ctx, 100, 130, approval.LoadContext{})
	require.NoError(t, err)
	require.NotNil(t, act)
	id := act.ActionID
	require.NoError(t, a.Close())

	// a second process over the same database sees the action
	b := newTestApp(t, cfg)
	defer b.Close()
	pending, err := b.Approvals.GetPendingActions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ActionID)
	assert.Equal(t, models.SeverityHigh, pending[0].Severity)
}

func TestNew_GovernorWindowSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.UsageQueue.Enabled = false

	a := newTestApp(t, cfg)
	_, err := a.Governor.EnablePaidModels(ctx, time.Hour, 5)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b := newTestApp(t, cfg)
	defer b.Close()
	ok, err := b.Governor.IsProviderAllowed(ctx, models.ProviderOpenAI)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNew_RejectsBrokenConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Governor.Store = "redis"
	_, err := New(context.Background(), cfg, WithProviderFactory(echoFactory{}))
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Credentials = config.CredentialsConfig{File: filepath.Join(t.TempDir(), "creds.yaml")}
	_, err = New(context.Background(), cfg, WithProviderFactory(echoFactory{}))
	assert.Error(t, err, "a credentials file without a key is rejected")
}

func TestCredentialsFromConfig(t *testing.T) {
	key, err := storage.GenerateKey(32)
	require.NoError(t, err)
	enc, err := storage.NewEncryptionFromBase64(key)
	require.NoError(t, err)
	sealed, err := enc.EncryptString("sk-from-file")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "creds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("anthropic: "+sealed+"\n"), 0o600))

	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-from-env")

	store, err := credentialsFromConfig(config.CredentialsConfig{File: path, EncryptionKey: key})
	require.NoError(t, err)

	v, ok := store.Lookup("anthropic")
	assert.True(t, ok)
	assert.Equal(t, "sk-from-file", v)
	v, ok = store.Lookup("openai")
	assert.True(t, ok)
	assert.Equal(t, "sk-from-env", v)
	_, ok = store.Lookup("gemini")
	assert.False(t, ok)
}

func ptr[T any](v T) *T { return &v }

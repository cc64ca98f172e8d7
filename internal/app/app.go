// Package app builds every component from configuration and tears them down
// in reverse order. Commands get their dependencies from an App instead of
// package-level singletons.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/gonzaloobispo/Bioengine-v3/internal/approval"
	"github.com/gonzaloobispo/Bioengine-v3/internal/config"
	"github.com/gonzaloobispo/Bioengine-v3/internal/credentials"
	"github.com/gonzaloobispo/Bioengine-v3/internal/gateway"
	"github.com/gonzaloobispo/Bioengine-v3/internal/governor"
	"github.com/gonzaloobispo/Bioengine-v3/internal/logging"
	"github.com/gonzaloobispo/Bioengine-v3/internal/metrics"
	"github.com/gonzaloobispo/Bioengine-v3/internal/providers"
	"github.com/gonzaloobispo/Bioengine-v3/internal/queue"
	"github.com/gonzaloobispo/Bioengine-v3/internal/router"
	"github.com/gonzaloobispo/Bioengine-v3/internal/storage"
	"github.com/gonzaloobispo/Bioengine-v3/internal/usage"
	"github.com/gonzaloobispo/Bioengine-v3/internal/utils"
)

const tracerName = "github.com/gonzaloobispo/Bioengine-v3"

// App holds the wired components. Optional parts (Redis, EventLogger,
// UsageWorker) are nil when disabled.
type App struct {
	Config      *config.Config
	Registry    *prometheus.Registry
	Metrics     *metrics.Metrics
	DB          *storage.DB
	Redis       *redis.Client
	Credentials credentials.Store
	Governor    *governor.CostGovernor
	Gateway     *gateway.Gateway
	Router      *router.Router
	Approvals   *approval.Gate
	EventLogger *logging.EventLogger
	UsageWorker *usage.Worker

	logger  *utils.Logger
	closers []func() error
}

// Option customizes construction, mostly for tests
type Option func(*options)

type options struct {
	factory providers.Factory
	creds   credentials.Store
}

// WithProviderFactory replaces the HTTP vendor factory
func WithProviderFactory(f providers.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithCredentials replaces the credential chain built from configuration
func WithCredentials(s credentials.Store) Option {
	return func(o *options) { o.creds = s }
}

// New connects the stores and builds every component. On error everything
// opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (a *App, err error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if err := utils.ConfigureLogging(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}

	a = &App{
		Config:   cfg,
		Registry: prometheus.NewRegistry(),
		logger:   utils.NewLogger("app"),
	}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	if err := a.openStores(ctx); err != nil {
		return nil, err
	}

	a.Credentials = o.creds
	if a.Credentials == nil {
		if a.Credentials, err = credentialsFromConfig(cfg.Credentials); err != nil {
			return nil, err
		}
	}

	if err := a.buildGovernor(ctx); err != nil {
		return nil, err
	}
	if err := a.buildUsageWorker(); err != nil {
		return nil, err
	}

	factory := o.factory
	if factory == nil {
		factory = providers.NewFactory(cfg.Gateway.ProviderTimeout)
	}
	if err := a.buildGateway(factory); err != nil {
		return nil, err
	}
	if err := a.buildRouter(); err != nil {
		return nil, err
	}
	a.buildApprovals()

	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.Config
	db, err := storage.NewDB(ctx, storage.DBConfig{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		return err
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)

	if cfg.Redis.Enabled() {
		client, err := storage.NewRedisClient(ctx, storage.RedisOptions{
			Address:      cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return err
		}
		a.Redis = client
		a.closers = append(a.closers, client.Close)
	}
	return nil
}

func credentialsFromConfig(cfg config.CredentialsConfig) (credentials.Store, error) {
	chain := credentials.Chain{credentials.EnvStore{}}
	if cfg.File == "" {
		return chain, nil
	}

	enc, err := EncryptionFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("CREDENTIALS_FILE: %w", err)
	}

	sealed, err := credentials.LoadEncryptedFile(cfg.File, enc)
	if err != nil {
		return nil, err
	}
	// environment variables win over the file
	return append(chain, sealed), nil
}

// ErrNoEncryptionKey is returned when neither a key nor a passphrase is set
var ErrNoEncryptionKey = errors.New("ENCRYPTION_KEY or ENCRYPTION_PASSPHRASE is required")

// EncryptionFromConfig builds the credential cipher. A base64 key wins over a
// passphrase.
func EncryptionFromConfig(cfg config.CredentialsConfig) (*storage.Encryption, error) {
	switch {
	case cfg.EncryptionKey != "":
		return storage.NewEncryptionFromBase64(cfg.EncryptionKey)
	case cfg.Passphrase != "":
		return storage.NewEncryptionFromPassphrase(cfg.Passphrase, cfg.Salt)
	default:
		return nil, ErrNoEncryptionKey
	}
}

func (a *App) buildGovernor(ctx context.Context) error {
	var store governor.UsageStore
	switch strings.ToLower(a.Config.Governor.Store) {
	case "memory":
		store = governor.NewMemoryStore()
	case "redis":
		if a.Redis == nil {
			return errors.New("governor redis store requires REDIS_ADDRESS")
		}
		store = governor.NewRedisStore(a.Redis, a.Config.Governor.RedisKeyPrefix)
	default:
		store = governor.NewSQLStore(a.DB)
	}

	gov, err := governor.New(ctx, store, a.Config.Providers, governor.WithMetrics(a.Metrics))
	if err != nil {
		return fmt.Errorf("failed to start cost governor: %w", err)
	}
	a.Governor = gov
	a.closers = append(a.closers, func() error { gov.Close(); return nil })
	return nil
}

func (a *App) buildUsageWorker() error {
	cfg := a.Config.UsageQueue
	if !cfg.Enabled {
		return nil
	}
	qcfg := queue.FromConfig(cfg)

	var q queue.Queue[usage.Event]
	var dlq queue.DeadLetterQueue[usage.Event]
	if strings.ToLower(cfg.Backend) == "redis" {
		if a.Redis == nil {
			return errors.New("redis usage queue requires REDIS_ADDRESS")
		}
		rq, err := queue.NewRedisQueue[usage.Event](a.Redis, qcfg)
		if err != nil {
			return err
		}
		rdlq, err := queue.NewRedisDeadLetterQueue[usage.Event](a.Redis, qcfg)
		if err != nil {
			return err
		}
		q, dlq = rq, rdlq
	} else {
		q = queue.NewMemoryQueue[usage.Event](qcfg)
		dlq = queue.NewMemoryDeadLetterQueue[usage.Event]()
	}

	a.UsageWorker = usage.NewWorker(q, dlq, a.Governor, qcfg, usage.WithMetrics(a.Metrics))
	return nil
}

func (a *App) buildGateway(factory providers.Factory) error {
	cfg := a.Config

	sinks := logging.MultiSink{logging.NewLogSink(nil)}
	if cfg.EventLogger.Enabled {
		el, err := logging.NewEventLoggerFromConfig(cfg.EventLogger)
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		a.EventLogger = el
		a.closers = append(a.closers, func() error { el.Shutdown(); return nil })
		sinks = append(sinks, el)
	}

	var recorder gateway.UsageRecorder = a.Governor
	if a.UsageWorker != nil {
		recorder = a.UsageWorker
	}

	threshold := cfg.Gateway.BreakerFailureThreshold
	if threshold < 0 {
		threshold = 0
	}
	gw, err := gateway.New(cfg.Providers, factory, a.Credentials,
		gateway.WithAdmission(a.Governor),
		gateway.WithUsageRecorder(recorder),
		gateway.WithEventSink(sinks),
		gateway.WithMetrics(a.Metrics),
		gateway.WithTracer(otel.Tracer(tracerName+"/gateway")),
		gateway.WithRetry(cfg.Gateway.MaxAttempts, cfg.Gateway.BaseDelay),
		gateway.WithTimeouts(cfg.Gateway.RequestTimeout, cfg.Gateway.StreamTimeout),
		gateway.WithBreaker(gateway.BreakerSettings{
			Enabled:          cfg.Gateway.BreakerEnabled,
			FailureThreshold: uint32(threshold),
			OpenTimeout:      cfg.Gateway.BreakerOpenTimeout,
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to build model gateway: %w", err)
	}
	a.Gateway = gw
	return nil
}

func (a *App) buildRouter() error {
	reg, err := router.NewRegistry(router.DefaultSpecialists(a.Gateway)...)
	if err != nil {
		return err
	}
	a.Router = router.New(reg, router.Config{
		ConfidenceFloor:  a.Config.Router.ConfidenceFloor,
		DefaultAgent:     a.Config.Router.DefaultAgent,
		ScoreConcurrency: a.Config.Router.ScoreConcurrency,
	},
		router.WithMetrics(a.Metrics),
		router.WithTracer(otel.Tracer(tracerName+"/router")),
	)
	return nil
}

func (a *App) buildApprovals() {
	var store approval.Store
	if strings.ToLower(a.Config.Approval.Store) == "memory" {
		store = approval.NewMemoryStore()
	} else {
		store = approval.NewSQLStore(a.DB)
	}
	a.Approvals = approval.New(store,
		approval.WithPolicy(approval.PolicyFromConfig(a.Config.Approval)),
		approval.WithMetrics(a.Metrics),
	)
}

// Start launches the background workers
func (a *App) Start(ctx context.Context) {
	if a.UsageWorker != nil {
		a.UsageWorker.Start(ctx)
		a.closers = append(a.closers, a.UsageWorker.Stop)
	}
}

// Health checks the database and, when configured, Redis
func (a *App) Health(ctx context.Context) error {
	if err := a.DB.Health(ctx); err != nil {
		return err
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases everything in reverse construction order
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("Shutdown finished with errors", "error", err)
		return err
	}
	return nil
}

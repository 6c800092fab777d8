// Package app wires the backend components from configuration. The API
// server and the worker build the same graph and differ only in what they
// serve.
package app

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/orgforge/backend/config"
	"github.com/orgforge/backend/internal/commands"
	"github.com/orgforge/backend/internal/dns"
	"github.com/orgforge/backend/internal/email"
	"github.com/orgforge/backend/internal/eventstore"
	"github.com/orgforge/backend/internal/metrics"
	"github.com/orgforge/backend/internal/projection"
	"github.com/orgforge/backend/internal/provisioning"
	"github.com/orgforge/backend/internal/realtime"
	"github.com/orgforge/backend/internal/storage/memory"
	"github.com/orgforge/backend/internal/storage/postgres"
	"github.com/orgforge/backend/internal/worker"
	"github.com/orgforge/backend/pkg/awsconfig"
	"github.com/orgforge/backend/pkg/database"
	"github.com/orgforge/backend/pkg/queue"
	"github.com/orgforge/backend/pkg/redis"
	"github.com/orgforge/backend/pkg/storage"
)

// Backend is a storage engine holding the event log, the projections and
// the saga records.
type Backend interface {
	eventstore.Backend
	projection.Reader
	provisioning.Store
}

// App holds the wired components.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	Backend      Backend
	Events       *eventstore.Store
	Redis        *goredis.Client
	Queue        *queue.Queue
	PubSub       *realtime.RedisPubSub
	Activities   *provisioning.Activities
	Orchestrator *provisioning.Orchestrator
	Provisioning *provisioning.Service
	Commands     *commands.Handler
	// Archive is nil when no audit bucket is configured.
	Archive *storage.S3

	closers []func()
}

// Dependencies lets callers supply prebuilt collaborators. Zero fields are
// built from configuration.
type Dependencies struct {
	Backend Backend
	Redis   *goredis.Client
	DNS     dns.Provider
	Email   email.Sender
	Archive *storage.S3
	Metrics *metrics.Metrics
}

// New builds the component graph.
func New(ctx context.Context, cfg *config.Config, deps Dependencies, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.OrNew(deps.Metrics)}
	if err := a.build(ctx, deps); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, deps Dependencies) error {
	cfg, logger := a.Config, a.Logger

	a.Backend = deps.Backend
	if a.Backend == nil {
		b, err := a.openBackend(ctx)
		if err != nil {
			return err
		}
		a.Backend = b
	}

	router, err := projection.NewRouter(logger, a.Metrics)
	if err != nil {
		return fmt.Errorf("projection router: %w", err)
	}
	a.Events = eventstore.New(a.Backend, router, eventstore.WithLogger(logger), eventstore.WithMetrics(a.Metrics))

	rdb := deps.Redis
	if rdb == nil {
		c, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		rdb = c.Client
		a.closers = append(a.closers, func() { _ = c.Close() })
	}
	a.Redis = rdb
	a.Queue = queue.NewQueue(rdb, logger)
	a.PubSub = realtime.NewRedisPubSub(rdb, logger)

	provider, sender, archive := deps.DNS, deps.Email, deps.Archive
	if (provider == nil && cfg.DNS.Provider == "route53") || (archive == nil && cfg.AWS.AuditBucket != "") {
		awsCfg, err := awsconfig.Load(ctx, awsconfig.Options{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
		}, logger)
		if err != nil {
			return err
		}
		if provider == nil && cfg.DNS.Provider == "route53" {
			provider = dns.NewRoute53Provider(awsCfg, logger)
		}
		if archive == nil && cfg.AWS.AuditBucket != "" {
			archive = storage.NewS3(awsCfg, storage.S3Config{
				Region:               cfg.AWS.Region,
				AuditBucket:          cfg.AWS.AuditBucket,
				PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
			}, logger)
		}
	}
	if provider == nil {
		logger.Warn("DNS provider is in-memory, public names are not published", zap.String("zone", cfg.DNS.BaseDomain))
		provider = dns.NewMemoryProvider(cfg.DNS.BaseDomain)
	}
	if sender == nil {
		switch cfg.Email.Provider {
		case "smtp":
			sender = email.NewSMTPSender(email.SMTPConfig{
				Host:        cfg.Email.SMTPHost,
				Port:        cfg.Email.SMTPPort,
				User:        cfg.Email.SMTPUser,
				Pass:        cfg.Email.SMTPPass,
				FromAddress: cfg.Email.FromAddress,
				FromName:    cfg.Email.FromName,
			}, logger)
		default:
			sender = email.NewLogSender(logger)
		}
	}
	a.Archive = archive

	a.Activities = provisioning.NewActivities(a.Events, provider, sender, provisioning.ActivityConfig{
		BaseDomain:       cfg.DNS.BaseDomain,
		RecordType:       cfg.DNS.RecordType,
		RecordTarget:     cfg.DNS.RecordTarget,
		RecordTTL:        int64(cfg.DNS.RecordTTL),
		InvitationTTL:    cfg.Saga.InvitationTTL,
		InvitationSecret: cfg.Saga.InvitationSecret,
		AcceptURL:        cfg.Saga.AcceptURL,
	}, logger)
	policy := provisioning.RetryPolicy{
		StepTimeout:     cfg.Saga.StepTimeout,
		InitialInterval: cfg.Saga.InitialBackoff,
		MaxInterval:     cfg.Saga.MaxBackoff,
		MaxElapsed:      cfg.Saga.MaxRetryElapsed,
		MaxRetries:      cfg.Saga.MaxRetries,
	}
	a.Orchestrator = provisioning.NewOrchestrator(a.Backend, a.Activities, policy, a.PubSub, logger, a.Metrics)
	a.Provisioning = provisioning.NewService(a.Backend, a.Queue, a.PubSub, logger)
	a.Commands = commands.NewHandler(a.Events, a.Backend, logger)
	return nil
}

func (a *App) openBackend(ctx context.Context) (Backend, error) {
	cfg, logger := a.Config, a.Logger
	if cfg.Storage.Backend == "memory" {
		logger.Warn("using in-memory storage, state is lost on restart")
		return memory.New(), nil
	}
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	if _, err := database.Migrate(ctx, pool, logger); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return postgres.New(pool, logger), nil
}

// Worker returns a job worker with the provisioning processor and, when an
// audit bucket is configured, the archive processor registered. The
// provisioning processor is returned for its recovery pass.
func (a *App) Worker() (*worker.Worker, *worker.ProvisioningProcessor) {
	w := worker.New(a.Queue, a.Logger)
	locker := redis.NewLocker(a.Redis, "lease:saga:")
	prov := worker.NewProvisioningProcessor(a.Orchestrator, a.Backend, a.Queue, locker, a.Config.Saga.LeaseTTL, a.Logger)
	w.Handle(queue.JobTypeProvisionSaga, prov)
	if a.Archive != nil {
		w.Handle(queue.JobTypeArchiveStream, worker.NewArchiveProcessor(a.Events, a.Archive, a.Logger))
	}
	return w, prov
}

// RunWorker re-enqueues interrupted sagas and processes jobs until ctx is
// cancelled.
func (a *App) RunWorker(ctx context.Context) {
	w, prov := a.Worker()
	n, err := prov.Recover(ctx)
	if err != nil {
		a.Logger.Error("recover sagas", zap.Error(err))
	} else if n > 0 {
		a.Logger.Info("resumable sagas re-enqueued", zap.Int("count", n))
	}
	w.Run(ctx)
}

// AllowedOrigins splits the configured CORS origins.
func (a *App) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(a.Config.Server.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

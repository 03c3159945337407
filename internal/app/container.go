package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatcher/internal/api/handlers"
	"github.com/acme/campaign-dispatcher/internal/config"
	"github.com/acme/campaign-dispatcher/internal/contacts"
	"github.com/acme/campaign-dispatcher/internal/dispatch"
	"github.com/acme/campaign-dispatcher/internal/gateway"
	"github.com/acme/campaign-dispatcher/internal/gateway/mock"
	"github.com/acme/campaign-dispatcher/internal/infra/db"
	"github.com/acme/campaign-dispatcher/internal/infra/redis"
	"github.com/acme/campaign-dispatcher/internal/message"
	"github.com/acme/campaign-dispatcher/internal/queue"
	"github.com/acme/campaign-dispatcher/internal/repository"
	"github.com/acme/campaign-dispatcher/internal/repository/memory"
	pgrepo "github.com/acme/campaign-dispatcher/internal/repository/postgres"
	scyllarepo "github.com/acme/campaign-dispatcher/internal/repository/scylla"
	"github.com/acme/campaign-dispatcher/internal/runner"
	"github.com/acme/campaign-dispatcher/internal/scheduler"
	campaignsvc "github.com/acme/campaign-dispatcher/internal/service/campaign"
	"github.com/acme/campaign-dispatcher/internal/service/concurrency"
	"github.com/acme/campaign-dispatcher/internal/worker/journal"
	"github.com/acme/campaign-dispatcher/pkg/logger"
)

const mockProvider = "mock"

// Container wires together shared infrastructure dependencies. Postgres,
// Scylla, Redis and Kafka are nil when the configuration disables them.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once        sync.Once
		err         error
		ledger      repository.Ledger
		events      repository.EventStore
		lock        concurrency.RunLock
		sender      gateway.Sender
		session     gateway.SessionManager
		credentials dispatch.CredentialProvider
		engine      *dispatch.Engine
		runner      *runner.Runner
		publisher   *queue.ProgressPublisher
		runQueue    *queue.RunDispatcher
		dispatcher  campaignsvc.Dispatcher
		campaigns   *campaignsvc.Service
	}
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	c := &Container{Config: cfg, Logger: lg}
	if err := c.bootstrap(ctx); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	return c, nil
}

func (c *Container) bootstrap(ctx context.Context) error {
	cfg := c.Config

	if cfg.Ledger.Driver == "postgres" {
		pg, err := db.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("bootstrap postgres: %w", err)
		}
		c.Postgres = pg
		if cfg.Postgres.AutoMigrate {
			if err := pgrepo.EnsureSchema(ctx, pg.DB()); err != nil {
				return fmt.Errorf("bootstrap postgres schema: %w", err)
			}
		}
	}

	if cfg.Scylla.Enabled {
		scylla, err := db.NewScylla(cfg.Scylla)
		if err != nil {
			return fmt.Errorf("bootstrap scylla: %w", err)
		}
		c.Scylla = scylla
		if !cfg.Scylla.DisableInitSchema {
			store := scyllarepo.NewEventStore(scylla.Session(), cfg.Scylla.EventTTL)
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("bootstrap scylla schema: %w", err)
			}
		}
	}

	if cfg.Redis.Enabled {
		client, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("bootstrap redis: %w", err)
		}
		c.Redis = client
	}

	if cfg.Kafka.Enabled {
		k, err := queue.NewKafka(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("bootstrap kafka: %w", err)
		}
		c.Kafka = k
	}

	return nil
}

func (c *Container) initComponents() error {
	c.components.once.Do(func() {
		c.components.err = c.buildComponents()
	})
	return c.components.err
}

func (c *Container) buildComponents() error {
	cfg := c.Config
	comp := &c.components

	if c.Postgres != nil {
		comp.ledger = pgrepo.NewLedger(c.Postgres.DB())
	} else {
		comp.ledger = memory.NewStore().Ledger()
	}

	if c.Scylla != nil {
		comp.events = scyllarepo.NewEventStore(c.Scylla.Session(), cfg.Scylla.EventTTL)
	} else {
		comp.events = memory.NewEventLog()
	}

	if c.Redis != nil {
		comp.lock = concurrency.NewRedisLock(c.Redis.Inner(), cfg.Runner.LockKeyPrefix, cfg.Runner.LockTTL)
	} else {
		comp.lock = concurrency.NewLocalLock()
	}

	if err := c.buildGateway(); err != nil {
		return err
	}

	notifiers := dispatch.Notifiers{}
	if c.Kafka != nil {
		comp.publisher = queue.NewProgressPublisher(c.Kafka, cfg.Kafka.ProgressTopic)
		notifiers = append(notifiers, comp.publisher)
	} else {
		notifiers = append(notifiers, journal.NewRecorder(comp.events))
	}

	personalizer := message.NewPersonalizer(cfg.Dispatch.Placeholder, cfg.Dispatch.FallbackName)
	engine, err := dispatch.NewEngine(dispatch.Config{
		MessageDelay: cfg.Dispatch.MessageDelay,
		ImageDir:     cfg.Dispatch.ImageDir,
		Personalizer: personalizer,
	}, dispatch.Dependencies{
		Campaigns:   comp.ledger.Campaigns,
		DispatchLog: comp.ledger.DispatchLog,
		Sender:      comp.sender,
		Credentials: comp.credentials,
		Notifier:    notifiers,
		Logger:      c.Logger.Component("dispatch"),
		Tracer:      otel.Tracer("campaign.dispatch"),
	})
	if err != nil {
		return fmt.Errorf("build dispatch engine: %w", err)
	}
	comp.engine = engine

	comp.runner = runner.New(engine, comp.lock, runner.Config{
		MaxConcurrent: cfg.Runner.MaxConcurrent,
		EventBuffer:   cfg.Runner.EventBuffer,
	}, c.Logger.Component("runner"))

	if c.Kafka != nil && !cfg.HTTP.InProcessRuns {
		comp.runQueue = queue.NewRunDispatcher(c.Kafka, cfg.Kafka.RunTopic, cfg.App.Name)
		comp.dispatcher = comp.runQueue
	} else {
		comp.dispatcher = comp.runner
	}

	comp.campaigns = campaignsvc.NewService(comp.ledger, comp.events, comp.dispatcher, c.Logger.Component("campaigns")).
		WithPersonalizer(personalizer)
	return nil
}

func (c *Container) buildGateway() error {
	cfg := c.Config.Gateway
	comp := &c.components

	if cfg.Provider == mockProvider {
		m := mock.NewSender(1, 0)
		comp.sender = m
		comp.session = m
		return nil
	}

	httpClient := &http.Client{}
	creds := gateway.NewCredentials(gateway.NewHTTPTokenIssuer(cfg.BaseURL, cfg.Session, cfg.SecretKey, cfg.TokenTimeout, httpClient))
	client, err := gateway.NewClient(cfg.BaseURL, cfg.Session, creds,
		gateway.WithHTTPClient(httpClient),
		gateway.WithTimeouts(gateway.Timeouts{
			Text:    cfg.TextTimeout,
			Image:   cfg.ImageTimeout,
			Session: cfg.SessionTimeout,
		}),
		gateway.WithBodyLimit(cfg.BodyLimit),
		gateway.WithLogger(c.Logger.Component("gateway")),
	)
	if err != nil {
		return fmt.Errorf("build gateway client: %w", err)
	}
	comp.sender = client
	comp.session = client
	comp.credentials = creds
	return nil
}

// Ledger exposes the campaign and dispatch log stores.
func (c *Container) Ledger() (repository.Ledger, error) {
	if err := c.initComponents(); err != nil {
		return repository.Ledger{}, err
	}
	return c.components.ledger, nil
}

// EventStore exposes the progress journal.
func (c *Container) EventStore() (repository.EventStore, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.events, nil
}

// RunLock exposes the cross-process campaign lock.
func (c *Container) RunLock() (concurrency.RunLock, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.lock, nil
}

// Session exposes the gateway session manager.
func (c *Container) Session() (gateway.SessionManager, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.session, nil
}

// Engine exposes the dispatch engine.
func (c *Container) Engine() (*dispatch.Engine, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.engine, nil
}

// Runner exposes the in-process job runner.
func (c *Container) Runner() (*runner.Runner, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.runner, nil
}

// Campaigns exposes the campaign service.
func (c *Container) Campaigns() (*campaignsvc.Service, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.campaigns, nil
}

// Scheduler builds the orphaned-run sweeper. It re-dispatches through the
// same path as the HTTP start operation.
func (c *Container) Scheduler() (*scheduler.Scheduler, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return scheduler.New(
		c.components.ledger.Campaigns,
		c.components.lock,
		c.components.dispatcher,
		scheduler.Config{TickInterval: c.Config.Scheduler.TickInterval},
		c.Logger.Component("scheduler"),
	), nil
}

// HandlerSet builds HTTP handlers with dependencies.
func (c *Container) HandlerSet() (*handlers.HandlerSet, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return handlers.NewHandlerSet(handlers.Dependencies{
		Campaigns: c.components.campaigns,
		Session:   c.components.session,
		Lists:     contacts.NewListStore(c.Config.Dispatch.ListDir, contacts.WithLogger(c.Logger.Component("contacts"))),
		Checks:    c.HealthChecks(),
		ImageDir:  c.Config.Dispatch.ImageDir,
		Logger:    c.Logger.Component("http"),
	}), nil
}

// HealthChecks returns a probe per configured backend.
func (c *Container) HealthChecks() map[string]handlers.HealthCheck {
	checks := make(map[string]handlers.HealthCheck)
	if c.Postgres != nil {
		checks["postgres"] = c.Postgres.Ping
	}
	if c.Scylla != nil {
		checks["scylla"] = c.Scylla.Ping
	}
	if c.Redis != nil {
		checks["redis"] = c.Redis.Ping
	}
	if c.Kafka != nil {
		checks["kafka"] = c.Kafka.Ping
	}
	return checks
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	return c.Kafka.EnsureTopics(ctx)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if r := c.components.runner; r != nil {
		if err := r.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("runner shutdown: %w", err))
		}
	}
	if p := c.components.publisher; p != nil {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("progress publisher close: %w", err))
		}
	}
	if d := c.components.runQueue; d != nil {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("run dispatcher close: %w", err))
		}
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		if len(errs) > 0 {
			c.Logger.Warn("container closed with errors", zap.Error(errors.Join(errs...)))
		}
		c.Logger.Sync()
	}
	return errors.Join(errs...)
}

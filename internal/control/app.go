package control

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/controltower/internal/api"
	"github.com/vietddude/controltower/internal/core/config"
	"github.com/vietddude/controltower/internal/core/worker"
	"github.com/vietddude/controltower/internal/dedup"
	"github.com/vietddude/controltower/internal/delivery/machine"
	"github.com/vietddude/controltower/internal/events"
	"github.com/vietddude/controltower/internal/governance"
	redisclient "github.com/vietddude/controltower/internal/infra/redis"
	"github.com/vietddude/controltower/internal/infra/rpc"
	"github.com/vietddude/controltower/internal/infra/storage"
	"github.com/vietddude/controltower/internal/infra/storage/memory"
	"github.com/vietddude/controltower/internal/infra/storage/postgres"
	"github.com/vietddude/controltower/internal/integration"
	"github.com/vietddude/controltower/internal/tcc"
)

// App is the control tower process: storage, delivery engine, coordinator,
// background workers and the HTTP API.
type App struct {
	cfg       *config.AppConfig
	service   *Service
	server    *api.Server
	pool      *worker.Pool
	archiver  *worker.Archiver
	sweeper   *worker.Sweeper
	broker    *events.Broker
	emitter   events.Emitter
	publisher *redisclient.EventPublisher
	db        *postgres.DB
	redis     *redisclient.Client
	log       *slog.Logger

	// claims holds trace and TCC decision claims; seen backs the duplicate
	// rule check. Rule traffic must never evict claims.
	claims dedup.Store
	seen   dedup.Store

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewApp creates an App with all dependencies initialized.
func NewApp(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	log := slog.Default().With("component", "app")
	a := &App{cfg: cfg, log: log}

	// 1. Storage
	var (
		messages     storage.MessageRepository
		transactions storage.TransactionRepository
		sink         storage.ArchiveSink
	)
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if cfg.Database.Migrate {
			if err := db.Migrate(ctx); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to migrate db: %w", err)
			}
		}
		a.db = db
		messages = postgres.NewMessageRepo(db)
		transactions = postgres.NewTxRepo(db)
		sink = postgres.NewArchiveRepo(db)
		log.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		messages = memory.NewMessageRepo(store)
		transactions = memory.NewTxRepo(store)
		sink = memory.NewArchiveSink(store)
		log.Info("Using Memory storage")
	}

	// 2. Shared idempotency store and cross-process events
	var (
		claims dedup.Store = dedup.NewWindow(cfg.Engine.DedupCapacity, cfg.Engine.DedupTTL)
		seen   dedup.Store = dedup.NewWindow(cfg.Engine.DedupCapacity, cfg.Engine.DedupTTL)
	)
	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			log.Warn("Failed to connect to Redis, using in-process dedup window", "error", err)
		} else {
			a.redis = client
			claims = redisclient.NewIdempotencyStore(client, cfg.Engine.DedupTTL)
			seen = redisclient.NewIdempotencyStore(client, cfg.Engine.DedupTTL)
			a.publisher = redisclient.NewEventPublisher(client)
			if a.db == nil {
				sink = redisclient.NewArchiveSink(client, cfg.Archive.SinkTTL)
			}
			log.Info("Using Redis idempotency store")
		}
	}

	a.claims, a.seen = claims, seen

	a.broker = events.NewBroker()
	emitters := events.Multi{a.broker, events.NewLogEmitter()}
	if a.publisher != nil {
		emitters = append(emitters, a.publisher)
	}
	a.emitter = emitters

	// 3. Governance
	rules := governance.NewStore(governance.NewRegistry(seen))
	if cfg.Governance.RulesFile != "" {
		snap, err := governance.LoadInto(rules, cfg.Governance.RulesFile)
		if err != nil {
			a.closeConns()
			return nil, err
		}
		log.Info("Loaded rule set", "file", cfg.Governance.RulesFile, "version", snap.Version, "rules", len(snap.Rules))
	}

	// 4. Integrations, collaborators and the TCC coordinator
	registry, err := integration.NewRegistry(cfg.Integrations, cfg.Flows)
	if err != nil {
		a.closeConns()
		return nil, fmt.Errorf("invalid integrations: %w", err)
	}

	client := rpc.NewClient(cfg.Engine.SendTimeout, cfg.Breaker)
	directory := tcc.NewDirectory()
	for _, f := range registry.Flows() {
		for _, p := range f.Participants {
			if p.Endpoint == "" {
				log.Warn("Participant has no endpoint", "flow", f.ID, "participant", p.Name)
				continue
			}
			directory.Register(f.ID, p.Name, rpc.NewHTTPParticipant(client, p.Endpoint))
		}
	}
	coordinator := tcc.NewCoordinator(cfg.TCC, directory, transactions, claims, a.emitter)

	var mapper machine.Mapper
	if cfg.Mapper.URL != "" {
		mapper = rpc.NewHTTPMapper(rpc.NewClient(cfg.Mapper.Timeout, cfg.Breaker), cfg.Mapper.URL)
	}

	m := machine.New(cfg.Engine.Config, machine.Deps{
		Validator:    governance.NewEngine(rules),
		Mapper:       mapper,
		Transport:    rpc.NewHTTPTransport(client),
		Coordinator:  coordinator,
		Integrations: registry,
		Messages:     messages,
		Dedup:        claims,
		Emitter:      a.emitter,
	})

	// 5. Workers and API
	a.pool = worker.NewPool(cfg.Engine.Workers, cfg.Engine.QueueSize)
	a.archiver = worker.NewArchiver(cfg.Archive.Retention, cfg.Archive.Interval, cfg.Archive.BatchSize, messages, sink)
	a.sweeper = worker.NewSweeper(m, cfg.Engine.CallbackTimeout, cfg.Engine.SweepInterval)

	a.service = NewService(ServiceDeps{
		Machine:      m,
		Coordinator:  coordinator,
		Registry:     registry,
		Messages:     messages,
		Transactions: transactions,
		Rules:        rules,
		Broker:       a.broker,
		Emitter:      a.emitter,
		Pool:         a.pool,
	})

	var health []api.HealthCheck
	if a.db != nil {
		health = append(health, api.HealthCheck{Name: "database", Check: a.db.Health})
	}
	if a.redis != nil {
		health = append(health, api.HealthCheck{Name: "redis", Check: a.redis.Ping})
	}
	a.server = api.NewServer(a.service, cfg.Server.Port, health...)

	return a, nil
}

// Service returns the operation facade.
func (a *App) Service() *Service {
	return a.service
}

// Start starts the workers and the HTTP server.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	a.group, ctx = errgroup.WithContext(ctx)

	a.pool.Start(ctx)

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	a.group.Go(func() error {
		a.archiver.Start(ctx)
		return nil
	})
	a.group.Go(func() error {
		a.sweeper.Start(ctx)
		return nil
	})
	if a.publisher != nil {
		a.group.Go(func() error {
			if err := a.publisher.Relay(ctx, a.broker); err != nil && ctx.Err() == nil {
				a.log.Error("Event relay stopped", "error", err)
			}
			return nil
		})
	}

	go func() {
		a.log.Info("HTTP server listening", "port", a.cfg.Server.Port)
		if err := a.server.Start(); err != nil && err != http.ErrServerClosed {
			a.log.Error("HTTP server failed", "error", err)
		}
	}()

	return nil
}

// Stop shuts down the server, drains queued submissions and closes
// connections.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping control tower...")

	var firstErr error
	if err := a.server.Stop(ctx); err != nil {
		firstErr = err
	}
	if err := a.pool.Stop(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("drain submissions: %w", err)
	}

	if a.cancel != nil {
		a.cancel()
		_ = a.group.Wait()
	}

	_ = a.emitter.Close()
	a.closeConns()
	return firstErr
}

func (a *App) closeConns() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iliyamo/clinic-flow/internal/catalog"
	"github.com/iliyamo/clinic-flow/internal/clock"
	"github.com/iliyamo/clinic-flow/internal/config"
	"github.com/iliyamo/clinic-flow/internal/database"
	"github.com/iliyamo/clinic-flow/internal/events"
	"github.com/iliyamo/clinic-flow/internal/lock"
	"github.com/iliyamo/clinic-flow/internal/pin"
	"github.com/iliyamo/clinic-flow/internal/queue"
	"github.com/iliyamo/clinic-flow/internal/routing"
	"github.com/iliyamo/clinic-flow/internal/service"
	"github.com/iliyamo/clinic-flow/internal/storage"
	"github.com/iliyamo/clinic-flow/internal/ws"
)

// app holds every long-lived component of one process.
type app struct {
	cfg      config.Config
	log      zerolog.Logger
	catalog  *catalog.Catalog
	clock    *clock.Calendar
	store    storage.Store
	breaker  *storage.Breaker
	rdb      *redis.Client
	mysql    *sql.DB
	pg       *pgxpool.Pool
	hub      *ws.Hub
	pub      *events.Publisher
	pins     *pin.Engine
	queues   *queue.Engine
	router   *routing.Router
	facility *service.Facility
}

// newLogger builds the root logger from APP_ENV and LOG_LEVEL.
func newLogger(cfg config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// buildApp connects storage and wires the engines.  The caller must call
// close when done.
func buildApp(ctx context.Context, cfg config.Config, log zerolog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}

	loc, _ := cfg.Location()
	a.clock = clock.New(loc, nil)

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	a.catalog = cat

	if err := a.openStorage(ctx); err != nil {
		a.close()
		return nil, err
	}
	a.wireEvents()

	mutex := lock.New(a.store, lock.Options{
		Retries:    cfg.LockRetries,
		RetryDelay: cfg.LockDelay,
		MaxDelay:   time.Second,
		Now:        a.clock.Now,
	}, log)

	var emitter events.Emitter = events.Log{Logger: log.With().Str("component", "events").Logger()}
	if a.pub != nil {
		emitter = events.Fanout{emitter, a.pub}
	} else {
		emitter = events.Fanout{emitter, a.hub}
	}
	notify := events.NewNotifier(emitter, a.clock.Now, log)

	a.queues = queue.New(a.store, mutex, a.clock, cat, notify, queue.Config{
		LockTTL:    cfg.LockTTL,
		Retries:    cfg.QueueRetries,
		RetryDelay: cfg.LockDelay,
		Timeout:    cfg.LockTimeout,
		Retention:  cfg.QueueKeep,
	}, log)

	a.pins, err = pin.New(a.store, mutex, a.clock, cat, notify, pin.Config{
		Secret:   []byte(cfg.PinSecret),
		Width:    cfg.PinWidth,
		CacheTTL: cfg.PinCacheTTL,
		LockTTL:  cfg.LockTTL,
	}, log)
	if err != nil {
		a.close()
		return nil, err
	}

	a.router = routing.NewRouter(a.store, cat, a.queues, a.clock, notify, routing.Config{
		Weights: routing.Weights{
			Idle:  cfg.WeightIdle,
			Spare: cfg.WeightSpare,
			Load:  cfg.WeightLoad,
			Wait:  cfg.WeightWait,
		},
		RouteTTL: cfg.RouteTTL,
		Optimize: cfg.Optimize,
	}, log)

	a.facility = service.NewFacility(cat, a.pins, a.queues, a.router, log)
	return a, nil
}

// openStorage selects the backend named by STORAGE_DRIVER.  Redis is
// also connected for the rate limiter whenever it is configured.
func (a *app) openStorage(ctx context.Context) error {
	cfg := a.cfg
	if cfg.StorageDriver == config.DriverRedis || cfg.Redis.Configured() {
		rdb, err := config.NewRedisClient(ctx, cfg.Redis)
		switch {
		case err == nil:
			a.rdb = rdb
		case cfg.StorageDriver == config.DriverRedis:
			return err
		default:
			a.log.Warn().Err(err).Msg("redis unavailable, rate limiting disabled")
		}
	}

	var backend storage.Store
	switch cfg.StorageDriver {
	case config.DriverMemory:
		backend = storage.NewMemory(a.clock.Now)
	case config.DriverRedis:
		backend = storage.NewRedis(a.rdb, cfg.KeyPrefix)
	case config.DriverMySQL:
		db, err := database.OpenMySQL(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
		if err != nil {
			return fmt.Errorf("mysql: %w", err)
		}
		a.mysql = db
		if err := database.MigrateMySQL(ctx, db); err != nil {
			return err
		}
		backend = storage.NewMySQL(db)
	case config.DriverPostgres:
		pool, err := database.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.pg = pool
		if err := database.MigratePostgres(ctx, pool); err != nil {
			return err
		}
		backend = storage.NewPostgres(pool)
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}

	// A process-local map cannot fail, so only remote backends get a breaker.
	if cfg.Breaker.Enabled && cfg.StorageDriver != config.DriverMemory {
		a.breaker = storage.WithBreaker(backend, storage.BreakerConfig{
			Name:             "storage-" + cfg.StorageDriver,
			FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
			SuccessThreshold: uint32(cfg.Breaker.SuccessThreshold),
			OpenTimeout:      cfg.Breaker.OpenTimeout,
			RequestTimeout:   cfg.Breaker.RequestTimeout,
		}, a.log)
		a.store = a.breaker
	} else {
		a.store = backend
	}
	a.log.Info().Str("driver", cfg.StorageDriver).Bool("breaker", a.breaker != nil).Msg("storage ready")
	return nil
}

// wireEvents creates the websocket hub and, with a broker configured,
// the publisher.  Events then reach the hub through the consumer, whose
// private queue on the fanout exchange receives every node's events, so
// displays see changes made anywhere.
func (a *app) wireEvents() {
	a.hub = ws.NewHub(a.log)
	if a.cfg.RabbitURL != "" {
		a.pub = events.NewPublisher(a.cfg.RabbitURL, a.cfg.EventsExchange, a.log)
	}
}

// sweep cancels entries left over from previous days at every station
// and purges expired SQL rows.
func (a *app) sweep(ctx context.Context) error {
	var errs []error
	total := 0
	for _, st := range a.catalog.Stations() {
		n, err := a.queues.CancelStale(ctx, st.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", st.ID, err))
			continue
		}
		total += n
	}
	if a.mysql != nil {
		if _, err := database.PurgeExpiredMySQL(ctx, a.mysql); err != nil {
			errs = append(errs, err)
		}
	}
	if a.pg != nil {
		if _, err := database.PurgeExpiredPostgres(ctx, a.pg); err != nil {
			errs = append(errs, err)
		}
	}
	a.log.Info().Int("cancelled", total).Msg("stale queue sweep finished")
	return errors.Join(errs...)
}

func (a *app) close() {
	if a.pub != nil {
		if err := a.pub.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close publisher")
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.mysql != nil {
		_ = a.mysql.Close()
	}
	if a.pg != nil {
		a.pg.Close()
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"oracle-engine/internal/alerting"
	"oracle-engine/internal/api"
	"oracle-engine/internal/cache"
	"oracle-engine/internal/clock"
	"oracle-engine/internal/config"
	"oracle-engine/internal/scheduler"
	"oracle-engine/internal/service"
	"oracle-engine/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command reports; defaults to stdout.
	Out   io.Writer
	Clock clock.Clock
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		Out:    os.Stdout,
		Clock:  clock.System{},
	}
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openCache(ctx context.Context) (*cache.Cache, error) {
	if a.Config.Redis.URL == "" {
		return nil, nil
	}
	r := a.Config.Redis
	return cache.New(ctx, cache.Config{
		URL:      r.URL,
		Password: r.Password,
		Prefix:   r.Prefix,
		TTL:      r.TTL,
		Channel:  r.Channel,
	})
}

// Run executes the long-running oracle service and, when enabled, the HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	comp, err := a.buildComponents()
	if err != nil {
		return err
	}
	defer comp.Close()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	} else {
		defer closeStore()
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	rc, err := a.openCache(ctx)
	if err != nil {
		return err
	}
	if rc == nil {
		a.Logger.Warn().Msg("redis.url not configured; publishing disabled")
	} else {
		defer rc.Close()
	}

	sched, err := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		Immediate:    true,
	}, a.Logger)
	if err != nil {
		return err
	}

	deps := comp.serviceDeps()
	deps.Scheduler = sched
	deps.Notifier = a.newNotifier()
	if store != nil {
		deps.Store = store
		deps.AlertStore = store
		deps.Locker = store
	}
	if rc != nil {
		deps.Publisher = rc
		deps.Deduper = rc
	}

	svc, err := service.New(deps, a.serviceOptions(comp), a.Logger)
	if err != nil {
		return err
	}
	if _, err := svc.Warm(ctx, a.Config.Oracle.HistoryCapacity); err != nil {
		a.Logger.Warn().Err(err).Msg("history warm-up failed; starting cold")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Int("assets", len(comp.assets)).Msg("starting oracle service")
		return svc.Run(gctx)
	})
	if a.Config.API.Enabled {
		handler := api.NewRouter(api.Deps{
			Oracle:       comp.oracle,
			History:      comp.history,
			Filters:      comp.filterAdapters(),
			Accumulators: comp.accumulatorMap(),
			Ready:        readiness(store, rc),
			Logger:       a.Logger,
		})
		g.Go(func() error {
			return api.Serve(gctx, a.Config.API.Addr, handler, a.Logger)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("oracle service stopped")
	return nil
}

func (a *App) serviceOptions(comp *components) service.Options {
	al := a.Config.Alerting
	return service.Options{
		Assets:      comp.assets,
		LockKey:     a.Config.Scheduler.AdvisoryLockKey,
		Concurrency: a.Config.Oracle.Concurrency,
		Alerts: service.AlertOptions{
			Enabled:                al.Enabled,
			VolatilityFilter:       al.VolatilityFilter,
			VolatilityThresholdPct: al.VolatilityThresholdPct,
			InsufficientAfter:      al.InsufficientAfter,
			Cooldown:               al.Cooldown,
			Channels:               al.Channels,
		},
	}
}

func readiness(store *storage.Store, rc *cache.Cache) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if store != nil {
			if err := store.Ping(ctx); err != nil {
				return fmt.Errorf("database: %w", err)
			}
		}
		if rc != nil {
			if err := rc.Ping(ctx); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
}

// ExportOptions hold parameters for exporting historical observations.
type ExportOptions struct {
	Asset     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Asset  string
	Limit  int
	Alerts bool
}

// ReplayOptions configure the replay job.
type ReplayOptions struct {
	Limit int
}

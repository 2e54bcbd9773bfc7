package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"spot-alerts/internal/alerting"
	"spot-alerts/internal/alerts"
	"spot-alerts/internal/api"
	"spot-alerts/internal/config"
	"spot-alerts/internal/fetcher"
	"spot-alerts/internal/matcher"
	"spot-alerts/internal/metrics"
	"spot-alerts/internal/ratelimit"
	"spot-alerts/internal/scheduler"
	"spot-alerts/internal/service"
	"spot-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newSources() []fetcher.SpotSource {
	var sources []fetcher.SpotSource
	for _, name := range a.Config.Sources.Enabled {
		switch name {
		case "pskreporter":
			cfg := a.Config.Sources.PSKReporter
			sources = append(sources, fetcher.NewPSKReporter(fetcher.PSKReporterOptions{
				BaseURL:     cfg.BaseURL,
				Limit:       cfg.Limit,
				MinInterval: cfg.MinInterval,
				Timeout:     a.Config.Sources.FetchTimeout,
				UserAgent:   cfg.UserAgent,
			}, a.Logger))
		default:
			a.Logger.Warn().Str("source", name).Msg("unknown source ignored")
		}
	}
	return sources
}

// newNotifier builds the fan-out of every enabled channel. The returned closer releases
// channel connections.
func (a *App) newNotifier() (alerting.Notifier, func(), error) {
	cfg := a.Config.Alerting
	multi := alerting.NewMulti()
	closer := func() {}

	if cfg.Telegram.Enabled {
		multi.Add("telegram", alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.APIBase, cfg.Timeout, a.Logger))
	}
	if cfg.Shoutrrr.Enabled {
		n, err := alerting.NewShoutrrrNotifier(cfg.Shoutrrr.URLs, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		multi.Add("shoutrrr", n)
	}
	if cfg.NATS.Enabled {
		n, err := alerting.DialNATS(cfg.NATS.URL, cfg.NATS.Subject, cfg.Timeout, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		multi.Add("nats", n)
		closer = n.Close
	}
	if multi.Len() == 0 {
		a.Logger.Warn().Msg("no notification channel enabled; notifications are logged only")
		multi.Add("log", alerting.NewLogNotifier(a.Logger))
	}
	return multi, closer, nil
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

// requireStore opens the database and fails when none is configured.
func (a *App) requireStore(ctx context.Context, action string) (*storage.Store, func(), error) {
	store, closer, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("database.dsn not configured; cannot %s", action)
	}
	return store, closer, nil
}

func (a *App) alertService(store storage.AlertStore) *alerts.Service {
	return alerts.NewService(store, alerts.Options{
		Expiration:     a.Config.Alerts.Expiration,
		EnabledSources: a.Config.Sources.Enabled,
	}, a.Logger)
}

func (a *App) policy() ratelimit.Policy {
	return ratelimit.Policy{
		Cooldown:    a.Config.Alerts.Cooldown,
		HourlyCap:   a.Config.Alerts.HourlyCap,
		DedupWindow: a.Config.Alerts.DedupWindow,
		QuotaWindow: time.Hour,
	}
}

func (a *App) newPoller(backend storage.Backend, locker storage.AdvisoryLocker, notifier alerting.Notifier, m *metrics.Metrics) *service.Poller {
	return service.New(service.Dependencies{
		Alerts:   backend,
		Sources:  a.newSources(),
		Matcher:  matcher.New(a.Config.Alerts.DefaultModes),
		Limiter:  ratelimit.New(a.policy(), backend, nil),
		Notifier: notifier,
		Locker:   locker,
		Metrics:  m,
	}, service.Options{
		FetchTimeout:    a.Config.Sources.FetchTimeout,
		DeliveryTimeout: a.Config.Alerting.Timeout,
		Lookback:        a.Config.Sources.Lookback,
		DispatchWorkers: a.Config.Scheduler.DispatchWorkers,
		LockKey:         a.Config.Scheduler.AdvisoryLockKey,
	}, a.Logger)
}

// Run executes the long-running service: poll scheduler, expiration sweeper and HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	var (
		backend storage.Backend
		locker  storage.AdvisoryLocker
		pinger  api.Pinger
	)
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory storage, nothing survives a restart")
		backend = storage.NewMemory()
	} else {
		defer closeStore()
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("verify schema: %w", err)
		}
		backend, locker, pinger = store, store, store
	}

	notifier, closeNotifier, err := a.newNotifier()
	if err != nil {
		return err
	}
	defer closeNotifier()

	m := metrics.New()
	poller := a.newPoller(backend, locker, notifier, m)
	sweeper := service.NewSweeper(backend, m, nil, a.Logger)

	pollSched := scheduler.New(scheduler.Options{
		Name:         "poll",
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		OnSkip:       func(time.Time) { m.SkippedTicks.WithLabelValues("poll").Inc() },
	}, a.Logger)
	sweepSched := scheduler.New(scheduler.Options{
		Name:     "sweep",
		Interval: a.Config.Sweeper.Interval,
		OnSkip:   func(time.Time) { m.SkippedTicks.WithLabelValues("sweep").Inc() },
	}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(pollSched.Run(gctx, poller.Tick)) })
	g.Go(func() error { return ignoreCanceled(sweepSched.Run(gctx, sweeper.Tick)) })

	if a.Config.API.Enabled {
		srv := &http.Server{
			Addr: a.Config.API.Listen,
			Handler: api.NewRouter(api.Options{
				Alerts:      a.alertService(backend),
				Pinger:      pinger,
				Poller:      poller,
				Metrics:     m.Handler(),
				CORSOrigins: a.Config.API.CORSOrigins,
				Logger:      a.Logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.Logger.Info().Str("listen", srv.Addr).Msg("http api listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.Logger.Info().
		Dur("poll_interval", a.Config.Scheduler.Interval).
		Dur("sweep_interval", a.Config.Sweeper.Interval).
		Strs("sources", a.Config.Sources.Enabled).
		Msg("starting spot alert service")

	if err := g.Wait(); err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("spot alert service stopped")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ExportOptions hold parameters for exporting hourly notification counts.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

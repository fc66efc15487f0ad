package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"equity-recon/internal/alerting"
	"equity-recon/internal/audit"
	"equity-recon/internal/config"
	"equity-recon/internal/consistency"
	"equity-recon/internal/fallback"
	"equity-recon/internal/fetcher"
	"equity-recon/internal/fetcher/chainfeed"
	"equity-recon/internal/fetcher/httpfeed"
	"equity-recon/internal/priority"
	"equity-recon/internal/retry"
	"equity-recon/internal/scheduler"
	"equity-recon/internal/service"
	"equity-recon/internal/storage"
	"equity-recon/internal/valuation"
	"equity-recon/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output; stdout when nil.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) out() io.Writer {
	if a.Out == nil {
		return os.Stdout
	}
	return a.Out
}

// newAdapters builds one adapter per enabled provider in name order.
func (a *App) newAdapters() ([]fetcher.Adapter, error) {
	var adapters []fetcher.Adapter
	for _, name := range a.Config.ProviderNames() {
		p := a.Config.Providers[name]
		if !p.IsEnabled() {
			continue
		}
		switch p.Kind {
		case config.ProviderChain:
			feed, err := chainfeed.New(chainfeed.Options{
				Name:     name,
				Priority: p.Priority,
				RPCURL:   p.RPCURL,
				Timeout:  p.Timeout,
				Feeds:    p.FeedMap(),
				MaxAge:   p.MaxAge,
			}, a.Logger)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			adapters = append(adapters, feed)
		default:
			endpoints := make(map[fetcher.Operation]string, len(p.Endpoints))
			for op, path := range p.Endpoints {
				endpoints[fetcher.Operation(strings.ToLower(op))] = path
			}
			userAgent := p.UserAgent
			if userAgent == "" {
				userAgent = "equityrecon/" + version.Version
			}
			feed, err := httpfeed.New(httpfeed.Options{
				Name:          name,
				Priority:      p.Priority,
				BaseURL:       p.BaseURL,
				Token:         p.Token,
				TokenHeader:   p.TokenHeader,
				Timeout:       p.Timeout,
				UserAgent:     userAgent,
				RatePerSecond: p.RateLimit,
				Burst:         p.Burst,
				Endpoints:     endpoints,
				HealthPath:    p.HealthPath,
			}, a.Logger)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			adapters = append(adapters, feed)
		}
	}
	return adapters, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newPublisher() (audit.Publisher, error) {
	if !a.Config.Audit.Enabled {
		return audit.Nop{}, nil
	}
	cfg := a.Config.Audit
	return audit.NewKafka(audit.KafkaOptions{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		ClientID: cfg.ClientID,
		Timeout:  cfg.Timeout,
	}, a.Logger)
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

	if dir := a.Config.Database.MigrationsPath; dir != "" {
		if _, statErr := os.Stat(dir); statErr != nil {
			a.Logger.Warn().Str("dir", dir).Msg("migrations directory not found; skipping schema migration")
		} else {
			applied, err := store.Migrate(ctx, dir)
			if err != nil {
				closer()
				return nil, nil, err
			}
			if len(applied) > 0 {
				a.Logger.Info().Strs("migrations", applied).Msg("database schema migrated")
			}
		}
	}
	return store, closer, nil
}

// engine is the wired set of components one command works with.
type engine struct {
	adapters   []fetcher.Adapter
	resolver   *priority.Resolver
	executor   *fallback.Executor
	checker    *consistency.Checker
	validator  *valuation.Validator
	reconciler *service.Reconciler
	publisher  audit.Publisher
}

func (e *engine) Close() {
	if e.publisher != nil {
		_ = e.publisher.Close()
	}
}

// engineOptions select the side effects of an engine.
type engineOptions struct {
	store    *storage.Store
	publish  bool
	alerting bool
}

func (a *App) newEngine(ctx context.Context, opts engineOptions) (*engine, error) {
	adapters, err := a.newAdapters()
	if err != nil {
		return nil, err
	}

	var prioStore priority.Store
	if opts.store != nil {
		prioStore = opts.store
	}
	resolver := priority.NewResolver(ctx, priority.Options{
		Market:   a.Config.Market.Name,
		Disabled: a.Config.DisabledProviders(),
	}, adapters, prioStore, a.Logger)

	retrier := retry.New(a.Config.Retry, a.Logger)
	eng := &engine{
		adapters:  adapters,
		resolver:  resolver,
		executor:  fallback.NewExecutor(retrier, a.Logger),
		checker:   consistency.NewChecker(a.Config.Consistency, a.Logger),
		validator: valuation.New(a.Config.Valuation),
		publisher: audit.Nop{},
	}

	if opts.publish {
		publisher, err := a.newPublisher()
		if err != nil {
			return nil, err
		}
		eng.publisher = publisher
	}

	deps := service.Deps{
		Resolver:  eng.resolver,
		Executor:  eng.executor,
		Checker:   eng.checker,
		Validator: eng.validator,
		Publisher: eng.publisher,
	}
	if opts.store != nil {
		deps.Reports = opts.store
		deps.Alerts = opts.store
		deps.Locker = opts.store
	}

	alertsOn := opts.alerting && a.Config.Alerting.Enabled
	if alertsOn {
		if notifier := a.newNotifier(); notifier != nil {
			deps.Notifier = notifier
		}
		minAction, err := consistency.ParseAction(a.Config.Alerting.MinAction)
		if err != nil {
			return nil, err
		}
		deps.Policy = alerting.NewPolicy(minAction, a.Config.Alerting.Cooldown)
	}

	eng.reconciler = service.New(service.Options{
		Market:            a.Config.Market.Name,
		Location:          a.Config.Location(),
		Preferred:         a.Config.Reconcile.PreferredOrder,
		KeyAliases:        a.Config.Consistency.KeyAliases,
		NormalizeVolume:   a.Config.Reconcile.NormalizeVolume,
		ValidateValuation: a.Config.Reconcile.ValidateValuation,
		Volume:            a.Config.Volume,
		AlertsOn:          alertsOn,
		AlertChannels:     a.Config.Alerting.Channels,
		LockKey:           a.Config.Scheduler.AdvisoryLockKey,
		Timeout:           a.Config.Reconcile.Timeout,
		Retention:         a.Config.Scheduler.Retention,
	}, deps, a.Logger)

	return eng, nil
}

// Run executes the long-running reconciliation service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	eng, err := a.newEngine(ctx, engineOptions{store: store, publish: true, alerting: true})
	if err != nil {
		return err
	}
	defer eng.Close()

	if len(eng.resolver.Ordered()) == 0 {
		return errors.New("no providers enabled; configure providers.<name>")
	}
	if err := eng.reconciler.SeedAlertCooldowns(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("could not seed alert cooldowns")
	}

	jobs := a.jobs(eng.reconciler, store != nil)
	a.Logger.Info().
		Strs("providers", priority.Names(eng.resolver.Ordered())).
		Int("jobs", len(jobs)).
		Msg("starting reconciliation service")

	err = scheduler.RunJobs(ctx, a.Logger, jobs...)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("reconciliation service stopped")
	return nil
}

func (a *App) jobs(svc *service.Reconciler, persistent bool) []scheduler.Job {
	sc := a.Config.Scheduler
	var jobs []scheduler.Job
	if a.Config.Reconcile.Enabled {
		jobs = append(jobs, scheduler.Job{
			Options: scheduler.Options{
				Name:         "reconcile",
				Interval:     sc.Interval,
				AlignToStart: sc.AlignToBucket,
				StartupDelay: sc.StartupDelay,
			},
			Tick: svc.ReconcileTick,
		})
	}
	if persistent && sc.PriorityRefresh > 0 {
		jobs = append(jobs, scheduler.Job{
			Options: scheduler.Options{Name: "priority-refresh", Interval: sc.PriorityRefresh},
			Tick:    svc.RefreshTick,
		})
	}
	if persistent && sc.PruneInterval > 0 && sc.Retention > 0 {
		jobs = append(jobs, scheduler.Job{
			Options: scheduler.Options{Name: "prune", Interval: sc.PruneInterval, AlignToStart: true, RunOnStart: true},
			Tick:    svc.PruneTick,
		})
	}
	return jobs
}

// CheckOptions configure a one-off reconciliation.
type CheckOptions struct {
	// Date is the trade date; zero asks the providers for the latest one.
	Date   time.Time
	DryRun bool
}

// FetchOptions configure a one-off fallback fetch.
type FetchOptions struct {
	Operation fetcher.Operation
	Date      time.Time
	ID        string
	Period    string
	Limit     int
	Preferred []string
	Rows      int
}

// PriorityOptions configure the priorities command.
type PriorityOptions struct {
	// Set pins adapter=priority overrides before printing.
	Set map[string]int
}

// VolumeOptions configure a single disambiguation.
type VolumeOptions struct {
	Volume   string
	Price    string
	Expected string
}

// ValuationOptions configure a single ratio cross-check.
type ValuationOptions struct {
	Ratio    valuation.Ratio
	Reported string
	Price    string
	Shares   string
	// Base is net profit for pe and net assets for pb; unused for total_mv.
	Base string
}

// ExportOptions hold parameters for exporting historical reports.
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

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From    time.Time
	To      time.Time
	DryRun  bool
	Workers int
}

// SimulateOptions describe the two metric levels fed to a simulated check.
type SimulateOptions struct {
	Primary   float64
	Secondary float64
}

package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"adguardsync/internal/adguard"
	"adguardsync/internal/config"
	"adguardsync/internal/discovery"
	"adguardsync/internal/health"
	"adguardsync/internal/reconciler"
	"adguardsync/internal/rewrite"
	"adguardsync/internal/store"
	"adguardsync/pkg/logging"
)

// Options are the command-line level settings for bootstrapping.
type Options struct {
	// ConfigPath is the yaml configuration file. Empty means defaults plus
	// environment variables.
	ConfigPath string

	// Debug forces debug logging regardless of the configured level.
	Debug bool
}

// Application wires the sync controller together: config, remote client,
// state store, discovery source, reconciler, scheduler and health server.
type Application struct {
	config config.Config

	client    *adguard.Client
	store     *store.Store
	source    discovery.Source
	rec       *reconciler.Reconciler
	checker   *health.Checker
	healthSrv *health.Server
	scheduler *reconciler.Scheduler
}

// NewApplication loads configuration and constructs all components. It does
// not contact the AdGuard server or the cluster; Run and RunOnce do.
func NewApplication(opts Options) (*Application, error) {
	bootLevel := logging.LevelInfo
	if opts.Debug {
		bootLevel = logging.LevelDebug
	}
	logging.Init(bootLevel, os.Stdout)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if !opts.Debug {
		logging.Init(logging.ParseLevel(cfg.Log.Level), os.Stdout)
	}

	client, err := adguard.NewClient(adguard.Config{
		BaseURL:        cfg.AdGuard.URL,
		Username:       cfg.AdGuard.Username,
		Password:       cfg.AdGuard.Password,
		MaxRetries:     cfg.AdGuard.MaxRetries,
		RetryDelay:     cfg.AdGuard.RetryDelay.Std(),
		RequestTimeout: cfg.AdGuard.RequestTimeout.Std(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AdGuard client: %w", err)
	}

	source, err := newSource(cfg.Discovery)
	if err != nil {
		return nil, err
	}

	ruleStore := store.New(cfg.Store.Path, cfg.Store.MaxBackups, cfg.Store.LockTimeout.Std())

	rec := reconciler.New(client, ruleStore, reconciler.Config{
		SafetyThreshold: cfg.Sync.SafetyThreshold,
	})

	checker := health.NewChecker(client, source, health.Config{
		CacheTTL:               cfg.Health.CacheTTL.Std(),
		CheckTimeout:           cfg.Health.CheckTimeout.Std(),
		MaxConsecutiveFailures: cfg.Health.MaxConsecutiveFailures,
	})

	app := &Application{
		config:    cfg,
		client:    client,
		store:     ruleStore,
		source:    source,
		rec:       rec,
		checker:   checker,
		healthSrv: health.NewServer(checker, cfg.Health.Port),
	}
	app.scheduler = reconciler.NewScheduler(
		app.runPass,
		cfg.Sync.Debounce.Std(),
		cfg.Sync.Interval.Std(),
		cfg.Sync.ShutdownGrace.Std(),
	)

	logging.Info("Bootstrap", "Initialized: AdGuard at %s, state file %s", cfg.AdGuard.URL, cfg.Store.Path)
	logging.Warn("Bootstrap", "Only rules created by this controller are ever updated or deleted; manually created rules are left alone")
	return app, nil
}

// newSource builds the endpoint source for the configured discovery mode.
func newSource(cfg config.DiscoveryConfig) (discovery.Source, error) {
	mode := cfg.Mode
	if mode == discovery.ModeAuto {
		switch {
		case discovery.IsClusterAvailable():
			logging.Info("Bootstrap", "Auto-detected Kubernetes discovery")
			mode = discovery.ModeKubernetes
		case cfg.EndpointsFile != "":
			logging.Info("Bootstrap", "No cluster access, falling back to endpoints file %s", cfg.EndpointsFile)
			mode = discovery.ModeFile
		default:
			return nil, fmt.Errorf("no discovery source available: cluster unreachable and no endpoints file configured")
		}
	}

	switch mode {
	case discovery.ModeKubernetes:
		restConfig, err := discovery.RestConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve Kubernetes configuration: %w", err)
		}
		return discovery.NewKubernetesSource(restConfig, cfg.ClusterDomain)
	case discovery.ModeFile:
		return discovery.NewFileSource(cfg.EndpointsFile), nil
	default:
		return nil, fmt.Errorf("unknown discovery mode %q", mode)
	}
}

// runPass is the scheduler's pass function: snapshot discovery, generate
// the desired state, reconcile, feed the result to the health checker.
func (a *Application) runPass(ctx context.Context) error {
	endpoints, err := a.source.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("discovery snapshot failed: %w", err)
	}

	desired := rewrite.Generate(endpoints)
	result, err := a.rec.Reconcile(ctx, desired)
	if err != nil {
		return err
	}

	a.checker.Record(result)
	return nil
}

// Run starts the controller and blocks until a termination signal.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.client.Authenticate(ctx); err != nil {
		return fmt.Errorf("failed to authenticate with AdGuard Home: %w", err)
	}

	notify := make(chan struct{}, 1)
	if err := a.source.Start(ctx, notify); err != nil {
		return fmt.Errorf("failed to start discovery: %w", err)
	}
	defer a.source.Stop()

	logging.Info("Bootstrap", "Performing initial rule sync")
	if err := a.runPass(ctx); err != nil {
		logging.Error("Bootstrap", err, "Initial sync failed, continuing with periodic passes")
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return a.healthSrv.Run(groupCtx)
	})

	group.Go(func() error {
		return a.scheduler.Run(groupCtx)
	})

	group.Go(func() error {
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-notify:
				a.scheduler.Notify()
			}
		}
	})

	logging.Info("Bootstrap", "Controller started")
	err := group.Wait()
	logging.Info("Bootstrap", "Controller stopped")
	return err
}

// RunOnce performs a single reconciliation pass and returns its result.
// Used by the sync command.
func (a *Application) RunOnce(ctx context.Context) (reconciler.Result, error) {
	if err := a.client.Authenticate(ctx); err != nil {
		return reconciler.Result{}, fmt.Errorf("failed to authenticate with AdGuard Home: %w", err)
	}

	endpoints, err := a.source.Snapshot(ctx)
	if err != nil {
		return reconciler.Result{}, fmt.Errorf("discovery snapshot failed: %w", err)
	}

	desired := rewrite.Generate(endpoints)
	return a.rec.Reconcile(ctx, desired)
}

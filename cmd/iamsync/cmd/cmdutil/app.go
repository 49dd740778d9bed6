package cmdutil

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"

	"github.com/terraconstructs/iamsync/internal/audit"
	"github.com/terraconstructs/iamsync/internal/config"
	"github.com/terraconstructs/iamsync/internal/coordinator"
	"github.com/terraconstructs/iamsync/internal/db/bunx"
	"github.com/terraconstructs/iamsync/internal/idp"
	"github.com/terraconstructs/iamsync/internal/migrations"
	"github.com/terraconstructs/iamsync/internal/policysync"
	"github.com/terraconstructs/iamsync/internal/services/iam"
	"github.com/terraconstructs/iamsync/internal/services/reconcile"
	"github.com/terraconstructs/iamsync/internal/telemetry"
)

// AppOptions controls how commands construct the application graph.
type AppOptions struct {
	// Metrics registers OpenTelemetry instruments for dispatch and IdP calls.
	Metrics bool
	// Watch subscribes the enforcer to REDIS_URL when configured.
	Watch bool
	// Migrate applies pending migrations before the policy store is loaded.
	Migrate bool
}

// App bundles the service with the connections and workers behind it so
// commands can reach the lower layers and release everything with Close.
type App struct {
	DB         *bun.DB
	PolicyDB   *bun.DB
	Gateway    *policysync.CasbinGateway
	Dispatcher *policysync.Dispatcher
	Reconciler *reconcile.Reconciler
	Service    iam.Service
	Logger     *logrus.Logger

	watcher      *policysync.RedisWatcher
	shutdownWait func() error
}

// NewLogger returns a logger configured from LOG_LEVEL and LOG_FORMAT.
func NewLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.LogLevel).Warn("unknown log level, using info")
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// OpenDB connects to the system-of-record database.
func OpenDB(cfg *config.Config) (*bun.DB, error) {
	db, err := bunx.NewDB(cfg.DatabaseURL, bunx.WithMaxOpenConns(cfg.MaxDBConnections))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// NewApp wires repositories, the policy store, the dispatcher, the
// coordinator and the identity provider into a ready-to-use service.
func NewApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts AppOptions) (*App, error) {
	migrations.SetPrincipals(cfg.Principals)

	app := &App{Logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	app.DB = db

	app.PolicyDB = db
	if cfg.PolicyStoreURL != cfg.DatabaseURL {
		if app.PolicyDB, err = bunx.NewDB(cfg.PolicyStoreURL); err != nil {
			return nil, fmt.Errorf("failed to connect to policy store: %w", err)
		}
	}

	if opts.Migrate {
		if err := migrations.Up(ctx, db); err != nil {
			return nil, err
		}
		if app.PolicyDB != db {
			if err := migrations.SeedPolicyStore(ctx, app.PolicyDB, cfg.Principals.AdminUsername, cfg.Principals.SuperuserRole); err != nil {
				return nil, fmt.Errorf("failed to seed policy store: %w", err)
			}
		}
		logger.Info("migrations applied")
	}

	enforcer, err := policysync.NewEnforcer(ctx, app.PolicyDB)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize casbin enforcer: %w", err)
	}
	if opts.Watch && cfg.RedisURL != "" {
		app.watcher, err = policysync.NewRedisWatcher(ctx, cfg.RedisURL, "", logger)
		if err != nil {
			return nil, err
		}
		if err := policysync.AttachWatcher(enforcer, app.watcher); err != nil {
			return nil, err
		}
		logger.Info("policy watcher attached")
	}
	app.Gateway = policysync.NewCasbinGateway(enforcer)

	dispatchOpts := []policysync.DispatcherOption{
		policysync.WithLogger(logger),
		policysync.WithBatchTimeout(cfg.Dispatch.BatchTimeout),
	}
	var idpOpts []idp.KeycloakOption
	idpOpts = append(idpOpts, idp.WithLogger(logger))
	if opts.Metrics {
		dm, err := telemetry.NewDispatchMetrics()
		if err != nil {
			return nil, fmt.Errorf("failed to create dispatch metrics: %w", err)
		}
		dispatchOpts = append(dispatchOpts, policysync.WithMetrics(dm))

		im, err := telemetry.NewIdPMetrics()
		if err != nil {
			return nil, fmt.Errorf("failed to create idp metrics: %w", err)
		}
		idpOpts = append(idpOpts, idp.WithMetrics(im))
	}
	app.Dispatcher = policysync.NewDispatcher(app.Gateway, cfg.Dispatch.QueueSize, dispatchOpts...)
	app.shutdownWait = func() error { return app.Dispatcher.Close(cfg.Dispatch.ShutdownWait) }

	var provider idp.Provider = idp.Disabled{}
	if cfg.IdP.Enabled() {
		kc, err := idp.NewKeycloak(ctx, cfg.IdP, idpOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize identity provider: %w", err)
		}
		provider = kc
	} else {
		logger.Warn("identity provider disabled (IDP_BASE_URL not set)")
	}

	app.Service, err = iam.NewIAMService(iam.Dependencies{
		DB:         db,
		Runner:     coordinator.New(db, app.Dispatcher, coordinator.WithLogger(logger)),
		Provider:   provider,
		Gateway:    app.Gateway,
		Audit:      audit.NewWriter(cfg.AuditModule, logger),
		Principals: cfg.Principals,
		IdP:        cfg.IdP,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create IAM service: %w", err)
	}

	app.Reconciler = reconcile.New(db, app.Gateway, cfg.Principals.SuperuserRole,
		reconcile.WithLogger(logger),
		reconcile.WithFlusher(app.Dispatcher),
	)

	ok = true
	return app, nil
}

// Close drains the dispatcher, then releases the watcher and connections.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.shutdownWait != nil {
		if err := a.shutdownWait(); err != nil {
			a.Logger.WithError(err).Warn("dispatcher did not drain")
		}
	}
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.PolicyDB != nil && a.PolicyDB != a.DB {
		_ = bunx.Close(a.PolicyDB)
	}
	if a.DB != nil {
		_ = bunx.Close(a.DB)
	}
}

// Factory builds the App for a command; the root command supplies it once
// configuration is loaded.
type Factory func(cmd *cobra.Command) (*App, error)

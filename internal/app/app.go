// Package app wires configuration into a running approval engine. The server
// and the operator CLI both build on it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pesio-ai/be-plt-approvals/internal/catalog"
	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/config"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// App holds the wired services and everything that must be released on
// shutdown.
type App struct {
	Config     *config.Config
	Store      repository.Store
	Templates  *service.TemplateService
	Dispatcher *service.TaskDispatcher
	CCs        *service.CarbonCopyService
	Engine     *service.ApprovalEngine
	Directory  *client.StaticDirectory // nil when the identity service is used

	log     *logger.Logger
	closers []func()
}

// New connects storage and collaborators and builds the services. reg may
// be nil.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, reg prometheus.Registerer) (*App, error) {
	a := &App{Config: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Store = store

	org, err := a.openOrgChart()
	if err != nil {
		return nil, err
	}

	var (
		notifiers service.MultiNotifier
		events    *client.EventPublisher
	)
	if cfg.NATS.Enabled {
		nc, err := client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name, log)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.closers = append(a.closers, func() { drainNATS(nc, log) })
		events = client.NewEventPublisher(nc, cfg.NATS.SubjectPrefix, log.Component("events"))
		notifiers = append(notifiers, events)
	}
	if cfg.Lark.Enabled {
		notifiers = append(notifiers, client.NewLarkNotifier(cfg.Lark.AppID, cfg.Lark.AppSecret, cfg.Lark.ReceiveIDType))
	}

	loc, err := time.LoadLocation(cfg.Engine.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("engine time zone: %w", err)
	}

	metrics := service.NewMetrics(reg)
	svcLog := log.Component("engine")

	var (
		completions service.CompletionListener
		assignments service.AssignmentListener
		notifier    service.Notifier
	)
	if events != nil {
		completions, assignments = events, events
	}
	if len(notifiers) > 0 {
		notifier = notifiers
	}

	a.Templates = service.NewTemplateService(store, org, repository.ApprovalPolicy(cfg.Engine.DefaultPolicy), svcLog)
	a.Dispatcher = service.NewTaskDispatcher(store, a.Templates, org, assignments, service.DispatcherConfig{
		DueAfter:   time.Duration(cfg.Engine.TaskDueHours) * time.Hour,
		MaxRetries: cfg.Engine.MaxRetries,
	}, metrics, svcLog)
	a.CCs = service.NewCarbonCopyService(store, notifier, metrics, svcLog)
	a.Engine = service.NewApprovalEngine(store, a.Templates, a.Dispatcher,
		service.NewInstanceNumbers(cfg.Engine.InstanceNoPrefix, loc), a.CCs, org, completions, assignments,
		service.EngineConfig{
			MaxRetries:          cfg.Engine.MaxRetries,
			AuditDeniedAttempts: cfg.Engine.AuditDeniedAttempts,
			AdminRole:           cfg.Engine.AdminRole,
		}, metrics, svcLog)

	ok = true
	return a, nil
}

func (a *App) openStore(ctx context.Context) (repository.Store, error) {
	if a.Config.Storage.Driver == "memory" {
		a.log.Warn().Msg("Using in-memory storage; data is lost on restart")
		return memory.New(), nil
	}

	d := a.Config.Database
	db, err := database.New(ctx, database.Config{
		Host:        d.Host,
		Port:        d.Port,
		User:        d.User,
		Password:    d.Password,
		Database:    d.Database,
		SSLMode:     d.SSLMode,
		MaxConns:    d.MaxConns,
		MinConns:    d.MinConns,
		MaxConnTime: d.MaxConnTime,
		MaxIdleTime: d.MaxIdleTime,
		HealthCheck: d.HealthCheck,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	a.log.Info().Str("host", d.Host).Str("database", d.Database).Msg("Database connection established")
	return repository.NewPostgresStore(db), nil
}

func (a *App) openOrgChart() (service.OrgChart, error) {
	id := a.Config.Identity
	if id.GRPCAddr != "" {
		c, err := client.NewIdentityGRPCClient(id.GRPCAddr)
		if err != nil {
			return nil, fmt.Errorf("create identity client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = c.Close() })
		a.log.Info().Str("identity_grpc", id.GRPCAddr).Msg("Identity client initialized")
		return c, nil
	}

	if id.DirectoryFile != "" {
		dir, err := client.LoadDirectory(id.DirectoryFile)
		if err != nil {
			return nil, err
		}
		a.Directory = dir
		a.log.Info().Str("file", id.DirectoryFile).Msg("Static directory loaded")
		return dir, nil
	}

	a.log.Warn().Msg("No identity service or directory file configured; every user is active and role-less")
	dir, err := client.NewStaticDirectory(client.DirectoryFile{})
	if err != nil {
		return nil, err
	}
	a.Directory = dir
	return dir, nil
}

// LoadCatalog publishes the configured template catalog, if any.
func (a *App) LoadCatalog(ctx context.Context) (*catalog.Result, error) {
	if a.Config.Catalog.Path == "" {
		return &catalog.Result{}, nil
	}
	return catalog.LoadAndApply(ctx, a.Templates, a.Config.Catalog.Path, a.log.Component("catalog"))
}

// NewWatcher watches the catalog and the static directory file for changes.
// It returns nil when watching is disabled or there is nothing to watch.
func (a *App) NewWatcher() (*catalog.Watcher, error) {
	if !a.Config.Catalog.Watch {
		return nil, nil
	}
	catalogPath := a.Config.Catalog.Path
	directoryFile := a.Config.Identity.DirectoryFile
	if a.Directory == nil {
		directoryFile = ""
	}
	if catalogPath == "" && directoryFile == "" {
		return nil, nil
	}

	log := a.log.Component("watcher")
	w, err := catalog.NewWatcher(log)
	if err != nil {
		return nil, err
	}
	if catalogPath != "" {
		if err := w.Add(catalogPath, func(ctx context.Context) {
			if _, err := a.LoadCatalog(ctx); err != nil {
				log.Error().Err(err).Msg("Catalog reload failed")
			}
		}); err != nil {
			return nil, err
		}
	}
	if directoryFile != "" {
		if err := w.Add(directoryFile, func(context.Context) {
			next, err := client.LoadDirectory(directoryFile)
			if err != nil {
				log.Error().Err(err).Msg("Directory reload failed")
				return
			}
			a.Directory.Replace(next)
		}); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func drainNATS(nc *nats.Conn, log *logger.Logger) {
	if err := nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("NATS drain failed")
		nc.Close()
	}
}

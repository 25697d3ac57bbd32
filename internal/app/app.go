// Package app is the composition root: it opens the durable store, registers
// every collection and wires the repositories, session and sync engine.
package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relevolab/relevo/internal/audit"
	"github.com/relevolab/relevo/internal/backup"
	"github.com/relevolab/relevo/internal/config"
	"github.com/relevolab/relevo/internal/notes"
	"github.com/relevolab/relevo/internal/reports"
	"github.com/relevolab/relevo/internal/schedules"
	"github.com/relevolab/relevo/internal/session"
	"github.com/relevolab/relevo/internal/settings"
	"github.com/relevolab/relevo/internal/store"
	"github.com/relevolab/relevo/internal/syncer"
	"github.com/relevolab/relevo/internal/timeclock"
	"github.com/relevolab/relevo/internal/users"
)

// App aggregates every wired component of the client.
type App struct {
	Store     *store.Store
	Settings  *settings.Registry
	Audit     *audit.Sink
	Reports   *reports.Repository
	Users     *users.Repository
	Timeclock *timeclock.Repository
	Schedules *schedules.Repository
	Notes     *notes.Repository
	Session   *session.Session
	Engine    *syncer.Engine
	Backup    *backup.Service
	Client    *syncer.Client
	Logger    *zap.Logger
}

// New builds the full client from configuration. The session is restored
// from durable storage; repositories are loaded into their caches.
func New(ctx context.Context, cfg config.AppConfig, notifier syncer.Notifier, logger *zap.Logger) (*App, error) {
	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Register(
		reports.Collection(),
		users.Collection(),
		timeclock.Collection(),
		schedules.PatternCollection(),
		schedules.AssignmentCollection(),
		notes.Collection(),
		audit.Collection(),
		store.NewTable[settings.AppSetting](settings.AppSetting{}.TableName(), false),
	); err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		return nil, err
	}

	registry, err := settings.NewRegistry(st.DB())
	if err != nil {
		return nil, err
	}
	ids := store.NewUUIDProvider()
	sink, err := audit.NewSink(audit.SinkConfig{
		Database: st.DB(), Clock: time.Now, IDProvider: ids, Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	reportsRepo, err := reports.NewRepository(reports.RepositoryConfig{
		Database: st.DB(), Settings: registry, Audit: sink,
		Clock: time.Now, IDProvider: ids, Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	usersRepo, err := users.NewRepository(users.RepositoryConfig{
		Database: st.DB(), Audit: sink, Clock: time.Now, IDProvider: ids, Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	timeclockRepo, err := timeclock.NewRepository(timeclock.RepositoryConfig{
		Database: st.DB(), Audit: sink, Clock: time.Now, IDProvider: ids, Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	schedulesRepo, err := schedules.NewRepository(schedules.RepositoryConfig{
		Database: st.DB(), Settings: registry, Audit: sink,
		Clock: time.Now, IDProvider: ids, Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	notesRepo, err := notes.NewRepository(notes.RepositoryConfig{
		Database: st.DB(), Audit: sink, Clock: time.Now, IDProvider: ids, Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	sess, err := session.New(registry, logger)
	if err != nil {
		return nil, err
	}
	if err := sess.Restore(); err != nil {
		return nil, err
	}

	client, err := syncer.NewClient(cfg.ServerURL, nil)
	if err != nil {
		return nil, err
	}
	engine, err := syncer.NewEngine(syncer.EngineConfig{
		Store: st, Settings: registry, Session: sess, Client: client,
		Notifier: notifier, Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	backupService, err := backup.NewService(st, logger)
	if err != nil {
		return nil, err
	}

	application := &App{
		Store:     st,
		Settings:  registry,
		Audit:     sink,
		Reports:   reportsRepo,
		Users:     usersRepo,
		Timeclock: timeclockRepo,
		Schedules: schedulesRepo,
		Notes:     notesRepo,
		Session:   sess,
		Engine:    engine,
		Backup:    backupService,
		Client:    client,
		Logger:    logger,
	}
	if err := application.loadCaches(ctx); err != nil {
		return nil, err
	}
	return application, nil
}

func (a *App) loadCaches(ctx context.Context) error {
	if err := a.Reports.Load(ctx); err != nil {
		return err
	}
	if err := a.Users.Load(ctx); err != nil {
		return err
	}
	if err := a.Timeclock.Load(ctx); err != nil {
		return err
	}
	if err := a.Schedules.Load(ctx); err != nil {
		return err
	}
	return a.Notes.Load(ctx)
}

// Login authenticates against the remote authority and establishes the
// local session from the returned token.
func (a *App) Login(ctx context.Context, username, password string) error {
	token, err := a.Client.Login(ctx, username, password)
	if err != nil {
		return err
	}
	return a.Session.Establish(token)
}

// Logout clears the session; an in-flight sync is not aborted but its
// results are no longer trusted by the caller.
func (a *App) Logout() error {
	return a.Session.Clear()
}

// Close releases the durable store.
func (a *App) Close() error {
	return a.Store.Close()
}

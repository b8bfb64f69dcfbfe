// Package core builds the services of an instance from its configuration and
// attaches them to one set of session events.
package core

import (
	"context"
	"errors"

	"github.com/juju/clock"
	"github.com/rs/zerolog/log"

	"github.com/abilian/abilian-core/internal/antivirus"
	"github.com/abilian/abilian-core/internal/audit"
	"github.com/abilian/abilian-core/internal/blob"
	"github.com/abilian/abilian-core/internal/common/opcontext"
	"github.com/abilian/abilian-core/internal/config"
	"github.com/abilian/abilian-core/internal/db/dbmanager"
	"github.com/abilian/abilian-core/internal/db/dbsession"
	"github.com/abilian/abilian-core/internal/db/migrations"
	"github.com/abilian/abilian-core/internal/entity"
	"github.com/abilian/abilian-core/internal/indexing"
	"github.com/abilian/abilian-core/internal/metrics"
	"github.com/abilian/abilian-core/internal/security"
	"github.com/abilian/abilian-core/internal/subjects"
	"github.com/abilian/abilian-core/internal/tasks"
	"github.com/abilian/abilian-core/internal/uploads"
)

// Options carries what the configuration file cannot.
type Options struct {
	// Types are registered next to the user and group types.
	Types   []entity.Type
	Clock   clock.Clock
	Scanner antivirus.Scanner
	// TaskBackend overrides the backend named in the configuration.
	TaskBackend tasks.Backend
}

// Services is the container of an instance.
type Services struct {
	Config   *config.Config
	DB       *dbmanager.DB
	Events   *dbsession.Events
	Mappers  *dbsession.Mappers
	Registry *entity.Registry
	Metrics  *metrics.Metrics
	Clock    clock.Clock

	Repository *blob.Repository
	Blobs      *blob.SessionRepository
	Audit      *audit.Service
	Security   *security.Service
	Tasks      *tasks.Queue
	Indexing   *indexing.Service
	Uploads    *uploads.Manager
}

// New opens the database and wires every service. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Services, error) {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	db, err := dbmanager.Open(ctx, cfg.DB.URI, dbmanager.PoolConfig{
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime(),
	})
	if err != nil {
		return nil, err
	}

	svc := &Services{
		Config:   cfg,
		DB:       db,
		Events:   dbsession.NewEvents(),
		Mappers:  dbsession.NewMappers(),
		Registry: entity.NewRegistry(),
		Metrics:  metrics.New(),
		Clock:    opts.Clock,
	}
	subjects.RegisterTypes(svc.Registry)
	for _, t := range opts.Types {
		if _, err := svc.Registry.Register(t); err != nil {
			db.Close()
			return nil, err
		}
	}

	backend := opts.TaskBackend
	if backend == nil {
		backend, err = newBackend(ctx, cfg)
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	svc.Tasks = tasks.New(backend, tasks.Options{Clock: opts.Clock, Eager: cfg.Tasks.Eager, Metrics: svc.Metrics})

	svc.Repository = blob.NewRepository(cfg.FilesDir())
	svc.Blobs = blob.NewSessionRepository(svc.Repository, blob.TransactionsDir(cfg.TmpDir()), svc.Metrics)
	svc.Audit = audit.New(svc.Registry, svc.Metrics, cfg.StrictErrors())
	svc.Security = security.New(svc.Registry, svc.Metrics)
	svc.Indexing = indexing.New(indexing.Options{
		Dir:               cfg.IndexDir(),
		Registry:          svc.Registry,
		Security:          svc.Security,
		Tasks:             svc.Tasks,
		NewSession:        svc.NewSession,
		Metrics:           svc.Metrics,
		LockRetryDelay:    cfg.LockRetryDelay(),
		LockRetryAttempts: cfg.Index.LockRetryAttempts,
		BatchSize:         cfg.Index.BatchSize,
		TaskExpiry:        cfg.IndexTaskExpiry(),
	})
	if err := svc.Indexing.RegisterSearchableTypes(svc.Registry); err != nil {
		svc.Close()
		return nil, err
	}
	svc.Uploads = uploads.New(uploads.Options{
		Dir:                cfg.UploadsDir(),
		UserQuota:          cfg.FileUploads.UserQuota,
		UserMaxFiles:       cfg.FileUploads.UserMaxFiles,
		DeleteStalledAfter: cfg.DeleteStalledAfter(),
		AntivirusRequired:  cfg.Blobs.AntivirusCheckRequired,
		Scanner:            opts.Scanner,
		Clock:              opts.Clock,
		Metrics:            svc.Metrics,
	})

	entity.Register(svc.Events, svc.Mappers, svc.Registry)
	svc.Blobs.Register(svc.Events, svc.Mappers, svc.Registry)
	svc.Audit.Register(svc.Events)
	svc.Security.Register(svc.Events)
	svc.Indexing.Register(svc.Events)
	svc.Uploads.Register(svc.Tasks)
	return svc, nil
}

func newBackend(ctx context.Context, cfg *config.Config) (tasks.Backend, error) {
	if cfg.Tasks.Backend == "redis" {
		return tasks.NewRedisBackend(ctx, cfg.Tasks.BrokerURL)
	}
	return tasks.NewMemoryBackend(), nil
}

// NewSession returns a session bound to the services.
func (svc *Services) NewSession() *dbsession.Session {
	return dbsession.New(svc.DB, svc.Events, svc.Mappers)
}

// SystemContext returns ctx acting as the system user on the services clock.
func (svc *Services) SystemContext(ctx context.Context) context.Context {
	return opcontext.With(ctx, opcontext.System().WithClock(svc.Clock).WithDebug(svc.Config.Debug))
}

// Migrate brings the schema up to date.
func (svc *Services) Migrate(ctx context.Context) error {
	return migrations.Up(ctx, svc.DB)
}

// Start turns on audit logging and opens the indexes.
func (svc *Services) Start(ctx context.Context) error {
	svc.Audit.Start()
	if err := svc.Indexing.Start(ctx); err != nil {
		svc.Audit.Stop()
		return err
	}
	log.Ctx(ctx).Info().Str("instance", svc.Config.InstancePath).Strs("indexed_types", svc.Indexing.IndexedTypes()).Msg("services started")
	return nil
}

func (svc *Services) Stop() {
	svc.Indexing.Stop()
	svc.Audit.Stop()
}

// Periodic lists the recurring tasks a worker schedules.
func (svc *Services) Periodic() []tasks.Periodic {
	return []tasks.Periodic{svc.Uploads.Periodic()}
}

// Close releases the indexes, the task backend and the database.
func (svc *Services) Close() error {
	svc.Stop()
	var errs []error
	if svc.Indexing != nil {
		errs = append(errs, svc.Indexing.Close())
	}
	if svc.Tasks != nil {
		errs = append(errs, svc.Tasks.Close())
	}
	errs = append(errs, svc.DB.Close())
	return errors.Join(errs...)
}

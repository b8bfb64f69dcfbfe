// Package coretest builds throwaway service containers for tests.
package coretest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/abilian/abilian-core/internal/antivirus"
	"github.com/abilian/abilian-core/internal/config"
	"github.com/abilian/abilian-core/internal/core"
	"github.com/abilian/abilian-core/internal/db/dbsession"
	"github.com/abilian/abilian-core/internal/entity"
)

// Epoch is the initial time of the test clock.
var Epoch = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

type settings struct {
	opts      core.Options
	configure []func(*config.Config)
}

type Option func(*settings)

// WithTypes registers extra entity types.
func WithTypes(types ...entity.Type) Option {
	return func(s *settings) { s.opts.Types = append(s.opts.Types, types...) }
}

func WithScanner(sc antivirus.Scanner) Option {
	return func(s *settings) { s.opts.Scanner = sc }
}

// WithConfig edits the configuration before the services are built.
func WithConfig(fn func(*config.Config)) Option {
	return func(s *settings) { s.configure = append(s.configure, fn) }
}

// Services is a started container on a sqlite database in a temporary
// instance directory. Tasks run eagerly and time only moves when Clock is
// advanced.
type Services struct {
	*core.Services
	Clock *testclock.Clock
	// Ctx acts as the system user on Clock.
	Ctx context.Context
}

func NewServices(t testing.TB, opts ...Option) *Services {
	t.Helper()
	var st settings
	for _, o := range opts {
		o(&st)
	}

	dir := t.TempDir()
	cfg := config.Default()
	cfg.InstancePath = dir
	cfg.Testing = true
	cfg.DB.URI = "sqlite://" + filepath.Join(dir, "abilian.db")
	cfg.Index.LockRetryDelay = "10ms"
	cfg.Index.LockRetryAttempts = 5
	cfg.Tasks.Eager = true
	for _, fn := range st.configure {
		fn(cfg)
	}
	require.NoError(t, config.ValidateConfig(cfg))

	clk := testclock.NewClock(Epoch)
	st.opts.Clock = clk

	ctx := context.Background()
	svc, err := core.New(ctx, cfg, st.opts)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	out := &Services{Services: svc, Clock: clk, Ctx: svc.SystemContext(ctx)}
	require.NoError(t, svc.Migrate(out.Ctx))
	require.NoError(t, svc.Start(out.Ctx))
	return out
}

// Session returns a session closed when the test ends.
func (s *Services) Session(t testing.TB) *dbsession.Session {
	t.Helper()
	sess := s.NewSession()
	t.Cleanup(func() { sess.Close(context.Background()) })
	return sess
}

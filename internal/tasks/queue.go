// Package tasks runs work outside the request that asked for it. Tasks are
// named, carry a JSON payload and may expire; a worker pops them from a
// backend and dispatches them to the handler registered under their name.
// In eager mode Submit runs the handler at once, which is what tests use.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog/log"

	"github.com/abilian/abilian-core/internal/common/logtrace"
	"github.com/abilian/abilian-core/internal/metrics"
)

// Handler executes one task.
type Handler func(ctx context.Context, t *Task) error

type Options struct {
	Clock   clock.Clock
	Eager   bool
	Metrics *metrics.Metrics
	// PollInterval bounds how long a worker blocks on an empty backend
	// before checking for cancellation.
	PollInterval time.Duration
}

// Queue submits and dispatches tasks.
type Queue struct {
	backend Backend
	clock   clock.Clock
	eager   bool
	metrics *metrics.Metrics
	poll    time.Duration
	ids     *idSource

	mu       sync.RWMutex
	handlers map[string]Handler
}

func New(backend Backend, opts Options) *Queue {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Queue{
		backend:  backend,
		clock:    opts.Clock,
		eager:    opts.Eager,
		metrics:  opts.Metrics,
		poll:     opts.PollInterval,
		ids:      newIDSource(),
		handlers: map[string]Handler{},
	}
}

// Handle registers h for tasks named name, replacing any previous handler.
func (q *Queue) Handle(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

func (q *Queue) handler(name string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[name]
	return h, ok
}

// Eager reports whether tasks run synchronously on Submit.
func (q *Queue) Eager() bool { return q.eager }

type submitOptions struct {
	expiry time.Duration
}

type SubmitOption func(*submitOptions)

// WithExpiry drops the task if no worker picked it up within d.
func WithExpiry(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.expiry = d }
}

// Submit enqueues a task and returns its id. In eager mode the handler runs
// before Submit returns and its error is returned.
func (q *Queue) Submit(ctx context.Context, name string, payload any, opts ...SubmitOption) (string, error) {
	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", ErrInvalidPayload.MsgErr(name, err)
	}
	now := q.clock.Now().UTC()
	t := &Task{
		ID:         q.ids.next(now),
		Name:       name,
		Payload:    data,
		EnqueuedAt: now,
	}
	if o.expiry > 0 {
		t.ExpiresAt = now.Add(o.expiry)
	}
	if q.eager {
		return t.ID, q.Process(ctx, t)
	}
	if err := q.backend.Push(ctx, t); err != nil {
		q.metrics.Task(name, "rejected")
		return "", err
	}
	q.metrics.Task(name, "queued")
	log.Ctx(ctx).Debug().Str("task", name).Str("task_id", t.ID).Msg("task queued")
	return t.ID, nil
}

// Process runs t through its handler. Expired tasks are dropped with
// ErrExpired.
func (q *Queue) Process(ctx context.Context, t *Task) (err error) {
	ctx = logtrace.WithRequestID(ctx, t.ID)
	logger := log.Ctx(ctx).With().Str("task", t.Name).Logger()
	if t.Expired(q.clock.Now()) {
		q.metrics.Task(t.Name, "expired")
		logger.Warn().Time("expires_at", t.ExpiresAt).Msg("task expired before it ran")
		return ErrExpired.Msg(t.Name)
	}
	h, ok := q.handler(t.Name)
	if !ok {
		q.metrics.Task(t.Name, "unknown")
		return ErrUnknownTask.Msg(t.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			err = ErrTasks.Msg(fmt.Sprintf("task %s panicked: %v", t.Name, r))
		}
		if err != nil {
			q.metrics.Task(t.Name, "failed")
			logger.Error().Err(err).Msg("task failed")
			return
		}
		q.metrics.Task(t.Name, "done")
	}()
	return h(logger.WithContext(ctx), t)
}

// Run pops and processes tasks until ctx is cancelled. Task failures are
// logged; backend failures end the loop.
func (q *Queue) Run(ctx context.Context) error {
	log.Ctx(ctx).Info().Msg("task worker started")
	for {
		t, err := q.backend.Pop(ctx, q.poll)
		if err != nil {
			if ctx.Err() != nil {
				log.Ctx(ctx).Info().Msg("task worker stopped")
				return nil
			}
			return err
		}
		if t == nil {
			continue
		}
		_ = q.Process(ctx, t)
	}
}

// Drain processes waiting tasks until the backend stays empty for wait, and
// returns how many ran successfully.
func (q *Queue) Drain(ctx context.Context, wait time.Duration) (int, error) {
	n := 0
	for {
		t, err := q.backend.Pop(ctx, wait)
		if err != nil {
			return n, err
		}
		if t == nil {
			return n, nil
		}
		if err := q.Process(ctx, t); err != nil {
			if errors.Is(err, ErrExpired) {
				continue
			}
			return n, err
		}
		n++
	}
}

// Periodic describes a task submitted at a fixed interval.
type Periodic struct {
	Name    string
	Every   time.Duration
	Expiry  time.Duration
	Payload any
}

// RunPeriodic submits each schedule every interval, measured on the queue clock,
// until ctx is cancelled.
func (q *Queue) RunPeriodic(ctx context.Context, schedules ...Periodic) {
	var wg sync.WaitGroup
	for _, p := range schedules {
		if p.Every <= 0 {
			continue
		}
		wg.Add(1)
		go func(p Periodic) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.clock.After(p.Every):
				}
				var opts []SubmitOption
				if p.Expiry > 0 {
					opts = append(opts, WithExpiry(p.Expiry))
				}
				if _, err := q.Submit(ctx, p.Name, p.Payload, opts...); err != nil {
					log.Ctx(ctx).Error().Err(err).Str("task", p.Name).Msg("cannot submit periodic task")
				}
			}
		}(p)
	}
	wg.Wait()
}

func (q *Queue) Close() error {
	return q.backend.Close()
}

package tasks

import (
	"context"
	"time"

	"github.com/abilian/abilian-core/internal/common/eventbus"
)

// Backend transports tasks from submitters to workers.
type Backend interface {
	Push(ctx context.Context, t *Task) error
	// Pop blocks until a task is available. It returns (nil, nil) when wait
	// elapses first.
	Pop(ctx context.Context, wait time.Duration) (*Task, error)
	Close() error
}

const (
	topicPrefix       = "tasks."
	memoryBufferSize  = 4096
	memoryPushTimeout = time.Second
)

// MemoryBackend keeps tasks on an in-process event bus. Tasks are lost when
// the process exits.
type MemoryBackend struct {
	bus         *eventbus.EventBus
	ch          <-chan eventbus.Event
	unsubscribe func()
}

func NewMemoryBackend() *MemoryBackend {
	bus := eventbus.New()
	ch, unsubscribe := bus.Subscribe(topicPrefix+"*", memoryBufferSize)
	return &MemoryBackend{bus: bus, ch: ch, unsubscribe: unsubscribe}
}

func (b *MemoryBackend) Push(_ context.Context, t *Task) error {
	if !b.bus.HasSubscribers(topicPrefix + t.Name) {
		return ErrQueueClosed
	}
	if b.bus.Publish(topicPrefix+t.Name, t, memoryPushTimeout) == 0 {
		return ErrQueueFull.Msg(t.Name)
	}
	return nil
}

func (b *MemoryBackend) Pop(ctx context.Context, wait time.Duration) (*Task, error) {
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev, ok := <-b.ch:
		if !ok {
			return nil, ErrQueueClosed
		}
		t, _ := ev.Data.(*Task)
		return t, nil
	case <-timeout:
		return nil, nil
	}
}

// Len returns the number of tasks waiting.
func (b *MemoryBackend) Len() int {
	return len(b.ch)
}

func (b *MemoryBackend) Close() error {
	b.unsubscribe()
	b.bus.Shutdown()
	return nil
}

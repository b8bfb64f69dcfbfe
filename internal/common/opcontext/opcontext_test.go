package opcontext

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	ctx := context.Background()
	_, ok := ActorID(ctx)
	assert.False(t, ok)
	assert.False(t, IsDebug(ctx))
	assert.WithinDuration(t, time.Now().UTC(), Now(ctx), time.Minute)
}

func TestActors(t *testing.T) {
	ctx := With(context.Background(), ForUser(12))
	id, ok := ActorID(ctx)
	assert.True(t, ok)
	assert.Equal(t, int64(12), id)

	ctx = With(context.Background(), ForUser(SystemUserID))
	assert.Equal(t, SubjectSystem, From(ctx).Subject)
	id, ok = ActorID(ctx)
	assert.True(t, ok)
	assert.Equal(t, SystemUserID, id)
}

func TestClock(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	clk := testclock.NewClock(start)
	ctx := With(context.Background(), System().WithClock(clk).WithDebug(true))
	assert.Equal(t, start.UTC(), Now(ctx))
	assert.Equal(t, time.UTC, Now(ctx).Location())
	clk.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour).UTC(), Now(ctx))
	assert.True(t, IsDebug(ctx))
}

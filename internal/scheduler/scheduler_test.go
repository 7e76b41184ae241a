package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hadiwn/immich-gphotos-mirror/internal/db"
	"github.com/hadiwn/immich-gphotos-mirror/pkg/errors"
	"github.com/hadiwn/immich-gphotos-mirror/pkg/models"
)

type fakeRunner struct {
	calls chan struct{}
	err   error
}

func (f *fakeRunner) Run(ctx context.Context) (*models.RunSummary, error) {
	f.calls <- struct{}{}
	if f.err != nil {
		return nil, f.err
	}
	return &models.RunSummary{ID: 1, Status: models.RunOK}, nil
}

func newSchedulerTestDB(t *testing.T, enabled bool) *db.DB {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	require.NoError(t, database.SaveConfig(&models.Config{
		SyncEnabled:      enabled,
		SyncIntervalMins: 15,
	}))
	return database
}

func TestTickTriggersRun(t *testing.T) {
	database := newSchedulerTestDB(t, true)
	runner := &fakeRunner{calls: make(chan struct{}, 1)}
	clock := clockwork.NewFakeClock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		New(database, runner, clock).Run(ctx)
	}()

	clock.BlockUntil(1)
	clock.Advance(15 * time.Minute)

	select {
	case <-runner.calls:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled run was not triggered")
	}

	cancel()
	<-done
}

func TestDisabledSyncSkipsTick(t *testing.T) {
	database := newSchedulerTestDB(t, false)
	runner := &fakeRunner{calls: make(chan struct{}, 1)}
	clock := clockwork.NewFakeClock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		New(database, runner, clock).Run(ctx)
	}()

	clock.BlockUntil(1)
	clock.Advance(15 * time.Minute)

	// The loop must come back around to wait for the next tick
	// without having invoked the runner.
	clock.BlockUntil(1)
	select {
	case <-runner.calls:
		t.Fatal("runner must not be invoked while sync is disabled")
	default:
	}

	cancel()
	<-done
}

func TestRunInProgressIsTolerated(t *testing.T) {
	database := newSchedulerTestDB(t, true)
	runner := &fakeRunner{calls: make(chan struct{}, 2), err: errors.ErrRunInProgress}
	clock := clockwork.NewFakeClock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		New(database, runner, clock).Run(ctx)
	}()

	// Two ticks in a row: a busy engine never crashes the scheduler.
	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(15 * time.Minute)
		select {
		case <-runner.calls:
		case <-time.After(5 * time.Second):
			t.Fatal("scheduled run was not attempted")
		}
	}

	cancel()
	<-done
}

func TestRunReturnsOnCancel(t *testing.T) {
	database := newSchedulerTestDB(t, true)
	runner := &fakeRunner{calls: make(chan struct{}, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(database, runner, clockwork.NewFakeClock()).Run(ctx)
	assert.Equal(t, context.Canceled, err)
}

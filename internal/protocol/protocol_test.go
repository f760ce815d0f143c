package protocol

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chaincore/internal/database"
	"chaincore/internal/events"
	"chaincore/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupService(t *testing.T) (*Service, *events.EventBus) {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewEventBus()
	return New(db, db, bus, time.Minute, &logger), bus
}

func TestSyncSessionLifecycle(t *testing.T) {
	svc, bus := setupService(t)
	ctx := context.Background()

	var closed []events.SessionEventPayload
	bus.Subscribe(events.EventSyncSessionCompleted, func(e *events.Event) error {
		var p events.SessionEventPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		closed = append(closed, p)
		return nil
	})

	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	session, err := svc.RequestSync(ctx, 4, models.EntityInventory, &since)
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, models.SessionInitiated, session.Status)

	got, err := svc.GetSync(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionInitiated, got.Status)
	require.NotNil(t, got.Since)
	assert.True(t, got.Since.Equal(since))

	progressed, err := svc.ReportProgress(ctx, session.ID, 10, 100)
	require.NoError(t, err)
	assert.Equal(t, models.SessionInProgress, progressed.Status)

	done, err := svc.CompleteSync(ctx, session.ID, models.SessionCompleted, 100, 100, "ignored")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, done.Status)
	assert.Empty(t, done.ErrorMessage)
	require.NotNil(t, done.CompletedAt)

	got, err = svc.GetSync(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, got.Status)
	assert.Equal(t, 100, got.RecordsProcessed)

	// terminal sessions read the same every time and cannot be reopened
	again, err := svc.GetSync(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, got, again)

	_, err = svc.CompleteSync(ctx, session.ID, models.SessionFailed, 0, 0, "late")
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = svc.ReportProgress(ctx, session.ID, 1, 1)
	assert.ErrorIs(t, err, ErrSessionClosed)

	require.Len(t, closed, 1)
	assert.Equal(t, session.ID, closed[0].SyncID)
	assert.Equal(t, "completed", closed[0].Status)
}

func TestCompleteSync_Failed(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	session, err := svc.RequestSync(ctx, 1, models.EntityProducts, nil)
	require.NoError(t, err)

	done, err := svc.CompleteSync(ctx, session.ID, models.SessionFailed, 3, 10, "disk full")
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, done.Status)
	assert.Equal(t, "disk full", done.ErrorMessage)
}

func TestSyncErrors(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.GetSync(ctx, "missing")
	assert.ErrorIs(t, err, ErrSyncNotFound)

	_, err = svc.CompleteSync(ctx, "missing", models.SessionCompleted, 0, 0, "")
	assert.ErrorIs(t, err, ErrSyncNotFound)

	_, err = svc.RequestSync(ctx, 1, "customers", nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.RequestSync(ctx, 0, models.EntityProducts, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	session, err := svc.RequestSync(ctx, 1, models.EntityProducts, nil)
	require.NoError(t, err)
	_, err = svc.CompleteSync(ctx, session.ID, models.SessionInProgress, 0, 0, "")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestHealth(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.GetHealth(ctx, 2)
	assert.ErrorIs(t, err, ErrHealthNotFound)

	err = svc.ReportHealth(ctx, &models.HealthSnapshot{BranchID: 2, Status: "sleeping"})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	reported := time.Now()
	svc.now = func() time.Time { return reported }
	require.NoError(t, svc.ReportHealth(ctx, &models.HealthSnapshot{
		BranchID:    2,
		Status:      models.BranchOnline,
		SystemInfo:  map[string]any{"cpu": 12.5},
		NetworkInfo: map[string]any{"latency_ms": 40.0},
	}))

	snap, err := svc.GetHealth(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, models.BranchOnline, snap.Status)
	assert.Equal(t, 12.5, snap.SystemInfo["cpu"])
	assert.False(t, snap.Stale)

	svc.now = func() time.Time { return reported.Add(2 * time.Minute) }
	snap, err = svc.GetHealth(ctx, 2)
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	assert.Equal(t, models.BranchOnline, snap.Status, "staleness never rewrites the reported status")

	// a newer push replaces the old one
	require.NoError(t, svc.ReportHealth(ctx, &models.HealthSnapshot{BranchID: 2, Status: models.BranchMaintenance}))
	snap, err = svc.GetHealth(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, models.BranchMaintenance, snap.Status)
	assert.False(t, snap.Stale)
}

func TestPing(t *testing.T) {
	svc, _ := setupService(t)
	now := time.UnixMilli(1_700_000_000_500)
	svc.now = func() time.Time { return now }

	reply := svc.Ping(1_700_000_000_000, 7)
	assert.True(t, reply.Pong)
	assert.Equal(t, int64(7), reply.Sequence)
	assert.Equal(t, int64(500), reply.RoundTripMs)
	assert.True(t, reply.ServerTime.Equal(now))

	assert.Zero(t, svc.Ping(now.UnixMilli()+1000, 8).RoundTripMs)
	assert.Zero(t, svc.Ping(0, 9).RoundTripMs)
}

// racingSessions makes the first two readers of a session wait for each other,
// so both see it open before either writes.
type racingSessions struct {
	*database.DB
	readers sync.WaitGroup
	pending atomic.Int32
}

func (r *racingSessions) GetSession(ctx context.Context, id string) (*models.SyncSession, error) {
	s, err := r.DB.GetSession(ctx, id)
	if r.pending.Add(-1) >= 0 {
		r.readers.Done()
		r.readers.Wait()
	}
	return s, err
}

func TestCompleteSync_ConcurrentClosersOneWins(t *testing.T) {
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := &racingSessions{DB: db}
	bus := events.NewEventBus()
	var closed atomic.Int32
	bus.Subscribe(events.EventSyncSessionCompleted, func(*events.Event) error {
		closed.Add(1)
		return nil
	})
	svc := New(store, db, bus, time.Minute, &logger)
	ctx := context.Background()

	session, err := svc.RequestSync(ctx, 2, models.EntityProducts, nil)
	require.NoError(t, err)

	store.readers.Add(2)
	store.pending.Store(2)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, status := range []models.SessionStatus{models.SessionCompleted, models.SessionFailed} {
		wg.Add(1)
		go func(i int, status models.SessionStatus) {
			defer wg.Done()
			_, errs[i] = svc.CompleteSync(ctx, session.ID, status, 5, 5, "disk full")
		}(i, status)
	}
	wg.Wait()

	var wins, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrSessionClosed):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, int32(1), closed.Load())

	final, err := svc.GetSync(ctx, session.ID)
	require.NoError(t, err)
	winner := models.SessionCompleted
	if errs[0] != nil {
		winner = models.SessionFailed
	}
	assert.Equal(t, winner, final.Status)

	_, err = svc.ReportProgress(ctx, session.ID, 1, 5)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

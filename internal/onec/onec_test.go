package onec

import (
	"context"
	"io"
	"testing"
	"time"

	"chaincore/internal/database"
	"chaincore/internal/events"
	"chaincore/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Ingestor, *database.DB, *events.EventBus) {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewEventBus()
	return NewIngestor(db, db, bus, &logger), db, bus
}

func TestIngestProducts(t *testing.T) {
	ing, db, bus := setup(t)
	ctx := context.Background()

	var ingested []events.IngestEventPayload
	bus.Subscribe(events.EventOneCIngested, func(e *events.Event) error {
		var p events.IngestEventPayload
		require.NoError(t, e.Decode(&p))
		ingested = append(ingested, p)
		return nil
	})

	n, err := ing.IngestProducts(ctx, []*models.Product{
		{SKU: " 1001 ", Name: "Coffee", Price: 9.9, IsActive: true},
		{SKU: "1002", Name: "Tea", Price: 4.5, IsActive: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := db.PendingProducts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "1001", pending[0].SKU)

	history, err := db.ListHistory(ctx, "1c_products", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.IntegrationOneC, history[0].IntegrationType)
	assert.Equal(t, 2, history[0].RecordsSynced)

	require.Len(t, ingested, 1)
	assert.Equal(t, "products", ingested[0].EntityType)
}

func TestIngestInventoryAndEmployees(t *testing.T) {
	ing, db, _ := setup(t)
	ctx := context.Background()

	n, err := ing.IngestInventory(ctx, []*models.InventoryItem{{BranchID: 1, ProductID: 5, Quantity: 12}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stale, err := db.StaleInventory(ctx, time.Now().Add(time.Hour), nil)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, 12.0, stale[0].Quantity)

	n, err = ing.IngestEmployees(ctx, []*models.Employee{{BranchID: 1, ExternalID: "E-1", FullName: "Ivan", Role: "cashier", IsActive: true}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := db.PendingEmployees(ctx, nil)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "cashier", pending[0].Role)
}

func TestIngestValidation(t *testing.T) {
	ing, db, _ := setup(t)
	ctx := context.Background()

	_, err := ing.IngestProducts(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = ing.IngestProducts(ctx, []*models.Product{{SKU: "", Name: "x"}})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = ing.IngestProducts(ctx, []*models.Product{{SKU: "1", Name: "x", Price: -1}})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = ing.IngestInventory(ctx, []*models.InventoryItem{{BranchID: 1}})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = ing.IngestEmployees(ctx, []*models.Employee{{BranchID: 1, FullName: "No id"}})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	history, err := db.ListHistory(ctx, "1c_products", 10)
	require.NoError(t, err)
	assert.Empty(t, history, "rejected payloads are not recorded")
}

func TestIngestStoreFailureIsRecorded(t *testing.T) {
	ing, db, _ := setup(t)
	ctx := context.Background()

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	_, err := ing.IngestProducts(cancelled, []*models.Product{{SKU: "1", Name: "x"}})
	require.Error(t, err)

	history, err := db.ListHistory(ctx, "1c_products", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, string(models.TaskFailed), history[0].SyncStatus)
	require.NotNil(t, history[0].ErrorMessage)
	assert.Contains(t, *history[0].ErrorMessage, "context canceled")
}

// Package onec accepts data pushed by the 1C ERP. The integration is
// receive-only: nothing in this package, or reachable from the scheduler,
// calls back into 1C.
package onec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chaincore/internal/domain"
	"chaincore/internal/events"
	"chaincore/internal/metrics"
	"chaincore/internal/models"

	"github.com/rs/zerolog"
)

var ErrInvalidPayload = errors.New("invalid 1c payload")

type Ingestor struct {
	catalog domain.CatalogStore
	history domain.HistoryRepository
	events  domain.EventPublisher
	logger  *zerolog.Logger
	now     func() time.Time
}

func NewIngestor(catalog domain.CatalogStore, history domain.HistoryRepository, publisher domain.EventPublisher, logger *zerolog.Logger) *Ingestor {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Ingestor{catalog: catalog, history: history, events: publisher, logger: logger, now: time.Now}
}

// IngestProducts upserts products by SKU; written rows become pending for the
// products task.
func (i *Ingestor) IngestProducts(ctx context.Context, products []*models.Product) (int, error) {
	for n, p := range products {
		p.SKU = strings.TrimSpace(p.SKU)
		if p.SKU == "" || strings.TrimSpace(p.Name) == "" {
			return 0, fmt.Errorf("%w: product #%d needs sku and name", ErrInvalidPayload, n)
		}
		if p.Price < 0 {
			return 0, fmt.Errorf("%w: product %s has negative price", ErrInvalidPayload, p.SKU)
		}
	}
	return i.ingest(ctx, models.EntityProducts, len(products), func() (int, error) {
		return i.catalog.UpsertProducts(ctx, products)
	})
}

// IngestInventory replaces stock levels per (branch, product).
func (i *Ingestor) IngestInventory(ctx context.Context, items []*models.InventoryItem) (int, error) {
	for n, it := range items {
		if it.BranchID <= 0 || it.ProductID <= 0 {
			return 0, fmt.Errorf("%w: inventory row #%d needs branch_id and product_id", ErrInvalidPayload, n)
		}
	}
	return i.ingest(ctx, models.EntityInventory, len(items), func() (int, error) {
		return i.catalog.UpsertInventory(ctx, items)
	})
}

// IngestEmployees upserts staff rows per (branch, external id).
func (i *Ingestor) IngestEmployees(ctx context.Context, employees []*models.Employee) (int, error) {
	for n, e := range employees {
		e.ExternalID = strings.TrimSpace(e.ExternalID)
		if e.BranchID <= 0 || e.ExternalID == "" || strings.TrimSpace(e.FullName) == "" {
			return 0, fmt.Errorf("%w: employee #%d needs branch_id, external_id and full_name", ErrInvalidPayload, n)
		}
	}
	return i.ingest(ctx, models.EntityEmployees, len(employees), func() (int, error) {
		return i.catalog.UpsertEmployees(ctx, employees)
	})
}

func (i *Ingestor) ingest(ctx context.Context, entity models.EntityType, size int, write func() (int, error)) (int, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: empty %s batch", ErrInvalidPayload, entity)
	}

	started := i.now()
	n, err := write()
	i.record(ctx, entity, started, n, err)
	if err != nil {
		return 0, err
	}

	metrics.AddIngested(string(entity), n)
	if i.events != nil {
		if perr := i.events.PublishJSON(events.EventOneCIngested, events.IngestEventPayload{
			EntityType: string(entity),
			Records:    n,
		}); perr != nil {
			i.logger.Warn().Err(perr).Msg("1c ingest event handler failed")
		}
	}
	i.logger.Info().Str("entity", string(entity)).Int("records", n).Msg("1c batch ingested")
	return n, nil
}

// record appends the history row of one push, also when the caller gave up.
// Failures are logged only.
func (i *Ingestor) record(ctx context.Context, entity models.EntityType, started time.Time, n int, cause error) {
	if i.history == nil {
		return
	}
	entry := &models.SyncHistoryEntry{
		TaskID:          "1c_" + string(entity),
		IntegrationType: models.IntegrationOneC,
		EntityType:      entity,
		SyncStatus:      string(models.TaskCompleted),
		RecordsSynced:   n,
		StartedAt:       started,
		CompletedAt:     i.now(),
	}
	if cause != nil {
		entry.SyncStatus = string(models.TaskFailed)
		msg := cause.Error()
		entry.ErrorMessage = &msg
	}
	if err := i.history.AppendHistory(context.WithoutCancel(ctx), entry); err != nil {
		i.logger.Warn().Err(err).Str("entity", string(entity)).Msg("failed to record 1c history")
	}
}

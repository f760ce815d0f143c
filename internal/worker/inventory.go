package worker

import (
	"context"
	"fmt"
	"time"

	"chaincore/internal/dispatcher"
	"chaincore/internal/models"
)

type inventoryPayload struct {
	BranchID int64                   `json:"branch_id"`
	Items    []*models.InventoryItem `json:"items"`
}

// inventoryReply is what a branch answers with: its current stock for the pushed products.
type inventoryReply struct {
	Items []struct {
		ProductID int64   `json:"product_id"`
		Quantity  float64 `json:"quantity"`
	} `json:"items"`
}

// InventoryHandler refreshes stock rows that have not been confirmed by their
// branch within the freshness window.
type InventoryHandler struct {
	deps Deps
	now  func() time.Time
}

func (h *InventoryHandler) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

func (h *InventoryHandler) Sync(ctx context.Context, task models.SyncTask) (int, error) {
	now := h.clock()
	stale, err := h.deps.Catalog.StaleInventory(ctx, now.Add(-h.deps.InventoryFreshness), task.BranchID)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	targets, err := targetBranches(ctx, h.deps.Directory, task)
	if err != nil {
		return 0, err
	}
	allowed := make(map[int64]bool, len(targets))
	for _, id := range targets {
		allowed[id] = true
	}

	groups := make(map[int64][]*models.InventoryItem)
	for _, it := range stale {
		if allowed[it.BranchID] {
			groups[it.BranchID] = append(groups[it.BranchID], it)
		}
	}
	branchIDs := sortedKeys(groups)

	results := fanOut(branchIDs, func(branchID int64) dispatcher.Result {
		return h.deps.Branches.SyncToBranch(ctx, branchID, dispatcher.SyncInventory,
			inventoryPayload{BranchID: branchID, Items: groups[branchID]})
	})

	refreshed := 0
	for _, res := range results {
		if !res.Success {
			continue
		}
		items := groups[res.BranchID]
		h.applyReply(res, items)
		if err := h.deps.Catalog.TouchInventory(ctx, items, now); err != nil {
			return refreshed, err
		}
		refreshed += len(items)
	}

	if err := failures(results); err != nil {
		return refreshed, fmt.Errorf("refresh inventory: %w", err)
	}
	return refreshed, nil
}

// applyReply copies branch-reported quantities onto the matching rows. Rows the
// branch did not mention keep their quantity.
func (h *InventoryHandler) applyReply(res dispatcher.Result, items []*models.InventoryItem) {
	if res.Data == nil {
		return
	}
	var reply inventoryReply
	if err := res.DecodeData(&reply); err != nil {
		h.deps.Logger.Debug().Err(err).Int64("branch_id", res.BranchID).Msg("inventory reply without quantities")
		return
	}
	byProduct := make(map[int64]float64, len(reply.Items))
	for _, it := range reply.Items {
		byProduct[it.ProductID] = it.Quantity
	}
	for _, it := range items {
		if q, ok := byProduct[it.ProductID]; ok {
			it.Quantity = q
		}
	}
}

package worker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"chaincore/internal/dispatcher"
	"chaincore/internal/models"
)

type productsPayload struct {
	Products []*models.Product `json:"products"`
}

type employeesPayload struct {
	BranchID  int64              `json:"branch_id"`
	Employees []*models.Employee `json:"employees"`
}

// ProductsHandler pushes changed catalog products to branches.
type ProductsHandler struct {
	deps Deps
}

func (h *ProductsHandler) Sync(ctx context.Context, task models.SyncTask) (int, error) {
	pending, err := h.deps.Catalog.PendingProducts(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	targets, err := targetBranches(ctx, h.deps.Directory, task)
	if err != nil {
		return 0, err
	}
	if len(targets) == 0 {
		h.deps.Logger.Debug().Str("task_id", task.ID).Int("pending", len(pending)).Msg("no branches to receive products")
		return 0, nil
	}

	payload := productsPayload{Products: pending}
	results := fanOut(targets, func(branchID int64) dispatcher.Result {
		return h.deps.Branches.SyncToBranch(ctx, branchID, dispatcher.SyncProducts, payload)
	})
	if err := failures(results); err != nil {
		return 0, fmt.Errorf("push products: %w", err)
	}

	// A branch-scoped push leaves rows pending for the chain-wide task.
	if task.BranchID == nil {
		rows := make([]models.RowVersion, 0, len(pending))
		for _, p := range pending {
			rows = append(rows, p.Version())
		}
		marked, err := h.deps.Catalog.MarkProductsSynced(ctx, rows, time.Now())
		if err != nil {
			return 0, err
		}
		if marked < len(rows) {
			h.deps.Logger.Debug().Str("task_id", task.ID).Int("changed", len(rows)-marked).
				Msg("products changed during push, left pending")
		}
	}
	return len(pending), nil
}

// EmployeesHandler pushes changed employee rows to the branch they belong to.
type EmployeesHandler struct {
	deps Deps
}

func (h *EmployeesHandler) Sync(ctx context.Context, task models.SyncTask) (int, error) {
	pending, err := h.deps.Catalog.PendingEmployees(ctx, task.BranchID)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
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

	groups := make(map[int64][]*models.Employee)
	for _, e := range pending {
		if !allowed[e.BranchID] {
			continue
		}
		groups[e.BranchID] = append(groups[e.BranchID], e)
	}
	branchIDs := sortedKeys(groups)
	if len(branchIDs) == 0 {
		return 0, nil
	}

	results := fanOut(branchIDs, func(branchID int64) dispatcher.Result {
		return h.deps.Branches.SyncToBranch(ctx, branchID, dispatcher.SyncEmployees,
			employeesPayload{BranchID: branchID, Employees: groups[branchID]})
	})

	var rows []models.RowVersion
	for _, res := range results {
		if !res.Success {
			continue
		}
		for _, e := range groups[res.BranchID] {
			rows = append(rows, e.Version())
		}
	}
	marked, err := h.deps.Catalog.MarkEmployeesSynced(ctx, rows, time.Now())
	if err != nil {
		return 0, err
	}
	if marked < len(rows) {
		h.deps.Logger.Debug().Str("task_id", task.ID).Int("changed", len(rows)-marked).
			Msg("employees changed during push, left pending")
	}

	if err := failures(results); err != nil {
		return len(rows), fmt.Errorf("push employees: %w", err)
	}
	return len(rows), nil
}

func sortedKeys[T any](m map[int64][]T) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

package worker

import (
	"context"
	"errors"

	"chaincore/internal/dispatcher"
	"chaincore/internal/domain"
	"chaincore/internal/models"
)

// BranchesHandler sweeps branch connectivity and reports how many answered.
// With a status writer configured it also corrects recorded statuses; branches
// in maintenance are left alone.
type BranchesHandler struct {
	deps Deps
}

func (h *BranchesHandler) Sync(ctx context.Context, task models.SyncTask) (int, error) {
	known, err := h.servers(ctx, task)
	if err != nil {
		return 0, err
	}

	ids := make([]int64, 0, len(known))
	for _, s := range known {
		ids = append(ids, s.BranchID)
	}

	results := fanOut(ids, func(branchID int64) dispatcher.Result {
		return h.deps.Branches.TestConnection(ctx, branchID)
	})

	reachable := 0
	for i, res := range results {
		if res.Success {
			reachable++
		} else {
			h.deps.Logger.Info().Int64("branch_id", res.BranchID).Str("error", res.Error).Msg("branch unreachable")
		}
		h.correctStatus(ctx, known[i], res.Success)
	}
	return reachable, nil
}

func (h *BranchesHandler) servers(ctx context.Context, task models.SyncTask) ([]*models.BranchServer, error) {
	if task.BranchID == nil {
		return h.deps.Directory.ListActiveBranchServers(ctx)
	}
	s, err := h.deps.Directory.GetBranchServer(ctx, *task.BranchID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []*models.BranchServer{s}, nil
}

func (h *BranchesHandler) correctStatus(ctx context.Context, server *models.BranchServer, reachable bool) {
	if h.deps.Status == nil || server.Status == models.BranchMaintenance {
		return
	}
	want := models.BranchOffline
	if reachable {
		want = models.BranchOnline
	}
	if server.Status == want {
		return
	}
	if err := h.deps.Status.SetBranchStatus(ctx, server.BranchID, want); err != nil {
		h.deps.Logger.Warn().Err(err).Int64("branch_id", server.BranchID).Msg("failed to update branch status")
		return
	}
	h.deps.Logger.Info().Int64("branch_id", server.BranchID).Str("from", server.Status).Str("to", want).Msg("branch status changed")
}

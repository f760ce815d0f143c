package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"chaincore/internal/dispatcher"
	"chaincore/internal/models"
	"chaincore/internal/repository"
)

const transactionsEndpoint = "api/sync/transactions"

type transactionsReply struct {
	Transactions []*models.Transaction `json:"transactions"`
}

// TransactionsHandler pulls sales recorded by branches since the last pull.
type TransactionsHandler struct {
	deps Deps
}

func (h *TransactionsHandler) Sync(ctx context.Context, task models.SyncTask) (int, error) {
	targets, err := targetBranches(ctx, h.deps.Directory, task)
	if err != nil {
		return 0, err
	}

	results := fanOut(targets, func(branchID int64) dispatcher.Result {
		endpoint := transactionsEndpoint
		if since := h.since(ctx, branchID); since != nil {
			endpoint += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
		}
		return h.deps.Branches.MakeRequest(ctx, dispatcher.Request{
			BranchID: branchID,
			Endpoint: endpoint,
			Method:   http.MethodGet,
		})
	})

	received := 0
	for _, res := range results {
		if !res.Success {
			continue
		}
		n, err := h.store(ctx, res)
		if err != nil {
			return received, err
		}
		received += n
	}

	if err := failures(results); err != nil {
		return received, fmt.Errorf("pull transactions: %w", err)
	}
	return received, nil
}

// since returns the cached watermark of a branch, falling back to the newest stored row.
func (h *TransactionsHandler) since(ctx context.Context, branchID int64) *time.Time {
	key := repository.LastSyncKey(models.EntityTransactions, models.ScopeKey(&branchID))
	if h.deps.Cache != nil {
		var cached time.Time
		found, err := repository.GetJSON(ctx, h.deps.Cache, key, &cached)
		if err != nil {
			h.deps.Logger.Warn().Err(err).Str("key", key).Msg("failed to read transactions watermark")
		}
		if found {
			return &cached
		}
	}

	latest, err := h.deps.Catalog.LatestTransactionTime(ctx, branchID)
	if err != nil {
		h.deps.Logger.Warn().Err(err).Int64("branch_id", branchID).Msg("failed to read latest transaction")
		return nil
	}
	return latest
}

func (h *TransactionsHandler) store(ctx context.Context, res dispatcher.Result) (int, error) {
	var reply transactionsReply
	if res.Data != nil {
		if err := res.DecodeData(&reply); err != nil {
			return 0, fmt.Errorf("decode transactions from branch %d: %w", res.BranchID, err)
		}
	}
	if len(reply.Transactions) == 0 {
		return 0, nil
	}

	var newest time.Time
	for _, t := range reply.Transactions {
		t.BranchID = res.BranchID
		if t.CreatedAt.After(newest) {
			newest = t.CreatedAt
		}
	}

	n, err := h.deps.Catalog.UpsertTransactions(ctx, reply.Transactions)
	if err != nil {
		return 0, err
	}

	if h.deps.Cache != nil {
		key := repository.LastSyncKey(models.EntityTransactions, models.ScopeKey(&res.BranchID))
		if err := repository.SetJSON(ctx, h.deps.Cache, key, newest.UTC(), 0); err != nil {
			h.deps.Logger.Warn().Err(err).Str("key", key).Msg("failed to store transactions watermark")
		}
	}
	return n, nil
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chaincore/internal/dispatcher"
	"chaincore/internal/domain"
	"chaincore/internal/models"

	"github.com/rs/zerolog"
)

var ErrNoHandler = errors.New("no handler for entity type")

// Handler performs the work of one sync task and reports how many records it touched.
type Handler interface {
	Sync(ctx context.Context, task models.SyncTask) (int, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, task models.SyncTask) (int, error)

func (f HandlerFunc) Sync(ctx context.Context, task models.SyncTask) (int, error) {
	return f(ctx, task)
}

// BranchClient is the part of the dispatcher the handlers call.
type BranchClient interface {
	MakeRequest(ctx context.Context, req dispatcher.Request) dispatcher.Result
	SyncToBranch(ctx context.Context, branchID int64, syncType dispatcher.SyncType, payload interface{}) dispatcher.Result
	TestConnection(ctx context.Context, branchID int64) dispatcher.Result
}

// Deps bundles the collaborators shared by the built-in handlers.
type Deps struct {
	Catalog   domain.CatalogStore
	Directory domain.BranchDirectory
	Branches  BranchClient
	Cache     domain.Cache
	Logger    *zerolog.Logger

	// Status, when set, lets the branches sweep correct recorded branch statuses.
	Status domain.BranchStatusWriter

	// InventoryFreshness is how old a stock row may get before it is refreshed.
	InventoryFreshness time.Duration
}

// Registry maps entity types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.EntityType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.EntityType]Handler)}
}

// NewDefaultRegistry wires the handler of every supported entity type.
func NewDefaultRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		nop := zerolog.Nop()
		deps.Logger = &nop
	}
	if deps.InventoryFreshness <= 0 {
		deps.InventoryFreshness = models.DefaultInventoryFreshnessMinutes * time.Minute
	}

	r := NewRegistry()
	r.Register(models.EntityProducts, &ProductsHandler{deps: deps})
	r.Register(models.EntityEmployees, &EmployeesHandler{deps: deps})
	r.Register(models.EntityInventory, &InventoryHandler{deps: deps})
	r.Register(models.EntityTransactions, &TransactionsHandler{deps: deps})
	r.Register(models.EntityBranches, &BranchesHandler{deps: deps})
	return r
}

func (r *Registry) Register(entity models.EntityType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[entity] = h
}

func (r *Registry) Get(entity models.EntityType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[entity]
	return h, ok
}

// Sync routes a task to the handler of its entity type.
func (r *Registry) Sync(ctx context.Context, task models.SyncTask) (int, error) {
	h, ok := r.Get(task.EntityType)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoHandler, task.EntityType)
	}
	return h.Sync(ctx, task)
}

// targetBranches resolves the task scope: its own branch or every active branch server.
func targetBranches(ctx context.Context, dir domain.BranchDirectory, task models.SyncTask) ([]int64, error) {
	if task.BranchID != nil {
		return []int64{*task.BranchID}, nil
	}
	servers, err := dir.ListActiveBranchServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list branch servers: %w", err)
	}
	ids := make([]int64, 0, len(servers))
	for _, s := range servers {
		ids = append(ids, s.BranchID)
	}
	return ids, nil
}

// fanOut calls fn for every branch concurrently; results keep the order of branchIDs.
func fanOut(branchIDs []int64, fn func(branchID int64) dispatcher.Result) []dispatcher.Result {
	results := make([]dispatcher.Result, len(branchIDs))
	var wg sync.WaitGroup
	for i, id := range branchIDs {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			results[i] = fn(id)
		}(i, id)
	}
	wg.Wait()
	return results
}

// failures joins the errors of unsuccessful results.
func failures(results []dispatcher.Result) error {
	var errs []error
	for _, res := range results {
		if res.Success {
			continue
		}
		errs = append(errs, fmt.Errorf("branch %d: %s", res.BranchID, res.Error))
	}
	return errors.Join(errs...)
}

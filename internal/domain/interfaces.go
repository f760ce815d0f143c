package domain

import (
	"context"
	"errors"
	"time"

	"chaincore/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var (
	// ErrNotFound is returned by stores when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned for writes to a record that reached a final state.
	ErrClosed = errors.New("record is closed")
)

// TaskRepository persists sync task definitions and their run state.
type TaskRepository interface {
	ListTasks(ctx context.Context) ([]*models.SyncTask, error)
	SaveTask(ctx context.Context, task *models.SyncTask) error
	DeleteTask(ctx context.Context, id string) error
}

type HistoryRepository interface {
	AppendHistory(ctx context.Context, entry *models.SyncHistoryEntry) error
	ListHistory(ctx context.Context, taskID string, limit int) ([]*models.SyncHistoryEntry, error)
}

// BranchDirectory is the read side of the branch server registry plus the
// single write-back the dispatcher performs.
type BranchDirectory interface {
	GetBranchServer(ctx context.Context, branchID int64) (*models.BranchServer, error)
	ListActiveBranchServers(ctx context.Context) ([]*models.BranchServer, error)
	TouchBranchServer(ctx context.Context, branchID, responseTimeMs int64, at time.Time) error
}

// BranchStatusWriter flips the recorded status of a branch after a connectivity sweep.
type BranchStatusWriter interface {
	SetBranchStatus(ctx context.Context, branchID int64, status string) error
}

type HealthLogWriter interface {
	AppendHealthLog(ctx context.Context, entry *models.ConnectionHealthLog) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, session *models.SyncSession) error
	// UpdateSession writes an open session. Closed sessions yield ErrClosed.
	UpdateSession(ctx context.Context, session *models.SyncSession) error
	GetSession(ctx context.Context, id string) (*models.SyncSession, error)
}

type HealthStore interface {
	UpsertHealth(ctx context.Context, snapshot *models.HealthSnapshot) error
	GetHealth(ctx context.Context, branchID int64) (*models.HealthSnapshot, error)
}

// CatalogStore is the slice of the chain catalog the entity handlers and the
// 1C boundary work against.
type CatalogStore interface {
	UpsertProducts(ctx context.Context, products []*models.Product) (int, error)
	PendingProducts(ctx context.Context) ([]*models.Product, error)
	MarkProductsSynced(ctx context.Context, rows []models.RowVersion, at time.Time) (int, error)

	UpsertInventory(ctx context.Context, items []*models.InventoryItem) (int, error)
	StaleInventory(ctx context.Context, olderThan time.Time, branchID *int64) ([]*models.InventoryItem, error)
	TouchInventory(ctx context.Context, items []*models.InventoryItem, at time.Time) error

	UpsertTransactions(ctx context.Context, txs []*models.Transaction) (int, error)
	LatestTransactionTime(ctx context.Context, branchID int64) (*time.Time, error)

	UpsertEmployees(ctx context.Context, employees []*models.Employee) (int, error)
	PendingEmployees(ctx context.Context, branchID *int64) ([]*models.Employee, error)
	MarkEmployeesSynced(ctx context.Context, rows []models.RowVersion, at time.Time) (int, error)
}

// Cache is the TTL key-value side channel. Get returns nil, nil on a miss.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, key string) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// TelegramSender is the part of the bot API the alert notifier needs.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramService is the bot API used by the operator command bot.
type TelegramService interface {
	TelegramSender
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetSelf() tgbotapi.User
}

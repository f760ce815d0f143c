package models

// EntityType names the kind of data a sync task reconciles.
type EntityType string

const (
	EntityProducts     EntityType = "products"
	EntityInventory    EntityType = "inventory"
	EntityTransactions EntityType = "transactions"
	EntityEmployees    EntityType = "employees"
	EntityBranches     EntityType = "branches"
)

// EntityTypes lists every supported entity type in presentation order.
var EntityTypes = []EntityType{
	EntityProducts,
	EntityInventory,
	EntityTransactions,
	EntityEmployees,
	EntityBranches,
}

// ParseEntityType validates a raw entity type.
func ParseEntityType(raw string) (EntityType, bool) {
	for _, et := range EntityTypes {
		if string(et) == raw {
			return et, true
		}
	}
	return "", false
}

// ScheduleKind selects how a task is triggered.
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
	ScheduleManual   ScheduleKind = "manual"
)

func (k ScheduleKind) Valid() bool {
	switch k {
	case ScheduleInterval, ScheduleCron, ScheduleManual:
		return true
	default:
		return false
	}
}

// TaskStatus is the execution state of a sync task.
type TaskStatus string

const (
	TaskIdle      TaskStatus = "idle"
	TaskRunning   TaskStatus = "running"
	TaskFailed    TaskStatus = "failed"
	TaskCompleted TaskStatus = "completed"
)

const (
	BranchOnline      = "online"
	BranchOffline     = "offline"
	BranchMaintenance = "maintenance"
	BranchError       = "error"
)

const (
	NetworkLAN    = "lan"
	NetworkVPN    = "vpn"
	NetworkPublic = "public"
)

const (
	HealthLogSuccess = "success"
	HealthLogFailed  = "failed"
	HealthLogTimeout = "timeout"
	HealthLogError   = "error"
)

const (
	IntegrationBranch = "branch"
	IntegrationOneC   = "1c"
)

const (
	// DefaultResultCacheTTL время жизни закэшированного результата задачи (секунды)
	DefaultResultCacheTTL = 60 * 60

	// DefaultStartupJitterMs максимальная задержка первого запуска при старте
	DefaultStartupJitterMs = 1000

	// DefaultInventoryFreshnessMinutes порог актуальности остатков
	DefaultInventoryFreshnessMinutes = 15

	// DefaultHistoryLimit размер истории по умолчанию
	DefaultHistoryLimit = 20

	// DefaultHealthStaleSeconds возраст снимка здоровья, после которого он считается устаревшим
	DefaultHealthStaleSeconds = 5 * 60
)

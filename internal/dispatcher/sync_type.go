package dispatcher

import "fmt"

// SyncType names a bulk payload a branch accepts.
type SyncType int

const (
	SyncProducts SyncType = iota + 1
	SyncEmployees
	SyncInventory
	SyncPrices
)

var syncTypeNames = map[string]SyncType{
	"products":  SyncProducts,
	"employees": SyncEmployees,
	"inventory": SyncInventory,
	"prices":    SyncPrices,
}

// ParseSyncType maps a wire name to a SyncType. Unknown names yield 0.
func ParseSyncType(name string) SyncType {
	return syncTypeNames[name]
}

func (t SyncType) String() string {
	switch t {
	case SyncProducts:
		return "products"
	case SyncEmployees:
		return "employees"
	case SyncInventory:
		return "inventory"
	case SyncPrices:
		return "prices"
	default:
		return fmt.Sprintf("SyncType(%d)", int(t))
	}
}

// Endpoint returns the branch path that receives this sync type.
func (t SyncType) Endpoint() (string, error) {
	switch t {
	case SyncProducts:
		return "api/sync/products", nil
	case SyncEmployees:
		return "api/sync/employees", nil
	case SyncInventory:
		return "api/sync/inventory", nil
	case SyncPrices:
		return "api/sync/prices", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownSyncType, t)
	}
}

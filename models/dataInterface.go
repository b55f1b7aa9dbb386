package models

import (
	"context"
	"time"
)

// OrderRepository is the read side of order persistence. Soft-deleted rows
// are excluded unless the query says otherwise.
type OrderRepository interface {
	FindByID(ctx context.Context, id string) (*Order, error)
	FindByOrderNumber(ctx context.Context, orderNumber string) (*Order, error)
	// FindByPhone normalizes the input, matches stored normalized numbers
	// (exact first, contains fallback for legacy rows) and returns the 50
	// most-recent matches with items. A miss is an error, not an empty list.
	FindByPhone(ctx context.Context, rawPhone string) ([]*Order, error)
	List(ctx context.Context, filter OrderFilter) ([]*Order, int64, error)
}

// TxStore is the write surface available inside one database transaction.
// Nothing written through it is observable until the transaction commits.
type TxStore interface {
	InsertOrder(ctx context.Context, order *Order) error
	// FindOrderForUpdate row-locks the order. Soft-deleted rows are included
	// so callers can report AlreadyDeleted instead of NotFound.
	FindOrderForUpdate(ctx context.Context, id string) (*Order, error)
	UpdateOrderFields(ctx context.Context, id string, fields map[string]interface{}) error
	// LockProductForSale row-locks the counter row (variant when variantId > 0,
	// else the product) and returns the sale view of it.
	LockProductForSale(ctx context.Context, productId, variantId int) (*SaleProduct, error)
	// DecrementStockForSale applies the guarded counter decrement without
	// writing a ledger row; the ledger entry is enqueued as a post-commit task.
	DecrementStockForSale(ctx context.Context, productId, variantId, qty int) (previous, current int, err error)
	EnqueueSideEffect(ctx context.Context, task *SideEffectTask) error
}

// Store combines order reads with the transaction boundary the creation and
// lifecycle workflows run inside.
type Store interface {
	OrderRepository
	InTransaction(ctx context.Context, fn func(tx TxStore) error) error
}

// InventoryAccessor is the only component allowed to mutate stock counters.
type InventoryAccessor interface {
	GetStock(ctx context.Context, productId, variantId int) (int, error)
	// ChangeStock atomically guards, applies the delta and appends the ledger
	// row in one database transaction.
	ChangeStock(ctx context.Context, input ChangeStockInput) (*StockMovement, error)
	// HasMovement supports idempotent post-commit handlers.
	HasMovement(ctx context.Context, refType ReferenceType, refId string, productId, variantId int, movementType MovementType) (bool, error)
	// AppendMovement writes a ledger row with caller-supplied before/after
	// counters, without touching the counter itself.
	AppendMovement(ctx context.Context, movement *StockMovement) error
}

// TaskStore claims and settles side-effect tasks for the dispatcher and the
// inline post-commit kick.
type TaskStore interface {
	// ClaimDue picks due PENDING/FAILED rows plus stale PROCESSING rows
	// (worker crashed mid-batch), marks them PROCESSING and increments
	// attempts. Rows past maxAttempts go DEAD instead.
	ClaimDue(ctx context.Context, batchSize int, staleBefore, now time.Time, maxAttempts int, workerId string) ([]SideEffectTask, error)
	// ClaimByIds claims specific freshly enqueued rows (inline kick). Rows
	// already taken by another worker are skipped.
	ClaimByIds(ctx context.Context, ids []int, workerId string) ([]SideEffectTask, error)
	MarkSucceeded(ctx context.Context, id int, now time.Time) error
	MarkFailed(ctx context.Context, id int, errMsg string, nextAttemptAt *time.Time, dead bool) error
}

package models

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/storefront_backend/utils"
)

// Side-effect task statuses. Kept as plain strings (DB values).
const (
	SideEffectStatusPending    = "PENDING"
	SideEffectStatusProcessing = "PROCESSING"
	SideEffectStatusSucceeded  = "SUCCEEDED"
	SideEffectStatusFailed     = "FAILED"
	SideEffectStatusDead       = "DEAD"
)

type SideEffectType string

const (
	SideEffectLedgerAppend      SideEffectType = "ledger_append"
	SideEffectStockRestore      SideEffectType = "stock_restore"
	SideEffectEmailConfirmation SideEffectType = "email_confirmation"
)

// SideEffectTask implements the transactional outbox for post-commit work:
// the row is written inside the caller's DB transaction, executed after
// commit with at-least-once semantics. DedupKey makes retries safe.
type SideEffectTask struct {
	ID            int             `gorm:"primary_key" json:"id"`
	TaskType      SideEffectType  `gorm:"size:32;not null;index" json:"task_type"`
	ReferenceType ReferenceType   `gorm:"size:20;index:idx_side_effect_ref,priority:1;not null" json:"reference_type"`
	ReferenceId   string          `gorm:"size:36;index:idx_side_effect_ref,priority:2;not null" json:"reference_id"`
	DedupKey      string          `gorm:"size:191;uniqueIndex;not null" json:"dedup_key"`
	Payload       json.RawMessage `gorm:"type:json" json:"payload"`
	Status        string          `gorm:"size:16;default:'PENDING';index" json:"status"`
	Attempts      int             `gorm:"default:0" json:"attempts"`
	NextAttemptAt *time.Time      `json:"next_attempt_at"`
	LockedAt      *time.Time      `json:"locked_at"`
	LockedBy      *string         `gorm:"size:64" json:"locked_by"`
	LastError     *string         `gorm:"type:text" json:"last_error"`
	CorrelationId string          `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	ProcessedAt   *time.Time      `json:"processed_at"`
}

// LedgerAppendPayload carries the counter values already applied inside the
// order transaction, so the ledger row reflects the committed change rather
// than re-reading the counter.
type LedgerAppendPayload struct {
	ProductId     int    `json:"product_id"`
	VariantId     int    `json:"variant_id"`
	Quantity      int    `json:"quantity"` // negative for a sale
	PreviousStock int    `json:"previous_stock"`
	NewStock      int    `json:"new_stock"`
	OrderNumber   string `json:"order_number"`
	ActorId       string `json:"actor_id,omitempty"`
}

type StockRestorePayload struct {
	ProductId int    `json:"product_id"`
	VariantId int    `json:"variant_id"`
	Quantity  int    `json:"quantity"` // positive
	ActorId   string `json:"actor_id,omitempty"`
}

type EmailConfirmationPayload struct {
	To          string `json:"to"`
	OrderNumber string `json:"order_number"`
	Name        string `json:"name"`
}

// NewSideEffectTask builds a task with its dedup key derived from
// (task_type, reference, product, variant), the retry-safety contract.
func NewSideEffectTask(ctx context.Context, taskType SideEffectType, refType ReferenceType, refId string, productId, variantId int, payload interface{}) (*SideEffectTask, error) {
	raw, err := utils.MarshalToJSON(payload)
	if err != nil {
		return nil, err
	}
	return &SideEffectTask{
		TaskType:      taskType,
		ReferenceType: refType,
		ReferenceId:   refId,
		DedupKey:      fmt.Sprintf("%s|%s|%s|%d|%d", taskType, refType, refId, productId, variantId),
		Payload:       json.RawMessage(raw),
		Status:        SideEffectStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}, nil
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// EnqueueSideEffect writes the task record inside the caller's DB transaction
// but does NOT execute it. Execution happens after commit (inline kick or the
// background dispatcher).
func EnqueueSideEffect(ctx context.Context, tx *gorm.DB, task *SideEffectTask) error {
	return tx.WithContext(ctx).Create(task).Error
}

package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/storefront_backend/config"
	"bitbucket.org/mmdatafocus/storefront_backend/models"
	"bitbucket.org/mmdatafocus/storefront_backend/notifier"
	"bitbucket.org/mmdatafocus/storefront_backend/utils"
)

const sideEffectModule = "workflow/sideEffect"

const (
	maxTaskAttempts = 8
	initialBackoff  = 30 * time.Second
	maxBackoff      = 10 * time.Minute
)

// SideEffectRunner executes committed side-effect tasks: ledger appends,
// stock restoration and confirmation mail. Every handler is idempotent so
// at-least-once delivery from the task table is safe.
type SideEffectRunner struct {
	Tasks     models.TaskStore
	Inventory models.InventoryAccessor
	Mailer    Mailer
	Logger    *logrus.Logger
}

func NewSideEffectRunner(tasks models.TaskStore, inventory models.InventoryAccessor, mailer Mailer, logger *logrus.Logger) *SideEffectRunner {
	return &SideEffectRunner{Tasks: tasks, Inventory: inventory, Mailer: mailer, Logger: logger}
}

// RunInline claims and executes freshly committed tasks on the request path.
// Failures are settled back into the table for the background dispatcher;
// the request never fails because of them.
func (r *SideEffectRunner) RunInline(ctx context.Context, taskIds []int) {
	if len(taskIds) == 0 {
		return
	}
	workerId := "inline-" + uuid.NewString()[:8]
	claimed, err := r.Tasks.ClaimByIds(ctx, taskIds, workerId)
	if err != nil {
		config.LogError(r.Logger, sideEffectModule, "RunInline", "claim", taskIds, err)
		return
	}
	for i := range claimed {
		r.runOne(ctx, &claimed[i])
	}
}

// runOne executes a claimed task and settles it. Returns true on success.
func (r *SideEffectRunner) runOne(ctx context.Context, task *models.SideEffectTask) bool {
	err := r.Execute(ctx, task)
	now := time.Now().UTC()
	if err == nil {
		if mErr := r.Tasks.MarkSucceeded(ctx, task.ID, now); mErr != nil {
			config.LogError(r.Logger, sideEffectModule, "runOne", "markSucceeded", task.ID, mErr)
		}
		return true
	}

	dead := task.Attempts >= maxTaskAttempts
	var nextAttemptAt *time.Time
	if !dead {
		next := now.Add(backoffForAttempt(task.Attempts))
		nextAttemptAt = &next
	}
	config.LogError(r.Logger, sideEffectModule, "runOne", string(task.TaskType), map[string]interface{}{
		"taskId":   task.ID,
		"attempts": task.Attempts,
		"dead":     dead,
	}, err)
	if mErr := r.Tasks.MarkFailed(ctx, task.ID, err.Error(), nextAttemptAt, dead); mErr != nil {
		config.LogError(r.Logger, sideEffectModule, "runOne", "markFailed", task.ID, mErr)
	}
	return false
}

func backoffForAttempt(attempt int) time.Duration {
	backoff := initialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= maxBackoff {
			return maxBackoff
		}
	}
	return backoff
}

func (r *SideEffectRunner) Execute(ctx context.Context, task *models.SideEffectTask) error {
	switch task.TaskType {
	case models.SideEffectLedgerAppend:
		return r.appendLedger(ctx, task)
	case models.SideEffectStockRestore:
		return r.restoreStock(ctx, task)
	case models.SideEffectEmailConfirmation:
		return r.sendConfirmation(ctx, task)
	default:
		return fmt.Errorf("unknown side-effect task type %q", task.TaskType)
	}
}

// appendLedger writes the ledger row for a counter change already applied
// inside the order transaction. The before/after values come from the payload
// so the row reflects the committed change, not the current counter.
func (r *SideEffectRunner) appendLedger(ctx context.Context, task *models.SideEffectTask) error {
	var payload models.LedgerAppendPayload
	if err := utils.UnmarshalFromJSON(task.Payload, &payload); err != nil {
		return fmt.Errorf("decode ledger_append payload: %w", err)
	}

	exists, err := r.Inventory.HasMovement(ctx, task.ReferenceType, task.ReferenceId, payload.ProductId, payload.VariantId, models.MovementTypeSale)
	if err != nil {
		return err
	}
	if exists {
		return nil // a previous attempt already landed the row
	}

	return r.Inventory.AppendMovement(ctx, &models.StockMovement{
		ProductId:     payload.ProductId,
		VariantId:     payload.VariantId,
		MovementType:  models.MovementTypeSale,
		Quantity:      payload.Quantity,
		PreviousStock: payload.PreviousStock,
		NewStock:      payload.NewStock,
		ReferenceType: task.ReferenceType,
		ReferenceId:   task.ReferenceId,
		Notes:         "order " + payload.OrderNumber,
		CreatedBy:     payload.ActorId,
		CorrelationId: task.CorrelationId,
	})
}

// restoreStock compensates a cancelled order line. Unlike appendLedger it must
// move the counter, so it goes through ChangeStock (guard + counter + ledger
// row in one transaction).
func (r *SideEffectRunner) restoreStock(ctx context.Context, task *models.SideEffectTask) error {
	var payload models.StockRestorePayload
	if err := utils.UnmarshalFromJSON(task.Payload, &payload); err != nil {
		return fmt.Errorf("decode stock_restore payload: %w", err)
	}

	exists, err := r.Inventory.HasMovement(ctx, task.ReferenceType, task.ReferenceId, payload.ProductId, payload.VariantId, models.MovementTypeReturn)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	_, err = r.Inventory.ChangeStock(ctx, models.ChangeStockInput{
		ProductId:     payload.ProductId,
		VariantId:     payload.VariantId,
		Delta:         payload.Quantity,
		MovementType:  models.MovementTypeReturn,
		ReferenceType: task.ReferenceType,
		ReferenceId:   task.ReferenceId,
		Notes:         "stock restored for cancelled order",
		ActorId:       payload.ActorId,
		CorrelationId: task.CorrelationId,
	})
	return err
}

func (r *SideEffectRunner) sendConfirmation(ctx context.Context, task *models.SideEffectTask) error {
	var payload models.EmailConfirmationPayload
	if err := utils.UnmarshalFromJSON(task.Payload, &payload); err != nil {
		return fmt.Errorf("decode email_confirmation payload: %w", err)
	}
	if r.Mailer == nil {
		r.Logger.WithField("orderNumber", payload.OrderNumber).Warn("mailer not configured, skipping confirmation email")
		return nil
	}
	return r.Mailer.SendEmail(ctx, confirmationEmail(payload))
}

func confirmationEmail(payload models.EmailConfirmationPayload) notifier.Email {
	name := payload.Name
	if name == "" {
		name = "customer"
	}
	return notifier.Email{
		To:      payload.To,
		Subject: fmt.Sprintf("Order %s confirmed", payload.OrderNumber),
		HTML: fmt.Sprintf(
			"<p>Hi %s,</p><p>We received your order <strong>%s</strong> and are getting it ready. You will get another email when it ships.</p>",
			name, payload.OrderNumber),
	}
}

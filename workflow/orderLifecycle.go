package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/storefront_backend/config"
	"bitbucket.org/mmdatafocus/storefront_backend/models"
	"bitbucket.org/mmdatafocus/storefront_backend/utils"
)

// UpdateOrder applies a partial admin update under a row lock. Moving to
// cancelled enqueues one stock_restore task per line item in the same
// transaction; a failed payment_status on its own never touches stock.
func (e *OrderEngine) UpdateOrder(ctx context.Context, id string, input *models.UpdateOrderInput) (*models.Order, error) {
	if input.Status != nil && !input.Status.Valid() {
		return nil, &models.ValidationError{Message: fmt.Sprintf("invalid status %q", *input.Status)}
	}
	if input.PaymentStatus != nil && !input.PaymentStatus.Valid() {
		return nil, &models.ValidationError{Message: fmt.Sprintf("invalid payment_status %q", *input.PaymentStatus)}
	}

	actorId, _ := utils.GetActorIdFromContext(ctx)
	var updated *models.Order
	var taskIds []int

	err := e.Store.InTransaction(ctx, func(tx models.TxStore) error {
		taskIds = taskIds[:0]

		order, err := tx.FindOrderForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if order.DeletedAt != nil {
			return utils.ErrorRecordNotFound
		}

		fields := map[string]interface{}{}
		now := time.Now().UTC()

		if input.Status != nil && *input.Status != order.Status {
			if config.StrictStatusTransitions() && !order.Status.CanTransitionTo(*input.Status) {
				return &models.ValidationError{
					Message: fmt.Sprintf("illegal status transition %s -> %s", order.Status, *input.Status),
				}
			}
			fields["status"] = *input.Status
			switch *input.Status {
			case models.OrderStatusShipped:
				fields["shipped_at"] = &now
				order.ShippedAt = &now
			case models.OrderStatusDelivered:
				fields["delivered_at"] = &now
				order.DeliveredAt = &now
			case models.OrderStatusCancelled:
				fields["cancelled_at"] = &now
				order.CancelledAt = &now
				for _, item := range order.Items {
					task, err := models.NewSideEffectTask(ctx, models.SideEffectStockRestore, models.ReferenceTypeOrder, order.ID,
						item.ProductId, item.VariantId(), models.StockRestorePayload{
							ProductId: item.ProductId,
							VariantId: item.VariantId(),
							Quantity:  item.Quantity,
							ActorId:   actorId,
						})
					if err != nil {
						return err
					}
					if err := tx.EnqueueSideEffect(ctx, task); err != nil {
						return err
					}
					taskIds = append(taskIds, task.ID)
				}
			}
			order.Status = *input.Status
		}

		if input.PaymentStatus != nil && *input.PaymentStatus != order.PaymentStatus {
			fields["payment_status"] = *input.PaymentStatus
			order.PaymentStatus = *input.PaymentStatus
		}
		if input.TrackingNumber != nil {
			fields["tracking_number"] = *input.TrackingNumber
			order.TrackingNumber = *input.TrackingNumber
		}
		if input.AdminNotes != nil {
			fields["admin_notes"] = *input.AdminNotes
			order.AdminNotes = *input.AdminNotes
		}

		if len(fields) > 0 {
			if err := tx.UpdateOrderFields(ctx, order.ID, fields); err != nil {
				return err
			}
		}
		updated = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(taskIds) > 0 {
		e.Logger.WithField("orderId", updated.ID).Info("order cancelled, stock restoration queued")
	}
	if config.InlineSideEffects() {
		e.Runner.RunInline(ctx, taskIds)
	}
	return updated, nil
}

// ArchiveOrder soft-deletes the order. Archived rows keep their ledger and
// vanish from default reads; a second archive is an ErrAlreadyDeleted, never
// a second write.
func (e *OrderEngine) ArchiveOrder(ctx context.Context, id string) error {
	return e.Store.InTransaction(ctx, func(tx models.TxStore) error {
		order, err := tx.FindOrderForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if order.DeletedAt != nil {
			return models.ErrAlreadyDeleted
		}
		now := time.Now().UTC()
		return tx.UpdateOrderFields(ctx, order.ID, map[string]interface{}{"deleted_at": &now})
	})
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"bitbucket.org/mmdatafocus/storefront_backend/config"
	"bitbucket.org/mmdatafocus/storefront_backend/models"
	"bitbucket.org/mmdatafocus/storefront_backend/utils"
)

// OrderEngine runs the order workflows against the persistence ports. All
// stock mutations it causes go through a single database transaction per
// request; post-commit work is enqueued as side-effect tasks.
type OrderEngine struct {
	Store  models.Store
	Runner *SideEffectRunner
	Logger *logrus.Logger
	Tracer trace.Tracer
}

func NewOrderEngine(store models.Store, runner *SideEffectRunner, logger *logrus.Logger) *OrderEngine {
	return &OrderEngine{Store: store, Runner: runner, Logger: logger}
}

// OrderCreationResult is what the HTTP layer renders after a successful
// creation. PaymentRedirect is set for online gateway methods, where the
// storefront must send the customer to the payment provider next.
type OrderCreationResult struct {
	Order              *models.Order `json:"order"`
	PaymentRedirect    bool          `json:"payment_redirect"`
	PaymentRedirectURL string        `json:"payment_redirect_url,omitempty"`
}

// CreateOrder validates the input, prices the items from current catalog
// data, and inside one transaction inserts the order and decrements every
// stock counter under row locks. Ledger rows and the confirmation email are
// enqueued in the same transaction and executed after commit.
func (e *OrderEngine) CreateOrder(ctx context.Context, input *models.NewOrder) (*OrderCreationResult, error) {
	if e.Tracer != nil {
		var span trace.Span
		ctx, span = e.Tracer.Start(ctx, "CreateOrder")
		defer span.End()
	}

	if err := validateNewOrder(input); err != nil {
		return nil, err
	}
	lines := mergeOrderLines(input.Items)

	actorId, _ := utils.GetActorIdFromContext(ctx)
	var created *models.Order
	var taskIds []int

	err := e.Store.InTransaction(ctx, func(tx models.TxStore) error {
		taskIds = taskIds[:0]

		order := &models.Order{
			ID:                      uuid.NewString(),
			OrderNumber:             utils.GenerateOrderNumber(time.Now()),
			CustomerId:              input.CustomerId,
			CustomerEmail:           strings.TrimSpace(input.CustomerEmail),
			CustomerName:            strings.TrimSpace(input.CustomerName),
			CustomerPhone:           strings.TrimSpace(input.CustomerPhone),
			CustomerPhoneNormalized: utils.NormalizePhone(input.CustomerPhone),
			ShippingAddress:         *input.ShippingAddress,
			BillingAddress:          *input.BillingAddress,
			ShippingMethod:          input.ShippingMethod,
			PaymentMethod:           input.PaymentMethod,
			PaymentStatus:           models.PaymentStatusPending,
			Status:                  models.OrderStatusPending,
			Notes:                   input.Notes,
		}

		// Price and availability come from the locked rows, so the numbers
		// cannot drift between check and decrement.
		subtotal := decimal.Zero
		for _, item := range lines {
			sale, err := tx.LockProductForSale(ctx, item.ProductId, item.VariantId())
			if err != nil {
				if errors.Is(err, utils.ErrorRecordNotFound) {
					return &models.ProductUnavailableError{ProductId: item.ProductId, VariantId: item.VariantId()}
				}
				return err
			}
			if !sale.Orderable() {
				return &models.ProductUnavailableError{ProductId: item.ProductId, VariantId: item.VariantId()}
			}
			if sale.Stock < item.Quantity {
				return &models.InsufficientStockError{
					ProductId:         item.ProductId,
					VariantId:         item.VariantId(),
					ProductName:       sale.Name,
					AvailableStock:    sale.Stock,
					RequestedQuantity: item.Quantity,
				}
			}

			lineTotal := sale.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
			subtotal = subtotal.Add(lineTotal)
			order.Items = append(order.Items, models.OrderItem{
				OrderId:         order.ID,
				ProductId:       item.ProductId,
				ProductName:     sale.Name,
				ProductSku:      sale.Sku,
				ProductImageUrl: sale.ImageUrl,
				Quantity:        item.Quantity,
				UnitPrice:       sale.Price,
				TotalPrice:      lineTotal,
				VariantInfo:     item.VariantInfo,
			})
		}

		// Client-sent totals override the computed ones when present; the
		// storefront is trusted to have applied promotions we do not model.
		if input.Subtotal != nil {
			subtotal = *input.Subtotal
		}
		order.Subtotal = subtotal
		if input.ShippingCost != nil {
			order.ShippingCost = *input.ShippingCost
		}
		if input.TaxAmount != nil {
			order.TaxAmount = *input.TaxAmount
		}
		order.Total = order.Subtotal.Add(order.TaxAmount).Add(order.ShippingCost).Sub(order.DiscountAmount)

		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}

		for _, item := range lines {
			previous, current, err := tx.DecrementStockForSale(ctx, item.ProductId, item.VariantId(), item.Quantity)
			if err != nil {
				return err
			}
			task, err := models.NewSideEffectTask(ctx, models.SideEffectLedgerAppend, models.ReferenceTypeOrder, order.ID,
				item.ProductId, item.VariantId(), models.LedgerAppendPayload{
					ProductId:     item.ProductId,
					VariantId:     item.VariantId(),
					Quantity:      -item.Quantity,
					PreviousStock: previous,
					NewStock:      current,
					OrderNumber:   order.OrderNumber,
					ActorId:       actorId,
				})
			if err != nil {
				return err
			}
			if err := tx.EnqueueSideEffect(ctx, task); err != nil {
				return err
			}
			taskIds = append(taskIds, task.ID)
		}

		// Gateway orders are only confirmed once payment succeeds, so the
		// confirmation email is not queued here for them.
		if !models.IsOnlineGateway(order.PaymentMethod) {
			task, err := models.NewSideEffectTask(ctx, models.SideEffectEmailConfirmation, models.ReferenceTypeOrder, order.ID,
				0, 0, models.EmailConfirmationPayload{
					To:          order.CustomerEmail,
					OrderNumber: order.OrderNumber,
					Name:        order.CustomerName,
				})
			if err != nil {
				return err
			}
			if err := tx.EnqueueSideEffect(ctx, task); err != nil {
				return err
			}
			taskIds = append(taskIds, task.ID)
		}

		created = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Logger.WithFields(logrus.Fields{
		"orderId":     created.ID,
		"orderNumber": created.OrderNumber,
		"items":       len(created.Items),
		"total":       created.Total.String(),
	}).Info("order created")

	if config.InlineSideEffects() {
		e.Runner.RunInline(ctx, taskIds)
	}

	result := &OrderCreationResult{Order: created}
	if models.IsOnlineGateway(created.PaymentMethod) {
		result.PaymentRedirect = true
		result.PaymentRedirectURL = paymentRedirectURL(created)
	}
	return result, nil
}

// mergeOrderLines folds repeated (product, variant) lines into one line with
// the summed quantity. Each counter is then locked and decremented exactly
// once per order, and the per-order side-effect dedup keys stay unique.
func mergeOrderLines(items []models.NewOrderItem) []models.NewOrderItem {
	merged := make([]models.NewOrderItem, 0, len(items))
	index := make(map[[2]int]int, len(items))
	for _, item := range items {
		key := [2]int{item.ProductId, item.VariantId()}
		if at, ok := index[key]; ok {
			merged[at].Quantity += item.Quantity
			continue
		}
		index[key] = len(merged)
		merged = append(merged, item)
	}
	return merged
}

func validateNewOrder(input *models.NewOrder) error {
	var missing []string
	if strings.TrimSpace(input.CustomerEmail) == "" {
		missing = append(missing, "customer_email")
	}
	if strings.TrimSpace(input.CustomerName) == "" {
		missing = append(missing, "customer_name")
	}
	if strings.TrimSpace(input.CustomerPhone) == "" {
		missing = append(missing, "customer_phone")
	}
	if input.ShippingAddress == nil {
		missing = append(missing, "shipping_address")
	}
	if input.BillingAddress == nil {
		missing = append(missing, "billing_address")
	}
	if strings.TrimSpace(input.PaymentMethod) == "" {
		missing = append(missing, "payment_method")
	}
	if len(input.Items) == 0 {
		missing = append(missing, "items")
	}
	if len(missing) > 0 {
		return &models.ValidationError{Missing: missing}
	}

	if !utils.IsValidEmail(input.CustomerEmail) {
		return &models.ValidationError{Message: "customer_email is invalid"}
	}
	if err := utils.ValidatePhoneNumber(input.CustomerPhone, utils.CountryCode); err != nil {
		return &models.ValidationError{Message: "customer_phone is invalid"}
	}
	for i, item := range input.Items {
		if item.ProductId <= 0 {
			return &models.ValidationError{Message: fmt.Sprintf("items[%d].product_id is invalid", i)}
		}
		if item.Quantity <= 0 {
			return &models.ValidationError{Message: fmt.Sprintf("items[%d].quantity must be positive", i)}
		}
	}
	return nil
}

func paymentRedirectURL(order *models.Order) string {
	base := strings.TrimSpace(os.Getenv("PAYMENT_REDIRECT_BASE_URL"))
	if base == "" {
		base = "/payment/" + order.PaymentMethod + "/create"
	}
	return fmt.Sprintf("%s?order_id=%s", base, order.ID)
}

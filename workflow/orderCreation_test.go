package workflow

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/storefront_backend/models"
)

var errTestMailDown = errors.New("mail relay down")

func newTestEngine(t *testing.T, products ...models.SaleProduct) (*OrderEngine, *fakeBackend, *fakeMailer) {
	t.Helper()
	backend := newFakeBackend(products...)
	mailer := &fakeMailer{}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	runner := NewSideEffectRunner(backend, backend, mailer, logger)
	return NewOrderEngine(backend, runner, logger), backend, mailer
}

func publishedProduct(productId int, price int64, stock int) models.SaleProduct {
	return models.SaleProduct{
		ProductId: productId,
		Name:      "Test Product",
		Sku:       "SKU-TEST",
		Price:     decimal.NewFromInt(price),
		Stock:     stock,
		Status:    models.ProductStatusPublished,
	}
}

func validInput(items ...models.NewOrderItem) *models.NewOrder {
	addr := &models.Address{
		Name: "Nguyen Van A", Phone: "0901234567",
		Street: "1 Le Loi", City: "HCMC", Country: "VN",
	}
	return &models.NewOrder{
		CustomerEmail:   "a@example.com",
		CustomerName:    "Nguyen Van A",
		CustomerPhone:   "090-123 4567",
		ShippingAddress: addr,
		BillingAddress:  addr,
		PaymentMethod:   "cod",
		Items:           items,
	}
}

func TestCreateOrder_HappyPath(t *testing.T) {
	engine, backend, mailer := newTestEngine(t, publishedProduct(1, 100, 5))

	result, err := engine.CreateOrder(context.Background(), validInput(
		models.NewOrderItem{ProductId: 1, Quantity: 2},
	))
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	order := result.Order

	if order.OrderNumber == "" || !strings.HasPrefix(order.OrderNumber, "ORD-") {
		t.Fatalf("unexpected order number %q", order.OrderNumber)
	}
	if !order.Subtotal.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("subtotal = %s, want 200", order.Subtotal)
	}
	if !order.Total.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("total = %s, want 200", order.Total)
	}
	if len(order.Items) != 1 || order.Items[0].ProductName != "Test Product" {
		t.Fatalf("item snapshot not frozen: %+v", order.Items)
	}
	if order.CustomerPhoneNormalized != "0901234567" {
		t.Fatalf("phone not normalized: %q", order.CustomerPhoneNormalized)
	}
	if got := backend.stock(1, 0); got != 3 {
		t.Fatalf("stock after order = %d, want 3", got)
	}

	// The ledger row must exist after a successful creation (inline kick).
	movements := backend.movementRows()
	if len(movements) != 1 {
		t.Fatalf("expected 1 ledger row, got %d", len(movements))
	}
	m := movements[0]
	if m.MovementType != models.MovementTypeSale || m.Quantity != -2 ||
		m.PreviousStock != 5 || m.NewStock != 3 {
		t.Fatalf("unexpected ledger row: %+v", m)
	}
	if m.ReferenceType != models.ReferenceTypeOrder || m.ReferenceId != order.ID {
		t.Fatalf("ledger row not linked to order: %+v", m)
	}

	// COD orders get a confirmation email right away.
	if mailer.sentCount() != 1 {
		t.Fatalf("expected 1 confirmation email, got %d", mailer.sentCount())
	}
	if result.PaymentRedirect {
		t.Fatal("cod order must not redirect to a payment gateway")
	}

	ledgerTask := backend.taskByType(models.SideEffectLedgerAppend)
	if ledgerTask == nil || ledgerTask.Status != models.SideEffectStatusSucceeded {
		t.Fatalf("ledger task not settled: %+v", ledgerTask)
	}
}

func TestCreateOrder_MissingFields(t *testing.T) {
	engine, backend, _ := newTestEngine(t, publishedProduct(1, 100, 5))

	_, err := engine.CreateOrder(context.Background(), &models.NewOrder{})
	var vErr *models.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	msg := vErr.Error()
	for _, field := range []string{"customer_email", "customer_name", "customer_phone",
		"shipping_address", "billing_address", "payment_method", "items"} {
		if !strings.Contains(msg, field) {
			t.Fatalf("validation message %q missing field %q", msg, field)
		}
	}
	if backend.orderCount() != 0 {
		t.Fatal("validation failure must not persist an order")
	}
}

func TestCreateOrder_InsufficientStock_NoSideEffects(t *testing.T) {
	engine, backend, mailer := newTestEngine(t, publishedProduct(1, 100, 1))

	_, err := engine.CreateOrder(context.Background(), validInput(
		models.NewOrderItem{ProductId: 1, Quantity: 5},
	))
	var stockErr *models.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if stockErr.AvailableStock != 1 || stockErr.RequestedQuantity != 5 || stockErr.ProductName != "Test Product" {
		t.Fatalf("error detail wrong: %+v", stockErr)
	}
	if backend.orderCount() != 0 {
		t.Fatal("no order row may survive the rollback")
	}
	if got := backend.stock(1, 0); got != 1 {
		t.Fatalf("stock changed on failed order: %d", got)
	}
	if len(backend.movementRows()) != 0 {
		t.Fatal("no ledger row may survive the rollback")
	}
	if mailer.sentCount() != 0 {
		t.Fatal("no email on failed order")
	}
}

func TestCreateOrder_SecondItemFailure_RollsBackFirst(t *testing.T) {
	engine, backend, _ := newTestEngine(t,
		publishedProduct(1, 100, 10),
		publishedProduct(2, 50, 1),
	)

	_, err := engine.CreateOrder(context.Background(), validInput(
		models.NewOrderItem{ProductId: 1, Quantity: 2},
		models.NewOrderItem{ProductId: 2, Quantity: 3},
	))
	var stockErr *models.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if got := backend.stock(1, 0); got != 10 {
		t.Fatalf("first item's stock leaked: %d, want 10", got)
	}
	if got := backend.stock(2, 0); got != 1 {
		t.Fatalf("second item's stock changed: %d, want 1", got)
	}
	if backend.orderCount() != 0 {
		t.Fatal("partial order persisted")
	}
}

func TestCreateOrder_UnpublishedProduct(t *testing.T) {
	draft := publishedProduct(7, 100, 5)
	draft.Status = models.ProductStatusDraft
	engine, backend, _ := newTestEngine(t, draft)

	_, err := engine.CreateOrder(context.Background(), validInput(
		models.NewOrderItem{ProductId: 7, Quantity: 1},
	))
	var unavailableErr *models.ProductUnavailableError
	if !errors.As(err, &unavailableErr) {
		t.Fatalf("expected ProductUnavailableError, got %v", err)
	}
	if backend.orderCount() != 0 {
		t.Fatal("order persisted for unpublished product")
	}
}

func TestCreateOrder_UnknownProduct(t *testing.T) {
	engine, _, _ := newTestEngine(t, publishedProduct(1, 100, 5))

	_, err := engine.CreateOrder(context.Background(), validInput(
		models.NewOrderItem{ProductId: 99, Quantity: 1},
	))
	var unavailableErr *models.ProductUnavailableError
	if !errors.As(err, &unavailableErr) {
		t.Fatalf("expected ProductUnavailableError, got %v", err)
	}
	if unavailableErr.ProductId != 99 {
		t.Fatalf("wrong product id in error: %d", unavailableErr.ProductId)
	}
}

func TestCreateOrder_OnlineGateway_RedirectsAndSkipsEmail(t *testing.T) {
	engine, backend, mailer := newTestEngine(t, publishedProduct(1, 100, 5))

	input := validInput(models.NewOrderItem{ProductId: 1, Quantity: 1})
	input.PaymentMethod = "zalopay"

	result, err := engine.CreateOrder(context.Background(), input)
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if !result.PaymentRedirect {
		t.Fatal("gateway order must set payment_redirect")
	}
	if !strings.Contains(result.PaymentRedirectURL, result.Order.ID) {
		t.Fatalf("redirect url %q does not carry the order id", result.PaymentRedirectURL)
	}
	if mailer.sentCount() != 0 {
		t.Fatal("gateway order must not send a confirmation email before payment")
	}
	if backend.taskByType(models.SideEffectEmailConfirmation) != nil {
		t.Fatal("no email task may be queued for gateway orders")
	}
	// Stock is still reserved immediately.
	if got := backend.stock(1, 0); got != 4 {
		t.Fatalf("stock after gateway order = %d, want 4", got)
	}
}

func TestCreateOrder_ClientTotalsOverride(t *testing.T) {
	engine, _, _ := newTestEngine(t, publishedProduct(1, 100, 5))

	input := validInput(models.NewOrderItem{ProductId: 1, Quantity: 2})
	subtotal := decimal.NewFromInt(150)
	shipping := decimal.NewFromInt(10)
	tax := decimal.NewFromInt(5)
	input.Subtotal = &subtotal
	input.ShippingCost = &shipping
	input.TaxAmount = &tax

	result, err := engine.CreateOrder(context.Background(), input)
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if !result.Order.Subtotal.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("subtotal = %s, want client override 150", result.Order.Subtotal)
	}
	if !result.Order.Total.Equal(decimal.NewFromInt(165)) {
		t.Fatalf("total = %s, want 165", result.Order.Total)
	}
	// Line items keep the catalog price regardless of the override.
	if !result.Order.Items[0].UnitPrice.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unit price = %s, want 100", result.Order.Items[0].UnitPrice)
	}
}

func TestCreateOrder_InvalidQuantity(t *testing.T) {
	engine, backend, _ := newTestEngine(t, publishedProduct(1, 100, 5))

	_, err := engine.CreateOrder(context.Background(), validInput(
		models.NewOrderItem{ProductId: 1, Quantity: 0},
	))
	var vErr *models.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if backend.orderCount() != 0 {
		t.Fatal("order persisted with zero quantity")
	}
}

func TestCreateOrder_EmailFailure_DoesNotFailOrder(t *testing.T) {
	engine, backend, mailer := newTestEngine(t, publishedProduct(1, 100, 5))
	mailer.setFail(true)

	result, err := engine.CreateOrder(context.Background(), validInput(
		models.NewOrderItem{ProductId: 1, Quantity: 1},
	))
	if err != nil {
		t.Fatalf("mail failure must not fail the order: %v", err)
	}
	if result.Order == nil {
		t.Fatal("order missing from result")
	}
	// The task stays retryable for the background dispatcher.
	emailTask := backend.taskByType(models.SideEffectEmailConfirmation)
	if emailTask == nil || emailTask.Status != models.SideEffectStatusFailed {
		t.Fatalf("email task should be FAILED for retry, got %+v", emailTask)
	}
	if emailTask.NextAttemptAt == nil {
		t.Fatal("failed task needs a next attempt time")
	}
}

func TestCreateOrder_DuplicateLinesMerged(t *testing.T) {
	engine, backend, _ := newTestEngine(t, publishedProduct(1, 100, 5))

	// Storefront carts may send the same product as separate lines.
	result, err := engine.CreateOrder(context.Background(), validInput(
		models.NewOrderItem{ProductId: 1, Quantity: 2},
		models.NewOrderItem{ProductId: 1, Quantity: 1},
	))
	if err != nil {
		t.Fatalf("CreateOrder with duplicate lines failed: %v", err)
	}
	order := result.Order

	if len(order.Items) != 1 {
		t.Fatalf("duplicate lines not merged: %d items", len(order.Items))
	}
	if order.Items[0].Quantity != 3 {
		t.Fatalf("merged quantity = %d, want 3", order.Items[0].Quantity)
	}
	if !order.Subtotal.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("subtotal = %s, want 300", order.Subtotal)
	}
	if got := backend.stock(1, 0); got != 2 {
		t.Fatalf("stock after order = %d, want 2", got)
	}

	movements := backend.movementRows()
	if len(movements) != 1 {
		t.Fatalf("expected 1 ledger row for the merged line, got %d", len(movements))
	}
	if movements[0].Quantity != -3 || movements[0].PreviousStock != 5 || movements[0].NewStock != 2 {
		t.Fatalf("merged ledger row wrong: %+v", movements[0])
	}
}

func TestCreateOrder_DuplicateLinesExceedStock(t *testing.T) {
	engine, backend, _ := newTestEngine(t, publishedProduct(1, 100, 3))

	_, err := engine.CreateOrder(context.Background(), validInput(
		models.NewOrderItem{ProductId: 1, Quantity: 2},
		models.NewOrderItem{ProductId: 1, Quantity: 2},
	))
	var stockErr *models.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if stockErr.RequestedQuantity != 4 || stockErr.AvailableStock != 3 {
		t.Fatalf("merged stock check wrong: %+v", stockErr)
	}
	if got := backend.stock(1, 0); got != 3 {
		t.Fatalf("stock changed on rejected order: %d", got)
	}
	if backend.orderCount() != 0 {
		t.Fatal("rejected order persisted")
	}
}

func TestCreateOrder_InvalidPhone(t *testing.T) {
	engine, backend, _ := newTestEngine(t, publishedProduct(1, 100, 5))

	input := validInput(models.NewOrderItem{ProductId: 1, Quantity: 1})
	input.CustomerPhone = "123"

	_, err := engine.CreateOrder(context.Background(), input)
	var vErr *models.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !strings.Contains(vErr.Error(), "customer_phone") {
		t.Fatalf("validation message %q does not name customer_phone", vErr.Error())
	}
	if backend.orderCount() != 0 {
		t.Fatal("order persisted with invalid phone")
	}
}

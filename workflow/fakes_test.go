package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/storefront_backend/models"
	"bitbucket.org/mmdatafocus/storefront_backend/notifier"
	"bitbucket.org/mmdatafocus/storefront_backend/utils"
)

// NOTE: These tests are intentionally DB-free. The fake backend implements the
// persistence ports with real transaction semantics (snapshot + rollback) so
// the workflows can be exercised end to end, including the post-commit
// side-effect execution.

type itemKey struct {
	productId int
	variantId int
}

type fakeState struct {
	products  map[itemKey]models.SaleProduct
	orders    map[string]*models.Order
	tasks     map[int]*models.SideEffectTask
	taskOrder []int
	movements []models.StockMovement
	nextTask  int
}

func (s *fakeState) clone() *fakeState {
	out := &fakeState{
		products:  make(map[itemKey]models.SaleProduct, len(s.products)),
		orders:    make(map[string]*models.Order, len(s.orders)),
		tasks:     make(map[int]*models.SideEffectTask, len(s.tasks)),
		taskOrder: append([]int(nil), s.taskOrder...),
		movements: append([]models.StockMovement(nil), s.movements...),
		nextTask:  s.nextTask,
	}
	for k, v := range s.products {
		out.products[k] = v
	}
	for id, o := range s.orders {
		c := *o
		c.Items = append([]models.OrderItem(nil), o.Items...)
		out.orders[id] = &c
	}
	for id, task := range s.tasks {
		c := *task
		out.tasks[id] = &c
	}
	return out
}

// fakeBackend implements models.Store, models.TaskStore and
// models.InventoryAccessor over in-memory state.
type fakeBackend struct {
	mu    sync.Mutex
	state *fakeState
}

func newFakeBackend(products ...models.SaleProduct) *fakeBackend {
	state := &fakeState{
		products: map[itemKey]models.SaleProduct{},
		orders:   map[string]*models.Order{},
		tasks:    map[int]*models.SideEffectTask{},
		nextTask: 1,
	}
	for _, p := range products {
		state.products[itemKey{p.ProductId, p.VariantId}] = p
	}
	return &fakeBackend{state: state}
}

func (b *fakeBackend) InTransaction(ctx context.Context, fn func(tx models.TxStore) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot := b.state.clone()
	if err := fn(&fakeTx{state: b.state}); err != nil {
		b.state = snapshot
		return err
	}
	return nil
}

func (b *fakeBackend) FindByID(ctx context.Context, id string) (*models.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.state.orders[id]
	if !ok || order.DeletedAt != nil {
		return nil, utils.ErrorRecordNotFound
	}
	c := *order
	return &c, nil
}

func (b *fakeBackend) FindByOrderNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, order := range b.state.orders {
		if order.OrderNumber == orderNumber && order.DeletedAt == nil {
			c := *order
			return &c, nil
		}
	}
	return nil, utils.ErrorRecordNotFound
}

func (b *fakeBackend) FindByPhone(ctx context.Context, rawPhone string) ([]*models.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	normalized := utils.NormalizePhone(rawPhone)
	var out []*models.Order
	for _, order := range b.state.orders {
		if order.DeletedAt != nil {
			continue
		}
		if order.CustomerPhoneNormalized == normalized ||
			strings.Contains(order.CustomerPhoneNormalized, normalized) {
			c := *order
			out = append(out, &c)
		}
	}
	if len(out) == 0 {
		return nil, utils.ErrorRecordNotFound
	}
	return out, nil
}

func (b *fakeBackend) List(ctx context.Context, filter models.OrderFilter) ([]*models.Order, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*models.Order
	for _, order := range b.state.orders {
		if order.DeletedAt != nil && !filter.IncludeArchived {
			continue
		}
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		if filter.CustomerId > 0 && order.CustomerId != filter.CustomerId {
			continue
		}
		c := *order
		out = append(out, &c)
	}
	return out, int64(len(out)), nil
}

// stock returns the live counter, panicking on unknown keys (test bug).
func (b *fakeBackend) stock(productId, variantId int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.state.products[itemKey{productId, variantId}]
	if !ok {
		panic("unknown product in test")
	}
	return p.Stock
}

func (b *fakeBackend) orderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.state.orders)
}

func (b *fakeBackend) movementRows() []models.StockMovement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.StockMovement(nil), b.state.movements...)
}

func (b *fakeBackend) taskByType(taskType models.SideEffectType) *models.SideEffectTask {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.state.taskOrder {
		if task := b.state.tasks[id]; task.TaskType == taskType {
			c := *task
			return &c
		}
	}
	return nil
}

type fakeTx struct {
	state *fakeState
}

func (tx *fakeTx) InsertOrder(ctx context.Context, order *models.Order) error {
	c := *order
	c.Items = append([]models.OrderItem(nil), order.Items...)
	c.CreatedAt = time.Now().UTC()
	tx.state.orders[order.ID] = &c
	return nil
}

func (tx *fakeTx) FindOrderForUpdate(ctx context.Context, id string) (*models.Order, error) {
	order, ok := tx.state.orders[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	c := *order
	c.Items = append([]models.OrderItem(nil), order.Items...)
	return &c, nil
}

func (tx *fakeTx) UpdateOrderFields(ctx context.Context, id string, fields map[string]interface{}) error {
	order, ok := tx.state.orders[id]
	if !ok {
		return utils.ErrorRecordNotFound
	}
	for column, value := range fields {
		switch column {
		case "status":
			order.Status = value.(models.OrderStatus)
		case "payment_status":
			order.PaymentStatus = value.(models.PaymentStatus)
		case "tracking_number":
			order.TrackingNumber = value.(string)
		case "admin_notes":
			order.AdminNotes = value.(string)
		case "shipped_at":
			order.ShippedAt = value.(*time.Time)
		case "delivered_at":
			order.DeliveredAt = value.(*time.Time)
		case "cancelled_at":
			order.CancelledAt = value.(*time.Time)
		case "deleted_at":
			order.DeletedAt = value.(*time.Time)
		}
	}
	return nil
}

func (tx *fakeTx) LockProductForSale(ctx context.Context, productId, variantId int) (*models.SaleProduct, error) {
	p, ok := tx.state.products[itemKey{productId, variantId}]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	c := p
	return &c, nil
}

func (tx *fakeTx) DecrementStockForSale(ctx context.Context, productId, variantId, qty int) (int, int, error) {
	key := itemKey{productId, variantId}
	p, ok := tx.state.products[key]
	if !ok {
		return 0, 0, utils.ErrorRecordNotFound
	}
	previous := p.Stock
	current := previous - qty
	if current < 0 {
		return 0, 0, &models.InsufficientStockError{
			ProductId:         productId,
			VariantId:         variantId,
			ProductName:       p.Name,
			AvailableStock:    previous,
			RequestedQuantity: qty,
		}
	}
	p.Stock = current
	tx.state.products[key] = p
	return previous, current, nil
}

func (tx *fakeTx) EnqueueSideEffect(ctx context.Context, task *models.SideEffectTask) error {
	// Mirrors the unique index on dedup_key.
	for _, existing := range tx.state.tasks {
		if existing.DedupKey == task.DedupKey {
			return fmt.Errorf("duplicate entry %q for key 'dedup_key'", task.DedupKey)
		}
	}
	task.ID = tx.state.nextTask
	tx.state.nextTask++
	c := *task
	tx.state.tasks[task.ID] = &c
	tx.state.taskOrder = append(tx.state.taskOrder, task.ID)
	return nil
}

func (b *fakeBackend) ClaimDue(ctx context.Context, batchSize int, staleBefore, now time.Time, maxAttempts int, workerId string) ([]models.SideEffectTask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var claimed []models.SideEffectTask
	for _, id := range b.state.taskOrder {
		if len(claimed) >= batchSize {
			break
		}
		task := b.state.tasks[id]
		due := task.Status == models.SideEffectStatusPending || task.Status == models.SideEffectStatusFailed
		if task.Status == models.SideEffectStatusProcessing && task.LockedAt != nil && task.LockedAt.Before(staleBefore) {
			due = true
		}
		if !due || (task.NextAttemptAt != nil && task.NextAttemptAt.After(now)) {
			continue
		}
		if task.Attempts >= maxAttempts {
			task.Status = models.SideEffectStatusDead
			continue
		}
		task.Status = models.SideEffectStatusProcessing
		task.Attempts++
		task.LockedAt = &now
		task.LockedBy = &workerId
		claimed = append(claimed, *task)
	}
	return claimed, nil
}

func (b *fakeBackend) ClaimByIds(ctx context.Context, ids []int, workerId string) ([]models.SideEffectTask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	var claimed []models.SideEffectTask
	for _, id := range ids {
		task, ok := b.state.tasks[id]
		if !ok || task.Status != models.SideEffectStatusPending {
			continue
		}
		task.Status = models.SideEffectStatusProcessing
		task.Attempts++
		task.LockedAt = &now
		task.LockedBy = &workerId
		claimed = append(claimed, *task)
	}
	return claimed, nil
}

func (b *fakeBackend) MarkSucceeded(ctx context.Context, id int, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	task, ok := b.state.tasks[id]
	if !ok {
		return utils.ErrorRecordNotFound
	}
	task.Status = models.SideEffectStatusSucceeded
	task.ProcessedAt = &now
	task.LockedAt = nil
	task.LockedBy = nil
	return nil
}

func (b *fakeBackend) MarkFailed(ctx context.Context, id int, errMsg string, nextAttemptAt *time.Time, dead bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	task, ok := b.state.tasks[id]
	if !ok {
		return utils.ErrorRecordNotFound
	}
	if dead {
		task.Status = models.SideEffectStatusDead
	} else {
		task.Status = models.SideEffectStatusFailed
	}
	task.LastError = &errMsg
	task.NextAttemptAt = nextAttemptAt
	task.LockedAt = nil
	task.LockedBy = nil
	return nil
}

func (b *fakeBackend) GetStock(ctx context.Context, productId, variantId int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.state.products[itemKey{productId, variantId}]
	if !ok {
		return 0, utils.ErrorRecordNotFound
	}
	return p.Stock, nil
}

func (b *fakeBackend) ChangeStock(ctx context.Context, input models.ChangeStockInput) (*models.StockMovement, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := itemKey{input.ProductId, input.VariantId}
	p, ok := b.state.products[key]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	previous := p.Stock
	current := previous + input.Delta
	if current < 0 {
		return nil, &models.InsufficientStockError{
			ProductId:         input.ProductId,
			VariantId:         input.VariantId,
			ProductName:       p.Name,
			AvailableStock:    previous,
			RequestedQuantity: -input.Delta,
		}
	}
	p.Stock = current
	b.state.products[key] = p
	movement := models.StockMovement{
		ProductId:     input.ProductId,
		VariantId:     input.VariantId,
		MovementType:  input.MovementType,
		Quantity:      input.Delta,
		PreviousStock: previous,
		NewStock:      current,
		ReferenceType: input.ReferenceType,
		ReferenceId:   input.ReferenceId,
		Notes:         input.Notes,
		CreatedBy:     input.ActorId,
		CorrelationId: input.CorrelationId,
		CreatedAt:     time.Now().UTC(),
	}
	b.state.movements = append(b.state.movements, movement)
	return &movement, nil
}

func (b *fakeBackend) HasMovement(ctx context.Context, refType models.ReferenceType, refId string, productId, variantId int, movementType models.MovementType) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.state.movements {
		if m.ReferenceType == refType && m.ReferenceId == refId &&
			m.ProductId == productId && m.VariantId == variantId && m.MovementType == movementType {
			return true, nil
		}
	}
	return false, nil
}

func (b *fakeBackend) AppendMovement(ctx context.Context, movement *models.StockMovement) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := *movement
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	b.state.movements = append(b.state.movements, c)
	return nil
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []notifier.Email
	fail bool
}

func (m *fakeMailer) SendEmail(ctx context.Context, email notifier.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errTestMailDown
	}
	m.sent = append(m.sent, email)
	return nil
}

func (m *fakeMailer) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *fakeMailer) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

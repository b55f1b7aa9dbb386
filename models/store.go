package models

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mmdatafocus/storefront_backend/config"
	"bitbucket.org/mmdatafocus/storefront_backend/utils"
)

// GormStore is the MySQL adapter behind the Store port. The same struct
// serves as TxStore inside a transaction (InTransaction swaps the handle).
type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

func (s *GormStore) InTransaction(ctx context.Context, fn func(tx TxStore) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{DB: tx})
	})
}

func (s *GormStore) FindByID(ctx context.Context, id string) (*Order, error) {
	var order Order
	err := s.DB.WithContext(ctx).
		Preload("Items").
		Where("id = ? AND deleted_at IS NULL", id).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (s *GormStore) FindByOrderNumber(ctx context.Context, orderNumber string) (*Order, error) {
	var order Order
	err := s.DB.WithContext(ctx).
		Preload("Items").
		Where("order_number = ? AND deleted_at IS NULL", orderNumber).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (s *GormStore) FindByPhone(ctx context.Context, rawPhone string) ([]*Order, error) {
	normalized := utils.NormalizePhone(rawPhone)
	if normalized == "" {
		return nil, utils.ErrorRecordNotFound
	}

	var orders []*Order
	err := s.DB.WithContext(ctx).
		Preload("Items").
		Where("customer_phone_normalized = ? AND deleted_at IS NULL", normalized).
		Order("created_at DESC").
		Limit(config.SearchLimit).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		// Legacy rows were stored with inconsistent formatting; fall back to a
		// contains match on the normalized column.
		err = s.DB.WithContext(ctx).
			Preload("Items").
			Where("customer_phone_normalized LIKE ? AND deleted_at IS NULL", "%"+normalized+"%").
			Order("created_at DESC").
			Limit(config.SearchLimit).
			Find(&orders).Error
		if err != nil {
			return nil, err
		}
	}
	if len(orders) == 0 {
		return nil, utils.ErrorRecordNotFound
	}
	return orders, nil
}

// Normalize applies the paging bounds List enforces, so callers can echo the
// effective page size.
func (f *OrderFilter) Normalize() {
	if f.Limit <= 0 || f.Limit > config.SearchLimit {
		f.Limit = config.SearchLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

func (s *GormStore) List(ctx context.Context, filter OrderFilter) ([]*Order, int64, error) {
	filter.Normalize()
	q := s.DB.WithContext(ctx).Model(&Order{})
	if !filter.IncludeArchived {
		q = q.Where("deleted_at IS NULL")
	}
	if filter.CustomerId > 0 {
		q = q.Where("customer_id = ?", filter.CustomerId)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var orders []*Order
	err := q.Preload("Items").
		Order("created_at DESC").
		Limit(filter.Limit).
		Offset(filter.Offset).
		Find(&orders).Error
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func (s *GormStore) InsertOrder(ctx context.Context, order *Order) error {
	return s.DB.WithContext(ctx).Create(order).Error
}

func (s *GormStore) FindOrderForUpdate(ctx context.Context, id string) (*Order, error) {
	var order Order
	err := s.DB.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if err := s.DB.WithContext(ctx).Where("order_id = ?", id).Find(&order.Items).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *GormStore) UpdateOrderFields(ctx context.Context, id string, fields map[string]interface{}) error {
	return s.DB.WithContext(ctx).Model(&Order{}).
		Where("id = ?", id).
		Updates(fields).Error
}

func (s *GormStore) LockProductForSale(ctx context.Context, productId, variantId int) (*SaleProduct, error) {
	return lockSaleProduct(ctx, s.DB, productId, variantId)
}

func (s *GormStore) DecrementStockForSale(ctx context.Context, productId, variantId, qty int) (int, int, error) {
	// The counter row is already locked by LockProductForSale within this
	// transaction; re-reading under the same lock is cheap and keeps the
	// guard in one place.
	sale, err := lockSaleProduct(ctx, s.DB, productId, variantId)
	if err != nil {
		return 0, 0, err
	}
	newStock := sale.Stock - qty
	if newStock < 0 {
		return 0, 0, &InsufficientStockError{
			ProductId:         productId,
			VariantId:         variantId,
			ProductName:       sale.Name,
			AvailableStock:    sale.Stock,
			RequestedQuantity: qty,
		}
	}
	if err := writeStockCounter(ctx, s.DB, productId, variantId, newStock); err != nil {
		return 0, 0, err
	}
	return sale.Stock, newStock, nil
}

func (s *GormStore) EnqueueSideEffect(ctx context.Context, task *SideEffectTask) error {
	return EnqueueSideEffect(ctx, s.DB, task)
}

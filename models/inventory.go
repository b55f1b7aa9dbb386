package models

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mmdatafocus/storefront_backend/utils"
)

// ChangeStockInput describes one guarded counter mutation. Delta is signed;
// negative decreases stock. VariantId 0 targets the product's own counter.
type ChangeStockInput struct {
	ProductId     int
	VariantId     int
	Delta         int
	MovementType  MovementType
	ReferenceType ReferenceType
	ReferenceId   string
	Notes         string
	ActorId       string
	CorrelationId string
}

// GormInventory is the MySQL adapter behind the InventoryAccessor port.
// Row-level locking during the guarded UPDATE is the concurrency boundary:
// two concurrent orders for the last unit serialize on the counter row and
// the loser fails the guard.
type GormInventory struct {
	DB *gorm.DB
}

func NewGormInventory(db *gorm.DB) *GormInventory {
	return &GormInventory{DB: db}
}

func (inv *GormInventory) GetStock(ctx context.Context, productId, variantId int) (int, error) {
	db := inv.DB.WithContext(ctx)
	if variantId > 0 {
		var v ProductVariant
		if err := db.Where("id = ? AND product_id = ?", variantId, productId).First(&v).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return 0, utils.ErrorRecordNotFound
			}
			return 0, err
		}
		return v.Stock, nil
	}
	var p Product
	if err := db.First(&p, productId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, utils.ErrorRecordNotFound
		}
		return 0, err
	}
	return p.Stock, nil
}

func (inv *GormInventory) ChangeStock(ctx context.Context, input ChangeStockInput) (*StockMovement, error) {
	var created *StockMovement
	err := inv.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		movement, err := changeStockTx(ctx, tx, input)
		if err != nil {
			return err
		}
		created = movement
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (inv *GormInventory) HasMovement(ctx context.Context, refType ReferenceType, refId string, productId, variantId int, movementType MovementType) (bool, error) {
	var count int64
	err := inv.DB.WithContext(ctx).Model(&StockMovement{}).
		Where("reference_type = ? AND reference_id = ? AND product_id = ? AND variant_id = ? AND movement_type = ?",
			refType, refId, productId, variantId, movementType).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (inv *GormInventory) AppendMovement(ctx context.Context, movement *StockMovement) error {
	return inv.DB.WithContext(ctx).Create(movement).Error
}

// changeStockTx reads the counter under a row lock, guards against going
// negative, writes the new counter and appends the ledger row — all inside
// the caller's transaction.
func changeStockTx(ctx context.Context, tx *gorm.DB, input ChangeStockInput) (*StockMovement, error) {
	sale, err := lockSaleProduct(ctx, tx, input.ProductId, input.VariantId)
	if err != nil {
		return nil, err
	}

	newStock := sale.Stock + input.Delta
	if newStock < 0 {
		return nil, &InsufficientStockError{
			ProductId:         input.ProductId,
			VariantId:         input.VariantId,
			ProductName:       sale.Name,
			AvailableStock:    sale.Stock,
			RequestedQuantity: -input.Delta,
		}
	}

	if err := writeStockCounter(ctx, tx, input.ProductId, input.VariantId, newStock); err != nil {
		return nil, err
	}

	movement := &StockMovement{
		ProductId:     input.ProductId,
		VariantId:     input.VariantId,
		MovementType:  input.MovementType,
		Quantity:      input.Delta,
		PreviousStock: sale.Stock,
		NewStock:      newStock,
		ReferenceType: input.ReferenceType,
		ReferenceId:   input.ReferenceId,
		Notes:         input.Notes,
		CreatedBy:     input.ActorId,
		CorrelationId: input.CorrelationId,
	}
	if movement.CorrelationId == "" {
		movement.CorrelationId = correlationIdFromContextOrNew(ctx)
	}
	if err := tx.WithContext(ctx).Create(movement).Error; err != nil {
		return nil, err
	}
	return movement, nil
}

// lockSaleProduct row-locks the counter row and returns the sale view:
// effective price (variant override or product price), current stock and the
// snapshot fields order items freeze at purchase time.
func lockSaleProduct(ctx context.Context, tx *gorm.DB, productId, variantId int) (*SaleProduct, error) {
	if variantId > 0 {
		var variant ProductVariant
		err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND product_id = ?", variantId, productId).
			First(&variant).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, utils.ErrorRecordNotFound
			}
			return nil, err
		}
		var product Product
		if err := tx.WithContext(ctx).First(&product, productId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, utils.ErrorRecordNotFound
			}
			return nil, err
		}
		price := product.Price
		if variant.Price != nil {
			price = *variant.Price
		}
		sku := variant.Sku
		if sku == "" {
			sku = product.Sku
		}
		return &SaleProduct{
			ProductId: product.ID,
			VariantId: variant.ID,
			Name:      product.Name,
			Sku:       sku,
			Price:     price,
			Stock:     variant.Stock,
			ImageUrl:  product.ImageUrl,
			Status:    product.Status,
		}, nil
	}

	var product Product
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&product, productId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &SaleProduct{
		ProductId: product.ID,
		Name:      product.Name,
		Sku:       product.Sku,
		Price:     product.Price,
		Stock:     product.Stock,
		ImageUrl:  product.ImageUrl,
		Status:    product.Status,
	}, nil
}

func writeStockCounter(ctx context.Context, tx *gorm.DB, productId, variantId, newStock int) error {
	if variantId > 0 {
		return tx.WithContext(ctx).Model(&ProductVariant{}).
			Where("id = ?", variantId).
			Update("stock", newStock).Error
	}
	return tx.WithContext(ctx).Model(&Product{}).
		Where("id = ?", productId).
		Update("stock", newStock).Error
}

package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/storefront_backend/utils"
)

// StockSettings is per product/variant inventory configuration. One row per
// (product_id, variant_id) pair; variant_id 0 means the product itself.
// Created lazily on first configuration, updated in place afterwards.
type StockSettings struct {
	ID                int       `gorm:"primary_key" json:"id"`
	ProductId         int       `gorm:"uniqueIndex:idx_stock_settings_item,priority:1;not null" json:"product_id"`
	VariantId         int       `gorm:"uniqueIndex:idx_stock_settings_item,priority:2;default:0" json:"variant_id"`
	LowStockThreshold int       `gorm:"default:0" json:"low_stock_threshold"`
	ReorderPoint      int       `gorm:"default:0" json:"reorder_point"`
	ReorderQuantity   int       `gorm:"default:0" json:"reorder_quantity"`
	TrackInventory    *bool     `gorm:"not null;default:true" json:"track_inventory"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewStockSettings struct {
	ProductId         int   `json:"product_id" binding:"required"`
	VariantId         int   `json:"variant_id"`
	LowStockThreshold int   `json:"low_stock_threshold"`
	ReorderPoint      int   `json:"reorder_point"`
	ReorderQuantity   int   `json:"reorder_quantity"`
	TrackInventory    *bool `json:"track_inventory"`
}

// UpsertStockSettings creates the row on first configuration and updates it
// in place afterwards.
func UpsertStockSettings(ctx context.Context, db *gorm.DB, input *NewStockSettings) (*StockSettings, error) {
	var existing StockSettings
	err := db.WithContext(ctx).
		Where("product_id = ? AND variant_id = ?", input.ProductId, input.VariantId).
		First(&existing).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		track := input.TrackInventory
		if track == nil {
			track = utils.NewTrue()
		}
		created := StockSettings{
			ProductId:         input.ProductId,
			VariantId:         input.VariantId,
			LowStockThreshold: input.LowStockThreshold,
			ReorderPoint:      input.ReorderPoint,
			ReorderQuantity:   input.ReorderQuantity,
			TrackInventory:    track,
		}
		if err := db.WithContext(ctx).Create(&created).Error; err != nil {
			return nil, err
		}
		return &created, nil
	}

	updates := map[string]interface{}{
		"low_stock_threshold": input.LowStockThreshold,
		"reorder_point":       input.ReorderPoint,
		"reorder_quantity":    input.ReorderQuantity,
	}
	if input.TrackInventory != nil {
		updates["track_inventory"] = *input.TrackInventory
	}
	if err := db.WithContext(ctx).Model(&StockSettings{}).
		Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
		return nil, err
	}
	return &existing, db.WithContext(ctx).First(&existing, existing.ID).Error
}

// LowStockRow is the explicit result shape of the low-stock listing.
type LowStockRow struct {
	ProductId         int    `json:"product_id"`
	VariantId         int    `json:"variant_id"`
	Name              string `json:"name"`
	Sku               string `json:"sku"`
	Stock             int    `json:"stock"`
	LowStockThreshold int    `json:"low_stock_threshold"`
}

// ListLowStock returns every tracked product/variant whose counter is at or
// below its configured threshold.
func ListLowStock(ctx context.Context, db *gorm.DB) ([]LowStockRow, error) {
	rows := make([]LowStockRow, 0)

	productSQL := `
	SELECT
		s.product_id, s.variant_id, p.name, p.sku, p.stock, s.low_stock_threshold
	FROM
		stock_settings s
		JOIN products p ON p.id = s.product_id
	WHERE
		s.variant_id = 0
		AND s.track_inventory = 1
		AND p.stock <= s.low_stock_threshold
`
	if err := db.WithContext(ctx).Raw(productSQL).Scan(&rows).Error; err != nil {
		return nil, err
	}

	variantRows := make([]LowStockRow, 0)
	variantSQL := `
	SELECT
		s.product_id, s.variant_id, v.name, v.sku, v.stock, s.low_stock_threshold
	FROM
		stock_settings s
		JOIN product_variants v ON v.id = s.variant_id
	WHERE
		s.variant_id > 0
		AND s.track_inventory = 1
		AND v.stock <= s.low_stock_threshold
`
	if err := db.WithContext(ctx).Raw(variantSQL).Scan(&variantRows).Error; err != nil {
		return nil, err
	}

	return append(rows, variantRows...), nil
}

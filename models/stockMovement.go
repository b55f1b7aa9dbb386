package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StockMovement is one append-only ledger row. Rows are never updated or
// deleted; together they form an audit trail independent of the current
// stock counter. new_stock == previous_stock + quantity always holds.
type StockMovement struct {
	ID            string        `gorm:"size:36;primary_key" json:"id"` // uuid
	ProductId     int           `gorm:"index:idx_stock_move_item,priority:1;not null" json:"product_id"`
	VariantId     int           `gorm:"index:idx_stock_move_item,priority:2;default:0" json:"variant_id"` // 0 = the product itself
	MovementType  MovementType  `gorm:"type:enum('sale','purchase','adjustment','return','transfer','damage');not null" json:"movement_type"`
	Quantity      int           `gorm:"not null" json:"quantity"` // negative = decrease
	PreviousStock int           `gorm:"not null" json:"previous_stock"`
	NewStock      int           `gorm:"not null" json:"new_stock"`
	ReferenceType ReferenceType `gorm:"size:20;index:idx_stock_move_ref,priority:1" json:"reference_type"`
	ReferenceId   string        `gorm:"size:36;index:idx_stock_move_ref,priority:2" json:"reference_id"`
	Notes         string        `gorm:"type:text" json:"notes"`
	CreatedBy     string        `gorm:"size:64" json:"created_by"`
	CorrelationId string        `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time     `gorm:"autoCreateTime" json:"created_at"`
}

func (m *StockMovement) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

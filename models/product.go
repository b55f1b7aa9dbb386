package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalog collaborator surface the order engine depends on:
// price, stock, name, sku, status. Catalog management itself lives elsewhere.
type Product struct {
	ID          int              `gorm:"primary_key" json:"id"`
	Name        string           `gorm:"size:255;not null" json:"name"`
	Sku         string           `gorm:"size:100;uniqueIndex" json:"sku"`
	Description string           `gorm:"type:text" json:"description"`
	Price       decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"price"`
	Stock       int              `gorm:"not null;default:0" json:"stock"`
	ImageUrl    string           `gorm:"size:512" json:"image_url"`
	Status      ProductStatus    `gorm:"type:enum('draft','published','archived');default:'draft'" json:"status"`
	CreatedAt   time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
	Variants    []ProductVariant `gorm:"foreignKey:ProductId" json:"variants,omitempty"`
}

// ProductVariant carries its own stock counter and optional price override.
type ProductVariant struct {
	ID        int              `gorm:"primary_key" json:"id"`
	ProductId int              `gorm:"index;not null" json:"product_id"`
	Name      string           `gorm:"size:255;not null" json:"name"`
	Sku       string           `gorm:"size:100" json:"sku"`
	Price     *decimal.Decimal `gorm:"type:decimal(20,4)" json:"price"` // nil = inherit product price
	Stock     int              `gorm:"not null;default:0" json:"stock"`
	CreatedAt time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// SaleProduct is the explicit per-query result struct handed to the order
// workflow. VariantId is zero when the sale is against the base product.
type SaleProduct struct {
	ProductId int
	VariantId int
	Name      string
	Sku       string
	Price     decimal.Decimal
	Stock     int
	ImageUrl  string
	Status    ProductStatus
}

func (p SaleProduct) Orderable() bool {
	return p.Status == ProductStatusPublished
}

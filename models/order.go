package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/storefront_backend/utils"
)

// Address is the structured blob embedded on the order row. It is a snapshot:
// later edits to a customer's saved addresses never alter historical orders.
type Address struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Street     string `json:"street"`
	Street2    string `json:"street2,omitempty"`
	City       string `json:"city"`
	District   string `json:"district,omitempty"`
	Ward       string `json:"ward,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country"`
}

// VariantInfo identifies the chosen variant on an order line. VariantId is
// what inventory operations key on; the rest is display data.
type VariantInfo struct {
	VariantId int               `json:"variantId,omitempty"`
	Name      string            `json:"name,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
}

type Order struct {
	ID          string `gorm:"size:36;primary_key" json:"id"` // uuid
	OrderNumber string `gorm:"size:32;uniqueIndex;not null" json:"order_number"`

	// Customer snapshot. CustomerPhoneNormalized is derived at write time and
	// serves the unauthenticated phone lookup.
	CustomerId              int    `gorm:"index" json:"customer_id,omitempty"`
	CustomerEmail           string `gorm:"size:100;not null" json:"customer_email"`
	CustomerName            string `gorm:"size:100;not null" json:"customer_name"`
	CustomerPhone           string `gorm:"size:32;not null" json:"customer_phone"`
	CustomerPhoneNormalized string `gorm:"size:32;index;not null" json:"-"`

	Subtotal       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"subtotal"`
	TaxAmount      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"tax_amount"`
	ShippingCost   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"shipping_cost"`
	DiscountAmount decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount_amount"`
	Total          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total"`

	ShippingAddress Address `gorm:"serializer:json" json:"shipping_address"`
	BillingAddress  Address `gorm:"serializer:json" json:"billing_address"`

	ShippingMethod string        `gorm:"size:50" json:"shipping_method"`
	PaymentMethod  string        `gorm:"size:50;not null" json:"payment_method"`
	PaymentStatus  PaymentStatus `gorm:"type:enum('pending','paid','failed','refunded');default:'pending'" json:"payment_status"`
	Status         OrderStatus   `gorm:"type:enum('pending','processing','shipped','delivered','cancelled');default:'pending';index" json:"status"`
	TrackingNumber string        `gorm:"size:100" json:"tracking_number"`
	Notes          string        `gorm:"type:text" json:"notes"`
	AdminNotes     string        `gorm:"type:text" json:"admin_notes"`

	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	ShippedAt   *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	// Soft-delete marker. Set at most once, never cleared; rows are kept for
	// financial audit.
	DeletedAt *time.Time `gorm:"index" json:"deleted_at,omitempty"`

	Items []OrderItem `gorm:"foreignKey:OrderId" json:"items"`
}

func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CustomerPhoneNormalized == "" {
		o.CustomerPhoneNormalized = utils.NormalizePhone(o.CustomerPhone)
	}
	return nil
}

// OrderItem is owned exclusively by its Order: created with it, conceptually
// invalidated by its archive, never reused. Product fields are frozen at
// order time so catalog edits never alter historical orders.
type OrderItem struct {
	ID              int             `gorm:"primary_key" json:"id"`
	OrderId         string          `gorm:"size:36;index;not null" json:"order_id"`
	ProductId       int             `gorm:"index;not null" json:"product_id"`
	ProductName     string          `gorm:"size:255;not null" json:"product_name"`
	ProductSku      string          `gorm:"size:100" json:"product_sku"`
	ProductImageUrl string          `gorm:"size:512" json:"product_image_url"`
	Quantity        int             `gorm:"not null" json:"quantity"`
	UnitPrice       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_price"`
	// total_price == unit_price * quantity at creation time; never recomputed.
	TotalPrice  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"total_price"`
	VariantInfo *VariantInfo    `gorm:"serializer:json" json:"variant_info,omitempty"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// VariantId is the inventory key carried (optionally) by the line's variant
// info blob. Zero means the base product.
func (it OrderItem) VariantId() int {
	if it.VariantInfo == nil {
		return 0
	}
	return it.VariantInfo.VariantId
}

// NewOrder is the order-creation request body. Required-field enforcement is
// done by the creation workflow so the error can list every missing field.
type NewOrder struct {
	CustomerId      int            `json:"customer_id"`
	CustomerEmail   string         `json:"customer_email"`
	CustomerName    string         `json:"customer_name"`
	CustomerPhone   string         `json:"customer_phone"`
	ShippingAddress *Address       `json:"shipping_address"`
	BillingAddress  *Address       `json:"billing_address"`
	ShippingMethod  string         `json:"shipping_method"`
	PaymentMethod   string         `json:"payment_method"`
	Items           []NewOrderItem `json:"items"`
	Notes           string         `json:"notes"`

	// Client-calculated totals. When present they override the server-side
	// computation (observed behavior of the original system; the client is
	// trusted here).
	Subtotal     *decimal.Decimal `json:"subtotal"`
	ShippingCost *decimal.Decimal `json:"shipping_cost"`
	TaxAmount    *decimal.Decimal `json:"tax_amount"`
}

type NewOrderItem struct {
	ProductId   int          `json:"product_id"`
	Quantity    int          `json:"quantity"`
	VariantInfo *VariantInfo `json:"variant_info"`
}

func (it NewOrderItem) VariantId() int {
	if it.VariantInfo == nil {
		return 0
	}
	return it.VariantInfo.VariantId
}

// UpdateOrderInput is the operational order-update body. Nil means "leave
// unchanged".
type UpdateOrderInput struct {
	Status         *OrderStatus   `json:"status"`
	PaymentStatus  *PaymentStatus `json:"payment_status"`
	TrackingNumber *string        `json:"tracking_number"`
	AdminNotes     *string        `json:"admin_notes"`
}

// OrderFilter shapes the operational listing query.
type OrderFilter struct {
	CustomerId      int
	Status          OrderStatus
	IncludeArchived bool
	Limit           int
	Offset          int
}

package models

// OrderStatus is the fulfilment state of an order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the documented status graph allows
// moving from s to next. Only consulted when STRICT_STATUS_TRANSITIONS
// is enabled; the permissive default accepts any valid value.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case OrderStatusPending:
		return next == OrderStatusProcessing || next == OrderStatusCancelled
	case OrderStatusProcessing:
		return next == OrderStatusShipped || next == OrderStatusCancelled
	case OrderStatusShipped:
		return next == OrderStatusDelivered || next == OrderStatusCancelled
	}
	// delivered and cancelled are terminal
	return false
}

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// MovementType classifies a stock ledger entry.
type MovementType string

const (
	MovementTypeSale       MovementType = "sale"
	MovementTypePurchase   MovementType = "purchase"
	MovementTypeAdjustment MovementType = "adjustment"
	MovementTypeReturn     MovementType = "return"
	MovementTypeTransfer   MovementType = "transfer"
	MovementTypeDamage     MovementType = "damage"
)

func (m MovementType) Valid() bool {
	switch m {
	case MovementTypeSale, MovementTypePurchase, MovementTypeAdjustment,
		MovementTypeReturn, MovementTypeTransfer, MovementTypeDamage:
		return true
	}
	return false
}

// ReferenceType identifies the business event a ledger entry or side-effect
// task points back to. The reference is weak: the referenced row may be
// archived later without invalidating the ledger.
type ReferenceType string

const (
	ReferenceTypeOrder  ReferenceType = "order"
	ReferenceTypeManual ReferenceType = "manual"
)

type ProductStatus string

const (
	ProductStatusDraft     ProductStatus = "draft"
	ProductStatusPublished ProductStatus = "published"
	ProductStatusArchived  ProductStatus = "archived"
)

// PaymentMethodZaloPay is the online gateway case: order creation returns a
// payment-redirect signal instead of sending the confirmation email.
const PaymentMethodZaloPay = "zalopay"

// IsOnlineGateway reports whether the payment method requires an external
// payment-creation call after order creation.
func IsOnlineGateway(paymentMethod string) bool {
	return paymentMethod == PaymentMethodZaloPay
}

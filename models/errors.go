package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAlreadyDeleted is returned when archiving an order whose deleted_at
	// is already set. The row is left untouched.
	ErrAlreadyDeleted = errors.New("order already archived")
)

// ValidationError carries the names of missing/malformed required fields so
// the HTTP layer can render "Missing required fields: ...".
type ValidationError struct {
	Missing []string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "Missing required fields: " + strings.Join(e.Missing, ", ")
}

// ProductUnavailableError means the referenced product does not exist or is
// not published.
type ProductUnavailableError struct {
	ProductId int
	VariantId int
}

func (e *ProductUnavailableError) Error() string {
	if e.VariantId > 0 {
		return fmt.Sprintf("product %d variant %d is not available", e.ProductId, e.VariantId)
	}
	return fmt.Sprintf("product %d is not available", e.ProductId)
}

// InsufficientStockError carries enough detail for the UI to show "only N left".
type InsufficientStockError struct {
	ProductId         int
	VariantId         int
	ProductName       string
	AvailableStock    int
	RequestedQuantity int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %q: available %d, requested %d",
		e.ProductName, e.AvailableStock, e.RequestedQuantity)
}

package services

import "errors"

var (
	// ErrUnknownCategory indicates the requested category is not in the configured table.
	ErrUnknownCategory = errors.New("reconciliation service: unknown category")
	// ErrRecalculationInProgress indicates another run already holds the category lease.
	ErrRecalculationInProgress = errors.New("reconciliation service: recalculation already in progress")
	// ErrProductNotFound indicates neither the bulk catalog nor the truth system knows the SKU.
	ErrProductNotFound = errors.New("product service: product not found")
)

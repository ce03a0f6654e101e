package models

import "errors"

// Error categories shared across the messaging core. Crypto failures always
// fail closed; sync-time network failures are retryable per entry.
const (
	CategoryValidation  = "validation"
	CategoryCrypto      = "crypto"
	CategoryNotFound    = "not_found"
	CategoryPermission  = "permission"
	CategoryNetwork     = "network"
	CategoryStorageFull = "storage_full"
	CategoryCorrupted   = "corrupted"
)

type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	if e.Err == nil {
		return e.Category
	}
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

func Categorize(category string, err error) error {
	if err == nil {
		return nil
	}
	return &CategorizedError{Category: category, Err: err}
}

// ErrorCategory classifies err for callers and metrics labels. Uncategorized
// errors are treated as transient network failures, the only retryable class.
func ErrorCategory(err error) string {
	var classified *CategorizedError
	if errors.As(err, &classified) {
		return classified.Category
	}
	return CategoryNetwork
}

func IsCategory(err error, category string) bool {
	return err != nil && ErrorCategory(err) == category
}

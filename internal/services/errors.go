package services

import "fmt"

// Service errors
var (
	ErrNoTablesSpecified  = &ServiceError{Message: "no tables specified"}
	ErrInvalidQRSize      = &ServiceError{Message: "qr size must be between 64 and 1024"}
	ErrShareNotConfigured = &ServiceError{Message: "share base URL is not configured"}
)

// ServiceError represents a service-level error
type ServiceError struct {
	Message string
}

func (e *ServiceError) Error() string {
	return e.Message
}

// InvalidTableError represents an invalid table name error
type InvalidTableError struct {
	Table string
}

func (e *InvalidTableError) Error() string {
	return fmt.Sprintf("invalid table name: %s", e.Table)
}

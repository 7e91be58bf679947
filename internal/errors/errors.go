// Package errors provides the application error type shared by the routing core.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================
// Error Categories
// ============================================================

// Category defines the type of error for handling decisions.
type Category int

const (
	// CategoryTemporary errors are retryable (no healthy model, provider hiccups)
	CategoryTemporary Category = iota

	// CategoryPermanent errors are not retryable
	CategoryPermanent

	// CategoryUser errors are due to caller input (bad slider value, bad config)
	CategoryUser

	// CategorySystem errors are system-level (storage, catalog load)
	CategorySystem

	// CategoryRateLimit errors are due to upstream rate limiting
	CategoryRateLimit
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTemporary:
		return "temporary"
	case CategoryPermanent:
		return "permanent"
	case CategoryUser:
		return "user"
	case CategorySystem:
		return "system"
	case CategoryRateLimit:
		return "rate_limit"
	default:
		return "unknown"
	}
}

// ============================================================
// AppError - Main Error Type
// ============================================================

// AppError is the error type returned across package boundaries.
type AppError struct {
	// Code is a unique error code for programmatic handling
	Code string

	// Message is a human readable message
	Message string

	// Category determines how the error should be handled
	Category Category

	// Inner is the underlying error
	Inner error

	// Retryable indicates if the caller may retry
	Retryable bool

	// Suggestions are recovery hints for operators
	Suggestions []string

	// Context is additional debugging information
	Context map[string]interface{}

	// RetryAfter is the suggested delay before retry
	RetryAfter time.Duration
}

// Error returns the error message.
func (e *AppError) Error() string {
	var sb strings.Builder

	if e.Code != "" {
		sb.WriteString("[")
		sb.WriteString(e.Code)
		sb.WriteString("] ")
	}

	sb.WriteString(e.Message)

	if e.Inner != nil {
		innerMsg := e.Inner.Error()
		if innerMsg != "" && innerMsg != e.Message {
			sb.WriteString(": ")
			sb.WriteString(innerMsg)
		}
	}

	return sb.String()
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Inner
}

// Is checks if the target error is contained in this error.
func (e *AppError) Is(target error) bool {
	return errors.Is(e.Inner, target)
}

// ============================================================
// Error Constructors
// ============================================================

// New creates a new AppError.
func New(code, message string, category Category) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Category: category,
	}
}

// Wrap wraps an existing error with context.
func Wrap(err error, code, message string, category Category) *AppError {
	if err == nil {
		return nil
	}

	// Keep retry hints from an inner AppError
	if appErr, ok := err.(*AppError); ok {
		return &AppError{
			Code:        code,
			Message:     message,
			Category:    category,
			Inner:       appErr,
			Retryable:   appErr.Retryable,
			Suggestions: appErr.Suggestions,
			Context:     appErr.Context,
		}
	}

	return &AppError{
		Code:     code,
		Message:  message,
		Category: category,
		Inner:    err,
	}
}

// Temporary creates a retryable temporary error.
func Temporary(code, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Category:  CategoryTemporary,
		Retryable: true,
	}
}

// User creates a caller input error.
func User(code, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Category:  CategoryUser,
		Retryable: false,
	}
}

// System creates a system-level error.
func System(code, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Category:  CategorySystem,
		Retryable: false,
	}
}

// ============================================================
// Domain Constructors
// ============================================================

// ConfigurationError reports an invalid policy or config write.
// Values are never clamped; the write is rejected instead.
func ConfigurationError(format string, args ...interface{}) *AppError {
	return NewBuilder(CodeConfigInvalid, fmt.Sprintf(format, args...)).
		User().
		Build()
}

// NoAvailableModel reports that no healthy model satisfied the request,
// even after the one-tier-down fallback.
func NoAvailableModel(tier string) *AppError {
	return NewBuilder(CodeNoAvailableModel, "no healthy model available for tier "+tier).
		Temporary().
		WithContext("tier", tier).
		WithSuggestion("Retry after the next health check").
		WithSuggestion("Enable another provider for this tier").
		Build()
}

// DuplicateProvider reports a provider id registered twice.
func DuplicateProvider(id string) *AppError {
	return NewBuilder(CodeDuplicateProvider, "provider already registered: "+id).
		User().
		WithContext("provider", id).
		Build()
}

// ============================================================
// Builder Pattern for Fluent Error Construction
// ============================================================

// Builder provides fluent error construction.
type Builder struct {
	err *AppError
}

// NewBuilder starts building a new error.
func NewBuilder(code, message string) *Builder {
	return &Builder{
		err: &AppError{
			Code:     code,
			Message:  message,
			Category: CategoryTemporary,
			Context:  make(map[string]interface{}),
		},
	}
}

// Temporary marks the error as temporary/retryable.
func (b *Builder) Temporary() *Builder {
	b.err.Category = CategoryTemporary
	b.err.Retryable = true
	return b
}

// Permanent marks the error as permanent/non-retryable.
func (b *Builder) Permanent() *Builder {
	b.err.Category = CategoryPermanent
	b.err.Retryable = false
	return b
}

// User marks the error as a caller input error.
func (b *Builder) User() *Builder {
	b.err.Category = CategoryUser
	b.err.Retryable = false
	return b
}

// System marks the error as a system error.
func (b *Builder) System() *Builder {
	b.err.Category = CategorySystem
	b.err.Retryable = false
	return b
}

// Wrap sets the underlying error.
func (b *Builder) Wrap(err error) *Builder {
	b.err.Inner = err
	return b
}

// WithSuggestion adds a recovery suggestion.
func (b *Builder) WithSuggestion(suggestion string) *Builder {
	b.err.Suggestions = append(b.err.Suggestions, suggestion)
	return b
}

// WithContext adds context information.
func (b *Builder) WithContext(key string, value interface{}) *Builder {
	b.err.Context[key] = value
	return b
}

// Build returns the constructed error.
func (b *Builder) Build() *AppError {
	return b.err
}

// ============================================================
// Error Codes
// ============================================================

const (
	// Policy and config errors
	CodeConfigInvalid  = "CONFIG_INVALID"
	CodeConfigNotFound = "CONFIG_NOT_FOUND"

	// Routing errors
	CodeNoAvailableModel  = "NO_AVAILABLE_MODEL"
	CodeDuplicateProvider = "DUPLICATE_PROVIDER"
	CodeUnknownProvider   = "UNKNOWN_PROVIDER"

	// Provider call errors
	CodeProviderTimeout     = "PROVIDER_TIMEOUT"
	CodeProviderRateLimit   = "PROVIDER_RATE_LIMIT"
	CodeProviderAuth        = "PROVIDER_AUTH"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"

	// Tool errors
	CodeToolDiscoveryFailed = "TOOL_DISCOVERY_FAILED"
	CodeAccessDenied        = "ACCESS_DENIED"

	// Storage errors
	CodeStoreFailed = "STORE_FAILED"
)

// ============================================================
// Helpers
// ============================================================

// HasCode reports whether any AppError in the chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Inner
	}
	return false
}

// IsConfigurationError reports whether err is a rejected configuration write.
func IsConfigurationError(err error) bool {
	return HasCode(err, CodeConfigInvalid)
}

// IsNoAvailableModel reports whether err means no model could be routed to.
func IsNoAvailableModel(err error) bool {
	return HasCode(err, CodeNoAvailableModel)
}

// GetCategory extracts the category from an error.
// Returns CategoryTemporary for non-AppError errors.
func GetCategory(err error) Category {
	if err == nil {
		return CategoryTemporary
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Category
	}

	return CategoryTemporary
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}

	return true
}

// GetSuggestions returns recovery suggestions for an error.
func GetSuggestions(err error) []string {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Suggestions
	}

	return nil
}

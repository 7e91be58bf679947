package model

import (
	"errors"
	"fmt"
)

// Provider failure kinds.
var (
	ErrTimeout     = errors.New("provider timeout")
	ErrRateLimited = errors.New("provider rate limited")
	ErrAuthFailure = errors.New("provider auth failure")
	ErrUnavailable = errors.New("provider unavailable")
)

// Embedding service failure kinds.
var (
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")
	ErrEmbeddingTimeout     = errors.New("embedding timeout")
)

// ProviderError is returned by provider clients. Kind is one of the provider
// sentinels above, so callers match with errors.Is.
type ProviderError struct {
	Provider   string
	Op         string
	Kind       error
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause.
func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// EmbeddingError is returned by embedding clients.
type EmbeddingError struct {
	Op   string
	Kind error
	Err  error
}

func (e *EmbeddingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("embedding %s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("embedding %s: %v", e.Op, e.Kind)
}

// Unwrap exposes both the kind and the cause.
func (e *EmbeddingError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

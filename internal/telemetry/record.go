// Package telemetry records per-request performance and rolls it up on read.
package telemetry

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/flynn-ai/flynn-core/internal/errors"
	"github.com/flynn-ai/flynn-core/internal/model"
)

// Error kinds attached to records.
const (
	KindOK               = "ok"
	KindTimeout          = "timeout"
	KindRateLimited      = "rate_limited"
	KindAuthFailure      = "auth_failure"
	KindUnavailable      = "unavailable"
	KindNoAvailableModel = "no_available_model"
	KindCancelled        = "cancelled"
	KindConfiguration    = "configuration"
	KindInternal         = "internal"
)

// Record is the telemetry of one completed, failed or cancelled request.
type Record struct {
	RequestID         string    `json:"request_id"`
	UserID            string    `json:"user_id,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	Provider          string    `json:"provider,omitempty"`
	Model             string    `json:"model,omitempty"`
	Tier              string    `json:"tier,omitempty"`
	TTFTMs            float64   `json:"ttft_ms"`
	TotalLatencyMs    float64   `json:"total_latency_ms"`
	TokensPerSecond   float64   `json:"tokens_per_second"`
	PromptTokens      int       `json:"prompt_tokens"`
	CompletionTokens  int       `json:"completion_tokens"`
	CacheHit          bool      `json:"cache_hit"`
	ConcurrentAtStart int       `json:"concurrent_at_start"`
	QueueWaitMs       float64   `json:"queue_wait_ms"`
	Success           bool      `json:"success"`
	ErrorKind         string    `json:"error_kind"`
	CostUSD           float64   `json:"cost_usd"`
}

// Cancelled reports whether the caller gave up on the request.
func (r Record) Cancelled() bool {
	return r.ErrorKind == KindCancelled
}

// KindOf maps an error to a record error kind.
func KindOf(err error) string {
	switch {
	case err == nil:
		return KindOK
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, model.ErrTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, model.ErrEmbeddingTimeout):
		return KindTimeout
	case errors.Is(err, model.ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, model.ErrAuthFailure):
		return KindAuthFailure
	case errors.Is(err, model.ErrUnavailable), errors.Is(err, model.ErrEmbeddingUnavailable):
		return KindUnavailable
	case apperrors.IsNoAvailableModel(err):
		return KindNoAvailableModel
	case apperrors.IsConfigurationError(err):
		return KindConfiguration
	default:
		return KindInternal
	}
}

// Sink receives every record after it is aggregated.
type Sink interface {
	AppendTelemetry(ctx context.Context, rec Record) error
}

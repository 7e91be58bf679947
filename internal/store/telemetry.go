package store

import (
	"context"
	"time"

	"github.com/flynn-ai/flynn-core/internal/telemetry"
)

// AppendTelemetry archives one record. Re-archiving a request id is a no-op.
func (s *SQLite) AppendTelemetry(ctx context.Context, r telemetry.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO request_telemetry (
			request_id, user_id, ts, provider, model, tier,
			ttft_ms, total_latency_ms, tokens_per_second,
			prompt_tokens, completion_tokens, cache_hit, concurrent_at_start,
			queue_wait_ms, success, error_kind, cost_usd
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RequestID, r.UserID, r.Timestamp.UnixMilli(), r.Provider, r.Model, r.Tier,
		r.TTFTMs, r.TotalLatencyMs, r.TokensPerSecond,
		r.PromptTokens, r.CompletionTokens, r.CacheHit, r.ConcurrentAtStart,
		r.QueueWaitMs, r.Success, r.ErrorKind, r.CostUSD)
	return err
}

// TelemetrySince returns archived records newer than since, oldest first.
func (s *SQLite) TelemetrySince(ctx context.Context, since time.Time) ([]telemetry.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, COALESCE(user_id, ''), ts, COALESCE(provider, ''), COALESCE(model, ''), COALESCE(tier, ''),
			ttft_ms, total_latency_ms, tokens_per_second,
			prompt_tokens, completion_tokens, cache_hit, concurrent_at_start,
			queue_wait_ms, success, error_kind, cost_usd
		FROM request_telemetry
		WHERE ts > ?
		ORDER BY ts ASC
	`, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []telemetry.Record
	for rows.Next() {
		var (
			r  telemetry.Record
			ts int64
		)
		if err := rows.Scan(&r.RequestID, &r.UserID, &ts, &r.Provider, &r.Model, &r.Tier,
			&r.TTFTMs, &r.TotalLatencyMs, &r.TokensPerSecond,
			&r.PromptTokens, &r.CompletionTokens, &r.CacheHit, &r.ConcurrentAtStart,
			&r.QueueWaitMs, &r.Success, &r.ErrorKind, &r.CostUSD); err != nil {
			return nil, err
		}
		r.Timestamp = time.UnixMilli(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneTelemetry deletes archived records older than before.
func (s *SQLite) PruneTelemetry(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_telemetry WHERE ts <= ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ telemetry.Sink = (*SQLite)(nil)

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/flynn-ai/flynn-core/internal/policy"
)

// LoadPolicy reads every stored setting and the tier config.
func (s *SQLite) LoadPolicy(ctx context.Context) (policy.Persisted, error) {
	var p policy.Persisted

	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, user_id, value, COALESCE(set_by, ''), set_at, expires_at
		FROM intelligence_settings
		ORDER BY scope, user_id
	`)
	if err != nil {
		return p, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			st        policy.Setting
			scope     string
			setAt     int64
			expiresAt sql.NullInt64
		)
		if err := rows.Scan(&scope, &st.UserID, &st.Value, &st.SetBy, &setAt, &expiresAt); err != nil {
			return p, err
		}
		st.Scope = policy.Scope(scope)
		st.SetAt = time.UnixMilli(setAt)
		if expiresAt.Valid {
			st.ExpiresAt = time.UnixMilli(expiresAt.Int64)
		}

		if st.Scope == policy.ScopeGlobal {
			g := st
			p.Global = &g
			continue
		}
		p.Users = append(p.Users, st)
	}
	if err := rows.Err(); err != nil {
		return p, err
	}

	var (
		tc                          policy.TierConfig
		enabled, stripping, cacheOn bool
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT enabled, tool_stripping_enabled, decision_cache_enabled, decision_cache_ttl,
			cheap_model, balanced_model, premium_model
		FROM tier_config WHERE id = 1
	`).Scan(&enabled, &stripping, &cacheOn, &tc.DecisionCacheTTL,
		&tc.Models.Cheap, &tc.Models.Balanced, &tc.Models.Premium)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return p, err
	default:
		tc.Enabled = enabled
		tc.ToolStrippingEnabled = stripping
		tc.DecisionCacheEnabled = cacheOn
		p.Tiers = &tc
	}

	return p, nil
}

// SaveSetting upserts an intelligence setting.
func (s *SQLite) SaveSetting(ctx context.Context, st policy.Setting) error {
	var expires sql.NullInt64
	if !st.ExpiresAt.IsZero() {
		expires = sql.NullInt64{Int64: st.ExpiresAt.UnixMilli(), Valid: true}
	}
	userID := st.UserID
	if st.Scope == policy.ScopeGlobal {
		userID = ""
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intelligence_settings (scope, user_id, value, set_by, set_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, user_id) DO UPDATE SET
			value = excluded.value,
			set_by = excluded.set_by,
			set_at = excluded.set_at,
			expires_at = excluded.expires_at
	`, string(st.Scope), userID, st.Value, st.SetBy, st.SetAt.UnixMilli(), expires)
	return err
}

// DeleteSetting removes a setting.
func (s *SQLite) DeleteSetting(ctx context.Context, scope policy.Scope, userID string) error {
	if scope == policy.ScopeGlobal {
		userID = ""
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM intelligence_settings WHERE scope = ? AND user_id = ?
	`, string(scope), userID)
	return err
}

// SaveTierConfig upserts the single tier config row.
func (s *SQLite) SaveTierConfig(ctx context.Context, tc policy.TierConfig, setBy string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tier_config (id, enabled, tool_stripping_enabled, decision_cache_enabled,
			decision_cache_ttl, cheap_model, balanced_model, premium_model, set_by, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			enabled = excluded.enabled,
			tool_stripping_enabled = excluded.tool_stripping_enabled,
			decision_cache_enabled = excluded.decision_cache_enabled,
			decision_cache_ttl = excluded.decision_cache_ttl,
			cheap_model = excluded.cheap_model,
			balanced_model = excluded.balanced_model,
			premium_model = excluded.premium_model,
			set_by = excluded.set_by,
			updated_at = excluded.updated_at
	`, tc.Enabled, tc.ToolStrippingEnabled, tc.DecisionCacheEnabled, tc.DecisionCacheTTL,
		tc.Models.Cheap, tc.Models.Balanced, tc.Models.Premium, setBy, time.Now().Unix())
	return err
}

var _ policy.Store = (*SQLite)(nil)

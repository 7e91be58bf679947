// Package cost tracks token usage and spend per model.
package cost

import (
	"sort"
	"sync"
	"time"

	"github.com/flynn-ai/flynn-core/internal/model"
)

// Tracker accumulates spend per model, per day and per month.
type Tracker struct {
	mu      sync.Mutex
	now     func() time.Time
	byModel map[string]*ModelUsage
	daily   *DailyStats
	monthly *MonthlyStats
}

// ModelUsage is the accumulated usage of one model.
type ModelUsage struct {
	ModelID          string  `json:"model"`
	ProviderID       string  `json:"provider"`
	Requests         int     `json:"requests"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	BaselineUSD      float64 `json:"baseline_usd"` // what the same tokens cost at the baseline price
}

// DailyStats tracks cost for a single day.
type DailyStats struct {
	Date     string  `json:"date"`
	Tokens   int     `json:"tokens"`
	CostUSD  float64 `json:"cost_usd"`
	Requests int     `json:"requests"`
}

// MonthlyStats tracks cost for a month.
type MonthlyStats struct {
	Month    string  `json:"month"`
	Tokens   int     `json:"tokens"`
	CostUSD  float64 `json:"cost_usd"`
	Requests int     `json:"requests"`
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a new cost tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		now:     time.Now,
		byModel: make(map[string]*ModelUsage),
	}
	for _, opt := range opts {
		opt(t)
	}
	now := t.now()
	t.daily = &DailyStats{Date: now.Format("2006-01-02")}
	t.monthly = &MonthlyStats{Month: now.Format("2006-01")}
	return t
}

// Record books one completed call and returns its cost. baseline is the price
// the same call would have cost on the reference model (usually premium).
func (t *Tracker) Record(m model.Model, promptTokens, completionTokens int, baseline model.Cost) float64 {
	cost := m.Cost.Estimate(promptTokens, completionTokens)
	tokens := promptTokens + completionTokens

	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollover()

	key := m.ProviderID + "/" + m.ID
	u, ok := t.byModel[key]
	if !ok {
		u = &ModelUsage{ModelID: m.ID, ProviderID: m.ProviderID}
		t.byModel[key] = u
	}
	u.Requests++
	u.PromptTokens += promptTokens
	u.CompletionTokens += completionTokens
	u.CostUSD += cost
	u.BaselineUSD += baseline.Estimate(promptTokens, completionTokens)

	t.daily.Tokens += tokens
	t.daily.CostUSD += cost
	t.daily.Requests++
	t.monthly.Tokens += tokens
	t.monthly.CostUSD += cost
	t.monthly.Requests++

	return cost
}

// rollover starts a new day or month. Caller holds mu.
func (t *Tracker) rollover() {
	now := t.now()
	if day := now.Format("2006-01-02"); day != t.daily.Date {
		t.daily = &DailyStats{Date: day}
	}
	if month := now.Format("2006-01"); month != t.monthly.Month {
		t.monthly = &MonthlyStats{Month: month}
	}
}

// Usage returns per-model usage sorted by spend, highest first.
func (t *Tracker) Usage() []ModelUsage {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ModelUsage, 0, len(t.byModel))
	for _, u := range t.byModel {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CostUSD != out[j].CostUSD {
			return out[i].CostUSD > out[j].CostUSD
		}
		return out[i].ModelID < out[j].ModelID
	})
	return out
}

// TotalCost returns spend across all models since start.
func (t *Tracker) TotalCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := 0.0
	for _, u := range t.byModel {
		total += u.CostUSD
	}
	return total
}

// Savings returns baseline spend minus actual spend.
func (t *Tracker) Savings() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	saved := 0.0
	for _, u := range t.byModel {
		saved += u.BaselineUSD - u.CostUSD
	}
	return saved
}

// GetDailyStats returns a copy of the current day.
func (t *Tracker) GetDailyStats() DailyStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return *t.daily
}

// GetMonthlyStats returns a copy of the current month.
func (t *Tracker) GetMonthlyStats() MonthlyStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return *t.monthly
}

// Package limits decides whether a tenant request is admitted, based on
// the key's rate, hourly cost and daily quota limits against the ledger.
package limits

import (
	"context"
	"fmt"
	"math"
	"time"

	"claudegate/internal/logging"
	"claudegate/internal/store"
)

// Kind names the limit dimension that produced a decision.
type Kind string

const (
	KindRate       Kind = "rate"
	KindCost       Kind = "cost"
	KindDailyQuota Kind = "daily_quota"
)

// Info describes one limit dimension at decision time. For unlimited
// keys only Unlimited is meaningful.
type Info struct {
	Kind         Kind      `json:"-"`
	Limit        float64   `json:"limit"`
	CurrentUsage float64   `json:"current_usage"`
	Remaining    float64   `json:"remaining"`
	ResetTime    time.Time `json:"reset_time"`
	Unlimited    bool      `json:"unlimited"`
}

// Detail renders the client-facing rejection message for this dimension.
func (i Info) Detail() string {
	switch i.Kind {
	case KindRate:
		return fmt.Sprintf("Rate limit exceeded. Used %d/%d requests in the last hour. Try again later.",
			int64(i.CurrentUsage), int64(i.Limit))
	case KindCost:
		return fmt.Sprintf("Cost limit exceeded. Used $%.6f/$%.2f in the last hour. Try again later.",
			i.CurrentUsage, i.Limit)
	case KindDailyQuota:
		return fmt.Sprintf("Daily quota exceeded. Used $%.6f/$%.2f today. Try again tomorrow.",
			i.CurrentUsage, i.Limit)
	}
	return "Limit exceeded"
}

// RetryAfter is the Retry-After header value for this dimension.
func (i Info) RetryAfter() string {
	if i.Kind == KindDailyQuota {
		return "86400"
	}
	return "3600"
}

// Engine evaluates admission against the usage ledger.
type Engine struct {
	store  *store.Store
	logger *logging.Logger
	now    func() time.Time
}

// New builds an Engine over the given store.
func New(s *store.Store, logger *logging.Logger) *Engine {
	return &Engine{
		store:  s,
		logger: logging.OrNop(logger).WithComponent("limits"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CheckRate admits while the trailing-hour request count is below the
// key's rate limit. A limit of zero or less means unlimited.
func (e *Engine) CheckRate(ctx context.Context, key store.APIKey) (bool, Info, error) {
	if key.RateLimit <= 0 {
		return true, Info{Kind: KindRate, Unlimited: true}, nil
	}
	now := e.now()
	count, err := e.store.CountUsageSince(ctx, key.ID, now.Add(-time.Hour))
	if err != nil {
		return false, Info{}, fmt.Errorf("check rate limit: %w", err)
	}
	info := Info{
		Kind:         KindRate,
		Limit:        float64(key.RateLimit),
		CurrentUsage: float64(count),
		Remaining:    math.Max(0, float64(key.RateLimit-count)),
		ResetTime:    now.Add(time.Hour),
	}
	return count < key.RateLimit, info, nil
}

// CheckCost admits while the trailing-hour spend is below the key's
// hourly cost limit. A limit of zero or less means unlimited.
func (e *Engine) CheckCost(ctx context.Context, key store.APIKey) (bool, Info, error) {
	if key.CostLimit <= 0 {
		return true, Info{Kind: KindCost, Unlimited: true}, nil
	}
	now := e.now()
	cost, err := e.store.SumCostSince(ctx, key.ID, now.Add(-time.Hour))
	if err != nil {
		return false, Info{}, fmt.Errorf("check cost limit: %w", err)
	}
	info := Info{
		Kind:         KindCost,
		Limit:        key.CostLimit,
		CurrentUsage: round6(cost),
		Remaining:    math.Max(0, round6(key.CostLimit-cost)),
		ResetTime:    now.Add(time.Hour),
	}
	return cost < key.CostLimit, info, nil
}

// CheckDailyQuota admits while today's spend, measured from UTC
// midnight, is below the key's daily quota. A quota of zero or less
// means unlimited.
func (e *Engine) CheckDailyQuota(ctx context.Context, key store.APIKey) (bool, Info, error) {
	if key.DailyQuota <= 0 {
		return true, Info{Kind: KindDailyQuota, Unlimited: true}, nil
	}
	now := e.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	cost, err := e.store.SumCostSince(ctx, key.ID, dayStart)
	if err != nil {
		return false, Info{}, fmt.Errorf("check daily quota: %w", err)
	}
	info := Info{
		Kind:         KindDailyQuota,
		Limit:        key.DailyQuota,
		CurrentUsage: round6(cost),
		Remaining:    math.Max(0, round6(key.DailyQuota-cost)),
		ResetTime:    dayStart.AddDate(0, 0, 1),
	}
	return cost < key.DailyQuota, info, nil
}

// Admit runs the three checks in order and returns the first rejection,
// if any. A nil rejection means the request is admitted.
func (e *Engine) Admit(ctx context.Context, key store.APIKey) (*Info, error) {
	checks := []func(context.Context, store.APIKey) (bool, Info, error){
		e.CheckRate, e.CheckCost, e.CheckDailyQuota,
	}
	for _, check := range checks {
		allowed, info, err := check(ctx, key)
		if err != nil {
			return nil, err
		}
		if !allowed {
			e.logger.Warn("request rejected",
				"key_id", key.ID, "kind", string(info.Kind),
				"usage", info.CurrentUsage, "limit", info.Limit)
			rejected := info
			return &rejected, nil
		}
	}
	return nil, nil
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

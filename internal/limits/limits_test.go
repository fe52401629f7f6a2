package limits

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claudegate/internal/store"
)

func newEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s, nil), s
}

func record(t *testing.T, s *store.Store, keyID string, cost float64) {
	t.Helper()
	_, err := s.InsertUsage(context.Background(), store.UsageRecord{
		APIKeyID: keyID, Endpoint: "messages", Method: "POST", Cost: cost,
	})
	require.NoError(t, err)
}

func TestCheckRateUnlimited(t *testing.T) {
	engine, _ := newEngine(t)

	allowed, info, err := engine.CheckRate(context.Background(), store.APIKey{ID: "k", RateLimit: 0})
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.True(t, info.Unlimited)
}

func TestCheckRateBoundary(t *testing.T) {
	engine, s := newEngine(t)
	ctx := context.Background()
	key := store.APIKey{ID: "k", RateLimit: 2}

	allowed, info, err := engine.CheckRate(ctx, key)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, float64(2), info.Remaining)

	record(t, s, "k", 0)
	allowed, _, err = engine.CheckRate(ctx, key)
	require.NoError(t, err)
	assert.True(t, allowed)

	// At the limit the comparison is strict: 2 requests against a
	// limit of 2 rejects.
	record(t, s, "k", 0)
	allowed, info, err = engine.CheckRate(ctx, key)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, float64(2), info.CurrentUsage)
	assert.Zero(t, info.Remaining)
	assert.Equal(t, KindRate, info.Kind)
}

func TestCheckRateIgnoresOldRequests(t *testing.T) {
	engine, s := newEngine(t)
	key := store.APIKey{ID: "k", RateLimit: 1}

	record(t, s, "k", 0)
	// Shift the clock so the recorded request falls out of the window.
	engine.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }

	allowed, _, err := engine.CheckRate(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestCheckCost(t *testing.T) {
	engine, s := newEngine(t)
	ctx := context.Background()
	key := store.APIKey{ID: "k", CostLimit: 1.0}

	record(t, s, "k", 0.4)
	allowed, info, err := engine.CheckCost(ctx, key)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.InDelta(t, 0.6, info.Remaining, 1e-9)

	record(t, s, "k", 0.6)
	allowed, info, err = engine.CheckCost(ctx, key)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.InDelta(t, 1.0, info.CurrentUsage, 1e-9)
	assert.Zero(t, info.Remaining)
}

func TestCheckDailyQuotaResetAtMidnight(t *testing.T) {
	engine, s := newEngine(t)
	ctx := context.Background()
	key := store.APIKey{ID: "k", DailyQuota: 0.5}

	record(t, s, "k", 0.5)
	allowed, info, err := engine.CheckDailyQuota(ctx, key)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, KindDailyQuota, info.Kind)

	now := engine.now()
	wantReset := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	assert.Equal(t, wantReset, info.ResetTime)

	// Tomorrow the window restarts.
	engine.now = func() time.Time { return time.Now().UTC().AddDate(0, 0, 1) }
	allowed, _, err = engine.CheckDailyQuota(ctx, key)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAdmitOrderAndPass(t *testing.T) {
	engine, s := newEngine(t)
	ctx := context.Background()

	// All dimensions over their limits: the rate rejection wins.
	record(t, s, "k", 5.0)
	key := store.APIKey{ID: "k", RateLimit: 1, CostLimit: 1.0, DailyQuota: 1.0}
	rejected, err := engine.Admit(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, rejected)
	assert.Equal(t, KindRate, rejected.Kind)

	// Unlimited key always passes.
	rejected, err = engine.Admit(ctx, store.APIKey{ID: "k"})
	require.NoError(t, err)
	assert.Nil(t, rejected)
}

func TestDetailStrings(t *testing.T) {
	rate := Info{Kind: KindRate, Limit: 100, CurrentUsage: 100}
	assert.Equal(t, "Rate limit exceeded. Used 100/100 requests in the last hour. Try again later.", rate.Detail())
	assert.Equal(t, "3600", rate.RetryAfter())

	cost := Info{Kind: KindCost, Limit: 10, CurrentUsage: 10.123456}
	assert.Equal(t, "Cost limit exceeded. Used $10.123456/$10.00 in the last hour. Try again later.", cost.Detail())

	quota := Info{Kind: KindDailyQuota, Limit: 5, CurrentUsage: 5}
	assert.Equal(t, "Daily quota exceeded. Used $5.000000/$5.00 today. Try again tomorrow.", quota.Detail())
	assert.Equal(t, "86400", quota.RetryAfter())
}

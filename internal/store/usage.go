package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one row of the append-only ledger. tokens_used is
// always the sum of the four token counters.
type UsageRecord struct {
	ID                  string
	APIKeyID            string
	Endpoint            string
	Method              string
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	TokensUsed          int64
	Cost                float64
	RequestSize         int64
	ResponseSize        int64
	ProcessingTime      float64
	OutputTPS           float64
	Timestamp           time.Time
	StatusCode          int
	ErrorMessage        string
}

// InsertUsage appends a ledger row. ID and Timestamp are assigned here;
// TokensUsed is recomputed from the four counters.
func (s *Store) InsertUsage(ctx context.Context, record UsageRecord) (UsageRecord, error) {
	record.ID = uuid.NewString()
	record.Timestamp = time.Now().UTC()
	record.TokensUsed = record.InputTokens + record.OutputTokens +
		record.CacheCreationTokens + record.CacheReadTokens
	if record.Model == "" {
		record.Model = "unknown"
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_records (
	id, api_key_id, endpoint, method, model,
	input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens, tokens_used,
	cost, request_size, response_size, processing_time, output_tps,
	timestamp, status_code, error_message
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.APIKeyID, record.Endpoint, record.Method, record.Model,
		record.InputTokens, record.OutputTokens, record.CacheCreationTokens,
		record.CacheReadTokens, record.TokensUsed,
		record.Cost, record.RequestSize, record.ResponseSize,
		record.ProcessingTime, record.OutputTPS,
		record.Timestamp, record.StatusCode, nullString(record.ErrorMessage),
	)
	if err != nil {
		return UsageRecord{}, fmt.Errorf("insert usage: %w", err)
	}
	return record, nil
}

// CountUsageSince counts ledger rows for a key newer than since.
func (s *Store) CountUsageSince(ctx context.Context, apiKeyID string, since time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM usage_records WHERE api_key_id = ? AND timestamp >= ?`,
		apiKeyID, since.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return count, nil
}

// SumCostSince sums recorded cost for a key newer than since.
func (s *Store) SumCostSince(ctx context.Context, apiKeyID string, since time.Time) (float64, error) {
	var cost sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
SELECT SUM(cost) FROM usage_records WHERE api_key_id = ? AND timestamp >= ?`,
		apiKeyID, since.UTC()).Scan(&cost)
	if err != nil {
		return 0, fmt.Errorf("sum cost: %w", err)
	}
	return cost.Float64, nil
}

// UsageStats aggregates one key's full history plus today's slice.
type UsageStats struct {
	TotalRequests     int64   `json:"total_requests"`
	TotalTokens       int64   `json:"total_tokens"`
	TotalCost         float64 `json:"total_cost"`
	AvgProcessingTime float64 `json:"avg_processing_time"`
	AvgOutputTPS      float64 `json:"avg_output_tps"`
	RequestsToday     int64   `json:"requests_today"`
	TokensToday       int64   `json:"tokens_today"`
}

// UsageStats computes the per-key aggregate view.
func (s *Store) UsageStats(ctx context.Context, apiKeyID string) (UsageStats, error) {
	var stats UsageStats
	var tokens sql.NullInt64
	var totalCost, avgTime, avgTPS sql.NullFloat64

	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), SUM(tokens_used), SUM(cost), AVG(processing_time), AVG(output_tps)
FROM usage_records WHERE api_key_id = ?`, apiKeyID).
		Scan(&stats.TotalRequests, &tokens, &totalCost, &avgTime, &avgTPS)
	if err != nil {
		return UsageStats{}, fmt.Errorf("usage stats: %w", err)
	}
	stats.TotalTokens = tokens.Int64
	stats.TotalCost = totalCost.Float64
	stats.AvgProcessingTime = avgTime.Float64
	stats.AvgOutputTPS = avgTPS.Float64

	todayStart := startOfDayUTC(time.Now().UTC())
	var tokensToday sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
SELECT COUNT(*), SUM(tokens_used)
FROM usage_records WHERE api_key_id = ? AND timestamp >= ?`,
		apiKeyID, todayStart).
		Scan(&stats.RequestsToday, &tokensToday)
	if err != nil {
		return UsageStats{}, fmt.Errorf("usage stats today: %w", err)
	}
	stats.TokensToday = tokensToday.Int64
	return stats, nil
}

// RecentUsage returns the latest ledger rows for a key.
func (s *Store) RecentUsage(ctx context.Context, apiKeyID string, limit int) ([]UsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, api_key_id, endpoint, method, model,
	input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens, tokens_used,
	cost, request_size, response_size, processing_time, output_tps,
	timestamp, status_code, COALESCE(error_message, '')
FROM usage_records WHERE api_key_id = ?
ORDER BY timestamp DESC LIMIT ?`, apiKeyID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []UsageRecord
	for rows.Next() {
		var record UsageRecord
		err := rows.Scan(
			&record.ID, &record.APIKeyID, &record.Endpoint, &record.Method, &record.Model,
			&record.InputTokens, &record.OutputTokens, &record.CacheCreationTokens,
			&record.CacheReadTokens, &record.TokensUsed,
			&record.Cost, &record.RequestSize, &record.ResponseSize,
			&record.ProcessingTime, &record.OutputTPS,
			&record.Timestamp, &record.StatusCode, &record.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("recent usage: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// UsageSummary is the fleet-wide roll-up.
type UsageSummary struct {
	TotalRequests int64   `json:"total_requests"`
	TotalTokens   int64   `json:"total_tokens"`
	TotalCost     float64 `json:"total_cost"`
	ActiveKeys    int64   `json:"active_keys"`
}

// Summary aggregates the whole ledger.
func (s *Store) Summary(ctx context.Context) (UsageSummary, error) {
	var summary UsageSummary
	var tokens sql.NullInt64
	var cost sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), SUM(tokens_used), SUM(cost), COUNT(DISTINCT api_key_id)
FROM usage_records`).
		Scan(&summary.TotalRequests, &tokens, &cost, &summary.ActiveKeys)
	if err != nil {
		return UsageSummary{}, fmt.Errorf("usage summary: %w", err)
	}
	summary.TotalTokens = tokens.Int64
	summary.TotalCost = cost.Float64
	return summary, nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func startOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

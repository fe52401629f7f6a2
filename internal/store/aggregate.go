package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const dateLayout = "2006-01-02"

// DailyUsage is one per-(key, date, model) roll-up row.
type DailyUsage struct {
	ID                       string
	APIKeyID                 string
	Date                     string
	Model                    string
	TotalRequests            int64
	TotalInputTokens         int64
	TotalOutputTokens        int64
	TotalCacheCreationTokens int64
	TotalCacheReadTokens     int64
	TotalTokens              int64
	TotalCost                float64
	AvgProcessingTime        float64
	AvgOutputTPS             float64
}

// AggregateDaily rolls the ledger rows of one UTC day up into
// daily_usage, grouped by (api_key_id, model). An empty date aggregates
// yesterday. Existing roll-ups for the same day are replaced.
func (s *Store) AggregateDaily(ctx context.Context, date string) (int, error) {
	if date == "" {
		date = time.Now().UTC().AddDate(0, 0, -1).Format(dateLayout)
	}
	day, err := time.ParseInLocation(dateLayout, date, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("aggregate daily: bad date %q: %w", date, err)
	}
	start := day
	end := day.AddDate(0, 0, 1)

	// Averages ignore zero samples, matching the live stats view.
	rows, err := s.db.QueryContext(ctx, `
SELECT api_key_id, model, COUNT(*),
	SUM(input_tokens), SUM(output_tokens),
	SUM(cache_creation_tokens), SUM(cache_read_tokens),
	SUM(tokens_used), SUM(cost),
	AVG(CASE WHEN processing_time > 0 THEN processing_time END),
	AVG(CASE WHEN output_tps > 0 THEN output_tps END)
FROM usage_records
WHERE timestamp >= ? AND timestamp < ?
GROUP BY api_key_id, model`, start, end)
	if err != nil {
		return 0, fmt.Errorf("aggregate daily: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []DailyUsage
	for rows.Next() {
		summary := DailyUsage{Date: date}
		var avgTime, avgTPS sql.NullFloat64
		err := rows.Scan(
			&summary.APIKeyID, &summary.Model, &summary.TotalRequests,
			&summary.TotalInputTokens, &summary.TotalOutputTokens,
			&summary.TotalCacheCreationTokens, &summary.TotalCacheReadTokens,
			&summary.TotalTokens, &summary.TotalCost,
			&avgTime, &avgTPS,
		)
		if err != nil {
			return 0, fmt.Errorf("aggregate daily: %w", err)
		}
		summary.AvgProcessingTime = avgTime.Float64
		summary.AvgOutputTPS = avgTPS.Float64
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("aggregate daily: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("aggregate daily: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, summary := range summaries {
		_, err := tx.ExecContext(ctx, `
INSERT INTO daily_usage (
	id, api_key_id, date, model,
	total_requests, total_input_tokens, total_output_tokens,
	total_cache_creation_tokens, total_cache_read_tokens,
	total_tokens, total_cost, avg_processing_time, avg_output_tps
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (api_key_id, date, model) DO UPDATE SET
	total_requests = excluded.total_requests,
	total_input_tokens = excluded.total_input_tokens,
	total_output_tokens = excluded.total_output_tokens,
	total_cache_creation_tokens = excluded.total_cache_creation_tokens,
	total_cache_read_tokens = excluded.total_cache_read_tokens,
	total_tokens = excluded.total_tokens,
	total_cost = excluded.total_cost,
	avg_processing_time = excluded.avg_processing_time,
	avg_output_tps = excluded.avg_output_tps`,
			uuid.NewString(), summary.APIKeyID, summary.Date, summary.Model,
			summary.TotalRequests, summary.TotalInputTokens, summary.TotalOutputTokens,
			summary.TotalCacheCreationTokens, summary.TotalCacheReadTokens,
			summary.TotalTokens, summary.TotalCost,
			summary.AvgProcessingTime, summary.AvgOutputTPS,
		)
		if err != nil {
			return 0, fmt.Errorf("aggregate daily upsert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("aggregate daily: %w", err)
	}

	s.logger.Info("aggregated daily usage", "date", date, "groups", len(summaries))
	return len(summaries), nil
}

// DailyUsageFor returns the stored roll-ups for a key and date.
func (s *Store) DailyUsageFor(ctx context.Context, apiKeyID, date string) ([]DailyUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, api_key_id, date, model,
	total_requests, total_input_tokens, total_output_tokens,
	total_cache_creation_tokens, total_cache_read_tokens,
	total_tokens, total_cost, avg_processing_time, avg_output_tps
FROM daily_usage WHERE api_key_id = ? AND date = ?
ORDER BY model`, apiKeyID, date)
	if err != nil {
		return nil, fmt.Errorf("daily usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []DailyUsage
	for rows.Next() {
		var summary DailyUsage
		err := rows.Scan(
			&summary.ID, &summary.APIKeyID, &summary.Date, &summary.Model,
			&summary.TotalRequests, &summary.TotalInputTokens, &summary.TotalOutputTokens,
			&summary.TotalCacheCreationTokens, &summary.TotalCacheReadTokens,
			&summary.TotalTokens, &summary.TotalCost,
			&summary.AvgProcessingTime, &summary.AvgOutputTPS,
		)
		if err != nil {
			return nil, fmt.Errorf("daily usage: %w", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// ModelChartPoint is one model's slice of a chart day.
type ModelChartPoint struct {
	Requests            int64   `json:"requests"`
	Tokens              int64   `json:"tokens"`
	Cost                float64 `json:"cost"`
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
}

// ChartPoint is one zero-filled day of chart data.
type ChartPoint struct {
	Date          string                     `json:"date"`
	TotalRequests int64                      `json:"total_requests"`
	TotalTokens   int64                      `json:"total_tokens"`
	TotalCost     float64                    `json:"total_cost"`
	Models        map[string]ModelChartPoint `json:"models,omitempty"`
}

// ChartForKey reads the ledger live and returns one point per day over
// the trailing window, including the per-model breakdown. Days without
// traffic are zero-filled.
func (s *Store) ChartForKey(ctx context.Context, apiKeyID string, days int) ([]ChartPoint, error) {
	if days <= 0 {
		days = 30
	}
	end := startOfDayUTC(time.Now().UTC())
	start := end.AddDate(0, 0, -(days - 1))

	rows, err := s.db.QueryContext(ctx, `
SELECT substr(timestamp, 1, 10), model, COUNT(*),
	SUM(input_tokens), SUM(output_tokens),
	SUM(cache_creation_tokens), SUM(cache_read_tokens),
	SUM(tokens_used), SUM(cost)
FROM usage_records
WHERE api_key_id = ? AND timestamp >= ?
GROUP BY substr(timestamp, 1, 10), model`, apiKeyID, start)
	if err != nil {
		return nil, fmt.Errorf("chart for key: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byDate := make(map[string]map[string]ModelChartPoint)
	for rows.Next() {
		var date, model string
		var point ModelChartPoint
		err := rows.Scan(&date, &model, &point.Requests,
			&point.InputTokens, &point.OutputTokens,
			&point.CacheCreationTokens, &point.CacheReadTokens,
			&point.Tokens, &point.Cost)
		if err != nil {
			return nil, fmt.Errorf("chart for key: %w", err)
		}
		if byDate[date] == nil {
			byDate[date] = make(map[string]ModelChartPoint)
		}
		byDate[date][model] = point
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chart for key: %w", err)
	}

	chart := make([]ChartPoint, 0, days)
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		date := day.Format(dateLayout)
		point := ChartPoint{Date: date}
		if models := byDate[date]; len(models) > 0 {
			point.Models = models
			for _, m := range models {
				point.TotalRequests += m.Requests
				point.TotalTokens += m.Tokens
				point.TotalCost += m.Cost
			}
		}
		chart = append(chart, point)
	}
	return chart, nil
}

// ChartOverall returns the fleet-wide daily chart over the trailing
// window, zero-filled.
func (s *Store) ChartOverall(ctx context.Context, days int) ([]ChartPoint, error) {
	if days <= 0 {
		days = 30
	}
	end := startOfDayUTC(time.Now().UTC())
	start := end.AddDate(0, 0, -(days - 1))

	rows, err := s.db.QueryContext(ctx, `
SELECT substr(timestamp, 1, 10), COUNT(*), SUM(tokens_used), SUM(cost)
FROM usage_records
WHERE timestamp >= ?
GROUP BY substr(timestamp, 1, 10)`, start)
	if err != nil {
		return nil, fmt.Errorf("chart overall: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byDate := make(map[string]ChartPoint)
	for rows.Next() {
		var point ChartPoint
		if err := rows.Scan(&point.Date, &point.TotalRequests, &point.TotalTokens, &point.TotalCost); err != nil {
			return nil, fmt.Errorf("chart overall: %w", err)
		}
		byDate[point.Date] = point
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chart overall: %w", err)
	}

	chart := make([]ChartPoint, 0, days)
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		date := day.Format(dateLayout)
		point, ok := byDate[date]
		if !ok {
			point = ChartPoint{Date: date}
		}
		chart = append(chart, point)
	}
	return chart, nil
}

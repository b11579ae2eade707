package sqlite

import (
	"context"

	"github.com/ccgw/ccgw/internal/model"
)

// UpsertDailyMetric adds delta counts into the (date, endpoint) aggregate
// row, creating it if absent. Called synchronously from the request
// pipeline's finalize step, once per completed request.
func (s *Store) UpsertDailyMetric(ctx context.Context, d model.DailyMetric) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO daily_metrics (date, endpoint, request_count, total_input_tokens, total_output_tokens, total_latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(date, endpoint) DO UPDATE SET
		   request_count = request_count + excluded.request_count,
		   total_input_tokens = total_input_tokens + excluded.total_input_tokens,
		   total_output_tokens = total_output_tokens + excluded.total_output_tokens,
		   total_latency_ms = total_latency_ms + excluded.total_latency_ms`,
		d.Date, d.Endpoint, d.RequestCount, d.TotalInputTokens, d.TotalOutputTokens, d.TotalLatencyMs,
	)
	return err
}

// ListDailyMetrics returns daily metrics between [from, to] (inclusive,
// YYYY-MM-DD), for the stats endpoints.
func (s *Store) ListDailyMetrics(ctx context.Context, from, to string) ([]model.DailyMetric, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT date, endpoint, request_count, total_input_tokens, total_output_tokens, total_latency_ms
		 FROM daily_metrics WHERE date BETWEEN ? AND ? ORDER BY date ASC`, from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DailyMetric
	for rows.Next() {
		var d model.DailyMetric
		if err := rows.Scan(&d.Date, &d.Endpoint, &d.RequestCount, &d.TotalInputTokens, &d.TotalOutputTokens, &d.TotalLatencyMs); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

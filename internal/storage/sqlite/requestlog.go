package sqlite

import (
	"context"
	"database/sql"

	"github.com/ccgw/ccgw/internal/model"
)

// InsertRequestLog writes a request_logs row as the pipeline begins
// processing a request, before the upstream call is even made, so a crash
// mid-request still leaves an in-flight trace (status_code 0).
func (s *Store) InsertRequestLog(ctx context.Context, l *model.RequestLog) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO request_logs (id, timestamp, session_id, endpoint, provider, model, client_model,
		 stream, latency_ms, ttft_ms, tpot_ms, status_code, input_tokens, output_tokens, cached_tokens,
		 error, api_key_id, api_key_name, api_key_value_masked)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, timeToStr(l.Timestamp), nullStr(l.SessionID), l.Endpoint, l.Provider, l.Model, nullStr(l.ClientModel),
		boolToInt(l.Stream), l.LatencyMs, nullInt64Ptr(l.TTFTMs), nullFloatPtr(l.TPOTMs), l.StatusCode,
		l.InputTokens, l.OutputTokens, l.CachedTokens, nullStr(l.Error),
		nullStr(l.APIKeyID), nullStr(l.APIKeyName), nullStr(l.APIKeyValueMasked),
	)
	return err
}

// FinalizeRequestLog updates the fields only known once the response has
// finished streaming: latency, TTFT/TPOT, status, token counts, and error.
// Called exactly once per request, guarded by the pipeline's idempotent
// finalize latch.
func (s *Store) FinalizeRequestLog(ctx context.Context, id string, latencyMs int64, ttftMs *int64, tpotMs *float64, statusCode int, inputTokens, outputTokens, cachedTokens int64, errMsg string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE request_logs SET latency_ms=?, ttft_ms=?, tpot_ms=?, status_code=?,
		 input_tokens=?, output_tokens=?, cached_tokens=?, error=? WHERE id=?`,
		latencyMs, nullInt64Ptr(ttftMs), nullFloatPtr(tpotMs), statusCode,
		inputTokens, outputTokens, cachedTokens, nullStr(errMsg), id,
	)
	return err
}

const selectRequestLogCols = `id, timestamp, session_id, endpoint, provider, model, client_model,
	stream, latency_ms, ttft_ms, tpot_ms, status_code, input_tokens, output_tokens, cached_tokens,
	error, api_key_id, api_key_name, api_key_value_masked`

// GetRequestLog retrieves one request log row by id.
func (s *Store) GetRequestLog(ctx context.Context, id string) (*model.RequestLog, error) {
	row := s.read.QueryRowContext(ctx, `SELECT `+selectRequestLogCols+` FROM request_logs WHERE id = ?`, id)
	return scanRequestLog(row)
}

// ListRequestLogs returns request logs newest-first, optionally filtered
// to one API key, paged by limit and offset.
func (s *Store) ListRequestLogs(ctx context.Context, apiKeyID string, limit, offset int) ([]*model.RequestLog, error) {
	query := `SELECT ` + selectRequestLogCols + ` FROM request_logs`
	args := []any{}
	if apiKeyID != "" {
		query += ` WHERE api_key_id = ?`
		args = append(args, apiKeyID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.RequestLog
	for rows.Next() {
		l, err := scanRequestLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeleteRequestLogsOlderThan removes request logs (and, via cascade, their
// payloads) whose timestamp precedes cutoff, for the retention worker.
func (s *Store) DeleteRequestLogsOlderThan(ctx context.Context, cutoff string) (int64, error) {
	result, err := s.write.ExecContext(ctx, `DELETE FROM request_logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ClearRequestLogs deletes every request log row.
func (s *Store) ClearRequestLogs(ctx context.Context) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM request_logs`)
	return err
}

func scanRequestLog(s scanner) (*model.RequestLog, error) {
	var l model.RequestLog
	var sessionID, clientModel, errMsg, apiKeyID, apiKeyName, apiKeyMasked sql.NullString
	var ttftMs sql.NullInt64
	var tpotMs sql.NullFloat64
	var timestamp sql.NullString
	var stream int

	err := s.Scan(
		&l.ID, &timestamp, &sessionID, &l.Endpoint, &l.Provider, &l.Model, &clientModel,
		&stream, &l.LatencyMs, &ttftMs, &tpotMs, &l.StatusCode, &l.InputTokens, &l.OutputTokens, &l.CachedTokens,
		&errMsg, &apiKeyID, &apiKeyName, &apiKeyMasked,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}
	l.Timestamp = parseTime(timestamp.String)
	l.SessionID = sessionID.String
	l.ClientModel = clientModel.String
	l.Stream = stream != 0
	l.Error = errMsg.String
	l.APIKeyID = apiKeyID.String
	l.APIKeyName = apiKeyName.String
	l.APIKeyValueMasked = apiKeyMasked.String
	if ttftMs.Valid {
		v := ttftMs.Int64
		l.TTFTMs = &v
	}
	if tpotMs.Valid {
		v := tpotMs.Float64
		l.TPOTMs = &v
	}
	return &l, nil
}

func nullInt64Ptr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloatPtr(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

package sqlite

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/ccgw/ccgw/internal/model"
)

// RecordAudit inserts one api_key_audit_logs row. Per the audit-redaction
// rule, callers must pass only the first 16 hex characters of any key hash
// in Details -- this package does not enforce that, it just persists what
// it's given.
func (s *Store) RecordAudit(ctx context.Context, ev model.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_key_audit_logs (id, api_key_id, api_key_name, operation, operator, details, ip_address, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, nullStr(ev.APIKeyID), nullStr(ev.APIKeyName), string(ev.Operation),
		nullStr(ev.Operator), nullStr(ev.Details), nullStr(ev.IPAddress), timeToStr(ev.CreatedAt),
	)
	return err
}

// ListAuditEvents returns audit rows newest-first, optionally filtered to
// one API key.
func (s *Store) ListAuditEvents(ctx context.Context, apiKeyID string, limit int) ([]model.AuditEvent, error) {
	query := `SELECT id, api_key_id, api_key_name, operation, operator, details, ip_address, created_at
	          FROM api_key_audit_logs`
	args := []any{}
	if apiKeyID != "" {
		query += ` WHERE api_key_id = ?`
		args = append(args, apiKeyID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		var apiKeyID, apiKeyName, operator, details, ip, createdAt sql.NullString
		if err := rows.Scan(&ev.ID, &apiKeyID, &apiKeyName, &ev.Operation, &operator, &details, &ip, &createdAt); err != nil {
			return nil, err
		}
		ev.APIKeyID = apiKeyID.String
		ev.APIKeyName = apiKeyName.String
		ev.Operator = operator.String
		ev.Details = details.String
		ev.IPAddress = ip.String
		ev.CreatedAt = parseTime(createdAt.String)
		out = append(out, ev)
	}
	return out, rows.Err()
}

package sqlite

import (
	"context"
	"database/sql"
)

// SaveRequestPayload stores the (already compressed, by the payload
// package) prompt and/or response blobs for a request, if the config-level
// payload retention policy calls for storing either. The pipeline writes
// prompt and response in two separate calls (prompt before the upstream
// send, response once it finalizes), so a nil argument here means "leave
// the existing column alone" rather than "clear it".
func (s *Store) SaveRequestPayload(ctx context.Context, requestID string, prompt, response []byte) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO request_payloads (request_id, prompt, response) VALUES (?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET
		   prompt=COALESCE(excluded.prompt, request_payloads.prompt),
		   response=COALESCE(excluded.response, request_payloads.response)`,
		requestID, prompt, response,
	)
	return err
}

// GetRequestPayload returns the compressed prompt/response blobs for a
// request log, or (nil, nil, nil) if none were stored.
func (s *Store) GetRequestPayload(ctx context.Context, requestID string) (prompt, response []byte, err error) {
	var p, r sql.RawBytes
	err = s.read.QueryRowContext(ctx,
		`SELECT prompt, response FROM request_payloads WHERE request_id = ?`, requestID,
	).Scan(&p, &r)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return append([]byte(nil), p...), append([]byte(nil), r...), nil
}

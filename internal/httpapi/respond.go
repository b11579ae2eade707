package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ccgw/ccgw/internal/errs"
)

var jsonCT = []string{"application/json"}

// writeJSON marshals v and writes it with the given status, matching the
// pre-allocated Content-Type slice trick used on the logging hot path.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("httpapi: encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}

// errorBody builds the envelope the management API and middleware-level
// errors share: {"error": {"code": ..., "message": ...}}.
func errorBody(kind errs.Kind, message string) map[string]any {
	return map[string]any{
		"error": map[string]string{
			"code":    string(kind),
			"message": message,
		},
	}
}

// maxAdminBody caps management API request bodies well below the public
// proxy's configurable limit; admin payloads are small structured JSON.
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on
// error. Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(errs.KindInvalidRequest, "invalid request body"))
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client.
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(errs.KindInvalidRequest, "not found"))
	case errors.Is(err, errs.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody(errs.KindInvalidRequest, "conflict"))
	case errors.Is(err, errs.ErrWildcardProtected):
		writeJSON(w, http.StatusForbidden, errorBody(errs.KindInvalidRequest, "wildcard key cannot be modified this way"))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody(errs.KindInternalError, "internal error"))
	}
}

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

package httpapi

import (
	"archive/zip"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ccgw/ccgw/internal/config"
	"github.com/ccgw/ccgw/internal/errs"
	"github.com/ccgw/ccgw/internal/model"
	"github.com/ccgw/ccgw/internal/storage/payload"
)

// mountAdmin wires the JSON management API: system status, live config,
// provider listing, API key CRUD, request log browsing/export/retention,
// usage stats, the operational events feed, and (if Sessions is configured)
// cookie-based web session auth.
func (s *server) mountAdmin(r chi.Router) {
	r.Get("/status", s.handleStatus)

	r.Get("/config/info", s.handleConfigInfo)
	r.Put("/config", s.handleConfigUpdate)

	r.Get("/providers", s.handleListProviders)

	r.Get("/keys", s.handleListKeys)
	r.Post("/keys", s.handleCreateKey)
	r.Patch("/keys/{id}", s.handleUpdateKey)
	r.Delete("/keys/{id}", s.handleDeleteKey)
	r.Get("/keys/{id}/reveal", s.handleRevealKey)

	r.Get("/logs", s.handleListLogs)
	r.Get("/logs/{id}", s.handleGetLog)
	r.Post("/logs/export", s.handleExportLogs)
	r.Post("/logs/cleanup", s.handleCleanupLogs)
	r.Post("/logs/clear", s.handleClearLogs)

	r.Get("/stats/overview", s.handleStatsOverview)
	r.Get("/stats/daily", s.handleStatsDaily)
	r.Get("/stats/model", s.handleStatsModel)
	r.Get("/stats/api-keys/overview", s.handleStatsKeysOverview)
	r.Get("/stats/api-keys/usage", s.handleStatsKeysUsage)

	r.Get("/events", s.handleListEvents)

	if s.deps.Sessions != nil {
		r.Get("/auth/web", s.handleAuthWeb)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/logout", s.handleLogout)
	}
}

// --- Status & config ---

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ready := true
	if s.deps.ReadyCheck != nil {
		ready = s.deps.ReadyCheck(r.Context()) == nil
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":     ready,
		"uptimeSec": int64(time.Since(s.deps.StartedAt).Seconds()),
	})
}

// configInfoResponse mirrors config.Config but masks every provider's API
// key rather than echoing ciphertext or plaintext back to the caller.
type configInfoResponse struct {
	Path            string                            `json:"path"`
	Settings        config.GlobalSettings             `json:"settings"`
	Providers       []maskedProvider                  `json:"providers"`
	EndpointRouting map[string]model.EndpointRouting  `json:"endpointRouting,omitempty"`
	ModelRoutes     map[string]string                 `json:"modelRoutes,omitempty"`
	CustomEndpoints []model.CustomEndpoint            `json:"customEndpoints,omitempty"`
}

type maskedProvider struct {
	model.Provider
	HasAPIKey bool `json:"hasApiKey"`
}

func (s *server) handleConfigInfo(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Config.Get()
	masked := make([]maskedProvider, len(cfg.Providers))
	for i, p := range cfg.Providers {
		hasKey := p.APIKey != ""
		p.APIKey = ""
		masked[i] = maskedProvider{Provider: p, HasAPIKey: hasKey}
	}
	writeJSON(w, http.StatusOK, configInfoResponse{
		Path:            s.deps.Config.Path(),
		Settings:        cfg.Settings,
		Providers:       masked,
		EndpointRouting: cfg.EndpointRouting,
		ModelRoutes:     cfg.ModelRoutes,
		CustomEndpoints: cfg.CustomEndpoints,
	})
}

// handleConfigUpdate accepts an apiKey field on each provider: empty means
// "keep the provider's current ciphertext unchanged", non-empty means
// "this is new plaintext, encrypt it now".
func (s *server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Settings        config.GlobalSettings              `json:"settings"`
		Providers       []model.Provider                   `json:"providers"`
		EndpointRouting map[string]model.EndpointRouting   `json:"endpointRouting,omitempty"`
		ModelRoutes     map[string]string                  `json:"modelRoutes,omitempty"`
		CustomEndpoints []model.CustomEndpoint             `json:"customEndpoints,omitempty"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	current := s.deps.Config.Get()
	currentByID := make(map[string]model.Provider, len(current.Providers))
	for _, p := range current.Providers {
		currentByID[p.ID] = p
	}

	providers := make([]model.Provider, len(body.Providers))
	for i, up := range body.Providers {
		p := up
		if p.APIKey == "" {
			p.APIKey = currentByID[p.ID].APIKey
		} else if s.deps.Vault != nil {
			enc, err := s.deps.Vault.Encrypt(p.APIKey)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, errorBody(errs.KindInternalError, "failed to encrypt provider api key"))
				return
			}
			p.APIKey = enc
		}
		providers[i] = p
	}

	next := current
	next.Settings = body.Settings
	next.Providers = providers
	next.EndpointRouting = body.EndpointRouting
	next.ModelRoutes = body.ModelRoutes
	next.CustomEndpoints = body.CustomEndpoints

	if err := s.deps.Config.Update(next); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.recordEvent(r, "config_updated", map[string]any{})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Config.Get()
	masked := make([]maskedProvider, len(cfg.Providers))
	for i, p := range cfg.Providers {
		hasKey := p.APIKey != ""
		p.APIKey = ""
		masked[i] = maskedProvider{Provider: p, HasAPIKey: hasKey}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: masked, Pagination: pagination{Limit: len(masked), Total: len(masked)}})
}

// --- Keys ---

type keyCreateRequest struct {
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	AllowedEndpoints []string `json:"allowedEndpoints,omitempty"`
}

type keyCreateResponse struct {
	*model.APIKey
	PlaintextKey string `json:"key"`
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Keys.ListAPIKeys(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Data: keys, Pagination: pagination{Limit: len(keys), Total: len(keys)}})
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorBody(errs.KindInvalidRequest, "name is required"))
		return
	}
	plaintext, key, err := s.deps.Keys.CreateAPIKey(r.Context(), req.Name, req.Description, req.AllowedEndpoints)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.recordEvent(r, "key_created", map[string]any{"keyId": key.ID, "name": key.Name})
	w.Header().Set("Location", "/api/keys/"+key.ID)
	writeJSON(w, http.StatusCreated, keyCreateResponse{APIKey: key, PlaintextKey: plaintext})
}

type keyUpdateRequest struct {
	Enabled          *bool     `json:"enabled,omitempty"`
	AllowedEndpoints *[]string `json:"allowedEndpoints,omitempty"`
}

func (s *server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req keyUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Keys.UpdateAPIKeySettings(r.Context(), id, req.Enabled, req.AllowedEndpoints); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.recordEvent(r, "key_updated", map[string]any{"keyId": id})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleDeleteKey refuses to delete the wildcard key: apikey.Service leaves
// that check to its callers so the audit row it writes can name the key
// unambiguously.
func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	keys, err := s.deps.Keys.ListAPIKeys(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	for _, k := range keys {
		if k.ID == id && k.IsWildcard {
			writeJSON(w, http.StatusForbidden, errorBody(errs.KindInvalidRequest, "wildcard key cannot be deleted"))
			return
		}
	}
	if err := s.deps.Keys.DeleteAPIKey(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.recordEvent(r, "key_deleted", map[string]any{"keyId": id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRevealKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	plaintext, err := s.deps.Keys.RevealAPIKey(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.recordEvent(r, "key_revealed", map[string]any{"keyId": id})
	writeJSON(w, http.StatusOK, map[string]string{"key": plaintext})
}

// --- Logs ---

func (s *server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	apiKeyID := r.URL.Query().Get("apiKeyId")
	logs, err := s.deps.Store.ListRequestLogs(r.Context(), apiKeyID, limit, offset)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Data: logs, Pagination: pagination{Offset: offset, Limit: limit, Total: len(logs)}})
}

func (s *server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	log, err := s.deps.Store.GetRequestLog(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	prompt, response, err := s.deps.Store.GetRequestPayload(r.Context(), id)
	resp := map[string]any{"log": log}
	if err == nil {
		if p, derr := payload.Decompress(prompt); derr == nil {
			resp["prompt"] = string(p)
		}
		if p, derr := payload.Decompress(response); derr == nil {
			resp["response"] = string(p)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type logExportRequest struct {
	IDs []string `json:"ids,omitempty"`
}

// handleExportLogs streams a ZIP archive with one JSON file per requested
// log row, each carrying its decompressed prompt/response payload when one
// was persisted.
func (s *server) handleExportLogs(w http.ResponseWriter, r *http.Request) {
	var req logExportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody(errs.KindInvalidRequest, "ids is required"))
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="logs-export.zip"`)
	zw := zip.NewWriter(w)
	defer zw.Close()

	for _, id := range req.IDs {
		logRow, err := s.deps.Store.GetRequestLog(r.Context(), id)
		if err != nil {
			continue
		}
		entry := map[string]any{"log": logRow}
		if prompt, response, err := s.deps.Store.GetRequestPayload(r.Context(), id); err == nil {
			if p, derr := payload.Decompress(prompt); derr == nil {
				entry["prompt"] = string(p)
			}
			if p, derr := payload.Decompress(response); derr == nil {
				entry["response"] = string(p)
			}
		}
		data, err := json.MarshalIndent(entry, "", "  ")
		if err != nil {
			continue
		}
		f, err := zw.Create(id + ".json")
		if err != nil {
			continue
		}
		f.Write(data)
	}
}

func (s *server) handleCleanupLogs(w http.ResponseWriter, r *http.Request) {
	days := s.deps.Config.Get().Settings.LogRetentionDays
	if q := r.URL.Query().Get("olderThanDays"); q != "" {
		if v, err := strconv.Atoi(q); err == nil {
			days = v
		}
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)
	n, err := s.deps.Store.DeleteRequestLogsOlderThan(r.Context(), cutoff)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.recordEvent(r, "logs_cleaned_up", map[string]any{"deleted": n})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.ClearRequestLogs(r.Context()); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.recordEvent(r, "logs_cleared", map[string]any{})
	w.WriteHeader(http.StatusNoContent)
}

// --- Stats ---

func (s *server) dailyRange(r *http.Request) (from, to string) {
	q := r.URL.Query()
	to = q.Get("to")
	from = q.Get("from")
	if to == "" {
		to = time.Now().UTC().Format("2006-01-02")
	}
	if from == "" {
		from = time.Now().UTC().AddDate(0, 0, -30).Format("2006-01-02")
	}
	return from, to
}

func (s *server) handleStatsOverview(w http.ResponseWriter, r *http.Request) {
	from, to := s.dailyRange(r)
	metrics, err := s.deps.Store.ListDailyMetrics(r.Context(), from, to)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	var requests, input, output, latency int64
	for _, m := range metrics {
		requests += m.RequestCount
		input += m.TotalInputTokens
		output += m.TotalOutputTokens
		latency += m.TotalLatencyMs
	}
	avgLatency := int64(0)
	if requests > 0 {
		avgLatency = latency / requests
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requestCount":      requests,
		"totalInputTokens":  input,
		"totalOutputTokens": output,
		"avgLatencyMs":      avgLatency,
	})
}

func (s *server) handleStatsDaily(w http.ResponseWriter, r *http.Request) {
	from, to := s.dailyRange(r)
	metrics, err := s.deps.Store.ListDailyMetrics(r.Context(), from, to)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": metrics})
}

func (s *server) handleStatsModel(w http.ResponseWriter, r *http.Request) {
	from, to := s.dailyRange(r)
	logs, err := s.deps.Store.ListRequestLogs(r.Context(), "", 1000, 0)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	type modelStat struct {
		Model        string `json:"model"`
		RequestCount int64  `json:"requestCount"`
		InputTokens  int64  `json:"inputTokens"`
		OutputTokens int64  `json:"outputTokens"`
	}
	byModel := map[string]*modelStat{}
	for _, l := range logs {
		day := l.Timestamp.UTC().Format("2006-01-02")
		if day < from || day > to {
			continue
		}
		st, ok := byModel[l.Model]
		if !ok {
			st = &modelStat{Model: l.Model}
			byModel[l.Model] = st
		}
		st.RequestCount++
		st.InputTokens += l.InputTokens
		st.OutputTokens += l.OutputTokens
	}
	out := make([]*modelStat, 0, len(byModel))
	for _, st := range byModel {
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (s *server) handleStatsKeysOverview(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Store.ListKeys(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"totalKeys": len(keys)})
}

func (s *server) handleStatsKeysUsage(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Store.ListKeys(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	type keyUsage struct {
		ID                string `json:"id"`
		Name              string `json:"name"`
		RequestCount      int64  `json:"requestCount"`
		TotalInputTokens  int64  `json:"totalInputTokens"`
		TotalOutputTokens int64  `json:"totalOutputTokens"`
	}
	out := make([]keyUsage, len(keys))
	for i, k := range keys {
		out[i] = keyUsage{ID: k.ID, Name: k.Name, RequestCount: k.RequestCount, TotalInputTokens: k.TotalInputTokens, TotalOutputTokens: k.TotalOutputTokens}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

// --- Events ---

func (s *server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	_, limit := parsePagination(r)
	events, err := s.deps.Store.ListEvents(r.Context(), limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Data: events, Pagination: pagination{Limit: limit, Total: len(events)}})
}

func (s *server) recordEvent(r *http.Request, kind string, payload map[string]any) {
	data, _ := json.Marshal(payload)
	if err := s.deps.Store.RecordEvent(r.Context(), kind, string(data)); err != nil {
		return
	}
}

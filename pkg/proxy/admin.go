package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keygate-dev/keygate/pkg/config"
	"github.com/keygate-dev/keygate/pkg/keystore"
	"github.com/keygate-dev/keygate/pkg/router"
)

const (
	defaultKeyPageLimit = 100
	maxKeyPageLimit     = 1000
	defaultRequestLimit = 100
)

func (s *Server) adminRouter() http.Handler {
	r := chi.NewRouter()

	r.Route("/api/v1", func(api chi.Router) {
		// Live push endpoints authenticate via query token only (EventSource
		// and browser WebSocket cannot set headers).
		api.Get("/stats/stream", s.requireQueryToken(s.handleStatsStream))
		api.Get("/stats/ws", s.requireQueryToken(s.handleStatsWS))

		api.Group(func(auth chi.Router) {
			auth.Use(s.adminAuthMiddleware)
			auth.Get("/upstreams", s.handleListUpstreams)
			auth.Post("/upstreams", s.handleCreateUpstream)
			auth.Put("/upstreams/{id}", s.handleUpdateUpstream)
			auth.Delete("/upstreams/{id}", s.handleDeleteUpstream)
			auth.Get("/upstreams/{id}/keys", s.handleListKeys)
			auth.Post("/upstreams/{id}/keys", s.handleAddKeys)
			auth.Put("/upstreams/{id}/keys", s.handleReplaceKeys)
			auth.Delete("/upstreams/{id}/keys", s.handleDeleteKeys)
			auth.Post("/upstreams/{id}/models/refresh", s.handleModelsRefresh)
			auth.Get("/models/routes", s.handleGetRoutes)
			auth.Put("/models/routes", s.handlePutRoutes)
			auth.Post("/reload", s.handleReload)
			auth.Get("/metrics", s.handleMetricsWindow)
			auth.Get("/requests", s.handleRecentRequests)
			auth.Get("/stats", s.handleStatsSnapshot)
			auth.Post("/billing/keys", s.handleBillingCreate)
			auth.Get("/billing/keys/{key}", s.handleBillingGet)
			auth.Post("/billing/keys/{key}/adjust", s.handleBillingAdjust)
		})
	})

	r.With(s.adminAuthMiddleware).Handle("/metrics",
		promhttp.HandlerFor(s.state.Metric.Registry(), promhttp.HandlerOpts{}))

	return r
}

func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if !s.state.AuthorizeAdmin(token) {
			writeAdminError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireQueryToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.state.AuthorizeAdmin(r.URL.Query().Get("token")) {
			writeAdminError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		next(w, r)
	}
}

func writeAdminError(w http.ResponseWriter, status int, msg, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": msg}
	if detail != "" {
		body["detail"] = detail
	}
	_ = json.NewEncoder(w).Encode(body)
}

func writeAdminJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func adminStatusForErr(err error) int {
	switch {
	case errors.Is(err, router.ErrUnknownUpstream):
		return http.StatusNotFound
	case errors.Is(err, router.ErrUpstreamExists):
		return http.StatusConflict
	case errors.Is(err, keystore.ErrStorageUnavailable), errors.Is(err, keystore.ErrCorruptRecord):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

type upstreamView struct {
	ID            string `json:"id"`
	BaseURL       string `json:"base_url"`
	Weight        int    `json:"weight"`
	Keys          int    `json:"keys"`
	CooldownUntil int64  `json:"cooldown_until_ms"`
	FailStreak    uint32 `json:"fail_streak"`
	SelectedTotal int64  `json:"selected_total"`
	Responses2xx  int64  `json:"responses_2xx"`
	Responses3xx  int64  `json:"responses_3xx"`
	Responses4xx  int64  `json:"responses_4xx"`
	Responses5xx  int64  `json:"responses_5xx"`
	ErrorsNetwork int64  `json:"errors_network"`
	ErrorsTimeout int64  `json:"errors_timeout"`
}

func upstreamToView(u *router.Upstream) upstreamView {
	until, streak := u.Cooldown()
	return upstreamView{
		ID:            u.ID,
		BaseURL:       u.BaseURL,
		Weight:        u.Weight,
		Keys:          len(u.Keys()),
		CooldownUntil: until,
		FailStreak:    streak,
		SelectedTotal: u.Stats.SelectedTotal.Load(),
		Responses2xx:  u.Stats.Responses2xx.Load(),
		Responses3xx:  u.Stats.Responses3xx.Load(),
		Responses4xx:  u.Stats.Responses4xx.Load(),
		Responses5xx:  u.Stats.Responses5xx.Load(),
		ErrorsNetwork: u.Stats.ErrorsNetwork.Load(),
		ErrorsTimeout: u.Stats.ErrorsTimeout.Load(),
	}
}

func (s *Server) handleListUpstreams(w http.ResponseWriter, _ *http.Request) {
	snap := s.state.Snapshot()
	out := make([]upstreamView, 0, len(snap.Upstreams))
	for _, u := range snap.Upstreams {
		out = append(out, upstreamToView(u))
	}
	writeAdminJSON(w, http.StatusOK, map[string]any{"upstreams": out})
}

func (s *Server) handleCreateUpstream(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ID      string `json:"id"`
		BaseURL string `json:"base_url"`
		Weight  int    `json:"weight"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeAdminError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	in.ID = strings.TrimSpace(in.ID)
	in.BaseURL = strings.TrimSpace(in.BaseURL)
	if in.ID == "" || in.BaseURL == "" {
		writeAdminError(w, http.StatusBadRequest, "bad_request", "id and base_url are required")
		return
	}
	if !strings.HasPrefix(in.BaseURL, "http://") && !strings.HasPrefix(in.BaseURL, "https://") {
		writeAdminError(w, http.StatusBadRequest, "bad_request", "base_url must start with http:// or https://")
		return
	}
	if err := s.state.AddUpstream(config.UpstreamConfig{ID: in.ID, BaseURL: in.BaseURL, Weight: in.Weight}); err != nil {
		writeAdminError(w, adminStatusForErr(err), "upstream_create_failed", err.Error())
		return
	}
	writeAdminJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": in.ID})
}

func (s *Server) handleUpdateUpstream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var in struct {
		BaseURL string `json:"base_url"`
		Weight  int    `json:"weight"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeAdminError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	in.BaseURL = strings.TrimSpace(in.BaseURL)
	if in.BaseURL != "" && !strings.HasPrefix(in.BaseURL, "http://") && !strings.HasPrefix(in.BaseURL, "https://") {
		writeAdminError(w, http.StatusBadRequest, "bad_request", "base_url must start with http:// or https://")
		return
	}
	if err := s.state.UpdateUpstream(id, in.BaseURL, in.Weight); err != nil {
		writeAdminError(w, adminStatusForErr(err), "upstream_update_failed", err.Error())
		return
	}
	writeAdminJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeleteUpstream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleteKeys := r.URL.Query().Get("delete_keys") == "1"
	if err := s.state.DeleteUpstream(id, deleteKeys); err != nil {
		writeAdminError(w, adminStatusForErr(err), "upstream_delete_failed", err.Error())
		return
	}
	writeAdminJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type keyView struct {
	Key            string `json:"key"`
	CooldownUntil  int64  `json:"cooldown_until_ms"`
	FailStreak     uint32 `json:"fail_streak"`
	LastSelectedMS int64  `json:"last_selected_ms"`
	LastFailure    string `json:"last_failure,omitempty"`
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u, ok := s.state.UpstreamByID(id)
	if !ok {
		writeAdminError(w, http.StatusNotFound, "unknown_upstream", id)
		return
	}
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", defaultKeyPageLimit)
	if limit > maxKeyPageLimit {
		limit = maxKeyPageLimit
	}
	keys := u.Keys()
	total := len(keys)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]keyView, 0, end-offset)
	for _, k := range keys[offset:end] {
		until, streak := k.Cooldown()
		out = append(out, keyView{
			Key:            k.Redacted(),
			CooldownUntil:  until,
			FailStreak:     streak,
			LastSelectedMS: k.LastSelectedMS(),
			LastFailure:    k.LastFailKind().String(),
		})
	}
	writeAdminJSON(w, http.StatusOK, map[string]any{
		"total": total, "offset": offset, "keys": out,
	})
}

// parseKeysPayload accepts either JSON {"keys": [...]} or a plain text body
// with keys separated by newlines or commas.
func parseKeysPayload(r *http.Request) ([]string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, errors.New("no keys provided")
	}
	if strings.HasPrefix(trimmed, "{") {
		var in struct {
			Keys []string `json:"keys"`
		}
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
		return in.Keys, nil
	}
	fields := strings.FieldsFunc(trimmed, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ','
	})
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			keys = append(keys, f)
		}
	}
	return keys, nil
}

func (s *Server) handleAddKeys(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	keys, err := parseKeysPayload(r)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	res, err := s.state.AddKeys(id, keys)
	if err != nil {
		writeAdminError(w, adminStatusForErr(err), "keys_add_failed", err.Error())
		return
	}
	writeAdminJSON(w, http.StatusOK, map[string]any{
		"inserted": res.Inserted, "existed": res.Existed,
	})
}

func (s *Server) handleReplaceKeys(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	keys, err := parseKeysPayload(r)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	total, err := s.state.ReplaceKeys(id, keys)
	if err != nil {
		writeAdminError(w, adminStatusForErr(err), "keys_replace_failed", err.Error())
		return
	}
	writeAdminJSON(w, http.StatusOK, map[string]any{"total": total})
}

func (s *Server) handleDeleteKeys(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	keys, err := parseKeysPayload(r)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	removed, err := s.state.DeleteKeys(id, keys)
	if err != nil {
		writeAdminError(w, adminStatusForErr(err), "keys_delete_failed", err.Error())
		return
	}
	writeAdminJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleModelsRefresh(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u, ok := s.state.UpstreamByID(id)
	if !ok {
		writeAdminError(w, http.StatusNotFound, "unknown_upstream", id)
		return
	}
	models, err := s.fetchUpstreamModels(r.Context(), u)
	if err != nil {
		writeAdminError(w, http.StatusBadGateway, "models_refresh_failed", err.Error())
		return
	}
	if _, err := s.state.Routes.SetUpstreamModels(id, models); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "routes_persist_failed", err.Error())
		return
	}
	writeAdminJSON(w, http.StatusOK, map[string]any{"upstream": id, "models": models})
}

func (s *Server) handleGetRoutes(w http.ResponseWriter, _ *http.Request) {
	doc := s.state.Routes.Doc()
	if doc == nil {
		doc = &router.RoutesDoc{
			Models:    map[string][]string{},
			Upstreams: map[string][]string{},
		}
	}
	writeAdminJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePutRoutes(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Upstreams map[string][]string `json:"upstreams"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeAdminError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	snap := s.state.Snapshot()
	for id := range in.Upstreams {
		if _, ok := snap.Index[id]; !ok {
			writeAdminError(w, http.StatusBadRequest, "unknown_upstream", id)
			return
		}
	}
	doc, err := s.state.Routes.Put(in.Upstreams)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "routes_persist_failed", err.Error())
		return
	}
	writeAdminJSON(w, http.StatusOK, doc)
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	if err := s.state.Reload(); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "reload_failed", err.Error())
		return
	}
	writeAdminJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMetricsWindow(w http.ResponseWriter, r *http.Request) {
	window := router.ParseMetricsWindow(r.URL.Query().Get("window"))
	writeAdminJSON(w, http.StatusOK, map[string]any{
		"window":  string(window),
		"buckets": s.state.Log.Buckets(window),
	})
}

func (s *Server) handleRecentRequests(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultRequestLimit)
	writeAdminJSON(w, http.StatusOK, map[string]any{
		"requests": s.state.Log.Recent(limit),
	})
}

func (s *Server) handleBillingCreate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Key     string `json:"key"`
		Balance int64  `json:"balance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeAdminError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	in.Key = strings.TrimSpace(in.Key)
	if in.Key == "" {
		writeAdminError(w, http.StatusBadRequest, "bad_request", "key is required")
		return
	}
	if !s.state.Ledger.CreateKey(in.Key, in.Balance) {
		writeAdminError(w, http.StatusConflict, "billing_key_exists", "")
		return
	}
	writeAdminJSON(w, http.StatusCreated, map[string]any{"key": in.Key, "balance": in.Balance})
}

func (s *Server) handleBillingGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	balance, ok := s.state.Ledger.Balance(key)
	if !ok {
		writeAdminError(w, http.StatusNotFound, "billing_key_not_found", "")
		return
	}
	writeAdminJSON(w, http.StatusOK, map[string]any{"key": key, "balance": balance})
}

func (s *Server) handleBillingAdjust(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var in struct {
		Delta int64 `json:"delta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeAdminError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	balance, ok := s.state.Ledger.Adjust(key, in.Delta)
	if !ok {
		writeAdminError(w, http.StatusNotFound, "billing_key_not_found", "")
		return
	}
	writeAdminJSON(w, http.StatusOK, map[string]any{"key": key, "balance": balance})
}

type statsSnapshot struct {
	StartedAtMS      int64          `json:"started_at_ms"`
	UptimeSeconds    int64          `json:"uptime_seconds"`
	RequestsTotal    int64          `json:"requests_total"`
	RequestsInflight int64          `json:"requests_inflight"`
	SelectedTotal    int64          `json:"selected_total"`
	Responses2xx     int64          `json:"responses_2xx"`
	Responses3xx     int64          `json:"responses_3xx"`
	Responses4xx     int64          `json:"responses_4xx"`
	Responses5xx     int64          `json:"responses_5xx"`
	ErrorsNetwork    int64          `json:"errors_network"`
	ErrorsTimeout    int64          `json:"errors_timeout"`
	AvgLatencyMS     float64        `json:"avg_latency_ms"`
	MaxLatencyMS     int64          `json:"max_latency_ms"`
	Upstreams        []upstreamView `json:"upstreams"`
}

func (s *Server) buildStatsSnapshot() statsSnapshot {
	st := s.state.Stats
	avg, max := st.LatencySnapshot()
	snap := s.state.Snapshot()
	upstreams := make([]upstreamView, 0, len(snap.Upstreams))
	for _, u := range snap.Upstreams {
		upstreams = append(upstreams, upstreamToView(u))
	}
	return statsSnapshot{
		StartedAtMS:      st.StartedAtMS,
		UptimeSeconds:    (time.Now().UnixMilli() - st.StartedAtMS) / 1000,
		RequestsTotal:    st.RequestsTotal.Load(),
		RequestsInflight: st.RequestsInflight.Load(),
		SelectedTotal:    st.UpstreamSelectedTotal.Load(),
		Responses2xx:     st.Responses2xx.Load(),
		Responses3xx:     st.Responses3xx.Load(),
		Responses4xx:     st.Responses4xx.Load(),
		Responses5xx:     st.Responses5xx.Load(),
		ErrorsNetwork:    st.ErrorsNetwork.Load(),
		ErrorsTimeout:    st.ErrorsTimeout.Load(),
		AvgLatencyMS:     avg,
		MaxLatencyMS:     max,
		Upstreams:        upstreams,
	}
}

func (s *Server) handleStatsSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeAdminJSON(w, http.StatusOK, s.buildStatsSnapshot())
}

// handleStatsStream pushes one stats snapshot per second as server-sent
// events until the client goes away.
func (s *Server) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAdminError(w, http.StatusInternalServerError, "streaming_unsupported", "")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	push := func() bool {
		b, err := json.Marshal(s.buildStatsSnapshot())
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !push() {
		return
	}
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-t.C:
			if !push() {
				return
			}
		}
	}
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

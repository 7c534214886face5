package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/camuig/rohstoff-dashboard/internal/backend"
	"github.com/camuig/rohstoff-dashboard/internal/chat"
	"github.com/camuig/rohstoff-dashboard/internal/dispatcher"
	"github.com/camuig/rohstoff-dashboard/internal/notify"
	"github.com/camuig/rohstoff-dashboard/internal/poller"
	"github.com/camuig/rohstoff-dashboard/internal/store"
)

const (
	defaultTimeframe = "1d"
	defaultPeriod    = "1mo"
	recentNotes      = 20
	maxRequestBody   = 1 << 20
)

var templateFuncs = template.FuncMap{
	"lower": strings.ToLower,
	"plus":  func(s string) bool { return strings.HasPrefix(s, "+") },
	"minus": func(s string) bool { return strings.HasPrefix(s, "-") },
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) view() View {
	var (
		snap  store.Snapshot
		live  bool
		msgs  []chat.Message
		notes []notify.Notification
	)
	if s.deps.Store != nil {
		snap = s.deps.Store.Snapshot()
	}
	if s.deps.Poller != nil {
		live = s.deps.Poller.Live()
	}
	if s.deps.Chat != nil {
		msgs = s.deps.Chat.Messages()
	}
	if s.deps.Feed != nil {
		notes = s.deps.Feed.Recent(recentNotes)
	}
	return BuildView(snap, notes, msgs, live)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(w, "dashboard.html", s.view()); err != nil {
		s.logger.Error("execute template", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.view())
}

func (s *Server) handleRefreshMarkets(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Dispatcher.RefreshMarkets(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

type tradeRequest struct {
	Commodity string  `json:"commodity"`
	Side      string  `json:"side"`
	Quantity  float64 `json:"quantity"`
	Platform  string  `json:"platform,omitempty"`
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	trade, err := s.deps.Dispatcher.ManualTrade(r.Context(), dispatcher.TradeRequest{
		Commodity: req.Commodity,
		Side:      backend.Side(req.Side),
		Quantity:  req.Quantity,
		Platform:  backend.Platform(strings.ToUpper(req.Platform)),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, trade)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := s.deps.Dispatcher.ClosePosition(r.Context(), id, confirmation(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))
	outcomes, err := s.deps.Dispatcher.CloseAll(r.Context(), confirmation(r), dryRun)

	type outcome struct {
		ID        string `json:"id"`
		Commodity string `json:"commodity"`
		Error     string `json:"error,omitempty"`
	}
	out := make([]outcome, 0, len(outcomes))
	for _, o := range outcomes {
		item := outcome{ID: o.Trade.ID, Commodity: o.Trade.Commodity}
		if o.Err != nil {
			item.Error = backend.Message(o.Err)
		}
		out = append(out, item)
	}
	if err != nil && len(out) == 0 {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusMultiStatus
	}
	s.writeJSON(w, status, map[string]any{"dry_run": dryRun, "trades": out})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Dispatcher.DeleteTrade(r.Context(), id, confirmation(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Store.Snapshot()
	s.writeJSON(w, http.StatusOK, buildSettings(snap.Settings))
}

// handleSaveSettings overlays the posted fields on the loaded settings and
// saves the whole record.
func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	current, loaded := s.deps.Store.Settings()
	if !loaded {
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: "settings have not loaded yet", Code: "settings_unloaded"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, badRequest(err))
		return
	}
	next, err := mergeSettings(current, body)
	if err != nil {
		s.writeError(w, badRequest(err))
		return
	}
	saved, err := s.deps.Dispatcher.SaveSettings(r.Context(), next)
	if err != nil {
		s.writeError(w, err)
		return
	}
	redacted, secrets := redactSettings(saved)
	s.writeJSON(w, http.StatusOK, map[string]any{"settings": redacted, "secrets": secrets})
}

func (s *Server) handleResetSettings(w http.ResponseWriter, r *http.Request) {
	reset, err := s.deps.Dispatcher.ResetSettings(r.Context(), confirmation(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	redacted, secrets := redactSettings(reset)
	s.writeJSON(w, http.StatusOK, map[string]any{"settings": redacted, "secrets": secrets})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if v := r.URL.Query().Get("enabled"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, badRequest(fmt.Errorf("enabled: %w", err)))
			return
		}
		req.Enabled = &on
	} else if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Enabled == nil {
		s.writeError(w, badRequest(errors.New("enabled is required")))
		return
	}
	s.deps.Poller.SetLive(*req.Enabled)
	s.writeJSON(w, http.StatusOK, map[string]bool{"live": *req.Enabled})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"messages": s.deps.Chat.Messages(),
		"pending":  s.deps.Chat.Pending(),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	reply, err := s.deps.Chat.Send(r.Context(), req.Message)
	if errors.Is(err, chat.ErrEmptyMessage) {
		s.writeError(w, badRequest(err))
		return
	}
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	s.writeJSON(w, status, reply)
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	commodity := strings.ToUpper(mux.Vars(r)["commodity"])
	q := r.URL.Query()
	timeframe := q.Get("timeframe")
	if timeframe == "" {
		timeframe = defaultTimeframe
	}
	period := q.Get("period")
	if period == "" {
		period = defaultPeriod
	}

	if err := s.deps.Poller.RefreshChart(r.Context(), commodity, timeframe, period); err != nil {
		if errors.Is(err, poller.ErrUnknownCommodity) || errors.Is(err, poller.ErrChartLimit) {
			s.writeError(w, err)
			return
		}
		s.logger.Warn("chart refresh", "commodity", commodity, "timeframe", timeframe, "error", err)
	}

	snap := s.deps.Store.Snapshot()
	key := store.ChartKey(commodity, timeframe)
	slice, ok := snap.Charts[key]
	if !ok {
		s.writeJSON(w, http.StatusBadGateway, ChartPanel{
			Panel:     Panel{State: PanelError, Error: "chart data unavailable"},
			Commodity: commodity,
			Timeframe: timeframe,
			Candles:   []backend.Candle{},
		})
		return
	}
	s.writeJSON(w, http.StatusOK, ChartPanel{
		Panel:     panelFor(slice.Meta, len(slice.Data) == 0),
		Commodity: commodity,
		Timeframe: timeframe,
		Candles:   slice.Data,
	})
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Feed.Dismiss(mux.Vars(r)["id"]) {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "notification not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// confirmation maps the confirm=true query parameter onto a Confirmer. The
// page asks the user before it sets the flag.
func confirmation(r *http.Request) dispatcher.Confirmer {
	if ok, _ := strconv.ParseBool(r.URL.Query().Get("confirm")); ok {
		return dispatcher.Confirmed
	}
	return nil
}

type requestError struct{ err error }

func (e requestError) Error() string { return e.err.Error() }
func (e requestError) Unwrap() error { return e.err }

func badRequest(err error) error { return requestError{err: err} }

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return badRequest(fmt.Errorf("invalid request body: %w", err))
	}
	return nil
}

var secretKeys = map[string]bool{
	"openai_api_key":    true,
	"gemini_api_key":    true,
	"anthropic_api_key": true,
}

// mergeSettings applies a partial JSON object to the current record. Keys
// the dashboard does not model pass through. An empty secret keeps the
// stored value, since the page never sees it.
func mergeSettings(current backend.Settings, patch []byte) (backend.Settings, error) {
	var changes map[string]json.RawMessage
	if err := json.Unmarshal(patch, &changes); err != nil {
		return backend.Settings{}, fmt.Errorf("invalid settings: %w", err)
	}

	base, err := json.Marshal(current)
	if err != nil {
		return backend.Settings{}, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return backend.Settings{}, err
	}
	for k, v := range changes {
		if secretKeys[k] && (string(v) == `""` || string(v) == "null") {
			continue
		}
		merged[k] = v
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return backend.Settings{}, err
	}
	var out backend.Settings
	if err := json.Unmarshal(data, &out); err != nil {
		return backend.Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	return out, nil
}

func statusFor(err error) int {
	var reqErr requestError
	var apiErr *backend.APIError
	switch {
	case errors.As(err, &reqErr), errors.Is(err, dispatcher.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, dispatcher.ErrNotConfirmed):
		return http.StatusPreconditionRequired
	case errors.Is(err, dispatcher.ErrUnknownTrade), errors.Is(err, poller.ErrUnknownCommodity):
		return http.StatusNotFound
	case errors.Is(err, poller.ErrChartLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, dispatcher.ErrNoPrice), errors.Is(err, dispatcher.ErrNotOpen):
		return http.StatusConflict
	case backend.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	}
	var te *backend.TransportError
	if errors.As(err, &te) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, dispatcher.ErrNoPrice):
		return "no_price"
	case errors.Is(err, dispatcher.ErrNotConfirmed):
		return "confirmation_required"
	case errors.Is(err, dispatcher.ErrUnknownTrade):
		return "unknown_trade"
	case errors.Is(err, dispatcher.ErrNotOpen):
		return "not_open"
	case errors.Is(err, dispatcher.ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, poller.ErrUnknownCommodity):
		return "unknown_commodity"
	case errors.Is(err, poller.ErrChartLimit):
		return "chart_limit"
	case backend.IsTimeout(err):
		return "timeout"
	}
	return ""
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), errorResponse{Error: backend.Message(err), Code: errorCode(err)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

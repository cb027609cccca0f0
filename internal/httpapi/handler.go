package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"qms/token-service/internal/dispatch"
	"qms/token-service/internal/models"
	"qms/token-service/internal/position"
	"qms/token-service/internal/stats"
	"qms/token-service/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Free-text limits, in runes. They keep a token row well inside what the
// change feed can carry.
const (
	maxHolderNameLength = 120
	maxPurposeLength    = 500
	maxReasonLength     = 500
)

type Handler struct {
	store      store.TokenStore
	dispatcher *dispatch.Dispatcher
	stats      *stats.Recomputer
	location   *time.Location
	now        func() time.Time
	logger     zerolog.Logger
}

type issueTokenRequest struct {
	RequestID   string `json:"request_id"`
	BusinessID  string `json:"business_id"`
	HolderName  string `json:"holder_name"`
	HolderPhone string `json:"holder_phone"`
	HolderAge   *int   `json:"holder_age"`
	Purpose     string `json:"purpose"`
	Priority    int    `json:"priority"`
}

type tokenActionRequest struct {
	RequestID  string `json:"request_id"`
	BusinessID string `json:"business_id"`
	Reason     string `json:"reason"`
}

// tokenHistoryResponse carries the hash-chained events with the result of
// verifying them. Replayed is the token rebuilt from an intact chain.
type tokenHistoryResponse struct {
	TokenID     string             `json:"token_id"`
	Events      []store.TokenEvent `json:"events"`
	Intact      bool               `json:"intact"`
	BrokenAtSeq int                `json:"broken_at_seq,omitempty"`
	Replayed    *models.Token      `json:"replayed,omitempty"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Options struct {
	Location *time.Location
	Now      func() time.Time
}

func NewHandler(st store.TokenStore, dispatcher *dispatch.Dispatcher, recomputer *stats.Recomputer, options Options, logger zerolog.Logger) *Handler {
	if options.Location == nil {
		options.Location = time.UTC
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Handler{
		store:      st,
		dispatcher: dispatcher,
		stats:      recomputer,
		location:   options.Location,
		now:        options.Now,
		logger:     logger.With().Str("component", "httpapi").Logger(),
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/queues/", h.handleQueues)
	mux.HandleFunc("/api/tokens/", h.handleTokens)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleQueues serves /api/queues/{id}[/tokens|/stats|/actions/{action}].
func (h *Handler) handleQueues(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/queues/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	queueID := parts[0]
	if !isValidUUID(queueID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "queue_id must be a UUID")
		return
	}

	switch {
	case len(parts) == 1:
		h.requireMethod(w, r, http.MethodGet, func() { h.handleGetQueue(w, r, queueID) })
	case len(parts) == 2 && parts[1] == "tokens":
		switch r.Method {
		case http.MethodGet:
			h.handleListTokens(w, r, queueID)
		case http.MethodPost:
			h.handleIssueToken(w, r, queueID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case len(parts) == 2 && parts[1] == "stats":
		h.requireMethod(w, r, http.MethodGet, func() { h.handleQueueStats(w, r, queueID) })
	case len(parts) == 3 && parts[1] == "actions":
		h.requireMethod(w, r, http.MethodPost, func() { h.handleQueueAction(w, r, queueID, parts[2]) })
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleTokens serves /api/tokens/{id}[/position|/history|/actions/{action}].
func (h *Handler) handleTokens(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/tokens/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tokenID := parts[0]
	if !isValidUUID(tokenID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "token_id must be a UUID")
		return
	}

	switch {
	case len(parts) == 1:
		h.requireMethod(w, r, http.MethodGet, func() { h.handleGetToken(w, r, tokenID) })
	case len(parts) == 2 && parts[1] == "position":
		h.requireMethod(w, r, http.MethodGet, func() { h.handleTokenPosition(w, r, tokenID) })
	case len(parts) == 2 && parts[1] == "history":
		h.requireMethod(w, r, http.MethodGet, func() { h.handleTokenHistory(w, r, tokenID) })
	case len(parts) == 3 && parts[1] == "actions":
		h.requireMethod(w, r, http.MethodPost, func() { h.handleTokenAction(w, r, tokenID, parts[2]) })
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) requireMethod(w http.ResponseWriter, r *http.Request, method string, next func()) {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	next()
}

func (h *Handler) handleGetQueue(w http.ResponseWriter, r *http.Request, queueID string) {
	queue, err := h.store.GetQueue(r.Context(), queueID)
	if err != nil {
		h.writeStoreError(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (h *Handler) handleListTokens(w http.ResponseWriter, r *http.Request, queueID string) {
	if _, err := h.store.GetQueue(r.Context(), queueID); err != nil {
		h.writeStoreError(w, r, "", err)
		return
	}
	tokens, err := h.store.ListTokens(r.Context(), queueID, h.dayStart())
	if err != nil {
		h.writeStoreError(w, r, "", err)
		return
	}
	if tokens == nil {
		tokens = []models.Token{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) handleQueueStats(w http.ResponseWriter, r *http.Request, queueID string) {
	result, err := h.stats.Get(r.Context(), queueID)
	if err != nil {
		h.writeStoreError(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request, queueID string) {
	var req issueTokenRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.HolderName = strings.TrimSpace(req.HolderName)
	req.HolderPhone = strings.TrimSpace(req.HolderPhone)
	req.Purpose = strings.TrimSpace(req.Purpose)

	if req.RequestID != "" && !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID when provided")
		return
	}
	if req.HolderName == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "holder_name is required")
		return
	}
	if utf8.RuneCountInString(req.HolderName) > maxHolderNameLength {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "holder_name must be at most 120 characters")
		return
	}
	if utf8.RuneCountInString(req.Purpose) > maxPurposeLength {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "purpose must be at most 500 characters")
		return
	}
	if req.HolderPhone != "" && !isValidPhone(req.HolderPhone) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "holder_phone must be 8-16 digits")
		return
	}
	if req.HolderAge != nil && (*req.HolderAge < 0 || *req.HolderAge > 150) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "holder_age is out of range")
		return
	}

	token, created, err := h.dispatcher.IssueToken(r.Context(), store.IssueTokenInput{
		RequestID:   req.RequestID,
		QueueID:     queueID,
		HolderName:  req.HolderName,
		HolderPhone: req.HolderPhone,
		HolderAge:   req.HolderAge,
		Purpose:     req.Purpose,
		Priority:    req.Priority,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, token)
}

func (h *Handler) handleQueueAction(w http.ResponseWriter, r *http.Request, queueID, action string) {
	var active bool
	switch action {
	case "activate":
		active = true
	case "deactivate":
		active = false
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	queue, err := h.dispatcher.SetQueueActive(r.Context(), queueID, active)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (h *Handler) handleGetToken(w http.ResponseWriter, r *http.Request, tokenID string) {
	token, err := h.store.GetToken(r.Context(), tokenID)
	if err != nil {
		h.writeStoreError(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

// handleTokenPosition computes the position from today's snapshot. A token
// from an earlier day is reported inactive.
func (h *Handler) handleTokenPosition(w http.ResponseWriter, r *http.Request, tokenID string) {
	token, err := h.store.GetToken(r.Context(), tokenID)
	if err != nil {
		h.writeStoreError(w, r, "", err)
		return
	}
	queue, err := h.store.GetQueue(r.Context(), token.QueueID)
	if err != nil {
		h.writeStoreError(w, r, "", err)
		return
	}
	tokens, err := h.store.ListTokens(r.Context(), token.QueueID, h.dayStart())
	if err != nil {
		h.writeStoreError(w, r, "", err)
		return
	}
	pos, err := position.Calculate(tokens, tokenID, queue.EstimatedWaitTime)
	if errors.Is(err, store.ErrTokenNotFound) {
		pos = position.Position{TokenID: token.TokenID, TokenNumber: token.TokenNumber, Status: token.Status}
	}
	writeJSON(w, http.StatusOK, pos)
}

func (h *Handler) handleTokenHistory(w http.ResponseWriter, r *http.Request, tokenID string) {
	events, err := h.store.ListTokenEvents(r.Context(), tokenID)
	if err != nil {
		h.writeStoreError(w, r, "", err)
		return
	}
	if events == nil {
		events = []store.TokenEvent{}
	}
	resp := tokenHistoryResponse{TokenID: tokenID, Events: events, BrokenAtSeq: store.VerifyChain(events)}
	resp.Intact = resp.BrokenAtSeq == 0
	if resp.Intact && len(events) > 0 {
		replayed, err := store.RehydrateToken(events)
		if err != nil {
			h.logger.Warn().Err(err).Str("token_id", tokenID).Msg("replay history")
		} else {
			resp.Replayed = &replayed
		}
	}
	if !resp.Intact {
		h.logger.Warn().Str("token_id", tokenID).Int("seq", resp.BrokenAtSeq).Msg("token history chain broken")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleTokenAction(w http.ResponseWriter, r *http.Request, tokenID, rawAction string) {
	var req tokenActionRequest
	if !decodeOptionalRequest(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.Reason = strings.TrimSpace(req.Reason)
	if rawAction == "start" {
		rawAction = string(store.ActionStartServing)
	}
	action, ok := store.ParseAction(rawAction)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if action != store.ActionCancel && req.Reason != "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "reason is only accepted for cancel")
		return
	}
	if utf8.RuneCountInString(req.Reason) > maxReasonLength {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "reason must be at most 500 characters")
		return
	}

	token, err := h.dispatcher.Apply(r.Context(), tokenID, action, req.Reason)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) dayStart() time.Time {
	return models.StartOfDay(h.now(), h.location)
}

func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, requestID string, err error) {
	status, code, msg := mapError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	if requestID == "" {
		requestID = requestIDFromRequest(r)
	}
	writeError(w, requestID, status, code, msg)
}

func splitPath(path, prefix string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

// isValidPhone accepts 8-16 digits with an optional leading plus.
func isValidPhone(value string) bool {
	value = strings.TrimPrefix(value, "+")
	if len(value) < 8 || len(value) > 16 {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func requestIDFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-ID")); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("request_id"))
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

// decodeOptionalRequest accepts an empty body.
func decodeOptionalRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	if r.Body == nil {
		return true
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrQueueNotFound):
		return http.StatusNotFound, "queue_not_found", "queue not found"
	case errors.Is(err, store.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found", "token not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "token status does not allow this action"
	case errors.Is(err, store.ErrStaleToken):
		return http.StatusConflict, "conflict", "token changed concurrently, retry"
	case errors.Is(err, store.ErrQueueInactive):
		return http.StatusConflict, "queue_inactive", "queue is not accepting tokens"
	case errors.Is(err, store.ErrDailyCapReached):
		return http.StatusConflict, "daily_cap_reached", "queue reached its daily token limit"
	case errors.Is(err, store.ErrUnknownAction):
		return http.StatusBadRequest, "unknown_action", "unknown token action"
	case errors.Is(err, dispatch.ErrHolderNameRequired):
		return http.StatusBadRequest, "invalid_request", "holder_name is required"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

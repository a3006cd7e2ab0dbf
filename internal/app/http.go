package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"talewise/api/internal/logger"
	"talewise/api/internal/rules"
	"talewise/api/internal/search"
	"talewise/api/internal/store"
)

const (
	specialistHeader = "X-Specialist-ID"
	maxBodyBytes     = 1 << 20
)

type HTTPServer struct {
	service    *Service
	log        *logger.Logger
	corsOrigin string
}

func NewHTTPServer(service *Service, log *logger.Logger, corsOrigin string) *HTTPServer {
	if log == nil {
		log = logger.Nop()
	}
	return &HTTPServer{service: service, log: log.With("component", "http"), corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Head("/health", s.handleHealth)
		api.Get("/ready", s.handleReady)
		api.Head("/ready", s.handleReady)

		api.Route("/rulesets", func(rs chi.Router) {
			rs.Get("/", s.handleListRuleSets)
			rs.Post("/", s.handlePublishRuleSet)
			rs.Get("/{version}", s.handleGetRuleSet)
			rs.Post("/{version}/default", s.handleSetDefaultRuleSet)
			rs.Post("/{version}/retire", s.handleRetireRuleSet)
		})

		api.Post("/contracts/preview", s.handleAdHocPreview)

		api.Route("/briefs", func(briefs chi.Router) {
			briefs.Post("/", s.handleCreateBrief)
			briefs.Get("/{briefID}", s.handleGetBrief)
			briefs.Post("/{briefID}/preview", s.handlePreviewBrief)
			briefs.Put("/{briefID}/override", s.handleApplyOverride)
			briefs.Delete("/{briefID}/override", s.handleClearOverride)
			briefs.Post("/{briefID}/draft", s.handleGenerateDraft)
		})

		api.Route("/drafts/{draftID}", func(drafts chi.Router) {
			drafts.Get("/", s.handleGetDraft)
			drafts.Put("/", s.handleUpdateDraft)
			drafts.Post("/edit", s.handleEnterEdit)
			drafts.Post("/cancel-edit", s.handleCancelEdit)
			drafts.Post("/approve", s.handleApprove)
			drafts.Get("/events", s.handleDraftEvents)
			drafts.Get("/history", s.handleDraftHistory)
			drafts.Get("/history/{rev}", s.handleDraftRevision)
			drafts.Get("/compare", s.handleCompareRevisions)
			drafts.Get("/export", s.handleExport)
			drafts.Post("/sessions", s.handleCreateSession)
		})

		api.Route("/sessions/{sessionID}", func(sessions chi.Router) {
			sessions.Get("/", s.handleGetSession)
			sessions.Post("/messages", s.handleSendMessage)
			sessions.Post("/proposals/{proposalID}/apply", s.handleApplyProposal)
			sessions.Post("/proposals/{proposalID}/reject", s.handleRejectProposal)
		})

		api.Get("/library/search", s.handleLibrarySearch)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// ---------------------------------------------------------------------------
// Rule sets

func (s *HTTPServer) handleListRuleSets(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.ListRuleSets(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// handlePublishRuleSet accepts a YAML or JSON rule set document.
func (s *HTTPServer) handlePublishRuleSet(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSpecialist(w, r); !ok {
		return
	}
	rs, err := rules.LoadRuleSet(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var validationErr *rules.ValidationError
		if errors.As(err, &validationErr) {
			s.writeServiceError(w, r, asValidation(err))
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	published, err := s.service.PublishRuleSet(r.Context(), rs)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, published)
}

func (s *HTTPServer) handleGetRuleSet(w http.ResponseWriter, r *http.Request) {
	rs, err := s.service.GetRuleSet(r.Context(), chi.URLParam(r, "version"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *HTTPServer) handleSetDefaultRuleSet(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSpecialist(w, r); !ok {
		return
	}
	rs, err := s.service.SetDefaultRuleSet(r.Context(), chi.URLParam(r, "version"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"defaultVersion": rs.Version, "ruleSet": rs})
}

func (s *HTTPServer) handleRetireRuleSet(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSpecialist(w, r); !ok {
		return
	}
	rs, err := s.service.RetireRuleSet(r.Context(), chi.URLParam(r, "version"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

// ---------------------------------------------------------------------------
// Briefs and contracts

func (s *HTTPServer) handleAdHocPreview(w http.ResponseWriter, r *http.Request) {
	var body AdHocPreviewInput
	if !s.decode(w, r, &body) {
		return
	}
	preview, err := s.service.PreviewAdHoc(r.Context(), body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *HTTPServer) handleCreateBrief(w http.ResponseWriter, r *http.Request) {
	specialistID, ok := s.requireSpecialist(w, r)
	if !ok {
		return
	}
	var body rules.Brief
	if !s.decode(w, r, &body) {
		return
	}
	brief, err := s.service.CreateBrief(r.Context(), body, specialistID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, brief)
}

func (s *HTTPServer) handleGetBrief(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetBrief(r.Context(), chi.URLParam(r, "briefID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handlePreviewBrief(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RuleSetVersion string `json:"ruleSetVersion"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	preview, err := s.service.PreviewContract(r.Context(), chi.URLParam(r, "briefID"), body.RuleSetVersion)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *HTTPServer) handleApplyOverride(w http.ResponseWriter, r *http.Request) {
	specialistID, ok := s.requireSpecialist(w, r)
	if !ok {
		return
	}
	var body struct {
		CopingToolID string `json:"copingToolId"`
		Reason       string `json:"reason"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	contract, err := s.service.ApplyOverride(r.Context(), chi.URLParam(r, "briefID"), body.CopingToolID, body.Reason, specialistID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contract": contract})
}

func (s *HTTPServer) handleClearOverride(w http.ResponseWriter, r *http.Request) {
	specialistID, ok := s.requireSpecialist(w, r)
	if !ok {
		return
	}
	contract, err := s.service.ClearOverride(r.Context(), chi.URLParam(r, "briefID"), specialistID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contract": contract})
}

func (s *HTTPServer) handleGenerateDraft(w http.ResponseWriter, r *http.Request) {
	specialistID, ok := s.requireSpecialist(w, r)
	if !ok {
		return
	}
	draft, err := s.service.GenerateDraft(r.Context(), chi.URLParam(r, "briefID"), specialistID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, draft)
}

// ---------------------------------------------------------------------------
// Drafts

func (s *HTTPServer) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	draft, err := s.service.GetDraft(r.Context(), chi.URLParam(r, "draftID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *HTTPServer) handleUpdateDraft(w http.ResponseWriter, r *http.Request) {
	specialistID, ok := s.requireSpecialist(w, r)
	if !ok {
		return
	}
	var body UpdateDraftInput
	if !s.decode(w, r, &body) {
		return
	}
	draft, err := s.service.UpdateDraft(r.Context(), chi.URLParam(r, "draftID"), specialistID, body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *HTTPServer) handleEnterEdit(w http.ResponseWriter, r *http.Request) {
	s.draftTransition(w, r, s.service.EnterEditMode)
}

func (s *HTTPServer) handleCancelEdit(w http.ResponseWriter, r *http.Request) {
	s.draftTransition(w, r, s.service.CancelEditMode)
}

func (s *HTTPServer) draftTransition(w http.ResponseWriter, r *http.Request, transition func(context.Context, string, string) (store.Draft, error)) {
	specialistID, ok := s.requireSpecialist(w, r)
	if !ok {
		return
	}
	draft, err := transition(r.Context(), chi.URLParam(r, "draftID"), specialistID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *HTTPServer) handleApprove(w http.ResponseWriter, r *http.Request) {
	specialistID, ok := s.requireSpecialist(w, r)
	if !ok {
		return
	}
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	draft, err := s.service.ApproveDraft(r.Context(), chi.URLParam(r, "draftID"), specialistID, strings.TrimSpace(body.SessionID))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *HTTPServer) handleDraftEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.service.ListDraftEvents(r.Context(), chi.URLParam(r, "draftID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *HTTPServer) handleDraftHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	commits, err := s.service.DraftHistory(r.Context(), chi.URLParam(r, "draftID"), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

func (s *HTTPServer) handleDraftRevision(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.service.DraftRevision(r.Context(), chi.URLParam(r, "draftID"), chi.URLParam(r, "rev"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) handleCompareRevisions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	result, err := s.service.CompareRevisions(r.Context(), chi.URLParam(r, "draftID"), query.Get("from"), query.Get("to"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.ExportDraft(r.Context(), chi.URLParam(r, "draftID"), r.URL.Query().Get("format"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

// ---------------------------------------------------------------------------
// Review sessions

func (s *HTTPServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	specialistID, ok := s.requireSpecialist(w, r)
	if !ok {
		return
	}
	session, err := s.service.CreateReviewSession(r.Context(), chi.URLParam(r, "draftID"), specialistID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *HTTPServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetReviewSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	specialistID, ok := s.requireSpecialist(w, r)
	if !ok {
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	result, err := s.service.SendMessage(r.Context(), chi.URLParam(r, "sessionID"), specialistID, body.Content)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) handleApplyProposal(w http.ResponseWriter, r *http.Request) {
	specialistID, ok := s.requireSpecialist(w, r)
	if !ok {
		return
	}
	draft, err := s.service.ApplyProposal(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "proposalID"), specialistID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *HTTPServer) handleRejectProposal(w http.ResponseWriter, r *http.Request) {
	specialistID, ok := s.requireSpecialist(w, r)
	if !ok {
		return
	}
	proposal, err := s.service.RejectProposal(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "proposalID"), specialistID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (s *HTTPServer) handleLibrarySearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	response := s.service.SearchLibrary(r.Context(), search.Query{
		Text:     query.Get("q"),
		AgeGroup: query.Get("ageGroup"),
		Limit:    queryInt(r, "limit", 20),
		Offset:   queryInt(r, "offset", 0),
	})
	writeJSON(w, http.StatusOK, response)
}

// ---------------------------------------------------------------------------
// plumbing

// requireSpecialist reads the caller identity set by the upstream gateway.
func (s *HTTPServer) requireSpecialist(w http.ResponseWriter, r *http.Request) (string, bool) {
	specialistID := strings.TrimSpace(r.Header.Get(specialistHeader))
	if specialistID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing "+specialistHeader+" header", nil)
		return "", false
	}
	return specialistID, true
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusServiceUnavailable {
		s.log.Error("request failed", "request_id", requestIDFrom(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.log.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	requestID, _ := ctx.Value(requestIDKey{}).(string)
	return requestID
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Specialist-ID, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// decodeBody treats a missing or empty body as an empty object.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	if errors.Is(err, store.ErrConflict) {
		return http.StatusConflict, CodeConflict, "Conflicting update", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

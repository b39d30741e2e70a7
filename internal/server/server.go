package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"docchat/internal/app"
	"docchat/internal/ratelimit"
	"docchat/internal/usertoken"
	"docchat/internal/util"
	"docchat/pkg/store"
)

const maxJSONBodyBytes = 1 << 20

// TokenVerifier resolves a bearer token into the calling identity.
type TokenVerifier interface {
	Verify(token string) (usertoken.Identity, error)
}

// Limiter caps chat turns per user.
type Limiter interface {
	Allow(ctx context.Context, key string) ratelimit.Decision
}

// Alerter counts security events and flags bursts.
type Alerter interface {
	Observe(ctx context.Context, event, outcome, ip string) (ratelimit.AlertResult, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App      *app.App
	Verifier TokenVerifier
	// Limiter is optional; nil disables per-user message limits.
	Limiter Limiter
	// Alerter is optional.
	Alerter        Alerter
	AllowedOrigins []string
	TrustedProxies *util.TrustedProxies
	// MaxRequestBytes caps a whole multipart upload request.
	MaxRequestBytes int64
}

// Server exposes the chat API over HTTP.
type Server struct {
	app             *app.App
	verifier        TokenVerifier
	limiter         Limiter
	alerter         Alerter
	allowedOrigins  []string
	trusted         *util.TrustedProxies
	maxRequestBytes int64
	mux             *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires app")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("server requires token verifier")
	}
	maxRequest := cfg.MaxRequestBytes
	if maxRequest <= 0 {
		maxRequest = 10 * cfg.App.MaxUploadBytes()
	}
	s := &Server{
		app:             cfg.App,
		verifier:        cfg.Verifier,
		limiter:         cfg.Limiter,
		alerter:         cfg.Alerter,
		allowedOrigins:  cfg.AllowedOrigins,
		trusted:         cfg.TrustedProxies,
		maxRequestBytes: maxRequest,
		mux:             http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithCORS(s.allowedOrigins, h)
	h = util.WithSecurityHeaders(s.trusted, h)
	h = util.WithRequestLog("api", s.trusted, h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// threads & messages
	s.mux.Handle("GET /threads", s.authenticated(s.handleListThreads))
	s.mux.Handle("POST /threads", s.authenticated(s.handleCreateThread))
	s.mux.Handle("PATCH /threads/{id}", s.authenticated(s.handleRenameThread))
	s.mux.Handle("DELETE /threads/{id}", s.authenticated(s.handleDeleteThread))
	s.mux.Handle("GET /threads/{id}/messages", s.authenticated(s.handleListMessages))
	s.mux.Handle("DELETE /threads/{id}/messages", s.authenticated(s.handleClearMessages))
	s.mux.Handle("POST /threads/{id}/messages", s.authenticated(s.handlePostMessage))

	// documents
	s.mux.Handle("GET /threads/{id}/documents", s.authenticated(s.handleListDocuments))
	s.mux.Handle("POST /threads/{id}/documents", s.authenticated(s.handleUploadDocuments))
	s.mux.Handle("DELETE /threads/{id}/documents", s.authenticated(s.handleDeleteThreadDocuments))
	s.mux.Handle("DELETE /threads/{id}/documents/{docId}", s.authenticated(s.handleDeleteDocument))
	s.mux.Handle("GET /threads/{id}/documents/{docId}/chunks", s.authenticated(s.handleDocumentChunks))
	s.mux.Handle("GET /threads/{id}/documents/{docId}/extract", s.authenticated(s.handleDocumentExtract))

	s.mux.Handle("GET /settings/prompts", s.authenticated(s.handlePredefinedPrompts))

	// admin
	s.mux.Handle("GET /admin/settings", s.adminOnly(s.handleAdminSettings))
	s.mux.Handle("PATCH /admin/settings", s.adminOnly(s.handleAdminPatchSettings))
	s.mux.Handle("GET /admin/documents", s.adminOnly(s.handleAdminDocuments))
	s.mux.Handle("GET /admin/threads", s.adminOnly(s.handleAdminThreads))
	s.mux.Handle("GET /admin/check", s.adminOnly(s.handleAdminCheck))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, usertoken.Identity)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", id.UserID))
		next(w, r.WithContext(ctx), id)
	})
}

func (s *Server) adminOnly(next authHandler) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
		if !id.Admin {
			s.audit(r, "api.admin.authorize", "fail", "user_id", id.UserID, "reason", "forbidden")
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		s.audit(r, "api.admin.authorize", "success", "user_id", id.UserID)
		next(w, r, id)
	})
}

func (s *Server) authorize(r *http.Request) (usertoken.Identity, bool) {
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "api.token.verify", "fail", "reason", "missing_token")
		return usertoken.Identity{}, false
	}
	id, err := s.verifier.Verify(token)
	if err != nil {
		reason := "invalid_signature_or_claims"
		switch {
		case errors.Is(err, usertoken.ErrMissingScope):
			reason = "missing_scope"
		case errors.Is(err, usertoken.ErrMissingUser):
			reason = "missing_user_id"
		}
		s.audit(r, "api.token.verify", "fail", "reason", reason)
		return usertoken.Identity{}, false
	}
	return id, true
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.trusted)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
	if s.alerter == nil {
		return
	}
	res, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security alert evaluation failed", "event", event, "err", err)
		return
	}
	if res.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", res.Count,
			"threshold", res.Threshold,
			"window", res.Window.String(),
		)
	}
}

// allowRate applies the per-user message limit. It writes the 429 itself.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, userID string) bool {
	if s.limiter == nil {
		return true
	}
	d := s.limiter.Allow(r.Context(), "messages:"+userID)
	if d.Allowed {
		return true
	}
	secs := retryAfterSeconds(d.RetryAfter)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	s.audit(r, "api.ratelimit", "fail", "user_id", userID)
	writeJSON(w, http.StatusTooManyRequests, errorBody{
		Error:             "too many requests",
		Code:              "RATE_LIMITED",
		RetryAfterSeconds: secs,
		RequestID:         util.RequestIDFromRequest(r),
	})
	return false
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

type errorBody struct {
	Error             string          `json:"error"`
	Code              string          `json:"code,omitempty"`
	Service           app.ServiceType `json:"service,omitempty"`
	RetryAfterSeconds int             `json:"retryAfterSeconds,omitempty"`
	RequestID         string          `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// appError maps an application error onto a status code and body.
func appError(r *http.Request, err error) (int, errorBody) {
	requestID := util.RequestIDFromRequest(r)
	var svcErr *app.ServiceError
	switch {
	case errors.As(err, &svcErr):
		body := errorBody{
			Error:     fmt.Sprintf("%s is unavailable", svcErr.Service),
			Code:      "SERVICE_UNAVAILABLE",
			Service:   svcErr.Service,
			RequestID: requestID,
		}
		if d, ok := svcErr.RetryAfter(); ok {
			body.RetryAfterSeconds = retryAfterSeconds(d)
		}
		return http.StatusServiceUnavailable, body
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: "not found", Code: "NOT_FOUND", RequestID: requestID}
	case errors.Is(err, app.ErrExtractNotYet):
		return http.StatusNotFound, errorBody{Error: err.Error(), Code: "EXTRACT_NOT_READY", RequestID: requestID}
	case errors.Is(err, app.ErrValidation):
		return http.StatusBadRequest, errorBody{Error: err.Error(), Code: "VALIDATION_FAILED", RequestID: requestID}
	case errors.Is(err, context.Canceled):
		return 499, errorBody{Error: "request canceled", RequestID: requestID}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal error", Code: "INTERNAL", RequestID: requestID}
	}
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := appError(r, err)
	logger := util.LoggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "err", err)
	} else {
		logger.Debug("request rejected", "status", status, "err", err)
	}
	if body.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
	}
	writeJSON(w, status, body)
}

// decodeJSON reads a bounded JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	util.LoggerFromContext(r.Context()).Debug("invalid json body", "err", err)
	writeError(w, http.StatusBadRequest, "invalid json body")
	return false
}

package server

import (
	"net/http"
	"strconv"
	"strings"

	"docchat/internal/settings"
	"docchat/internal/usertoken"
	"docchat/pkg/domain"
	"docchat/pkg/store"
)

func (s *Server) handlePredefinedPrompts(w http.ResponseWriter, _ *http.Request, _ usertoken.Identity) {
	prompts := s.app.PredefinedPrompts()
	writeJSON(w, http.StatusOK, map[string]any{
		"items": prompts,
		"count": len(prompts),
	})
}

func (s *Server) handleAdminSettings(w http.ResponseWriter, _ *http.Request, _ usertoken.Identity) {
	writeJSON(w, http.StatusOK, s.app.Settings())
}

func (s *Server) handleAdminPatchSettings(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	var patch settings.Patch
	if !decodeJSON(w, r, &patch) {
		return
	}
	out, err := s.app.PatchSettings(patch)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "api.admin.settings.patch", "success", "user_id", id.UserID)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminDocuments(w http.ResponseWriter, r *http.Request, _ usertoken.Identity) {
	filter, ok := listFilter(w, r)
	if !ok {
		return
	}
	docs, err := s.app.AdminListDocuments(r.Context(), filter)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if docs == nil {
		docs = []domain.DocsPerThread{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": docs,
		"count": len(docs),
	})
}

func (s *Server) handleAdminThreads(w http.ResponseWriter, r *http.Request, _ usertoken.Identity) {
	filter, ok := listFilter(w, r)
	if !ok {
		return
	}
	threads, err := s.app.AdminListThreads(r.Context(), filter)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if threads == nil {
		threads = []domain.Thread{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": threads,
		"count": len(threads),
	})
}

func (s *Server) handleAdminCheck(w http.ResponseWriter, r *http.Request, _ usertoken.Identity) {
	report := s.app.Check(r.Context())
	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// listFilter reads userId, includeDeleted and limit query parameters.
func listFilter(w http.ResponseWriter, r *http.Request) (store.ListFilter, bool) {
	q := r.URL.Query()
	filter := store.ListFilter{UserID: strings.TrimSpace(q.Get("userId"))}
	if raw := strings.TrimSpace(q.Get("includeDeleted")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "includeDeleted must be a boolean")
			return filter, false
		}
		filter.IncludeDeleted = v
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return filter, false
		}
		filter.Limit = v
	}
	return filter, true
}

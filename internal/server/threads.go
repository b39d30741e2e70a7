package server

import (
	"net/http"

	"docchat/internal/usertoken"
)

type threadRequest struct {
	ThreadName string `json:"threadName"`
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	threads, err := s.app.ListThreads(r.Context(), id.UserID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": threads,
		"count": len(threads),
	})
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	var req threadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	thread, err := s.app.CreateThread(r.Context(), id.UserID, req.ThreadName)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

func (s *Server) handleRenameThread(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	var req threadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	thread, err := s.app.RenameThread(r.Context(), id.UserID, r.PathValue("id"), req.ThreadName)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	if err := s.app.DeleteThread(r.Context(), id.UserID, r.PathValue("id")); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	msgs, err := s.app.ListMessages(r.Context(), id.UserID, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": msgs,
		"count": len(msgs),
	})
}

func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	n, err := s.app.ClearMessages(r.Context(), id.UserID, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

package server

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"docchat/internal/usertoken"
	"docchat/pkg/domain"
)

type messageRequest struct {
	Message string `json:"message"`
}

// streamFrame is one SSE data frame or NDJSON line of a streamed reply.
type streamFrame struct {
	Content           string                `json:"content,omitempty"`
	FollowUpQuestions []string              `json:"followupQuestions,omitempty"`
	Usage             *domain.Usage         `json:"usage,omitempty"`
	Message           *domain.ThreadMessage `json:"message,omitempty"`
	Error             *errorBody            `json:"error,omitempty"`
}

type streamFormat int

const (
	formatJSON streamFormat = iota
	formatSSE
	formatNDJSON
)

func negotiate(r *http.Request) streamFormat {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mt {
		case "text/event-stream":
			return formatSSE
		case "application/x-ndjson":
			return formatNDJSON
		}
	}
	return formatJSON
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	var req messageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.allowRate(w, r, id.UserID) {
		return
	}
	threadID := r.PathValue("id")
	format := negotiate(r)
	if format == formatJSON {
		msg, err := s.app.PostMessage(r.Context(), id.UserID, threadID, req.Message)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
		return
	}

	sw := &streamWriter{w: w, format: format}
	msg, err := s.app.StreamMessage(r.Context(), id.UserID, threadID, req.Message, func(delta string) error {
		return sw.frame(streamFrame{Content: delta})
	})
	if err != nil {
		if !sw.started {
			s.writeAppError(w, r, err)
			return
		}
		_, body := appError(r, err)
		_ = sw.frame(streamFrame{Error: &body})
		return
	}
	final := streamFrame{Message: &msg}
	if msg.Context != nil {
		final.FollowUpQuestions = msg.Context.FollowUpQuestions
		final.Usage = msg.Context.Usage
	}
	_ = sw.frame(final)
}

// streamWriter sends headers lazily so failures before the first delta still
// produce a regular error response.
type streamWriter struct {
	w       http.ResponseWriter
	format  streamFormat
	started bool
}

func (sw *streamWriter) start() {
	if sw.started {
		return
	}
	sw.started = true
	h := sw.w.Header()
	if sw.format == formatSSE {
		h.Set("Content-Type", "text/event-stream")
		h.Set("Connection", "keep-alive")
	} else {
		h.Set("Content-Type", "application/x-ndjson")
	}
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	sw.w.WriteHeader(http.StatusOK)
}

func (sw *streamWriter) frame(f streamFrame) error {
	sw.start()
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if sw.format == formatSSE {
		if f.Error != nil {
			_, err = fmt.Fprintf(sw.w, "event: error\ndata: %s\n\n", payload)
		} else {
			_, err = fmt.Fprintf(sw.w, "data: %s\n\n", payload)
		}
	} else {
		_, err = fmt.Fprintf(sw.w, "%s\n", payload)
	}
	if err != nil {
		return err
	}
	if flusher, ok := sw.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

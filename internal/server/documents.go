package server

import (
	"errors"
	"net/http"

	"docchat/internal/app"
	"docchat/internal/usertoken"
	"docchat/pkg/domain"
)

const multipartMemory = 32 << 20

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	docs, err := s.app.ListDocuments(r.Context(), id.UserID, r.PathValue("id"))
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

func (s *Server) handleUploadDocuments(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxRequestBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	uploads := make([]app.Upload, 0, len(headers))
	for _, fh := range headers {
		u := app.Upload{FileName: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Size: fh.Size}
		f, err := fh.Open()
		if err == nil {
			defer f.Close()
			u.Reader = f
		} else {
			u.Reader = failingReader{err: err}
		}
		uploads = append(uploads, u)
	}

	results, err := s.app.UploadDocuments(r.Context(), id.UserID, r.PathValue("id"), uploads)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	status := http.StatusCreated
	for _, res := range results {
		if res.Status != domain.UploadSucceeded {
			status = http.StatusMultiStatus
			break
		}
	}
	writeJSON(w, status, map[string]any{
		"items": results,
		"count": len(results),
	})
}

// failingReader surfaces a part that could not be opened as a per-file failure.
type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }

func (s *Server) handleDeleteThreadDocuments(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	n, err := s.app.DeleteThreadDocuments(r.Context(), id.UserID, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	if err := s.app.DeleteDocument(r.Context(), id.UserID, r.PathValue("id"), r.PathValue("docId")); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDocumentChunks(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	chunks, err := s.app.Chunks(r.Context(), id.UserID, r.PathValue("id"), r.PathValue("docId"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chunks)
}

func (s *Server) handleDocumentExtract(w http.ResponseWriter, r *http.Request, id usertoken.Identity) {
	docID := r.PathValue("docId")
	text, err := s.app.Extract(r.Context(), id.UserID, r.PathValue("id"), docID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"documentId": docID,
		"extract":    text,
	})
}

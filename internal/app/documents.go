package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"docchat/internal/util"
	"docchat/pkg/domain"
	"docchat/pkg/queue"
	"docchat/pkg/search"
	"docchat/pkg/storage"
	"docchat/pkg/store"
)

// Upload is one file of a multi-file upload request.
type Upload struct {
	FileName    string
	ContentType string
	// Size is the declared size; -1 when unknown.
	Size   int64
	Reader io.Reader
}

// DocumentChunks reports ingestion progress and the indexed chunks of a document.
type DocumentChunks struct {
	DocumentID string             `json:"documentId"`
	Status     search.ChunkStatus `json:"status"`
	Chunks     []domain.IndexDoc  `json:"chunks"`
}

// UploadDocuments stores each file, registers it and queues it for ingestion.
// Every file gets its own result; one failure never aborts its siblings.
func (a *App) UploadDocuments(ctx context.Context, userID, threadID string, files []Upload) ([]domain.UploadResult, error) {
	thread, err := a.thread(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	logger := util.LoggerFromContext(ctx).With("thread_id", thread.ID)
	results := make([]domain.UploadResult, 0, len(files))
	for _, f := range files {
		res := a.uploadOne(ctx, thread, f)
		if res.Status == domain.UploadFailed {
			logger.Warn("document upload failed", "file", f.FileName, "err", res.Error)
		} else {
			logger.Info("document uploaded", "file", f.FileName, "document_id", res.DocumentID)
		}
		results = append(results, res)
	}
	return results, nil
}

func (a *App) uploadOne(ctx context.Context, thread domain.Thread, f Upload) domain.UploadResult {
	res := domain.UploadResult{FileName: f.FileName, Status: domain.UploadFailed}
	name := storage.SanitizeFilename(f.FileName)
	if _, blocked := a.blocked[storage.Ext(name)]; blocked {
		res.Error = fmt.Sprintf("file type %q is not allowed", storage.Ext(name))
		return res
	}
	if f.Size > a.maxUploadBytes {
		res.Error = fmt.Sprintf("file exceeds the %d byte limit", a.maxUploadBytes)
		return res
	}
	if f.Reader == nil {
		res.Error = "file is empty"
		return res
	}
	data, err := io.ReadAll(io.LimitReader(f.Reader, a.maxUploadBytes+1))
	if err != nil {
		res.Error = "read file: " + err.Error()
		return res
	}
	if int64(len(data)) > a.maxUploadBytes {
		res.Error = fmt.Sprintf("file exceeds the %d byte limit", a.maxUploadBytes)
		return res
	}
	if len(data) == 0 {
		res.Error = "file is empty"
		return res
	}

	docID := uuid.NewString()
	obj, err := a.documents.Put(ctx, storage.ObjectRef{ThreadID: thread.ID, DocumentID: docID, FileName: name},
		bytes.NewReader(data), int64(len(data)), f.ContentType)
	if err != nil {
		res.Error = serviceErr(ServiceDocumentStore, "store document", err).Error()
		return res
	}
	doc := domain.DocsPerThread{
		ID:           docID,
		ThreadID:     thread.ID,
		UserID:       thread.UserID,
		DocumentName: name,
		Folder:       obj.Folder,
		StorageKey:   obj.Key,
		ContentType:  f.ContentType,
		FileSize:     int64(len(data)),
		UploadDate:   a.clock(),
	}
	if err := a.store.SaveDocument(ctx, doc); err != nil {
		if derr := a.documents.Delete(ctx, obj); derr != nil {
			util.LoggerFromContext(ctx).Warn("remove orphaned document binary failed", "document_id", docID, "err", derr)
		}
		res.Error = serviceErr(ServiceDocumentRegistry, "register document", err).Error()
		return res
	}
	job := queue.Job{
		DocumentID:  docID,
		ThreadID:    thread.ID,
		UserID:      thread.UserID,
		FileName:    name,
		ContentType: f.ContentType,
		Data:        data,
	}
	if err := a.queue.Enqueue(ctx, job); err != nil {
		// Soft-delete so cleanup reclaims the stored binary.
		if derr := a.store.SoftDeleteDocument(ctx, thread.UserID, docID); derr != nil {
			util.LoggerFromContext(ctx).Warn("soft delete of unqueued document failed", "document_id", docID, "err", derr)
		}
		res.Error = "queue document: " + err.Error()
		return res
	}
	res.DocumentID = docID
	res.Status = domain.UploadSucceeded
	return res
}

// ListDocuments returns the live documents of a thread in upload order.
func (a *App) ListDocuments(ctx context.Context, userID, threadID string) ([]domain.DocsPerThread, error) {
	if _, err := a.thread(ctx, userID, threadID); err != nil {
		return nil, err
	}
	docs, err := a.store.ListDocumentsByThread(ctx, userID, threadID)
	if err != nil {
		return nil, serviceErr(ServiceDocumentRegistry, "list documents", err)
	}
	return docs, nil
}

// DeleteDocument soft-deletes one document; cleanup cascades the removal.
func (a *App) DeleteDocument(ctx context.Context, userID, threadID, documentID string) error {
	if _, err := a.document(ctx, userID, threadID, documentID); err != nil {
		return err
	}
	return repoErr(ServiceDocumentRegistry, "delete document", a.store.SoftDeleteDocument(ctx, userID, documentID))
}

// DeleteThreadDocuments soft-deletes every live document of a thread.
func (a *App) DeleteThreadDocuments(ctx context.Context, userID, threadID string) (int, error) {
	if _, err := a.thread(ctx, userID, threadID); err != nil {
		return 0, err
	}
	n, err := a.store.SoftDeleteDocumentsByThread(ctx, threadID)
	if err != nil {
		return n, serviceErr(ServiceDocumentRegistry, "delete thread documents", err)
	}
	return n, nil
}

// Chunks returns the indexed chunks of a document with its ingestion status.
func (a *App) Chunks(ctx context.Context, userID, threadID, documentID string) (DocumentChunks, error) {
	if _, err := a.document(ctx, userID, threadID, documentID); err != nil {
		return DocumentChunks{}, err
	}
	status, err := a.search.IsChunkingComplete(ctx, documentID)
	if err != nil {
		return DocumentChunks{}, serviceErr(ServiceSearch, "chunk status", err)
	}
	chunks, err := a.search.Chunks(ctx, documentID)
	if err != nil {
		return DocumentChunks{}, serviceErr(ServiceSearch, "list chunks", err)
	}
	if chunks == nil {
		chunks = []domain.IndexDoc{}
	}
	return DocumentChunks{DocumentID: documentID, Status: status, Chunks: chunks}, nil
}

// Extract returns the generated summary of a document.
func (a *App) Extract(ctx context.Context, userID, threadID, documentID string) (string, error) {
	if _, err := a.document(ctx, userID, threadID, documentID); err != nil {
		return "", err
	}
	text, err := a.search.Extract(ctx, documentID)
	if errors.Is(err, search.ErrNoExtract) {
		return "", ErrExtractNotYet
	}
	if err != nil {
		return "", serviceErr(ServiceSearch, "extract", err)
	}
	return text, nil
}

// document loads a live document of the given thread owned by userID.
func (a *App) document(ctx context.Context, userID, threadID, documentID string) (domain.DocsPerThread, error) {
	if _, err := a.thread(ctx, userID, threadID); err != nil {
		return domain.DocsPerThread{}, err
	}
	doc, err := a.store.GetDocument(ctx, userID, documentID)
	if err != nil {
		return domain.DocsPerThread{}, repoErr(ServiceDocumentRegistry, "get document", err)
	}
	if doc.ThreadID != threadID || doc.Deleted {
		return domain.DocsPerThread{}, store.ErrNotFound
	}
	return doc, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"docchat/pkg/domain"
)

const migrateLockID int64 = 48151623

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// NewGormStoreFromDB wraps an already opened connection and migrates it.
// Used with non-Postgres dialects where advisory locks are unavailable.
func NewGormStoreFromDB(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("db required")
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// DB exposes the underlying connection so sibling components can share the pool.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func newGormLogger() gormlogger.Interface {
	return gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ThreadModel{}, &MessageModel{}, &DocumentModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Ping checks database reachability.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// threads

// CreateThread stores a new thread.
func (s *GormStore) CreateThread(ctx context.Context, thread domain.Thread) error {
	model := threadToModel(thread)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetThread returns a non-deleted thread owned by userID.
func (s *GormStore) GetThread(ctx context.Context, userID, id string) (domain.Thread, error) {
	var model ThreadModel
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND deleted = ?", id, userID, false).
		First(&model).Error
	if err != nil {
		return domain.Thread{}, notFound(err)
	}
	return threadFromModel(model), nil
}

// ListThreads returns the user's non-deleted threads, most recently updated first.
func (s *GormStore) ListThreads(ctx context.Context, userID string) ([]domain.Thread, error) {
	var models []ThreadModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND deleted = ?", userID, false).
		Order("last_updated DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return threadsFromModels(models), nil
}

// ListAllThreads is the admin listing across users.
func (s *GormStore) ListAllThreads(ctx context.Context, filter ListFilter) ([]domain.Thread, error) {
	tx := s.db.WithContext(ctx).Order("last_updated DESC").Limit(filter.limit())
	if filter.UserID != "" {
		tx = tx.Where("user_id = ?", filter.UserID)
	}
	if !filter.IncludeDeleted {
		tx = tx.Where("deleted = ?", false)
	}
	var models []ThreadModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	return threadsFromModels(models), nil
}

// RenameThread patches the thread name and bumps LastUpdated.
func (s *GormStore) RenameThread(ctx context.Context, userID, id, name string) (domain.Thread, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&ThreadModel{}).
		Where("id = ? AND user_id = ? AND deleted = ?", id, userID, false).
		Updates(map[string]any{"thread_name": name, "last_updated": now})
	if res.Error != nil {
		return domain.Thread{}, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Thread{}, ErrNotFound
	}
	return s.GetThread(ctx, userID, id)
}

// TouchThread sets LastUpdated.
func (s *GormStore) TouchThread(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&ThreadModel{}).
		Where("id = ?", id).
		Update("last_updated", at.UTC()).Error
}

// SoftDeleteThread flags a thread as deleted; cleanup performs the cascade.
func (s *GormStore) SoftDeleteThread(ctx context.Context, userID, id string) error {
	res := s.db.WithContext(ctx).Model(&ThreadModel{}).
		Where("id = ? AND user_id = ? AND deleted = ?", id, userID, false).
		Update("deleted", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSoftDeletedThreads returns threads awaiting the cleanup cascade.
func (s *GormStore) ListSoftDeletedThreads(ctx context.Context, limit int) ([]domain.Thread, error) {
	var models []ThreadModel
	if err := s.db.WithContext(ctx).
		Where("deleted = ?", true).
		Order("last_updated ASC").
		Limit(normalizeLimit(limit)).
		Find(&models).Error; err != nil {
		return nil, err
	}
	return threadsFromModels(models), nil
}

// ListThreadsOlderThan returns live threads not updated since cutoff.
func (s *GormStore) ListThreadsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Thread, error) {
	var models []ThreadModel
	if err := s.db.WithContext(ctx).
		Where("deleted = ? AND last_updated < ?", false, cutoff.UTC()).
		Order("last_updated ASC").
		Limit(normalizeLimit(limit)).
		Find(&models).Error; err != nil {
		return nil, err
	}
	return threadsFromModels(models), nil
}

// DeleteThread hard-deletes a thread once it has no messages left.
func (s *GormStore) DeleteThread(ctx context.Context, id string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&MessageModel{}).Where("thread_id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrThreadHasMessages
	}
	return s.db.WithContext(ctx).Delete(&ThreadModel{}, "id = ?", id).Error
}

// messages

// AddMessage records a message.
func (s *GormStore) AddMessage(ctx context.Context, msg domain.ThreadMessage) error {
	model, err := messageToModel(msg)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListMessages returns the thread's messages in chronological order.
func (s *GormStore) ListMessages(ctx context.Context, userID, threadID string) ([]domain.ThreadMessage, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Where("thread_id = ? AND user_id = ?", threadID, userID).
		Order("created ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.ThreadMessage, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs, nil
}

// DeleteMessages removes every message of a thread one by one and returns the count.
func (s *GormStore) DeleteMessages(ctx context.Context, threadID string) (int, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("thread_id = ?", threadID).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	deleted := 0
	for _, id := range ids {
		if err := s.db.WithContext(ctx).Delete(&MessageModel{}, "id = ?", id).Error; err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// documents

// SaveDocument stores or updates a registry record.
func (s *GormStore) SaveDocument(ctx context.Context, doc domain.DocsPerThread) error {
	model := documentToModel(doc)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"document_name", "folder", "storage_key", "content_type", "file_size",
			"deleted", "available_in_search_index", "extract_available",
		}),
	}).Create(&model).Error
}

// GetDocument returns a non-deleted document owned by userID.
func (s *GormStore) GetDocument(ctx context.Context, userID, id string) (domain.DocsPerThread, error) {
	var model DocumentModel
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND deleted = ?", id, userID, false).
		First(&model).Error
	if err != nil {
		return domain.DocsPerThread{}, notFound(err)
	}
	return documentFromModel(model), nil
}

// GetDocumentByID returns a document regardless of owner or deletion state.
func (s *GormStore) GetDocumentByID(ctx context.Context, id string) (domain.DocsPerThread, error) {
	var model DocumentModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return domain.DocsPerThread{}, notFound(err)
	}
	return documentFromModel(model), nil
}

// ListDocumentsByThread returns the live documents of a thread.
func (s *GormStore) ListDocumentsByThread(ctx context.Context, userID, threadID string) ([]domain.DocsPerThread, error) {
	return s.listDocuments(s.db.WithContext(ctx).
		Where("thread_id = ? AND user_id = ? AND deleted = ?", threadID, userID, false))
}

// ListAllDocumentsByThread includes soft-deleted rows.
func (s *GormStore) ListAllDocumentsByThread(ctx context.Context, threadID string) ([]domain.DocsPerThread, error) {
	return s.listDocuments(s.db.WithContext(ctx).Where("thread_id = ?", threadID))
}

// ListDocuments is the admin listing across users.
func (s *GormStore) ListDocuments(ctx context.Context, filter ListFilter) ([]domain.DocsPerThread, error) {
	tx := s.db.WithContext(ctx).Limit(filter.limit())
	if filter.UserID != "" {
		tx = tx.Where("user_id = ?", filter.UserID)
	}
	if !filter.IncludeDeleted {
		tx = tx.Where("deleted = ?", false)
	}
	return s.listDocuments(tx)
}

func (s *GormStore) listDocuments(tx *gorm.DB) ([]domain.DocsPerThread, error) {
	var models []DocumentModel
	if err := tx.Order("upload_date ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	docs := make([]domain.DocsPerThread, 0, len(models))
	for _, m := range models {
		docs = append(docs, documentFromModel(m))
	}
	return docs, nil
}

// SoftDeleteDocument flags a document as deleted.
func (s *GormStore) SoftDeleteDocument(ctx context.Context, userID, id string) error {
	res := s.db.WithContext(ctx).Model(&DocumentModel{}).
		Where("id = ? AND user_id = ? AND deleted = ?", id, userID, false).
		Update("deleted", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteDocumentsByThread flags every live document of a thread and returns the count.
func (s *GormStore) SoftDeleteDocumentsByThread(ctx context.Context, threadID string) (int, error) {
	res := s.db.WithContext(ctx).Model(&DocumentModel{}).
		Where("thread_id = ? AND deleted = ?", threadID, false).
		Update("deleted", true)
	return int(res.RowsAffected), res.Error
}

// MarkDocumentIndexed records that the ingestion pipeline finished.
func (s *GormStore) MarkDocumentIndexed(ctx context.Context, id string, extractAvailable bool) error {
	return s.db.WithContext(ctx).Model(&DocumentModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"available_in_search_index": true,
			"extract_available":         extractAvailable,
		}).Error
}

// ListSoftDeletedDocuments returns documents awaiting the cleanup cascade.
func (s *GormStore) ListSoftDeletedDocuments(ctx context.Context, limit int) ([]domain.DocsPerThread, error) {
	var models []DocumentModel
	if err := s.db.WithContext(ctx).
		Where("deleted = ?", true).
		Order("upload_date ASC").
		Limit(normalizeLimit(limit)).
		Find(&models).Error; err != nil {
		return nil, err
	}
	docs := make([]domain.DocsPerThread, 0, len(models))
	for _, m := range models {
		docs = append(docs, documentFromModel(m))
	}
	return docs, nil
}

// DeleteDocument hard-deletes a registry record. Missing rows are not an error.
func (s *GormStore) DeleteDocument(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&DocumentModel{}, "id = ?", id).Error
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func threadToModel(t domain.Thread) ThreadModel {
	return ThreadModel{
		ID:          t.ID,
		UserID:      t.UserID,
		Type:        domain.TypeThread,
		ThreadName:  t.ThreadName,
		Deleted:     t.Deleted,
		LastUpdated: t.LastUpdated.UTC(),
	}
}

func threadFromModel(m ThreadModel) domain.Thread {
	return domain.Thread{
		ID:          m.ID,
		UserID:      m.UserID,
		Type:        m.Type,
		ThreadName:  m.ThreadName,
		Deleted:     m.Deleted,
		LastUpdated: m.LastUpdated,
	}
}

func threadsFromModels(models []ThreadModel) []domain.Thread {
	res := make([]domain.Thread, 0, len(models))
	for _, m := range models {
		res = append(res, threadFromModel(m))
	}
	return res
}

func messageToModel(msg domain.ThreadMessage) (MessageModel, error) {
	var raw []byte
	if msg.Context != nil {
		var err error
		raw, err = json.Marshal(msg.Context)
		if err != nil {
			return MessageModel{}, fmt.Errorf("encode message context: %w", err)
		}
	}
	return MessageModel{
		ID:       msg.ID,
		ThreadID: msg.ThreadID,
		UserID:   msg.UserID,
		Type:     domain.TypeMessage,
		Role:     string(msg.Role),
		Content:  msg.Content,
		Context:  raw,
		Created:  msg.Created.UTC(),
	}, nil
}

func messageFromModel(m MessageModel) domain.ThreadMessage {
	var msgCtx *domain.MessageContext
	if len(m.Context) > 0 && strings.TrimSpace(string(m.Context)) != "null" {
		var decoded domain.MessageContext
		if err := json.Unmarshal(m.Context, &decoded); err == nil {
			msgCtx = &decoded
		}
	}
	return domain.ThreadMessage{
		ID:       m.ID,
		ThreadID: m.ThreadID,
		UserID:   m.UserID,
		Type:     m.Type,
		Role:     domain.ParseRole(m.Role),
		Content:  m.Content,
		Context:  msgCtx,
		Created:  m.Created,
	}
}

func documentToModel(d domain.DocsPerThread) DocumentModel {
	return DocumentModel{
		ID:                     d.ID,
		ThreadID:               d.ThreadID,
		UserID:                 d.UserID,
		DocumentName:           d.DocumentName,
		Folder:                 d.Folder,
		StorageKey:             d.StorageKey,
		ContentType:            d.ContentType,
		FileSize:               d.FileSize,
		UploadDate:             d.UploadDate.UTC(),
		Deleted:                d.Deleted,
		AvailableInSearchIndex: d.AvailableInSearchIndex,
		ExtractAvailable:       d.ExtractAvailable,
	}
}

func documentFromModel(m DocumentModel) domain.DocsPerThread {
	return domain.DocsPerThread{
		ID:                     m.ID,
		ThreadID:               m.ThreadID,
		UserID:                 m.UserID,
		DocumentName:           m.DocumentName,
		Folder:                 m.Folder,
		StorageKey:             m.StorageKey,
		ContentType:            m.ContentType,
		FileSize:               m.FileSize,
		UploadDate:             m.UploadDate,
		Deleted:                m.Deleted,
		AvailableInSearchIndex: m.AvailableInSearchIndex,
		ExtractAvailable:       m.ExtractAvailable,
	}
}

package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type ThreadModel struct {
	ID          string    `gorm:"primaryKey"`
	UserID      string    `gorm:"not null;index:idx_thread_user_updated,priority:1"`
	Type        string    `gorm:"not null"`
	ThreadName  string    `gorm:"not null"`
	Deleted     bool      `gorm:"not null;default:false;index"`
	LastUpdated time.Time `gorm:"not null;index:idx_thread_user_updated,priority:2"`
}

type MessageModel struct {
	ID       string         `gorm:"primaryKey"`
	ThreadID string         `gorm:"not null;index:idx_message_thread_created,priority:1"`
	UserID   string         `gorm:"not null;index"`
	Type     string         `gorm:"not null"`
	Role     string         `gorm:"not null"`
	Content  string         `gorm:"type:text;not null"`
	Context  datatypes.JSON `gorm:""`
	Created  time.Time      `gorm:"not null;index:idx_message_thread_created,priority:2"`
}

type DocumentModel struct {
	ID                     string `gorm:"primaryKey"`
	ThreadID               string `gorm:"not null;index"`
	UserID                 string `gorm:"not null;index"`
	DocumentName           string `gorm:"not null"`
	Folder                 string
	StorageKey             string
	ContentType            string
	FileSize               int64     `gorm:"not null"`
	UploadDate             time.Time `gorm:"not null;index"`
	Deleted                bool      `gorm:"not null;default:false;index"`
	AvailableInSearchIndex bool      `gorm:"not null;default:false"`
	ExtractAvailable       bool      `gorm:"not null;default:false"`
}

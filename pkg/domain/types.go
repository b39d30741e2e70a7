package domain

import (
	"strings"
	"time"
)

const (
	TypeThread  = "CHAT_THREAD"
	TypeMessage = "CHAT_MESSAGE"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole maps a stored role string onto a chat history role.
// Unknown or empty values are treated as user input.
func ParseRole(raw string) Role {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "assistant", "bot", "ai":
		return RoleAssistant
	case "system":
		return RoleSystem
	default:
		return RoleUser
	}
}

type Thread struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Type        string    `json:"type"`
	ThreadName  string    `json:"threadName"`
	Deleted     bool      `json:"deleted"`
	LastUpdated time.Time `json:"lastUpdated"`
}

type ThreadMessage struct {
	ID       string          `json:"id"`
	ThreadID string          `json:"threadId"`
	UserID   string          `json:"userId"`
	Type     string          `json:"type"`
	Role     Role            `json:"role"`
	Content  string          `json:"content"`
	Context  *MessageContext `json:"context,omitempty"`
	Created  time.Time       `json:"created"`
}

// MessageContext carries retrieval and generation metadata of an assistant turn.
type MessageContext struct {
	Citations         []Citation `json:"citations,omitempty"`
	FollowUpQuestions []string   `json:"followupQuestions,omitempty"`
	Thoughts          string     `json:"thoughts,omitempty"`
	DataPoints        []string   `json:"dataPoints,omitempty"`
	RewrittenQuery    string     `json:"rewrittenQuery,omitempty"`
	Usage             *Usage     `json:"usage,omitempty"`
}

type Citation struct {
	Label      string `json:"label"`
	DocumentID string `json:"documentId"`
	FileName   string `json:"fileName"`
	ChunkID    string `json:"chunkId"`
	Snippet    string `json:"snippet"`
}

type Usage struct {
	PromptTokens     int   `json:"promptTokens"`
	CompletionTokens int   `json:"completionTokens"`
	TotalTokens      int   `json:"totalTokens"`
	DurationMs       int64 `json:"durationMs"`
}

// DocsPerThread links an uploaded document to the thread and user that own it.
type DocsPerThread struct {
	ID                     string    `json:"id"`
	ThreadID               string    `json:"threadId"`
	UserID                 string    `json:"userId"`
	DocumentName           string    `json:"documentName"`
	Folder                 string    `json:"folder"`
	StorageKey             string    `json:"-"`
	ContentType            string    `json:"contentType"`
	FileSize               int64     `json:"fileSize"`
	UploadDate             time.Time `json:"uploadDate"`
	Deleted                bool      `json:"deleted"`
	AvailableInSearchIndex bool      `json:"availableInSearchIndex"`
	ExtractAvailable       bool      `json:"extractAvailable"`
}

// IndexDoc is one record of the search index: a document chunk or its extract.
type IndexDoc struct {
	ChunkID       string    `json:"chunkId"`
	DocumentID    string    `json:"documentId"`
	ThreadID      string    `json:"threadId"`
	UserID        string    `json:"userId"`
	FileName      string    `json:"fileName"`
	Content       string    `json:"content"`
	ContentVector []float32 `json:"-"`
	Extract       string    `json:"extract,omitempty"`
	IsExtract     bool      `json:"isExtract"`
	ChunkIndex    int       `json:"chunkIndex"`
}

type UploadStatus string

const (
	UploadSucceeded UploadStatus = "succeeded"
	UploadFailed    UploadStatus = "failed"
)

// UploadResult reports the outcome of one file of a multi-file upload.
type UploadResult struct {
	FileName   string       `json:"fileName"`
	DocumentID string       `json:"documentId,omitempty"`
	Status     UploadStatus `json:"status"`
	Error      string       `json:"error,omitempty"`
}

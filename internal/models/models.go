package models

import "time"

// Document is one knowledge-base entry (runbook, service sheet, guide).
// Content is stored but never serialized in list responses.
type Document struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Source    string            `json:"source"`
	Path      string            `json:"path,omitempty"`
	SHA       string            `json:"sha,omitempty"`
	Lang      string            `json:"lang,omitempty"`
	Content   string            `json:"-"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

type Chunk struct {
	ID        string `json:"id"`
	DocID     string `json:"docID"`
	Ord       int    `json:"ord"`
	Text      string `json:"text"`
	StartLine int    `json:"startLine,omitempty"`
	EndLine   int    `json:"endLine,omitempty"`
}

type SearchResult struct {
	DocID     string  `json:"docID"`
	Title     string  `json:"title,omitempty"`
	Source    string  `json:"source,omitempty"`
	Score     float64 `json:"score"`
	Preview   string  `json:"preview,omitempty"`
	StartLine int     `json:"startLine,omitempty"`
	EndLine   int     `json:"endLine,omitempty"`
}

type Role string

const (
	RoleAdmin Role = "admin"
	RoleAgent Role = "agent"
)

type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name,omitempty"`
	Role         Role       `json:"role"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
}

type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userID"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationID"`
	Role           string    `json:"role"` // system|user|assistant
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// IngestResult reports what AddDocument actually did.
type IngestResult struct {
	DocID    string `json:"docID"`
	Chunks   int    `json:"chunks"`
	Embedded bool   `json:"embedded"`
	Skipped  bool   `json:"skipped,omitempty"`
}

type Stats struct {
	Documents     int   `json:"documents"`
	Chunks        int   `json:"chunks"`
	Vectors       int   `json:"vectors"`
	Conversations int   `json:"conversations"`
	Users         int   `json:"users"`
	DBBytes       int64 `json:"dbBytes,omitempty"`
}

package store

import (
	"database/sql"

	"deskbot/internal/models"
)

// TxRunner provides a transaction wrapper for repository operations.
type TxRunner interface {
	WithTx(fn func(*sql.Tx) error) error
}

// DocumentRepo defines minimal document CRUD.
type DocumentRepo interface {
	UpsertDocument(doc models.Document) (*models.Document, []models.Chunk, bool, error)
	GetDocument(id string) (*models.Document, bool)
	GetDocumentByPath(path string) (*models.Document, bool)
	ListDocuments() []*models.Document
	DeleteDocument(id string) error
}

// UserRepo defines user lookup and creation for the auth layer.
type UserRepo interface {
	CreateUser(email, name string, role models.Role, passwordHash string) (*models.User, error)
	GetUserByEmail(email string) (*models.User, bool)
	GetUser(id string) (*models.User, bool)
	TouchLastLogin(id string) error
	CountUsers() int
}

// ConversationRepo defines chat history persistence.
type ConversationRepo interface {
	CreateConversation(userID, title string) (*models.Conversation, error)
	GetConversation(id string) (*models.Conversation, bool)
	AppendMessage(convID, role, content string) (*models.ChatMessage, error)
	ListMessages(convID string, limit int) ([]models.ChatMessage, error)
	CleanupConversations(ttlDays int) (int, error)
}

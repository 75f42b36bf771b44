// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/TBVault/tbv-frontend-sub000/internal/domain"
)

// Repository defines the interface for persisting chat sessions and their
// messages.
type Repository interface {
	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// GetSession retrieves a session by id. It returns nil, nil when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.ChatSession, error)

	// UpsertSession creates a session or refreshes its updated_on timestamp.
	// An existing non-empty title is kept when session.Title is empty. A
	// session created by another owner is left untouched and ErrSessionOwned
	// is returned.
	UpsertSession(ctx context.Context, session *domain.ChatSession) error

	// ListSessions returns up to limit of the owner's sessions, most recently
	// updated first.
	ListSessions(ctx context.Context, owner string, limit int) ([]*domain.ChatSession, error)

	// SetSessionTitle stores the topic inferred for a session.
	SetSessionTitle(ctx context.Context, sessionID, title string) error

	// SaveMessages appends the messages of one turn atomically.
	SaveMessages(ctx context.Context, owner, sessionID string, messages []domain.Message) error

	// ListMessages returns a session's messages in the order they were saved.
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)
}

// Package domain contains core domain types for the vault gateway.
package domain

import (
	"strings"
	"time"

	"github.com/TBVault/tbv-frontend-sub000/internal/chatobject"
)

// Role identifies the author of a chat message.
type Role string

const (
	// RoleUser marks a message typed by the signed-in user.
	RoleUser Role = "user"
	// RoleAssistant marks a message assembled from the chat backend stream.
	RoleAssistant Role = "assistant"
)

// TempIDPrefix prefixes ids of optimistic messages that have not been
// confirmed by the store yet.
const TempIDPrefix = "temp-"

// Message is one entry of a chat session. Content is kept in arrival order.
type Message struct {
	PublicID      string              `json:"public_id"`
	ChatSessionID string              `json:"chat_session_id"`
	Role          Role                `json:"role"`
	Content       []chatobject.Object `json:"content"`
	CreatedOn     int64               `json:"created_on"`
}

// IsTemporary reports whether the message still carries an optimistic id.
func (m Message) IsTemporary() bool {
	return strings.HasPrefix(m.PublicID, TempIDPrefix)
}

// Text concatenates the text deltas of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, obj := range m.Content {
		if d, ok := obj.Data.(chatobject.TextDelta); ok {
			sb.WriteString(d.Delta)
		}
	}
	return sb.String()
}

// HasText reports whether any text delta (even an empty one) is present.
func (m Message) HasText() bool {
	for _, obj := range m.Content {
		if obj.IsText() {
			return true
		}
	}
	return false
}

// Clone returns a copy whose content slice does not alias m's.
func (m Message) Clone() Message {
	c := m
	if m.Content != nil {
		c.Content = make([]chatobject.Object, len(m.Content))
		copy(c.Content, m.Content)
	}
	return c
}

// ChatSession is a stored conversation shown in the sidebar.
type ChatSession struct {
	PublicID  string    `json:"public_id"`
	Title     string    `json:"title"`
	Owner     string    `json:"-"`
	CreatedOn time.Time `json:"created_on"`
	UpdatedOn time.Time `json:"updated_on"`
}

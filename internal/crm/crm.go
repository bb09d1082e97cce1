package crm

import (
	"context"
	"errors"

	"github.com/ntpp_sentinel/backend/internal/models"
)

var ErrNotFound = errors.New("crm: not found")

// Client is the CRM collaborator: conversation lookup, message history,
// outbound send, contact identity. All lookups are best-effort; callers must
// survive every error.
type Client interface {
	LookupConversationID(ctx context.Context, contactID, phone string) (string, error)
	FetchMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	SendMessage(ctx context.Context, conversationID, recipientID, text string) error
	LookupContactName(ctx context.Context, contactID string) (string, error)
	ConversationLink(conversationID string) string
}

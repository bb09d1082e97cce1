package crm

import (
	"context"
	"sync"

	"github.com/ntpp_sentinel/backend/internal/models"
)

// MockClient is an in-memory CRM for dev mode and tests.
type MockClient struct {
	mu            sync.Mutex
	Conversations map[string]string // contactID or phone -> conversationID
	Messages      map[string][]models.Message
	Names         map[string]string
	Sent          []SentMessage
	SendErr       error
}

type SentMessage struct {
	ConversationID string
	RecipientID    string
	Text           string
}

func NewMockClient() *MockClient {
	return &MockClient{
		Conversations: map[string]string{},
		Messages:      map[string][]models.Message{},
		Names:         map[string]string{},
	}
}

func (m *MockClient) LookupConversationID(_ context.Context, contactID, phone string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.Conversations[contactID]; ok && contactID != "" {
		return id, nil
	}
	if id, ok := m.Conversations[phone]; ok && phone != "" {
		return id, nil
	}
	return "", ErrNotFound
}

func (m *MockClient) FetchMessages(_ context.Context, conversationID string, limit int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.Messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (m *MockClient) SendMessage(_ context.Context, conversationID, recipientID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Sent = append(m.Sent, SentMessage{ConversationID: conversationID, RecipientID: recipientID, Text: text})
	return nil
}

func (m *MockClient) LookupContactName(_ context.Context, contactID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name, ok := m.Names[contactID]; ok {
		return name, nil
	}
	return "", ErrNotFound
}

func (m *MockClient) ConversationLink(conversationID string) string {
	if conversationID == "" {
		return ""
	}
	return "https://crm.example/conversations/" + conversationID
}

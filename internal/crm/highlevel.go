package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ntpp_sentinel/backend/internal/models"
)

// HighLevelClient talks to a LeadConnector-style CRM API. Response shapes
// vary between API versions, so every decode goes through a normalization
// function with a prioritized list of known shapes; an unrecognized shape is
// an empty result, never an error.
type HighLevelClient struct {
	BaseURL    string
	AppBase    string
	Token      string
	LocationID string
	Version    string
	Client     *http.Client
}

func (h *HighLevelClient) httpClient() *http.Client {
	if h.Client == nil {
		h.Client = &http.Client{Timeout: 20 * time.Second}
	}
	return h.Client
}

func (h *HighLevelClient) headers(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+h.Token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Version", h.Version)
	req.Header.Set("LocationId", h.LocationID)
}

func (h *HighLevelClient) get(ctx context.Context, path string, params url.Values) (map[string]any, error) {
	endpoint := strings.TrimRight(h.BaseURL, "/") + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	h.headers(req)

	resp, err := h.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("crm GET %s: %s", path, resp.Status)
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}

func (h *HighLevelClient) post(ctx context.Context, path string, payload any) error {
	b, _ := json.Marshal(payload)
	endpoint := strings.TrimRight(h.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	h.headers(req)

	resp, err := h.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("crm POST %s: %s", path, resp.Status)
	}
	return nil
}

// LookupConversationID searches conversations and returns the newest match.
// Prefers contact id; falls back to phone.
func (h *HighLevelClient) LookupConversationID(ctx context.Context, contactID, phone string) (string, error) {
	params := url.Values{}
	switch {
	case contactID != "":
		params.Set("contactId", contactID)
	case phone != "":
		params.Set("phone", phone)
	default:
		return "", ErrNotFound
	}

	data, err := h.get(ctx, "/conversations/search", params)
	if err != nil {
		return "", err
	}
	if id := pickConversationID(data); id != "" {
		return id, nil
	}
	return "", ErrNotFound
}

func (h *HighLevelClient) FetchMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	params := url.Values{}
	params.Set("limit", fmt.Sprint(limit))
	data, err := h.get(ctx, "/conversations/"+conversationID+"/messages", params)
	if err != nil {
		return nil, err
	}
	return normalizeMessages(data), nil
}

func (h *HighLevelClient) SendMessage(ctx context.Context, conversationID, recipientID, text string) error {
	payload := map[string]any{
		"type":    "SMS",
		"message": text,
	}
	if conversationID != "" {
		payload["conversationId"] = conversationID
	}
	if recipientID != "" {
		payload["contactId"] = recipientID
	}
	return h.post(ctx, "/conversations/messages", payload)
}

func (h *HighLevelClient) LookupContactName(ctx context.Context, contactID string) (string, error) {
	if contactID == "" {
		return "", ErrNotFound
	}
	data, err := h.get(ctx, "/contacts/"+contactID, nil)
	if err != nil {
		return "", err
	}
	if name := pickContactName(data); name != "" {
		return name, nil
	}
	return "", ErrNotFound
}

// ConversationLink deep-links a conversation in the CRM web app.
func (h *HighLevelClient) ConversationLink(conversationID string) string {
	if conversationID == "" || h.LocationID == "" {
		return ""
	}
	return fmt.Sprintf("%s/v2/location/%s/conversations/conversations/%s",
		strings.TrimRight(h.AppBase, "/"), h.LocationID, conversationID)
}

// pickConversationID normalizes the conversation search response. Known
// shapes, in priority order: {conversations:[...]}, {data:[...]},
// {items:[...]}; each item carries id or conversationId.
func pickConversationID(data map[string]any) string {
	for _, key := range []string{"conversations", "data", "items"} {
		list, ok := data[key].([]any)
		if !ok || len(list) == 0 {
			continue
		}
		item, ok := list[0].(map[string]any)
		if !ok {
			continue
		}
		for _, k := range []string{"id", "conversationId"} {
			if v, ok := item[k].(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

// normalizeMessages accepts the known message-list shapes:
// {messages:[...]}, {messages:{messages:[...]}}, {data:[...]},
// {data:{messages:[...]}}. Anything else normalizes to empty.
func normalizeMessages(data map[string]any) []models.Message {
	var raw []any
	switch v := data["messages"].(type) {
	case []any:
		raw = v
	case map[string]any:
		if inner, ok := v["messages"].([]any); ok {
			raw = inner
		}
	}
	if raw == nil {
		switch v := data["data"].(type) {
		case []any:
			raw = v
		case map[string]any:
			if inner, ok := v["messages"].([]any); ok {
				raw = inner
			}
		}
	}

	out := make([]models.Message, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		msg, ok := parseMessage(m)
		if !ok {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func parseMessage(m map[string]any) (models.Message, bool) {
	ts, ok := parseMessageTime(m)
	if !ok {
		return models.Message{}, false
	}
	msg := models.Message{
		Direction: strings.ToLower(getString(m, "direction")),
		Timestamp: ts,
		Text:      getString(m, "body"),
	}
	if msg.Text == "" {
		msg.Text = getString(m, "message")
	}
	for _, k := range []string{"userId", "user_id", "operatorId"} {
		if v := getString(m, k); v != "" {
			msg.OperatorID = v
			break
		}
	}
	return msg, true
}

func parseMessageTime(m map[string]any) (time.Time, bool) {
	v := getString(m, "dateAdded")
	if v == "" {
		v = getString(m, "date_added")
	}
	if v == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func pickContactName(data map[string]any) string {
	c := data
	if inner, ok := data["contact"].(map[string]any); ok {
		c = inner
	}
	for _, k := range []string{"name", "fullName", "contactName"} {
		if v := strings.TrimSpace(getString(c, k)); v != "" {
			return v
		}
	}
	first := strings.TrimSpace(getString(c, "firstName"))
	last := strings.TrimSpace(getString(c, "lastName"))
	return strings.TrimSpace(first + " " + last)
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

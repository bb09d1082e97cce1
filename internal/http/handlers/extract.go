package handlers

import (
	"strings"
	"time"

	"github.com/ntpp_sentinel/backend/internal/models"
	"github.com/ntpp_sentinel/backend/internal/utils"
)

// ExtractEvent normalizes a webhook payload into an InboundEvent. CRM
// webhooks arrive in several shapes (flat, wrapped in data, wrapped in
// contact/message objects), so every field is sniffed through a prioritized
// key list with one level of nesting. Missing fields stay empty; the engine
// copes.
func ExtractEvent(payload map[string]any, now time.Time) models.InboundEvent {
	return models.InboundEvent{
		Kind:           models.KindSMS,
		ContactID:      extractContactID(payload),
		Phone:          utils.NormalizePhone(extractPhone(payload)),
		ContactName:    extractContactName(payload),
		ConversationID: extractConversationID(payload),
		Text:           extractText(payload),
		Direction:      extractDirection(payload),
		ContactType:    extractContactType(payload),
		OccurredAt:     extractOccurredAt(payload, now),
	}
}

func stringAt(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := payload[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func nested(payload map[string]any, key string) map[string]any {
	m, _ := payload[key].(map[string]any)
	return m
}

func extractText(payload map[string]any) string {
	if v := stringAt(payload, "body", "message", "text", "content", "Message"); v != "" {
		return v
	}
	for _, k := range []string{"data", "sms", "message", "Message"} {
		if m := nested(payload, k); m != nil {
			if v := extractText(m); v != "" {
				return v
			}
		}
	}
	return ""
}

func extractConversationID(payload map[string]any) string {
	for _, k := range []string{"conversationId", "conversation_id", "conversation", "conversationID"} {
		if v, ok := payload[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		if m, ok := payload[k].(map[string]any); ok {
			if v := stringAt(m, "id", "conversationId"); v != "" {
				return v
			}
		}
	}
	if m := nested(payload, "data"); m != nil {
		return extractConversationID(m)
	}
	return ""
}

func extractContactID(payload map[string]any) string {
	for _, k := range []string{"contactId", "contact_id", "contact", "contactID"} {
		if v, ok := payload[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		if m, ok := payload[k].(map[string]any); ok {
			if v := stringAt(m, "id"); v != "" {
				return v
			}
		}
	}
	if m := nested(payload, "data"); m != nil {
		return extractContactID(m)
	}
	return ""
}

func extractPhone(payload map[string]any) string {
	if v := stringAt(payload, "from", "fromNumber", "phone", "customerPhone"); v != "" {
		return v
	}
	if m := nested(payload, "data"); m != nil {
		return extractPhone(m)
	}
	return ""
}

func extractDirection(payload map[string]any) string {
	if v := stringAt(payload, "direction"); v != "" {
		return strings.ToLower(v)
	}
	if m := nested(payload, "data"); m != nil {
		return extractDirection(m)
	}
	return ""
}

func extractContactType(payload map[string]any) string {
	if v := stringAt(payload, "contactType", "contact_type"); v != "" {
		return strings.ToLower(v)
	}
	for _, k := range []string{"contact", "data"} {
		if m := nested(payload, k); m != nil {
			if v := stringAt(m, "contactType", "contact_type", "type"); v != "" {
				return strings.ToLower(v)
			}
		}
	}
	return ""
}

func extractContactName(payload map[string]any) string {
	if v := stringAt(payload, "contactName", "fullName", "full_name", "name"); v != "" {
		return v
	}
	for _, k := range []string{"contact", "data"} {
		if m := nested(payload, k); m != nil {
			if v := stringAt(m, "contactName", "fullName", "full_name", "name"); v != "" {
				return v
			}
			first := stringAt(m, "firstName", "first_name")
			last := stringAt(m, "lastName", "last_name")
			if full := strings.TrimSpace(first + " " + last); full != "" {
				return full
			}
		}
	}
	return ""
}

func extractOccurredAt(payload map[string]any, now time.Time) time.Time {
	for _, k := range []string{"timestamp", "dateAdded", "date_added", "occurredAt"} {
		if v, ok := payload[k].(string); ok {
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				return ts
			}
		}
	}
	if m := nested(payload, "data"); m != nil {
		return extractOccurredAt(m, now)
	}
	return now
}

package models

import (
	"encoding/json"
	"time"
)

const (
	KindSMS  = "SMS"
	KindCall = "CALL"
)

const (
	StatusPending  = "PENDING"
	StatusOpen     = "OPEN"
	StatusResolved = "RESOLVED"
	StatusSpam     = "SPAM"
)

// Issue is one tracked unanswered customer contact (an SMS thread or a
// missed call) with its SLA deadline. DueTS is fixed at creation and never
// moves with later inbound activity.
type Issue struct {
	ID               int64           `json:"id"`
	Kind             string          `json:"kind"`
	ContactID        *string         `json:"contact_id,omitempty"`
	Phone            *string         `json:"phone,omitempty"`
	ContactName      *string         `json:"contact_name,omitempty"`
	ConversationID   *string         `json:"conversation_id,omitempty"`
	CreatedTS        time.Time       `json:"created_ts"`
	FirstInboundTS   *time.Time      `json:"first_inbound_ts,omitempty"`
	LastInboundTS    *time.Time      `json:"last_inbound_ts,omitempty"`
	InboundCount     int             `json:"inbound_count"`
	OutboundCount    int             `json:"outbound_count"`
	DueTS            time.Time       `json:"due_ts"`
	Status           string          `json:"status"`
	ResolvedTS       *time.Time      `json:"resolved_ts,omitempty"`
	BreachNotifiedTS *time.Time      `json:"breach_notified_ts,omitempty"`
	Meta             json.RawMessage `json:"meta,omitempty"`
}

// SLAAnchor is the timestamp the SLA clock runs from: the first unanswered
// inbound for SMS, the triggering event for CALL.
func (i Issue) SLAAnchor() time.Time {
	if i.Kind == KindSMS && i.FirstInboundTS != nil {
		return *i.FirstInboundTS
	}
	return i.CreatedTS
}

func (i Issue) Active() bool {
	return i.Status == StatusPending || i.Status == StatusOpen
}

// DecodedMeta unmarshals the meta payload, tolerating missing or broken JSON.
func (i Issue) DecodedMeta() IssueMeta {
	var m IssueMeta
	if len(i.Meta) > 0 {
		_ = json.Unmarshal(i.Meta, &m)
	}
	return m
}

// InboundEvent is a normalized webhook event handed to ingestion.
type InboundEvent struct {
	Kind           string
	ContactID      string
	Phone          string
	ContactName    string
	ConversationID string
	Text           string
	Direction      string
	ContactType    string
	OccurredAt     time.Time
}

// Message is one entry of a conversation's history as returned by the CRM,
// already normalized from whatever shape the API produced.
type Message struct {
	Direction  string    `json:"direction"`
	Timestamp  time.Time `json:"timestamp"`
	Text       string    `json:"text"`
	OperatorID string    `json:"operator_id,omitempty"`
}

// ConversationActivity records the newest qualifying staff reply seen in a
// conversation, independent of which issue row is active.
type ConversationActivity struct {
	ConversationID      string    `json:"conversation_id"`
	LastStaffOutboundTS time.Time `json:"last_staff_outbound_ts"`
	OperatorID          string    `json:"operator_id"`
	UpdatedTS           time.Time `json:"updated_ts"`
}

// ClassifierCacheEntry remembers a confident "no follow-up needed" verdict
// for an unchanged conversation tail.
type ClassifierCacheEntry struct {
	ConversationID string    `json:"conversation_id"`
	LastMessageTS  time.Time `json:"last_message_ts"`
	Verdict        string    `json:"verdict"`
	Confidence     float64   `json:"confidence"`
	Evidence       string    `json:"evidence"`
	CreatedTS      time.Time `json:"created_ts"`
}

// IssueMeta is the free-form auxiliary payload stored in issues.meta. Only
// ContactName participates in control flow (display-name fallback).
type IssueMeta struct {
	ContactName string      `json:"contact_name,omitempty"`
	LastText    string      `json:"last_text,omitempty"`
	Source      string      `json:"source,omitempty"`
	UpdatedBy   string      `json:"updated_by,omitempty"`
	Notes       []IssueNote `json:"notes,omitempty"`
}

type IssueNote struct {
	TS   time.Time `json:"ts"`
	Text string    `json:"text"`
}

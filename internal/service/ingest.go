package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ntpp_sentinel/backend/internal/ack"
	"github.com/ntpp_sentinel/backend/internal/models"
	"github.com/ntpp_sentinel/backend/internal/utils"
)

// Outcome reports what ingestion did with one event.
type Outcome struct {
	IssueID      int64  `json:"issue_id,omitempty"`
	Created      bool   `json:"created"`
	Ignored      bool   `json:"ignored"`
	Reason       string `json:"reason,omitempty"`
	CommandReply string `json:"command_reply,omitempty"`
}

func ignored(reason string) Outcome {
	return Outcome{Ignored: true, Reason: reason}
}

// IngestSMS consumes one normalized inbound SMS event. Internal senders are
// routed to the command dispatcher (managers) or dropped (operators); a short
// acknowledgement inside the closeout window is dropped without touching any
// issue; everything else finds or creates an active issue.
func (s *Service) IngestSMS(ctx context.Context, ev models.InboundEvent) (Outcome, error) {
	if strings.EqualFold(ev.Direction, "outbound") {
		// Outbound webhooks never mutate issues, but a reply from an
		// allow-listed operator refreshes the conversation activity record
		// that powers the ack-closeout window.
		if s.isOperator(ev.ContactID) && ev.ConversationID != "" {
			_ = s.Store.UpsertActivity(ctx, models.ConversationActivity{
				ConversationID:      ev.ConversationID,
				LastStaffOutboundTS: ev.OccurredAt,
				OperatorID:          ev.ContactID,
			})
		}
		return ignored("outbound"), nil
	}

	ev.Phone = utils.NormalizePhone(ev.Phone)

	if s.isInternalSender(ev) {
		if s.isManager(ev.ContactID) {
			reply, handled := s.HandleCommand(ctx, ev.ContactID, ev.Text)
			if handled {
				s.replyToManager(ctx, ev, reply)
				return Outcome{Ignored: true, Reason: "command", CommandReply: reply}, nil
			}
		}
		return ignored("internal"), nil
	}

	conversationID := s.resolveConversationID(ctx, ev)

	if s.Settings.AckEnabled && conversationID != "" && ack.IsAcknowledgement(ev.Text) {
		activity, err := s.Store.GetActivity(ctx, conversationID)
		if err != nil {
			s.Logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("activity lookup failed")
		}
		if activity != nil && s.withinAckWindow(activity.LastStaffOutboundTS, ev.OccurredAt) {
			return ignored("ack_closeout"), nil
		}
	}

	return s.findOrCreate(ctx, ev, conversationID)
}

// IngestCall consumes one missed-call event. The call itself is the trigger;
// the conversation lookup only supports later resolution detection. Spam
// phones never create issues.
func (s *Service) IngestCall(ctx context.Context, ev models.InboundEvent) (Outcome, error) {
	ev.Phone = utils.NormalizePhone(ev.Phone)
	ev.Kind = models.KindCall

	if s.isOperator(ev.ContactID) || s.isManager(ev.ContactID) {
		return ignored("internal"), nil
	}
	if ev.Phone != "" {
		spam, err := s.Store.IsSpamPhone(ctx, ev.Phone)
		if err != nil {
			return Outcome{}, err
		}
		if spam {
			return ignored("spam_phone"), nil
		}
	}

	conversationID := s.resolveConversationID(ctx, ev)
	return s.findOrCreate(ctx, ev, conversationID)
}

// isInternalSender decides internal vs customer. When the operator allow-list
// is configured and the event carries a contact id, membership alone decides;
// the CRM's contact_type flag is unvalidated collaborator data and is only
// consulted when the allow-list cannot be applied. A mislabeled customer
// record must not drop the event.
func (s *Service) isInternalSender(ev models.InboundEvent) bool {
	if s.isOperator(ev.ContactID) || s.isManager(ev.ContactID) {
		return true
	}
	if len(s.Settings.OperatorAllowList) > 0 && ev.ContactID != "" {
		return false
	}
	return strings.EqualFold(ev.ContactType, "internal")
}

// resolveConversationID returns the best-known conversation id for the event.
// A collaborator failure degrades to phone-keyed dedup, never an error.
func (s *Service) resolveConversationID(ctx context.Context, ev models.InboundEvent) string {
	if ev.ConversationID != "" {
		return ev.ConversationID
	}
	if ev.ContactID == "" && ev.Phone == "" {
		return ""
	}
	id, err := s.CRM.LookupConversationID(ctx, ev.ContactID, ev.Phone)
	if err != nil {
		s.Logger.Debug().Err(err).Str("phone", utils.MaskPhone(ev.Phone)).
			Msg("conversation lookup failed, falling back to phone dedup")
		return ""
	}
	return id
}

func (s *Service) findOrCreate(ctx context.Context, ev models.InboundEvent, conversationID string) (Outcome, error) {
	existing, err := s.Store.FindActiveIssue(ctx, ev.Kind, conversationID, ev.Phone)
	if err != nil {
		return Outcome{}, err
	}

	if existing != nil {
		meta := existing.DecodedMeta()
		if ev.Text != "" {
			meta.LastText = utils.Truncate(ev.Text, 200)
		}
		if meta.ContactName == "" && ev.ContactName != "" {
			meta.ContactName = ev.ContactName
		}
		metaJSON, _ := json.Marshal(meta)
		err := s.Store.TouchInbound(ctx, existing.ID, ev.OccurredAt,
			strPtr(ev.ContactID), strPtr(ev.Phone), strPtr(ev.ContactName), strPtr(conversationID), metaJSON)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{IssueID: existing.ID}, nil
	}

	meta := models.IssueMeta{Source: "webhook"}
	if ev.Text != "" {
		meta.LastText = utils.Truncate(ev.Text, 200)
	}
	if ev.ContactName != "" {
		meta.ContactName = ev.ContactName
	}
	metaJSON, _ := json.Marshal(meta)

	issue := models.Issue{
		Kind:           ev.Kind,
		ContactID:      strPtr(ev.ContactID),
		Phone:          strPtr(ev.Phone),
		ContactName:    strPtr(ev.ContactName),
		ConversationID: strPtr(conversationID),
		CreatedTS:      ev.OccurredAt,
		InboundCount:   1,
		Status:         models.StatusPending,
		Meta:           metaJSON,
	}
	if ev.Kind == models.KindSMS {
		issue.FirstInboundTS = &ev.OccurredAt
		issue.LastInboundTS = &ev.OccurredAt
	}
	issue.DueTS = s.Clock.Add(issue.SLAAnchor(), s.slaDuration(ev.Kind))

	id, err := s.Store.CreateIssue(ctx, issue)
	if err != nil {
		return Outcome{}, err
	}
	s.Logger.Info().Int64("issue_id", id).Str("kind", ev.Kind).
		Time("due_ts", issue.DueTS).Msg("issue created")
	return Outcome{IssueID: id, Created: true}, nil
}

// replyToManager sends a command reply back on the manager's own thread.
// Best-effort; a failed send is logged, never surfaced.
func (s *Service) replyToManager(ctx context.Context, ev models.InboundEvent, reply string) {
	if reply == "" {
		return
	}
	if err := s.CRM.SendMessage(ctx, ev.ConversationID, ev.ContactID, reply); err != nil {
		s.Logger.Warn().Err(err).Str("manager", ev.ContactID).Msg("command reply send failed")
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

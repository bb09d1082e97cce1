package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ntpp_sentinel/backend/internal/models"
	"github.com/ntpp_sentinel/backend/internal/utils"
)

// smsLimit keeps the summary inside a safe SMS segment budget.
const smsLimit = 1450

const summaryWatermarkKey = "summary:last_resolved_watermark"

// RunSummaryJob builds the manager status summary and delivers it to every
// configured recipient. dryRun builds without sending or moving the
// resolved-since watermark. Returns the rendered text plus per-recipient
// delivery errors.
func (s *Service) RunSummaryJob(ctx context.Context, dryRun bool) (string, []error) {
	now := s.now()
	var b strings.Builder
	fmt.Fprintf(&b, "📋 Response status %s\n", now.In(s.Clock.Location()).Format("Jan 2 15:04"))

	calls, err := s.Store.ListOverdueOpen(ctx, models.KindCall, now)
	if err != nil {
		return "", []error{err}
	}
	texts, err := s.Store.ListOverdueOpen(ctx, models.KindSMS, now)
	if err != nil {
		return "", []error{err}
	}

	s.writeSection(ctx, &b, "📞 Missed calls overdue", calls)
	s.writeSection(ctx, &b, "💬 Texts awaiting reply", texts)

	if escalated := s.countEscalated(now, calls, texts); escalated > 0 {
		fmt.Fprintf(&b, "⏰ %d issue(s) unresolved beyond the escalation threshold\n", escalated)
	}

	watermark := s.resolvedWatermark(ctx, now)
	resolved, err := s.Store.ListResolvedBetween(ctx, watermark, now, 50)
	if err == nil && len(resolved) > 0 {
		fmt.Fprintf(&b, "✅ Resolved since last summary: %d\n", len(resolved))
	}

	if len(calls) == 0 && len(texts) == 0 {
		b.WriteString("All clear, nothing overdue.\n")
	}
	b.WriteString("Reply: list | open <id> | resolve <id> | spam <id> | note <id> <text>")

	text := truncateForSMS(b.String())
	if dryRun {
		return text, nil
	}

	var errs []error
	delivered := 0
	for _, managerID := range s.Settings.ManagerIDs {
		if err := s.CRM.SendMessage(ctx, "", managerID, text); err != nil {
			errs = append(errs, fmt.Errorf("recipient %s: %w", managerID, err))
			continue
		}
		delivered++
	}
	if len(s.Settings.ManagerIDs) == 0 {
		errs = append(errs, errors.New("no manager recipients configured"))
	}
	if delivered > 0 {
		if err := s.Store.KVSet(ctx, summaryWatermarkKey, now.UTC().Format(time.RFC3339)); err != nil {
			errs = append(errs, err)
		}
	}
	s.Logger.Info().Int("recipients", delivered).Int("errors", len(errs)).Bool("dry_run", dryRun).Msg("summary job done")
	return text, errs
}

func (s *Service) writeSection(ctx context.Context, b *strings.Builder, title string, issues []models.Issue) {
	if len(issues) == 0 {
		return
	}
	max := s.Settings.SummaryMaxItems
	if max <= 0 {
		max = 8
	}
	fmt.Fprintf(b, "%s (%d):\n", title, len(issues))
	for i, issue := range issues {
		if i == max {
			fmt.Fprintf(b, "  …and %d more\n", len(issues)-max)
			break
		}
		fmt.Fprintf(b, "- %s\n", s.describeIssue(ctx, issue))
	}
}

// countEscalated counts issues still unresolved after the escalation
// threshold of business time since their SLA anchor.
func (s *Service) countEscalated(now time.Time, sections ...[]models.Issue) int {
	n := 0
	for _, issues := range sections {
		for _, issue := range issues {
			if s.Clock.ElapsedAtLeast(issue.SLAAnchor(), now, s.Settings.EscalationAfter) {
				n++
			}
		}
	}
	return n
}

// resolvedWatermark reads the last-summary watermark, defaulting to 24h back
// on first run or a broken value.
func (s *Service) resolvedWatermark(ctx context.Context, now time.Time) time.Time {
	raw, err := s.Store.KVGet(ctx, summaryWatermarkKey)
	if err == nil && raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
	}
	return now.Add(-24 * time.Hour)
}

// describeIssue renders one issue line for manager SMS: id, kind, display
// name, masked phone, due time, and a CRM deep link when available.
func (s *Service) describeIssue(ctx context.Context, issue models.Issue) string {
	kind := "Text"
	if issue.Kind == models.KindCall {
		kind = "Call"
	}
	due := issue.DueTS.In(s.Clock.Location()).Format("Jan 2 15:04")
	line := fmt.Sprintf("#%d [%s] %s, due %s", issue.ID, kind, s.displayName(ctx, issue), due)
	if issue.ConversationID != nil {
		if link := s.CRM.ConversationLink(*issue.ConversationID); link != "" {
			line += " " + link
		}
	}
	return line
}

// displayName prefers the stored contact name, then the meta fallback, then
// a best-effort CRM lookup (persisted for next time), then the masked phone.
func (s *Service) displayName(ctx context.Context, issue models.Issue) string {
	if issue.ContactName != nil && *issue.ContactName != "" {
		return *issue.ContactName
	}
	if name := issue.DecodedMeta().ContactName; name != "" {
		return name
	}
	if issue.ContactID != nil && *issue.ContactID != "" {
		if name, err := s.CRM.LookupContactName(ctx, *issue.ContactID); err == nil && name != "" {
			_ = s.Store.BackfillContactName(ctx, issue.ID, name)
			return name
		}
	}
	if issue.Phone != nil {
		return utils.MaskPhone(*issue.Phone)
	}
	return "Unknown"
}

func truncateForSMS(s string) string {
	return utils.Truncate(s, smsLimit)
}

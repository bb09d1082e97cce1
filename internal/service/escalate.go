package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/ntpp_sentinel/backend/internal/models"
)

// RunEscalationSweep alerts managers once per breached issue. The detector
// runs first so the breach list never includes issues that just resolved;
// the whole batch is stamped iff at least one recipient delivery succeeded,
// so a fully failed delivery retries on the next run.
func (s *Service) RunEscalationSweep(ctx context.Context, limit int) Counts {
	counts := s.RunFastPoll(ctx, limit)
	verify := s.RunBoundaryVerification(ctx, limit)
	counts.Checked += verify.Checked
	counts.Resolved += verify.Resolved
	counts.Promoted += verify.Promoted
	counts.Errors += verify.Errors
	counts.Classified += verify.Classified
	counts.CacheHits += verify.CacheHits

	now := s.now()
	breached, err := s.Store.ListBreached(ctx, now, limit)
	if err != nil {
		s.Logger.Error().Err(err).Msg("breach list failed")
		counts.Errors++
		return counts
	}
	if len(breached) == 0 {
		return counts
	}

	text := s.buildBreachAlert(ctx, breached)
	delivered := 0
	for _, managerID := range s.Settings.ManagerIDs {
		if err := s.CRM.SendMessage(ctx, "", managerID, text); err != nil {
			s.Logger.Warn().Err(err).Str("manager", managerID).Msg("breach alert send failed")
			counts.Errors++
			continue
		}
		delivered++
	}
	if delivered == 0 {
		s.Logger.Error().Int("issues", len(breached)).Msg("breach alert reached no recipients, will retry")
		return counts
	}

	ids := make([]int64, 0, len(breached))
	for _, i := range breached {
		ids = append(ids, i.ID)
	}
	stamped, err := s.Store.MarkBreachNotified(ctx, ids, now)
	if err != nil {
		counts.Errors++
		return counts
	}
	counts.Alerted = int(stamped)
	s.Logger.Info().Int64("stamped", stamped).Int("recipients", delivered).Msg("breach alert delivered")
	return counts
}

func (s *Service) buildBreachAlert(ctx context.Context, breached []models.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 SLA breach: %d issue(s) overdue\n", len(breached))
	for _, issue := range breached {
		fmt.Fprintf(&b, "- %s\n", s.describeIssue(ctx, issue))
	}
	b.WriteString("Reply: open <id> | resolve <id> | spam <id>")
	return truncateForSMS(b.String())
}

package service

import (
	"context"
	"sort"
	"time"

	"github.com/ntpp_sentinel/backend/internal/ack"
	"github.com/ntpp_sentinel/backend/internal/classifier"
	"github.com/ntpp_sentinel/backend/internal/models"
	"github.com/ntpp_sentinel/backend/internal/utils"
)

// fetchLimit bounds how much history one resolution check pulls.
const fetchLimit = 100

// runBudget is the per-run allowance for the fallback classifier. The
// deadline is soft: an in-flight item finishes, no further items start.
type runBudget struct {
	remaining int
	deadline  time.Time
}

func (b *runBudget) allow(now time.Time) bool {
	return b.remaining > 0 && now.Before(b.deadline)
}

func (b *runBudget) spend() { b.remaining-- }

func (s *Service) newBudget(now time.Time) *runBudget {
	return &runBudget{
		remaining: s.Settings.ClassifierMaxPerRun,
		deadline:  now.Add(s.Settings.ClassifierMaxRunTime),
	}
}

// RunFastPoll opportunistically resolves OPEN SMS issues and keeps their
// outbound counters fresh. It never promotes.
func (s *Service) RunFastPoll(ctx context.Context, limit int) Counts {
	var counts Counts
	issues, err := s.Store.ListOpenSMS(ctx, limit)
	if err != nil {
		s.Logger.Error().Err(err).Msg("fast poll list failed")
		counts.Errors++
		return counts
	}

	budget := s.newBudget(s.now())
	for _, issue := range issues {
		counts.Checked++
		resolved, err := s.checkResolution(ctx, issue, budget, &counts)
		if err != nil {
			counts.Errors++
			s.Logger.Warn().Err(err).Int64("issue_id", issue.ID).Msg("fast poll check failed")
			continue
		}
		if resolved {
			counts.Resolved++
		}
	}
	s.Logger.Info().Interface("counts", counts).Msg("fast poll done")
	return counts
}

// RunBoundaryVerification walks PENDING issues past their deadline: each one
// either resolves through the three-tier check or is promoted to OPEN.
func (s *Service) RunBoundaryVerification(ctx context.Context, limit int) Counts {
	var counts Counts
	now := s.now()
	issues, err := s.Store.ListDuePending(ctx, now, limit)
	if err != nil {
		s.Logger.Error().Err(err).Msg("boundary verification list failed")
		counts.Errors++
		return counts
	}

	budget := s.newBudget(now)
	for _, issue := range issues {
		counts.Checked++
		resolved, err := s.checkResolution(ctx, issue, budget, &counts)
		if err != nil {
			counts.Errors++
			s.Logger.Warn().Err(err).Int64("issue_id", issue.ID).Msg("verification check failed")
			continue
		}
		if resolved {
			counts.Resolved++
			continue
		}
		changed, err := s.Store.PromoteToOpen(ctx, issue.ID)
		if err != nil {
			counts.Errors++
			continue
		}
		if changed {
			counts.Promoted++
			s.Logger.Info().Int64("issue_id", issue.ID).Msg("issue promoted to OPEN")
		}
	}
	s.Logger.Info().Interface("counts", counts).Msg("boundary verification done")
	return counts
}

// checkResolution runs the three-tier check for one issue, short-circuiting
// on the first positive tier. Returns whether the issue was resolved.
func (s *Service) checkResolution(ctx context.Context, issue models.Issue, budget *runBudget, counts *Counts) (bool, error) {
	conversationID := s.conversationFor(ctx, issue)
	if conversationID == "" {
		return false, nil
	}

	msgs, err := s.CRM.FetchMessages(ctx, conversationID, fetchLimit)
	if err != nil {
		return false, err
	}
	sortByTime(msgs)

	// Tier 1: deterministic staff-reply scan. Side effects first, so the
	// activity record and outbound counter stay fresh even when unresolved.
	staffCount, newestStaff := qualifyingReplies(msgs, s.Settings.OperatorAllowList)
	if newestStaff != nil {
		_ = s.Store.UpsertActivity(ctx, models.ConversationActivity{
			ConversationID:      conversationID,
			LastStaffOutboundTS: newestStaff.Timestamp,
			OperatorID:          newestStaff.OperatorID,
		})
	}
	if staffCount != issue.OutboundCount {
		_ = s.Store.UpdateOutboundCount(ctx, issue.ID, staffCount)
	}
	if newestStaff != nil && newestStaff.Timestamp.After(issue.SLAAnchor()) {
		return s.resolve(ctx, issue.ID, "staff_reply")
	}

	// Tier 2: acknowledgement closeout.
	if s.Settings.AckEnabled && newestStaff != nil {
		if last := latestInbound(msgs); last != nil &&
			last.Timestamp.After(newestStaff.Timestamp) &&
			ack.IsAcknowledgement(last.Text) &&
			s.withinAckWindow(newestStaff.Timestamp, last.Timestamp) {
			return s.resolve(ctx, issue.ID, "ack_closeout")
		}
	}

	// Tier 3: confidence-gated fallback classifier, under the run budget.
	if s.Classifier == nil {
		return false, nil
	}
	window := buildTranscriptWindow(msgs, newestStaff, s.Settings.ClassifierMaxMsgs, s.Settings.ClassifierSilenceGap)
	if len(window) == 0 {
		return false, nil
	}
	tail := window[len(window)-1].Timestamp

	cached, err := s.Store.GetClassifierCache(ctx, conversationID)
	if err == nil && cacheSatisfies(cached, tail, s.Settings.ClassifierThreshold) {
		counts.CacheHits++
		return s.resolve(ctx, issue.ID, "classifier_cached")
	}

	if !budget.allow(s.now()) {
		return false, nil
	}
	budget.spend()
	counts.Classified++

	verdict, err := s.Classifier.ClassifyFollowup(ctx, redactWindow(window))
	if err != nil {
		// Fail open: a broken classifier never resolves anything.
		s.Logger.Warn().Err(err).Int64("issue_id", issue.ID).Msg("classifier failed, keeping issue open")
		verdict = classifier.FailOpen()
	}

	resolveIt, shouldCache := decideVerdict(verdict, s.Settings.ClassifierThreshold)
	if shouldCache {
		_ = s.Store.PutClassifierCache(ctx, models.ClassifierCacheEntry{
			ConversationID: conversationID,
			LastMessageTS:  tail,
			Verdict:        verdict.Answer,
			Confidence:     verdict.Confidence,
			Evidence:       verdict.Evidence,
		})
	}
	if resolveIt {
		return s.resolve(ctx, issue.ID, "classifier")
	}
	return false, nil
}

func (s *Service) resolve(ctx context.Context, id int64, via string) (bool, error) {
	changed, err := s.Store.ResolveIssue(ctx, id, models.StatusResolved, s.now())
	if err != nil {
		return false, err
	}
	if changed {
		s.Logger.Info().Int64("issue_id", id).Str("via", via).Msg("issue resolved")
	}
	return changed, nil
}

// conversationFor returns the issue's conversation id, attempting a
// best-effort lookup when it is still unknown. The lookup result is used
// in-memory only; the next inbound event persists it through backfill.
func (s *Service) conversationFor(ctx context.Context, issue models.Issue) string {
	if issue.ConversationID != nil && *issue.ConversationID != "" {
		return *issue.ConversationID
	}
	contactID, phone := "", ""
	if issue.ContactID != nil {
		contactID = *issue.ContactID
	}
	if issue.Phone != nil {
		phone = *issue.Phone
	}
	if contactID == "" && phone == "" {
		return ""
	}
	id, err := s.CRM.LookupConversationID(ctx, contactID, phone)
	if err != nil {
		return ""
	}
	return id
}

// qualifyingReplies counts outbound messages attributable to an allow-listed
// operator and returns the newest one. Automated sends without an operator
// id never count.
func qualifyingReplies(msgs []models.Message, allowList []string) (int, *models.Message) {
	allowed := make(map[string]struct{}, len(allowList))
	for _, id := range allowList {
		allowed[id] = struct{}{}
	}

	var count int
	var newest *models.Message
	for i := range msgs {
		m := &msgs[i]
		if m.Direction != "outbound" || m.OperatorID == "" {
			continue
		}
		if _, ok := allowed[m.OperatorID]; !ok {
			continue
		}
		count++
		if newest == nil || m.Timestamp.After(newest.Timestamp) {
			newest = m
		}
	}
	return count, newest
}

func latestInbound(msgs []models.Message) *models.Message {
	var newest *models.Message
	for i := range msgs {
		m := &msgs[i]
		if m.Direction != "inbound" {
			continue
		}
		if newest == nil || m.Timestamp.After(newest.Timestamp) {
			newest = m
		}
	}
	return newest
}

// buildTranscriptWindow selects the recent slice of conversation worth
// classifying: newest messages first bounded by a message cap and a silence
// gap, and bounded at the newest staff reply once the customer has replied
// after it.
func buildTranscriptWindow(msgs []models.Message, newestStaff *models.Message, maxMsgs int, silenceGap time.Duration) []models.Message {
	if len(msgs) == 0 {
		return nil
	}
	if maxMsgs <= 0 {
		maxMsgs = 20
	}

	start := 0
	if len(msgs) > maxMsgs {
		start = len(msgs) - maxMsgs
	}
	if silenceGap > 0 {
		for i := len(msgs) - 1; i > start; i-- {
			if msgs[i].Timestamp.Sub(msgs[i-1].Timestamp) > silenceGap {
				start = i
				break
			}
		}
	}
	if newestStaff != nil {
		if last := latestInbound(msgs); last != nil && last.Timestamp.After(newestStaff.Timestamp) {
			for i := start; i < len(msgs); i++ {
				if !msgs[i].Timestamp.Before(newestStaff.Timestamp) {
					start = i
					break
				}
			}
		}
	}
	return msgs[start:]
}

func redactWindow(window []models.Message) []models.Message {
	out := make([]models.Message, len(window))
	for i, m := range window {
		m.Text = utils.RedactPII(m.Text)
		out[i] = m
	}
	return out
}

// decideVerdict is the pure confidence gate: resolve only on a sufficiently
// confident NO, and cache exactly those results.
func decideVerdict(v classifier.Verdict, threshold float64) (resolve, shouldCache bool) {
	ok := !v.NeedsFollowup() && v.Confidence >= threshold
	return ok, ok
}

// cacheSatisfies reports whether a cached confident-NO verdict still covers
// the conversation tail.
func cacheSatisfies(e *models.ClassifierCacheEntry, tail time.Time, threshold float64) bool {
	return e != nil && e.Verdict == "NO" && e.Confidence >= threshold && e.LastMessageTS.Equal(tail)
}

func sortByTime(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ntpp_sentinel/backend/internal/models"
	"github.com/ntpp_sentinel/backend/internal/utils"
)

const (
	listPageSize = 5
	cursorTTL    = 10 * time.Minute
)

// cursorTable holds per-manager list pagination cursors. Entries expire so
// an abandoned "more" session restarts from page one instead of living for
// the process lifetime.
type cursorTable struct {
	mu      sync.Mutex
	entries map[string]cursorEntry
}

type cursorEntry struct {
	offset  int
	expires time.Time
}

func (t *cursorTable) get(managerID string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[managerID]
	if !ok || now.After(e.expires) {
		return 0
	}
	return e.offset
}

func (t *cursorTable) set(managerID string, offset int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries == nil {
		t.entries = map[string]cursorEntry{}
	}
	t.entries[managerID] = cursorEntry{offset: offset, expires: now.Add(cursorTTL)}
}

var sentinelPrefix = regexp.MustCompile(`(?i)^\s*sentinel\s+`)

// HandleCommand parses and executes a manager command. handled is false when
// the text is not a command at all, so ordinary internal chatter is left
// alone. Replies are human-readable; internal errors never leak.
func (s *Service) HandleCommand(ctx context.Context, managerID, text string) (reply string, handled bool) {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return "", false
	}
	raw = sentinelPrefix.ReplaceAllString(raw, "")
	raw = strings.ReplaceAll(raw, ",", " ")

	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return "", false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "list":
		return s.cmdList(ctx, managerID, 0), true
	case "more":
		offset := s.cursors.get(managerID, s.now()) + listPageSize
		return s.cmdList(ctx, managerID, offset), true
	case "open":
		return s.cmdOpen(ctx, args), true
	case "resolve":
		return s.cmdResolve(ctx, args), true
	case "spam":
		return s.cmdSpam(ctx, args), true
	case "note":
		return s.cmdNote(ctx, args), true
	default:
		return "", false
	}
}

func (s *Service) cmdList(ctx context.Context, managerID string, offset int) string {
	now := s.now()
	rows, total, err := s.Store.ListActiveIssues(ctx, listPageSize, offset)
	if err != nil {
		return "Could not load the issue list, try again."
	}
	if total == 0 {
		s.cursors.set(managerID, 0, now)
		return "No open issues."
	}
	if len(rows) == 0 {
		s.cursors.set(managerID, 0, now)
		return "No more open issues. Reply: list"
	}
	s.cursors.set(managerID, offset, now)

	var calls, texts []string
	for _, issue := range rows {
		line := "- " + s.describeIssue(ctx, issue)
		if issue.Kind == models.KindCall {
			calls = append(calls, line)
		} else {
			texts = append(texts, line)
		}
	}

	var b strings.Builder
	end := offset + len(rows)
	fmt.Fprintf(&b, "Open (%d), showing %d-%d\n", total, offset+1, end)
	if len(calls) > 0 {
		fmt.Fprintf(&b, "Calls (%d):\n%s\n", len(calls), strings.Join(calls, "\n"))
	}
	if len(texts) > 0 {
		fmt.Fprintf(&b, "Texts (%d):\n%s\n", len(texts), strings.Join(texts, "\n"))
	}
	if end < total {
		b.WriteString("Reply: more")
	}
	return truncateForSMS(strings.TrimRight(b.String(), "\n"))
}

func (s *Service) cmdOpen(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "Usage: open <id>"
	}
	id, ok := parseIssueID(args[0])
	if !ok {
		return "Invalid issue id."
	}
	issue, err := s.Store.GetIssue(ctx, id)
	if err != nil || issue == nil {
		return "Issue not found."
	}
	name := s.displayName(ctx, *issue)
	if issue.ConversationID != nil {
		if link := s.CRM.ConversationLink(*issue.ConversationID); link != "" {
			return fmt.Sprintf("%s: %s", name, link)
		}
	}
	return fmt.Sprintf("%s: no conversation on file", name)
}

func (s *Service) cmdResolve(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "Usage: resolve <id...> or resolve <phone/contactId/name>"
	}
	now := s.now()
	if ids := parseIssueIDs(args); len(ids) > 0 {
		var changed []string
		for _, id := range ids {
			ok, err := s.Store.ResolveIssue(ctx, id, models.StatusResolved, now)
			if err == nil && ok {
				changed = append(changed, strconv.FormatInt(id, 10))
			}
		}
		if len(changed) == 0 {
			return "No matching open issues for those ids."
		}
		return "Resolved " + strings.Join(changed, ", ") + "."
	}

	target := strings.Join(args, " ")
	n := s.resolveTarget(ctx, target, models.StatusResolved, now)
	return fmt.Sprintf("Resolved %d issue(s) for %q.", n, target)
}

func (s *Service) cmdSpam(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "Usage: spam <id...> or spam <phone>"
	}
	now := s.now()
	if ids := parseIssueIDs(args); len(ids) > 0 {
		var marked []string
		for _, id := range ids {
			issue, err := s.Store.GetIssue(ctx, id)
			if err != nil || issue == nil {
				continue
			}
			phone := ""
			if issue.Phone != nil {
				phone = *issue.Phone
			}
			ok, err := s.Store.MarkSpam(ctx, id, phone, now)
			if err == nil && ok {
				marked = append(marked, strconv.FormatInt(id, 10))
			}
		}
		if len(marked) == 0 {
			return "No matching open issues for those ids."
		}
		return "Marked spam " + strings.Join(marked, ", ") + "."
	}

	phone := utils.NormalizePhone(args[0])
	if phone == "" {
		return "Invalid phone or ids."
	}
	if err := s.Store.AddSpamPhone(ctx, phone); err != nil {
		return "Could not update the spam list, try again."
	}
	_, _ = s.Store.ResolveByPhone(ctx, phone, models.StatusSpam, now)
	return "Marked spam " + utils.MaskPhone(phone) + "."
}

func (s *Service) cmdNote(ctx context.Context, args []string) string {
	if len(args) < 2 {
		return "Usage: note <id> <text>"
	}
	id, ok := parseIssueID(args[0])
	if !ok {
		return "Invalid issue id."
	}
	issue, err := s.Store.GetIssue(ctx, id)
	if err != nil || issue == nil {
		return "Issue not found."
	}
	meta := issue.DecodedMeta()
	meta.Notes = append(meta.Notes, models.IssueNote{TS: s.now(), Text: strings.Join(args[1:], " ")})
	metaJSON, _ := json.Marshal(meta)
	if err := s.Store.SetMeta(ctx, id, metaJSON); err != nil {
		return "Could not save the note, try again."
	}
	return "Noted."
}

// resolveTarget closes every active issue matching a phone, contact id, or
// name fragment.
func (s *Service) resolveTarget(ctx context.Context, target, status string, now time.Time) int64 {
	if phone := utils.NormalizePhone(target); strings.HasPrefix(phone, "+") {
		n, _ := s.Store.ResolveByPhone(ctx, phone, status, now)
		return n
	}
	if utils.LooksLikeContactID(target) {
		if n, _ := s.Store.ResolveByContactID(ctx, target, status, now); n > 0 {
			return n
		}
	}
	n, _ := s.Store.ResolveByName(ctx, target, status, now)
	return n
}

func parseIssueID(token string) (int64, bool) {
	t := strings.TrimPrefix(strings.TrimSpace(token), "#")
	id, err := strconv.ParseInt(t, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// parseIssueIDs collects numeric tokens, de-duplicated in order. A token
// that is not numeric makes the whole argument list a target lookup instead.
func parseIssueIDs(tokens []string) []int64 {
	seen := map[int64]struct{}{}
	var out []int64
	for _, t := range tokens {
		id, ok := parseIssueID(t)
		if !ok {
			return nil
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

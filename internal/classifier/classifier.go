package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ntpp_sentinel/backend/internal/models"
)

// Verdict is the classifier's judgement on a conversation: does the
// customer's latest message still need a human follow-up?
type Verdict struct {
	Answer     string  `json:"answer"` // YES (needs follow-up) or NO
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence"`
}

func (v Verdict) NeedsFollowup() bool { return v.Answer == "YES" }

// FailOpen is the verdict used when the classifier cannot be trusted:
// any transport, parse, or validation failure means the issue stays open.
func FailOpen() Verdict {
	return Verdict{Answer: "YES", Confidence: 0}
}

type Adapter interface {
	ClassifyFollowup(ctx context.Context, transcript []models.Message) (Verdict, error)
}

const systemPrompt = `You review an SMS conversation between a business and a customer. ` +
	`Decide whether the customer's latest message still requires a reply from staff. ` +
	`Respond with a single JSON object and nothing else: ` +
	`{"answer":"YES"|"NO","confidence":0.0-1.0,"evidence":"short quote or reason"}. ` +
	`YES means staff still owe the customer a reply. NO means the thread is settled.`

// BuildPrompt renders a transcript into the user prompt. Messages are
// oldest-first with a direction tag per line.
func BuildPrompt(transcript []models.Message) string {
	var b strings.Builder
	b.WriteString("Conversation, oldest first:\n")
	for _, m := range transcript {
		tag := "CUSTOMER"
		if m.Direction == "outbound" {
			tag = "STAFF"
		}
		fmt.Fprintf(&b, "[%s %s] %s\n", tag, m.Timestamp.UTC().Format("2006-01-02 15:04"), m.Text)
	}
	b.WriteString("\nDoes the customer still need a reply?")
	return b.String()
}

// ParseVerdict decodes the model's reply. Code fences are tolerated;
// anything else that deviates from the contract is an error so the caller
// fails open.
func ParseVerdict(raw string) (Verdict, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if i := strings.Index(s, "{"); i > 0 {
		s = s[i:]
	}
	if i := strings.LastIndex(s, "}"); i >= 0 {
		s = s[:i+1]
	}

	var v Verdict
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return Verdict{}, fmt.Errorf("verdict parse: %w", err)
	}
	v.Answer = strings.ToUpper(strings.TrimSpace(v.Answer))
	if v.Answer != "YES" && v.Answer != "NO" {
		return Verdict{}, errors.New("verdict answer must be YES or NO")
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return Verdict{}, errors.New("verdict confidence out of range")
	}
	return v, nil
}

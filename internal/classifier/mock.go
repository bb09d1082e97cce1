package classifier

import (
	"context"
	"strings"

	"github.com/ntpp_sentinel/backend/internal/models"
	"github.com/ntpp_sentinel/backend/internal/utils"
)

// MockAdapter gives deterministic verdicts for dev mode. The last customer
// message decides: a trailing question mark is a confident YES, otherwise
// the text hash picks a verdict.
type MockAdapter struct{}

func (MockAdapter) ClassifyFollowup(_ context.Context, transcript []models.Message) (Verdict, error) {
	var last string
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Direction == "inbound" {
			last = transcript[i].Text
			break
		}
	}
	if strings.HasSuffix(strings.TrimSpace(last), "?") {
		return Verdict{Answer: "YES", Confidence: 0.97, Evidence: "open question from customer"}, nil
	}

	h := utils.HashStringToUint64(last)
	if h%3 == 0 {
		return Verdict{Answer: "NO", Confidence: 0.95, Evidence: "thread reads settled"}, nil
	}
	if h%3 == 1 {
		return Verdict{Answer: "NO", Confidence: 0.70, Evidence: "probably settled"}, nil
	}
	return Verdict{Answer: "YES", Confidence: 0.85, Evidence: "customer awaiting reply"}, nil
}

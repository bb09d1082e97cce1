package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ntpp_sentinel/backend/internal/classifier"
	"github.com/ntpp_sentinel/backend/internal/models"
)

// addIssue seeds the fake store directly, bypassing ingestion.
func addIssue(t *testing.T, store *fakeStore, kind, conv, phone, status string, created, due time.Time) int64 {
	t.Helper()
	issue := models.Issue{
		Kind:         kind,
		Phone:        strPtr(phone),
		CreatedTS:    created,
		InboundCount: 1,
		DueTS:        due,
		Status:       status,
	}
	if conv != "" {
		issue.ConversationID = &conv
	}
	if kind == models.KindSMS {
		issue.FirstInboundTS = &created
		issue.LastInboundTS = &created
	}
	id, err := store.CreateIssue(context.Background(), issue)
	if err != nil {
		t.Fatalf("seed issue: %v", err)
	}
	return id
}

func issueStatus(t *testing.T, store *fakeStore, id int64) string {
	t.Helper()
	issue, _ := store.GetIssue(context.Background(), id)
	if issue == nil {
		t.Fatalf("issue %d missing", id)
	}
	return issue.Status
}

func TestBoundaryPromotesUnansweredIssue(t *testing.T) {
	svc, store, _ := newTestService(t)
	created := testNow.Add(-4 * time.Hour)
	id := addIssue(t, store, models.KindSMS, "conv-1", "+13125550187", models.StatusPending, created, testNow.Add(-time.Hour))

	counts := svc.RunBoundaryVerification(context.Background(), 50)
	if counts.Promoted != 1 || counts.Resolved != 0 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if got := issueStatus(t, store, id); got != models.StatusOpen {
		t.Fatalf("status = %s, want OPEN", got)
	}
}

func TestBoundaryResolvesOnQualifyingStaffReply(t *testing.T) {
	svc, store, mock := newTestService(t)
	created := testNow.Add(-4 * time.Hour)
	id := addIssue(t, store, models.KindSMS, "conv-1", "+13125550187", models.StatusPending, created, testNow.Add(-time.Hour))

	mock.Messages["conv-1"] = []models.Message{
		{Direction: "inbound", Timestamp: created, Text: "is my order ready?"},
		{Direction: "outbound", Timestamp: created.Add(30 * time.Minute), Text: "yes, ready now", OperatorID: "op-1"},
	}

	counts := svc.RunBoundaryVerification(context.Background(), 50)
	if counts.Resolved != 1 || counts.Promoted != 0 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if got := issueStatus(t, store, id); got != models.StatusResolved {
		t.Fatalf("status = %s, want RESOLVED", got)
	}

	// The scan also records the reply into the activity record and the
	// outbound counter.
	a, _ := store.GetActivity(context.Background(), "conv-1")
	if a == nil || a.OperatorID != "op-1" {
		t.Fatalf("activity not recorded: %+v", a)
	}
	issue, _ := store.GetIssue(context.Background(), id)
	if issue.OutboundCount != 1 {
		t.Fatalf("outbound_count = %d, want 1", issue.OutboundCount)
	}
}

func TestUnattributedOutboundNeverQualifies(t *testing.T) {
	svc, store, mock := newTestService(t)
	created := testNow.Add(-4 * time.Hour)
	id := addIssue(t, store, models.KindSMS, "conv-1", "+13125550187", models.StatusPending, created, testNow.Add(-time.Hour))

	// Automated workflow send: outbound but no operator id.
	mock.Messages["conv-1"] = []models.Message{
		{Direction: "inbound", Timestamp: created, Text: "hello?"},
		{Direction: "outbound", Timestamp: created.Add(time.Minute), Text: "auto-reply: we got your message"},
	}

	svc.RunBoundaryVerification(context.Background(), 50)
	if got := issueStatus(t, store, id); got != models.StatusOpen {
		t.Fatalf("automated send must not resolve, status = %s", got)
	}
}

func TestAckCloseoutResolves(t *testing.T) {
	svc, store, mock := newTestService(t)
	// Customer wrote before the staff reply, staff answered, customer said
	// thanks after. Tier 1 does not fire (reply predates the thanks is fine,
	// but the thanks came later than first_inbound as well); the ack tier
	// closes it.
	firstInbound := testNow.Add(-3 * time.Hour)
	staffReply := testNow.Add(-2 * time.Hour)
	thanks := staffReply.Add(10 * time.Minute)
	id := addIssue(t, store, models.KindSMS, "conv-1", "+13125550187", models.StatusPending, firstInbound, testNow.Add(-time.Hour))

	// Make the thanks the issue's last inbound so tier 1 cannot apply to it.
	store.issues[id].LastInboundTS = &thanks
	store.issues[id].FirstInboundTS = &thanks

	mock.Messages["conv-1"] = []models.Message{
		{Direction: "inbound", Timestamp: firstInbound, Text: "can you fix the heater?"},
		{Direction: "outbound", Timestamp: staffReply, Text: "on our way tomorrow 9am", OperatorID: "op-1"},
		{Direction: "inbound", Timestamp: thanks, Text: "thanks!"},
	}

	counts := svc.RunBoundaryVerification(context.Background(), 50)
	if counts.Resolved != 1 {
		t.Fatalf("expected ack closeout to resolve, counts: %+v", counts)
	}
	if got := issueStatus(t, store, id); got != models.StatusResolved {
		t.Fatalf("status = %s, want RESOLVED", got)
	}
}

func TestClassifierConfidenceGate(t *testing.T) {
	cases := []struct {
		name    string
		verdict classifier.Verdict
		err     error
		want    string
	}{
		{"confident no resolves", classifier.Verdict{Answer: "NO", Confidence: 0.95}, nil, models.StatusResolved},
		{"hesitant no stays open", classifier.Verdict{Answer: "NO", Confidence: 0.80}, nil, models.StatusOpen},
		{"yes stays open", classifier.Verdict{Answer: "YES", Confidence: 0.99}, nil, models.StatusOpen},
		{"error fails open", classifier.Verdict{}, errors.New("timeout"), models.StatusOpen},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, store, mock := newTestService(t)
			fc := &fakeClassifier{verdict: tc.verdict, err: tc.err}
			svc.Classifier = fc

			created := testNow.Add(-4 * time.Hour)
			id := addIssue(t, store, models.KindSMS, "conv-1", "+13125550187", models.StatusPending, created, testNow.Add(-time.Hour))
			mock.Messages["conv-1"] = []models.Message{
				{Direction: "inbound", Timestamp: created, Text: "never mind, figured it out"},
			}

			svc.RunBoundaryVerification(context.Background(), 50)
			if got := issueStatus(t, store, id); got != tc.want {
				t.Fatalf("status = %s, want %s", got, tc.want)
			}
			if fc.calls != 1 {
				t.Fatalf("classifier calls = %d, want 1", fc.calls)
			}
		})
	}
}

func TestClassifierCacheHitSkipsCall(t *testing.T) {
	svc, store, mock := newTestService(t)
	fc := &fakeClassifier{verdict: classifier.Verdict{Answer: "YES", Confidence: 0.5}}
	svc.Classifier = fc

	created := testNow.Add(-4 * time.Hour)
	tail := created
	id := addIssue(t, store, models.KindSMS, "conv-1", "+13125550187", models.StatusPending, created, testNow.Add(-time.Hour))
	mock.Messages["conv-1"] = []models.Message{
		{Direction: "inbound", Timestamp: tail, Text: "never mind, sorted"},
	}
	_ = store.PutClassifierCache(context.Background(), models.ClassifierCacheEntry{
		ConversationID: "conv-1",
		LastMessageTS:  tail,
		Verdict:        "NO",
		Confidence:     0.95,
	})

	counts := svc.RunBoundaryVerification(context.Background(), 50)
	if counts.CacheHits != 1 || counts.Classified != 0 {
		t.Fatalf("expected cache hit, counts: %+v", counts)
	}
	if fc.calls != 0 {
		t.Fatalf("classifier must not run on an unchanged tail, calls = %d", fc.calls)
	}
	if got := issueStatus(t, store, id); got != models.StatusResolved {
		t.Fatalf("status = %s, want RESOLVED", got)
	}
}

func TestClassifierBudgetLimitsCalls(t *testing.T) {
	svc, store, mock := newTestService(t)
	svc.Settings.ClassifierMaxPerRun = 1
	fc := &fakeClassifier{verdict: classifier.Verdict{Answer: "NO", Confidence: 0.95}}
	svc.Classifier = fc

	created := testNow.Add(-4 * time.Hour)
	id1 := addIssue(t, store, models.KindSMS, "conv-1", "+13125550187", models.StatusPending, created, testNow.Add(-2*time.Hour))
	id2 := addIssue(t, store, models.KindSMS, "conv-2", "+13125550188", models.StatusPending, created, testNow.Add(-time.Hour))
	mock.Messages["conv-1"] = []models.Message{{Direction: "inbound", Timestamp: created, Text: "never mind"}}
	mock.Messages["conv-2"] = []models.Message{{Direction: "inbound", Timestamp: created, Text: "never mind"}}

	counts := svc.RunBoundaryVerification(context.Background(), 50)
	if fc.calls != 1 {
		t.Fatalf("budget must cap classifier calls at 1, got %d", fc.calls)
	}
	if counts.Resolved != 1 || counts.Promoted != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if issueStatus(t, store, id1) != models.StatusResolved {
		t.Fatal("first (earliest due) issue should be classified and resolved")
	}
	if issueStatus(t, store, id2) != models.StatusOpen {
		t.Fatal("second issue should be promoted once the budget is spent")
	}
}

func TestFastPollNeverPromotes(t *testing.T) {
	svc, store, _ := newTestService(t)
	created := testNow.Add(-4 * time.Hour)
	pending := addIssue(t, store, models.KindSMS, "conv-1", "+13125550187", models.StatusPending, created, testNow.Add(-time.Hour))
	open := addIssue(t, store, models.KindSMS, "conv-2", "+13125550188", models.StatusOpen, created, testNow.Add(-time.Hour))

	counts := svc.RunFastPoll(context.Background(), 50)
	if counts.Promoted != 0 {
		t.Fatalf("fast poll must never promote, counts: %+v", counts)
	}
	if issueStatus(t, store, pending) != models.StatusPending {
		t.Fatal("fast poll must not touch PENDING issues")
	}
	if issueStatus(t, store, open) != models.StatusOpen {
		t.Fatal("unresolvable OPEN issue must stay OPEN")
	}
}

func TestFastPollResolvesOpenIssue(t *testing.T) {
	svc, store, mock := newTestService(t)
	created := testNow.Add(-4 * time.Hour)
	id := addIssue(t, store, models.KindSMS, "conv-1", "+13125550187", models.StatusOpen, created, testNow.Add(-time.Hour))
	mock.Messages["conv-1"] = []models.Message{
		{Direction: "inbound", Timestamp: created, Text: "hello?"},
		{Direction: "outbound", Timestamp: created.Add(time.Hour), Text: "hi, yes", OperatorID: "op-2"},
	}

	counts := svc.RunFastPoll(context.Background(), 50)
	if counts.Resolved != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if issueStatus(t, store, id) != models.StatusResolved {
		t.Fatal("open issue with staff reply must resolve on fast poll")
	}
}

func TestBuildTranscriptWindow(t *testing.T) {
	base := time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC)
	mk := func(dir string, offset time.Duration, text string) models.Message {
		return models.Message{Direction: dir, Timestamp: base.Add(offset), Text: text}
	}

	t.Run("silence gap cuts older history", func(t *testing.T) {
		msgs := []models.Message{
			mk("inbound", 0, "old thread"),
			mk("inbound", 30*time.Hour, "new question"),
			mk("inbound", 30*time.Hour+time.Minute, "still there?"),
		}
		w := buildTranscriptWindow(msgs, nil, 20, 12*time.Hour)
		if len(w) != 2 || w[0].Text != "new question" {
			t.Fatalf("unexpected window: %+v", w)
		}
	})

	t.Run("message cap", func(t *testing.T) {
		var msgs []models.Message
		for i := 0; i < 30; i++ {
			msgs = append(msgs, mk("inbound", time.Duration(i)*time.Minute, "m"))
		}
		if w := buildTranscriptWindow(msgs, nil, 5, 0); len(w) != 5 {
			t.Fatalf("cap not applied, len=%d", len(w))
		}
	})

	t.Run("bounded at staff reply after customer replied", func(t *testing.T) {
		staff := mk("outbound", 60*time.Minute, "answered")
		staff.OperatorID = "op-1"
		msgs := []models.Message{
			mk("inbound", 0, "q1"),
			mk("inbound", 10*time.Minute, "q2"),
			staff,
			mk("inbound", 90*time.Minute, "one more thing"),
		}
		w := buildTranscriptWindow(msgs, &staff, 20, 0)
		if len(w) != 2 || w[0].Direction != "outbound" {
			t.Fatalf("window must start at the staff reply, got %+v", w)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if w := buildTranscriptWindow(nil, nil, 20, time.Hour); w != nil {
			t.Fatalf("expected nil window, got %+v", w)
		}
	})
}

func TestQualifyingReplies(t *testing.T) {
	base := time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC)
	msgs := []models.Message{
		{Direction: "outbound", Timestamp: base, OperatorID: "op-1"},
		{Direction: "outbound", Timestamp: base.Add(time.Hour)}, // automated
		{Direction: "outbound", Timestamp: base.Add(2 * time.Hour), OperatorID: "ghost"},
		{Direction: "outbound", Timestamp: base.Add(3 * time.Hour), OperatorID: "op-2"},
		{Direction: "inbound", Timestamp: base.Add(4 * time.Hour)},
	}
	count, newest := qualifyingReplies(msgs, []string{"op-1", "op-2"})
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	if newest == nil || newest.OperatorID != "op-2" {
		t.Fatalf("newest = %+v, want op-2", newest)
	}
}

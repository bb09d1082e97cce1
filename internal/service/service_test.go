package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ntpp_sentinel/backend/internal/bizhours"
	"github.com/ntpp_sentinel/backend/internal/classifier"
	"github.com/ntpp_sentinel/backend/internal/crm"
	"github.com/ntpp_sentinel/backend/internal/models"
)

// fakeStore is an in-memory Store for engine tests.
type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	issues   map[int64]*models.Issue
	spam     map[string]bool
	activity map[string]models.ConversationActivity
	cache    map[string]models.ClassifierCacheEntry
	kv       map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		issues:   map[int64]*models.Issue{},
		spam:     map[string]bool{},
		activity: map[string]models.ConversationActivity{},
		cache:    map[string]models.ClassifierCacheEntry{},
		kv:       map[string]string{},
	}
}

func (f *fakeStore) InsertRawEvent(context.Context, string, []byte) error { return nil }

func (f *fakeStore) CreateIssue(_ context.Context, i models.Issue) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	i.ID = f.nextID
	f.issues[i.ID] = &i
	return i.ID, nil
}

func (f *fakeStore) FindActiveIssue(_ context.Context, kind, conversationID, phone string) (*models.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *models.Issue
	match := func(i *models.Issue) {
		if best == nil || i.ID > best.ID {
			best = i
		}
	}
	if conversationID != "" {
		for _, i := range f.issues {
			if i.Active() && i.Kind == kind && i.ConversationID != nil && *i.ConversationID == conversationID {
				match(i)
			}
		}
		if best != nil {
			cp := *best
			return &cp, nil
		}
	}
	if phone != "" {
		for _, i := range f.issues {
			if i.Active() && i.Kind == kind && i.Phone != nil && *i.Phone == phone {
				match(i)
			}
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (f *fakeStore) TouchInbound(_ context.Context, id int64, occurredAt time.Time, contactID, phone, contactName, conversationID *string, meta []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.issues[id]
	if !ok || !i.Active() {
		return nil
	}
	i.LastInboundTS = &occurredAt
	i.InboundCount++
	if i.ContactID == nil {
		i.ContactID = contactID
	}
	if i.Phone == nil {
		i.Phone = phone
	}
	if i.ContactName == nil {
		i.ContactName = contactName
	}
	if i.ConversationID == nil {
		i.ConversationID = conversationID
	}
	i.Meta = meta
	return nil
}

func (f *fakeStore) GetIssue(_ context.Context, id int64) (*models.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.issues[id]
	if !ok {
		return nil, nil
	}
	cp := *i
	return &cp, nil
}

func (f *fakeStore) list(filter func(*models.Issue) bool) []models.Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Issue
	for _, i := range f.issues {
		if filter(i) {
			out = append(out, *i)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].DueTS.Equal(out[b].DueTS) {
			return out[a].ID < out[b].ID
		}
		return out[a].DueTS.Before(out[b].DueTS)
	})
	return out
}

func (f *fakeStore) ListActiveIssues(_ context.Context, limit, offset int) ([]models.Issue, int, error) {
	all := f.list(func(i *models.Issue) bool { return i.Active() })
	total := len(all)
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (f *fakeStore) ListDuePending(_ context.Context, now time.Time, limit int) ([]models.Issue, error) {
	out := f.list(func(i *models.Issue) bool {
		return i.Status == models.StatusPending && !i.DueTS.After(now)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ListOpenSMS(_ context.Context, limit int) ([]models.Issue, error) {
	out := f.list(func(i *models.Issue) bool {
		return i.Status == models.StatusOpen && i.Kind == models.KindSMS && i.ConversationID != nil
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ListOverdueOpen(_ context.Context, kind string, now time.Time) ([]models.Issue, error) {
	return f.list(func(i *models.Issue) bool {
		return i.Status == models.StatusOpen && i.Kind == kind && !i.DueTS.After(now)
	}), nil
}

func (f *fakeStore) ListBreached(_ context.Context, now time.Time, limit int) ([]models.Issue, error) {
	out := f.list(func(i *models.Issue) bool {
		return i.Status == models.StatusOpen && !i.DueTS.After(now) && i.BreachNotifiedTS == nil
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ListResolvedBetween(_ context.Context, from, to time.Time, limit int) ([]models.Issue, error) {
	out := f.list(func(i *models.Issue) bool {
		return i.Status == models.StatusResolved && i.ResolvedTS != nil &&
			i.ResolvedTS.After(from) && !i.ResolvedTS.After(to)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ResolveIssue(_ context.Context, id int64, status string, ts time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.issues[id]
	if !ok || !i.Active() {
		return false, nil
	}
	i.Status = status
	i.ResolvedTS = &ts
	return true, nil
}

func (f *fakeStore) PromoteToOpen(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.issues[id]
	if !ok || i.Status != models.StatusPending {
		return false, nil
	}
	i.Status = models.StatusOpen
	return true, nil
}

func (f *fakeStore) resolveWhere(match func(*models.Issue) bool, status string, ts time.Time) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, i := range f.issues {
		if i.Active() && match(i) {
			i.Status = status
			i.ResolvedTS = &ts
			n++
		}
	}
	return n
}

func (f *fakeStore) ResolveByPhone(_ context.Context, phone, status string, ts time.Time) (int64, error) {
	return f.resolveWhere(func(i *models.Issue) bool {
		return i.Phone != nil && *i.Phone == phone
	}, status, ts), nil
}

func (f *fakeStore) ResolveByContactID(_ context.Context, contactID, status string, ts time.Time) (int64, error) {
	return f.resolveWhere(func(i *models.Issue) bool {
		return i.ContactID != nil && *i.ContactID == contactID
	}, status, ts), nil
}

func (f *fakeStore) ResolveByName(_ context.Context, name, status string, ts time.Time) (int64, error) {
	return f.resolveWhere(func(i *models.Issue) bool {
		return i.ContactName != nil && *i.ContactName == name
	}, status, ts), nil
}

func (f *fakeStore) UpdateOutboundCount(_ context.Context, id int64, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i, ok := f.issues[id]; ok && i.Active() {
		i.OutboundCount = count
	}
	return nil
}

func (f *fakeStore) MarkBreachNotified(_ context.Context, ids []int64, ts time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, id := range ids {
		i, ok := f.issues[id]
		if ok && i.Status == models.StatusOpen && i.BreachNotifiedTS == nil {
			i.BreachNotifiedTS = &ts
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) BackfillContactName(_ context.Context, id int64, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i, ok := f.issues[id]; ok && i.ContactName == nil {
		i.ContactName = &name
	}
	return nil
}

func (f *fakeStore) SetMeta(_ context.Context, id int64, meta []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i, ok := f.issues[id]; ok {
		i.Meta = meta
	}
	return nil
}

func (f *fakeStore) AddSpamPhone(_ context.Context, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spam[phone] = true
	return nil
}

func (f *fakeStore) MarkSpam(_ context.Context, id int64, phone string, ts time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if phone != "" {
		f.spam[phone] = true
	}
	i, ok := f.issues[id]
	if !ok || !i.Active() {
		return false, nil
	}
	i.Status = models.StatusSpam
	i.ResolvedTS = &ts
	return true, nil
}

func (f *fakeStore) IsSpamPhone(_ context.Context, phone string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spam[phone], nil
}

func (f *fakeStore) UpsertActivity(_ context.Context, a models.ConversationActivity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if old, ok := f.activity[a.ConversationID]; ok && !old.LastStaffOutboundTS.Before(a.LastStaffOutboundTS) {
		return nil
	}
	f.activity[a.ConversationID] = a
	return nil
}

func (f *fakeStore) GetActivity(_ context.Context, conversationID string) (*models.ConversationActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.activity[conversationID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (f *fakeStore) GetClassifierCache(_ context.Context, conversationID string) (*models.ClassifierCacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.cache[conversationID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (f *fakeStore) PutClassifierCache(_ context.Context, e models.ClassifierCacheEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[e.ConversationID] = e
	return nil
}

func (f *fakeStore) KVGet(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kv[key], nil
}

func (f *fakeStore) KVSet(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[key] = value
	return nil
}

// fakeClassifier returns a fixed verdict and counts invocations.
type fakeClassifier struct {
	verdict classifier.Verdict
	err     error
	calls   int
}

func (f *fakeClassifier) ClassifyFollowup(context.Context, []models.Message) (classifier.Verdict, error) {
	f.calls++
	if f.err != nil {
		return classifier.Verdict{}, f.err
	}
	return f.verdict, nil
}

// testNow is a Wednesday inside business hours.
var testNow = time.Date(2025, 3, 12, 14, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *fakeStore, *crm.MockClient) {
	t.Helper()
	store := newFakeStore()
	mock := crm.NewMockClient()
	settings := Settings{
		SLADurationSMS:       2 * time.Hour,
		SLADurationCall:      2 * time.Hour,
		EscalationAfter:      24 * time.Hour,
		OperatorAllowList:    []string{"op-1", "op-2"},
		ManagerIDs:           []string{"mgr-1"},
		AckEnabled:           true,
		AckWindowMode:        "business_day",
		AckWindow:            4 * time.Hour,
		ClassifierThreshold:  0.90,
		ClassifierMaxPerRun:  10,
		ClassifierMaxRunTime: 30 * time.Second,
		ClassifierSilenceGap: 12 * time.Hour,
		ClassifierMaxMsgs:    20,
		SummaryMaxItems:      8,
	}
	svc := New(store, mock, nil, bizhours.Default(time.UTC), settings, zerolog.Nop())
	svc.now = func() time.Time { return testNow }
	return svc, store, mock
}

func smsEvent(conv, phone, text string, at time.Time) models.InboundEvent {
	return models.InboundEvent{
		Kind:           models.KindSMS,
		Phone:          phone,
		ConversationID: conv,
		Text:           text,
		Direction:      "inbound",
		OccurredAt:     at,
	}
}

package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ntpp_sentinel/backend/internal/bizhours"
	"github.com/ntpp_sentinel/backend/internal/classifier"
	"github.com/ntpp_sentinel/backend/internal/config"
	"github.com/ntpp_sentinel/backend/internal/crm"
	"github.com/ntpp_sentinel/backend/internal/models"
)

// Store is the persistence surface the engine needs. *db.Store implements it;
// tests use an in-memory fake.
type Store interface {
	InsertRawEvent(ctx context.Context, source string, payload []byte) error
	CreateIssue(ctx context.Context, i models.Issue) (int64, error)
	FindActiveIssue(ctx context.Context, kind, conversationID, phone string) (*models.Issue, error)
	TouchInbound(ctx context.Context, id int64, occurredAt time.Time, contactID, phone, contactName, conversationID *string, meta []byte) error
	GetIssue(ctx context.Context, id int64) (*models.Issue, error)
	ListActiveIssues(ctx context.Context, limit, offset int) ([]models.Issue, int, error)
	ListDuePending(ctx context.Context, now time.Time, limit int) ([]models.Issue, error)
	ListOpenSMS(ctx context.Context, limit int) ([]models.Issue, error)
	ListOverdueOpen(ctx context.Context, kind string, now time.Time) ([]models.Issue, error)
	ListBreached(ctx context.Context, now time.Time, limit int) ([]models.Issue, error)
	ListResolvedBetween(ctx context.Context, from, to time.Time, limit int) ([]models.Issue, error)
	ResolveIssue(ctx context.Context, id int64, status string, ts time.Time) (bool, error)
	PromoteToOpen(ctx context.Context, id int64) (bool, error)
	ResolveByPhone(ctx context.Context, phone, status string, ts time.Time) (int64, error)
	ResolveByContactID(ctx context.Context, contactID, status string, ts time.Time) (int64, error)
	ResolveByName(ctx context.Context, name, status string, ts time.Time) (int64, error)
	UpdateOutboundCount(ctx context.Context, id int64, count int) error
	MarkBreachNotified(ctx context.Context, ids []int64, ts time.Time) (int64, error)
	BackfillContactName(ctx context.Context, id int64, name string) error
	SetMeta(ctx context.Context, id int64, meta []byte) error
	AddSpamPhone(ctx context.Context, phone string) error
	MarkSpam(ctx context.Context, id int64, phone string, ts time.Time) (bool, error)
	IsSpamPhone(ctx context.Context, phone string) (bool, error)
	UpsertActivity(ctx context.Context, a models.ConversationActivity) error
	GetActivity(ctx context.Context, conversationID string) (*models.ConversationActivity, error)
	GetClassifierCache(ctx context.Context, conversationID string) (*models.ClassifierCacheEntry, error)
	PutClassifierCache(ctx context.Context, e models.ClassifierCacheEntry) error
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, value string) error
}

// Settings are the engine knobs, derived from config once at startup.
type Settings struct {
	SLADurationSMS  time.Duration
	SLADurationCall time.Duration
	EscalationAfter time.Duration

	OperatorAllowList []string
	ManagerIDs        []string

	AckEnabled    bool
	AckWindowMode string // business_day | hours
	AckWindow     time.Duration

	ClassifierThreshold  float64
	ClassifierMaxPerRun  int
	ClassifierMaxRunTime time.Duration
	ClassifierSilenceGap time.Duration
	ClassifierMaxMsgs    int

	SummaryMaxItems int
}

func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		SLADurationSMS:       time.Duration(cfg.SLAHoursSMS * float64(time.Hour)),
		SLADurationCall:      time.Duration(cfg.SLAHoursCall * float64(time.Hour)),
		EscalationAfter:      time.Duration(cfg.EscalationHours * float64(time.Hour)),
		OperatorAllowList:    cfg.OperatorAllowList(),
		ManagerIDs:           cfg.ManagerIDs(),
		AckEnabled:           cfg.AckEnabled,
		AckWindowMode:        cfg.AckWindowMode,
		AckWindow:            time.Duration(cfg.AckWindowHours * float64(time.Hour)),
		ClassifierThreshold:  cfg.ClassifierThreshold,
		ClassifierMaxPerRun:  cfg.ClassifierMaxPerRun,
		ClassifierMaxRunTime: cfg.ClassifierMaxRunTime,
		ClassifierSilenceGap: cfg.ClassifierSilenceGap,
		ClassifierMaxMsgs:    cfg.ClassifierMaxMsgs,
		SummaryMaxItems:      cfg.SummaryMaxItems,
	}
}

// Service is the issue lifecycle engine: ingestion, resolution detection,
// escalation, summaries, and manager commands share its collaborators.
type Service struct {
	Store      Store
	CRM        crm.Client
	Classifier classifier.Adapter // nil disables the fallback tier
	Clock      bizhours.Clock
	Settings   Settings
	Logger     zerolog.Logger

	cursors cursorTable

	// now is swappable in tests.
	now func() time.Time
}

func New(store Store, crmClient crm.Client, cls classifier.Adapter, clock bizhours.Clock, settings Settings, logger zerolog.Logger) *Service {
	return &Service{
		Store:      store,
		CRM:        crmClient,
		Classifier: cls,
		Clock:      clock,
		Settings:   settings,
		Logger:     logger,
		now:        time.Now,
	}
}

// Counts is the structured result every batch job returns, even under
// partial failure.
type Counts struct {
	Checked    int `json:"checked"`
	Resolved   int `json:"resolved"`
	Promoted   int `json:"promoted"`
	Errors     int `json:"errors"`
	Classified int `json:"classified"`
	CacheHits  int `json:"cache_hits"`
	Alerted    int `json:"alerted"`
}

func (s *Service) isOperator(id string) bool {
	if id == "" {
		return false
	}
	for _, op := range s.Settings.OperatorAllowList {
		if op == id {
			return true
		}
	}
	return false
}

func (s *Service) isManager(id string) bool {
	if id == "" {
		return false
	}
	for _, m := range s.Settings.ManagerIDs {
		if m == id {
			return true
		}
	}
	return false
}

// slaDuration picks the configured SLA for an issue kind.
func (s *Service) slaDuration(kind string) time.Duration {
	if kind == models.KindCall {
		return s.Settings.SLADurationCall
	}
	return s.Settings.SLADurationSMS
}

// withinAckWindow reports whether an instant falls inside the closeout grace
// window of a staff reply: until the end of the staff reply's business day,
// or within a fixed number of hours, per configuration.
func (s *Service) withinAckWindow(staffReply, instant time.Time) bool {
	if instant.Before(staffReply) {
		return false
	}
	if s.Settings.AckWindowMode == "hours" {
		return !instant.After(staffReply.Add(s.Settings.AckWindow))
	}
	return !instant.After(s.Clock.EndOfDay(staffReply))
}

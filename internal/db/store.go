package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ntpp_sentinel/backend/internal/models"
)

// PgxIface is the slice of pgxpool.Pool the store uses; pgxmock satisfies it
// in tests.
type PgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type Store struct {
	DB PgxIface
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{DB: pool}, nil
}

// NewWithDB wraps an existing pool-compatible handle (tests).
func NewWithDB(db PgxIface) *Store {
	return &Store{DB: db}
}

func (s *Store) Close() {
	s.DB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.DB.Ping(ctx)
}

func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Migrate creates the schema when absent. Additive only; safe to re-run.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS issues (
			id BIGSERIAL PRIMARY KEY,
			kind TEXT NOT NULL,
			contact_id TEXT,
			phone TEXT,
			contact_name TEXT,
			conversation_id TEXT,
			created_ts TIMESTAMPTZ NOT NULL,
			first_inbound_ts TIMESTAMPTZ,
			last_inbound_ts TIMESTAMPTZ,
			inbound_count INT NOT NULL DEFAULT 0,
			outbound_count INT NOT NULL DEFAULT 0,
			due_ts TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			resolved_ts TIMESTAMPTZ,
			breach_notified_ts TIMESTAMPTZ,
			meta JSONB NOT NULL DEFAULT '{}'::jsonb
		)`,
		`CREATE INDEX IF NOT EXISTS idx_issues_active ON issues (kind, conversation_id) WHERE status IN ('PENDING','OPEN')`,
		`CREATE INDEX IF NOT EXISTS idx_issues_due ON issues (status, due_ts)`,
		`CREATE TABLE IF NOT EXISTS spam_phones (
			phone TEXT PRIMARY KEY,
			created_ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_activity (
			conversation_id TEXT PRIMARY KEY,
			last_staff_outbound_ts TIMESTAMPTZ NOT NULL,
			operator_id TEXT NOT NULL DEFAULT '',
			updated_ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS classifier_cache (
			conversation_id TEXT PRIMARY KEY,
			last_message_ts TIMESTAMPTZ NOT NULL,
			verdict TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			evidence TEXT NOT NULL DEFAULT '',
			created_ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS raw_events (
			id BIGSERIAL PRIMARY KEY,
			received_ts TIMESTAMPTZ NOT NULL,
			source TEXT NOT NULL,
			payload JSONB NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const issueColumns = `id, kind, contact_id, phone, contact_name, conversation_id, created_ts,
	first_inbound_ts, last_inbound_ts, inbound_count, outbound_count, due_ts, status,
	resolved_ts, breach_notified_ts, meta`

func scanIssue(row pgx.Row) (models.Issue, error) {
	var i models.Issue
	err := row.Scan(
		&i.ID, &i.Kind, &i.ContactID, &i.Phone, &i.ContactName, &i.ConversationID, &i.CreatedTS,
		&i.FirstInboundTS, &i.LastInboundTS, &i.InboundCount, &i.OutboundCount, &i.DueTS, &i.Status,
		&i.ResolvedTS, &i.BreachNotifiedTS, &i.Meta,
	)
	return i, err
}

func (s *Store) collectIssues(ctx context.Context, query string, args ...any) ([]models.Issue, error) {
	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (s *Store) InsertRawEvent(ctx context.Context, source string, payload []byte) error {
	_, err := s.DB.Exec(ctx,
		`INSERT INTO raw_events (received_ts, source, payload) VALUES (NOW(), $1, $2)`,
		source, payload)
	return err
}

func (s *Store) CreateIssue(ctx context.Context, i models.Issue) (int64, error) {
	var id int64
	err := s.DB.QueryRow(ctx, `
		INSERT INTO issues (kind, contact_id, phone, contact_name, conversation_id, created_ts,
			first_inbound_ts, last_inbound_ts, inbound_count, outbound_count, due_ts, status, meta)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id`,
		i.Kind, i.ContactID, i.Phone, i.ContactName, i.ConversationID, i.CreatedTS,
		i.FirstInboundTS, i.LastInboundTS, i.InboundCount, i.OutboundCount, i.DueTS, i.Status, i.Meta,
	).Scan(&id)
	return id, err
}

// FindActiveIssue locates the newest PENDING/OPEN issue of the given kind,
// keyed by conversation id when known and by phone otherwise. Returns
// (nil, nil) when no active issue exists.
func (s *Store) FindActiveIssue(ctx context.Context, kind, conversationID, phone string) (*models.Issue, error) {
	if conversationID != "" {
		i, err := scanIssue(s.DB.QueryRow(ctx, `
			SELECT `+issueColumns+` FROM issues
			WHERE status IN ('PENDING','OPEN') AND kind = $1 AND conversation_id = $2
			ORDER BY id DESC LIMIT 1`, kind, conversationID))
		if err == nil {
			return &i, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
	}
	if phone != "" {
		i, err := scanIssue(s.DB.QueryRow(ctx, `
			SELECT `+issueColumns+` FROM issues
			WHERE status IN ('PENDING','OPEN') AND kind = $1 AND phone = $2
			ORDER BY id DESC LIMIT 1`, kind, phone))
		if err == nil {
			return &i, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
	}
	return nil, nil
}

// TouchInbound records another customer message on an active issue: advances
// last_inbound_ts, bumps inbound_count, backfills missing identity fields.
// due_ts is deliberately untouched.
func (s *Store) TouchInbound(ctx context.Context, id int64, occurredAt time.Time, contactID, phone, contactName, conversationID *string, meta []byte) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE issues
		SET last_inbound_ts = $2,
			inbound_count = inbound_count + 1,
			contact_id = COALESCE(contact_id, $3),
			phone = COALESCE(phone, $4),
			contact_name = COALESCE(contact_name, $5),
			conversation_id = COALESCE(conversation_id, $6),
			meta = $7
		WHERE id = $1 AND status IN ('PENDING','OPEN')`,
		id, occurredAt, contactID, phone, contactName, conversationID, meta)
	return err
}

func (s *Store) GetIssue(ctx context.Context, id int64) (*models.Issue, error) {
	i, err := scanIssue(s.DB.QueryRow(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	return &i, nil
}

// ListActiveIssues returns PENDING/OPEN issues ordered by due_ts plus the
// total active count, for manager list paging.
func (s *Store) ListActiveIssues(ctx context.Context, limit, offset int) ([]models.Issue, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var total int
	if err := s.DB.QueryRow(ctx,
		`SELECT COUNT(*) FROM issues WHERE status IN ('PENDING','OPEN')`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.collectIssues(ctx, `
		SELECT `+issueColumns+` FROM issues
		WHERE status IN ('PENDING','OPEN')
		ORDER BY due_ts ASC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// ListDuePending returns PENDING issues whose deadline has passed, for
// boundary verification.
func (s *Store) ListDuePending(ctx context.Context, now time.Time, limit int) ([]models.Issue, error) {
	return s.collectIssues(ctx, `
		SELECT `+issueColumns+` FROM issues
		WHERE status = 'PENDING' AND due_ts <= $1
		ORDER BY due_ts ASC
		LIMIT $2`, now, limit)
}

// ListOpenSMS returns OPEN SMS issues with a known conversation, for the
// fast poll.
func (s *Store) ListOpenSMS(ctx context.Context, limit int) ([]models.Issue, error) {
	return s.collectIssues(ctx, `
		SELECT `+issueColumns+` FROM issues
		WHERE status = 'OPEN' AND kind = 'SMS' AND conversation_id IS NOT NULL
		ORDER BY due_ts ASC
		LIMIT $1`, limit)
}

// ListOverdueOpen returns OPEN issues of a kind past their deadline, for
// summaries.
func (s *Store) ListOverdueOpen(ctx context.Context, kind string, now time.Time) ([]models.Issue, error) {
	return s.collectIssues(ctx, `
		SELECT `+issueColumns+` FROM issues
		WHERE status = 'OPEN' AND kind = $1 AND due_ts <= $2
		ORDER BY due_ts ASC`, kind, now)
}

// ListBreached returns OPEN issues past due that were never alerted.
func (s *Store) ListBreached(ctx context.Context, now time.Time, limit int) ([]models.Issue, error) {
	return s.collectIssues(ctx, `
		SELECT `+issueColumns+` FROM issues
		WHERE status = 'OPEN' AND due_ts <= $1 AND breach_notified_ts IS NULL
		ORDER BY due_ts ASC
		LIMIT $2`, now, limit)
}

func (s *Store) ListResolvedBetween(ctx context.Context, from, to time.Time, limit int) ([]models.Issue, error) {
	return s.collectIssues(ctx, `
		SELECT `+issueColumns+` FROM issues
		WHERE status = 'RESOLVED' AND resolved_ts IS NOT NULL AND resolved_ts > $1 AND resolved_ts <= $2
		ORDER BY resolved_ts DESC
		LIMIT $3`, from, to, limit)
}

// ResolveIssue transitions an active issue into RESOLVED or SPAM. The status
// predicate makes concurrent resolvers idempotent: only one caller observes
// changed=true.
func (s *Store) ResolveIssue(ctx context.Context, id int64, status string, ts time.Time) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE issues SET status = $2, resolved_ts = $3
		WHERE id = $1 AND status IN ('PENDING','OPEN')`,
		id, status, ts)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// PromoteToOpen moves a PENDING issue past its boundary into OPEN. A no-op
// when a concurrent run already promoted or resolved it.
func (s *Store) PromoteToOpen(ctx context.Context, id int64) (bool, error) {
	tag, err := s.DB.Exec(ctx,
		`UPDATE issues SET status = 'OPEN' WHERE id = $1 AND status = 'PENDING'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) ResolveByPhone(ctx context.Context, phone, status string, ts time.Time) (int64, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE issues SET status = $2, resolved_ts = $3
		WHERE status IN ('PENDING','OPEN') AND phone = $1`,
		phone, status, ts)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ResolveByContactID(ctx context.Context, contactID, status string, ts time.Time) (int64, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE issues SET status = $2, resolved_ts = $3
		WHERE status IN ('PENDING','OPEN') AND contact_id = $1`,
		contactID, status, ts)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ResolveByName(ctx context.Context, name, status string, ts time.Time) (int64, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE issues SET status = $2, resolved_ts = $3
		WHERE status IN ('PENDING','OPEN') AND contact_name ILIKE '%' || $1 || '%'`,
		name, status, ts)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) UpdateOutboundCount(ctx context.Context, id int64, count int) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE issues SET outbound_count = $2
		WHERE id = $1 AND status IN ('PENDING','OPEN')`, id, count)
	return err
}

// MarkBreachNotified stamps the whole alerted batch in one statement, still
// guarded so a concurrently resolved issue is skipped.
func (s *Store) MarkBreachNotified(ctx context.Context, ids []int64, ts time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.DB.Exec(ctx, `
		UPDATE issues SET breach_notified_ts = $2
		WHERE id = ANY($1) AND status = 'OPEN' AND breach_notified_ts IS NULL`,
		ids, ts)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) BackfillContactName(ctx context.Context, id int64, name string) error {
	_, err := s.DB.Exec(ctx,
		`UPDATE issues SET contact_name = $2 WHERE id = $1 AND contact_name IS NULL`, id, name)
	return err
}

func (s *Store) SetMeta(ctx context.Context, id int64, meta []byte) error {
	_, err := s.DB.Exec(ctx, `UPDATE issues SET meta = $2 WHERE id = $1`, id, meta)
	return err
}

func (s *Store) AddSpamPhone(ctx context.Context, phone string) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO spam_phones (phone, created_ts) VALUES ($1, NOW())
		ON CONFLICT (phone) DO NOTHING`, phone)
	return err
}

// MarkSpam flags the issue's phone and closes the issue as SPAM in one
// transaction, so the spam list and the issue status never disagree. The
// status predicate keeps the transition idempotent.
func (s *Store) MarkSpam(ctx context.Context, id int64, phone string, ts time.Time) (bool, error) {
	changed := false
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		if phone != "" {
			if _, err := tx.Exec(ctx, `
				INSERT INTO spam_phones (phone, created_ts) VALUES ($1, NOW())
				ON CONFLICT (phone) DO NOTHING`, phone); err != nil {
				return err
			}
		}
		tag, err := tx.Exec(ctx, `
			UPDATE issues SET status = 'SPAM', resolved_ts = $2
			WHERE id = $1 AND status IN ('PENDING','OPEN')`, id, ts)
		if err != nil {
			return err
		}
		changed = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (s *Store) IsSpamPhone(ctx context.Context, phone string) (bool, error) {
	if phone == "" {
		return false, nil
	}
	var one int
	err := s.DB.QueryRow(ctx, `SELECT 1 FROM spam_phones WHERE phone = $1`, phone).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) UpsertActivity(ctx context.Context, a models.ConversationActivity) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO conversation_activity (conversation_id, last_staff_outbound_ts, operator_id, updated_ts)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (conversation_id) DO UPDATE SET
			last_staff_outbound_ts = EXCLUDED.last_staff_outbound_ts,
			operator_id = EXCLUDED.operator_id,
			updated_ts = EXCLUDED.updated_ts
		WHERE conversation_activity.last_staff_outbound_ts < EXCLUDED.last_staff_outbound_ts`,
		a.ConversationID, a.LastStaffOutboundTS, a.OperatorID)
	return err
}

func (s *Store) GetActivity(ctx context.Context, conversationID string) (*models.ConversationActivity, error) {
	var a models.ConversationActivity
	err := s.DB.QueryRow(ctx, `
		SELECT conversation_id, last_staff_outbound_ts, operator_id, updated_ts
		FROM conversation_activity WHERE conversation_id = $1`, conversationID).
		Scan(&a.ConversationID, &a.LastStaffOutboundTS, &a.OperatorID, &a.UpdatedTS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) GetClassifierCache(ctx context.Context, conversationID string) (*models.ClassifierCacheEntry, error) {
	var e models.ClassifierCacheEntry
	err := s.DB.QueryRow(ctx, `
		SELECT conversation_id, last_message_ts, verdict, confidence, evidence, created_ts
		FROM classifier_cache WHERE conversation_id = $1`, conversationID).
		Scan(&e.ConversationID, &e.LastMessageTS, &e.Verdict, &e.Confidence, &e.Evidence, &e.CreatedTS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) PutClassifierCache(ctx context.Context, e models.ClassifierCacheEntry) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO classifier_cache (conversation_id, last_message_ts, verdict, confidence, evidence, created_ts)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (conversation_id) DO UPDATE SET
			last_message_ts = EXCLUDED.last_message_ts,
			verdict = EXCLUDED.verdict,
			confidence = EXCLUDED.confidence,
			evidence = EXCLUDED.evidence,
			created_ts = EXCLUDED.created_ts`,
		e.ConversationID, e.LastMessageTS, e.Verdict, e.Confidence, e.Evidence)
	return err
}

func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var value string
	err := s.DB.QueryRow(ctx, `SELECT value FROM kv_store WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *Store) KVSet(ctx context.Context, key, value string) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO kv_store (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	// register pgx stdlib driver
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/pixelforge/pixelforge/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
//
// Reserve and Refund take a row lock on the user (SELECT ... FOR UPDATE) so
// concurrent balance updates for the same user serialize on the database.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed store using the provided DSN and connection
// pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT,
	credits BIGINT NOT NULL CHECK(credits >= 0),
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	type TEXT NOT NULL CHECK(type IN ('grant','deduction','refund')),
	credits BIGINT NOT NULL CHECK(credits > 0),
	request_id TEXT,
	reason TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS generation_requests (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	model TEXT NOT NULL,
	style TEXT NOT NULL,
	color TEXT NOT NULL,
	size TEXT NOT NULL,
	prompt TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('pending','completed','failed')),
	image_url TEXT,
	error TEXT,
	credits_charged BIGINT NOT NULL CHECK(credits_charged > 0),
	created_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS weekly_reports (
	week_start TIMESTAMPTZ PRIMARY KEY,
	id TEXT NOT NULL,
	week_end TIMESTAMPTZ NOT NULL,
	payload TEXT NOT NULL,
	generated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tx_user_created ON credit_transactions(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tx_created ON credit_transactions(created_at);
CREATE INDEX IF NOT EXISTS idx_requests_created ON generation_requests(created_at);
CREATE INDEX IF NOT EXISTS idx_requests_status_created ON generation_requests(status, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tx_refund_once ON credit_transactions(request_id) WHERE type = 'refund';
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateUser provisions a user and appends the initial grant transaction.
func (s *Store) CreateUser(ctx context.Context, id, email string, initialCredits int64) (*ledger.User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("user id required")
	}
	if initialCredits < 0 {
		return nil, fmt.Errorf("negative initial credits %d", initialCredits)
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users(id, email, credits, created_at, updated_at) VALUES($1, $2, $3, $4, $5)`,
		id, email, initialCredits, now, now,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user %s already exists", id)
		}
		return nil, err
	}
	if initialCredits > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO credit_transactions(id, user_id, type, credits, request_id, reason, created_at)
			 VALUES($1, $2, $3, $4, '', $5, $6)`,
			uuid.NewString(), id, ledger.TypeGrant, initialCredits,
			fmt.Sprintf("Initial credit allocation - %d credits", initialCredits), now,
		); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &ledger.User{ID: id, Email: email, Credits: initialCredits, CreatedAt: now, UpdatedAt: now}, nil
}

// GetUser returns the user or ledger.ErrNotFound.
func (s *Store) GetUser(ctx context.Context, id string) (*ledger.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, COALESCE(email, ''), credits, created_at, updated_at FROM users WHERE id = $1`, id)
	var u ledger.User
	if err := row.Scan(&u.ID, &u.Email, &u.Credits, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// Reserve locks the user row, checks the balance, debits it, and appends the
// deduction transaction as one database transaction.
func (s *Store) Reserve(ctx context.Context, userID string, amount int64, requestID, reason string) (*ledger.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("non-positive reserve amount %d", amount)
	}
	if strings.TrimSpace(requestID) == "" {
		return nil, errors.New("request id required")
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var available int64
	switch err := tx.QueryRowContext(ctx,
		`SELECT credits FROM users WHERE id = $1 FOR UPDATE`, userID,
	).Scan(&available); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ledger.ErrNotFound
	case err != nil:
		return nil, err
	}
	if available < amount {
		return nil, &ledger.InsufficientCreditsError{Required: amount, Available: available}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET credits = credits - $1, updated_at = $2 WHERE id = $3`,
		amount, now, userID,
	); err != nil {
		return nil, err
	}

	entry := &ledger.Transaction{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      ledger.TypeDeduction,
		Credits:   amount,
		RequestID: requestID,
		Reason:    reason,
		CreatedAt: now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions(id, user_id, type, credits, request_id, reason, created_at)
		 VALUES($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.UserID, entry.Type, entry.Credits, entry.RequestID, entry.Reason, entry.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

// Refund credits the balance back exactly once per request.
func (s *Store) Refund(ctx context.Context, userID, requestID string, amount int64, reason string) (*ledger.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("non-positive refund amount %d", amount)
	}
	if strings.TrimSpace(requestID) == "" {
		return nil, errors.New("request id required")
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	switch err := tx.QueryRowContext(ctx,
		`SELECT credits FROM users WHERE id = $1 FOR UPDATE`, userID,
	).Scan(&current); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ledger.ErrNotFound
	case err != nil:
		return nil, err
	}

	// A refund is only legal for a failed request. A missing row means the
	// reservation committed but the request never materialized; refunding
	// that orphaned deduction is how it gets cleaned up.
	var status string
	switch err := tx.QueryRowContext(ctx,
		`SELECT status FROM generation_requests WHERE id = $1 FOR UPDATE`, requestID,
	).Scan(&status); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	case status != string(ledger.StatusFailed):
		return nil, ledger.ErrRequestNotFailed
	}

	entry := &ledger.Transaction{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      ledger.TypeRefund,
		Credits:   amount,
		RequestID: requestID,
		Reason:    reason,
		CreatedAt: now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions(id, user_id, type, credits, request_id, reason, created_at)
		 VALUES($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.UserID, entry.Type, entry.Credits, entry.RequestID, entry.Reason, entry.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, ledger.ErrAlreadyRefunded
		}
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET credits = credits + $1, updated_at = $2 WHERE id = $3`,
		amount, now, userID,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

// Balance returns the cached balance and the transaction log newest first.
func (s *Store) Balance(ctx context.Context, userID string) (int64, []ledger.Transaction, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return 0, nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, type, credits, COALESCE(request_id, ''), COALESCE(reason, ''), created_at
		 FROM credit_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		var t ledger.Transaction
		var txType string
		if err := rows.Scan(&t.ID, &t.UserID, &txType, &t.Credits, &t.RequestID, &t.Reason, &t.CreatedAt); err != nil {
			return 0, nil, err
		}
		t.Type = ledger.TransactionType(txType)
		t.CreatedAt = t.CreatedAt.UTC()
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}
	return user.Credits, transactions, nil
}

// CreateRequest persists a new pending request.
func (s *Store) CreateRequest(ctx context.Context, req *ledger.Request) error {
	if req == nil || strings.TrimSpace(req.ID) == "" {
		return errors.New("request with id required")
	}
	if req.Status == "" {
		req.Status = ledger.StatusPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generation_requests(id, user_id, model, style, color, size, prompt, status, image_url, error, credits_charged, created_at, completed_at)
		 VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULL)`,
		req.ID, req.UserID, req.Model, req.Style, req.Color, req.Size, req.Prompt,
		req.Status, req.ImageURL, req.Error, req.CreditsCharged, req.CreatedAt,
	)
	return err
}

// CompleteRequest transitions a pending request to completed.
func (s *Store) CompleteRequest(ctx context.Context, id, imageURL string, completedAt time.Time) error {
	return s.finishRequest(ctx, id, ledger.StatusCompleted, imageURL, "", completedAt)
}

// FailRequest transitions a pending request to failed.
func (s *Store) FailRequest(ctx context.Context, id, reason string, completedAt time.Time) error {
	return s.finishRequest(ctx, id, ledger.StatusFailed, "", reason, completedAt)
}

func (s *Store) finishRequest(ctx context.Context, id string, status ledger.RequestStatus, imageURL, reason string, completedAt time.Time) error {
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE generation_requests
		 SET status = $1, image_url = $2, error = $3, completed_at = $4
		 WHERE id = $5 AND status = 'pending'`,
		status, imageURL, reason, completedAt.UTC(), id,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var current string
		switch err := s.db.QueryRowContext(ctx, `SELECT status FROM generation_requests WHERE id = $1`, id).Scan(&current); {
		case errors.Is(err, sql.ErrNoRows):
			return ledger.ErrNotFound
		case err != nil:
			return err
		}
		return ledger.ErrTerminalRequest
	}
	return nil
}

// GetRequest returns the request or ledger.ErrNotFound.
func (s *Store) GetRequest(ctx context.Context, id string) (*ledger.Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, model, style, color, size, prompt, status, COALESCE(image_url, ''), COALESCE(error, ''), credits_charged, created_at, completed_at
		 FROM generation_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, err
	}
	return req, nil
}

// StalePending lists requests still pending at the cutoff, oldest first.
func (s *Store) StalePending(ctx context.Context, cutoff time.Time) ([]ledger.Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, model, style, color, size, prompt, status, COALESCE(image_url, ''), COALESCE(error, ''), credits_charged, created_at, completed_at
		 FROM generation_requests
		 WHERE status = 'pending' AND created_at < $1
		 ORDER BY created_at ASC`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

// UnrefundedFailed lists failed requests created before the cutoff whose
// deduction was never refunded, oldest first.
func (s *Store) UnrefundedFailed(ctx context.Context, cutoff time.Time) ([]ledger.Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.user_id, r.model, r.style, r.color, r.size, r.prompt, r.status, COALESCE(r.image_url, ''), COALESCE(r.error, ''), r.credits_charged, r.created_at, r.completed_at
		 FROM generation_requests r
		 WHERE r.status = 'failed' AND r.created_at < $1
		   AND EXISTS (SELECT 1 FROM credit_transactions d WHERE d.request_id = r.id AND d.type = 'deduction')
		   AND NOT EXISTS (SELECT 1 FROM credit_transactions f WHERE f.request_id = r.id AND f.type = 'refund')
		 ORDER BY r.created_at ASC`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

// ReadRange returns requests and transactions created in [start, end).
func (s *Store) ReadRange(ctx context.Context, start, end time.Time) ([]ledger.Request, []ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, model, style, color, size, prompt, status, COALESCE(image_url, ''), COALESCE(error, ''), credits_charged, created_at, completed_at
		 FROM generation_requests
		 WHERE created_at >= $1 AND created_at < $2
		 ORDER BY created_at ASC`, start.UTC(), end.UTC())
	if err != nil {
		return nil, nil, err
	}
	requests, err := scanRequests(rows)
	rows.Close()
	if err != nil {
		return nil, nil, err
	}

	txRows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, type, credits, COALESCE(request_id, ''), COALESCE(reason, ''), created_at
		 FROM credit_transactions
		 WHERE created_at >= $1 AND created_at < $2
		 ORDER BY created_at ASC`, start.UTC(), end.UTC())
	if err != nil {
		return nil, nil, err
	}
	defer txRows.Close()

	var transactions []ledger.Transaction
	for txRows.Next() {
		var t ledger.Transaction
		var txType string
		if err := txRows.Scan(&t.ID, &t.UserID, &txType, &t.Credits, &t.RequestID, &t.Reason, &t.CreatedAt); err != nil {
			return nil, nil, err
		}
		t.Type = ledger.TransactionType(txType)
		t.CreatedAt = t.CreatedAt.UTC()
		transactions = append(transactions, t)
	}
	if err := txRows.Err(); err != nil {
		return nil, nil, err
	}
	return requests, transactions, nil
}

// SaveReport upserts the report for its week start.
func (s *Store) SaveReport(ctx context.Context, report *ledger.Report) error {
	if report == nil {
		return errors.New("nil report")
	}
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	payload, err := marshalReport(report)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO weekly_reports(week_start, id, week_end, payload, generated_at)
		 VALUES($1, $2, $3, $4, $5)
		 ON CONFLICT(week_start) DO UPDATE SET id = EXCLUDED.id, week_end = EXCLUDED.week_end, payload = EXCLUDED.payload, generated_at = EXCLUDED.generated_at`,
		report.WeekStart.UTC(), report.ID, report.WeekEnd.UTC(), payload, report.GeneratedAt.UTC(),
	)
	return err
}

// ReportByWeekStart fetches the stored report for a week, if any.
func (s *Store) ReportByWeekStart(ctx context.Context, weekStart time.Time) (*ledger.Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM weekly_reports WHERE week_start = $1`, weekStart.UTC())
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, err
	}
	return unmarshalReport(payload)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

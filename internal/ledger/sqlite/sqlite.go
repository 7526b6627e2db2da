package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/pixelforge/pixelforge/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
//
// Reserve and Refund run inside database transactions whose first statement
// is a conditional UPDATE on the user row, so SQLite's write lock serializes
// competing balance updates for the same user.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	// busy_timeout must apply to every pooled connection, so it rides on
	// the DSN rather than a one-off Exec.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
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
	credits INTEGER NOT NULL CHECK(credits >= 0),
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	type TEXT NOT NULL CHECK(type IN ('grant','deduction','refund')),
	credits INTEGER NOT NULL CHECK(credits > 0),
	request_id TEXT,
	reason TEXT,
	created_at TIMESTAMP NOT NULL
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
	credits_charged INTEGER NOT NULL CHECK(credits_charged > 0),
	created_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS weekly_reports (
	week_start TIMESTAMP PRIMARY KEY,
	id TEXT NOT NULL,
	week_end TIMESTAMP NOT NULL,
	payload TEXT NOT NULL,
	generated_at TIMESTAMP NOT NULL
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
		`INSERT INTO users(id, email, credits, created_at, updated_at) VALUES(?, ?, ?, ?, ?)`,
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
			 VALUES(?, ?, ?, ?, '', ?, ?)`,
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
		`SELECT id, COALESCE(email, ''), credits, created_at, updated_at FROM users WHERE id = ?`, id)
	var u ledger.User
	if err := row.Scan(&u.ID, &u.Email, &u.Credits, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// Reserve performs the atomic check-and-debit. The conditional UPDATE is the
// compare-and-swap: it only succeeds when the balance covers the amount, and
// it acquires the write lock before anything else in the transaction.
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

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET credits = credits - ?, updated_at = ? WHERE id = ? AND credits >= ?`,
		amount, now, userID, amount,
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		var available int64
		switch err := tx.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, userID).Scan(&available); {
		case errors.Is(err, sql.ErrNoRows):
			return nil, ledger.ErrNotFound
		case err != nil:
			return nil, err
		}
		return nil, &ledger.InsufficientCreditsError{Required: amount, Available: available}
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
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.Type, entry.Credits, entry.RequestID, entry.Reason, entry.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

// Refund credits the balance back exactly once per request. The partial
// unique index on refund transactions enforces at-most-one-refund even under
// concurrent attempts.
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

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET credits = credits + ?, updated_at = ? WHERE id = ?`,
		amount, now, userID,
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ledger.ErrNotFound
	}

	// A refund is only legal for a failed request. A missing row means the
	// reservation committed but the request never materialized; refunding
	// that orphaned deduction is how it gets cleaned up.
	var status string
	switch err := tx.QueryRowContext(ctx, `SELECT status FROM generation_requests WHERE id = ?`, requestID).Scan(&status); {
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
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.Type, entry.Credits, entry.RequestID, entry.Reason, entry.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, ledger.ErrAlreadyRefunded
		}
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
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	transactions, err := scanTransactions(rows)
	if err != nil {
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
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
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
		 SET status = ?, image_url = ?, error = ?, completed_at = ?
		 WHERE id = ? AND status = 'pending'`,
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
		switch err := s.db.QueryRowContext(ctx, `SELECT status FROM generation_requests WHERE id = ?`, id).Scan(&current); {
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
		 FROM generation_requests WHERE id = ?`, id)
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
		 WHERE status = 'pending' AND created_at < ?
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
		 WHERE r.status = 'failed' AND r.created_at < ?
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
		 WHERE created_at >= ? AND created_at < ?
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
		 WHERE created_at >= ? AND created_at < ?
		 ORDER BY created_at ASC`, start.UTC(), end.UTC())
	if err != nil {
		return nil, nil, err
	}
	defer txRows.Close()
	transactions, err := scanTransactions(txRows)
	if err != nil {
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
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(week_start) DO UPDATE SET id = excluded.id, week_end = excluded.week_end, payload = excluded.payload, generated_at = excluded.generated_at`,
		report.WeekStart.UTC(), report.ID, report.WeekEnd.UTC(), payload, report.GeneratedAt.UTC(),
	)
	return err
}

// ReportByWeekStart fetches the stored report for a week, if any.
func (s *Store) ReportByWeekStart(ctx context.Context, weekStart time.Time) (*ledger.Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM weekly_reports WHERE week_start = ?`, weekStart.UTC())
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
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}

package ledger

import (
	"context"
	"time"
)

// TransactionType is the business reason a credit transaction was written.
type TransactionType string

const (
	// TypeGrant records credits allocated to a user outside of generation,
	// e.g. the initial allocation at provisioning time.
	TypeGrant TransactionType = "grant"
	// TypeDeduction records credits reserved for an accepted generation request.
	TypeDeduction TransactionType = "deduction"
	// TypeRefund records credits returned after a failed generation request.
	TypeRefund TransactionType = "refund"
)

// RequestStatus is the lifecycle state of a generation request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusCompleted RequestStatus = "completed"
	StatusFailed    RequestStatus = "failed"
)

// User owns a prepaid credit balance. The balance field is a materialized
// cache; the transaction log is the audit trail, and the two must agree
// after every operation.
type User struct {
	ID        string    `json:"userId"`
	Email     string    `json:"email,omitempty"`
	Credits   int64     `json:"credits"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Transaction is a single append-only entry in the credit log. Entries are
// never updated or deleted once written.
type Transaction struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Type      TransactionType `json:"type"`
	Credits   int64           `json:"credits"`
	RequestID string          `json:"generationRequestId,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"timestamp"`
}

// Request is a persisted generation request. It is created in StatusPending
// after credits have been reserved and transitions exactly once to
// StatusCompleted or StatusFailed.
type Request struct {
	ID             string        `json:"id"`
	UserID         string        `json:"userId"`
	Model          string        `json:"model"`
	Style          string        `json:"style"`
	Color          string        `json:"color"`
	Size           string        `json:"size"`
	Prompt         string        `json:"prompt"`
	Status         RequestStatus `json:"status"`
	ImageURL       string        `json:"imageUrl,omitempty"`
	Error          string        `json:"error,omitempty"`
	CreditsCharged int64         `json:"creditsCharged"`
	CreatedAt      time.Time     `json:"createdAt"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
}

// Report is the stored weekly aggregate. Regenerating a window overwrites
// the previous document for the same week start.
type Report struct {
	ID                string           `json:"id"`
	WeekStart         time.Time        `json:"weekStartDate"`
	WeekEnd           time.Time        `json:"weekEndDate"`
	TotalRequests     int64            `json:"totalRequests"`
	CompletedRequests int64            `json:"successfulRequests"`
	FailedRequests    int64            `json:"failedRequests"`
	SuccessRate       float64          `json:"successRate"`
	CreditsDeducted   int64            `json:"totalCreditsConsumed"`
	CreditsRefunded   int64            `json:"totalCreditsRefunded"`
	NetCredits        int64            `json:"netCreditsUsed"`
	RequestsByModel   map[string]int64 `json:"requestsByModel"`
	RequestsBySize    map[string]int64 `json:"requestsBySize"`
	RequestsByStyle   map[string]int64 `json:"requestsByStyle"`
	RequestsByColor   map[string]int64 `json:"requestsByColor"`
	CreditsBySize     map[string]int64 `json:"creditsBySize"`
	Anomalies         []Anomaly        `json:"anomalies"`
	GeneratedAt       time.Time        `json:"createdAt"`
}

// Anomaly flags a reporting-period statistic exceeding a configured threshold.
type Anomaly struct {
	Kind      string  `json:"kind"`
	Observed  float64 `json:"observed"`
	Threshold float64 `json:"threshold"`
	Severity  string  `json:"severity"`
}

// Store persists users, the transaction log, generation requests, and weekly
// reports across the SQLite/Postgres backends.
//
// Reserve and Refund are the only balance write paths and must execute as a
// single serializable read-modify-write per user: two concurrent Reserve
// calls for one user observe each other's effect serially. Balance and
// ReadRange are plain reads and may see a slightly stale snapshot under
// concurrent writers.
type Store interface {
	// CreateUser provisions a user with an initial balance and appends the
	// matching grant transaction.
	CreateUser(ctx context.Context, id, email string, initialCredits int64) (*User, error)
	// GetUser returns ErrNotFound for unknown users; it never creates one.
	GetUser(ctx context.Context, id string) (*User, error)

	// Reserve atomically checks balance >= amount, debits the balance, and
	// appends a deduction transaction referencing requestID. On shortfall it
	// returns *InsufficientCreditsError and leaves state untouched.
	Reserve(ctx context.Context, userID string, amount int64, requestID, reason string) (*Transaction, error)
	// Refund atomically credits the balance back and appends a refund
	// transaction, unless a refund for requestID already exists, in which
	// case it returns ErrAlreadyRefunded and changes nothing. A stored
	// request in pending or completed status rejects the refund with
	// ErrRequestNotFailed.
	Refund(ctx context.Context, userID, requestID string, amount int64, reason string) (*Transaction, error)
	// Balance returns the current balance and the user's transactions,
	// newest first.
	Balance(ctx context.Context, userID string) (int64, []Transaction, error)

	CreateRequest(ctx context.Context, req *Request) error
	// CompleteRequest moves a pending request to completed; terminal
	// requests reject further transitions.
	CompleteRequest(ctx context.Context, id, imageURL string, completedAt time.Time) error
	// FailRequest moves a pending request to failed.
	FailRequest(ctx context.Context, id, reason string, completedAt time.Time) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	// StalePending lists requests still pending at cutoff, oldest first,
	// for the reconciliation sweep.
	StalePending(ctx context.Context, cutoff time.Time) ([]Request, error)
	// UnrefundedFailed lists failed requests created before cutoff whose
	// deduction has no matching refund on the transaction log, oldest
	// first. The sweep retries their refunds.
	UnrefundedFailed(ctx context.Context, cutoff time.Time) ([]Request, error)

	// ReadRange returns requests and transactions created in [start, end).
	ReadRange(ctx context.Context, start, end time.Time) ([]Request, []Transaction, error)

	// SaveReport upserts a report keyed by its week start.
	SaveReport(ctx context.Context, report *Report) error
	// ReportByWeekStart returns ErrNotFound when no report exists for the week.
	ReportByWeekStart(ctx context.Context, weekStart time.Time) (*Report, error)

	Close() error
}

package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pixelforge/pixelforge/internal/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateUserWritesGrant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "alice", "alice@example.com", 50)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if user.Credits != 50 {
		t.Fatalf("expected 50 credits, got %d", user.Credits)
	}

	balance, transactions, err := store.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 50 {
		t.Fatalf("expected balance 50, got %d", balance)
	}
	if len(transactions) != 1 || transactions[0].Type != ledger.TypeGrant || transactions[0].Credits != 50 {
		t.Fatalf("expected one grant of 50, got %#v", transactions)
	}

	if _, err := store.CreateUser(ctx, "alice", "", 10); err == nil {
		t.Fatalf("expected duplicate user error")
	}
}

func TestReserveDebitsAndLogs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateUser(ctx, "bob", "", 5); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	entry, err := store.Reserve(ctx, "bob", 3, "req-1", "image generation")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if entry.Type != ledger.TypeDeduction || entry.Credits != 3 || entry.RequestID != "req-1" {
		t.Fatalf("unexpected deduction %#v", entry)
	}

	balance, _, err := store.Balance(ctx, "bob")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 2 {
		t.Fatalf("expected balance 2, got %d", balance)
	}
}

func TestReserveShortfallLeavesStateUntouched(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateUser(ctx, "carol", "", 1); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	_, err := store.Reserve(ctx, "carol", 4, "req-1", "image generation")
	ice, ok := ledger.IsInsufficientCredits(err)
	if !ok {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if ice.Required != 4 || ice.Available != 1 {
		t.Fatalf("unexpected shortfall payload %+v", ice)
	}

	balance, transactions, err := store.Balance(ctx, "carol")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 1 {
		t.Fatalf("balance changed on rejected reserve: %d", balance)
	}
	for _, tx := range transactions {
		if tx.Type == ledger.TypeDeduction {
			t.Fatalf("deduction recorded for rejected reserve: %#v", tx)
		}
	}
}

func TestReserveUnknownUser(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Reserve(context.Background(), "ghost", 1, "req-1", "x")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRefundOncePerRequest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateUser(ctx, "dave", "", 5); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := store.Reserve(ctx, "dave", 4, "req-1", "image generation"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if _, err := store.Refund(ctx, "dave", "req-1", 4, "generation failed"); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	_, err := store.Refund(ctx, "dave", "req-1", 4, "generation failed")
	if !errors.Is(err, ledger.ErrAlreadyRefunded) {
		t.Fatalf("expected ErrAlreadyRefunded, got %v", err)
	}

	balance, transactions, err := store.Balance(ctx, "dave")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 5 {
		t.Fatalf("expected balance restored to 5, got %d", balance)
	}
	refunds := 0
	for _, tx := range transactions {
		if tx.Type == ledger.TypeRefund {
			refunds++
		}
	}
	if refunds != 1 {
		t.Fatalf("expected exactly one refund transaction, got %d", refunds)
	}
}

func TestRefundRequiresFailedRequest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateUser(ctx, "ivy", "", 10); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	seed := func(id string) {
		t.Helper()
		if _, err := store.Reserve(ctx, "ivy", 2, id, "image generation"); err != nil {
			t.Fatalf("Reserve %s: %v", id, err)
		}
		req := &ledger.Request{
			ID: id, UserID: "ivy", Model: "Model A", Style: "realistic", Color: "vibrant",
			Size: "1024x1024", Prompt: "p", Status: ledger.StatusPending, CreditsCharged: 2,
		}
		if err := store.CreateRequest(ctx, req); err != nil {
			t.Fatalf("CreateRequest %s: %v", id, err)
		}
	}

	seed("req-pending")
	if _, err := store.Refund(ctx, "ivy", "req-pending", 2, "x"); !errors.Is(err, ledger.ErrRequestNotFailed) {
		t.Fatalf("refund of pending request: expected ErrRequestNotFailed, got %v", err)
	}

	seed("req-done")
	if err := store.CompleteRequest(ctx, "req-done", "https://img.example/1.jpg", time.Now()); err != nil {
		t.Fatalf("CompleteRequest: %v", err)
	}
	if _, err := store.Refund(ctx, "ivy", "req-done", 2, "x"); !errors.Is(err, ledger.ErrRequestNotFailed) {
		t.Fatalf("refund of completed request: expected ErrRequestNotFailed, got %v", err)
	}

	seed("req-bad")
	if err := store.FailRequest(ctx, "req-bad", "backend error", time.Now()); err != nil {
		t.Fatalf("FailRequest: %v", err)
	}
	if _, err := store.Refund(ctx, "ivy", "req-bad", 2, "generation failed"); err != nil {
		t.Fatalf("refund of failed request: %v", err)
	}

	// rejected refunds must not have moved the balance: 10 - 3*2 + 2
	balance, _, err := store.Balance(ctx, "ivy")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 6 {
		t.Fatalf("expected balance 6, got %d", balance)
	}
}

func TestUnrefundedFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateUser(ctx, "jack", "", 10); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	seed := func(id string, fail, refund bool) {
		t.Helper()
		if _, err := store.Reserve(ctx, "jack", 1, id, "image generation"); err != nil {
			t.Fatalf("Reserve %s: %v", id, err)
		}
		req := &ledger.Request{
			ID: id, UserID: "jack", Model: "Model A", Style: "realistic", Color: "vibrant",
			Size: "512x512", Prompt: "p", Status: ledger.StatusPending, CreditsCharged: 1,
		}
		if err := store.CreateRequest(ctx, req); err != nil {
			t.Fatalf("CreateRequest %s: %v", id, err)
		}
		if fail {
			if err := store.FailRequest(ctx, id, "backend error", time.Now()); err != nil {
				t.Fatalf("FailRequest %s: %v", id, err)
			}
		} else {
			if err := store.CompleteRequest(ctx, id, "https://img.example/1.jpg", time.Now()); err != nil {
				t.Fatalf("CompleteRequest %s: %v", id, err)
			}
		}
		if refund {
			if _, err := store.Refund(ctx, "jack", id, 1, "generation failed"); err != nil {
				t.Fatalf("Refund %s: %v", id, err)
			}
		}
	}

	seed("req-settled", true, true)
	seed("req-ok", false, false)
	seed("req-owed", true, false)

	owed, err := store.UnrefundedFailed(ctx, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("UnrefundedFailed: %v", err)
	}
	if len(owed) != 1 || owed[0].ID != "req-owed" {
		t.Fatalf("unexpected unrefunded set %#v", owed)
	}

	// a cutoff before the requests existed returns nothing
	owed, err = store.UnrefundedFailed(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil || len(owed) != 0 {
		t.Fatalf("expected empty set before cutoff, got %#v err=%v", owed, err)
	}
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateUser(ctx, "erin", "", 4); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = store.Reserve(ctx, "erin", 4, "req-"+string(rune('a'+i)), "race")
		}(i)
	}
	wg.Wait()

	var wins, shortfalls int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		default:
			if _, ok := ledger.IsInsufficientCredits(err); ok {
				shortfalls++
			} else {
				t.Fatalf("unexpected error: %v", err)
			}
		}
	}
	if wins != 1 || shortfalls != 1 {
		t.Fatalf("expected one winner and one shortfall, got wins=%d shortfalls=%d", wins, shortfalls)
	}

	balance, _, err := store.Balance(ctx, "erin")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected balance 0, got %d", balance)
	}
}

func TestConservationUnderConcurrency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	const initial = 20
	if _, err := store.CreateUser(ctx, "frank", "", initial); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			requestID := "req-" + string(rune('a'+i))
			if _, err := store.Reserve(ctx, "frank", 3, requestID, "race"); err != nil {
				return
			}
			if i%2 == 0 {
				_, _ = store.Refund(ctx, "frank", requestID, 3, "generation failed")
			}
		}(i)
	}
	wg.Wait()

	balance, transactions, err := store.Balance(ctx, "frank")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	var expected int64
	for _, tx := range transactions {
		switch tx.Type {
		case ledger.TypeGrant, ledger.TypeRefund:
			expected += tx.Credits
		case ledger.TypeDeduction:
			expected -= tx.Credits
		}
	}
	if balance != expected {
		t.Fatalf("balance %d diverged from transaction log sum %d", balance, expected)
	}
	if balance < 0 {
		t.Fatalf("negative balance %d", balance)
	}
}

func TestRequestLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	req := &ledger.Request{
		ID:             "req-1",
		UserID:         "gina",
		Model:          "Model A",
		Style:          "realistic",
		Color:          "vibrant",
		Size:           "512x512",
		Prompt:         "a lighthouse at dawn",
		Status:         ledger.StatusPending,
		CreditsCharged: 1,
	}
	if err := store.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	done := time.Now().UTC()
	if err := store.CompleteRequest(ctx, "req-1", "https://img.example/1.jpg", done); err != nil {
		t.Fatalf("CompleteRequest: %v", err)
	}

	got, err := store.GetRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.Status != ledger.StatusCompleted || got.ImageURL == "" || got.CompletedAt == nil {
		t.Fatalf("unexpected request state %#v", got)
	}

	// terminal states are immutable
	if err := store.FailRequest(ctx, "req-1", "late failure", time.Now()); !errors.Is(err, ledger.ErrTerminalRequest) {
		t.Fatalf("expected ErrTerminalRequest, got %v", err)
	}
	if err := store.CompleteRequest(ctx, "missing", "url", time.Now()); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStalePending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := &ledger.Request{
		ID: "req-old", UserID: "u", Model: "Model A", Style: "anime", Color: "neon",
		Size: "512x512", Prompt: "p", Status: ledger.StatusPending, CreditsCharged: 1,
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	fresh := &ledger.Request{
		ID: "req-new", UserID: "u", Model: "Model A", Style: "anime", Color: "neon",
		Size: "512x512", Prompt: "p", Status: ledger.StatusPending, CreditsCharged: 1,
		CreatedAt: time.Now().UTC(),
	}
	for _, req := range []*ledger.Request{old, fresh} {
		if err := store.CreateRequest(ctx, req); err != nil {
			t.Fatalf("CreateRequest: %v", err)
		}
	}

	stale, err := store.StalePending(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("StalePending: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "req-old" {
		t.Fatalf("unexpected stale set %#v", stale)
	}
}

func TestReadRangeWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateUser(ctx, "hank", "", 10); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	base := time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)
	inside := &ledger.Request{
		ID: "req-in", UserID: "hank", Model: "Model A", Style: "sketch", Color: "pastel",
		Size: "512x512", Prompt: "p", Status: ledger.StatusCompleted, CreditsCharged: 1,
		CreatedAt: base.Add(24 * time.Hour),
	}
	outside := &ledger.Request{
		ID: "req-out", UserID: "hank", Model: "Model B", Style: "sketch", Color: "pastel",
		Size: "512x512", Prompt: "p", Status: ledger.StatusCompleted, CreditsCharged: 1,
		CreatedAt: base.Add(8 * 24 * time.Hour),
	}
	for _, req := range []*ledger.Request{inside, outside} {
		if err := store.CreateRequest(ctx, req); err != nil {
			t.Fatalf("CreateRequest: %v", err)
		}
	}

	requests, _, err := store.ReadRange(ctx, base, base.Add(7*24*time.Hour))
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(requests) != 1 || requests[0].ID != "req-in" {
		t.Fatalf("unexpected range result %#v", requests)
	}
}

func TestReportUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	weekStart := time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)

	report := &ledger.Report{
		ID:        "r1",
		WeekStart: weekStart,
		WeekEnd:   weekStart.Add(7 * 24 * time.Hour),
		TotalRequests: 3,
		Anomalies:     []ledger.Anomaly{},
		GeneratedAt:   time.Now().UTC(),
	}
	if err := store.SaveReport(ctx, report); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	report.TotalRequests = 5
	if err := store.SaveReport(ctx, report); err != nil {
		t.Fatalf("SaveReport (overwrite): %v", err)
	}

	got, err := store.ReportByWeekStart(ctx, weekStart)
	if err != nil {
		t.Fatalf("ReportByWeekStart: %v", err)
	}
	if got.TotalRequests != 5 {
		t.Fatalf("expected overwritten report, got %#v", got)
	}
	if got.Anomalies == nil {
		t.Fatalf("anomalies should round-trip as empty list, not nil")
	}

	if _, err := store.ReportByWeekStart(ctx, weekStart.Add(7*24*time.Hour)); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown week, got %v", err)
	}
}

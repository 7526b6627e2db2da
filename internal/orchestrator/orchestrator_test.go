package orchestrator

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pixelforge/pixelforge/internal/catalog"
	"github.com/pixelforge/pixelforge/internal/generator"
	"github.com/pixelforge/pixelforge/internal/ledger"
	ledgersqlite "github.com/pixelforge/pixelforge/internal/ledger/sqlite"
	"github.com/pixelforge/pixelforge/internal/validator"
)

// scriptedBackend returns queued outcomes in order; it panics when asked to.
type scriptedBackend struct {
	mu       sync.Mutex
	outcomes []outcome
	calls    int
}

type outcome struct {
	url   string
	err   error
	panic bool
}

func (b *scriptedBackend) Generate(ctx context.Context, req ledger.Request) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if len(b.outcomes) == 0 {
		return "https://img.example/default.jpg", nil
	}
	next := b.outcomes[0]
	b.outcomes = b.outcomes[1:]
	if next.panic {
		panic("backend exploded")
	}
	return next.url, next.err
}

// faultStore delegates to a real store but fails the next n Refund calls.
type faultStore struct {
	ledger.Store
	mu           sync.Mutex
	refundFaults int
}

func (s *faultStore) Refund(ctx context.Context, userID, requestID string, amount int64, reason string) (*ledger.Transaction, error) {
	s.mu.Lock()
	if s.refundFaults > 0 {
		s.refundFaults--
		s.mu.Unlock()
		return nil, errors.New("ledger write failed")
	}
	s.mu.Unlock()
	return s.Store.Refund(ctx, userID, requestID, amount, reason)
}

func newHarness(t *testing.T, backend generator.Backend) (*Orchestrator, *ledgersqlite.Store) {
	t.Helper()
	store, err := ledgersqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	o := New(validator.New(catalog.Default()), store, backend)
	o.SetLogger(log.New(io.Discard, "", 0))
	return o, store
}

func params(userID, size string) CreateParams {
	return CreateParams{
		UserID: userID,
		Model:  "Model A",
		Style:  "realistic",
		Color:  "vibrant",
		Size:   size,
		Prompt: "a lighthouse at dawn",
	}
}

func TestCreateSuccessThenShortfall(t *testing.T) {
	backend := &scriptedBackend{outcomes: []outcome{{url: "https://img.example/1.jpg"}}}
	o, store := newHarness(t, backend)
	ctx := context.Background()
	if _, err := store.CreateUser(ctx, "user-1", "", 2); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	result, err := o.Create(ctx, params("user-1", "512x512"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if result.DeductedCredits != 1 || result.ImageURL != "https://img.example/1.jpg" {
		t.Fatalf("unexpected result %#v", result)
	}
	balance, _, _ := store.Balance(ctx, "user-1")
	if balance != 1 {
		t.Fatalf("expected balance 1, got %d", balance)
	}

	req, err := store.GetRequest(ctx, result.RequestID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if req.Status != ledger.StatusCompleted || req.CompletedAt == nil {
		t.Fatalf("request not completed: %#v", req)
	}

	// 1024x1792 costs 4, only 1 credit left
	_, err = o.Create(ctx, params("user-1", "1024x1792"))
	ice, ok := ledger.IsInsufficientCredits(err)
	if !ok {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if ice.Required != 4 || ice.Available != 1 {
		t.Fatalf("unexpected shortfall %+v", ice)
	}
	balance, _, _ = store.Balance(ctx, "user-1")
	if balance != 1 {
		t.Fatalf("balance moved on rejected request: %d", balance)
	}
}

func TestCreateValidationFailureTouchesNothing(t *testing.T) {
	backend := &scriptedBackend{}
	o, store := newHarness(t, backend)
	ctx := context.Background()
	if _, err := store.CreateUser(ctx, "user-1", "", 5); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	p := params("user-1", "512x512")
	p.Model = "Model Z"
	_, err := o.Create(ctx, p)
	var ve *validator.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if backend.calls != 0 {
		t.Fatalf("backend invoked on invalid request")
	}
	balance, transactions, _ := store.Balance(ctx, "user-1")
	if balance != 5 || len(transactions) != 1 {
		t.Fatalf("ledger touched on invalid request: balance=%d txs=%d", balance, len(transactions))
	}
}

func TestCreateFailureRefunds(t *testing.T) {
	backend := &scriptedBackend{outcomes: []outcome{{err: errors.New("model inference error")}}}
	o, store := newHarness(t, backend)
	ctx := context.Background()
	if _, err := store.CreateUser(ctx, "user-1", "", 5); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	_, err := o.Create(ctx, params("user-1", "1024x1024"))
	var gfe *GenerationFailedError
	if !errors.As(err, &gfe) {
		t.Fatalf("expected GenerationFailedError, got %v", err)
	}
	if gfe.Refunded != 3 {
		t.Fatalf("expected 3 credits refunded, got %d", gfe.Refunded)
	}

	balance, transactions, _ := store.Balance(ctx, "user-1")
	if balance != 5 {
		t.Fatalf("expected balance restored to 5, got %d", balance)
	}
	var deductions, refunds int
	for _, tx := range transactions {
		switch tx.Type {
		case ledger.TypeDeduction:
			deductions++
		case ledger.TypeRefund:
			refunds++
		}
	}
	if deductions != 1 || refunds != 1 {
		t.Fatalf("expected one deduction and one refund, got %d/%d", deductions, refunds)
	}

	req, err := store.GetRequest(ctx, gfe.RequestID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if req.Status != ledger.StatusFailed || req.Error == "" {
		t.Fatalf("request not failed: %#v", req)
	}
}

func TestCreateRefundFaultNotReportedAsRefunded(t *testing.T) {
	backend := &scriptedBackend{outcomes: []outcome{{err: errors.New("model inference error")}}}
	store, err := ledgersqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	faulty := &faultStore{Store: store, refundFaults: 1}
	o := New(validator.New(catalog.Default()), faulty, backend)
	o.SetLogger(log.New(io.Discard, "", 0))
	ctx := context.Background()
	if _, err := store.CreateUser(ctx, "user-1", "", 5); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	_, err = o.Create(ctx, params("user-1", "1024x1024"))
	if err == nil {
		t.Fatalf("expected error when refund does not commit")
	}
	var gfe *GenerationFailedError
	if errors.As(err, &gfe) {
		t.Fatalf("caller told credits refunded while ledger has none: %#v", gfe)
	}
	balance, transactions, _ := store.Balance(ctx, "user-1")
	if balance != 2 {
		t.Fatalf("expected balance 2 with refund outstanding, got %d", balance)
	}
	for _, tx := range transactions {
		if tx.Type == ledger.TypeRefund {
			t.Fatalf("unexpected refund transaction: %#v", tx)
		}
	}

	// the sweep retries the outstanding refund once the store recovers
	resolved, err := o.Resolve(ctx, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("expected 1 resolved, got %d", resolved)
	}
	balance, transactions, _ = store.Balance(ctx, "user-1")
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

	// and a second sweep finds nothing left
	resolved, err = o.Resolve(ctx, time.Now().UTC().Add(time.Second))
	if err != nil || resolved != 0 {
		t.Fatalf("expected idempotent sweep, got resolved=%d err=%v", resolved, err)
	}
}

func TestCreatePanicIsFailureWithRefund(t *testing.T) {
	backend := &scriptedBackend{outcomes: []outcome{{panic: true}}}
	o, store := newHarness(t, backend)
	ctx := context.Background()
	if _, err := store.CreateUser(ctx, "user-1", "", 5); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	_, err := o.Create(ctx, params("user-1", "512x512"))
	var gfe *GenerationFailedError
	if !errors.As(err, &gfe) {
		t.Fatalf("expected GenerationFailedError after panic, got %v", err)
	}
	balance, _, _ := store.Balance(ctx, "user-1")
	if balance != 5 {
		t.Fatalf("credits lost to a panicking backend: balance=%d", balance)
	}
}

func TestCreateSurvivesCancelledCaller(t *testing.T) {
	backend := &scriptedBackend{outcomes: []outcome{{url: "https://img.example/1.jpg"}}}
	o, store := newHarness(t, backend)
	if _, err := store.CreateUser(context.Background(), "user-1", "", 2); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// reservation uses the caller context and may fail fast here; the point
	// is that a success must never strand a pending request
	result, err := o.Create(ctx, params("user-1", "512x512"))
	if err != nil {
		return
	}
	req, getErr := store.GetRequest(context.Background(), result.RequestID)
	if getErr != nil {
		t.Fatalf("GetRequest: %v", getErr)
	}
	if req.Status == ledger.StatusPending {
		t.Fatalf("request left pending after caller cancellation")
	}
}

func TestConcurrentCreatesSingleWinner(t *testing.T) {
	backend := &scriptedBackend{}
	o, store := newHarness(t, backend)
	ctx := context.Background()
	if _, err := store.CreateUser(ctx, "user-1", "", 4); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = o.Create(ctx, params("user-1", "1024x1792")) // cost 4
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
		t.Fatalf("expected one winner, got wins=%d shortfalls=%d", wins, shortfalls)
	}
	balance, _, _ := store.Balance(ctx, "user-1")
	if balance != 0 {
		t.Fatalf("expected balance 0, got %d", balance)
	}
}

func TestResolveSweepRefundsStuckRequests(t *testing.T) {
	backend := &scriptedBackend{}
	o, store := newHarness(t, backend)
	ctx := context.Background()
	if _, err := store.CreateUser(ctx, "user-1", "", 5); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	// simulate a crash after reservation: deduction on the log, request
	// stuck in pending
	if _, err := store.Reserve(ctx, "user-1", 3, "req-stuck", "Image generation - 3 credits"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	stuck := &ledger.Request{
		ID: "req-stuck", UserID: "user-1", Model: "Model A", Style: "realistic",
		Color: "vibrant", Size: "1024x1024", Prompt: "p",
		Status: ledger.StatusPending, CreditsCharged: 3,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	if err := store.CreateRequest(ctx, stuck); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	resolved, err := o.Resolve(ctx, time.Now().UTC().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("expected 1 resolved, got %d", resolved)
	}
	balance, _, _ := store.Balance(ctx, "user-1")
	if balance != 5 {
		t.Fatalf("expected balance restored, got %d", balance)
	}
	req, _ := store.GetRequest(ctx, "req-stuck")
	if req.Status != ledger.StatusFailed {
		t.Fatalf("stuck request not failed: %#v", req)
	}

	// second sweep is a no-op
	resolved, err = o.Resolve(ctx, time.Now().UTC())
	if err != nil || resolved != 0 {
		t.Fatalf("expected idempotent sweep, got resolved=%d err=%v", resolved, err)
	}
}

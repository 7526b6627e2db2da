package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pixelforge/pixelforge/internal/generator"
	"github.com/pixelforge/pixelforge/internal/ledger"
	"github.com/pixelforge/pixelforge/internal/validator"
)

// GenerationFailedError reports a request that reached the failed status.
// Credits have already been refunded by the time callers see it.
type GenerationFailedError struct {
	RequestID string
	Refunded  int64
	Cause     error
}

func (e *GenerationFailedError) Error() string {
	return fmt.Sprintf("image generation failed: %v", e.Cause)
}

func (e *GenerationFailedError) Unwrap() error { return e.Cause }

// CreateParams is the boundary input for a new generation request.
type CreateParams struct {
	UserID string
	Model  string
	Style  string
	Color  string
	Size   string
	Prompt string
}

// Result is returned when a request completes successfully.
type Result struct {
	RequestID       string `json:"generationRequestId"`
	DeductedCredits int64  `json:"deductedCredits"`
	ImageURL        string `json:"imageUrl"`
}

// Orchestrator sequences a generation request through validation, credit
// reservation, generation, and settlement. Once a reservation commits the
// request always reaches a terminal status, and a failed request is always
// refunded exactly once.
type Orchestrator struct {
	validator *validator.Validator
	store     ledger.Store
	backend   generator.Backend
	logger    *log.Logger
}

// New creates an Orchestrator.
func New(v *validator.Validator, store ledger.Store, backend generator.Backend) *Orchestrator {
	return &Orchestrator{
		validator: v,
		store:     store,
		backend:   backend,
		logger:    log.New(log.Writer(), "[orchestrator] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (o *Orchestrator) SetLogger(logger *log.Logger) {
	if logger != nil {
		o.logger = logger
	}
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}

// Create drives one request through its lifecycle.
//
// Validation errors and reservation shortfalls return before any request
// record exists. After the reservation commits, generation and settlement
// run under a detached context so a caller disconnect cannot strand
// reserved credits.
func (o *Orchestrator) Create(ctx context.Context, params CreateParams) (*Result, error) {
	cost, normalized, err := o.validator.Validate(validator.Request{
		UserID: params.UserID,
		Model:  params.Model,
		Style:  params.Style,
		Color:  params.Color,
		Size:   params.Size,
		Prompt: params.Prompt,
	})
	if err != nil {
		o.logf("create rejected user=%s err=%v", params.UserID, err)
		return nil, err
	}

	requestID := uuid.NewString()
	if _, err := o.store.Reserve(ctx, normalized.UserID, cost, requestID, fmt.Sprintf("Image generation - %d credits", cost)); err != nil {
		if ice, ok := ledger.IsInsufficientCredits(err); ok {
			o.logf("create short user=%s required=%d available=%d", normalized.UserID, ice.Required, ice.Available)
		}
		return nil, err
	}
	o.logf("reserved user=%s request=%s credits=%d", normalized.UserID, requestID, cost)

	// The reservation is durable; from here on the request must reach a
	// terminal status even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	req := &ledger.Request{
		ID:             requestID,
		UserID:         normalized.UserID,
		Model:          normalized.Model,
		Style:          normalized.Style,
		Color:          normalized.Color,
		Size:           normalized.Size,
		Prompt:         normalized.Prompt,
		Status:         ledger.StatusPending,
		CreditsCharged: cost,
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.store.CreateRequest(ctx, req); err != nil {
		// The deduction is on the log but the request record never
		// materialized; settle by refunding immediately.
		o.logf("persist request failed request=%s err=%v", requestID, err)
		if rerr := o.refund(ctx, normalized.UserID, requestID, cost, "request persistence failed"); rerr != nil {
			return nil, fmt.Errorf("persist generation request: %v; refund failed: %w", err, rerr)
		}
		return nil, fmt.Errorf("persist generation request: %w", err)
	}

	imageURL, genErr := o.safeGenerate(ctx, *req)
	if genErr != nil {
		return nil, o.settleFailure(ctx, req, genErr)
	}

	if err := o.store.CompleteRequest(ctx, requestID, imageURL, time.Now().UTC()); err != nil {
		// The image exists but the completed status did not commit;
		// treat as failure so credits are not silently kept.
		o.logf("complete request failed request=%s err=%v", requestID, err)
		return nil, o.settleFailure(ctx, req, fmt.Errorf("record completion: %w", err))
	}

	o.logf("completed user=%s request=%s url=%s", normalized.UserID, requestID, imageURL)
	return &Result{RequestID: requestID, DeductedCredits: cost, ImageURL: imageURL}, nil
}

// safeGenerate invokes the backend and converts a panic into a failure
// outcome so abnormal termination can never leave credits reserved.
func (o *Orchestrator) safeGenerate(ctx context.Context, req ledger.Request) (url string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generation backend panicked: %v", r)
		}
	}()
	return o.backend.Generate(ctx, req)
}

// settleFailure marks the request failed and refunds the charge. It returns
// the GenerationFailedError callers map to a generation-failure response,
// unless the refund itself did not commit: then the error says so and claims
// nothing about returned credits. The sweep retries that refund later.
func (o *Orchestrator) settleFailure(ctx context.Context, req *ledger.Request, cause error) error {
	o.logf("generation failed user=%s request=%s err=%v", req.UserID, req.ID, cause)
	if err := o.store.FailRequest(ctx, req.ID, cause.Error(), time.Now().UTC()); err != nil && !errors.Is(err, ledger.ErrTerminalRequest) {
		o.logf("mark failed errored request=%s err=%v", req.ID, err)
	}
	if err := o.refund(ctx, req.UserID, req.ID, req.CreditsCharged, "generation failed"); err != nil {
		return fmt.Errorf("refund credits for failed request %s: %w", req.ID, err)
	}
	return &GenerationFailedError{RequestID: req.ID, Refunded: req.CreditsCharged, Cause: cause}
}

// refund returns nil when the credits are back on the balance, whether this
// call put them there or an earlier one did.
func (o *Orchestrator) refund(ctx context.Context, userID, requestID string, amount int64, reason string) error {
	_, err := o.store.Refund(ctx, userID, requestID, amount, reason)
	switch {
	case err == nil:
		o.logf("refunded user=%s request=%s credits=%d", userID, requestID, amount)
		return nil
	case errors.Is(err, ledger.ErrAlreadyRefunded):
		// idempotency guard fired; nothing to do
		return nil
	default:
		o.logf("refund errored user=%s request=%s err=%v", userID, requestID, err)
		return err
	}
}

// Resolve settles requests stuck in pending since before the cutoff: each is
// marked failed and refunded. It also retries refunds for failed requests
// whose deduction never came back, so an earlier refund fault heals on the
// next sweep. It returns the number of requests resolved.
func (o *Orchestrator) Resolve(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := o.store.StalePending(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale pending: %w", err)
	}
	resolved := 0
	for i := range stale {
		req := &stale[i]
		if err := o.store.FailRequest(ctx, req.ID, "resolved by reconciliation sweep", time.Now().UTC()); err != nil {
			if errors.Is(err, ledger.ErrTerminalRequest) {
				continue
			}
			o.logf("sweep mark failed errored request=%s err=%v", req.ID, err)
			continue
		}
		if err := o.refund(ctx, req.UserID, req.ID, req.CreditsCharged, "reconciliation refund for stuck request"); err != nil {
			continue
		}
		resolved++
	}

	unrefunded, err := o.store.UnrefundedFailed(ctx, cutoff)
	if err != nil {
		return resolved, fmt.Errorf("list unrefunded failed: %w", err)
	}
	for i := range unrefunded {
		req := &unrefunded[i]
		if err := o.refund(ctx, req.UserID, req.ID, req.CreditsCharged, "reconciliation refund for failed request"); err != nil {
			continue
		}
		resolved++
	}

	if resolved > 0 {
		o.logf("sweep resolved=%d cutoff=%s", resolved, cutoff.UTC().Format(time.RFC3339))
	}
	return resolved, nil
}

// Package pixelforge re-exports the types downstream integrations need
// without reaching into internal packages.
package pixelforge

import (
	internalcfg "github.com/pixelforge/pixelforge/internal/config"
	"github.com/pixelforge/pixelforge/internal/ledger"
	"github.com/pixelforge/pixelforge/internal/orchestrator"
	"github.com/pixelforge/pixelforge/internal/validator"
)

type Config = internalcfg.Config

// LoadConfig delegates to the internal loader while keeping the consumer API
// inside the public pkg/pixelforge namespace.
func LoadConfig(path string) (Config, error) {
	return internalcfg.Load(path)
}

type User = ledger.User
type Transaction = ledger.Transaction
type Request = ledger.Request
type Report = ledger.Report
type Anomaly = ledger.Anomaly

type TransactionType = ledger.TransactionType

const (
	TypeGrant     = ledger.TypeGrant
	TypeDeduction = ledger.TypeDeduction
	TypeRefund    = ledger.TypeRefund
)

type RequestStatus = ledger.RequestStatus

const (
	StatusPending   = ledger.StatusPending
	StatusCompleted = ledger.StatusCompleted
	StatusFailed    = ledger.StatusFailed
)

type InsufficientCreditsError = ledger.InsufficientCreditsError
type GenerationFailedError = orchestrator.GenerationFailedError
type ValidationError = validator.ValidationError

type GenerationResult = orchestrator.Result
type GenerationParams = orchestrator.CreateParams

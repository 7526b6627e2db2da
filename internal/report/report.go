// Package report builds weekly usage reports from the transaction log and
// request history, flagging anomalous weeks.
package report

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pixelforge/pixelforge/internal/ledger"
)

// Anomaly kinds recorded on a report.
const (
	AnomalyHighFailureRate = "high_failure_rate"
	AnomalyVolumeDeviation = "volume_deviation"
	AnomalyModelImbalance  = "model_imbalance"
)

// Thresholds control when a weekly statistic is flagged as anomalous.
type Thresholds struct {
	// FailureRate flags the week when failed/total exceeds this fraction.
	FailureRate float64
	// VolumeChange flags the week when total request volume deviates from
	// the previous stored week by more than this fraction.
	VolumeChange float64
	// ModelImbalance flags the week when a single model carries more than
	// this fraction of all requests.
	ModelImbalance float64
}

// DefaultThresholds returns the stock anomaly thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FailureRate:    0.10,
		VolumeChange:   0.50,
		ModelImbalance: 0.80,
	}
}

// Aggregator generates and persists weekly reports.
type Aggregator struct {
	store      ledger.Store
	thresholds Thresholds
	logger     *log.Logger
	now        func() time.Time
}

// New creates an Aggregator over the given store.
func New(store ledger.Store, thresholds Thresholds) *Aggregator {
	return &Aggregator{
		store:      store,
		thresholds: thresholds,
		logger:     log.New(log.Writer(), "[report] ", log.LstdFlags|log.Lmicroseconds),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (a *Aggregator) SetLogger(logger *log.Logger) {
	if logger != nil {
		a.logger = logger
	}
}

func (a *Aggregator) logf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}

// WeekStart returns the Monday 00:00 UTC at or before t.
func WeekStart(t time.Time) time.Time {
	t = t.UTC().Truncate(24 * time.Hour)
	offset := (int(t.Weekday()) + 6) % 7
	return t.AddDate(0, 0, -offset)
}

// Generate builds the report for the week beginning at weekStart, saves it,
// and returns it. Regenerating the same week replaces the stored report.
func (a *Aggregator) Generate(ctx context.Context, weekStart time.Time) (*ledger.Report, error) {
	weekStart = weekStart.UTC()
	weekEnd := weekStart.AddDate(0, 0, 7)

	requests, transactions, err := a.store.ReadRange(ctx, weekStart, weekEnd)
	if err != nil {
		return nil, fmt.Errorf("read week %s: %w", weekStart.Format("2006-01-02"), err)
	}

	report := &ledger.Report{
		ID:              uuid.NewString(),
		WeekStart:       weekStart,
		WeekEnd:         weekEnd,
		RequestsByModel: map[string]int64{},
		RequestsBySize:  map[string]int64{},
		RequestsByStyle: map[string]int64{},
		RequestsByColor: map[string]int64{},
		CreditsBySize:   map[string]int64{},
		Anomalies:       []ledger.Anomaly{},
		GeneratedAt:     a.now(),
	}

	for _, req := range requests {
		report.TotalRequests++
		switch req.Status {
		case ledger.StatusCompleted:
			report.CompletedRequests++
		case ledger.StatusFailed:
			report.FailedRequests++
		}
		report.RequestsByModel[req.Model]++
		report.RequestsBySize[req.Size]++
		report.RequestsByStyle[req.Style]++
		report.RequestsByColor[req.Color]++
		// only completed requests kept their charge
		if req.Status == ledger.StatusCompleted {
			report.CreditsBySize[req.Size] += req.CreditsCharged
		}
	}
	for _, tx := range transactions {
		switch tx.Type {
		case ledger.TypeDeduction:
			report.CreditsDeducted += tx.Credits
		case ledger.TypeRefund:
			report.CreditsRefunded += tx.Credits
		}
	}
	report.NetCredits = report.CreditsDeducted - report.CreditsRefunded
	if report.TotalRequests > 0 {
		report.SuccessRate = float64(report.CompletedRequests) / float64(report.TotalRequests)
	}

	if err := a.detectAnomalies(ctx, report); err != nil {
		return nil, err
	}

	if err := a.store.SaveReport(ctx, report); err != nil {
		return nil, fmt.Errorf("save report for %s: %w", weekStart.Format("2006-01-02"), err)
	}
	a.logf("generated week=%s requests=%d net=%d anomalies=%d",
		weekStart.Format("2006-01-02"), report.TotalRequests, report.NetCredits, len(report.Anomalies))
	return report, nil
}

// RunWeekly generates the report for the most recent complete week.
func (a *Aggregator) RunWeekly(ctx context.Context) (*ledger.Report, error) {
	return a.Generate(ctx, WeekStart(a.now()).AddDate(0, 0, -7))
}

func (a *Aggregator) detectAnomalies(ctx context.Context, report *ledger.Report) error {
	if report.TotalRequests > 0 {
		failureRate := float64(report.FailedRequests) / float64(report.TotalRequests)
		if failureRate > a.thresholds.FailureRate {
			severity := "medium"
			if failureRate > 2*a.thresholds.FailureRate {
				severity = "high"
			}
			report.Anomalies = append(report.Anomalies, ledger.Anomaly{
				Kind:      AnomalyHighFailureRate,
				Observed:  failureRate,
				Threshold: a.thresholds.FailureRate,
				Severity:  severity,
			})
		}

		var busiest int64
		for _, n := range report.RequestsByModel {
			if n > busiest {
				busiest = n
			}
		}
		if len(report.RequestsByModel) > 1 {
			share := float64(busiest) / float64(report.TotalRequests)
			if share > a.thresholds.ModelImbalance {
				report.Anomalies = append(report.Anomalies, ledger.Anomaly{
					Kind:      AnomalyModelImbalance,
					Observed:  share,
					Threshold: a.thresholds.ModelImbalance,
					Severity:  "low",
				})
			}
		}
	}

	previous, err := a.store.ReportByWeekStart(ctx, report.WeekStart.AddDate(0, 0, -7))
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		// first report; no baseline to compare against
		return nil
	case err != nil:
		return fmt.Errorf("load previous report: %w", err)
	}
	if previous.TotalRequests == 0 {
		return nil
	}
	deviation := float64(report.TotalRequests-previous.TotalRequests) / float64(previous.TotalRequests)
	if deviation < 0 {
		deviation = -deviation
	}
	if deviation > a.thresholds.VolumeChange {
		severity := "medium"
		if deviation > 2*a.thresholds.VolumeChange {
			severity = "high"
		}
		report.Anomalies = append(report.Anomalies, ledger.Anomaly{
			Kind:      AnomalyVolumeDeviation,
			Observed:  deviation,
			Threshold: a.thresholds.VolumeChange,
			Severity:  severity,
		})
	}
	return nil
}

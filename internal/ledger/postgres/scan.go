package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pixelforge/pixelforge/internal/ledger"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*ledger.Request, error) {
	var req ledger.Request
	var completedAt sql.NullTime
	if err := row.Scan(
		&req.ID, &req.UserID, &req.Model, &req.Style, &req.Color, &req.Size, &req.Prompt,
		&req.Status, &req.ImageURL, &req.Error, &req.CreditsCharged, &req.CreatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		req.CompletedAt = &t
	}
	req.CreatedAt = req.CreatedAt.UTC()
	return &req, nil
}

func scanRequests(rows *sql.Rows) ([]ledger.Request, error) {
	var requests []ledger.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}

func marshalReport(report *ledger.Report) (string, error) {
	raw, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	return string(raw), nil
}

func unmarshalReport(payload string) (*ledger.Report, error) {
	var report ledger.Report
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	report.WeekStart = report.WeekStart.UTC()
	report.WeekEnd = report.WeekEnd.UTC()
	return &report, nil
}

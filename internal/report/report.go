// Package report exports candidates, the notification ledger and the last
// run summary as an xlsx workbook.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"chaser/internal/model"
)

const (
	SheetSummary    = "Summary"
	SheetCandidates = "Candidates"
	SheetLedger     = "Ledger"
)

// Report is the workbook content.
type Report struct {
	GeneratedAt time.Time
	Summary     *model.RunSummary
	Due         []model.Candidate
	Initial     []model.Candidate
	Records     []model.NotificationRecord
}

// Write renders r as xlsx into w.
func Write(w io.Writer, r Report) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	for _, name := range []string{SheetCandidates, SheetLedger} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}

	if err := writeRows(f, SheetSummary, bold, summaryRows(r)); err != nil {
		return err
	}
	if err := writeRows(f, SheetCandidates, bold, candidateRows(r)); err != nil {
		return err
	}
	if err := writeRows(f, SheetLedger, bold, ledgerRows(r.Records)); err != nil {
		return err
	}
	f.SetActiveSheet(0)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

// writeRows writes rows starting at A1; the first row is a bold header.
func writeRows(f *excelize.File, sheet string, headerStyle int, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("%s row %d: %w", sheet, i+1, err)
		}
	}
	if len(rows) > 0 {
		if err := f.SetRowStyle(sheet, 1, 1, headerStyle); err != nil {
			return fmt.Errorf("%s header style: %w", sheet, err)
		}
		last, err := excelize.ColumnNumberToName(len(rows[0]))
		if err != nil {
			return err
		}
		if err := f.SetColWidth(sheet, "A", last, 22); err != nil {
			return fmt.Errorf("%s widths: %w", sheet, err)
		}
	}
	return nil
}

func summaryRows(r Report) [][]any {
	rows := [][]any{
		{"Field", "Value"},
		{"Generated at", formatTime(r.GeneratedAt)},
		{"Due recipients", len(r.Due)},
		{"Initial recipients", len(r.Initial)},
		{"Ledger records", len(r.Records)},
	}
	if s := r.Summary; s != nil {
		rows = append(rows,
			[]any{"Last run id", s.RunID},
			[]any{"Last run started", formatTime(s.StartedAt)},
			[]any{"Last run finished", formatTime(s.FinishedAt)},
			[]any{"Evaluated", s.RecipientsEvaluated},
			[]any{"Sent", s.Sent},
			[]any{"Failed", s.Failed},
			[]any{"Initial sent", s.InitialSent},
			[]any{"Initial failed", s.InitialFailed},
			[]any{"Escalated", s.Escalated},
			[]any{"Ledger errors", s.LedgerErrors},
			[]any{"Deferred", s.Deferred},
		)
		if s.Interrupted {
			rows = append(rows, []any{"Interrupted", "yes"})
		}
		if s.Skipped {
			rows = append(rows, []any{"Skipped", s.SkipReason})
		}
		if s.Error != "" {
			rows = append(rows, []any{"Error", s.Error})
		}
	}
	return rows
}

func candidateRows(r Report) [][]any {
	rows := [][]any{{"Pass", "Recipient ID", "Name", "Address", "Manager", "Pending items", "Last initial", "Chase count"}}
	add := func(pass string, cs []model.Candidate) {
		for _, c := range cs {
			rows = append(rows, []any{
				pass,
				c.Recipient.ID,
				c.Recipient.Name,
				c.Recipient.ContactAddress(),
				c.Recipient.ManagerAddress,
				c.PendingItemCount,
				formatTime(c.LastSuccessfulInitial),
				c.TotalChaseCount,
			})
		}
	}
	add("chase", r.Due)
	add("initial", r.Initial)
	return rows
}

func ledgerRows(recs []model.NotificationRecord) [][]any {
	rows := [][]any{{"ID", "Ownership item", "At", "Kind", "Finished", "Error", "Chase count", "Manager notified", "Manager notified at"}}
	for _, rec := range recs {
		notifiedAt := ""
		if rec.ManagerNotifiedAt != nil {
			notifiedAt = formatTime(*rec.ManagerNotifiedAt)
		}
		rows = append(rows, []any{
			rec.ID,
			rec.OwnershipItemID,
			formatTime(rec.At),
			string(rec.Kind),
			rec.Finished,
			rec.IsError,
			rec.ChaseCount,
			rec.ManagerNotified,
			notifiedAt,
		})
	}
	return rows
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

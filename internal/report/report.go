// Package report renders checking results as an xlsx workbook.
package report

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/dental-clinic-os/receiptcheck/internal/domain"
)

const (
	ResultsSheet = "Results"
	SummarySheet = "Summary"

	timeLayout = "2006-01-02 15:04"
)

// ResultHeader is the header row of the results sheet.
var ResultHeader = []string{
	"Claim ID",
	"Claimed At",
	"Patient ID",
	"Patient",
	"Status",
	"Errors",
	"Warnings",
	"Checked At",
}

var columnWidths = []float64{38, 18, 14, 20, 10, 60, 60, 18}

// statusFills colours the status cell. Pending and checking stay plain.
var statusFills = map[domain.CheckStatus]string{
	domain.StatusOK:    "#E2F0D9",
	domain.StatusWarn:  "#FFF2CC",
	domain.StatusError: "#F8CBAD",
}

// Input is everything the workbook shows.
type Input struct {
	ClinicID string
	Month    string
	Results  []domain.CheckResult
	Summary  domain.Summary
}

// Generate builds the workbook and returns its bytes.
func Generate(in Input) ([]byte, error) {
	f := excelize.NewFile()

	if _, err := f.NewSheet(ResultsSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	if index, err := f.GetSheetIndex(ResultsSheet); err == nil {
		f.SetActiveSheet(index)
	}

	if err := writeResults(f, in.Results); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeSummary(f, in); err != nil {
		f.Close()
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func headerStyle(f *excelize.File) (int, error) {
	return f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
}

func writeResults(f *excelize.File, results []domain.CheckResult) error {
	header, err := headerStyle(f)
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}
	wrap, err := f.NewStyle(&excelize.Style{
		Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"},
	})
	if err != nil {
		return fmt.Errorf("failed to create wrap style: %w", err)
	}
	fills := make(map[domain.CheckStatus]int, len(statusFills))
	for status, color := range statusFills {
		id, err := f.NewStyle(&excelize.Style{
			Fill:      excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
			Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "top"},
		})
		if err != nil {
			return fmt.Errorf("failed to create status style: %w", err)
		}
		fills[status] = id
	}

	for col, title := range ResultHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(ResultsSheet, cell, title); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(ResultsSheet, cell, cell, header); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}
	}

	for i, width := range columnWidths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(ResultsSheet, col, col, width); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, r := range results {
		row := i + 2
		checkedAt := ""
		if r.CheckedAt != nil {
			checkedAt = r.CheckedAt.Format(timeLayout)
		}
		values := []any{
			r.ClaimID,
			r.ClaimedAt.Format(timeLayout),
			r.PatientID,
			r.PatientName,
			string(r.Status),
			strings.Join(r.Errors, "\n"),
			strings.Join(r.Warnings, "\n"),
			checkedAt,
		}

		first, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(ResultsSheet, first, &values); err != nil {
			return fmt.Errorf("failed to write row %d: %w", row, err)
		}

		errCell, _ := excelize.CoordinatesToCellName(6, row)
		warnCell, _ := excelize.CoordinatesToCellName(7, row)
		if err := f.SetCellStyle(ResultsSheet, errCell, warnCell, wrap); err != nil {
			return fmt.Errorf("failed to set wrap style: %w", err)
		}
		if style, ok := fills[r.Status]; ok {
			cell, _ := excelize.CoordinatesToCellName(5, row)
			if err := f.SetCellStyle(ResultsSheet, cell, cell, style); err != nil {
				return fmt.Errorf("failed to set status style: %w", err)
			}
		}
	}

	if len(results) > 0 {
		last, _ := excelize.CoordinatesToCellName(len(ResultHeader), len(results)+1)
		if err := f.AutoFilter(ResultsSheet, "A1:"+last, nil); err != nil {
			return fmt.Errorf("failed to set auto filter: %w", err)
		}
	}

	if err := f.SetPanes(ResultsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze panes: %w", err)
	}
	return nil
}

func writeSummary(f *excelize.File, in Input) error {
	if _, err := f.NewSheet(SummarySheet); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	header, err := headerStyle(f)
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	rows := [][]any{
		{"Clinic", in.ClinicID},
		{"Month", in.Month},
		{"Total", in.Summary.Total},
		{"OK", in.Summary.OK},
		{"Warn", in.Summary.Warn},
		{"Error", in.Summary.Error},
		{"Pending", in.Summary.Pending + in.Summary.Checking},
		{"Skipped rules", in.Summary.SkippedRules},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(SummarySheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write summary row: %w", err)
		}
		if err := f.SetCellStyle(SummarySheet, cell, cell, header); err != nil {
			return fmt.Errorf("failed to set summary style: %w", err)
		}
	}
	return f.SetColWidth(SummarySheet, "A", "A", 16)
}

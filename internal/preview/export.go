package preview

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"homectl/internal/observability/metrics"
)

const timeLayout = time.RFC3339

// Export formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
	FormatPDF  = "pdf"
)

var (
	outcomeHeader = []string{"pass", "at", "rule", "priority", "status", "fresh", "aborted", "error"}
	diffHeader    = []string{"device", "parameter", "before", "after"}
)

// Export renders r in format.
func Export(r Report, format string) ([]byte, error) {
	switch format {
	case FormatCSV:
		var buf bytes.Buffer
		if err := WriteCSV(&buf, r); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatXLSX:
		return BuildXLSX(r)
	case FormatPDF:
		return BuildPDF(r)
	default:
		metrics.IncExport(format, "unsupported")
		return nil, fmt.Errorf("preview: unsupported export format %q", format)
	}
}

// WriteCSV writes the outcomes, a blank line, then the diffs.
func WriteCSV(w io.Writer, r Report) (err error) {
	defer func() { metrics.IncExport(FormatCSV, exportResult(err)) }()
	writer := csv.NewWriter(w)
	if err := writer.Write(outcomeHeader); err != nil {
		return err
	}
	for _, row := range outcomeRows(r) {
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	if err := writer.Write(nil); err != nil {
		return err
	}
	if err := writer.Write(diffHeader); err != nil {
		return err
	}
	for _, row := range diffRows(r) {
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// BuildXLSX renders a workbook with a summary, outcomes and diffs sheet.
func BuildXLSX(r Report) (out []byte, err error) {
	defer func() { metrics.IncExport(FormatXLSX, exportResult(err)) }()
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	outcomeSheet := "outcomes"
	diffSheet := "diffs"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(outcomeSheet)
	f.NewSheet(diffSheet)

	_ = f.SetCellValue(summarySheet, "A1", "Rule Preview")
	_ = f.SetCellValue(summarySheet, "A3", "World")
	_ = f.SetCellValue(summarySheet, "B3", r.WorldID)
	_ = f.SetCellValue(summarySheet, "A4", "Start")
	_ = f.SetCellValue(summarySheet, "B4", formatTime(r.Start))
	_ = f.SetCellValue(summarySheet, "A5", "At")
	_ = f.SetCellValue(summarySheet, "B5", formatTime(r.At))
	_ = f.SetCellValue(summarySheet, "A6", "Passes")
	_ = f.SetCellValue(summarySheet, "B6", len(r.Passes))
	_ = f.SetCellValue(summarySheet, "A7", "Changes")
	_ = f.SetCellValue(summarySheet, "B7", len(r.Diffs))
	_ = f.SetCellValue(summarySheet, "A8", "Failures")
	_ = f.SetCellValue(summarySheet, "B8", len(r.Failures()))

	writeSheet(f, outcomeSheet, outcomeHeader, outcomeRows(r))
	writeSheet(f, diffSheet, diffHeader, diffRows(r))

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeSheet(f *excelize.File, sheet string, header []string, rows [][]string) {
	for col, name := range header {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		_ = f.SetCellValue(sheet, cell, name)
	}
	for i, row := range rows {
		for col, value := range row {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			_ = f.SetCellValue(sheet, cell, value)
		}
	}
}

// BuildPDF renders a one-page summary with outcome and diff tables.
func BuildPDF(r Report) (out []byte, err error) {
	defer func() { metrics.IncExport(FormatPDF, exportResult(err)) }()
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()
	pdf.Cell(0, 8, "Rule Preview")
	pdf.Ln(10)

	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("World: %s", r.WorldID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Start: %s", formatTime(r.Start)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("At: %s", formatTime(r.At)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Passes: %d", len(r.Passes)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(12, 6, "Pass", "1", 0, "C", false, 0, "")
	pdf.CellFormat(70, 6, "Rule", "1", 0, "C", false, 0, "")
	pdf.CellFormat(22, 6, "Priority", "1", 0, "C", false, 0, "")
	pdf.CellFormat(32, 6, "Status", "1", 0, "C", false, 0, "")
	pdf.CellFormat(54, 6, "Error", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for i, pass := range r.Passes {
		for _, o := range pass.Outcomes {
			pdf.CellFormat(12, 6, strconv.Itoa(i+1), "1", 0, "C", false, 0, "")
			pdf.CellFormat(70, 6, truncate(o.RuleName, 40), "1", 0, "L", false, 0, "")
			pdf.CellFormat(22, 6, formatFloat(o.Priority), "1", 0, "R", false, 0, "")
			pdf.CellFormat(32, 6, o.Status, "1", 0, "C", false, 0, "")
			pdf.CellFormat(54, 6, truncate(errString(o.Err), 30), "1", 0, "L", false, 0, "")
			pdf.Ln(-1)
		}
	}
	pdf.Ln(6)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(60, 6, "Device", "1", 0, "C", false, 0, "")
	pdf.CellFormat(50, 6, "Parameter", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Before", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "After", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, row := range diffRows(r) {
		pdf.CellFormat(60, 6, truncate(row[0], 34), "1", 0, "L", false, 0, "")
		pdf.CellFormat(50, 6, truncate(row[1], 28), "1", 0, "L", false, 0, "")
		pdf.CellFormat(40, 6, truncate(row[2], 22), "1", 0, "L", false, 0, "")
		pdf.CellFormat(40, 6, truncate(row[3], 22), "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func outcomeRows(r Report) [][]string {
	var rows [][]string
	for i, pass := range r.Passes {
		for _, o := range pass.Outcomes {
			rows = append(rows, []string{
				strconv.Itoa(i + 1),
				formatTime(pass.At),
				o.RuleName,
				formatFloat(o.Priority),
				o.Status,
				formatBool(o.Fresh),
				formatBool(o.Aborted),
				errString(o.Err),
			})
		}
	}
	return rows
}

func diffRows(r Report) [][]string {
	rows := make([][]string, 0, len(r.Diffs))
	for _, d := range r.Diffs {
		rows = append(rows, []string{d.Device, d.Parameter, formatValue(d.Before), formatValue(d.After)})
	}
	return rows
}

func exportResult(err error) string {
	if err != nil {
		return metrics.ResultError
	}
	return metrics.ResultSuccess
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(timeLayout)
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

func formatBool(value bool) string {
	if value {
		return "true"
	}
	return "false"
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case time.Time:
		return formatTime(v)
	case float64:
		return formatFloat(v)
	default:
		return fmt.Sprint(v)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

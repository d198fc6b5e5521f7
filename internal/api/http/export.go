package apihttp

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"solar-cloud/internal/auth"
	telemetry "solar-cloud/internal/telemetry/domain"
)

// ExportReadingsHandler serves reading-range exports as XLSX or PDF.
type ExportReadingsHandler struct {
	query      telemetry.ReadingQuery
	authorizer auth.Authorizer
}

// NewExportReadingsHandler constructs an ExportReadingsHandler.
func NewExportReadingsHandler(query telemetry.ReadingQuery, authorizer auth.Authorizer) *ExportReadingsHandler {
	return &ExportReadingsHandler{query: query, authorizer: authorizer}
}

// ServeHTTP handles GET /api/v1/exports/readings?format=xlsx|pdf.
func (h *ExportReadingsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.query == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	deviceID, ok := authorizedDevice(w, r, h.authorizer)
	if !ok {
		return
	}

	from, err := parseTimeQuery(r, "from")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTimeQuery(r, "to")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}

	readings, err := h.query.ReadingsBetween(r.Context(), deviceID, from, to)
	if err != nil {
		http.Error(w, "query readings error", http.StatusInternalServerError)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "xlsx"
	}

	var (
		payload     []byte
		contentType string
		filename    string
	)
	switch format {
	case "xlsx":
		payload, err = BuildReadingsXLSX(deviceID, from, to, readings)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		filename = fmt.Sprintf("readings_%s.xlsx", deviceID)
	case "pdf":
		payload, err = BuildReadingsPDF(deviceID, from, to, readings)
		contentType = "application/pdf"
		filename = fmt.Sprintf("readings_%s.pdf", deviceID)
	default:
		http.Error(w, "format must be xlsx or pdf", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "build export error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	_, _ = w.Write(payload)
}

// BuildReadingsXLSX renders a reading range as a two-sheet workbook.
func BuildReadingsXLSX(deviceID string, from, to time.Time, readings []telemetry.PowerReading) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "summary"
	readingsSheet := "readings"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(readingsSheet)

	_ = f.SetCellValue(summarySheet, "A1", "Power Readings Export")
	_ = f.SetCellValue(summarySheet, "A3", "Device")
	_ = f.SetCellValue(summarySheet, "B3", deviceID)
	_ = f.SetCellValue(summarySheet, "A4", "From")
	_ = f.SetCellValue(summarySheet, "B4", from.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A5", "To")
	_ = f.SetCellValue(summarySheet, "B5", to.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A6", "Readings")
	_ = f.SetCellValue(summarySheet, "B6", len(readings))

	_ = f.SetCellValue(readingsSheet, "A1", "Timestamp")
	_ = f.SetCellValue(readingsSheet, "B1", "Generated (W)")
	_ = f.SetCellValue(readingsSheet, "C1", "Load A (W)")
	_ = f.SetCellValue(readingsSheet, "D1", "Load P (W)")
	_ = f.SetCellValue(readingsSheet, "E1", "Load A Efficiency (%)")
	_ = f.SetCellValue(readingsSheet, "F1", "Load P Efficiency (%)")
	for i, reading := range readings {
		row := i + 2
		_ = f.SetCellValue(readingsSheet, fmt.Sprintf("A%d", row), reading.TS.Format(time.RFC3339))
		_ = f.SetCellValue(readingsSheet, fmt.Sprintf("B%d", row), reading.GeneratedW)
		_ = f.SetCellValue(readingsSheet, fmt.Sprintf("C%d", row), reading.LoadAW)
		_ = f.SetCellValue(readingsSheet, fmt.Sprintf("D%d", row), reading.LoadPW)
		_ = f.SetCellValue(readingsSheet, fmt.Sprintf("E%d", row), reading.LoadAEfficiencyPct)
		_ = f.SetCellValue(readingsSheet, fmt.Sprintf("F%d", row), reading.LoadPEfficiencyPct)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildReadingsPDF renders a reading range as a tabular PDF.
func BuildReadingsPDF(deviceID string, from, to time.Time, readings []telemetry.PowerReading) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Power Readings Export")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Device: %s", deviceID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("From: %s", from.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("To: %s", to.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Readings: %d", len(readings)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(38, 6, "Timestamp", "1", 0, "C", false, 0, "")
	pdf.CellFormat(26, 6, "Gen (W)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(26, 6, "Load A (W)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(26, 6, "Load P (W)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(27, 6, "Eff A (%)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(27, 6, "Eff P (%)", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, reading := range readings {
		pdf.CellFormat(38, 6, reading.TS.Format("2006-01-02 15:04:05"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(26, 6, fmt.Sprintf("%d", reading.GeneratedW), "1", 0, "R", false, 0, "")
		pdf.CellFormat(26, 6, fmt.Sprintf("%d", reading.LoadAW), "1", 0, "R", false, 0, "")
		pdf.CellFormat(26, 6, fmt.Sprintf("%d", reading.LoadPW), "1", 0, "R", false, 0, "")
		pdf.CellFormat(27, 6, fmt.Sprintf("%.2f", reading.LoadAEfficiencyPct), "1", 0, "R", false, 0, "")
		pdf.CellFormat(27, 6, fmt.Sprintf("%.2f", reading.LoadPEfficiencyPct), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

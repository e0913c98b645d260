package export

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"
)

const pageWidth = 277.0 // A4 landscape minus margins

// PDFExporter renders datasets into a landscape tabular PDF.
type PDFExporter struct{}

// NewPDFExporter constructs a PDF exporter.
func NewPDFExporter() *PDFExporter {
	return &PDFExporter{}
}

// ContentType of rendered output.
func (e *PDFExporter) ContentType() string { return "application/pdf" }

// Extension of rendered files.
func (e *PDFExporter) Extension() string { return "pdf" }

// Render creates a PDF with the dataset title, caption lines and table body.
func (e *PDFExporter) Render(data Dataset) ([]byte, error) {
	if len(data.Headers) == 0 {
		return nil, fmt.Errorf("pdf requires at least one header")
	}
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(10, 12, 10)
	pdf.SetAutoPageBreak(true, 12)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	if data.Title != "" {
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(0, 9, tr(data.Title), "", 1, "L", false, 0, "")
	}
	if len(data.Caption) > 0 {
		pdf.SetFont("Arial", "", 9)
		for _, line := range data.Caption {
			pdf.CellFormat(0, 5, tr(line), "", 1, "L", false, 0, "")
		}
		pdf.Ln(3)
	}

	colWidth := pageWidth / float64(len(data.Headers))
	header := func() {
		pdf.SetFont("Arial", "B", 9)
		pdf.SetFillColor(230, 230, 230)
		for _, h := range data.Headers {
			pdf.CellFormat(colWidth, 7, tr(h), "1", 0, "C", true, 0, "")
		}
		pdf.Ln(-1)
	}
	row := func(values map[string]string) {
		for _, h := range data.Headers {
			align := "L"
			if data.Numeric[h] {
				align = "R"
			}
			pdf.CellFormat(colWidth, 6, tr(values[h]), "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	pdf.SetHeaderFunc(func() {
		if pdf.PageNo() > 1 {
			header()
		}
	})
	header()

	pdf.SetFont("Arial", "", 8)
	for _, r := range data.Rows {
		row(r)
	}
	if len(data.Totals) > 0 {
		pdf.SetFont("Arial", "B", 8)
		row(data.Totals)
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

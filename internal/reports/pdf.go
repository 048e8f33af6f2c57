package reports

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/qualys/nhi/internal/models"
	"github.com/qualys/nhi/internal/risk"
)

// usable width of an A4 page with 15mm margins
const pageWidth = 180.0

type rgb struct{ r, g, b int }

var (
	textDark  = rgb{33, 37, 41}
	textMuted = rgb{108, 117, 125}
	headerBg  = rgb{52, 58, 64}
	zebraBg   = rgb{248, 249, 250}
	white     = rgb{255, 255, 255}
)

func levelColor(level models.Severity) rgb {
	switch level {
	case models.SeverityCritical:
		return rgb{220, 53, 69}
	case models.SeverityHigh:
		return rgb{253, 126, 20}
	case models.SeverityMedium:
		return rgb{255, 193, 7}
	default:
		return rgb{40, 167, 69}
	}
}

// column is one column of an identity table. Width is in millimetres.
type column struct {
	title string
	width float64
	value func(id *models.Identity) string
}

var identityColumns = []column{
	{"Name", 55, func(id *models.Identity) string { return truncate(id.Name, 32) }},
	{"Type", 38, func(id *models.Identity) string { return string(id.Type) }},
	{"Provider", 20, func(id *models.Identity) string { return string(id.Provider) }},
	{"Score", 15, func(id *models.Identity) string { return strconv.Itoa(id.RiskScore) }},
	{"Top Factor", 52, func(id *models.Identity) string {
		if len(id.RiskFactors) == 0 {
			return "-"
		}
		return id.RiskFactors[0].Factor
	}},
}

// riskDocument lays out the project risk report on A4 pages.
type riskDocument struct {
	pdf       *gofpdf.Fpdf
	projectID string
}

func newRiskDocument(title, projectID string, generatedAt time.Time) *riskDocument {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.SetTitle(title, true)
	pdf.AliasNbPages("")

	d := &riskDocument{pdf: pdf, projectID: projectID}
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		d.font("I", 8, rgb{128, 128, 128})
		pdf.CellFormat(0, 10, fmt.Sprintf("Project %s  |  Page %d of {nb}", projectID, pdf.PageNo()), "", 0, "C", false, 0, "")
	})

	pdf.AddPage()
	d.font("B", 20, textDark)
	pdf.CellFormat(0, 15, title, "", 1, "C", false, 0, "")
	d.font("", 10, textMuted)
	pdf.CellFormat(0, 8, "Generated "+generatedAt.UTC().Format("January 2, 2006 15:04 MST"), "", 1, "C", false, 0, "")
	pdf.Ln(8)
	return d
}

func (d *riskDocument) font(style string, size float64, c rgb) {
	d.pdf.SetFont("Arial", style, size)
	d.pdf.SetTextColor(c.r, c.g, c.b)
}

func (d *riskDocument) fill(c rgb) {
	d.pdf.SetFillColor(c.r, c.g, c.b)
}

func (d *riskDocument) heading(text string) {
	d.font("B", 14, textDark)
	d.fill(rgb{240, 240, 240})
	d.pdf.CellFormat(0, 10, text, "", 1, "L", true, 0, "")
	d.pdf.Ln(4)
}

func (d *riskDocument) summary(stats *models.Stats) {
	d.heading("Summary")
	d.font("", 10, textDark)
	d.pdf.MultiCell(0, 6, fmt.Sprintf(
		"%d non-human identities were discovered in this project. Their average risk score is %.1f out of %d.",
		stats.Total, stats.AvgRiskScore, risk.MaxScore), "", "L", false)
	d.pdf.Ln(3)

	rows := []struct {
		label string
		value int
	}{
		{"Total identities", stats.Total},
		{"Without owner", stats.UnownedCount},
		{"Risk accepted", stats.RiskAcceptedCount},
	}
	for _, row := range rows {
		d.font("", 10, textMuted)
		d.pdf.CellFormat(60, 7, row.label+":", "", 0, "L", false, 0, "")
		d.font("B", 10, textDark)
		d.pdf.CellFormat(0, 7, strconv.Itoa(row.value), "", 1, "L", false, 0, "")
	}
	d.pdf.Ln(4)
}

// levelBars draws one horizontal bar per risk level scaled to the largest count.
func (d *riskDocument) levelBars(stats *models.Stats) {
	d.heading("Identities by Risk Level")
	bars := []struct {
		level models.Severity
		count int
	}{
		{models.SeverityCritical, stats.CriticalCount},
		{models.SeverityHigh, stats.HighCount},
		{models.SeverityMedium, stats.MediumCount},
		{models.SeverityLow, stats.LowCount},
	}
	largest := 1
	for _, b := range bars {
		largest = max(largest, b.count)
	}
	for _, b := range bars {
		d.font("", 9, textMuted)
		d.pdf.CellFormat(30, 6, string(b.level), "", 0, "L", false, 0, "")
		d.fill(levelColor(b.level))
		d.pdf.CellFormat(float64(b.count)/float64(largest)*110, 6, "", "", 0, "L", true, 0, "")
		d.font("", 9, textDark)
		d.pdf.CellFormat(20, 6, " "+strconv.Itoa(b.count), "", 1, "L", false, 0, "")
	}
	d.pdf.Ln(4)
}

// factorFrequency lists how many of identities carry each risk factor,
// most common first.
func (d *riskDocument) factorFrequency(identities []models.Identity) {
	counts := map[string]int{}
	for _, id := range identities {
		for _, f := range id.RiskFactors {
			counts[f.Factor]++
		}
	}
	if len(counts) == 0 {
		return
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})

	d.heading("Most Common Risk Factors")
	for _, name := range names {
		d.font("", 9, textDark)
		d.pdf.CellFormat(70, 6, name, "", 0, "L", false, 0, "")
		d.font("", 9, textMuted)
		d.pdf.CellFormat(0, 6, fmt.Sprintf("%d identities, %d points each", counts[name], risk.Points(name)), "", 1, "L", false, 0, "")
	}
	d.pdf.Ln(4)
}

// identityTable renders identities with the score cell tinted by risk level.
func (d *riskDocument) identityTable(identities []models.Identity) {
	d.heading(fmt.Sprintf("Top %d Identities", len(identities)))

	d.font("B", 9, white)
	d.fill(headerBg)
	for _, col := range identityColumns {
		d.pdf.CellFormat(col.width, 8, col.title, "1", 0, "C", true, 0, "")
	}
	d.pdf.Ln(-1)

	for i := range identities {
		id := &identities[i]
		bg := white
		if i%2 == 1 {
			bg = zebraBg
		}
		for _, col := range identityColumns {
			d.font("", 9, textDark)
			d.fill(bg)
			if col.title == "Score" {
				d.font("B", 9, white)
				d.fill(levelColor(risk.Level(id.RiskScore)))
			}
			d.pdf.CellFormat(col.width, 7, col.value(id), "1", 0, "L", true, 0, "")
		}
		d.pdf.Ln(-1)
	}
}

func (d *riskDocument) bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := d.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate PDF: %w", err)
	}
	return buf.Bytes(), nil
}

func identitiesToPDF(title, projectID string, generatedAt time.Time, stats *models.Stats, identities []models.Identity) ([]byte, error) {
	doc := newRiskDocument(title, projectID, generatedAt)
	doc.summary(stats)
	doc.levelBars(stats)
	doc.factorFrequency(identities)
	doc.identityTable(identities)
	return doc.bytes()
}

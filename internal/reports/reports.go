// Package reports renders identity risk reports as PDF or CSV.
package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/qualys/nhi/internal/models"
	"github.com/qualys/nhi/internal/risk"
)

type ReportFormat string

const (
	FormatCSV ReportFormat = "csv"
	FormatPDF ReportFormat = "pdf"
)

const defaultTopIdentities = 50

type ReportRequest struct {
	ProjectID string
	Format    ReportFormat
	Title     string
	// Limit caps the identity table. Zero means 50.
	Limit int
}

type Report struct {
	Format      ReportFormat
	Title       string
	GeneratedAt time.Time
	Data        []byte
	Filename    string
	MimeType    string
}

// DataProvider supplies the figures of a project's report.
type DataProvider interface {
	GetStats(ctx context.Context, projectID string) (*models.Stats, error)
	TopIdentities(ctx context.Context, projectID string, limit int) ([]models.Identity, error)
}

type Generator struct {
	provider DataProvider
	now      func() time.Time
}

func NewGenerator(provider DataProvider) *Generator {
	return &Generator{provider: provider, now: time.Now}
}

// Generate builds the identity risk report of one project.
func (g *Generator) Generate(ctx context.Context, req *ReportRequest) (*Report, error) {
	stats, err := g.provider.GetStats(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stats: %w", err)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultTopIdentities
	}
	identities, err := g.provider.TopIdentities(ctx, req.ProjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch identities: %w", err)
	}

	title := req.Title
	if title == "" {
		title = "Non-Human Identity Risk Report"
	}
	now := g.now()
	stamp := now.Format("20060102_150405")

	var (
		data     []byte
		filename string
		mimeType string
	)
	switch req.Format {
	case FormatCSV:
		data, err = identitiesToCSV(identities)
		filename = fmt.Sprintf("nhi_risk_%s.csv", stamp)
		mimeType = "text/csv"
	case FormatPDF, "":
		data, err = identitiesToPDF(title, req.ProjectID, now, stats, identities)
		filename = fmt.Sprintf("nhi_risk_%s.pdf", stamp)
		mimeType = "application/pdf"
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
	if err != nil {
		return nil, err
	}

	return &Report{
		Format:      req.Format,
		Title:       title,
		GeneratedAt: now,
		Data:        data,
		Filename:    filename,
		MimeType:    mimeType,
	}, nil
}

func identitiesToCSV(identities []models.Identity) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"Name", "Type", "Provider", "Risk Score", "Risk Level", "Status", "Owner", "Risk Factors"}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, id := range identities {
		owner := ""
		if id.OwnerEmail != nil {
			owner = *id.OwnerEmail
		}
		factors := ""
		for i, f := range id.RiskFactors {
			if i > 0 {
				factors += ";"
			}
			factors += f.Factor
		}
		row := []string{
			id.Name,
			string(id.Type),
			string(id.Provider),
			strconv.Itoa(id.RiskScore),
			string(risk.Level(id.RiskScore)),
			string(id.Status),
			owner,
			factors,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}

package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"testing"

	"github.com/qualys/nhi/internal/models"
)

type fakeProvider struct {
	stats      *models.Stats
	identities []models.Identity
	err        error
	gotLimit   int
}

func (f *fakeProvider) GetStats(ctx context.Context, projectID string) (*models.Stats, error) {
	return f.stats, f.err
}

func (f *fakeProvider) TopIdentities(ctx context.Context, projectID string, limit int) ([]models.Identity, error) {
	f.gotLimit = limit
	return f.identities, nil
}

func sampleProvider() *fakeProvider {
	return &fakeProvider{
		stats: &models.Stats{Total: 2, CriticalCount: 1, LowCount: 1, UnownedCount: 1, AvgRiskScore: 42.5},
		identities: []models.Identity{
			{
				Name:        "deploy-bot",
				Type:        models.IdentityTypeIAMUser,
				Provider:    models.ProviderAWS,
				RiskScore:   80,
				Status:      models.IdentityStatusFlagged,
				RiskFactors: models.RiskFactors{{Factor: "HAS_ADMIN_ACCESS"}, {Factor: "NO_OWNER"}},
			},
			{
				Name:       "ci-key",
				Type:       models.IdentityTypeGitHubDeployKey,
				Provider:   models.ProviderGitHub,
				RiskScore:  5,
				Status:     models.IdentityStatusActive,
				OwnerEmail: models.StringPtr("ci@example.com"),
			},
		},
	}
}

func TestGenerator_PDF(t *testing.T) {
	p := sampleProvider()
	report, err := NewGenerator(p).Generate(context.Background(), &ReportRequest{ProjectID: "p1", Format: FormatPDF})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !bytes.HasPrefix(report.Data, []byte("%PDF")) {
		t.Error("output is not a PDF")
	}
	if report.MimeType != "application/pdf" || p.gotLimit != defaultTopIdentities {
		t.Errorf("mime = %s, limit = %d", report.MimeType, p.gotLimit)
	}
}

func TestGenerator_CSV(t *testing.T) {
	report, err := NewGenerator(sampleProvider()).Generate(context.Background(),
		&ReportRequest{ProjectID: "p1", Format: FormatCSV, Limit: 10})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	records, err := csv.NewReader(bytes.NewReader(report.Data)).ReadAll()
	if err != nil {
		t.Fatalf("reading csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d rows, want 3", len(records))
	}

	tests := []struct {
		row, col int
		want     string
	}{
		{1, 0, "deploy-bot"},
		{1, 4, "critical"},
		{1, 7, "HAS_ADMIN_ACCESS;NO_OWNER"},
		{2, 4, "low"},
		{2, 6, "ci@example.com"},
	}
	for _, tt := range tests {
		if got := records[tt.row][tt.col]; got != tt.want {
			t.Errorf("records[%d][%d] = %q, want %q", tt.row, tt.col, got, tt.want)
		}
	}
}

func TestGenerator_Errors(t *testing.T) {
	p := sampleProvider()
	if _, err := NewGenerator(p).Generate(context.Background(), &ReportRequest{Format: "xml"}); err == nil {
		t.Error("want error for unsupported format")
	}

	p.err = errors.New("db down")
	if _, err := NewGenerator(p).Generate(context.Background(), &ReportRequest{Format: FormatCSV}); err == nil {
		t.Error("want error when stats fail")
	}
}

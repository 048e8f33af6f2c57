package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/nhi/internal/models"
	"github.com/qualys/nhi/internal/risk"
)

const upsertIdentitySQL = `
	INSERT INTO identities (id, project_id, source_id, external_id, name, type, provider, metadata, policies,
		key_create_date, key_last_used_date, last_activity_at, risk_score, risk_factors, status, owner_email,
		created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	ON CONFLICT (source_id, external_id) DO UPDATE SET
		name = EXCLUDED.name,
		type = EXCLUDED.type,
		provider = EXCLUDED.provider,
		metadata = EXCLUDED.metadata,
		policies = EXCLUDED.policies,
		key_create_date = EXCLUDED.key_create_date,
		key_last_used_date = EXCLUDED.key_last_used_date,
		last_activity_at = EXCLUDED.last_activity_at,
		risk_score = EXCLUDED.risk_score,
		risk_factors = EXCLUDED.risk_factors,
		updated_at = EXCLUDED.updated_at
`

// UpsertIdentities writes a scan's identities in one transaction, keyed on
// (source_id, external_id). Owner, status and risk acceptance of existing
// rows are kept.
func (s *Store) UpsertIdentities(ctx context.Context, identities []models.Identity) error {
	if len(identities) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, upsertIdentitySQL)
	if err != nil {
		return fmt.Errorf("preparing identity upsert: %w", err)
	}
	defer stmt.Close()

	for i := range identities {
		id := &identities[i]
		if id.ID == uuid.Nil {
			id.ID = uuid.New()
		}
		if id.Status == "" {
			id.Status = models.IdentityStatusActive
		}
		if id.Policies == nil {
			id.Policies = models.StringArray{}
		}
		_, err := stmt.ExecContext(ctx,
			id.ID, id.ProjectID, id.SourceID, id.ExternalID, id.Name, id.Type, id.Provider,
			id.Metadata, id.Policies, id.KeyCreateDate, id.KeyLastUsedDate, id.LastActivityAt,
			id.RiskScore, id.RiskFactors, id.Status, id.OwnerEmail, id.CreatedAt, id.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upserting identity %s: %w", id.ExternalID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing identities: %w", err)
	}
	return nil
}

func (s *Store) GetIdentity(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	var identity models.Identity
	err := s.db.GetContext(ctx, &identity, `SELECT * FROM identities WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "identity")
	}
	return &identity, nil
}

func (s *Store) ListIdentitiesBySource(ctx context.Context, sourceID uuid.UUID) ([]models.Identity, error) {
	var identities []models.Identity
	err := s.db.SelectContext(ctx, &identities, `
		SELECT * FROM identities WHERE source_id = $1 ORDER BY created_at, id
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("listing identities: %w", err)
	}
	return identities, nil
}

func (s *Store) ListIdentityOwners(ctx context.Context, sourceID uuid.UUID) (map[string]*string, error) {
	var rows []struct {
		ExternalID string  `db:"external_id"`
		OwnerEmail *string `db:"owner_email"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT external_id, owner_email FROM identities
		WHERE source_id = $1 AND owner_email IS NOT NULL
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("listing identity owners: %w", err)
	}
	owners := make(map[string]*string, len(rows))
	for _, r := range rows {
		owners[r.ExternalID] = r.OwnerEmail
	}
	return owners, nil
}

// ListIdentities returns a project's identities, highest risk first, and the
// total number matching filter.
func (s *Store) ListIdentities(ctx context.Context, projectID string, filter models.IdentityFilter) ([]models.Identity, int, error) {
	where := []string{"project_id = $1"}
	args := []interface{}{projectID}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if filter.SourceID != nil {
		add("source_id = $%d", *filter.SourceID)
	}
	if filter.Provider != "" {
		add("provider = $%d", filter.Provider)
	}
	if filter.Type != "" {
		add("type = $%d", filter.Type)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if lo, hi, ok := risk.ScoreRange(filter.RiskLevel); ok {
		add("risk_score >= $%d", lo)
		add("risk_score <= $%d", hi)
	}
	if filter.HasOwner != nil {
		if *filter.HasOwner {
			where = append(where, "owner_email IS NOT NULL AND owner_email <> ''")
		} else {
			where = append(where, "(owner_email IS NULL OR owner_email = '')")
		}
	}
	if q := strings.TrimSpace(filter.Search); q != "" {
		add("name ILIKE $%d", "%"+q+"%")
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM identities WHERE `+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("counting identities: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT * FROM identities WHERE %s ORDER BY risk_score DESC, name LIMIT $%d OFFSET $%d`,
		clause, len(args)-1, len(args))

	var identities []models.Identity
	if err := s.db.SelectContext(ctx, &identities, query, args...); err != nil {
		return nil, 0, fmt.Errorf("listing identities: %w", err)
	}
	return identities, total, nil
}

// TopIdentities returns the highest scoring identities of a project.
func (s *Store) TopIdentities(ctx context.Context, projectID string, limit int) ([]models.Identity, error) {
	identities, _, err := s.ListIdentities(ctx, projectID, models.IdentityFilter{Limit: limit})
	return identities, err
}

func (s *Store) UpdateIdentityStatus(ctx context.Context, id uuid.UUID, status models.IdentityStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE identities SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("updating identity status: %w", err)
	}
	return expectRow(res, "identity")
}

// UpdateIdentityOwner sets the owner together with the rescored risk.
func (s *Store) UpdateIdentityOwner(ctx context.Context, identity *models.Identity) error {
	identity.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE identities SET owner_email = $2, risk_score = $3, risk_factors = $4, updated_at = $5
		WHERE id = $1
	`, identity.ID, identity.OwnerEmail, identity.RiskScore, identity.RiskFactors, identity.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating identity owner: %w", err)
	}
	return expectRow(res, "identity")
}

// UpdateIdentityRemediation writes the post-remediation state of an identity.
func (s *Store) UpdateIdentityRemediation(ctx context.Context, identity *models.Identity) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE identities SET metadata = $2, policies = $3, risk_score = $4, risk_factors = $5, updated_at = $6,
			status = $7
		WHERE id = $1
	`, identity.ID, identity.Metadata, identity.Policies, identity.RiskScore, identity.RiskFactors, identity.UpdatedAt,
		identity.Status)
	if err != nil {
		return fmt.Errorf("updating remediated identity: %w", err)
	}
	return expectRow(res, "identity")
}

func (s *Store) AcceptRisk(ctx context.Context, id uuid.UUID, by, reason string, expiresAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE identities SET risk_accepted_at = NOW(), risk_accepted_by = $2, risk_accepted_reason = $3,
			risk_accepted_expires_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, by, reason, expiresAt)
	if err != nil {
		return fmt.Errorf("accepting risk: %w", err)
	}
	return expectRow(res, "identity")
}

func (s *Store) RevokeRiskAcceptance(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE identities SET risk_accepted_at = NULL, risk_accepted_by = NULL, risk_accepted_reason = NULL,
			risk_accepted_expires_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("revoking risk acceptance: %w", err)
	}
	return expectRow(res, "identity")
}

func (s *Store) GetStats(ctx context.Context, projectID string) (*models.Stats, error) {
	var stats models.Stats
	err := s.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE risk_score >= 70) AS critical_count,
			COUNT(*) FILTER (WHERE risk_score >= 40 AND risk_score < 70) AS high_count,
			COUNT(*) FILTER (WHERE risk_score >= 20 AND risk_score < 40) AS medium_count,
			COUNT(*) FILTER (WHERE risk_score < 20) AS low_count,
			COUNT(*) FILTER (WHERE owner_email IS NULL OR owner_email = '') AS unowned_count,
			COUNT(*) FILTER (WHERE risk_accepted_at IS NOT NULL
				AND (risk_accepted_expires_at IS NULL OR risk_accepted_expires_at > NOW())) AS risk_accepted_count,
			COALESCE(ROUND(AVG(risk_score)::numeric, 1), 0)::float8 AS avg_risk_score
		FROM identities WHERE project_id = $1
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("computing stats: %w", err)
	}
	return &stats, nil
}

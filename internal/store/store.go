// Package store persists sources, scans, identities, policies and
// remediation history in PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/qualys/nhi/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned for missing rows.
var ErrNotFound = models.ErrNotFound

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

// NewWithDB wraps an open connection.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("opening migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(s.db.DB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("initialising migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("migrations applied", "version", version, "dirty", dirty)
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// Connections

func (s *Store) CreateConnection(ctx context.Context, conn *models.Connection) error {
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	now := time.Now()
	conn.CreatedAt = now
	conn.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (id, org_id, provider, name, sealed_credentials, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, conn.ID, conn.OrgID, conn.Provider, conn.Name, conn.Sealed, conn.CreatedBy, conn.CreatedAt, conn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting connection: %w", err)
	}
	return nil
}

func (s *Store) GetConnection(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	var conn models.Connection
	err := s.db.GetContext(ctx, &conn, `SELECT * FROM connections WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "connection")
	}
	return &conn, nil
}

func (s *Store) ListConnections(ctx context.Context, orgID string) ([]models.Connection, error) {
	var conns []models.Connection
	err := s.db.SelectContext(ctx, &conns, `
		SELECT * FROM connections WHERE org_id = $1 ORDER BY created_at DESC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	return conns, nil
}

// Sources

func (s *Store) CreateSource(ctx context.Context, src *models.Source) error {
	if src.ID == uuid.Nil {
		src.ID = uuid.New()
	}
	now := time.Now()
	src.CreatedAt = now
	src.UpdatedAt = now
	if src.ScanSchedule == "" {
		src.ScanSchedule = models.ScanScheduleNone
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sources (id, project_id, org_id, name, provider, connection_id, config, scan_schedule,
			created_by, created_at, updated_at)
		VALUES (:id, :project_id, :org_id, :name, :provider, :connection_id, :config, :scan_schedule,
			:created_by, :created_at, :updated_at)
	`, src)
	if err != nil {
		return fmt.Errorf("inserting source: %w", err)
	}
	return nil
}

func (s *Store) GetSource(ctx context.Context, id uuid.UUID) (*models.Source, error) {
	var src models.Source
	err := s.db.GetContext(ctx, &src, `SELECT * FROM sources WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "source")
	}
	return &src, nil
}

func (s *Store) ListSources(ctx context.Context, projectID string) ([]models.Source, error) {
	var sources []models.Source
	err := s.db.SelectContext(ctx, &sources, `
		SELECT * FROM sources WHERE project_id = $1 ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	return sources, nil
}

// UpdateSource writes the user-editable fields.
func (s *Store) UpdateSource(ctx context.Context, src *models.Source) error {
	src.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sources SET name = $2, scan_schedule = $3, config = $4, updated_at = $5
		WHERE id = $1
	`, src.ID, src.Name, src.ScanSchedule, src.Config, src.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating source: %w", err)
	}
	return expectRow(res, "source")
}

func (s *Store) DeleteSource(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting source: %w", err)
	}
	return expectRow(res, "source")
}

// FindDueForScan returns scheduled sources whose last scheduled scan is
// missing or older than their interval.
func (s *Store) FindDueForScan(ctx context.Context, now time.Time) ([]models.Source, error) {
	var sources []models.Source
	err := s.db.SelectContext(ctx, &sources, `
		SELECT * FROM sources
		WHERE scan_schedule <> 'none'
		  AND (last_scheduled_scan_at IS NULL OR $1::timestamptz - last_scheduled_scan_at > CASE scan_schedule
				WHEN '6h' THEN INTERVAL '6 hours'
				WHEN '12h' THEN INTERVAL '12 hours'
				WHEN 'daily' THEN INTERVAL '1 day'
				WHEN 'weekly' THEN INTERVAL '7 days'
			END)
		ORDER BY last_scheduled_scan_at NULLS FIRST
	`, now)
	if err != nil {
		return nil, fmt.Errorf("finding sources due for scan: %w", err)
	}
	return sources, nil
}

func (s *Store) MarkScheduledScan(ctx context.Context, sourceID uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sources SET last_scheduled_scan_at = $2, updated_at = NOW() WHERE id = $1
	`, sourceID, at)
	if err != nil {
		return fmt.Errorf("stamping scheduled scan: %w", err)
	}
	return nil
}

// UpdateSourceScanResult records scan progress on the source. Nil fields in
// update keep their stored values.
func (s *Store) UpdateSourceScanResult(ctx context.Context, sourceID uuid.UUID, update models.SourceScanUpdate) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sources SET
			last_scan_status = $2,
			last_scan_message = $3,
			last_scanned_at = COALESCE($4, last_scanned_at),
			last_identities_found = COALESCE($5, last_identities_found),
			updated_at = NOW()
		WHERE id = $1
	`, sourceID, update.Status, update.Message, update.ScannedAt, update.IdentitiesFound)
	if err != nil {
		return fmt.Errorf("updating source scan result: %w", err)
	}
	return nil
}

// Scans

func (s *Store) CreateScan(ctx context.Context, scan *models.Scan) error {
	if scan.ID == uuid.Nil {
		scan.ID = uuid.New()
	}
	if scan.CreatedAt.IsZero() {
		scan.CreatedAt = time.Now()
	}
	if scan.Status == "" {
		scan.Status = models.ScanStatusScanning
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO scans (id, source_id, project_id, status, identities_found, triggered_by, created_at)
		VALUES (:id, :source_id, :project_id, :status, :identities_found, :triggered_by, :created_at)
	`, scan)
	if err != nil {
		return fmt.Errorf("inserting scan: %w", err)
	}
	return nil
}

func (s *Store) GetScan(ctx context.Context, id uuid.UUID) (*models.Scan, error) {
	var scan models.Scan
	err := s.db.GetContext(ctx, &scan, `SELECT * FROM scans WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "scan")
	}
	return &scan, nil
}

func (s *Store) ListScans(ctx context.Context, sourceID uuid.UUID, limit int) ([]models.Scan, error) {
	if limit <= 0 {
		limit = 50
	}
	var scans []models.Scan
	err := s.db.SelectContext(ctx, &scans, `
		SELECT * FROM scans WHERE source_id = $1 ORDER BY created_at DESC LIMIT $2
	`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing scans: %w", err)
	}
	return scans, nil
}

// FinishScan moves a scan from scanning to a terminal status exactly once.
func (s *Store) FinishScan(ctx context.Context, scanID uuid.UUID, status models.ScanStatus, found int, message *string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scans SET status = $2, identities_found = $3, status_message = $4, completed_at = NOW()
		WHERE id = $1 AND status = 'scanning'
	`, scanID, status, found, message)
	if err != nil {
		return false, fmt.Errorf("finishing scan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finishing scan: %w", err)
	}
	return n == 1, nil
}

func expectRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

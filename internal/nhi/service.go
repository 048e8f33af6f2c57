// Package nhi is the user-facing service layer. Every operation checks the
// caller's project permission before reaching the core pipeline.
package nhi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/nhi/internal/auth"
	"github.com/qualys/nhi/internal/connectors"
	"github.com/qualys/nhi/internal/models"
	"github.com/qualys/nhi/internal/queue"
	"github.com/qualys/nhi/internal/remediation"
	"github.com/qualys/nhi/internal/reports"
)

var (
	// ErrScanAlreadyQueued is returned when the source already has a queued or running scan.
	ErrScanAlreadyQueued = errors.New("scan already queued")
	// ErrInvalidInput wraps request validation failures.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned for missing entities and entities of another project.
	ErrNotFound = models.ErrNotFound
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Store is the persistence the service layer reads and writes.
type Store interface {
	CreateConnection(ctx context.Context, conn *models.Connection) error
	GetConnection(ctx context.Context, id uuid.UUID) (*models.Connection, error)
	ListConnections(ctx context.Context, orgID string) ([]models.Connection, error)

	CreateSource(ctx context.Context, src *models.Source) error
	GetSource(ctx context.Context, id uuid.UUID) (*models.Source, error)
	ListSources(ctx context.Context, projectID string) ([]models.Source, error)
	UpdateSource(ctx context.Context, src *models.Source) error
	DeleteSource(ctx context.Context, id uuid.UUID) error
	UpdateSourceScanResult(ctx context.Context, sourceID uuid.UUID, update models.SourceScanUpdate) error

	CreateScan(ctx context.Context, scan *models.Scan) error
	GetScan(ctx context.Context, id uuid.UUID) (*models.Scan, error)
	ListScans(ctx context.Context, sourceID uuid.UUID, limit int) ([]models.Scan, error)
	FinishScan(ctx context.Context, scanID uuid.UUID, status models.ScanStatus, found int, message *string) (bool, error)

	GetIdentity(ctx context.Context, id uuid.UUID) (*models.Identity, error)
	ListIdentities(ctx context.Context, projectID string, filter models.IdentityFilter) ([]models.Identity, int, error)
	UpdateIdentityOwner(ctx context.Context, identity *models.Identity) error
	UpdateIdentityStatus(ctx context.Context, id uuid.UUID, status models.IdentityStatus) error
	AcceptRisk(ctx context.Context, id uuid.UUID, by, reason string, expiresAt *time.Time) error
	RevokeRiskAcceptance(ctx context.Context, id uuid.UUID) error
	GetStats(ctx context.Context, projectID string) (*models.Stats, error)

	CreatePolicy(ctx context.Context, p *models.Policy) error
	GetPolicy(ctx context.Context, id uuid.UUID) (*models.Policy, error)
	ListPolicies(ctx context.Context, projectID string) ([]models.Policy, error)
	UpdatePolicy(ctx context.Context, p *models.Policy) error
	DeletePolicy(ctx context.Context, id uuid.UUID) error
	ListPolicyExecutions(ctx context.Context, policyID uuid.UUID, limit int) ([]models.PolicyExecutionView, error)
	ListRecentExecutions(ctx context.Context, projectID string, limit int) ([]models.PolicyExecutionView, error)

	GetRemediationAction(ctx context.Context, id uuid.UUID) (*models.RemediationAction, error)

	GetNotificationSettings(ctx context.Context, projectID string) (*models.NotificationSettings, error)
	UpsertNotificationSettings(ctx context.Context, settings *models.NotificationSettings) error
}

// Authorizer decides whether an actor may act in a project.
type Authorizer interface {
	Authorize(ctx context.Context, actor models.Actor, projectID string, action auth.Action) error
}

// JobQueue accepts scan jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, job *queue.Job) error
	IsQueued(ctx context.Context, sourceID uuid.UUID) (bool, error)
}

// Remediator runs and lists remediation actions.
type Remediator interface {
	Execute(ctx context.Context, req remediation.ExecuteRequest) (*models.RemediationAction, error)
	ListActions(ctx context.Context, projectID string, identityID uuid.UUID) ([]models.RemediationAction, error)
}

// Sealer encrypts connection credentials.
type Sealer interface {
	Seal(creds *connectors.Credentials) ([]byte, error)
}

// Reporter renders project reports.
type Reporter interface {
	Generate(ctx context.Context, req *reports.ReportRequest) (*reports.Report, error)
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Store      Store
	Authorizer Authorizer
	Queue      JobQueue
	Remediator Remediator
	Sealer     Sealer
	Reporter   Reporter
	// Providers lists the providers a source may be created for.
	Providers []models.Provider
	// SlackConfigured is shown with project notification settings.
	SlackConfigured bool
}

type Service struct {
	store      Store
	authz      Authorizer
	queue      JobQueue
	remediator Remediator
	sealer     Sealer
	reporter   Reporter
	providers  map[models.Provider]bool
	logger     *slog.Logger
	now        func() time.Time

	slackConfigured bool
}

func NewService(deps Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	providers := make(map[models.Provider]bool, len(deps.Providers))
	for _, p := range deps.Providers {
		providers[p] = true
	}
	return &Service{
		store:      deps.Store,
		authz:      deps.Authorizer,
		queue:      deps.Queue,
		remediator: deps.Remediator,
		sealer:     deps.Sealer,
		reporter:   deps.Reporter,
		providers:  providers,
		logger:     logger,
		now:        time.Now,

		slackConfigured: deps.SlackConfigured,
	}
}

func (s *Service) authorize(ctx context.Context, actor models.Actor, projectID string, action auth.Action) error {
	if err := s.authz.Authorize(ctx, actor, projectID, action); err != nil {
		s.logger.Warn("permission denied",
			"actor_id", actor.ID, "project_id", projectID, "action", action, "error", err)
		return err
	}
	return nil
}

// CreateConnection seals creds and stores them for the actor's organisation.
func (s *Service) CreateConnection(ctx context.Context, actor models.Actor, name string, creds *connectors.Credentials) (*models.Connection, error) {
	if actor.OrgID == "" {
		return nil, fmt.Errorf("%w: actor has no organisation", auth.ErrForbidden)
	}
	if name == "" {
		return nil, invalid("name is required")
	}
	if creds == nil || !s.providers[creds.Provider] {
		return nil, invalid("unsupported provider")
	}
	switch {
	case creds.Provider == models.ProviderAWS && creds.AWS == nil,
		creds.Provider == models.ProviderGitHub && (creds.GitHub == nil || creds.GitHub.Token == ""):
		return nil, invalid("credentials for %s are missing", creds.Provider)
	}

	sealed, err := s.sealer.Seal(creds)
	if err != nil {
		return nil, fmt.Errorf("sealing credentials: %w", err)
	}
	conn := &models.Connection{
		OrgID:     actor.OrgID,
		Provider:  creds.Provider,
		Name:      name,
		Sealed:    sealed,
		CreatedBy: actor.ID,
	}
	if err := s.store.CreateConnection(ctx, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Service) ListConnections(ctx context.Context, actor models.Actor) ([]models.Connection, error) {
	if actor.OrgID == "" {
		return nil, fmt.Errorf("%w: actor has no organisation", auth.ErrForbidden)
	}
	return s.store.ListConnections(ctx, actor.OrgID)
}

// IdentityReport renders the risk report of a project.
func (s *Service) IdentityReport(ctx context.Context, actor models.Actor, req *reports.ReportRequest) (*reports.Report, error) {
	if err := s.authorize(ctx, actor, req.ProjectID, auth.ActionRead); err != nil {
		return nil, err
	}
	switch req.Format {
	case "", reports.FormatCSV, reports.FormatPDF:
	default:
		return nil, invalid("unsupported report format %q", req.Format)
	}
	return s.reporter.Generate(ctx, req)
}

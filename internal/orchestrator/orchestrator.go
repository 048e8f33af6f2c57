// Package orchestrator runs one scan of a source end to end: scan the
// provider, score and upsert identities, close the scan, notify and evaluate
// policies.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/nhi/internal/connectors"
	"github.com/qualys/nhi/internal/metrics"
	"github.com/qualys/nhi/internal/models"
	"github.com/qualys/nhi/internal/policy"
	"github.com/qualys/nhi/internal/risk"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	GetSource(ctx context.Context, id uuid.UUID) (*models.Source, error)
	// ListIdentityOwners maps external id to owner email for a source's
	// existing identities.
	ListIdentityOwners(ctx context.Context, sourceID uuid.UUID) (map[string]*string, error)
	// UpsertIdentities inserts or updates on (source_id, external_id),
	// preserving owner, status and risk acceptance of existing rows.
	UpsertIdentities(ctx context.Context, identities []models.Identity) error
	// FinishScan moves a scan out of "scanning". It reports false when the
	// scan was already terminal.
	FinishScan(ctx context.Context, scanID uuid.UUID, status models.ScanStatus, found int, message *string) (bool, error)
	UpdateSourceScanResult(ctx context.Context, sourceID uuid.UUID, update models.SourceScanUpdate) error
}

// ProviderScanner dispatches to the scanner registered for a provider.
type ProviderScanner interface {
	ScanProvider(ctx context.Context, creds *connectors.Credentials) ([]connectors.RawIdentity, error)
}

// PolicyEvaluator runs policies against a finished scan.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, projectID string, scanID, sourceID uuid.UUID, actor models.Actor) (*policy.Summary, error)
}

type Notifier interface {
	NotifyScanCompleted(ctx context.Context, projectID, sourceName string, count int) error
}

// Outcome is what a scan ended with.
type Outcome struct {
	ScanID          uuid.UUID         `json:"scan_id"`
	Status          models.ScanStatus `json:"status"`
	IdentitiesFound int               `json:"identities_found"`
	Message         string            `json:"message,omitempty"`
	Policies        *policy.Summary   `json:"policies,omitempty"`
}

type Config struct {
	// ScanTimeout bounds the provider scan. Zero means no bound.
	ScanTimeout time.Duration
	// FinishTimeout bounds the writes that close a scan. Defaults to 10s.
	FinishTimeout time.Duration
}

func (c Config) finishTimeout() time.Duration {
	if c.FinishTimeout > 0 {
		return c.FinishTimeout
	}
	return 10 * time.Second
}

type Orchestrator struct {
	store    Store
	resolver connectors.CredentialResolver
	scanners ProviderScanner
	policies PolicyEvaluator
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func New(store Store, resolver connectors.CredentialResolver, scanners ProviderScanner,
	policies PolicyEvaluator, notifier Notifier, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		resolver: resolver,
		scanners: scanners,
		policies: policies,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// PerformScan runs the scan identified by scanID, which must already exist in
// the scanning state. Every failure is recorded on the scan and source; none
// is returned.
func (o *Orchestrator) PerformScan(ctx context.Context, sourceID, scanID uuid.UUID, actor models.Actor) *Outcome {
	start := o.now()
	logger := o.logger.With("source_id", sourceID, "scan_id", scanID)

	source, err := o.store.GetSource(ctx, sourceID)
	if err != nil {
		return o.fail(ctx, logger, nil, scanID, fmt.Errorf("loading source: %w", err))
	}
	logger = logger.With("provider", source.Provider, "project_id", source.ProjectID)

	creds, err := o.resolver.Resolve(ctx, source.ConnectionID, actor)
	if err != nil {
		return o.fail(ctx, logger, source, scanID, fmt.Errorf("resolving connection: %w", err))
	}

	raw, err := o.scan(ctx, creds)
	if err != nil {
		return o.fail(ctx, logger, source, scanID, fmt.Errorf("scanning %s: %w", source.Provider, err))
	}
	for _, r := range raw {
		metrics.IdentitiesDiscovered.WithLabelValues(string(r.Provider), string(r.Type)).Inc()
	}

	owners, err := o.store.ListIdentityOwners(ctx, sourceID)
	if err != nil {
		return o.fail(ctx, logger, source, scanID, fmt.Errorf("loading identity owners: %w", err))
	}
	identities := BuildIdentities(source, raw, owners, o.now())

	if err := o.store.UpsertIdentities(ctx, identities); err != nil {
		return o.fail(ctx, logger, source, scanID, fmt.Errorf("upserting identities: %w", err))
	}

	found := len(identities)
	finished := o.now()
	o.finish(ctx, logger, func(ctx context.Context) {
		moved, err := o.store.FinishScan(ctx, scanID, models.ScanStatusCompleted, found, nil)
		if err != nil {
			logger.Error("completing scan", "error", err)
		} else if !moved {
			logger.Warn("scan already finished, leaving terminal status")
		}
		if err := o.store.UpdateSourceScanResult(ctx, sourceID, models.SourceScanUpdate{
			Status:          models.ScanStatusCompleted,
			ScannedAt:       &finished,
			IdentitiesFound: &found,
		}); err != nil {
			logger.Error("updating source scan result", "error", err)
		}
	})
	metrics.ScansTotal.WithLabelValues(string(source.Provider), string(models.ScanStatusCompleted)).Inc()
	metrics.ScanDuration.WithLabelValues(string(source.Provider)).Observe(finished.Sub(start).Seconds())
	logger.Info("scan completed", "identities", found, "duration", finished.Sub(start))

	outcome := &Outcome{ScanID: scanID, Status: models.ScanStatusCompleted, IdentitiesFound: found}

	if o.notifier != nil {
		if err := o.notifier.NotifyScanCompleted(ctx, source.ProjectID, source.Name, found); err != nil {
			logger.Warn("scan completion notification failed", "error", err)
		}
	}

	if o.policies != nil {
		summary, err := o.policies.Evaluate(ctx, source.ProjectID, scanID, sourceID, actor)
		if err != nil {
			logger.Error("policy evaluation failed", "error", err)
		}
		outcome.Policies = summary
	}
	return outcome
}

func (o *Orchestrator) scan(ctx context.Context, creds *connectors.Credentials) ([]connectors.RawIdentity, error) {
	if o.cfg.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.ScanTimeout)
		defer cancel()
	}
	return o.scanners.ScanProvider(ctx, creds)
}

// fail records err on the scan and, when known, the source.
func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, source *models.Source, scanID uuid.UUID, err error) *Outcome {
	msg := err.Error()
	logger.Error("scan failed", "error", err)

	provider := "unknown"
	if source != nil {
		provider = string(source.Provider)
	}
	o.finish(ctx, logger, func(ctx context.Context) {
		if _, ferr := o.store.FinishScan(ctx, scanID, models.ScanStatusFailed, 0, &msg); ferr != nil {
			logger.Error("marking scan failed", "error", ferr)
		}
		if source == nil {
			return
		}
		if uerr := o.store.UpdateSourceScanResult(ctx, source.ID, models.SourceScanUpdate{
			Status:  models.ScanStatusFailed,
			Message: &msg,
		}); uerr != nil {
			logger.Error("updating source scan result", "error", uerr)
		}
	})
	metrics.ScansTotal.WithLabelValues(provider, string(models.ScanStatusFailed)).Inc()
	return &Outcome{ScanID: scanID, Status: models.ScanStatusFailed, Message: msg}
}

// finish runs the terminal writes of a scan. They run on a context detached
// from ctx so a job that hit its deadline or was cancelled at shutdown still
// leaves the scan terminal.
func (o *Orchestrator) finish(ctx context.Context, logger *slog.Logger, write func(ctx context.Context)) {
	if ctx.Err() != nil {
		logger.Warn("job context done, recording outcome on a detached context", "error", ctx.Err())
	}
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.finishTimeout())
	defer cancel()
	write(finishCtx)
}

// BuildIdentities scores raw scanner output as of now. Existing owners are
// carried into scoring so NO_OWNER reflects stored ownership. Duplicate
// external ids keep the last occurrence.
func BuildIdentities(source *models.Source, raw []connectors.RawIdentity, owners map[string]*string, now time.Time) []models.Identity {
	index := make(map[string]int, len(raw))
	out := make([]models.Identity, 0, len(raw))
	for _, r := range raw {
		identity := models.Identity{
			ID:              uuid.New(),
			ProjectID:       source.ProjectID,
			SourceID:        source.ID,
			ExternalID:      r.ExternalID,
			Name:            r.Name,
			Type:            r.Type,
			Provider:        r.Provider,
			Metadata:        r.Metadata,
			Policies:        models.StringArray(r.Policies),
			KeyCreateDate:   r.KeyCreateDate,
			KeyLastUsedDate: r.KeyLastUsedDate,
			LastActivityAt:  r.LastActivityAt,
			Status:          models.IdentityStatusActive,
			OwnerEmail:      owners[r.ExternalID],
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if identity.Policies == nil {
			identity.Policies = models.StringArray{}
		}
		res := risk.Compute(risk.InputFor(&identity), now)
		identity.RiskScore = res.Score
		identity.RiskFactors = res.Factors

		if i, ok := index[r.ExternalID]; ok {
			out[i] = identity
			continue
		}
		index[r.ExternalID] = len(out)
		out = append(out, identity)
	}
	return out
}

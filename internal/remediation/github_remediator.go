package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/qualys/nhi/internal/connectors"
	"github.com/qualys/nhi/internal/connectors/github"
	"github.com/qualys/nhi/internal/models"
)

// GitHubRemediator implements remediation actions for GitHub identities
type GitHubRemediator struct {
	baseURL string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGitHubRemediator creates a GitHub remediator. baseURL is used when the
// connection does not carry its own.
func NewGitHubRemediator(baseURL string, timeout time.Duration, logger *slog.Logger) *GitHubRemediator {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHubRemediator{baseURL: baseURL, timeout: timeout, logger: logger}
}

func (r *GitHubRemediator) client(creds *connectors.GitHubCredentials) *github.Client {
	baseURL := creds.BaseURL
	if baseURL == "" {
		baseURL = r.baseURL
	}
	return github.NewClient(github.ClientConfig{BaseURL: baseURL, Token: creds.Token, Timeout: r.timeout})
}

// Execute executes a remediation action
func (r *GitHubRemediator) Execute(ctx context.Context, creds *connectors.Credentials, actionType models.RemediationActionType,
	metadata models.IdentityMetadata, externalID string) (*ExecuteResult, error) {
	meta := metadata.GitHub
	if meta == nil {
		meta = &models.GitHubMetadata{}
	}

	switch actionType {
	case models.ActionDeleteDeployKey, models.ActionRevokeFinegrainedPat, models.ActionSuspendAppInstallation:
	default:
		return failed(fmt.Sprintf("unsupported action type for github: %s", actionType)), nil
	}
	if creds == nil || creds.GitHub == nil || creds.GitHub.Token == "" {
		return nil, &connectors.ConnectionError{Provider: "github", Reason: "missing github token"}
	}
	client := r.client(creds.GitHub)

	switch actionType {
	case models.ActionDeleteDeployKey:
		if meta.RepoFullName == "" || meta.KeyID == 0 {
			return failed("repository and deploy key id are required"), nil
		}
		details := map[string]interface{}{"repo_full_name": meta.RepoFullName, "key_id": meta.KeyID}
		err := client.DeleteDeployKey(ctx, meta.RepoFullName, meta.KeyID)
		switch {
		case errors.Is(err, github.ErrGone):
			r.logger.Info("deploy key already removed", "repo", meta.RepoFullName, "key_id", meta.KeyID)
			return alreadyRemoved(fmt.Sprintf("Deploy key %d was already removed from %s", meta.KeyID, meta.RepoFullName), details), nil
		case err != nil:
			return nil, fmt.Errorf("deleting deploy key %d: %w", meta.KeyID, err)
		}
		r.logger.Info("deploy key deleted", "repo", meta.RepoFullName, "key_id", meta.KeyID)
		return &ExecuteResult{
			Success: true,
			Message: fmt.Sprintf("Deploy key %d deleted from %s", meta.KeyID, meta.RepoFullName),
			Details: details,
		}, nil

	case models.ActionRevokeFinegrainedPat:
		org, patID, err := github.ParsePATExternalID(externalID)
		if err != nil {
			return failed(err.Error()), nil
		}
		details := map[string]interface{}{"org": org, "pat_id": patID}
		err = client.RevokeFineGrainedPAT(ctx, org, patID)
		switch {
		case errors.Is(err, github.ErrGone):
			r.logger.Info("fine-grained token already revoked", "org", org, "pat_id", patID)
			return alreadyRemoved(fmt.Sprintf("Fine-grained token %d was already revoked for %s", patID, org), details), nil
		case err != nil:
			return nil, fmt.Errorf("revoking token %d: %w", patID, err)
		}
		r.logger.Info("fine-grained token revoked", "org", org, "pat_id", patID)
		return &ExecuteResult{
			Success: true,
			Message: fmt.Sprintf("Fine-grained token %d revoked for %s", patID, org),
			Details: details,
		}, nil

	default:
		installationID, err := github.ParseInstallationExternalID(externalID)
		if err != nil {
			return failed(err.Error()), nil
		}
		if err := client.SuspendInstallation(ctx, installationID); err != nil {
			return nil, fmt.Errorf("suspending installation %d: %w", installationID, err)
		}
		r.logger.Info("app installation suspended", "installation_id", installationID)
		return &ExecuteResult{
			Success: true,
			Message: fmt.Sprintf("App installation %d suspended", installationID),
			Details: map[string]interface{}{"installation_id": installationID},
		}, nil
	}
}

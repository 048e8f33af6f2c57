package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qualys/nhi/internal/connectors"
	"github.com/qualys/nhi/internal/models"
)

const defaultBatchSize = 10

// External id prefixes. Remediation parses ids back out of these.
const (
	InstallationIDPrefix = "github-app-installation:"
	DeployKeyIDPrefix    = "github-deploy-key:"
	PATIDPrefix          = "github-pat:"
)

type ScannerConfig struct {
	// BaseURL is used when the connection does not carry its own.
	BaseURL string
	// BatchSize bounds concurrent deploy-key fetches.
	BatchSize  int
	APITimeout time.Duration
}

// Scanner discovers app installations, deploy keys and fine-grained PATs of
// a GitHub organisation.
type Scanner struct {
	cfg    ScannerConfig
	logger *slog.Logger
}

func NewScanner(cfg ScannerConfig, logger *slog.Logger) *Scanner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{cfg: cfg, logger: logger}
}

func (s *Scanner) Provider() models.Provider {
	return models.ProviderGitHub
}

// ClientFor builds a REST client for creds.
func (s *Scanner) ClientFor(creds *connectors.GitHubCredentials) *Client {
	baseURL := creds.BaseURL
	if baseURL == "" {
		baseURL = s.cfg.BaseURL
	}
	return NewClient(ClientConfig{BaseURL: baseURL, Token: creds.Token, Timeout: s.cfg.APITimeout})
}

// Scan runs the three sub-scans concurrently. A failing sub-scan contributes
// nothing but does not stop the others; only connection errors abort.
func (s *Scanner) Scan(ctx context.Context, creds *connectors.Credentials) ([]connectors.RawIdentity, error) {
	if creds == nil || creds.GitHub == nil || creds.GitHub.Token == "" {
		return nil, &connectors.ConnectionError{Provider: "github", Reason: "missing github token"}
	}
	if creds.GitHub.Org == "" {
		return nil, &connectors.ConnectionError{Provider: "github", Reason: "missing github organization"}
	}
	client := s.ClientFor(creds.GitHub)
	org := creds.GitHub.Org

	type subScan struct {
		name string
		run  func(context.Context, *Client, string) ([]connectors.RawIdentity, error)
	}
	subs := []subScan{
		{"app_installations", s.scanInstallations},
		{"deploy_keys", s.scanDeployKeys},
		{"finegrained_pats", s.scanPATs},
	}

	results := make([][]connectors.RawIdentity, len(subs))
	errs := make([]error, len(subs))
	var g errgroup.Group
	for i, sub := range subs {
		g.Go(func() error {
			ids, err := sub.run(ctx, client, org)
			switch {
			case err == nil:
				results[i] = ids
			case errors.Is(err, connectors.ErrFeatureUnavailable):
				s.logger.Info("github feature unavailable", "org", org, "sub_scan", sub.name)
			default:
				s.logger.Error("github sub-scan failed", "org", org, "sub_scan", sub.name, "error", err)
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if connectors.IsConnectionError(err) {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("scanning github: %w", err)
	}

	var identities []connectors.RawIdentity
	for _, ids := range results {
		identities = append(identities, ids...)
	}
	s.logger.Info("github scan finished", "org", org, "identities", len(identities))
	return identities, nil
}

func (s *Scanner) scanInstallations(ctx context.Context, client *Client, org string) ([]connectors.RawIdentity, error) {
	installations, err := client.ListInstallations(ctx, org)
	if err != nil {
		return nil, err
	}

	out := make([]connectors.RawIdentity, 0, len(installations))
	for _, inst := range installations {
		out = append(out, connectors.RawIdentity{
			ExternalID: InstallationIDPrefix + strconv.FormatInt(inst.ID, 10),
			Name:       inst.AppSlug,
			Type:       models.IdentityTypeGitHubAppInstallation,
			Provider:   models.ProviderGitHub,
			Metadata: models.IdentityMetadata{GitHub: &models.GitHubMetadata{
				Org:                 org,
				InstallationID:      inst.ID,
				AppSlug:             inst.AppSlug,
				RepositorySelection: inst.RepositorySelection,
				Permissions:         inst.Permissions,
				Suspended:           inst.SuspendedAt != nil,
			}},
			Policies:        permissionStrings(inst.Permissions),
			KeyCreateDate:   inst.CreatedAt,
			KeyLastUsedDate: inst.UpdatedAt,
			LastActivityAt:  inst.UpdatedAt,
		})
	}
	return out, nil
}

// scanDeployKeys fetches keys BatchSize repositories at a time. A repository
// whose keys cannot be read is skipped.
func (s *Scanner) scanDeployKeys(ctx context.Context, client *Client, org string) ([]connectors.RawIdentity, error) {
	repos, err := client.ListOrgRepos(ctx, org)
	if err != nil {
		return nil, err
	}

	var out []connectors.RawIdentity
	for start := 0; start < len(repos); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(repos))
		batch := repos[start:end]
		keys := make([][]DeployKey, len(batch))

		var g errgroup.Group
		for i, repo := range batch {
			g.Go(func() error {
				k, err := client.ListDeployKeys(ctx, repo.FullName)
				if err != nil {
					if !errors.Is(err, connectors.ErrFeatureUnavailable) {
						s.logger.Warn("listing deploy keys", "repo", repo.FullName, "error", err)
					}
					return nil
				}
				keys[i] = k
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for i, repo := range batch {
			for _, key := range keys[i] {
				out = append(out, deployKeyIdentity(org, repo.FullName, key))
			}
		}
	}
	return out, nil
}

func deployKeyIdentity(org, repoFullName string, key DeployKey) connectors.RawIdentity {
	access := "contents:read"
	if !key.ReadOnly {
		access = "contents:write"
	}
	readOnly := key.ReadOnly
	return connectors.RawIdentity{
		ExternalID: fmt.Sprintf("%s%s:%d", DeployKeyIDPrefix, repoFullName, key.ID),
		Name:       fmt.Sprintf("%s (%s)", key.Title, repoFullName),
		Type:       models.IdentityTypeGitHubDeployKey,
		Provider:   models.ProviderGitHub,
		Metadata: models.IdentityMetadata{GitHub: &models.GitHubMetadata{
			Org:          org,
			RepoFullName: repoFullName,
			KeyID:        key.ID,
			Title:        key.Title,
			ReadOnly:     &readOnly,
		}},
		Policies:        []string{access},
		KeyCreateDate:   key.CreatedAt,
		KeyLastUsedDate: key.LastUsed,
		LastActivityAt:  key.LastUsed,
	}
}

func (s *Scanner) scanPATs(ctx context.Context, client *Client, org string) ([]connectors.RawIdentity, error) {
	pats, err := client.ListFineGrainedPATs(ctx, org)
	if err != nil {
		return nil, err
	}

	out := make([]connectors.RawIdentity, 0, len(pats))
	for _, pat := range pats {
		perms := make(map[string]string, len(pat.Permissions.Organization)+len(pat.Permissions.Repository))
		for k, v := range pat.Permissions.Repository {
			perms[k] = v
		}
		for k, v := range pat.Permissions.Organization {
			perms[k] = v
		}
		out = append(out, connectors.RawIdentity{
			ExternalID: fmt.Sprintf("%s%s:%d", PATIDPrefix, org, pat.ID),
			Name:       fmt.Sprintf("%s PAT %d", pat.Owner.Login, pat.ID),
			Type:       models.IdentityTypeGitHubFinegrainedPAT,
			Provider:   models.ProviderGitHub,
			Metadata: models.IdentityMetadata{GitHub: &models.GitHubMetadata{
				Org:                 org,
				PatID:               pat.ID,
				OwnerLogin:          pat.Owner.Login,
				RepositorySelection: pat.RepositorySelection,
				Permissions:         perms,
				TokenExpiresAt:      pat.TokenExpiresAt,
			}},
			Policies:        permissionStrings(perms),
			KeyCreateDate:   pat.AccessGrantedAt,
			KeyLastUsedDate: pat.TokenLastUsedAt,
			LastActivityAt:  pat.TokenLastUsedAt,
		})
	}
	return out, nil
}

// permissionStrings renders a permission map as sorted "<name>:<level>" strings.
func permissionStrings(perms map[string]string) []string {
	out := make([]string, 0, len(perms))
	for name, level := range perms {
		out = append(out, name+":"+level)
	}
	sort.Strings(out)
	return out
}

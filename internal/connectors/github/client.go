package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/qualys/nhi/internal/connectors"
)

const (
	DefaultBaseURL = "https://api.github.com"
	perPage        = 100
)

// Client is a minimal GitHub REST client for organisation-level identities.
type Client struct {
	http *resty.Client
}

type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

func NewClient(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetAuthToken(cfg.Token).
		SetHeader("Accept", "application/vnd.github+json").
		SetHeader("X-GitHub-Api-Version", "2022-11-28").
		SetTimeout(timeout)
	return &Client{http: rc}
}

type Account struct {
	Login string `json:"login"`
}

type Installation struct {
	ID                  int64             `json:"id"`
	AppID               int64             `json:"app_id"`
	AppSlug             string            `json:"app_slug"`
	Account             Account           `json:"account"`
	RepositorySelection string            `json:"repository_selection"`
	Permissions         map[string]string `json:"permissions"`
	CreatedAt           *time.Time        `json:"created_at"`
	UpdatedAt           *time.Time        `json:"updated_at"`
	SuspendedAt         *time.Time        `json:"suspended_at"`
}

type Repository struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	FullName string  `json:"full_name"`
	Owner    Account `json:"owner"`
	Archived bool    `json:"archived"`
}

type DeployKey struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	ReadOnly  bool       `json:"read_only"`
	Verified  bool       `json:"verified"`
	CreatedAt *time.Time `json:"created_at"`
	LastUsed  *time.Time `json:"last_used"`
}

type PATPermissions struct {
	Organization map[string]string `json:"organization"`
	Repository   map[string]string `json:"repository"`
}

type FineGrainedPAT struct {
	ID                  int64          `json:"id"`
	Owner               Account        `json:"owner"`
	RepositorySelection string         `json:"repository_selection"`
	Permissions         PATPermissions `json:"permissions"`
	AccessGrantedAt     *time.Time     `json:"access_granted_at"`
	TokenExpired        bool           `json:"token_expired"`
	TokenExpiresAt      *time.Time     `json:"token_expires_at"`
	TokenLastUsedAt     *time.Time     `json:"token_last_used_at"`
}

type installationsPage struct {
	TotalCount    int            `json:"total_count"`
	Installations []Installation `json:"installations"`
}

// ErrGone is returned by mutating calls whose target no longer exists.
var ErrGone = errors.New("resource no longer exists")

type githubError struct {
	Message string `json:"message"`
}

// ListInstallations returns the GitHub Apps installed on org.
func (c *Client) ListInstallations(ctx context.Context, org string) ([]Installation, error) {
	var all []Installation
	for page := 1; ; page++ {
		var out installationsPage
		err := c.get(ctx, "ListInstallations", "/orgs/{org}/installations",
			map[string]string{"org": org}, page, &out)
		if err != nil {
			return nil, err
		}
		all = append(all, out.Installations...)
		if len(out.Installations) < perPage {
			return all, nil
		}
	}
}

// ListOrgRepos returns every repository of org.
func (c *Client) ListOrgRepos(ctx context.Context, org string) ([]Repository, error) {
	var all []Repository
	for page := 1; ; page++ {
		var out []Repository
		err := c.get(ctx, "ListOrgRepos", "/orgs/{org}/repos",
			map[string]string{"org": org}, page, &out)
		if err != nil {
			return nil, err
		}
		all = append(all, out...)
		if len(out) < perPage {
			return all, nil
		}
	}
}

// ListDeployKeys returns the deploy keys of a repository given as owner/name.
func (c *Client) ListDeployKeys(ctx context.Context, repoFullName string) ([]DeployKey, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}
	var all []DeployKey
	for page := 1; ; page++ {
		var out []DeployKey
		err := c.get(ctx, "ListDeployKeys", "/repos/{owner}/{repo}/keys",
			map[string]string{"owner": owner, "repo": repo}, page, &out)
		if err != nil {
			return nil, err
		}
		all = append(all, out...)
		if len(out) < perPage {
			return all, nil
		}
	}
}

// ListFineGrainedPATs returns the fine-grained tokens approved for org.
func (c *Client) ListFineGrainedPATs(ctx context.Context, org string) ([]FineGrainedPAT, error) {
	var all []FineGrainedPAT
	for page := 1; ; page++ {
		var out []FineGrainedPAT
		err := c.get(ctx, "ListFineGrainedPATs", "/orgs/{org}/personal-access-tokens",
			map[string]string{"org": org}, page, &out)
		if err != nil {
			return nil, err
		}
		all = append(all, out...)
		if len(out) < perPage {
			return all, nil
		}
	}
}

func (c *Client) DeleteDeployKey(ctx context.Context, repoFullName string, keyID int64) error {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"owner": owner, "repo": repo, "key_id": strconv.FormatInt(keyID, 10)}).
		SetError(&githubError{}).
		Delete("/repos/{owner}/{repo}/keys/{key_id}")
	return checkMutation("DeleteDeployKey", resp, err)
}

func (c *Client) RevokeFineGrainedPAT(ctx context.Context, org string, patID int64) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"org": org, "pat_id": strconv.FormatInt(patID, 10)}).
		SetBody(map[string]string{"action": "revoke"}).
		SetError(&githubError{}).
		Post("/orgs/{org}/personal-access-tokens/{pat_id}")
	return checkMutation("RevokeFineGrainedPAT", resp, err)
}

func (c *Client) SuspendInstallation(ctx context.Context, installationID int64) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"installation_id": strconv.FormatInt(installationID, 10)}).
		SetError(&githubError{}).
		Put("/app/installations/{installation_id}/suspended")
	return checkMutation("SuspendInstallation", resp, err)
}

func (c *Client) get(ctx context.Context, op, path string, params map[string]string, page int, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(params).
		SetQueryParams(map[string]string{
			"per_page": strconv.Itoa(perPage),
			"page":     strconv.Itoa(page),
		}).
		SetResult(out).
		SetError(&githubError{}).
		Get(path)
	return checkResponse(op, resp, err)
}

// checkResponse maps transport failures and error statuses of list calls
// onto the connectors error taxonomy. 403 and 404 mean the endpoint is not
// available to the organisation.
func checkResponse(op string, resp *resty.Response, err error) error {
	if err != nil || !resp.IsError() {
		return responseError(op, resp, err)
	}
	if code := resp.StatusCode(); connectors.Unavailable(code) {
		return fmt.Errorf("%s: %w (status %d: %s)", op, connectors.ErrFeatureUnavailable, code, errorMessage(resp))
	}
	return responseError(op, resp, nil)
}

// checkMutation is checkResponse for calls that change state. A 404 means the
// target is already gone and wraps ErrGone.
func checkMutation(op string, resp *resty.Response, err error) error {
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%s: %w (%s)", op, ErrGone, errorMessage(resp))
	}
	return responseError(op, resp, err)
}

func responseError(op string, resp *resty.Response, err error) error {
	if err != nil {
		return &connectors.APIError{Provider: "github", Operation: op, Message: err.Error(), Err: err}
	}
	if !resp.IsError() {
		return nil
	}
	msg := errorMessage(resp)
	if code := resp.StatusCode(); code == http.StatusUnauthorized {
		return &connectors.ConnectionError{Provider: "github", Reason: "token rejected", Err: errors.New(msg)}
	}
	return &connectors.APIError{Provider: "github", Operation: op, StatusCode: resp.StatusCode(), Message: msg}
}

func errorMessage(resp *resty.Response) string {
	if ge, ok := resp.Error().(*githubError); ok && ge.Message != "" {
		return ge.Message
	}
	return strings.TrimSpace(string(resp.Body()))
}

func splitRepo(fullName string) (string, string, error) {
	owner, repo, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", fmt.Errorf("invalid repository name %q", fullName)
	}
	return owner, repo, nil
}

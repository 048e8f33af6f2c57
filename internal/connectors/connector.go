package connectors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/nhi/internal/models"
)

// ErrFeatureUnavailable is returned when a provider endpoint is not enabled
// for the connected account (for example a 403/404 on an optional GitHub API).
var ErrFeatureUnavailable = errors.New("feature unavailable")

// Scanner discovers the non-human identities of one provider account.
type Scanner interface {
	// Provider returns the provider this scanner handles
	Provider() models.Provider

	// Scan lists every identity reachable with creds. Connection and auth
	// failures abort the scan; per-item failures are logged and skipped.
	Scan(ctx context.Context, creds *Credentials) ([]RawIdentity, error)
}

// RawIdentity is normalized scanner output. It is never persisted as-is.
type RawIdentity struct {
	ExternalID      string
	Name            string
	Type            models.IdentityType
	Provider        models.Provider
	Metadata        models.IdentityMetadata
	Policies        []string
	KeyCreateDate   *time.Time
	KeyLastUsedDate *time.Time
	LastActivityAt  *time.Time
}

// Credentials is the decrypted connection material for one provider.
type Credentials struct {
	Provider models.Provider
	AWS      *AWSCredentials
	GitHub   *GitHubCredentials
}

type AWSCredentials struct {
	Region          string `json:"region"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty"`
	AssumeRoleARN   string `json:"assume_role_arn,omitempty"`
	ExternalID      string `json:"external_id,omitempty"`
}

type GitHubCredentials struct {
	Token   string `json:"token"`
	Org     string `json:"org"`
	BaseURL string `json:"base_url,omitempty"`
}

// CredentialResolver loads and decrypts the credentials of a stored
// connection on behalf of actor.
type CredentialResolver interface {
	Resolve(ctx context.Context, connectionID uuid.UUID, actor models.Actor) (*Credentials, error)
}

// Registry maps providers to their scanners.
type Registry struct {
	scanners map[models.Provider]Scanner
}

func NewRegistry(scanners ...Scanner) *Registry {
	r := &Registry{scanners: make(map[models.Provider]Scanner)}
	for _, s := range scanners {
		r.Register(s)
	}
	return r
}

func (r *Registry) Register(s Scanner) {
	r.scanners[s.Provider()] = s
}

// Get returns the scanner for provider, or an error if none is registered.
func (r *Registry) Get(provider models.Provider) (Scanner, error) {
	s, ok := r.scanners[provider]
	if !ok {
		return nil, fmt.Errorf("no scanner registered for provider %q", provider)
	}
	return s, nil
}

// Providers returns the registered providers in sorted order.
func (r *Registry) Providers() []models.Provider {
	out := make([]models.Provider, 0, len(r.scanners))
	for p := range r.scanners {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ScanProvider runs the registered scanner for creds.Provider.
func (r *Registry) ScanProvider(ctx context.Context, creds *Credentials) ([]RawIdentity, error) {
	if creds == nil {
		return nil, &ConnectionError{Reason: "no credentials"}
	}
	s, err := r.Get(creds.Provider)
	if err != nil {
		return nil, err
	}
	return s.Scan(ctx, creds)
}

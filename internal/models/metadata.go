package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// IdentityMetadata carries provider-specific attributes. Exactly one of the
// variants is set, matching the identity's provider.
type IdentityMetadata struct {
	AWS    *AWSMetadata    `json:"aws,omitempty"`
	GitHub *GitHubMetadata `json:"github,omitempty"`
}

type AWSMetadata struct {
	Arn              string           `json:"arn,omitempty"`
	UserName         string           `json:"user_name,omitempty"`
	RoleName         string           `json:"role_name,omitempty"`
	AccessKeyID      string           `json:"access_key_id,omitempty"`
	KeyStatus        string           `json:"key_status,omitempty"`
	AttachedPolicies []AttachedPolicy `json:"attached_policies,omitempty"`
	AccessKeys       []AccessKeyInfo  `json:"access_keys,omitempty"`
	// TrustPolicy holds the decoded assume-role document, or the raw string
	// when it could not be parsed.
	TrustPolicy      any        `json:"trust_policy,omitempty"`
	PasswordLastUsed *time.Time `json:"password_last_used,omitempty"`
	LastUsedService  string     `json:"last_used_service,omitempty"`
	LastUsedRegion   string     `json:"last_used_region,omitempty"`
}

type AttachedPolicy struct {
	PolicyName string `json:"policy_name"`
	PolicyArn  string `json:"policy_arn"`
}

type AccessKeyInfo struct {
	AccessKeyID string     `json:"access_key_id"`
	Status      string     `json:"status"`
	CreateDate  *time.Time `json:"create_date,omitempty"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
}

type GitHubMetadata struct {
	Org                 string            `json:"org,omitempty"`
	RepoFullName        string            `json:"repo_full_name,omitempty"`
	KeyID               int64             `json:"key_id,omitempty"`
	Title               string            `json:"title,omitempty"`
	ReadOnly            *bool             `json:"read_only,omitempty"`
	InstallationID      int64             `json:"installation_id,omitempty"`
	AppSlug             string            `json:"app_slug,omitempty"`
	RepositorySelection string            `json:"repository_selection,omitempty"`
	Permissions         map[string]string `json:"permissions,omitempty"`
	TokenExpiresAt      *time.Time        `json:"token_expires_at,omitempty"`
	PatID               int64             `json:"pat_id,omitempty"`
	OwnerLogin          string            `json:"owner_login,omitempty"`
	Suspended           bool              `json:"suspended,omitempty"`
	Deleted             bool              `json:"deleted,omitempty"`
	Revoked             bool              `json:"revoked,omitempty"`
}

// Clone returns a deep copy suitable for building a post-remediation working copy.
func (m IdentityMetadata) Clone() IdentityMetadata {
	var out IdentityMetadata
	if m.AWS != nil {
		a := *m.AWS
		a.AttachedPolicies = append([]AttachedPolicy(nil), m.AWS.AttachedPolicies...)
		a.AccessKeys = append([]AccessKeyInfo(nil), m.AWS.AccessKeys...)
		out.AWS = &a
	}
	if m.GitHub != nil {
		g := *m.GitHub
		if m.GitHub.Permissions != nil {
			g.Permissions = make(map[string]string, len(m.GitHub.Permissions))
			for k, v := range m.GitHub.Permissions {
				g.Permissions[k] = v
			}
		}
		out.GitHub = &g
	}
	return out
}

// CredentialRemoved reports whether the credential was deleted or revoked at
// the provider.
func (m IdentityMetadata) CredentialRemoved() bool {
	if gh := m.GitHub; gh != nil && (gh.Deleted || gh.Revoked) {
		return true
	}
	return m.AWS != nil && m.AWS.KeyStatus == "Deleted"
}

func (m IdentityMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *IdentityMetadata) Scan(value interface{}) error {
	if value == nil {
		*m = IdentityMetadata{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, m)
}

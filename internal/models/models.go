package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned by persistence lookups for missing rows.
var ErrNotFound = errors.New("not found")

// StringArray is an alias for pq.StringArray to handle PostgreSQL arrays
type StringArray = pq.StringArray

type Provider string

const (
	ProviderAWS    Provider = "aws"
	ProviderGitHub Provider = "github"
)

type IdentityType string

const (
	IdentityTypeIAMUser               IdentityType = "iam_user"
	IdentityTypeIAMRole               IdentityType = "iam_role"
	IdentityTypeIAMAccessKey          IdentityType = "iam_access_key"
	IdentityTypeGitHubAppInstallation IdentityType = "github_app_installation"
	IdentityTypeGitHubDeployKey       IdentityType = "github_deploy_key"
	IdentityTypeGitHubFinegrainedPAT  IdentityType = "github_finegrained_pat"
)

type IdentityStatus string

const (
	IdentityStatusActive   IdentityStatus = "active"
	IdentityStatusInactive IdentityStatus = "inactive"
	IdentityStatusFlagged  IdentityStatus = "flagged"
)

func (s IdentityStatus) Valid() bool {
	switch s {
	case IdentityStatusActive, IdentityStatusInactive, IdentityStatusFlagged:
		return true
	}
	return false
}

type ScanStatus string

const (
	ScanStatusScanning  ScanStatus = "scanning"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// RiskFactor is one named contribution to an identity's risk score.
type RiskFactor struct {
	Factor      string   `json:"factor"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// RiskFactors keeps evaluation order; it is stored as a JSON array.
type RiskFactors []RiskFactor

func (f RiskFactors) Has(name string) bool {
	for _, rf := range f {
		if rf.Factor == name {
			return true
		}
	}
	return false
}

func (f RiskFactors) Names() []string {
	names := make([]string, len(f))
	for i, rf := range f {
		names[i] = rf.Factor
	}
	return names
}

func (f RiskFactors) Value() (driver.Value, error) {
	if f == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(f)
}

func (f *RiskFactors) Scan(value interface{}) error {
	if value == nil {
		*f = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, f)
}

// Source is a configured scan target: one provider connection inside a project.
type Source struct {
	ID                  uuid.UUID    `json:"id" db:"id"`
	ProjectID           string       `json:"project_id" db:"project_id"`
	OrgID               string       `json:"org_id" db:"org_id"`
	Name                string       `json:"name" db:"name"`
	Provider            Provider     `json:"provider" db:"provider"`
	ConnectionID        uuid.UUID    `json:"connection_id" db:"connection_id"`
	Config              JSONB        `json:"config,omitempty" db:"config"`
	ScanSchedule        ScanSchedule `json:"scan_schedule" db:"scan_schedule"`
	LastScanStatus      *ScanStatus  `json:"last_scan_status,omitempty" db:"last_scan_status"`
	LastScanMessage     *string      `json:"last_scan_message,omitempty" db:"last_scan_message"`
	LastScannedAt       *time.Time   `json:"last_scanned_at,omitempty" db:"last_scanned_at"`
	LastScheduledScanAt *time.Time   `json:"last_scheduled_scan_at,omitempty" db:"last_scheduled_scan_at"`
	LastIdentitiesFound int          `json:"last_identities_found" db:"last_identities_found"`
	CreatedBy           string       `json:"created_by" db:"created_by"`
	CreatedAt           time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at" db:"updated_at"`
}

// Identity is a persisted non-human identity, unique on (SourceID, ExternalID).
type Identity struct {
	ID                    uuid.UUID        `json:"id" db:"id"`
	ProjectID             string           `json:"project_id" db:"project_id"`
	SourceID              uuid.UUID        `json:"source_id" db:"source_id"`
	ExternalID            string           `json:"external_id" db:"external_id"`
	Name                  string           `json:"name" db:"name"`
	Type                  IdentityType     `json:"type" db:"type"`
	Provider              Provider         `json:"provider" db:"provider"`
	Metadata              IdentityMetadata `json:"metadata" db:"metadata"`
	Policies              StringArray      `json:"policies" db:"policies"`
	KeyCreateDate         *time.Time       `json:"key_create_date,omitempty" db:"key_create_date"`
	KeyLastUsedDate       *time.Time       `json:"key_last_used_date,omitempty" db:"key_last_used_date"`
	LastActivityAt        *time.Time       `json:"last_activity_at,omitempty" db:"last_activity_at"`
	RiskScore             int              `json:"risk_score" db:"risk_score"`
	RiskFactors           RiskFactors      `json:"risk_factors" db:"risk_factors"`
	Status                IdentityStatus   `json:"status" db:"status"`
	OwnerEmail            *string          `json:"owner_email,omitempty" db:"owner_email"`
	RiskAcceptedAt        *time.Time       `json:"risk_accepted_at,omitempty" db:"risk_accepted_at"`
	RiskAcceptedBy        *string          `json:"risk_accepted_by,omitempty" db:"risk_accepted_by"`
	RiskAcceptedReason    *string          `json:"risk_accepted_reason,omitempty" db:"risk_accepted_reason"`
	RiskAcceptedExpiresAt *time.Time       `json:"risk_accepted_expires_at,omitempty" db:"risk_accepted_expires_at"`
	CreatedAt             time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at" db:"updated_at"`
}

// RiskAccepted reports whether a risk acceptance is recorded and not expired at now.
func (i *Identity) RiskAccepted(now time.Time) bool {
	if i.RiskAcceptedAt == nil {
		return false
	}
	return i.RiskAcceptedExpiresAt == nil || i.RiskAcceptedExpiresAt.After(now)
}

// Scan is one run of a source. Status leaves "scanning" exactly once.
type Scan struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	SourceID        uuid.UUID  `json:"source_id" db:"source_id"`
	ProjectID       string     `json:"project_id" db:"project_id"`
	Status          ScanStatus `json:"status" db:"status"`
	IdentitiesFound int        `json:"identities_found" db:"identities_found"`
	StatusMessage   *string    `json:"status_message,omitempty" db:"status_message"`
	TriggeredBy     string     `json:"triggered_by" db:"triggered_by"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

type PolicyAction string

const (
	PolicyActionFlag             PolicyAction = "flag"
	PolicyActionRemediate        PolicyAction = "remediate"
	PolicyActionRemediateAndFlag PolicyAction = "remediate_and_flag"
)

// Policy matches identities on a fixed set of conditions and flags and/or remediates them.
type Policy struct {
	ID                     uuid.UUID              `json:"id" db:"id"`
	ProjectID              string                 `json:"project_id" db:"project_id"`
	Name                   string                 `json:"name" db:"name"`
	Description            *string                `json:"description,omitempty" db:"description"`
	IsEnabled              bool                   `json:"is_enabled" db:"is_enabled"`
	ConditionRiskFactors   StringArray            `json:"condition_risk_factors" db:"condition_risk_factors"`
	ConditionMinRiskScore  *int                   `json:"condition_min_risk_score,omitempty" db:"condition_min_risk_score"`
	ConditionIdentityTypes StringArray            `json:"condition_identity_types" db:"condition_identity_types"`
	ConditionProviders     StringArray            `json:"condition_providers" db:"condition_providers"`
	ActionRemediate        *RemediationActionType `json:"action_remediate,omitempty" db:"action_remediate"`
	ActionFlag             bool                   `json:"action_flag" db:"action_flag"`
	LastTriggeredAt        *time.Time             `json:"last_triggered_at,omitempty" db:"last_triggered_at"`
	CreatedAt              time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time              `json:"updated_at" db:"updated_at"`
}

// ActionTaken reports which actions the policy is configured to take.
func (p *Policy) ActionTaken() PolicyAction {
	remediate := p.ActionRemediate != nil && *p.ActionRemediate != ""
	switch {
	case remediate && p.ActionFlag:
		return PolicyActionRemediateAndFlag
	case remediate:
		return PolicyActionRemediate
	default:
		return PolicyActionFlag
	}
}

type ExecutionStatus string

const (
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// PolicyExecution is an append-only audit row, at most one per (policy, identity, scan).
type PolicyExecution struct {
	ID                  uuid.UUID       `json:"id" db:"id"`
	ProjectID           string          `json:"project_id" db:"project_id"`
	PolicyID            uuid.UUID       `json:"policy_id" db:"policy_id"`
	IdentityID          uuid.UUID       `json:"identity_id" db:"identity_id"`
	ScanID              uuid.UUID       `json:"scan_id" db:"scan_id"`
	ActionTaken         PolicyAction    `json:"action_taken" db:"action_taken"`
	RemediationActionID *uuid.UUID      `json:"remediation_action_id,omitempty" db:"remediation_action_id"`
	Status              ExecutionStatus `json:"status" db:"status"`
	StatusMessage       *string         `json:"status_message,omitempty" db:"status_message"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
}

// PolicyExecutionView is a PolicyExecution joined with display names.
type PolicyExecutionView struct {
	PolicyExecution
	PolicyName   *string `json:"policy_name,omitempty" db:"policy_name"`
	IdentityName *string `json:"identity_name,omitempty" db:"identity_name"`
}

// RemediationAction records one attempt to remediate an identity.
type RemediationAction struct {
	ID             uuid.UUID             `json:"id" db:"id"`
	ProjectID      string                `json:"project_id" db:"project_id"`
	IdentityID     uuid.UUID             `json:"identity_id" db:"identity_id"`
	SourceID       uuid.UUID             `json:"source_id" db:"source_id"`
	ActionType     RemediationActionType `json:"action_type" db:"action_type"`
	Status         RemediationStatus     `json:"status" db:"status"`
	TriggeredBy    string                `json:"triggered_by" db:"triggered_by"`
	RiskFactor     *string               `json:"risk_factor,omitempty" db:"risk_factor"`
	StatusMessage  *string               `json:"status_message,omitempty" db:"status_message"`
	ResultMetadata JSONB                 `json:"result_metadata,omitempty" db:"result_metadata"`
	CreatedAt      time.Time             `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at" db:"updated_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty" db:"completed_at"`
}

// Stats summarises the identities of a project.
type Stats struct {
	Total             int     `json:"total" db:"total"`
	CriticalCount     int     `json:"critical_count" db:"critical_count"`
	HighCount         int     `json:"high_count" db:"high_count"`
	MediumCount       int     `json:"medium_count" db:"medium_count"`
	LowCount          int     `json:"low_count" db:"low_count"`
	UnownedCount      int     `json:"unowned_count" db:"unowned_count"`
	RiskAcceptedCount int     `json:"risk_accepted_count" db:"risk_accepted_count"`
	AvgRiskScore      float64 `json:"avg_risk_score" db:"avg_risk_score"`
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// SourceScanUpdate is the result of a scan written back onto its source. Nil
// fields are left unchanged.
type SourceScanUpdate struct {
	Status          ScanStatus
	Message         *string
	ScannedAt       *time.Time
	IdentitiesFound *int
}

// Connection holds sealed provider credentials owned by an organisation.
type Connection struct {
	ID        uuid.UUID `json:"id" db:"id"`
	OrgID     string    `json:"org_id" db:"org_id"`
	Provider  Provider  `json:"provider" db:"provider"`
	Name      string    `json:"name" db:"name"`
	Sealed    []byte    `json:"-" db:"sealed_credentials"`
	CreatedBy string    `json:"created_by" db:"created_by"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IdentityFilter narrows identity listings. Zero values do not filter.
type IdentityFilter struct {
	SourceID  *uuid.UUID
	Provider  Provider
	Type      IdentityType
	Status    IdentityStatus
	RiskLevel Severity
	HasOwner  *bool
	Search    string
	Limit     int
	Offset    int
}

// NotificationSettings selects the NHI events a project is notified about and
// the Slack channels they go to. Channels are comma separated; empty means the
// configured default channel.
type NotificationSettings struct {
	ProjectID                  string    `json:"project_id" db:"project_id"`
	ScanNotificationsEnabled   bool      `json:"is_scan_notification_enabled" db:"scan_notifications_enabled"`
	ScanChannels               string    `json:"scan_channels" db:"scan_channels"`
	PolicyNotificationsEnabled bool      `json:"is_policy_notification_enabled" db:"policy_notifications_enabled"`
	PolicyChannels             string    `json:"policy_channels" db:"policy_channels"`
	UpdatedAt                  time.Time `json:"updated_at" db:"updated_at"`
}

// ChannelList splits a comma separated channel setting, dropping blanks.
func ChannelList(channels string) []string {
	var out []string
	for _, c := range strings.Split(channels, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Package risk scores non-human identities from their attributes. Scoring is
// a pure function of its input and the evaluation time.
package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/qualys/nhi/internal/models"
)

// Factor names.
const (
	FactorHasAdminAccess       = "HAS_ADMIN_ACCESS"
	FactorCredentialVeryOld    = "CREDENTIAL_VERY_OLD"
	FactorCredentialOld        = "CREDENTIAL_OLD"
	FactorInactiveButEnabled   = "INACTIVE_BUT_ENABLED"
	FactorNoRotation90Days     = "NO_ROTATION_90_DAYS"
	FactorNoOwner              = "NO_OWNER"
	FactorUnusedLongTerm       = "UNUSED_LONG_TERM"
	FactorDeployKeyWriteAccess = "DEPLOY_KEY_WRITE_ACCESS"
	FactorNoExpiration         = "NO_EXPIRATION"
	FactorOverlyPermissiveApp  = "OVERLY_PERMISSIVE_APP"
)

// AWSAdministratorAccessPolicy is the AWS managed admin policy ARN.
const AWSAdministratorAccessPolicy = "arn:aws:iam::aws:policy/AdministratorAccess"

// MaxScore caps the sum of triggered factor points.
const MaxScore = 100

// Points per factor.
var points = map[string]int{
	FactorHasAdminAccess:       30,
	FactorCredentialVeryOld:    20,
	FactorCredentialOld:        10,
	FactorInactiveButEnabled:   10,
	FactorNoRotation90Days:     15,
	FactorNoOwner:              10,
	FactorUnusedLongTerm:       5,
	FactorDeployKeyWriteAccess: 15,
	FactorNoExpiration:         10,
	FactorOverlyPermissiveApp:  20,
}

// Points returns the score contribution of a named factor, or 0 if unknown.
func Points(factor string) int {
	return points[factor]
}

// GitHubAttributes are the GitHub-only scoring inputs.
type GitHubAttributes struct {
	ReadOnly            *bool
	TokenExpiresAt      *time.Time
	RepositorySelection string
	IdentityType        models.IdentityType
}

// Input is everything the scorer looks at.
type Input struct {
	Provider        models.Provider
	Policies        []string
	KeyCreateDate   *time.Time
	KeyLastUsedDate *time.Time
	LastActivityAt  *time.Time
	OwnerEmail      *string
	GitHub          *GitHubAttributes
	// Removed marks a credential deleted or revoked at the provider.
	Removed bool
}

// Result is a score and the factors that produced it, in evaluation order.
type Result struct {
	Score   int                `json:"score"`
	Factors models.RiskFactors `json:"factors"`
}

// Score computes the risk of in as of the current time.
func Score(in Input) Result {
	return Compute(in, time.Now())
}

// Compute evaluates every rule against in as of now. A nil date counts as
// infinitely old.
func Compute(in Input, now time.Time) Result {
	factors := models.RiskFactors{}
	if in.Removed {
		return Result{Score: 0, Factors: factors}
	}
	add := func(name string, sev models.Severity, desc string) {
		factors = append(factors, models.RiskFactor{Factor: name, Severity: sev, Description: desc})
	}

	if hasAdminAccess(in) {
		add(FactorHasAdminAccess, models.SeverityCritical, "Identity has administrative permissions")
	}

	keyAge := daysSince(in.KeyCreateDate, now)
	switch {
	case keyAge > 365:
		add(FactorCredentialVeryOld, models.SeverityHigh, describeAge("Credential created", keyAge, 365))
	case keyAge > 180:
		add(FactorCredentialOld, models.SeverityMedium, describeAge("Credential created", keyAge, 180))
	}

	// INACTIVE_BUT_ENABLED carries fewer points than NO_ROTATION_90_DAYS.
	idle := daysSince(in.KeyLastUsedDate, now)
	switch {
	case idle > 180:
		add(FactorInactiveButEnabled, models.SeverityMedium, describeAge("Credential last used", idle, 180))
	case idle > 90:
		add(FactorNoRotation90Days, models.SeverityHigh, describeAge("Credential last used", idle, 90))
	}

	if in.OwnerEmail == nil || strings.TrimSpace(*in.OwnerEmail) == "" {
		add(FactorNoOwner, models.SeverityMedium, "No owner assigned")
	}

	if inactive := daysSince(in.LastActivityAt, now); inactive > 90 {
		add(FactorUnusedLongTerm, models.SeverityLow, describeAge("Last activity", inactive, 90))
	}

	if gh := in.GitHub; gh != nil {
		switch gh.IdentityType {
		case models.IdentityTypeGitHubDeployKey:
			if gh.ReadOnly != nil && !*gh.ReadOnly {
				add(FactorDeployKeyWriteAccess, models.SeverityHigh, "Deploy key has write access to the repository")
			}
		case models.IdentityTypeGitHubFinegrainedPAT:
			if gh.TokenExpiresAt == nil {
				add(FactorNoExpiration, models.SeverityMedium, "Token has no expiration date")
			}
		case models.IdentityTypeGitHubAppInstallation:
			if gh.RepositorySelection == "all" && hasWritePermission(in.Policies) {
				add(FactorOverlyPermissiveApp, models.SeverityHigh, "App is installed on all repositories with write permissions")
			}
		}
	}

	total := 0
	for _, f := range factors {
		total += points[f.Factor]
	}
	if total > MaxScore {
		total = MaxScore
	}
	return Result{Score: total, Factors: factors}
}

// Level maps a score to its severity band.
func Level(score int) models.Severity {
	switch {
	case score >= 70:
		return models.SeverityCritical
	case score >= 40:
		return models.SeverityHigh
	case score >= 20:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// ScoreRange returns the inclusive score bounds of a severity band.
func ScoreRange(level models.Severity) (lo, hi int, ok bool) {
	switch level {
	case models.SeverityCritical:
		return 70, MaxScore, true
	case models.SeverityHigh:
		return 40, 69, true
	case models.SeverityMedium:
		return 20, 39, true
	case models.SeverityLow:
		return 0, 19, true
	}
	return 0, 0, false
}

func hasAdminAccess(in Input) bool {
	for _, p := range in.Policies {
		if in.Provider == models.ProviderGitHub {
			if p == "administration:write" || p == "members:write" {
				return true
			}
			continue
		}
		if IsAdminPolicyARN(p) {
			return true
		}
	}
	return false
}

// IsAdminPolicyARN reports whether an AWS policy ARN grants administrative access.
func IsAdminPolicyARN(arn string) bool {
	return arn == AWSAdministratorAccessPolicy || strings.Contains(arn, ":*")
}

func hasWritePermission(policies []string) bool {
	for _, p := range policies {
		if strings.HasSuffix(p, ":write") {
			return true
		}
	}
	return false
}

// daysSince returns the days elapsed since t. A nil t is treated as
// infinitely long ago.
func daysSince(t *time.Time, now time.Time) float64 {
	if t == nil {
		return infiniteDays
	}
	return now.Sub(*t).Hours() / 24
}

const infiniteDays = 1 << 30

func describeAge(subject string, days float64, threshold int) string {
	if days >= infiniteDays {
		return fmt.Sprintf("%s date unknown", subject)
	}
	return fmt.Sprintf("%s %d days ago (threshold %d days)", subject, int(days), threshold)
}

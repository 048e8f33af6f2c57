package risk

import "github.com/qualys/nhi/internal/models"

// InputFor builds the provider-aware scoring input for an identity.
func InputFor(identity *models.Identity) Input {
	in := Input{
		Provider:        identity.Provider,
		Policies:        identity.Policies,
		KeyCreateDate:   identity.KeyCreateDate,
		KeyLastUsedDate: identity.KeyLastUsedDate,
		LastActivityAt:  identity.LastActivityAt,
		OwnerEmail:      identity.OwnerEmail,
		Removed:         identity.Metadata.CredentialRemoved(),
	}
	if identity.Provider == models.ProviderGitHub {
		attrs := &GitHubAttributes{IdentityType: identity.Type}
		if gh := identity.Metadata.GitHub; gh != nil {
			attrs.ReadOnly = gh.ReadOnly
			attrs.TokenExpiresAt = gh.TokenExpiresAt
			attrs.RepositorySelection = gh.RepositorySelection
		}
		in.GitHub = attrs
	}
	return in
}

// Apply recomputes the identity's score and factors in place and returns the result.
func Apply(identity *models.Identity) Result {
	res := Score(InputFor(identity))
	identity.RiskScore = res.Score
	identity.RiskFactors = res.Factors
	return res
}

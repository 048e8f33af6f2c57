package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"

	"github.com/qualys/nhi/internal/connectors"
	"github.com/qualys/nhi/internal/models"
)

const defaultConcurrency = 8

type ScannerConfig struct {
	// Concurrency bounds parallel per-user and per-role fetches.
	Concurrency int
	// APITimeout bounds each individual IAM call. Zero means no extra bound.
	APITimeout time.Duration
	// NewClient overrides the IAM client factory.
	NewClient ClientFactory
}

// Scanner discovers IAM users, their access keys, and roles.
type Scanner struct {
	cfg    ScannerConfig
	logger *slog.Logger
}

func NewScanner(cfg ScannerConfig, logger *slog.Logger) *Scanner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.NewClient == nil {
		cfg.NewClient = NewIAMClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{cfg: cfg, logger: logger}
}

func (s *Scanner) Provider() models.Provider {
	return models.ProviderAWS
}

func (s *Scanner) Scan(ctx context.Context, creds *connectors.Credentials) ([]connectors.RawIdentity, error) {
	if creds == nil || creds.AWS == nil {
		return nil, &connectors.ConnectionError{Provider: "aws", Reason: "missing aws credentials"}
	}
	client, err := s.cfg.NewClient(ctx, creds.AWS)
	if err != nil {
		return nil, err
	}

	users, err := s.listUsers(ctx, client)
	if err != nil {
		return nil, err
	}
	roles, err := s.listRoles(ctx, client)
	if err != nil {
		return nil, err
	}

	userResults := make([][]connectors.RawIdentity, len(users))
	roleResults := make([]connectors.RawIdentity, len(roles))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, user := range users {
		g.Go(func() error {
			userResults[i] = s.scanUser(gctx, client, user)
			return nil
		})
	}
	for i, role := range roles {
		g.Go(func() error {
			roleResults[i] = s.scanRole(gctx, client, role)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("scanning iam: %w", err)
	}

	var identities []connectors.RawIdentity
	for _, ids := range userResults {
		identities = append(identities, ids...)
	}
	identities = append(identities, roleResults...)

	s.logger.Info("aws iam scan finished",
		"users", len(users), "roles", len(roles), "identities", len(identities))
	return identities, nil
}

func (s *Scanner) listUsers(ctx context.Context, client IAMAPI) ([]iamtypes.User, error) {
	var users []iamtypes.User
	paginator := iam.NewListUsersPaginator(client, &iam.ListUsersInput{})
	for paginator.HasMorePages() {
		page, err := nextPage(ctx, s, paginator.NextPage)
		if err != nil {
			return nil, apiError("ListUsers", err)
		}
		users = append(users, page.Users...)
	}
	return users, nil
}

func (s *Scanner) listRoles(ctx context.Context, client IAMAPI) ([]iamtypes.Role, error) {
	var roles []iamtypes.Role
	paginator := iam.NewListRolesPaginator(client, &iam.ListRolesInput{})
	for paginator.HasMorePages() {
		page, err := nextPage(ctx, s, paginator.NextPage)
		if err != nil {
			return nil, apiError("ListRoles", err)
		}
		roles = append(roles, page.Roles...)
	}
	return roles, nil
}

// scanUser emits the user identity followed by one identity per access key.
func (s *Scanner) scanUser(ctx context.Context, client IAMAPI, user iamtypes.User) []connectors.RawIdentity {
	userName := aws.ToString(user.UserName)
	arn := aws.ToString(user.Arn)

	var (
		policies []models.AttachedPolicy
		keys     []models.AccessKeyInfo
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		policies, err = s.userPolicies(gctx, client, userName)
		if err != nil {
			s.logger.Warn("listing attached user policies", "user", userName, "error", err)
			policies = nil
		}
		return nil
	})
	g.Go(func() error {
		var err error
		keys, err = s.accessKeys(gctx, client, userName)
		if err != nil {
			s.logger.Warn("listing access keys", "user", userName, "error", err)
			keys = nil
		}
		return nil
	})
	_ = g.Wait()

	policyArns := policyARNs(policies)

	var keyLastUsed *time.Time
	for _, k := range keys {
		keyLastUsed = latest(keyLastUsed, k.LastUsed)
	}

	out := make([]connectors.RawIdentity, 0, len(keys)+1)
	out = append(out, connectors.RawIdentity{
		ExternalID: arn,
		Name:       userName,
		Type:       models.IdentityTypeIAMUser,
		Provider:   models.ProviderAWS,
		Metadata: models.IdentityMetadata{AWS: &models.AWSMetadata{
			Arn:              arn,
			UserName:         userName,
			AttachedPolicies: policies,
			AccessKeys:       keys,
			PasswordLastUsed: user.PasswordLastUsed,
		}},
		Policies:        policyArns,
		KeyCreateDate:   user.CreateDate,
		KeyLastUsedDate: keyLastUsed,
		LastActivityAt:  latest(user.PasswordLastUsed, keyLastUsed),
	})

	for _, k := range keys {
		out = append(out, connectors.RawIdentity{
			ExternalID: k.AccessKeyID,
			Name:       userName + "/" + k.AccessKeyID,
			Type:       models.IdentityTypeIAMAccessKey,
			Provider:   models.ProviderAWS,
			Metadata: models.IdentityMetadata{AWS: &models.AWSMetadata{
				Arn:              arn,
				UserName:         userName,
				AccessKeyID:      k.AccessKeyID,
				KeyStatus:        k.Status,
				AttachedPolicies: policies,
			}},
			Policies:        append([]string(nil), policyArns...),
			KeyCreateDate:   k.CreateDate,
			KeyLastUsedDate: k.LastUsed,
			LastActivityAt:  k.LastUsed,
		})
	}
	return out
}

func (s *Scanner) userPolicies(ctx context.Context, client IAMAPI, userName string) ([]models.AttachedPolicy, error) {
	var out []models.AttachedPolicy
	paginator := iam.NewListAttachedUserPoliciesPaginator(client, &iam.ListAttachedUserPoliciesInput{
		UserName: aws.String(userName),
	})
	for paginator.HasMorePages() {
		page, err := nextPage(ctx, s, paginator.NextPage)
		if err != nil {
			return nil, apiError("ListAttachedUserPolicies", err)
		}
		out = append(out, attachedPolicies(page.AttachedPolicies)...)
	}
	return out, nil
}

func (s *Scanner) accessKeys(ctx context.Context, client IAMAPI, userName string) ([]models.AccessKeyInfo, error) {
	var out []models.AccessKeyInfo
	paginator := iam.NewListAccessKeysPaginator(client, &iam.ListAccessKeysInput{
		UserName: aws.String(userName),
	})
	for paginator.HasMorePages() {
		page, err := nextPage(ctx, s, paginator.NextPage)
		if err != nil {
			return nil, apiError("ListAccessKeys", err)
		}
		for _, k := range page.AccessKeyMetadata {
			info := models.AccessKeyInfo{
				AccessKeyID: aws.ToString(k.AccessKeyId),
				Status:      string(k.Status),
				CreateDate:  k.CreateDate,
			}
			info.LastUsed = s.keyLastUsed(ctx, client, info.AccessKeyID)
			out = append(out, info)
		}
	}
	return out, nil
}

// keyLastUsed returns nil when the key was never used or the lookup failed.
func (s *Scanner) keyLastUsed(ctx context.Context, client IAMAPI, keyID string) *time.Time {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	out, err := client.GetAccessKeyLastUsed(callCtx, &iam.GetAccessKeyLastUsedInput{AccessKeyId: aws.String(keyID)})
	if err != nil {
		s.logger.Warn("getting access key last used", "access_key_id", keyID, "error", err)
		return nil
	}
	if out.AccessKeyLastUsed == nil {
		return nil
	}
	return out.AccessKeyLastUsed.LastUsedDate
}

func (s *Scanner) scanRole(ctx context.Context, client IAMAPI, role iamtypes.Role) connectors.RawIdentity {
	roleName := aws.ToString(role.RoleName)
	arn := aws.ToString(role.Arn)

	var policies []models.AttachedPolicy
	paginator := iam.NewListAttachedRolePoliciesPaginator(client, &iam.ListAttachedRolePoliciesInput{
		RoleName: aws.String(roleName),
	})
	for paginator.HasMorePages() {
		page, err := nextPage(ctx, s, paginator.NextPage)
		if err != nil {
			s.logger.Warn("listing attached role policies", "role", roleName, "error", err)
			policies = nil
			break
		}
		policies = append(policies, attachedPolicies(page.AttachedPolicies)...)
	}

	meta := &models.AWSMetadata{
		Arn:              arn,
		RoleName:         roleName,
		AttachedPolicies: policies,
		TrustPolicy:      parseTrustPolicy(aws.ToString(role.AssumeRolePolicyDocument)),
	}

	var lastUsed *time.Time
	callCtx, cancel := s.callContext(ctx)
	detail, err := client.GetRole(callCtx, &iam.GetRoleInput{RoleName: aws.String(roleName)})
	cancel()
	if err != nil {
		s.logger.Warn("getting role last used", "role", roleName, "error", err)
	} else if detail.Role != nil && detail.Role.RoleLastUsed != nil {
		lastUsed = detail.Role.RoleLastUsed.LastUsedDate
		meta.LastUsedRegion = aws.ToString(detail.Role.RoleLastUsed.Region)
	}

	return connectors.RawIdentity{
		ExternalID:      arn,
		Name:            roleName,
		Type:            models.IdentityTypeIAMRole,
		Provider:        models.ProviderAWS,
		Metadata:        models.IdentityMetadata{AWS: meta},
		Policies:        policyARNs(policies),
		KeyCreateDate:   role.CreateDate,
		KeyLastUsedDate: lastUsed,
		LastActivityAt:  lastUsed,
	}
}

func (s *Scanner) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.APITimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.APITimeout)
}

// parseTrustPolicy decodes the URL-encoded assume-role document. On failure
// the raw string is kept.
func parseTrustPolicy(raw string) any {
	if raw == "" {
		return nil
	}
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return raw
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(decoded), &doc); err != nil {
		return raw
	}
	return doc
}

func attachedPolicies(in []iamtypes.AttachedPolicy) []models.AttachedPolicy {
	out := make([]models.AttachedPolicy, 0, len(in))
	for _, p := range in {
		out = append(out, models.AttachedPolicy{
			PolicyName: aws.ToString(p.PolicyName),
			PolicyArn:  aws.ToString(p.PolicyArn),
		})
	}
	return out
}

func policyARNs(policies []models.AttachedPolicy) []string {
	out := make([]string, 0, len(policies))
	for _, p := range policies {
		out = append(out, p.PolicyArn)
	}
	return out
}

func latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}

// authErrorCodes are the AWS error codes meaning the credentials themselves
// were rejected.
var authErrorCodes = map[string]bool{
	"InvalidClientTokenId":        true,
	"SignatureDoesNotMatch":       true,
	"ExpiredToken":                true,
	"ExpiredTokenException":       true,
	"UnrecognizedClientException": true,
	"InvalidAccessKeyId":          true,
	"AuthFailure":                 true,
}

// apiError classifies an IAM failure. Rejected credentials become a
// ConnectionError so the scan aborts; anything else is an APIError.
func apiError(op string, err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) && authErrorCodes[ae.ErrorCode()] {
		return &connectors.ConnectionError{Provider: "aws", Reason: op + ": credentials rejected", Err: err}
	}
	return &connectors.APIError{Provider: "aws", Operation: op, Message: err.Error(), Err: err}
}

// nextPage fetches one page under the per-call timeout.
func nextPage[T any](ctx context.Context, s *Scanner, next func(context.Context, ...func(*iam.Options)) (T, error)) (T, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	return next(callCtx)
}

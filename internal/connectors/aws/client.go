package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/qualys/nhi/internal/connectors"
)

// IAMAPI is the subset of the IAM API used for scanning and remediation. It
// embeds the paginator client interfaces so the SDK paginators can be used
// directly.
type IAMAPI interface {
	iam.ListUsersAPIClient
	iam.ListRolesAPIClient
	iam.ListAccessKeysAPIClient
	iam.ListAttachedUserPoliciesAPIClient
	iam.ListAttachedRolePoliciesAPIClient
	GetAccessKeyLastUsed(ctx context.Context, params *iam.GetAccessKeyLastUsedInput, optFns ...func(*iam.Options)) (*iam.GetAccessKeyLastUsedOutput, error)
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	UpdateAccessKey(ctx context.Context, params *iam.UpdateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.UpdateAccessKeyOutput, error)
	DeleteAccessKey(ctx context.Context, params *iam.DeleteAccessKeyInput, optFns ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error)
	DetachUserPolicy(ctx context.Context, params *iam.DetachUserPolicyInput, optFns ...func(*iam.Options)) (*iam.DetachUserPolicyOutput, error)
	DetachRolePolicy(ctx context.Context, params *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
}

// ClientFactory builds an IAM client from connection credentials.
// Tests replace it with a function returning a fake.
type ClientFactory func(ctx context.Context, creds *connectors.AWSCredentials) (IAMAPI, error)

// NewIAMClient is the production ClientFactory. Static keys are used when
// present, otherwise the default credential chain; an assume-role ARN is
// layered on top of either.
func NewIAMClient(ctx context.Context, creds *connectors.AWSCredentials) (IAMAPI, error) {
	cfg, err := LoadConfig(ctx, creds)
	if err != nil {
		return nil, err
	}
	return iam.NewFromConfig(cfg), nil
}

// WithDefaultRegion wraps newClient so credentials without a region use region.
func WithDefaultRegion(newClient ClientFactory, region string) ClientFactory {
	return func(ctx context.Context, creds *connectors.AWSCredentials) (IAMAPI, error) {
		if creds != nil && creds.Region == "" && region != "" {
			withRegion := *creds
			withRegion.Region = region
			creds = &withRegion
		}
		return newClient(ctx, creds)
	}
}

// LoadConfig resolves an aws.Config for creds.
func LoadConfig(ctx context.Context, creds *connectors.AWSCredentials) (aws.Config, error) {
	if creds == nil {
		return aws.Config{}, &connectors.ConnectionError{Provider: "aws", Reason: "missing aws credentials"}
	}

	region := creds.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if creds.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, &connectors.ConnectionError{Provider: "aws", Reason: "loading AWS config", Err: err}
	}

	if creds.AssumeRoleARN != "" {
		stsClient := sts.NewFromConfig(cfg)
		provider := stscreds.NewAssumeRoleProvider(stsClient, creds.AssumeRoleARN, func(o *stscreds.AssumeRoleOptions) {
			if creds.ExternalID != "" {
				o.ExternalID = aws.String(creds.ExternalID)
			}
		})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}
	return cfg, nil
}

// Verify checks that the credentials resolve to a caller identity.
func Verify(ctx context.Context, creds *connectors.AWSCredentials) (string, error) {
	cfg, err := LoadConfig(ctx, creds)
	if err != nil {
		return "", err
	}
	out, err := sts.NewFromConfig(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", &connectors.ConnectionError{Provider: "aws", Reason: "getting caller identity", Err: err}
	}
	return fmt.Sprintf("%s (%s)", aws.ToString(out.Arn), aws.ToString(out.Account)), nil
}

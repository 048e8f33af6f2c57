package aws_test

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/smithy-go"

	"github.com/qualys/nhi/internal/connectors"
	nhiaws "github.com/qualys/nhi/internal/connectors/aws"
	"github.com/qualys/nhi/internal/connectors/aws/awstest"
	"github.com/qualys/nhi/internal/models"
)

var awsCreds = &connectors.Credentials{
	Provider: models.ProviderAWS,
	AWS:      &connectors.AWSCredentials{Region: "us-east-1", AccessKeyID: "AKIA", SecretAccessKey: "secret"},
}

func seededIAM() *awstest.IAM {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := awstest.NewIAM()
	fake.Users = []iamtypes.User{
		{
			UserName:         aws.String("deployer"),
			Arn:              aws.String("arn:aws:iam::123456789012:user/deployer"),
			CreateDate:       aws.Time(created),
			PasswordLastUsed: aws.Time(created.Add(24 * time.Hour)),
		},
	}
	fake.UserPolicies["deployer"] = []iamtypes.AttachedPolicy{
		{PolicyName: aws.String("AdministratorAccess"), PolicyArn: aws.String("arn:aws:iam::aws:policy/AdministratorAccess")},
	}
	fake.Keys["deployer"] = []iamtypes.AccessKeyMetadata{
		{AccessKeyId: aws.String("AKIAONE"), Status: iamtypes.StatusTypeActive, CreateDate: aws.Time(created)},
		{AccessKeyId: aws.String("AKIATWO"), Status: iamtypes.StatusTypeInactive, CreateDate: aws.Time(created)},
	}
	fake.LastUsed["AKIAONE"] = created.Add(48 * time.Hour)
	fake.LastUsedErr["AKIATWO"] = true

	trust := `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"Service":"ec2.amazonaws.com"},"Action":"sts:AssumeRole"}]}`
	fake.Roles = []iamtypes.Role{
		{
			RoleName:                 aws.String("app-role"),
			Arn:                      aws.String("arn:aws:iam::123456789012:role/app-role"),
			CreateDate:               aws.Time(created),
			AssumeRolePolicyDocument: aws.String(url.QueryEscape(trust)),
		},
		{
			RoleName:                 aws.String("broken-trust"),
			Arn:                      aws.String("arn:aws:iam::123456789012:role/broken-trust"),
			CreateDate:               aws.Time(created),
			AssumeRolePolicyDocument: aws.String("%7Bnot-json"),
		},
	}
	fake.RoleLastUsed["app-role"] = created.Add(72 * time.Hour)
	return fake
}

func TestScanner_Scan(t *testing.T) {
	fake := seededIAM()
	scanner := nhiaws.NewScanner(nhiaws.ScannerConfig{NewClient: fake.Factory(), Concurrency: 2}, nil)

	ids, err := scanner.Scan(context.Background(), awsCreds)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	byID := map[string]connectors.RawIdentity{}
	for _, id := range ids {
		byID[id.ExternalID] = id
	}
	if len(ids) != 5 {
		t.Fatalf("expected 5 identities (user, 2 keys, 2 roles), got %d", len(ids))
	}

	user, ok := byID["arn:aws:iam::123456789012:user/deployer"]
	if !ok {
		t.Fatal("user identity missing")
	}
	if user.Type != models.IdentityTypeIAMUser {
		t.Errorf("user type = %s", user.Type)
	}
	if len(user.Policies) != 1 || user.Policies[0] != "arn:aws:iam::aws:policy/AdministratorAccess" {
		t.Errorf("user policies = %v", user.Policies)
	}
	if user.KeyLastUsedDate == nil || !user.KeyLastUsedDate.Equal(time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("user key last used = %v", user.KeyLastUsedDate)
	}
	if user.LastActivityAt == nil || !user.LastActivityAt.Equal(*user.KeyLastUsedDate) {
		t.Errorf("user last activity = %v", user.LastActivityAt)
	}

	key, ok := byID["AKIAONE"]
	if !ok {
		t.Fatal("access key identity missing")
	}
	if key.Name != "deployer/AKIAONE" || key.Type != models.IdentityTypeIAMAccessKey {
		t.Errorf("unexpected key identity %+v", key)
	}
	if key.Metadata.AWS == nil || key.Metadata.AWS.UserName != "deployer" || key.Metadata.AWS.KeyStatus != "Active" {
		t.Errorf("unexpected key metadata %+v", key.Metadata.AWS)
	}

	failedLookup := byID["AKIATWO"]
	if failedLookup.KeyLastUsedDate != nil {
		t.Error("expected nil last used when lookup fails")
	}

	role := byID["arn:aws:iam::123456789012:role/app-role"]
	if role.Type != models.IdentityTypeIAMRole {
		t.Errorf("role type = %s", role.Type)
	}
	doc, ok := role.Metadata.AWS.TrustPolicy.(map[string]any)
	if !ok || doc["Version"] != "2012-10-17" {
		t.Errorf("trust policy not parsed: %#v", role.Metadata.AWS.TrustPolicy)
	}
	if role.KeyLastUsedDate == nil {
		t.Error("expected role last used date")
	}

	broken := byID["arn:aws:iam::123456789012:role/broken-trust"]
	if raw, ok := broken.Metadata.AWS.TrustPolicy.(string); !ok || raw != "%7Bnot-json" {
		t.Errorf("expected raw trust policy, got %#v", broken.Metadata.AWS.TrustPolicy)
	}
}

func TestScanner_Scan_ListUsersFailureAborts(t *testing.T) {
	fake := seededIAM()
	fake.ListUsersErr = errors.New("InvalidClientTokenId")
	scanner := nhiaws.NewScanner(nhiaws.ScannerConfig{NewClient: fake.Factory()}, nil)

	_, err := scanner.Scan(context.Background(), awsCreds)
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *connectors.APIError
	if !errors.As(err, &apiErr) || apiErr.Operation != "ListUsers" {
		t.Errorf("expected ListUsers APIError, got %v", err)
	}
}

func TestScanner_Scan_PageTimeout(t *testing.T) {
	fake := seededIAM()
	fake.ListUsersBlocks = true
	scanner := nhiaws.NewScanner(nhiaws.ScannerConfig{APITimeout: 20 * time.Millisecond, NewClient: fake.Factory()}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := scanner.Scan(context.Background(), awsCreds)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
		var apiErr *connectors.APIError
		if !errors.As(err, &apiErr) || apiErr.Operation != "ListUsers" {
			t.Errorf("expected ListUsers APIError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scan did not honour the per-page timeout")
	}
}

func TestScanner_Scan_ErrorClassification(t *testing.T) {
	tests := []struct {
		name           string
		code           string
		wantConnection bool
	}{
		{name: "invalid token", code: "InvalidClientTokenId", wantConnection: true},
		{name: "bad signature", code: "SignatureDoesNotMatch", wantConnection: true},
		{name: "expired token", code: "ExpiredToken", wantConnection: true},
		{name: "throttled", code: "Throttling", wantConnection: false},
		{name: "access denied", code: "AccessDenied", wantConnection: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := seededIAM()
			fake.ListUsersErr = &smithy.GenericAPIError{Code: tt.code, Message: "request failed"}
			scanner := nhiaws.NewScanner(nhiaws.ScannerConfig{NewClient: fake.Factory()}, nil)

			_, err := scanner.Scan(context.Background(), awsCreds)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := connectors.IsConnectionError(err); got != tt.wantConnection {
				t.Errorf("IsConnectionError = %v, want %v (%v)", got, tt.wantConnection, err)
			}
			var ae smithy.APIError
			if !errors.As(err, &ae) || ae.ErrorCode() != tt.code {
				t.Errorf("expected wrapped %s error, got %v", tt.code, err)
			}
		})
	}
}

func TestScanner_Scan_MissingCredentials(t *testing.T) {
	scanner := nhiaws.NewScanner(nhiaws.ScannerConfig{NewClient: awstest.NewIAM().Factory()}, nil)

	_, err := scanner.Scan(context.Background(), &connectors.Credentials{Provider: models.ProviderAWS})
	if !connectors.IsConnectionError(err) {
		t.Errorf("expected connection error, got %v", err)
	}
}

func TestWithDefaultRegion(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"fills empty region", "", "eu-west-1"},
		{"keeps explicit region", "ap-south-1", "ap-south-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			factory := nhiaws.WithDefaultRegion(func(ctx context.Context, creds *connectors.AWSCredentials) (nhiaws.IAMAPI, error) {
				got = creds.Region
				return awstest.NewIAM(), nil
			}, "eu-west-1")

			creds := &connectors.AWSCredentials{Region: tt.in}
			if _, err := factory(context.Background(), creds); err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("region = %q, want %q", got, tt.want)
			}
			if creds.Region != tt.in {
				t.Errorf("caller credentials mutated: %q", creds.Region)
			}
		})
	}
}

// Package awstest provides an in-memory IAM client for tests.
package awstest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/qualys/nhi/internal/connectors"
	nhiaws "github.com/qualys/nhi/internal/connectors/aws"
)

// IAM is an in-memory IAMAPI. Every list call returns a single page.
type IAM struct {
	mu sync.Mutex

	Users        []iamtypes.User
	Roles        []iamtypes.Role
	UserPolicies map[string][]iamtypes.AttachedPolicy
	RolePolicies map[string][]iamtypes.AttachedPolicy
	Keys         map[string][]iamtypes.AccessKeyMetadata
	LastUsed     map[string]time.Time
	RoleLastUsed map[string]time.Time

	LastUsedErr  map[string]bool
	DetachErr    map[string]bool
	DeleteErr    map[string]error
	ListUsersErr error
	// ListUsersBlocks makes ListUsers wait until its context ends.
	ListUsersBlocks bool

	Updated  []string
	Deleted  []string
	Detached []string
}

func NewIAM() *IAM {
	return &IAM{
		UserPolicies: map[string][]iamtypes.AttachedPolicy{},
		RolePolicies: map[string][]iamtypes.AttachedPolicy{},
		Keys:         map[string][]iamtypes.AccessKeyMetadata{},
		LastUsed:     map[string]time.Time{},
		RoleLastUsed: map[string]time.Time{},
		LastUsedErr:  map[string]bool{},
		DetachErr:    map[string]bool{},
		DeleteErr:    map[string]error{},
	}
}

func (f *IAM) ListUsers(ctx context.Context, in *iam.ListUsersInput, _ ...func(*iam.Options)) (*iam.ListUsersOutput, error) {
	if f.ListUsersBlocks {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.ListUsersErr != nil {
		return nil, f.ListUsersErr
	}
	return &iam.ListUsersOutput{Users: f.Users}, nil
}

func (f *IAM) ListRoles(ctx context.Context, in *iam.ListRolesInput, _ ...func(*iam.Options)) (*iam.ListRolesOutput, error) {
	return &iam.ListRolesOutput{Roles: f.Roles}, nil
}

func (f *IAM) ListAccessKeys(ctx context.Context, in *iam.ListAccessKeysInput, _ ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &iam.ListAccessKeysOutput{AccessKeyMetadata: f.Keys[aws.ToString(in.UserName)]}, nil
}

func (f *IAM) ListAttachedUserPolicies(ctx context.Context, in *iam.ListAttachedUserPoliciesInput, _ ...func(*iam.Options)) (*iam.ListAttachedUserPoliciesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &iam.ListAttachedUserPoliciesOutput{AttachedPolicies: f.UserPolicies[aws.ToString(in.UserName)]}, nil
}

func (f *IAM) ListAttachedRolePolicies(ctx context.Context, in *iam.ListAttachedRolePoliciesInput, _ ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &iam.ListAttachedRolePoliciesOutput{AttachedPolicies: f.RolePolicies[aws.ToString(in.RoleName)]}, nil
}

func (f *IAM) GetAccessKeyLastUsed(ctx context.Context, in *iam.GetAccessKeyLastUsedInput, _ ...func(*iam.Options)) (*iam.GetAccessKeyLastUsedOutput, error) {
	id := aws.ToString(in.AccessKeyId)
	if f.LastUsedErr[id] {
		return nil, errors.New("throttled")
	}
	out := &iam.GetAccessKeyLastUsedOutput{AccessKeyLastUsed: &iamtypes.AccessKeyLastUsed{}}
	if t, ok := f.LastUsed[id]; ok {
		out.AccessKeyLastUsed.LastUsedDate = aws.Time(t)
	}
	return out, nil
}

func (f *IAM) GetRole(ctx context.Context, in *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	name := aws.ToString(in.RoleName)
	role := &iamtypes.Role{RoleName: in.RoleName}
	if t, ok := f.RoleLastUsed[name]; ok {
		role.RoleLastUsed = &iamtypes.RoleLastUsed{LastUsedDate: aws.Time(t), Region: aws.String("us-east-1")}
	}
	return &iam.GetRoleOutput{Role: role}, nil
}

func (f *IAM) UpdateAccessKey(ctx context.Context, in *iam.UpdateAccessKeyInput, _ ...func(*iam.Options)) (*iam.UpdateAccessKeyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Updated = append(f.Updated, aws.ToString(in.AccessKeyId))
	return &iam.UpdateAccessKeyOutput{}, nil
}

func (f *IAM) DeleteAccessKey(ctx context.Context, in *iam.DeleteAccessKeyInput, _ ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.AccessKeyId)
	if err := f.DeleteErr[id]; err != nil {
		return nil, err
	}
	f.Deleted = append(f.Deleted, id)
	return &iam.DeleteAccessKeyOutput{}, nil
}

func (f *IAM) DetachUserPolicy(ctx context.Context, in *iam.DetachUserPolicyInput, _ ...func(*iam.Options)) (*iam.DetachUserPolicyOutput, error) {
	return &iam.DetachUserPolicyOutput{}, f.detach(aws.ToString(in.PolicyArn))
}

func (f *IAM) DetachRolePolicy(ctx context.Context, in *iam.DetachRolePolicyInput, _ ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error) {
	return &iam.DetachRolePolicyOutput{}, f.detach(aws.ToString(in.PolicyArn))
}

func (f *IAM) detach(arn string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DetachErr[arn] {
		return errors.New("access denied")
	}
	f.Detached = append(f.Detached, arn)
	return nil
}

// Factory returns a client factory that always yields f.
func (f *IAM) Factory() nhiaws.ClientFactory {
	return func(context.Context, *connectors.AWSCredentials) (nhiaws.IAMAPI, error) {
		return f, nil
	}
}

// Calls returns copies of the recorded mutating calls.
func (f *IAM) Calls() (updated, deleted, detached []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Updated...), append([]string(nil), f.Deleted...), append([]string(nil), f.Detached...)
}

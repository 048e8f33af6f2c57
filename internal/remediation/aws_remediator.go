package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/qualys/nhi/internal/connectors"
	nhiaws "github.com/qualys/nhi/internal/connectors/aws"
	"github.com/qualys/nhi/internal/models"
	"github.com/qualys/nhi/internal/risk"
)

// AWSRemediator implements remediation actions for IAM identities
type AWSRemediator struct {
	newClient nhiaws.ClientFactory
	logger    *slog.Logger
}

// NewAWSRemediator creates a new AWS remediator. A nil factory uses the SDK.
func NewAWSRemediator(newClient nhiaws.ClientFactory, logger *slog.Logger) *AWSRemediator {
	if newClient == nil {
		newClient = nhiaws.NewIAMClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AWSRemediator{newClient: newClient, logger: logger}
}

// Execute executes a remediation action
func (r *AWSRemediator) Execute(ctx context.Context, creds *connectors.Credentials, actionType models.RemediationActionType,
	metadata models.IdentityMetadata, externalID string) (*ExecuteResult, error) {
	meta := metadata.AWS
	if meta == nil {
		meta = &models.AWSMetadata{}
	}

	switch actionType {
	case models.ActionDeactivateAccessKey, models.ActionDeleteAccessKey,
		models.ActionDeactivateAllAccessKeys, models.ActionRemoveAdminPoliciesUser,
		models.ActionRemoveAdminPoliciesRole:
	default:
		return failed(fmt.Sprintf("unsupported action type for aws: %s", actionType)), nil
	}

	if creds == nil || creds.AWS == nil {
		return nil, &connectors.ConnectionError{Provider: "aws", Reason: "missing aws credentials"}
	}
	client, err := r.newClient(ctx, creds.AWS)
	if err != nil {
		return nil, err
	}

	switch actionType {
	case models.ActionDeactivateAccessKey:
		return r.deactivateAccessKey(ctx, client, meta)
	case models.ActionDeleteAccessKey:
		return r.deleteAccessKey(ctx, client, meta)
	case models.ActionDeactivateAllAccessKeys:
		return r.deactivateAllAccessKeys(ctx, client, meta)
	case models.ActionRemoveAdminPoliciesUser:
		return r.removeAdminPoliciesUser(ctx, client, meta)
	default:
		return r.removeAdminPoliciesRole(ctx, client, meta)
	}
}

func (r *AWSRemediator) deactivateAccessKey(ctx context.Context, client nhiaws.IAMAPI, meta *models.AWSMetadata) (*ExecuteResult, error) {
	if meta.AccessKeyID == "" || meta.UserName == "" {
		return failed("access key id and user name are required"), nil
	}

	_, err := client.UpdateAccessKey(ctx, &iam.UpdateAccessKeyInput{
		AccessKeyId: aws.String(meta.AccessKeyID),
		UserName:    aws.String(meta.UserName),
		Status:      iamtypes.StatusTypeInactive,
	})
	if err != nil {
		return nil, fmt.Errorf("deactivating access key %s: %w", meta.AccessKeyID, err)
	}

	r.logger.Info("access key deactivated", "access_key_id", meta.AccessKeyID, "user", meta.UserName)
	return &ExecuteResult{
		Success: true,
		Message: fmt.Sprintf("Access key %s deactivated", meta.AccessKeyID),
		Details: map[string]interface{}{"access_key_id": meta.AccessKeyID, "key_status": "Inactive"},
	}, nil
}

func (r *AWSRemediator) deleteAccessKey(ctx context.Context, client nhiaws.IAMAPI, meta *models.AWSMetadata) (*ExecuteResult, error) {
	if meta.AccessKeyID == "" || meta.UserName == "" {
		return failed("access key id and user name are required"), nil
	}

	details := map[string]interface{}{"access_key_id": meta.AccessKeyID, "key_status": "Deleted"}
	_, err := client.DeleteAccessKey(ctx, &iam.DeleteAccessKeyInput{
		AccessKeyId: aws.String(meta.AccessKeyID),
		UserName:    aws.String(meta.UserName),
	})
	var missing *iamtypes.NoSuchEntityException
	switch {
	case errors.As(err, &missing):
		r.logger.Info("access key already removed", "access_key_id", meta.AccessKeyID, "user", meta.UserName)
		return alreadyRemoved(fmt.Sprintf("Access key %s was already deleted", meta.AccessKeyID), details), nil
	case err != nil:
		return nil, fmt.Errorf("deleting access key %s: %w", meta.AccessKeyID, err)
	}

	r.logger.Info("access key deleted", "access_key_id", meta.AccessKeyID, "user", meta.UserName)
	return &ExecuteResult{
		Success: true,
		Message: fmt.Sprintf("Access key %s deleted", meta.AccessKeyID),
		Details: details,
	}, nil
}

// deactivateAllAccessKeys deactivates every active key of the user. Each key
// is attempted independently.
func (r *AWSRemediator) deactivateAllAccessKeys(ctx context.Context, client nhiaws.IAMAPI, meta *models.AWSMetadata) (*ExecuteResult, error) {
	userName := meta.UserName
	if userName == "" && meta.Arn != "" {
		userName = path.Base(meta.Arn)
	}
	if userName == "" {
		return failed("user name is required"), nil
	}

	var active []string
	paginator := iam.NewListAccessKeysPaginator(client, &iam.ListAccessKeysInput{UserName: aws.String(userName)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing access keys for %s: %w", userName, err)
		}
		for _, k := range page.AccessKeyMetadata {
			if k.Status == iamtypes.StatusTypeActive {
				active = append(active, aws.ToString(k.AccessKeyId))
			}
		}
	}

	if len(active) == 0 {
		return &ExecuteResult{Success: true, Message: "No active access keys found",
			Details: map[string]interface{}{"deactivated_count": 0}}, nil
	}

	var deactivated, failedKeys []string
	for _, keyID := range active {
		_, err := client.UpdateAccessKey(ctx, &iam.UpdateAccessKeyInput{
			AccessKeyId: aws.String(keyID),
			UserName:    aws.String(userName),
			Status:      iamtypes.StatusTypeInactive,
		})
		if err != nil {
			r.logger.Warn("deactivating access key", "access_key_id", keyID, "user", userName, "error", err)
			failedKeys = append(failedKeys, keyID)
			continue
		}
		deactivated = append(deactivated, keyID)
	}

	details := map[string]interface{}{
		"deactivated_count": len(deactivated),
		"deactivated_keys":  deactivated,
	}
	if len(failedKeys) > 0 {
		details["failed_keys"] = failedKeys
	}
	if len(deactivated) == 0 {
		return &ExecuteResult{Success: false,
			Message: fmt.Sprintf("Failed to deactivate %d access keys", len(failedKeys)), Details: details}, nil
	}
	return &ExecuteResult{
		Success: true,
		Message: fmt.Sprintf("Deactivated %d of %d active access keys", len(deactivated), len(active)),
		Details: details,
	}, nil
}

func (r *AWSRemediator) removeAdminPoliciesUser(ctx context.Context, client nhiaws.IAMAPI, meta *models.AWSMetadata) (*ExecuteResult, error) {
	userName := meta.UserName
	if userName == "" && meta.Arn != "" {
		userName = path.Base(meta.Arn)
	}
	if userName == "" {
		return failed("user name is required"), nil
	}

	var attached []string
	paginator := iam.NewListAttachedUserPoliciesPaginator(client, &iam.ListAttachedUserPoliciesInput{UserName: aws.String(userName)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing attached policies for user %s: %w", userName, err)
		}
		for _, p := range page.AttachedPolicies {
			attached = append(attached, aws.ToString(p.PolicyArn))
		}
	}

	return r.detachAdmin(attached, "user", userName, func(arn string) error {
		_, err := client.DetachUserPolicy(ctx, &iam.DetachUserPolicyInput{
			UserName:  aws.String(userName),
			PolicyArn: aws.String(arn),
		})
		return err
	}), nil
}

func (r *AWSRemediator) removeAdminPoliciesRole(ctx context.Context, client nhiaws.IAMAPI, meta *models.AWSMetadata) (*ExecuteResult, error) {
	roleName := meta.RoleName
	if roleName == "" && meta.Arn != "" {
		roleName = path.Base(meta.Arn)
	}
	if roleName == "" {
		return failed("role name is required"), nil
	}

	var attached []string
	paginator := iam.NewListAttachedRolePoliciesPaginator(client, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(roleName)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing attached policies for role %s: %w", roleName, err)
		}
		for _, p := range page.AttachedPolicies {
			attached = append(attached, aws.ToString(p.PolicyArn))
		}
	}

	return r.detachAdmin(attached, "role", roleName, func(arn string) error {
		_, err := client.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  aws.String(roleName),
			PolicyArn: aws.String(arn),
		})
		return err
	}), nil
}

// detachAdmin detaches every admin or wildcard policy in attached. A failed
// detach is logged and skipped.
func (r *AWSRemediator) detachAdmin(attached []string, kind, name string, detach func(string) error) *ExecuteResult {
	var detached, skipped []string
	for _, arn := range attached {
		if !risk.IsAdminPolicyARN(arn) {
			continue
		}
		if err := detach(arn); err != nil {
			r.logger.Warn("detaching policy", kind, name, "policy_arn", arn, "error", err)
			skipped = append(skipped, arn)
			continue
		}
		detached = append(detached, arn)
	}

	details := map[string]interface{}{
		"detached_count":    len(detached),
		"detached_policies": detached,
	}
	if len(skipped) > 0 {
		details["failed_policies"] = skipped
	}
	return &ExecuteResult{
		Success: true,
		Message: fmt.Sprintf("Detached %d admin policies from %s %s", len(detached), kind, name),
		Details: details,
	}
}

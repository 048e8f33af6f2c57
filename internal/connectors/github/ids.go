package github

import (
	"fmt"
	"strconv"
	"strings"
)

// ParsePATExternalID splits "github-pat:<org>:<id>".
func ParsePATExternalID(externalID string) (org string, patID int64, err error) {
	rest, ok := strings.CutPrefix(externalID, PATIDPrefix)
	if !ok {
		return "", 0, fmt.Errorf("external id %q is not a fine-grained PAT id", externalID)
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 {
		return "", 0, fmt.Errorf("external id %q has no organization", externalID)
	}
	patID, err = strconv.ParseInt(rest[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("external id %q has invalid token id: %w", externalID, err)
	}
	return rest[:i], patID, nil
}

// ParseInstallationExternalID splits "github-app-installation:<id>".
func ParseInstallationExternalID(externalID string) (int64, error) {
	rest, ok := strings.CutPrefix(externalID, InstallationIDPrefix)
	if !ok {
		return 0, fmt.Errorf("external id %q is not an app installation id", externalID)
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("external id %q has invalid installation id: %w", externalID, err)
	}
	return id, nil
}

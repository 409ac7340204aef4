package storage

import "errors"

var (
	// ErrAgentNotFound is returned when an agent is not found
	ErrAgentNotFound = errors.New("agent not found")

	// ErrLeaseNotFound is returned when a lease is not found
	ErrLeaseNotFound = errors.New("lease not found")

	// ErrRequestNotFound is returned when a budget change request is not found
	ErrRequestNotFound = errors.New("budget change request not found")

	// ErrProviderKeyNotFound is returned when no credential is stored for a provider
	ErrProviderKeyNotFound = errors.New("provider key not found")
)

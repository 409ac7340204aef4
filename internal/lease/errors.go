package lease

import "errors"

var (
	// ErrLeaseExpired is returned when an operation arrives after the lease
	// expiry. The lease has been force-closed and its unspent funds returned.
	ErrLeaseExpired = errors.New("lease has expired")

	// ErrProviderUnknown is returned when a handshake names a provider with
	// no stored credential
	ErrProviderUnknown = errors.New("unknown provider")
)

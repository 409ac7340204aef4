package utils

import (
	"context"
	"errors"
	"strings"
)

// IsRecoverableError checks if an error is worth retrying against another
// tier or on a later attempt, as opposed to a permanent rejection.
//
// Errors are recoverable unless proven otherwise: a provider can fail in
// more ways than any whitelist covers (DNS, TLS, resets, timeouts, 5xx),
// and all of them mean "try the next tier". Only errors the caller caused
// are final, since replaying the same bad request elsewhere cannot help.
func IsRecoverableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	callerErrors := []string{
		"credential rejected",
		"credential issued for provider",
		"invalid request payload",
		"no endpoint configured",
	}

	msg := err.Error()
	for _, caller := range callerErrors {
		if strings.Contains(msg, caller) {
			return false
		}
	}
	return true
}

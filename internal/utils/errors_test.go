package utils

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsRecoverableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "recoverable error - provider status",
			err:      errors.New("provider returned status 503"),
			expected: true,
		},
		{
			name:     "recoverable error - rate limited",
			err:      errors.New("provider returned status 429"),
			expected: true,
		},
		{
			name:     "recoverable error - wrapped deadline",
			err:      fmt.Errorf("tier call failed: %w", context.DeadlineExceeded),
			expected: true,
		},
		{
			name:     "recoverable error - connection refused",
			err:      errors.New("dial tcp 127.0.0.1:9999: connection refused"),
			expected: true,
		},
		{
			name:     "recoverable error - dns failure",
			err:      errors.New(`request failed: Post "https://api.example.com/v1": dial tcp: lookup api.example.com: no such host`),
			expected: true,
		},
		{
			name:     "recoverable error - unexpected eof",
			err:      errors.New("failed to read response: unexpected EOF"),
			expected: true,
		},
		{
			name:     "recoverable error - broken pipe",
			err:      errors.New("request failed: write tcp 10.0.0.1:443: broken pipe"),
			expected: true,
		},
		{
			name:     "recoverable error - tls handshake",
			err:      errors.New("request failed: tls: handshake failure"),
			expected: true,
		},
		{
			name:     "non-recoverable error - credential rejected",
			err:      errors.New("credential rejected: credential token expired"),
			expected: false,
		},
		{
			name:     "non-recoverable error - credential for wrong provider",
			err:      errors.New("credential issued for provider openai, tier wants anthropic"),
			expected: false,
		},
		{
			name:     "non-recoverable error - malformed payload",
			err:      errors.New("invalid request payload: unexpected end of JSON input"),
			expected: false,
		},
		{
			name:     "non-recoverable error - missing endpoint",
			err:      errors.New("no endpoint configured for provider mystral"),
			expected: false,
		},
		{
			name:     "non-recoverable error - caller cancelled",
			err:      fmt.Errorf("tier call failed: %w", context.Canceled),
			expected: false,
		},
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsRecoverableError(tt.err)
			if result != tt.expected {
				t.Errorf("IsRecoverableError(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

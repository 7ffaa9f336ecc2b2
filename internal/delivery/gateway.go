// Package delivery sends outbound SMS through the provider gateway and
// records each attempt in the conversation store.
package delivery

import (
	"context"
	"fmt"
)

// Outgoing is one message handed to the gateway.
type Outgoing struct {
	To       string
	Body     string
	MediaURL string
}

// Gateway sends messages to the SMS provider.
type Gateway interface {
	// Send returns the provider's message reference. A failure is always
	// a non-nil error, never an empty reference.
	Send(ctx context.Context, msg Outgoing) (string, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, msg Outgoing) (string, error)

// Send implements Gateway.
func (f GatewayFunc) Send(ctx context.Context, msg Outgoing) (string, error) {
	return f(ctx, msg)
}

// ProviderError is a rejection reported by the provider.
type ProviderError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("provider error %d (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider error (HTTP %d): %s", e.StatusCode, e.Message)
}

package application

import (
	"context"
	"errors"

	"github.com/idangerous/pushqueue/internal/domain"
)

// Gateway delivers one message to one device token. Implemented by
// infrastructure/fcm; a fake implementation is used in tests.
type Gateway interface {
	// Send returns the per-token outcome. An error means a transport
	// fault, not a gateway rejection of the token.
	Send(ctx context.Context, accessToken, deviceToken string, msg domain.PushMessage) (domain.PushResult, error)
}

// Credentials produces a short-lived bearer token for gateway calls.
// The processor wraps this with per-pass memoization so a token is fetched
// at most once per batch.
type Credentials interface {
	AccessToken(ctx context.Context) (string, error)
}

// ErrNotConfigured is returned by NoCredentials when the gateway credential
// is missing from configuration. Jobs hitting it fail until an operator
// fixes the config.
var ErrNotConfigured = errors.New("push gateway credentials are not configured")

// NoCredentials is the Credentials implementation used when no service
// account is configured. The service still runs (token registration, admin
// surface); only sends fail.
type NoCredentials struct{}

func (NoCredentials) AccessToken(context.Context) (string, error) {
	return "", ErrNotConfigured
}

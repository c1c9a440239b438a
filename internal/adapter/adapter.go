package adapter

import (
	"context"
	"errors"
	"net/http"

	"github.com/stellarlinkco/pulsefeed/internal/feed"
)

// Error taxonomy shared by all adapters. Callers classify with errors.Is.
var (
	// ErrMalformedPayload means one raw message could not be normalized.
	// The message is dropped and logged; the batch is unaffected.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrTransient covers rate limits and network timeouts; safe to retry
	// with backoff.
	ErrTransient = errors.New("transient platform failure")
	// ErrAuthRevoked means the platform reported the credentials invalid.
	// The platform is marked disconnected until the user reconnects.
	ErrAuthRevoked = errors.New("platform credentials revoked")
	// ErrSendRejected is a terminal refusal of an outbound send.
	ErrSendRejected = errors.New("send rejected by platform")
	// ErrSendTransient is a network-level send failure, retried a bounded
	// number of times.
	ErrSendTransient = errors.New("transient send failure")
	// ErrUnknownPlatform means no adapter is registered for the name.
	ErrUnknownPlatform = errors.New("unknown platform")
	// ErrBadSignature means a webhook delivery failed signature validation.
	ErrBadSignature = errors.New("invalid webhook signature")
)

// RawMessage is one platform payload before normalization.
type RawMessage struct {
	Platform string
	UserID   string
	Payload  []byte
}

// Credentials carry the platform tokens for one account. Token refresh is a
// collaborator concern; adapters only consume what they are handed.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// FetchResult is one page of raw messages plus the cursor to resume from.
type FetchResult struct {
	Messages   []RawMessage
	NextCursor string
}

// Adapter is the capability a platform integration must provide. The
// orchestrator is polymorphic over this contract and never branches on a
// concrete platform.
type Adapter interface {
	Name() string

	// FetchSince returns raw messages newer than the cursor. It must be
	// safe to call repeatedly with the same cursor; the pipeline
	// de-duplicates on the identity key.
	FetchSince(ctx context.Context, userID string, cursor feed.SyncCursor, creds Credentials) (FetchResult, error)

	// Normalize converts a raw payload into the canonical message. It is
	// pure and total: missing optional fields become documented sentinels
	// (empty subject, empty content) and only a payload the platform could
	// not have produced yields ErrMalformedPayload.
	Normalize(raw RawMessage) (feed.Message, error)

	// Send posts a reply into the given thread and returns the platform
	// message id of the sent message.
	Send(ctx context.Context, threadID, text string, creds Credentials) (string, error)

	// RegisterWebhook subscribes the platform to push deliveries at the
	// callback URL and returns the webhook id.
	RegisterWebhook(ctx context.Context, userID, callbackURL string, creds Credentials) (string, error)

	// VerifyWebhook validates a platform-specific delivery signature.
	VerifyWebhook(r *http.Request, body []byte) error
}

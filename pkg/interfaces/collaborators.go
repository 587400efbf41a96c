package interfaces

import (
	"context"
	"errors"
	"time"

	"teleconsult/pkg/types"
)

// MediaManager controls media-plane resources. Failures are reported as warnings.
type MediaManager interface {
	EnsureRouter(ctx context.Context, sessionID string) error
	CloseTransport(ctx context.Context, id string) error
	CloseProducer(ctx context.Context, id string) error
	CloseConsumer(ctx context.Context, id string) error
	CleanupRouter(ctx context.Context, sessionID string) error
}

// Notifier delivers email/SMS notifications. Implementations retry on their own.
type Notifier interface {
	Send(ctx context.Context, kind, recipient string, args map[string]interface{}) error
}

// ErrCacheMiss is returned by KeyedCache.Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// KeyedCache is the per-process (or shared) TTL cache holding UX smoothing state.
type KeyedCache interface {
	Get(ctx context.Context, key string) (string, error)
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// PresenceObserver is told when a participant's last live connection goes away.
type PresenceObserver interface {
	ParticipantInactive(ctx context.Context, info types.PresenceInfo, reason string)
}

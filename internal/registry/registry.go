// Package registry 维护画布、连接和用户之间的会话关系
package registry

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/maoniu-cloud/collab-broker/internal/auth"
)

// ErrStoreUnavailable marks a transient failure of the shared store. Callers
// report a generic failure to the sender and keep serving other connections.
var ErrStoreUnavailable = errors.New("session store unavailable")

// PendingUpdate 等待落库的画布更新缓存
type PendingUpdate struct {
	Payload json.RawMessage
	Token   string
	// Obsolete 表示画布已无人关注，下次落库检查时自毁
	Obsolete bool
	// Dirty 表示缓存内容尚未成功落库
	Dirty bool
	// Version 每次SaveCache递增，用于识别落库期间写入的新内容
	Version uint64
}

// Registry is the session store shared by every broker process. Each call is
// individually atomic; a logical operation spanning two calls (the mirrored
// subscription sets) may be observed half-applied between them.
type Registry interface {
	// Subscribe adds the work/connection edge in both directions and records
	// the connection's user. Re-subscribing an existing pair only refreshes
	// the identity.
	Subscribe(ctx context.Context, workID, connID string, user *auth.User) error
	// Unsubscribe removes the edge and returns the work's remaining
	// subscribers so the caller can detect an orphaned work.
	Unsubscribe(ctx context.Context, workID, connID string) ([]string, error)
	// RemoveWork drops the work's subscriber set.
	RemoveWork(ctx context.Context, workID string) error
	GetSubscribers(ctx context.Context, workID string) ([]string, error)
	GetSubscriptions(ctx context.Context, connID string) ([]string, error)
	GetUser(ctx context.Context, connID string) (*auth.User, error)
	// RemoveConnection drops the connection's subscription set and identity.
	RemoveConnection(ctx context.Context, connID string) error

	// SaveCache overwrites the pending update for a work, clears the obsolete
	// flag, marks the cache dirty and bumps its version.
	SaveCache(ctx context.Context, workID string, payload json.RawMessage, token string) error
	// GetCache returns nil (not an error) when no update is cached.
	GetCache(ctx context.Context, workID string) (*PendingUpdate, error)
	MarkObsolete(ctx context.Context, workID string) error
	// Renew clears the obsolete flag when a watcher arrives before the flush
	// timer consumed it.
	Renew(ctx context.Context, workID string) error
	// MarkFlushed clears the dirty flag after a successful flush, but only if
	// the cache version still matches the read that was flushed. An update
	// saved while the flush was in flight keeps its dirty flag.
	MarkFlushed(ctx context.Context, workID string, version uint64) error
	DeleteCache(ctx context.Context, workID string) error

	// AcquireTimerSlot is best-effort mutual exclusion for the flush timer,
	// not a strict distributed lock. A race may install two timers; both
	// flush identical payloads for one tick.
	AcquireTimerSlot(ctx context.Context, workID string) (bool, error)
	ReleaseTimerSlot(ctx context.Context, workID string) error

	// Reset wipes every registry-owned key. Startup only, single-process or
	// process-exclusive namespaces.
	Reset(ctx context.Context) error
}

// Package persist 负责把画布数据写入持久化后端
package persist

import (
	"context"
	"errors"
)

var ErrPersistFailed = errors.New("work save failed")

// Backend is the durable store for work payloads. Flush is last-write-wins
// per work id.
type Backend interface {
	Flush(ctx context.Context, workID string, payload []byte, token string) error
}

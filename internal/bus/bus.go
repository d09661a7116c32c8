// Package bus 实现画布消息总线，把一条消息分发给所有关注同一画布的连接
package bus

import (
	"context"

	"github.com/maoniu-cloud/collab-broker/internal/connection"
	"github.com/maoniu-cloud/collab-broker/internal/logger"
	"github.com/maoniu-cloud/collab-broker/internal/message"
	"github.com/maoniu-cloud/collab-broker/internal/registry"
)

// Bus publishes an envelope to every broker process. Each process forwards to
// the subscribed connections it owns. Delivery across processes is
// at-least-once and unordered; local delivery is send-order.
type Bus interface {
	Publish(ctx context.Context, env *message.Envelope) error
}

// Forwarder 处理总线收到的事件：按画布查出关注的连接并转发，跳过发送者，
// 最后给发送者回执
type Forwarder struct {
	registry registry.Registry
	conns    *connection.Manager
}

func NewForwarder(reg registry.Registry, conns *connection.Manager) *Forwarder {
	return &Forwarder{registry: reg, conns: conns}
}

func (f *Forwarder) HandleEvent(ctx context.Context, env *message.Envelope) {
	if env.Data.FromConn == "" || env.Data.WorkID == "" {
		logger.ErrorF("Work bus received event with bad routing fields: type=%s", env.Type)
		return
	}

	fromConn := env.Data.FromConn
	env.Data.FromConn = ""

	connIDs, err := f.registry.GetSubscribers(ctx, env.Data.WorkID)
	if err != nil {
		logger.ErrorF("Work bus error: %v", err)
	}
	for _, connID := range connIDs {
		if connID == fromConn {
			continue
		}
		if conn, ok := f.conns.GetConnection(connID); ok {
			connection.SendEnvelope(conn, env)
		}
	}

	if conn, ok := f.conns.GetConnection(fromConn); ok {
		connection.SendEnvelope(conn, env.Asserted(true, ""))
	}
}

// LocalBus 单进程部署时的直接分发，不经过外部通道
type LocalBus struct {
	forwarder *Forwarder
}

func NewLocalBus(forwarder *Forwarder) *LocalBus {
	return &LocalBus{forwarder: forwarder}
}

func (b *LocalBus) Publish(ctx context.Context, env *message.Envelope) error {
	local := *env
	b.forwarder.HandleEvent(ctx, &local)
	return nil
}

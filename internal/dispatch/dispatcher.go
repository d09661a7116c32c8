// Package dispatch 实现单条消息的处理状态机和连接下线时的清理流程
package dispatch

import (
	"context"

	"github.com/maoniu-cloud/collab-broker/internal/auth"
	"github.com/maoniu-cloud/collab-broker/internal/bus"
	"github.com/maoniu-cloud/collab-broker/internal/connection"
	"github.com/maoniu-cloud/collab-broker/internal/flush"
	"github.com/maoniu-cloud/collab-broker/internal/logger"
	"github.com/maoniu-cloud/collab-broker/internal/message"
	"github.com/maoniu-cloud/collab-broker/internal/registry"
)

const opFailedReply = "operation failed"

type Dispatcher struct {
	registry  registry.Registry
	bus       bus.Bus
	auth      auth.Resolver
	debouncer *flush.Debouncer
	conns     *connection.Manager
}

func NewDispatcher(reg registry.Registry, b bus.Bus, resolver auth.Resolver, debouncer *flush.Debouncer, conns *connection.Manager) *Dispatcher {
	return &Dispatcher{
		registry:  reg,
		bus:       b,
		auth:      resolver,
		debouncer: debouncer,
		conns:     conns,
	}
}

// HandleMessage drives one inbound frame through
// validate -> authenticate -> apply -> fan-out. Failure at any step replies
// to the sender only and stops; the success acknowledgment reaches the
// sender through the bus forwarder.
func (d *Dispatcher) HandleMessage(ctx context.Context, connID string, raw []byte) {
	env, err := message.Decode(raw)
	if err != nil {
		logger.ErrorF("[%s] Received malformed data: %v", connID, err)
		d.reply(connID, (&message.Envelope{}).Asserted(false, message.ErrMalformed.Error()))
		return
	}

	if err := env.Validate(); err != nil {
		logger.ErrorF("[%s] Invalid %s message: %v", connID, env.Type, err)
		d.reply(connID, env.Asserted(false, err.Error()))
		return
	}

	// 通过TOKEN取用户信息
	user, err := d.auth.Resolve(ctx, env.Data.Token)
	if err != nil {
		logger.ErrorF("[%s] Token validation failed: %v", connID, err)
		d.reply(connID, env.Asserted(false, "token validation failed"))
		return
	}

	// 建立画布、连接和用户的关联关系
	if err := d.registry.Subscribe(ctx, env.Data.WorkID, connID, user); err != nil {
		logger.ErrorF("[%s] Fail to register session for work %s, details: %v", connID, env.Data.WorkID, err)
		d.reply(connID, env.Asserted(false, opFailedReply))
		return
	}
	// 有新关注者，撤销缓存的自毁标记
	if err := d.registry.Renew(ctx, env.Data.WorkID); err != nil {
		logger.WarnF("[%s] Fail to renew flush cache for work %s, details: %v", connID, env.Data.WorkID, err)
	}

	switch env.Type {
	case message.TypeWatchWork:
		// 关注画布，除会话登记外无需其它状态变更
	case message.TypeWorkUpdated:
		// 画布更新
		if len(env.Data.WorkData) == 0 {
			logger.ErrorF("[%s] work_updated without work data for work %s", connID, env.Data.WorkID)
			d.reply(connID, env.Asserted(false, message.ErrMissingData.Error()))
			return
		}
		if err := d.debouncer.Enqueue(ctx, env.Data.WorkID, env.Data.WorkData, env.Data.Token); err != nil {
			logger.ErrorF("[%s] Fail to cache update for work %s, details: %v", connID, env.Data.WorkID, err)
			d.reply(connID, env.Asserted(false, opFailedReply))
			return
		}
	case message.TypeHandoverPossession:
		// 转交画布修改权
		if env.Data.Phone == "" {
			logger.ErrorF("[%s] handover_possession without target phone for work %s", connID, env.Data.WorkID)
			d.reply(connID, env.Asserted(false, message.ErrMissingPhone.Error()))
			return
		}
	default:
		// 通用画布消息分发接口
	}

	env.Data.FromConn = connID
	if err := d.bus.Publish(ctx, env); err != nil {
		logger.ErrorF("[%s] Fail to publish %s message for work %s, details: %v", connID, env.Type, env.Data.WorkID, err)
		d.reply(connID, env.Asserted(false, opFailedReply))
	}
}

// HandleClose 清理下线连接的所有会话数据。单个画布清理失败不影响其它画布。
func (d *Dispatcher) HandleClose(ctx context.Context, connID string) {
	note := message.Envelope{Type: message.TypeConnClosed}

	user, err := d.registry.GetUser(ctx, connID)
	if err != nil {
		logger.ErrorF("[%s] Fail to load user during teardown, details: %v", connID, err)
	}
	if user != nil && user.Phone != "" {
		note.Data.Phone = user.Phone
	}

	workIDs, err := d.registry.GetSubscriptions(ctx, connID)
	if err != nil {
		logger.ErrorF("[%s] Fail to load subscriptions during teardown, details: %v", connID, err)
	}
	for _, workID := range workIDs {
		remaining, err := d.registry.Unsubscribe(ctx, workID, connID)
		if err != nil {
			logger.ErrorF("[%s] Fail to unsubscribe work %s, details: %v", connID, workID, err)
			continue
		}
		if len(remaining) == 0 {
			if err := d.registry.RemoveWork(ctx, workID); err != nil {
				logger.ErrorF("[%s] Fail to remove orphaned work %s, details: %v", connID, workID, err)
			}
			// 无人关注，缓存的更新在下个落库周期自毁
			if err := d.registry.MarkObsolete(ctx, workID); err != nil {
				logger.ErrorF("[%s] Fail to mark work %s obsolete, details: %v", connID, workID, err)
			}
			continue
		}
		event := note
		event.Data.WorkID = workID
		event.Data.FromConn = connID
		if err := d.bus.Publish(ctx, &event); err != nil {
			logger.ErrorF("[%s] Fail to publish connection_closed for work %s, details: %v", connID, workID, err)
		}
	}

	if err := d.registry.RemoveConnection(ctx, connID); err != nil {
		logger.ErrorF("[%s] Fail to remove connection data, details: %v", connID, err)
	}
}

func (d *Dispatcher) reply(connID string, env *message.Envelope) {
	if conn, ok := d.conns.GetConnection(connID); ok {
		connection.SendEnvelope(conn, env)
	}
}

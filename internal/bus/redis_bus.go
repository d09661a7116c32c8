package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/maoniu-cloud/collab-broker/internal/config"
	"github.com/maoniu-cloud/collab-broker/internal/logger"
	"github.com/maoniu-cloud/collab-broker/internal/message"
	"github.com/maoniu-cloud/collab-broker/internal/registry"
	"github.com/maoniu-cloud/collab-broker/internal/utils"
)

// RedisBus 基于Redis发布订阅实现的跨进程消息总线。发布和订阅使用独立的
// 客户端：发布失败只废弃发布客户端，订阅连接交给go-redis自动重连。
type RedisBus struct {
	channel   string
	forwarder *Forwarder
	opts      *redis.Options

	mu     sync.Mutex
	pub    *redis.Client
	sub    *redis.Client
	pubsub *redis.PubSub
}

func NewRedisBus(cfg config.Config, forwarder *Forwarder) *RedisBus {
	return &RedisBus{
		channel:   cfg.BusChannel,
		forwarder: forwarder,
		opts: &redis.Options{
			Addr:        fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: utils.DurationOr(cfg.Redis.DialTimeout, 0),
			PoolSize:    cfg.Redis.PoolSize,
		},
	}
}

// Start 订阅总线通道并启动接收循环
func (b *RedisBus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.sub == nil {
		b.sub = redis.NewClient(b.opts)
	}
	sub := b.sub
	b.mu.Unlock()

	pubsub := sub.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("%w: subscribe %s: %v", registry.ErrStoreUnavailable, b.channel, err)
	}

	b.mu.Lock()
	b.pubsub = pubsub
	b.mu.Unlock()

	go b.receive(pubsub)
	logger.InfoF("Work bus subscribed to channel %s", b.channel)
	return nil
}

func (b *RedisBus) receive(pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		env, err := message.Decode([]byte(msg.Payload))
		if err != nil {
			logger.ErrorF("Work bus received malformed event: %v", err)
			continue
		}
		b.forwarder.HandleEvent(context.Background(), env)
	}
}

func (b *RedisBus) Publish(ctx context.Context, env *message.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode bus event: %w", err)
	}
	if err := b.pubHandle().Publish(ctx, b.channel, data).Err(); err != nil {
		b.invalidatePub()
		return fmt.Errorf("%w: publish: %v", registry.ErrStoreUnavailable, err)
	}
	return nil
}

func (b *RedisBus) pubHandle() *redis.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pub == nil {
		b.pub = redis.NewClient(b.opts)
	}
	return b.pub
}

// invalidatePub 只废弃发布客户端，订阅连接保持不动
func (b *RedisBus) invalidatePub() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pub != nil {
		_ = b.pub.Close()
		b.pub = nil
	}
}

func (b *RedisBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		_ = b.pubsub.Close()
		b.pubsub = nil
	}
	if b.sub != nil {
		_ = b.sub.Close()
		b.sub = nil
	}
	if b.pub != nil {
		_ = b.pub.Close()
		b.pub = nil
	}
}

type CloseCallback struct {
	bus *RedisBus
}

func NewCloseCallback(bus *RedisBus) *CloseCallback {
	return &CloseCallback{bus: bus}
}

func (cc *CloseCallback) Invoke(_ context.Context) error {
	logger.InfoF("Closing work bus connection")
	cc.bus.close()
	return nil
}

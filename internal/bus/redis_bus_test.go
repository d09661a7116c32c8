package bus

import (
	"context"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/maoniu-cloud/collab-broker/internal/config"
	"github.com/maoniu-cloud/collab-broker/internal/connection"
	"github.com/maoniu-cloud/collab-broker/internal/message"
	"github.com/maoniu-cloud/collab-broker/internal/registry"
)

func TestPublishFailureKeepsSubscription(t *testing.T) {
	var cfg config.Config
	cfg.BusChannel = "work_bus"
	cfg.Redis.Host = "127.0.0.1"
	// 无服务监听的端口，发布必然失败
	cfg.Redis.Port = 1
	cfg.Redis.DialTimeout = "1s"

	b := NewRedisBus(cfg, NewForwarder(registry.NewMemoryRegistry(), connection.NewManager()))
	pubsub := &redis.PubSub{}
	b.pubsub = pubsub

	env := &message.Envelope{Type: message.TypeWatchWork}
	env.Data.WorkID = "w1"
	env.Data.FromConn = "a"
	if err := b.Publish(context.Background(), env); err == nil {
		t.Fatal("Except publish to fail with no server listening")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != pubsub {
		t.Error("Except subscription untouched after a failed publish")
	}
	if b.pub != nil {
		t.Error("Except publish client discarded for rebuild on next use")
	}
}

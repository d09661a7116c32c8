// Package reaper 周期性清理长时间无通讯的连接
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/maoniu-cloud/collab-broker/internal/connection"
	"github.com/maoniu-cloud/collab-broker/internal/logger"
)

// Reaper force-closes local connections that have been silent past the
// threshold. Closing goes through the transport's normal teardown, the same
// path as a client-initiated disconnect.
type Reaper struct {
	conns     *connection.Manager
	interval  time.Duration
	threshold time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

func New(conns *connection.Manager, interval, threshold time.Duration) *Reaper {
	return &Reaper{
		conns:     conns,
		interval:  interval,
		threshold: threshold,
		stop:      make(chan struct{}),
	}
}

func (r *Reaper) Start() {
	go r.loop()
	logger.InfoF("Heartbeat reaper started, interval=%v, threshold=%v", r.interval, r.threshold)
}

func (r *Reaper) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

func (r *Reaper) sweep(now time.Time) {
	r.conns.Range(func(conn connection.Conn) bool {
		last := conn.LastActivity()
		// 有可能该连接还没收到过消息，则活跃时间设置为当前时间
		if last.IsZero() {
			conn.Touch(now)
			return true
		}
		// 上次通讯时间间隔大于心跳阈值，则认为客户端已经下线，关闭连接
		if now.Sub(last) > r.threshold {
			logger.InfoF("[%s] Connection silent for %v, closing", conn.ID(), now.Sub(last))
			_ = conn.Close()
		}
		return true
	})
}

type CloseCallback struct {
	reaper *Reaper
}

func NewCloseCallback(reaper *Reaper) *CloseCallback {
	return &CloseCallback{reaper: reaper}
}

func (cc *CloseCallback) Invoke(_ context.Context) error {
	cc.reaper.stopOnce.Do(func() { close(cc.reaper.stop) })
	return nil
}

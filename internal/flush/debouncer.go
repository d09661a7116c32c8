// Package flush 把高频的画布更新合并成周期性的落库写入
package flush

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/maoniu-cloud/collab-broker/internal/logger"
	"github.com/maoniu-cloud/collab-broker/internal/persist"
	"github.com/maoniu-cloud/collab-broker/internal/registry"
)

// Debouncer owns at most one recurring flush timer per work in this process.
// The registry timer slot keeps other processes from installing a second one;
// the slot is best effort, a race duplicates one tick's flush with identical
// payloads.
type Debouncer struct {
	registry registry.Registry
	backend  persist.Backend
	interval time.Duration

	mu     sync.Mutex
	timers map[string]*workTimer
}

type workTimer struct {
	ticker *time.Ticker
	stop   chan struct{}
}

func NewDebouncer(reg registry.Registry, backend persist.Backend, interval time.Duration) *Debouncer {
	return &Debouncer{
		registry: reg,
		backend:  backend,
		interval: interval,
		timers:   make(map[string]*workTimer),
	}
}

// Enqueue 缓存一次画布更新并保证落库定时器在运行。缓存内是最后写入胜出。
func (d *Debouncer) Enqueue(ctx context.Context, workID string, payload json.RawMessage, token string) error {
	if err := d.registry.SaveCache(ctx, workID, payload, token); err != nil {
		return err
	}
	d.ensureTimer(ctx, workID)
	return nil
}

func (d *Debouncer) ensureTimer(ctx context.Context, workID string) {
	d.mu.Lock()
	_, running := d.timers[workID]
	d.mu.Unlock()
	if running {
		return
	}

	held, err := d.registry.AcquireTimerSlot(ctx, workID)
	if err != nil {
		logger.ErrorF("Fail to acquire flush timer slot for work %s, details: %v", workID, err)
		return
	}
	if !held {
		// 定时器已由其它进程持有
		return
	}

	t := &workTimer{ticker: time.NewTicker(d.interval), stop: make(chan struct{})}
	d.mu.Lock()
	if _, running := d.timers[workID]; running {
		d.mu.Unlock()
		t.ticker.Stop()
		_ = d.registry.ReleaseTimerSlot(ctx, workID)
		return
	}
	d.timers[workID] = t
	d.mu.Unlock()

	logger.DebugF("Flush timer installed for work %s", workID)
	go d.run(workID, t)
}

func (d *Debouncer) run(workID string, t *workTimer) {
	for {
		select {
		case <-t.stop:
			return
		case <-t.ticker.C:
			if done := d.tick(context.Background(), workID); done {
				d.stopTimer(context.Background(), workID)
				return
			}
		}
	}
}

// tick 执行一次落库检查，返回true表示定时器应当停止。每次触发都重新从
// 会话存储读取当前状态，不依赖创建定时器时的快照。
func (d *Debouncer) tick(ctx context.Context, workID string) bool {
	cache, err := d.registry.GetCache(ctx, workID)
	if err != nil {
		logger.ErrorF("Fail to read flush cache for work %s, details: %v", workID, err)
		return false
	}
	if cache == nil {
		// 过期或重复的触发
		return true
	}

	if cache.Dirty && len(cache.Payload) > 0 {
		if err := d.backend.Flush(ctx, workID, cache.Payload, cache.Token); err != nil {
			// 保留缓存，下个周期重试
			logger.ErrorF("Fail to save work %s, details: %v", workID, err)
			return false
		}
		// 带上版本号，落库期间写入的新内容保持脏标记
		if err := d.registry.MarkFlushed(ctx, workID, cache.Version); err != nil {
			logger.ErrorF("Fail to mark work %s flushed, details: %v", workID, err)
		}
		cache, err = d.registry.GetCache(ctx, workID)
		if err != nil {
			logger.ErrorF("Fail to re-read flush cache for work %s, details: %v", workID, err)
			return false
		}
		if cache == nil {
			return true
		}
	}

	if cache.Obsolete {
		if err := d.registry.DeleteCache(ctx, workID); err != nil {
			logger.ErrorF("Fail to delete flush cache for work %s, details: %v", workID, err)
			return false
		}
		logger.DebugF("Work %s has no watchers, flush cache removed", workID)
		return true
	}
	return false
}

func (d *Debouncer) stopTimer(ctx context.Context, workID string) {
	d.mu.Lock()
	t, ok := d.timers[workID]
	if ok {
		delete(d.timers, workID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	t.ticker.Stop()
	close(t.stop)
	if err := d.registry.ReleaseTimerSlot(ctx, workID); err != nil {
		logger.ErrorF("Fail to release flush timer slot for work %s, details: %v", workID, err)
	}
	logger.DebugF("Flush timer stopped for work %s", workID)
}

type CloseCallback struct {
	debouncer *Debouncer
}

func NewCloseCallback(debouncer *Debouncer) *CloseCallback {
	return &CloseCallback{debouncer: debouncer}
}

// Invoke 停止所有本进程持有的定时器并释放对应的槽位
func (cc *CloseCallback) Invoke(ctx context.Context) error {
	d := cc.debouncer
	d.mu.Lock()
	workIDs := make([]string, 0, len(d.timers))
	for workID := range d.timers {
		workIDs = append(workIDs, workID)
	}
	d.mu.Unlock()
	for _, workID := range workIDs {
		d.stopTimer(ctx, workID)
	}
	return nil
}

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/maoniu-cloud/collab-broker/internal/auth"
	"github.com/maoniu-cloud/collab-broker/internal/config"
	"github.com/maoniu-cloud/collab-broker/internal/logger"
	"github.com/maoniu-cloud/collab-broker/internal/utils"
)

const keyPrefix = "worksession_"

func workConnsKey(workID string) string { return keyPrefix + "conns_" + workID }
func connWorksKey(connID string) string { return keyPrefix + "works_" + connID }
func connUserKey(connID string) string  { return keyPrefix + "user_" + connID }
func workCacheKey(workID string) string { return keyPrefix + "cache_" + workID }
func workTimerKey(workID string) string { return keyPrefix + "timer_" + workID }

// RedisRegistry 基于Redis实现的会话存储。任何一次操作失败都会废弃当前连接
// 句柄，下一次调用时重新建连。
type RedisRegistry struct {
	mu   sync.Mutex
	rdb  *redis.Client
	opts *redis.Options
}

func NewRedisRegistry(cfg config.Config) *RedisRegistry {
	return &RedisRegistry{
		opts: &redis.Options{
			Addr:        fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: utils.DurationOr(cfg.Redis.DialTimeout, 0),
			ReadTimeout: utils.DurationOr(cfg.Redis.ReadTimeout, 0),
			PoolSize:    cfg.Redis.PoolSize,
		},
	}
}

// Connect 启动时验证Redis可达
func (r *RedisRegistry) Connect(ctx context.Context) error {
	client := r.handle()
	if err := client.Ping(ctx).Err(); err != nil {
		r.invalidate()
		return fmt.Errorf("%w: ping: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (r *RedisRegistry) handle() *redis.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rdb == nil {
		r.rdb = redis.NewClient(r.opts)
	}
	return r.rdb
}

func (r *RedisRegistry) invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rdb != nil {
		_ = r.rdb.Close()
		r.rdb = nil
	}
}

func (r *RedisRegistry) fail(op string, err error) error {
	r.invalidate()
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func (r *RedisRegistry) Subscribe(ctx context.Context, workID, connID string, user *auth.User) error {
	client := r.handle()
	if err := client.SAdd(ctx, workConnsKey(workID), connID).Err(); err != nil {
		return r.fail("subscribe work->conn", err)
	}
	if err := client.SAdd(ctx, connWorksKey(connID), workID).Err(); err != nil {
		return r.fail("subscribe conn->work", err)
	}
	if user != nil {
		encoded, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("encode user: %w", err)
		}
		if err := client.Set(ctx, connUserKey(connID), encoded, 0).Err(); err != nil {
			return r.fail("save user", err)
		}
	}
	return nil
}

func (r *RedisRegistry) Unsubscribe(ctx context.Context, workID, connID string) ([]string, error) {
	client := r.handle()
	if err := client.SRem(ctx, workConnsKey(workID), connID).Err(); err != nil {
		return nil, r.fail("unsubscribe", err)
	}
	if err := client.SRem(ctx, connWorksKey(connID), workID).Err(); err != nil {
		return nil, r.fail("unsubscribe", err)
	}
	remaining, err := client.SMembers(ctx, workConnsKey(workID)).Result()
	if err != nil {
		return nil, r.fail("remaining subscribers", err)
	}
	return remaining, nil
}

func (r *RedisRegistry) RemoveWork(ctx context.Context, workID string) error {
	if err := r.handle().Del(ctx, workConnsKey(workID)).Err(); err != nil {
		return r.fail("remove work", err)
	}
	return nil
}

func (r *RedisRegistry) GetSubscribers(ctx context.Context, workID string) ([]string, error) {
	members, err := r.handle().SMembers(ctx, workConnsKey(workID)).Result()
	if err != nil {
		return nil, r.fail("get subscribers", err)
	}
	return members, nil
}

func (r *RedisRegistry) GetSubscriptions(ctx context.Context, connID string) ([]string, error) {
	members, err := r.handle().SMembers(ctx, connWorksKey(connID)).Result()
	if err != nil {
		return nil, r.fail("get subscriptions", err)
	}
	return members, nil
}

func (r *RedisRegistry) GetUser(ctx context.Context, connID string) (*auth.User, error) {
	raw, err := r.handle().Get(ctx, connUserKey(connID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, r.fail("get user", err)
	}
	var user auth.User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		logger.WarnF("Corrupted user entry for connection %s: %v", connID, err)
		return nil, nil
	}
	return &user, nil
}

func (r *RedisRegistry) RemoveConnection(ctx context.Context, connID string) error {
	client := r.handle()
	if err := client.Del(ctx, connWorksKey(connID)).Err(); err != nil {
		return r.fail("remove connection", err)
	}
	if err := client.Del(ctx, connUserKey(connID)).Err(); err != nil {
		return r.fail("remove connection user", err)
	}
	return nil
}

// 缓存以哈希字段存储，标记位的翻转只改自己的字段，不回写荷载
const (
	cacheFieldPayload  = "payload"
	cacheFieldToken    = "token"
	cacheFieldDirty    = "dirty"
	cacheFieldObsolete = "obsolete"
	cacheFieldVersion  = "version"
)

// 仅当缓存存在时翻转标记位，不创建新条目
var setCacheFlagScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
end
return 0
`)

// 仅当版本号仍等于落库时读到的版本才清除脏标记
var clearDirtyScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "version") == ARGV[1] then
	redis.call("HSET", KEYS[1], "dirty", "0")
end
return 0
`)

func (r *RedisRegistry) SaveCache(ctx context.Context, workID string, payload json.RawMessage, token string) error {
	pipe := r.handle().TxPipeline()
	pipe.HSet(ctx, workCacheKey(workID),
		cacheFieldPayload, string(payload),
		cacheFieldToken, token,
		cacheFieldDirty, "1",
		cacheFieldObsolete, "0",
	)
	pipe.HIncrBy(ctx, workCacheKey(workID), cacheFieldVersion, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return r.fail("save cache", err)
	}
	return nil
}

func (r *RedisRegistry) GetCache(ctx context.Context, workID string) (*PendingUpdate, error) {
	fields, err := r.handle().HGetAll(ctx, workCacheKey(workID)).Result()
	if err != nil {
		return nil, r.fail("get cache", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseCache(fields), nil
}

func parseCache(fields map[string]string) *PendingUpdate {
	version, _ := strconv.ParseUint(fields[cacheFieldVersion], 10, 64)
	return &PendingUpdate{
		Payload:  json.RawMessage(fields[cacheFieldPayload]),
		Token:    fields[cacheFieldToken],
		Dirty:    fields[cacheFieldDirty] == "1",
		Obsolete: fields[cacheFieldObsolete] == "1",
		Version:  version,
	}
}

func (r *RedisRegistry) MarkObsolete(ctx context.Context, workID string) error {
	if err := setCacheFlagScript.Run(ctx, r.handle(), []string{workCacheKey(workID)}, cacheFieldObsolete, "1").Err(); err != nil {
		return r.fail("mark obsolete", err)
	}
	return nil
}

func (r *RedisRegistry) Renew(ctx context.Context, workID string) error {
	if err := setCacheFlagScript.Run(ctx, r.handle(), []string{workCacheKey(workID)}, cacheFieldObsolete, "0").Err(); err != nil {
		return r.fail("renew cache", err)
	}
	return nil
}

func (r *RedisRegistry) MarkFlushed(ctx context.Context, workID string, version uint64) error {
	if err := clearDirtyScript.Run(ctx, r.handle(), []string{workCacheKey(workID)}, strconv.FormatUint(version, 10)).Err(); err != nil {
		return r.fail("mark flushed", err)
	}
	return nil
}

func (r *RedisRegistry) DeleteCache(ctx context.Context, workID string) error {
	if err := r.handle().Del(ctx, workCacheKey(workID)).Err(); err != nil {
		return r.fail("delete cache", err)
	}
	return nil
}

func (r *RedisRegistry) AcquireTimerSlot(ctx context.Context, workID string) (bool, error) {
	acquired, err := r.handle().SetNX(ctx, workTimerKey(workID), "1", 0).Result()
	if err != nil {
		return false, r.fail("acquire timer slot", err)
	}
	return acquired, nil
}

func (r *RedisRegistry) ReleaseTimerSlot(ctx context.Context, workID string) error {
	if err := r.handle().Del(ctx, workTimerKey(workID)).Err(); err != nil {
		return r.fail("release timer slot", err)
	}
	return nil
}

func (r *RedisRegistry) Reset(ctx context.Context) error {
	client := r.handle()
	keys, err := client.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return r.fail("reset", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := client.Del(ctx, keys...).Err(); err != nil {
		return r.fail("reset", err)
	}
	logger.DebugF("Session registry reset, %d keys removed", len(keys))
	return nil
}

type CloseCallback struct {
	registry *RedisRegistry
}

func NewCloseCallback(registry *RedisRegistry) *CloseCallback {
	return &CloseCallback{registry: registry}
}

func (cc *CloseCallback) Invoke(_ context.Context) error {
	logger.InfoF("Closing session registry connection")
	cc.registry.invalidate()
	return nil
}

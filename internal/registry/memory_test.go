package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/maoniu-cloud/collab-broker/internal/auth"
)

func contains(members []string, want string) bool {
	for _, m := range members {
		if m == want {
			return true
		}
	}
	return false
}

// checkMirror verifies both directions of a subscription edge agree.
func checkMirror(t *testing.T, reg Registry, workID, connID string, subscribed bool) {
	t.Helper()
	ctx := context.Background()
	subs, err := reg.GetSubscribers(ctx, workID)
	if err != nil {
		t.Fatal(err)
	}
	works, err := reg.GetSubscriptions(ctx, connID)
	if err != nil {
		t.Fatal(err)
	}
	if contains(subs, connID) != subscribed || contains(works, workID) != subscribed {
		t.Fatalf("Mirror invariant broken for (%s, %s): subscribers=%v, subscriptions=%v, expected subscribed=%v",
			workID, connID, subs, works, subscribed)
	}
}

func TestSubscribeUnsubscribeMirror(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	userA := &auth.User{Phone: "13800000001"}
	if err := reg.Subscribe(ctx, "w1", "a", userA); err != nil {
		t.Fatal(err)
	}
	checkMirror(t, reg, "w1", "a", true)

	// 重复关注应当幂等
	if err := reg.Subscribe(ctx, "w1", "a", userA); err != nil {
		t.Fatal(err)
	}
	subs, _ := reg.GetSubscribers(ctx, "w1")
	if len(subs) != 1 {
		t.Fatalf("Except 1 subscriber after duplicate subscribe, but got %d", len(subs))
	}

	if err := reg.Subscribe(ctx, "w1", "b", &auth.User{Phone: "13800000002"}); err != nil {
		t.Fatal(err)
	}
	checkMirror(t, reg, "w1", "b", true)

	remaining, err := reg.Unsubscribe(ctx, "w1", "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0] != "b" {
		t.Fatalf("Except remaining [b], but got %v", remaining)
	}
	checkMirror(t, reg, "w1", "a", false)
	checkMirror(t, reg, "w1", "b", true)

	remaining, err = reg.Unsubscribe(ctx, "w1", "b")
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 0 {
		t.Fatalf("Except empty set, but got %v", remaining)
	}
	checkMirror(t, reg, "w1", "b", false)
}

func TestReadsOnMissingKeysReturnEmpty(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	if subs, err := reg.GetSubscribers(ctx, "nope"); err != nil || len(subs) != 0 {
		t.Errorf("GetSubscribers on missing work: %v, %v", subs, err)
	}
	if works, err := reg.GetSubscriptions(ctx, "nope"); err != nil || len(works) != 0 {
		t.Errorf("GetSubscriptions on missing conn: %v, %v", works, err)
	}
	if user, err := reg.GetUser(ctx, "nope"); err != nil || user != nil {
		t.Errorf("GetUser on missing conn: %v, %v", user, err)
	}
	if cache, err := reg.GetCache(ctx, "nope"); err != nil || cache != nil {
		t.Errorf("GetCache on missing work: %v, %v", cache, err)
	}
}

func TestRemoveConnection(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	_ = reg.Subscribe(ctx, "w1", "a", &auth.User{Phone: "13800000001"})
	_ = reg.Subscribe(ctx, "w2", "a", nil)

	if err := reg.RemoveConnection(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if works, _ := reg.GetSubscriptions(ctx, "a"); len(works) != 0 {
		t.Errorf("Except no subscriptions after removal, but got %v", works)
	}
	if user, _ := reg.GetUser(ctx, "a"); user != nil {
		t.Errorf("Except no user after removal, but got %+v", user)
	}
}

func TestCacheLifecycle(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	payload := json.RawMessage(`{"shapes":[1,2]}`)
	if err := reg.SaveCache(ctx, "w1", payload, "tok"); err != nil {
		t.Fatal(err)
	}

	cache, err := reg.GetCache(ctx, "w1")
	if err != nil || cache == nil {
		t.Fatalf("Except cached update, but got %v, %v", cache, err)
	}
	if !cache.Dirty || cache.Obsolete || cache.Token != "tok" {
		t.Fatalf("Unexpected fresh cache state: %+v", cache)
	}

	if err := reg.MarkObsolete(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	cache, _ = reg.GetCache(ctx, "w1")
	if !cache.Obsolete {
		t.Fatal("Except obsolete flag set")
	}

	if err := reg.Renew(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	cache, _ = reg.GetCache(ctx, "w1")
	if cache.Obsolete {
		t.Fatal("Except obsolete flag cleared by renew")
	}

	if err := reg.MarkFlushed(ctx, "w1", cache.Version); err != nil {
		t.Fatal(err)
	}
	cache, _ = reg.GetCache(ctx, "w1")
	if cache.Dirty {
		t.Fatal("Except dirty flag cleared after flush")
	}

	// 保存新内容后重新变脏，版本号递增
	if err := reg.SaveCache(ctx, "w1", payload, "tok2"); err != nil {
		t.Fatal(err)
	}
	cache, _ = reg.GetCache(ctx, "w1")
	if !cache.Dirty || cache.Token != "tok2" || cache.Version != 2 {
		t.Fatalf("Except dirty cache with refreshed token and bumped version, but got %+v", cache)
	}

	if err := reg.DeleteCache(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	if cache, _ := reg.GetCache(ctx, "w1"); cache != nil {
		t.Fatalf("Except cache removed, but got %+v", cache)
	}
}

func TestMarkFlushedStaleVersionKeepsDirty(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	if err := reg.SaveCache(ctx, "w1", json.RawMessage(`"v1"`), "tok"); err != nil {
		t.Fatal(err)
	}
	flushed, _ := reg.GetCache(ctx, "w1")

	// 落库期间又写入了新内容
	if err := reg.SaveCache(ctx, "w1", json.RawMessage(`"v2"`), "tok"); err != nil {
		t.Fatal(err)
	}
	if err := reg.MarkFlushed(ctx, "w1", flushed.Version); err != nil {
		t.Fatal(err)
	}

	cache, _ := reg.GetCache(ctx, "w1")
	if cache == nil || !cache.Dirty {
		t.Fatalf("Except newer cache to stay dirty after stale flush ack, but got %+v", cache)
	}
	if err := reg.MarkFlushed(ctx, "w1", cache.Version); err != nil {
		t.Fatal(err)
	}
	cache, _ = reg.GetCache(ctx, "w1")
	if cache.Dirty {
		t.Fatal("Except matching version to clear the dirty flag")
	}
}

func TestObsoleteOnMissingCacheIsNoop(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	if err := reg.MarkObsolete(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	if cache, _ := reg.GetCache(ctx, "w1"); cache != nil {
		t.Fatalf("MarkObsolete must not create a cache entry, got %+v", cache)
	}
}

func TestTimerSlot(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	held, err := reg.AcquireTimerSlot(ctx, "w1")
	if err != nil || !held {
		t.Fatalf("Except first acquire to succeed, got %v, %v", held, err)
	}
	held, err = reg.AcquireTimerSlot(ctx, "w1")
	if err != nil || held {
		t.Fatalf("Except second acquire to fail, got %v, %v", held, err)
	}
	if err := reg.ReleaseTimerSlot(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	held, _ = reg.AcquireTimerSlot(ctx, "w1")
	if !held {
		t.Fatal("Except acquire to succeed after release")
	}
}

func TestReset(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	_ = reg.Subscribe(ctx, "w1", "a", &auth.User{Phone: "13800000001"})
	_ = reg.SaveCache(ctx, "w1", json.RawMessage(`{}`), "tok")
	_, _ = reg.AcquireTimerSlot(ctx, "w1")

	if err := reg.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if subs, _ := reg.GetSubscribers(ctx, "w1"); len(subs) != 0 {
		t.Errorf("Except empty registry after reset, but got %v", subs)
	}
	if cache, _ := reg.GetCache(ctx, "w1"); cache != nil {
		t.Errorf("Except no cache after reset, but got %+v", cache)
	}
	if held, _ := reg.AcquireTimerSlot(ctx, "w1"); !held {
		t.Error("Except timer slot free after reset")
	}
}

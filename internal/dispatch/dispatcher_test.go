package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/maoniu-cloud/collab-broker/internal/auth"
	"github.com/maoniu-cloud/collab-broker/internal/bus"
	"github.com/maoniu-cloud/collab-broker/internal/connection"
	"github.com/maoniu-cloud/collab-broker/internal/flush"
	"github.com/maoniu-cloud/collab-broker/internal/message"
	"github.com/maoniu-cloud/collab-broker/internal/registry"
)

type fakeConn struct {
	id   string
	mu   sync.Mutex
	sent [][]byte
	last time.Time
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return true
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) LastActivity() time.Time { return c.last }

func (c *fakeConn) Touch(t time.Time) { c.last = t }

func (c *fakeConn) envelopes(t *testing.T) []message.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	envs := make([]message.Envelope, 0, len(c.sent))
	for _, raw := range c.sent {
		var env message.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("Fail to decode sent frame %s: %v", raw, err)
		}
		envs = append(envs, env)
	}
	return envs
}

func (c *fakeConn) ofType(t *testing.T, msgType string) []message.Envelope {
	var matched []message.Envelope
	for _, env := range c.envelopes(t) {
		if env.Type == msgType {
			matched = append(matched, env)
		}
	}
	return matched
}

type fakeResolver struct {
	users map[string]*auth.User
}

func (r *fakeResolver) Resolve(_ context.Context, token string) (*auth.User, error) {
	if user, ok := r.users[token]; ok {
		return user, nil
	}
	return nil, auth.ErrAuthFailed
}

type fakeBackend struct{}

func (fakeBackend) Flush(context.Context, string, []byte, string) error { return nil }

type harness struct {
	reg        *registry.MemoryRegistry
	conns      *connection.Manager
	dispatcher *Dispatcher
}

func newHarness() *harness {
	reg := registry.NewMemoryRegistry()
	conns := connection.NewManager()
	localBus := bus.NewLocalBus(bus.NewForwarder(reg, conns))
	debouncer := flush.NewDebouncer(reg, fakeBackend{}, time.Hour)
	resolver := &fakeResolver{users: map[string]*auth.User{
		"tok-a": {Phone: "13800000001", Name: "alice"},
		"tok-b": {Phone: "13800000002", Name: "bob"},
	}}
	return &harness{
		reg:        reg,
		conns:      conns,
		dispatcher: NewDispatcher(reg, localBus, resolver, debouncer, conns),
	}
}

func (h *harness) addConn(id string) *fakeConn {
	conn := &fakeConn{id: id}
	h.conns.AddConnection(conn)
	return conn
}

func (h *harness) send(connID, raw string) {
	h.dispatcher.HandleMessage(context.Background(), connID, []byte(raw))
}

func watchMsg(token, workID string) string {
	return fmt.Sprintf(`{"type":"watch_work","data":{"token":%q,"workId":%q}}`, token, workID)
}

func updateMsg(token, workID, payload string) string {
	return fmt.Sprintf(`{"type":"work_updated","data":{"token":%q,"workId":%q,"workData":%s}}`, token, workID, payload)
}

func TestUpdateFansOutToOtherWatchers(t *testing.T) {
	h := newHarness()
	a := h.addConn("a")
	b := h.addConn("b")

	h.send("a", watchMsg("tok-a", "w1"))
	h.send("b", watchMsg("tok-b", "w1"))
	h.send("a", updateMsg("tok-a", "w1", `"X"`))

	updates := b.ofType(t, "work_updated")
	if len(updates) != 1 {
		t.Fatalf("Except B to receive one update, but got %d", len(updates))
	}
	if string(updates[0].Data.WorkData) != `"X"` {
		t.Errorf("Except payload \"X\", but got %s", updates[0].Data.WorkData)
	}
	if updates[0].Success != nil {
		t.Error("Broadcast copy must not carry the ack flag")
	}
	if updates[0].Data.FromConn != "" {
		t.Errorf("Routing field must be stripped before delivery, got %q", updates[0].Data.FromConn)
	}

	acks := a.ofType(t, "work_updated")
	if len(acks) != 1 {
		t.Fatalf("Except A to receive exactly one copy of its own update, but got %d", len(acks))
	}
	if acks[0].Success == nil || !*acks[0].Success {
		t.Error("Except A's copy to be the success acknowledgment")
	}

	subs, _ := h.reg.GetSubscribers(context.Background(), "w1")
	if len(subs) != 2 {
		t.Errorf("Except two subscribers, but got %v", subs)
	}
}

func TestUpdateIsCachedForDebouncedFlush(t *testing.T) {
	h := newHarness()
	h.addConn("a")

	h.send("a", updateMsg("tok-a", "w1", `{"shapes":[]}`))

	cache, err := h.reg.GetCache(context.Background(), "w1")
	if err != nil || cache == nil {
		t.Fatalf("Except cached update, got %v, %v", cache, err)
	}
	if !cache.Dirty || cache.Token != "tok-a" {
		t.Errorf("Unexpected cache state: %+v", cache)
	}
	if held, _ := h.reg.AcquireTimerSlot(context.Background(), "w1"); held {
		t.Error("Except flush timer slot to be held")
	}
}

func TestDisconnectNotifiesRemainingWatchers(t *testing.T) {
	h := newHarness()
	h.addConn("a")
	b := h.addConn("b")
	ctx := context.Background()

	h.send("a", watchMsg("tok-a", "w1"))
	h.send("b", watchMsg("tok-b", "w1"))

	// 传输层先移除连接，再走清理流程
	h.conns.RemoveConnection("a")
	h.dispatcher.HandleClose(ctx, "a")

	closed := b.ofType(t, "connection_closed")
	if len(closed) != 1 {
		t.Fatalf("Except B to receive one connection_closed event, but got %d", len(closed))
	}
	if closed[0].Data.Phone != "13800000001" {
		t.Errorf("Except departing user's phone, but got %q", closed[0].Data.Phone)
	}

	subs, _ := h.reg.GetSubscribers(ctx, "w1")
	if len(subs) != 1 || subs[0] != "b" {
		t.Errorf("Except subscribers {b}, but got %v", subs)
	}
	if user, _ := h.reg.GetUser(ctx, "a"); user != nil {
		t.Errorf("Except A's identity removed, but got %+v", user)
	}
}

func TestLastDisconnectMarksCacheObsolete(t *testing.T) {
	h := newHarness()
	h.addConn("a")
	ctx := context.Background()

	h.send("a", updateMsg("tok-a", "w1", `"X"`))

	h.conns.RemoveConnection("a")
	h.dispatcher.HandleClose(ctx, "a")

	subs, _ := h.reg.GetSubscribers(ctx, "w1")
	if len(subs) != 0 {
		t.Fatalf("Except no subscribers, but got %v", subs)
	}
	cache, _ := h.reg.GetCache(ctx, "w1")
	if cache == nil || !cache.Obsolete {
		t.Fatalf("Except cache marked obsolete, but got %+v", cache)
	}
}

func TestWatchAfterObsoleteRenewsCache(t *testing.T) {
	h := newHarness()
	h.addConn("a")
	h.addConn("b")
	ctx := context.Background()

	h.send("a", updateMsg("tok-a", "w1", `"X"`))
	h.conns.RemoveConnection("a")
	h.dispatcher.HandleClose(ctx, "a")

	// 缓存尚未自毁时又有新的关注者
	h.send("b", watchMsg("tok-b", "w1"))

	cache, _ := h.reg.GetCache(ctx, "w1")
	if cache == nil || cache.Obsolete {
		t.Fatalf("Except renewed cache, but got %+v", cache)
	}
}

func TestInvalidTokenRejectedWithoutSubscription(t *testing.T) {
	h := newHarness()
	c := h.addConn("c")

	h.send("c", updateMsg("bad-token", "w1", `"X"`))

	envs := c.envelopes(t)
	if len(envs) != 1 {
		t.Fatalf("Except one error reply, but got %d", len(envs))
	}
	if envs[0].Success == nil || *envs[0].Success {
		t.Error("Except success=false reply")
	}
	if envs[0].Message != "token validation failed" {
		t.Errorf("Unexpected reply message: %q", envs[0].Message)
	}

	subs, _ := h.reg.GetSubscribers(context.Background(), "w1")
	if len(subs) != 0 {
		t.Errorf("Except no subscribers after rejected message, but got %v", subs)
	}
}

func TestValidationReplies(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
	}{
		{"malformed", `not json at all`, "unknown request type"},
		{"no type", `{"data":{"token":"tok-a","workId":"w1"}}`, "unknown request type"},
		{"no token", `{"type":"watch_work","data":{"workId":"w1"}}`, "missing token"},
		{"no work id", `{"type":"watch_work","data":{"token":"tok-a"}}`, "missing work id"},
		{"no work data", `{"type":"work_updated","data":{"token":"tok-a","workId":"w1"}}`, "missing work data"},
		{"no phone", `{"type":"handover_possession","data":{"token":"tok-a","workId":"w1"}}`, "missing user phone"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := newHarness()
			c := h.addConn("c")

			h.send("c", test.raw)

			envs := c.envelopes(t)
			if len(envs) != 1 {
				t.Fatalf("Except one reply, but got %d", len(envs))
			}
			if envs[0].Success == nil || *envs[0].Success {
				t.Error("Except success=false reply")
			}
			if envs[0].Message != test.expected {
				t.Errorf("Except message %q, but got %q", test.expected, envs[0].Message)
			}
		})
	}
}

func TestPayloadErrorStillSubscribes(t *testing.T) {
	h := newHarness()
	h.addConn("c")

	// 消息本身有效且通过了鉴权，会话登记先于荷载校验
	h.send("c", `{"type":"work_updated","data":{"token":"tok-a","workId":"w1"}}`)

	subs, _ := h.reg.GetSubscribers(context.Background(), "w1")
	if len(subs) != 1 || subs[0] != "c" {
		t.Errorf("Except subscription to survive a payload error, but got %v", subs)
	}
}

func TestUnknownTypeIsPassThrough(t *testing.T) {
	h := newHarness()
	a := h.addConn("a")
	b := h.addConn("b")

	h.send("a", watchMsg("tok-a", "w1"))
	h.send("b", watchMsg("tok-b", "w1"))
	h.send("a", `{"type":"cursor_moved","data":{"token":"tok-a","workId":"w1","x":42}}`)

	moved := b.ofType(t, "cursor_moved")
	if len(moved) != 1 {
		t.Fatalf("Except unknown type to fan out, but got %d messages", len(moved))
	}
	if string(moved[0].Data.Extra["x"]) != "42" {
		t.Errorf("Except extra field to pass through, but got %s", moved[0].Data.Extra["x"])
	}

	acks := a.ofType(t, "cursor_moved")
	if len(acks) != 1 || acks[0].Success == nil || !*acks[0].Success {
		t.Error("Except sender to receive the acknowledgment copy")
	}
}

func TestHandoverRequiresPhoneThenFansOut(t *testing.T) {
	h := newHarness()
	h.addConn("a")
	b := h.addConn("b")

	h.send("a", watchMsg("tok-a", "w1"))
	h.send("b", watchMsg("tok-b", "w1"))
	h.send("a", `{"type":"handover_possession","data":{"token":"tok-a","workId":"w1","phone":"13800000002"}}`)

	handovers := b.ofType(t, "handover_possession")
	if len(handovers) != 1 {
		t.Fatalf("Except handover to fan out, but got %d", len(handovers))
	}
	if handovers[0].Data.Phone != "13800000002" {
		t.Errorf("Except target phone to be delivered, but got %q", handovers[0].Data.Phone)
	}
}

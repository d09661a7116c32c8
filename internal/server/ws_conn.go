package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/maoniu-cloud/collab-broker/internal/logger"
)

// wsConn 包装一个WebSocket连接，实现connection.Conn接口
type wsConn struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex
	// 上次通讯时间，UnixNano，0表示还未有过通讯
	lastActivity atomic.Int64
}

func newWSConn(id string, ws *websocket.Conn) *wsConn {
	return &wsConn{id: id, ws: ws}
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) Send(data []byte) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		logger.ErrorF("[%s] Fail to send data, details: %v", c.id, err)
		return false
	}
	logger.DebugF("[%s] Send %d bytes to client", c.id, len(data))
	return true
}

// Close 直接关闭底层连接，不等待关闭握手
func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) LastActivity() time.Time {
	nano := c.lastActivity.Load()
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

func (c *wsConn) Touch(t time.Time) {
	c.lastActivity.Store(t.UnixNano())
}

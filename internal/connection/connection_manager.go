// Package connection 实现了本进程WebSocket连接的管理功能
package connection

import (
	"sync"
	"time"

	"github.com/maoniu-cloud/collab-broker/internal/logger"
)

// Conn 表示一个本进程持有的客户端连接
type Conn interface {
	ID() string
	// Send writes one frame. A false return means the frame was not written.
	Send(data []byte) bool
	Close() error
	LastActivity() time.Time
	// Touch records activity. The transport calls it on every inbound frame,
	// the sender on every successful outbound frame.
	Touch(t time.Time)
}

// Manager 连接管理器
type Manager struct {
	connections sync.Map
}

var (
	instance *Manager
	once     sync.Once
)

// GetManager 获取连接管理器实例
func GetManager() *Manager {
	once.Do(func() {
		instance = &Manager{}
	})
	return instance
}

// NewManager returns an isolated manager, used by tests.
func NewManager() *Manager {
	return &Manager{}
}

// AddConnection 添加连接
func (m *Manager) AddConnection(conn Conn) {
	m.connections.Store(conn.ID(), conn)
	logger.InfoF("Connection %s registered", conn.ID())
}

// RemoveConnection 移除连接
func (m *Manager) RemoveConnection(connID string) {
	m.connections.Delete(connID)
	logger.InfoF("Connection %s removed", connID)
}

// GetConnection 获取连接
func (m *Manager) GetConnection(connID string) (Conn, bool) {
	if value, ok := m.connections.Load(connID); ok {
		return value.(Conn), true
	}
	return nil, false
}

// Range 遍历所有本地连接
func (m *Manager) Range(visit func(conn Conn) bool) {
	m.connections.Range(func(_, value any) bool {
		return visit(value.(Conn))
	})
}

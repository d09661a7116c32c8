// Package connection 实现了消息发送功能
package connection

import (
	"time"

	"github.com/maoniu-cloud/collab-broker/internal/logger"
	"github.com/maoniu-cloud/collab-broker/internal/message"
)

// SendEnvelope 发送消息给指定连接，发送成功时刷新连接的活跃时间
func SendEnvelope(conn Conn, env *message.Envelope) bool {
	data, err := env.Encode()
	if err != nil {
		logger.ErrorF("[%s] Fail to encode message, details: %v", conn.ID(), err)
		return false
	}
	ok := conn.Send(data)
	if ok {
		conn.Touch(time.Now())
	} else {
		logger.WarnF("[%s] Fail to send %s message", conn.ID(), env.Type)
	}
	return ok
}

package models // 模型包

import ( // 依赖导入
	"encoding/json" // JSON 负载
	"time"          // 时间类型

	"github.com/google/uuid" // UUID 类型
)

const ( // 消息头名称
	HeaderTenantID      = "tenant-id"      // 租户 ID
	HeaderCorrelationID = "correlation-id" // 关联 ID
	HeaderMessageID     = "message-id"     // 消息 ID（幂等键）
	HeaderBodyType      = "body-type"      // 消息体类型
)

type MessageBody struct { // 消息体
	Type    string          `json:"type"`    // 负载类型
	Payload json.RawMessage `json:"payload"` // 序列化负载
}

type OutboxMessage struct { // 发件箱消息
	MessageID   uuid.UUID         `json:"message_id"`            // 消息 ID
	Destination string            `json:"destination,omitempty"` // 目的地，空表示广播
	Headers     map[string]string `json:"headers"`               // 消息头
	Body        MessageBody       `json:"body"`                  // 消息体
}

// IsPublish reports whether the message is broadcast rather than sent to one destination.
func (m OutboxMessage) IsPublish() bool { return m.Destination == "" }

type OutboxRecord struct { // 发件箱记录
	SID               int64           // 插入顺序
	ID                uuid.UUID       // 记录 ID
	Messages          []OutboxMessage // 消息列表
	DispatcherID      *string         // 租约持有者
	DispatcherTimeout *time.Time      // 租约到期时间
}

// LeasedBy reports whether dispatcherID holds an unexpired lease at now.
func (r OutboxRecord) LeasedBy(dispatcherID string, now time.Time) bool {
	if r.DispatcherID == nil || r.DispatcherTimeout == nil {
		return false
	}
	return *r.DispatcherID == dispatcherID && r.DispatcherTimeout.After(now)
}

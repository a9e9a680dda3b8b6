package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire form of one outbox message on Kafka.
type Envelope struct {
	MessageID     uuid.UUID       `json:"message_id"`
	TenantID      string          `json:"tenant_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	TopicDomainEvents   = "domain.events"
	TopicGrantEvents    = "authorization.grants"
	TopicActivityGroups = "authorization.activity-groups"
)

const (
	TypeGrantAdded            = "authorization.grant-added"
	TypeGrantRevoked          = "authorization.grant-revoked"
	TypeActivityGroupsChanged = "authorization.activity-groups-changed"
)

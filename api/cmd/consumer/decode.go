package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"multitenant-template/api/internal/models"
	"multitenant-template/shared/events"
	"multitenant-template/shared/mqx"
)

// groupsMessage is one decoded activity-groups replication message.
type groupsMessage struct {
	MessageID     uuid.UUID
	TenantID      string
	CorrelationID string
	Groups        []models.ActivityGroup
}

// decodeGroupsMessage reads an outbox envelope. ok is false for other event
// types sharing the topic; those are committed and skipped.
func decodeGroupsMessage(msg kafka.Message) (out groupsMessage, ok bool, err error) {
	var envelope events.Envelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return groupsMessage{}, false, fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type != events.TypeActivityGroupsChanged {
		return groupsMessage{}, false, nil
	}

	headers := mqx.Headers(msg)
	out.MessageID = envelope.MessageID
	if out.MessageID == uuid.Nil {
		id, err := uuid.Parse(strings.TrimSpace(headers[models.HeaderMessageID]))
		if err != nil {
			return groupsMessage{}, false, fmt.Errorf("message id missing: %w", err)
		}
		out.MessageID = id
	}
	out.TenantID = envelope.TenantID
	out.CorrelationID = envelope.CorrelationID
	if out.CorrelationID == "" {
		out.CorrelationID = headers[models.HeaderCorrelationID]
	}

	var body models.ActivityGroupsChanged
	if err := json.Unmarshal(envelope.Payload, &body); err != nil {
		return groupsMessage{}, false, fmt.Errorf("decode %s payload: %w", envelope.Type, err)
	}
	out.Groups = body.Groups
	return out, true, nil
}

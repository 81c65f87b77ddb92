// Package scheduler provides redis-backed background task scheduling via
// asynq: delayed conversation replies and handover-notification dispatch.
package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TaskConversationReply = "conversation.reply"

const TaskHandoverOutboxDue = "handover.outbox.due"

type ConversationReplyPayload struct {
	ConversationID string `json:"conversationId"`
}

type HandoverOutboxDuePayload struct {
	OutboxID string `json:"outboxId"`
}

func NewConversationReplyTask(payload ConversationReplyPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskConversationReply, data), nil
}

func ParseConversationReplyPayload(task *asynq.Task) (ConversationReplyPayload, error) {
	var payload ConversationReplyPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ConversationReplyPayload{}, err
	}
	return payload, nil
}

func NewHandoverOutboxDueTask(payload HandoverOutboxDuePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskHandoverOutboxDue, data), nil
}

func ParseHandoverOutboxDuePayload(task *asynq.Task) (HandoverOutboxDuePayload, error) {
	var payload HandoverOutboxDuePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return HandoverOutboxDuePayload{}, err
	}
	return payload, nil
}

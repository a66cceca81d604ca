package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/matflow/internal/workflow"
)

// InboxLimit bounds the number of messages kept per user.
const InboxLimit = 100

// Message kinds.
const (
	KindApprovalRequest = "approval_request"
	KindOutcome         = "outcome"
	KindDraftReminder   = "draft_reminder"
)

// InboxMessage is one notification shown to a user.
type InboxMessage struct {
	Kind    string           `json:"kind"`
	Type    workflow.DocType `json:"type"`
	DocID   int64            `json:"doc_id"`
	LineID  int64            `json:"line_id,omitempty"`
	Action  string           `json:"action,omitempty"`
	Status  workflow.Status  `json:"status"`
	Level   int              `json:"level"`
	ActorID int64            `json:"actor_id,omitempty"`
	At      time.Time        `json:"at"`
}

// Inbox stores per-user notification lists in Redis, newest first.
type Inbox struct {
	client *redis.Client
}

// NewInbox builds an Inbox on client.
func NewInbox(client *redis.Client) *Inbox {
	return &Inbox{client: client}
}

func inboxKey(userID int64) string {
	return fmt.Sprintf("inbox:%d", userID)
}

// Push prepends msg to the inbox of every user in userIDs.
func (i *Inbox) Push(ctx context.Context, msg InboxMessage, userIDs ...int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = i.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range userIDs {
			key := inboxKey(id)
			pipe.LPush(ctx, key, data)
			pipe.LTrim(ctx, key, 0, InboxLimit-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("jobs: inbox push: %w", err)
	}
	return nil
}

// List returns up to limit messages of userID, newest first.
func (i *Inbox) List(ctx context.Context, userID int64, limit int) ([]InboxMessage, error) {
	if limit <= 0 || limit > InboxLimit {
		limit = InboxLimit
	}
	raw, err := i.client.LRange(ctx, inboxKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("jobs: inbox list: %w", err)
	}
	out := make([]InboxMessage, 0, len(raw))
	for _, item := range raw {
		var msg InboxMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

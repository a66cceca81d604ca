package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/matflow/internal/procurement"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTransitionNotify fans a committed transition out to approver inboxes.
	TaskTransitionNotify = "workflow:notify"
	// TaskDraftReminder reminds creators of drafts that were never submitted.
	TaskDraftReminder = "workflow:draft_reminder"
)

// DraftReminderPayload configures one reminder sweep.
type DraftReminderPayload struct {
	AgeHours int `json:"age_hours"`
}

// NewTransitionNotifyTask constructs the notification task of evt.
func NewTransitionNotifyTask(evt procurement.TransitionEvent) (*asynq.Task, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTransitionNotify, data, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

// NewDraftReminderTask builds the periodic reminder task for drafts older
// than age.
func NewDraftReminderTask(age time.Duration) (*asynq.Task, error) {
	hours := int(age / time.Hour)
	if hours <= 0 {
		hours = 24
	}
	data, err := json.Marshal(DraftReminderPayload{AgeHours: hours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDraftReminder, data, asynq.Queue(QueueDefault)), nil
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/matflow/internal/jobs"
	"github.com/odyssey-erp/matflow/internal/procurement"
)

// StaleDraftSource lists drafts left in the initialized state.
type StaleDraftSource interface {
	StaleDrafts(ctx context.Context, age time.Duration) ([]procurement.DocumentSummary, error)
}

// DraftReminderJob reminds creators about drafts they never submitted.
type DraftReminderJob struct {
	Drafts  StaleDraftSource
	Inbox   *Inbox
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewDraftReminderJob initialises the reminder handler.
func NewDraftReminderJob(drafts StaleDraftSource, inbox *Inbox, logger *slog.Logger, metrics *jobmetrics.Metrics) *DraftReminderJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &DraftReminderJob{
		Drafts:  drafts,
		Inbox:   inbox,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskDraftReminder tasks.
func (j *DraftReminderJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Drafts == nil || j.Inbox == nil {
		return errors.New("draft reminder: handler not configured")
	}
	var payload DraftReminderPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("draft reminder: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.AgeHours <= 0 {
		payload.AgeHours = 24
	}
	tracker := j.Metrics.Track(TaskDraftReminder)
	defer func() { err = tracker.End(err) }()

	drafts, err := j.Drafts.StaleDrafts(ctx, time.Duration(payload.AgeHours)*time.Hour)
	if err != nil {
		return err
	}
	now := j.clock()
	sent := 0
	for _, d := range drafts {
		if d.CreatedBy <= 0 {
			continue
		}
		msg := InboxMessage{Kind: KindDraftReminder, Type: d.Type, DocID: d.ID, Status: d.State.Status, Level: d.State.Level, At: now}
		if err := j.Inbox.Push(ctx, msg, d.CreatedBy); err != nil {
			return err
		}
		sent++
	}
	j.Metrics.AddNotifications(KindDraftReminder, sent)
	j.Logger.Info("draft reminders sent", slog.Int("drafts", len(drafts)), slog.Int("sent", sent), slog.Int("age_hours", payload.AgeHours))
	return nil
}

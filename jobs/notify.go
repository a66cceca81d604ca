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
	"github.com/odyssey-erp/matflow/internal/workflow"
)

// Enqueuer is the subset of asynq.Client used to submit tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TransitionNotifier hands committed transitions to the queue. It satisfies
// procurement.Notifier.
type TransitionNotifier struct {
	queue Enqueuer
}

// NewTransitionNotifier wraps queue.
func NewTransitionNotifier(queue Enqueuer) *TransitionNotifier {
	return &TransitionNotifier{queue: queue}
}

// NotifyTransition enqueues the notification task of evt.
func (n *TransitionNotifier) NotifyTransition(ctx context.Context, evt procurement.TransitionEvent) error {
	task, err := NewTransitionNotifyTask(evt)
	if err != nil {
		return err
	}
	if _, err := n.queue.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("jobs: enqueue %s: %w", TaskTransitionNotify, err)
	}
	return nil
}

// ApproverDirectory resolves the users able to act on a level of a stage
// within a project and discipline.
type ApproverDirectory interface {
	Approvers(ctx context.Context, t workflow.DocType, projectID, disciplineID int64, level int) ([]workflow.User, error)
}

// NotifyJob delivers transition notifications into user inboxes.
type NotifyJob struct {
	Directory ApproverDirectory
	Inbox     *Inbox
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// Handle processes TaskTransitionNotify tasks. Approvers of the next level
// get an approval request; the creator learns about terminal outcomes
// decided by someone else.
func (j *NotifyJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Inbox == nil {
		return errors.New("notify: handler not configured")
	}
	var evt procurement.TransitionEvent
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return fmt.Errorf("notify: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskTransitionNotify)
	defer func() { err = tracker.End(err) }()

	at := evt.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	msg := InboxMessage{
		Type: evt.Type, DocID: evt.DocID, LineID: evt.LineID, Action: evt.Action,
		Status: evt.State.Status, Level: evt.State.Level, ActorID: evt.ActorID, At: at,
	}

	if level := evt.NextLevel(); level > 0 && j.Directory != nil {
		approvers, err := j.Directory.Approvers(ctx, evt.Type, evt.ProjectID, evt.DisciplineID, level)
		if err != nil {
			return fmt.Errorf("notify: approvers of %s level %d: %w", evt.Type, level, err)
		}
		ids := make([]int64, 0, len(approvers))
		for _, u := range approvers {
			if u.ID != evt.ActorID {
				ids = append(ids, u.ID)
			}
		}
		msg.Kind = KindApprovalRequest
		if err := j.Inbox.Push(ctx, msg, ids...); err != nil {
			return err
		}
		j.Metrics.AddNotifications(KindApprovalRequest, len(ids))
		j.logger().Debug("approval requested", slog.String("type", string(evt.Type)), slog.Int64("doc_id", evt.DocID), slog.Int("recipients", len(ids)))
	}

	if decided(evt.State.Status) && evt.CreatedBy > 0 && evt.CreatedBy != evt.ActorID {
		msg.Kind = KindOutcome
		if err := j.Inbox.Push(ctx, msg, evt.CreatedBy); err != nil {
			return err
		}
		j.Metrics.AddNotifications(KindOutcome, 1)
	}
	return nil
}

func decided(s workflow.Status) bool {
	switch s {
	case workflow.StatusApproved, workflow.StatusRejected, workflow.StatusClosed:
		return true
	}
	return false
}

func (j *NotifyJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}

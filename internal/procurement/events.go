package procurement

import (
	"context"
	"time"

	"github.com/odyssey-erp/matflow/internal/workflow"
)

// TransitionEvent describes a committed state change of a document or MTF line.
type TransitionEvent struct {
	Type         workflow.DocType       `json:"type"`
	DocID        int64                  `json:"doc_id"`
	LineID       int64                  `json:"line_id,omitempty"`
	ProjectID    int64                  `json:"project_id"`
	DisciplineID int64                  `json:"discipline_id"`
	Action       string                 `json:"action"`
	State        workflow.ApprovalState `json:"state"`
	ActorID      int64                  `json:"actor_id"`
	CreatedBy    int64                  `json:"created_by"`
	At           time.Time              `json:"at"`
}

// NextLevel is the approval level whose holders should act next. Zero when
// no approver is awaited.
func (e TransitionEvent) NextLevel() int {
	if e.State.Status != workflow.StatusPendingApproval {
		return 0
	}
	return e.State.RequiredLevel()
}

// Notifier receives committed transitions, typically to fan out approver
// notifications asynchronously.
type Notifier interface {
	NotifyTransition(ctx context.Context, evt TransitionEvent) error
}

// TransitionRecorder counts transitions by outcome.
type TransitionRecorder interface {
	RecordTransition(docType, action, outcome string)
}

package workflow

// Ref names a document (or MTF line) for error reporting.
type Ref struct {
	Type DocType
	ID   int64
}

// ApprovalState is the mutable part of an approvable line or header.
type ApprovalState struct {
	Status Status `json:"status"`
	Level  int    `json:"current_approval_level"`
}

// Action names used for transitions and history.
const (
	ActionSubmit  = "submit"
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionClose   = "close"
	ActionRevise  = "revise"
)

// InitialState is the state of a freshly created document. Drafts start
// Initialized; a zero maximum means no approval chain is configured and the
// document is approved on creation.
func InitialState(draft bool, max int) ApprovalState {
	switch {
	case draft:
		return ApprovalState{Status: StatusInitialized}
	case max <= 0:
		return ApprovalState{Status: StatusApproved}
	default:
		return ApprovalState{Status: StatusPendingApproval}
	}
}

// Submit moves a draft into the approval chain.
func Submit(ref Ref, s ApprovalState, max int) (ApprovalState, error) {
	if s.Status != StatusInitialized {
		return s, conflict(ref, s, ActionSubmit)
	}
	return InitialState(false, max), nil
}

// Approve grants the next level. Levels are strictly sequential; the
// document becomes Approved once the level reaches max.
func Approve(ref Ref, s ApprovalState, max int) (ApprovalState, error) {
	if s.Status != StatusPendingApproval {
		return s, conflict(ref, s, ActionApprove)
	}
	required := s.Level + 1
	if required > max {
		return s, conflict(ref, s, ActionApprove)
	}
	next := ApprovalState{Status: StatusPendingApproval, Level: required}
	if required >= max {
		next.Status = StatusApproved
	}
	return next, nil
}

// Reject marks a pending document Rejected, keeping its level.
func Reject(ref Ref, s ApprovalState) (ApprovalState, error) {
	if s.Status != StatusPendingApproval {
		return s, conflict(ref, s, ActionReject)
	}
	return ApprovalState{Status: StatusRejected, Level: s.Level}, nil
}

// Close acknowledges a rejection. Closed is terminal.
func Close(ref Ref, s ApprovalState) (ApprovalState, error) {
	if s.Status != StatusRejected {
		return s, conflict(ref, s, ActionClose)
	}
	return ApprovalState{Status: StatusClosed, Level: s.Level}, nil
}

// Revise resets a rejected document to the start of its approval chain.
func Revise(ref Ref, s ApprovalState, draft bool, max int) (ApprovalState, error) {
	if s.Status != StatusRejected {
		return s, conflict(ref, s, ActionRevise)
	}
	return InitialState(draft, max), nil
}

// RequiredLevel is the level the next approver must hold.
func (s ApprovalState) RequiredLevel() int {
	return s.Level + 1
}

func conflict(ref Ref, s ApprovalState, action string) *StateConflictError {
	return &StateConflictError{Type: ref.Type, ID: ref.ID, Status: s.Status, Action: action}
}

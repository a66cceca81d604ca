package workflow

import "fmt"

// Subject is the authorization view of an approvable document or MTF line.
type Subject struct {
	Ref          Ref
	State        ApprovalState
	ProjectID    int64
	DisciplineID int64
	CreatedBy    int64
}

// Policy holds the switches left open as product decisions.
type Policy struct {
	// ScopeMTFByProject also requires project membership for MTF approvals.
	ScopeMTFByProject bool
	// CountRejected keeps lines of rejected, not yet closed, child documents
	// in the committed quantity of their parent line.
	CountRejected bool
}

// DefaultPolicy harmonises MTF scope checks and keeps rejected children counted.
func DefaultPolicy() Policy {
	return Policy{ScopeMTFByProject: true, CountRejected: true}
}

// AuthorizeDecision checks whether user may approve or reject subject at its
// current level. State preconditions fail with *StateConflictError, scope and
// role checks with *AuthorizationError.
func (p Policy) AuthorizeDecision(subj Subject, user User, project Project, action string) error {
	if subj.State.Status != StatusPendingApproval {
		return conflict(subj.Ref, subj.State, action)
	}
	required := subj.State.RequiredLevel()
	if required > project.MaxApprovalLevel(subj.Ref.Type) {
		return conflict(subj.Ref, subj.State, action)
	}
	if !user.InDiscipline(subj.DisciplineID) {
		return &AuthorizationError{UserID: user.ID, Reason: fmt.Sprintf("discipline %d outside scope", subj.DisciplineID)}
	}
	if (subj.Ref.Type != DocMTF || p.ScopeMTFByProject) && !user.InProject(subj.ProjectID) {
		return &AuthorizationError{UserID: user.ID, Reason: fmt.Sprintf("project %d outside scope", subj.ProjectID)}
	}
	role := subj.Ref.Type.ApproverRole()
	if role == "" || !user.HasRoleAtLevel(role, required) {
		return &AuthorizationError{UserID: user.ID, Reason: fmt.Sprintf("requires %s level %d", role, required)}
	}
	return nil
}

// CanApprove is the boolean form of AuthorizeDecision.
func (p Policy) CanApprove(subj Subject, user User, project Project) bool {
	return p.AuthorizeDecision(subj, user, project, ActionApprove) == nil
}

// AuthorizeRejectedAction checks close and revise: only the creator may act
// on a rejected document.
func AuthorizeRejectedAction(subj Subject, user User, action string) error {
	if subj.State.Status != StatusRejected {
		return conflict(subj.Ref, subj.State, action)
	}
	if subj.CreatedBy != user.ID {
		return &AuthorizationError{UserID: user.ID, Reason: "only the creator may " + action}
	}
	return nil
}

// CanActOnRejected is the boolean form of AuthorizeRejectedAction.
func CanActOnRejected(subj Subject, user User) bool {
	return AuthorizeRejectedAction(subj, user, ActionClose) == nil
}

// AuthorizeSubmit lets the creator push a draft into approval.
func AuthorizeSubmit(subj Subject, user User) error {
	if subj.State.Status != StatusInitialized {
		return conflict(subj.Ref, subj.State, ActionSubmit)
	}
	if subj.CreatedBy != user.ID {
		return &AuthorizationError{UserID: user.ID, Reason: "only the creator may submit"}
	}
	return nil
}

// CanCreate reports whether user holds the initiator role of stage t.
func CanCreate(t DocType, user User) bool {
	role := t.InitiatorRole()
	return role != "" && user.HasRole(role)
}

// AuthorizeCreate checks the initiator role and project membership.
func AuthorizeCreate(t DocType, user User, projectID int64) error {
	if !CanCreate(t, user) {
		return &AuthorizationError{UserID: user.ID, Reason: fmt.Sprintf("requires %s", t.InitiatorRole())}
	}
	if !user.InProject(projectID) {
		return OutOfScope("project", projectID)
	}
	return nil
}

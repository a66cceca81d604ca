package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func approverAt(level int) User {
	return User{
		ID:            42,
		ProjectIDs:    []int64{1},
		DisciplineIDs: []int64{10},
		Roles:         []Role{{Name: RoleSTFApprover, Level: level}},
	}
}

func pendingSTF(level int) Subject {
	return Subject{
		Ref:          Ref{Type: DocSTF, ID: 5},
		State:        ApprovalState{Status: StatusPendingApproval, Level: level},
		ProjectID:    1,
		DisciplineID: 10,
		CreatedBy:    7,
	}
}

func TestAuthorizeDecisionRequiresExactLevel(t *testing.T) {
	policy := DefaultPolicy()
	project := Project{ID: 1, MaxSTFApprovalLevel: 3}
	user := approverAt(2)

	require.ErrorIs(t, policy.AuthorizeDecision(pendingSTF(0), user, project, ActionApprove), ErrForbidden)
	require.NoError(t, policy.AuthorizeDecision(pendingSTF(1), user, project, ActionApprove))
	require.ErrorIs(t, policy.AuthorizeDecision(pendingSTF(2), user, project, ActionApprove), ErrForbidden)
	require.True(t, policy.CanApprove(pendingSTF(1), user, project))
}

func TestAuthorizeDecisionScope(t *testing.T) {
	policy := DefaultPolicy()
	project := Project{ID: 1, MaxSTFApprovalLevel: 2}

	outsider := approverAt(1)
	outsider.DisciplineIDs = []int64{99}
	require.ErrorIs(t, policy.AuthorizeDecision(pendingSTF(0), outsider, project, ActionApprove), ErrForbidden)

	otherProject := approverAt(1)
	otherProject.ProjectIDs = []int64{2}
	require.ErrorIs(t, policy.AuthorizeDecision(pendingSTF(0), otherProject, project, ActionReject), ErrForbidden)

	wrongRole := approverAt(1)
	wrongRole.Roles = []Role{{Name: RoleOTFApprover, Level: 1}}
	require.ErrorIs(t, policy.AuthorizeDecision(pendingSTF(0), wrongRole, project, ActionApprove), ErrForbidden)
}

func TestAuthorizeDecisionStateChecksComeFirst(t *testing.T) {
	policy := DefaultPolicy()
	project := Project{ID: 1, MaxSTFApprovalLevel: 2}
	subj := pendingSTF(2)
	require.ErrorIs(t, policy.AuthorizeDecision(subj, approverAt(3), project, ActionApprove), ErrConflict)

	subj.State.Status = StatusApproved
	require.ErrorIs(t, policy.AuthorizeDecision(subj, approverAt(3), project, ActionApprove), ErrConflict)
}

func TestMTFProjectScopeSwitch(t *testing.T) {
	project := Project{ID: 1, MaxMTFApprovalLevel: 1}
	subj := Subject{
		Ref:          Ref{Type: DocMTF, ID: 3},
		State:        ApprovalState{Status: StatusPendingApproval},
		ProjectID:    1,
		DisciplineID: 10,
	}
	user := User{ID: 8, DisciplineIDs: []int64{10}, Roles: []Role{{Name: RoleMTFApprover, Level: 1}}}

	require.ErrorIs(t, DefaultPolicy().AuthorizeDecision(subj, user, project, ActionApprove), ErrForbidden)

	legacy := DefaultPolicy()
	legacy.ScopeMTFByProject = false
	require.NoError(t, legacy.AuthorizeDecision(subj, user, project, ActionApprove))
}

func TestRejectedActionsBelongToCreator(t *testing.T) {
	subj := pendingSTF(1)
	subj.State.Status = StatusRejected

	require.True(t, CanActOnRejected(subj, User{ID: 7}))
	require.False(t, CanActOnRejected(subj, User{ID: 8}))
	require.ErrorIs(t, AuthorizeRejectedAction(subj, User{ID: 8}, ActionRevise), ErrForbidden)

	subj.State.Status = StatusClosed
	require.ErrorIs(t, AuthorizeRejectedAction(subj, User{ID: 7}, ActionClose), ErrConflict)
}

func TestCanCreate(t *testing.T) {
	user := User{ID: 1, ProjectIDs: []int64{4}, Roles: []Role{{Name: RoleSTFInitiator}}}
	require.True(t, CanCreate(DocSTF, user))
	require.False(t, CanCreate(DocOTF, user))

	require.NoError(t, AuthorizeCreate(DocSTF, user, 4))
	require.ErrorIs(t, AuthorizeCreate(DocSTF, user, 5), ErrNotFound)
	require.ErrorIs(t, AuthorizeCreate(DocMRF, user, 4), ErrForbidden)
}

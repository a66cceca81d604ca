package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApproveAdvancesSequentially(t *testing.T) {
	ref := Ref{Type: DocMTF, ID: 7}
	state := ApprovalState{Status: StatusPendingApproval}

	state, err := Approve(ref, state, 2)
	require.NoError(t, err)
	require.Equal(t, ApprovalState{Status: StatusPendingApproval, Level: 1}, state)

	state, err = Approve(ref, state, 2)
	require.NoError(t, err)
	require.Equal(t, ApprovalState{Status: StatusApproved, Level: 2}, state)

	_, err = Approve(ref, state, 2)
	var conflictErr *StateConflictError
	require.ErrorAs(t, err, &conflictErr)
	require.Equal(t, StatusApproved, conflictErr.Status)
	require.ErrorIs(t, err, ErrConflict)
}

func TestApproveRefusesLevelBeyondMax(t *testing.T) {
	_, err := Approve(Ref{Type: DocSTF, ID: 1}, ApprovalState{Status: StatusPendingApproval, Level: 3}, 3)
	require.ErrorIs(t, err, ErrConflict)
}

func TestRejectKeepsLevel(t *testing.T) {
	state, err := Reject(Ref{Type: DocOTF, ID: 3}, ApprovalState{Status: StatusPendingApproval, Level: 1})
	require.NoError(t, err)
	require.Equal(t, ApprovalState{Status: StatusRejected, Level: 1}, state)
}

func TestClosedIsTerminal(t *testing.T) {
	ref := Ref{Type: DocSTF, ID: 9}
	closed, err := Close(ref, ApprovalState{Status: StatusRejected, Level: 1})
	require.NoError(t, err)
	require.Equal(t, StatusClosed, closed.Status)

	attempts := map[string]func() error{
		"approve": func() error { _, err := Approve(ref, closed, 3); return err },
		"reject":  func() error { _, err := Reject(ref, closed); return err },
		"close":   func() error { _, err := Close(ref, closed); return err },
		"revise":  func() error { _, err := Revise(ref, closed, false, 3); return err },
		"submit":  func() error { _, err := Submit(ref, closed, 3); return err },
	}
	for name, attempt := range attempts {
		err := attempt()
		require.Truef(t, errors.Is(err, ErrConflict), "%s on closed document: %v", name, err)
	}
}

func TestReviseResetsLevel(t *testing.T) {
	ref := Ref{Type: DocMRF, ID: 4}
	state, err := Revise(ref, ApprovalState{Status: StatusRejected, Level: 2}, false, 3)
	require.NoError(t, err)
	require.Equal(t, ApprovalState{Status: StatusPendingApproval}, state)

	state, err = Revise(ref, ApprovalState{Status: StatusRejected, Level: 2}, true, 3)
	require.NoError(t, err)
	require.Equal(t, ApprovalState{Status: StatusInitialized}, state)

	_, err = Revise(ref, ApprovalState{Status: StatusPendingApproval, Level: 1}, false, 3)
	require.ErrorIs(t, err, ErrConflict)
}

func TestInitialStateWithoutApprovalChain(t *testing.T) {
	require.Equal(t, StatusApproved, InitialState(false, 0).Status)
	require.Equal(t, StatusPendingApproval, InitialState(false, 1).Status)
	require.Equal(t, StatusInitialized, InitialState(true, 0).Status)

	state, err := Submit(Ref{Type: DocMTF, ID: 1}, InitialState(true, 2), 2)
	require.NoError(t, err)
	require.Equal(t, StatusPendingApproval, state.Status)
}

func TestApprovalLevelNeverDecreases(t *testing.T) {
	ref := Ref{Type: DocSTF, ID: 2}
	state := ApprovalState{Status: StatusPendingApproval}
	prev := state.Level
	for i := 0; i < 5; i++ {
		next, err := Approve(ref, state, 5)
		require.NoError(t, err)
		require.Equal(t, prev+1, next.Level)
		prev = next.Level
		state = next
	}
	require.Equal(t, StatusApproved, state.Status)
}

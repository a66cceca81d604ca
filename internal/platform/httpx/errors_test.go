package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/matflow/internal/workflow"
)

func TestRespondErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{workflow.Invalid("qty", "must be positive"), http.StatusUnprocessableEntity},
		{&workflow.AuthorizationError{UserID: 1, Reason: "no"}, http.StatusForbidden},
		{&workflow.StateConflictError{Type: workflow.DocSTF, ID: 1, Status: workflow.StatusClosed, Action: "approve"}, http.StatusConflict},
		{fmt.Errorf("create stf: %w", workflow.Missing("project", 3)), http.StatusNotFound},
		{ErrTooLarge, http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, tc.err)
		require.Equal(t, tc.want, rec.Code, tc.err.Error())
	}
}

func TestRespondErrorCarriesLineAndField(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, fmt.Errorf("create: %w", workflow.InvalidLine(2, "qty", "exceeds backlog")))

	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Line)
	require.Equal(t, "qty", body.Field)
}

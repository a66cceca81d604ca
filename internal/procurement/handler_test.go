package procurement

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/matflow/internal/platform/httpx"
	"github.com/odyssey-erp/matflow/internal/shared"
	"github.com/odyssey-erp/matflow/internal/workflow"
)

func newTestRouter(f *fixture) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if id, err := strconv.ParseInt(req.Header.Get("X-User-ID"), 10, 64); err == nil {
				req = req.WithContext(shared.ContextWithActor(req.Context(), id))
			}
			next.ServeHTTP(w, req)
		})
	})
	NewHandler(slog.New(slog.DiscardHandler), f.svc).MountRoutes(r)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, actor int64, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != 0 {
		req.Header.Set("X-User-ID", strconv.FormatInt(actor, 10))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCreateAndApprove(t *testing.T) {
	f := newFixture(t, workflow.DefaultPolicy())
	h := newTestRouter(f)

	rec := doJSON(t, h, http.MethodPost, "/mtf", requesterID, map[string]any{
		"project_id":    projectID,
		"discipline_id": disciplineID,
		"lines": []map[string]any{
			{"item_id": itemID, "request_qty": "12.5", "est_unit_price": "4", "material_description": "cable tray"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var doc Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Len(t, doc.MTFLines, 1)
	require.Equal(t, "50", doc.MTFLines[0].EstTotalPrice.String())

	lineID := doc.MTFLines[0].ID
	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/mtf/%d/approve", lineID), mtfApprover1ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res TransitionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, 1, res.State.Level)
	require.Equal(t, doc.MTF.ID, res.HeaderID)

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/mtf/%d/approve", lineID), mtfApprover1ID, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/mtf/%d/reject", lineID), mtfApprover2ID, map[string]string{"note": "duplicate"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/mtf/%d/reject", lineID), mtfApprover2ID, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodGet, fmt.Sprintf("/mtf/%d/history", doc.MTF.ID), 0, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []HistoryEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 3)
	require.Equal(t, "duplicate", history[2].Note)
}

func TestHandlerProblemResponses(t *testing.T) {
	f := newFixture(t, workflow.DefaultPolicy())
	h := newTestRouter(f)

	rec := doJSON(t, h, http.MethodPost, "/mtf", 0, map[string]any{})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/prf", 0, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/stf", buyerID, map[string]any{
		"supplier_id": supplierID,
		"lines":       []map[string]any{{"parent_line_id": 1, "qty": "1"}, {"qty": "1"}},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, 2, problem.Line)
	require.Equal(t, "parent_line_id", problem.Field)

	rec = doJSON(t, h, http.MethodPost, "/stf", buyerID, map[string]any{"unknown": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/stf", buyerID, map[string]any{
		"supplier_id": supplierID,
		"lines":       []map[string]any{{"parent_line_id": 4242, "qty": "1"}},
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	rec = doJSON(t, h, http.MethodGet, "/mtf/abc", 0, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerIdempotentCreate(t *testing.T) {
	f := newFixture(t, workflow.DefaultPolicy())
	h := newTestRouter(f)
	body := `{"project_id":10,"discipline_id":20,"lines":[{"item_id":100,"request_qty":"1"}]}`

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/mtf", strings.NewReader(body))
		req.Header.Set("X-User-ID", strconv.FormatInt(requesterID, 10))
		req.Header.Set(IdempotencyHeader, "abc-123")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusCreated, send())
	require.Equal(t, http.StatusConflict, send())
}

func TestHandlerListAndBacklog(t *testing.T) {
	f := newFixture(t, workflow.DefaultPolicy())
	h := newTestRouter(f)
	line := f.approvedMTF(t, 9)[0]
	_, err := f.createSTF(t, line.ID, 4, 1)
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodGet, fmt.Sprintf("/mtf/lines/%d/backlog", line.ID), 0, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var backlog backlogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &backlog))
	require.Equal(t, "5", backlog.Backlog.String())

	rec = doJSON(t, h, http.MethodGet, "/stf?status=pending_approval&per_page=5", 0, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	require.Equal(t, 5, list.Pagination.PerPage)

	rec = doJSON(t, h, http.MethodGet, "/stf?project_id=x", 0, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerImportUpload(t *testing.T) {
	f := newFixture(t, workflow.DefaultPolicy())
	h := newTestRouter(f)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "materials.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("project_id,discipline_id,item_id,request_qty\n10,20,100,3\n"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("draft", "true"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/mtf/import", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-ID", strconv.FormatInt(requesterID, 10))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp importResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Created, 1)
	require.Equal(t, workflow.StatusInitialized, resp.Created[0].MTF.State.Status)
}

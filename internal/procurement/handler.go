package procurement

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/matflow/internal/platform/httpx"
	"github.com/odyssey-erp/matflow/internal/shared"
	"github.com/odyssey-erp/matflow/internal/workflow"
)

// IdempotencyHeader carries the client supplied de-duplication key.
const IdempotencyHeader = "Idempotency-Key"

// maxImportBytes bounds uploaded import files.
const maxImportBytes = 8 << 20

// Handler manages procurement endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{logger: logger, service: service, validator: v}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/mtf/import", h.importMTF)
	r.Get("/{type}", h.list)
	r.Post("/{type}", h.create)
	r.Get("/{type}/lines/{lineID}/backlog", h.backlog)
	r.Get("/{type}/lines/{lineID}/summary", h.lineSummary)
	r.Get("/{type}/{id}", h.show)
	r.Get("/{type}/{id}/history", h.history)
	r.Get("/{type}/{id}/attachment", h.attachment)
	r.Post("/{type}/{id}/submit", h.transition(workflow.ActionSubmit))
	r.Post("/{type}/{id}/approve", h.transition(workflow.ActionApprove))
	r.Post("/{type}/{id}/reject", h.transition(workflow.ActionReject))
	r.Post("/{type}/{id}/close", h.transition(workflow.ActionClose))
	r.Post("/{type}/{id}/revise", h.revise)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	t, ok := h.docType(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filters := ListFilters{Status: workflow.Status(strings.ToUpper(q.Get("status")))}
	var err error
	if filters.ProjectID, err = optionalInt(q.Get("project_id")); err != nil {
		h.respondError(w, r, err)
		return
	}
	if filters.CreatedBy, err = optionalInt(q.Get("created_by")); err != nil {
		h.respondError(w, r, err)
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	filters.Page, filters.PerPage = page, perPage
	items, pagination, err := h.service.ListDocuments(r.Context(), t, filters)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if items == nil {
		items = []DocumentSummary{}
	}
	httpx.JSON(w, http.StatusOK, listResponse{Items: items, Pagination: pagination})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	t, ok := h.docType(w, r)
	if !ok {
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if t == workflow.DocMTF {
		var req createMTFRequest
		if !h.decode(w, r, &req) {
			return
		}
		doc, err := h.service.CreateMTF(r.Context(), actorID, CreateMTFInput{
			ProjectID:      req.ProjectID,
			DisciplineID:   req.DisciplineID,
			Draft:          req.Draft,
			Attachment:     req.Attachment.input(),
			IdempotencyKey: key,
			Lines:          mtfLineInputs(req.Lines),
		})
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusCreated, doc)
		return
	}
	var req createOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	doc, err := h.service.CreateOrder(r.Context(), actorID, t, CreateOrderInput{
		SupplierID:     req.SupplierID,
		Meta:           req.Meta,
		Draft:          req.Draft,
		Attachment:     req.Attachment.input(),
		IdempotencyKey: key,
		Lines:          orderLineInputs(req.Lines),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, doc)
}

func (h *Handler) importMTF(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)
	if err := r.ParseMultipartForm(maxImportBytes); err != nil {
		h.respondError(w, r, uploadError(err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.respondError(w, r, workflow.Invalid("file", "is required"))
		return
	}
	defer file.Close()
	format, err := ImportFormatFromName(header.Filename)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	draft, _ := strconv.ParseBool(r.FormValue("draft"))
	docs, err := h.service.ImportMTF(r.Context(), actorID, file, format, draft)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.logger.Info("mtf import", slog.Int64("actor_id", actorID), slog.String("file", header.Filename), slog.Int("documents", len(docs)))
	httpx.JSON(w, http.StatusCreated, importResponse{Created: docs})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	t, id, ok := h.docRef(w, r)
	if !ok {
		return
	}
	doc, err := h.service.GetDocument(r.Context(), t, id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	t, id, ok := h.docRef(w, r)
	if !ok {
		return
	}
	entries, err := h.service.History(r.Context(), t, id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) attachment(w http.ResponseWriter, r *http.Request) {
	t, id, ok := h.docRef(w, r)
	if !ok {
		return
	}
	att, err := h.service.Attachment(r.Context(), t, id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", att.FileType)
	w.Header().Set("Content-Length", strconv.FormatInt(att.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.FileName}))
	w.Header().Set("ETag", strconv.Quote(att.Digest))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(att.Content)
}

func (h *Handler) transition(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, id, ok := h.docRef(w, r)
		if !ok {
			return
		}
		actorID, ok := h.actor(w, r)
		if !ok {
			return
		}
		var (
			res TransitionResult
			err error
		)
		switch action {
		case workflow.ActionApprove:
			res, err = h.service.Approve(r.Context(), actorID, t, id)
		case workflow.ActionReject:
			var req rejectRequest
			if r.ContentLength != 0 && !h.decode(w, r, &req) {
				return
			}
			res, err = h.service.Reject(r.Context(), actorID, t, id, req.Note)
		case workflow.ActionClose:
			res, err = h.service.Close(r.Context(), actorID, t, id)
		default:
			res, err = h.service.Submit(r.Context(), actorID, t, id)
		}
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, res)
	}
}

func (h *Handler) revise(w http.ResponseWriter, r *http.Request) {
	t, id, ok := h.docRef(w, r)
	if !ok {
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req reviseRequest
	if !h.decode(w, r, &req) {
		return
	}
	doc, err := h.service.Revise(r.Context(), actorID, t, id, ReviseInput{
		Draft:      req.Draft,
		SupplierID: req.SupplierID,
		Meta:       req.Meta,
		Attachment: req.Attachment.input(),
		MTFLines:   mtfLineInputs(req.MTFLines),
		Lines:      orderLineInputs(req.Lines),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) backlog(w http.ResponseWriter, r *http.Request) {
	t, lineID, ok := h.lineRef(w, r)
	if !ok {
		return
	}
	qty, err := h.service.GetBacklog(r.Context(), t, lineID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, backlogResponse{Type: string(t), LineID: lineID, Backlog: qty})
}

func (h *Handler) lineSummary(w http.ResponseWriter, r *http.Request) {
	t, lineID, ok := h.lineRef(w, r)
	if !ok {
		return
	}
	summary, err := h.service.LineSummary(r.Context(), t, lineID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) docType(w http.ResponseWriter, r *http.Request) (workflow.DocType, bool) {
	t, ok := workflow.ParseDocType(chi.URLParam(r, "type"))
	if !ok {
		httpx.RespondError(w, httpx.ErrNotFound)
		return "", false
	}
	return t, true
}

func (h *Handler) docRef(w http.ResponseWriter, r *http.Request) (workflow.DocType, int64, bool) {
	t, ok := h.docType(w, r)
	if !ok {
		return "", 0, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, httpx.ErrBadRequest)
		return "", 0, false
	}
	return t, id, true
}

func (h *Handler) lineRef(w http.ResponseWriter, r *http.Request) (workflow.DocType, int64, bool) {
	t, ok := h.docType(w, r)
	if !ok {
		return "", 0, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "lineID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, httpx.ErrBadRequest)
		return "", 0, false
	}
	return t, id, true
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrUnauthorized, shared.ErrActorMissing))
		return 0, false
	}
	return id, true
}

// decode reads and validates a JSON body, writing the problem response on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.RespondError(w, validationError(err))
		return false
	}
	return true
}

var lineIndex = regexp.MustCompile(`lines\[(\d+)\]`)

// validationError converts the first validator failure into a ValidationError
// pointing at the offending line when the field sits inside a line.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return workflow.Invalid("", err.Error())
	}
	fe := verrs[0]
	reason := "failed " + fe.Tag()
	if fe.Param() != "" {
		reason += "=" + fe.Param()
	}
	if m := lineIndex.FindStringSubmatch(fe.Namespace()); m != nil {
		n, _ := strconv.Atoi(m[1])
		return workflow.InvalidLine(n+1, fe.Field(), reason)
	}
	return workflow.Invalid(fe.Field(), reason)
}

func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: limit %d bytes", httpx.ErrTooLarge, tooLarge.Limit)
	}
	return fmt.Errorf("%w: %v", httpx.ErrBadRequest, err)
}

func optionalInt(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", httpx.ErrBadRequest, raw)
	}
	return v, nil
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		err = fmt.Errorf("%w: %v", httpx.ErrDuplicate, err)
	}
	if Outcome(err) == "error" && !errors.Is(err, httpx.ErrBadRequest) && !errors.Is(err, httpx.ErrTooLarge) && !errors.Is(err, httpx.ErrDuplicate) {
		h.logger.Error("procurement request", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

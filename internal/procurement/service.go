package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/matflow/internal/masterdata"
	"github.com/odyssey-erp/matflow/internal/shared"
	"github.com/odyssey-erp/matflow/internal/workflow"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetMTF(ctx context.Context, id int64) (MTFHeader, []MTFLine, error)
	GetOrder(ctx context.Context, t workflow.DocType, id int64) (Order, []OrderLine, error)
	HeaderForLine(ctx context.Context, t workflow.DocType, lineID int64) (int64, error)
	ParentLines(ctx context.Context, t workflow.DocType, ids []int64) (map[int64]workflow.ParentLine, error)
	ChildLines(ctx context.Context, child workflow.DocType, parentIDs []int64, excludeOrderID int64) ([]ChildLine, error)
	GetAttachment(ctx context.Context, t workflow.DocType, docID int64) (Attachment, error)
	ListDocuments(ctx context.Context, t workflow.DocType, filters ListFilters) ([]DocumentSummary, int, error)
	ListStaleDrafts(ctx context.Context, t workflow.DocType, cutoff time.Time) ([]DocumentSummary, error)
}

// DirectoryPort resolves master data.
type DirectoryPort interface {
	GetProject(ctx context.Context, id int64) (workflow.Project, error)
	GetUser(ctx context.Context, id int64) (workflow.User, error)
	CheckSupplier(ctx context.Context, id int64) error
	CheckItem(ctx context.Context, id int64) error
}

// HistoryPort reads approval history.
type HistoryPort interface {
	List(ctx context.Context, module string, docID int64) ([]shared.ApprovalLog, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort de-duplicates creation requests.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// Options carries the optional collaborators of Service.
type Options struct {
	Policy             workflow.Policy
	History            HistoryPort
	Audit              AuditPort
	Idempotency        IdempotencyPort
	Notifier           Notifier
	Metrics            TransitionRecorder
	Logger             *slog.Logger
	MaxAttachmentBytes int64
	Now                func() time.Time
}

// Service orchestrates the document lifecycle across all stages.
type Service struct {
	repo          RepositoryPort
	directory     DirectoryPort
	policy        workflow.Policy
	history       HistoryPort
	audit         AuditPort
	idempotency   IdempotencyPort
	notifier      Notifier
	metrics       TransitionRecorder
	logger        *slog.Logger
	maxAttachment int64
	now           func() time.Time
	backlogs      singleflight.Group
}

// NewService constructs procurement service.
func NewService(repo RepositoryPort, directory DirectoryPort, opts Options) *Service {
	s := &Service{
		repo:          repo,
		directory:     directory,
		policy:        opts.Policy,
		history:       opts.History,
		audit:         opts.Audit,
		idempotency:   opts.Idempotency,
		notifier:      opts.Notifier,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		maxAttachment: opts.MaxAttachmentBytes,
		now:           opts.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Policy returns the workflow switches in effect.
func (s *Service) Policy() workflow.Policy {
	return s.policy
}

// CreateMTFInput describes a material transfer request.
type CreateMTFInput struct {
	ProjectID      int64
	DisciplineID   int64
	Draft          bool
	Attachment     *AttachmentInput
	IdempotencyKey string
	Lines          []MTFLineInput
}

// MTFLineInput describes a requested material.
type MTFLineInput struct {
	ItemID       int64
	RequestQty   decimal.Decimal
	EstUnitPrice decimal.Decimal
	Description  string
}

// CreateOrderInput describes an STF, OTF, MRF or MDF document. SupplierID
// is required for STF; later stages inherit the supplier of their parents.
type CreateOrderInput struct {
	SupplierID     int64
	Meta           OrderMeta
	Draft          bool
	Attachment     *AttachmentInput
	IdempotencyKey string
	Lines          []OrderLineInput
}

// OrderLineInput sources one line from an upstream line.
type OrderLineInput struct {
	ParentLineID int64
	Qty          decimal.Decimal
	UnitPrice    decimal.Decimal
	Description  string
}

// ReviseInput replaces the content of a rejected document.
type ReviseInput struct {
	Draft      bool
	SupplierID int64
	Meta       *OrderMeta
	Attachment *AttachmentInput
	MTFLines   []MTFLineInput
	Lines      []OrderLineInput
}

// TransitionResult reports the state after a transition. For MTF line
// actions HeaderState is the re-aggregated header.
type TransitionResult struct {
	Type        workflow.DocType       `json:"type"`
	ID          int64                  `json:"id"`
	HeaderID    int64                  `json:"header_id"`
	State       workflow.ApprovalState `json:"state"`
	HeaderState workflow.ApprovalState `json:"header_state"`
}

// CreateMTF persists an MTF header and its lines.
func (s *Service) CreateMTF(ctx context.Context, actorID int64, input CreateMTFInput) (Document, error) {
	doc, err := s.createMTF(ctx, actorID, input)
	s.recordOutcome(workflow.DocMTF, "create", err)
	return doc, err
}

func (s *Service) createMTF(ctx context.Context, actorID int64, input CreateMTFInput) (Document, error) {
	user, err := s.directory.GetUser(ctx, actorID)
	if err != nil {
		return Document{}, err
	}
	header, lines, err := s.prepareMTF(ctx, user, input)
	if err != nil {
		return Document{}, err
	}
	err = s.withIdempotency(ctx, input.IdempotencyKey, "matflow.mtf", func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			lines, err = s.insertMTF(ctx, tx, &header, lines, input.Draft)
			return err
		})
	})
	if err != nil {
		return Document{}, err
	}
	s.afterCommit(ctx, TransitionEvent{
		Type: workflow.DocMTF, DocID: header.ID, ProjectID: header.ProjectID, DisciplineID: header.DisciplineID, Action: createAction(input.Draft),
		State: header.State, ActorID: actorID, CreatedBy: actorID,
	}, map[string]any{"lines": len(lines)})
	return Document{Type: workflow.DocMTF, MTF: &header, MTFLines: lines}, nil
}

// prepareMTF authorises and validates a request without touching storage.
func (s *Service) prepareMTF(ctx context.Context, user workflow.User, input CreateMTFInput) (MTFHeader, []MTFLine, error) {
	if err := workflow.AuthorizeCreate(workflow.DocMTF, user, input.ProjectID); err != nil {
		return MTFHeader{}, nil, err
	}
	if input.DisciplineID <= 0 {
		return MTFHeader{}, nil, workflow.Invalid("discipline_id", "is required")
	}
	project, err := s.directory.GetProject(ctx, input.ProjectID)
	if err != nil {
		return MTFHeader{}, nil, err
	}
	state := workflow.InitialState(input.Draft, project.MaxMTFApprovalLevel)
	lines, err := s.buildMTFLines(ctx, input.Lines, state)
	if err != nil {
		return MTFHeader{}, nil, err
	}
	att, err := buildAttachment(input.Attachment, s.maxAttachment)
	if err != nil {
		return MTFHeader{}, nil, err
	}
	header := MTFHeader{
		ProjectID:    input.ProjectID,
		DisciplineID: input.DisciplineID,
		State:        workflow.AggregateHeader(lineStates(lines)),
		CreatedBy:    user.ID,
		CreatedAt:    s.now(),
		Version:      1,
		Attachment:   att,
	}
	return header, lines, nil
}

func (s *Service) insertMTF(ctx context.Context, tx TxRepository, header *MTFHeader, lines []MTFLine, draft bool) ([]MTFLine, error) {
	id, err := tx.CreateMTF(ctx, *header)
	if err != nil {
		return nil, err
	}
	header.ID = id
	if lines, err = tx.InsertMTFLines(ctx, id, lines); err != nil {
		return nil, err
	}
	if draft {
		return lines, nil
	}
	return lines, tx.RecordApproval(ctx, s.approvalLog(workflow.DocMTF, id, 0, header.State.Level, header.CreatedBy, shared.ApprovalSubmit, ""))
}

func (s *Service) buildMTFLines(ctx context.Context, inputs []MTFLineInput, state workflow.ApprovalState) ([]MTFLine, error) {
	if len(inputs) == 0 {
		return nil, workflow.Invalid("lines", "at least one line is required")
	}
	lines := make([]MTFLine, 0, len(inputs))
	for i, in := range inputs {
		row := i + 1
		if in.ItemID <= 0 {
			return nil, workflow.InvalidLine(row, "item_id", "is required")
		}
		if !in.RequestQty.IsPositive() {
			return nil, workflow.InvalidLine(row, "request_qty", "must be greater than zero")
		}
		if in.EstUnitPrice.IsNegative() {
			return nil, workflow.InvalidLine(row, "est_unit_price", "must not be negative")
		}
		if err := s.directory.CheckItem(ctx, in.ItemID); err != nil {
			return nil, err
		}
		lines = append(lines, MTFLine{
			ItemID:        in.ItemID,
			RequestQty:    in.RequestQty,
			State:         state,
			EstUnitPrice:  in.EstUnitPrice,
			EstTotalPrice: in.RequestQty.Mul(in.EstUnitPrice),
			Description:   in.Description,
		})
	}
	return lines, nil
}

// CreateSTF sources a supplier order from approved MTF lines.
func (s *Service) CreateSTF(ctx context.Context, actorID int64, input CreateOrderInput) (Document, error) {
	return s.CreateOrder(ctx, actorID, workflow.DocSTF, input)
}

// CreateOTF sources an invoicing order from approved STF lines.
func (s *Service) CreateOTF(ctx context.Context, actorID int64, input CreateOrderInput) (Document, error) {
	return s.CreateOrder(ctx, actorID, workflow.DocOTF, input)
}

// CreateMRF records a goods receipt against approved OTF lines.
func (s *Service) CreateMRF(ctx context.Context, actorID int64, input CreateOrderInput) (Document, error) {
	return s.CreateOrder(ctx, actorID, workflow.DocMRF, input)
}

// CreateMDF records a site issue against approved MRF lines.
func (s *Service) CreateMDF(ctx context.Context, actorID int64, input CreateOrderInput) (Document, error) {
	return s.CreateOrder(ctx, actorID, workflow.DocMDF, input)
}

// CreateOrder creates a child document of stage t. Parent lines are locked,
// backlog is re-read and every line is reserved in one transaction; any
// failing line aborts the whole document.
func (s *Service) CreateOrder(ctx context.Context, actorID int64, t workflow.DocType, input CreateOrderInput) (Document, error) {
	doc, err := s.createOrder(ctx, actorID, t, input)
	err = staleAsConflict(err, t, 0, "create")
	s.recordOutcome(t, "create", err)
	return doc, err
}

func (s *Service) createOrder(ctx context.Context, actorID int64, t workflow.DocType, input CreateOrderInput) (Document, error) {
	parentType, ok := t.Parent()
	if !ok {
		return Document{}, workflow.Invalid("type", fmt.Sprintf("%s cannot be sourced from an upstream stage", t))
	}
	user, err := s.directory.GetUser(ctx, actorID)
	if err != nil {
		return Document{}, err
	}
	if !workflow.CanCreate(t, user) {
		return Document{}, &workflow.AuthorizationError{UserID: actorID, Reason: "requires " + t.InitiatorRole()}
	}
	meta, err := validateOrderHeader(t, input.SupplierID, input.Meta)
	if err != nil {
		return Document{}, err
	}
	if err := validateOrderLines(input.Lines); err != nil {
		return Document{}, err
	}
	if t == workflow.DocSTF {
		if err := s.directory.CheckSupplier(ctx, input.SupplierID); err != nil {
			return Document{}, err
		}
	}
	att, err := buildAttachment(input.Attachment, s.maxAttachment)
	if err != nil {
		return Document{}, err
	}
	ids := parentIDs(input.Lines)

	var (
		order Order
		lines []OrderLine
	)
	err = s.withIdempotency(ctx, input.IdempotencyKey, "matflow."+string(t), func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			parents, scope, err := s.lockParents(ctx, tx, parentType, ids)
			if err != nil {
				return err
			}
			if err := workflow.AuthorizeCreate(t, user, scope.ProjectID); err != nil {
				return err
			}
			supplierID, err := resolveSupplier(t, scope, input.SupplierID)
			if err != nil {
				return err
			}
			project, err := s.directory.GetProject(ctx, scope.ProjectID)
			if err != nil {
				return err
			}
			if err := s.reserve(ctx, tx, t, parents, ids, 0, input.Lines); err != nil {
				return err
			}
			lines = buildOrderLines(parents, input.Lines)
			order = Order{
				Type:         t,
				ProjectID:    scope.ProjectID,
				DisciplineID: scope.DisciplineID,
				SupplierID:   supplierID,
				State:        workflow.InitialState(input.Draft, project.MaxApprovalLevel(t)),
				TotalValue:   workflow.TotalValue(pricedLines(lines)),
				CreatedBy:    actorID,
				CreatedAt:    s.now(),
				Version:      1,
				Meta:         meta,
				Attachment:   att,
			}
			id, err := tx.CreateOrder(ctx, order)
			if err != nil {
				return err
			}
			order.ID = id
			if lines, err = tx.InsertOrderLines(ctx, t, id, lines); err != nil {
				return err
			}
			if input.Draft {
				return nil
			}
			return tx.RecordApproval(ctx, s.approvalLog(t, id, 0, order.State.Level, actorID, shared.ApprovalSubmit, ""))
		})
	})
	if err != nil {
		return Document{}, err
	}
	s.invalidateBacklogs(parentType, ids)
	s.afterCommit(ctx, TransitionEvent{
		Type: t, DocID: order.ID, ProjectID: order.ProjectID, DisciplineID: order.DisciplineID, Action: createAction(input.Draft),
		State: order.State, ActorID: actorID, CreatedBy: actorID,
	}, map[string]any{"lines": len(lines), "total_value": order.TotalValue.String()})
	return Document{Type: t, Order: &order, Lines: lines}, nil
}

// lockParents locks the referenced parent lines and derives their common scope.
func (s *Service) lockParents(ctx context.Context, tx TxRepository, parentType workflow.DocType, ids []int64) (map[int64]workflow.ParentLine, workflow.Scope, error) {
	parents, err := tx.LockParentLines(ctx, parentType, ids)
	if err != nil {
		return nil, workflow.Scope{}, err
	}
	ordered := make([]workflow.ParentLine, 0, len(ids))
	for _, id := range ids {
		p, ok := parents[id]
		if !ok {
			return nil, workflow.Scope{}, workflow.Missing(string(parentType)+" line", id)
		}
		ordered = append(ordered, p)
	}
	scope, err := workflow.CommonScope(ordered)
	if err != nil {
		return nil, workflow.Scope{}, err
	}
	return parents, scope, nil
}

// reserve validates the requested quantities against the committed ones.
// excludeOrderID drops the lines of a document being revised.
func (s *Service) reserve(ctx context.Context, tx TxRepository, t workflow.DocType, parents map[int64]workflow.ParentLine, ids []int64, excludeOrderID int64, inputs []OrderLineInput) error {
	children, err := tx.ChildLines(ctx, t, ids, excludeOrderID)
	if err != nil {
		return err
	}
	committed := s.committedQty(ids, children)
	reqs := make([]workflow.Reservation, len(inputs))
	for i, in := range inputs {
		reqs[i] = workflow.Reservation{Line: i + 1, ParentLineID: in.ParentLineID, Qty: in.Qty}
	}
	return workflow.CheckReservations(t, parents, committed, reqs)
}

// countedChildren keeps the child lines that consume parent backlog.
func (s *Service) countedChildren(children []ChildLine) []workflow.ChildQty {
	out := make([]workflow.ChildQty, 0, len(children))
	for _, c := range children {
		if s.policy.CountsTowardParent(c.HeaderStatus) {
			out = append(out, workflow.ChildQty{ParentID: c.ParentLineID, Qty: c.Qty})
		}
	}
	return out
}

func (s *Service) committedQty(ids []int64, children []ChildLine) map[int64]decimal.Decimal {
	counted := s.countedChildren(children)
	out := make(map[int64]decimal.Decimal, len(ids))
	for _, id := range ids {
		out[id] = workflow.OrderedQty(id, counted)
	}
	return out
}

func resolveSupplier(t workflow.DocType, scope workflow.Scope, requested int64) (int64, error) {
	if t == workflow.DocSTF {
		return requested, nil
	}
	if requested != 0 && requested != scope.SupplierID {
		return 0, workflow.Invalid("supplier_id", fmt.Sprintf("must match supplier %d of the source lines", scope.SupplierID))
	}
	return scope.SupplierID, nil
}

func validateOrderHeader(t workflow.DocType, supplierID int64, meta OrderMeta) (OrderMeta, error) {
	switch t {
	case workflow.DocSTF:
		if supplierID <= 0 {
			return meta, workflow.Invalid("supplier_id", "is required")
		}
	case workflow.DocOTF:
		if meta.Currency != "" {
			code, err := masterdata.NormalizeCurrency(meta.Currency)
			if err != nil {
				return meta, err
			}
			meta.Currency = code
		}
	case workflow.DocMDF:
		if meta.Recipient == "" {
			return meta, workflow.Invalid("recipient", "is required")
		}
	}
	return meta, nil
}

func validateOrderLines(inputs []OrderLineInput) error {
	if len(inputs) == 0 {
		return workflow.Invalid("lines", "at least one line is required")
	}
	for i, in := range inputs {
		if in.ParentLineID <= 0 {
			return workflow.InvalidLine(i+1, "parent_line_id", "is required")
		}
		if in.UnitPrice.IsNegative() {
			return workflow.InvalidLine(i+1, "unit_price", "must not be negative")
		}
	}
	return nil
}

// parentIDs returns the distinct parent line ids in input order.
func parentIDs(inputs []OrderLineInput) []int64 {
	seen := make(map[int64]struct{}, len(inputs))
	ids := make([]int64, 0, len(inputs))
	for _, in := range inputs {
		if _, ok := seen[in.ParentLineID]; ok {
			continue
		}
		seen[in.ParentLineID] = struct{}{}
		ids = append(ids, in.ParentLineID)
	}
	return ids
}

func buildOrderLines(parents map[int64]workflow.ParentLine, inputs []OrderLineInput) []OrderLine {
	lines := make([]OrderLine, len(inputs))
	for i, in := range inputs {
		parent := parents[in.ParentLineID]
		desc := in.Description
		if desc == "" {
			desc = parent.Description
		}
		lines[i] = OrderLine{
			ParentLineID: in.ParentLineID,
			ItemID:       parent.ItemID,
			Qty:          in.Qty,
			UnitPrice:    in.UnitPrice,
			Description:  desc,
		}
	}
	return lines
}

// Approve grants the next approval level. For MTF, id is a line id.
func (s *Service) Approve(ctx context.Context, actorID int64, t workflow.DocType, id int64) (TransitionResult, error) {
	return s.transition(ctx, actorID, t, id, workflow.ActionApprove, "")
}

// Reject marks a pending document (or MTF line) Rejected.
func (s *Service) Reject(ctx context.Context, actorID int64, t workflow.DocType, id int64, note string) (TransitionResult, error) {
	return s.transition(ctx, actorID, t, id, workflow.ActionReject, note)
}

// Close acknowledges a rejection. Only the creator may close.
func (s *Service) Close(ctx context.Context, actorID int64, t workflow.DocType, id int64) (TransitionResult, error) {
	return s.transition(ctx, actorID, t, id, workflow.ActionClose, "")
}

// Submit pushes a draft into its approval chain. For MTF, id is the header id.
func (s *Service) Submit(ctx context.Context, actorID int64, t workflow.DocType, id int64) (TransitionResult, error) {
	return s.transition(ctx, actorID, t, id, workflow.ActionSubmit, "")
}

func (s *Service) transition(ctx context.Context, actorID int64, t workflow.DocType, id int64, action, note string) (TransitionResult, error) {
	res, evt, err := s.runTransition(ctx, actorID, t, id, action, note)
	err = staleAsConflict(err, t, id, action)
	s.recordOutcome(t, action, err)
	if err != nil {
		return TransitionResult{}, err
	}
	if action == workflow.ActionClose || action == workflow.ActionReject {
		s.invalidateChildBacklogs(ctx, t, res)
	}
	s.afterCommit(ctx, evt, map[string]any{"level": res.State.Level, "note": note})
	return res, nil
}

func (s *Service) runTransition(ctx context.Context, actorID int64, t workflow.DocType, id int64, action, note string) (TransitionResult, TransitionEvent, error) {
	if _, ok := workflow.ParseDocType(string(t)); !ok {
		return TransitionResult{}, TransitionEvent{}, workflow.Invalid("type", fmt.Sprintf("unknown document type %q", t))
	}
	user, err := s.directory.GetUser(ctx, actorID)
	if err != nil {
		return TransitionResult{}, TransitionEvent{}, err
	}
	switch {
	case t == workflow.DocMTF && action == workflow.ActionSubmit:
		return s.submitMTF(ctx, user, id)
	case t == workflow.DocMTF:
		return s.transitionMTFLine(ctx, user, id, action, note)
	default:
		return s.transitionOrder(ctx, user, t, id, action, note)
	}
}

func (s *Service) transitionOrder(ctx context.Context, user workflow.User, t workflow.DocType, id int64, action, note string) (TransitionResult, TransitionEvent, error) {
	var (
		res TransitionResult
		evt TransitionEvent
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, _, err := tx.LockOrder(ctx, t, id)
		if err != nil {
			return err
		}
		project, err := s.directory.GetProject(ctx, order.ProjectID)
		if err != nil {
			return err
		}
		next, err := s.apply(subjectForOrder(order), user, project, action)
		if err != nil {
			return err
		}
		if err := tx.UpdateOrderState(ctx, t, id, order.State, next); err != nil {
			return err
		}
		if err := tx.RecordApproval(ctx, s.approvalLog(t, id, 0, next.Level, user.ID, approvalAction(action), note)); err != nil {
			return err
		}
		res = TransitionResult{Type: t, ID: id, HeaderID: id, State: next, HeaderState: next}
		evt = TransitionEvent{Type: t, DocID: id, ProjectID: order.ProjectID, DisciplineID: order.DisciplineID, Action: action, State: next, ActorID: user.ID, CreatedBy: order.CreatedBy}
		return nil
	})
	return res, evt, err
}

func (s *Service) transitionMTFLine(ctx context.Context, user workflow.User, lineID int64, action, note string) (TransitionResult, TransitionEvent, error) {
	headerID, err := s.repo.HeaderForLine(ctx, workflow.DocMTF, lineID)
	if err != nil {
		return TransitionResult{}, TransitionEvent{}, err
	}
	var (
		res TransitionResult
		evt TransitionEvent
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		header, lines, err := tx.LockMTF(ctx, headerID)
		if err != nil {
			return err
		}
		idx := -1
		for i, l := range lines {
			if l.ID == lineID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return workflow.Missing("MTF line", lineID)
		}
		project, err := s.directory.GetProject(ctx, header.ProjectID)
		if err != nil {
			return err
		}
		line := lines[idx]
		next, err := s.apply(subjectForMTFLine(header, line), user, project, action)
		if err != nil {
			return err
		}
		if err := tx.UpdateMTFLineState(ctx, lineID, line.State, next); err != nil {
			return err
		}
		lines[idx].State = next
		headerState := workflow.AggregateHeader(lineStates(lines))
		if err := tx.UpdateMTFHeaderState(ctx, headerID, headerState); err != nil {
			return err
		}
		if err := tx.RecordApproval(ctx, s.approvalLog(workflow.DocMTF, headerID, lineID, next.Level, user.ID, approvalAction(action), note)); err != nil {
			return err
		}
		res = TransitionResult{Type: workflow.DocMTF, ID: lineID, HeaderID: headerID, State: next, HeaderState: headerState}
		evt = TransitionEvent{Type: workflow.DocMTF, DocID: headerID, LineID: lineID, ProjectID: header.ProjectID, DisciplineID: header.DisciplineID, Action: action, State: next, ActorID: user.ID, CreatedBy: header.CreatedBy}
		return nil
	})
	return res, evt, err
}

func (s *Service) submitMTF(ctx context.Context, user workflow.User, headerID int64) (TransitionResult, TransitionEvent, error) {
	var (
		res TransitionResult
		evt TransitionEvent
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		header, lines, err := tx.LockMTF(ctx, headerID)
		if err != nil {
			return err
		}
		if err := workflow.AuthorizeSubmit(subjectForMTFHeader(header), user); err != nil {
			return err
		}
		project, err := s.directory.GetProject(ctx, header.ProjectID)
		if err != nil {
			return err
		}
		for i, l := range lines {
			next, err := workflow.Submit(workflow.Ref{Type: workflow.DocMTF, ID: l.ID}, l.State, project.MaxMTFApprovalLevel)
			if err != nil {
				return err
			}
			if err := tx.UpdateMTFLineState(ctx, l.ID, l.State, next); err != nil {
				return err
			}
			lines[i].State = next
		}
		headerState := workflow.AggregateHeader(lineStates(lines))
		if err := tx.UpdateMTFHeaderState(ctx, headerID, headerState); err != nil {
			return err
		}
		if err := tx.RecordApproval(ctx, s.approvalLog(workflow.DocMTF, headerID, 0, headerState.Level, user.ID, shared.ApprovalSubmit, "")); err != nil {
			return err
		}
		res = TransitionResult{Type: workflow.DocMTF, ID: headerID, HeaderID: headerID, State: headerState, HeaderState: headerState}
		evt = TransitionEvent{Type: workflow.DocMTF, DocID: headerID, ProjectID: header.ProjectID, DisciplineID: header.DisciplineID, Action: workflow.ActionSubmit, State: headerState, ActorID: user.ID, CreatedBy: header.CreatedBy}
		return nil
	})
	return res, evt, err
}

// apply authorises action on subj and computes the next state.
func (s *Service) apply(subj workflow.Subject, user workflow.User, project workflow.Project, action string) (workflow.ApprovalState, error) {
	limit := project.MaxApprovalLevel(subj.Ref.Type)
	switch action {
	case workflow.ActionApprove:
		if err := s.policy.AuthorizeDecision(subj, user, project, action); err != nil {
			return subj.State, err
		}
		return workflow.Approve(subj.Ref, subj.State, limit)
	case workflow.ActionReject:
		if err := s.policy.AuthorizeDecision(subj, user, project, action); err != nil {
			return subj.State, err
		}
		return workflow.Reject(subj.Ref, subj.State)
	case workflow.ActionClose:
		if err := workflow.AuthorizeRejectedAction(subj, user, action); err != nil {
			return subj.State, err
		}
		return workflow.Close(subj.Ref, subj.State)
	case workflow.ActionSubmit:
		if err := workflow.AuthorizeSubmit(subj, user); err != nil {
			return subj.State, err
		}
		return workflow.Submit(subj.Ref, subj.State, limit)
	}
	return subj.State, workflow.Invalid("action", fmt.Sprintf("unsupported action %q", action))
}

// Revise replaces the content of a rejected document and sends it back to
// the start of its approval chain. For MTF, id is the header id and the
// whole line set is replaced.
func (s *Service) Revise(ctx context.Context, actorID int64, t workflow.DocType, id int64, input ReviseInput) (Document, error) {
	doc, err := s.revise(ctx, actorID, t, id, input)
	err = staleAsConflict(err, t, id, workflow.ActionRevise)
	s.recordOutcome(t, workflow.ActionRevise, err)
	if err != nil {
		return Document{}, err
	}
	evt := TransitionEvent{Type: t, DocID: id, Action: workflow.ActionRevise, ActorID: actorID, CreatedBy: actorID}
	if doc.MTF != nil {
		evt.ProjectID, evt.DisciplineID, evt.State = doc.MTF.ProjectID, doc.MTF.DisciplineID, doc.MTF.State
	} else if doc.Order != nil {
		evt.ProjectID, evt.DisciplineID, evt.State = doc.Order.ProjectID, doc.Order.DisciplineID, doc.Order.State
	}
	s.afterCommit(ctx, evt, nil)
	return doc, nil
}

func (s *Service) revise(ctx context.Context, actorID int64, t workflow.DocType, id int64, input ReviseInput) (Document, error) {
	if _, ok := workflow.ParseDocType(string(t)); !ok {
		return Document{}, workflow.Invalid("type", fmt.Sprintf("unknown document type %q", t))
	}
	user, err := s.directory.GetUser(ctx, actorID)
	if err != nil {
		return Document{}, err
	}
	att, err := buildAttachment(input.Attachment, s.maxAttachment)
	if err != nil {
		return Document{}, err
	}
	if t == workflow.DocMTF {
		return s.reviseMTF(ctx, user, id, input, att)
	}
	return s.reviseOrder(ctx, user, t, id, input, att)
}

func (s *Service) reviseMTF(ctx context.Context, user workflow.User, id int64, input ReviseInput, att *Attachment) (Document, error) {
	var doc Document
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		header, _, err := tx.LockMTF(ctx, id)
		if err != nil {
			return err
		}
		subj := subjectForMTFHeader(header)
		if err := workflow.AuthorizeRejectedAction(subj, user, workflow.ActionRevise); err != nil {
			return err
		}
		project, err := s.directory.GetProject(ctx, header.ProjectID)
		if err != nil {
			return err
		}
		next, err := workflow.Revise(subj.Ref, header.State, input.Draft, project.MaxMTFApprovalLevel)
		if err != nil {
			return err
		}
		lines, err := s.buildMTFLines(ctx, input.MTFLines, next)
		if err != nil {
			return err
		}
		if err := tx.DeleteMTFLines(ctx, id); err != nil {
			return err
		}
		if lines, err = tx.InsertMTFLines(ctx, id, lines); err != nil {
			return err
		}
		header.State = workflow.AggregateHeader(lineStates(lines))
		if err := tx.UpdateMTFHeaderState(ctx, id, header.State); err != nil {
			return err
		}
		header.Version++
		if att != nil {
			if err := tx.SetAttachment(ctx, workflow.DocMTF, id, *att); err != nil {
				return err
			}
			header.Attachment = att
		}
		if err := tx.RecordApproval(ctx, s.approvalLog(workflow.DocMTF, id, 0, header.State.Level, user.ID, shared.ApprovalRevise, "")); err != nil {
			return err
		}
		doc = Document{Type: workflow.DocMTF, MTF: &header, MTFLines: lines}
		return nil
	})
	return doc, err
}

func (s *Service) reviseOrder(ctx context.Context, user workflow.User, t workflow.DocType, id int64, input ReviseInput, att *Attachment) (Document, error) {
	parentType, ok := t.Parent()
	if !ok {
		return Document{}, workflow.Invalid("type", fmt.Sprintf("%s cannot be revised", t))
	}
	if err := validateOrderLines(input.Lines); err != nil {
		return Document{}, err
	}
	ids := parentIDs(input.Lines)
	var doc Document
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, _, err := tx.LockOrder(ctx, t, id)
		if err != nil {
			return err
		}
		subj := subjectForOrder(order)
		if err := workflow.AuthorizeRejectedAction(subj, user, workflow.ActionRevise); err != nil {
			return err
		}
		project, err := s.directory.GetProject(ctx, order.ProjectID)
		if err != nil {
			return err
		}
		next, err := workflow.Revise(subj.Ref, order.State, input.Draft, project.MaxApprovalLevel(t))
		if err != nil {
			return err
		}
		supplierID := order.SupplierID
		if input.SupplierID != 0 {
			supplierID = input.SupplierID
		}
		meta := order.Meta
		if input.Meta != nil {
			meta = *input.Meta
		}
		if meta, err = validateOrderHeader(t, supplierID, meta); err != nil {
			return err
		}
		if t == workflow.DocSTF && supplierID != order.SupplierID {
			if err := s.directory.CheckSupplier(ctx, supplierID); err != nil {
				return err
			}
		}
		parents, scope, err := s.lockParents(ctx, tx, parentType, ids)
		if err != nil {
			return err
		}
		if scope.ProjectID != order.ProjectID || scope.DisciplineID != order.DisciplineID {
			return workflow.Invalid("lines", fmt.Sprintf("source lines must belong to project %d and discipline %d", order.ProjectID, order.DisciplineID))
		}
		if t != workflow.DocSTF {
			if supplierID, err = resolveSupplier(t, scope, input.SupplierID); err != nil {
				return err
			}
		}
		if err := s.reserve(ctx, tx, t, parents, ids, id, input.Lines); err != nil {
			return err
		}
		lines := buildOrderLines(parents, input.Lines)
		if err := tx.DeleteOrderLines(ctx, t, id); err != nil {
			return err
		}
		if lines, err = tx.InsertOrderLines(ctx, t, id, lines); err != nil {
			return err
		}
		order.SupplierID = supplierID
		order.Meta = meta
		order.TotalValue = workflow.TotalValue(pricedLines(lines))
		if err := tx.UpdateOrderContent(ctx, order); err != nil {
			return err
		}
		if err := tx.UpdateOrderState(ctx, t, id, order.State, next); err != nil {
			return err
		}
		order.State = next
		order.Version++
		if att != nil {
			if err := tx.SetAttachment(ctx, t, id, *att); err != nil {
				return err
			}
			order.Attachment = att
		}
		if err := tx.RecordApproval(ctx, s.approvalLog(t, id, 0, next.Level, user.ID, shared.ApprovalRevise, "")); err != nil {
			return err
		}
		doc = Document{Type: t, Order: &order, Lines: lines}
		return nil
	})
	if err == nil {
		s.invalidateBacklogs(parentType, ids)
	}
	return doc, err
}

// GetDocument loads a header, its lines and its approval history concurrently.
func (s *Service) GetDocument(ctx context.Context, t workflow.DocType, id int64) (Document, error) {
	if _, ok := workflow.ParseDocType(string(t)); !ok {
		return Document{}, workflow.Invalid("type", fmt.Sprintf("unknown document type %q", t))
	}
	doc := Document{Type: t}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if t == workflow.DocMTF {
			header, lines, err := s.repo.GetMTF(gctx, id)
			if err != nil {
				return err
			}
			doc.MTF, doc.MTFLines = &header, lines
			return nil
		}
		order, lines, err := s.repo.GetOrder(gctx, t, id)
		if err != nil {
			return err
		}
		doc.Order, doc.Lines = &order, lines
		return nil
	})
	g.Go(func() error {
		history, err := s.History(gctx, t, id)
		doc.History = history
		return err
	})
	if err := g.Wait(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// History returns the approval log of a document in chronological order.
func (s *Service) History(ctx context.Context, t workflow.DocType, id int64) ([]HistoryEntry, error) {
	if s.history == nil {
		return []HistoryEntry{}, nil
	}
	logs, err := s.history.List(ctx, string(t), id)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, len(logs))
	for i, l := range logs {
		out[i] = HistoryEntry{LineID: l.LineID, Level: l.Level, ActorID: l.ActorID, Action: string(l.Action), Note: l.Note, At: l.At}
	}
	return out, nil
}

// Attachment returns the stored file of a document.
func (s *Service) Attachment(ctx context.Context, t workflow.DocType, id int64) (Attachment, error) {
	return s.repo.GetAttachment(ctx, t, id)
}

// ListDocuments returns a page of documents of stage t.
func (s *Service) ListDocuments(ctx context.Context, t workflow.DocType, filters ListFilters) ([]DocumentSummary, shared.Pagination, error) {
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, shared.Pagination{}, workflow.Invalid("status", fmt.Sprintf("unknown status %q", filters.Status))
	}
	filters.Page, filters.PerPage = shared.NormalizePage(filters.Page, filters.PerPage)
	items, total, err := s.repo.ListDocuments(ctx, t, filters)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filters.Page, filters.PerPage, total), nil
}

// GetBacklog returns the quantity of a line of stage t still available to
// the next stage. Concurrent calls for the same line share one lookup; the
// lookup outlives the caller that started it, and each caller stops waiting
// when its own context ends.
func (s *Service) GetBacklog(ctx context.Context, t workflow.DocType, lineID int64) (decimal.Decimal, error) {
	key := backlogKey(t, lineID)
	lookupCtx := context.WithoutCancel(ctx)
	ch := s.backlogs.DoChan(key, func() (any, error) {
		summary, err := s.LineSummary(lookupCtx, t, lineID)
		if err != nil {
			return nil, err
		}
		return summary.Backlog, nil
	})
	select {
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return decimal.Zero, res.Err
		}
		return res.Val.(decimal.Decimal), nil
	}
}

// LineSummary reports requested, committed and remaining quantities of a
// line together with the average unit price of its downstream lines.
func (s *Service) LineSummary(ctx context.Context, t workflow.DocType, lineID int64) (LineSummary, error) {
	child, ok := t.Child()
	if !ok {
		return LineSummary{}, workflow.Invalid("type", fmt.Sprintf("%s lines have no downstream stage", t))
	}
	parents, err := s.repo.ParentLines(ctx, t, []int64{lineID})
	if err != nil {
		return LineSummary{}, err
	}
	parent, ok := parents[lineID]
	if !ok {
		return LineSummary{}, workflow.Missing(string(t)+" line", lineID)
	}
	children, err := s.repo.ChildLines(ctx, child, []int64{lineID}, 0)
	if err != nil {
		return LineSummary{}, err
	}
	counted := s.countedChildren(children)
	priced := make([]workflow.PricedQty, 0, len(children))
	for _, c := range children {
		if s.policy.CountsTowardParent(c.HeaderStatus) {
			priced = append(priced, workflow.PricedQty{Qty: c.Qty, Price: c.UnitPrice})
		}
	}
	summary := LineSummary{
		Type:       t,
		LineID:     lineID,
		HeaderID:   parent.HeaderID,
		Status:     parent.Status,
		Requested:  parent.Qty,
		Committed:  workflow.OrderedQty(lineID, counted),
		Backlog:    workflow.Backlog(lineID, parent.Qty, counted),
		ChildStage: child,
		ChildLines: len(priced),
	}
	if avg, ok := workflow.AverageUnitPrice(priced); ok {
		summary.AvgChildPrice = &avg
	}
	return summary, nil
}

// StaleDrafts lists Initialized documents of every stage older than age.
func (s *Service) StaleDrafts(ctx context.Context, age time.Duration) ([]DocumentSummary, error) {
	cutoff := s.now().Add(-age)
	var out []DocumentSummary
	for _, t := range workflow.DocTypes() {
		drafts, err := s.repo.ListStaleDrafts(ctx, t, cutoff)
		if err != nil {
			return nil, fmt.Errorf("procurement: stale %s drafts: %w", t, err)
		}
		out = append(out, drafts...)
	}
	return out, nil
}

func backlogKey(t workflow.DocType, lineID int64) string {
	return fmt.Sprintf("%s:%d", t, lineID)
}

// invalidateBacklogs drops in-flight backlog lookups of the given lines so
// that callers arriving after a commit never join a stale read.
func (s *Service) invalidateBacklogs(t workflow.DocType, ids []int64) {
	for _, id := range ids {
		s.backlogs.Forget(backlogKey(t, id))
	}
}

// invalidateChildBacklogs forgets the parent lines of an order whose
// rejection or closure changes what it consumes.
func (s *Service) invalidateChildBacklogs(ctx context.Context, t workflow.DocType, res TransitionResult) {
	parentType, ok := t.Parent()
	if !ok {
		return
	}
	_, lines, err := s.repo.GetOrder(ctx, t, res.HeaderID)
	if err != nil {
		return
	}
	ids := make([]int64, len(lines))
	for i, l := range lines {
		ids[i] = l.ParentLineID
	}
	s.invalidateBacklogs(parentType, ids)
}

func (s *Service) withIdempotency(ctx context.Context, key, module string, fn func() error) error {
	if key == "" || s.idempotency == nil {
		return fn()
	}
	if err := s.idempotency.CheckAndInsert(ctx, key, module); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if delErr := s.idempotency.Delete(ctx, key, module); delErr != nil {
			s.logger.Warn("release idempotency key", slog.String("module", module), slog.Any("error", delErr))
		}
		return err
	}
	return nil
}

func (s *Service) approvalLog(t workflow.DocType, docID, lineID int64, level int, actorID int64, action shared.ApprovalAction, note string) shared.ApprovalLog {
	return shared.ApprovalLog{
		Module:  string(t),
		DocID:   docID,
		LineID:  lineID,
		Level:   level,
		ActorID: actorID,
		Action:  action,
		Note:    note,
		At:      s.now(),
	}
}

func (s *Service) afterCommit(ctx context.Context, evt TransitionEvent, meta map[string]any) {
	evt.At = s.now()
	if s.notifier != nil {
		if err := s.notifier.NotifyTransition(ctx, evt); err != nil {
			s.logger.Warn("notify transition", slog.String("type", string(evt.Type)), slog.Int64("doc_id", evt.DocID), slog.Any("error", err))
		}
	}
	s.recordAudit(ctx, evt, meta)
}

func (s *Service) recordAudit(ctx context.Context, evt TransitionEvent, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["status"] = string(evt.State.Status)
	if evt.LineID != 0 {
		meta["line_id"] = evt.LineID
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  evt.ActorID,
		Action:   fmt.Sprintf("%s_%s", evt.Type, evt.Action),
		Entity:   "procurement." + string(evt.Type),
		EntityID: fmt.Sprintf("%d", evt.DocID),
		Meta:     meta,
		At:       evt.At,
	})
	if err != nil {
		s.logger.Warn("record audit", slog.Any("error", err))
	}
}

func (s *Service) recordOutcome(t workflow.DocType, action string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordTransition(string(t), action, Outcome(err))
}

// Outcome classifies err for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, workflow.ErrValidation):
		return "validation"
	case errors.Is(err, workflow.ErrForbidden):
		return "forbidden"
	case errors.Is(err, workflow.ErrConflict):
		return "conflict"
	case errors.Is(err, workflow.ErrNotFound):
		return "not_found"
	case errors.Is(err, shared.ErrIdempotencyConflict):
		return "duplicate"
	default:
		return "error"
	}
}

// staleAsConflict reports a lost compare-and-set as a retryable conflict.
func staleAsConflict(err error, t workflow.DocType, id int64, action string) error {
	if err == nil || !errors.Is(err, ErrStaleState) {
		return err
	}
	return fmt.Errorf("%w: %w", &workflow.StateConflictError{Type: t, ID: id, Action: action}, err)
}

func approvalAction(action string) shared.ApprovalAction {
	switch action {
	case workflow.ActionApprove:
		return shared.ApprovalApprove
	case workflow.ActionReject:
		return shared.ApprovalReject
	case workflow.ActionClose:
		return shared.ApprovalClose
	case workflow.ActionRevise:
		return shared.ApprovalRevise
	default:
		return shared.ApprovalSubmit
	}
}

func createAction(draft bool) string {
	if draft {
		return "draft"
	}
	return "create"
}

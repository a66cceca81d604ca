package procurement

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/matflow/internal/shared"
	"github.com/odyssey-erp/matflow/internal/workflow"
)

// memoryProcRepo serialises transactions on a mutex and restores a
// snapshot when the callback fails.
type memoryProcRepo struct {
	mu         sync.Mutex
	nextID     int64
	mtfs       map[int64]MTFHeader
	mtfLines   map[int64]MTFLine
	orders     map[workflow.DocType]map[int64]Order
	orderLines map[workflow.DocType]map[int64]OrderLine
	approvals  []shared.ApprovalLog
	contents   map[string][]byte

	// failInsertLines makes InsertOrderLines fail after the header insert.
	failInsertLines bool
	// staleUpdates makes the next compare-and-set update lose its race.
	staleUpdates int
	// beforeRead runs before ParentLines outside a transaction, without the
	// repository lock held.
	beforeRead func(ctx context.Context) error
	// staleClaims makes the next parent line claim fail the way a
	// serialization failure surfaces from Repository.WithTx.
	staleClaims int
}

type memoryProcTx struct {
	repo *memoryProcRepo
}

func newMemoryProcRepo() *memoryProcRepo {
	r := &memoryProcRepo{
		mtfs:       make(map[int64]MTFHeader),
		mtfLines:   make(map[int64]MTFLine),
		orders:     make(map[workflow.DocType]map[int64]Order),
		orderLines: make(map[workflow.DocType]map[int64]OrderLine),
		contents:   make(map[string][]byte),
	}
	for _, t := range workflow.DocTypes() {
		r.orders[t] = make(map[int64]Order)
		r.orderLines[t] = make(map[int64]OrderLine)
	}
	return r
}

type memorySnapshot struct {
	nextID     int64
	mtfs       map[int64]MTFHeader
	mtfLines   map[int64]MTFLine
	orders     map[workflow.DocType]map[int64]Order
	orderLines map[workflow.DocType]map[int64]OrderLine
	approvals  []shared.ApprovalLog
	contents   map[string][]byte
}

func (r *memoryProcRepo) snapshot() memorySnapshot {
	s := memorySnapshot{
		nextID:     r.nextID,
		mtfs:       maps.Clone(r.mtfs),
		mtfLines:   maps.Clone(r.mtfLines),
		orders:     make(map[workflow.DocType]map[int64]Order),
		orderLines: make(map[workflow.DocType]map[int64]OrderLine),
		approvals:  append([]shared.ApprovalLog(nil), r.approvals...),
		contents:   maps.Clone(r.contents),
	}
	for t := range r.orders {
		s.orders[t] = maps.Clone(r.orders[t])
		s.orderLines[t] = maps.Clone(r.orderLines[t])
	}
	return s
}

func (r *memoryProcRepo) restore(s memorySnapshot) {
	r.nextID = s.nextID
	r.mtfs = s.mtfs
	r.mtfLines = s.mtfLines
	r.orders = s.orders
	r.orderLines = s.orderLines
	r.approvals = s.approvals
	r.contents = s.contents
}

func (r *memoryProcRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.snapshot()
	if err := fn(ctx, &memoryProcTx{repo: r}); err != nil {
		r.restore(snap)
		return err
	}
	return nil
}

func (r *memoryProcRepo) GetMTF(ctx context.Context, id int64) (MTFHeader, []MTFLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mtf(id)
}

func (r *memoryProcRepo) mtf(id int64) (MTFHeader, []MTFLine, error) {
	h, ok := r.mtfs[id]
	if !ok {
		return MTFHeader{}, nil, workflow.Missing("MTF", id)
	}
	var lines []MTFLine
	for _, l := range r.mtfLines {
		if l.HeaderID == id {
			lines = append(lines, l)
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })
	return h, lines, nil
}

func (r *memoryProcRepo) GetOrder(ctx context.Context, t workflow.DocType, id int64) (Order, []OrderLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order(t, id)
}

func (r *memoryProcRepo) order(t workflow.DocType, id int64) (Order, []OrderLine, error) {
	o, ok := r.orders[t][id]
	if !ok {
		return Order{}, nil, workflow.Missing(string(t), id)
	}
	var lines []OrderLine
	for _, l := range r.orderLines[t] {
		if l.OrderID == id {
			lines = append(lines, l)
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })
	return o, lines, nil
}

func (r *memoryProcRepo) HeaderForLine(ctx context.Context, t workflow.DocType, lineID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t == workflow.DocMTF {
		if l, ok := r.mtfLines[lineID]; ok {
			return l.HeaderID, nil
		}
	} else if l, ok := r.orderLines[t][lineID]; ok {
		return l.OrderID, nil
	}
	return 0, workflow.Missing(string(t)+" line", lineID)
}

func (r *memoryProcRepo) ParentLines(ctx context.Context, t workflow.DocType, ids []int64) (map[int64]workflow.ParentLine, error) {
	if r.beforeRead != nil {
		if err := r.beforeRead(ctx); err != nil {
			return nil, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parentLines(t, ids), nil
}

func (r *memoryProcRepo) parentLines(t workflow.DocType, ids []int64) map[int64]workflow.ParentLine {
	out := make(map[int64]workflow.ParentLine, len(ids))
	for _, id := range ids {
		if t == workflow.DocMTF {
			l, ok := r.mtfLines[id]
			if !ok {
				continue
			}
			h := r.mtfs[l.HeaderID]
			out[id] = workflow.ParentLine{
				Type: t, ID: l.ID, HeaderID: h.ID, ProjectID: h.ProjectID, DisciplineID: h.DisciplineID,
				ItemID: l.ItemID, Qty: l.RequestQty, UnitPrice: l.EstUnitPrice, Status: l.State.Status, Description: l.Description,
			}
			continue
		}
		l, ok := r.orderLines[t][id]
		if !ok {
			continue
		}
		h := r.orders[t][l.OrderID]
		out[id] = workflow.ParentLine{
			Type: t, ID: l.ID, HeaderID: h.ID, ProjectID: h.ProjectID, DisciplineID: h.DisciplineID, SupplierID: h.SupplierID,
			ItemID: l.ItemID, Qty: l.Qty, UnitPrice: l.UnitPrice, Status: h.State.Status, Description: l.Description,
		}
	}
	return out
}

func (r *memoryProcRepo) ChildLines(ctx context.Context, child workflow.DocType, parentIDs []int64, excludeOrderID int64) ([]ChildLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.childLines(child, parentIDs, excludeOrderID), nil
}

func (r *memoryProcRepo) childLines(child workflow.DocType, parentIDs []int64, excludeOrderID int64) []ChildLine {
	wanted := make(map[int64]bool, len(parentIDs))
	for _, id := range parentIDs {
		wanted[id] = true
	}
	var out []ChildLine
	for _, l := range r.orderLines[child] {
		if !wanted[l.ParentLineID] || l.OrderID == excludeOrderID {
			continue
		}
		out = append(out, ChildLine{
			LineID: l.ID, OrderID: l.OrderID, ParentLineID: l.ParentLineID, Qty: l.Qty, UnitPrice: l.UnitPrice,
			HeaderStatus: r.orders[child][l.OrderID].State.Status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LineID < out[j].LineID })
	return out
}

func (r *memoryProcRepo) GetAttachment(ctx context.Context, t workflow.DocType, docID int64) (Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var att *Attachment
	if t == workflow.DocMTF {
		att = r.mtfs[docID].Attachment
	} else {
		att = r.orders[t][docID].Attachment
	}
	if att == nil {
		return Attachment{}, workflow.Missing(string(t)+" attachment", docID)
	}
	out := *att
	out.Content = r.contents[attachmentKey(t, docID)]
	return out, nil
}

func (r *memoryProcRepo) summaries(t workflow.DocType) []DocumentSummary {
	var out []DocumentSummary
	if t == workflow.DocMTF {
		for id, h := range r.mtfs {
			_, lines, _ := r.mtf(id)
			total := make([]workflow.PricedQty, len(lines))
			for i, l := range lines {
				total[i] = workflow.PricedQty{Qty: l.RequestQty, Price: l.EstUnitPrice}
			}
			out = append(out, DocumentSummary{Type: t, ID: id, ProjectID: h.ProjectID, DisciplineID: h.DisciplineID, State: h.State,
				TotalValue: workflow.TotalValue(total), LineCount: len(lines), CreatedBy: h.CreatedBy, CreatedAt: h.CreatedAt})
		}
	} else {
		for id, o := range r.orders[t] {
			_, lines, _ := r.order(t, id)
			out = append(out, DocumentSummary{Type: t, ID: id, ProjectID: o.ProjectID, DisciplineID: o.DisciplineID, SupplierID: o.SupplierID,
				State: o.State, TotalValue: o.TotalValue, LineCount: len(lines), CreatedBy: o.CreatedBy, CreatedAt: o.CreatedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func (r *memoryProcRepo) ListDocuments(ctx context.Context, t workflow.DocType, filters ListFilters) ([]DocumentSummary, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []DocumentSummary
	for _, d := range r.summaries(t) {
		if filters.ProjectID != 0 && d.ProjectID != filters.ProjectID {
			continue
		}
		if filters.Status != "" && d.State.Status != filters.Status {
			continue
		}
		if filters.CreatedBy != 0 && d.CreatedBy != filters.CreatedBy {
			continue
		}
		matched = append(matched, d)
	}
	page := shared.NewPagination(filters.Page, filters.PerPage, len(matched))
	start := min(page.Offset(), len(matched))
	end := min(start+page.PerPage, len(matched))
	return matched[start:end], len(matched), nil
}

func (r *memoryProcRepo) ListStaleDrafts(ctx context.Context, t workflow.DocType, cutoff time.Time) ([]DocumentSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []DocumentSummary
	for _, d := range r.summaries(t) {
		if d.State.Status == workflow.StatusInitialized && d.CreatedAt.Before(cutoff) {
			out = append(out, d)
		}
	}
	return out, nil
}

// List implements HistoryPort over the approvals written by transactions.
func (r *memoryProcRepo) List(ctx context.Context, module string, docID int64) ([]shared.ApprovalLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []shared.ApprovalLog
	for _, l := range r.approvals {
		if l.Module == module && l.DocID == docID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *memoryProcRepo) actions(module string, docID int64) []shared.ApprovalAction {
	logs, _ := r.List(context.Background(), module, docID)
	out := make([]shared.ApprovalAction, len(logs))
	for i, l := range logs {
		out[i] = l.Action
	}
	return out
}

func attachmentKey(t workflow.DocType, docID int64) string {
	return fmt.Sprintf("%s:%d", t, docID)
}

func (tx *memoryProcTx) nextID() int64 {
	tx.repo.nextID++
	return tx.repo.nextID
}

func (tx *memoryProcTx) stale() bool {
	if tx.repo.staleUpdates > 0 {
		tx.repo.staleUpdates--
		return true
	}
	return false
}

func (tx *memoryProcTx) LockMTF(ctx context.Context, id int64) (MTFHeader, []MTFLine, error) {
	return tx.repo.mtf(id)
}

func (tx *memoryProcTx) LockOrder(ctx context.Context, t workflow.DocType, id int64) (Order, []OrderLine, error) {
	return tx.repo.order(t, id)
}

func (tx *memoryProcTx) LockParentLines(ctx context.Context, t workflow.DocType, ids []int64) (map[int64]workflow.ParentLine, error) {
	if tx.repo.staleClaims > 0 {
		tx.repo.staleClaims--
		return nil, fmt.Errorf("%w: could not serialize access due to concurrent update", ErrStaleState)
	}
	return tx.repo.parentLines(t, ids), nil
}

func (tx *memoryProcTx) ChildLines(ctx context.Context, child workflow.DocType, parentIDs []int64, excludeOrderID int64) ([]ChildLine, error) {
	return tx.repo.childLines(child, parentIDs, excludeOrderID), nil
}

func (tx *memoryProcTx) CreateMTF(ctx context.Context, h MTFHeader) (int64, error) {
	h.ID = tx.nextID()
	if h.Attachment != nil {
		tx.repo.contents[attachmentKey(workflow.DocMTF, h.ID)] = h.Attachment.Content
		att := *h.Attachment
		att.Content = nil
		h.Attachment = &att
	}
	tx.repo.mtfs[h.ID] = h
	return h.ID, nil
}

func (tx *memoryProcTx) InsertMTFLines(ctx context.Context, headerID int64, lines []MTFLine) ([]MTFLine, error) {
	out := make([]MTFLine, len(lines))
	for i, l := range lines {
		l.ID = tx.nextID()
		l.HeaderID = headerID
		tx.repo.mtfLines[l.ID] = l
		out[i] = l
	}
	return out, nil
}

func (tx *memoryProcTx) DeleteMTFLines(ctx context.Context, headerID int64) error {
	for id, l := range tx.repo.mtfLines {
		if l.HeaderID == headerID {
			delete(tx.repo.mtfLines, id)
		}
	}
	return nil
}

func (tx *memoryProcTx) UpdateMTFLineState(ctx context.Context, lineID int64, from, to workflow.ApprovalState) error {
	l, ok := tx.repo.mtfLines[lineID]
	if !ok || l.State != from || tx.stale() {
		return ErrStaleState
	}
	l.State = to
	tx.repo.mtfLines[lineID] = l
	return nil
}

func (tx *memoryProcTx) UpdateMTFHeaderState(ctx context.Context, id int64, state workflow.ApprovalState) error {
	h, ok := tx.repo.mtfs[id]
	if !ok {
		return workflow.Missing("MTF", id)
	}
	h.State = state
	h.Version++
	tx.repo.mtfs[id] = h
	return nil
}

func (tx *memoryProcTx) CreateOrder(ctx context.Context, o Order) (int64, error) {
	o.ID = tx.nextID()
	if o.Attachment != nil {
		tx.repo.contents[attachmentKey(o.Type, o.ID)] = o.Attachment.Content
		att := *o.Attachment
		att.Content = nil
		o.Attachment = &att
	}
	tx.repo.orders[o.Type][o.ID] = o
	return o.ID, nil
}

func (tx *memoryProcTx) InsertOrderLines(ctx context.Context, t workflow.DocType, orderID int64, lines []OrderLine) ([]OrderLine, error) {
	if tx.repo.failInsertLines {
		return nil, errors.New("insert lines: connection reset")
	}
	out := make([]OrderLine, len(lines))
	for i, l := range lines {
		l.ID = tx.nextID()
		l.OrderID = orderID
		tx.repo.orderLines[t][l.ID] = l
		out[i] = l
	}
	return out, nil
}

func (tx *memoryProcTx) DeleteOrderLines(ctx context.Context, t workflow.DocType, orderID int64) error {
	for id, l := range tx.repo.orderLines[t] {
		if l.OrderID == orderID {
			delete(tx.repo.orderLines[t], id)
		}
	}
	return nil
}

func (tx *memoryProcTx) UpdateOrderState(ctx context.Context, t workflow.DocType, id int64, from, to workflow.ApprovalState) error {
	o, ok := tx.repo.orders[t][id]
	if !ok || o.State != from || tx.stale() {
		return ErrStaleState
	}
	o.State = to
	o.Version++
	tx.repo.orders[t][id] = o
	return nil
}

func (tx *memoryProcTx) UpdateOrderContent(ctx context.Context, o Order) error {
	cur, ok := tx.repo.orders[o.Type][o.ID]
	if !ok {
		return workflow.Missing(string(o.Type), o.ID)
	}
	cur.SupplierID = o.SupplierID
	cur.Meta = o.Meta
	cur.TotalValue = o.TotalValue
	tx.repo.orders[o.Type][o.ID] = cur
	return nil
}

func (tx *memoryProcTx) SetAttachment(ctx context.Context, t workflow.DocType, docID int64, a Attachment) error {
	tx.repo.contents[attachmentKey(t, docID)] = a.Content
	a.Content = nil
	if t == workflow.DocMTF {
		h := tx.repo.mtfs[docID]
		h.Attachment = &a
		tx.repo.mtfs[docID] = h
		return nil
	}
	o := tx.repo.orders[t][docID]
	o.Attachment = &a
	tx.repo.orders[t][docID] = o
	return nil
}

func (tx *memoryProcTx) RecordApproval(ctx context.Context, log shared.ApprovalLog) error {
	log.ID = tx.nextID()
	if log.RefID == uuid.Nil {
		log.RefID = shared.ApprovalRef(log.Module, log.DocID)
	}
	tx.repo.approvals = append(tx.repo.approvals, log)
	return nil
}

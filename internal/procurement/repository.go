package procurement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/matflow/internal/platform/db"
	"github.com/odyssey-erp/matflow/internal/shared"
	"github.com/odyssey-erp/matflow/internal/workflow"
)

// Repository provides PostgreSQL backed persistence, one table pair per stage.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations. Lock methods take row
// locks held until the transaction ends.
type TxRepository interface {
	LockMTF(ctx context.Context, id int64) (MTFHeader, []MTFLine, error)
	LockOrder(ctx context.Context, t workflow.DocType, id int64) (Order, []OrderLine, error)
	LockParentLines(ctx context.Context, t workflow.DocType, ids []int64) (map[int64]workflow.ParentLine, error)
	ChildLines(ctx context.Context, child workflow.DocType, parentIDs []int64, excludeOrderID int64) ([]ChildLine, error)
	CreateMTF(ctx context.Context, h MTFHeader) (int64, error)
	InsertMTFLines(ctx context.Context, headerID int64, lines []MTFLine) ([]MTFLine, error)
	DeleteMTFLines(ctx context.Context, headerID int64) error
	UpdateMTFLineState(ctx context.Context, lineID int64, from, to workflow.ApprovalState) error
	UpdateMTFHeaderState(ctx context.Context, id int64, state workflow.ApprovalState) error
	CreateOrder(ctx context.Context, o Order) (int64, error)
	InsertOrderLines(ctx context.Context, t workflow.DocType, orderID int64, lines []OrderLine) ([]OrderLine, error)
	DeleteOrderLines(ctx context.Context, t workflow.DocType, orderID int64) error
	UpdateOrderState(ctx context.Context, t workflow.DocType, id int64, from, to workflow.ApprovalState) error
	UpdateOrderContent(ctx context.Context, o Order) error
	SetAttachment(ctx context.Context, t workflow.DocType, docID int64, a Attachment) error
	RecordApproval(ctx context.Context, log shared.ApprovalLog) error
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type stageTables struct {
	header string
	lines  string
}

var tables = map[workflow.DocType]stageTables{
	workflow.DocMTF: {header: "mtf_headers", lines: "mtf_lines"},
	workflow.DocSTF: {header: "stf_orders", lines: "stf_lines"},
	workflow.DocOTF: {header: "otf_orders", lines: "otf_lines"},
	workflow.DocMRF: {header: "mrf_headers", lines: "mrf_lines"},
	workflow.DocMDF: {header: "mdf_issues", lines: "mdf_lines"},
}

func tablesFor(t workflow.DocType) (stageTables, error) {
	tbl, ok := tables[t]
	if !ok {
		return stageTables{}, workflow.Invalid("type", fmt.Sprintf("unknown document type %q", t))
	}
	return tbl, nil
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
	if db.IsSerializationFailure(err) {
		return fmt.Errorf("%w: %v", ErrStaleState, err)
	}
	return err
}

// Fetch helpers

// GetMTF returns an MTF header with its lines.
func (r *Repository) GetMTF(ctx context.Context, id int64) (MTFHeader, []MTFLine, error) {
	return loadMTF(ctx, r.pool, id, false)
}

// GetOrder returns a stage header with its lines.
func (r *Repository) GetOrder(ctx context.Context, t workflow.DocType, id int64) (Order, []OrderLine, error) {
	return loadOrder(ctx, r.pool, t, id, false)
}

// HeaderForLine resolves the header owning a line of stage t.
func (r *Repository) HeaderForLine(ctx context.Context, t workflow.DocType, lineID int64) (int64, error) {
	tbl, err := tablesFor(t)
	if err != nil {
		return 0, err
	}
	fk := "order_id"
	if t == workflow.DocMTF {
		fk = "mtf_header_id"
	}
	var headerID int64
	err = r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, fk, tbl.lines), lineID).Scan(&headerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, workflow.Missing(string(t)+" line", lineID)
	}
	return headerID, err
}

// ParentLines reads lines of stage t in their reservation view.
func (r *Repository) ParentLines(ctx context.Context, t workflow.DocType, ids []int64) (map[int64]workflow.ParentLine, error) {
	return loadParentLines(ctx, r.pool, t, ids)
}

// ChildLines lists lines of stage child referencing parentIDs.
func (r *Repository) ChildLines(ctx context.Context, child workflow.DocType, parentIDs []int64, excludeOrderID int64) ([]ChildLine, error) {
	return loadChildLines(ctx, r.pool, child, parentIDs, excludeOrderID)
}

// GetAttachment returns the attachment of a header including its content.
func (r *Repository) GetAttachment(ctx context.Context, t workflow.DocType, docID int64) (Attachment, error) {
	tbl, err := tablesFor(t)
	if err != nil {
		return Attachment{}, err
	}
	query := fmt.Sprintf(`SELECT a.file_name, a.file_type, a.size, a.digest, a.content
FROM %s h JOIN attachments a ON a.id = h.attachment_id WHERE h.id = $1`, tbl.header)
	var a Attachment
	err = r.pool.QueryRow(ctx, query, docID).Scan(&a.FileName, &a.FileType, &a.Size, &a.Digest, &a.Content)
	if errors.Is(err, pgx.ErrNoRows) {
		return Attachment{}, workflow.Missing(string(t)+" attachment", docID)
	}
	return a, err
}

// ListDocuments returns a page of headers of stage t and the total count.
func (r *Repository) ListDocuments(ctx context.Context, t workflow.DocType, filters ListFilters) ([]DocumentSummary, int, error) {
	tbl, err := tablesFor(t)
	if err != nil {
		return nil, 0, err
	}
	page := shared.NewPagination(filters.Page, filters.PerPage, 0)
	var query string
	if t == workflow.DocMTF {
		query = `SELECT h.id, h.project_id, h.discipline_id, 0::bigint, h.status, h.current_approval_level,
       COALESCE((SELECT SUM(l.est_total_price) FROM mtf_lines l WHERE l.mtf_header_id = h.id), 0),
       (SELECT COUNT(*) FROM mtf_lines l WHERE l.mtf_header_id = h.id),
       h.created_by, h.created_at, COUNT(*) OVER()
FROM mtf_headers h`
	} else {
		query = fmt.Sprintf(`SELECT h.id, h.project_id, h.discipline_id, h.supplier_id, h.status, h.current_approval_level,
       h.total_value, (SELECT COUNT(*) FROM %s l WHERE l.order_id = h.id),
       h.created_by, h.created_at, COUNT(*) OVER()
FROM %s h`, tbl.lines, tbl.header)
	}
	query += `
WHERE ($1::bigint = 0 OR h.project_id = $1)
  AND ($2::text = '' OR h.status = $2)
  AND ($3::bigint = 0 OR h.created_by = $3)
ORDER BY h.id DESC
LIMIT $4 OFFSET $5`
	rows, err := r.pool.Query(ctx, query, filters.ProjectID, string(filters.Status), filters.CreatedBy, page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var (
		out   []DocumentSummary
		total int
	)
	for rows.Next() {
		d := DocumentSummary{Type: t}
		var status string
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.DisciplineID, &d.SupplierID, &status, &d.State.Level,
			&d.TotalValue, &d.LineCount, &d.CreatedBy, &d.CreatedAt, &total); err != nil {
			return nil, 0, err
		}
		d.State.Status = workflow.Status(status)
		out = append(out, d)
	}
	return out, total, rows.Err()
}

// ListStaleDrafts returns Initialized headers of stage t created before cutoff.
func (r *Repository) ListStaleDrafts(ctx context.Context, t workflow.DocType, cutoff time.Time) ([]DocumentSummary, error) {
	tbl, err := tablesFor(t)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, project_id, discipline_id, created_by, created_at
FROM %s WHERE status = $1 AND created_at < $2 ORDER BY id`, tbl.header)
	rows, err := r.pool.Query(ctx, query, string(workflow.StatusInitialized), cutoff)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (DocumentSummary, error) {
		d := DocumentSummary{Type: t, State: workflow.ApprovalState{Status: workflow.StatusInitialized}}
		err := row.Scan(&d.ID, &d.ProjectID, &d.DisciplineID, &d.CreatedBy, &d.CreatedAt)
		return d, err
	})
}

func lockClause(lock bool, of string) string {
	if !lock {
		return ""
	}
	if of == "" {
		return " FOR UPDATE"
	}
	return " FOR UPDATE OF " + of
}

func loadMTF(ctx context.Context, q querier, id int64, lock bool) (MTFHeader, []MTFLine, error) {
	query := `SELECT h.id, h.project_id, h.discipline_id, h.status, h.current_approval_level, h.created_by,
       h.created_at, h.version, a.file_name, a.file_type, a.size, a.digest
FROM mtf_headers h LEFT JOIN attachments a ON a.id = h.attachment_id
WHERE h.id = $1` + lockClause(lock, "h")
	var (
		h      MTFHeader
		status string
		att    nullableAttachment
	)
	err := q.QueryRow(ctx, query, id).Scan(&h.ID, &h.ProjectID, &h.DisciplineID, &status, &h.State.Level, &h.CreatedBy,
		&h.CreatedAt, &h.Version, &att.fileName, &att.fileType, &att.size, &att.digest)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MTFHeader{}, nil, workflow.Missing("MTF", id)
		}
		return MTFHeader{}, nil, err
	}
	h.State.Status = workflow.Status(status)
	h.Attachment = att.value()

	rows, err := q.Query(ctx, `SELECT id, mtf_header_id, item_id, request_qty, status, current_approval_level,
       est_unit_price, est_total_price, description
FROM mtf_lines WHERE mtf_header_id = $1 ORDER BY id`+lockClause(lock, ""), id)
	if err != nil {
		return MTFHeader{}, nil, err
	}
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (MTFLine, error) {
		var l MTFLine
		var st string
		err := row.Scan(&l.ID, &l.HeaderID, &l.ItemID, &l.RequestQty, &st, &l.State.Level,
			&l.EstUnitPrice, &l.EstTotalPrice, &l.Description)
		l.State.Status = workflow.Status(st)
		return l, err
	})
	if err != nil {
		return MTFHeader{}, nil, err
	}
	return h, lines, nil
}

func loadOrder(ctx context.Context, q querier, t workflow.DocType, id int64, lock bool) (Order, []OrderLine, error) {
	if t == workflow.DocMTF {
		return Order{}, nil, workflow.Invalid("type", "MTF is not an order stage")
	}
	tbl, err := tablesFor(t)
	if err != nil {
		return Order{}, nil, err
	}
	query := fmt.Sprintf(`SELECT h.id, h.project_id, h.discipline_id, h.supplier_id, h.status, h.current_approval_level,
       h.total_value, h.created_by, h.created_at, h.version, h.meta,
       a.file_name, a.file_type, a.size, a.digest
FROM %s h LEFT JOIN attachments a ON a.id = h.attachment_id
WHERE h.id = $1`, tbl.header) + lockClause(lock, "h")
	var (
		o      = Order{Type: t}
		status string
		meta   []byte
		att    nullableAttachment
	)
	err = q.QueryRow(ctx, query, id).Scan(&o.ID, &o.ProjectID, &o.DisciplineID, &o.SupplierID, &status, &o.State.Level,
		&o.TotalValue, &o.CreatedBy, &o.CreatedAt, &o.Version, &meta,
		&att.fileName, &att.fileType, &att.size, &att.digest)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, nil, workflow.Missing(string(t), id)
		}
		return Order{}, nil, err
	}
	o.State.Status = workflow.Status(status)
	o.Attachment = att.value()
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &o.Meta); err != nil {
			return Order{}, nil, fmt.Errorf("procurement: decode %s %d meta: %w", t, id, err)
		}
	}

	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT id, order_id, parent_line_id, item_id, qty, unit_price, description
FROM %s WHERE order_id = $1 ORDER BY id`, tbl.lines)+lockClause(lock, ""), id)
	if err != nil {
		return Order{}, nil, err
	}
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (OrderLine, error) {
		var l OrderLine
		err := row.Scan(&l.ID, &l.OrderID, &l.ParentLineID, &l.ItemID, &l.Qty, &l.UnitPrice, &l.Description)
		return l, err
	})
	if err != nil {
		return Order{}, nil, err
	}
	return o, lines, nil
}

// loadParentLines gates MTF lines on their own status and every other
// stage on its header status.
func loadParentLines(ctx context.Context, q querier, t workflow.DocType, ids []int64) (map[int64]workflow.ParentLine, error) {
	tbl, err := tablesFor(t)
	if err != nil {
		return nil, err
	}
	var query string
	if t == workflow.DocMTF {
		query = `SELECT l.id, l.mtf_header_id, h.project_id, h.discipline_id, 0::bigint, l.item_id,
       l.request_qty, l.est_unit_price, l.status, l.description
FROM mtf_lines l JOIN mtf_headers h ON h.id = l.mtf_header_id
WHERE l.id = ANY($1) ORDER BY l.id`
	} else {
		query = fmt.Sprintf(`SELECT l.id, l.order_id, h.project_id, h.discipline_id, h.supplier_id, l.item_id,
       l.qty, l.unit_price, h.status, l.description
FROM %s l JOIN %s h ON h.id = l.order_id
WHERE l.id = ANY($1) ORDER BY l.id`, tbl.lines, tbl.header)
	}
	rows, err := q.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (workflow.ParentLine, error) {
		p := workflow.ParentLine{Type: t}
		var status string
		err := row.Scan(&p.ID, &p.HeaderID, &p.ProjectID, &p.DisciplineID, &p.SupplierID, &p.ItemID,
			&p.Qty, &p.UnitPrice, &status, &p.Description)
		p.Status = workflow.Status(status)
		return p, err
	})
	if err != nil {
		return nil, err
	}
	out := make(map[int64]workflow.ParentLine, len(lines))
	for _, p := range lines {
		out[p.ID] = p
	}
	return out, nil
}

func loadChildLines(ctx context.Context, q querier, child workflow.DocType, parentIDs []int64, excludeOrderID int64) ([]ChildLine, error) {
	if child == workflow.DocMTF {
		return nil, workflow.Invalid("type", "MTF has no upstream stage")
	}
	tbl, err := tablesFor(child)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT l.id, l.order_id, l.parent_line_id, l.qty, l.unit_price, h.status
FROM %s l JOIN %s h ON h.id = l.order_id
WHERE l.parent_line_id = ANY($1) AND h.id <> $2
ORDER BY l.id`, tbl.lines, tbl.header)
	rows, err := q.Query(ctx, query, parentIDs, excludeOrderID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ChildLine, error) {
		var c ChildLine
		var status string
		err := row.Scan(&c.LineID, &c.OrderID, &c.ParentLineID, &c.Qty, &c.UnitPrice, &status)
		c.HeaderStatus = workflow.Status(status)
		return c, err
	})
}

type nullableAttachment struct {
	fileName *string
	fileType *string
	size     *int64
	digest   *string
}

func (n nullableAttachment) value() *Attachment {
	if n.fileName == nil {
		return nil
	}
	a := &Attachment{FileName: *n.fileName}
	if n.fileType != nil {
		a.FileType = *n.fileType
	}
	if n.size != nil {
		a.Size = *n.size
	}
	if n.digest != nil {
		a.Digest = *n.digest
	}
	return a
}

func insertAttachment(ctx context.Context, q querier, a *Attachment) (*int64, error) {
	if a == nil {
		return nil, nil
	}
	var id int64
	err := q.QueryRow(ctx, `INSERT INTO attachments (file_name, file_type, size, digest, content, created_at)
VALUES ($1, $2, $3, $4, $5, NOW()) RETURNING id`, a.FileName, a.FileType, a.Size, a.Digest, a.Content).Scan(&id)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// Transactional operations

func (t *txRepo) LockMTF(ctx context.Context, id int64) (MTFHeader, []MTFLine, error) {
	return loadMTF(ctx, t.tx, id, true)
}

func (t *txRepo) LockOrder(ctx context.Context, dt workflow.DocType, id int64) (Order, []OrderLine, error) {
	return loadOrder(ctx, t.tx, dt, id, true)
}

// LockParentLines claims the parent lines with a write, so a concurrent
// reservation of the same line aborts with a serialization failure instead
// of summing children from a stale snapshot.
func (t *txRepo) LockParentLines(ctx context.Context, dt workflow.DocType, ids []int64) (map[int64]workflow.ParentLine, error) {
	if err := claimLines(ctx, t.tx, dt, ids); err != nil {
		return nil, err
	}
	return loadParentLines(ctx, t.tx, dt, ids)
}

// claimLines bumps reserved_version on the given lines, locking them in id
// order so overlapping reservations cannot deadlock.
func claimLines(ctx context.Context, q querier, dt workflow.DocType, ids []int64) error {
	if dt == workflow.DocMDF {
		return workflow.Invalid("type", "MDF lines have no downstream stage")
	}
	tbl, err := tablesFor(dt)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, fmt.Sprintf(`UPDATE %[1]s SET reserved_version = reserved_version + 1
WHERE id IN (SELECT id FROM %[1]s WHERE id = ANY($1) ORDER BY id FOR UPDATE)`, tbl.lines), ids)
	return err
}

func (t *txRepo) ChildLines(ctx context.Context, child workflow.DocType, parentIDs []int64, excludeOrderID int64) ([]ChildLine, error) {
	return loadChildLines(ctx, t.tx, child, parentIDs, excludeOrderID)
}

func (t *txRepo) CreateMTF(ctx context.Context, h MTFHeader) (int64, error) {
	attID, err := insertAttachment(ctx, t.tx, h.Attachment)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx, `INSERT INTO mtf_headers (project_id, discipline_id, status, current_approval_level, created_by, created_at, version, attachment_id)
VALUES ($1, $2, $3, $4, $5, NOW(), 1, $6) RETURNING id`,
		h.ProjectID, h.DisciplineID, string(h.State.Status), h.State.Level, h.CreatedBy, attID).Scan(&id)
	return id, err
}

func (t *txRepo) InsertMTFLines(ctx context.Context, headerID int64, lines []MTFLine) ([]MTFLine, error) {
	out := make([]MTFLine, 0, len(lines))
	for _, l := range lines {
		l.HeaderID = headerID
		err := t.tx.QueryRow(ctx, `INSERT INTO mtf_lines (mtf_header_id, item_id, request_qty, status, current_approval_level, est_unit_price, est_total_price, description)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			headerID, l.ItemID, l.RequestQty, string(l.State.Status), l.State.Level, l.EstUnitPrice, l.EstTotalPrice, l.Description).Scan(&l.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (t *txRepo) DeleteMTFLines(ctx context.Context, headerID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM mtf_lines WHERE mtf_header_id = $1`, headerID)
	return err
}

func (t *txRepo) UpdateMTFLineState(ctx context.Context, lineID int64, from, to workflow.ApprovalState) error {
	tag, err := t.tx.Exec(ctx, `UPDATE mtf_lines SET status = $1, current_approval_level = $2
WHERE id = $3 AND status = $4 AND current_approval_level = $5`,
		string(to.Status), to.Level, lineID, string(from.Status), from.Level)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}

func (t *txRepo) UpdateMTFHeaderState(ctx context.Context, id int64, state workflow.ApprovalState) error {
	_, err := t.tx.Exec(ctx, `UPDATE mtf_headers SET status = $1, current_approval_level = $2, version = version + 1 WHERE id = $3`,
		string(state.Status), state.Level, id)
	return err
}

func (t *txRepo) CreateOrder(ctx context.Context, o Order) (int64, error) {
	tbl, err := tablesFor(o.Type)
	if err != nil {
		return 0, err
	}
	meta, err := json.Marshal(o.Meta)
	if err != nil {
		return 0, err
	}
	attID, err := insertAttachment(ctx, t.tx, o.Attachment)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx, fmt.Sprintf(`INSERT INTO %s (project_id, discipline_id, supplier_id, status, current_approval_level, total_value, created_by, created_at, version, meta, attachment_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), 1, $8, $9) RETURNING id`, tbl.header),
		o.ProjectID, o.DisciplineID, o.SupplierID, string(o.State.Status), o.State.Level, o.TotalValue, o.CreatedBy, meta, attID).Scan(&id)
	return id, err
}

func (t *txRepo) InsertOrderLines(ctx context.Context, dt workflow.DocType, orderID int64, lines []OrderLine) ([]OrderLine, error) {
	tbl, err := tablesFor(dt)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`INSERT INTO %s (order_id, parent_line_id, item_id, qty, unit_price, description)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`, tbl.lines)
	out := make([]OrderLine, 0, len(lines))
	for _, l := range lines {
		l.OrderID = orderID
		if err := t.tx.QueryRow(ctx, query, orderID, l.ParentLineID, l.ItemID, l.Qty, l.UnitPrice, l.Description).Scan(&l.ID); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (t *txRepo) DeleteOrderLines(ctx context.Context, dt workflow.DocType, orderID int64) error {
	tbl, err := tablesFor(dt)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE order_id = $1`, tbl.lines), orderID)
	return err
}

func (t *txRepo) UpdateOrderState(ctx context.Context, dt workflow.DocType, id int64, from, to workflow.ApprovalState) error {
	tbl, err := tablesFor(dt)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET status = $1, current_approval_level = $2, version = version + 1
WHERE id = $3 AND status = $4 AND current_approval_level = $5`, tbl.header),
		string(to.Status), to.Level, id, string(from.Status), from.Level)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}

func (t *txRepo) UpdateOrderContent(ctx context.Context, o Order) error {
	tbl, err := tablesFor(o.Type)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(o.Meta)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET supplier_id = $1, total_value = $2, meta = $3 WHERE id = $4`, tbl.header),
		o.SupplierID, o.TotalValue, meta, o.ID)
	return err
}

func (t *txRepo) SetAttachment(ctx context.Context, dt workflow.DocType, docID int64, a Attachment) error {
	tbl, err := tablesFor(dt)
	if err != nil {
		return err
	}
	attID, err := insertAttachment(ctx, t.tx, &a)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET attachment_id = $1 WHERE id = $2`, tbl.header), attID, docID)
	return err
}

func (t *txRepo) RecordApproval(ctx context.Context, log shared.ApprovalLog) error {
	return shared.WriteApproval(ctx, t.tx, log)
}

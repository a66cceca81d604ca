package procurement

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/matflow/internal/workflow"
)

// ErrStaleState is returned by compare-and-set updates that found the row
// in a different state than expected.
var ErrStaleState = errors.New("procurement: stale document state")

// Attachment is the opaque file stored with a header.
type Attachment struct {
	FileName string `json:"file_name"`
	FileType string `json:"file_type"`
	Size     int64  `json:"size"`
	Digest   string `json:"digest"`
	Content  []byte `json:"-"`
}

// MTFHeader is a material transfer request. Its state is derived from its lines.
type MTFHeader struct {
	ID           int64                  `json:"id"`
	ProjectID    int64                  `json:"project_id"`
	DisciplineID int64                  `json:"discipline_id"`
	State        workflow.ApprovalState `json:"state"`
	CreatedBy    int64                  `json:"created_by"`
	CreatedAt    time.Time              `json:"date_created"`
	Version      int                    `json:"version"`
	Attachment   *Attachment            `json:"attachment,omitempty"`
}

// MTFLine is a requested material. Lines carry their own approval state.
type MTFLine struct {
	ID            int64                  `json:"id"`
	HeaderID      int64                  `json:"mtf_header_id"`
	ItemID        int64                  `json:"item_id"`
	RequestQty    decimal.Decimal        `json:"request_qty"`
	State         workflow.ApprovalState `json:"state"`
	EstUnitPrice  decimal.Decimal        `json:"est_unit_price"`
	EstTotalPrice decimal.Decimal        `json:"est_total_price"`
	Description   string                 `json:"material_description"`
}

// OrderMeta holds the stage specific header fields.
type OrderMeta struct {
	InvoiceNumber string     `json:"invoice_number,omitempty"`
	InvoiceDate   *time.Time `json:"invoice_date,omitempty"`
	Currency      string     `json:"currency,omitempty"`
	ReceivedAt    *time.Time `json:"received_at,omitempty"`
	Recipient     string     `json:"recipient,omitempty"`
	IssuedAt      *time.Time `json:"issued_at,omitempty"`
	Note          string     `json:"note,omitempty"`
}

// Order is the header shared by STF, OTF, MRF and MDF documents.
type Order struct {
	Type         workflow.DocType       `json:"type"`
	ID           int64                  `json:"id"`
	ProjectID    int64                  `json:"project_id"`
	DisciplineID int64                  `json:"discipline_id"`
	SupplierID   int64                  `json:"supplier_id"`
	State        workflow.ApprovalState `json:"state"`
	TotalValue   decimal.Decimal        `json:"total_value"`
	CreatedBy    int64                  `json:"created_by"`
	CreatedAt    time.Time              `json:"date_created"`
	Version      int                    `json:"version"`
	Meta         OrderMeta              `json:"meta"`
	Attachment   *Attachment            `json:"attachment,omitempty"`
}

// OrderLine references exactly one line of the upstream stage. Qty is the
// ordered, received or delivered quantity depending on the stage.
type OrderLine struct {
	ID           int64           `json:"id"`
	OrderID      int64           `json:"order_id"`
	ParentLineID int64           `json:"parent_line_id"`
	ItemID       int64           `json:"item_id"`
	Qty          decimal.Decimal `json:"qty"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Description  string          `json:"material_description"`
}

// ChildLine is a downstream line with the status of its header, used for
// backlog and price summaries.
type ChildLine struct {
	LineID       int64           `json:"line_id"`
	OrderID      int64           `json:"order_id"`
	ParentLineID int64           `json:"parent_line_id"`
	Qty          decimal.Decimal `json:"qty"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	HeaderStatus workflow.Status `json:"header_status"`
}

// DocumentSummary is one row of a listing.
type DocumentSummary struct {
	Type         workflow.DocType       `json:"type"`
	ID           int64                  `json:"id"`
	ProjectID    int64                  `json:"project_id"`
	DisciplineID int64                  `json:"discipline_id"`
	SupplierID   int64                  `json:"supplier_id,omitempty"`
	State        workflow.ApprovalState `json:"state"`
	TotalValue   decimal.Decimal        `json:"total_value"`
	LineCount    int                    `json:"line_count"`
	CreatedBy    int64                  `json:"created_by"`
	CreatedAt    time.Time              `json:"date_created"`
}

// ListFilters narrows document listings.
type ListFilters struct {
	ProjectID int64
	Status    workflow.Status
	CreatedBy int64
	Page      int
	PerPage   int
}

// LineSummary reports the reconciliation figures of one line.
type LineSummary struct {
	Type          workflow.DocType `json:"type"`
	LineID        int64            `json:"line_id"`
	HeaderID      int64            `json:"header_id"`
	Status        workflow.Status  `json:"status"`
	Requested     decimal.Decimal  `json:"requested_qty"`
	Committed     decimal.Decimal  `json:"committed_qty"`
	Backlog       decimal.Decimal  `json:"backlog"`
	ChildStage    workflow.DocType `json:"child_stage"`
	ChildLines    int              `json:"child_lines"`
	AvgChildPrice *decimal.Decimal `json:"avg_child_unit_price"`
}

// Document bundles a header with its lines and approval history.
type Document struct {
	Type     workflow.DocType `json:"type"`
	MTF      *MTFHeader       `json:"mtf,omitempty"`
	MTFLines []MTFLine        `json:"mtf_lines,omitempty"`
	Order    *Order           `json:"order,omitempty"`
	Lines    []OrderLine      `json:"lines,omitempty"`
	History  []HistoryEntry   `json:"history"`
}

// HistoryEntry is one approval log row.
type HistoryEntry struct {
	LineID  int64     `json:"line_id,omitempty"`
	Level   int       `json:"level"`
	ActorID int64     `json:"actor_id"`
	Action  string    `json:"action"`
	Note    string    `json:"note,omitempty"`
	At      time.Time `json:"at"`
}

// lineStates projects MTF lines onto their approval states.
func lineStates(lines []MTFLine) []workflow.ApprovalState {
	states := make([]workflow.ApprovalState, len(lines))
	for i, l := range lines {
		states[i] = l.State
	}
	return states
}

// pricedLines projects order lines for value computations.
func pricedLines(lines []OrderLine) []workflow.PricedQty {
	out := make([]workflow.PricedQty, len(lines))
	for i, l := range lines {
		out[i] = workflow.PricedQty{Qty: l.Qty, Price: l.UnitPrice}
	}
	return out
}

// subjectForOrder is the authorization view of an order header.
func subjectForOrder(o Order) workflow.Subject {
	return workflow.Subject{
		Ref:          workflow.Ref{Type: o.Type, ID: o.ID},
		State:        o.State,
		ProjectID:    o.ProjectID,
		DisciplineID: o.DisciplineID,
		CreatedBy:    o.CreatedBy,
	}
}

// subjectForMTFLine is the authorization view of an MTF line.
func subjectForMTFLine(h MTFHeader, l MTFLine) workflow.Subject {
	return workflow.Subject{
		Ref:          workflow.Ref{Type: workflow.DocMTF, ID: l.ID},
		State:        l.State,
		ProjectID:    h.ProjectID,
		DisciplineID: h.DisciplineID,
		CreatedBy:    h.CreatedBy,
	}
}

// subjectForMTFHeader is the authorization view of an MTF header.
func subjectForMTFHeader(h MTFHeader) workflow.Subject {
	return workflow.Subject{
		Ref:          workflow.Ref{Type: workflow.DocMTF, ID: h.ID},
		State:        h.State,
		ProjectID:    h.ProjectID,
		DisciplineID: h.DisciplineID,
		CreatedBy:    h.CreatedBy,
	}
}

package procurement

import (
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/matflow/internal/shared"
)

type attachmentRequest struct {
	FileName string `json:"file_name" validate:"required,max=255"`
	FileType string `json:"file_type" validate:"omitempty,max=127"`
	Content  []byte `json:"content" validate:"required"`
}

type mtfLineRequest struct {
	ItemID       int64           `json:"item_id" validate:"required,gt=0"`
	RequestQty   decimal.Decimal `json:"request_qty"`
	EstUnitPrice decimal.Decimal `json:"est_unit_price"`
	Description  string          `json:"material_description" validate:"max=500"`
}

type createMTFRequest struct {
	ProjectID    int64              `json:"project_id" validate:"required,gt=0"`
	DisciplineID int64              `json:"discipline_id" validate:"required,gt=0"`
	Draft        bool               `json:"draft"`
	Attachment   *attachmentRequest `json:"attachment,omitempty"`
	Lines        []mtfLineRequest   `json:"lines" validate:"required,min=1,dive"`
}

type orderLineRequest struct {
	ParentLineID int64           `json:"parent_line_id" validate:"required,gt=0"`
	Qty          decimal.Decimal `json:"qty"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Description  string          `json:"material_description" validate:"max=500"`
}

type createOrderRequest struct {
	SupplierID int64              `json:"supplier_id" validate:"gte=0"`
	Meta       OrderMeta          `json:"meta"`
	Draft      bool               `json:"draft"`
	Attachment *attachmentRequest `json:"attachment,omitempty"`
	Lines      []orderLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type reviseRequest struct {
	Draft      bool               `json:"draft"`
	SupplierID int64              `json:"supplier_id" validate:"gte=0"`
	Meta       *OrderMeta         `json:"meta,omitempty"`
	Attachment *attachmentRequest `json:"attachment,omitempty"`
	MTFLines   []mtfLineRequest   `json:"mtf_lines,omitempty" validate:"omitempty,dive"`
	Lines      []orderLineRequest `json:"lines,omitempty" validate:"omitempty,dive"`
}

type rejectRequest struct {
	Note string `json:"note" validate:"max=1000"`
}

type listResponse struct {
	Items      []DocumentSummary `json:"items"`
	Pagination shared.Pagination `json:"pagination"`
}

type importResponse struct {
	Created []Document `json:"created"`
}

type backlogResponse struct {
	Type    string          `json:"type"`
	LineID  int64           `json:"line_id"`
	Backlog decimal.Decimal `json:"backlog"`
}

func (a *attachmentRequest) input() *AttachmentInput {
	if a == nil {
		return nil
	}
	return &AttachmentInput{FileName: a.FileName, FileType: a.FileType, Content: a.Content}
}

func mtfLineInputs(reqs []mtfLineRequest) []MTFLineInput {
	out := make([]MTFLineInput, len(reqs))
	for i, l := range reqs {
		out[i] = MTFLineInput{ItemID: l.ItemID, RequestQty: l.RequestQty, EstUnitPrice: l.EstUnitPrice, Description: l.Description}
	}
	return out
}

func orderLineInputs(reqs []orderLineRequest) []OrderLineInput {
	out := make([]OrderLineInput, len(reqs))
	for i, l := range reqs {
		out[i] = OrderLineInput{ParentLineID: l.ParentLineID, Qty: l.Qty, UnitPrice: l.UnitPrice, Description: l.Description}
	}
	return out
}

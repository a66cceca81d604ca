package workflow

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ChildQty is one child line's contribution against its parent line.
type ChildQty struct {
	ParentID int64
	Qty      decimal.Decimal
}

// OrderedQty sums the child quantities that reference parentID.
func OrderedQty(parentID int64, children []ChildQty) decimal.Decimal {
	total := decimal.Zero
	for _, c := range children {
		if c.ParentID == parentID {
			total = total.Add(c.Qty)
		}
	}
	return total
}

// Backlog is parentQty minus everything already committed to the next stage.
func Backlog(parentID int64, parentQty decimal.Decimal, children []ChildQty) decimal.Decimal {
	return parentQty.Sub(OrderedQty(parentID, children))
}

// CountsTowardParent reports whether lines of a child header in status s
// consume parent backlog. Closed children never count.
func (p Policy) CountsTowardParent(s Status) bool {
	switch s {
	case StatusClosed:
		return false
	case StatusRejected:
		return p.CountRejected
	}
	return true
}

// PricedQty is a quantity with its unit price.
type PricedQty struct {
	Qty   decimal.Decimal
	Price decimal.Decimal
}

// TotalValue is Σ qty×price.
func TotalValue(lines []PricedQty) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Qty.Mul(l.Price))
	}
	return total
}

// AverageUnitPrice is Σ(qty×price)/Σ(qty). ok is false when Σ(qty) is zero.
func AverageUnitPrice(lines []PricedQty) (avg decimal.Decimal, ok bool) {
	qty := decimal.Zero
	for _, l := range lines {
		qty = qty.Add(l.Qty)
	}
	if qty.IsZero() {
		return decimal.Zero, false
	}
	return TotalValue(lines).DivRound(qty, 4), true
}

// ParentLine is the reservation view of an upstream line. Status is the
// gating status: the line's own status for MTF, the header's otherwise.
type ParentLine struct {
	Type         DocType
	ID           int64
	HeaderID     int64
	ProjectID    int64
	DisciplineID int64
	SupplierID   int64
	ItemID       int64
	Qty          decimal.Decimal
	UnitPrice    decimal.Decimal
	Status       Status
	Description  string
}

// Reservation is a proposed child line. Line is 1-based for error reporting.
type Reservation struct {
	Line         int
	ParentLineID int64
	Qty          decimal.Decimal
}

// CheckReservations validates a batch of child lines of stage child against
// their parents. committed holds the quantity already consumed per parent
// line. Requests for the same parent within one batch are cumulative. The
// whole batch is rejected on the first failure.
func CheckReservations(child DocType, parents map[int64]ParentLine, committed map[int64]decimal.Decimal, reqs []Reservation) error {
	parentType, ok := child.Parent()
	if !ok {
		return Invalid("type", fmt.Sprintf("%s has no upstream stage", child))
	}
	if len(reqs) == 0 {
		return Invalid("lines", "at least one line is required")
	}
	reserved := make(map[int64]decimal.Decimal, len(reqs))
	for _, r := range reqs {
		parent, found := parents[r.ParentLineID]
		if !found {
			return Missing(string(parentType)+" line", r.ParentLineID)
		}
		if parent.Status != StatusApproved {
			return InvalidLine(r.Line, "parent_line_id", fmt.Sprintf("%s line %d is %s, requires %s", parentType, parent.ID, parent.Status, StatusApproved))
		}
		if !r.Qty.IsPositive() {
			return InvalidLine(r.Line, "qty", "must be greater than zero")
		}
		already := committed[r.ParentLineID].Add(reserved[r.ParentLineID])
		remaining := parent.Qty.Sub(already)
		if r.Qty.GreaterThan(remaining) {
			return InvalidLine(r.Line, "qty", fmt.Sprintf("%s exceeds backlog %s of %s line %d", r.Qty, remaining, parentType, parent.ID))
		}
		reserved[r.ParentLineID] = reserved[r.ParentLineID].Add(r.Qty)
	}
	return nil
}

// Scope is the project/discipline/supplier shared by a set of parent lines.
type Scope struct {
	ProjectID    int64
	DisciplineID int64
	SupplierID   int64
}

// CommonScope requires every parent line to belong to the same project,
// discipline and supplier.
func CommonScope(parents []ParentLine) (Scope, error) {
	if len(parents) == 0 {
		return Scope{}, Invalid("lines", "at least one line is required")
	}
	first := parents[0]
	scope := Scope{ProjectID: first.ProjectID, DisciplineID: first.DisciplineID, SupplierID: first.SupplierID}
	for _, p := range parents[1:] {
		switch {
		case p.ProjectID != scope.ProjectID:
			return Scope{}, Invalid("lines", fmt.Sprintf("line %d belongs to project %d, expected %d", p.ID, p.ProjectID, scope.ProjectID))
		case p.DisciplineID != scope.DisciplineID:
			return Scope{}, Invalid("lines", fmt.Sprintf("line %d belongs to discipline %d, expected %d", p.ID, p.DisciplineID, scope.DisciplineID))
		case p.SupplierID != scope.SupplierID:
			return Scope{}, Invalid("lines", fmt.Sprintf("line %d belongs to supplier %d, expected %d", p.ID, p.SupplierID, scope.SupplierID))
		}
	}
	return scope, nil
}

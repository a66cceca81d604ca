package masterdata

import (
	"context"
	"fmt"

	"golang.org/x/text/currency"

	"github.com/odyssey-erp/matflow/internal/workflow"
)

// Supplier represents a vendor referenced by STF lines.
type Supplier struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// Item represents a catalogue material.
type Item struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
	Unit string `json:"unit"`
}

// Repository exposes the read side of master data. Lookups of absent rows
// return a *workflow.ReferentialIntegrityError.
type Repository interface {
	GetProject(ctx context.Context, id int64) (workflow.Project, error)
	GetUser(ctx context.Context, id int64) (workflow.User, error)
	GetSupplier(ctx context.Context, id int64) (Supplier, error)
	GetItem(ctx context.Context, id int64) (Item, error)
	ListUsersWithRole(ctx context.Context, projectID, disciplineID int64, role string, level int) ([]workflow.User, error)
}

// ValidateProject checks approval depths and the base currency code.
func ValidateProject(p workflow.Project) error {
	for _, t := range workflow.DocTypes() {
		if p.MaxApprovalLevel(t) < 0 {
			return workflow.Invalid("max_"+string(t)+"_approval_level", "must not be negative")
		}
	}
	if p.BaseCurrency == "" {
		return nil
	}
	if _, err := currency.ParseISO(p.BaseCurrency); err != nil {
		return workflow.Invalid("base_currency", fmt.Sprintf("%q is not an ISO 4217 code", p.BaseCurrency))
	}
	return nil
}

// NormalizeCurrency returns the canonical ISO code for raw.
func NormalizeCurrency(raw string) (string, error) {
	unit, err := currency.ParseISO(raw)
	if err != nil {
		return "", workflow.Invalid("currency", fmt.Sprintf("%q is not an ISO 4217 code", raw))
	}
	return unit.String(), nil
}

package workflow

import (
	"strings"
)

// DocType identifies a stage of the material chain.
type DocType string

const (
	DocMTF DocType = "MTF"
	DocSTF DocType = "STF"
	DocOTF DocType = "OTF"
	DocMRF DocType = "MRF"
	DocMDF DocType = "MDF"
)

// DocTypes lists the stages in chain order.
func DocTypes() []DocType {
	return []DocType{DocMTF, DocSTF, DocOTF, DocMRF, DocMDF}
}

// ParseDocType accepts upper or lower case stage names.
func ParseDocType(raw string) (DocType, bool) {
	t := DocType(strings.ToUpper(strings.TrimSpace(raw)))
	switch t {
	case DocMTF, DocSTF, DocOTF, DocMRF, DocMDF:
		return t, true
	}
	return "", false
}

// Parent returns the stage a document of type t sources its lines from.
func (t DocType) Parent() (DocType, bool) {
	switch t {
	case DocSTF:
		return DocMTF, true
	case DocOTF:
		return DocSTF, true
	case DocMRF:
		return DocOTF, true
	case DocMDF:
		return DocMRF, true
	}
	return "", false
}

// Child returns the stage that consumes backlog of t.
func (t DocType) Child() (DocType, bool) {
	switch t {
	case DocMTF:
		return DocSTF, true
	case DocSTF:
		return DocOTF, true
	case DocOTF:
		return DocMRF, true
	case DocMRF:
		return DocMDF, true
	}
	return "", false
}

// Approvable reports whether the stage runs through leveled approval.
func (t DocType) Approvable() bool {
	switch t {
	case DocMTF, DocSTF, DocOTF, DocMRF:
		return true
	}
	return false
}

// LineLevelApproval reports whether approvals address lines instead of the header.
func (t DocType) LineLevelApproval() bool {
	return t == DocMTF
}

// Designated role names.
const (
	RoleMTFRequester = "MTF_REQUESTER"
	RoleMTFApprover  = "MTF_APPROVER"
	RoleSTFInitiator = "STF_INITIATOR"
	RoleSTFApprover  = "STF_APPROVER"
	RoleOTFInitiator = "OTF_INITIATOR"
	RoleOTFApprover  = "OTF_APPROVER"
	RoleMRFInitiator = "MRF_INITIATOR"
	RoleMRFApprover  = "MRF_APPROVER"
	RoleMDFInitiator = "MDF_INITIATOR"
)

// ApproverRole returns the role that grants approval levels for t.
func (t DocType) ApproverRole() string {
	switch t {
	case DocMTF:
		return RoleMTFApprover
	case DocSTF:
		return RoleSTFApprover
	case DocOTF:
		return RoleOTFApprover
	case DocMRF:
		return RoleMRFApprover
	}
	return ""
}

// InitiatorRole returns the role allowed to raise documents of type t.
func (t DocType) InitiatorRole() string {
	switch t {
	case DocMTF:
		return RoleMTFRequester
	case DocSTF:
		return RoleSTFInitiator
	case DocOTF:
		return RoleOTFInitiator
	case DocMRF:
		return RoleMRFInitiator
	case DocMDF:
		return RoleMDFInitiator
	}
	return ""
}

// Status is the lifecycle status shared by lines and headers.
type Status string

const (
	StatusInitialized     Status = "INITIALIZED"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusApproved        Status = "APPROVED"
	StatusRejected        Status = "REJECTED"
	StatusClosed          Status = "CLOSED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusInitialized, StatusPendingApproval, StatusApproved, StatusRejected, StatusClosed:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusClosed
}

// Role is a named capability held at a given approval level.
type Role struct {
	Name  string `json:"name"`
	Level int    `json:"level"`
}

// User is the acting principal with its scope of authority.
type User struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	ProjectIDs    []int64 `json:"project_ids"`
	DisciplineIDs []int64 `json:"discipline_ids"`
	Roles         []Role  `json:"roles"`
}

// HasRole reports whether the user holds role name at any level.
func (u User) HasRole(name string) bool {
	for _, r := range u.Roles {
		if strings.EqualFold(r.Name, name) {
			return true
		}
	}
	return false
}

// HasRoleAtLevel reports whether the user holds role name at exactly level.
func (u User) HasRoleAtLevel(name string, level int) bool {
	for _, r := range u.Roles {
		if strings.EqualFold(r.Name, name) && r.Level == level {
			return true
		}
	}
	return false
}

// InProject reports project membership.
func (u User) InProject(projectID int64) bool {
	return containsID(u.ProjectIDs, projectID)
}

// InDiscipline reports discipline membership.
func (u User) InDiscipline(disciplineID int64) bool {
	return containsID(u.DisciplineIDs, disciplineID)
}

// Project carries the per-stage approval depth.
type Project struct {
	ID                  int64  `json:"id"`
	Name                string `json:"name"`
	BaseCurrency        string `json:"base_currency"`
	MaxMTFApprovalLevel int    `json:"max_mtf_approval_level"`
	MaxSTFApprovalLevel int    `json:"max_stf_approval_level"`
	MaxOTFApprovalLevel int    `json:"max_otf_approval_level"`
	MaxMRFApprovalLevel int    `json:"max_mrf_approval_level"`
}

// MaxApprovalLevel returns the configured maximum level for t. Stages
// without approval return 0.
func (p Project) MaxApprovalLevel(t DocType) int {
	switch t {
	case DocMTF:
		return p.MaxMTFApprovalLevel
	case DocSTF:
		return p.MaxSTFApprovalLevel
	case DocOTF:
		return p.MaxOTFApprovalLevel
	case DocMRF:
		return p.MaxMRFApprovalLevel
	}
	return 0
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

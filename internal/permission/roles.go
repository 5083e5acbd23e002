package permission

import "errors"

// ErrUnknownRole is returned for a role with no built-in or stored definition.
var ErrUnknownRole = errors.New("unknown role")

// Built-in role names
const (
	RoleViewer     = "viewer"
	RoleAccountant = "accountant"
	RoleApprover   = "approver"
	RoleAuditor    = "auditor"
	RoleAdmin      = "admin"
)

var builtin = map[string]Set{
	RoleViewer:     Of(InvoicesRead, ReportsRead),
	RoleAccountant: Of(InvoicesRead, InvoicesWrite, ReconciliationRun, ReportsRead, ReportsExport),
	RoleApprover:   Of(InvoicesRead, ReconciliationRun, ReconciliationApprove, ReportsRead, ReportsExport),
	RoleAuditor:    Of(InvoicesRead, ReportsRead, ReportsExport, AuditRead),
	RoleAdmin:      Of(TenantAdmin),
}

// Builtin returns the permission set of a built-in role.
func Builtin(role string) (Set, bool) {
	s, ok := builtin[role]
	return s, ok
}

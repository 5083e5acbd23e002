// Package permission defines the enumerated permission set carried in access
// tokens and the built-in roles that grant them.
package permission

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

// ErrUnknownPermission is returned when a resource/action pair names no permission.
var ErrUnknownPermission = errors.New("unknown permission")

// Permission is a single bit in a Set.
type Permission uint64

const (
	InvoicesRead Permission = 1 << iota
	InvoicesWrite
	ReconciliationRun
	ReconciliationApprove
	ReportsRead
	ReportsExport
	AuditRead
	UsersManage
	SessionsManage
	KeysManage

	// TenantAdmin satisfies every check within its tenant.
	TenantAdmin Permission = 1 << 63
)

var names = map[Permission]string{
	InvoicesRead:          "invoices:read",
	InvoicesWrite:         "invoices:write",
	ReconciliationRun:     "reconciliation:run",
	ReconciliationApprove: "reconciliation:approve",
	ReportsRead:           "reports:read",
	ReportsExport:         "reports:export",
	AuditRead:             "audit:read",
	UsersManage:           "users:manage",
	SessionsManage:        "sessions:manage",
	KeysManage:            "keys:manage",
	TenantAdmin:           "tenant:admin",
}

var byName = func() map[string]Permission {
	m := make(map[string]Permission, len(names))
	for p, n := range names {
		m[n] = p
	}
	return m
}()

// String returns the "resource:action" form of p.
func (p Permission) String() string {
	if n, ok := names[p]; ok {
		return n
	}
	return fmt.Sprintf("permission(%#x)", uint64(p))
}

// Parse resolves a resource and action to a Permission.
func Parse(resource, action string) (Permission, error) {
	return ParseName(strings.ToLower(strings.TrimSpace(resource)) + ":" + strings.ToLower(strings.TrimSpace(action)))
}

// ParseName resolves a "resource:action" string.
func ParseName(name string) (Permission, error) {
	p, ok := byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPermission, name)
	}
	return p, nil
}

// Set is a bitmask of permissions.
type Set uint64

// Of builds a Set from individual permissions.
func Of(ps ...Permission) Set {
	var s Set
	for _, p := range ps {
		s |= Set(p)
	}
	return s
}

// Has reports whether s grants p.
func (s Set) Has(p Permission) bool {
	if s&Set(TenantAdmin) != 0 {
		return true
	}
	return s&Set(p) == Set(p)
}

// Len is the number of permissions in s.
func (s Set) Len() int {
	return bits.OnesCount64(uint64(s))
}

// Names lists the permissions in s, sorted.
func (s Set) Names() []string {
	out := make([]string, 0, s.Len())
	for p, n := range names {
		if s&Set(p) != 0 {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// ParseNames builds a Set from "resource:action" strings. Unknown names are an error.
func ParseNames(list []string) (Set, error) {
	var s Set
	for _, n := range list {
		p, err := ParseName(n)
		if err != nil {
			return 0, err
		}
		s |= Set(p)
	}
	return s, nil
}

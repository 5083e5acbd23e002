package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	p, err := Parse("Invoices", " write ")
	require.NoError(t, err)
	assert.Equal(t, InvoicesWrite, p)
	assert.Equal(t, "invoices:write", p.String())

	_, err = Parse("invoices", "delete")
	assert.ErrorIs(t, err, ErrUnknownPermission)
}

func TestSetHas(t *testing.T) {
	s := Of(InvoicesRead, ReportsRead)
	assert.True(t, s.Has(InvoicesRead))
	assert.False(t, s.Has(InvoicesWrite))
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []string{"invoices:read", "reports:read"}, s.Names())
}

func TestTenantAdminGrantsEverything(t *testing.T) {
	s := Of(TenantAdmin)
	for p := range names {
		assert.True(t, s.Has(p), p.String())
	}
}

func TestParseNames(t *testing.T) {
	s, err := ParseNames([]string{"audit:read", "keys:manage"})
	require.NoError(t, err)
	assert.Equal(t, Of(AuditRead, KeysManage), s)

	_, err = ParseNames([]string{"audit:read", "nope"})
	assert.ErrorIs(t, err, ErrUnknownPermission)
}

func TestBuiltinRoles(t *testing.T) {
	s, ok := Builtin(RoleApprover)
	require.True(t, ok)
	assert.True(t, s.Has(ReconciliationApprove))
	assert.False(t, s.Has(UsersManage))

	_, ok = Builtin("ghost")
	assert.False(t, ok)
}

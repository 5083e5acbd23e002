package service

import (
	"context"
	"errors"

	"github.com/ledgerline/reconauth/internal/logger"
	"github.com/ledgerline/reconauth/internal/model"
	"github.com/ledgerline/reconauth/internal/permission"
	"github.com/ledgerline/reconauth/internal/repository"
)

// PermissionService resolves account roles to permission sets. Tenant
// defined roles take precedence over the built-in ones.
type PermissionService struct {
	roles RoleStore
	log   *logger.Logger
}

// NewPermissionService creates a new PermissionService
func NewPermissionService(roles RoleStore, log *logger.Logger) *PermissionService {
	return &PermissionService{roles: roles, log: log.WithComponent("permission_service")}
}

// ForAccount returns the permissions granted by the account's role. An
// unknown role grants nothing.
func (s *PermissionService) ForAccount(ctx context.Context, acct *model.Account) (permission.Set, error) {
	names, err := s.roles.Permissions(ctx, acct.TenantID, acct.Role)
	switch {
	case err == nil:
		var set permission.Set
		for _, n := range names {
			p, err := permission.ParseName(n)
			if err != nil {
				s.log.Warn().Str("tenant_id", acct.TenantID).Str("role", acct.Role).Str("permission", n).Msg("ignoring unknown permission in role")
				continue
			}
			set |= permission.Of(p)
		}
		return set, nil
	case errors.Is(err, repository.ErrNotFound):
		if set, ok := permission.Builtin(acct.Role); ok {
			return set, nil
		}
		s.log.Warn().Str("tenant_id", acct.TenantID).Str("role", acct.Role).Msg("account has unknown role")
		return 0, nil
	default:
		return 0, unavailable("load role", err)
	}
}

// Check reports whether perms allows action on resource.
func (s *PermissionService) Check(perms permission.Set, resource, action string) (bool, error) {
	p, err := permission.Parse(resource, action)
	if err != nil {
		return false, err
	}
	return perms.Has(p), nil
}

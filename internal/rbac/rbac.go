// Package rbac maps users to a closed Role enumeration and answers
// HasRole checks through a per-request bitset cache.
package rbac

import (
	"context"

	"github.com/sysmanage/sysmanage-server/internal/apierr"
)

// Role is a closed enumeration of operational capabilities.
type Role uint

const (
	RoleApproveHostRegistration Role = iota
	RoleEditTags
	RoleAddHostAccount
	RoleDeleteHostAccount
	RoleAddSecret
	RoleEditSecret
	RoleDeleteSecret
	RoleEnableFirewall
	RoleDeployFirewall
	RoleViewDefaultRepositories
	RoleAddDefaultRepository
	RoleRemoveDefaultRepository
	RoleManageAntivirusDefaults
	RoleEnableGrafanaIntegration
	RoleEnableGraylogIntegration
	RoleApplySoftwareUpdate

	roleCount
)

// bit returns the Role's position in the cache bitset.
func (r Role) bit() uint64 {
	return uint64(1) << uint(r)
}

// roleNames maps the persisted role_name strings onto their Role bit.
// Kept here, not in dbstore, so persistence stays free of the rbac
// import and only deals in plain strings.
var roleNames = map[string]Role{
	"APPROVE_HOST_REGISTRATION":  RoleApproveHostRegistration,
	"EDIT_TAGS":                  RoleEditTags,
	"ADD_HOST_ACCOUNT":           RoleAddHostAccount,
	"DELETE_HOST_ACCOUNT":        RoleDeleteHostAccount,
	"ADD_SECRET":                 RoleAddSecret,
	"EDIT_SECRET":                RoleEditSecret,
	"DELETE_SECRET":              RoleDeleteSecret,
	"ENABLE_FIREWALL":            RoleEnableFirewall,
	"DEPLOY_FIREWALL":            RoleDeployFirewall,
	"VIEW_DEFAULT_REPOSITORIES":  RoleViewDefaultRepositories,
	"ADD_DEFAULT_REPOSITORY":     RoleAddDefaultRepository,
	"REMOVE_DEFAULT_REPOSITORY":  RoleRemoveDefaultRepository,
	"MANAGE_ANTIVIRUS_DEFAULTS":  RoleManageAntivirusDefaults,
	"ENABLE_GRAFANA_INTEGRATION": RoleEnableGrafanaIntegration,
	"ENABLE_GRAYLOG_INTEGRATION": RoleEnableGraylogIntegration,
	"APPLY_SOFTWARE_UPDATE":      RoleApplySoftwareUpdate,
}

// ParseRole looks up a persisted role_name string, ignoring ones it
// doesn't recognize rather than failing the whole cache load (a stale
// role name left behind by a schema change should not lock every user
// out).
func ParseRole(name string) (Role, bool) {
	r, ok := roleNames[name]
	return r, ok
}

// RoleSource is the minimal persistence contract rbac needs: given a
// user, return which roles are directly granted (is_admin is handled
// separately, not stored as a role bit).
type RoleSource interface {
	RolesForUser(ctx context.Context, userID string) ([]Role, error)
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// Cache is a per-request bitset role cache. It must not be shared
// across requests.
type Cache struct {
	userID  string
	bits    uint64
	isAdmin bool
	loaded  bool
	source  RoleSource
}

// NewCache returns an empty, lazily-populated cache for one logical
// request's acting user.
func NewCache(source RoleSource, userID string) *Cache {
	return &Cache{userID: userID, source: source}
}

func (c *Cache) ensureLoaded(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	isAdmin, err := c.source.IsAdmin(ctx, c.userID)
	if err != nil {
		return err
	}
	c.isAdmin = isAdmin
	roles, err := c.source.RolesForUser(ctx, c.userID)
	if err != nil {
		return err
	}
	for _, r := range roles {
		c.bits |= r.bit()
	}
	c.loaded = true
	return nil
}

// HasRole reports whether the cache's user holds role, lazily
// populating the cache on first use. is_admin implies every role.
func (c *Cache) HasRole(ctx context.Context, role Role) (bool, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return false, err
	}
	if c.isAdmin {
		return true, nil
	}
	return c.bits&role.bit() != 0, nil
}

// Require returns a permission_denied error (distinct from not_found,
// to avoid leaking entity existence) if the user lacks role.
func (c *Cache) Require(ctx context.Context, role Role, action string) error {
	ok, err := c.HasRole(ctx, role)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.PermissionDenied(action)
	}
	return nil
}

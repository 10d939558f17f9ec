// integrations.go covers the Grafana/Graylog downstream-sink settings:
// the server stores a URL plus a vault-token reference per integration
// and verifies reachability with a health ping before enabling (10s
// timeout per the concurrency model's per-operation defaults).
package service

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sysmanage/sysmanage-server/internal/apierr"
	"github.com/sysmanage/sysmanage-server/internal/audit"
	"github.com/sysmanage/sysmanage-server/internal/dbstore"
	"github.com/sysmanage/sysmanage-server/internal/rbac"
)

const (
	IntegrationGrafana = "grafana"
	IntegrationGraylog = "graylog"
)

// healthPath maps an integration to its HTTP health endpoint.
func healthPath(name string) string {
	switch name {
	case IntegrationGrafana:
		return "/api/health"
	case IntegrationGraylog:
		return "/api/system/lbstatus"
	default:
		return "/"
	}
}

func integrationRole(name string) (rbac.Role, error) {
	switch name {
	case IntegrationGrafana:
		return rbac.RoleEnableGrafanaIntegration, nil
	case IntegrationGraylog:
		return rbac.RoleEnableGraylogIntegration, nil
	default:
		return 0, apierr.InvalidInput("unknown integration " + name)
	}
}

// EnableIntegration health-pings the downstream, persists the singleton
// settings row, and audits. A failed ping surfaces as dependency_failed
// and nothing is persisted.
func (s *Service) EnableIntegration(ctx context.Context, actingUserID, name, url, vaultToken string) error {
	user, err := s.actingUser(ctx, actingUserID)
	if err != nil {
		return err
	}
	role, err := integrationRole(name)
	if err != nil {
		return err
	}
	if err := s.roleCache(actingUserID).Require(ctx, role, "enable "+name+" integration"); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+healthPath(name), nil)
	if err != nil {
		return apierr.InvalidInput("malformed integration url")
	}
	resp, err := s.healthClient.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindDependencyFailed, name+" health check failed", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apierr.New(apierr.KindDependencyFailed, fmt.Sprintf("%s health check returned %d", name, resp.StatusCode))
	}

	return s.store.Transact(ctx, func(tx Store) error {
		if err := tx.UpsertIntegrationSettings(ctx, dbstore.IntegrationSettings{
			Name: name, URL: url, VaultToken: vaultToken, Enabled: true,
		}); err != nil {
			return err
		}
		uid, uname := actingUserID, user.UserIdentifier
		if _, err := audit.New(tx).Update(ctx, "integration", name, name, &uid, &uname, map[string]any{"enabled": true, "url": url}); err != nil {
			return fmt.Errorf("service: enable integration: audit: %w", err)
		}
		return nil
	})
}

// DisableIntegration flips the stored row to disabled without touching
// the downstream.
func (s *Service) DisableIntegration(ctx context.Context, actingUserID, name string) error {
	user, err := s.actingUser(ctx, actingUserID)
	if err != nil {
		return err
	}
	role, err := integrationRole(name)
	if err != nil {
		return err
	}
	if err := s.roleCache(actingUserID).Require(ctx, role, "disable "+name+" integration"); err != nil {
		return err
	}

	return s.store.Transact(ctx, func(tx Store) error {
		existing, err := tx.GetIntegrationSettings(ctx, name)
		if err != nil {
			return err
		}
		existing.Enabled = false
		if err := tx.UpsertIntegrationSettings(ctx, *existing); err != nil {
			return err
		}
		uid, uname := actingUserID, user.UserIdentifier
		if _, err := audit.New(tx).Update(ctx, "integration", name, name, &uid, &uname, map[string]any{"enabled": false}); err != nil {
			return fmt.Errorf("service: disable integration: audit: %w", err)
		}
		return nil
	})
}

// Package service is the public service surface the HTTP façade
// invokes. Most mutating operations follow the same shape: authenticate,
// load the role cache, assert the required role, then run the mutation,
// its audit entry and any follow-up enqueues inside one transaction.
// AttachTag, RequestOSVersionUpdate and RequestUpdatesCheck only assert
// the role: they do not load the acting user, write no audit entry and
// run outside a transaction.
package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sysmanage/sysmanage-server/internal/apierr"
	"github.com/sysmanage/sysmanage-server/internal/audit"
	"github.com/sysmanage/sysmanage-server/internal/certs"
	"github.com/sysmanage/sysmanage-server/internal/dbstore"
	"github.com/sysmanage/sysmanage-server/internal/queue"
	"github.com/sysmanage/sysmanage-server/internal/rbac"
	"github.com/sysmanage/sysmanage-server/internal/vaultclient"
)

// Notifier wakes a host's queue drainer once a new outbound entry has
// been committed (internal/notify.Topic or internal/notify.RedisTopic).
type Notifier interface {
	Notify(hostID string)
}

// Store is the persistence seam the public service surface needs.
// Transact runs fn with a transaction-bound Store so a mutation, its
// audit entry and any enqueued follow-ups commit or roll back together.
type Store interface {
	queue.Store

	Transact(ctx context.Context, fn func(tx Store) error) error
	InsertAuditLog(ctx context.Context, entry dbstore.AuditLog) error

	RolesForUser(ctx context.Context, userID string) ([]string, error)
	IsAdmin(ctx context.Context, userID string) (bool, error)

	GetHost(ctx context.Context, hostID string) (*dbstore.Host, error)
	RegisterHost(ctx context.Context, fqdn, ipv4, ipv6, platform, platformRelease, osDetails string) (*dbstore.Host, error)
	ApproveHost(ctx context.Context, hostID, certPEM, serial string) (*dbstore.Host, error)
	RejectHost(ctx context.Context, hostID string) (*dbstore.Host, error)

	GetUser(ctx context.Context, userID string) (*dbstore.User, error)

	CreateTag(ctx context.Context, name, description string) (*dbstore.Tag, error)
	DeleteTag(ctx context.Context, tagID string) error
	AttachTag(ctx context.Context, hostID, tagID string) error

	CreateSecret(ctx context.Context, name, secretType, secretSubtype, vaultToken, vaultPath string) (*dbstore.Secret, error)
	GetSecret(ctx context.Context, secretID string) (*dbstore.Secret, error)
	DeleteSecret(ctx context.Context, secretID string) error
	ListSecretsBySubtype(ctx context.Context, subtype string) ([]dbstore.Secret, error)

	ListDefaultRepositoriesForOS(ctx context.Context, osName string) ([]dbstore.DefaultRepository, error)
	ListEnabledPackageManagersForOS(ctx context.Context, osName string) ([]dbstore.EnabledPackageManager, error)
	ListAntivirusDefaultsForOS(ctx context.Context, osName string) ([]dbstore.AntivirusDefault, error)

	GetIntegrationSettings(ctx context.Context, name string) (*dbstore.IntegrationSettings, error)
	UpsertIntegrationSettings(ctx context.Context, is dbstore.IntegrationSettings) error
}

// txStore binds a *dbstore.Store to this package's Store seam; Transact
// hands the transaction-bound store back through the same interface.
type txStore struct {
	*dbstore.Store
}

// WrapStore adapts a *dbstore.Store for New.
func WrapStore(s *dbstore.Store) Store { return txStore{s} }

func (t txStore) Transact(ctx context.Context, fn func(tx Store) error) error {
	return t.Store.Transact(ctx, func(tx *dbstore.Store) error {
		return fn(txStore{tx})
	})
}

// Service wires persistence, RBAC, certificate issuance, the vault
// client and the message queue behind one callable surface. Audit
// writes, and the queue writes of every operation that audits, happen
// through transaction-bound stores inside that operation.
type Service struct {
	store        Store
	certs        *certs.Manager
	vault        *vaultclient.Client
	notifier     Notifier
	certValidity time.Duration
	healthClient *http.Client
}

func New(store Store, certMgr *certs.Manager, vault *vaultclient.Client, notifier Notifier, certValidity time.Duration) *Service {
	return &Service{
		store: store, certs: certMgr, vault: vault, notifier: notifier, certValidity: certValidity,
		healthClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// roleCache builds a fresh per-request role cache for actingUserID;
// callers must not retain it across requests.
func (s *Service) roleCache(actingUserID string) *rbac.Cache {
	return rbac.NewCache(rbac.NewStoreSource(s.store), actingUserID)
}

func (s *Service) actingUser(ctx context.Context, actingUserID string) (*dbstore.User, error) {
	user, err := s.store.GetUser(ctx, actingUserID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUnauthenticated, "service: load acting user", err)
	}
	return user, nil
}

func (s *Service) notify(hostID string) {
	if s.notifier != nil {
		s.notifier.Notify(hostID)
	}
}

// ApproveHost issues a client certificate, then in one transaction
// persists the approval, fans out the default-repository /
// package-manager / antivirus follow-ups, appends the audit entry and
// enqueues the host_approved notification. The drainer is only woken
// after the transaction commits.
func (s *Service) ApproveHost(ctx context.Context, actingUserID, hostID string) (*dbstore.Host, error) {
	user, err := s.actingUser(ctx, actingUserID)
	if err != nil {
		return nil, err
	}
	if err := s.roleCache(actingUserID).Require(ctx, rbac.RoleApproveHostRegistration, "approve host registration"); err != nil {
		return nil, err
	}

	host, err := s.store.GetHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	if host.ApprovalStatus == dbstore.ApprovalApproved {
		return host, nil // re-approval is a no-op
	}
	if host.ApprovalStatus != dbstore.ApprovalPending {
		return nil, apierr.Conflict("host is not pending approval")
	}

	issued, err := s.certs.IssueHostCertificate(host.FQDN, host.HostID, s.certValidity)
	if err != nil {
		return nil, fmt.Errorf("service: approve host: issue certificate: %w", err)
	}

	var approved *dbstore.Host
	err = s.store.Transact(ctx, func(tx Store) error {
		var err error
		approved, err = tx.ApproveHost(ctx, hostID, issued.PEM, issued.Serial)
		if err != nil {
			return err
		}
		if err := applyDefaults(ctx, tx, approved); err != nil {
			return fmt.Errorf("service: approve host: apply defaults: %w", err)
		}
		uid, uname := actingUserID, user.UserIdentifier
		if _, err := audit.New(tx).Update(ctx, "host", hostID, approved.FQDN, &uid, &uname, map[string]any{"approval_status": "approved"}); err != nil {
			return fmt.Errorf("service: approve host: audit: %w", err)
		}
		if _, err := queue.New(tx).EnqueueCommand(ctx, hostID, "host_approved", map[string]any{
			"certificate": issued.PEM,
			"host_token":  approved.HostToken,
		}, queue.PriorityHigh, nil); err != nil {
			return fmt.Errorf("service: approve host: enqueue notification: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(hostID)
	return approved, nil
}

// osNameForHost derives the OS name used to match default-repository /
// package-manager / antivirus rows: the leading word of platform_release
// ("Ubuntu 22.04" matches rows with os_name "Ubuntu"), falling back to
// the bare platform string when no release is recorded.
func osNameForHost(host *dbstore.Host) string {
	if host.PlatformRelease != "" {
		name, _, _ := strings.Cut(host.PlatformRelease, " ")
		return name
	}
	return host.Platform
}

// applyDefaults enqueues the approval follow-ups on the caller's
// transaction: one add_third_party_repository command per matching
// DefaultRepository, one enable_package_manager per
// EnabledPackageManager when the agent runs privileged, and one
// install_antivirus per AntivirusDefault.
func applyDefaults(ctx context.Context, tx Store, host *dbstore.Host) error {
	osName := osNameForHost(host)
	q := queue.New(tx)

	repos, err := tx.ListDefaultRepositoriesForOS(ctx, osName)
	if err != nil {
		return err
	}
	for _, r := range repos {
		if _, err := q.EnqueueCommand(ctx, host.HostID, "add_third_party_repository", map[string]any{
			"repository":      r.RepositoryURL,
			"package_manager": r.PackageManager,
		}, queue.PriorityNormal, nil); err != nil {
			return err
		}
	}

	if host.IsAgentPrivileged {
		pms, err := tx.ListEnabledPackageManagersForOS(ctx, osName)
		if err != nil {
			return err
		}
		for _, pm := range pms {
			if _, err := q.EnqueueCommand(ctx, host.HostID, "enable_package_manager", map[string]any{
				"package_manager": pm.Manager,
			}, queue.PriorityNormal, nil); err != nil {
				return err
			}
		}
	}

	avs, err := tx.ListAntivirusDefaultsForOS(ctx, osName)
	if err != nil {
		return err
	}
	for _, av := range avs {
		if _, err := q.EnqueueCommand(ctx, host.HostID, "install_antivirus", map[string]any{
			"package_name": av.PackageName,
		}, queue.PriorityNormal, nil); err != nil {
			return err
		}
	}
	return nil
}

// RejectHost is terminal: any already-issued certificate for the host
// is revoked rather than merely deactivated.
func (s *Service) RejectHost(ctx context.Context, actingUserID, hostID string) (*dbstore.Host, error) {
	user, err := s.actingUser(ctx, actingUserID)
	if err != nil {
		return nil, err
	}
	if err := s.roleCache(actingUserID).Require(ctx, rbac.RoleApproveHostRegistration, "reject host registration"); err != nil {
		return nil, err
	}

	host, err := s.store.GetHost(ctx, hostID)
	if err != nil {
		return nil, err
	}

	var rejected *dbstore.Host
	err = s.store.Transact(ctx, func(tx Store) error {
		var err error
		rejected, err = tx.RejectHost(ctx, hostID)
		if err != nil {
			return err
		}
		uid, uname := actingUserID, user.UserIdentifier
		if _, err := audit.New(tx).Update(ctx, "host", hostID, rejected.FQDN, &uid, &uname, map[string]any{"approval_status": "rejected"}); err != nil {
			return fmt.Errorf("service: reject host: audit: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if host.CertificateSerial != "" {
		s.certs.Revoke(host.CertificateSerial)
	}
	return rejected, nil
}

// RegisterHost is the agent self-registration entry point (the
// registration_endpoint advertised by the discovery beacon): no operator
// RBAC applies, the host lands in approval_status=pending and stays
// there until an operator approves or rejects it.
func (s *Service) RegisterHost(ctx context.Context, fqdn, ipv4, ipv6, platform, platformRelease, osDetails string) (*dbstore.Host, error) {
	if fqdn == "" {
		return nil, apierr.InvalidInput("fqdn is required")
	}
	var host *dbstore.Host
	err := s.store.Transact(ctx, func(tx Store) error {
		var err error
		host, err = tx.RegisterHost(ctx, fqdn, ipv4, ipv6, platform, platformRelease, osDetails)
		if err != nil {
			return err
		}
		if _, err := audit.New(tx).Create(ctx, "host", host.HostID, host.FQDN, nil, nil, map[string]any{"approval_status": string(host.ApprovalStatus)}); err != nil {
			return fmt.Errorf("service: register host: audit: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return host, nil
}

// CreateTag is gated on the EDIT_TAGS role.
func (s *Service) CreateTag(ctx context.Context, actingUserID, name, description string) (*dbstore.Tag, error) {
	user, err := s.actingUser(ctx, actingUserID)
	if err != nil {
		return nil, err
	}
	if err := s.roleCache(actingUserID).Require(ctx, rbac.RoleEditTags, "create tag"); err != nil {
		return nil, err
	}
	var tag *dbstore.Tag
	err = s.store.Transact(ctx, func(tx Store) error {
		var err error
		tag, err = tx.CreateTag(ctx, name, description)
		if err != nil {
			return err
		}
		uid, uname := actingUserID, user.UserIdentifier
		if _, err := audit.New(tx).Create(ctx, "tag", tag.ID, tag.Name, &uid, &uname, nil); err != nil {
			return fmt.Errorf("service: create tag: audit: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tag, nil
}

func (s *Service) DeleteTag(ctx context.Context, actingUserID, tagID string) error {
	user, err := s.actingUser(ctx, actingUserID)
	if err != nil {
		return err
	}
	if err := s.roleCache(actingUserID).Require(ctx, rbac.RoleEditTags, "delete tag"); err != nil {
		return err
	}
	return s.store.Transact(ctx, func(tx Store) error {
		if err := tx.DeleteTag(ctx, tagID); err != nil {
			return err
		}
		uid, uname := actingUserID, user.UserIdentifier
		if _, err := audit.New(tx).Delete(ctx, "tag", tagID, "", &uid, &uname); err != nil {
			return fmt.Errorf("service: delete tag: audit: %w", err)
		}
		return nil
	})
}

func (s *Service) AttachTag(ctx context.Context, actingUserID, hostID, tagID string) error {
	if err := s.roleCache(actingUserID).Require(ctx, rbac.RoleEditTags, "attach tag"); err != nil {
		return err
	}
	return s.store.AttachTag(ctx, hostID, tagID)
}

// CreateSecret is gated on the ADD_SECRET role. content is written to
// the vault at vaultPath before the metadata row is persisted, so a
// failed vault write never leaves orphaned metadata pointing at
// nothing.
func (s *Service) CreateSecret(ctx context.Context, actingUserID, name, secretType, secretSubtype, content, vaultPath string) (*dbstore.Secret, error) {
	user, err := s.actingUser(ctx, actingUserID)
	if err != nil {
		return nil, err
	}
	if err := s.roleCache(actingUserID).Require(ctx, rbac.RoleAddSecret, "create secret"); err != nil {
		return nil, err
	}
	if err := s.vault.PutSecret(ctx, vaultPath, content); err != nil {
		return nil, fmt.Errorf("service: create secret: vault write: %w", err)
	}
	var sec *dbstore.Secret
	err = s.store.Transact(ctx, func(tx Store) error {
		var err error
		sec, err = tx.CreateSecret(ctx, name, secretType, secretSubtype, "", vaultPath)
		if err != nil {
			return err
		}
		uid, uname := actingUserID, user.UserIdentifier
		if _, err := audit.New(tx).Create(ctx, "secret", sec.ID, sec.Name, &uid, &uname, nil); err != nil {
			return fmt.Errorf("service: create secret: audit: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sec, nil
}

// GetSecretContent reads a secret's value back out of the vault by its
// metadata row's vault_path.
func (s *Service) GetSecretContent(ctx context.Context, actingUserID, secretID string) (string, error) {
	if _, err := s.actingUser(ctx, actingUserID); err != nil {
		return "", err
	}
	sec, err := s.store.GetSecret(ctx, secretID)
	if err != nil {
		return "", err
	}
	return s.vault.GetSecret(ctx, sec.VaultPath)
}

func (s *Service) DeleteSecret(ctx context.Context, actingUserID, secretID string) error {
	user, err := s.actingUser(ctx, actingUserID)
	if err != nil {
		return err
	}
	if err := s.roleCache(actingUserID).Require(ctx, rbac.RoleDeleteSecret, "delete secret"); err != nil {
		return err
	}
	sec, err := s.store.GetSecret(ctx, secretID)
	if err != nil {
		return err
	}
	// Vault first: the metadata row is kept whenever the vault delete
	// fails, so a row never outlives its content silently.
	if err := s.vault.DeleteSecret(ctx, sec.VaultPath); err != nil {
		return fmt.Errorf("service: delete secret: vault delete: %w", err)
	}
	return s.store.Transact(ctx, func(tx Store) error {
		if err := tx.DeleteSecret(ctx, secretID); err != nil {
			return err
		}
		uid, uname := actingUserID, user.UserIdentifier
		if _, err := audit.New(tx).Delete(ctx, "secret", secretID, "", &uid, &uname); err != nil {
			return fmt.Errorf("service: delete secret: audit: %w", err)
		}
		return nil
	})
}

// ListSecretsBySubtype is a read-only operation (e.g. secret_subtype
// "ssh_key"); reads are not role-gated beyond the caller being
// authenticated.
func (s *Service) ListSecretsBySubtype(ctx context.Context, actingUserID, subtype string) ([]dbstore.Secret, error) {
	if _, err := s.actingUser(ctx, actingUserID); err != nil {
		return nil, err
	}
	return s.store.ListSecretsBySubtype(ctx, subtype)
}

// EnqueueSoftwareUpdate is gated on the APPLY_SOFTWARE_UPDATE role.
func (s *Service) EnqueueSoftwareUpdate(ctx context.Context, actingUserID, hostID string, packages []string) (string, error) {
	user, err := s.actingUser(ctx, actingUserID)
	if err != nil {
		return "", err
	}
	if err := s.roleCache(actingUserID).Require(ctx, rbac.RoleApplySoftwareUpdate, "apply software update"); err != nil {
		return "", err
	}
	var id string
	err = s.store.Transact(ctx, func(tx Store) error {
		var err error
		id, err = queue.New(tx).EnqueueCommand(ctx, hostID, "apply_software_update", map[string]any{"packages": packages}, queue.PriorityNormal, nil)
		if err != nil {
			return err
		}
		uid, uname := actingUserID, user.UserIdentifier
		if _, err := audit.New(tx).Log(ctx, audit.Entry{
			UserID: &uid, Username: &uname, ActionType: audit.ActionExecute, EntityType: "host", EntityID: &hostID,
			Description: "enqueued software update", Details: map[string]any{"packages": packages}, Result: audit.ResultSuccess,
		}); err != nil {
			return fmt.Errorf("service: enqueue software update: audit: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.notify(hostID)
	return id, nil
}

// RequestOSVersionUpdate enqueues an update_os_version command for a
// host; the host's approval status is not checked.
func (s *Service) RequestOSVersionUpdate(ctx context.Context, actingUserID, hostID string) (string, error) {
	if err := s.roleCache(actingUserID).Require(ctx, rbac.RoleApproveHostRegistration, "request os version update"); err != nil {
		return "", err
	}
	id, err := queue.New(s.store).EnqueueCommand(ctx, hostID, "update_os_version", nil, queue.PriorityNormal, nil)
	if err != nil {
		return "", err
	}
	s.notify(hostID)
	return id, nil
}

// RequestUpdatesCheck enqueues a check_updates command for a host.
func (s *Service) RequestUpdatesCheck(ctx context.Context, actingUserID, hostID string) (string, error) {
	if err := s.roleCache(actingUserID).Require(ctx, rbac.RoleApproveHostRegistration, "request updates check"); err != nil {
		return "", err
	}
	id, err := queue.New(s.store).EnqueueCommand(ctx, hostID, "check_updates", nil, queue.PriorityNormal, nil)
	if err != nil {
		return "", err
	}
	s.notify(hostID)
	return id, nil
}

// EnqueueFirewallDeploy is gated on the DEPLOY_FIREWALL role.
func (s *Service) EnqueueFirewallDeploy(ctx context.Context, actingUserID, hostID string, ruleset map[string]any) (string, error) {
	user, err := s.actingUser(ctx, actingUserID)
	if err != nil {
		return "", err
	}
	if err := s.roleCache(actingUserID).Require(ctx, rbac.RoleDeployFirewall, "deploy firewall"); err != nil {
		return "", err
	}
	var id string
	err = s.store.Transact(ctx, func(tx Store) error {
		var err error
		id, err = queue.New(tx).EnqueueCommand(ctx, hostID, "deploy_firewall", map[string]any{"ruleset": ruleset}, queue.PriorityHigh, nil)
		if err != nil {
			return err
		}
		uid, uname := actingUserID, user.UserIdentifier
		if _, err := audit.New(tx).Log(ctx, audit.Entry{
			UserID: &uid, Username: &uname, ActionType: audit.ActionExecute, EntityType: "host", EntityID: &hostID,
			Description: "enqueued firewall deployment", Result: audit.ResultSuccess,
		}); err != nil {
			return fmt.Errorf("service: enqueue firewall deploy: audit: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.notify(hostID)
	return id, nil
}

package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysmanage/sysmanage-server/internal/apierr"
	"github.com/sysmanage/sysmanage-server/internal/certs"
	"github.com/sysmanage/sysmanage-server/internal/config"
	"github.com/sysmanage/sysmanage-server/internal/dbstore"
	"github.com/sysmanage/sysmanage-server/internal/vaultclient"
)

// fakeStore is an in-memory implementation of the Store seam, queue
// included. Transact snapshots and restores the mutable collections on
// failure, mirroring the rollback semantics of the transaction-bound
// real store.
type fakeStore struct {
	roles        map[string][]string
	admins       map[string]bool
	users        map[string]*dbstore.User
	hosts        map[string]*dbstore.Host
	tags         map[string]*dbstore.Tag
	secrets      map[string]*dbstore.Secret
	repos        map[string][]dbstore.DefaultRepository
	pkgManagers  map[string][]dbstore.EnabledPackageManager
	avDefaults   map[string][]dbstore.AntivirusDefault
	integrations map[string]*dbstore.IntegrationSettings
	attached     []string

	queueEntries []dbstore.QueueEntry
	nextQueueID  int

	auditRows []dbstore.AuditLog
	failAudit error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		roles:        map[string][]string{},
		admins:       map[string]bool{},
		users:        map[string]*dbstore.User{},
		hosts:        map[string]*dbstore.Host{},
		tags:         map[string]*dbstore.Tag{},
		secrets:      map[string]*dbstore.Secret{},
		repos:        map[string][]dbstore.DefaultRepository{},
		pkgManagers:  map[string][]dbstore.EnabledPackageManager{},
		avDefaults:   map[string][]dbstore.AntivirusDefault{},
		integrations: map[string]*dbstore.IntegrationSettings{},
	}
}

func (f *fakeStore) Transact(_ context.Context, fn func(tx Store) error) error {
	queued, audited := len(f.queueEntries), len(f.auditRows)
	hosts := map[string]dbstore.Host{}
	for id, h := range f.hosts {
		hosts[id] = *h
	}
	if err := fn(f); err != nil {
		f.queueEntries = f.queueEntries[:queued]
		f.auditRows = f.auditRows[:audited]
		for id := range f.hosts {
			if h, ok := hosts[id]; ok {
				*f.hosts[id] = h
			} else {
				delete(f.hosts, id)
			}
		}
		return err
	}
	return nil
}

func (f *fakeStore) InsertAuditLog(_ context.Context, entry dbstore.AuditLog) error {
	if f.failAudit != nil {
		return f.failAudit
	}
	f.auditRows = append(f.auditRows, entry)
	return nil
}

func (f *fakeStore) RolesForUser(_ context.Context, userID string) ([]string, error) {
	return f.roles[userID], nil
}

func (f *fakeStore) IsAdmin(_ context.Context, userID string) (bool, error) {
	return f.admins[userID], nil
}

func (f *fakeStore) GetHost(_ context.Context, hostID string) (*dbstore.Host, error) {
	if h, ok := f.hosts[hostID]; ok {
		c := *h
		return &c, nil
	}
	return nil, apierr.NotFound("host")
}

func (f *fakeStore) RegisterHost(_ context.Context, fqdn, ipv4, ipv6, platform, platformRelease, osDetails string) (*dbstore.Host, error) {
	h := &dbstore.Host{
		HostID: "reg-" + fqdn, FQDN: fqdn, IPv4: ipv4, IPv6: ipv6,
		Platform: platform, PlatformRelease: platformRelease, OSDetails: osDetails,
		ApprovalStatus: dbstore.ApprovalPending, Status: dbstore.HostDown, HostToken: "tok-" + fqdn,
	}
	f.hosts[h.HostID] = h
	return h, nil
}

func (f *fakeStore) ApproveHost(_ context.Context, hostID, certPEM, serial string) (*dbstore.Host, error) {
	h, ok := f.hosts[hostID]
	if !ok {
		return nil, apierr.NotFound("host")
	}
	if h.ApprovalStatus == dbstore.ApprovalApproved {
		c := *h
		return &c, nil
	}
	if h.ApprovalStatus != dbstore.ApprovalPending {
		return nil, apierr.Conflict("host is not pending approval")
	}
	h.ApprovalStatus = dbstore.ApprovalApproved
	h.ClientCertificate = certPEM
	h.CertificateSerial = serial
	now := time.Now().UTC()
	h.CertificateIssuedAt = &now
	c := *h
	return &c, nil
}

func (f *fakeStore) RejectHost(_ context.Context, hostID string) (*dbstore.Host, error) {
	h, ok := f.hosts[hostID]
	if !ok {
		return nil, apierr.NotFound("host")
	}
	if h.ApprovalStatus != dbstore.ApprovalPending {
		return nil, apierr.Conflict("host is not pending approval")
	}
	h.ApprovalStatus = dbstore.ApprovalRejected
	h.Active = false
	c := *h
	return &c, nil
}

func (f *fakeStore) GetUser(_ context.Context, userID string) (*dbstore.User, error) {
	if u, ok := f.users[userID]; ok {
		return u, nil
	}
	return nil, apierr.NotFound("user")
}

func (f *fakeStore) CreateTag(_ context.Context, name, description string) (*dbstore.Tag, error) {
	for _, t := range f.tags {
		if t.Name == name {
			return nil, apierr.Conflict("duplicate tag name")
		}
	}
	t := &dbstore.Tag{ID: "tag-" + name, Name: name, Description: description}
	f.tags[t.ID] = t
	return t, nil
}

func (f *fakeStore) DeleteTag(_ context.Context, tagID string) error {
	delete(f.tags, tagID)
	return nil
}

func (f *fakeStore) AttachTag(_ context.Context, hostID, tagID string) error {
	f.attached = append(f.attached, hostID+"|"+tagID)
	return nil
}

func (f *fakeStore) CreateSecret(_ context.Context, name, secretType, secretSubtype, vaultToken, vaultPath string) (*dbstore.Secret, error) {
	s := &dbstore.Secret{ID: "sec-" + name, Name: name, SecretType: secretType, SecretSubtype: secretSubtype, VaultToken: vaultToken, VaultPath: vaultPath}
	f.secrets[s.ID] = s
	return s, nil
}

func (f *fakeStore) GetSecret(_ context.Context, secretID string) (*dbstore.Secret, error) {
	if s, ok := f.secrets[secretID]; ok {
		return s, nil
	}
	return nil, apierr.NotFound("secret")
}

func (f *fakeStore) DeleteSecret(_ context.Context, secretID string) error {
	delete(f.secrets, secretID)
	return nil
}

func (f *fakeStore) ListSecretsBySubtype(_ context.Context, subtype string) ([]dbstore.Secret, error) {
	var out []dbstore.Secret
	for _, s := range f.secrets {
		if s.SecretSubtype == subtype {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) ListDefaultRepositoriesForOS(_ context.Context, osName string) ([]dbstore.DefaultRepository, error) {
	return f.repos[osName], nil
}

func (f *fakeStore) ListEnabledPackageManagersForOS(_ context.Context, osName string) ([]dbstore.EnabledPackageManager, error) {
	return f.pkgManagers[osName], nil
}

func (f *fakeStore) ListAntivirusDefaultsForOS(_ context.Context, osName string) ([]dbstore.AntivirusDefault, error) {
	return f.avDefaults[osName], nil
}

func (f *fakeStore) GetIntegrationSettings(_ context.Context, name string) (*dbstore.IntegrationSettings, error) {
	if is, ok := f.integrations[name]; ok {
		c := *is
		return &c, nil
	}
	return nil, apierr.NotFound("integration settings")
}

func (f *fakeStore) UpsertIntegrationSettings(_ context.Context, is dbstore.IntegrationSettings) error {
	f.integrations[is.Name] = &is
	return nil
}

// --- queue.Store ---

func (f *fakeStore) Enqueue(_ context.Context, messageType, payload string, direction dbstore.Direction, hostID *string, priority dbstore.Priority, _ *time.Duration, correlationID *string) (string, error) {
	f.nextQueueID++
	id := "e" + string(rune('0'+f.nextQueueID))
	f.queueEntries = append(f.queueEntries, dbstore.QueueEntry{
		ID: id, MessageType: messageType, Payload: payload, Direction: direction,
		HostID: hostID, Priority: priority, Status: dbstore.QueuePending,
		MaxAttempts: 5, CorrelationID: correlationID, CreatedAt: time.Now().UTC(),
	})
	return id, nil
}

func (f *fakeStore) SetCorrelationID(_ context.Context, id, correlationID string) error {
	for i := range f.queueEntries {
		if f.queueEntries[i].ID == id {
			f.queueEntries[i].CorrelationID = &correlationID
		}
	}
	return nil
}

func (f *fakeStore) DequeueOutbound(context.Context, string, int) ([]dbstore.QueueEntry, error) {
	return nil, nil
}
func (f *fakeStore) AckDelivered(context.Context, string) error             { return nil }
func (f *fakeStore) AckFailed(context.Context, string, string, bool) error  { return nil }
func (f *fakeStore) FetchInbound(context.Context, int) ([]dbstore.QueueEntry, error) {
	return nil, nil
}
func (f *fakeStore) ExpireStale(context.Context, time.Time) (int64, error) { return 0, nil }
func (f *fakeStore) Cleanup(context.Context, time.Duration) (int64, error) { return 0, nil }
func (f *fakeStore) RevertInFlight(context.Context, string) (int64, error) { return 0, nil }
func (f *fakeStore) FindByCorrelationID(context.Context, string) (*dbstore.QueueEntry, error) {
	return nil, nil
}

// commandsOfType filters the fake queue by command_type.
func (f *fakeStore) commandsOfType(t *testing.T, commandType string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, e := range f.queueEntries {
		if e.MessageType != "command" {
			continue
		}
		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(e.Payload), &payload))
		if payload["command_type"] == commandType {
			out = append(out, payload)
		}
	}
	return out
}

type notifyRecorder struct{ notified []string }

func (n *notifyRecorder) Notify(hostID string) { n.notified = append(n.notified, hostID) }

type fixture struct {
	svc    *Service
	store  *fakeStore
	notify *notifyRecorder
	certs  *certs.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newFakeStore()
	rec := &notifyRecorder{}

	cm, err := certs.NewSelfSignedCA("test-ca", 24*time.Hour)
	require.NoError(t, err)

	vaultSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{"data": map[string]any{"content": "vault-content"}},
			})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(vaultSrv.Close)
	vault := vaultclient.New(&config.VaultConfig{Address: vaultSrv.URL, Token: "t", MountPath: "secret"})

	svc := New(store, cm, vault, rec, time.Hour)
	return &fixture{svc: svc, store: store, notify: rec, certs: cm}
}

func (f *fixture) addAdmin(id string) {
	f.store.admins[id] = true
	f.store.users[id] = &dbstore.User{UserID: id, UserIdentifier: id + "@example.com", IsAdmin: true, Active: true}
}

func (f *fixture) addUser(id string, roles ...string) {
	f.store.users[id] = &dbstore.User{UserID: id, UserIdentifier: id + "@example.com", Active: true}
	f.store.roles[id] = roles
}

func (f *fixture) addPendingHost(id, fqdn, platformRelease string) {
	f.store.hosts[id] = &dbstore.Host{
		HostID: id, FQDN: fqdn, Platform: "linux", PlatformRelease: platformRelease,
		ApprovalStatus: dbstore.ApprovalPending, Status: dbstore.HostDown, HostToken: "tok-" + id,
	}
}

func TestApproveHostFansOutDefaults(t *testing.T) {
	f := newFixture(t)
	f.addAdmin("admin")
	f.addPendingHost("h1", "web01.example.com", "Ubuntu 22.04")
	f.store.repos["Ubuntu"] = []dbstore.DefaultRepository{
		{ID: "r1", OSName: "Ubuntu", PackageManager: "apt", RepositoryURL: "ppa:test/foo"},
	}

	host, err := f.svc.ApproveHost(context.Background(), "admin", "h1")
	require.NoError(t, err)
	assert.Equal(t, dbstore.ApprovalApproved, host.ApprovalStatus)
	assert.NotEmpty(t, host.ClientCertificate)
	assert.NotEmpty(t, host.CertificateSerial)

	// Exactly one add_third_party_repository per matching DefaultRepository.
	repoCmds := f.store.commandsOfType(t, "add_third_party_repository")
	require.Len(t, repoCmds, 1)
	params := repoCmds[0]["parameters"].(map[string]any)
	assert.Equal(t, "ppa:test/foo", params["repository"])
	assert.Equal(t, "apt", params["package_manager"])

	// The host_approved notification carries the certificate and token.
	approvedCmds := f.store.commandsOfType(t, "host_approved")
	require.Len(t, approvedCmds, 1)
	approvedParams := approvedCmds[0]["parameters"].(map[string]any)
	assert.Equal(t, host.ClientCertificate, approvedParams["certificate"])
	assert.Equal(t, "tok-h1", approvedParams["host_token"])

	// Audit entry: UPDATE host, committed with the mutation.
	var found bool
	for _, row := range f.store.auditRows {
		if row.ActionType == "UPDATE" && row.EntityType == "host" {
			found = true
		}
	}
	assert.True(t, found, "approval emits an UPDATE host audit entry")

	assert.Contains(t, f.notify.notified, "h1", "drainer is woken for the new outbound work")
}

func TestApproveHostAuditFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.addAdmin("admin")
	f.addPendingHost("h1", "web01.example.com", "Ubuntu 22.04")
	f.store.failAudit = assert.AnError

	_, err := f.svc.ApproveHost(context.Background(), "admin", "h1")
	require.Error(t, err, "a failed audit write fails the whole operation")
	assert.Equal(t, dbstore.ApprovalPending, f.store.hosts["h1"].ApprovalStatus,
		"the approval rolls back with its audit entry")
	assert.Empty(t, f.store.queueEntries, "no follow-up commands survive the rollback")
	assert.Empty(t, f.notify.notified, "the drainer is not woken for rolled-back work")
}

func TestApproveHostSkipsPackageManagersForUnprivilegedAgent(t *testing.T) {
	f := newFixture(t)
	f.addAdmin("admin")
	f.addPendingHost("h1", "web01.example.com", "Ubuntu 22.04")
	f.store.pkgManagers["Ubuntu"] = []dbstore.EnabledPackageManager{{ID: "p1", OSName: "Ubuntu", Manager: "snap"}}

	_, err := f.svc.ApproveHost(context.Background(), "admin", "h1")
	require.NoError(t, err)
	assert.Empty(t, f.store.commandsOfType(t, "enable_package_manager"),
		"unprivileged agents get no enable_package_manager commands")

	f.addPendingHost("h2", "web02.example.com", "Ubuntu 22.04")
	f.store.hosts["h2"].IsAgentPrivileged = true
	_, err = f.svc.ApproveHost(context.Background(), "admin", "h2")
	require.NoError(t, err)
	assert.Len(t, f.store.commandsOfType(t, "enable_package_manager"), 1)
}

func TestApproveHostIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addAdmin("admin")
	f.addPendingHost("h1", "web01.example.com", "Ubuntu 22.04")

	_, err := f.svc.ApproveHost(context.Background(), "admin", "h1")
	require.NoError(t, err)
	queuedBefore := len(f.store.queueEntries)

	_, err = f.svc.ApproveHost(context.Background(), "admin", "h1")
	require.NoError(t, err)
	assert.Equal(t, queuedBefore, len(f.store.queueEntries), "re-approval enqueues nothing")
}

func TestApproveHostRequiresRole(t *testing.T) {
	f := newFixture(t)
	f.addUser("viewer", "EDIT_TAGS")
	f.addPendingHost("h1", "web01.example.com", "Ubuntu 22.04")

	_, err := f.svc.ApproveHost(context.Background(), "viewer", "h1")
	require.Error(t, err)
	assert.Equal(t, apierr.KindPermissionDenied, apierr.KindOf(err))

	// The dedicated role (without admin) suffices.
	f.addUser("approver", "APPROVE_HOST_REGISTRATION")
	_, err = f.svc.ApproveHost(context.Background(), "approver", "h1")
	require.NoError(t, err)
}

func TestRejectHostRevokesIssuedCertificate(t *testing.T) {
	f := newFixture(t)
	f.addAdmin("admin")
	f.addPendingHost("h1", "web01.example.com", "Ubuntu 22.04")
	f.store.hosts["h1"].CertificateSerial = "777"

	_, err := f.svc.RejectHost(context.Background(), "admin", "h1")
	require.NoError(t, err)
	assert.True(t, f.certs.IsRevoked("777"))

	// Rejection is terminal.
	_, err = f.svc.ApproveHost(context.Background(), "admin", "h1")
	require.Error(t, err)
	assert.Equal(t, apierr.KindConflict, apierr.KindOf(err))
}

func TestTagOperations(t *testing.T) {
	f := newFixture(t)
	f.addAdmin("admin")
	f.addUser("nobody")

	tag, err := f.svc.CreateTag(context.Background(), "admin", "prod", "production fleet")
	require.NoError(t, err)
	assert.Equal(t, "prod", tag.Name)

	_, err = f.svc.CreateTag(context.Background(), "nobody", "dev", "")
	assert.Equal(t, apierr.KindPermissionDenied, apierr.KindOf(err))

	_, err = f.svc.CreateTag(context.Background(), "admin", "prod", "")
	assert.Equal(t, apierr.KindConflict, apierr.KindOf(err), "duplicate tag name conflicts")

	require.NoError(t, f.svc.DeleteTag(context.Background(), "admin", tag.ID))
}

func TestSecretLifecycle(t *testing.T) {
	f := newFixture(t)
	f.addAdmin("admin")
	ctx := context.Background()

	sec, err := f.svc.CreateSecret(ctx, "admin", "deploy-key", "ssh", "ssh_key", "PRIVATE", "ssh/deploy-key")
	require.NoError(t, err)

	content, err := f.svc.GetSecretContent(ctx, "admin", sec.ID)
	require.NoError(t, err)
	assert.Equal(t, "vault-content", content)

	listed, err := f.svc.ListSecretsBySubtype(ctx, "admin", "ssh_key")
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, f.svc.DeleteSecret(ctx, "admin", sec.ID))
	_, err = f.svc.GetSecretContent(ctx, "admin", sec.ID)
	assert.Equal(t, apierr.KindNotFound, apierr.KindOf(err))
}

func TestCreateSecretVaultFailure(t *testing.T) {
	f := newFixture(t)
	f.addAdmin("admin")

	// Point the vault client at a dead endpoint.
	f.svc.vault = vaultclient.New(&config.VaultConfig{Address: "http://127.0.0.1:1", Token: "t", MountPath: "secret"})

	_, err := f.svc.CreateSecret(context.Background(), "admin", "k", "api", "", "content", "path")
	require.Error(t, err)
	assert.Equal(t, apierr.KindDependencyFailed, apierr.KindOf(err))
	assert.Empty(t, f.store.secrets, "no metadata row without vault content")
}

func TestDeleteSecretKeepsRowOnVaultFailure(t *testing.T) {
	f := newFixture(t)
	f.addAdmin("admin")
	ctx := context.Background()

	sec, err := f.svc.CreateSecret(ctx, "admin", "k", "api", "", "content", "path")
	require.NoError(t, err)

	f.svc.vault = vaultclient.New(&config.VaultConfig{Address: "http://127.0.0.1:1", Token: "t", MountPath: "secret"})
	err = f.svc.DeleteSecret(ctx, "admin", sec.ID)
	require.Error(t, err)
	assert.Contains(t, f.store.secrets, sec.ID, "row kept when the vault delete fails")
}

func TestEnqueueOperations(t *testing.T) {
	f := newFixture(t)
	f.addAdmin("admin")
	f.addPendingHost("h1", "web01.example.com", "Ubuntu 22.04")
	ctx := context.Background()

	_, err := f.svc.EnqueueSoftwareUpdate(ctx, "admin", "h1", []string{"openssl"})
	require.NoError(t, err)
	require.Len(t, f.store.commandsOfType(t, "apply_software_update"), 1)

	_, err = f.svc.RequestUpdatesCheck(ctx, "admin", "h1")
	require.NoError(t, err)
	require.Len(t, f.store.commandsOfType(t, "check_updates"), 1)

	_, err = f.svc.RequestOSVersionUpdate(ctx, "admin", "h1")
	require.NoError(t, err)
	require.Len(t, f.store.commandsOfType(t, "update_os_version"), 1)

	_, err = f.svc.EnqueueFirewallDeploy(ctx, "admin", "h1", map[string]any{"default": "deny"})
	require.NoError(t, err)
	require.Len(t, f.store.commandsOfType(t, "deploy_firewall"), 1)

	// Every enqueue wakes the host's drainer.
	assert.GreaterOrEqual(t, len(f.notify.notified), 4)
}

func TestRegisterHost(t *testing.T) {
	f := newFixture(t)

	host, err := f.svc.RegisterHost(context.Background(), "new01.example.com", "10.0.0.9", "", "linux", "Debian 12", "{}")
	require.NoError(t, err)
	assert.Equal(t, dbstore.ApprovalPending, host.ApprovalStatus)

	_, err = f.svc.RegisterHost(context.Background(), "", "", "", "", "", "")
	assert.Equal(t, apierr.KindInvalidInput, apierr.KindOf(err))
}

func TestEnableIntegration(t *testing.T) {
	f := newFixture(t)
	f.addAdmin("admin")
	ctx := context.Background()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(healthy.Close)

	require.NoError(t, f.svc.EnableIntegration(ctx, "admin", IntegrationGrafana, healthy.URL, "vault-token-ref"))
	is, err := f.store.GetIntegrationSettings(ctx, IntegrationGrafana)
	require.NoError(t, err)
	assert.True(t, is.Enabled)
	assert.Equal(t, healthy.URL, is.URL)

	require.NoError(t, f.svc.DisableIntegration(ctx, "admin", IntegrationGrafana))
	is, err = f.store.GetIntegrationSettings(ctx, IntegrationGrafana)
	require.NoError(t, err)
	assert.False(t, is.Enabled)
}

func TestEnableIntegrationHealthFailure(t *testing.T) {
	f := newFixture(t)
	f.addAdmin("admin")

	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(sick.Close)

	err := f.svc.EnableIntegration(context.Background(), "admin", IntegrationGraylog, sick.URL, "")
	require.Error(t, err)
	assert.Equal(t, apierr.KindDependencyFailed, apierr.KindOf(err))
	assert.Empty(t, f.store.integrations, "nothing persisted on a failed health check")
}

func TestOSNameForHost(t *testing.T) {
	assert.Equal(t, "Ubuntu", osNameForHost(&dbstore.Host{PlatformRelease: "Ubuntu 22.04"}))
	assert.Equal(t, "FreeBSD", osNameForHost(&dbstore.Host{PlatformRelease: "FreeBSD"}))
	assert.Equal(t, "openbsd", osNameForHost(&dbstore.Host{Platform: "openbsd"}))
}

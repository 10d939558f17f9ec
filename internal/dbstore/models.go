package dbstore

import "time"

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

type HostStatus string

const (
	HostUp   HostStatus = "up"
	HostDown HostStatus = "down"
)

type ChildStatus string

const (
	ChildCreating     ChildStatus = "creating"
	ChildRunning      ChildStatus = "running"
	ChildStopped      ChildStatus = "stopped"
	ChildUninstalling ChildStatus = "uninstalling"
	ChildError        ChildStatus = "error"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

type QueueStatus string

const (
	QueuePending  QueueStatus = "pending"
	QueueInFlight QueueStatus = "in_flight"
	QueueDelivered QueueStatus = "delivered"
	QueueFailed   QueueStatus = "failed"
	QueueExpired  QueueStatus = "expired"
)

type AuditResult string

const (
	AuditSuccess AuditResult = "SUCCESS"
	AuditFailure AuditResult = "FAILURE"
	AuditPending AuditResult = "PENDING"
)

type User struct {
	UserID              string     `db:"user_id"`
	UserIdentifier      string     `db:"userid"`
	HashedPassword      string     `db:"hashed_password"`
	IsAdmin             bool       `db:"is_admin"`
	FailedLoginAttempts int        `db:"failed_login_attempts"`
	IsLocked            bool       `db:"is_locked"`
	LockedAt            *time.Time `db:"locked_at"`
	Active              bool       `db:"active"`
	CreatedAt           time.Time  `db:"created_at"`
}

type Host struct {
	HostID                   string     `db:"host_id"`
	FQDN                     string     `db:"fqdn"`
	IPv4                     string     `db:"ipv4"`
	IPv6                     string     `db:"ipv6"`
	Platform                 string     `db:"platform"`
	PlatformRelease          string     `db:"platform_release"`
	OSDetails                string     `db:"os_details"`
	ApprovalStatus           ApprovalStatus `db:"approval_status"`
	Active                   bool       `db:"active"`
	Status                   HostStatus `db:"status"`
	LastAccess               time.Time  `db:"last_access"`
	ClientCertificate        string     `db:"client_certificate"`
	CertificateSerial        string     `db:"certificate_serial"`
	CertificateIssuedAt      *time.Time `db:"certificate_issued_at"`
	HostToken                string     `db:"host_token"`
	IsAgentPrivileged        bool       `db:"is_agent_privileged"`
	RebootRequired           bool       `db:"reboot_required"`
	RebootRequiredReason     string     `db:"reboot_required_reason"`
	DiagnosticsRequestStatus string     `db:"diagnostics_request_status"`
	ParentHostID             *string    `db:"parent_host_id"`
	UpdatedAt                time.Time  `db:"updated_at"`
}

type HostChild struct {
	ID           string      `db:"id"`
	ParentHostID string      `db:"parent_host_id"`
	ChildName    string      `db:"child_name"`
	ChildType    string      `db:"child_type"`
	Status       ChildStatus `db:"status"`
	ChildHostID  *string     `db:"child_host_id"`
	Hostname     string      `db:"hostname"`
	WSLGUID      string      `db:"wsl_guid"`
	UpdatedAt    time.Time   `db:"updated_at"`
}

type Tag struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Description string `db:"description"`
}

type Secret struct {
	ID            string `db:"id"`
	Name          string `db:"name"`
	SecretType    string `db:"secret_type"`
	SecretSubtype string `db:"secret_subtype"`
	VaultToken    string `db:"vault_token"`
	VaultPath     string `db:"vault_path"`
}

type AuditLog struct {
	ID            string      `db:"id"`
	Timestamp     time.Time   `db:"timestamp"`
	UserID        *string     `db:"user_id"`
	Username      *string     `db:"username"`
	ActionType    string      `db:"action_type"`
	EntityType    string      `db:"entity_type"`
	EntityID      *string     `db:"entity_id"`
	EntityName    *string     `db:"entity_name"`
	Description   string      `db:"description"`
	Details       string      `db:"details"`
	Category      string      `db:"category"`
	IPAddress     *string     `db:"ip_address"`
	UserAgent     *string     `db:"user_agent"`
	Result        AuditResult `db:"result"`
	ErrorMessage  *string     `db:"error_message"`
	IntegrityHash string      `db:"integrity_hash"`
}

type QueueEntry struct {
	ID            string      `db:"id"`
	MessageType   string      `db:"message_type"`
	Payload       string      `db:"payload"`
	Direction     Direction   `db:"direction"`
	HostID        *string     `db:"host_id"`
	Priority      Priority    `db:"priority"`
	Status        QueueStatus `db:"status"`
	Attempts      int         `db:"attempts"`
	MaxAttempts   int         `db:"max_attempts"`
	NextAttemptAt time.Time   `db:"next_attempt_at"`
	ExpiresAt     *time.Time  `db:"expires_at"`
	CreatedAt     time.Time   `db:"created_at"`
	CorrelationID *string     `db:"correlation_id"`
	ErrorMessage  *string     `db:"error_message"`
}

type PasswordResetToken struct {
	ID        string     `db:"id"`
	UserID    string     `db:"user_id"`
	Token     string     `db:"token"`
	CreatedAt time.Time  `db:"created_at"`
	ExpiresAt time.Time  `db:"expires_at"`
	UsedAt    *time.Time `db:"used_at"`
}

type DefaultRepository struct {
	ID             string `db:"id"`
	OSName         string `db:"os_name"`
	PackageManager string `db:"package_manager"`
	RepositoryURL  string `db:"repository_url"`
	CreatedBy      string `db:"created_by"`
}

type AntivirusDefault struct {
	ID            string `db:"id"`
	OSName        string `db:"os_name"`
	PackageName   string `db:"package_name"`
}

type EnabledPackageManager struct {
	ID      string `db:"id"`
	OSName  string `db:"os_name"`
	Manager string `db:"manager"`
}

type DiagnosticReport struct {
	ID           string     `db:"id"`
	HostID       string     `db:"host_id"`
	CollectionID string     `db:"collection_id"`
	Status       string     `db:"status"`
	StartedAt    *time.Time `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
	Payloads     string     `db:"payloads"`
	Size         int64      `db:"size"`
	FileCount    int        `db:"file_count"`
	ErrorMessage *string    `db:"error_message"`
}

type FirewallStatus struct {
	HostID    string    `db:"host_id"`
	Snapshot  string    `db:"snapshot"`
	UpdatedAt time.Time `db:"updated_at"`
}

type IntegrationSettings struct {
	Name       string `db:"name"`
	URL        string `db:"url"`
	VaultToken string `db:"vault_token"`
	Enabled    bool   `db:"enabled"`
}

type IngestionLog struct {
	ID                   string    `db:"id"`
	Source               string    `db:"source"`
	Status               string    `db:"status"`
	VulnerabilitiesCount int       `db:"vulnerabilities_count"`
	PackagesCount        int       `db:"packages_count"`
	ErrorMessage         *string   `db:"error_message"`
	RanAt                time.Time `db:"ran_at"`
}

type CveSettings struct {
	Enabled             bool      `db:"enabled"`
	RefreshIntervalHours int      `db:"refresh_interval_hours"`
	LastRefreshAt       *time.Time `db:"last_refresh_at"`
	NextRefreshAt       *time.Time `db:"next_refresh_at"`
}

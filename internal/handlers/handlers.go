// Package handlers is the per-message-type handler set: one function
// per agent message type, each running its mutations, its audit entry
// and any follow-up enqueues inside a single transaction.
// internal/agenthub holds the dispatch table and connection loops; this
// package holds the per-type bodies, registered into the table at
// startup.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sysmanage/sysmanage-server/internal/agenthub"
	"github.com/sysmanage/sysmanage-server/internal/audit"
	"github.com/sysmanage/sysmanage-server/internal/dbstore"
	"github.com/sysmanage/sysmanage-server/internal/queue"
)

// Store is the persistence seam the handler bodies need. Transact runs
// fn with a transaction-bound Store: every mutation, the audit entry
// and any follow-up enqueue inside fn commit or roll back together, so
// a failed handler leaves no audit entry behind.
type Store interface {
	queue.Store

	Transact(ctx context.Context, fn func(tx Store) error) error
	InsertAuditLog(ctx context.Context, entry dbstore.AuditLog) error

	MarkHostUp(ctx context.Context, hostID string) error
	UpsertHostInventory(ctx context.Context, hostID, platform, platformRelease, osDetails, ipv4, ipv6 string) error
	ReconcileHostChildren(ctx context.Context, parentHostID string, seen []dbstore.HostChild) error
	GetHostChild(ctx context.Context, parentHostID, childName, childType string) (*dbstore.HostChild, error)
	UpdateHostChildStatus(ctx context.Context, id string, status dbstore.ChildStatus) error
	SetHostRebootRequired(ctx context.Context, hostID, reason string) error
	DeleteHostChildByGUID(ctx context.Context, parentHostID, childName, childType string) error
	CompleteDiagnosticReport(ctx context.Context, collectionID, status, payloads string, size int64, fileCount int, errMsg *string) error
	SetHostDiagnosticsRequestStatus(ctx context.Context, hostID, status string) error
	UpsertFirewallStatus(ctx context.Context, hostID, snapshot string) error
}

// txStore binds a *dbstore.Store to this package's Store seam; Transact
// hands the transaction-bound store back through the same interface.
type txStore struct {
	*dbstore.Store
}

// WrapStore adapts a *dbstore.Store for Deps.Store.
func WrapStore(s *dbstore.Store) Store { return txStore{s} }

func (t txStore) Transact(ctx context.Context, fn func(tx Store) error) error {
	return t.Store.Transact(ctx, func(tx *dbstore.Store) error {
		return fn(txStore{tx})
	})
}

// Deps carries the persistence seam every handler body transacts
// against; audit and queue services are constructed per transaction so
// their writes join it.
type Deps struct {
	Store Store
}

// Register installs every handler body into hub's dispatch table.
func Register(hub *agenthub.Hub, d *Deps) {
	hub.RegisterHandler("heartbeat", d.heartbeat)
	hub.RegisterHandler("system_info", d.systemInfo)
	hub.RegisterHandler("child_hosts_list_update", d.childHostsListUpdate)
	hub.RegisterHandler("child_host_created", d.childHostCreated)
	hub.RegisterHandler("child_host_delete_result", d.childHostDeleteResult)
	hub.RegisterHandler("child_host_start_result", d.childHostTransitionResult(dbstore.ChildRunning))
	hub.RegisterHandler("child_host_stop_result", d.childHostTransitionResult(dbstore.ChildStopped))
	hub.RegisterHandler("child_host_restart_result", d.childHostTransitionResult(dbstore.ChildRunning))
	hub.RegisterHandler("diagnostic_result", d.diagnosticResult)
	hub.RegisterHandler("firewall_status", d.firewallStatus)
	hub.RegisterHandler("virtualization_support_update", d.virtualizationCapability("virtualization_support_update"))
	hub.RegisterHandler("wsl_enable_result", d.virtualizationCapability("wsl_enable_result"))
	hub.RegisterHandler("lxd_initialize_result", d.virtualizationCapability("lxd_initialize_result"))
	hub.RegisterHandler("vmm_initialize_result", d.virtualizationCapability("vmm_initialize_result"))
	hub.RegisterHandler("command_result", d.commandResult)
	hub.RegisterHandler("script_execution_result", d.scriptExecutionResult)
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// heartbeat updates Host.last_access/status and acks.
func (d *Deps) heartbeat(ctx context.Context, conn *agenthub.Connection, msg agenthub.Message) (map[string]any, error) {
	err := d.Store.Transact(ctx, func(tx Store) error {
		if err := tx.MarkHostUp(ctx, conn.HostID); err != nil {
			return fmt.Errorf("handlers: heartbeat: %w", err)
		}
		if _, err := audit.New(tx).AgentMessage(ctx, conn.HostID, "heartbeat", audit.ResultSuccess, nil, nil); err != nil {
			return fmt.Errorf("handlers: heartbeat: audit: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"message_type": "heartbeat_ack",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}, nil
}

type systemInfoPayload struct {
	Platform        string `json:"platform"`
	PlatformRelease string `json:"platform_release"`
	OSDetails       any    `json:"os_details"`
	IPv4            string `json:"ipv4"`
	IPv6            string `json:"ipv6"`
}

// systemInfo upserts OS/network facts, idempotent by host_id.
func (d *Deps) systemInfo(ctx context.Context, conn *agenthub.Connection, msg agenthub.Message) (map[string]any, error) {
	var p systemInfoPayload
	if err := decode(msg.Data, &p); err != nil {
		return nil, fmt.Errorf("handlers: system_info: decode: %w", err)
	}
	osDetailsJSON, _ := json.Marshal(p.OSDetails)
	err := d.Store.Transact(ctx, func(tx Store) error {
		if err := tx.UpsertHostInventory(ctx, conn.HostID, p.Platform, p.PlatformRelease, string(osDetailsJSON), p.IPv4, p.IPv6); err != nil {
			return fmt.Errorf("handlers: system_info: %w", err)
		}
		if _, err := audit.New(tx).AgentMessage(ctx, conn.HostID, "system_info", audit.ResultSuccess, map[string]any{"platform": p.Platform}, nil); err != nil {
			return fmt.Errorf("handlers: system_info: audit: %w", err)
		}
		return nil
	})
	return nil, err
}

type childEntry struct {
	ChildName string `json:"child_name"`
	ChildType string `json:"child_type"`
	Status    string `json:"status"`
	Hostname  string `json:"hostname"`
	WSLGUID   string `json:"wsl_guid"`
}

type childHostsListUpdatePayload struct {
	Children []childEntry `json:"children"`
}

// childHostsListUpdate reconciles the reported children against the
// server's HostChild rows, applying the creating/uninstalling grace
// rules.
func (d *Deps) childHostsListUpdate(ctx context.Context, conn *agenthub.Connection, msg agenthub.Message) (map[string]any, error) {
	var p childHostsListUpdatePayload
	if err := decode(msg.Data, &p); err != nil {
		return nil, fmt.Errorf("handlers: child_hosts_list_update: decode: %w", err)
	}
	seen := make([]dbstore.HostChild, 0, len(p.Children))
	for _, c := range p.Children {
		seen = append(seen, dbstore.HostChild{
			ParentHostID: conn.HostID,
			ChildName:    c.ChildName,
			ChildType:    c.ChildType,
			Status:       dbstore.ChildStatus(c.Status),
			Hostname:     c.Hostname,
			WSLGUID:      c.WSLGUID,
		})
	}
	err := d.Store.Transact(ctx, func(tx Store) error {
		if err := tx.ReconcileHostChildren(ctx, conn.HostID, seen); err != nil {
			return fmt.Errorf("handlers: child_hosts_list_update: %w", err)
		}
		if _, err := audit.New(tx).AgentMessage(ctx, conn.HostID, "child_hosts_list_update", audit.ResultSuccess, map[string]any{"count": len(seen)}, nil); err != nil {
			return fmt.Errorf("handlers: child_hosts_list_update: audit: %w", err)
		}
		return nil
	})
	return nil, err
}

type childHostCreatedPayload struct {
	ChildName      string `json:"child_name"`
	ChildType      string `json:"child_type"`
	Success        bool   `json:"success"`
	RebootRequired bool   `json:"reboot_required"`
	ErrorMessage   string `json:"error_message"`
}

// childHostCreated marks a placeholder "creating" row as running or
// error, surfacing reboot_required on the parent host if the agent
// reported it.
func (d *Deps) childHostCreated(ctx context.Context, conn *agenthub.Connection, msg agenthub.Message) (map[string]any, error) {
	var p childHostCreatedPayload
	if err := decode(msg.Data, &p); err != nil {
		return nil, fmt.Errorf("handlers: child_host_created: decode: %w", err)
	}
	err := d.Store.Transact(ctx, func(tx Store) error {
		child, err := tx.GetHostChild(ctx, conn.HostID, p.ChildName, p.ChildType)
		if err != nil {
			return fmt.Errorf("handlers: child_host_created: %w", err)
		}
		status := dbstore.ChildRunning
		if !p.Success {
			status = dbstore.ChildError
		}
		if err := tx.UpdateHostChildStatus(ctx, child.ID, status); err != nil {
			return fmt.Errorf("handlers: child_host_created: update status: %w", err)
		}
		if !p.Success && p.RebootRequired {
			if err := tx.SetHostRebootRequired(ctx, conn.HostID, fmt.Sprintf("child %s creation failed: %s", p.ChildName, p.ErrorMessage)); err != nil {
				return fmt.Errorf("handlers: child_host_created: reboot flag: %w", err)
			}
		}
		result := audit.ResultSuccess
		var errMsg *string
		if !p.Success {
			result = audit.ResultFailure
			errMsg = &p.ErrorMessage
		}
		if _, err := audit.New(tx).AgentMessage(ctx, conn.HostID, "child_host_created", result, map[string]any{"child_name": p.ChildName}, errMsg); err != nil {
			return fmt.Errorf("handlers: child_host_created: audit: %w", err)
		}
		return nil
	})
	return nil, err
}

type childHostDeleteResultPayload struct {
	ChildName    string `json:"child_name"`
	ChildType    string `json:"child_type"`
	Success      bool   `json:"success"`
	ExpectedGUID string `json:"expected_guid"`
	CurrentGUID  string `json:"current_guid"`
}

// childHostDeleteResult removes the child row on success. A
// guid-mismatch "stale delete" refusal is reconciled silently (the row
// is removed anyway), never surfaced as an error to the operator.
func (d *Deps) childHostDeleteResult(ctx context.Context, conn *agenthub.Connection, msg agenthub.Message) (map[string]any, error) {
	var p childHostDeleteResultPayload
	if err := decode(msg.Data, &p); err != nil {
		return nil, fmt.Errorf("handlers: child_host_delete_result: decode: %w", err)
	}

	staleDelete := !p.Success && p.ExpectedGUID != "" && p.ExpectedGUID != p.CurrentGUID
	err := d.Store.Transact(ctx, func(tx Store) error {
		if p.Success || staleDelete {
			if err := tx.DeleteHostChildByGUID(ctx, conn.HostID, p.ChildName, p.ChildType); err != nil {
				return fmt.Errorf("handlers: child_host_delete_result: %w", err)
			}
			desc := map[string]any{"child_name": p.ChildName, "stale_delete_reconciled": staleDelete}
			if _, err := audit.New(tx).AgentMessage(ctx, conn.HostID, "child_host_delete_result", audit.ResultSuccess, desc, nil); err != nil {
				return fmt.Errorf("handlers: child_host_delete_result: audit: %w", err)
			}
			return nil
		}
		if _, err := audit.New(tx).AgentMessage(ctx, conn.HostID, "child_host_delete_result", audit.ResultFailure, map[string]any{"child_name": p.ChildName}, nil); err != nil {
			return fmt.Errorf("handlers: child_host_delete_result: audit: %w", err)
		}
		return nil
	})
	return nil, err
}

type childHostTransitionPayload struct {
	ChildName    string `json:"child_name"`
	ChildType    string `json:"child_type"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message"`
}

// childHostTransitionResult builds the shared body for the
// {start,stop,restart}_result handlers: transition on success, leave
// the prior status on failure.
func (d *Deps) childHostTransitionResult(onSuccess dbstore.ChildStatus) agenthub.HandlerFunc {
	return func(ctx context.Context, conn *agenthub.Connection, msg agenthub.Message) (map[string]any, error) {
		var p childHostTransitionPayload
		if err := decode(msg.Data, &p); err != nil {
			return nil, fmt.Errorf("handlers: child host transition: decode: %w", err)
		}
		err := d.Store.Transact(ctx, func(tx Store) error {
			result := audit.ResultSuccess
			var errMsg *string
			if p.Success {
				child, err := tx.GetHostChild(ctx, conn.HostID, p.ChildName, p.ChildType)
				if err != nil {
					return fmt.Errorf("handlers: child host transition: %w", err)
				}
				if err := tx.UpdateHostChildStatus(ctx, child.ID, onSuccess); err != nil {
					return fmt.Errorf("handlers: child host transition: update: %w", err)
				}
			} else {
				result = audit.ResultFailure
				errMsg = &p.ErrorMessage
			}
			if _, err := audit.New(tx).AgentMessage(ctx, conn.HostID, msg.MessageType, result, map[string]any{"child_name": p.ChildName}, errMsg); err != nil {
				return fmt.Errorf("handlers: child host transition: audit: %w", err)
			}
			return nil
		})
		return nil, err
	}
}

type diagnosticResultPayload struct {
	CollectionID string         `json:"collection_id"`
	Success      bool           `json:"success"`
	Payloads     map[string]any `json:"payloads"`
	Size         int64          `json:"size"`
	FileCount    int            `json:"file_count"`
	ErrorMessage string         `json:"error_message"`
}

// diagnosticResult correlates by collection_id and transitions the
// DiagnosticReport to completed or failed.
func (d *Deps) diagnosticResult(ctx context.Context, conn *agenthub.Connection, msg agenthub.Message) (map[string]any, error) {
	var p diagnosticResultPayload
	if err := decode(msg.Data, &p); err != nil {
		return nil, fmt.Errorf("handlers: diagnostic_result: decode: %w", err)
	}
	status := "completed"
	var errMsg *string
	if !p.Success {
		status = "failed"
		errMsg = &p.ErrorMessage
	}
	payloadsJSON, _ := json.Marshal(p.Payloads)
	err := d.Store.Transact(ctx, func(tx Store) error {
		if err := tx.CompleteDiagnosticReport(ctx, p.CollectionID, status, string(payloadsJSON), p.Size, p.FileCount, errMsg); err != nil {
			return fmt.Errorf("handlers: diagnostic_result: %w", err)
		}
		if err := tx.SetHostDiagnosticsRequestStatus(ctx, conn.HostID, status); err != nil {
			return fmt.Errorf("handlers: diagnostic_result: host status: %w", err)
		}
		result := audit.ResultSuccess
		if !p.Success {
			result = audit.ResultFailure
		}
		if _, err := audit.New(tx).AgentMessage(ctx, conn.HostID, "diagnostic_result", result, map[string]any{"collection_id": p.CollectionID}, errMsg); err != nil {
			return fmt.Errorf("handlers: diagnostic_result: audit: %w", err)
		}
		return nil
	})
	return nil, err
}

// firewallStatus upserts the last-observed per-host snapshot.
func (d *Deps) firewallStatus(ctx context.Context, conn *agenthub.Connection, msg agenthub.Message) (map[string]any, error) {
	err := d.Store.Transact(ctx, func(tx Store) error {
		if err := tx.UpsertFirewallStatus(ctx, conn.HostID, string(msg.Data)); err != nil {
			return fmt.Errorf("handlers: firewall_status: %w", err)
		}
		if _, err := audit.New(tx).AgentMessage(ctx, conn.HostID, "firewall_status", audit.ResultSuccess, nil, nil); err != nil {
			return fmt.Errorf("handlers: firewall_status: audit: %w", err)
		}
		return nil
	})
	return nil, err
}

// virtualizationCapability handles the virtualization-capability-probe
// result messages, which all share the same contract: record the
// capability and queue a check_virtualization_support follow-up.
func (d *Deps) virtualizationCapability(messageType string) agenthub.HandlerFunc {
	return func(ctx context.Context, conn *agenthub.Connection, msg agenthub.Message) (map[string]any, error) {
		var details map[string]any
		_ = decode(msg.Data, &details)

		err := d.Store.Transact(ctx, func(tx Store) error {
			if _, err := audit.New(tx).AgentMessage(ctx, conn.HostID, messageType, audit.ResultSuccess, details, nil); err != nil {
				return fmt.Errorf("handlers: %s: audit: %w", messageType, err)
			}
			if _, err := queue.New(tx).EnqueueCommand(ctx, conn.HostID, "check_virtualization_support", nil, queue.PriorityNormal, nil); err != nil {
				return fmt.Errorf("handlers: %s: follow-up enqueue: %w", messageType, err)
			}
			return nil
		})
		return nil, err
	}
}

type scriptExecutionResultPayload struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// scriptExecutionResult records a script run reported by the agent. The
// envelope carries execution_id instead of message_id (the one integrity
// exception), so the correlation key is the execution id itself.
func (d *Deps) scriptExecutionResult(ctx context.Context, conn *agenthub.Connection, msg agenthub.Message) (map[string]any, error) {
	var p scriptExecutionResultPayload
	if err := decode(msg.Data, &p); err != nil {
		return nil, fmt.Errorf("handlers: script_execution_result: decode: %w", err)
	}

	err := d.Store.Transact(ctx, func(tx Store) error {
		q := queue.New(tx)
		entry, err := q.FindByCorrelationID(ctx, msg.ExecutionID)
		if err != nil {
			return fmt.Errorf("handlers: script_execution_result: %w", err)
		}
		if entry != nil {
			if p.Success {
				if err := q.AckDelivered(ctx, entry.ID); err != nil {
					return fmt.Errorf("handlers: script_execution_result: ack: %w", err)
				}
			} else {
				agentErr := &queue.AgentError{Message: fmt.Sprintf("script exited %d: %s", p.ExitCode, p.Stderr), Retryable: false}
				if err := q.AckFailed(ctx, entry.ID, agentErr); err != nil {
					return fmt.Errorf("handlers: script_execution_result: ack_failed: %w", err)
				}
			}
		}

		result := audit.ResultSuccess
		var errMsg *string
		if !p.Success {
			result = audit.ResultFailure
			detail := fmt.Sprintf("exit code %d", p.ExitCode)
			errMsg = &detail
		}
		if _, err := audit.New(tx).AgentMessage(ctx, conn.HostID, "script_execution_result", result, map[string]any{"execution_id": msg.ExecutionID}, errMsg); err != nil {
			return fmt.Errorf("handlers: script_execution_result: audit: %w", err)
		}
		return nil
	})
	return nil, err
}

type commandResultPayload struct {
	CorrelationID string         `json:"correlation_id"`
	Success       bool           `json:"success"`
	Retryable     bool           `json:"retryable"`
	ErrorMessage  string         `json:"error_message"`
	Details       map[string]any `json:"details"`
}

// commandResult is the generic correlator: it looks up the originating
// QueueEntry by correlation_id and transitions it to delivered, or to
// failed/retrying per the retry classification.
func (d *Deps) commandResult(ctx context.Context, conn *agenthub.Connection, msg agenthub.Message) (map[string]any, error) {
	var p commandResultPayload
	if err := decode(msg.Data, &p); err != nil {
		return nil, fmt.Errorf("handlers: command_result: decode: %w", err)
	}
	if p.CorrelationID == "" {
		p.CorrelationID = msg.MessageID
	}

	err := d.Store.Transact(ctx, func(tx Store) error {
		q := queue.New(tx)
		a := audit.New(tx)

		entry, err := q.FindByCorrelationID(ctx, p.CorrelationID)
		if err != nil {
			return fmt.Errorf("handlers: command_result: %w", err)
		}
		if entry == nil {
			// No matching queue entry (e.g. already reconciled, or the
			// agent retried its own result): nothing to correlate against,
			// but re-delivery is not itself an error.
			if _, err := a.AgentMessage(ctx, conn.HostID, "command_result", audit.ResultSuccess, map[string]any{"correlation_id": p.CorrelationID, "matched": false}, nil); err != nil {
				return fmt.Errorf("handlers: command_result: audit: %w", err)
			}
			return nil
		}

		if p.Success {
			if err := q.AckDelivered(ctx, entry.ID); err != nil {
				return fmt.Errorf("handlers: command_result: ack_delivered: %w", err)
			}
		} else {
			agentErr := &queue.AgentError{Message: p.ErrorMessage, Retryable: p.Retryable}
			if err := q.AckFailed(ctx, entry.ID, agentErr); err != nil {
				return fmt.Errorf("handlers: command_result: ack_failed: %w", err)
			}
		}

		result := audit.ResultSuccess
		var errMsg *string
		if !p.Success {
			result = audit.ResultFailure
			errMsg = &p.ErrorMessage
		}
		if _, err := a.AgentMessage(ctx, conn.HostID, "command_result", result, map[string]any{"correlation_id": p.CorrelationID}, errMsg); err != nil {
			return fmt.Errorf("handlers: command_result: audit: %w", err)
		}
		return nil
	})
	return nil, err
}

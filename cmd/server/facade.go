package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/sysmanage/sysmanage-server/internal/apierr"
	"github.com/sysmanage/sysmanage-server/internal/loginsec"
	"github.com/sysmanage/sysmanage-server/internal/service"
	"github.com/sysmanage/sysmanage-server/internal/wssecurity"
)

// registerFacadeRoutes installs the thin agent-facing adapters over the
// core services: host self-registration (the registration_endpoint the
// discovery beacon advertises), connection-token issuance, and operator
// login. The full operator REST surface lives in a separate façade.
func registerFacadeRoutes(router *mux.Router, svc *service.Service, loginSvc *loginsec.Service, tokens *wssecurity.TokenIssuer) {
	router.HandleFunc("/api/host/register", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			FQDN            string          `json:"fqdn"`
			IPv4            string          `json:"ipv4"`
			IPv6            string          `json:"ipv6"`
			Platform        string          `json:"platform"`
			PlatformRelease string          `json:"platform_release"`
			OSDetails       json.RawMessage `json:"os_details"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apierr.InvalidInput("malformed registration request"))
			return
		}
		host, err := svc.RegisterHost(r.Context(), req.FQDN, req.IPv4, req.IPv6, req.Platform, req.PlatformRelease, string(req.OSDetails))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"host_id":         host.HostID,
			"approval_status": host.ApprovalStatus,
		})
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/agent/auth", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Hostname string `json:"hostname"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apierr.InvalidInput("malformed auth request"))
			return
		}
		token, err := tokens.GenerateConnectionToken(uuid.NewString(), req.Hostname, r.RemoteAddr)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"connection_token": token})
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID   string `json:"userid"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apierr.InvalidInput("malformed login request"))
			return
		}
		token, err := loginSvc.Login(r.Context(), req.UserID, req.Password, r.RemoteAddr, r.UserAgent())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session_token": token})
	}).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("facade: write response failed", "error", err)
	}
}

// writeError maps the closed error-kind taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apierr.KindOf(err) {
	case apierr.KindInvalidInput:
		status = http.StatusBadRequest
	case apierr.KindUnauthenticated:
		status = http.StatusUnauthorized
	case apierr.KindPermissionDenied:
		status = http.StatusForbidden
	case apierr.KindNotFound:
		status = http.StatusNotFound
	case apierr.KindConflict:
		status = http.StatusConflict
	case apierr.KindRateLimited:
		status = http.StatusTooManyRequests
	case apierr.KindDependencyFailed:
		status = http.StatusBadGateway
	}
	msg := "internal error"
	if status != http.StatusInternalServerError {
		msg = err.Error()
	} else {
		slog.Error("facade: internal error", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

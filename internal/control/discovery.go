package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/sysmanage/sysmanage-server/internal/config"
)

// discoveryRequest is the datagram agents send to find a server.
type discoveryRequest struct {
	Service       string `json:"service"`
	Hostname      string `json:"hostname"`
	RequestConfig bool   `json:"request_config"`
}

type serverInfo struct {
	Hostname             string `json:"hostname"`
	APIPort              string `json:"api_port"`
	WebUIPort            string `json:"webui_port"`
	UseSSL               bool   `json:"use_ssl"`
	WebSocketEndpoint    string `json:"websocket_endpoint"`
	RegistrationEndpoint string `json:"registration_endpoint"`
}

type networkInfo struct {
	DiscoveryPort       int      `json:"discovery_port"`
	SupportedProtocols  []string `json:"supported_protocols"`
}

type discoveryResponse struct {
	Service       string          `json:"service"`
	Version       string          `json:"version"`
	Timestamp     string          `json:"timestamp"`
	ServerInfo    serverInfo      `json:"server_info"`
	DefaultConfig *agentConfig    `json:"default_config,omitempty"`
	NetworkInfo   networkInfo     `json:"network_info"`
}

type agentConfig struct {
	Server    agentServerConfig    `json:"server"`
	Client    agentClientConfig    `json:"client"`
	Logging   agentLoggingConfig   `json:"logging"`
	WebSocket agentWebSocketConfig `json:"websocket"`
	I18n      agentI18nConfig      `json:"i18n"`
}

type agentServerConfig struct {
	Hostname string `json:"hostname"`
	Port     string `json:"port"`
	UseHTTPS bool   `json:"use_https"`
	APIPath  string `json:"api_path"`
}

type agentClientConfig struct {
	HostnameOverride       *string `json:"hostname_override"`
	RegistrationRetrySec   int     `json:"registration_retry_interval"`
	MaxRegistrationRetries int     `json:"max_registration_retries"`
}

type agentLoggingConfig struct {
	Level  string `json:"level"`
	File   string `json:"file"`
	Format string `json:"format"`
}

type agentWebSocketConfig struct {
	AutoReconnect      bool `json:"auto_reconnect"`
	ReconnectIntervalS int  `json:"reconnect_interval"`
	PingIntervalS      int  `json:"ping_interval"`
}

type agentI18nConfig struct {
	Language string `json:"language"`
}

// announcement is the best-effort broadcast payload sent once at
// startup so listening agents learn the server's coordinates without
// asking.
type announcement struct {
	Service          string     `json:"service"`
	AnnouncementType string     `json:"announcement_type"`
	Timestamp        string     `json:"timestamp"`
	ServerInfo       serverInfo `json:"server_info"`
}

// DiscoveryBeacon is the UDP discovery server. It binds to a single
// address (loopback by default) and answers well-formed agent
// discovery requests; malformed or wrong-service requests are dropped
// silently.
type DiscoveryBeacon struct {
	bindAddress        string
	port               int
	cfg                *config.Config
	broadcastOnStartup bool

	conn   *net.UDPConn
	stopCh chan struct{}
}

func NewDiscoveryBeacon(cfg *config.Config) *DiscoveryBeacon {
	return &DiscoveryBeacon{
		bindAddress:        cfg.Discovery.BindAddress,
		port:               cfg.Discovery.Port,
		cfg:                cfg,
		broadcastOnStartup: cfg.Discovery.BroadcastOut,
		stopCh:             make(chan struct{}),
	}
}

// Start binds the UDP socket and begins serving discovery requests in a
// background goroutine.
func (b *DiscoveryBeacon) Start(_ context.Context) error {
	addr := &net.UDPAddr{IP: net.ParseIP(b.bindAddress), Port: b.port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("control: discovery beacon listen: %w", err)
	}
	b.conn = conn
	slog.Info("control: discovery beacon started", "address", b.bindAddress, "port", b.port)

	go b.serve()
	return nil
}

func (b *DiscoveryBeacon) Stop() {
	close(b.stopCh)
	if b.conn != nil {
		b.conn.Close()
	}
}

func (b *DiscoveryBeacon) serve() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		b.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-b.stopCh:
				return
			default:
				slog.Warn("control: discovery beacon read error", "error", err)
				continue
			}
		}

		var req discoveryRequest
		if err := json.Unmarshal(buf[:n], &req); err != nil {
			slog.Debug("control: discovery beacon dropped invalid json", "peer", addr.IP.String())
			continue
		}
		if !b.validate(req) {
			slog.Debug("control: discovery beacon dropped invalid request", "peer", addr.IP.String())
			continue
		}

		resp := b.buildResponse(req)
		payload, err := json.Marshal(resp)
		if err != nil {
			slog.Error("control: discovery beacon marshal response failed", "error", err)
			continue
		}
		if _, err := b.conn.WriteToUDP(payload, addr); err != nil {
			slog.Warn("control: discovery beacon write failed", "peer", addr.IP.String(), "error", err)
			continue
		}
		slog.Info("control: discovery response sent", "peer", addr.IP.String(), "hostname", req.Hostname)
	}
}

// validate requires the service field to be "sysmanage-agent" and a
// hostname of 1-255 bytes.
func (b *DiscoveryBeacon) validate(req discoveryRequest) bool {
	if req.Service != "sysmanage-agent" {
		return false
	}
	if len(req.Hostname) < 1 || len(req.Hostname) > 255 {
		return false
	}
	return true
}

func (b *DiscoveryBeacon) buildResponse(req discoveryRequest) discoveryResponse {
	info := b.serverInfo()
	resp := discoveryResponse{
		Service:    "sysmanage-server",
		Version:    "1.0.0",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		ServerInfo: info,
		NetworkInfo: networkInfo{
			DiscoveryPort:      b.port,
			SupportedProtocols: []string{"websocket", "https", "http"},
		},
	}
	if req.RequestConfig {
		ac := b.defaultAgentConfig(req.Hostname, info)
		resp.DefaultConfig = &ac
	}
	return resp
}

func (b *DiscoveryBeacon) serverInfo() serverInfo {
	hostname := b.cfg.API.Interface
	if hostname == "" {
		hostname = "localhost"
	}
	return serverInfo{
		Hostname:             hostname,
		APIPort:              b.cfg.API.Port,
		WebUIPort:            b.cfg.WebUI.Port,
		UseSSL:               b.cfg.WebUI.UseSSL,
		WebSocketEndpoint:    "/api/agent/connect",
		RegistrationEndpoint: "/api/host/register",
	}
}

func (b *DiscoveryBeacon) defaultAgentConfig(hostname string, info serverInfo) agentConfig {
	return agentConfig{
		Server: agentServerConfig{
			Hostname: info.Hostname,
			Port:     info.APIPort,
			UseHTTPS: info.UseSSL,
			APIPath:  "/api",
		},
		Client: agentClientConfig{
			RegistrationRetrySec:   30,
			MaxRegistrationRetries: 10,
		},
		Logging: agentLoggingConfig{
			Level:  "INFO",
			File:   fmt.Sprintf("/var/log/sysmanage-agent-%s.log", hostname),
			Format: "%(asctime)s - %(name)s - %(levelname)s - %(message)s",
		},
		WebSocket: agentWebSocketConfig{
			AutoReconnect:      true,
			ReconnectIntervalS: 5,
			PingIntervalS:      30,
		},
		I18n: agentI18nConfig{Language: "en"},
	}
}

// BroadcastAnnounce sends a best-effort UDP broadcast of the server's
// coordinates on startup. Failures are logged and never fatal.
func (b *DiscoveryBeacon) BroadcastAnnounce(_ context.Context) {
	const broadcastPort = 31338
	subnets := []string{"255.255.255.255"}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		slog.Warn("control: discovery broadcast socket failed", "error", err)
		return
	}
	defer conn.Close()

	ann := announcement{
		Service:          "sysmanage-server",
		AnnouncementType: "server_broadcast",
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		ServerInfo:       b.serverInfo(),
	}
	payload, err := json.Marshal(ann)
	if err != nil {
		slog.Warn("control: discovery broadcast marshal failed", "error", err)
		return
	}

	for _, subnet := range subnets {
		addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", subnet, broadcastPort))
		if err != nil {
			slog.Warn("control: discovery broadcast resolve failed", "subnet", subnet, "error", err)
			continue
		}
		if _, err := conn.WriteTo(payload, addr); err != nil {
			slog.Warn("control: discovery broadcast send failed", "subnet", subnet, "error", err)
			continue
		}
		slog.Info("control: discovery broadcast sent", "subnet", subnet)
	}
}

package emulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/akup/multicanister/internal/core/domain"
	"github.com/akup/multicanister/internal/core/mgmt"
)

// DefaultGatewayDomains are always served by the HTTP gateway.
var DefaultGatewayDomains = []string{"0.0.0.0", "127.0.0.1", "localhost"}

// AdminClient talks to the emulator's REST admin API.
type AdminClient struct {
	baseURL           string
	httpClient        *http.Client
	ingressClient     *http.Client // unbounded, calls are bounded by ctx
	processingTimeout time.Duration
	pollInterval      time.Duration
	logger            *slog.Logger
}

// AdminConfig holds admin client configuration.
type AdminConfig struct {
	BaseURL string // e.g. "http://127.0.0.1:4943"
	Timeout time.Duration

	// ProcessingTimeout is how long the emulator may work on one ingress
	// message before answering that it is still running.
	ProcessingTimeout time.Duration
}

// NewAdminClient creates a new admin client.
func NewAdminClient(cfg AdminConfig, logger *slog.Logger) *AdminClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	processing := cfg.ProcessingTimeout
	if processing == 0 {
		processing = DefaultProcessingTimeout
	}
	return &AdminClient{
		baseURL:           strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:        &http.Client{Timeout: timeout},
		ingressClient:     &http.Client{},
		processingTimeout: processing,
		pollInterval:      defaultPollInterval,
		logger:            logger.With("component", "emulator_admin"),
	}
}

// =============================================================================
// Admin Types
// =============================================================================

// SubnetSpec describes one subnet of a new instance.
type SubnetSpec struct {
	StateConfig    string `json:"state_config"`
	InstanceConfig string `json:"instance_config"`
}

// SubnetConfigSet lists the subnets of a new instance.
type SubnetConfigSet struct {
	NNS         *SubnetSpec  `json:"nns,omitempty"`
	Application []SubnetSpec `json:"application"`
}

// CreateInstanceRequest is the body of POST /instances.
type CreateInstanceRequest struct {
	SubnetConfigSet SubnetConfigSet `json:"subnet_config_set"`
	StateDir        string          `json:"state_dir,omitempty"`
}

// createdOrError is the admin API's tagged union reply.
type createdOrError[T any] struct {
	Created *T `json:"Created,omitempty"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"Error,omitempty"`
}

type instanceCreated struct {
	InstanceID int `json:"instance_id"`
}

// GatewayForward selects the instance a gateway forwards to.
type GatewayForward struct {
	PocketIcInstance int `json:"PocketIcInstance"`
}

// GatewayRequest is the body of POST /http_gateway.
type GatewayRequest struct {
	IPAddr    string         `json:"ip_addr"`
	Port      int            `json:"port"`
	ForwardTo GatewayForward `json:"forward_to"`
	Domains   []string       `json:"domains"`
}

type gatewayCreated struct {
	InstanceID int `json:"instance_id"`
	Port       int `json:"port"`
}

type rawTime struct {
	NanosSinceEpoch int64 `json:"nanos_since_epoch"`
}

// =============================================================================
// Admin Operations
// =============================================================================

// CreateInstance creates an instance with an NNS and one application subnet.
func (c *AdminClient) CreateInstance(ctx context.Context, stateDir string) (int, error) {
	body := CreateInstanceRequest{
		SubnetConfigSet: SubnetConfigSet{
			NNS:         &SubnetSpec{StateConfig: "New", InstanceConfig: "Application"},
			Application: []SubnetSpec{{StateConfig: "New", InstanceConfig: "Application"}},
		},
		StateDir: stateDir,
	}

	var reply createdOrError[instanceCreated]
	if err := c.do(ctx, "create_instance", http.MethodPost, "/instances", body, &reply); err != nil {
		return 0, err
	}
	if reply.Error != nil {
		return 0, NewEmulatorError("create_instance", reply.Error.Message, ErrAdminRejected)
	}
	if reply.Created == nil {
		return 0, NewEmulatorError("create_instance", "empty reply", ErrAdminRejected)
	}

	c.logger.Info("instance created", "instance_id", reply.Created.InstanceID, "state_dir", stateDir)
	return reply.Created.InstanceID, nil
}

// AutoProgress makes the instance advance time and execute rounds on its own.
func (c *AdminClient) AutoProgress(ctx context.Context, instanceID int) error {
	path := fmt.Sprintf("/instances/%d/auto_progress", instanceID)
	return c.do(ctx, "auto_progress", http.MethodPost, path, struct{}{}, nil)
}

// StartGateway starts an HTTP gateway forwarding to the instance and returns
// the port it listens on.
func (c *AdminClient) StartGateway(ctx context.Context, instanceID, port int, extraDomains []string) (int, error) {
	domains := append([]string(nil), DefaultGatewayDomains...)
	for _, d := range extraDomains {
		if d = strings.TrimSpace(d); d != "" {
			domains = append(domains, d)
		}
	}

	body := GatewayRequest{
		IPAddr:    "0.0.0.0",
		Port:      port,
		ForwardTo: GatewayForward{PocketIcInstance: instanceID},
		Domains:   domains,
	}

	var reply createdOrError[gatewayCreated]
	if err := c.do(ctx, "start_gateway", http.MethodPost, "/http_gateway", body, &reply); err != nil {
		return 0, err
	}
	if reply.Error != nil {
		return 0, NewEmulatorError("start_gateway", reply.Error.Message, ErrAdminRejected)
	}
	if reply.Created == nil {
		return 0, NewEmulatorError("start_gateway", "empty reply", ErrAdminRejected)
	}

	c.logger.Info("http gateway started", "port", reply.Created.Port, "domains", domains)
	return reply.Created.Port, nil
}

// GetTime reads the instance's current time.
func (c *AdminClient) GetTime(ctx context.Context, instanceID int) (time.Time, error) {
	var t rawTime
	path := fmt.Sprintf("/instances/%d/read/get_time", instanceID)
	if err := c.do(ctx, "get_time", http.MethodGet, path, nil, &t); err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, t.NanosSinceEpoch).UTC(), nil
}

func (c *AdminClient) do(ctx context.Context, op, method, path string, in, out any) error {
	req, err := c.newRequest(ctx, op, method, path, in)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NewEmulatorError(op, "failed to send request", fmt.Errorf("%w: %v", domain.ErrTransport, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return NewEmulatorError(op,
			fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))), ErrAdminRejected)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewEmulatorError(op, "failed to decode response", err)
	}
	return nil
}

// newRequest builds a request with in, if any, as its JSON body.
func (c *AdminClient) newRequest(ctx context.Context, op, method, path string, in any) (*http.Request, error) {
	var reader io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return nil, NewEmulatorError(op, "failed to encode request", err)
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, NewEmulatorError(op, "failed to create request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// =============================================================================
// Bootstrap
// =============================================================================

// BootstrapConfig configures the instance and gateway created after readiness.
type BootstrapConfig struct {
	StateDir       string
	GatewayPort    int
	GatewayDomains []string
}

// Instance is a running emulator instance reachable through its gateway.
type Instance struct {
	ID          int
	GatewayPort int
	admin       *AdminClient
}

// GatewayURL returns the local URL of the instance's HTTP gateway.
func (i *Instance) GatewayURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", i.GatewayPort)
}

// Ping reads the instance time, keeping the instance alive.
func (i *Instance) Ping(ctx context.Context) error {
	_, err := i.admin.GetTime(ctx, i.ID)
	return err
}

// Execute submits an ingress message to the instance and waits for its
// result.
func (i *Instance) Execute(ctx context.Context, call mgmt.Call) ([]byte, error) {
	return i.admin.ExecuteIngress(ctx, i.ID, call)
}

// Bootstrap creates the instance, enables auto progress and starts the
// HTTP gateway.
func (c *AdminClient) Bootstrap(ctx context.Context, cfg BootstrapConfig) (*Instance, error) {
	id, err := c.CreateInstance(ctx, cfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := c.AutoProgress(ctx, id); err != nil {
		return nil, err
	}
	port, err := c.StartGateway(ctx, id, cfg.GatewayPort, cfg.GatewayDomains)
	if err != nil {
		return nil, err
	}
	return &Instance{ID: id, GatewayPort: port, admin: c}, nil
}

package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/dcfleet/cnapi/pkg/types"
)

// DefaultAgentPort is where a compute node's agent listens when its
// sysinfo does not say otherwise
const DefaultAgentPort = 5309

// sysinfo keys the agent endpoint is derived from
const (
	sysinfoAdminIP   = "Admin IP"
	sysinfoAgentPort = "CN Agent Port"
)

// AgentClient speaks the compute node agent's task protocol
type AgentClient struct {
	client *http.Client
	scheme string
	port   int
}

// NewAgentClient creates an agent client. The timeout bounds the whole
// task round trip; agent tasks run for minutes, so it is hour-scale.
func NewAgentClient(scheme string, port int, timeout time.Duration) *AgentClient {
	if scheme == "" {
		scheme = "http"
	}
	if port <= 0 {
		port = DefaultAgentPort
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	return &AgentClient{
		client: client,
		scheme: scheme,
		port:   port,
	}
}

// Endpoint derives the agent base URL from the server's sysinfo: the
// admin network IP plus the advertised agent port
func (c *AgentClient) Endpoint(srv *types.Server) (string, error) {
	ip, _ := srv.Sysinfo[sysinfoAdminIP].(string)
	if ip == "" {
		return "", fmt.Errorf("server %s has no admin IP in sysinfo", srv.UUID)
	}

	port := c.port
	switch p := srv.Sysinfo[sysinfoAgentPort].(type) {
	case float64:
		port = int(p)
	case string:
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}

	return fmt.Sprintf("%s://%s", c.scheme, net.JoinHostPort(ip, strconv.Itoa(port))), nil
}

// taskPayload is the wire format of an agent task request
type taskPayload struct {
	Task   string                 `json:"task"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// PostTask submits a task to the agent and returns the raw response
// body, which is task-type-specific and opaque at this layer
func (c *AgentClient) PostTask(endpoint, task string, params map[string]interface{}, reqID string) ([]byte, error) {
	payload, err := json.Marshal(taskPayload{Task: task, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to encode task payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, endpoint+"/tasks", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if reqID != "" {
		req.Header.Set("X-Request-Id", reqID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("agent returned %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/rs/zerolog"
)

// PushTimeout bounds a direct command push to a node agent.
const PushTimeout = 10 * time.Second

// Client talks HTTP to node agents. Every call takes a context and treats
// the agent as unreliable: timeouts surface as plain errors for the caller's
// retry policy.
type Client struct {
	http   *http.Client
	logger zerolog.Logger
}

// NewClient creates an agent client.
func NewClient() *Client {
	return &Client{
		// Per-call deadlines come from contexts; the transport-level cap is
		// a backstop only.
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: log.WithComponent("agent-client"),
	}
}

// PostJSON POSTs body as JSON to url and decodes the response into out (out
// may be nil). The deadline comes from timeout layered on ctx.
func (c *Client) PostJSON(ctx context.Context, url string, body, out interface{}, timeout time.Duration) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("agent returned %d: %s", resp.StatusCode, snippet)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode agent response: %w", err)
	}
	return nil
}

// PushCommand delivers a command directly to the node agent. Pull via
// heartbeat stays authoritative; push is an optimisation for urgency.
func (c *Client) PushCommand(ctx context.Context, node *types.Node, cmd *types.NodeCommand) error {
	url := fmt.Sprintf("http://%s:%d/api/commands", node.Hardware.Network.PublicIP, node.AgentPort)
	if err := c.PostJSON(ctx, url, cmd, nil, PushTimeout); err != nil {
		return err
	}
	c.logger.Debug().
		Str("node_id", node.ID).
		Str("command_id", cmd.CommandID).
		Str("type", string(cmd.Type)).
		Msg("Command pushed to agent")
	return nil
}

// Ping probes the node agent's health endpoint; used for RTT calibration.
func (c *Client) Ping(ctx context.Context, node *types.Node) error {
	url := fmt.Sprintf("http://%s:%d/api/ping", node.Hardware.Network.PublicIP, node.AgentPort)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent ping returned %d", resp.StatusCode)
	}
	return nil
}

// VMProxyURL builds the agent's proxy URL for an on-VM HTTP endpoint.
func VMProxyURL(node *types.Node, vmID string, port int, path string) string {
	return fmt.Sprintf("http://%s:%d/api/vms/%s/proxy/http/%d/%s",
		node.Hardware.Network.PublicIP, node.AgentPort, vmID, port, path)
}

package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// DefaultSocketPath is the fallback control socket when no path is given.
// The CLI normally resolves the socket under the state directory instead.
const DefaultSocketPath = "/var/run/prism/daemon.sock"

type DaemonClient interface {
	Trigger(req TriggerRequest) (string, error)
	Stop(id string) error
	List() ([]RunStatus, error)
	Inspect(id string) (RunDetails, error)
	Ping() error
}

type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) DaemonClient {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

func (c *Client) send(request IPCRequest, response interface{}) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return fmt.Errorf("daemon request failed")
	}
	if response != nil && resp.Data != nil {
		data, err := json.Marshal(resp.Data)
		if err != nil {
			return fmt.Errorf("marshal response payload: %w", err)
		}
		if err := json.Unmarshal(data, response); err != nil {
			return fmt.Errorf("unmarshal response payload: %w", err)
		}
	}
	return nil
}

// Trigger schedules a run and returns its id. The run executes once the
// daemon's worker reaches it; List and Inspect report its progress.
func (c *Client) Trigger(req TriggerRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	var result struct {
		ID string `json:"id"`
	}
	if err := c.send(IPCRequest{Command: CommandTrigger, Payload: payload}, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

// Stop cancels the trigger with the given id, or the one currently running
// when id is empty.
func (c *Client) Stop(id string) error {
	return c.send(IPCRequest{Command: CommandStop, ID: id}, nil)
}

func (c *Client) List() ([]RunStatus, error) {
	var statuses []RunStatus
	if err := c.send(IPCRequest{Command: CommandList}, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

func (c *Client) Inspect(id string) (RunDetails, error) {
	var details RunDetails
	if err := c.send(IPCRequest{Command: CommandInspect, ID: id}, &details); err != nil {
		return RunDetails{}, err
	}
	return details, nil
}

func (c *Client) Ping() error {
	return c.send(IPCRequest{Command: CommandPing}, nil)
}

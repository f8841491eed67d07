package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// ErrDaemonNotRunning is returned when the socket file does not exist. Callers
// degrade to foreground-only port probing instead of failing.
var ErrDaemonNotRunning = errors.New("daemon not running")

// DefaultRequestTimeout bounds one request/response exchange. A timed-out
// request surfaces as an error; it never hangs the caller.
const DefaultRequestTimeout = 10 * time.Second

const dialTimeout = 2 * time.Second

// Client speaks the daemon protocol over the unix socket. One connection
// carries exactly one request and one response.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

// Reachable reports whether the daemon answers a ping.
func (c *Client) Reachable() bool {
	return c.Ping() == nil
}

func (c *Client) Ping() error {
	env, err := c.roundTrip(Request{Type: TypePing})
	if err != nil {
		return err
	}
	if env.Type != TypePong {
		return fmt.Errorf("unexpected response type %q", env.Type)
	}
	return nil
}

func (c *Client) Status() (StatusData, error) {
	var data StatusData
	err := c.call(Request{Type: TypeStatus}, TypeStatusResponse, &data)
	return data, err
}

func (c *Client) Cleanup() (CleanupData, error) {
	var data CleanupData
	err := c.call(Request{Type: TypeCleanup}, TypeCleanupResponse, &data)
	return data, err
}

func (c *Client) CheckPort(port int) (PortCheckData, error) {
	raw, err := json.Marshal(CheckPortParams{Port: port})
	if err != nil {
		return PortCheckData{}, err
	}
	var data PortCheckData
	err = c.call(Request{Type: TypeCheckPort, Data: raw}, TypePortCheckResponse, &data)
	return data, err
}

func (c *Client) FindPort(startPort, maxAttempts int) (FindPortData, error) {
	raw, err := json.Marshal(FindPortParams{StartPort: startPort, MaxAttempts: maxAttempts})
	if err != nil {
		return FindPortData{}, err
	}
	var data FindPortData
	err = c.call(Request{Type: TypeFindPort, Data: raw}, TypeFindPortResponse, &data)
	return data, err
}

func (c *Client) call(req Request, wantType string, out any) error {
	env, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	if env.Type != wantType {
		return fmt.Errorf("unexpected response type %q", env.Type)
	}
	return json.Unmarshal(env.Data, out)
}

// wireEnvelope mirrors Envelope with raw data for client-side decoding.
type wireEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Error     string          `json:"error"`
}

func (c *Client) roundTrip(req Request) (wireEnvelope, error) {
	var env wireEnvelope
	if _, err := os.Stat(c.socketPath); err != nil {
		if os.IsNotExist(err) {
			return env, ErrDaemonNotRunning
		}
		return env, err
	}
	conn, err := net.DialTimeout("unix", c.socketPath, dialTimeout)
	if err != nil {
		return env, fmt.Errorf("connect to daemon: %w", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return env, fmt.Errorf("send request: %w", err)
	}
	if err := json.NewDecoder(conn).Decode(&env); err != nil {
		return env, fmt.Errorf("read response: %w", err)
	}
	if env.Error != "" {
		return env, fmt.Errorf("daemon error: %s", env.Error)
	}
	return env, nil
}

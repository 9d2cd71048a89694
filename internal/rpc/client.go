package rpc

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// DialTimeout bounds the socket connect.
const DialTimeout = 5 * time.Second

// RemoteError is a daemon-side failure surfaced to the caller.
type RemoteError struct {
	Code    string
	Message string
	Details any
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client is a connection to the daemon. Calls are serialized: the
// protocol is strict request/response per connection.
type Client struct {
	conn net.Conn
	mu   sync.Mutex
	seq  uint64
}

// Dial connects to the daemon's Unix socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon at %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close drops the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Call sends one command and waits for its response. A daemon-reported
// failure is returned as *RemoteError.
func (c *Client) Call(cmd string, args any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	id := strconv.FormatUint(c.seq, 10)

	req := Request{ID: id, Cmd: cmd}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encoding args: %w", err)
		}
		req.Args = raw
	}
	payload, err := json.Marshal(&req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(c.conn, payload); err != nil {
		return nil, err
	}

	data, err := ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if resp.ID != id {
		return nil, fmt.Errorf("response id %q does not match request %q", resp.ID, id)
	}
	if resp.Status != StatusOK {
		if resp.Error == nil {
			return nil, fmt.Errorf("daemon error with no detail")
		}
		return nil, &RemoteError{Code: resp.Error.Code, Message: resp.Error.Message, Details: resp.Error.Details}
	}
	return resp.Data, nil
}

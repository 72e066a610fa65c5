package scillaipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Client is a single interpreter-version's connection: a socket, a
// request-id counter, and the watchdog bounding its in-flight call.
type Client struct {
	path string

	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder

	nextID   uint64
	watchdog *Watchdog
}

// dialClient opens a fresh Unix-domain socket connection to path.
func dialClient(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("scillaipc: dial %s: %w", path, err)
	}
	return &Client{
		path:     path,
		conn:     conn,
		enc:      json.NewEncoder(conn),
		dec:      json.NewDecoder(bufio.NewReader(conn)),
		watchdog: NewWatchdog(),
	}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// reconnect drops the current socket and dials a fresh one in place,
// used after a timeout or a connection-level error.
func (c *Client) reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	conn, err := net.Dial("unix", c.path)
	if err != nil {
		return fmt.Errorf("scillaipc: reconnect %s: %w", c.path, err)
	}
	c.conn = conn
	c.enc = json.NewEncoder(conn)
	c.dec = json.NewDecoder(bufio.NewReader(conn))
	c.watchdog.Reset()
	return nil
}

// call sends one JSON-RPC request and blocks for its reply, bounded by
// timeout via the client's watchdog.
func (c *Client) call(method string, params interface{}, timeout time.Duration) (*response, error) {
	id := atomic.AddUint64(&c.nextID, 1)
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("scillaipc: marshal params: %w", err)
	}
	req := request{JSONRPC: "2.0", ID: id, Method: method, Params: raw}

	return c.watchdog.Run(timeout, func() (*response, error) {
		c.mu.Lock()
		enc, dec := c.enc, c.dec
		c.mu.Unlock()

		if err := enc.Encode(req); err != nil {
			return nil, fmt.Errorf("scillaipc: send %s: %w", method, err)
		}
		var resp response
		if err := dec.Decode(&resp); err != nil {
			return nil, fmt.Errorf("scillaipc: receive %s: %w", method, err)
		}
		return &resp, nil
	})
}

// Check statically checks code via the interpreter's check method.
func (c *Client) Check(req CheckRequest, timeout time.Duration) (*InterpreterReply, error) {
	return c.callInterpreter(MethodCheck, req, timeout)
}

// Run executes init or a transition via the interpreter's run method.
func (c *Client) Run(req RunRequest, timeout time.Duration) (*InterpreterReply, error) {
	return c.callInterpreter(MethodRun, req, timeout)
}

// Disambiguate runs a version-migration pass via the interpreter's
// disambiguate method.
func (c *Client) Disambiguate(req DisambiguateRequest, timeout time.Duration) (*InterpreterReply, error) {
	return c.callInterpreter(MethodDisambiguate, req, timeout)
}

func (c *Client) callInterpreter(method string, params interface{}, timeout time.Duration) (*InterpreterReply, error) {
	resp, err := c.call(method, params, timeout)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("scillaipc: %s: %s", method, resp.Error.Message)
	}
	var reply InterpreterReply
	if err := json.Unmarshal(resp.Result, &reply); err != nil {
		return nil, fmt.Errorf("scillaipc: decode %s reply: %w", method, err)
	}
	return &reply, nil
}

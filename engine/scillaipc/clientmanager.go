package scillaipc

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/shardchain/accountengine/engine/engerrors"
)

// ProcessSupervisor (re)launches the external interpreter process for a
// given Scilla version. A deployment that connects to an
// already-running interpreter fleet can leave this nil.
type ProcessSupervisor interface {
	StartServer(version int) error
}

// ClientManager owns one Client per interpreter version, grounded on
// the originating ScillaClient's m_clients/m_connectors map: every
// call is addressed by version, and a connection-level failure
// restarts just that version's server and retries up to a bounded
// counter, while any other JSON-RPC error is propagated immediately.
type ClientManager struct {
	mu                sync.Mutex
	clients           map[int]*Client
	socketPathFmt     string
	supervisor        ProcessSupervisor
	maxReconnectTries int
	callTimeout       time.Duration
}

// NewClientManager constructs a manager. socketPathFmt must contain
// exactly one %d verb for the interpreter version.
func NewClientManager(socketPathFmt string, supervisor ProcessSupervisor, maxReconnectTries int, callTimeout time.Duration) *ClientManager {
	return &ClientManager{
		clients:           make(map[int]*Client),
		socketPathFmt:     socketPathFmt,
		supervisor:        supervisor,
		maxReconnectTries: maxReconnectTries,
		callTimeout:       callTimeout,
	}
}

func (m *ClientManager) socketPath(version int) string {
	return fmt.Sprintf(m.socketPathFmt, version)
}

// OpenServer (re)launches version's interpreter process, if a
// supervisor is configured, and drops any existing client connection so
// the next CheckClient dials fresh.
func (m *ClientManager) OpenServer(version int) error {
	if m.supervisor != nil {
		if err := m.supervisor.StartServer(version); err != nil {
			return fmt.Errorf("scillaipc: start interpreter v%d: %w", version, err)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[version]; ok {
		_ = c.Close()
		delete(m.clients, version)
	}
	return nil
}

// CheckClient lazily dials version's socket, returning the cached
// client if one is already open.
func (m *ClientManager) CheckClient(version int) (*Client, error) {
	m.mu.Lock()
	c, ok := m.clients[version]
	m.mu.Unlock()
	if ok {
		return c, nil
	}

	c, err := dialClient(m.socketPath(version))
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.clients[version] = c
	m.mu.Unlock()
	return c, nil
}

// CallChecker runs req.version's static checker, retrying a bounded
// number of times across a fresh server/connection on socket failures.
func (m *ClientManager) CallChecker(version int, req CheckRequest) (*InterpreterReply, error) {
	return m.callWithRetry(version, 0, func(c *Client) (*InterpreterReply, error) {
		return c.Check(req, m.callTimeout)
	})
}

// CallRunner runs req.version's init/transition runner, with the same
// bounded-retry policy as CallChecker.
func (m *ClientManager) CallRunner(version int, req RunRequest) (*InterpreterReply, error) {
	return m.callWithRetry(version, 0, func(c *Client) (*InterpreterReply, error) {
		return c.Run(req, m.callTimeout)
	})
}

// CallDisambiguate runs a version-migration pass, with the same
// bounded-retry policy.
func (m *ClientManager) CallDisambiguate(version int, req DisambiguateRequest) (*InterpreterReply, error) {
	return m.callWithRetry(version, 0, func(c *Client) (*InterpreterReply, error) {
		return c.Disambiguate(req, m.callTimeout)
	})
}

func (m *ClientManager) callWithRetry(version, attempt int, fn func(*Client) (*InterpreterReply, error)) (*InterpreterReply, error) {
	c, err := m.CheckClient(version)
	if err != nil {
		if attempt >= m.maxReconnectTries {
			return nil, err
		}
		if err := m.OpenServer(version); err != nil {
			return nil, err
		}
		return m.callWithRetry(version, attempt+1, fn)
	}

	reply, err := fn(c)
	if err == nil {
		return reply, nil
	}

	if errors.Is(err, engerrors.ErrExecuteCmdTimeout) {
		// The timeout transition always invalidates the connection and
		// reconnects before the next submission; it does not itself
		// retry this submission.
		_ = m.OpenServer(version)
		return nil, err
	}

	if isSocketError(err) && attempt < m.maxReconnectTries {
		if err := m.OpenServer(version); err != nil {
			return nil, err
		}
		return m.callWithRetry(version, attempt+1, fn)
	}

	// Non-socket JSON-RPC error: propagate as-is, no retry.
	return nil, err
}

func isSocketError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

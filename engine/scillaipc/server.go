package scillaipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
)

// Handler answers the five callback methods an in-flight interpreter
// run issues against the engine. All five are synchronous: the caller
// blocks the interpreter's single cooperative thread of execution until
// the handler returns.
type Handler interface {
	FetchStateValue(query []byte) (found bool, value []byte, err error)
	FetchExternalStateValue(addr string, query []byte) (found bool, value []byte, typ string, err error)
	FetchExternalStateValueB64(addr string, queryB64 string) (found bool, valueB64 string, typ string, err error)
	UpdateStateValue(query, value []byte, ignoreVal bool) error
	FetchBlockchainInfo(queryName string, args []string) (found bool, value string, err error)
}

// Server listens on a Unix-domain socket and serves Handler's methods
// to whichever interpreter process connects.
type Server struct {
	path     string
	handler  Handler
	listener net.Listener
	log      *zap.Logger
}

// NewServer binds a Unix-domain socket at path, removing any stale
// socket file left behind by a prior, uncleanly-terminated run.
func NewServer(path string, handler Handler, log *zap.Logger) (*Server, error) {
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("scillaipc: listen %s: %w", path, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{path: path, handler: handler, listener: l, log: log}, nil
}

// Serve accepts connections until the listener is closed, handling
// each one on its own goroutine — but each individual connection's
// requests are processed strictly in order, matching the interpreter's
// single cooperative call-at-a-time model.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close shuts the listener down.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(bufio.NewReader(conn))
	enc := json.NewEncoder(conn)

	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := s.dispatch(req)
		if err := enc.Encode(resp); err != nil {
			s.log.Warn("scillaipc: encode response failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) dispatch(req request) response {
	result, err := s.call(req)
	if err != nil {
		return response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32000, Message: err.Error()}}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32000, Message: err.Error()}}
	}
	return response{JSONRPC: "2.0", ID: req.ID, Result: raw}
}

func (s *Server) call(req request) (interface{}, error) {
	switch req.Method {
	case MethodFetchStateValue:
		var p FetchStateValueParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		found, value, err := s.handler.FetchStateValue(p.Query)
		if err != nil {
			return nil, err
		}
		return FetchStateValueResult{Found: found, Value: value}, nil

	case MethodFetchExternalStateValue:
		var p FetchExternalStateValueParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		found, value, typ, err := s.handler.FetchExternalStateValue(p.Address, p.Query)
		if err != nil {
			return nil, err
		}
		return FetchExternalStateValueResult{Found: found, Value: value, Type: typ}, nil

	case MethodFetchExternalStateValueB64:
		var p FetchExternalStateValueB64Params
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		found, valueB64, typ, err := s.handler.FetchExternalStateValueB64(p.Address, p.QueryB64)
		if err != nil {
			return nil, err
		}
		return FetchExternalStateValueB64Result{Found: found, ValueB64: valueB64, Type: typ}, nil

	case MethodUpdateStateValue:
		var p UpdateStateValueParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		if err := s.handler.UpdateStateValue(p.Query, p.Value, p.IgnoreVal); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case MethodFetchBlockchainInfo:
		var p FetchBlockchainInfoParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		found, value, err := s.handler.FetchBlockchainInfo(p.QueryName, p.Args)
		if err != nil {
			return nil, err
		}
		return FetchBlockchainInfoResult{Found: found, Value: value}, nil

	default:
		return nil, fmt.Errorf("scillaipc: unknown method %q", req.Method)
	}
}

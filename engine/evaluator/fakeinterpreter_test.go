package evaluator

import (
	"encoding/json"
	"net"
	"os"

	"github.com/shardchain/accountengine/engine/scillaipc"
)

// rpcReq/rpcResp mirror scillaipc's unexported wire envelope by field
// name and json tag, so this test-only fake interpreter can speak the
// same protocol without reaching into scillaipc's internals.
type rpcReq struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResp struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErrBody     `json:"error,omitempty"`
}

type rpcErrBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// fakeInterpreter stands in for an external Scilla interpreter process,
// answering "check" and "run" over the same local-socket JSON-RPC
// protocol scillaipc.Client speaks.
type fakeInterpreter struct {
	path     string
	listener net.Listener
	checkFn  func(scillaipc.CheckRequest) (scillaipc.InterpreterReply, error)
	runFn    func(scillaipc.RunRequest) (scillaipc.InterpreterReply, error)
}

func newFakeInterpreter(path string) (*fakeInterpreter, error) {
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	f := &fakeInterpreter{path: path, listener: l}
	go f.serve()
	return f, nil
}

func (f *fakeInterpreter) Close() error { return f.listener.Close() }

func (f *fakeInterpreter) serve() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeInterpreter) handle(conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req rpcReq
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := rpcResp{JSONRPC: "2.0", ID: req.ID}
		reply, err := f.dispatch(req)
		if err != nil {
			resp.Error = &rpcErrBody{Code: 1, Message: err.Error()}
		} else {
			raw, _ := json.Marshal(reply)
			resp.Result = raw
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (f *fakeInterpreter) dispatch(req rpcReq) (scillaipc.InterpreterReply, error) {
	switch req.Method {
	case scillaipc.MethodCheck:
		var p scillaipc.CheckRequest
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return scillaipc.InterpreterReply{}, err
		}
		if f.checkFn != nil {
			return f.checkFn(p)
		}
		return scillaipc.InterpreterReply{GasRemaining: p.GasLimit}, nil
	case scillaipc.MethodRun:
		var p scillaipc.RunRequest
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return scillaipc.InterpreterReply{}, err
		}
		if f.runFn != nil {
			return f.runFn(p)
		}
		return scillaipc.InterpreterReply{GasRemaining: p.GasLimit, Accepted: true}, nil
	default:
		return scillaipc.InterpreterReply{}, errUnknownMethod
	}
}

var errUnknownMethod = jsonRPCError("fakeinterpreter: unknown method")

type jsonRPCError string

func (e jsonRPCError) Error() string { return string(e) }

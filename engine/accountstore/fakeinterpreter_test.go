package accountstore

import (
	"encoding/json"
	"net"
	"os"

	"github.com/shardchain/accountengine/engine/scillaipc"
)

// asRPCReq/asRPCResp mirror scillaipc's unexported wire envelope by field
// name and json tag, letting this test-only fake interpreter speak the
// same protocol without reaching into scillaipc's internals.
type asRPCReq struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type asRPCResp struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *asRPCErrBody   `json:"error,omitempty"`
}

type asRPCErrBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// fakeASInterpreter answers "check" and "run" calls with a default echo
// of the requested gas limit, always accepting: sufficient for the
// façade-level tests, which exercise commit/revert/proof plumbing rather
// than interpreter edge cases (those are covered in package evaluator).
type fakeASInterpreter struct {
	path     string
	listener net.Listener
}

func newFakeASInterpreter(path string) (*fakeASInterpreter, error) {
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	f := &fakeASInterpreter{path: path, listener: l}
	go f.serve()
	return f, nil
}

func (f *fakeASInterpreter) Close() error { return f.listener.Close() }

func (f *fakeASInterpreter) serve() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeASInterpreter) handle(conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req asRPCReq
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := asRPCResp{JSONRPC: "2.0", ID: req.ID}
		reply, err := f.dispatch(req)
		if err != nil {
			resp.Error = &asRPCErrBody{Code: 1, Message: err.Error()}
		} else {
			raw, _ := json.Marshal(reply)
			resp.Result = raw
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (f *fakeASInterpreter) dispatch(req asRPCReq) (scillaipc.InterpreterReply, error) {
	switch req.Method {
	case scillaipc.MethodCheck:
		var p scillaipc.CheckRequest
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return scillaipc.InterpreterReply{}, err
		}
		return scillaipc.InterpreterReply{GasRemaining: p.GasLimit}, nil
	case scillaipc.MethodRun:
		var p scillaipc.RunRequest
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return scillaipc.InterpreterReply{}, err
		}
		return scillaipc.InterpreterReply{GasRemaining: p.GasLimit, Accepted: true}, nil
	default:
		return scillaipc.InterpreterReply{}, errASUnknownMethod
	}
}

var errASUnknownMethod = asJSONRPCError("accountstore fake interpreter: unknown method")

type asJSONRPCError string

func (e asJSONRPCError) Error() string { return string(e) }

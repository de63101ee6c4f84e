// Package rpc exposes the worker over a JSON-RPC 2.0 stdio surface: one
// request per line in, one response per line out, with progress
// notifications interleaved for streaming generation.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"animforge/internal/archive"
	"animforge/internal/render"
	"animforge/internal/session"
	"animforge/internal/workflow"
)

// Server routes JSON-RPC requests to the session store and workflow engine.
type Server struct {
	store    *session.Store
	engine   *workflow.Engine
	renderer *render.Renderer
	archive  *archive.Archive

	writeMu sync.Mutex
	out     io.Writer

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a server. The archive may be nil.
func NewServer(store *session.Store, engine *workflow.Engine, renderer *render.Renderer, arch *archive.Archive) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:    store,
		engine:   engine,
		renderer: renderer,
		archive:  arch,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// JSONRPCNotification is a server-initiated message with no id.
type JSONRPCNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// RPCError represents a JSON-RPC error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Serve reads requests from stdin and writes responses to stdout until EOF.
// Long-running actions execute inline; concurrent sessions are handled by
// concurrent clients pipelining requests is not supported on a single
// stdio pair, matching the one-loop-per-session ownership model.
func (s *Server) Serve(stdin io.Reader, stdout io.Writer) error {
	s.out = stdout
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var req JSONRPCRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.write(&JSONRPCResponse{
				JSONRPC: "2.0",
				Error:   &RPCError{Code: -32700, Message: "Parse error", Data: err.Error()},
			})
			continue
		}

		s.write(s.handleRequest(&req))
	}

	return scanner.Err()
}

// write marshals and emits one message; the mutex keeps responses and
// progress notifications from interleaving mid-line.
func (s *Server) write(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("failed to marshal response: %v", err)
		return
	}

	s.writeMu.Lock()
	fmt.Fprintln(s.out, string(data))
	s.writeMu.Unlock()
}

// notify sends a JSON-RPC notification.
func (s *Server) notify(method string, params interface{}) {
	s.write(&JSONRPCNotification{JSONRPC: "2.0", Method: method, Params: params})
}

func (s *Server) handleRequest(req *JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "animforge/call":
		return s.handleCall(req)
	default:
		return s.errorResponse(req.ID, -32601, "Method not found", req.Method)
	}
}

func (s *Server) handleInitialize(req *JSONRPCRequest) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"serverInfo": map[string]interface{}{
				"name":    "animforge",
				"version": "1.0.0",
			},
			"actions": []string{
				"generate", "status", "list", "delete", "update_script", "render", "stats",
			},
		},
	}
}

func (s *Server) handleCall(req *JSONRPCRequest) *JSONRPCResponse {
	var params struct {
		Action string          `json:"action"`
		Params json.RawMessage `json:"params,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, -32602, "Invalid params", err.Error())
	}

	result, err := s.dispatchAction(params.Action, params.Params)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return s.errorResponse(req.ID, codeSessionNotFound, "Session not found", nil)
		}
		return s.errorResponse(req.ID, -32000, "Action failed", err.Error())
	}

	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
	}
}

func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
}

// Shutdown cancels in-flight actions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return nil
}

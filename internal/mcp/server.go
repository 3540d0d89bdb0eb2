package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jpicklyk/task-orchestrator/internal/log"
	"github.com/jpicklyk/task-orchestrator/internal/taskerr"
)

// ToolHandler executes one tool call against already-parsed arguments.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error)

// Server speaks MCP over newline-delimited JSON. One instance serves
// one client for the life of the process; stdout carries nothing but
// protocol frames, so all logging goes through the log package.
type Server struct {
	info         Implementation
	instructions string

	mu       sync.RWMutex
	tools    map[string]Tool
	order    []string
	handlers map[string]ToolHandler
	writer   io.Writer

	initialized bool

	metrics *Metrics
	logger  zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithInstructions sets the usage instructions sent during the
// initialize handshake.
func WithInstructions(instructions string) Option {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// NewServer builds a server that identifies itself with the given name
// and version.
func NewServer(name, version string, opts ...Option) *Server {
	s := &Server{
		info:     Implementation{Name: name, Version: version},
		tools:    make(map[string]Tool),
		handlers: make(map[string]ToolHandler),
		metrics:  NewMetrics(),
		logger:   log.WithComponent("mcp"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterTool adds a tool and its handler. Tools are listed in
// registration order.
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tools[tool.Name]; !ok {
		s.order = append(s.order, tool.Name)
	}
	s.tools[tool.Name] = tool
	s.handlers[tool.Name] = handler
	s.logger.Debug().Str("tool", tool.Name).Msg("registered tool")
}

// Metrics exposes the per-tool call statistics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Serve reads requests from stdin until EOF or context cancellation.
// Responses are written to stdout as one JSON object per line.
func (s *Server) Serve(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	s.mu.Lock()
	s.writer = stdout
	s.mu.Unlock()

	scanner := bufio.NewScanner(stdin)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.sendError(nil, NewParseError(err.Error()))
			continue
		}

		// A populated non-null id makes this a request; anything else
		// is a notification and gets no response.
		if len(req.ID) > 0 && string(req.ID) != "null" {
			s.handleRequest(ctx, &req)
		} else {
			s.handleNotification(&req)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		s.logger.Error().Err(err).Msg("stdin read failed")
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

func (s *Server) handleRequest(ctx context.Context, req *Request) {
	s.logger.Debug().Str("method", req.Method).Msg("handling request")

	var result any
	var rpcErr *RPCError

	switch req.Method {
	case "initialize":
		result, rpcErr = s.handleInitialize(req.Params)
	case "tools/list":
		result, rpcErr = s.handleToolsList()
	case "tools/call":
		result, rpcErr = s.handleToolsCall(ctx, req.Params)
	case "ping":
		result = struct{}{}
	default:
		rpcErr = NewMethodNotFound(req.Method)
	}

	if rpcErr != nil {
		s.sendError(req.ID, rpcErr)
	} else {
		s.sendResult(req.ID, result)
	}
}

func (s *Server) handleNotification(req *Request) {
	switch req.Method {
	case "notifications/initialized":
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
		s.logger.Debug().Msg("client initialized")
	case "notifications/cancelled":
		s.logger.Debug().Msg("client cancelled a request")
	default:
		// Unknown notifications are ignored per the protocol.
		s.logger.Debug().Str("method", req.Method).Msg("ignoring notification")
	}
}

func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var p InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParams(err.Error())
		}
	}

	s.logger.Info().
		Str("client", p.ClientInfo.Name).
		Str("clientVersion", p.ClientInfo.Version).
		Str("protocolVersion", p.ProtocolVersion).
		Msg("initialize")

	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapability{
			Tools: &ToolsCapability{},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}, nil
}

func (s *Server) handleToolsList() (any, *RPCError) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]Tool, 0, len(s.order))
	for _, name := range s.order {
		tools = append(tools, s.tools[name])
	}
	return ToolsListResult{Tools: tools}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewInvalidParams(err.Error())
	}

	s.mu.RLock()
	handler, ok := s.handlers[p.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, NewToolNotFound(p.Name)
	}

	start := time.Now()
	result, err := s.invoke(ctx, p.Name, handler, p.Arguments)
	elapsed := time.Since(start)
	s.metrics.RecordCall(p.Name, elapsed)

	if err != nil {
		s.metrics.RecordError(p.Name)
		e := taskerr.FromErr(err)
		s.logger.Warn().
			Str("tool", p.Name).
			Str("code", string(e.Code)).
			Dur("elapsed", elapsed).
			Msg(e.Message)
		res := ErrorResult(e.Error())
		res.StructuredContent = e
		return res, nil
	}

	s.logger.Debug().Str("tool", p.Name).Dur("elapsed", elapsed).Msg("tool call done")
	return result, nil
}

// invoke runs the handler with panic containment so one bad call cannot
// take the whole server down.
func (s *Server) invoke(ctx context.Context, name string, handler ToolHandler, args json.RawMessage) (result *ToolCallResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("tool", name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("tool handler panicked")
			result = nil
			err = taskerr.New(taskerr.CodeInternal, "tool %s panicked: %v", name, r)
		}
	}()
	return handler(ctx, args)
}

func (s *Server) sendResult(id json.RawMessage, result any) {
	s.send(NewResponse(id, result))
}

func (s *Server) sendError(id json.RawMessage, err *RPCError) {
	s.send(NewErrorResponse(id, err))
}

func (s *Server) send(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal response")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return
	}
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		s.logger.Error().Err(err).Msg("failed to write response")
	}
}

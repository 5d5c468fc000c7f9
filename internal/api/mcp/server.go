package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/membank/membank/internal/auth"
	"github.com/membank/membank/internal/engine"
)

// protocolVersion is the MCP protocol revision this server speaks.
const protocolVersion = "2024-11-05"

// AuthFunc resolves the calling user for a request. Implementations return
// auth.ErrUnauthorized when no valid credential is present.
type AuthFunc func(ctx context.Context) (string, error)

// StaticUser returns an AuthFunc that always resolves to the given user.
// Used by the stdio transport, where the process itself is the credential.
func StaticUser(userID string) AuthFunc {
	return func(context.Context) (string, error) {
		if userID == "" {
			return "", auth.ErrUnauthorized
		}
		return userID, nil
	}
}

type authHeaderKey struct{}

// WithAuthorization stores an Authorization header value on the context for
// BrokerAuth to pick up.
func WithAuthorization(ctx context.Context, header string) context.Context {
	return context.WithValue(ctx, authHeaderKey{}, header)
}

// BrokerAuth returns an AuthFunc that authenticates the context's
// Authorization header against the broker.
func BrokerAuth(broker *auth.Broker) AuthFunc {
	return func(ctx context.Context) (string, error) {
		header, _ := ctx.Value(authHeaderKey{}).(string)
		return broker.Authenticate(ctx, header)
	}
}

// errForbidden marks an authenticated user that this server instance does
// not serve.
var errForbidden = errors.New("forbidden")

// Server implements the Model Context Protocol (MCP) for MemBank. It
// provides JSON-RPC 2.0 based tools for AI assistants to interact with the
// memory system. Every request is authenticated before dispatch; the
// resolved user scopes all storage access.
type Server struct {
	engine      *engine.Engine
	worker      *engine.Worker
	authFn      AuthFunc
	logger      *zap.Logger
	version     string
	defaultMode engine.EmbeddingMode
	allowedUser string // when set, only this user may call tools

	autoID atomic.Int64
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithWorker injects the embedding worker so the update_missing_embeddings
// tool can run synchronous backfills. Without it the tool reports an error.
func WithWorker(w *engine.Worker) ServerOption {
	return func(s *Server) {
		s.worker = w
	}
}

// WithVersion sets the version reported to MCP clients on initialize.
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// WithDefaultEmbeddingMode overrides the embedding mode used when a tool
// call does not specify one. The RPC default is async so slow embedder
// calls never block a client turn.
func WithDefaultEmbeddingMode(mode engine.EmbeddingMode) ServerOption {
	return func(s *Server) {
		s.defaultMode = mode
	}
}

// WithAllowedUser restricts the server to a single tenant. Authenticated
// requests from any other user are rejected with a forbidden error. Used
// in single-tenant deployments pinned to a legacy user ID.
func WithAllowedUser(userID string) ServerOption {
	return func(s *Server) {
		s.allowedUser = userID
	}
}

// NewServer creates a new MCP server instance.
func NewServer(eng *engine.Engine, authFn AuthFunc, logger *zap.Logger, opts ...ServerOption) *Server {
	s := &Server{
		engine:      eng,
		authFn:      authFn,
		logger:      logger,
		version:     "dev",
		defaultMode: engine.ModeAsync,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleRequest processes a JSON-RPC 2.0 request and returns a response.
// This is the main entry point for MCP protocol handling.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) ([]byte, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", err)
	}

	// Validate JSON-RPC version
	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}

	// Requests without an ID get a synthetic one so every request can be
	// correlated with its response.
	id := req.ID
	if id == nil {
		id = fmt.Sprintf("auto-%d", s.autoID.Add(1))
	}

	// Protocol handshake methods work without a credential; everything
	// else authenticates first.
	var userID string
	if requiresAuth(req.Method) {
		var err error
		userID, err = s.authenticate(ctx)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrUnauthorized):
				return s.errorResponse(id, ErrCodeUnauthorized, "Unauthorized", nil)
			case errors.Is(err, errForbidden):
				return s.errorResponse(id, ErrCodeForbidden, "Forbidden", nil)
			default:
				return s.errorResponse(id, ErrCodeInternalError, "Authentication failed", nil)
			}
		}
	}

	var result interface{}
	var err error

	switch req.Method {
	// Standard MCP protocol methods
	case "initialize":
		result = s.handleInitialize(req.Params)
	case "initialized", "notifications/initialized":
		// Notification — no response body required; return empty object.
		result = map[string]interface{}{}
	case "ping":
		result = map[string]interface{}{}
	case "tools/list":
		result = MCPToolsListResult{Tools: s.toolDefinitions()}
	case "tools/call":
		result, err = s.handleToolsCall(ctx, userID, req.Params)
	case "prompts/list":
		result = MCPPromptsListResult{Prompts: []interface{}{}}
	case "resources/list":
		result = MCPResourcesListResult{Resources: []interface{}{}}

	default:
		// Native JSON-RPC methods: every tool is also callable directly.
		handler, ok := s.toolHandler(req.Method)
		if !ok {
			return s.errorResponse(id, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
		}
		result, err = handler(ctx, userID, req.Params)
	}

	if err != nil {
		var invalid *invalidParamsError
		if errors.As(err, &invalid) {
			return s.errorResponse(id, ErrCodeInvalidParams, invalid.Error(), nil)
		}
		return s.errorResponse(id, ErrCodeServerError, err.Error(), nil)
	}
	return s.successResponse(id, result)
}

// authenticate resolves and authorizes the calling user.
func (s *Server) authenticate(ctx context.Context) (string, error) {
	if s.authFn == nil {
		return "", auth.ErrUnauthorized
	}
	userID, err := s.authFn(ctx)
	if err != nil {
		return "", err
	}
	if s.allowedUser != "" && userID != s.allowedUser {
		return "", errForbidden
	}
	return userID, nil
}

// requiresAuth reports whether a method needs a resolved user before
// dispatch. The MCP handshake has to succeed before a client can present
// its credential, so initialize and ping stay open.
func requiresAuth(method string) bool {
	switch method {
	case "initialize", "initialized", "notifications/initialized", "ping":
		return false
	}
	return true
}

func (s *Server) handleInitialize(params json.RawMessage) MCPInitializeResult {
	var p MCPInitializeParams
	if err := json.Unmarshal(params, &p); err == nil && p.ClientInfo.Name != "" {
		s.logger.Info("MCP client connected",
			zap.String("client", p.ClientInfo.Name),
			zap.String("client_version", p.ClientInfo.Version))
	}
	return MCPInitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: MCPServerCapabilities{
			Tools:     &MCPToolsCapability{},
			Prompts:   &MCPPromptsCapability{},
			Resources: &MCPResourcesCapability{},
		},
		ServerInfo: MCPServerInfo{Name: "membank", Version: s.version},
	}
}

// handleToolsCall dispatches a tools/call request. Tool execution failures
// are reported inside the result envelope with isError set; only malformed
// requests become protocol errors.
func (s *Server) handleToolsCall(ctx context.Context, userID string, params json.RawMessage) (interface{}, error) {
	var p MCPToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &invalidParamsError{reason: "tools/call params must be an object"}
	}

	handler, ok := s.toolHandler(p.Name)
	if !ok {
		return toolError(fmt.Sprintf("unknown tool: %s", p.Name)), nil
	}

	result, err := handler(ctx, userID, p.Arguments)
	if err != nil {
		s.logger.Debug("Tool call failed",
			zap.String("tool", p.Name),
			zap.Error(err))
		return toolError(err.Error()), nil
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: string(payload)}},
	}, nil
}

// toolError wraps a failure message in the tool result envelope.
func toolError(message string) MCPToolCallResult {
	return MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: message}},
		IsError: true,
	}
}

// invalidParamsError maps to JSON-RPC code -32602.
type invalidParamsError struct {
	reason string
}

func (e *invalidParamsError) Error() string {
	return e.reason
}

func (s *Server) successResponse(id interface{}, result interface{}) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) errorResponse(id interface{}, code int, message string, err error) ([]byte, error) {
	rpcErr := &JSONRPCError{Code: code, Message: message}
	if err != nil {
		rpcErr.Data = err.Error()
	}
	return json.Marshal(JSONRPCResponse{JSONRPC: "2.0", Error: rpcErr, ID: id})
}

// Package transport wraps an outbound MCP client connection (stdio, http,
// or sse) behind a single type: send a request, receive unsolicited
// notifications, close it down. Lifecycle events (such as a stdio
// subprocess exiting) are not surfaced to callers.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/ncp-mesh/ncp/internal/ncp/validator"
)

// Kind identifies how a Transport reaches its downstream endpoint.
type Kind string

const (
	KindStdio Kind = "stdio"
	KindHTTP  Kind = "http"
	KindSSE   Kind = "sse"
)

// FailureKind classifies a transport-level error for the Health Monitor,
// matching the taxonomy in the error handling design.
type FailureKind string

const (
	FailureSpawn    FailureKind = "spawn_failed"
	FailureAuth     FailureKind = "auth_failed"
	FailureNetwork  FailureKind = "network_error"
	FailureProtocol FailureKind = "protocol_error"
	FailureTimeout  FailureKind = "timeout"
	FailureClosed   FailureKind = "closed"
	// FailureCancelled marks an operation that didn't fail on its own merits
	// but was abandoned because its context was cancelled. Callers must
	// propagate it without touching the Health Monitor.
	FailureCancelled FailureKind = "cancelled"
	// FailureCommandUnsafe marks a stdio endpoint whose command was rejected
	// by the validator. Unlike every other kind, this should disable the
	// endpoint immediately rather than waiting out the consecutive-failure
	// ladder — a rejected command will never pass on retry.
	FailureCommandUnsafe FailureKind = "command_unsafe"
)

// Error wraps a transport failure with its classification.
type Error struct {
	Kind FailureKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Config describes how to reach one downstream endpoint.
type Config struct {
	Name    string
	Kind    Kind
	Command string
	Args    []string
	Env     map[string]string

	URL         string
	BearerToken string
	BasicUser   string
	BasicPass   string
}

// Notification is an unsolicited server-to-client message (e.g. a
// tools-list-changed event) delivered outside the request/response cycle.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Transport is a live connection to one downstream MCP endpoint. A
// correlation id accompanies every request/response pair implicitly via
// the underlying client; callers only see the matched response or error.
type Transport struct {
	cfg    Config
	client *client.Client
	logger zerolog.Logger

	closed    atomic.Bool
	notifyMu  sync.Mutex
	notifyFns []func(Notification)
}

// Connect spawns or dials the endpoint described by cfg, performs the MCP
// initialize handshake, and returns a ready Transport. cfg.Command is
// checked against v before a stdio process is spawned.
func Connect(ctx context.Context, cfg Config, v *validator.Validator, logger zerolog.Logger) (*Transport, error) {
	logger = logger.With().Str("component", "transport").Str("endpoint", cfg.Name).Logger()

	c, err := newClient(cfg, v)
	if err != nil {
		var reason *validator.Reason
		if errors.As(err, &reason) {
			return nil, &Error{Kind: FailureCommandUnsafe, Err: err}
		}
		return nil, &Error{Kind: FailureSpawn, Err: err}
	}

	t := &Transport{cfg: cfg, client: c, logger: logger}

	c.OnNotification(func(n mcp.JSONRPCNotification) {
		raw, _ := json.Marshal(n.Params)
		t.dispatchNotification(Notification{Method: n.Method, Params: raw})
	})

	// stdio starts as soon as the process is spawned; http/sse need an
	// explicit Start to open the underlying connection.
	if cfg.Kind != KindStdio {
		if err := c.Start(ctx); err != nil {
			return nil, &Error{Kind: classifyDialError(err), Err: err}
		}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "ncp", Version: "dev"}
	initReq.Params.Capabilities = mcp.ClientCapabilities{Experimental: map[string]interface{}{}}

	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, &Error{Kind: classifyDialError(err), Err: err}
	}

	return t, nil
}

func newClient(cfg Config, v *validator.Validator) (*client.Client, error) {
	switch cfg.Kind {
	case KindStdio:
		if res := v.Validate(cfg.Command, cfg.Args, cfg.Env); !res.OK {
			return nil, res.Reason
		}
		env := make([]string, 0, len(cfg.Env))
		for k, val := range cfg.Env {
			env = append(env, k+"="+val)
		}
		return client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)

	case KindSSE:
		var opts []transport.ClientOption
		if h := authHeaders(cfg); len(h) > 0 {
			opts = append(opts, client.WithHeaders(h))
		}
		return client.NewSSEMCPClient(cfg.URL, opts...)

	case KindHTTP:
		var opts []transport.StreamableHTTPCOption
		if h := authHeaders(cfg); len(h) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(h))
		}
		return client.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport kind %q", cfg.Kind)
	}
}

func authHeaders(cfg Config) map[string]string {
	if cfg.BearerToken == "" && cfg.BasicUser == "" {
		return nil
	}
	headers := map[string]string{}
	if cfg.BearerToken != "" {
		headers["Authorization"] = "Bearer " + cfg.BearerToken
	} else {
		creds := base64.StdEncoding.EncodeToString([]byte(cfg.BasicUser + ":" + cfg.BasicPass))
		headers["Authorization"] = "Basic " + creds
	}
	return headers
}

// Call issues an MCP tool call and returns its result.
func (t *Transport) Call(ctx context.Context, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	if t.closed.Load() {
		return nil, &Error{Kind: FailureClosed, Err: fmt.Errorf("transport closed")}
	}

	correlationID := uuid.NewString()

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args

	t.logger.Debug().Str("correlation_id", correlationID).Str("tool", toolName).Msg("calling tool")

	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		t.logger.Debug().Str("correlation_id", correlationID).Err(err).Msg("tool call failed")
		return nil, &Error{Kind: classifyCallError(err), Err: err}
	}
	return res, nil
}

// ListTools returns the tools currently advertised by the downstream
// endpoint.
func (t *Transport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if t.closed.Load() {
		return nil, &Error{Kind: FailureClosed, Err: fmt.Errorf("transport closed")}
	}
	res, err := t.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, &Error{Kind: classifyCallError(err), Err: err}
	}
	return res.Tools, nil
}

// ListResources returns the resources advertised by the downstream endpoint.
func (t *Transport) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	if t.closed.Load() {
		return nil, &Error{Kind: FailureClosed, Err: fmt.Errorf("transport closed")}
	}
	res, err := t.client.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, &Error{Kind: classifyCallError(err), Err: err}
	}
	return res.Resources, nil
}

// ListPrompts returns the prompts advertised by the downstream endpoint.
func (t *Transport) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	if t.closed.Load() {
		return nil, &Error{Kind: FailureClosed, Err: fmt.Errorf("transport closed")}
	}
	res, err := t.client.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, &Error{Kind: classifyCallError(err), Err: err}
	}
	return res.Prompts, nil
}

// Ping checks liveness without issuing a tool call, used by the connection
// pool's idle/health probing.
func (t *Transport) Ping(ctx context.Context) error {
	if t.closed.Load() {
		return &Error{Kind: FailureClosed, Err: fmt.Errorf("transport closed")}
	}
	if err := t.client.Ping(ctx); err != nil {
		return &Error{Kind: classifyCallError(err), Err: err}
	}
	return nil
}

// OnNotification registers fn to receive unsolicited notifications for the
// lifetime of the Transport. Multiple observers may be registered.
func (t *Transport) OnNotification(fn func(Notification)) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	t.notifyFns = append(t.notifyFns, fn)
}

func (t *Transport) dispatchNotification(n Notification) {
	t.notifyMu.Lock()
	fns := append([]func(Notification){}, t.notifyFns...)
	t.notifyMu.Unlock()

	for _, fn := range fns {
		fn(n)
	}
}

// Close shuts down the underlying client connection (stops the subprocess
// for stdio, closes the HTTP/SSE session otherwise). Safe to call more than
// once.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.client == nil {
		return nil
	}
	if err := t.client.Close(); err != nil {
		t.logger.Warn().Err(err).Msg("error closing transport")
		return err
	}
	return nil
}

func classifyDialError(err error) FailureKind {
	if errors.Is(err, context.Canceled) {
		return FailureCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureSpawn
}

func classifyCallError(err error) FailureKind {
	if errors.Is(err, context.Canceled) {
		return FailureCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureNetwork
}

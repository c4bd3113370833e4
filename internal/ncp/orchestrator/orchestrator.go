// Package orchestrator composes the transport, pool, discovery, health, and
// profile layers into the four operations the outward-facing MCP server
// exposes to an AI client: find, run, listResources, and listPrompts.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/ncp-mesh/ncp/internal/ncp/capability"
	"github.com/ncp-mesh/ncp/internal/ncp/discovery"
	"github.com/ncp-mesh/ncp/internal/ncp/embedding"
	"github.com/ncp-mesh/ncp/internal/ncp/health"
	"github.com/ncp-mesh/ncp/internal/ncp/notify"
	"github.com/ncp-mesh/ncp/internal/ncp/pool"
	"github.com/ncp-mesh/ncp/internal/ncp/profile"
	"github.com/ncp-mesh/ncp/internal/ncp/transport"
	"github.com/ncp-mesh/ncp/internal/ncp/validator"
)

const defaultFindLimit = 10

// ResourceRef and PromptRef describe entries surfaced by listResources and
// listPrompts, tagged with the endpoint that advertised them so run() can
// route follow-up calls.
type ResourceRef struct {
	EndpointName string
	Resource     mcp.Resource
}

type PromptRef struct {
	EndpointName string
	Prompt       mcp.Prompt
}

// Orchestrator is the single entry point an AI client talks to; it hides
// the fact that "tools" actually live behind a mesh of independently
// managed downstream MCP servers.
type Orchestrator struct {
	pool       *pool.Pool
	index      *discovery.Index
	health     *health.Monitor
	validator  *validator.Validator
	provider   *embedding.Provider
	notify     *notify.Watch
	capability *capability.Store
	logger     zerolog.Logger
}

// Config bundles the component set an Orchestrator is built from. Notify
// and Capability are optional: a nil value disables transition logging and
// the capability-exchange cache, respectively.
type Config struct {
	Pool       *pool.Pool
	Index      *discovery.Index
	Health     *health.Monitor
	Validator  *validator.Validator
	Provider   *embedding.Provider
	Notify     *notify.Watch
	Capability *capability.Store
}

// New wires the given components into an Orchestrator.
func New(cfg Config, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		pool:       cfg.Pool,
		index:      cfg.Index,
		health:     cfg.Health,
		validator:  cfg.Validator,
		provider:   cfg.Provider,
		notify:     cfg.Notify,
		capability: cfg.Capability,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
	}
}

func (o *Orchestrator) observe(endpoint, detail string) {
	if o.notify != nil {
		o.notify.Observe(endpoint, detail)
	}
}

func (o *Orchestrator) forgetCapability(endpoint string) {
	if o.capability != nil {
		o.capability.Forget(endpoint)
	}
}

// isCancelled reports whether err represents an operation abandoned
// because its context was cancelled, as opposed to a genuine failure of
// the downstream endpoint. Cancellation must never be recorded against
// the Health Monitor.
func isCancelled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var te *transport.Error
	if errors.As(err, &te) {
		return te.Kind == transport.FailureCancelled
	}
	return false
}

// Initialize registers every endpoint from a loaded profile, attaches them
// in a bounded-parallel wave, and seeds the discovery index with each
// endpoint's advertised tools. Attach failures are recorded against the
// Health Monitor rather than failing initialization outright — a single
// unreachable endpoint shouldn't block the rest of the mesh from coming
// up.
func (o *Orchestrator) Initialize(ctx context.Context, endpoints []profile.Endpoint) error {
	for _, ep := range endpoints {
		if !ep.Enabled {
			continue
		}
		o.pool.Register(toTransportConfig(ep))
	}

	attachErrs := o.pool.AttachAll(ctx)
	for name, err := range attachErrs {
		o.markAttachFailure(name, err, health.Fatal)
		o.logger.Warn().Str("endpoint", name).Err(err).Msg("initial attach failed")
	}

	for _, ep := range endpoints {
		if !ep.Enabled || o.health.IsDisabled(ep.Name) {
			continue
		}
		if _, ok := attachErrs[ep.Name]; ok {
			continue
		}
		if err := o.refreshDescriptors(ctx, ep.Name, toTransportConfig(ep)); err != nil {
			o.logger.Warn().Str("endpoint", ep.Name).Err(err).Msg("failed to seed discovery index")
		} else {
			o.health.MarkSuccess(ep.Name)
			o.observe(ep.Name, "")
		}
	}

	return nil
}

// refreshDescriptors seeds the discovery index for endpointName. If the
// capability cache holds a snapshot whose hash matches cfg's, the
// capability exchange (listTools) is skipped entirely and the index is
// reseeded straight from the cached snapshot — the connection still gets
// attached by AttachAll, only the round-trip to re-enumerate its tools is
// avoided.
func (o *Orchestrator) refreshDescriptors(ctx context.Context, endpointName string, cfg transport.Config) error {
	hash := capability.Hash(cfg)

	if o.capability != nil {
		if snap, ok := o.capability.Lookup(endpointName, hash); ok {
			return o.seedFromSnapshot(ctx, endpointName, snap)
		}
	}

	t, err := o.pool.Acquire(ctx, endpointName)
	if err != nil {
		return err
	}

	tools, err := t.ListTools(ctx)
	if err != nil {
		return err
	}

	descriptors := make([]discovery.ToolDescriptor, 0, len(tools))
	toolInfos := make([]capability.ToolInfo, 0, len(tools))
	for _, tool := range tools {
		schema, _ := json.Marshal(tool.InputSchema)
		descriptors = append(descriptors, discovery.ToolDescriptor{
			EndpointName: endpointName,
			ToolName:     tool.Name,
			Description:  tool.Description,
			InputSchema:  schema,
		})
		toolInfos = append(toolInfos, capability.ToolInfo{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}

	if err := o.index.Upsert(ctx, endpointName, descriptors); err != nil {
		return err
	}

	if o.capability != nil {
		o.capability.Put(endpointName, capability.Snapshot{Hash: hash, Tools: toolInfos, EmbeddedAt: time.Now()})
	}

	return nil
}

func (o *Orchestrator) seedFromSnapshot(ctx context.Context, endpointName string, snap capability.Snapshot) error {
	descriptors := make([]discovery.ToolDescriptor, 0, len(snap.Tools))
	for _, ti := range snap.Tools {
		descriptors = append(descriptors, discovery.ToolDescriptor{
			EndpointName: endpointName,
			ToolName:     ti.Name,
			Description:  ti.Description,
			InputSchema:  ti.InputSchema,
		})
	}
	return o.index.Upsert(ctx, endpointName, descriptors)
}

// Find answers a natural-language query with the best-matching tools
// across every attached, non-disabled endpoint.
func (o *Orchestrator) Find(query string, limit int, includeDisabled bool) []discovery.Result {
	if limit <= 0 {
		limit = defaultFindLimit
	}

	var filter discovery.HealthFilter
	if !includeDisabled {
		filter = o.health.IsDisabled
	}

	return o.index.Search(query, limit, filter)
}

// Run invokes a qualified tool identifier ("endpoint:tool") with the given
// parameters, acquiring (or waking) the endpoint's connection first.
func (o *Orchestrator) Run(ctx context.Context, qualifiedTool string, params map[string]any) (*mcp.CallToolResult, error) {
	endpointName, toolName, err := splitQualifiedName(qualifiedTool)
	if err != nil {
		return nil, err
	}

	if !o.pool.Known(endpointName) {
		return nil, fmt.Errorf("endpoint %q not found", endpointName)
	}

	if o.health.IsDisabled(endpointName) {
		return nil, fmt.Errorf("endpoint %q is disabled", endpointName)
	}

	t, err := o.pool.Acquire(ctx, endpointName)
	if err != nil {
		o.recordFailure(endpointName, err)
		return nil, fmt.Errorf("acquire %q: %w", endpointName, err)
	}

	result, err := t.Call(ctx, toolName, params)
	if err != nil {
		o.recordFailure(endpointName, err)
		return nil, err
	}

	o.health.MarkSuccess(endpointName)
	o.observe(endpointName, "")
	return result, nil
}

// ListResources aggregates resources across the named endpoints, attaching
// them if needed; an empty endpointNames yields no resources. Endpoints absent from the pool are silently skipped: a not_found is
// surfaced to the caller indirectly (the entry is simply missing from the
// result), never recorded against the Health Monitor.
func (o *Orchestrator) ListResources(ctx context.Context, endpointNames []string) ([]ResourceRef, error) {
	var out []ResourceRef
	for _, name := range endpointNames {
		if !o.pool.Known(name) || o.health.IsDisabled(name) {
			continue
		}
		t, err := o.pool.Acquire(ctx, name)
		if err != nil {
			o.recordFailure(name, err)
			continue
		}
		resources, err := t.ListResources(ctx)
		if err != nil {
			o.recordFailure(name, err)
			continue
		}
		for _, r := range resources {
			out = append(out, ResourceRef{EndpointName: name, Resource: r})
		}
	}
	return out, nil
}

// ListPrompts aggregates prompts across the named endpoints, attaching them
// if needed; an empty endpointNames yields no prompts.
func (o *Orchestrator) ListPrompts(ctx context.Context, endpointNames []string) ([]PromptRef, error) {
	var out []PromptRef
	for _, name := range endpointNames {
		if !o.pool.Known(name) || o.health.IsDisabled(name) {
			continue
		}
		t, err := o.pool.Acquire(ctx, name)
		if err != nil {
			o.recordFailure(name, err)
			continue
		}
		prompts, err := t.ListPrompts(ctx)
		if err != nil {
			o.recordFailure(name, err)
			continue
		}
		for _, p := range prompts {
			out = append(out, PromptRef{EndpointName: name, Prompt: p})
		}
	}
	return out, nil
}

// Cleanup closes every connection in the pool. Call once on shutdown.
func (o *Orchestrator) Cleanup() {
	o.pool.CloseAll()
}

func (o *Orchestrator) recordFailure(endpointName string, err error) {
	o.markAttachFailure(endpointName, err, health.Transient)
}

// markAttachFailure records err against endpointName's health, unless err
// represents a cancelled operation (propagated untouched, per the
// cancellation contract) or a validator rejection (disabled immediately,
// bypassing the consecutive-failure ladder that's meant for ordinary
// transport flakiness). defaultClass is used when the error can't be
// classified by kind at all.
func (o *Orchestrator) markAttachFailure(endpointName string, err error, defaultClass health.Classification) {
	if isCancelled(err) {
		return
	}

	if failureKind(err) == transport.FailureCommandUnsafe {
		o.health.Disable(endpointName, err.Error())
		o.observe(endpointName, err.Error())
		o.index.Remove(endpointName)
		o.forgetCapability(endpointName)
		return
	}

	class, classifyErr := health.ClassifyError(string(failureKind(err)))
	if classifyErr != nil {
		class = defaultClass
	}
	o.health.MarkFailure(endpointName, class, err.Error())
	o.observe(endpointName, err.Error())
	if o.health.IsDisabled(endpointName) {
		o.index.Remove(endpointName)
		o.forgetCapability(endpointName)
	}
}

func failureKind(err error) transport.FailureKind {
	var te *transport.Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return transport.FailureNetwork
}

// splitQualifiedName parses "endpoint:tool" on the first colon.
func splitQualifiedName(qualified string) (endpoint, tool string, err error) {
	idx := strings.IndexByte(qualified, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("invalid qualified tool name %q: expected \"endpoint:tool\"", qualified)
	}
	return qualified[:idx], qualified[idx+1:], nil
}

func toTransportConfig(ep profile.Endpoint) transport.Config {
	cfg := transport.Config{
		Name:    ep.Name,
		Command: ep.Command,
		Args:    ep.Args,
		Env:     ep.Env,
		URL:     ep.URL,
	}
	switch ep.TransportKind {
	case profile.TransportHTTP:
		cfg.Kind = transport.KindHTTP
	case profile.TransportSSE:
		cfg.Kind = transport.KindSSE
	default:
		cfg.Kind = transport.KindStdio
	}
	if ep.Auth.Kind == profile.AuthBearer {
		cfg.BearerToken = ep.Auth.Token
	}
	if ep.Auth.Kind == profile.AuthBasic {
		cfg.BasicUser = ep.Auth.Username
		cfg.BasicPass = ep.Auth.Password
	}
	return cfg
}

// Package mcpserver implements the outward-facing Model Context Protocol
// server: the four tools (find, run, listResources, listPrompts) an AI
// client sees in place of the hundreds of raw tool schemas the attached
// endpoints would otherwise present.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/ncp-mesh/ncp/internal/ncp/orchestrator"
	"github.com/ncp-mesh/ncp/pkg/version"
)

// Server wraps an mcp-go server exposing the orchestrator's operations.
type Server struct {
	mcpServer    *server.MCPServer
	orchestrator *orchestrator.Orchestrator
	logger       zerolog.Logger
}

// New creates a Server and registers its four tools.
func New(o *orchestrator.Orchestrator, logger zerolog.Logger) (*Server, error) {
	mcpServer := server.NewMCPServer(
		"ncp",
		version.Version,
		server.WithToolCapabilities(true),
	)

	s := &Server{
		mcpServer:    mcpServer,
		orchestrator: o,
		logger:       logger.With().Str("component", "mcp_server").Logger(),
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	return s, nil
}

// ServeStdio starts the server on stdio. Blocks until the underlying mcp-go
// stdio server returns (stdin closed, an interrupt signal, or a transport
// error); the context argument is not consulted.
func (s *Server) ServeStdio(_ context.Context) error {
	s.logger.Info().Msg("starting ncp mcp server on stdio")
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) registerTools() error {
	if err := s.registerFindTool(); err != nil {
		return err
	}
	if err := s.registerRunTool(); err != nil {
		return err
	}
	if err := s.registerListResourcesTool(); err != nil {
		return err
	}
	return s.registerListPromptsTool()
}

func (s *Server) registerFindTool() error {
	schema, err := generateInputSchema(FindInput{})
	if err != nil {
		return fmt.Errorf("find schema: %w", err)
	}

	tool := mcp.NewToolWithRawSchema("find",
		"Search the attached MCP endpoints' tool catalog by natural-language query and return the best-matching qualified tool names.",
		schema,
	)

	s.mcpServer.AddTool(tool, func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in FindInput
		if err := decodeArguments(req, &in); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		results := s.orchestrator.Find(in.Query, in.Limit, in.IncludeDisabled)

		payload := make([]map[string]any, 0, len(results))
		for _, r := range results {
			payload = append(payload, map[string]any{
				"tool":        r.Descriptor.QualifiedName(),
				"description": r.Descriptor.Description,
				"score":       r.Score,
			})
		}

		return toolResultJSON(payload)
	})

	return nil
}

func (s *Server) registerRunTool() error {
	schema, err := generateInputSchema(RunInput{})
	if err != nil {
		return fmt.Errorf("run schema: %w", err)
	}

	tool := mcp.NewToolWithRawSchema("run",
		"Invoke a qualified tool (as returned by find) with the given parameters.",
		schema,
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in RunInput
		if err := decodeArguments(req, &in); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if in.Tool == "" {
			return mcp.NewToolResultError("tool is required"), nil
		}

		result, err := s.orchestrator.Run(ctx, in.Tool, in.Params)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return result, nil
	})

	return nil
}

func (s *Server) registerListResourcesTool() error {
	schema, err := generateInputSchema(ListResourcesInput{})
	if err != nil {
		return fmt.Errorf("listResources schema: %w", err)
	}

	tool := mcp.NewToolWithRawSchema("listResources",
		"List resources advertised by attached endpoints.",
		schema,
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in ListResourcesInput
		if err := decodeArguments(req, &in); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		refs, err := s.orchestrator.ListResources(ctx, in.Endpoints)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := make([]map[string]any, 0, len(refs))
		for _, r := range refs {
			payload = append(payload, map[string]any{
				"endpoint": r.EndpointName,
				"uri":      r.Resource.URI,
				"name":     r.Resource.Name,
			})
		}
		return toolResultJSON(payload)
	})

	return nil
}

func (s *Server) registerListPromptsTool() error {
	schema, err := generateInputSchema(ListPromptsInput{})
	if err != nil {
		return fmt.Errorf("listPrompts schema: %w", err)
	}

	tool := mcp.NewToolWithRawSchema("listPrompts",
		"List prompts advertised by attached endpoints.",
		schema,
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in ListPromptsInput
		if err := decodeArguments(req, &in); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		refs, err := s.orchestrator.ListPrompts(ctx, in.Endpoints)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := make([]map[string]any, 0, len(refs))
		for _, r := range refs {
			payload = append(payload, map[string]any{
				"endpoint": r.EndpointName,
				"name":     r.Prompt.Name,
			})
		}
		return toolResultJSON(payload)
	})

	return nil
}

func decodeArguments(req mcp.CallToolRequest, out interface{}) error {
	if req.Params.Arguments == nil {
		return nil
	}
	raw, err := json.Marshal(req.Params.Arguments)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse arguments: %w", err)
	}
	return nil
}

func toolResultJSON(v interface{}) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

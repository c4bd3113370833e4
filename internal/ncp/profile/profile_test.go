package profile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_StdioAndRemoteEndpoints(t *testing.T) {
	data := []byte(`{
		"mcpServers": {
			"echo": {"command": "node", "args": ["server.js"], "env": {"FOO": "bar"}},
			"billing": {"url": "https://billing.internal/mcp", "auth": {"kind": "bearer", "token": "secret"}}
		}
	}`)

	endpoints, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, endpoints, 2)

	// Sorted by name: billing before echo.
	require.Equal(t, "billing", endpoints[0].Name)
	require.Equal(t, TransportHTTP, endpoints[0].TransportKind)
	require.Equal(t, AuthBearer, endpoints[0].Auth.Kind)
	require.Equal(t, "secret", endpoints[0].Auth.Token)

	require.Equal(t, "echo", endpoints[1].Name)
	require.Equal(t, TransportStdio, endpoints[1].TransportKind)
	require.Equal(t, "node", endpoints[1].Command)
	require.Equal(t, []string{"server.js"}, endpoints[1].Args)
	require.Equal(t, "bar", endpoints[1].Env["FOO"])
}

func TestParse_SSETransportOptIn(t *testing.T) {
	data := []byte(`{"mcpServers": {"stream": {"url": "https://stream.internal/mcp", "transport": "sse"}}}`)

	endpoints, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	require.Equal(t, TransportSSE, endpoints[0].TransportKind)
}

func TestParse_DefaultsToNoAuth(t *testing.T) {
	data := []byte(`{"mcpServers": {"local": {"command": "python3", "args": ["-m", "server"]}}}`)

	endpoints, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	require.Equal(t, AuthNone, endpoints[0].Auth.Kind)
}

func TestParse_RejectsEndpointWithoutCommandOrURL(t *testing.T) {
	data := []byte(`{"mcpServers": {"bad": {}}}`)

	_, err := Parse(data)
	require.Error(t, err)
}

func TestParse_IgnoresUnknownKeys(t *testing.T) {
	data := []byte(`{
		"mcpServers": {
			"echo": {"command": "node", "args": ["server.js"], "unknown_field": "ignored"}
		},
		"another_unknown_top_level_key": true
	}`)

	endpoints, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
}

func TestParse_DeterministicOrdering(t *testing.T) {
	data := []byte(`{
		"mcpServers": {
			"zeta": {"command": "node"},
			"alpha": {"command": "node"},
			"mu": {"command": "node"}
		}
	}`)

	endpoints, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "mu", "zeta"}, []string{endpoints[0].Name, endpoints[1].Name, endpoints[2].Name})
}

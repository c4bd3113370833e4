// Package profile reads endpoint definitions from a profile manifest and
// feeds them to the orchestrator at initialize time.
package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// TransportKind identifies how NCP talks to a downstream endpoint.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
	TransportSSE   TransportKind = "sse"
)

// AuthKind tags the variant held by Auth.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
	AuthOAuth  AuthKind = "oauth"
)

// Auth is a tagged union over the authentication schemes a remote endpoint
// may require. Only the fields relevant to Kind are populated. Secrets held
// here must never be logged.
type Auth struct {
	Kind AuthKind `json:"kind"`

	Token string `json:"token,omitempty"` // bearer

	Username string `json:"username,omitempty"` // basic
	Password string `json:"password,omitempty"` // basic

	ClientID     string   `json:"client_id,omitempty"`     // oauth
	ClientSecret string   `json:"client_secret,omitempty"` // oauth
	DeviceURL    string   `json:"device_url,omitempty"`    // oauth
	TokenURL     string   `json:"token_url,omitempty"`     // oauth
	Scopes       []string `json:"scopes,omitempty"`        // oauth
	RefreshState string   `json:"refresh_state,omitempty"` // oauth, opaque to the profile loader
}

// Endpoint is a configured downstream MCP server. Endpoints are never
// mutated in place: a reconfiguration replaces the value entirely.
type Endpoint struct {
	Name          string
	TransportKind TransportKind
	Enabled       bool

	// stdio fields.
	Command string
	Args    []string
	Env     map[string]string

	// http/sse fields.
	URL  string
	Auth Auth
}

// manifestEndpoint is the on-disk shape of a single entry under mcpServers.
// Unknown keys are ignored by encoding/json by default.
type manifestEndpoint struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`

	URL       string        `json:"url"`
	Transport string        `json:"transport"` // "http" (default) or "sse", remote endpoints only
	Auth      *manifestAuth `json:"auth"`
}

type manifestAuth struct {
	Kind         string   `json:"kind"`
	Token        string   `json:"token"`
	Username     string   `json:"username"`
	Password     string   `json:"password"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	DeviceURL    string   `json:"device_url"`
	TokenURL     string   `json:"token_url"`
	Scopes       []string `json:"scopes"`
	RefreshState string   `json:"refresh_state"`
}

// manifest is the on-disk profile format.
type manifest struct {
	MCPServers map[string]manifestEndpoint `json:"mcpServers"`
}

// Load reads and parses a profile manifest from path, returning the
// endpoints in a deterministic order (by name) so that repeated loads of an
// unchanged file produce an identical endpoint list.
func Load(path string) ([]Endpoint, error) {
	//nolint:gosec // G304: path is operator-controlled configuration, not user input.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config_invalid: failed to read profile %q: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes manifest bytes into endpoints, sorted by name.
func Parse(data []byte) ([]Endpoint, error) {
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config_invalid: failed to parse profile: %w", err)
	}

	names := make([]string, 0, len(m.MCPServers))
	for name := range m.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	endpoints := make([]Endpoint, 0, len(names))
	for _, name := range names {
		spec := m.MCPServers[name]

		ep := Endpoint{
			Name:    name,
			Enabled: true,
		}

		switch {
		case spec.Command != "":
			ep.TransportKind = TransportStdio
			ep.Command = spec.Command
			ep.Args = spec.Args
			ep.Env = spec.Env
		case spec.URL != "":
			ep.TransportKind = TransportHTTP
			if spec.Transport == string(TransportSSE) {
				ep.TransportKind = TransportSSE
			}
			ep.URL = spec.URL
		default:
			return nil, fmt.Errorf("config_invalid: endpoint %q specifies neither command nor url", name)
		}

		if spec.Auth != nil {
			auth, err := convertAuth(*spec.Auth)
			if err != nil {
				return nil, fmt.Errorf("config_invalid: endpoint %q: %w", name, err)
			}
			ep.Auth = auth
		} else {
			ep.Auth = Auth{Kind: AuthNone}
		}

		endpoints = append(endpoints, ep)
	}

	return endpoints, nil
}

func convertAuth(m manifestAuth) (Auth, error) {
	kind := AuthKind(m.Kind)
	switch kind {
	case AuthNone, "":
		return Auth{Kind: AuthNone}, nil
	case AuthBearer:
		return Auth{Kind: AuthBearer, Token: m.Token}, nil
	case AuthBasic:
		return Auth{Kind: AuthBasic, Username: m.Username, Password: m.Password}, nil
	case AuthOAuth:
		return Auth{
			Kind:         AuthOAuth,
			ClientID:     m.ClientID,
			ClientSecret: m.ClientSecret,
			DeviceURL:    m.DeviceURL,
			TokenURL:     m.TokenURL,
			Scopes:       m.Scopes,
			RefreshState: m.RefreshState,
		}, nil
	default:
		return Auth{}, fmt.Errorf("unknown auth kind %q", m.Kind)
	}
}

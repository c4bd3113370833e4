// Package validator rejects unsafe stdio subprocess commands before the
// Connection Pool ever spawns one.
package validator

import (
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// knownRuntimes is the allow-list of basenames that are never logged as
// suspicious even though they aren't individually vetted beyond the
// metacharacter check.
var knownRuntimes = map[string]bool{
	"node":    true,
	"npx":     true,
	"python":  true,
	"python3": true,
	"docker":  true,
	"uvx":     true,
	"uv":      true,
	"bash":    true,
	"sh":      true,
	"go":      true,
	"deno":    true,
	"bun":     true,
	"java":    true,
	"dotnet":  true,
}

// shellMetachars are rejected anywhere in a command or argument; their
// presence would let profile authors smuggle a second command into what
// looks like a single stdio invocation.
const shellMetachars = ";&|`$()<>"

// Reason describes why a command was rejected.
type Reason struct {
	Code    string
	Message string
}

func (r Reason) Error() string { return r.Code + ": " + r.Message }

// Result is the outcome of validating a stdio endpoint's command.
type Result struct {
	OK     bool
	Reason *Reason
}

// Validator checks stdio commands against the command-unsafe policy.
type Validator struct {
	logger zerolog.Logger
}

// New creates a Validator.
func New(logger zerolog.Logger) *Validator {
	return &Validator{logger: logger.With().Str("component", "validator").Logger()}
}

// Validate checks command, args, and env against the safety policy. It
// never executes anything; callers pass the result to the orchestrator
// before a Connection is created.
func (v *Validator) Validate(command string, args []string, env map[string]string) Result {
	if strings.TrimSpace(command) == "" {
		return reject("command_empty", "command must not be empty")
	}

	if strings.Contains(command, "../") {
		return reject("command_path_traversal", "command must not contain '../'")
	}

	if containsAny(command, shellMetachars) {
		return reject("command_shell_metachar", "command contains a disallowed shell metacharacter")
	}

	for i, a := range args {
		if containsAny(a, shellMetachars) {
			return reject("arg_shell_metachar", "argument "+strconv.Itoa(i)+" contains a disallowed shell metacharacter")
		}
	}

	for k, val := range env {
		if k == "" {
			return reject("env_key_empty", "environment variable name must not be empty")
		}
		_ = val // env values are already typed as strings by the profile schema.
	}

	base := filepath.Base(command)
	if !knownRuntimes[base] {
		if _, err := exec.LookPath(command); err != nil {
			v.logger.Warn().Str("command", command).Msg("unrecognized runtime, and it does not resolve to an executable on PATH")
		} else {
			v.logger.Warn().Str("command", command).Msg("unrecognized runtime allowed because it resolves to an executable")
		}
	}

	return Result{OK: true}
}

func reject(code, msg string) Result {
	return Result{OK: false, Reason: &Reason{Code: code, Message: msg}}
}

func containsAny(s, chars string) bool {
	return strings.ContainsAny(s, chars)
}

// Package registry maps command types to the chaincode contract, function,
// and positional arguments they submit. The mapping is static: it is built
// and validated once at startup, and an unknown type at dispatch time is a
// configuration fault, never a retry candidate.
package registry

import (
	"fmt"
	"sort"
	"strings"

	relayerrors "github.com/tesserafin/ledger-relay/relay/errors"
	"github.com/tesserafin/ledger-relay/relay/store"
)

// ArgsBuilder turns a stored command into the ordered string arguments the
// chaincode function expects. Builders validate the payload and return a
// VALIDATION error on malformed input.
type ArgsBuilder func(cmd *store.Command) ([]string, error)

// Definition binds one command type to its ledger entry point.
type Definition struct {
	Type      string
	Contract  string // named contract inside the tenant's chaincode; empty for the default
	Function  string
	BuildArgs ArgsBuilder
}

// QualifiedFunction renders the transaction name submitted to the gateway.
// Named contracts use the "contract:Function" form.
func (d Definition) QualifiedFunction() string {
	if d.Contract == "" {
		return d.Function
	}
	return d.Contract + ":" + d.Function
}

// Registry stores command definitions keyed by type.
type Registry struct {
	definitions map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]Definition)}
}

// Register adds one definition. Registering a blank or duplicate type, or a
// definition without a function or args builder, fails so that startup
// validation catches a bad table before any command is claimed.
func (r *Registry) Register(def Definition) error {
	def.Type = strings.TrimSpace(def.Type)
	if def.Type == "" {
		return relayerrors.NewConfigurationError("command type is required")
	}
	if strings.TrimSpace(def.Function) == "" {
		return relayerrors.NewConfigurationError(
			fmt.Sprintf("command type %s has no chaincode function", def.Type))
	}
	if def.BuildArgs == nil {
		return relayerrors.NewConfigurationError(
			fmt.Sprintf("command type %s has no args builder", def.Type))
	}
	if _, exists := r.definitions[def.Type]; exists {
		return relayerrors.NewConfigurationError(
			fmt.Sprintf("command type already registered: %s", def.Type))
	}

	r.definitions[def.Type] = def
	return nil
}

// Resolve returns the definition for a command type. Unknown types surface a
// CONFIGURATION error; the caller marks the command terminally failed.
func (r *Registry) Resolve(commandType string) (Definition, error) {
	def, ok := r.definitions[strings.TrimSpace(commandType)]
	if !ok {
		return Definition{}, relayerrors.NewConfigurationError(
			fmt.Sprintf("unknown command type: %s", commandType))
	}
	return def, nil
}

// Types returns the registered command types, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.definitions))
	for t := range r.definitions {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

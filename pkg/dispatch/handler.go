// Package dispatch receives action requests, applies the policy gate,
// enforces request_id idempotency and runs the named handler.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/clawos/kernel/pkg/contracts"
)

// Metadata describes a registered handler.
type Metadata struct {
	Name        string              `json:"name"`
	Writes      bool                `json:"writes"`
	Risk        contracts.RiskLevel `json:"risk_level"`
	Reversible  bool                `json:"reversible"`
	Description string              `json:"description"`
}

// Request is the execution context handed to a handler.
type Request struct {
	WorkspaceID string
	AgentID     string
	RequestID   string
	ActionType  string
	Payload     json.RawMessage
	StartedAt   time.Time
}

// Handler executes one action type. Run returns a JSON-serializable result
// or an error; errors persist the request as failed.
type Handler interface {
	Meta() Metadata
	Run(ctx context.Context, req *Request) (any, error)
}

// Registry is the static handler table built at startup. Registration after
// boot is not supported.
type Registry struct {
	handlers map[string]Handler
	schemas  map[string]*jsonschema.Schema
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Register adds a handler with an optional JSON Schema for its payload.
// Duplicate names and broken schemas are startup bugs, so both panic.
func (r *Registry) Register(h Handler, schema string) {
	name := h.Meta().Name
	if _, dup := r.handlers[name]; dup {
		panic("dispatch: duplicate handler " + name)
	}
	r.handlers[name] = h
	if schema == "" {
		return
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("dispatch: schema for %s: %v", name, err))
	}
	r.schemas[name] = c.MustCompile(url)
}

// Lookup returns the handler for an action type.
func (r *Registry) Lookup(actionType string) (Handler, bool) {
	h, ok := r.handlers[actionType]
	return h, ok
}

// List returns metadata for every registered handler.
func (r *Registry) List() []Metadata {
	out := make([]Metadata, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h.Meta())
	}
	return out
}

// ValidatePayload checks a payload against the handler's schema, if any.
func (r *Registry) ValidatePayload(actionType string, payload json.RawMessage) error {
	sch, ok := r.schemas[actionType]
	if !ok {
		return nil
	}
	var v any
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return contracts.E(contracts.CodeBadRequest, "payload is not JSON: %v", err)
	}
	if err := sch.Validate(v); err != nil {
		return contracts.E(contracts.CodeBadRequest, "payload for %s: %v", actionType, err)
	}
	return nil
}

package contracts

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// SchemaVersion is stamped into every persisted JSON blob. Decoders accept
// anything matching SchemaConstraint so the on-disk form can evolve without
// breaking old rows.
const SchemaVersion = "1.0.0"

// SchemaConstraint is the semver range the decoders accept.
const SchemaConstraint = "^1"

var schemaRange = semver.MustParse(SchemaVersion)

// Scope is the contract a token authorizes: which tools, which operations,
// and any resource constraints the policy engine evaluates.
type Scope struct {
	AllowedTools        []string       `json:"allowed_tools"`
	Operations          []string       `json:"operations,omitempty"`
	ResourceConstraints map[string]any `json:"resource_constraints,omitempty"`
}

// Allows reports whether the scope permits the named tool.
func (s Scope) Allows(tool string) bool {
	for _, t := range s.AllowedTools {
		if t == tool {
			return true
		}
	}
	return false
}

// SubsetOf reports whether every tool in s is also allowed by parent.
func (s Scope) SubsetOf(parent Scope) bool {
	for _, t := range s.AllowedTools {
		if !parent.Allows(t) {
			return false
		}
	}
	return true
}

// HasOperatorApprovals reports whether the operations list carries the
// operator.approvals grant, which bypasses the approval gate for nested
// dispatches made under an already-verified DCT.
func (s Scope) HasOperatorApprovals() bool {
	for _, op := range s.Operations {
		if op == "operator.approvals" {
			return true
		}
	}
	return false
}

// AcceptanceCheck is one verification rule of a task contract.
// Supported types: "min_artifacts" (with Count) and "subagents_finished".
type AcceptanceCheck struct {
	Type  string `json:"type"`
	Count int    `json:"count,omitempty"`
}

// ContractScope narrows a task to the tools its subagents may use.
type ContractScope struct {
	Tools []string `json:"tools,omitempty"`
}

// TaskContract is the contract-first definition of a task.
type TaskContract struct {
	Objective        string            `json:"objective"`
	Scope            ContractScope     `json:"scope"`
	Deliverables     []string          `json:"deliverables,omitempty"`
	AcceptanceChecks []AcceptanceCheck `json:"acceptance_checks,omitempty"`
}

// DeliverableType discriminates what an objective must produce.
type DeliverableType string

const (
	DeliverList   DeliverableType = "list"
	DeliverAnswer DeliverableType = "answer"
	DeliverCode   DeliverableType = "code"
	DeliverFile   DeliverableType = "file"
	DeliverNone   DeliverableType = "none"
)

// RequiredDeliverable specifies what an objective must produce before it can
// be considered complete.
type RequiredDeliverable struct {
	Type        DeliverableType `json:"type"`
	Count       int             `json:"count,omitempty"`
	Description string          `json:"description,omitempty"`
	ItemFormat  string          `json:"item_format,omitempty"`
}

// versionedBlob wraps a value with its schema version for persistence.
type versionedBlob struct {
	SchemaVersion string          `json:"schema_version"`
	Value         json.RawMessage `json:"value"`
}

// EncodeJSON serializes v as a versioned blob for a JSON column.
func EncodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode blob: %w", err)
	}
	out, err := json.Marshal(versionedBlob{SchemaVersion: SchemaVersion, Value: raw})
	if err != nil {
		return "", fmt.Errorf("encode blob envelope: %w", err)
	}
	return string(out), nil
}

// DecodeJSON parses a versioned blob produced by EncodeJSON. Blobs written
// before versioning (no envelope) decode directly for compatibility.
func DecodeJSON(data string, out any) error {
	if data == "" {
		return nil
	}
	var blob versionedBlob
	if err := json.Unmarshal([]byte(data), &blob); err == nil && blob.SchemaVersion != "" {
		if err := checkSchemaVersion(blob.SchemaVersion); err != nil {
			return err
		}
		return json.Unmarshal(blob.Value, out)
	}
	return json.Unmarshal([]byte(data), out)
}

func checkSchemaVersion(v string) error {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("bad schema version %q: %w", v, err)
	}
	c, err := semver.NewConstraint(SchemaConstraint)
	if err != nil {
		return err
	}
	if !c.Check(ver) {
		return fmt.Errorf("schema version %s outside %s (current %s)", v, SchemaConstraint, schemaRange)
	}
	return nil
}

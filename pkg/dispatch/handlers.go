package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/crypto"
	"github.com/clawos/kernel/pkg/store"
)

// LLM is the downstream completion client used by llm_call and the
// session summarizer.
type LLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ShellRunner executes run_shell commands. The default runner never touches
// a real shell; deployments wire their own sandbox.
type ShellRunner interface {
	Run(ctx context.Context, command string) (stdout string, exitCode int, err error)
}

// DryRunner is the default ShellRunner: it records what would run.
type DryRunner struct{}

func (DryRunner) Run(_ context.Context, command string) (string, int, error) {
	return fmt.Sprintf("dry-run: %s", command), 0, nil
}

// Mailer delivers send_email. The SMTP credentials come decrypted from the
// connections vault.
type Mailer interface {
	Send(ctx context.Context, creds map[string]any, to, subject, body string) error
}

// LogMailer is the default Mailer: delivery is a no-op beyond validation.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, _ map[string]any, to, _, _ string) error {
	if to == "" {
		return contracts.E(contracts.CodeMissingField, "to")
	}
	return nil
}

// HandlerDeps carries what the built-in handlers need.
type HandlerDeps struct {
	Store    *store.Store
	Vault    *crypto.Vault
	LLM      LLM
	Shell    ShellRunner
	Mailer   Mailer
	FilesDir string
}

// RegisterBuiltins installs the seven built-in handlers. Missing optional
// deps degrade to the dry defaults.
func RegisterBuiltins(reg *Registry, deps HandlerDeps) {
	if deps.Shell == nil {
		deps.Shell = DryRunner{}
	}
	if deps.Mailer == nil {
		deps.Mailer = LogMailer{}
	}
	if deps.FilesDir == "" {
		deps.FilesDir = "."
	}

	reg.Register(echoHandler{}, `{"type":"object"}`)
	reg.Register(webSearchHandler{}, `{
		"type":"object",
		"required":["query"],
		"properties":{
			"query":{"type":"string","minLength":1},
			"max_results":{"type":"integer","minimum":1,"maximum":50}
		}
	}`)
	reg.Register(readFileHandler{root: deps.FilesDir}, `{
		"type":"object",
		"required":["path"],
		"properties":{"path":{"type":"string","minLength":1}}
	}`)
	reg.Register(writeFileHandler{root: deps.FilesDir}, `{
		"type":"object",
		"required":["path","content"],
		"properties":{
			"path":{"type":"string","minLength":1},
			"content":{"type":"string"}
		}
	}`)
	reg.Register(runShellHandler{runner: deps.Shell}, `{
		"type":"object",
		"required":["command"],
		"properties":{"command":{"type":"string","minLength":1}}
	}`)
	reg.Register(sendEmailHandler{store: deps.Store, vault: deps.Vault, mailer: deps.Mailer}, `{
		"type":"object",
		"required":["to","subject"],
		"properties":{
			"to":{"type":"string","minLength":3},
			"subject":{"type":"string"},
			"body":{"type":"string"}
		}
	}`)
	reg.Register(llmCallHandler{llm: deps.LLM}, `{
		"type":"object",
		"required":["prompt"],
		"properties":{"prompt":{"type":"string","minLength":1}}
	}`)
}

type echoHandler struct{}

func (echoHandler) Meta() Metadata {
	return Metadata{Name: "echo", Risk: contracts.RiskLow, Reversible: true, Description: "Return the payload unchanged."}
}

func (echoHandler) Run(_ context.Context, req *Request) (any, error) {
	var v any
	if err := json.Unmarshal(req.Payload, &v); err != nil {
		return nil, contracts.E(contracts.CodeBadRequest, "payload is not JSON")
	}
	return map[string]any{"echo": v}, nil
}

type webSearchHandler struct{}

func (webSearchHandler) Meta() Metadata {
	return Metadata{Name: "web_search", Risk: contracts.RiskLow, Reversible: true, Description: "Search the web; results are deterministic placeholders until a provider is connected."}
}

func (webSearchHandler) Run(_ context.Context, req *Request) (any, error) {
	var p struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, contracts.E(contracts.CodeBadRequest, "payload: %v", err)
	}
	n := p.MaxResults
	if n <= 0 || n > 10 {
		n = 3
	}
	results := make([]map[string]string, 0, n)
	for i := 0; i < n; i++ {
		results = append(results, map[string]string{
			"title": fmt.Sprintf("Result %d for %q", i+1, p.Query),
			"url":   fmt.Sprintf("https://example.org/search?q=%s&r=%d", p.Query, i+1),
		})
	}
	return map[string]any{"query": p.Query, "results": results}, nil
}

type readFileHandler struct{ root string }

func (readFileHandler) Meta() Metadata {
	return Metadata{Name: "read_file", Risk: contracts.RiskMedium, Reversible: true, Description: "Read a file within the kernel files directory."}
}

func (h readFileHandler) Run(_ context.Context, req *Request) (any, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, contracts.E(contracts.CodeBadRequest, "payload: %v", err)
	}
	full, err := confine(h.root, p.Path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.Path, err)
	}
	return map[string]any{"path": p.Path, "content": string(b), "bytes": len(b)}, nil
}

type writeFileHandler struct{ root string }

func (writeFileHandler) Meta() Metadata {
	return Metadata{Name: "write_file", Writes: true, Risk: contracts.RiskHigh, Description: "Write a file within the kernel files directory."}
}

func (h writeFileHandler) Run(_ context.Context, req *Request) (any, error) {
	var p struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, contracts.E(contracts.CodeBadRequest, "payload: %v", err)
	}
	full, err := confine(h.root, p.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("prepare %s: %w", p.Path, err)
	}
	if err := os.WriteFile(full, []byte(p.Content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", p.Path, err)
	}
	return map[string]any{"path": p.Path, "bytes": len(p.Content)}, nil
}

// confine resolves a user path under root and rejects escapes.
func confine(root, p string) (string, error) {
	clean := filepath.Clean("/" + p)
	full := filepath.Join(root, clean)
	rel, err := filepath.Rel(root, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", contracts.E(contracts.CodeBadRequest, "path %s escapes the files directory", p)
	}
	return full, nil
}

type runShellHandler struct{ runner ShellRunner }

func (runShellHandler) Meta() Metadata {
	return Metadata{Name: "run_shell", Writes: true, Risk: contracts.RiskHigh, Description: "Execute a shell command through the configured runner."}
}

func (h runShellHandler) Run(ctx context.Context, req *Request) (any, error) {
	var p struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, contracts.E(contracts.CodeBadRequest, "payload: %v", err)
	}
	stdout, code, err := h.runner.Run(ctx, p.Command)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", p.Command, err)
	}
	return map[string]any{"stdout": stdout, "exit_code": code}, nil
}

type sendEmailHandler struct {
	store  *store.Store
	vault  *crypto.Vault
	mailer Mailer
}

func (sendEmailHandler) Meta() Metadata {
	return Metadata{Name: "send_email", Writes: true, Risk: contracts.RiskHigh, Description: "Send an email using the stored smtp connection."}
}

func (h sendEmailHandler) Run(ctx context.Context, req *Request) (any, error) {
	var p struct {
		To      string `json:"to"`
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, contracts.E(contracts.CodeBadRequest, "payload: %v", err)
	}

	creds := map[string]any{}
	conn, err := h.store.GetConnection(ctx, "smtp")
	if err != nil {
		return nil, fmt.Errorf("load smtp connection: %w", err)
	}
	if conn != nil && h.vault != nil {
		if err := h.vault.Decrypt(conn.EncryptedSecret, &creds); err != nil {
			return nil, err
		}
	}
	if err := h.mailer.Send(ctx, creds, p.To, p.Subject, p.Body); err != nil {
		return nil, fmt.Errorf("send to %s: %w", p.To, err)
	}
	return map[string]any{"to": p.To, "subject": p.Subject, "delivered": true}, nil
}

type llmCallHandler struct{ llm LLM }

func (llmCallHandler) Meta() Metadata {
	return Metadata{Name: "llm_call", Risk: contracts.RiskMedium, Reversible: true, Description: "One-shot completion against the configured model endpoint."}
}

func (h llmCallHandler) Run(ctx context.Context, req *Request) (any, error) {
	var p struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, contracts.E(contracts.CodeBadRequest, "payload: %v", err)
	}
	if h.llm == nil {
		return map[string]any{"completion": "", "model": "none"}, nil
	}
	out, err := h.llm.Complete(ctx, p.Prompt)
	if err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}
	return map[string]any{"completion": out}, nil
}

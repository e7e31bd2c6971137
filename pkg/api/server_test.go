package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawos/kernel/pkg/approval"
	"github.com/clawos/kernel/pkg/artifacts"
	"github.com/clawos/kernel/pkg/audit"
	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/crypto"
	"github.com/clawos/kernel/pkg/dispatch"
	"github.com/clawos/kernel/pkg/identity"
	"github.com/clawos/kernel/pkg/kernel"
	"github.com/clawos/kernel/pkg/policy"
	"github.com/clawos/kernel/pkg/session"
	"github.com/clawos/kernel/pkg/store"
	"github.com/clawos/kernel/pkg/task"
	"github.com/clawos/kernel/pkg/token"
	"github.com/clawos/kernel/pkg/worker"
)

type env struct {
	t       *testing.T
	handler http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	clock := contracts.WallClock{}
	require.NoError(t, policy.Seed(ctx, st, clock, nil))

	masterKey, err := crypto.EnsureMasterKey(ctx, st)
	require.NoError(t, err)
	vault, err := crypto.NewVault(masterKey)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := audit.New(logger)
	ids := identity.NewService(st, clock)
	eng := policy.NewEngine(st, clock)
	aprs := approval.NewService(st, clock)
	tok := token.NewService(st, crypto.NewSigner("test"), clock)

	reg := dispatch.NewRegistry()
	dispatch.RegisterBuiltins(reg, dispatch.HandlerDeps{Store: st, Vault: vault, FilesDir: t.TempDir()})
	disp := dispatch.New(st, eng, aprs, tok, reg, rec, clock)

	off := artifacts.NewOffloader(&artifacts.DirStore{Root: t.TempDir()})
	runner := worker.New(st, ids, disp, off, rec, clock)
	tasks := task.NewService(st, ids, off, clock)
	sessions := session.NewResolver(st, clock)

	srv := NewServer(Deps{
		Store:      st,
		Gate:       kernel.NewGate(st, clock),
		Identity:   ids,
		Policy:     eng,
		Tokens:     tok,
		Approvals:  aprs,
		Dispatcher: disp,
		Worker:     runner,
		Tasks:      tasks,
		Sessions:   sessions,
		Vault:      vault,
		Audit:      rec,
		Clock:      clock,
		Logger:     logger,
		Version:    "0.1.0",
	})
	return &env{t: t, handler: srv.Handler()}
}

func (e *env) do(method, path string, body any, headers map[string]string) (int, map[string]any) {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(e.t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rw := httptest.NewRecorder()
	e.handler.ServeHTTP(rw, req)

	out := map[string]any{}
	if rw.Body.Len() > 0 {
		require.NoError(e.t, json.Unmarshal(rw.Body.Bytes(), &out))
	}
	return rw.Code, out
}

// setup unlocks the kernel and returns a workspace with one registered agent.
func (e *env) bootstrap() (wsID string) {
	e.t.Helper()
	code, _ := e.do("POST", "/kernel/setup", map[string]any{"recovery_phrase": "open sesame"}, nil)
	require.Equal(e.t, http.StatusOK, code)

	code, out := e.do("POST", "/kernel/workspaces", map[string]any{"type": "personal"}, nil)
	require.Equal(e.t, http.StatusOK, code)
	wsID = out["workspace_id"].(string)

	code, _ = e.do("POST", "/kernel/agents", map[string]any{
		"workspace_id": wsID, "agent_id": "agent-1", "role": "orchestrator",
	}, nil)
	require.Equal(e.t, http.StatusOK, code)
	return wsID
}

func (e *env) createTask(wsID string) string {
	e.t.Helper()
	code, out := e.do("POST", "/kernel/tasks", map[string]any{
		"workspace_id": wsID,
		"agent_id":     "agent-1",
		"title":        "research",
		"contract": map[string]any{
			"objective":         "find links",
			"acceptance_checks": []map[string]any{{"type": "min_artifacts", "count": 1}},
		},
	}, nil)
	require.Equal(e.t, http.StatusOK, code)
	return out["task"].(map[string]any)["task_id"].(string)
}

func TestHealthAndLockGate(t *testing.T) {
	e := newEnv(t)

	code, out := e.do("GET", "/kernel/health", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "0.1.0", out["version"])
	assert.Equal(t, "ok", out["db"])

	// Everything but setup, unlock and health answers kernel_locked.
	code, out = e.do("POST", "/kernel/workspaces", map[string]any{"type": "x"}, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "kernel_locked", out["error"])
}

func TestSetupAndUnlock(t *testing.T) {
	e := newEnv(t)

	code, out := e.do("POST", "/kernel/setup", map[string]any{"recovery_phrase": "open sesame"}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["initialized"])

	// Setup is first-write-wins.
	code, out = e.do("POST", "/kernel/setup", map[string]any{"recovery_phrase": "other"}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["already_set"])

	code, out = e.do("POST", "/kernel/unlock", map[string]any{"recovery_phrase": "wrong"}, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "recovery_phrase_mismatch", out["error"])

	code, out = e.do("POST", "/kernel/unlock", map[string]any{"recovery_phrase": "open sesame"}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, out["session_token"])
}

func TestLowRiskDelegationFlow(t *testing.T) {
	e := newEnv(t)
	ws := e.bootstrap()
	taskID := e.createTask(ws)

	code, out := e.do("POST", "/kernel/subagents", map[string]any{
		"workspace_id": ws, "agent_id": "agent-1", "task_id": taskID,
		"worker_type": "web_researcher",
	}, nil)
	require.Equal(t, http.StatusOK, code)
	subID := out["subagent"].(map[string]any)["subagent_id"].(string)

	// web_search is auto: the token mints without an approval round.
	code, out = e.do("POST", "/kernel/tokens/request", map[string]any{
		"workspace_id": ws, "agent_id": "agent-1",
		"issue_to": map[string]any{"kind": "subagent", "id": subID},
		"scope":    map[string]any{"allowed_tools": []string{"web_search"}},
	}, nil)
	require.Equal(t, http.StatusOK, code)
	bearer := out["token"].(string)
	require.NotEmpty(t, bearer)

	code, out = e.do("POST", "/kernel/subagents/"+subID+"/run",
		map[string]any{"input": map[string]any{"query": "golang", "max_results": 2}},
		map[string]string{"Authorization": "Bearer " + bearer})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "finished", out["status"])
	require.NotNil(t, out["artifact"])

	code, out = e.do("GET", "/kernel/tasks/"+taskID+"/events?workspace_id="+ws, nil, nil)
	require.Equal(t, http.StatusOK, code)
	var types []string
	for _, ev := range out["events"].([]any) {
		types = append(types, ev.(map[string]any)["type"].(string))
	}
	assert.Equal(t, []string{
		"task.created", "subagent.spawned", "token.issued",
		"worker.started", "worker.completed",
	}, types)

	code, out = e.do("POST", "/kernel/tasks/"+taskID+"/verify",
		map[string]any{"workspace_id": ws}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["passed"])
	assert.Equal(t, "succeeded", out["status"])
}

func TestHighRiskTokenNeedsApproval(t *testing.T) {
	e := newEnv(t)
	ws := e.bootstrap()

	req := map[string]any{
		"workspace_id": ws, "agent_id": "agent-1",
		"issue_to": map[string]any{"kind": "agent", "id": "agent-1"},
		"scope":    map[string]any{"allowed_tools": []string{"run_shell"}},
	}
	code, out := e.do("POST", "/kernel/tokens/request", req, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["needs_approval"])
	assert.Equal(t, "HIGH", out["risk_level"])
	darID := out["dar_id"].(string)

	// Redeeming before the grant fails.
	req["dar_id"] = darID
	code, out = e.do("POST", "/kernel/tokens/request", req, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "approval_not_granted", out["error"])

	code, _ = e.do("POST", "/kernel/dct_approvals/"+darID+"/grant", nil, nil)
	require.Equal(t, http.StatusOK, code)

	code, out = e.do("POST", "/kernel/tokens/request", req, nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, out["token"])

	// A denied request never mints.
	code, out = e.do("POST", "/kernel/tokens/request", map[string]any{
		"workspace_id": ws, "agent_id": "agent-1",
		"issue_to": map[string]any{"kind": "agent", "id": "agent-1"},
		"scope":    map[string]any{"allowed_tools": []string{"send_email"}},
	}, nil)
	require.Equal(t, http.StatusOK, code)
	denyID := out["dar_id"].(string)
	code, _ = e.do("POST", "/kernel/dct_approvals/"+denyID+"/deny", nil, nil)
	require.Equal(t, http.StatusOK, code)

	code, out = e.do("POST", "/kernel/tokens/request", map[string]any{
		"workspace_id": ws, "agent_id": "agent-1",
		"issue_to": map[string]any{"kind": "agent", "id": "agent-1"},
		"scope":    map[string]any{"allowed_tools": []string{"send_email"}},
		"dar_id":   denyID,
	}, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "dct_approval_denied", out["error"])
}

func TestTokenTamperingRejected(t *testing.T) {
	e := newEnv(t)
	ws := e.bootstrap()
	taskID := e.createTask(ws)

	code, out := e.do("POST", "/kernel/subagents", map[string]any{
		"workspace_id": ws, "agent_id": "agent-1", "task_id": taskID,
		"worker_type": "default",
	}, nil)
	require.Equal(t, http.StatusOK, code)
	subID := out["subagent"].(map[string]any)["subagent_id"].(string)

	code, out = e.do("POST", "/kernel/tokens/request", map[string]any{
		"workspace_id": ws, "agent_id": "agent-1",
		"issue_to": map[string]any{"kind": "subagent", "id": subID},
		"scope":    map[string]any{"allowed_tools": []string{"web_search"}},
	}, nil)
	require.Equal(t, http.StatusOK, code)
	bearer := out["token"].(string)

	// Flip one character of the signature.
	dot := strings.LastIndex(bearer, ".")
	sig := []byte(bearer[dot+1:])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := bearer[:dot+1] + string(sig)

	code, out = e.do("POST", "/kernel/subagents/"+subID+"/run",
		map[string]any{"input": map[string]any{}},
		map[string]string{"Authorization": "Bearer " + tampered})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "invalid_or_expired_token", out["error"])
}

func TestTokenBindingEnforced(t *testing.T) {
	e := newEnv(t)
	ws := e.bootstrap()
	taskID := e.createTask(ws)

	spawn := func() string {
		code, out := e.do("POST", "/kernel/subagents", map[string]any{
			"workspace_id": ws, "agent_id": "agent-1", "task_id": taskID,
			"worker_type": "default",
		}, nil)
		require.Equal(t, http.StatusOK, code)
		return out["subagent"].(map[string]any)["subagent_id"].(string)
	}
	subA, subB := spawn(), spawn()

	code, out := e.do("POST", "/kernel/tokens/request", map[string]any{
		"workspace_id": ws, "agent_id": "agent-1",
		"issue_to": map[string]any{"kind": "subagent", "id": subA},
		"scope":    map[string]any{"allowed_tools": []string{"echo"}},
	}, nil)
	require.Equal(t, http.StatusOK, code)
	bearerA := out["token"].(string)

	// A token for subagent A does not run subagent B.
	code, out = e.do("POST", "/kernel/subagents/"+subB+"/run",
		map[string]any{"input": map[string]any{}},
		map[string]string{"Authorization": "Bearer " + bearerA})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "token_not_bound_to_this_subagent", out["error"])

	// A non-parent agent cannot request tokens for the subagent.
	code, _ = e.do("POST", "/kernel/agents", map[string]any{
		"workspace_id": ws, "agent_id": "agent-2",
	}, nil)
	require.Equal(t, http.StatusOK, code)
	code, out = e.do("POST", "/kernel/tokens/request", map[string]any{
		"workspace_id": ws, "agent_id": "agent-2",
		"issue_to": map[string]any{"kind": "subagent", "id": subA},
		"scope":    map[string]any{"allowed_tools": []string{"echo"}},
	}, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "subagent_not_owned_by_requesting_agent", out["error"])

	// Agents may only self-issue.
	code, out = e.do("POST", "/kernel/tokens/request", map[string]any{
		"workspace_id": ws, "agent_id": "agent-1",
		"issue_to": map[string]any{"kind": "agent", "id": "agent-2"},
	}, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "agents_may_only_request_tokens_for_themselves_v1", out["error"])
}

func TestActionIdempotencyOverHTTP(t *testing.T) {
	e := newEnv(t)
	ws := e.bootstrap()

	body := map[string]any{
		"workspace_id": ws, "agent_id": "agent-1",
		"action_type": "echo", "request_id": "req-http-1",
		"payload": map[string]any{"n": 1},
	}
	code, first := e.do("POST", "/kernel/action_requests", body, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", first["status"])

	code, second := e.do("POST", "/kernel/action_requests", body, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, first["result"], second["result"])

	body["payload"] = map[string]any{"n": 2}
	code, out := e.do("POST", "/kernel/action_requests", body, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "conflict", out["error"])
}

func TestActionApprovalFlowOverHTTP(t *testing.T) {
	e := newEnv(t)
	ws := e.bootstrap()

	body := map[string]any{
		"workspace_id": ws, "agent_id": "agent-1",
		"action_type": "run_shell", "request_id": "req-shell-http",
		"payload": map[string]any{"command": "date"},
	}
	code, out := e.do("POST", "/kernel/action_requests", body, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "approval_required", out["status"])
	approvalID := out["approval_id"].(string)

	code, _ = e.do("POST", "/kernel/approvals/"+approvalID+"/approve",
		map[string]any{"reason": "fine"}, nil)
	require.Equal(t, http.StatusOK, code)

	// Re-deciding is a conflict.
	code, out = e.do("POST", "/kernel/approvals/"+approvalID+"/reject", nil, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_approved", out["error"])

	code, out = e.do("POST", "/kernel/tokens/issue", map[string]any{
		"workspace_id": ws, "approval_id": approvalID,
	}, nil)
	require.Equal(t, http.StatusOK, code)
	capBearer := out["token"].(string)

	code, out = e.do("POST", "/kernel/tokens/verify", map[string]any{
		"token": capBearer, "workspace_id": ws,
		"action_request_id": "req-shell-http", "tool_name": "run_shell",
	}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["valid"])

	body["approval_token"] = capBearer
	code, out = e.do("POST", "/kernel/action_requests", body, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", out["status"])
}

func TestSessionResolveOverHTTP(t *testing.T) {
	e := newEnv(t)
	ws := e.bootstrap()

	body := map[string]any{
		"workspace_id": ws, "channel": "whatsapp",
		"remote_jid": "jid-1", "message": "hello there",
	}
	code, first := e.do("POST", "/kernel/sessions/resolve", body, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "new", first["decision"])
	assert.Equal(t, "no_session", first["reason"])

	body["message"] = "reset"
	code, second := e.do("POST", "/kernel/sessions/resolve", body, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "new", second["decision"])
	assert.Equal(t, "explicit_reset", second["reason"])
	assert.NotEqual(t, first["session_id"], second["session_id"])

	code, out := e.do("PATCH", "/kernel/sessions/"+second["session_id"].(string),
		map[string]any{"user_message": "hi", "assistant_reply": "hello"}, nil)
	require.Equal(t, http.StatusOK, code)
	sess := out["session"].(map[string]any)
	assert.Equal(t, float64(1), sess["turn_count"])
}

func TestConnectionsNeverLeakSecrets(t *testing.T) {
	e := newEnv(t)
	e.bootstrap()

	code, _ := e.do("PUT", "/kernel/connections/smtp", map[string]any{
		"secret": map[string]any{"host": "smtp.example.org", "password": "hunter2"},
	}, nil)
	require.Equal(t, http.StatusOK, code)

	code, out := e.do("GET", "/kernel/connections/smtp", nil, nil)
	require.Equal(t, http.StatusOK, code)
	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")

	code, _ = e.do("DELETE", "/kernel/connections/smtp", nil, nil)
	require.Equal(t, http.StatusOK, code)
	code, out = e.do("GET", "/kernel/connections/smtp", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "connection_not_found", out["error"])
}

func TestRiskPolicyEditOverHTTP(t *testing.T) {
	e := newEnv(t)
	ws := e.bootstrap()

	code, _ := e.do("PUT", "/kernel/risk_policies/echo", map[string]any{
		"workspace_id": ws, "mode": "block",
	}, nil)
	require.Equal(t, http.StatusOK, code)

	code, out := e.do("POST", "/kernel/action_requests", map[string]any{
		"workspace_id": ws, "agent_id": "agent-1",
		"action_type": "echo", "payload": map[string]any{},
	}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "blocked", out["status"])

	code, out = e.do("PUT", "/kernel/risk_policies/echo", map[string]any{
		"workspace_id": ws, "mode": "sometimes",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "bad_request", out["error"])
}

package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/execgate/internal/approvals"
	"github.com/agentsh/execgate/internal/store/sqlite"
	"github.com/agentsh/execgate/pkg/types"
)

type cliEnv struct {
	dir       string
	bin       string
	config    string
	allowlist string
	auditDB   string
}

// newCLIEnv writes stub executables, an allowlist that trusts git and a
// config pointing at both. PATH is narrowed to the stub directory.
func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("executable bit stubs are POSIX only")
	}
	dir := t.TempDir()
	e := cliEnv{
		dir:       dir,
		bin:       filepath.Join(dir, "bin"),
		config:    filepath.Join(dir, "config.yaml"),
		allowlist: filepath.Join(dir, "allowlist.yaml"),
		auditDB:   filepath.Join(dir, "data", "audit.db"),
	}
	require.NoError(t, os.MkdirAll(e.bin, 0o755))
	for _, n := range []string{"git", "rm", "jq"} {
		require.NoError(t, os.WriteFile(filepath.Join(e.bin, n), []byte("#!/bin/sh\n"), 0o755))
	}
	al := "version: 1\nagents:\n  default:\n    allowlist:\n      - pattern: " + filepath.Join(e.bin, "git") + "\n"
	require.NoError(t, os.WriteFile(e.allowlist, []byte(al), 0o600))

	cfg := "exec:\n  platform: linux\n  trusted_safe_bin_dirs: [" + e.bin + "]\n" +
		"allowlist: {path: " + e.allowlist + ", watch: false}\n" +
		"audit: {sqlite_path: " + e.auditDB + "}\n" +
		"logging: {level: error}\n"
	require.NoError(t, os.WriteFile(e.config, []byte(cfg), 0o600))

	t.Setenv("PATH", e.bin)
	t.Setenv("EXECGATE_SERVER", "")
	t.Setenv("EXECGATE_SECURITY", "")
	t.Setenv("EXECGATE_ASK", "")
	return e
}

func (e cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRoot("test")
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return ExitAllowed
	}
	var ee *ExitError
	require.True(t, errors.As(err, &ee), "want *ExitError, got %v", err)
	return ee.Code()
}

func TestRoot_Version(t *testing.T) {
	cmd := NewRoot("1.2.3")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "execgate 1.2.3\n", out.String())
}

func TestCheck_Outcomes(t *testing.T) {
	e := newCLIEnv(t)

	out, err := e.run(t, "check", "--no-prompt", "--cwd", e.bin, "git", "status")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "allowed: "), out)

	out, err = e.run(t, "check", "--no-prompt", "--cwd", e.bin, "rm -rf build")
	assert.Equal(t, ExitDenied, exitCode(t, err))
	assert.True(t, strings.HasPrefix(out, "denied: "), out)

	// Flags after the first argument belong to the checked command.
	_, err = e.run(t, "check", "--no-prompt", "--argv", "--cwd", e.bin, "git", "log", "--oneline")
	assert.NoError(t, err)

	out, err = e.run(t, "check", "--no-prompt", "--json", "--cwd", e.bin, "git status && rm x")
	assert.Equal(t, ExitDenied, exitCode(t, err))
	var ticket approvals.Ticket
	require.NoError(t, json.Unmarshal([]byte(out), &ticket))
	assert.Equal(t, approvals.OutcomeDenied, ticket.Outcome)

	st, err := sqlite.Open(e.auditDB)
	require.NoError(t, err)
	defer st.Close()
	all, err := st.AllEvents(t.Context())
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestCheck_SecurityFullFromEnv(t *testing.T) {
	e := newCLIEnv(t)
	t.Setenv("EXECGATE_ASK", "off")
	t.Setenv("EXECGATE_SECURITY", "full")
	_, err := e.run(t, "check", "--no-prompt", "--cwd", e.bin, "rm -rf build")
	assert.NoError(t, err)
}

func TestAnalyze_PrintsAnalysisAndResult(t *testing.T) {
	e := newCLIEnv(t)

	out, err := e.run(t, "analyze", "--cwd", e.bin, "git status | jq -r .name")
	require.NoError(t, err)
	var got struct {
		Analysis struct {
			OK       bool              `json:"ok"`
			Segments []json.RawMessage `json:"segments"`
		} `json:"analysis"`
		Result struct {
			Decision types.Decision `json:"decision"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.True(t, got.Analysis.OK)
	assert.Len(t, got.Analysis.Segments, 2)
	assert.Equal(t, types.DecisionAllow, got.Result.Decision)

	_, err = e.run(t, "analyze", "--exit-code", "--cwd", e.bin, "rm x")
	assert.Equal(t, ExitPending, exitCode(t, err))

	_, err = e.run(t, "analyze", "--exit-code", "--cwd", e.bin, "git status > out")
	assert.Equal(t, ExitPending, exitCode(t, err))

	// Analysis never writes the audit log.
	_, statErr := os.Stat(e.auditDB)
	assert.True(t, os.IsNotExist(statErr))
}

func TestAllowlist_LocalEdits(t *testing.T) {
	e := newCLIEnv(t)
	rm := filepath.Join(e.bin, "rm")

	out, err := e.run(t, "allowlist", "add", rm, rm)
	require.NoError(t, err)
	assert.Equal(t, "added "+rm+"\n", out)

	out, err = e.run(t, "allowlist", "add", rm)
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to add")

	out, err = e.run(t, "allowlist", "list")
	require.NoError(t, err)
	assert.Contains(t, out, rm)
	assert.Contains(t, out, filepath.Join(e.bin, "git"))

	_, err = e.run(t, "check", "--no-prompt", "--cwd", e.bin, "rm -rf build")
	assert.NoError(t, err)

	_, err = e.run(t, "allowlist", "remove", rm)
	require.NoError(t, err)
	_, err = e.run(t, "allowlist", "remove", rm)
	assert.ErrorContains(t, err, "not found")

	out, err = e.run(t, "allowlist", "list", "--json", "--agent", "other")
	require.NoError(t, err)
	assert.Equal(t, "null\n", out)
}

func TestProfiles(t *testing.T) {
	e := newCLIEnv(t)
	cfg := "allowlist: {path: " + e.allowlist + "}\n" +
		"exec:\n  safe_bins: [jq]\n  safe_bin_profiles:\n    mytool: {max_positional: 1}\n"
	require.NoError(t, os.WriteFile(e.config, []byte(cfg), 0o600))

	out, err := e.run(t, "profiles")
	require.NoError(t, err)
	assert.Contains(t, out, "mytool")
	assert.Contains(t, out, "jq")

	out, err = e.run(t, "profiles", "jq")
	require.NoError(t, err)
	var v profileView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.True(t, v.Enabled)
	assert.Contains(t, v.Spec.DeniedFlags, "-f")

	out, err = e.run(t, "profiles", "jq", "-r", ".name")
	require.NoError(t, err)
	assert.Equal(t, "allowed\n", out)

	_, err = e.run(t, "profiles", "jq", "-f", "prog.jq")
	assert.Equal(t, ExitDenied, exitCode(t, err))

	_, err = e.run(t, "profiles", "nope")
	assert.ErrorContains(t, err, "no safe-bin profile")
}

func TestAuditVerify(t *testing.T) {
	t.Setenv("EXECGATE_CLI_TEST_KEY", strings.Repeat("k", 32))
	e := newCLIEnv(t)
	cfg, err := os.ReadFile(e.config)
	require.NoError(t, err)
	cfg = bytes.Replace(cfg, []byte("audit: {sqlite_path: "+e.auditDB+"}"),
		[]byte("audit: {sqlite_path: "+e.auditDB+", jsonl: {path: "+filepath.Join(e.dir, "audit.jsonl")+"}, integrity: {enabled: true, key_env: EXECGATE_CLI_TEST_KEY}}"), 1)
	require.NoError(t, os.WriteFile(e.config, cfg, 0o600))

	for _, c := range []string{"git status", "rm x"} {
		_, _ = e.run(t, "check", "--no-prompt", "--cwd", e.bin, c)
	}

	out, err := e.run(t, "audit", "verify")
	require.NoError(t, err)
	assert.Equal(t, "OK: 2 entries verified\n", out)

	out, err = e.run(t, "audit", "verify", "--jsonl", filepath.Join(e.dir, "audit.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "OK: 2 entries verified\n", out)

	_, err = e.run(t, "audit", "verify", "--jsonl", filepath.Join(e.dir, "missing.jsonl"))
	assert.ErrorContains(t, err, "no such file")

	t.Setenv("EXECGATE_OTHER_KEY", strings.Repeat("x", 32))
	_, err = e.run(t, "audit", "verify", "--key-env", "EXECGATE_OTHER_KEY")
	assert.Equal(t, ExitDenied, exitCode(t, err))

	_, err = e.run(t, "audit", "verify", "--algorithm", "md5")
	assert.ErrorContains(t, err, "unsupported algorithm")
}

func TestAuditVerify_RequiresKey(t *testing.T) {
	e := newCLIEnv(t)
	_, err := e.run(t, "audit", "verify")
	assert.ErrorContains(t, err, "--key-file or --key-env is required")
}

func TestRemoteCommands(t *testing.T) {
	e := newCLIEnv(t)
	var resolved map[string]any
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Token")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/approvals":
			_, _ = w.Write([]byte(`[{"id":"approval-1","command":"rm -rf /","agent":"default","obfuscation_detected":false}]`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/approvals/approval-1":
			_ = json.NewDecoder(r.Body).Decode(&resolved)
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/check":
			_, _ = w.Write([]byte(`{"id":"approval-9","state":"pending","outcome":"approval-pending","reason":"no match"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/events":
			assert.Equal(t, "command_checked", r.URL.Query().Get("type"))
			_, _ = w.Write([]byte(`[]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	base := []string{"--server", srv.URL, "--api-key", "secret", "--api-key-header", "X-Token"}

	out, err := e.run(t, append(base, "approve", "list")...)
	require.NoError(t, err)
	assert.Contains(t, out, "approval-1")
	assert.Contains(t, out, "rm -rf /")
	assert.Equal(t, "secret", gotKey)

	_, err = e.run(t, append(base, "approve", "resolve", "approval-1", "--always", "--reason", "ok")...)
	require.NoError(t, err)
	assert.Equal(t, "allow-always", resolved["decision"])
	assert.Equal(t, "ok", resolved["reason"])

	out, err = e.run(t, append(base, "check", "--remote", "git status")...)
	assert.Equal(t, ExitPending, exitCode(t, err))
	assert.Equal(t, "approval-pending: no match (id approval-9)\n", out)

	out, err = e.run(t, append(base, "events", "query", "--type", "command_checked")...)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}

func TestChooseDecision(t *testing.T) {
	tests := []struct {
		name     string
		allow    bool
		always   bool
		deny     bool
		decision string
		want     types.ApprovalDecision
		wantErr  bool
	}{
		{name: "allow", allow: true, want: types.ApprovalAllowOnce},
		{name: "always", always: true, want: types.ApprovalAllowAlways},
		{name: "deny", deny: true, want: types.ApprovalDeny},
		{name: "decision", decision: "allow-always", want: types.ApprovalAllowAlways},
		{name: "none", wantErr: true},
		{name: "two", allow: true, deny: true, wantErr: true},
		{name: "bad", decision: "maybe", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := chooseDecision(tt.allow, tt.always, tt.deny, tt.decision)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOutcomeError(t *testing.T) {
	assert.NoError(t, outcomeError(approvals.Ticket{Outcome: approvals.OutcomeAllowed}))
	assert.Equal(t, ExitDenied, exitCode(t, outcomeError(approvals.Ticket{Outcome: approvals.OutcomeDenied, Reason: "no match"})))
	err := outcomeError(approvals.Ticket{ID: "approval-1", Outcome: approvals.OutcomePending})
	assert.Equal(t, ExitPending, exitCode(t, err))
	assert.Equal(t, "exit 3", err.Error())
}

func TestBuildEventQuery(t *testing.T) {
	q, err := buildEventQuery(eventQueryFlags{typesCSV: "a,b", decision: "deny", since: "1h", order: "ASC", limit: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, q.Types)
	require.NotNil(t, q.Decision)
	assert.Equal(t, types.DecisionDeny, *q.Decision)
	require.NotNil(t, q.Since)
	assert.True(t, q.Asc)
	assert.Equal(t, 5, q.Limit)

	_, err = buildEventQuery(eventQueryFlags{until: "yesterday"})
	assert.Error(t, err)

	v := eventQueryFlags{sessionID: "s1", agent: "ci", limit: 10}.values()
	assert.Equal(t, "s1", v.Get("session_id"))
	assert.Equal(t, "ci", v.Get("agent"))
	assert.Equal(t, "10", v.Get("limit"))
	assert.Empty(t, v.Get("offset"))
}

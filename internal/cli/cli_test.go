package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/KafClaw/memmesh/internal/engine"
	"github.com/KafClaw/memmesh/internal/store"
)

func runRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	memInput = engine.MemoryInput{}
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteC()
	rootCmd.SetArgs(nil)
	return strings.TrimSpace(buf.String()), err
}

// resetFlags puts every flag back to its default between runs of the
// shared command tree.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		switch v := f.Value.(type) {
		case pflag.SliceValue:
			_ = v.Replace(nil)
		default:
			if f.Value.Type() != "stringToString" {
				_ = f.Value.Set(f.DefValue)
			}
		}
		f.Changed = false
	}
	c.PersistentFlags().VisitAll(reset)
	c.Flags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func setupHome(t *testing.T, multi bool) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("MEMMESH_HOME", dir)
	t.Setenv("MEMMESH_CONFIG", filepath.Join(dir, "config.json"))
	if multi {
		t.Setenv("MEMMESH_MULTI_AGENT_ENABLED", "true")
	} else {
		t.Setenv("MEMMESH_MULTI_AGENT_ENABLED", "false")
	}
	t.Setenv("MEMMESH_LOG_LEVEL", "error")
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	return v
}

func TestVersionCommand(t *testing.T) {
	out, err := runRootCommand(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if out != "memmesh v"+version {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	setupHome(t, false)
	if _, err := runRootCommand(t, "config", "init"); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := runRootCommand(t, "config", "init"); err == nil {
		t.Fatal("second init without --force should fail")
	}
	if _, err := runRootCommand(t, "config", "init", "--force"); err != nil {
		t.Fatalf("config init --force: %v", err)
	}
	out, err := runRootCommand(t, "config", "show")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"multi_agent"`) {
		t.Fatalf("config show missing sections: %s", out)
	}
}

func TestSingleAgentMemoryCommands(t *testing.T) {
	setupHome(t, false)

	out, err := runRootCommand(t, "--json", "memory", "add", "--tag", "ops", "--importance", "high", "deploys", "need", "approval")
	if err != nil {
		t.Fatalf("memory add: %v (%s)", err, out)
	}
	m := decode[engine.MemoryView](t, out)
	if m.Content != "deploys need approval" || m.Namespace != "agent://default/" {
		t.Fatalf("unexpected memory %+v", m.Snapshot)
	}

	if _, err := runRootCommand(t, "memory", "edit", m.ID, "--content", "deploys need two approvals"); err != nil {
		t.Fatalf("memory edit: %v", err)
	}
	out, err = runRootCommand(t, "--json", "memory", "get", m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := decode[engine.MemoryView](t, out); got.Content != "deploys need two approvals" || got.Importance != "high" {
		t.Fatalf("edit not applied: %+v", got.Snapshot)
	}

	out, err = runRootCommand(t, "memory", "list")
	if err != nil || !strings.Contains(out, m.ID) {
		t.Fatalf("memory list missing %s: %s (%v)", m.ID, out, err)
	}

	if _, err := runRootCommand(t, "share", m.ID, "team://eng/"); err == nil {
		t.Fatal("share should fail with multi-agent disabled")
	}
	if _, err := runRootCommand(t, "--agent", "someone-else", "memory", "list"); err == nil {
		t.Fatal("naming another agent should fail with multi-agent disabled")
	}
}

func TestMultiAgentReplicationCommands(t *testing.T) {
	setupHome(t, true)

	register := func(name string) string {
		out, err := runRootCommand(t, "--json", "agent", "register", name)
		if err != nil {
			t.Fatalf("register %s: %v (%s)", name, err, out)
		}
		return decode[store.Agent](t, out).ID
	}
	a, b := register("planner"), register("coder")

	for _, args := range [][]string{
		{"--agent", a, "ns", "create", "team://eng/"},
		{"--agent", a, "ns", "add-member", "team://eng/", b},
	} {
		if out, err := runRootCommand(t, args...); err != nil {
			t.Fatalf("%v: %v (%s)", args, err, out)
		}
	}

	out, err := runRootCommand(t, "--json", "--agent", a, "memory", "add", "--ns", "team://eng/", "use", "postgres", "16")
	if err != nil {
		t.Fatalf("memory add: %v (%s)", err, out)
	}
	m := decode[engine.MemoryView](t, out)

	out, err = runRootCommand(t, "--json", "--agent", b, "drain")
	if err != nil {
		t.Fatalf("drain: %v (%s)", err, out)
	}
	if res := decode[engine.SyncResult](t, out); res.Applied == 0 {
		t.Fatalf("drain applied nothing: %+v", res)
	}

	out, err = runRootCommand(t, "--json", "--agent", b, "memory", "get", m.ID)
	if err != nil {
		t.Fatalf("replica missing on %s: %v (%s)", b, err, out)
	}
	if got := decode[engine.MemoryView](t, out); got.Content != "use postgres 16" {
		t.Fatalf("unexpected replica %+v", got.Snapshot)
	}

	out, err = runRootCommand(t, "--json", "sync", a, b)
	if err != nil {
		t.Fatalf("sync: %v (%s)", err, out)
	}
	if res := decode[engine.SyncResult](t, out); res.Pending != 0 {
		t.Fatalf("sync left work pending: %+v", res)
	}

	out, err = runRootCommand(t, "--json", "audit", "list", "--action", "sync")
	if err != nil {
		t.Fatal(err)
	}
	if entries := decode[[]store.AuditEntry](t, out); len(entries) != 1 {
		t.Fatalf("expected one sync audit row, got %+v", entries)
	}

	out, err = runRootCommand(t, "--json", "--agent", a, "agent", "spawn", "--capability", "build", "worker")
	if err != nil {
		t.Fatalf("agent spawn: %v (%s)", err, out)
	}
	if child := decode[store.Agent](t, out); child.Parent != a || len(child.Capabilities) != 1 {
		t.Fatalf("unexpected child %+v", child)
	}

	out, err = runRootCommand(t, "--json", "audit", "maintain")
	if err != nil {
		t.Fatalf("audit maintain: %v (%s)", err, out)
	}
	if res := decode[engine.MaintenanceResult](t, out); len(res.Idle) != 0 {
		t.Fatalf("fresh agents marked idle: %+v", res)
	}
}

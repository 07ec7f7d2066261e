package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("MEMMESH_HOME", home)
	t.Setenv("MEMMESH_CONFIG", "")
	t.Setenv("MEMMESH_ENV_FILE", "")
	return home
}

func writeConfig(t *testing.T, home, name, body string) string {
	t.Helper()
	dir := filepath.Join(home, ConfigDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MultiAgent.Enabled {
		t.Error("multi-agent should be off by default")
	}
	if cfg.MultiAgent.DefaultAgent != "default" {
		t.Errorf("default agent = %q", cfg.MultiAgent.DefaultAgent)
	}
	if cfg.Subscription.QueueCapacity != 256 {
		t.Errorf("queue capacity = %d", cfg.Subscription.QueueCapacity)
	}
	if cfg.Trust.HalfLife != 30*24*time.Hour || cfg.Trust.ContradictionThreshold != 0.3 {
		t.Errorf("trust defaults = %+v", cfg.Trust)
	}
	if cfg.Correction.AutoApplyThreshold != 0.4 {
		t.Errorf("correction defaults = %+v", cfg.Correction)
	}
	if cfg.Sync.Timeout != 30*time.Second {
		t.Errorf("sync timeout = %v", cfg.Sync.Timeout)
	}
}

func TestConfigPathRespectsEnv(t *testing.T) {
	isolate(t)
	t.Setenv("MEMMESH_HOME", "/srv/mm")
	t.Setenv("MEMMESH_CONFIG", "~/.memmesh/custom.json")

	path, err := ConfigPath()
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join("/srv/mm", ".memmesh", "custom.json") {
		t.Fatalf("unexpected config path %q", path)
	}

	t.Setenv("MEMMESH_CONFIG", "")
	path, _ = ConfigPath()
	if path != filepath.Join("/srv/mm", ConfigDir, ConfigFile) {
		t.Fatalf("unexpected default path %q", path)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	isolate(t)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Paths.DB != "memmesh.db" {
		t.Fatalf("expected default db, got %q", cfg.Paths.DB)
	}
}

func TestLoadFromFileAndEnvOverride(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, ConfigFile, `{
  "multi_agent": {"enabled": true},
  "kafka": {"cluster": "prod", "brokers": ["k1:9092", "k2:9092"]},
  "trust": {"contradiction_threshold": 0.5}
}`)
	t.Setenv("MEMMESH_KAFKA_CLUSTER", "staging")
	t.Setenv("MEMMESH_SYNC_TIMEOUT", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.MultiAgent.Enabled {
		t.Error("multi-agent from file not applied")
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Kafka.Cluster != "staging" {
		t.Errorf("env override lost, cluster = %q", cfg.Kafka.Cluster)
	}
	if cfg.Sync.Timeout != 5*time.Second {
		t.Errorf("sync timeout = %v", cfg.Sync.Timeout)
	}
	if cfg.Trust.ContradictionThreshold != 0.5 {
		t.Errorf("threshold = %v", cfg.Trust.ContradictionThreshold)
	}
	// Untouched groups keep defaults.
	if cfg.Trust.HalfLife != 30*24*time.Hour {
		t.Errorf("half life = %v", cfg.Trust.HalfLife)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, ConfigFile, `{not json`)
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid json")
	}
}

func TestLoadWithIncludeAndEnvSubstitution(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, "base.json", `{"kafka": {"cluster": "base", "consumer_group": "g1"}, "log": {"level": "debug"}}`)
	writeConfig(t, home, ConfigFile, `{"$include": "base.json", "kafka": {"cluster": "${MM_TEST_CLUSTER}"}}`)
	t.Setenv("MM_TEST_CLUSTER", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Kafka.Cluster != "from-env" || cfg.Kafka.ConsumerGroup != "g1" || cfg.Log.Level != "debug" {
		t.Fatalf("unexpected merge result %+v %+v", cfg.Kafka, cfg.Log)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, "a.json", `{"$include": "config.json"}`)
	writeConfig(t, home, ConfigFile, `{"$include": "a.json"}`)
	if _, err := Load(); err == nil {
		t.Fatal("expected include cycle error")
	}
}

func TestParseIncludes(t *testing.T) {
	got, err := parseIncludes([]any{"a.json", "", "b.json"})
	if err != nil || len(got) != 2 {
		t.Fatalf("got %v, %v", got, err)
	}
	if _, err := parseIncludes(42.0); err == nil {
		t.Fatal("expected type error")
	}
	if _, err := parseIncludes([]any{1.0}); err == nil {
		t.Fatal("expected entry type error")
	}
}

func TestSubstituteLeavesUnknownToken(t *testing.T) {
	t.Setenv("MM_KNOWN", "yes")
	got := substituteEnvValues("${MM_KNOWN}-${MM_SURELY_UNSET_VAR}")
	if got != "yes-${MM_SURELY_UNSET_VAR}" {
		t.Fatalf("got %q", got)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.MultiAgent.Enabled = true
	cfg.Paths.DB = "/var/lib/memmesh.db"
	if err := Save(cfg); err != nil {
		t.Fatal(err)
	}
	got, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if !got.MultiAgent.Enabled || got.Paths.DB != "/var/lib/memmesh.db" {
		t.Fatalf("round trip lost values: %+v", got)
	}
	p, err := got.DBPath()
	if err != nil || p != "/var/lib/memmesh.db" {
		t.Fatalf("db path %q %v", p, err)
	}
}

func TestDBPathRelativeToConfigDir(t *testing.T) {
	home := isolate(t)
	cfg := DefaultConfig()
	p, err := cfg.DBPath()
	if err != nil {
		t.Fatal(err)
	}
	if p != filepath.Join(home, ConfigDir, "memmesh.db") {
		t.Fatalf("db path %q", p)
	}
}

func TestLoadEnvFiles(t *testing.T) {
	home := isolate(t)
	explicit := filepath.Join(t.TempDir(), "env")
	content := "# comment\nexport MEMMESH_SYNC_BATCH_SIZE=64\nMEMMESH_KAFKA_CLUSTER=\"prod eu\"\n" +
		"MEMMESH_LOG_LEVEL=debug # verbose\nPATH=/tmp/evil\nINVALID_LINE\nMEMMESH_METRICS_ADDR=existing-wins\n"
	if err := os.WriteFile(explicit, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(home, ConfigDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, EnvFileName), []byte("MEMMESH_SYNC_BATCH_SIZE=1\nMEMMESH_KAFKA_CONSUMER_GROUP='mesh'\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"MEMMESH_SYNC_BATCH_SIZE", "MEMMESH_KAFKA_CLUSTER", "MEMMESH_LOG_LEVEL", "MEMMESH_KAFKA_CONSUMER_GROUP"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	t.Setenv("MEMMESH_METRICS_ADDR", "127.0.0.1:1")
	t.Setenv("MEMMESH_ENV_FILE", explicit)
	path := os.Getenv("PATH")

	set := LoadEnvFiles()
	if len(set) != 4 {
		t.Fatalf("expected 4 keys set, got %v", set)
	}
	want := map[string]string{
		"MEMMESH_SYNC_BATCH_SIZE":      "64",
		"MEMMESH_KAFKA_CLUSTER":        "prod eu",
		"MEMMESH_LOG_LEVEL":            "debug",
		"MEMMESH_KAFKA_CONSUMER_GROUP": "mesh",
		"MEMMESH_METRICS_ADDR":         "127.0.0.1:1",
	}
	for k, v := range want {
		if got := os.Getenv(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if os.Getenv("PATH") != path {
		t.Fatal("env files must only set MEMMESH_ keys")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sync.BatchSize != 64 || cfg.Kafka.Cluster != "prod eu" {
		t.Fatalf("env file settings not applied: %+v %+v", cfg.Sync, cfg.Kafka)
	}
}

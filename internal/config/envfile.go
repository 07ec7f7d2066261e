package config

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// envPrefix is the only key prefix an env file may set. A shared dotfile
// therefore cannot change unrelated process settings.
const envPrefix = "MEMMESH_"

// EnvFileName is the env file read from the config directory.
const EnvFileName = "env"

type envEntry struct {
	key   string
	value string
	line  int
}

// envFiles lists the files LoadEnvFiles reads, in precedence order:
// MEMMESH_ENV_FILE, then <home>/.memmesh/env.
func envFiles() []string {
	var out []string
	if explicit := strings.TrimSpace(os.Getenv("MEMMESH_ENV_FILE")); explicit != "" {
		out = append(out, explicit)
	}
	if home, err := resolveHomeDir(); err == nil {
		out = append(out, filepath.Join(home, ConfigDir, EnvFileName))
	}
	return out
}

// LoadEnvFiles exports the MEMMESH_* settings found in the env files that
// are not already set in the process, and returns the keys it set. The
// first file naming a key wins. Missing files are skipped.
func LoadEnvFiles() []string {
	var set []string
	seen := map[string]bool{}
	for _, p := range envFiles() {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		entries, err := readEnvFile(p)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("Config: env file unreadable", "path", p, "error", err)
			}
			continue
		}
		for _, e := range entries {
			if !strings.HasPrefix(e.key, envPrefix) {
				slog.Debug("Config: env file key ignored", "path", p, "line", e.line, "key", e.key)
				continue
			}
			if _, exists := os.LookupEnv(e.key); exists {
				continue
			}
			if err := os.Setenv(e.key, e.value); err != nil {
				slog.Warn("Config: env file key not set", "key", e.key, "error", err)
				continue
			}
			set = append(set, e.key)
		}
	}
	if len(set) > 0 {
		slog.Debug("Config: env files loaded", "keys", len(set))
	}
	return set
}

func readEnvFile(path string) ([]envEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	entries, err := parseEnv(f)
	if err != nil {
		return nil, fmt.Errorf("env file %s: %w", path, err)
	}
	return entries, nil
}

// parseEnv reads KEY=VALUE lines. Blank lines, comments and lines without
// '=' are skipped; an optional "export " prefix is accepted. Quoted values
// are taken literally, unquoted ones lose a trailing " # comment".
func parseEnv(r io.Reader) ([]envEntry, error) {
	var out []envEntry
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out = append(out, envEntry{key: key, value: envValue(strings.TrimSpace(val)), line: n})
	}
	return out, sc.Err()
}

func envValue(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	if i := strings.Index(v, " #"); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	return v
}

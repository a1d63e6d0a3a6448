package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadExplicitPath(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
default_model: fast
models:
  - name: fast
    provider: openai
    model: gpt-4o-mini
    base_url: http://localhost:11434/v1
  - name: claude
    provider: anthropic
    model: claude-sonnet-4
    api_key: sk-secret
daemon:
  transport: http
  port: 9000
agent:
  max_iterations: 4
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Path != path {
		t.Errorf("Path = %q", cfg.Path)
	}
	if cfg.Daemon.Address() != "127.0.0.1:9000" {
		t.Errorf("Address = %q", cfg.Daemon.Address())
	}
	if cfg.Agent.MaxIterations != 4 {
		t.Errorf("MaxIterations = %d", cfg.Agent.MaxIterations)
	}
	if !cfg.Tools.DangerousCmd {
		t.Error("dangerous_cmd should default to true")
	}
	m, err := cfg.ResolveModel("claude")
	if err != nil || m.Provider != ProviderAnthropic {
		t.Fatalf("ResolveModel(claude) = %+v, %v", m, err)
	}
	m, err = cfg.ResolveModel("missing")
	if err != nil || m.Name != "fast" {
		t.Fatalf("unknown override should fall back to default, got %+v, %v", m, err)
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"non-loopback host": "daemon:\n  transport: http\n  host: 0.0.0.0\n",
		"unknown transport": "daemon:\n  transport: pipe\n",
		"unknown provider":  "models:\n  - name: x\n    provider: cohere\n",
		"duplicate model":   "models:\n  - name: x\n    provider: openai\n  - name: x\n    provider: openai\n",
		"missing default":   "default_model: nope\n",
		"unknown backend":   "session:\n  backend: redis\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), body)
			if _, err := LoadConfig(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestRedactedHidesKeys(t *testing.T) {
	cfg := Default()
	cfg.Models = []ModelConfig{{Name: "a", Provider: ProviderOpenAI, APIKey: "sk-live"}}
	red := cfg.Redacted()
	if red.Models[0].APIKey != "***" {
		t.Errorf("key not redacted: %q", red.Models[0].APIKey)
	}
	if cfg.Models[0].APIKey != "sk-live" {
		t.Error("Redacted must not modify the original")
	}
}

func TestResolvedAPIKeyFromEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	m := ModelConfig{Provider: ProviderAnthropic}
	if got := m.ResolvedAPIKey(); got != "from-env" {
		t.Errorf("ResolvedAPIKey = %q", got)
	}
	t.Setenv("CUSTOM_KEY", "custom")
	m.APIKeyEnv = "CUSTOM_KEY"
	if got := m.ResolvedAPIKey(); got != "custom" {
		t.Errorf("ResolvedAPIKey = %q", got)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got := expandHome("~/x/agentd.sock")
	if !strings.HasPrefix(got, home) {
		t.Errorf("expandHome = %q", got)
	}
	if expandHome("/abs") != "/abs" {
		t.Error("absolute paths must be unchanged")
	}
}

func TestNoModelsConfigured(t *testing.T) {
	if _, err := Default().DefaultModelConfig(); err == nil {
		t.Fatal("expected error with no models")
	}
}

func TestReloadKeepsUserAndProjectMerge(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	project := t.TempDir()
	t.Chdir(project)

	for _, dir := range []string{filepath.Join(home, dirName), filepath.Join(project, dirName)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	userPath := writeConfig(t, filepath.Join(home, dirName), `
default_model: main
models:
  - name: main
    provider: openai
    model: gpt-4o
`)
	writeConfig(t, filepath.Join(project, dirName), "agent:\n  max_iterations: 3\n")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Models) != 1 || cfg.Agent.MaxIterations != 3 || len(cfg.Files) != 2 {
		t.Fatalf("initial merge: models=%d max=%d files=%v", len(cfg.Models), cfg.Agent.MaxIterations, cfg.Files)
	}
	if cfg.ExplicitPath() != "" {
		t.Errorf("merged config reported explicit path %q", cfg.ExplicitPath())
	}

	// Edit the user file and reload from another directory.
	writeConfig(t, filepath.Join(home, dirName), `
default_model: second
models:
  - name: main
    provider: openai
    model: gpt-4o
  - name: second
    provider: anthropic
    model: claude-sonnet-4
`)
	t.Chdir(t.TempDir())
	next, err := cfg.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if len(next.Models) != 2 || next.DefaultModel != "second" {
		t.Errorf("reload dropped user-level config: models=%d default=%q", len(next.Models), next.DefaultModel)
	}
	if next.Agent.MaxIterations != 3 {
		t.Errorf("reload dropped project-level config: max_iterations=%d", next.Agent.MaxIterations)
	}
	if next.Files[0] != userPath {
		t.Errorf("files = %v", next.Files)
	}
}

func TestReloadExplicitPath(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "agent:\n  max_iterations: 2\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ExplicitPath() != path {
		t.Errorf("ExplicitPath = %q", cfg.ExplicitPath())
	}
	writeConfig(t, filepath.Dir(path), "agent:\n  max_iterations: 7\n")
	next, err := cfg.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if next.Agent.MaxIterations != 7 || next.ExplicitPath() != path {
		t.Errorf("reload of explicit file: max=%d path=%q", next.Agent.MaxIterations, next.ExplicitPath())
	}
}

func TestRedactedMasksMCPEnv(t *testing.T) {
	cfg := Default()
	cfg.AdditionalMCPServers = []MCPServer{{Name: "gh", Command: "gh-mcp", Env: map[string]string{"GITHUB_TOKEN": "ghp_secret"}}}
	red := cfg.Redacted()
	if red.AdditionalMCPServers[0].Env["GITHUB_TOKEN"] != "***" {
		t.Errorf("env not redacted: %v", red.AdditionalMCPServers[0].Env)
	}
	if cfg.AdditionalMCPServers[0].Env["GITHUB_TOKEN"] != "ghp_secret" {
		t.Error("Redacted must not modify the original env")
	}

	data, err := json.Marshal(red)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"models"`, `"daemon"`, `"pidFile"`, `"dangerousCmd"`, `"maxIterations"`, `"additionalMcpServers"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("json %s missing %s", data, key)
		}
	}
	if strings.Contains(string(data), "ghp_secret") {
		t.Error("secret leaked into json")
	}
}

func TestGetToolset(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
toolsets:
  - name: readonly
    tools: [readFile, listFiles]
  - name: git
    tools: [gitStatus, gitDiff]
agent:
  toolset: readonly
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	ts, err := cfg.GetToolset("")
	if err != nil || ts == nil || ts.Name != "readonly" {
		t.Fatalf("default toolset = %+v, %v", ts, err)
	}
	ts, err = cfg.GetToolset("git")
	if err != nil || len(ts.Tools) != 2 {
		t.Fatalf("git toolset = %+v, %v", ts, err)
	}
	if _, err := cfg.GetToolset("missing"); err == nil {
		t.Error("unknown toolset should fail")
	}

	if ts, err := Default().GetToolset(""); ts != nil || err != nil {
		t.Errorf("no toolset selected should mean all tools, got %+v, %v", ts, err)
	}

	bad := writeConfig(t, t.TempDir(), "agent:\n  toolset: nope\n")
	if _, err := LoadConfig(bad); err == nil {
		t.Error("agent.toolset naming an unknown toolset should fail validation")
	}
}

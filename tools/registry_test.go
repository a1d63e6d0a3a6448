package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

type stubTool struct {
	name   string
	schema map[string]any
	run    func(ctx context.Context, params map[string]any, progress ProgressFunc) (Result, error)
}

func (s *stubTool) Name() string               { return s.name }
func (s *stubTool) Label() string              { return "Stub " + s.name }
func (s *stubTool) Description() string        { return "stub" }
func (s *stubTool) Parameters() map[string]any { return s.schema }
func (s *stubTool) Execute(ctx context.Context, _ string, params map[string]any, progress ProgressFunc) (Result, error) {
	if s.run == nil {
		return Success(params), nil
	}
	return s.run(ctx, params, progress)
}

func objectSchema(required ...string) map[string]any {
	props := map[string]any{}
	for _, r := range required {
		props[r] = map[string]any{"type": "string"}
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("decode %s: %v", s, err)
	}
	return m
}

func TestRegistryValidateParams(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubTool{name: "echo", schema: objectSchema("text")}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tests := []struct {
		name    string
		params  string
		wantErr bool
	}{
		{"conforming", `{"text":"hi"}`, false},
		{"extra field", `{"text":"hi","n":1}`, false},
		{"missing required", `{}`, true},
		{"wrong type", `{"text":5}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidateParams("echo", decode(t, tt.params))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateParams(%s) error = %v, wantErr %v", tt.params, err, tt.wantErr)
			}
		})
	}
}

func TestRegistryRejectsBadSchemaAndDuplicates(t *testing.T) {
	r := NewRegistry()
	bad := &stubTool{name: "bad", schema: map[string]any{"type": 12}}
	if err := r.Register(bad); err == nil {
		t.Error("expected registration to fail for an invalid schema")
	}
	if r.Has("bad") {
		t.Error("failed registration must not be visible")
	}
	ok := &stubTool{name: "ok", schema: objectSchema()}
	if err := r.Register(ok); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(ok); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestRegistryFunctionDefsSorted(t *testing.T) {
	r := NewRegistry()
	for _, n := range []string{"b", "a", "c"} {
		if err := r.Register(&stubTool{name: n, schema: objectSchema()}); err != nil {
			t.Fatal(err)
		}
	}
	defs := r.FunctionDefs()
	if len(defs) != 3 || defs[0].Name != "a" || defs[2].Name != "c" {
		t.Errorf("unexpected defs %+v", defs)
	}
}

func TestDangerousPatterns(t *testing.T) {
	dangerous := []string{
		"rm -rf /",
		"rm -fr ~/src",
		"sudo rm -Rf /var",
		"rm -r -f /",
		"rm -f -r ~",
		"rm -R -f /tmp/x",
		"rm --force --recursive build",
		"rm -r build",
		"mkfs.ext4 /dev/sda1",
		"dd if=/dev/zero of=/dev/sda bs=1M",
		"shutdown -h now",
		"reboot",
		":(){ :|:& };:",
		"echo x > /dev/sda",
		"format c:",
	}
	for _, c := range dangerous {
		if !IsDangerousCommand(c) {
			t.Errorf("%q should be dangerous", c)
		}
	}
	safe := []string{"ls -la", "rm file.txt", "rm -f a.log", "rm -i notes-r.txt", "git status", "echo reboots are rare", "dd if=a of=b"}
	for _, c := range safe {
		if IsDangerousCommand(c) {
			t.Errorf("%q should be safe", c)
		}
	}
}

func TestRegistryRestrict(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"readFile", "writeFile", "gitStatus"} {
		if err := r.Register(&stubTool{name: name, schema: objectSchema()}); err != nil {
			t.Fatal(err)
		}
	}
	missing := r.Restrict([]string{"readFile", "gitStatus", "github/search"})
	if got := strings.Join(r.Names(), ","); got != "gitStatus,readFile" {
		t.Errorf("names after restrict = %s", got)
	}
	if len(missing) != 1 || missing[0] != "github/search" {
		t.Errorf("missing = %v", missing)
	}
}

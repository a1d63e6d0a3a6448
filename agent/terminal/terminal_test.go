package terminal

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/m4xw311/agentd/agent"
	"github.com/m4xw311/agentd/config"
	"github.com/m4xw311/agentd/llm"
	"github.com/m4xw311/agentd/llm/llmtest"
	"github.com/m4xw311/agentd/session"
	"github.com/m4xw311/agentd/tools"
)

// createTestHandler wires a handler to a scripted provider and a file store
func createTestHandler(t *testing.T, p *llmtest.Provider) (*agent.Handler, session.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.Models = []config.ModelConfig{{Name: "stub", Provider: config.ProviderOpenAI, Model: "stub"}}
	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg, cfg.Tools, nil); err != nil {
		t.Fatalf("Failed to register tools: %v", err)
	}
	h := agent.NewHandler(cfg, store, tools.NewExecutor(reg), agent.WithClientFactory(
		func(_ context.Context, _ *config.Config, _ config.ModelConfig, executor *tools.Executor) (*llm.Client, error) {
			return llm.NewClient(p, executor), nil
		}))
	return h, store
}

func TestTerminalRunInitialPromptAndQuit(t *testing.T) {
	p := llmtest.New("stub", llmtest.Text("hello there"), llmtest.Text("second answer"))
	h, store := createTestHandler(t, p)

	var out bytes.Buffer
	term := New(h, strings.NewReader("\nfollow up\n/quit\nnever sent\n"), &out)
	if err := term.Run(context.Background(), "initial test prompt"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if p.Calls() != 2 {
		t.Errorf("expected 2 turns, got %d", p.Calls())
	}
	for _, want := range []string{"hello there", "second answer"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output %q does not contain %q", out.String(), want)
		}
	}
	if term.SessionID == "" {
		t.Fatal("session id should be kept after the first turn")
	}
	sess, err := store.LoadSession(context.Background(), term.SessionID)
	if err != nil || sess == nil {
		t.Fatalf("session not saved: %v", err)
	}
	if len(sess.Messages) != 4 {
		t.Errorf("both turns should share one session, got %d messages", len(sess.Messages))
	}
}

func TestTerminalToolVerbosity(t *testing.T) {
	testCases := []struct {
		name      string
		verbosity Verbosity
		want      string
		absent    string
	}{
		{"None", VerbosityNone, "", "gitStatus"},
		{"Info", VerbosityInfo, "tool `gitStatus`", "output:"},
		{"All", VerbosityAll, "Tool `gitStatus` output:", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := llmtest.New("stub",
				llmtest.ToolCalls(llmtest.Call("c1", "gitStatus", `{}`)),
				llmtest.Text("done"),
			)
			h, _ := createTestHandler(t, p)
			var out bytes.Buffer
			term := New(h, strings.NewReader(""), &out)
			term.Verbosity = tc.verbosity
			term.Workspace = t.TempDir()

			if err := term.processTurn(context.Background(), "status please"); err != nil {
				t.Fatalf("processTurn failed: %v", err)
			}
			if tc.want != "" && !strings.Contains(out.String(), tc.want) {
				t.Errorf("output %q does not contain %q", out.String(), tc.want)
			}
			if tc.absent != "" && strings.Contains(out.String(), tc.absent) {
				t.Errorf("output %q should not contain %q", out.String(), tc.absent)
			}
		})
	}
}

func TestTerminalReportsErrorsAndContinues(t *testing.T) {
	p := llmtest.New("stub", llmtest.Fail(context.DeadlineExceeded))
	h, _ := createTestHandler(t, p)
	var out bytes.Buffer
	term := New(h, strings.NewReader("hi\nagain\n"), &out)
	if err := term.Run(context.Background(), ""); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if p.Calls() != 2 {
		t.Errorf("expected both prompts to be tried, got %d", p.Calls())
	}
	if !strings.Contains(out.String(), "Error:") {
		t.Errorf("expected an error line in %q", out.String())
	}
}

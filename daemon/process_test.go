package daemon

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/m4xw311/agentd/config"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func testManager(t *testing.T, vars map[string]string) *Manager {
	t.Helper()
	dir := t.TempDir()
	m := NewManager(config.DaemonConfig{
		PIDFile: filepath.Join(dir, "agentd.pid"),
		LogFile: filepath.Join(dir, "agentd.log"),
	}, "")
	m.getenv = env(vars)
	return m
}

func TestSupervisor(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		want string
	}{
		{"none", nil, ""},
		{"systemd invocation", map[string]string{"INVOCATION_ID": "abc"}, "systemd"},
		{"systemd notify", map[string]string{"NOTIFY_SOCKET": "/run/notify"}, "systemd"},
		{"launchd", map[string]string{"XPC_SERVICE_NAME": "com.agentd"}, "launchd"},
		{"launchd terminal", map[string]string{"XPC_SERVICE_NAME": "0"}, ""},
		{"explicit", map[string]string{"AGENTD_SUPERVISED": "1"}, "supervisor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Supervisor(env(tt.vars)); got != tt.want {
				t.Errorf("Supervisor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestManagerRefusesUnderSupervisor(t *testing.T) {
	m := testManager(t, map[string]string{"INVOCATION_ID": "abc"})
	if _, err := m.Start(); err == nil || !strings.Contains(err.Error(), "systemd") {
		t.Errorf("Start should refuse, got %v", err)
	}
	if err := m.Stop(); err == nil || !strings.Contains(err.Error(), "systemd") {
		t.Errorf("Stop should refuse, got %v", err)
	}
}

func TestStatusFromPIDFile(t *testing.T) {
	m := testManager(t, nil)

	st, err := m.Status()
	if err != nil || st.Running {
		t.Fatalf("no pid file should mean stopped, got %+v %v", st, err)
	}

	if err := WritePIDFile(m.cfg.PIDFile); err != nil {
		t.Fatal(err)
	}
	st, err = m.Status()
	if err != nil || !st.Running || st.PID != os.Getpid() {
		t.Errorf("expected this process to be reported, got %+v %v", st, err)
	}

	if err := os.WriteFile(m.cfg.PIDFile, []byte("not-a-pid"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Status(); err == nil {
		t.Error("a corrupt pid file should be an error")
	}
}

func startChild(t *testing.T, m *Manager) (*exec.Cmd, chan error) {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("sleep unavailable: %v", err)
	}
	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()
	if err := os.WriteFile(m.cfg.PIDFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0o600); err != nil {
		t.Fatal(err)
	}
	return cmd, waited
}

func TestStopTerminatesDaemon(t *testing.T) {
	m := testManager(t, nil)
	_, waited := startChild(t, m)

	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("process still running after Stop")
	}
	if _, err := os.Stat(m.cfg.PIDFile); !os.IsNotExist(err) {
		t.Error("pid file should be removed")
	}
	if err := m.Stop(); err == nil {
		t.Error("stopping a stopped daemon should report it")
	}
}

func TestReloadSendsHangup(t *testing.T) {
	m := testManager(t, nil)
	_, waited := startChild(t, m)

	if err := m.Reload(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-waited:
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			t.Fatalf("expected a signal exit, got %v", err)
		}
		ws := exitErr.Sys().(syscall.WaitStatus)
		if !ws.Signaled() || ws.Signal() != syscall.SIGHUP {
			t.Errorf("expected SIGHUP, got %v", ws)
		}
	case <-time.After(time.Second):
		t.Fatal("child did not receive SIGHUP")
	}
}

func TestStartRefusesWhenRunning(t *testing.T) {
	m := testManager(t, nil)
	if err := WritePIDFile(m.cfg.PIDFile); err != nil {
		t.Fatal(err)
	}
	pid, err := m.Start()
	if err == nil || pid != os.Getpid() {
		t.Errorf("expected an already-running error for pid %d, got %d %v", os.Getpid(), pid, err)
	}
}

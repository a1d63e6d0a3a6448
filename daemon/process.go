package daemon

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/m4xw311/agentd/config"
	"github.com/m4xw311/agentd/errors"
)

const (
	stopTimeout  = 5 * time.Second
	pollInterval = 100 * time.Millisecond
)

// ProcessStatus describes the daemon process recorded in the PID file.
type ProcessStatus struct {
	Running bool
	PID     int
}

// Manager starts and stops a detached daemon through its PID file.
type Manager struct {
	cfg        config.DaemonConfig
	configPath string
	executable string
	getenv     func(string) string
}

// NewManager manages the daemon described by cfg. configPath, when set, is
// passed to the spawned daemon.
func NewManager(cfg config.DaemonConfig, configPath string) *Manager {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return &Manager{cfg: cfg, configPath: configPath, executable: exe, getenv: os.Getenv}
}

// Supervisor names the service manager running this process, or "".
func Supervisor(getenv func(string) string) string {
	switch {
	case getenv("AGENTD_SUPERVISED") == "1":
		return "supervisor"
	case getenv("INVOCATION_ID") != "" || getenv("NOTIFY_SOCKET") != "":
		return "systemd"
	case getenv("XPC_SERVICE_NAME") != "" && getenv("XPC_SERVICE_NAME") != "0":
		return "launchd"
	}
	return ""
}

func (m *Manager) refuseSupervised(action string) error {
	if sup := Supervisor(m.getenv); sup != "" {
		return errors.New("agentd is managed by %s; use it to %s the daemon", sup, action)
	}
	return nil
}

// Status reads the PID file and checks that the process is alive.
func (m *Manager) Status() (ProcessStatus, error) {
	pid, err := ReadPIDFile(m.cfg.PIDFile)
	if err != nil {
		return ProcessStatus{}, err
	}
	if pid == 0 {
		return ProcessStatus{}, nil
	}
	return ProcessStatus{Running: processAlive(pid), PID: pid}, nil
}

// Start spawns `agentd serve` in a new session with output appended to the
// log file, and returns its pid.
func (m *Manager) Start() (int, error) {
	if err := m.refuseSupervised("start"); err != nil {
		return 0, err
	}
	st, err := m.Status()
	if err != nil {
		return 0, err
	}
	if st.Running {
		return st.PID, errors.New("daemon already running (pid %d)", st.PID)
	}

	if err := os.MkdirAll(filepath.Dir(m.cfg.LogFile), 0o700); err != nil {
		return 0, errors.Wrapf(err, "failed to create log directory")
	}
	logFile, err := os.OpenFile(m.cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open log file %s", m.cfg.LogFile)
	}
	defer logFile.Close()

	args := []string{"serve"}
	if m.configPath != "" {
		args = append(args, "--config", m.configPath)
	}
	cmd := exec.Command(m.executable, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, errors.Wrapf(err, "failed to start daemon")
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, errors.Wrapf(err, "failed to detach daemon")
	}
	return pid, nil
}

// Stop sends SIGTERM and waits for the process to exit, escalating to
// SIGKILL once stopTimeout has passed.
func (m *Manager) Stop() error {
	if err := m.refuseSupervised("stop"); err != nil {
		return err
	}
	st, err := m.Status()
	if err != nil {
		return err
	}
	if !st.Running {
		RemovePIDFile(m.cfg.PIDFile)
		return errors.New("daemon is not running")
	}

	if err := syscall.Kill(st.PID, syscall.SIGTERM); err != nil {
		return errors.Wrapf(err, "failed to signal pid %d", st.PID)
	}
	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if !processAlive(st.PID) {
			RemovePIDFile(m.cfg.PIDFile)
			return nil
		}
		time.Sleep(pollInterval)
	}
	if err := syscall.Kill(st.PID, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return errors.Wrapf(err, "failed to kill pid %d", st.PID)
	}
	RemovePIDFile(m.cfg.PIDFile)
	return nil
}

// Reload asks the running daemon to re-read its configuration.
func (m *Manager) Reload() error {
	st, err := m.Status()
	if err != nil {
		return err
	}
	if !st.Running {
		return errors.New("daemon is not running")
	}
	if err := syscall.Kill(st.PID, syscall.SIGHUP); err != nil {
		return errors.Wrapf(err, "failed to signal pid %d", st.PID)
	}
	return nil
}

// WritePIDFile records the current process.
func WritePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrapf(err, "failed to create pid directory")
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		return errors.Wrapf(err, "failed to write pid file")
	}
	return nil
}

// ReadPIDFile returns 0 when no PID file exists.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read pid file")
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, errors.New("pid file %s is corrupt", path)
	}
	return pid, nil
}

func RemovePIDFile(path string) {
	_ = os.Remove(path)
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

package crashguard

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"syscall"

	"github.com/viewkit/viewproc/internal/config"
	"go.uber.org/zap"
)

// GuardConfig configures the watchdog an app process starts for itself.
type GuardConfig struct {
	// BinPath is the guard binary.
	BinPath string
	// ReportDir receives crash reports and the guard's own log.
	ReportDir string
	// SocketPath for the diagnostic handoff. Defaults to a per-pid path
	// under the temp dir.
	SocketPath string
	// Relaunch makes the guard restart this binary, with this binary's
	// arguments, after a crash.
	Relaunch bool
}

// Guard is the app-process handle to its watchdog.
type Guard struct {
	log        *zap.SugaredLogger
	socketPath string
	cmd        *exec.Cmd
}

// StartGuard launches the watchdog. Call it first thing in main, before the
// view process or anything else that can take the app down. The guard does
// not sit in this process's tree of responsibilities: once started, it needs
// nothing further from us to do its job.
func StartGuard(log *zap.SugaredLogger, cfg GuardConfig) (*Guard, error) {
	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = filepath.Join(os.TempDir(), fmt.Sprintf("viewproc-guard-%d.sock", os.Getpid()))
	}

	args := []string{
		"--pid", strconv.Itoa(os.Getpid()),
		"--report-dir", cfg.ReportDir,
		"--socket", socketPath,
	}
	if cfg.Relaunch {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving own executable for relaunch: %w", err)
		}
		args = append(args, "--relaunch-bin", exe)
		for _, a := range os.Args[1:] {
			args = append(args, "--relaunch-arg", a)
		}
	}

	cmd := guardCmd(cfg.BinPath, args)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting crash guard: %w", err)
	}
	go cmd.Wait()

	log.Debugf("crash guard running as pid %d", cmd.Process.Pid)
	return &Guard{log: log, socketPath: socketPath, cmd: cmd}, nil
}

// SocketPath returns the diagnostic socket the guard listens on.
func (g *Guard) SocketPath() string { return g.socketPath }

// NotifyPanic hands the guard a stack trace during a controlled unwind.
func (g *Guard) NotifyPanic(stack string) error {
	return SendDiagnostic(g.socketPath, &Diagnostic{Stack: stack, Build: buildVersion()})
}

// NotifyCleanShutdown tells the guard this exit is intentional.
func (g *Guard) NotifyCleanShutdown() error {
	return SendCleanShutdown(g.socketPath)
}

// PrevRunCrashed reports whether this process was relaunched by the guard
// after a crash, so the app can offer recovery UI.
func PrevRunCrashed() bool {
	return os.Getenv(config.EnvPrevCrashed) == "1"
}

// guardCmd builds the guard command detached into its own session, so a
// signal delivered to the app's process group (Ctrl-C, kill -- -pgid) cannot
// take the guard down with the process it is watching.
func guardCmd(binPath string, args []string) *exec.Cmd {
	cmd := exec.Command(binPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.Main.Path + " " + info.Main.Version
	}
	return "unknown"
}

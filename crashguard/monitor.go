package crashguard

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/viewkit/viewproc/internal/config"
	"go.uber.org/zap"
)

// RelaunchSpec tells the guard how to bring the app back after a crash.
type RelaunchSpec struct {
	BinPath string
	Args    []string
}

type MonitorConfig struct {
	AppPID       int
	ReportDir    string
	SocketPath   string
	PollInterval time.Duration

	// Relaunch, when set, restarts the app process after persisting the
	// report.
	Relaunch *RelaunchSpec
}

// Monitor is the guard-process side: it watches the app pid, collects the
// optional final diagnostic, and persists a report on abnormal termination.
type Monitor struct {
	log *zap.SugaredLogger
	cfg MonitorConfig
}

func NewMonitor(log *zap.SugaredLogger, cfg MonitorConfig) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	return &Monitor{log: log.Named("monitor"), cfg: cfg}
}

// Run blocks until the app process exits or the context ends. A failure to
// persist a crash report is the one error the guard itself cannot absorb.
func (m *Monitor) Run(ctx context.Context) error {
	listener, err := net.Listen("unix", m.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on diagnostic socket: %w", err)
	}
	defer listener.Close()
	defer os.Remove(m.cfg.SocketPath)

	handoffs := make(chan handoff, 1)
	go m.acceptHandoffs(listener, handoffs)

	m.log.Infof("watching app process %d", m.cfg.AppPID)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	var last *handoff
	for {
		select {
		case h := <-handoffs:
			last = &h
			if h.Clean {
				m.log.Debug("received clean shutdown notice")
			} else {
				m.log.Debug("received diagnostic payload")
			}
		case <-ticker.C:
			if !processAlive(m.cfg.AppPID) {
				// a handoff racing the exit may still be in flight
				select {
				case h := <-handoffs:
					last = &h
				case <-time.After(m.cfg.PollInterval):
				}
				return m.appExited(last)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Monitor) acceptHandoffs(listener net.Listener, out chan handoff) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		var h handoff
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		err = json.NewDecoder(conn).Decode(&h)
		conn.Close()
		if err != nil {
			m.log.Warnf("discarding malformed diagnostic payload: %s", err)
			continue
		}
		// keep only the latest payload
		select {
		case out <- h:
		default:
			select {
			case <-out:
			default:
			}
			out <- h
		}
	}
}

func (m *Monitor) appExited(last *handoff) error {
	if last != nil && last.Clean {
		m.log.Infof("app process %d exited cleanly, no report", m.cfg.AppPID)
		return nil
	}

	r := &Report{
		ID:         uuid.NewString(),
		PID:        m.cfg.AppPID,
		ExitReason: "abnormal termination",
		Platform:   runtime.GOOS,
		Time:       time.Now().UTC(),
	}
	if last != nil {
		r.ExitReason = "panic"
		r.Diagnostic = last.Diagnostic
	}

	path, err := writeReport(m.cfg.ReportDir, r)
	if err != nil {
		m.log.Errorf("cannot persist crash report: %s", err)
		return fmt.Errorf("persisting crash report: %w", err)
	}
	m.log.Infof("crash report written to %s", path)

	if m.cfg.Relaunch != nil {
		m.relaunch()
	}
	return nil
}

func (m *Monitor) relaunch() {
	cmd := exec.Command(m.cfg.Relaunch.BinPath, m.cfg.Relaunch.Args...)
	cmd.Env = append(os.Environ(), config.EnvPrevCrashed+"=1")
	if err := cmd.Start(); err != nil {
		m.log.Errorf("relaunching app process: %s", err)
		return
	}
	m.log.Infof("relaunched app process as pid %d", cmd.Process.Pid)
	cmd.Process.Release()
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

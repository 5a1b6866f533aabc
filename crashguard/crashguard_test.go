package crashguard

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

// spawnVictim starts a long-sleeping process for the monitor to watch.
func spawnVictim(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	return cmd
}

func kill(t *testing.T, cmd *exec.Cmd) {
	t.Helper()
	require.NoError(t, cmd.Process.Kill())
	cmd.Wait() // reap, so the pid stops existing
}

// startMonitor runs a monitor over the victim and returns its result channel.
func startMonitor(t *testing.T, pid int, dir, socket string) chan error {
	t.Helper()
	m := NewMonitor(log, MonitorConfig{
		AppPID:       pid,
		ReportDir:    dir,
		SocketPath:   socket,
		PollInterval: 20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()
	return errCh
}

func waitMonitor(t *testing.T, errCh chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("monitor never finished")
	}
}

func TestAbnormalExitWritesReport(t *testing.T) {
	dir := t.TempDir()
	socket := filepath.Join(dir, "g.sock")
	victim := spawnVictim(t)
	errCh := startMonitor(t, victim.Process.Pid, dir, socket)

	kill(t, victim)
	waitMonitor(t, errCh)

	reports, err := ReadReports(dir)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, victim.Process.Pid, reports[0].PID)
	assert.Equal(t, "abnormal termination", reports[0].ExitReason)
	assert.NotEmpty(t, reports[0].ID)
	assert.Nil(t, reports[0].Diagnostic)
}

func TestDiagnosticHandoffCapturedInReport(t *testing.T) {
	dir := t.TempDir()
	socket := filepath.Join(dir, "g.sock")
	victim := spawnVictim(t)
	errCh := startMonitor(t, victim.Process.Pid, dir, socket)

	d := &Diagnostic{Stack: "goroutine 1 [running]:\nmain.main()", Build: "test"}
	require.Eventually(t, func() bool {
		return SendDiagnostic(socket, d) == nil
	}, 10*time.Second, 20*time.Millisecond, "diagnostic socket never came up")

	kill(t, victim)
	waitMonitor(t, errCh)

	reports, err := ReadReports(dir)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "panic", reports[0].ExitReason)
	require.NotNil(t, reports[0].Diagnostic)
	assert.Equal(t, d.Stack, reports[0].Diagnostic.Stack)
	assert.Equal(t, "test", reports[0].Diagnostic.Build)
}

func TestCleanShutdownWritesNoReport(t *testing.T) {
	dir := t.TempDir()
	socket := filepath.Join(dir, "g.sock")
	victim := spawnVictim(t)
	errCh := startMonitor(t, victim.Process.Pid, dir, socket)

	require.Eventually(t, func() bool {
		return SendCleanShutdown(socket) == nil
	}, 10*time.Second, 20*time.Millisecond, "diagnostic socket never came up")

	kill(t, victim)
	waitMonitor(t, errCh)

	reports, err := ReadReports(dir)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestGuardRunsInItsOwnSession(t *testing.T) {
	cmd := guardCmd("sleep", []string{"60"})
	require.NotNil(t, cmd.SysProcAttr)
	require.True(t, cmd.SysProcAttr.Setsid)

	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	// a group-delivered signal aimed at this process must not reach the guard
	guardSID, err := unix.Getsid(cmd.Process.Pid)
	require.NoError(t, err)
	ownSID, err := unix.Getsid(0)
	require.NoError(t, err)
	assert.NotEqual(t, ownSID, guardSID)
}

func TestReadReportsOldestFirst(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := writeReport(dir, &Report{
			ID:         uuid.NewString(),
			PID:        1000 + i,
			ExitReason: "abnormal termination",
			Time:       base.Add(time.Duration(2-i) * time.Minute),
		})
		require.NoError(t, err)
	}

	reports, err := ReadReports(dir)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, 1002, reports[0].PID)
	assert.Equal(t, 1000, reports[2].PID)
}

package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/viewkit/viewproc/internal/config"
	"github.com/viewkit/viewproc/worker"
	"go.uber.org/zap"
)

// SpawnSpec tells a Spawner how the new view process should connect back.
type SpawnSpec struct {
	Endpoint   string
	Generation uint64

	// Env holds extra environment entries in KEY=VALUE form.
	Env []string
}

type ExitResult struct {
	Code   int
	TimeMS int64
}

// Proc is one spawned view process instance.
type Proc interface {
	Wait(ctx context.Context) (*ExitResult, error)
	Kill() error
	PID() int
}

// Spawner creates view process instances. The supervisor calls it once per
// generation.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Proc, error)
}

// ExecSpawner launches the view process binary. The endpoint and generation
// travel via environment variables which the binary's main decodes.
type ExecSpawner struct {
	BinPath string
	Args    []string
	Env     []string
}

func (s *ExecSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Proc, error) {
	cmd := exec.Command(s.BinPath, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, spec.Env...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("%s=%s", config.EnvEndpoint, spec.Endpoint),
		fmt.Sprintf("%s=%d", config.EnvGeneration, spec.Generation),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting view process: %w", err)
	}

	p := &execProc{
		cmd:      cmd,
		resultCh: make(chan procResult, 1),
	}
	go func() {
		exitCode := 0
		var resultErr error
		err := cmd.Wait()
		timeMS := time.Since(start).Milliseconds()
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				resultErr = err
				exitCode = -1
			}
		}
		p.resultCh <- procResult{code: exitCode, timeMS: timeMS, err: resultErr}
	}()

	return p, nil
}

type procResult struct {
	code   int
	timeMS int64
	err    error
}

type execProc struct {
	cmd      *exec.Cmd
	resultCh chan procResult
}

func (p *execProc) Wait(ctx context.Context) (*ExitResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-p.resultCh:
		return &ExitResult{Code: res.code, TimeMS: res.timeMS}, res.err
	}
}

func (p *execProc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProc) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// ThreadSpawner stands in for a separate view process by running the worker
// loop on a goroutine in the same process. Meant for same-process builds and
// for debugging sessions where a second process gets in the way.
type ThreadSpawner struct {
	Log *zap.SugaredLogger

	// NewBackend builds the backend for one worker lifetime. Each generation
	// gets a fresh backend, matching what a real respawn would see.
	NewBackend func() worker.Backend
}

func (s *ThreadSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Proc, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	p := &threadProc{
		cancel:   cancel,
		resultCh: make(chan procResult, 1),
	}

	w := worker.New(s.Log, s.NewBackend())
	start := time.Now()
	go func() {
		err := w.Run(runCtx, spec.Endpoint, spec.Generation)
		code := 0
		if err != nil {
			code = 1
		}
		p.resultCh <- procResult{code: code, timeMS: time.Since(start).Milliseconds(), err: nil}
	}()

	return p, nil
}

type threadProc struct {
	cancel   func()
	resultCh chan procResult
}

func (p *threadProc) Wait(ctx context.Context) (*ExitResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-p.resultCh:
		return &ExitResult{Code: res.code, TimeMS: res.timeMS}, res.err
	}
}

func (p *threadProc) Kill() error {
	p.cancel()
	return nil
}

func (p *threadProc) PID() int { return os.Getpid() }

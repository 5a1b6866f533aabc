package viewproc

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/viewkit/viewproc/controller"
	"github.com/viewkit/viewproc/crashguard"
	"github.com/viewkit/viewproc/internal/config"
	"github.com/viewkit/viewproc/protocol"
	"github.com/viewkit/viewproc/supervisor"
	"github.com/viewkit/viewproc/worker"
	"go.uber.org/zap"
)

// Config is the host runtime configuration, normally read from VIEWPROC_*
// environment variables.
type Config = config.Config

// LoadConfig reads the configuration from the environment.
func LoadConfig() (Config, error) { return config.Load() }

// Host is the app-process entry point: it wires the window controller, the
// view process supervisor, and the optional crash guard into one handle.
type Host struct {
	log     *zap.SugaredLogger
	cfg     config.Config
	cfgSet  bool
	spawner supervisor.Spawner

	guardCfg *crashguard.GuardConfig
	guard    *crashguard.Guard

	ctrl *controller.Controller
	sup  *supervisor.Supervisor

	frameSeq uint64
	started  bool
	closed   bool
}

type HostOption func(h *Host)

// WithLogger sets the logger. Defaults to a production zap logger.
func WithLogger(log *zap.SugaredLogger) HostOption {
	return func(h *Host) { h.log = log }
}

// WithSpawner sets how view processes are created. Defaults to an in-process
// worker over a headless backend.
func WithSpawner(s supervisor.Spawner) HostOption {
	return func(h *Host) { h.spawner = s }
}

// WithWorkerBinary launches the view process from the given binary.
func WithWorkerBinary(binPath string, args ...string) HostOption {
	return func(h *Host) {
		h.spawner = &supervisor.ExecSpawner{BinPath: binPath, Args: args}
	}
}

// WithConfig overrides the environment-derived configuration.
func WithConfig(cfg Config) HostOption {
	return func(h *Host) {
		h.cfg = cfg
		h.cfgSet = true
	}
}

// WithCrashGuard starts a watchdog process alongside the app. Without this
// option no guard runs.
func WithCrashGuard(cfg crashguard.GuardConfig) HostOption {
	return func(h *Host) { h.guardCfg = &cfg }
}

func NewHost(opts ...HostOption) (*Host, error) {
	h := &Host{}
	for _, o := range opts {
		o(h)
	}

	if h.log == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
		h.log = logger.Sugar().Named("viewproc")
	}
	if !h.cfgSet {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		h.cfg = cfg
	}
	if h.spawner == nil {
		h.spawner = &supervisor.ThreadSpawner{
			Log:        h.log,
			NewBackend: func() worker.Backend { return worker.NewHeadless() },
		}
	}

	h.ctrl = controller.New(h.log,
		controller.WithQueueSize(h.cfg.RequestQueueSize),
		controller.WithEventBuffer(h.cfg.EventBufferSize),
	)
	h.sup = supervisor.New(h.log, h.spawner, h.ctrl,
		supervisor.WithPingInterval(h.cfg.PingInterval),
		supervisor.WithPingTimeout(h.cfg.PingTimeout),
		supervisor.WithConnectTimeout(h.cfg.ConnectTimeout),
		supervisor.WithRespawnLimit(h.cfg.RespawnLimit),
		supervisor.WithRespawnWindow(h.cfg.RespawnWindow),
		supervisor.WithEventBuffer(h.cfg.EventBufferSize),
	)
	return h, nil
}

// Start launches the crash guard (if configured) and the first view process
// generation. It returns once the channel endpoint is open; window calls made
// before the view process connects are queued.
func (h *Host) Start(ctx context.Context) error {
	if h.started {
		return fmt.Errorf("host already started")
	}
	h.started = true

	if h.guardCfg != nil && !h.cfg.NoCrashGuard {
		guard, err := crashguard.StartGuard(h.log, *h.guardCfg)
		if err != nil {
			return err
		}
		h.guard = guard
	}
	return h.sup.Start(ctx)
}

// Close shuts the view process down and, when a crash guard is running, tells
// it this exit is intentional so no crash report is written.
func (h *Host) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	h.sup.Stop()
	if h.guard != nil {
		if err := h.guard.NotifyCleanShutdown(); err != nil {
			h.log.Warnf("notifying crash guard of clean shutdown: %s", err)
		}
	}
	return nil
}

// OpenWindow creates (or, after a respawn, recreates) a window and returns its
// id. An empty id gets a generated one.
func (h *Host) OpenWindow(ctx context.Context, id string, cfg protocol.WindowConfig) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	_, err := h.ctrl.Call(ctx, &protocol.Request{Op: protocol.OpOpenWindow, WindowID: id, Window: &cfg})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (h *Host) CloseWindow(ctx context.Context, id string) error {
	_, err := h.ctrl.Call(ctx, &protocol.Request{Op: protocol.OpCloseWindow, WindowID: id})
	return err
}

func (h *Host) SetTitle(ctx context.Context, id string, title string) error {
	_, err := h.ctrl.Call(ctx, &protocol.Request{Op: protocol.OpSetTitle, WindowID: id, Title: title})
	return err
}

func (h *Host) SetSize(ctx context.Context, id string, width, height int) error {
	_, err := h.ctrl.Call(ctx, &protocol.Request{Op: protocol.OpSetSize, WindowID: id, Width: width, Height: height})
	return err
}

// RenderFrame submits a frame for the window and returns the frame id. The
// response only acknowledges submission; completion arrives on Events as a
// frame_rendered event carrying the same frame id.
func (h *Host) RenderFrame(ctx context.Context, id string) (uint64, error) {
	frameID := atomic.AddUint64(&h.frameSeq, 1)
	resp, err := h.ctrl.Call(ctx, &protocol.Request{Op: protocol.OpRenderFrame, WindowID: id, FrameID: frameID})
	if err != nil {
		return 0, err
	}
	if !resp.Accepted {
		return 0, fmt.Errorf("frame %d not accepted", frameID)
	}
	return frameID, nil
}

// Events delivers view process events for the current generation. The channel
// persists across respawns.
func (h *Host) Events() <-chan *protocol.Event { return h.ctrl.Events() }

// SendExtension forwards an opaque payload to the named extension in the view
// process.
func (h *Host) SendExtension(name string, data []byte) error {
	return h.ctrl.SendExtension(name, data)
}

// HandleExtension registers a handler for extension payloads arriving from
// the view process.
func (h *Host) HandleExtension(name string, handler func(data []byte)) {
	h.ctrl.HandleExtension(name, handler)
}

// Generation returns the current view process generation.
func (h *Host) Generation() uint64 { return h.sup.Generation() }

// Connected reports whether a live view process is attached.
func (h *Host) Connected() bool { return h.ctrl.Connected() }

// State returns the current view process lifecycle state.
func (h *Host) State() supervisor.ProcessState { return h.sup.State() }

// Fatal delivers the single unrecoverable error emitted when the view process
// respawn budget is exhausted.
func (h *Host) Fatal() <-chan error { return h.sup.Fatal() }

// PrevRunCrashed reports whether this process was relaunched by a crash guard
// after a crash.
func PrevRunCrashed() bool { return crashguard.PrevRunCrashed() }

package worker

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/viewkit/viewproc/protocol"
	"github.com/viewkit/viewproc/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ExtensionHandler executes an opaque extension payload. A non-nil reply is
// sent back to the app process under the same extension name.
type ExtensionHandler func(data []byte) ([]byte, error)

// Worker runs the view-process dispatch loop against a Backend.
type Worker struct {
	log     *zap.SugaredLogger
	backend Backend

	extMu       sync.Mutex
	extHandlers map[string]ExtensionHandler
}

func New(log *zap.SugaredLogger, backend Backend) *Worker {
	return &Worker{
		log:         log.Named("worker"),
		backend:     backend,
		extHandlers: map[string]ExtensionHandler{},
	}
}

// RegisterExtension installs the handler for the named extension. Handlers
// are resolved at dispatch time by name; registration must happen before Run.
func (w *Worker) RegisterExtension(name string, h ExtensionHandler) {
	w.extMu.Lock()
	defer w.extMu.Unlock()
	w.extHandlers[name] = h
}

// Run connects back to the app process endpoint under the given generation
// and serves requests until the connection dies, a shutdown request arrives,
// or the context is canceled. A shutdown request yields a nil return.
func (w *Worker) Run(ctx context.Context, endpoint string, gen uint64) error {
	conn, err := transport.Dial(ctx, w.log, endpoint, gen)
	if err != nil {
		return fmt.Errorf("connecting to app process: %w", err)
	}
	defer conn.Close()
	defer w.backend.Close()

	err = conn.Send(protocol.NewEvent(gen, &protocol.Event{Type: protocol.EventReady, PID: os.Getpid()}))
	if err != nil {
		return fmt.Errorf("sending ready event: %w", err)
	}
	w.log.Debugf("connected under generation %d", gen)

	shutdown := make(chan struct{})

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return w.dispatch(gctx, conn, gen, shutdown) })
	group.Go(func() error { return w.pumpBackendEvents(gctx, conn, gen) })
	group.Go(func() error { return w.pumpExtensions(gctx, conn) })
	group.Go(func() error {
		select {
		case <-gctx.Done():
		case <-shutdown:
		case <-conn.Done():
		}
		conn.Close()
		return nil
	})

	err = group.Wait()

	select {
	case <-shutdown:
		w.log.Debug("shut down on request")
		return nil
	default:
	}
	return err
}

// dispatch reads one request at a time and writes exactly one response for
// it, in order.
func (w *Worker) dispatch(ctx context.Context, conn *transport.Conn, gen uint64, shutdown chan struct{}) error {
	for {
		select {
		case m, ok := <-conn.Requests():
			if !ok {
				return conn.Err()
			}
			if m.Gen != gen {
				w.log.Debugf("discarding request %d from generation %d", m.Request.ID, m.Gen)
				continue
			}
			resp, stop := w.execute(m.Request)
			if err := conn.Send(protocol.NewResponse(gen, resp)); err != nil {
				return err
			}
			if stop {
				close(shutdown)
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Worker) execute(req *protocol.Request) (resp *protocol.Response, stop bool) {
	resp = &protocol.Response{ID: req.ID, Op: req.Op}

	var err error
	switch req.Op {
	case protocol.OpPing:
		// nothing to do
	case protocol.OpOpenWindow:
		if req.Window == nil {
			err = fmt.Errorf("open_window without a window configuration")
		} else {
			err = w.backend.OpenWindow(req.WindowID, *req.Window)
		}
	case protocol.OpCloseWindow:
		err = w.backend.CloseWindow(req.WindowID)
	case protocol.OpSetTitle:
		err = w.backend.SetTitle(req.WindowID, req.Title)
	case protocol.OpSetSize:
		err = w.backend.SetSize(req.WindowID, req.Width, req.Height)
	case protocol.OpRenderFrame:
		if err = w.backend.RenderFrame(req.WindowID, req.FrameID); err == nil {
			resp.Accepted = true
		}
	case protocol.OpExtension:
		resp.Ext, err = w.executeExtension(req.Ext)
	case protocol.OpShutdown:
		stop = true
	default:
		err = fmt.Errorf("unknown operation %q", req.Op)
	}

	if err != nil {
		w.log.Debugf("request %d (%s) failed: %s", req.ID, req.Op, err)
		resp.Err = err.Error()
	}
	return resp, stop
}

func (w *Worker) executeExtension(ext *protocol.Extension) (*protocol.Extension, error) {
	if ext == nil {
		return nil, fmt.Errorf("extension request without a payload")
	}
	h := w.lookupExtension(ext.Name)
	if h == nil {
		return nil, fmt.Errorf("no handler for extension %q", ext.Name)
	}
	reply, err := h(ext.Data)
	if err != nil {
		return nil, err
	}
	return &protocol.Extension{Name: ext.Name, Data: reply}, nil
}

func (w *Worker) pumpBackendEvents(ctx context.Context, conn *transport.Conn, gen uint64) error {
	for {
		select {
		case ev, ok := <-w.backend.Events():
			if !ok {
				return nil
			}
			if err := conn.Send(protocol.NewEvent(gen, &ev)); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pumpExtensions handles one-way extension payloads pushed by the app
// process.
func (w *Worker) pumpExtensions(ctx context.Context, conn *transport.Conn) error {
	for {
		select {
		case m, ok := <-conn.Events():
			if !ok {
				return conn.Err()
			}
			if m.Kind != protocol.KindExtension {
				continue
			}
			h := w.lookupExtension(m.Extension.Name)
			if h == nil {
				w.log.Warnf("no handler for extension payload %q", m.Extension.Name)
				continue
			}
			reply, err := h(m.Extension.Data)
			if err != nil {
				w.log.Warnf("extension %q failed: %s", m.Extension.Name, err)
				continue
			}
			if reply != nil {
				err := conn.Send(protocol.NewExtension(m.Gen, &protocol.Extension{Name: m.Extension.Name, Data: reply}))
				if err != nil {
					return err
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Worker) lookupExtension(name string) ExtensionHandler {
	w.extMu.Lock()
	defer w.extMu.Unlock()
	return w.extHandlers[name]
}

package controller

import (
	"context"
	"sync"

	"github.com/viewkit/viewproc/protocol"
	"github.com/viewkit/viewproc/transport"
	"go.uber.org/zap"
)

const (
	defaultQueueSize   = 256
	defaultEventBuffer = 256
)

// Controller exposes the request/response and event surface of the view
// process to the app. It is safe for concurrent use.
type Controller struct {
	log *zap.SugaredLogger

	mu        sync.Mutex
	gen       uint64
	connected bool
	conn      *transport.Conn
	nextID    uint64
	pending   map[uint64]*Pending
	queue     []*queuedRequest
	queueSize int

	windows   map[string]*windowState
	windowSeq uint64

	events      chan *protocol.Event
	eventBuffer int

	extMu       sync.Mutex
	extHandlers map[string]func(data []byte)
}

type queuedRequest struct {
	req     *protocol.Request
	pending *Pending
}

type Option func(c *Controller)

// WithQueueSize bounds the number of requests held while disconnected.
func WithQueueSize(n int) Option {
	return func(c *Controller) {
		c.queueSize = n
	}
}

// WithEventBuffer bounds the subscriber-facing event channel.
func WithEventBuffer(n int) Option {
	return func(c *Controller) {
		c.eventBuffer = n
	}
}

func New(log *zap.SugaredLogger, opts ...Option) *Controller {
	c := &Controller{
		log:         log.Named("controller"),
		pending:     map[uint64]*Pending{},
		windows:     map[string]*windowState{},
		queueSize:   defaultQueueSize,
		eventBuffer: defaultEventBuffer,
		extHandlers: map[string]func(data []byte){},
	}
	for _, o := range opts {
		o(c)
	}
	c.events = make(chan *protocol.Event, c.eventBuffer)
	return c
}

// Generation returns the current view process generation.
func (c *Controller) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Connected reports whether a live view process is attached.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Events delivers view process events. The channel persists across respawns;
// only events from the current generation appear on it.
func (c *Controller) Events() <-chan *protocol.Event { return c.events }

// Send issues a request and returns a handle for its eventual response. While
// disconnected the request is queued and sent, in order, on reconnect. The
// handle resolves with protocol.ErrDisconnected if the generation advances
// before a response arrives.
func (c *Controller) Send(req *protocol.Request) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req.ID = c.nextID
	c.trackWindow(req)

	p := &Pending{id: req.ID, ch: make(chan outcome, 1)}

	if !c.connected {
		if len(c.queue) >= c.queueSize {
			dropped := c.queue[0]
			c.queue = c.queue[1:]
			c.log.Warnf("offline queue full, dropping oldest request %d (%s)", dropped.req.ID, dropped.req.Op)
			dropped.pending.resolve(nil, protocol.ErrDisconnected)
		}
		c.queue = append(c.queue, &queuedRequest{req: req, pending: p})
		return p
	}

	c.sendLocked(req, p)
	return p
}

// Call issues a request and waits for its response. A failure reported by the
// view backend comes back as a *protocol.RequestError.
func (c *Controller) Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	return c.Send(req).Wait(ctx)
}

// Ping round-trips a ping request. The supervisor uses this as its health
// check; the context carries the configured timeout.
func (c *Controller) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, &protocol.Request{Op: protocol.OpPing})
	return err
}

// SendExtension forwards an opaque payload to the named extension handler in
// the view process. Extensions are fire-and-forget; while disconnected they
// are dropped with a warning.
func (c *Controller) SendExtension(name string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		c.log.Warnf("dropping extension payload %q while disconnected", name)
		return protocol.ErrDisconnected
	}
	return c.conn.Send(protocol.NewExtension(c.gen, &protocol.Extension{Name: name, Data: data}))
}

// HandleExtension registers the handler for extension payloads arriving from
// the view process under the given name.
func (c *Controller) HandleExtension(name string, handler func(data []byte)) {
	c.extMu.Lock()
	defer c.extMu.Unlock()
	c.extHandlers[name] = handler
}

// sendLocked transmits a request under the current generation. c.mu held.
func (c *Controller) sendLocked(req *protocol.Request, p *Pending) {
	p.gen = c.gen
	c.pending[req.ID] = p
	if err := c.conn.Send(protocol.NewRequest(c.gen, req)); err != nil {
		delete(c.pending, req.ID)
		p.resolve(nil, protocol.ErrDisconnected)
	}
}

// HandleConnected attaches a fresh connection. Called by the supervisor once
// the handshake for gen completed. Window replay happens before anything
// queued or new is allowed out.
func (c *Controller) HandleConnected(conn *transport.Conn, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn = conn
	c.gen = gen
	c.connected = true

	c.replayWindowsLocked()

	queued := c.queue
	c.queue = nil
	for _, q := range queued {
		c.sendLocked(q.req, q.pending)
	}
	if len(queued) > 0 {
		c.log.Debugf("flushed %d queued requests under generation %d", len(queued), gen)
	}

	go c.pumpResponses(conn)
	go c.pumpEvents(conn)
}

// HandleDisconnected detaches the connection for gen, if it is still current,
// and resolves every in-flight request with a disconnect error.
func (c *Controller) HandleDisconnected(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}
	c.connected = false
	c.conn = nil

	for id, p := range c.pending {
		delete(c.pending, id)
		p.resolve(nil, protocol.ErrDisconnected)
	}
	c.log.Debugf("generation %d detached, in-flight requests resolved as disconnected", gen)
}

func (c *Controller) pumpResponses(conn *transport.Conn) {
	for m := range conn.Responses() {
		c.dispatchResponse(conn.Generation(), m)
	}
}

func (c *Controller) dispatchResponse(connGen uint64, m *protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if connGen != c.gen || m.Gen != c.gen {
		c.log.Debugf("discarding response %d from stale generation %d", m.Response.ID, m.Gen)
		return
	}
	p, ok := c.pending[m.Response.ID]
	if !ok {
		c.log.Debugf("discarding response for unknown request %d", m.Response.ID)
		return
	}
	delete(c.pending, m.Response.ID)
	p.resolve(m.Response, nil)
}

func (c *Controller) pumpEvents(conn *transport.Conn) {
	for m := range conn.Events() {
		c.mu.Lock()
		stale := conn.Generation() != c.gen || m.Gen != c.gen
		c.mu.Unlock()
		if stale {
			c.log.Debugf("discarding %s from stale generation %d", m.Kind, m.Gen)
			continue
		}

		if m.Kind == protocol.KindExtension {
			c.dispatchExtension(m.Extension)
			continue
		}

		select {
		case c.events <- m.Event:
		case <-conn.Done():
			return
		}
	}
}

func (c *Controller) dispatchExtension(ext *protocol.Extension) {
	c.extMu.Lock()
	handler := c.extHandlers[ext.Name]
	c.extMu.Unlock()
	if handler == nil {
		c.log.Warnf("no handler for extension payload %q", ext.Name)
		return
	}
	handler(ext.Data)
}

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/viewkit/viewproc/protocol"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const readLimit = 1 << 20

const (
	defaultEventBuffer  = 1024
	defaultWriteTimeout = 10 * time.Second
	sendBuffer          = 256
)

// Conn is one generation-scoped connection between the app process and the
// view process. Messages sent with Send arrive at the peer in send order.
// Incoming messages are split into three streams: requests (view process
// side), responses (app process side), and events. All streams are closed
// after the connection reaches its terminal error.
type Conn struct {
	log *zap.SugaredLogger
	ws  *websocket.Conn
	gen uint64

	ctx    context.Context
	cancel func()

	writeTimeout time.Duration
	sendQ        chan outMessage

	requests  chan *protocol.Message
	responses chan *protocol.Message
	events    chan *protocol.Message

	failOnce sync.Once
	done     chan struct{}
	errMu    sync.Mutex
	err      error
}

// outMessage is one entry in the write queue. close marks the clean-shutdown
// sentinel: the writer flushes everything queued before it, then closes.
type outMessage struct {
	kind  protocol.Kind
	b     []byte
	close bool
}

func newConn(log *zap.SugaredLogger, ws *websocket.Conn, gen uint64, eventBuffer int, writeTimeout time.Duration) *Conn {
	if eventBuffer <= 0 {
		eventBuffer = defaultEventBuffer
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		log:          log,
		ws:           ws,
		gen:          gen,
		ctx:          ctx,
		cancel:       cancel,
		writeTimeout: writeTimeout,
		sendQ:        make(chan outMessage, sendBuffer),
		requests:     make(chan *protocol.Message, 64),
		responses:    make(chan *protocol.Message, 64),
		events:       make(chan *protocol.Message, eventBuffer),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Generation returns the view process generation this connection belongs to.
func (c *Conn) Generation() uint64 { return c.gen }

// Requests delivers incoming request messages in arrival order.
func (c *Conn) Requests() <-chan *protocol.Message { return c.requests }

// Responses delivers incoming response messages in arrival order.
func (c *Conn) Responses() <-chan *protocol.Message { return c.responses }

// Events delivers incoming event and extension messages in arrival order.
// The buffer is bounded; if the consumer stops draining, the oldest buffered
// event is dropped with a warning.
func (c *Conn) Events() <-chan *protocol.Message { return c.events }

// Done is closed once the connection has failed or been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the terminal error after Done is closed. It always matches
// protocol.ErrDisconnected.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send serializes m and queues it for the peer. Queued messages are written
// in Send order by a single writer goroutine, so Send never blocks on the
// network: a peer that stops reading fails the connection after the write
// timeout instead of freezing the caller.
func (c *Conn) Send(m *protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return c.Err()
	default:
	}

	select {
	case c.sendQ <- outMessage{kind: m.Kind, b: b}:
		return nil
	case <-c.done:
		return c.Err()
	}
}

// Close closes the connection cleanly after the writer has flushed every
// message queued before the close. Pending reads and later sends fail with
// the usual disconnect error.
func (c *Conn) Close() error {
	select {
	case c.sendQ <- outMessage{close: true}:
	case <-c.done:
	}
	return nil
}

func (c *Conn) fail(cause error) {
	c.failOnce.Do(func() {
		c.errMu.Lock()
		if cause != nil {
			c.err = fmt.Errorf("%w: %s", protocol.ErrDisconnected, cause)
		} else {
			c.err = protocol.ErrDisconnected
		}
		c.errMu.Unlock()

		c.cancel()
		if cause != nil {
			c.ws.Close(websocket.StatusInternalError, "channel failed")
		} else {
			c.ws.Close(websocket.StatusNormalClosure, "")
		}
		close(c.done)
	})
}

func (c *Conn) writeLoop() {
	for {
		select {
		case out := <-c.sendQ:
			if out.close {
				c.fail(nil)
				return
			}
			wctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, out.b)
			cancel()
			if err != nil {
				c.fail(fmt.Errorf("writing %s message: %w", out.kind, err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readLoop() {
	defer close(c.requests)
	defer close(c.responses)
	defer close(c.events)

	for {
		_, b, err := c.ws.Read(c.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.log.Debug("peer closed channel")
				c.fail(nil)
			} else {
				c.log.Debugf("channel read error: %s", err)
				c.fail(err)
			}
			return
		}

		m, err := protocol.Decode(b)
		if err != nil {
			c.log.Debugf("closing channel on undecodable message: %s", err)
			c.fail(err)
			return
		}

		switch m.Kind {
		case protocol.KindRequest:
			select {
			case c.requests <- m:
			case <-c.ctx.Done():
				return
			}
		case protocol.KindResponse:
			select {
			case c.responses <- m:
			case <-c.ctx.Done():
				return
			}
		case protocol.KindEvent, protocol.KindExtension:
			c.deliverEvent(m)
		}
	}
}

// deliverEvent enqueues without blocking the read loop, dropping the oldest
// buffered event when the consumer has fallen behind. The incoming message
// itself is never dropped: if a concurrently draining consumer empties the
// buffer between the eviction and the retry, the retry succeeds.
func (c *Conn) deliverEvent(m *protocol.Message) {
	for {
		select {
		case c.events <- m:
			return
		default:
		}

		select {
		case dropped := <-c.events:
			c.log.Warnf("event buffer full, dropping oldest %s message", dropped.Kind)
		default:
		}
	}
}

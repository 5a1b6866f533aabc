package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Listener accepts channel connections from view processes on a loopback
// address. Only a dial presenting the currently expected generation is
// accepted; anything else is a stale view process and is turned away.
type Listener struct {
	// expectedGen is accessed atomically; keep it first for 64-bit alignment.
	expectedGen uint64

	log *zap.SugaredLogger

	addr         string
	httpServer   *http.Server
	eventBuffer  int
	writeTimeout time.Duration

	accepted  chan *Conn
	closeOnce sync.Once
	closed    chan struct{}
}

type ListenerOption func(l *Listener)

// WithEventBuffer bounds the per-connection incoming event buffer.
func WithEventBuffer(n int) ListenerOption {
	return func(l *Listener) {
		l.eventBuffer = n
	}
}

// WithWriteTimeout bounds a single message write. A peer that stops reading
// for this long is treated as gone and the connection fails.
func WithWriteTimeout(d time.Duration) ListenerOption {
	return func(l *Listener) {
		l.writeTimeout = d
	}
}

// Listen starts the channel endpoint. An empty addr picks an ephemeral
// loopback port; Addr reports the bound address.
func Listen(log *zap.SugaredLogger, addr string, opts ...ListenerOption) (*Listener, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	tcpListener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening TCP: %w", err)
	}

	l := &Listener{
		log:      log.Named("listener"),
		addr:     tcpListener.Addr().String(),
		accepted: make(chan *Conn, 1),
		closed:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}

	router := httprouter.New()
	router.GET("/healthz", l.healthz)
	router.GET("/channel", l.channel)

	server := &http.Server{Handler: router}
	l.httpServer = server

	go func() {
		err := server.Serve(tcpListener)
		if !errors.Is(err, http.ErrServerClosed) {
			l.log.Debugf("channel endpoint stopped: %s", err)
		}
	}()

	return l, nil
}

// Addr returns the bound host:port.
func (l *Listener) Addr() string { return l.addr }

// URL returns the channel endpoint URL handed to the view process.
func (l *Listener) URL() string { return fmt.Sprintf("ws://%s/channel", l.addr) }

// HealthURL returns the liveness endpoint a view process can poll while the
// app process is still coming up.
func (l *Listener) HealthURL() string { return fmt.Sprintf("http://%s/healthz", l.addr) }

// Expect sets the generation the next accepted connection must present.
func (l *Listener) Expect(gen uint64) {
	atomic.StoreUint64(&l.expectedGen, gen)
}

// Accepted delivers connections that passed the generation check.
func (l *Listener) Accepted() <-chan *Conn { return l.accepted }

func (l *Listener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return l.httpServer.Close()
}

func (l *Listener) healthz(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	response := struct {
		Status string
	}{
		Status: "ok",
	}
	b, err := json.Marshal(response)
	if err != nil {
		l.log.Debugf("error marshaling healthz response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (l *Listener) channel(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	gen, err := strconv.ParseUint(r.URL.Query().Get("gen"), 10, 64)
	if err != nil {
		http.Error(w, "missing or malformed generation", http.StatusBadRequest)
		return
	}
	expected := atomic.LoadUint64(&l.expectedGen)
	if gen == 0 || gen != expected {
		l.log.Debugf("rejecting channel dial for generation %d, expecting %d", gen, expected)
		http.Error(w, "stale generation", http.StatusConflict)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		l.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)
	l.log.Debugf("accepted channel conn for generation %d", gen)

	conn := newConn(l.log.Named("conn"), wsConn, gen, l.eventBuffer, l.writeTimeout)
	select {
	case l.accepted <- conn:
	default:
		// nobody is waiting on this generation anymore
		conn.Close()
		return
	}

	// keep the handler alive for the lifetime of the hijacked conn
	select {
	case <-conn.Done():
	case <-l.closed:
		conn.Close()
	}
}

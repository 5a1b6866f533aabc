package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/viewkit/viewproc/protocol"
	"github.com/viewkit/viewproc/transport"
	"go.uber.org/zap"
)

// ConnHandler is notified when a view process generation comes and goes. The
// controller implements this; the supervisor stays ignorant of what rides the
// connection.
type ConnHandler interface {
	HandleConnected(conn *transport.Conn, gen uint64)
	HandleDisconnected(gen uint64)
}

// Pinger round-trips a health-check request through the live connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Supervisor owns the view process lifecycle: spawn, handshake, health
// checks, and respawn after crashes, hangs, and disconnects. It owns the
// generation counter and the process state; everything else reads them.
type Supervisor struct {
	log     *zap.SugaredLogger
	spawner Spawner
	handler ConnHandler
	pinger  Pinger

	listenAddr     string
	eventBuffer    int
	pingInterval   time.Duration
	pingTimeout    time.Duration
	connectTimeout time.Duration
	respawnLimit   int
	respawnWindow  time.Duration
	respawnDelay   time.Duration

	mu    sync.Mutex
	state ProcessState
	gen   uint64

	listener *transport.Listener

	stopOnce  sync.Once
	stopped   chan struct{}
	done      chan struct{}
	fatalOnce sync.Once
	fatalCh   chan error
}

type Option func(s *Supervisor)

// WithPingInterval sets how often the health-check ping runs.
func WithPingInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.pingInterval = d }
}

// WithPingTimeout sets how long an unanswered ping is tolerated before the
// view process is presumed hung and respawned.
func WithPingTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.pingTimeout = d }
}

// WithConnectTimeout bounds spawn-to-handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.connectTimeout = d }
}

// WithRespawnLimit sets how many failures within the respawn window are
// tolerated before the supervisor gives up.
func WithRespawnLimit(n int) Option {
	return func(s *Supervisor) { s.respawnLimit = n }
}

// WithRespawnWindow sets the sliding window for the respawn limit.
func WithRespawnWindow(d time.Duration) Option {
	return func(s *Supervisor) { s.respawnWindow = d }
}

// WithRespawnDelay sets the pause between respawn attempts.
func WithRespawnDelay(d time.Duration) Option {
	return func(s *Supervisor) { s.respawnDelay = d }
}

// WithListenAddr overrides the loopback endpoint address.
func WithListenAddr(addr string) Option {
	return func(s *Supervisor) { s.listenAddr = addr }
}

// WithEventBuffer bounds the per-connection event buffer.
func WithEventBuffer(n int) Option {
	return func(s *Supervisor) { s.eventBuffer = n }
}

// WithPinger overrides the health-check pinger. By default the handler is
// used if it implements Pinger.
func WithPinger(p Pinger) Option {
	return func(s *Supervisor) { s.pinger = p }
}

func New(log *zap.SugaredLogger, spawner Spawner, handler ConnHandler, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:            log.Named("supervisor"),
		spawner:        spawner,
		handler:        handler,
		state:          StateNotStarted,
		pingInterval:   2 * time.Second,
		pingTimeout:    5 * time.Second,
		connectTimeout: 10 * time.Second,
		respawnLimit:   5,
		respawnWindow:  30 * time.Second,
		respawnDelay:   100 * time.Millisecond,
		stopped:        make(chan struct{}),
		done:           make(chan struct{}),
		fatalCh:        make(chan error, 1),
	}
	if p, ok := handler.(Pinger); ok {
		s.pinger = p
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current view process state.
func (s *Supervisor) State() ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation returns the current view process generation. Generation 0 means
// nothing has been spawned yet.
func (s *Supervisor) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Fatal delivers the single unrecoverable error emitted when the respawn
// budget is exhausted.
func (s *Supervisor) Fatal() <-chan error { return s.fatalCh }

// Endpoint returns the channel endpoint URL after Start.
func (s *Supervisor) Endpoint() string { return s.listener.URL() }

// Start opens the channel endpoint and begins the spawn/monitor/respawn loop.
func (s *Supervisor) Start(ctx context.Context) error {
	listener, err := transport.Listen(s.log, s.listenAddr, transport.WithEventBuffer(s.eventBuffer))
	if err != nil {
		return fmt.Errorf("opening channel endpoint: %w", err)
	}
	s.listener = listener
	go s.run(ctx)
	return nil
}

// Stop shuts the supervisor down and kills the current view process. It
// returns once the loop has fully wound down.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
	if s.listener != nil {
		<-s.done
	}
}

var errStopped = errors.New("supervisor stopped")

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer s.listener.Close()

	var failures []time.Time

	for {
		select {
		case <-s.stopped:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		s.gen++
		gen := s.gen
		s.mu.Unlock()
		s.transition(StateStarting)
		s.listener.Expect(gen)

		conn, proc, err := s.connect(ctx, gen)
		if err != nil {
			if errors.Is(err, errStopped) || ctx.Err() != nil {
				return
			}
			s.log.Warnf("generation %d never came up: %s", gen, err)
			s.transition(StateCrashed)
			if s.recordFailure(&failures, err) {
				return
			}
			s.pause()
			continue
		}

		s.transition(StateConnected)
		s.log.Infof("view process connected, generation %d, pid %d", gen, proc.PID())
		s.handler.HandleConnected(conn, gen)

		reason := s.monitor(ctx, conn, proc)

		s.handler.HandleDisconnected(gen)
		conn.Close()
		proc.Kill()

		switch reason {
		case reasonStopped:
			return
		case reasonDisconnected:
			s.transition(StateDisconnected)
		default:
			s.transition(StateCrashed)
		}

		if s.recordFailure(&failures, reason.err()) {
			return
		}
		s.pause()
	}
}

// connect spawns one view process and waits for its handshake.
func (s *Supervisor) connect(ctx context.Context, gen uint64) (*transport.Conn, Proc, error) {
	cctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	proc, err := s.spawner.Spawn(ctx, SpawnSpec{Endpoint: s.listener.URL(), Generation: gen})
	if err != nil {
		return nil, nil, fmt.Errorf("spawning view process: %w", err)
	}

	select {
	case conn := <-s.listener.Accepted():
		if err := s.awaitReady(cctx, conn, gen); err != nil {
			conn.Close()
			proc.Kill()
			return nil, nil, fmt.Errorf("waiting for ready event: %w", err)
		}
		return conn, proc, nil
	case <-cctx.Done():
		proc.Kill()
		return nil, nil, fmt.Errorf("view process did not connect within %s: %w", s.connectTimeout, cctx.Err())
	case <-s.stopped:
		proc.Kill()
		return nil, nil, errStopped
	}
}

func (s *Supervisor) awaitReady(ctx context.Context, conn *transport.Conn, gen uint64) error {
	for {
		select {
		case m, ok := <-conn.Events():
			if !ok {
				return conn.Err()
			}
			if m.Kind == protocol.KindEvent && m.Event.Type == protocol.EventReady && m.Gen == gen {
				s.log.Debugf("generation %d ready, worker pid %d", gen, m.Event.PID)
				return nil
			}
			s.log.Debugf("ignoring %s message ahead of ready event", m.Kind)
		case <-conn.Done():
			return conn.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type monitorReason int

const (
	reasonStopped monitorReason = iota
	reasonDisconnected
	reasonCrashed
	reasonHung
)

func (r monitorReason) err() error {
	switch r {
	case reasonHung:
		return protocol.ErrTimeout
	default:
		return protocol.ErrDisconnected
	}
}

// monitor blocks while a generation is healthy. The primary crash signal is
// the OS-level exit; the ping catches hangs that never exit.
func (s *Supervisor) monitor(ctx context.Context, conn *transport.Conn, proc Proc) monitorReason {
	wctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	procExit := make(chan *ExitResult, 1)
	go func() {
		res, err := proc.Wait(wctx)
		if err == nil {
			procExit <- res
		}
	}()

	var tickCh <-chan time.Time
	if s.pinger != nil && s.pingInterval > 0 {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	for {
		select {
		case <-s.stopped:
			return reasonStopped
		case <-ctx.Done():
			return reasonStopped
		case <-conn.Done():
			s.log.Warnf("channel to view process closed: %s", conn.Err())
			return reasonDisconnected
		case res := <-procExit:
			s.log.Warnf("view process exited with code %d after %dms", res.Code, res.TimeMS)
			return reasonCrashed
		case <-tickCh:
			pctx, pcancel := context.WithTimeout(context.Background(), s.pingTimeout)
			err := s.pinger.Ping(pctx)
			pcancel()
			if err == nil {
				continue
			}
			if errors.Is(err, protocol.ErrDisconnected) {
				s.log.Warnf("ping failed, channel gone: %s", err)
				return reasonDisconnected
			}
			if errors.Is(err, context.DeadlineExceeded) {
				s.log.Warnf("view process presumed hung: %s", protocol.ErrTimeout)
				return reasonHung
			}
			s.log.Debugf("ping error: %s", err)
		}
	}
}

// recordFailure tracks failures in a sliding window and emits the one fatal
// error when the budget is spent.
func (s *Supervisor) recordFailure(failures *[]time.Time, cause error) (fatal bool) {
	now := time.Now()
	kept := (*failures)[:0]
	for _, f := range *failures {
		if now.Sub(f) <= s.respawnWindow {
			kept = append(kept, f)
		}
	}
	*failures = append(kept, now)

	if len(*failures) < s.respawnLimit {
		return false
	}

	err := &protocol.FatalError{Attempts: len(*failures), Err: cause}
	s.log.Errorf("%s", err)
	s.fatalOnce.Do(func() { s.fatalCh <- err })
	return true
}

func (s *Supervisor) pause() {
	select {
	case <-time.After(s.respawnDelay):
	case <-s.stopped:
	}
}

func (s *Supervisor) transition(to ProcessState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.canTransitionTo(to) {
		s.log.Warnf("unexpected state transition %s -> %s", s.state, to)
	}
	s.log.Debugf("state %s -> %s", s.state, to)
	s.state = to
}

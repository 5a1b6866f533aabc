package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viewkit/viewproc/protocol"
	"github.com/viewkit/viewproc/transport"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

// startWorker runs the worker against a real channel endpoint and returns the
// app-process end, already past the ready handshake.
func startWorker(t *testing.T, w *Worker, gen uint64) (*transport.Conn, chan error) {
	t.Helper()
	listener, err := transport.Listen(log, "")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	listener.Expect(gen)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx, listener.URL(), gen)
	}()

	var app *transport.Conn
	select {
	case app = <-listener.Accepted():
	case <-time.After(10 * time.Second):
		t.Fatal("worker never connected")
	}
	t.Cleanup(func() { app.Close() })

	m := recvEvent(t, app)
	require.Equal(t, protocol.EventReady, m.Event.Type)
	require.Equal(t, gen, m.Gen)
	require.NotZero(t, m.Event.PID)
	return app, errCh
}

func recvResponse(t *testing.T, app *transport.Conn) *protocol.Message {
	t.Helper()
	select {
	case m, ok := <-app.Responses():
		require.True(t, ok, "response stream closed")
		return m
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a response")
		return nil
	}
}

func recvEvent(t *testing.T, app *transport.Conn) *protocol.Message {
	t.Helper()
	select {
	case m, ok := <-app.Events():
		require.True(t, ok, "event stream closed")
		return m
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for an event")
		return nil
	}
}

func TestEveryRequestGetsOneResponse(t *testing.T) {
	backend := NewHeadless()
	app, _ := startWorker(t, New(log, backend), 1)

	reqs := []*protocol.Request{
		{ID: 1, Op: protocol.OpPing},
		{ID: 2, Op: protocol.OpOpenWindow, WindowID: "w1", Window: &protocol.WindowConfig{Title: "main", Width: 800, Height: 600}},
		{ID: 3, Op: protocol.OpSetTitle, WindowID: "w1", Title: "renamed"},
		{ID: 4, Op: protocol.OpSetSize, WindowID: "w1", Width: 1024, Height: 768},
	}
	for _, req := range reqs {
		require.NoError(t, app.Send(protocol.NewRequest(1, req)))
	}
	for _, req := range reqs {
		m := recvResponse(t, app)
		assert.Equal(t, req.ID, m.Response.ID)
		assert.Equal(t, req.Op, m.Response.Op)
		assert.Empty(t, m.Response.Err)
	}

	windows := backend.Windows()
	require.Contains(t, windows, "w1")
	assert.Equal(t, "renamed", windows["w1"].Title)
	assert.Equal(t, 1024, windows["w1"].Width)
}

func TestBackendFailureReportedInline(t *testing.T) {
	app, _ := startWorker(t, New(log, NewHeadless()), 1)

	require.NoError(t, app.Send(protocol.NewRequest(1, &protocol.Request{ID: 1, Op: protocol.OpCloseWindow, WindowID: "ghost"})))
	m := recvResponse(t, app)
	assert.Equal(t, uint64(1), m.Response.ID)
	assert.Contains(t, m.Response.Err, "ghost")

	// the connection survives a failed request
	require.NoError(t, app.Send(protocol.NewRequest(1, &protocol.Request{ID: 2, Op: protocol.OpPing})))
	m = recvResponse(t, app)
	assert.Empty(t, m.Response.Err)
}

func TestRenderFrameAckThenCompletion(t *testing.T) {
	app, _ := startWorker(t, New(log, NewHeadless()), 1)

	open := &protocol.Request{ID: 1, Op: protocol.OpOpenWindow, WindowID: "w1", Window: &protocol.WindowConfig{Width: 100, Height: 100}}
	require.NoError(t, app.Send(protocol.NewRequest(1, open)))
	recvResponse(t, app)

	render := &protocol.Request{ID: 2, Op: protocol.OpRenderFrame, WindowID: "w1", FrameID: 7}
	require.NoError(t, app.Send(protocol.NewRequest(1, render)))

	m := recvResponse(t, app)
	require.Empty(t, m.Response.Err)
	assert.True(t, m.Response.Accepted)

	ev := recvEvent(t, app)
	assert.Equal(t, protocol.EventFrameRendered, ev.Event.Type)
	assert.Equal(t, "w1", ev.Event.WindowID)
	assert.Equal(t, uint64(7), ev.Event.FrameID)
}

func TestStaleGenerationRequestDiscarded(t *testing.T) {
	app, _ := startWorker(t, New(log, NewHeadless()), 2)

	require.NoError(t, app.Send(protocol.NewRequest(1, &protocol.Request{ID: 1, Op: protocol.OpPing})))
	require.NoError(t, app.Send(protocol.NewRequest(2, &protocol.Request{ID: 2, Op: protocol.OpPing})))

	// only the current-generation request is answered
	m := recvResponse(t, app)
	assert.Equal(t, uint64(2), m.Response.ID)
}

func TestExtensionRequestRoundTrip(t *testing.T) {
	w := New(log, NewHeadless())
	w.RegisterExtension("echo", func(data []byte) ([]byte, error) {
		return append([]byte("echo:"), data...), nil
	})
	app, _ := startWorker(t, w, 1)

	req := &protocol.Request{ID: 1, Op: protocol.OpExtension, Ext: &protocol.Extension{Name: "echo", Data: []byte("hi")}}
	require.NoError(t, app.Send(protocol.NewRequest(1, req)))

	m := recvResponse(t, app)
	require.Empty(t, m.Response.Err)
	require.NotNil(t, m.Response.Ext)
	assert.Equal(t, "echo", m.Response.Ext.Name)
	assert.Equal(t, []byte("echo:hi"), m.Response.Ext.Data)
}

func TestUnknownExtensionReportedInline(t *testing.T) {
	app, _ := startWorker(t, New(log, NewHeadless()), 1)

	req := &protocol.Request{ID: 1, Op: protocol.OpExtension, Ext: &protocol.Extension{Name: "nope", Data: []byte("{}")}}
	require.NoError(t, app.Send(protocol.NewRequest(1, req)))

	m := recvResponse(t, app)
	assert.Contains(t, m.Response.Err, "nope")
}

func TestOneWayExtensionPayload(t *testing.T) {
	w := New(log, NewHeadless())
	got := make(chan []byte, 1)
	w.RegisterExtension("notify", func(data []byte) ([]byte, error) {
		got <- data
		return nil, nil
	})
	app, _ := startWorker(t, w, 1)

	require.NoError(t, app.Send(protocol.NewExtension(1, &protocol.Extension{Name: "notify", Data: []byte("ping")})))

	select {
	case data := <-got:
		assert.Equal(t, []byte("ping"), data)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the extension payload")
	}
}

func TestShutdownRequestStopsWorkerCleanly(t *testing.T) {
	app, errCh := startWorker(t, New(log, NewHeadless()), 1)

	require.NoError(t, app.Send(protocol.NewRequest(1, &protocol.Request{ID: 1, Op: protocol.OpShutdown})))
	m := recvResponse(t, app)
	assert.Empty(t, m.Response.Err)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestHeadlessSimulatedEventsReachApp(t *testing.T) {
	backend := NewHeadless()
	app, _ := startWorker(t, New(log, backend), 1)

	open := &protocol.Request{ID: 1, Op: protocol.OpOpenWindow, WindowID: "w1", Window: &protocol.WindowConfig{Width: 100, Height: 100}}
	require.NoError(t, app.Send(protocol.NewRequest(1, open)))
	recvResponse(t, app)

	require.NoError(t, backend.SimulateResize("w1", 640, 480))
	backend.SimulateCloseRequest("w1")

	ev := recvEvent(t, app)
	assert.Equal(t, protocol.EventWindowResized, ev.Event.Type)
	assert.Equal(t, 640, ev.Event.Width)

	ev = recvEvent(t, app)
	assert.Equal(t, protocol.EventWindowCloseRequested, ev.Event.Type)
	assert.Equal(t, "w1", ev.Event.WindowID)
}

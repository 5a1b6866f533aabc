package worker

import (
	"fmt"
	"sync"

	"github.com/viewkit/viewproc/protocol"
)

// Headless is an in-memory Backend with no native surface behind it. It backs
// same-process runs and tests, and is the reference for the upsert and
// async-render semantics a real backend must provide.
type Headless struct {
	mu      sync.Mutex
	closed  bool
	windows map[string]protocol.WindowConfig

	events chan protocol.Event
}

func NewHeadless() *Headless {
	return &Headless{
		windows: map[string]protocol.WindowConfig{},
		events:  make(chan protocol.Event, 64),
	}
}

func (b *Headless) OpenWindow(id string, cfg protocol.WindowConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("backend closed")
	}
	b.windows[id] = cfg
	return nil
}

func (b *Headless) CloseWindow(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.windows[id]; !ok {
		return fmt.Errorf("no such window %q", id)
	}
	delete(b.windows, id)
	return nil
}

func (b *Headless) SetTitle(id string, title string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.windows[id]
	if !ok {
		return fmt.Errorf("no such window %q", id)
	}
	w.Title = title
	b.windows[id] = w
	return nil
}

func (b *Headless) SetSize(id string, width, height int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.windows[id]
	if !ok {
		return fmt.Errorf("no such window %q", id)
	}
	w.Width = width
	w.Height = height
	b.windows[id] = w
	return nil
}

func (b *Headless) RenderFrame(id string, frameID uint64) error {
	b.mu.Lock()
	_, ok := b.windows[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such window %q", id)
	}
	go b.emit(protocol.Event{Type: protocol.EventFrameRendered, WindowID: id, FrameID: frameID})
	return nil
}

func (b *Headless) Events() <-chan protocol.Event { return b.events }

func (b *Headless) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Windows returns a snapshot of the currently open windows.
func (b *Headless) Windows() map[string]protocol.WindowConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]protocol.WindowConfig, len(b.windows))
	for id, cfg := range b.windows {
		out[id] = cfg
	}
	return out
}

// SimulateResize applies a size change as if the user resized the window and
// emits the matching event.
func (b *Headless) SimulateResize(id string, width, height int) error {
	if err := b.SetSize(id, width, height); err != nil {
		return err
	}
	b.emit(protocol.Event{Type: protocol.EventWindowResized, WindowID: id, Width: width, Height: height})
	return nil
}

// SimulateCloseRequest emits the event a user clicking the close button would
// produce.
func (b *Headless) SimulateCloseRequest(id string) {
	b.emit(protocol.Event{Type: protocol.EventWindowCloseRequested, WindowID: id})
}

func (b *Headless) emit(ev protocol.Event) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	b.events <- ev
}

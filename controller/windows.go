package controller

import (
	"context"
	"sort"

	"github.com/viewkit/viewproc/protocol"
)

// windowState is the app-side replica of one live window: the id the app
// assigned plus the last configuration sent, kept so the window can be
// recreated after a view process respawn.
type windowState struct {
	cfg protocol.WindowConfig
	seq uint64
}

// trackWindow mirrors window-affecting requests into the local replica at
// send time, so the replica is current even for requests still sitting in the
// offline queue. c.mu held.
func (c *Controller) trackWindow(req *protocol.Request) {
	switch req.Op {
	case protocol.OpOpenWindow:
		if req.Window == nil {
			return
		}
		c.windowSeq++
		c.windows[req.WindowID] = &windowState{cfg: *req.Window, seq: c.windowSeq}
	case protocol.OpSetTitle:
		if w, ok := c.windows[req.WindowID]; ok {
			w.cfg.Title = req.Title
		}
	case protocol.OpSetSize:
		if w, ok := c.windows[req.WindowID]; ok {
			w.cfg.Width = req.Width
			w.cfg.Height = req.Height
		}
	case protocol.OpCloseWindow:
		delete(c.windows, req.WindowID)
	}
}

// Windows returns a snapshot of the live window configurations.
func (c *Controller) Windows() map[string]protocol.WindowConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]protocol.WindowConfig, len(c.windows))
	for id, w := range c.windows {
		out[id] = w.cfg
	}
	return out
}

// replayWindowsLocked reissues open_window for every live window from its
// last known configuration, in window creation order. The view process treats
// open_window as an upsert, so replaying over a partially recovered state is
// harmless. c.mu held.
func (c *Controller) replayWindowsLocked() {
	type entry struct {
		id string
		w  *windowState
	}
	entries := make([]entry, 0, len(c.windows))
	for id, w := range c.windows {
		entries = append(entries, entry{id: id, w: w})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].w.seq < entries[j].w.seq })

	for _, e := range entries {
		cfg := e.w.cfg
		c.nextID++
		req := &protocol.Request{
			ID:       c.nextID,
			Op:       protocol.OpOpenWindow,
			WindowID: e.id,
			Window:   &cfg,
		}
		p := &Pending{id: req.ID, ch: make(chan outcome, 1)}
		c.sendLocked(req, p)
		go c.logReplayOutcome(e.id, p)
	}
	if len(entries) > 0 {
		c.log.Debugf("replayed %d windows under generation %d", len(entries), c.gen)
	}
}

func (c *Controller) logReplayOutcome(windowID string, p *Pending) {
	_, err := p.Wait(context.Background())
	if err != nil {
		c.log.Warnf("replaying window %q: %s", windowID, err)
	}
}

package worker

import (
	"github.com/viewkit/viewproc/protocol"
)

// Backend is the boundary to the platform windowing surface. The worker owns
// the only reference to native handles; the app process never sees anything
// but window ids and serializable configuration.
//
// OpenWindow has upsert semantics: opening an id that already exists
// reconfigures the window in place. The app process relies on that to replay
// window state after a respawn without tracking what survived.
type Backend interface {
	OpenWindow(id string, cfg protocol.WindowConfig) error
	CloseWindow(id string) error
	SetTitle(id string, title string) error
	SetSize(id string, width, height int) error

	// RenderFrame starts rendering asynchronously. Completion is reported on
	// Events as a frame_rendered event carrying frameID, which the app chose
	// so it can match the completion to the request that caused it.
	RenderFrame(id string, frameID uint64) error

	// Events delivers backend-initiated events: input, resizes, close
	// requests, render completions.
	Events() <-chan protocol.Event

	Close() error
}

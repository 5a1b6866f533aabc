package protocol

// Kind discriminates the message variants on the wire.
type Kind string

const (
	KindRequest   Kind = "request"
	KindResponse  Kind = "response"
	KindEvent     Kind = "event"
	KindExtension Kind = "extension"
)

// Op identifies the operation a request asks the view process to perform.
type Op string

const (
	OpPing        Op = "ping"
	OpOpenWindow  Op = "open_window"
	OpCloseWindow Op = "close_window"
	OpSetTitle    Op = "set_title"
	OpSetSize     Op = "set_size"
	OpRenderFrame Op = "render_frame"
	OpShutdown    Op = "shutdown"
	OpExtension   Op = "extension"
)

// EventType identifies an unsolicited notification from the view process.
type EventType string

const (
	// EventReady is the first message a freshly spawned view process sends.
	// It completes the handshake for the generation it carries.
	EventReady EventType = "ready"

	// EventFrameRendered reports completion of an OpRenderFrame request.
	// FrameID is the id the app chose when issuing the render.
	EventFrameRendered EventType = "frame_rendered"

	EventWindowResized        EventType = "window_resized"
	EventWindowCloseRequested EventType = "window_close_requested"
	EventExtension            EventType = "extension"
)

// Message is the envelope exchanged over the transport.
// Exactly one of Request, Response, Event, or Extension is set, matching Kind.
type Message struct {
	Kind Kind
	Gen  uint64

	Request   *Request   `json:",omitempty"`
	Response  *Response  `json:",omitempty"`
	Event     *Event     `json:",omitempty"`
	Extension *Extension `json:",omitempty"`
}

// Request is an operation sent app->view.
// Only the fields relevant to Op are set; the rest stay at their zero value.
type Request struct {
	ID uint64
	Op Op

	WindowID string
	Window   *WindowConfig `json:",omitempty"`

	Title         string
	Width, Height int

	FrameID uint64

	Ext *Extension `json:",omitempty"`
}

// Response is the reply to a single Request. ID echoes the request id.
// A non-empty Err means the view backend executed the request and reported a
// failure; it never indicates a process-level problem.
type Response struct {
	ID uint64
	Op Op

	Err string

	// Accepted acknowledges an asynchronous operation (OpRenderFrame); the
	// result arrives later as an event.
	Accepted bool

	Ext *Extension `json:",omitempty"`
}

// Event is an unsolicited view->app notification.
type Event struct {
	Type EventType

	// PID of the view process, set on EventReady.
	PID int

	WindowID      string
	Width, Height int

	FrameID uint64

	Ext *Extension `json:",omitempty"`
}

// Extension is an opaque payload for out-of-core capabilities. It passes
// untouched through dispatch on both sides to the handler registered under
// Name.
type Extension struct {
	Name string
	Data []byte
}

// WindowConfig is the serializable window configuration the app process keeps
// for every live window so it can be recreated after a view process respawn.
type WindowConfig struct {
	Title         string
	Width, Height int

	Resizable   bool
	Borderless  bool
	AlwaysOnTop bool
}

// NewRequest wraps a request in an envelope tagged with gen.
func NewRequest(gen uint64, req *Request) *Message {
	return &Message{Kind: KindRequest, Gen: gen, Request: req}
}

// NewResponse wraps a response in an envelope tagged with gen.
func NewResponse(gen uint64, resp *Response) *Message {
	return &Message{Kind: KindResponse, Gen: gen, Response: resp}
}

// NewEvent wraps an event in an envelope tagged with gen.
func NewEvent(gen uint64, ev *Event) *Message {
	return &Message{Kind: KindEvent, Gen: gen, Event: ev}
}

// NewExtension wraps an extension payload in an envelope tagged with gen.
func NewExtension(gen uint64, ext *Extension) *Message {
	return &Message{Kind: KindExtension, Gen: gen, Extension: ext}
}

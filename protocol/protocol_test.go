package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  *Message
	}{
		{
			name: "open window request",
			msg: NewRequest(3, &Request{
				ID:       7,
				Op:       OpOpenWindow,
				WindowID: "w1",
				Window: &WindowConfig{
					Title:     "hello",
					Width:     800,
					Height:    600,
					Resizable: true,
				},
			}),
		},
		{
			name: "set size request",
			msg:  NewRequest(1, &Request{ID: 2, Op: OpSetSize, WindowID: "w1", Width: 400, Height: 300}),
		},
		{
			name: "render frame request",
			msg:  NewRequest(1, &Request{ID: 3, Op: OpRenderFrame, WindowID: "w1", FrameID: 99}),
		},
		{
			name: "ping request",
			msg:  NewRequest(5, &Request{ID: 10, Op: OpPing}),
		},
		{
			name: "response with error",
			msg:  NewResponse(3, &Response{ID: 7, Op: OpOpenWindow, Err: "no display"}),
		},
		{
			name: "render accepted response",
			msg:  NewResponse(1, &Response{ID: 3, Op: OpRenderFrame, Accepted: true}),
		},
		{
			name: "ready event",
			msg:  NewEvent(4, &Event{Type: EventReady, PID: 1234}),
		},
		{
			name: "frame rendered event",
			msg:  NewEvent(1, &Event{Type: EventFrameRendered, WindowID: "w1", FrameID: 99}),
		},
		{
			name: "resize event",
			msg:  NewEvent(1, &Event{Type: EventWindowResized, WindowID: "w2", Width: 640, Height: 480}),
		},
		{
			name: "extension payload",
			msg:  NewExtension(2, &Extension{Name: "clipboard", Data: []byte{0x01, 0x02, 0xff}}),
		},
		{
			name: "extension request",
			msg:  NewRequest(2, &Request{ID: 4, Op: OpExtension, Ext: &Extension{Name: "ime", Data: []byte("on")}}),
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, err := Encode(c.msg)
			require.NoError(t, err)

			got, err := Decode(b)
			require.NoError(t, err)

			assert.Equal(t, c.msg, got)
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		msg  *Message
	}{
		{name: "unknown kind", msg: &Message{Kind: "bogus"}},
		{name: "request without body", msg: &Message{Kind: KindRequest}},
		{name: "response without body", msg: &Message{Kind: KindResponse}},
		{name: "event without body", msg: &Message{Kind: KindEvent}},
		{name: "extension without body", msg: &Message{Kind: KindExtension}},
		{
			name: "two bodies",
			msg: &Message{
				Kind:     KindRequest,
				Request:  &Request{ID: 1, Op: OpPing},
				Response: &Response{ID: 1},
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Encode(c.msg)
			assert.Error(t, err)
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	require.Error(t, err)
}

package protocol

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a message for the wire.
func Encode(m *Message) ([]byte, error) {
	if err := m.Check(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", m.Kind, err)
	}
	return b, nil
}

// Decode deserializes and validates a message read from the wire.
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if err := m.Check(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Check verifies that exactly the variant named by Kind is populated.
func (m *Message) Check() error {
	var want int
	set := 0
	for _, v := range []bool{m.Request != nil, m.Response != nil, m.Event != nil, m.Extension != nil} {
		if v {
			set++
		}
	}
	switch m.Kind {
	case KindRequest:
		if m.Request == nil {
			return fmt.Errorf("request message with no request body")
		}
		want = 1
	case KindResponse:
		if m.Response == nil {
			return fmt.Errorf("response message with no response body")
		}
		want = 1
	case KindEvent:
		if m.Event == nil {
			return fmt.Errorf("event message with no event body")
		}
		want = 1
	case KindExtension:
		if m.Extension == nil {
			return fmt.Errorf("extension message with no extension body")
		}
		want = 1
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	if set != want {
		return fmt.Errorf("%s message carries %d bodies", m.Kind, set)
	}
	return nil
}

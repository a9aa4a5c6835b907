// Package message defines the immutable unit of data exchanged between nodes.
package message

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/dusen0528/Node-Blue/errors"
)

// Message is the immutable unit of data flowing through the node graph.
// ID, payload and the metadata reference never change after construction;
// the metadata map is a private copy, but values inside it are not deep
// cloned, so callers must treat entries as logically immutable.
type Message struct {
	id      string
	payload any
	meta    map[string]any
}

// New creates a message with a generated ID and empty metadata.
func New(payload any) *Message {
	return &Message{
		id:      uuid.NewString(),
		payload: payload,
		meta:    make(map[string]any),
	}
}

// NewWithMeta creates a message with a generated ID and a copy of the
// supplied metadata, so later mutation of the caller's map cannot alias
// into the message.
func NewWithMeta(payload any, meta map[string]any) *Message {
	return &Message{
		id:      uuid.NewString(),
		payload: payload,
		meta:    copyMeta(meta),
	}
}

// Reconstruct creates a message with an explicit ID. Intended for
// reconstruction from storage and for tests.
func Reconstruct(id string, payload any, meta map[string]any) *Message {
	return &Message{
		id:      id,
		payload: payload,
		meta:    copyMeta(meta),
	}
}

// ID returns the unique message identifier.
func (m *Message) ID() string {
	return m.id
}

// Payload returns the message payload.
func (m *Message) Payload() any {
	return m.payload
}

// Meta returns a copy of the message metadata.
func (m *Message) Meta() map[string]any {
	return copyMeta(m.meta)
}

// MetaValue returns a single metadata entry.
func (m *Message) MetaValue(key string) (any, bool) {
	v, ok := m.meta[key]
	return v, ok
}

// Bytes renders the payload for transmission: byte slices pass through
// (copied), strings are UTF-8 encoded, and any other value is rendered via
// its canonical string form. A nil payload cannot be converted and returns
// errors.ErrNilPayload.
func (m *Message) Bytes() ([]byte, error) {
	switch p := m.payload.(type) {
	case nil:
		return nil, errors.WrapInvalid(errors.ErrNilPayload, "Message", "Bytes", "payload conversion")
	case []byte:
		out := make([]byte, len(p))
		copy(out, p)
		return out, nil
	case string:
		return []byte(p), nil
	default:
		return []byte(fmt.Sprintf("%v", p)), nil
	}
}

// String implements fmt.Stringer for log output.
func (m *Message) String() string {
	return fmt.Sprintf("Message[%s]", m.id)
}

func copyMeta(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

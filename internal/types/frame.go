package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame marks transport frames that cannot be decoded.
var ErrMalformedFrame = errors.New("malformed frame")

// FrameType is the discriminator of a transport frame.
type FrameType string

const (
	FrameChanges FrameType = "changes"
	FrameCursor  FrameType = "cursor"
)

// Frame is the JSON envelope exchanged over the WebSocket.
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewChangesFrame encodes a batch of changes as a transport frame.
func NewChangesFrame(changes []Change) ([]byte, error) {
	if changes == nil {
		changes = []Change{}
	}
	data, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("encode changes: %w", err)
	}
	return json.Marshal(Frame{Type: FrameChanges, Data: data})
}

// NewCursorFrame encodes cursors as a transport frame.
func NewCursorFrame(cursors []Cursor) ([]byte, error) {
	if cursors == nil {
		cursors = []Cursor{}
	}
	data, err := json.Marshal(cursors)
	if err != nil {
		return nil, fmt.Errorf("encode cursors: %w", err)
	}
	return json.Marshal(Frame{Type: FrameCursor, Data: data})
}

// DecodeFrame parses the envelope and checks the discriminator. The payload is
// left raw so callers can forward it without re-encoding.
func DecodeFrame(payload []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch frame.Type {
	case FrameChanges, FrameCursor:
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, frame.Type)
	}
	if len(frame.Data) == 0 {
		return Frame{}, fmt.Errorf("%w: missing data", ErrMalformedFrame)
	}
	return frame, nil
}

// Changes decodes the frame payload as a change batch.
func (f Frame) Changes() ([]Change, error) {
	if f.Type != FrameChanges {
		return nil, fmt.Errorf("%w: expected %s frame, got %s", ErrMalformedFrame, FrameChanges, f.Type)
	}
	var changes []Change
	if err := json.Unmarshal(f.Data, &changes); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return changes, nil
}

// Cursors decodes the frame payload as a cursor list.
func (f Frame) Cursors() ([]Cursor, error) {
	if f.Type != FrameCursor {
		return nil, fmt.Errorf("%w: expected %s frame, got %s", ErrMalformedFrame, FrameCursor, f.Type)
	}
	var cursors []Cursor
	if err := json.Unmarshal(f.Data, &cursors); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return cursors, nil
}

package channelsocket

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire message unit exchanged with the server.
type Envelope struct {
	Channel string          `json:"channel"`
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data"`
}

// NewEnvelope marshals data and wraps it for the given channel and command.
func NewEnvelope(channel, command string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s/%s data: %w", channel, command, err)
	}
	return Envelope{Channel: channel, Command: command, Data: raw}, nil
}

func (e Envelope) validate() error {
	if e.Channel == "" {
		return fmt.Errorf("%w: empty channel", ErrInvalidEnvelope)
	}
	if e.Command == "" {
		return fmt.Errorf("%w: empty command", ErrInvalidEnvelope)
	}
	return nil
}

func encodeEnvelope(e Envelope) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	if len(e.Data) == 0 {
		e.Data = json.RawMessage("null")
	}
	return json.Marshal(e)
}

// DropReason names why an inbound frame was not delivered to a handler.
type DropReason int

const (
	DropNone DropReason = iota
	DropUndecodable
	DropMissingChannel
	DropUnknownChannel
	DropMissingCommand
	DropUnknownCommand
	DropMissingData
)

func (r DropReason) String() string {
	switch r {
	case DropNone:
		return "none"
	case DropUndecodable:
		return "undecodable"
	case DropMissingChannel:
		return "missing_channel"
	case DropUnknownChannel:
		return "unknown_channel"
	case DropMissingCommand:
		return "missing_command"
	case DropUnknownCommand:
		return "unknown_command"
	case DropMissingData:
		return "missing_data"
	default:
		return fmt.Sprintf("drop(%d)", int(r))
	}
}

// frame is a decoded inbound message whose fields may be absent.
type frame map[string]json.RawMessage

func decodeFrame(raw []byte) (frame, bool) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil || f == nil {
		return nil, false
	}
	return f, true
}

// stringField reports the string value of key. A present field that is not a
// JSON string counts as absent.
func (f frame) stringField(key string) (string, bool) {
	raw, ok := f[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func (f frame) data() (json.RawMessage, bool) {
	raw, ok := f["data"]
	return raw, ok
}

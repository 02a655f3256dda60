// Package protocol defines the WebSocket message types for browser-bridge
// communication. The bridge relays these between the client, the brain
// orchestrator, and the speech engine.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Client → Bridge messages
	TypeTranscript MessageType = "transcript"  // Finalized user utterance text
	TypeAudioFrame MessageType = "audio_frame" // Raw audio from the microphone
	TypeControl    MessageType = "control"     // Explicit engine instruction

	// Bridge → Client messages
	TypeAudioOut MessageType = "audio_out" // Synthesized audio frame
	TypeResponse MessageType = "response"  // Assistant response text
	TypeError    MessageType = "error"     // Per-request failure
	TypeWarning  MessageType = "warning"   // Session-level degradation notice
	TypeStatus   MessageType = "status"    // Composite health snapshot
)

// Control instructions accepted on TypeControl events.
const (
	// InstructionSynthesize asks the engine to speak literal text,
	// bypassing the brain entirely.
	InstructionSynthesize = "synthesize"
)

// Error kinds reported on TypeError events.
const (
	KindCapacityExceeded  = "capacity_exceeded"
	KindDuplicateSession  = "duplicate_session"
	KindLinkUnavailable   = "link_unavailable"
	KindQueueFull         = "queue_full"
	KindBrainUnavailable  = "brain_unavailable"
	KindBrainError        = "brain_error"
	KindProtocolViolation = "protocol_violation"
)

// ErrViolation marks malformed or out-of-order client input. The
// session handling the offending message is closed.
var ErrViolation = errors.New("protocol: violation")

// ClientEvent is an inbound message from a browser client.
// Exactly one of the optional fields is meaningful per type.
type ClientEvent struct {
	Type        MessageType `json:"type"`
	Text        string      `json:"text,omitempty"`
	Instruction string      `json:"instruction,omitempty"`
	Payload     string      `json:"payload,omitempty"` // base64 audio
}

// ParseClientEvent parses and validates an inbound client message.
// Any malformed input is reported as ErrViolation.
func ParseClientEvent(data []byte) (*ClientEvent, error) {
	var ev ClientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrViolation, err)
	}

	switch ev.Type {
	case TypeTranscript:
		if ev.Text == "" {
			return nil, fmt.Errorf("%w: transcript event requires text", ErrViolation)
		}
	case TypeAudioFrame:
		if ev.Payload == "" {
			return nil, fmt.Errorf("%w: audio_frame event requires payload", ErrViolation)
		}
		if _, err := base64.StdEncoding.DecodeString(ev.Payload); err != nil {
			return nil, fmt.Errorf("%w: audio_frame payload is not base64: %v", ErrViolation, err)
		}
	case TypeControl:
		if ev.Instruction != InstructionSynthesize {
			return nil, fmt.Errorf("%w: unknown control instruction %q", ErrViolation, ev.Instruction)
		}
		if ev.Text == "" {
			return nil, fmt.Errorf("%w: synthesize control requires text", ErrViolation)
		}
	case "":
		return nil, fmt.Errorf("%w: missing message type", ErrViolation)
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrViolation, ev.Type)
	}

	return &ev, nil
}

// Audio decodes the base64 audio payload of an audio_frame event.
func (e *ClientEvent) Audio() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.Payload)
}

// =============================================================================
// Bridge → Client Message Types
// =============================================================================

// AudioOutEvent carries one synthesized audio frame. Sequence numbers
// start at 1 and increase without gaps within one reply.
type AudioOutEvent struct {
	Type     MessageType `json:"type"`
	Payload  string      `json:"payload"` // base64 audio
	Sequence uint64      `json:"sequence"`
}

// ErrorEvent reports a per-request failure to the client.
type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Kind   string      `json:"kind"`
	Detail string      `json:"detail"`
}

// WarningEvent reports session-level degradation without closing the
// session, e.g. repeated link failures.
type WarningEvent struct {
	Type   MessageType `json:"type"`
	Detail string      `json:"detail"`
}

// ResponseEvent carries assistant response text ahead of its audio.
type ResponseEvent struct {
	Type    MessageType `json:"type"`
	Text    string      `json:"text"`
	Speaker string      `json:"speaker,omitempty"`
}

// StatusEvent carries a composite health snapshot.
type StatusEvent struct {
	Type            MessageType     `json:"type"`
	CompositeHealth json.RawMessage `json:"composite_health"`
}

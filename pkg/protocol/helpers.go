package protocol

import (
	"encoding/base64"
	"encoding/json"
)

// NewAudioOut builds an encoded audio_out event for one audio frame.
func NewAudioOut(audio []byte, sequence uint64) ([]byte, error) {
	return json.Marshal(AudioOutEvent{
		Type:     TypeAudioOut,
		Payload:  base64.StdEncoding.EncodeToString(audio),
		Sequence: sequence,
	})
}

// NewError builds an encoded error event.
func NewError(kind, detail string) ([]byte, error) {
	return json.Marshal(ErrorEvent{
		Type:   TypeError,
		Kind:   kind,
		Detail: detail,
	})
}

// NewWarning builds an encoded warning event.
func NewWarning(detail string) ([]byte, error) {
	return json.Marshal(WarningEvent{
		Type:   TypeWarning,
		Detail: detail,
	})
}

// NewResponse builds an encoded response event.
func NewResponse(text, speaker string) ([]byte, error) {
	return json.Marshal(ResponseEvent{
		Type:    TypeResponse,
		Text:    text,
		Speaker: speaker,
	})
}

// NewStatus builds an encoded status event from any health view.
func NewStatus(health interface{}) ([]byte, error) {
	raw, err := json.Marshal(health)
	if err != nil {
		return nil, err
	}
	return json.Marshal(StatusEvent{
		Type:            TypeStatus,
		CompositeHealth: raw,
	})
}

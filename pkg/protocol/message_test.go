package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientEventTranscript(t *testing.T) {
	ev, err := ParseClientEvent([]byte(`{"type":"transcript","text":"What is your name?"}`))
	if err != nil {
		t.Fatalf("ParseClientEvent() error = %v", err)
	}
	if ev.Type != TypeTranscript {
		t.Errorf("expected type transcript, got %s", ev.Type)
	}
	if ev.Text != "What is your name?" {
		t.Errorf("unexpected text: %q", ev.Text)
	}
}

func TestParseClientEventAudioFrame(t *testing.T) {
	audio := []byte{0x01, 0x02, 0x03, 0x04}
	payload := base64.StdEncoding.EncodeToString(audio)

	raw, _ := json.Marshal(ClientEvent{Type: TypeAudioFrame, Payload: payload})
	ev, err := ParseClientEvent(raw)
	if err != nil {
		t.Fatalf("ParseClientEvent() error = %v", err)
	}

	decoded, err := ev.Audio()
	if err != nil {
		t.Fatalf("Audio() error = %v", err)
	}
	if len(decoded) != len(audio) {
		t.Errorf("expected %d audio bytes, got %d", len(audio), len(decoded))
	}
}

func TestParseClientEventControl(t *testing.T) {
	ev, err := ParseClientEvent([]byte(`{"type":"control","instruction":"synthesize","text":"hello"}`))
	if err != nil {
		t.Fatalf("ParseClientEvent() error = %v", err)
	}
	if ev.Instruction != InstructionSynthesize {
		t.Errorf("unexpected instruction: %q", ev.Instruction)
	}
}

func TestParseClientEventViolations(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid json", `{"type":`},
		{"missing type", `{"text":"hi"}`},
		{"unknown type", `{"type":"video_frame"}`},
		{"transcript without text", `{"type":"transcript"}`},
		{"audio frame without payload", `{"type":"audio_frame"}`},
		{"audio frame payload not base64", `{"type":"audio_frame","payload":"***"}`},
		{"control with unknown instruction", `{"type":"control","instruction":"reboot","text":"x"}`},
		{"synthesize without text", `{"type":"control","instruction":"synthesize"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseClientEvent([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrViolation) {
				t.Errorf("expected ErrViolation, got %v", err)
			}
		})
	}
}

func TestNewAudioOut(t *testing.T) {
	audio := []byte("pcm-frame")
	data, err := NewAudioOut(audio, 7)
	if err != nil {
		t.Fatalf("NewAudioOut() error = %v", err)
	}

	var ev AudioOutEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != TypeAudioOut {
		t.Errorf("expected type audio_out, got %s", ev.Type)
	}
	if ev.Sequence != 7 {
		t.Errorf("expected sequence 7, got %d", ev.Sequence)
	}
	decoded, _ := base64.StdEncoding.DecodeString(ev.Payload)
	if string(decoded) != "pcm-frame" {
		t.Errorf("payload round trip failed: %q", decoded)
	}
}

func TestNewError(t *testing.T) {
	data, err := NewError(KindBrainUnavailable, "ask timed out")
	if err != nil {
		t.Fatalf("NewError() error = %v", err)
	}

	var ev ErrorEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Kind != KindBrainUnavailable {
		t.Errorf("expected kind brain_unavailable, got %s", ev.Kind)
	}
	if ev.Detail != "ask timed out" {
		t.Errorf("unexpected detail: %q", ev.Detail)
	}
}

func TestNewStatus(t *testing.T) {
	view := map[string]any{"healthy": true, "dependencies": []string{"brain", "engine"}}
	data, err := NewStatus(view)
	if err != nil {
		t.Fatalf("NewStatus() error = %v", err)
	}

	var ev StatusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != TypeStatus {
		t.Errorf("expected type status, got %s", ev.Type)
	}
	var inner map[string]any
	if err := json.Unmarshal(ev.CompositeHealth, &inner); err != nil {
		t.Fatalf("composite_health not valid JSON: %v", err)
	}
	if inner["healthy"] != true {
		t.Error("composite_health lost the healthy flag")
	}
}

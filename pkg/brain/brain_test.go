package brain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAsk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/voice/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req askRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.ConversationID != "conv-1" {
			t.Errorf("expected conversation id conv-1, got %s", req.ConversationID)
		}
		if req.Text != "What is your name?" {
			t.Errorf("unexpected text %q", req.Text)
		}
		json.NewEncoder(w).Encode(askResponse{Text: "I am MYCA"})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, nil)
	text, err := c.Ask(context.Background(), "conv-1", "What is your name?")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if text != "I am MYCA" {
		t.Errorf("expected response text, got %q", text)
	}
}

func TestAskTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(srv.URL, 50*time.Millisecond, nil)
	_, err := c.Ask(context.Background(), "conv-1", "hello")
	if !IsUnavailable(err) {
		t.Errorf("timeout must report ErrUnavailable, got %v", err)
	}
}

func TestAskUnreachable(t *testing.T) {
	c := New("http://127.0.0.1:1", 200*time.Millisecond, nil)
	_, err := c.Ask(context.Background(), "conv-1", "hello")
	if !IsUnavailable(err) {
		t.Errorf("connection refused must report ErrUnavailable, got %v", err)
	}
}

func TestAskServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(askResponse{Error: "model overloaded"})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, nil)
	_, err := c.Ask(context.Background(), "conv-1", "hello")

	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected *ServiceError, got %v", err)
	}
	if svcErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", svcErr.StatusCode)
	}
	if svcErr.Message != "model overloaded" {
		t.Errorf("expected service message, got %q", svcErr.Message)
	}
	if IsUnavailable(err) {
		t.Error("service errors must not be classified as unavailable")
	}
}

func TestAskEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(askResponse{})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, nil)
	_, err := c.Ask(context.Background(), "conv-1", "hello")
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestLogMemory(t *testing.T) {
	received := make(chan MemoryEntry, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/voice/feedback" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var entry MemoryEntry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			t.Fatalf("decode entry: %v", err)
		}
		received <- entry
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, nil)
	if err := c.logMemory(context.Background(), MemoryEntry{
		ConversationID: "conv-1",
		SessionID:      "sess-1",
		Speaker:        "user",
		Text:           "hello there",
	}); err != nil {
		t.Fatalf("logMemory() error = %v", err)
	}

	entry := <-received
	if entry.Source != "voicebridge" {
		t.Errorf("expected default source voicebridge, got %q", entry.Source)
	}
	if entry.Timestamp == "" {
		t.Error("expected timestamp to be filled in")
	}
	if entry.Speaker != "user" {
		t.Errorf("unexpected speaker %q", entry.Speaker)
	}
}

func TestProbe(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, nil)
	if err := c.Probe(context.Background()); err != nil {
		t.Errorf("Probe() on healthy service error = %v", err)
	}

	healthy = false
	if err := c.Probe(context.Background()); err == nil {
		t.Error("Probe() on unhealthy service must fail")
	}
}

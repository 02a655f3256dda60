// Package brain is a request/response adapter to the external
// reasoning service. It is stateless per call; conversational memory
// lives in the service, keyed by the conversation id the bridge
// passes through.
package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mycosoft/go-voicebridge/internal/httpc"
)

const (
	chatPath     = "/voice/chat"
	feedbackPath = "/voice/feedback"
	healthPath   = "/health"

	// memoryTimeout bounds fire-and-forget memory logging so a slow
	// orchestrator never backs up the voice path.
	memoryTimeout = 5 * time.Second
)

// Client talks to the brain orchestrator over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a brain client. The timeout bounds every Ask call; on
// expiry the call fails with ErrUnavailable rather than blocking.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpc.NewClient(timeout),
		logger:  logger.With("component", "brain"),
	}
}

type askRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

type askResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Ask sends a finalized user utterance and returns the response text.
// Network and timeout failures return ErrUnavailable; failures the
// service itself reports come back as *ServiceError.
func (c *Client) Ask(ctx context.Context, conversationID, text string) (string, error) {
	body, err := json.Marshal(askRequest{ConversationID: conversationID, Text: text})
	if err != nil {
		return "", fmt.Errorf("brain: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("brain: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		var parsed askResponse
		if json.Unmarshal(data, &parsed) == nil && parsed.Error != "" {
			msg = parsed.Error
		}
		return "", &ServiceError{StatusCode: resp.StatusCode, Message: msg}
	}

	var parsed askResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", &ServiceError{StatusCode: resp.StatusCode, Message: "invalid response body"}
	}
	if parsed.Text == "" {
		return "", ErrEmptyResponse
	}
	return parsed.Text, nil
}

// MemoryEntry is one transcript line cloned to the orchestrator for
// memory and knowledge building.
type MemoryEntry struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
	Speaker        string `json:"speaker"`
	Text           string `json:"text"`
	Timestamp      string `json:"timestamp"`
	Source         string `json:"source"`
}

// LogMemory clones a transcript line to the orchestrator in the
// background. Fire-and-forget: failures are logged at debug and never
// surface to the voice path.
func (c *Client) LogMemory(entry MemoryEntry) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), memoryTimeout)
		defer cancel()
		if err := c.logMemory(ctx, entry); err != nil {
			c.logger.Debug("memory log failed (non-critical)", "error", err)
		}
	}()
}

func (c *Client) logMemory(ctx context.Context, entry MemoryEntry) error {
	if entry.Source == "" {
		entry.Source = "voicebridge"
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+feedbackPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return nil
	}
	return &ServiceError{StatusCode: resp.StatusCode, Message: "memory log rejected"}
}

// Probe issues a lightweight reachability check against the service's
// health endpoint. Used by the dependency health monitor.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return &ServiceError{StatusCode: resp.StatusCode, Message: "health check failed"}
	}
	return nil
}

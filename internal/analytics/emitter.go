package analytics

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
)

// Event is one analytics datapoint. Delivery is always best-effort.
type Event struct {
	Name       string         `json:"name"`
	InstanceID string         `json:"instanceId,omitempty"`
	Owner      string         `json:"owner,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// Emitter publishes analytics events to the external collector.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// HTTPEmitter posts events to a collector endpoint. Failures are logged and
// swallowed; analytics never degrades availability.
type HTTPEmitter struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPEmitter constructs an emitter, or nil when no collector is configured.
func NewHTTPEmitter(url, token string, logger *slog.Logger) *HTTPEmitter {
	if strings.TrimSpace(url) == "" {
		return nil
	}
	return &HTTPEmitter{
		url:    url,
		token:  strings.TrimSpace(token),
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

// Emit delivers one event.
func (e *HTTPEmitter) Emit(ctx context.Context, event Event) {
	if e == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		e.logger.Warn("marshal analytics event failed", "event", event.Name, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		e.logger.Warn("create analytics request failed", "event", event.Name, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn("analytics delivery failed", "event", event.Name, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		e.logger.Warn("analytics collector rejected event", "event", event.Name, "status", fmt.Sprintf("%d", resp.StatusCode))
	}
}

package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Message is an outbound notification addressed to a channel user.
type Message struct {
	Address string `json:"address"`
	Text    string `json:"text"`
}

// Notifier delivers out-of-band messages to channel users, for example when
// an instance is destroyed from the web surface while the owner is away.
type Notifier interface {
	Notify(ctx context.Context, msg Message)
}

// Noop discards every notification. Used when no relay is configured.
type Noop struct{}

func (Noop) Notify(context.Context, Message) {}

// HTTPNotifier posts messages to the channel relay. Delivery is best-effort;
// failures are logged and swallowed.
type HTTPNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPNotifier constructs a notifier, or a Noop when no relay URL is set.
func NewHTTPNotifier(url string, logger *slog.Logger) Notifier {
	if strings.TrimSpace(url) == "" {
		return Noop{}
	}
	return &HTTPNotifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

// Notify delivers one message.
func (n *HTTPNotifier) Notify(ctx context.Context, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		n.logger.Warn("marshal channel message failed", "address", msg.Address, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		n.logger.Warn("create channel request failed", "address", msg.Address, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("channel notification failed", "address", msg.Address, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		n.logger.Warn("channel relay rejected message", "address", msg.Address, "status", resp.StatusCode)
	}
}

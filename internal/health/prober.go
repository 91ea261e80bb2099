package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

// Prober polls an instance's HTTP root endpoint until it answers or an outer
// budget elapses.
type Prober struct {
	client   *http.Client
	interval time.Duration
	baseURL  string
}

// New constructs a Prober. interval is the poll cadence, attemptTimeout the
// per-request network timeout; a single slow attempt never aborts the probe.
func New(interval, attemptTimeout time.Duration) *Prober {
	if interval <= 0 {
		interval = time.Second
	}
	if attemptTimeout <= 0 {
		attemptTimeout = 2 * time.Second
	}
	return &Prober{
		client:   &http.Client{Timeout: attemptTimeout},
		interval: interval,
		baseURL:  "http://127.0.0.1",
	}
}

// Wait polls GET / on the port until a 2xx response or until budget elapses.
// Returns true on the first healthy response, false on timeout or context
// cancellation.
func (p *Prober) Wait(ctx context.Context, port int, budget time.Duration) bool {
	url := fmt.Sprintf("%s:%d/", p.baseURL, port)
	backoff := retry.WithMaxDuration(budget, retry.NewConstant(p.interval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return retry.RetryableError(fmt.Errorf("status %d", resp.StatusCode))
	})
	return err == nil
}

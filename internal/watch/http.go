package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPApprover drives the instance's own pairing endpoints over its local
// port. The handshake payloads pass through untouched.
type HTTPApprover struct {
	client *http.Client
}

// NewHTTPApprover constructs an HTTPApprover.
func NewHTTPApprover() *HTTPApprover {
	return &HTTPApprover{client: &http.Client{Timeout: 3 * time.Second}}
}

// ApprovePending lists pending pairing requests and approves each one.
func (a *HTTPApprover) ApprovePending(ctx context.Context, port int, token string) error {
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	listURL := base + "/pairing/pending?token=" + url.QueryEscape(token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("list pending pairings: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("list pending pairings: status %d", resp.StatusCode)
	}

	var pending struct {
		Requests []struct {
			ID string `json:"id"`
		} `json:"requests"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&pending); err != nil {
		return fmt.Errorf("decode pending pairings: %w", err)
	}

	for _, request := range pending.Requests {
		approveURL := base + "/pairing/approve?token=" + url.QueryEscape(token)
		body := strings.NewReader(fmt.Sprintf(`{"id":%q}`, request.ID))
		approveReq, err := http.NewRequestWithContext(ctx, http.MethodPost, approveURL, body)
		if err != nil {
			return err
		}
		approveReq.Header.Set("Content-Type", "application/json")
		approveResp, err := a.client.Do(approveReq)
		if err != nil {
			return fmt.Errorf("approve pairing %s: %w", request.ID, err)
		}
		_, _ = io.Copy(io.Discard, approveResp.Body)
		approveResp.Body.Close()
		if approveResp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("approve pairing %s: status %d", request.ID, approveResp.StatusCode)
		}
	}
	return nil
}

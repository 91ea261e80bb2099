package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/paddock-dev/paddock/internal/domain"
	"github.com/paddock-dev/paddock/internal/redact"
	"github.com/paddock-dev/paddock/internal/service/link"
)

const (
	// TokenParam carries the instance bearer token in proxied query strings.
	TokenParam = "token"
	// ConfirmParam is the explicit link-confirmation flag.
	ConfirmParam = "confirm_link"
)

// hop-by-hop headers stripped before forwarding.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// response headers copied through to the client; everything else is dropped.
var allowedResponseHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Cache-Control",
	"Etag",
	"Last-Modified",
	"Content-Encoding",
	"Vary",
	"Accept-Ranges",
	"Content-Disposition",
	"Location",
	"X-Request-Id",
}

// Resolver looks an instance up by id, reconciling once on a miss.
type Resolver interface {
	Resolve(ctx context.Context, id string) (*domain.Instance, error)
}

// Negotiator runs the identity link state machine for channel-owned instances.
type Negotiator interface {
	Negotiate(ctx context.Context, accountID string, inst *domain.Instance, confirm bool) (link.Decision, error)
}

// WatcherStarter idempotently starts the pairing-approval watcher.
type WatcherStarter interface {
	Start(instanceID string, port int, token string)
}

// PortChecker validates an allocated port against the expected range.
type PortChecker interface {
	InRange(port int) bool
}

// SessionFunc extracts the authenticated web account from a request, if any.
type SessionFunc func(r *http.Request) (accountID string, ok bool)

// Gateway fronts every instance, injecting the bearer token and rewriting
// responses on the way through.
type Gateway struct {
	resolver   Resolver
	negotiator Negotiator
	watchers   WatcherStarter
	portCheck  PortChecker
	session    SessionFunc
	client     *http.Client
	upstream   string
	logger     *slog.Logger
}

func NewGateway(resolver Resolver, negotiator Negotiator, watchers WatcherStarter, portCheck PortChecker, session SessionFunc, logger *slog.Logger) *Gateway {
	return &Gateway{
		resolver:   resolver,
		negotiator: negotiator,
		watchers:   watchers,
		portCheck:  portCheck,
		session:    session,
		client: &http.Client{
			Timeout: 60 * time.Second,
			// redirects must be observed by the caller, never followed here
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		upstream: "http://127.0.0.1",
		logger:   logger,
	}
}

// Handle proxies one request addressed to instance id with the remaining
// upstream path (no leading slash).
func (g *Gateway) Handle(w http.ResponseWriter, r *http.Request, id, rest string) {
	inst, err := g.resolver.Resolve(r.Context(), id)
	if err != nil {
		http.Error(w, "instance not found", http.StatusNotFound)
		return
	}
	// a non-running instance answers exactly like an absent one
	if inst.Status != domain.StatusRunning || !g.portCheck.InRange(inst.Port) {
		http.Error(w, "instance not found", http.StatusNotFound)
		return
	}

	isRoot := rest == "" || rest == "/"
	wantsHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	if isRoot && wantsHTML && domain.IsChannelOwner(inst.Owner) {
		if accountID, ok := g.session(r); ok {
			if done := g.negotiate(w, r, accountID, inst); done {
				return
			}
		}
	}

	g.watchers.Start(inst.ID, inst.Port, inst.Token)

	query := r.URL.Query()
	if isRoot && query.Get(TokenParam) == "" {
		query.Set(TokenParam, inst.Token)
		http.Redirect(w, r, r.URL.Path+"?"+query.Encode(), http.StatusFound)
		return
	}
	if query.Get(TokenParam) == "" {
		query.Set(TokenParam, inst.Token)
	}

	target := fmt.Sprintf("%s:%d/%s", g.upstream, inst.Port, strings.TrimPrefix(rest, "/"))
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	copyRequestHeaders(req.Header, r.Header)

	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Warn("upstream request failed", "instance", inst.ID, "error", redact.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	g.writeResponse(w, r, resp, inst)
}

// negotiate runs the link state machine; reports whether it wrote a response.
func (g *Gateway) negotiate(w http.ResponseWriter, r *http.Request, accountID string, inst *domain.Instance) bool {
	confirm := r.URL.Query().Get(ConfirmParam) != ""
	decision, err := g.negotiator.Negotiate(r.Context(), accountID, inst, confirm)
	if err != nil {
		g.logger.Error("link negotiation failed", "instance", inst.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return true
	}
	switch decision.Outcome {
	case link.OutcomeProceed:
		return false
	case link.OutcomeForbidden:
		http.Error(w, decision.Message, http.StatusForbidden)
		return true
	case link.OutcomeConflict:
		http.Error(w, decision.Message, http.StatusConflict)
		return true
	case link.OutcomeLinked:
		query := r.URL.Query()
		query.Del(ConfirmParam)
		clean := r.URL.Path
		if encoded := query.Encode(); encoded != "" {
			clean += "?" + encoded
		}
		http.Redirect(w, r, clean, http.StatusFound)
		return true
	case link.OutcomePrompt:
		g.renderPrompt(w, r, decision.Address)
		return true
	}
	return false
}

func (g *Gateway) renderPrompt(w http.ResponseWriter, r *http.Request, address string) {
	query := r.URL.Query()
	query.Set(ConfirmParam, "1")
	confirmURL := r.URL.Path + "?" + query.Encode()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, promptPage, htmlEscape(address), htmlEscape(confirmURL))
}

const promptPage = `<!doctype html>
<html><head><title>Link instance</title></head>
<body>
<h1>Link this instance to your account?</h1>
<p>This instance currently belongs to the channel address <strong>%s</strong>.
Linking lets you control it from both the web and the channel.</p>
<p><a href="%s">Yes, link it to my account</a></p>
</body></html>
`

func htmlEscape(s string) string {
	replacer := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&#34;")
	return replacer.Replace(s)
}

// writeResponse copies status and allowlisted headers, rewriting full HTML
// documents on the way through.
func (g *Gateway) writeResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, inst *domain.Instance) {
	isHTML := strings.Contains(resp.Header.Get("Content-Type"), "text/html")
	if isHTML {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		rewritten, changed := injectSessionScript(body, gatewayURL(r, inst.ID), inst.Token)
		copyResponseHeaders(w.Header(), resp.Header)
		if changed {
			// body length changed, the original header is stale
			w.Header().Del("Content-Length")
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(rewritten)
		return
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		g.logger.Warn("response stream interrupted", "instance", inst.ID, "error", redact.Error(err))
	}
}

// gatewayURL reconstructs the externally visible URL of the instance root.
func gatewayURL(r *http.Request, id string) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/i/" + id + "/"
}

func copyRequestHeaders(dst, src http.Header) {
	for key, values := range src {
		dst[key] = append([]string(nil), values...)
	}
	for _, hop := range hopHeaders {
		dst.Del(hop)
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for _, name := range allowedResponseHeaders {
		for _, value := range src.Values(name) {
			dst.Add(name, value)
		}
	}
}

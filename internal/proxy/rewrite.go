package proxy

import (
	"bytes"
	"encoding/json"
	"html/template"
)

var headClose = []byte("</head>")

// sessionPayload is what the injected script persists client-side.
type sessionPayload struct {
	GatewayURL string `json:"gatewayUrl"`
	Token      string `json:"token"`
}

// injectSessionScript inserts a script before the closing head marker that
// stores the gateway URL and bearer token for the page's own later use. The
// payload is escaped twice, once as JSON and once for the embedding script
// literal, so neither context can be broken out of. Returns the body unchanged
// when there is no closing head marker (a fragment, not a full document).
func injectSessionScript(body []byte, gatewayURL, token string) ([]byte, bool) {
	idx := bytes.Index(body, headClose)
	if idx < 0 {
		return body, false
	}
	payload, err := json.Marshal(sessionPayload{GatewayURL: gatewayURL, Token: token})
	if err != nil {
		return body, false
	}
	script := []byte(`<script>(function(){try{var s=JSON.parse("` +
		template.JSEscapeString(string(payload)) +
		`");window.localStorage.setItem("gateway.session",JSON.stringify(s));}catch(e){}})();</script>`)

	out := make([]byte, 0, len(body)+len(script))
	out = append(out, body[:idx]...)
	out = append(out, script...)
	out = append(out, body[idx:]...)
	return out, true
}

package gatewaycfg

import "encoding/json"

// Config is the typed shape of the gateway's in-container configuration file.
// Unknown channel payloads are carried opaquely; the core never interprets
// them beyond keyed add/remove.
type Config struct {
	Gateway  GatewaySection             `json:"gateway,omitempty"`
	Agents   AgentsSection              `json:"agents,omitempty"`
	Channels map[string]json.RawMessage `json:"channels,omitempty"`
}

// GatewaySection configures the gateway's trust boundary.
type GatewaySection struct {
	TrustedProxies []string  `json:"trustedProxies,omitempty"`
	ControlUI      ControlUI `json:"controlUi,omitempty"`
}

// ControlUI configures browser origins the gateway accepts.
type ControlUI struct {
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// AgentsSection configures agent defaults.
type AgentsSection struct {
	Defaults AgentDefaults `json:"defaults,omitempty"`
}

// AgentDefaults holds the default model selection.
type AgentDefaults struct {
	Model ModelSelection `json:"model,omitempty"`
}

// ModelSelection names the primary model.
type ModelSelection struct {
	Primary string `json:"primary,omitempty"`
}

// EnsureTrusted adds proxy and origin entries, skipping duplicates so repeated
// patches are idempotent.
func (c *Config) EnsureTrusted(proxy, origin string) {
	c.Gateway.TrustedProxies = appendUnique(c.Gateway.TrustedProxies, proxy)
	c.Gateway.ControlUI.AllowedOrigins = appendUnique(c.Gateway.ControlUI.AllowedOrigins, origin)
}

// SetPrimaryModel selects the default model.
func (c *Config) SetPrimaryModel(model string) {
	c.Agents.Defaults.Model.Primary = model
}

// RemoveChannel deletes one channel integration's config block; reports
// whether the channel was present.
func (c *Config) RemoveChannel(channelType string) bool {
	if _, ok := c.Channels[channelType]; !ok {
		return false
	}
	delete(c.Channels, channelType)
	return true
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}

package gatewaycfg

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestEnsureTrustedIdempotent(t *testing.T) {
	cfg := &Config{}
	cfg.EnsureTrusted("127.0.0.1", "https://paddock.example")
	first, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	cfg.EnsureTrusted("127.0.0.1", "https://paddock.example")
	second, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Fatalf("second application changed the document:\n%s\n%s", first, second)
	}
	if len(cfg.Gateway.TrustedProxies) != 1 {
		t.Fatalf("trusted proxies = %v", cfg.Gateway.TrustedProxies)
	}
	if len(cfg.Gateway.ControlUI.AllowedOrigins) != 1 {
		t.Fatalf("allowed origins = %v", cfg.Gateway.ControlUI.AllowedOrigins)
	}
}

func TestEnsureTrustedPreservesExisting(t *testing.T) {
	cfg := &Config{}
	cfg.Gateway.TrustedProxies = []string{"10.0.0.1"}
	cfg.EnsureTrusted("127.0.0.1", "https://paddock.example")
	want := []string{"10.0.0.1", "127.0.0.1"}
	if !reflect.DeepEqual(cfg.Gateway.TrustedProxies, want) {
		t.Fatalf("trusted proxies = %v, want %v", cfg.Gateway.TrustedProxies, want)
	}
}

func TestSetPrimaryModelIdempotent(t *testing.T) {
	cfg := &Config{}
	cfg.SetPrimaryModel("claude-sonnet-4")
	cfg.SetPrimaryModel("claude-sonnet-4")
	if cfg.Agents.Defaults.Model.Primary != "claude-sonnet-4" {
		t.Fatalf("primary = %q", cfg.Agents.Defaults.Model.Primary)
	}
}

func TestRemoveChannel(t *testing.T) {
	cfg := &Config{}
	if cfg.RemoveChannel("telegram") {
		t.Fatal("removal from empty config reported present")
	}
	cfg.Channels = map[string]json.RawMessage{
		"telegram": json.RawMessage(`{"botToken":"x"}`),
		"discord":  json.RawMessage(`{}`),
	}
	if !cfg.RemoveChannel("telegram") {
		t.Fatal("configured channel reported absent")
	}
	if _, ok := cfg.Channels["telegram"]; ok {
		t.Fatal("channel block not deleted")
	}
	if _, ok := cfg.Channels["discord"]; !ok {
		t.Fatal("unrelated channel removed")
	}
	if cfg.RemoveChannel("telegram") {
		t.Fatal("second removal reported present")
	}
}

func TestConfigRoundTripPreservesChannels(t *testing.T) {
	raw := `{"gateway":{"trustedProxies":["127.0.0.1"],"controlUi":{"allowedOrigins":["https://a"]}},"agents":{"defaults":{"model":{"primary":"gpt-5"}}},"channels":{"telegram":{"botToken":"x","chatId":7}}}`
	cfg := &Config{}
	if err := json.Unmarshal([]byte(raw), cfg); err != nil {
		t.Fatal(err)
	}
	cfg.SetPrimaryModel("claude-sonnet-4")
	out, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	reparsed := &Config{}
	if err := json.Unmarshal(out, reparsed); err != nil {
		t.Fatal(err)
	}
	var tg map[string]any
	if err := json.Unmarshal(reparsed.Channels["telegram"], &tg); err != nil {
		t.Fatal(err)
	}
	if tg["botToken"] != "x" {
		t.Fatalf("channel payload lost in round trip: %v", tg)
	}
}

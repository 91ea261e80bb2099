package domain

import (
	"strings"
	"testing"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		name    string
		from    Status
		to      Status
		allowed bool
	}{
		{"starting to running", StatusStarting, StatusRunning, true},
		{"starting to error", StatusStarting, StatusError, true},
		{"running to starting", StatusRunning, StatusStarting, true},
		{"running to error", StatusRunning, StatusError, true},
		{"error to starting", StatusError, StatusStarting, true},
		{"error to running", StatusError, StatusRunning, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.from.CanTransition(tc.to); got != tc.allowed {
				t.Fatalf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.allowed)
			}
		})
	}
}

func TestSetStatusRejectsIllegalTransition(t *testing.T) {
	inst := &Instance{ID: "a", Status: StatusError}
	if err := inst.SetStatus(StatusRunning); err == nil {
		t.Fatal("expected error for error -> running")
	}
	if inst.Status != StatusError {
		t.Fatalf("status mutated to %s on rejected transition", inst.Status)
	}
	if err := inst.SetStatus(StatusError); err != nil {
		t.Fatalf("same-status transition should be a no-op, got %v", err)
	}
}

func TestContainerNameRoundTrip(t *testing.T) {
	inst := &Instance{ID: "abc-123"}
	name := inst.ContainerName()
	if name != "paddock-inst-abc-123" {
		t.Fatalf("unexpected container name %q", name)
	}
	id, ok := InstanceIDFromContainer("/" + name)
	if !ok || id != "abc-123" {
		t.Fatalf("InstanceIDFromContainer(%q) = %q, %v", name, id, ok)
	}
	if _, ok := InstanceIDFromContainer("other-container"); ok {
		t.Fatal("unrelated name should not parse")
	}
	if _, ok := InstanceIDFromContainer(ContainerNamePrefix); ok {
		t.Fatal("bare prefix should not parse")
	}
}

func TestLogEventRedactsSecrets(t *testing.T) {
	inst := &Instance{ID: "a", Token: "deadbeefdeadbeefdeadbeefdeadbeef"}
	inst.LogEvent("create failed with key sk-ant-abc123 and token %s", inst.Token)
	entry := inst.Events[len(inst.Events)-1]
	if strings.Contains(entry.Message, "sk-ant-abc123") {
		t.Fatalf("credential leaked into event log: %q", entry.Message)
	}
	if strings.Contains(entry.Message, inst.Token) {
		t.Fatalf("bearer token leaked into event log: %q", entry.Message)
	}
}

func TestChannelOwner(t *testing.T) {
	if !IsChannelOwner("channel:+155500001") {
		t.Fatal("channel pseudo-owner not recognized")
	}
	if IsChannelOwner("acct-42") {
		t.Fatal("web account misclassified as channel owner")
	}
	if got := ChannelAddress("channel:+155500001"); got != "+155500001" {
		t.Fatalf("ChannelAddress = %q", got)
	}
}

func TestValidateCredential(t *testing.T) {
	cases := []struct {
		name       string
		provider   string
		credential string
		wantErr    bool
	}{
		{"anthropic ok", "anthropic", "sk-ant-abc", false},
		{"openai ok", "openai", "sk-abc", false},
		{"openrouter ok", "openrouter", "sk-or-abc", false},
		{"wrong prefix", "anthropic", "sk-abc", true},
		{"empty credential", "openai", "  ", true},
		{"unknown provider", "mistral", "sk-abc", true},
		{"case insensitive provider", "Anthropic", "sk-ant-abc", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateCredential(tc.provider, tc.credential)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ValidateCredential(%q, %q) err = %v, wantErr %v", tc.provider, tc.credential, err, tc.wantErr)
			}
		})
	}
}

func TestValidateCredentialListsProviders(t *testing.T) {
	err := ValidateCredential("mistral", "sk-abc")
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	for _, name := range []string{"anthropic", "openai", "openrouter"} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("error %q does not list provider %s", err.Error(), name)
		}
	}
}

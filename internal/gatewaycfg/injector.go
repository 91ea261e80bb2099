package gatewaycfg

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/paddock-dev/paddock/internal/runtime"
)

const (
	// ConfigPath is where the gateway reads its configuration inside the
	// container.
	ConfigPath = "/home/agent/.gateway/gateway.json"
	// ReloadSignal tells the gateway process to re-read its config file.
	ReloadSignal = "HUP"
)

// Injector reads, patches, and writes the gateway configuration file inside a
// running container and signals the process to reload.
type Injector struct {
	client runtime.Client
	logger *slog.Logger
}

// NewInjector constructs an Injector.
func NewInjector(client runtime.Client, logger *slog.Logger) *Injector {
	return &Injector{client: client, logger: logger}
}

// Patch applies mutate to the in-container configuration document. An absent
// file reads as an empty document. A mutate error aborts before anything is
// written back. The write goes through a scratch directory that is removed on
// every exit path; the reload signal is best-effort because the gateway
// re-reads the file on its own next restart anyway.
func (inj *Injector) Patch(ctx context.Context, ref string, mutate func(*Config) error) error {
	cfg, err := inj.read(ctx, ref)
	if err != nil {
		return err
	}
	if err := mutate(cfg); err != nil {
		return err
	}

	payload, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode gateway config: %w", err)
	}

	scratch, err := os.MkdirTemp("", "paddock-cfg-")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	local := filepath.Join(scratch, filepath.Base(ConfigPath))
	if err := os.WriteFile(local, payload, 0o600); err != nil {
		return fmt.Errorf("write scratch config: %w", err)
	}
	if _, err := inj.client.Exec(ctx, ref, []string{"mkdir", "-p", filepath.Dir(ConfigPath)}); err != nil {
		return fmt.Errorf("ensure config dir: %w", err)
	}
	if err := inj.client.CopyInto(ctx, ref, scratch, filepath.Dir(ConfigPath)); err != nil {
		return fmt.Errorf("copy gateway config: %w", err)
	}

	if err := inj.client.Signal(ctx, ref, ReloadSignal); err != nil {
		inj.logger.Warn("config reload signal failed", "container", ref, "error", err)
	}
	return nil
}

// InjectPersona writes persona workspace files into the container's agent
// workspace. The caller runs the dependent identity-set command afterwards.
func (inj *Injector) InjectPersona(ctx context.Context, ref, personaDir, workspacePath string) error {
	if _, err := inj.client.Exec(ctx, ref, []string{"mkdir", "-p", workspacePath}); err != nil {
		return fmt.Errorf("ensure workspace dir: %w", err)
	}
	if err := inj.client.CopyInto(ctx, ref, personaDir, workspacePath); err != nil {
		return fmt.Errorf("copy persona files: %w", err)
	}
	return nil
}

func (inj *Injector) read(ctx context.Context, ref string) (*Config, error) {
	out, err := inj.client.Exec(ctx, ref, []string{"cat", ConfigPath})
	if err != nil {
		// file absent reads as an empty document
		if strings.Contains(out+err.Error(), "No such file") {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read gateway config: %w", err)
	}
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return &Config{}, nil
	}
	cfg := &Config{}
	if err := json.Unmarshal([]byte(trimmed), cfg); err != nil {
		return nil, fmt.Errorf("decode gateway config: %w", err)
	}
	return cfg, nil
}

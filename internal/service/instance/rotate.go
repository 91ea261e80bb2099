package instance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paddock-dev/paddock/internal/analytics"
	"github.com/paddock-dev/paddock/internal/channel"
	"github.com/paddock-dev/paddock/internal/domain"
	"github.com/paddock-dev/paddock/internal/gatewaycfg"
	"github.com/paddock-dev/paddock/internal/redact"
	"github.com/paddock-dev/paddock/internal/registry"
	"github.com/paddock-dev/paddock/internal/repository"
	"github.com/paddock-dev/paddock/internal/runtime"
)

// credentialVerifyTimeout bounds the detached post-rotation auth check.
const credentialVerifyTimeout = 30 * time.Second

// RotateRequest switches an existing instance to a new credential provider.
type RotateRequest struct {
	Provider   string
	Credential string
}

// Rotate swaps an instance's credential provider. Validation fails closed:
// nothing running is touched until the new credential passes the prefix
// check. The data volume survives the container swap, so the longer health
// budget covers volume reattachment, not image pull.
func (s *Service) Rotate(ctx context.Context, id, owner string, req RotateRequest) (*domain.Instance, error) {
	inst, ok := s.store.Get(id)
	if !ok {
		return nil, registry.ErrNotFound
	}
	if inst.Owner != owner {
		return nil, ErrForbidden
	}

	if err := domain.ValidateCredential(req.Provider, req.Credential); err != nil {
		return nil, err
	}
	provider, _ := domain.LookupProvider(req.Provider)

	s.watchers.Stop(id)

	ref := inst.ContainerName()
	if err := s.runtime.Stop(ctx, ref); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return nil, s.rotateFailed(id, "container stop failed: %s", redact.Error(err))
	}
	if err := s.runtime.Remove(ctx, ref); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return nil, s.rotateFailed(id, "container remove failed: %s", redact.Error(err))
	}

	err := s.store.Update(id, func(rec *domain.Instance) {
		rec.SetStatus(domain.StatusStarting)
		rec.Provider = provider.Name
		rec.Model = provider.DefaultModel
		rec.DashboardPath = ""
		rec.LogEvent("rotating to provider %s", provider.Name)
	})
	if err != nil {
		return nil, err
	}
	inst.Provider = provider.Name
	inst.Model = provider.DefaultModel

	spec := runtime.Spec{
		Name:        ref,
		Image:       s.cfg.GatewayImage,
		Port:        inst.Port,
		VolumeName:  inst.VolumeName(),
		VolumePath:  "/home/agent",
		MemoryMB:    s.cfg.MemoryLimitMB,
		CPUPercent:  s.cfg.CPUQuotaPercent,
		DropAllCaps: true,
		Env:         s.containerEnv(inst, provider, req.Credential),
		Labels: map[string]string{
			"paddock.instance": inst.ID,
			"paddock.owner":    inst.Owner,
		},
	}
	newRef, err := s.runtime.Create(ctx, spec)
	if err != nil {
		return nil, s.rotateFailed(id, "container recreate failed: %s", redact.Error(err))
	}

	if _, err := s.runtime.Exec(ctx, newRef, []string{"chown", "-R", "agent:agent", "/home/agent"}); err != nil {
		s.logger.Warn("ownership fix-up failed", "instance", id, "error", redact.Error(err))
	}

	if !s.prober.Wait(ctx, inst.Port, s.cfg.RotateHealthBudget) {
		tail, logErr := s.runtime.TailLogs(context.Background(), newRef, 50)
		if logErr != nil {
			tail = "log capture failed: " + redact.Error(logErr)
		}
		return nil, s.rotateFailed(id, "health check timed out after %s; last logs: %s", s.cfg.RotateHealthBudget, redact.Token(tail, inst.Token))
	}

	// persona already lives on the preserved volume; only the model changes
	err = s.injector.Patch(ctx, newRef, func(cfg *gatewaycfg.Config) error {
		cfg.SetPrimaryModel(inst.Model)
		return nil
	})
	if err != nil {
		s.logger.Warn("model config injection failed", "instance", id, "error", redact.Error(err))
	}

	err = s.store.Update(id, func(rec *domain.Instance) {
		rec.SetStatus(domain.StatusRunning)
		rec.DashboardPath = "/i/" + rec.ID + "/"
		rec.LogEvent("rotation to %s complete", provider.Name)
	})
	if err != nil {
		return nil, err
	}

	// credential re-verification runs detached; the gateway reports the
	// outcome through its own status surface
	go func() {
		verifyCtx, cancel := context.WithTimeout(context.Background(), credentialVerifyTimeout)
		defer cancel()
		if _, err := s.runtime.Exec(verifyCtx, newRef, []string{"gateway", "auth", "check"}); err != nil {
			s.logger.Warn("credential verification failed", "instance", id, "error", redact.Error(err))
		}
	}()

	s.watchers.Start(id, inst.Port, inst.Token)
	s.notifyLinked(ctx, inst, fmt.Sprintf("Your instance now uses the %s provider.", provider.Name))
	s.analytics.Emit(ctx, analytics.Event{
		Name:       "instance.rotated",
		InstanceID: id,
		Owner:      inst.Owner,
		Properties: map[string]any{"provider": provider.Name},
	})

	rotated, _ := s.store.Get(id)
	s.logger.Info("rotation complete", "instance", id, "provider", provider.Name)
	return rotated, nil
}

// rotateFailed records a fatal rotation step and returns the caller-visible
// error.
func (s *Service) rotateFailed(id, format string, args ...any) error {
	s.failInstance(id, format, args...)
	return fmt.Errorf("rotation failed: %s", redact.String(fmt.Sprintf(format, args...)))
}

// notifyLinked sends a best-effort message to the channel address tied to the
// instance, either directly or through the account's link.
func (s *Service) notifyLinked(ctx context.Context, inst *domain.Instance, text string) {
	address := ""
	if domain.IsChannelOwner(inst.Owner) {
		address = domain.ChannelAddress(inst.Owner)
	} else if s.links != nil {
		if linked, err := s.links.LinkedAddress(ctx, inst.Owner); err == nil {
			address = linked
		} else if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("link lookup failed", "instance", inst.ID, "error", err)
		}
	}
	if address == "" {
		return
	}
	s.notifier.Notify(ctx, channel.Message{Address: address, Text: text})
}

package instance

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paddock-dev/paddock/internal/analytics"
	"github.com/paddock-dev/paddock/internal/channel"
	"github.com/paddock-dev/paddock/internal/domain"
	"github.com/paddock-dev/paddock/internal/gatewaycfg"
	"github.com/paddock-dev/paddock/internal/ports"
	"github.com/paddock-dev/paddock/internal/redact"
	"github.com/paddock-dev/paddock/internal/registry"
	"github.com/paddock-dev/paddock/internal/runtime"
	"github.com/paddock-dev/paddock/internal/service/link"
	"github.com/paddock-dev/paddock/internal/watch"
	"github.com/paddock-dev/paddock/pkg/config"
)

var (
	// ErrForbidden signals the caller does not own the instance.
	ErrForbidden = errors.New("instance: not owned by caller")
	// ErrNotRunning signals an operation that requires a running container.
	ErrNotRunning = errors.New("instance: not running")
	// ErrChannelNotConfigured signals removal of a channel that is absent from
	// the gateway configuration.
	ErrChannelNotConfigured = errors.New("instance: channel not configured")
)

// channel integrations the gateway configuration may carry.
var knownChannelTypes = map[string]bool{
	"telegram": true,
	"discord":  true,
	"slack":    true,
}

// reserveAttempts bounds retries when a freshly allocated port loses the race
// to another reservation.
const reserveAttempts = 3

// HealthProber reports whether an instance answered 2xx on its root endpoint
// within the budget.
type HealthProber interface {
	Wait(ctx context.Context, port int, budget time.Duration) bool
}

// EventSink receives lifecycle events for streaming to subscribed clients.
type EventSink interface {
	Broadcast(instanceID string, payload []byte)
}

// Service drives the instance lifecycle: deploy, destroy, rotation, channel
// removal, and reconciliation against the container runtime.
type Service struct {
	cfg       config.OrchestratorConfig
	store     registry.Store
	allocator *ports.Allocator
	runtime   runtime.Client
	prober    HealthProber
	injector  *gatewaycfg.Injector
	watchers  *watch.Manager
	links     *link.Service
	notifier  channel.Notifier
	analytics analytics.Emitter
	events    EventSink
	logger    *slog.Logger

	// in-flight deploy pipelines keyed by instance id
	tasks sync.Map
}

// SetEventSink attaches a lifecycle event stream. Optional; nil disables it.
func (s *Service) SetEventSink(sink EventSink) {
	s.events = sink
}

// publishEvent pushes a lifecycle event to subscribers, if a sink is attached.
func (s *Service) publishEvent(instanceID, status, message string) {
	if s.events == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"instanceId": instanceID,
		"status":     status,
		"message":    redact.String(message),
		"at":         time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	s.events.Broadcast(instanceID, payload)
}

func New(
	cfg config.OrchestratorConfig,
	store registry.Store,
	allocator *ports.Allocator,
	rt runtime.Client,
	prober HealthProber,
	injector *gatewaycfg.Injector,
	watchers *watch.Manager,
	links *link.Service,
	notifier channel.Notifier,
	emitter analytics.Emitter,
	logger *slog.Logger,
) *Service {
	return &Service{
		cfg:       cfg,
		store:     store,
		allocator: allocator,
		runtime:   rt,
		prober:    prober,
		injector:  injector,
		watchers:  watchers,
		links:     links,
		notifier:  notifier,
		analytics: emitter,
		logger:    logger,
	}
}

// DeployRequest is the caller's input to Deploy.
type DeployRequest struct {
	Owner      string
	Provider   string
	Credential string
	Persona    string
}

// Deploy validates the request, atomically reserves an owner slot and port,
// and kicks off the detached pipeline. It returns as soon as the instance is
// registered with status starting.
func (s *Service) Deploy(ctx context.Context, req DeployRequest) (*domain.Instance, error) {
	if err := domain.ValidateCredential(req.Provider, req.Credential); err != nil {
		return nil, err
	}
	provider, _ := domain.LookupProvider(req.Provider)

	token, err := mintToken()
	if err != nil {
		return nil, fmt.Errorf("mint token: %w", err)
	}

	inst := &domain.Instance{
		ID:        uuid.NewString(),
		Owner:     req.Owner,
		Status:    domain.StatusStarting,
		Token:     token,
		Provider:  provider.Name,
		Model:     provider.DefaultModel,
		Persona:   strings.TrimSpace(req.Persona),
		CreatedAt: time.Now().UTC(),
	}
	inst.LogEvent("deployment requested")

	// Reserve re-checks port uniqueness under the store lock; on a lost race
	// we allocate a fresh port and try again.
	for attempt := 0; ; attempt++ {
		port, err := s.allocator.Allocate()
		if err != nil {
			return nil, err
		}
		inst.Port = port
		err = s.store.Reserve(inst, s.cfg.InstanceCap)
		if err == nil {
			break
		}
		if errors.Is(err, registry.ErrPortConflict) && attempt < reserveAttempts-1 {
			continue
		}
		return nil, err
	}

	pipelineCtx, cancel := context.WithCancel(context.Background())
	s.tasks.Store(inst.ID, cancel)
	go s.runPipeline(pipelineCtx, *inst, provider, req.Credential)

	s.logger.Info("deployment started", "instance", inst.ID, "owner", inst.Owner, "port", inst.Port)
	return inst, nil
}

// runPipeline executes the detached deployment steps. The registry is the only
// channel back to the caller; progress is observable by polling.
func (s *Service) runPipeline(ctx context.Context, inst domain.Instance, provider domain.Provider, credential string) {
	defer func() {
		if cancel, ok := s.tasks.LoadAndDelete(inst.ID); ok {
			cancel.(context.CancelFunc)()
		}
	}()

	spec := runtime.Spec{
		Name:       inst.ContainerName(),
		Image:      s.cfg.GatewayImage,
		Port:       inst.Port,
		VolumeName: inst.VolumeName(),
		VolumePath: "/home/agent",
		MemoryMB:   s.cfg.MemoryLimitMB,
		CPUPercent: s.cfg.CPUQuotaPercent,
		Env:        s.containerEnv(&inst, provider, credential),
		Labels: map[string]string{
			"paddock.instance": inst.ID,
			"paddock.owner":    inst.Owner,
		},
	}

	ref, err := s.runtime.Create(ctx, spec)
	if err != nil {
		s.failInstance(inst.ID, "container create failed: %s", redact.Error(err))
		return
	}
	if ctx.Err() != nil {
		s.removeAbandoned(inst.ID, ref)
		return
	}

	// ownership fix-up is best-effort; a failure degrades persona injection,
	// not the deployment
	if _, err := s.runtime.Exec(ctx, ref, []string{"chown", "-R", "agent:agent", "/home/agent"}); err != nil {
		s.logger.Warn("ownership fix-up failed", "instance", inst.ID, "error", redact.Error(err))
	}

	if !s.prober.Wait(ctx, inst.Port, s.cfg.DeployHealthBudget) {
		if ctx.Err() != nil {
			s.removeAbandoned(inst.ID, ref)
			return
		}
		tail, logErr := s.runtime.TailLogs(context.Background(), ref, 50)
		if logErr != nil {
			tail = "log capture failed: " + redact.Error(logErr)
		}
		s.failInstance(inst.ID, "health check timed out after %s; last logs: %s", s.cfg.DeployHealthBudget, redact.Token(tail, inst.Token))
		return
	}
	if ctx.Err() != nil {
		s.removeAbandoned(inst.ID, ref)
		return
	}

	s.configureGateway(ctx, &inst, ref)
	if ctx.Err() != nil {
		s.removeAbandoned(inst.ID, ref)
		return
	}

	err = s.store.Update(inst.ID, func(rec *domain.Instance) {
		if err := rec.SetStatus(domain.StatusRunning); err != nil {
			s.logger.Warn("status transition rejected", "instance", rec.ID, "error", err)
			return
		}
		rec.DashboardPath = "/i/" + rec.ID + "/"
		rec.LogEvent("instance running on port %d", rec.Port)
	})
	if err != nil {
		// destroyed while deploying; clean up the container we just made
		s.logger.Info("instance vanished during deploy, removing container", "instance", inst.ID)
		_ = s.runtime.Stop(context.Background(), ref)
		_ = s.runtime.Remove(context.Background(), ref)
		return
	}

	s.publishEvent(inst.ID, string(domain.StatusRunning), "instance running")
	s.watchers.Start(inst.ID, inst.Port, inst.Token)
	s.analytics.Emit(context.Background(), analytics.Event{
		Name:       "instance.deployed",
		InstanceID: inst.ID,
		Owner:      inst.Owner,
		Properties: map[string]any{"provider": inst.Provider, "persona": inst.Persona != ""},
	})
	s.logger.Info("instance running", "instance", inst.ID, "port", inst.Port)
}

// removeAbandoned tears down a container whose deployment was cancelled.
// Destroy cancels the pipeline before deleting the registry entry, and its own
// stop and remove may have run before the container existed, so the pipeline
// owns this cleanup.
func (s *Service) removeAbandoned(id, ref string) {
	s.logger.Info("deployment cancelled, removing container", "instance", id)
	_ = s.runtime.Stop(context.Background(), ref)
	_ = s.runtime.Remove(context.Background(), ref)
}

// configureGateway runs the post-health configuration tasks concurrently.
// Each branch is caught independently; one failure never cancels the others.
func (s *Service) configureGateway(ctx context.Context, inst *domain.Instance, ref string) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := s.injector.Patch(ctx, ref, func(cfg *gatewaycfg.Config) error {
			cfg.EnsureTrusted("127.0.0.1", s.cfg.PublicBaseURL)
			return nil
		})
		if err != nil {
			s.logger.Warn("trust config injection failed", "instance", inst.ID, "error", redact.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := s.injector.Patch(ctx, ref, func(cfg *gatewaycfg.Config) error {
			cfg.SetPrimaryModel(inst.Model)
			return nil
		})
		if err != nil {
			s.logger.Warn("model config injection failed", "instance", inst.ID, "error", redact.Error(err))
		}
	}()

	if inst.Persona != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// identity set depends on the files persona injection writes
			if err := s.injector.InjectPersona(ctx, ref, s.personaDir(inst.Persona), "/home/agent/workspace"); err != nil {
				s.logger.Warn("persona injection failed", "instance", inst.ID, "error", redact.Error(err))
				return
			}
			if _, err := s.runtime.Exec(ctx, ref, []string{"gateway", "identity", "set", inst.Persona}); err != nil {
				s.logger.Warn("identity set failed", "instance", inst.ID, "error", redact.Error(err))
			}
		}()
	}

	wg.Wait()
}

// Get returns the instance after an ownership check, falling back to one
// reconciliation pass on a registry miss.
func (s *Service) Get(ctx context.Context, id, owner string) (*domain.Instance, error) {
	inst, ok := s.store.Get(id)
	if !ok {
		s.Reconcile(ctx)
		if inst, ok = s.store.Get(id); !ok {
			return nil, registry.ErrNotFound
		}
	}
	if inst.Owner != owner {
		return nil, ErrForbidden
	}
	return inst, nil
}

// Resolve is the proxy-path lookup: no ownership check, one reconcile retry.
func (s *Service) Resolve(ctx context.Context, id string) (*domain.Instance, error) {
	inst, ok := s.store.Get(id)
	if !ok {
		s.Reconcile(ctx)
		if inst, ok = s.store.Get(id); !ok {
			return nil, registry.ErrNotFound
		}
	}
	return inst, nil
}

// Destroy tears an instance down: in-flight deployment cancelled, watcher
// stopped, container removed, registry entry deleted. Unlink and channel
// notification are best-effort.
func (s *Service) Destroy(ctx context.Context, id, owner string) error {
	inst, ok := s.store.Get(id)
	if !ok {
		return registry.ErrNotFound
	}
	if inst.Owner != owner {
		return ErrForbidden
	}

	if cancel, ok := s.tasks.LoadAndDelete(id); ok {
		cancel.(context.CancelFunc)()
	}
	s.watchers.Stop(id)

	ref := inst.ContainerName()
	if err := s.runtime.Stop(ctx, ref); err != nil {
		s.logger.Warn("container stop failed", "instance", id, "error", redact.Error(err))
	}
	if err := s.runtime.Remove(ctx, ref); err != nil {
		s.logger.Warn("container remove failed", "instance", id, "error", redact.Error(err))
	}

	s.store.Delete(id)

	address := domain.ChannelAddress(inst.Owner)
	if !domain.IsChannelOwner(inst.Owner) {
		unlinked, err := s.links.Unlink(ctx, inst.Owner)
		if err != nil {
			s.logger.Warn("unlink on destroy failed", "instance", id, "error", err)
		}
		address = unlinked
	}
	if address != "" {
		s.notifier.Notify(ctx, channel.Message{
			Address: address,
			Text:    "Your instance was shut down.",
		})
	}

	s.publishEvent(id, "destroyed", "instance destroyed")
	s.analytics.Emit(ctx, analytics.Event{
		Name:       "instance.destroyed",
		InstanceID: id,
		Owner:      inst.Owner,
	})
	s.logger.Info("instance destroyed", "instance", id, "owner", inst.Owner)
	return nil
}

// RemoveChannel deletes one channel integration's config block from the
// gateway and reloads it.
func (s *Service) RemoveChannel(ctx context.Context, id, owner, channelType string) error {
	if !knownChannelTypes[channelType] {
		return fmt.Errorf("%w: unknown channel type %q", ErrChannelNotConfigured, channelType)
	}
	inst, err := s.Get(ctx, id, owner)
	if err != nil {
		return err
	}
	if inst.Status != domain.StatusRunning {
		return ErrNotRunning
	}
	err = s.injector.Patch(ctx, inst.ContainerName(), func(cfg *gatewaycfg.Config) error {
		if !cfg.RemoveChannel(channelType) {
			return fmt.Errorf("%w: %s", ErrChannelNotConfigured, channelType)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.store.Update(id, func(rec *domain.Instance) {
		rec.LogEvent("channel %s removed", channelType)
	})
	return nil
}

// Reconcile rebuilds registry records for running containers that follow the
// platform naming convention but are missing from the registry, for example
// after a process restart. It never deletes entries, so a destroy followed by
// an immediate lookup cannot resurrect the instance.
func (s *Service) Reconcile(ctx context.Context) {
	states, err := s.runtime.List(ctx, domain.ContainerNamePrefix)
	if err != nil {
		s.logger.Warn("runtime list failed during reconcile", "error", redact.Error(err))
		return
	}
	for _, state := range states {
		if !state.Running {
			continue
		}
		id, ok := domain.InstanceIDFromContainer(state.Name)
		if !ok {
			continue
		}
		if _, exists := s.store.Get(id); exists {
			continue
		}
		inst := instanceFromContainer(id, state)
		if inst == nil {
			s.logger.Warn("container missing recovery metadata", "container", state.Name)
			continue
		}
		s.store.Put(inst)
		s.watchers.Start(inst.ID, inst.Port, inst.Token)
		s.logger.Info("instance recovered from runtime", "instance", inst.ID, "port", inst.Port)
	}
}

func (s *Service) containerEnv(inst *domain.Instance, provider domain.Provider, credential string) []string {
	env := []string{
		provider.CredentialEnv + "=" + credential,
		"GATEWAY_TOKEN=" + inst.Token,
		"GATEWAY_PORT=8080",
		"PADDOCK_INSTANCE_ID=" + inst.ID,
		"PADDOCK_OWNER=" + inst.Owner,
		"PADDOCK_PROVIDER=" + inst.Provider,
		"PADDOCK_MODEL=" + inst.Model,
		"PADDOCK_PORT=" + fmt.Sprintf("%d", inst.Port),
	}
	if inst.Persona != "" {
		env = append(env, "PADDOCK_PERSONA="+inst.Persona)
	}
	return env
}

func (s *Service) personaDir(persona string) string {
	return "personas/" + persona
}

// failInstance records a fatal pipeline failure. The message is redacted by
// the event log before it is stored.
func (s *Service) failInstance(id, format string, args ...any) {
	err := s.store.Update(id, func(rec *domain.Instance) {
		if err := rec.SetStatus(domain.StatusError); err != nil {
			s.logger.Warn("status transition rejected", "instance", id, "error", err)
			return
		}
		rec.LogEvent(format, args...)
	})
	if err != nil {
		s.logger.Warn("record deploy failure", "instance", id, "error", err)
	}
	s.publishEvent(id, string(domain.StatusError), fmt.Sprintf(format, args...))
	s.logger.Error("deployment failed", "instance", id, "reason", redact.String(fmt.Sprintf(format, args...)))
}

// instanceFromContainer rebuilds a registry record from container env vars.
func instanceFromContainer(id string, state runtime.ContainerState) *domain.Instance {
	env := make(map[string]string, len(state.Env))
	for _, kv := range state.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	var port int
	if _, err := fmt.Sscanf(env["PADDOCK_PORT"], "%d", &port); err != nil || port == 0 {
		return nil
	}
	owner := env["PADDOCK_OWNER"]
	token := env["GATEWAY_TOKEN"]
	if owner == "" || token == "" {
		return nil
	}
	inst := &domain.Instance{
		ID:            id,
		Owner:         owner,
		Status:        domain.StatusRunning,
		Port:          port,
		Token:         token,
		Provider:      env["PADDOCK_PROVIDER"],
		Model:         env["PADDOCK_MODEL"],
		Persona:       env["PADDOCK_PERSONA"],
		DashboardPath: "/i/" + id + "/",
		CreatedAt:     time.Now().UTC(),
	}
	inst.LogEvent("recovered from running container")
	return inst
}

func mintToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

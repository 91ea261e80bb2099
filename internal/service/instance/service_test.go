package instance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paddock-dev/paddock/internal/analytics"
	"github.com/paddock-dev/paddock/internal/channel"
	"github.com/paddock-dev/paddock/internal/domain"
	"github.com/paddock-dev/paddock/internal/gatewaycfg"
	"github.com/paddock-dev/paddock/internal/ports"
	"github.com/paddock-dev/paddock/internal/registry"
	"github.com/paddock-dev/paddock/internal/repository/memory"
	"github.com/paddock-dev/paddock/internal/runtime"
	"github.com/paddock-dev/paddock/internal/service/link"
	"github.com/paddock-dev/paddock/internal/watch"
	"github.com/paddock-dev/paddock/pkg/config"
)

type fakeRuntime struct {
	mu         sync.Mutex
	createGate chan struct{}
	createErr  error
	created    []runtime.Spec
	execCalls  [][]string
	stopped    []string
	removed    []string
	listResult []runtime.ContainerState
	configJSON string
	tailOutput string

	authCheckBudget time.Duration
}

func (f *fakeRuntime) Create(_ context.Context, spec runtime.Spec) (string, error) {
	if f.createGate != nil {
		<-f.createGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, spec)
	return spec.Name, nil
}

func (f *fakeRuntime) Exec(ctx context.Context, _ string, argv []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCalls = append(f.execCalls, argv)
	if len(argv) > 1 && argv[0] == "gateway" && argv[1] == "auth" {
		if deadline, ok := ctx.Deadline(); ok {
			f.authCheckBudget = time.Until(deadline)
		}
	}
	if len(argv) > 0 && argv[0] == "cat" {
		if f.configJSON == "" {
			return "", fmt.Errorf("cat: %s: No such file or directory", argv[1])
		}
		return f.configJSON, nil
	}
	return "", nil
}

func (f *fakeRuntime) CopyInto(context.Context, string, string, string) error { return nil }

func (f *fakeRuntime) Stop(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, ref)
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, ref)
	return nil
}

func (f *fakeRuntime) TailLogs(context.Context, string, int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tailOutput, nil
}

func (f *fakeRuntime) List(context.Context, string) ([]runtime.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listResult, nil
}

func (f *fakeRuntime) Signal(context.Context, string, string) error { return nil }

func (f *fakeRuntime) createdSpecs() []runtime.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runtime.Spec(nil), f.created...)
}

func (f *fakeRuntime) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stopped)
}

func (f *fakeRuntime) removedRefs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

type fakeProber struct {
	healthy bool
}

func (p *fakeProber) Wait(context.Context, int, time.Duration) bool { return p.healthy }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		PublicBaseURL:      "http://localhost:4400",
		GatewayImage:       "paddock/agent-gateway:test",
		PortRangeStart:     4300,
		PortRangeEnd:       4310,
		InstanceCap:        5,
		DeployHealthBudget: time.Second,
		RotateHealthBudget: time.Second,
		HealthAttemptLimit: 100 * time.Millisecond,
		MemoryLimitMB:      512,
		CPUQuotaPercent:    50,
	}
}

func newService(t *testing.T, rt *fakeRuntime, prober *fakeProber) (*Service, *registry.Memory) {
	t.Helper()
	store := registry.NewMemory()
	allocator, err := ports.New(4300, 4310, store)
	if err != nil {
		t.Fatal(err)
	}
	repo := memory.New()
	notifier := channel.Noop{}
	linkSvc := link.New(store, repo, repo, notifier, discard())
	svc := New(
		testConfig(), store, allocator, rt, prober,
		gatewaycfg.NewInjector(rt, discard()),
		watch.NewManager(nil, discard(), time.Second),
		linkSvc, notifier,
		analytics.NewHTTPEmitter("", "", discard()),
		discard(),
	)
	return svc, store
}

func waitForStatus(t *testing.T, store *registry.Memory, id string, want domain.Status) *domain.Instance {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if inst, ok := store.Get(id); ok && inst.Status == want {
			return inst
		}
		time.Sleep(5 * time.Millisecond)
	}
	inst, _ := store.Get(id)
	t.Fatalf("instance %s never reached %s, last seen %+v", id, want, inst)
	return nil
}

func TestDeployRejectsInvalidProvider(t *testing.T) {
	svc, store := newService(t, &fakeRuntime{}, &fakeProber{healthy: true})
	_, err := svc.Deploy(context.Background(), DeployRequest{
		Owner: "acct-1", Provider: "mistral", Credential: "sk-abc",
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want validation failure", err)
	}
	if len(store.List()) != 0 {
		t.Fatal("instance registered despite invalid provider")
	}
}

func TestDeployRejectsWrongCredentialPrefix(t *testing.T) {
	svc, _ := newService(t, &fakeRuntime{}, &fakeProber{healthy: true})
	_, err := svc.Deploy(context.Background(), DeployRequest{
		Owner: "acct-1", Provider: "anthropic", Credential: "sk-wrong",
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want validation failure", err)
	}
}

func TestDeployOwnerConflictCarriesExistingID(t *testing.T) {
	svc, store := newService(t, &fakeRuntime{}, &fakeProber{healthy: true})
	store.Put(&domain.Instance{ID: "existing", Owner: "acct-1", Status: domain.StatusRunning, Port: 4305})

	_, err := svc.Deploy(context.Background(), DeployRequest{
		Owner: "acct-1", Provider: "anthropic", Credential: "sk-ant-abc",
	})
	var conflict *registry.OwnerConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want owner conflict", err)
	}
	if conflict.ExistingID != "existing" {
		t.Fatalf("existing id = %q", conflict.ExistingID)
	}
}

func TestDeployCapacityReached(t *testing.T) {
	svc, store := newService(t, &fakeRuntime{}, &fakeProber{healthy: true})
	for i := 0; i < 5; i++ {
		store.Put(&domain.Instance{
			ID:     fmt.Sprintf("i%d", i),
			Owner:  fmt.Sprintf("acct-%d", i),
			Status: domain.StatusRunning,
			Port:   4300 + i,
		})
	}
	_, err := svc.Deploy(context.Background(), DeployRequest{
		Owner: "acct-new", Provider: "openai", Credential: "sk-abc",
	})
	if !errors.Is(err, registry.ErrCapacity) {
		t.Fatalf("err = %v, want capacity", err)
	}
	if len(store.List()) != 5 {
		t.Fatal("instance created beyond cap")
	}
}

func TestDeploySuccess(t *testing.T) {
	rt := &fakeRuntime{}
	svc, store := newService(t, rt, &fakeProber{healthy: true})

	inst, err := svc.Deploy(context.Background(), DeployRequest{
		Owner: "acct-1", Provider: "anthropic", Credential: "sk-ant-abc", Persona: "pirate",
	})
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != domain.StatusStarting {
		t.Fatalf("initial status = %s", inst.Status)
	}
	if inst.Model != "claude-sonnet-4" {
		t.Fatalf("model = %q", inst.Model)
	}

	running := waitForStatus(t, store, inst.ID, domain.StatusRunning)
	if running.DashboardPath != "/i/"+inst.ID+"/" {
		t.Fatalf("dashboard path = %q", running.DashboardPath)
	}

	specs := rt.createdSpecs()
	if len(specs) != 1 {
		t.Fatalf("created %d containers", len(specs))
	}
	spec := specs[0]
	if spec.Name != "paddock-inst-"+inst.ID {
		t.Fatalf("container name = %q", spec.Name)
	}
	envJoined := strings.Join(spec.Env, "\n")
	if !strings.Contains(envJoined, "ANTHROPIC_API_KEY=sk-ant-abc") {
		t.Fatalf("credential env missing: %v", spec.Env)
	}
	if !strings.Contains(envJoined, "GATEWAY_TOKEN="+inst.Token) {
		t.Fatalf("token env missing: %v", spec.Env)
	}
	if spec.MemoryMB != 512 || spec.CPUPercent != 50 {
		t.Fatalf("resource limits not applied: %+v", spec)
	}
}

func TestDeployCreateFailureFatal(t *testing.T) {
	rt := &fakeRuntime{createErr: errors.New("image pull denied with key sk-ant-secret")}
	svc, store := newService(t, rt, &fakeProber{healthy: true})

	inst, err := svc.Deploy(context.Background(), DeployRequest{
		Owner: "acct-1", Provider: "anthropic", Credential: "sk-ant-abc",
	})
	if err != nil {
		t.Fatal(err)
	}
	failed := waitForStatus(t, store, inst.ID, domain.StatusError)
	last := failed.Events[len(failed.Events)-1].Message
	if !strings.Contains(last, "create failed") {
		t.Fatalf("event = %q", last)
	}
	if strings.Contains(last, "sk-ant-secret") {
		t.Fatalf("credential leaked into event log: %q", last)
	}
}

func TestDeployHealthTimeoutCapturesLogs(t *testing.T) {
	rt := &fakeRuntime{tailOutput: "panic: cannot bind"}
	svc, store := newService(t, rt, &fakeProber{healthy: false})

	inst, err := svc.Deploy(context.Background(), DeployRequest{
		Owner: "acct-1", Provider: "openai", Credential: "sk-abc",
	})
	if err != nil {
		t.Fatal(err)
	}
	failed := waitForStatus(t, store, inst.ID, domain.StatusError)
	last := failed.Events[len(failed.Events)-1].Message
	if !strings.Contains(last, "health check timed out") {
		t.Fatalf("event = %q", last)
	}
	if !strings.Contains(last, "panic: cannot bind") {
		t.Fatalf("tail logs not captured: %q", last)
	}
}

func TestDestroyCascades(t *testing.T) {
	rt := &fakeRuntime{}
	svc, store := newService(t, rt, &fakeProber{healthy: true})
	store.Put(&domain.Instance{ID: "inst-1", Owner: "acct-1", Status: domain.StatusRunning, Port: 4300})

	if err := svc.Destroy(context.Background(), "inst-1", "acct-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.Get("inst-1"); ok {
		t.Fatal("registry entry not deleted")
	}
	if rt.stopCount() != 1 {
		t.Fatalf("stop calls = %d", rt.stopCount())
	}
	if len(rt.removed) != 1 || rt.removed[0] != "paddock-inst-inst-1" {
		t.Fatalf("removed = %v", rt.removed)
	}
}

func TestDestroyDuringCreateRemovesContainer(t *testing.T) {
	gate := make(chan struct{})
	rt := &fakeRuntime{createGate: gate}
	svc, store := newService(t, rt, &fakeProber{healthy: true})

	inst, err := svc.Deploy(context.Background(), DeployRequest{
		Owner: "acct-1", Provider: "anthropic", Credential: "sk-ant-abc",
	})
	if err != nil {
		t.Fatal(err)
	}

	// destroy lands while the container create is still in flight
	if err := svc.Destroy(context.Background(), inst.ID, "acct-1"); err != nil {
		t.Fatal(err)
	}
	close(gate)

	name := "paddock-inst-" + inst.ID
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		removals := 0
		for _, ref := range rt.removedRefs() {
			if ref == name {
				removals++
			}
		}
		// one remove from destroy itself, one from the pipeline cleanup
		if removals >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if len(rt.createdSpecs()) != 1 {
		t.Fatalf("created %d containers", len(rt.createdSpecs()))
	}
	removals := 0
	for _, ref := range rt.removedRefs() {
		if ref == name {
			removals++
		}
	}
	if removals < 2 {
		t.Fatalf("container created after destroy was never removed, removals = %d", removals)
	}
	if _, ok := store.Get(inst.ID); ok {
		t.Fatal("registry entry survived destroy")
	}
	if _, err := svc.Resolve(context.Background(), inst.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("destroyed instance still resolvable: %v", err)
	}
}

func TestDestroyOwnerOnly(t *testing.T) {
	rt := &fakeRuntime{}
	svc, store := newService(t, rt, &fakeProber{healthy: true})
	store.Put(&domain.Instance{ID: "inst-1", Owner: "acct-1", Status: domain.StatusRunning, Port: 4300})

	if err := svc.Destroy(context.Background(), "inst-1", "acct-2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
	if _, ok := store.Get("inst-1"); !ok {
		t.Fatal("instance deleted by non-owner")
	}
	if err := svc.Destroy(context.Background(), "missing", "acct-1"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestRotateInvalidCredentialLeavesContainerUntouched(t *testing.T) {
	rt := &fakeRuntime{}
	svc, store := newService(t, rt, &fakeProber{healthy: true})
	store.Put(&domain.Instance{ID: "inst-1", Owner: "acct-1", Status: domain.StatusRunning, Port: 4300, Provider: "openai", Model: "gpt-5"})

	_, err := svc.Rotate(context.Background(), "inst-1", "acct-1", RotateRequest{
		Provider: "anthropic", Credential: "sk-wrong-prefix",
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want validation failure", err)
	}
	if rt.stopCount() != 0 || len(rt.removed) != 0 || len(rt.createdSpecs()) != 0 {
		t.Fatal("running container touched despite failed validation")
	}
	inst, _ := store.Get("inst-1")
	if inst.Provider != "openai" || inst.Status != domain.StatusRunning {
		t.Fatalf("instance mutated: %+v", inst)
	}
}

func TestRotateSwapsProviderAndHardensContainer(t *testing.T) {
	rt := &fakeRuntime{}
	svc, store := newService(t, rt, &fakeProber{healthy: true})
	store.Put(&domain.Instance{
		ID: "inst-1", Owner: "acct-1", Status: domain.StatusRunning,
		Port: 4300, Token: "tok", Provider: "openai", Model: "gpt-5",
	})

	rotated, err := svc.Rotate(context.Background(), "inst-1", "acct-1", RotateRequest{
		Provider: "anthropic", Credential: "sk-ant-new",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rotated.Provider != "anthropic" || rotated.Model != "claude-sonnet-4" {
		t.Fatalf("rotated = %+v", rotated)
	}
	if rotated.Status != domain.StatusRunning {
		t.Fatalf("status = %s", rotated.Status)
	}
	if rotated.Port != 4300 {
		t.Fatalf("port changed to %d", rotated.Port)
	}

	specs := rt.createdSpecs()
	if len(specs) != 1 {
		t.Fatalf("created %d containers", len(specs))
	}
	if !specs[0].DropAllCaps {
		t.Fatal("rotated container not hardened")
	}
	if specs[0].VolumeName != "paddock-data-inst-1" {
		t.Fatalf("volume = %q, data volume must be preserved", specs[0].VolumeName)
	}
	envJoined := strings.Join(specs[0].Env, "\n")
	if !strings.Contains(envJoined, "GATEWAY_TOKEN=tok") {
		t.Fatal("bearer token must survive rotation")
	}
}

func TestRotateVerificationHasOwnBudget(t *testing.T) {
	rt := &fakeRuntime{}
	svc, store := newService(t, rt, &fakeProber{healthy: true})
	store.Put(&domain.Instance{
		ID: "inst-1", Owner: "acct-1", Status: domain.StatusRunning,
		Port: 4300, Token: "tok", Provider: "openai", Model: "gpt-5",
	})

	if _, err := svc.Rotate(context.Background(), "inst-1", "acct-1", RotateRequest{
		Provider: "anthropic", Credential: "sk-ant-new",
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	budget := time.Duration(0)
	for time.Now().Before(deadline) {
		rt.mu.Lock()
		budget = rt.authCheckBudget
		rt.mu.Unlock()
		if budget != 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if budget == 0 {
		t.Fatal("detached auth check never ran")
	}
	// must not be derived from the per-attempt health poll timeout
	if budget <= 5*testConfig().HealthAttemptLimit {
		t.Fatalf("verification budget %s tied to health poll timeout", budget)
	}
}

func TestRotateNotOwner(t *testing.T) {
	rt := &fakeRuntime{}
	svc, store := newService(t, rt, &fakeProber{healthy: true})
	store.Put(&domain.Instance{ID: "inst-1", Owner: "acct-1", Status: domain.StatusRunning, Port: 4300})
	_, err := svc.Rotate(context.Background(), "inst-1", "acct-2", RotateRequest{Provider: "openai", Credential: "sk-abc"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestReconcileRecoversRunningContainers(t *testing.T) {
	rt := &fakeRuntime{listResult: []runtime.ContainerState{
		{
			Ref:     "ref-1",
			Name:    "/paddock-inst-recovered",
			Running: true,
			Env: []string{
				"PADDOCK_OWNER=acct-1",
				"PADDOCK_PORT=4307",
				"GATEWAY_TOKEN=tok",
				"PADDOCK_PROVIDER=openai",
				"PADDOCK_MODEL=gpt-5",
			},
		},
		{Ref: "ref-2", Name: "/paddock-inst-stopped", Running: false},
		{Ref: "ref-3", Name: "/unrelated", Running: true},
	}}
	svc, store := newService(t, rt, &fakeProber{healthy: true})

	svc.Reconcile(context.Background())

	inst, ok := store.Get("recovered")
	if !ok {
		t.Fatal("running container not recovered")
	}
	if inst.Status != domain.StatusRunning || inst.Port != 4307 || inst.Owner != "acct-1" {
		t.Fatalf("recovered = %+v", inst)
	}
	if _, ok := store.Get("stopped"); ok {
		t.Fatal("stopped container must not be recovered")
	}
}

func TestReconcileNeverDeletes(t *testing.T) {
	rt := &fakeRuntime{}
	svc, store := newService(t, rt, &fakeProber{healthy: true})
	store.Put(&domain.Instance{ID: "inst-1", Owner: "acct-1", Status: domain.StatusRunning, Port: 4300})

	svc.Reconcile(context.Background())

	if _, ok := store.Get("inst-1"); !ok {
		t.Fatal("reconcile removed a registry entry")
	}
}

func TestResolveMissAfterReconcileNotFound(t *testing.T) {
	rt := &fakeRuntime{}
	svc, _ := newService(t, rt, &fakeProber{healthy: true})
	if _, err := svc.Resolve(context.Background(), "ghost"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestRemoveChannel(t *testing.T) {
	rt := &fakeRuntime{configJSON: `{"channels":{"telegram":{"botToken":"x"}}}`}
	svc, store := newService(t, rt, &fakeProber{healthy: true})
	store.Put(&domain.Instance{ID: "inst-1", Owner: "acct-1", Status: domain.StatusRunning, Port: 4300})

	if err := svc.RemoveChannel(context.Background(), "inst-1", "acct-1", "matrix"); !errors.Is(err, ErrChannelNotConfigured) {
		t.Fatalf("unknown channel type: err = %v", err)
	}
	if err := svc.RemoveChannel(context.Background(), "inst-1", "acct-1", "discord"); !errors.Is(err, ErrChannelNotConfigured) {
		t.Fatalf("unconfigured channel: err = %v", err)
	}
	if err := svc.RemoveChannel(context.Background(), "inst-1", "acct-1", "telegram"); err != nil {
		t.Fatalf("configured channel removal failed: %v", err)
	}
}

func TestRemoveChannelRequiresRunning(t *testing.T) {
	rt := &fakeRuntime{configJSON: `{"channels":{"telegram":{}}}`}
	svc, store := newService(t, rt, &fakeProber{healthy: true})
	store.Put(&domain.Instance{ID: "inst-1", Owner: "acct-1", Status: domain.StatusStarting, Port: 4300})

	if err := svc.RemoveChannel(context.Background(), "inst-1", "acct-1", "telegram"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want not running", err)
	}
}

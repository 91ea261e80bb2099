package link

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/paddock-dev/paddock/internal/channel"
	"github.com/paddock-dev/paddock/internal/domain"
	"github.com/paddock-dev/paddock/internal/registry"
	"github.com/paddock-dev/paddock/internal/repository/memory"
)

type recordingNotifier struct {
	messages []channel.Message
}

func (n *recordingNotifier) Notify(_ context.Context, msg channel.Message) {
	n.messages = append(n.messages, msg)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixture(t *testing.T) (*Service, *registry.Memory, *memory.Repository, *recordingNotifier, *domain.Instance) {
	t.Helper()
	store := registry.NewMemory()
	repo := memory.New()
	notifier := &recordingNotifier{}
	svc := New(store, repo, repo, notifier, discard())

	inst := &domain.Instance{
		ID:     "inst-1",
		Owner:  "channel:+155500001",
		Status: domain.StatusRunning,
		Port:   4300,
	}
	store.Put(inst)
	return svc, store, repo, notifier, inst
}

func TestNegotiateAlreadyLinkedProceeds(t *testing.T) {
	svc, _, repo, _, inst := fixture(t)
	ctx := context.Background()
	if err := repo.CreateLink(ctx, &domain.LinkedAccount{AccountID: "acct-1", Address: "+155500001", LinkedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	decision, err := svc.Negotiate(ctx, "acct-1", inst, false)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Outcome != OutcomeProceed {
		t.Fatalf("outcome = %v, want proceed", decision.Outcome)
	}
}

func TestNegotiateTombstoneForbidden(t *testing.T) {
	svc, _, repo, _, inst := fixture(t)
	ctx := context.Background()
	if err := repo.CreateLink(ctx, &domain.LinkedAccount{AccountID: "acct-1", Address: "+155500001", LinkedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Unlink(ctx, "acct-1", "+155500001"); err != nil {
		t.Fatal(err)
	}
	decision, err := svc.Negotiate(ctx, "acct-1", inst, true)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Outcome != OutcomeForbidden {
		t.Fatalf("outcome = %v, want forbidden", decision.Outcome)
	}
}

func TestNegotiateAddressLinkedElsewhereConflict(t *testing.T) {
	svc, _, repo, _, inst := fixture(t)
	ctx := context.Background()
	if err := repo.CreateLink(ctx, &domain.LinkedAccount{AccountID: "acct-other", Address: "+155500001", LinkedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	decision, err := svc.Negotiate(ctx, "acct-1", inst, true)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Outcome != OutcomeConflict {
		t.Fatalf("outcome = %v, want conflict", decision.Outcome)
	}
}

func TestNegotiateAccountLinkedElsewhereConflict(t *testing.T) {
	svc, _, repo, _, inst := fixture(t)
	ctx := context.Background()
	if err := repo.CreateLink(ctx, &domain.LinkedAccount{AccountID: "acct-1", Address: "+999", LinkedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	decision, err := svc.Negotiate(ctx, "acct-1", inst, true)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Outcome != OutcomeConflict {
		t.Fatalf("outcome = %v, want conflict", decision.Outcome)
	}
}

func TestNegotiateAccountOwnsOtherInstanceConflict(t *testing.T) {
	svc, store, _, _, inst := fixture(t)
	ctx := context.Background()
	own := &domain.Instance{ID: "inst-2", Owner: "acct-1", Status: domain.StatusRunning, Port: 4301}
	store.Put(own)

	decision, err := svc.Negotiate(ctx, "acct-1", inst, true)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Outcome != OutcomeConflict {
		t.Fatalf("outcome = %v, want conflict", decision.Outcome)
	}
	// no ownership mutation on either instance
	channelInst, _ := store.Get("inst-1")
	if channelInst.Owner != "channel:+155500001" {
		t.Fatalf("channel instance owner mutated to %q", channelInst.Owner)
	}
	webInst, _ := store.Get("inst-2")
	if webInst.Owner != "acct-1" {
		t.Fatalf("web instance owner mutated to %q", webInst.Owner)
	}
}

func TestNegotiateWithoutConfirmationPrompts(t *testing.T) {
	svc, store, repo, _, inst := fixture(t)
	ctx := context.Background()
	decision, err := svc.Negotiate(ctx, "acct-1", inst, false)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Outcome != OutcomePrompt {
		t.Fatalf("outcome = %v, want prompt", decision.Outcome)
	}
	if decision.Address != "+155500001" {
		t.Fatalf("address = %q", decision.Address)
	}
	if _, err := repo.GetLinkByAccount(ctx, "acct-1"); err == nil {
		t.Fatal("prompt must not create a link")
	}
	got, _ := store.Get("inst-1")
	if got.Owner != "channel:+155500001" {
		t.Fatal("prompt must not migrate ownership")
	}
}

func TestNegotiateConfirmedLinksAndMigrates(t *testing.T) {
	svc, store, repo, notifier, inst := fixture(t)
	ctx := context.Background()
	decision, err := svc.Negotiate(ctx, "acct-1", inst, true)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Outcome != OutcomeLinked {
		t.Fatalf("outcome = %v, want linked", decision.Outcome)
	}
	linked, err := repo.GetLinkByAccount(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if linked.Address != "+155500001" {
		t.Fatalf("linked address = %q", linked.Address)
	}
	got, _ := store.Get("inst-1")
	if got.Owner != "acct-1" {
		t.Fatalf("ownership not migrated, owner = %q", got.Owner)
	}
	sess, err := repo.GetChannelSession(ctx, "+155500001")
	if err != nil {
		t.Fatal(err)
	}
	if sess.AccountID != "acct-1" || sess.InstanceID != "inst-1" {
		t.Fatalf("session = %+v", sess)
	}
	if len(notifier.messages) != 1 || notifier.messages[0].Address != "+155500001" {
		t.Fatalf("notifications = %v", notifier.messages)
	}
}

func TestUnlinkRecordsTombstone(t *testing.T) {
	svc, _, repo, _, inst := fixture(t)
	ctx := context.Background()
	if _, err := svc.Negotiate(ctx, "acct-1", inst, true); err != nil {
		t.Fatal(err)
	}
	address, err := svc.Unlink(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if address != "+155500001" {
		t.Fatalf("address = %q", address)
	}
	blocked, err := repo.WasUnlinked(ctx, "acct-1", "+155500001")
	if err != nil {
		t.Fatal(err)
	}
	if !blocked {
		t.Fatal("tombstone missing after unlink")
	}
	if address, err := svc.Unlink(ctx, "acct-1"); err != nil || address != "" {
		t.Fatalf("second unlink should be a no-op, got %q, %v", address, err)
	}
}

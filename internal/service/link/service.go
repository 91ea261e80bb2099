package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/paddock-dev/paddock/internal/channel"
	"github.com/paddock-dev/paddock/internal/domain"
	"github.com/paddock-dev/paddock/internal/registry"
	"github.com/paddock-dev/paddock/internal/repository"
)

// Outcome classifies a negotiation decision.
type Outcome int

const (
	// OutcomeProceed lets the request continue into the proxy unchanged.
	OutcomeProceed Outcome = iota
	// OutcomeForbidden rejects the request; the pair was explicitly unlinked
	// and re-linking must originate from the channel side.
	OutcomeForbidden
	// OutcomeConflict rejects the request because of a competing link or
	// because the account already runs its own instance.
	OutcomeConflict
	// OutcomePrompt asks the caller to render a confirmation page.
	OutcomePrompt
	// OutcomeLinked indicates the link was just created; the caller should
	// redirect to the clean URL.
	OutcomeLinked
)

// Decision is the result of one negotiation pass.
type Decision struct {
	Outcome Outcome
	Message string
	Address string
}

// Service runs the cross-channel identity link state machine. It is only
// engaged for browser navigation to an instance owned by a channel
// pseudo-owner while a web session is present.
type Service struct {
	store    registry.Store
	links    repository.LinkRepository
	sessions repository.ChannelSessionRepository
	notifier channel.Notifier
	logger   *slog.Logger
}

func New(store registry.Store, links repository.LinkRepository, sessions repository.ChannelSessionRepository, notifier channel.Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		links:    links,
		sessions: sessions,
		notifier: notifier,
		logger:   logger,
	}
}

// Negotiate evaluates the decision table in order. Nothing is mutated unless
// the caller passed the explicit confirmation flag and every guard passed.
func (s *Service) Negotiate(ctx context.Context, accountID string, inst *domain.Instance, confirm bool) (Decision, error) {
	address := domain.ChannelAddress(inst.Owner)
	if address == "" {
		return Decision{Outcome: OutcomeProceed}, nil
	}

	byAddress, err := s.links.GetLinkByAddress(ctx, address)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return Decision{}, fmt.Errorf("lookup link by address: %w", err)
	}
	if byAddress != nil && byAddress.AccountID == accountID {
		return Decision{Outcome: OutcomeProceed}, nil
	}

	unlinked, err := s.links.WasUnlinked(ctx, accountID, address)
	if err != nil {
		return Decision{}, fmt.Errorf("lookup unlink tombstone: %w", err)
	}
	if unlinked {
		return Decision{
			Outcome: OutcomeForbidden,
			Message: "this account was previously unlinked from this channel; re-link from the channel side",
			Address: address,
		}, nil
	}

	if byAddress != nil {
		return Decision{
			Outcome: OutcomeConflict,
			Message: "this channel is already linked to another account",
			Address: address,
		}, nil
	}

	byAccount, err := s.links.GetLinkByAccount(ctx, accountID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return Decision{}, fmt.Errorf("lookup link by account: %w", err)
	}
	if byAccount != nil {
		return Decision{
			Outcome: OutcomeConflict,
			Message: "your account is already linked to a different channel",
			Address: address,
		}, nil
	}

	for _, other := range s.store.ListByOwner(accountID) {
		if other.ID != inst.ID && other.Status.Live() {
			return Decision{
				Outcome: OutcomeConflict,
				Message: "your account already runs its own instance; destroy it before linking",
				Address: address,
			}, nil
		}
	}

	if !confirm {
		return Decision{Outcome: OutcomePrompt, Address: address}, nil
	}

	if err := s.commit(ctx, accountID, address, inst); err != nil {
		return Decision{}, err
	}
	return Decision{Outcome: OutcomeLinked, Address: address}, nil
}

// commit creates the link and migrates instance ownership to the account.
func (s *Service) commit(ctx context.Context, accountID, address string, inst *domain.Instance) error {
	if err := s.links.CreateLink(ctx, &domain.LinkedAccount{
		AccountID: accountID,
		Address:   address,
		LinkedAt:  time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("create link: %w", err)
	}

	previousOwner := inst.Owner
	if err := s.store.Update(inst.ID, func(rec *domain.Instance) {
		rec.Owner = accountID
		rec.LogEvent("linked to web account")
	}); err != nil {
		return fmt.Errorf("migrate instance ownership: %w", err)
	}
	inst.Owner = accountID

	sess, err := s.sessions.GetChannelSession(ctx, address)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("load channel session failed", "address", address, "error", err)
	}
	if sess == nil {
		sess = &domain.ChannelSession{Address: address}
	}
	sess.AccountID = accountID
	sess.InstanceID = inst.ID
	sess.UpdatedAt = time.Now().UTC()
	if err := s.sessions.UpsertChannelSession(ctx, *sess); err != nil {
		s.logger.Warn("update channel session failed", "address", address, "error", err)
	}

	s.notifier.Notify(ctx, channel.Message{
		Address: address,
		Text:    "Your instance is now linked to a web account. You can control it from either side.",
	})
	s.logger.Info("identity link created",
		"instance", inst.ID, "account", accountID, "previousOwner", previousOwner)
	return nil
}

// LinkedAddress returns the channel address linked to an account, or
// repository.ErrNotFound when the account has no link.
func (s *Service) LinkedAddress(ctx context.Context, accountID string) (string, error) {
	linked, err := s.links.GetLinkByAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	return linked.Address, nil
}

// Unlink breaks an account's link, recording a tombstone so the proxy path
// can never silently re-link the same pair. Missing links are not an error.
func (s *Service) Unlink(ctx context.Context, accountID string) (string, error) {
	existing, err := s.links.GetLinkByAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("lookup link by account: %w", err)
	}
	if err := s.links.Unlink(ctx, accountID, existing.Address); err != nil {
		return "", fmt.Errorf("unlink: %w", err)
	}
	return existing.Address, nil
}

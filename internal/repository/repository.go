package repository

import (
	"context"

	"github.com/paddock-dev/paddock/internal/domain"
)

// LinkRepository persists account/channel links and the tombstones of broken
// pairs. Tombstones must survive restarts or the re-link block is void.
type LinkRepository interface {
	CreateLink(ctx context.Context, link *domain.LinkedAccount) error
	GetLinkByAccount(ctx context.Context, accountID string) (*domain.LinkedAccount, error)
	GetLinkByAddress(ctx context.Context, address string) (*domain.LinkedAccount, error)
	// Unlink removes the pair and records a tombstone in the same transaction.
	Unlink(ctx context.Context, accountID, address string) error
	WasUnlinked(ctx context.Context, accountID, address string) (bool, error)
}

// ChannelSessionRepository stores per-channel-address conversational state.
// The messaging collaborator owns this data; the core reads and updates it.
type ChannelSessionRepository interface {
	GetChannelSession(ctx context.Context, address string) (*domain.ChannelSession, error)
	UpsertChannelSession(ctx context.Context, session domain.ChannelSession) error
}

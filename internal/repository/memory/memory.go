package memory

import (
	"context"
	"sync"
	"time"

	"github.com/paddock-dev/paddock/internal/domain"
	"github.com/paddock-dev/paddock/internal/repository"
)

// Repository is an in-memory implementation of the persistence interfaces,
// used in tests and in DB-less development mode. Tombstones do not survive a
// process restart in this mode.
type Repository struct {
	mu        sync.RWMutex
	byAccount map[string]domain.LinkedAccount
	byAddress map[string]domain.LinkedAccount
	unlinked  map[string]bool
	sessions  map[string]domain.ChannelSession
}

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{
		byAccount: make(map[string]domain.LinkedAccount),
		byAddress: make(map[string]domain.LinkedAccount),
		unlinked:  make(map[string]bool),
		sessions:  make(map[string]domain.ChannelSession),
	}
}

var (
	_ repository.LinkRepository           = (*Repository)(nil)
	_ repository.ChannelSessionRepository = (*Repository)(nil)
)

func pairKey(accountID, address string) string {
	return accountID + "\x00" + address
}

func (r *Repository) CreateLink(ctx context.Context, link *domain.LinkedAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byAccount[link.AccountID]; ok {
		return repository.ErrConflict
	}
	if _, ok := r.byAddress[link.Address]; ok {
		return repository.ErrConflict
	}
	stored := *link
	if stored.LinkedAt.IsZero() {
		stored.LinkedAt = time.Now().UTC()
	}
	r.byAccount[stored.AccountID] = stored
	r.byAddress[stored.Address] = stored
	return nil
}

func (r *Repository) GetLinkByAccount(ctx context.Context, accountID string) (*domain.LinkedAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	link, ok := r.byAccount[accountID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := link
	return &copied, nil
}

func (r *Repository) GetLinkByAddress(ctx context.Context, address string) (*domain.LinkedAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	link, ok := r.byAddress[address]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := link
	return &copied, nil
}

func (r *Repository) Unlink(ctx context.Context, accountID, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byAccount, accountID)
	delete(r.byAddress, address)
	r.unlinked[pairKey(accountID, address)] = true
	return nil
}

func (r *Repository) WasUnlinked(ctx context.Context, accountID, address string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.unlinked[pairKey(accountID, address)], nil
}

func (r *Repository) GetChannelSession(ctx context.Context, address string) (*domain.ChannelSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[address]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := session
	return &copied, nil
}

func (r *Repository) UpsertChannelSession(ctx context.Context, session domain.ChannelSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = time.Now().UTC()
	}
	r.sessions[session.Address] = session
	return nil
}

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paddock-dev/paddock/internal/domain"
	"github.com/paddock-dev/paddock/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var (
	_ repository.LinkRepository           = (*Repository)(nil)
	_ repository.ChannelSessionRepository = (*Repository)(nil)
)

// CreateLink inserts a confirmed account/channel link.
func (r *Repository) CreateLink(ctx context.Context, link *domain.LinkedAccount) error {
	const query = `INSERT INTO linked_accounts (account_id, address, linked_at)
		VALUES ($1, $2, $3)`
	linkedAt := link.LinkedAt
	if linkedAt.IsZero() {
		linkedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, query, link.AccountID, link.Address, linkedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return repository.ErrConflict
	}
	return err
}

// GetLinkByAccount fetches the link owned by a web account.
func (r *Repository) GetLinkByAccount(ctx context.Context, accountID string) (*domain.LinkedAccount, error) {
	const query = `SELECT account_id, address, linked_at FROM linked_accounts WHERE account_id = $1`
	return r.scanLink(r.pool.QueryRow(ctx, query, accountID))
}

// GetLinkByAddress fetches the link holding a channel address.
func (r *Repository) GetLinkByAddress(ctx context.Context, address string) (*domain.LinkedAccount, error) {
	const query = `SELECT account_id, address, linked_at FROM linked_accounts WHERE address = $1`
	return r.scanLink(r.pool.QueryRow(ctx, query, address))
}

func (r *Repository) scanLink(row pgx.Row) (*domain.LinkedAccount, error) {
	var link domain.LinkedAccount
	if err := row.Scan(&link.AccountID, &link.Address, &link.LinkedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &link, nil
}

// Unlink removes the pair and records its tombstone in one transaction.
func (r *Repository) Unlink(ctx context.Context, accountID, address string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM linked_accounts WHERE account_id = $1 AND address = $2`,
		accountID, address); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO unlinked_pairs (account_id, address, unlinked_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (account_id, address) DO UPDATE SET unlinked_at = EXCLUDED.unlinked_at`,
		accountID, address, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// WasUnlinked reports whether the pair was previously broken explicitly.
func (r *Repository) WasUnlinked(ctx context.Context, accountID, address string) (bool, error) {
	const query = `SELECT COUNT(1) FROM unlinked_pairs WHERE account_id = $1 AND address = $2`
	var count int
	if err := r.pool.QueryRow(ctx, query, accountID, address).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetChannelSession fetches per-address channel state.
func (r *Repository) GetChannelSession(ctx context.Context, address string) (*domain.ChannelSession, error) {
	const query = `SELECT address, state, instance_id, account_id, updated_at
		FROM channel_sessions WHERE address = $1`
	var session domain.ChannelSession
	if err := r.pool.QueryRow(ctx, query, address).Scan(
		&session.Address, &session.State, &session.InstanceID, &session.AccountID, &session.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

// UpsertChannelSession writes channel state keyed by address.
func (r *Repository) UpsertChannelSession(ctx context.Context, session domain.ChannelSession) error {
	const query = `INSERT INTO channel_sessions (address, state, instance_id, account_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address) DO UPDATE SET
			state = EXCLUDED.state,
			instance_id = EXCLUDED.instance_id,
			account_id = EXCLUDED.account_id,
			updated_at = EXCLUDED.updated_at`
	updatedAt := session.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, query, session.Address, session.State, session.InstanceID, session.AccountID, updatedAt)
	return err
}

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pimalaya/calendula/internal/calendar"
)

// Postgres stores sync states in a shared PostgreSQL database.
type Postgres struct {
	pool  PgxPool
	close func()
}

// OpenPostgres connects to dsn and applies the migrations.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := ApplyMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool, close: pool.Close}, nil
}

// NewPostgres wraps an existing pool. Close leaves the pool open.
func NewPostgres(pool PgxPool) *Postgres {
	return &Postgres{pool: pool}
}

var _ Store = (*Postgres)(nil)

func (p *Postgres) Load(ctx context.Context, account, calendarID string) (*calendar.SyncState, error) {
	defer observeStore(ctx, "store.load")()

	state := &calendar.SyncState{CalendarID: calendarID, Items: make(map[string]string)}
	var kind string
	err := p.pool.QueryRow(ctx,
		`SELECT backend_uri, kind, token FROM sync_states WHERE account=$1 AND calendar_id=$2`,
		account, calendarID,
	).Scan(&state.BackendURI, &kind, &state.Token)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sync state %s/%s: %w", account, calendarID, err)
	}
	state.Kind = calendar.SyncKind(kind)

	rows, err := p.pool.Query(ctx,
		`SELECT item_id, etag FROM sync_items WHERE account=$1 AND calendar_id=$2`,
		account, calendarID,
	)
	if err != nil {
		return nil, fmt.Errorf("load sync items %s/%s: %w", account, calendarID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, etag string
		if err := rows.Scan(&id, &etag); err != nil {
			return nil, fmt.Errorf("load sync items %s/%s: %w", account, calendarID, err)
		}
		state.Items[id] = etag
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load sync items %s/%s: %w", account, calendarID, err)
	}
	return state, nil
}

func (p *Postgres) Save(ctx context.Context, account string, state *calendar.SyncState) error {
	defer observeStore(ctx, "store.save")()
	if err := checkState(account, state); err != nil {
		return err
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	if err := savePostgres(ctx, tx, account, state); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("save sync state %s/%s: %w", account, state.CalendarID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("save sync state %s/%s: %w", account, state.CalendarID, err)
	}
	return nil
}

func savePostgres(ctx context.Context, tx pgx.Tx, account string, state *calendar.SyncState) error {
	const upsert = `INSERT INTO sync_states (account, calendar_id, backend_uri, kind, token)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (account, calendar_id) DO UPDATE SET
    backend_uri=excluded.backend_uri, kind=excluded.kind, token=excluded.token,
    updated_at=CURRENT_TIMESTAMP`
	if _, err := tx.Exec(ctx, upsert, account, state.CalendarID, state.BackendURI, string(state.Kind), state.Token); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sync_items WHERE account=$1 AND calendar_id=$2`, account, state.CalendarID); err != nil {
		return err
	}
	for _, id := range sortedIDs(state.Items) {
		_, err := tx.Exec(ctx,
			`INSERT INTO sync_items (account, calendar_id, item_id, etag) VALUES ($1, $2, $3, $4)`,
			account, state.CalendarID, id, state.Items[id],
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, account, calendarID string) error {
	defer observeStore(ctx, "store.delete")()

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("delete sync state: %w", err)
	}
	for _, q := range []string{
		`DELETE FROM sync_items WHERE account=$1 AND calendar_id=$2`,
		`DELETE FROM sync_states WHERE account=$1 AND calendar_id=$2`,
	} {
		if _, err := tx.Exec(ctx, q, account, calendarID); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("delete sync state %s/%s: %w", account, calendarID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("delete sync state %s/%s: %w", account, calendarID, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	if p.close != nil {
		p.close()
	}
	return nil
}

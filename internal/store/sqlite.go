package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pimalaya/calendula/internal/calendar"
)

// SQLite stores sync states in a local database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and applies the
// migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite: empty database path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// A single connection serialises writers and keeps :memory: databases
	// alive across calls.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if err := applySQLiteMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

var _ Store = (*SQLite)(nil)

func (s *SQLite) Load(ctx context.Context, account, calendarID string) (*calendar.SyncState, error) {
	defer observeStore(ctx, "store.load")()

	state := &calendar.SyncState{CalendarID: calendarID, Items: make(map[string]string)}
	var kind string
	err := s.db.QueryRowContext(ctx,
		`SELECT backend_uri, kind, token FROM sync_states WHERE account=? AND calendar_id=?`,
		account, calendarID,
	).Scan(&state.BackendURI, &kind, &state.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sync state %s/%s: %w", account, calendarID, err)
	}
	state.Kind = calendar.SyncKind(kind)

	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, etag FROM sync_items WHERE account=? AND calendar_id=?`,
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

func (s *SQLite) Save(ctx context.Context, account string, state *calendar.SyncState) error {
	defer observeStore(ctx, "store.save")()
	if err := checkState(account, state); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	if err := saveSQLite(ctx, tx, account, state); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("save sync state %s/%s: %w", account, state.CalendarID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save sync state %s/%s: %w", account, state.CalendarID, err)
	}
	return nil
}

func saveSQLite(ctx context.Context, tx *sql.Tx, account string, state *calendar.SyncState) error {
	const upsert = `INSERT INTO sync_states (account, calendar_id, backend_uri, kind, token)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (account, calendar_id) DO UPDATE SET
    backend_uri=excluded.backend_uri, kind=excluded.kind, token=excluded.token,
    updated_at=CURRENT_TIMESTAMP`
	if _, err := tx.ExecContext(ctx, upsert, account, state.CalendarID, state.BackendURI, string(state.Kind), state.Token); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_items WHERE account=? AND calendar_id=?`, account, state.CalendarID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO sync_items (account, calendar_id, item_id, etag) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range sortedIDs(state.Items) {
		if _, err := stmt.ExecContext(ctx, account, state.CalendarID, id, state.Items[id]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, account, calendarID string) error {
	defer observeStore(ctx, "store.delete")()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete sync state: %w", err)
	}
	for _, q := range []string{
		`DELETE FROM sync_items WHERE account=? AND calendar_id=?`,
		`DELETE FROM sync_states WHERE account=? AND calendar_id=?`,
	} {
		if _, err := tx.ExecContext(ctx, q, account, calendarID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete sync state %s/%s: %w", account, calendarID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete sync state %s/%s: %w", account, calendarID, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func sortedIDs(items map[string]string) []string {
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

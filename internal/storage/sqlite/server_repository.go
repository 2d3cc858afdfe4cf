package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mediastash/mediastash/internal/storage"
)

// ServerRepository is the SQLite implementation of storage.ServerRepository.
type ServerRepository struct {
	db *sql.DB
}

func NewServerRepository(dbConn *sql.DB) *ServerRepository {
	return &ServerRepository{db: dbConn}
}

// Upsert inserts or refreshes a server row. Tokens and base URLs rotate, so
// every successful account sync overwrites them.
func (r *ServerRepository) Upsert(ctx context.Context, rec *storage.ServerRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO servers (server_id, name, access_token, base_url, owned, last_connected_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_id) DO UPDATE SET
			name = excluded.name,
			access_token = excluded.access_token,
			base_url = excluded.base_url,
			owned = excluded.owned,
			last_connected_at = excluded.last_connected_at`,
		rec.ServerID, rec.Name, rec.AccessToken, rec.BaseURL, rec.Owned, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert server: %w", err)
	}

	return nil
}

func (r *ServerRepository) Get(ctx context.Context, serverID string) (*storage.ServerRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT server_id, name, access_token, base_url, owned, last_connected_at
		FROM servers WHERE server_id = ?`, serverID)

	return scanServer(row)
}

func (r *ServerRepository) List(ctx context.Context) ([]*storage.ServerRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT server_id, name, access_token, base_url, owned, last_connected_at
		FROM servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var servers []*storage.ServerRecord

	for rows.Next() {
		rec, err := scanServer(rows)
		if err != nil {
			return nil, err
		}

		servers = append(servers, rec)
	}

	return servers, rows.Err()
}

func scanServer(row rowScanner) (*storage.ServerRecord, error) {
	var (
		rec           storage.ServerRecord
		lastConnected sql.NullTime
	)

	err := row.Scan(&rec.ServerID, &rec.Name, &rec.AccessToken, &rec.BaseURL,
		&rec.Owned, &lastConnected)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan server: %w", err)
	}

	rec.LastConnectedAt = lastConnected.Time

	return &rec, nil
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mosqlimate/arbodash/internal/models"
)

// Repository provides data access methods
type Repository struct {
	db *sql.DB
}

// New creates a new Repository
func New(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	// SQLite works best with a single connection; :memory: needs it to
	// keep one database across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &Repository{db: db}

	if err := repo.migrate(); err != nil {
		return nil, err
	}

	return repo, nil
}

// DB returns the underlying database connection (for transactions)
func (r *Repository) DB() *sql.DB {
	return r.db
}

// Close closes the database connection
func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping checks if the database connection is alive
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// migrate runs database migrations
func (r *Repository) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS dashboard_meta (
			client_id TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dashboard_states (
			client_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			state TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (client_id, namespace),
			FOREIGN KEY (client_id) REFERENCES dashboard_meta(client_id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_states_client ON dashboard_states(client_id)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.Exec(migration); err != nil {
			return err
		}
	}

	// share_base_url is set by the app on startup with the detected LAN address
	defaultSettings := map[string]string{
		"share_base_url": "",
	}
	for key, value := range defaultSettings {
		if _, err := r.db.Exec(`INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)`, key, value); err != nil {
			return err
		}
	}

	return nil
}

// ==================== Dashboard State Methods ====================

// Load returns every namespace stored for clientID. found is false when the
// client has never saved anything.
func (r *Repository) Load(ctx context.Context, clientID string) (models.Persisted, bool, error) {
	var ts int64
	err := r.db.QueryRowContext(ctx, `SELECT timestamp FROM dashboard_meta WHERE client_id = ?`, clientID).Scan(&ts)
	if err == sql.ErrNoRows {
		return models.Persisted{}, false, nil
	}
	if err != nil {
		return models.Persisted{}, false, err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT namespace, state FROM dashboard_states WHERE client_id = ?`, clientID)
	if err != nil {
		return models.Persisted{}, false, err
	}
	defer rows.Close()

	persisted := models.Persisted{
		Namespaces: make(map[string]models.DashboardState),
		Meta:       models.PersistedMeta{Timestamp: ts},
	}
	for rows.Next() {
		var ns, raw string
		if err := rows.Scan(&ns, &raw); err != nil {
			return models.Persisted{}, false, err
		}
		var st models.DashboardState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			// A corrupt namespace is dropped rather than failing the client
			continue
		}
		persisted.Namespaces[ns] = st
	}
	if err := rows.Err(); err != nil {
		return models.Persisted{}, false, err
	}
	return persisted, true, nil
}

// Save upserts one namespace and the client's timestamp in a transaction
func (r *Repository) Save(ctx context.Context, clientID, namespace string, state models.DashboardState, meta models.PersistedMeta) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dashboard_meta (client_id, timestamp) VALUES (?, ?)
		ON CONFLICT(client_id) DO UPDATE SET timestamp = excluded.timestamp
	`, clientID, meta.Timestamp); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dashboard_states (client_id, namespace, state, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(client_id, namespace) DO UPDATE SET state = excluded.state, updated_at = CURRENT_TIMESTAMP
	`, clientID, namespace, string(raw)); err != nil {
		return err
	}

	return tx.Commit()
}

// Clear removes every namespace stored for clientID
func (r *Repository) Clear(ctx context.Context, clientID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dashboard_states WHERE client_id = ?`, clientID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dashboard_meta WHERE client_id = ?`, clientID); err != nil {
		return err
	}
	return tx.Commit()
}

// Clients lists every client with stored state, newest first
func (r *Repository) Clients(ctx context.Context) ([]models.ClientRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.client_id, m.timestamp, s.namespace
		FROM dashboard_meta m
		LEFT JOIN dashboard_states s ON s.client_id = m.client_id
		ORDER BY m.timestamp DESC, m.client_id, s.namespace
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.ClientRecord
	index := make(map[string]int)
	for rows.Next() {
		var clientID string
		var ts int64
		var ns sql.NullString
		if err := rows.Scan(&clientID, &ts, &ns); err != nil {
			return nil, err
		}
		i, ok := index[clientID]
		if !ok {
			i = len(records)
			index[clientID] = i
			records = append(records, models.ClientRecord{ClientID: clientID, Timestamp: ts, Namespaces: []string{}})
		}
		if ns.Valid {
			records[i].Namespaces = append(records[i].Namespaces, ns.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range records {
		sort.Strings(records[i].Namespaces)
	}
	return records, nil
}

// PurgeExpired deletes clients whose timestamp is older than cutoff (unix ms)
// and returns how many were removed
func (r *Repository) PurgeExpired(ctx context.Context, cutoff int64) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM dashboard_states WHERE client_id IN (SELECT client_id FROM dashboard_meta WHERE timestamp < ?)
	`, cutoff); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM dashboard_meta WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// ==================== Settings Methods ====================

// GetSetting returns a setting value
func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

// SetSetting upserts a setting value
func (r *Repository) SetSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, key, value)
	return err
}

// ClearTable deletes all rows of a whitelisted table
func (r *Repository) ClearTable(ctx context.Context, table string) error {
	allowed := map[string]bool{
		"dashboard_states": true,
		"dashboard_meta":   true,
	}
	if !allowed[table] {
		return ErrInvalidTable
	}
	_, err := r.db.ExecContext(ctx, "DELETE FROM "+table)
	return err
}

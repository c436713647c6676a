// Package accountdb persists VPN accounts in SQLite.
package accountdb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when no account has the given username.
	ErrNotFound = errors.New("accountdb: account not found")
	// ErrExists is returned by Create for a taken username.
	ErrExists = errors.New("accountdb: account already exists")
	// ErrMaxConnections is returned by BindInstallation when every slot is used.
	ErrMaxConnections = errors.New("accountdb: maximum connections reached")
)

// Store is a SQLite-backed account store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database at path and initialises the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("accountdb: open %q: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("accountdb: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS accounts (
  username TEXT PRIMARY KEY,
  expire_unix INTEGER NOT NULL DEFAULT 0,
  data_limit INTEGER NOT NULL DEFAULT 0,
  used_traffic INTEGER NOT NULL DEFAULT 0,
  last_captured_traffic INTEGER NOT NULL DEFAULT 0,
  proxy_used_traffic INTEGER NOT NULL DEFAULT 0,
  proxy_last_captured_traffic INTEGER NOT NULL DEFAULT 0,
  lifetime_used_traffic INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'active',
  public_key TEXT NOT NULL DEFAULT '',
  address TEXT NOT NULL DEFAULT '',
  max_connections INTEGER NOT NULL DEFAULT 1,
  installation_ids TEXT NOT NULL DEFAULT '[]',
  panel_uuid TEXT NOT NULL DEFAULT '',
  proxy_enabled INTEGER NOT NULL DEFAULT 0,
  connection_string TEXT NOT NULL DEFAULT '',
  proxy_config TEXT NOT NULL DEFAULT '',
  has_been_unlocked INTEGER NOT NULL DEFAULT 0,
  created_at_unix INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS accounts_status ON accounts (status);`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("accountdb: init schema: %w", err)
	}
	return nil
}

const accountColumns = `username, expire_unix, data_limit,
  used_traffic, last_captured_traffic,
  proxy_used_traffic, proxy_last_captured_traffic, lifetime_used_traffic,
  status, public_key, address, max_connections, installation_ids,
  panel_uuid, proxy_enabled, connection_string, proxy_config,
  has_been_unlocked, created_at_unix`

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	var a Account
	var status, installs string
	if err := row.Scan(
		&a.Username, &a.ExpireUnix, &a.DataLimit,
		&a.UsedTraffic, &a.LastCapturedTraffic,
		&a.ProxyUsedTraffic, &a.ProxyLastCapturedTraffic, &a.LifetimeUsedTraffic,
		&status, &a.PublicKey, &a.Address, &a.MaxConnections, &installs,
		&a.PanelUUID, &a.ProxyEnabled, &a.ConnectionString, &a.ProxyConfig,
		&a.HasBeenUnlocked, &a.CreatedAtUnix,
	); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	if installs != "" {
		if err := json.Unmarshal([]byte(installs), &a.InstallationIDs); err != nil {
			return nil, fmt.Errorf("installation_ids of %q: %w", a.Username, err)
		}
	}
	return &a, nil
}

func encodeInstalls(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Get returns the account with the given username.
func (s *Store) Get(username string) (*Account, error) {
	a, err := scanAccount(s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE username = ?`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("accountdb: get %q: %w", username, err)
	}
	return a, nil
}

// List returns every account ordered by username.
func (s *Store) List() ([]*Account, error) {
	return s.query(`SELECT ` + accountColumns + ` FROM accounts ORDER BY username`)
}

// ListByStatus returns the accounts in any of the given statuses.
func (s *Store) ListByStatus(statuses ...Status) ([]*Account, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	return s.query(`SELECT `+accountColumns+` FROM accounts WHERE status IN (`+marks+`) ORDER BY username`, args...)
}

// ListNotStatus returns the accounts not in status.
func (s *Store) ListNotStatus(status Status) ([]*Account, error) {
	return s.query(`SELECT `+accountColumns+` FROM accounts WHERE status <> ? ORDER BY username`, string(status))
}

func (s *Store) query(q string, args ...any) ([]*Account, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("accountdb: query accounts: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("accountdb: scan account: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("accountdb: iterate accounts: %w", err)
	}
	return out, nil
}

// Create inserts a new account.
func (s *Store) Create(a *Account) error {
	installs, err := encodeInstalls(a.InstallationIDs)
	if err != nil {
		return fmt.Errorf("accountdb: create %q: %w", a.Username, err)
	}
	status := a.Status
	if status == "" {
		status = StatusActive
	}
	maxConn := a.MaxConnections
	if maxConn <= 0 {
		maxConn = 1
	}
	res, err := s.db.Exec(
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(username) DO NOTHING`,
		a.Username, a.ExpireUnix, a.DataLimit,
		a.UsedTraffic, a.LastCapturedTraffic,
		a.ProxyUsedTraffic, a.ProxyLastCapturedTraffic, a.LifetimeUsedTraffic,
		string(status), a.PublicKey, a.Address, maxConn, installs,
		a.PanelUUID, a.ProxyEnabled, a.ConnectionString, a.ProxyConfig,
		a.HasBeenUnlocked, a.CreatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("accountdb: create %q: %w", a.Username, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %q", ErrExists, a.Username)
	}
	return nil
}

// Delete removes an account.
func (s *Store) Delete(username string) error {
	return s.exec1("delete", username, `DELETE FROM accounts WHERE username = ?`, username)
}

// exec1 runs a statement that must touch exactly the row of username.
func (s *Store) exec1(op, username, q string, args ...any) error {
	res, err := s.db.Exec(q, args...)
	if err != nil {
		return fmt.Errorf("accountdb: %s %q: %w", op, username, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("accountdb: %s %q: %w", op, username, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, username)
	}
	return nil
}

// SetStatus stores a new status.
func (s *Store) SetStatus(username string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("accountdb: set status %q: invalid status %q", username, status)
	}
	return s.exec1("set status", username,
		`UPDATE accounts SET status = ? WHERE username = ?`, string(status), username)
}

// SetTraffic stores the tunnel usage and the raw counter it was derived from.
func (s *Store) SetTraffic(username string, used, lastCaptured int64) error {
	return s.exec1("set traffic", username,
		`UPDATE accounts SET used_traffic = ?, last_captured_traffic = ? WHERE username = ?`,
		used, lastCaptured, username)
}

// SetProxyTraffic stores the proxy usage and the raw counter it was derived from.
func (s *Store) SetProxyTraffic(username string, used, lastCaptured int64) error {
	return s.exec1("set proxy traffic", username,
		`UPDATE accounts SET proxy_used_traffic = ?, proxy_last_captured_traffic = ? WHERE username = ?`,
		used, lastCaptured, username)
}

// SetPanelUUID stores the panel client identifier and the client config
// rendered for it.
func (s *Store) SetPanelUUID(username, panelUUID, proxyConfig string) error {
	return s.exec1("set panel uuid", username,
		`UPDATE accounts SET panel_uuid = ?, proxy_config = ? WHERE username = ?`,
		panelUUID, proxyConfig, username)
}

// SetPublicKey stores a new tunnel key and the client config rendered for it.
func (s *Store) SetPublicKey(username, publicKey, connectionString string) error {
	return s.exec1("set public key", username,
		`UPDATE accounts SET public_key = ?, connection_string = ? WHERE username = ?`,
		publicKey, connectionString, username)
}

// SetAddress stores the allocated tunnel address.
func (s *Store) SetAddress(username, address string) error {
	return s.exec1("set address", username,
		`UPDATE accounts SET address = ? WHERE username = ?`, address, username)
}

// MarkUnlocked clears bound installations and records that the account was
// re-keyed.
func (s *Store) MarkUnlocked(username string) error {
	return s.exec1("mark unlocked", username,
		`UPDATE accounts SET installation_ids = '[]', has_been_unlocked = 1 WHERE username = ?`, username)
}

// SetExpiry stores a new expiry.
func (s *Store) SetExpiry(username string, expireUnix int64) error {
	return s.exec1("set expiry", username,
		`UPDATE accounts SET expire_unix = ? WHERE username = ?`, expireUnix, username)
}

// Edit stores operator-supplied expiry, quota and status.
func (s *Store) Edit(username string, expireUnix, dataLimit int64, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("accountdb: edit %q: invalid status %q", username, status)
	}
	return s.exec1("edit", username,
		`UPDATE accounts SET expire_unix = ?, data_limit = ?, status = ? WHERE username = ?`,
		expireUnix, dataLimit, string(status), username)
}

// ResetUsage moves the used counters into the lifetime total and zeroes
// them. Raw counter baselines are kept so the next pass measures from the
// same point.
func (s *Store) ResetUsage(username string) error {
	return s.exec1("reset usage", username,
		`UPDATE accounts
		 SET lifetime_used_traffic = lifetime_used_traffic + used_traffic + proxy_used_traffic,
		     used_traffic = 0, proxy_used_traffic = 0
		 WHERE username = ?`, username)
}

// Renew is ResetUsage combined with a new expiry, quota and status.
func (s *Store) Renew(username string, expireUnix, dataLimit int64, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("accountdb: renew %q: invalid status %q", username, status)
	}
	return s.exec1("renew", username,
		`UPDATE accounts
		 SET lifetime_used_traffic = lifetime_used_traffic + used_traffic + proxy_used_traffic,
		     used_traffic = 0, proxy_used_traffic = 0,
		     expire_unix = ?, data_limit = ?, status = ?
		 WHERE username = ?`, expireUnix, dataLimit, string(status), username)
}

// BindInstallation records that installation id uses the account. It
// returns false when id was already bound, and ErrMaxConnections when the
// account has no free slot.
func (s *Store) BindInstallation(username, id string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("accountdb: begin tx: %w", err)
	}
	defer tx.Rollback()

	a, err := scanAccount(tx.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE username = ?`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %q", ErrNotFound, username)
	}
	if err != nil {
		return false, fmt.Errorf("accountdb: bind installation %q: %w", username, err)
	}
	if slices.Contains(a.InstallationIDs, id) {
		return false, nil
	}
	maxConn := a.MaxConnections
	if maxConn <= 0 {
		maxConn = 1
	}
	if len(a.InstallationIDs) >= maxConn {
		return false, fmt.Errorf("%w: %q (%d)", ErrMaxConnections, username, maxConn)
	}

	installs, err := encodeInstalls(append(a.InstallationIDs, id))
	if err != nil {
		return false, fmt.Errorf("accountdb: bind installation %q: %w", username, err)
	}
	if _, err := tx.Exec(`UPDATE accounts SET installation_ids = ? WHERE username = ?`, installs, username); err != nil {
		return false, fmt.Errorf("accountdb: bind installation %q: %w", username, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("accountdb: commit bind: %w", err)
	}
	return true, nil
}

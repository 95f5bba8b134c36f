package storage

// sqlite.go: estado de los mercados en SQLite (pure Go, sin CGo).
//
// Estrategia:
//   - Una tabla por entidad con su clave natural; el registro completo va en
//     `data` como JSON. Solo se extraen a columnas los campos por los que se filtra.
//   - `balances`: ledger de cuentas (user:, custody:, treasury:, bonding:).
//   - `events`: auditoría append-only, en orden de emisión.
//   - Cada operación del engine es UNA transacción: si algo falla no queda
//     ningún write a medias.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alejandrodnm/forecast/internal/domain"
	"github.com/alejandrodnm/forecast/internal/ports"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS markets (
    market_id  TEXT PRIMARY KEY,
    data       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS epochs (
    market_id  TEXT    NOT NULL,
    epoch_id   INTEGER NOT NULL,
    resolved   INTEGER NOT NULL DEFAULT 0,
    data       TEXT    NOT NULL,
    PRIMARY KEY (market_id, epoch_id)
);

CREATE TABLE IF NOT EXISTS positions (
    market_id  TEXT    NOT NULL,
    epoch_id   INTEGER NOT NULL,
    wallet     TEXT    NOT NULL,
    data       TEXT    NOT NULL,
    PRIMARY KEY (market_id, epoch_id, wallet)
);

CREATE TABLE IF NOT EXISTS win_streaks (
    market_id  TEXT NOT NULL,
    wallet     TEXT NOT NULL,
    data       TEXT NOT NULL,
    PRIMARY KEY (market_id, wallet)
);

CREATE TABLE IF NOT EXISTS sybil_config (
    market_id  TEXT PRIMARY KEY,
    data       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS wallets (
    market_id  TEXT    NOT NULL,
    wallet     TEXT    NOT NULL,
    risk_score INTEGER NOT NULL DEFAULT 0,
    data       TEXT    NOT NULL,
    PRIMARY KEY (market_id, wallet)
);

CREATE TABLE IF NOT EXISTS funding_sources (
    market_id  TEXT NOT NULL,
    source     TEXT NOT NULL,
    data       TEXT NOT NULL,
    PRIMARY KEY (market_id, source)
);

CREATE TABLE IF NOT EXISTS clusters (
    market_id  TEXT    NOT NULL,
    cluster_id INTEGER NOT NULL,
    data       TEXT    NOT NULL,
    PRIMARY KEY (market_id, cluster_id)
);

CREATE TABLE IF NOT EXISTS balances (
    account    TEXT PRIMARY KEY,
    amount     INTEGER NOT NULL DEFAULT 0 CHECK (amount >= 0)
);

CREATE TABLE IF NOT EXISTS events (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT    NOT NULL UNIQUE,
    market_id  TEXT    NOT NULL,
    kind       TEXT    NOT NULL,
    epoch_id   INTEGER NOT NULL DEFAULT 0,
    wallet     TEXT    NOT NULL DEFAULT '',
    amount     INTEGER NOT NULL DEFAULT 0,
    ts         INTEGER NOT NULL,
    data       TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_positions_epoch ON positions(market_id, epoch_id);
CREATE INDEX IF NOT EXISTS idx_positions_wallet ON positions(market_id, wallet, epoch_id);
CREATE INDEX IF NOT EXISTS idx_wallets_risk    ON wallets(market_id, risk_score DESC);
CREATE INDEX IF NOT EXISTS idx_events_kind     ON events(market_id, kind);
CREATE INDEX IF NOT EXISTS idx_events_epoch    ON events(market_id, epoch_id);
`

// SQLiteStorage implementa ports.Store usando SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ ports.Store = (*SQLiteStorage)(nil)

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada y aplica el schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Tx ejecuta fn dentro de una transacción. Commit solo si fn no devuelve error.
func (s *SQLiteStorage) Tx(ctx context.Context, fn func(ports.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.Tx: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.Tx: commit: %w", err)
	}
	return nil
}

// Credit adds amount to acct outside any signer check. It backs the
// operator faucet used to fund wallets in development.
func (s *SQLiteStorage) Credit(ctx context.Context, acct domain.AccountID, amount uint64) error {
	return s.Tx(ctx, func(tx ports.Tx) error {
		return tx.(*sqlTx).credit(ctx, acct, amount)
	})
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// sqlTx implements ports.Tx over one *sql.Tx.
type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Ledger() ports.Ledger { return &sqlLedger{t: t} }

// --- Market config ---

func (t *sqlTx) LoadConfig(ctx context.Context, marketID string) (domain.MarketConfig, error) {
	var cfg domain.MarketConfig
	found, err := t.getJSON(ctx, &cfg, `SELECT data FROM markets WHERE market_id = ?`, marketID)
	if err != nil {
		return cfg, fmt.Errorf("storage.LoadConfig: %w", err)
	}
	if !found {
		return cfg, fmt.Errorf("storage.LoadConfig: %s: %w", marketID, domain.ErrNotInitialized)
	}
	return cfg, nil
}

func (t *sqlTx) SaveConfig(ctx context.Context, cfg domain.MarketConfig) error {
	if err := t.putJSON(ctx, cfg, `
		INSERT INTO markets (market_id, data) VALUES (?, ?)
		ON CONFLICT(market_id) DO UPDATE SET data = excluded.data`, cfg.MarketID); err != nil {
		return fmt.Errorf("storage.SaveConfig: %w", err)
	}
	return nil
}

// --- Epochs ---

func (t *sqlTx) LoadEpoch(ctx context.Context, marketID string, id uint64) (domain.Epoch, error) {
	var e domain.Epoch
	found, err := t.getJSON(ctx, &e, `SELECT data FROM epochs WHERE market_id = ? AND epoch_id = ?`, marketID, int64(id))
	if err != nil {
		return e, fmt.Errorf("storage.LoadEpoch: %w", err)
	}
	if !found {
		return e, fmt.Errorf("storage.LoadEpoch: epoch %d: %w", id, domain.ErrEpochNotFound)
	}
	return e, nil
}

func (t *sqlTx) SaveEpoch(ctx context.Context, marketID string, e domain.Epoch) error {
	if err := t.putJSON(ctx, e, `
		INSERT INTO epochs (market_id, epoch_id, resolved, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(market_id, epoch_id) DO UPDATE SET
			resolved = excluded.resolved,
			data     = excluded.data`, marketID, int64(e.ID), boolInt(e.IsResolved)); err != nil {
		return fmt.Errorf("storage.SaveEpoch: %w", err)
	}
	return nil
}

func (t *sqlTx) ListEpochs(ctx context.Context, marketID string, limit int) ([]domain.Epoch, error) {
	if limit <= 0 {
		limit = -1 // SQLite: sin límite
	}
	var out []domain.Epoch
	err := t.listJSON(ctx, func(raw []byte) error {
		var e domain.Epoch
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	}, `SELECT data FROM epochs WHERE market_id = ? ORDER BY epoch_id DESC LIMIT ?`, marketID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.ListEpochs: %w", err)
	}
	return out, nil
}

// --- Positions ---

func (t *sqlTx) LoadPosition(ctx context.Context, marketID string, epochID uint64, wallet string) (domain.UserPosition, bool, error) {
	var p domain.UserPosition
	found, err := t.getJSON(ctx, &p,
		`SELECT data FROM positions WHERE market_id = ? AND epoch_id = ? AND wallet = ?`,
		marketID, int64(epochID), wallet)
	if err != nil {
		return p, false, fmt.Errorf("storage.LoadPosition: %w", err)
	}
	return p, found, nil
}

func (t *sqlTx) SavePosition(ctx context.Context, marketID string, p domain.UserPosition) error {
	if err := t.putJSON(ctx, p, `
		INSERT INTO positions (market_id, epoch_id, wallet, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(market_id, epoch_id, wallet) DO UPDATE SET data = excluded.data`,
		marketID, int64(p.EpochID), p.Wallet); err != nil {
		return fmt.Errorf("storage.SavePosition: %w", err)
	}
	return nil
}

func (t *sqlTx) ListPositions(ctx context.Context, marketID string, epochID uint64) ([]domain.UserPosition, error) {
	var out []domain.UserPosition
	err := t.listJSON(ctx, func(raw []byte) error {
		var p domain.UserPosition
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	}, `SELECT data FROM positions WHERE market_id = ? AND epoch_id = ? ORDER BY wallet`, marketID, int64(epochID))
	if err != nil {
		return nil, fmt.Errorf("storage.ListPositions: %w", err)
	}
	return out, nil
}

// ListWalletPositions devuelve las posiciones de una wallet en orden de epoch ascendente.
func (t *sqlTx) ListWalletPositions(ctx context.Context, marketID, wallet string) ([]domain.UserPosition, error) {
	var out []domain.UserPosition
	err := t.listJSON(ctx, func(raw []byte) error {
		var p domain.UserPosition
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	}, `SELECT data FROM positions WHERE market_id = ? AND wallet = ? ORDER BY epoch_id`, marketID, wallet)
	if err != nil {
		return nil, fmt.Errorf("storage.ListWalletPositions: %w", err)
	}
	return out, nil
}

// --- Win streaks ---

func (t *sqlTx) LoadStreak(ctx context.Context, marketID, wallet string) (domain.UserWinStreak, error) {
	s := domain.NewWinStreak(wallet)
	if _, err := t.getJSON(ctx, &s, `SELECT data FROM win_streaks WHERE market_id = ? AND wallet = ?`, marketID, wallet); err != nil {
		return s, fmt.Errorf("storage.LoadStreak: %w", err)
	}
	return s, nil
}

func (t *sqlTx) SaveStreak(ctx context.Context, marketID string, s domain.UserWinStreak) error {
	if err := t.putJSON(ctx, s, `
		INSERT INTO win_streaks (market_id, wallet, data) VALUES (?, ?, ?)
		ON CONFLICT(market_id, wallet) DO UPDATE SET data = excluded.data`, marketID, s.Wallet); err != nil {
		return fmt.Errorf("storage.SaveStreak: %w", err)
	}
	return nil
}

// --- helpers internos ---

// getJSON decodes the single `data` column selected by query into dest. It
// reports false, leaving dest untouched, when no row matches.
func (t *sqlTx) getJSON(ctx context.Context, dest any, query string, args ...any) (bool, error) {
	var raw []byte
	err := t.tx.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode: %w", err)
	}
	return true, nil
}

// putJSON encodes v and executes query with the key args followed by the
// encoded data as the last placeholder.
func (t *sqlTx) putJSON(ctx context.Context, v any, query string, keys ...any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	args := append(keys, string(raw))
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

func (t *sqlTx) listJSON(ctx context.Context, each func([]byte) error, query string, args ...any) error {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		if err := each(raw); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
	}
	return rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

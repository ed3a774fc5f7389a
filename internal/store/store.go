package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("record not found")

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	tx_ref     TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS acks (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	tx_ref     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	success    INTEGER NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	peer_addr  TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_acks_tx_ref ON acks(tx_ref);
CREATE TABLE IF NOT EXISTS balances (
	address      TEXT PRIMARY KEY,
	balance      TEXT NOT NULL,
	nonce        INTEGER NOT NULL,
	block_number INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
`

type AckRecord struct {
	TxRef     string
	Kind      string
	Success   bool
	Error     string
	PeerAddr  string
	CreatedAt time.Time
}

type TxRecord struct {
	TxRef     string
	Payload   string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type BalanceRecord struct {
	Address     string
	Balance     string
	Nonce       uint64
	BlockNumber int64
	UpdatedAt   time.Time
}

// DB is the node's local ledger of relayed artifacts.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite serializes writes itself; one connection avoids
	// SQLITE_BUSY churn under concurrent handlers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{db: db, now: time.Now}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) SaveAck(ctx context.Context, txRef, kind string, success bool, errMsg, peerAddr string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO acks (tx_ref, kind, success, error, peer_addr, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		txRef, kind, boolInt(success), errMsg, peerAddr, d.now().Unix())
	return err
}

func (d *DB) SaveTransaction(ctx context.Context, txRef, payload, status string) error {
	now := d.now().Unix()
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO transactions (tx_ref, payload, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(tx_ref) DO UPDATE SET payload = excluded.payload, status = excluded.status, updated_at = excluded.updated_at`,
		txRef, payload, status, now, now)
	return err
}

func (d *DB) UpsertBalance(ctx context.Context, address, balance string, nonce uint64, blockNumber int64) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO balances (address, balance, nonce, block_number, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET balance = excluded.balance, nonce = excluded.nonce,
		 block_number = excluded.block_number, updated_at = excluded.updated_at`,
		address, balance, nonce, blockNumber, d.now().Unix())
	return err
}

func (d *DB) GetTransaction(ctx context.Context, txRef string) (TxRecord, error) {
	var rec TxRecord
	var created, updated int64
	err := d.db.QueryRowContext(ctx,
		`SELECT tx_ref, payload, status, created_at, updated_at FROM transactions WHERE tx_ref = ?`,
		txRef).Scan(&rec.TxRef, &rec.Payload, &rec.Status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return TxRecord{}, ErrNotFound
	}
	if err != nil {
		return TxRecord{}, err
	}
	rec.CreatedAt = time.Unix(created, 0)
	rec.UpdatedAt = time.Unix(updated, 0)
	return rec, nil
}

func (d *DB) AcksFor(ctx context.Context, txRef string) ([]AckRecord, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT tx_ref, kind, success, error, peer_addr, created_at FROM acks WHERE tx_ref = ? ORDER BY id`,
		txRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AckRecord
	for rows.Next() {
		var rec AckRecord
		var success int
		var created int64
		if err := rows.Scan(&rec.TxRef, &rec.Kind, &success, &rec.Error, &rec.PeerAddr, &created); err != nil {
			return nil, err
		}
		rec.Success = success != 0
		rec.CreatedAt = time.Unix(created, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (d *DB) GetBalance(ctx context.Context, address string) (BalanceRecord, error) {
	var rec BalanceRecord
	var updated int64
	err := d.db.QueryRowContext(ctx,
		`SELECT address, balance, nonce, block_number, updated_at FROM balances WHERE address = ?`,
		address).Scan(&rec.Address, &rec.Balance, &rec.Nonce, &rec.BlockNumber, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return BalanceRecord{}, ErrNotFound
	}
	if err != nil {
		return BalanceRecord{}, err
	}
	rec.UpdatedAt = time.Unix(updated, 0)
	return rec, nil
}

func (d *DB) RecentTransactions(ctx context.Context, limit int) ([]TxRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT tx_ref, payload, status, created_at, updated_at FROM transactions ORDER BY updated_at DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TxRecord
	for rows.Next() {
		var rec TxRecord
		var created, updated int64
		if err := rows.Scan(&rec.TxRef, &rec.Payload, &rec.Status, &created, &updated); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.Unix(created, 0)
		rec.UpdatedAt = time.Unix(updated, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

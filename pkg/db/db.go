// Package db persists users, broker links, trades and OAuth token state in
// SQLite.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotOpen        = errors.New("trade is not open")
	ErrDuplicateOrder = errors.New("venue order id already recorded")
	ErrBrokerLimit    = errors.New("broker link limit reached")
	ErrNoCipher       = errors.New("credential cipher not configured")
)

// Cipher seals secrets before they reach disk. aad binds a ciphertext to
// the row that owns it.
type Cipher interface {
	Seal(plaintext, aad string) (string, error)
	Open(ciphertext, aad string) (string, error)
}

// Database wraps the SQL handle and the credential cipher.
type Database struct {
	DB     *sql.DB
	cipher Cipher
	now    func() time.Time
}

// New opens (and creates if needed) the SQLite database at path and applies
// the schema. ":memory:" gives a private in-memory store.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	handle.SetMaxOpenConns(1) // single writer; also keeps :memory: on one connection
	handle.SetConnMaxLifetime(0)

	d := &Database{DB: handle, now: time.Now}
	if err := ApplyMigrations(d); err != nil {
		handle.Close()
		return nil, err
	}
	return d, nil
}

// SetCipher installs the cipher used for credentials and tokens.
func (d *Database) SetCipher(c Cipher) { d.cipher = c }

// SetClock overrides the wall clock; tests use it to cross day boundaries.
func (d *Database) SetClock(now func() time.Time) { d.now = now }

// Ping reports whether the store answers queries.
func (d *Database) Ping(ctx context.Context) error {
	if d == nil || d.DB == nil {
		return errors.New("database is not initialized")
	}
	return d.DB.PingContext(ctx)
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}

func (d *Database) today() string {
	return d.now().UTC().Format(time.DateOnly)
}

func (d *Database) seal(plain, aad string) (string, error) {
	if plain == "" {
		return "", nil
	}
	if d.cipher == nil {
		return "", ErrNoCipher
	}
	return d.cipher.Seal(plain, aad)
}

func (d *Database) open(sealed, aad string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	if d.cipher == nil {
		return "", ErrNoCipher
	}
	return d.cipher.Open(sealed, aad)
}

// resealer is implemented by ciphers that rotate keys.
type resealer interface {
	Reseal(ciphertext, aad string) (string, error)
}

// reseal re-encrypts a value that was opened successfully but sealed under an
// older key. ok is false when there is nothing to rewrite.
func (d *Database) reseal(sealed, aad string) (string, bool, error) {
	r, can := d.cipher.(resealer)
	if !can || sealed == "" {
		return "", false, nil
	}
	fresh, err := r.Reseal(sealed, aad)
	if err != nil {
		return "", false, err
	}
	return fresh, fresh != sealed, nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (d *Database) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func ownerAAD(userID, venue, field string) string {
	return userID + ":" + venue + ":" + field
}

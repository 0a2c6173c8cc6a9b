package testkit

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var errNoSQL = errors.New("testkit: raw SQL is not supported by the in-memory store")

// Tx is an in-memory pgx.Tx. Row locks taken through the store are held
// until Commit or Rollback; Rollback undoes every write made through it.
type Tx struct {
	store *MemStore
	undo  []func()
	held  map[string]*sync.Mutex
	done  bool
}

var _ pgx.Tx = (*Tx)(nil)

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("testkit: nested transactions are not supported")
}

func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	if err := t.store.takeInjected("Commit"); err != nil {
		t.rollback()
		return err
	}
	t.undo = nil
	t.release()
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.rollback()
	return nil
}

func (t *Tx) rollback() {
	t.store.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.store.mu.Unlock()
	t.undo = nil
	t.release()
}

func (t *Tx) release() {
	t.done = true
	for _, l := range t.held {
		l.Unlock()
	}
	t.held = nil
}

// lock acquires the named row lock once per transaction.
func (t *Tx) lock(key string) {
	if _, ok := t.held[key]; ok {
		return
	}
	l := t.store.rowLock(key)
	l.Lock()
	t.held[key] = l
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errNoSQL
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, errNoSQL }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return errRow{} }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errNoSQL
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errNoSQL
}
func (t *Tx) Conn() *pgx.Conn { return nil }

type errRow struct{}

func (errRow) Scan(...any) error { return errNoSQL }

func walletKey(id uuid.UUID) string          { return "wallet:" + id.String() }
func purchaseKey(provider, id string) string { return "purchase:" + provider + ":" + id }

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Tx is a read-modify-write view of the store. Every write made through a Tx
// commits together or not at all.
type Tx struct {
	tx  *sql.Tx
	now time.Time
}

// Now is the write time stamped on every change made in this transaction.
func (tx *Tx) Now() time.Time {
	return tx.now
}

// Update runs fn in a transaction and commits if it returns nil.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	tx := &Tx{tx: sqlTx, now: db.clock.Now()}
	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// View runs fn in a transaction that is always rolled back.
func (db *DB) View(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer sqlTx.Rollback()
	return fn(&Tx{tx: sqlTx, now: db.clock.Now()})
}

// Mutation is one record write inside Save. Exactly one field is set. The
// record's Version must equal the stored version (zero for new records).
type Mutation struct {
	Item      *Item
	Recipient *Recipient
}

// SaveItem wraps an item in a Mutation.
func SaveItem(it *Item) Mutation { return Mutation{Item: it} }

// SaveRecipient wraps a recipient in a Mutation.
func SaveRecipient(r *Recipient) Mutation { return Mutation{Recipient: r} }

// Save applies mutations atomically. If any record changed since it was
// read, nothing is written and a *ConflictError is returned.
func (db *DB) Save(ctx context.Context, muts ...Mutation) error {
	return db.Update(ctx, func(tx *Tx) error {
		for _, m := range muts {
			switch {
			case m.Item != nil:
				cur, err := tx.itemVersion(m.Item.ID)
				if err != nil {
					return err
				}
				if cur != m.Item.Version {
					return &ConflictError{Kind: "item", ID: m.Item.ID}
				}
				if err := tx.PutItem(m.Item); err != nil {
					return err
				}
			case m.Recipient != nil:
				cur, err := tx.recipientVersion(m.Recipient.ID)
				if err != nil {
					return err
				}
				if cur != m.Recipient.Version {
					return &ConflictError{Kind: "recipient", ID: m.Recipient.ID}
				}
				if err := tx.PutRecipient(m.Recipient); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (tx *Tx) itemVersion(id string) (int64, error) {
	var v int64
	err := tx.tx.QueryRow(`SELECT version FROM items WHERE id = ?`, id).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("item version: %w", err)
	}
	return v, nil
}

func (tx *Tx) recipientVersion(id string) (int64, error) {
	var v int64
	err := tx.tx.QueryRow(`SELECT version FROM recipients WHERE id = ?`, id).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("recipient version: %w", err)
	}
	return v, nil
}

type scanner interface {
	Scan(dest ...any) error
}

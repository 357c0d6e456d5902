package sequence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
)

const counterName = "campaign_id"

// ErrExhausted is returned when the backing counter reaches its numeric
// ceiling. Practically unreachable with 64-bit ids.
var ErrExhausted = errors.New("identity space exhausted")

// Sequencer issues unique, strictly increasing campaign ids. It is backed by
// a single counter row owned by the store, never by max(id)+1 over existing
// rows; two transactions computing max concurrently would both get the same
// value, which is exactly the bug this type exists to eliminate.
type Sequencer struct {
	DB *sql.DB
}

// Next allocates the next id in its own transaction.
func (s Sequencer) Next(ctx context.Context) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	id, err := s.NextTx(ctx, tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// NextTx allocates the next id inside the caller's transaction. The UPDATE
// holds the counter row for the rest of the transaction, so concurrent
// creators serialize on it and no value is ever handed out twice.
func (s Sequencer) NextTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	var value int64
	err := tx.QueryRowContext(ctx, `UPDATE sequences SET value=value+1 WHERE name=? RETURNING value`, counterName).Scan(&value)
	if err == sql.ErrNoRows {
		// First run against a schema that predates the counter: seed it from
		// the highest id already issued. The primary key on name is the
		// cross-process exclusion; a concurrent first run loses the INSERT
		// and both proceed through the atomic UPDATE.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sequences(name, value) SELECT ?, COALESCE(MAX(id), 0) FROM campaigns WHERE true ON CONFLICT(name) DO NOTHING`,
			counterName); err != nil {
			return 0, fmt.Errorf("seed sequence: %w", err)
		}
		err = tx.QueryRowContext(ctx, `UPDATE sequences SET value=value+1 WHERE name=? RETURNING value`, counterName).Scan(&value)
	}
	if err != nil {
		return 0, fmt.Errorf("advance sequence: %w", err)
	}
	if value <= 0 || value == math.MaxInt64 {
		return 0, ErrExhausted
	}
	return value, nil
}

package intent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tavolo/paycore/internal/orderref"
)

// PostgresStore persists payment intents in PostgreSQL. Per-intent
// serialization in Mutate uses a transactional SELECT ... FOR UPDATE row
// lock; concurrent applies for the same intent queue on the row while
// applies for different intents proceed in parallel.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed intent store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const intentColumns = `id, kind, primary_id, secondary_id, reference, amount, currency,
		       status, optimistic, confirmed, degraded, amount_mismatch,
		       transaction_code, created_at, expires_at`

func (p *PostgresStore) Create(ctx context.Context, it *Intent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_intents (
			id, kind, primary_id, secondary_id, reference, amount, currency,
			status, optimistic, confirmed, degraded, amount_mismatch,
			transaction_code, created_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15
		)`,
		it.ID, string(it.Reference.Kind), it.Reference.PrimaryID,
		nullString(it.Reference.SecondaryID), it.Reference.String(),
		it.Amount, it.Currency,
		string(it.Status), it.Optimistic, it.Confirmed, it.Degraded, it.AmountMismatch,
		nullString(it.TransactionCode), it.CreatedAt, it.ExpiresAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrIntentExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Intent, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id)

	it, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadSignals(ctx, p.db, it); err != nil {
		return nil, err
	}
	return it, nil
}

func (p *PostgresStore) Mutate(ctx context.Context, id string, fn func(it *Intent) (bool, error)) (*Intent, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE id = $1 FOR UPDATE`, id)

	it, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadSignals(ctx, tx, it); err != nil {
		return nil, err
	}

	priorSignals := len(it.Signals)
	changed, err := fn(it)
	if err != nil {
		return nil, err
	}
	if !changed {
		return it, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payment_intents SET
			status = $1, optimistic = $2, confirmed = $3,
			amount_mismatch = $4, transaction_code = $5
		WHERE id = $6`,
		string(it.Status), it.Optimistic, it.Confirmed,
		it.AmountMismatch, nullString(it.TransactionCode), it.ID,
	)
	if err != nil {
		return nil, err
	}

	for _, sig := range it.Signals[priorSignals:] {
		if err := insertSignal(ctx, tx, it.ID, sig); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return it, nil
}

func (p *PostgresStore) RecordDispatchResult(ctx context.Context, intentID, signalID, dispatchErr string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE payment_signals SET dispatch_error = $1
		WHERE intent_id = $2 AND id = $3`,
		nullString(dispatchErr), intentID, signalID,
	)
	return err
}

func (p *PostgresStore) FindByOrder(ctx context.Context, kind string, orderID string) (*Intent, error) {
	// Table references carry the order id in the secondary slot.
	idColumn := "primary_id"
	if orderref.Kind(kind) == orderref.KindTable {
		idColumn = "secondary_id"
	}

	row := p.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT `+intentColumns+`
		FROM payment_intents
		WHERE kind = $1 AND %s = $2
		ORDER BY created_at DESC
		LIMIT 1`, idColumn), kind, orderID)

	it, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadSignals(ctx, p.db, it); err != nil {
		return nil, err
	}
	return it, nil
}

func (p *PostgresStore) FindByReference(ctx context.Context, rawRef string) (*Intent, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+intentColumns+`
		FROM payment_intents
		WHERE reference = $1
		ORDER BY created_at DESC
		LIMIT 1`, rawRef)

	it, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadSignals(ctx, p.db, it); err != nil {
		return nil, err
	}
	return it, nil
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Intent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+intentColumns+`
		FROM payment_intents
		WHERE status = 'PENDING' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Intent
	for rows.Next() {
		it, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, it)
	}
	return result, rows.Err()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (p *PostgresStore) loadSignals(ctx context.Context, q querier, it *Intent) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, source, verified, claimed_status, transaction_code,
		       raw_reference, amount, currency, received_at, dispatch_error
		FROM payment_signals
		WHERE intent_id = $1
		ORDER BY received_at ASC, id ASC`, it.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			sig           SignalEvent
			source        string
			claimedStatus string
			txCode        sql.NullString
			rawRef        sql.NullString
			dispatchErr   sql.NullString
		)
		err := rows.Scan(
			&sig.ID, &source, &sig.Verified, &claimedStatus, &txCode,
			&rawRef, &sig.Amount, &sig.Currency, &sig.ReceivedAt, &dispatchErr,
		)
		if err != nil {
			return err
		}
		sig.Source = Source(source)
		sig.ClaimedStatus = Status(claimedStatus)
		sig.TransactionCode = txCode.String
		sig.RawReference = rawRef.String
		sig.DispatchError = dispatchErr.String
		it.Signals = append(it.Signals, sig)
	}
	return rows.Err()
}

func insertSignal(ctx context.Context, tx *sql.Tx, intentID string, sig SignalEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO payment_signals (
			id, intent_id, source, verified, claimed_status, transaction_code,
			raw_reference, amount, currency, received_at, dispatch_error
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11
		)`,
		sig.ID, intentID, string(sig.Source), sig.Verified, string(sig.ClaimedStatus),
		nullString(sig.TransactionCode), nullString(sig.RawReference),
		sig.Amount, sig.Currency, sig.ReceivedAt, nullString(sig.DispatchError),
	)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIntent(s scanner) (*Intent, error) {
	it := &Intent{}
	var (
		kind        string
		secondaryID sql.NullString
		reference   string
		status      string
		txCode      sql.NullString
	)

	err := s.Scan(
		&it.ID, &kind, &it.Reference.PrimaryID, &secondaryID, &reference,
		&it.Amount, &it.Currency,
		&status, &it.Optimistic, &it.Confirmed, &it.Degraded, &it.AmountMismatch,
		&txCode, &it.CreatedAt, &it.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	it.Reference.Kind = orderref.Kind(kind)
	it.Reference.SecondaryID = secondaryID.String
	it.Status = Status(status)
	it.TransactionCode = txCode.String
	return it, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertions that both stores implement Store.
var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

package sagadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"orderflow/internal/saga"
)

// Store persists saga instances in Postgres with optimistic concurrency:
// every save carries the version the writer read, and a stale write affects
// zero rows.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store backed by Postgres.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewStoreWithSchema initializes the schema then returns the store.
func NewStoreWithSchema(ctx context.Context, db *sql.DB) (*Store, error) {
	store := NewStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the saga table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS order_sagas (
			order_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			customer_id TEXT NOT NULL,
			amount_cents BIGINT NOT NULL,
			restaurant_id TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			payment_processed_at TIMESTAMPTZ,
			kitchen_confirmed_at TIMESTAMPTZ,
			version BIGINT NOT NULL
		)`)
	return err
}

// Load fetches one instance by order id.
func (s *Store) Load(ctx context.Context, orderID string) (saga.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, state, customer_id, amount_cents, restaurant_id,
		       failure_reason, created_at, payment_processed_at,
		       kitchen_confirmed_at, version
		FROM order_sagas
		WHERE order_id = $1`,
		orderID,
	)
	return scanInstance(row)
}

// Save inserts the instance when expectedVersion is zero, otherwise updates
// it only if the stored version still matches.
func (s *Store) Save(ctx context.Context, inst saga.Instance, expectedVersion int64) error {
	inst.Version = expectedVersion + 1

	if expectedVersion == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO order_sagas (order_id, state, customer_id, amount_cents,
				restaurant_id, failure_reason, created_at,
				payment_processed_at, kitchen_confirmed_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (order_id) DO NOTHING`,
			inst.OrderID, inst.State, inst.CustomerID, inst.AmountCents,
			inst.RestaurantID, inst.FailureReason, inst.CreatedAt,
			inst.PaymentProcessedAt, inst.KitchenConfirmedAt, inst.Version,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return saga.ErrVersionConflict
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE order_sagas
		SET state = $2, restaurant_id = $3, failure_reason = $4,
		    payment_processed_at = $5, kitchen_confirmed_at = $6, version = $7
		WHERE order_id = $1 AND version = $8`,
		inst.OrderID, inst.State, inst.RestaurantID, inst.FailureReason,
		inst.PaymentProcessedAt, inst.KitchenConfirmedAt, inst.Version,
		expectedVersion,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, loadErr := s.Load(ctx, inst.OrderID); errors.Is(loadErr, saga.ErrNotFound) {
			return saga.ErrNotFound
		}
		return saga.ErrVersionConflict
	}
	return nil
}

// Pending returns all non-terminal instances.
func (s *Store) Pending(ctx context.Context) ([]saga.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, state, customer_id, amount_cents, restaurant_id,
		       failure_reason, created_at, payment_processed_at,
		       kitchen_confirmed_at, version
		FROM order_sagas
		WHERE state NOT IN ($1, $2)`,
		saga.StateCompleted, saga.StateFailed,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []saga.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, inst)
	}
	return pending, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (saga.Instance, error) {
	var inst saga.Instance
	var state string
	var processedAt, confirmedAt sql.NullTime

	err := row.Scan(&inst.OrderID, &state, &inst.CustomerID, &inst.AmountCents,
		&inst.RestaurantID, &inst.FailureReason, &inst.CreatedAt,
		&processedAt, &confirmedAt, &inst.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.Instance{}, saga.ErrNotFound
	}
	if err != nil {
		return saga.Instance{}, fmt.Errorf("scan saga instance: %w", err)
	}

	inst.State = saga.State(state)
	if processedAt.Valid {
		t := processedAt.Time
		inst.PaymentProcessedAt = &t
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		inst.KitchenConfirmedAt = &t
	}
	return inst, nil
}

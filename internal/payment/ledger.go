package payment

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// LedgerGateway records charges in Postgres. The primary key on order_id
// makes the charge idempotent: a redelivered command finds the existing row
// and returns the payment id recorded the first time.
type LedgerGateway struct {
	db    *sql.DB
	newID func() string
}

// NewLedgerGateway constructs a Postgres-backed gateway.
func NewLedgerGateway(db *sql.DB) *LedgerGateway {
	return &LedgerGateway{db: db, newID: uuid.NewString}
}

// NewLedgerGatewayWithSchema initializes the schema then returns the gateway.
func NewLedgerGatewayWithSchema(ctx context.Context, db *sql.DB) (*LedgerGateway, error) {
	g := NewLedgerGateway(db)
	if err := g.InitSchema(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// InitSchema creates the payments table if it does not exist.
func (g *LedgerGateway) InitSchema(ctx context.Context) error {
	_, err := g.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payments (
			order_id TEXT PRIMARY KEY,
			payment_id TEXT NOT NULL,
			customer_id TEXT NOT NULL,
			amount_cents BIGINT NOT NULL,
			charged_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

func (g *LedgerGateway) Charge(ctx context.Context, orderID, customerID string, amountCents int64) (string, error) {
	if orderID == "" {
		return "", fmt.Errorf("order id required")
	}

	paymentID := g.newID()
	res, err := g.db.ExecContext(ctx, `
		INSERT INTO payments (order_id, payment_id, customer_id, amount_cents)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id) DO NOTHING`,
		orderID, paymentID, customerID, amountCents,
	)
	if err != nil {
		return "", err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected == 1 {
		return paymentID, nil
	}

	// already charged: surface the original payment id
	row := g.db.QueryRowContext(ctx, `SELECT payment_id FROM payments WHERE order_id = $1`, orderID)
	if err := row.Scan(&paymentID); err != nil {
		return "", fmt.Errorf("load existing charge for %s: %w", orderID, err)
	}
	return paymentID, nil
}

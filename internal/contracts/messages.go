package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes imperative commands from broadcast facts.
type Kind string

const (
	KindCommand Kind = "command"
	KindEvent   Kind = "event"
)

// Message type names carried on the wire.
const (
	TypeChargePayment    = "charge_payment"
	TypeConfirmKitchen   = "confirm_kitchen"
	TypeOrderPlaced      = "order_placed"
	TypePaymentProcessed = "payment_processed"
	TypeKitchenConfirmed = "kitchen_confirmed"
	TypeOrderRejected    = "order_rejected"
)

// Envelope is the immutable wire format for every message. The correlation
// id is the order id for all message types; consumers route on it.
type Envelope struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

// ChargePayment asks the payment worker to charge a customer for an order.
// Amounts are integer cents.
type ChargePayment struct {
	OrderID     string `json:"order_id"`
	CustomerID  string `json:"customer_id"`
	AmountCents int64  `json:"amount_cents"`
}

// ConfirmKitchen asks the kitchen worker to confirm an order can be prepared.
type ConfirmKitchen struct {
	OrderID      string `json:"order_id"`
	RestaurantID string `json:"restaurant_id"`
}

// OrderPlaced is published by the front door once an order is accepted.
type OrderPlaced struct {
	OrderID          string    `json:"order_id"`
	CustomerID       string    `json:"customer_id"`
	TotalAmountCents int64     `json:"total_amount_cents"`
	PlacedAt         time.Time `json:"placed_at"`
}

// PaymentProcessed is published by the payment worker after a charge.
type PaymentProcessed struct {
	OrderID     string    `json:"order_id"`
	PaymentID   string    `json:"payment_id"`
	AmountCents int64     `json:"amount_cents"`
	ProcessedAt time.Time `json:"processed_at"`
}

// KitchenConfirmed is published by the kitchen worker with a prep estimate.
type KitchenConfirmed struct {
	OrderID           string        `json:"order_id"`
	KitchenID         string        `json:"kitchen_id"`
	ConfirmedAt       time.Time     `json:"confirmed_at"`
	EstimatedPrepTime time.Duration `json:"estimated_prep_time"`
}

// OrderRejected terminates a saga: the charge or confirmation did not happen.
type OrderRejected struct {
	OrderID    string    `json:"order_id"`
	Reason     string    `json:"reason"`
	RejectedAt time.Time `json:"rejected_at"`
}

// ChargeCommandID returns the message id for the ChargePayment command of an
// order. Command ids are deterministic so a command re-emitted after a crash
// dedupes at the consumer instead of charging twice.
func ChargeCommandID(orderID string) string {
	return "charge-" + orderID
}

// ConfirmCommandID returns the message id for the ConfirmKitchen command.
func ConfirmCommandID(orderID string) string {
	return "confirm-" + orderID
}

// NewChargePayment wraps a ChargePayment command in an envelope.
func NewChargePayment(cmd ChargePayment, at time.Time) (Envelope, error) {
	return seal(ChargeCommandID(cmd.OrderID), KindCommand, TypeChargePayment, cmd.OrderID, at, cmd)
}

// NewConfirmKitchen wraps a ConfirmKitchen command in an envelope.
func NewConfirmKitchen(cmd ConfirmKitchen, at time.Time) (Envelope, error) {
	return seal(ConfirmCommandID(cmd.OrderID), KindCommand, TypeConfirmKitchen, cmd.OrderID, at, cmd)
}

// NewOrderPlaced wraps an OrderPlaced event in an envelope.
func NewOrderPlaced(evt OrderPlaced) (Envelope, error) {
	return seal(uuid.NewString(), KindEvent, TypeOrderPlaced, evt.OrderID, evt.PlacedAt, evt)
}

// NewPaymentProcessed wraps a PaymentProcessed event in an envelope.
func NewPaymentProcessed(evt PaymentProcessed) (Envelope, error) {
	return seal(uuid.NewString(), KindEvent, TypePaymentProcessed, evt.OrderID, evt.ProcessedAt, evt)
}

// NewKitchenConfirmed wraps a KitchenConfirmed event in an envelope.
func NewKitchenConfirmed(evt KitchenConfirmed) (Envelope, error) {
	return seal(uuid.NewString(), KindEvent, TypeKitchenConfirmed, evt.OrderID, evt.ConfirmedAt, evt)
}

// NewOrderRejected wraps an OrderRejected event in an envelope.
func NewOrderRejected(evt OrderRejected) (Envelope, error) {
	return seal(uuid.NewString(), KindEvent, TypeOrderRejected, evt.OrderID, evt.RejectedAt, evt)
}

func seal(id string, kind Kind, typ, correlationID string, at time.Time, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", typ, err)
	}
	return Envelope{
		ID:            id,
		Kind:          kind,
		Type:          typ,
		CorrelationID: correlationID,
		OccurredAt:    at.UTC(),
		Payload:       body,
	}, nil
}

// Decode unmarshals the envelope payload into out after checking the type.
func Decode(env Envelope, wantType string, out any) error {
	if env.Type != wantType {
		return fmt.Errorf("decode %s: envelope carries %s", wantType, env.Type)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("decode %s: %w", wantType, err)
	}
	return nil
}

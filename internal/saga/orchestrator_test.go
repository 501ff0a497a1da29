package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"orderflow/internal/broker"
	"orderflow/internal/contracts"
)

type sentCommand struct {
	queue string
	env   contracts.Envelope
}

type publisherSpy struct {
	mu       sync.Mutex
	commands []sentCommand
	events   []contracts.Envelope
	sendErr  error
}

func (p *publisherSpy) SendCommand(_ context.Context, queue string, env contracts.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.commands = append(p.commands, sentCommand{queue: queue, env: env})
	return nil
}

func (p *publisherSpy) PublishEvent(_ context.Context, env contracts.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, env)
	return nil
}

func (p *publisherSpy) sent() []sentCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentCommand(nil), p.commands...)
}

type orchestratorHarness struct {
	orch       *Orchestrator
	store      *MemoryStore
	publisher  *publisherSpy
	rejections *[]Rejection
}

func newHarness(t *testing.T) orchestratorHarness {
	t.Helper()
	store := NewMemoryStore()
	publisher := &publisherSpy{}
	var rejections []Rejection
	orch := New(Config{
		Store:           store,
		Commands:        publisher,
		Now:             func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) },
		NewRestaurantID: func() string { return "r-fixed" },
		OnReject:        func(r Rejection) { rejections = append(rejections, r) },
	})
	return orchestratorHarness{orch: orch, store: store, publisher: publisher, rejections: &rejections}
}

func placedEnvelope(t *testing.T, orderID string, amountCents int64) contracts.Envelope {
	t.Helper()
	env, err := contracts.NewOrderPlaced(contracts.OrderPlaced{
		OrderID:          orderID,
		CustomerID:       "c-1",
		TotalAmountCents: amountCents,
		PlacedAt:         time.Date(2025, 3, 1, 11, 59, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("seal order placed: %v", err)
	}
	return env
}

func processedEnvelope(t *testing.T, orderID string) contracts.Envelope {
	t.Helper()
	env, err := contracts.NewPaymentProcessed(contracts.PaymentProcessed{
		OrderID:     orderID,
		PaymentID:   "pay-1",
		AmountCents: 1250,
		ProcessedAt: time.Date(2025, 3, 1, 12, 0, 5, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("seal payment processed: %v", err)
	}
	return env
}

func confirmedEnvelope(t *testing.T, orderID string) contracts.Envelope {
	t.Helper()
	env, err := contracts.NewKitchenConfirmed(contracts.KitchenConfirmed{
		OrderID:           orderID,
		KitchenID:         "k-1",
		ConfirmedAt:       time.Date(2025, 3, 1, 12, 0, 9, 0, time.UTC),
		EstimatedPrepTime: 20 * time.Minute,
	})
	if err != nil {
		t.Fatalf("seal kitchen confirmed: %v", err)
	}
	return env
}

func TestOrderPlacedStartsSagaAndChargesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orch.Handle(ctx, placedEnvelope(t, "o-1", 1250)); err != nil {
		t.Fatalf("handle order placed: %v", err)
	}

	sent := h.publisher.sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 command, got %d", len(sent))
	}
	if sent[0].queue != broker.PaymentQueue {
		t.Fatalf("expected command on %q, got %q", broker.PaymentQueue, sent[0].queue)
	}
	if sent[0].env.ID != contracts.ChargeCommandID("o-1") {
		t.Fatalf("expected deterministic command id, got %q", sent[0].env.ID)
	}
	var charge contracts.ChargePayment
	if err := contracts.Decode(sent[0].env, contracts.TypeChargePayment, &charge); err != nil {
		t.Fatalf("decode charge: %v", err)
	}
	if charge.AmountCents != 1250 || charge.CustomerID != "c-1" {
		t.Fatalf("unexpected charge payload: %+v", charge)
	}

	inst, err := h.store.Load(ctx, "o-1")
	if err != nil {
		t.Fatalf("load instance: %v", err)
	}
	if inst.State != StateWaitingForPayment {
		t.Fatalf("expected waiting_for_payment, got %q", inst.State)
	}
	if inst.AmountCents != 1250 {
		t.Fatalf("expected amount 1250, got %d", inst.AmountCents)
	}
	if inst.Version != 1 {
		t.Fatalf("expected version 1, got %d", inst.Version)
	}
}

func TestDuplicateOrderPlacedIsDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orch.Handle(ctx, placedEnvelope(t, "o-1", 1250)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := h.orch.Handle(ctx, placedEnvelope(t, "o-1", 1250)); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}

	if got := len(h.publisher.sent()); got != 1 {
		t.Fatalf("expected 1 command after duplicate, got %d", got)
	}
	if len(*h.rejections) != 1 {
		t.Fatalf("expected 1 rejection, got %d", len(*h.rejections))
	}
	if (*h.rejections)[0].Reason != "instance already exists" {
		t.Fatalf("unexpected rejection reason %q", (*h.rejections)[0].Reason)
	}
}

func TestPaymentProcessedRequestsKitchenConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orch.Handle(ctx, placedEnvelope(t, "o-1", 1250)); err != nil {
		t.Fatalf("order placed: %v", err)
	}
	if err := h.orch.Handle(ctx, processedEnvelope(t, "o-1")); err != nil {
		t.Fatalf("payment processed: %v", err)
	}

	sent := h.publisher.sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(sent))
	}
	if sent[1].queue != broker.KitchenQueue {
		t.Fatalf("expected command on %q, got %q", broker.KitchenQueue, sent[1].queue)
	}
	if sent[1].env.ID != contracts.ConfirmCommandID("o-1") {
		t.Fatalf("expected deterministic command id, got %q", sent[1].env.ID)
	}
	var confirm contracts.ConfirmKitchen
	if err := contracts.Decode(sent[1].env, contracts.TypeConfirmKitchen, &confirm); err != nil {
		t.Fatalf("decode confirm: %v", err)
	}
	if confirm.RestaurantID != "r-fixed" {
		t.Fatalf("expected generated restaurant id, got %q", confirm.RestaurantID)
	}

	inst, err := h.store.Load(ctx, "o-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if inst.State != StateWaitingForKitchenConfirmation {
		t.Fatalf("expected waiting_for_kitchen_confirmation, got %q", inst.State)
	}
	if inst.PaymentProcessedAt == nil {
		t.Fatalf("expected payment timestamp to be set")
	}
}

func TestDuplicatePaymentProcessedIsDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_ = h.orch.Handle(ctx, placedEnvelope(t, "o-1", 1250))
	_ = h.orch.Handle(ctx, processedEnvelope(t, "o-1"))
	if err := h.orch.Handle(ctx, processedEnvelope(t, "o-1")); err != nil {
		t.Fatalf("duplicate payment processed: %v", err)
	}

	if got := len(h.publisher.sent()); got != 2 {
		t.Fatalf("expected 2 commands after duplicate, got %d", got)
	}
	if len(*h.rejections) != 1 {
		t.Fatalf("expected 1 rejection, got %d", len(*h.rejections))
	}
}

func TestHappyPathCompletesSaga(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_ = h.orch.Handle(ctx, placedEnvelope(t, "o-1", 1250))
	_ = h.orch.Handle(ctx, processedEnvelope(t, "o-1"))
	if err := h.orch.Handle(ctx, confirmedEnvelope(t, "o-1")); err != nil {
		t.Fatalf("kitchen confirmed: %v", err)
	}

	inst, err := h.store.Load(ctx, "o-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if inst.State != StateCompleted {
		t.Fatalf("expected completed, got %q", inst.State)
	}
	if inst.RestaurantID != "k-1" {
		t.Fatalf("expected restaurant id from confirmation, got %q", inst.RestaurantID)
	}
	if inst.KitchenConfirmedAt == nil {
		t.Fatalf("expected confirmation timestamp to be set")
	}
	if inst.Version != 3 {
		t.Fatalf("expected version 3 after three transitions, got %d", inst.Version)
	}
	if len(*h.rejections) != 0 {
		t.Fatalf("expected no rejections, got %+v", *h.rejections)
	}
}

func TestOrderRejectedFailsSaga(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_ = h.orch.Handle(ctx, placedEnvelope(t, "o-1", 1250))

	env, err := contracts.NewOrderRejected(contracts.OrderRejected{
		OrderID:    "o-1",
		Reason:     "payment failed: card declined",
		RejectedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seal rejection: %v", err)
	}
	if err := h.orch.Handle(ctx, env); err != nil {
		t.Fatalf("handle rejection: %v", err)
	}

	inst, err := h.store.Load(ctx, "o-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if inst.State != StateFailed {
		t.Fatalf("expected failed, got %q", inst.State)
	}
	if inst.FailureReason != "payment failed: card declined" {
		t.Fatalf("unexpected failure reason %q", inst.FailureReason)
	}
}

func TestOrderRejectedOnTerminalSagaIsDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_ = h.orch.Handle(ctx, placedEnvelope(t, "o-1", 1250))
	_ = h.orch.Handle(ctx, processedEnvelope(t, "o-1"))
	_ = h.orch.Handle(ctx, confirmedEnvelope(t, "o-1"))

	env, err := contracts.NewOrderRejected(contracts.OrderRejected{
		OrderID:    "o-1",
		Reason:     "too late",
		RejectedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seal rejection: %v", err)
	}
	if err := h.orch.Handle(ctx, env); err != nil {
		t.Fatalf("handle rejection: %v", err)
	}

	inst, _ := h.store.Load(ctx, "o-1")
	if inst.State != StateCompleted {
		t.Fatalf("expected completed to stick, got %q", inst.State)
	}
	if len(*h.rejections) != 1 {
		t.Fatalf("expected 1 rejection, got %d", len(*h.rejections))
	}
	if (*h.rejections)[0].Reason != "instance is terminal" {
		t.Fatalf("unexpected rejection reason %q", (*h.rejections)[0].Reason)
	}
}

func TestEventForUnknownInstanceIsDropped(t *testing.T) {
	h := newHarness(t)

	if err := h.orch.Handle(context.Background(), processedEnvelope(t, "o-missing")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(*h.rejections) != 1 {
		t.Fatalf("expected 1 rejection, got %d", len(*h.rejections))
	}
	if (*h.rejections)[0].Reason != "unknown instance" {
		t.Fatalf("unexpected rejection reason %q", (*h.rejections)[0].Reason)
	}
	if got := len(h.publisher.sent()); got != 0 {
		t.Fatalf("expected no commands, got %d", got)
	}
}

func TestMissingCorrelationIDIsDropped(t *testing.T) {
	h := newHarness(t)

	env := placedEnvelope(t, "o-1", 1250)
	env.CorrelationID = ""
	if err := h.orch.Handle(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(*h.rejections) != 1 {
		t.Fatalf("expected 1 rejection, got %d", len(*h.rejections))
	}
}

func TestUnknownMessageTypeIsDropped(t *testing.T) {
	h := newHarness(t)

	env := placedEnvelope(t, "o-1", 1250)
	env.Type = "order_shipped"
	if err := h.orch.Handle(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(*h.rejections) != 1 {
		t.Fatalf("expected 1 rejection, got %d", len(*h.rejections))
	}
	if got := len(h.publisher.sent()); got != 0 {
		t.Fatalf("expected no commands, got %d", got)
	}
}

func TestCommandSendFailureLeavesInstanceUncreated(t *testing.T) {
	h := newHarness(t)
	h.publisher.sendErr = errors.New("broker down")

	if err := h.orch.Handle(context.Background(), placedEnvelope(t, "o-1", 1250)); err == nil {
		t.Fatalf("expected error when command send fails")
	}

	if _, err := h.store.Load(context.Background(), "o-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no instance after send failure, got %v", err)
	}
}

func TestTransitionCallbackObservesStates(t *testing.T) {
	store := NewMemoryStore()
	publisher := &publisherSpy{}
	var states []State
	orch := New(Config{
		Store:    store,
		Commands: publisher,
		OnTransition: func(_ string, to State) {
			states = append(states, to)
		},
	})
	ctx := context.Background()

	_ = orch.Handle(ctx, placedEnvelope(t, "o-1", 1250))
	_ = orch.Handle(ctx, processedEnvelope(t, "o-1"))
	_ = orch.Handle(ctx, confirmedEnvelope(t, "o-1"))

	want := []State{StateWaitingForPayment, StateWaitingForKitchenConfirmation, StateCompleted}
	if len(states) != len(want) {
		t.Fatalf("expected %d transitions, got %d", len(want), len(states))
	}
	for i, s := range want {
		if states[i] != s {
			t.Fatalf("transition %d: expected %q, got %q", i, s, states[i])
		}
	}
}

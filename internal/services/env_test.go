package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/pawmarket/pawmarket/internal/cache"
	"github.com/pawmarket/pawmarket/internal/models"
	"github.com/pawmarket/pawmarket/internal/stripe"
	"github.com/pawmarket/pawmarket/internal/telemetry"
)

type testEnv struct {
	db          *memDB
	inventory   *PetInventory
	orders      *OrderLedger
	adoptions   *AdoptionLedger
	ledger      *WebhookLedger
	coordinator *SettlementCoordinator
	checkout    *CheckoutService
	gateway     *fakeGateway
	notifier    *recordingNotifier
	publisher   *recordingPublisher
	dedupe      *cache.EventDeduper
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := newMemDB()
	notifier := &recordingNotifier{}
	publisher := &recordingPublisher{}
	gateway := &fakeGateway{sessions: make(map[string]*stripe.SessionStatus)}

	provider, err := cache.NewMemoryProvider(100)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	dedupe := cache.NewEventDeduper(provider, webhookSourceStripe, 0)

	inventory := NewPetInventory(memPets{db: mem}, logger)
	orders := NewOrderLedger(mem, memOrders{db: mem}, inventory, logger)
	ledger := NewWebhookLedger(memEvents{db: mem})

	return &testEnv{
		db:        mem,
		inventory: inventory,
		orders:    orders,
		adoptions: NewAdoptionLedger(mem, memApps{db: mem}, inventory, notifier, publisher, logger),
		ledger:    ledger,
		coordinator: NewSettlementCoordinator(SettlementDeps{
			Tx:        mem,
			Ledger:    ledger,
			Orders:    orders,
			Dedupe:    dedupe,
			Notifier:  notifier,
			Publisher: publisher,
			Logger:    logger,
		}),
		checkout:  NewCheckoutService(orders, ledger, gateway, publisher, logger),
		gateway:   gateway,
		notifier:  notifier,
		publisher: publisher,
		dedupe:    dedupe,
	}
}

func cents(v int64) *int64 { return &v }

func (e *testEnv) saleListing(name string, price int64) models.Pet {
	return e.db.addPet(models.Pet{Name: name, Category: "dog", PriceCents: cents(price)})
}

func (e *testEnv) adoptionListing(name string) models.Pet {
	return e.db.addPet(models.Pet{Name: name, Category: "cat", IsForAdoption: true})
}

func (e *testEnv) placeOrder(t *testing.T, buyer uuid.UUID, pets ...models.Pet) *models.Order {
	t.Helper()

	items := make([]OrderItemInput, 0, len(pets))
	for _, pet := range pets {
		items = append(items, OrderItemInput{PetID: pet.ID, PriceCents: pet.PriceCents})
	}
	order, err := e.orders.CreateOrder(context.Background(), CreateOrderInput{
		UserID:          buyer,
		BuyerEmail:      "buyer@example.com",
		Items:           items,
		ShippingAddress: "1 Kennel Road",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return order
}

// stripeEvent builds a verified event the way stripe.VerifyWebhookSignature
// would return it.
func stripeEvent(t *testing.T, id, eventType string, object map[string]any) *stripe.Event {
	t.Helper()

	rawObject, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("marshal object: %v", err)
	}
	payload, err := json.Marshal(map[string]any{
		"id":     id,
		"object": "event",
		"type":   eventType,
		"data":   map[string]json.RawMessage{"object": rawObject},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &stripe.Event{ID: id, Type: eventType, Object: rawObject, Payload: payload}
}

func checkoutCompleted(t *testing.T, id string, order *models.Order, paymentIntent string) *stripe.Event {
	return stripeEvent(t, id, EventCheckoutCompleted, map[string]any{
		"id":             "cs_" + id,
		"object":         "checkout.session",
		"payment_status": "paid",
		"payment_intent": paymentIntent,
		"metadata":       map[string]string{"order_id": order.ID.String()},
	})
}

func chargeRefunded(t *testing.T, id, paymentIntent string) *stripe.Event {
	return stripeEvent(t, id, EventChargeRefunded, map[string]any{
		"id":             "ch_" + id,
		"object":         "charge",
		"refunded":       true,
		"payment_intent": paymentIntent,
		"receipt_url":    "https://pay.stripe.com/receipts/" + id,
	})
}

type recordingNotifier struct {
	mu        sync.Mutex
	confirmed []uuid.UUID
	decided   map[uuid.UUID]models.AdoptionStatus
	err       error
}

func (n *recordingNotifier) OrderConfirmed(_ context.Context, order *models.Order) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed = append(n.confirmed, order.ID)
	return n.err
}

func (n *recordingNotifier) AdoptionDecided(_ context.Context, app *models.AdoptionApplication, _ *models.Pet) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.decided == nil {
		n.decided = make(map[uuid.UUID]models.AdoptionStatus)
	}
	n.decided[app.ID] = app.Status
	return n.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event telemetry.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeGateway struct {
	mu        sync.Mutex
	createErr error
	created   []stripe.CheckoutSessionParams
	sessions  map[string]*stripe.SessionStatus
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, params stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.created = append(g.created, params)
	id := "cs_" + params.OrderID.String()
	g.sessions[id] = &stripe.SessionStatus{ID: id, Status: "open", PaymentStatus: "unpaid", OrderID: params.OrderID.String()}
	return &stripe.CheckoutSession{ID: id, RedirectURL: "https://checkout.stripe.com/c/pay/" + id}, nil
}

func (g *fakeGateway) GetCheckoutSession(_ context.Context, sessionID string) (*stripe.SessionStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	status, ok := g.sessions[sessionID]
	if !ok {
		return nil, errors.New("no such checkout session")
	}
	copied := *status
	return &copied, nil
}

func assertPet(t *testing.T, pet models.Pet, status models.PetStatus, owner uuid.UUID) {
	t.Helper()
	if pet.Status != status {
		t.Fatalf("pet %s status = %s, want %s", pet.Name, pet.Status, status)
	}
	if owner == uuid.Nil {
		if pet.OwnerID.Valid {
			t.Fatalf("pet %s owner = %s, want none", pet.Name, pet.OwnerID.UUID)
		}
		return
	}
	if !pet.OwnerID.Valid || pet.OwnerID.UUID != owner {
		t.Fatalf("pet %s owner = %v, want %s", pet.Name, pet.OwnerID, owner)
	}
}

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pawmarket/pawmarket/internal/db"
	"github.com/pawmarket/pawmarket/internal/models"
)

// memDB is an in-memory stand-in for Postgres. A transaction holds the
// mutex for its whole duration and restores a snapshot on rollback, which
// gives the same all-or-nothing and serialization guarantees the services
// rely on from the real stores.
type memDB struct {
	mu     sync.Mutex
	pets   map[uuid.UUID]models.Pet
	orders map[uuid.UUID]models.Order
	apps   map[uuid.UUID]models.AdoptionApplication
	events map[string]models.WebhookEvent
	faults map[string]error
	clock  time.Time
}

type memTxKey struct{}

func newMemDB() *memDB {
	return &memDB{
		pets:   make(map[uuid.UUID]models.Pet),
		orders: make(map[uuid.UUID]models.Order),
		apps:   make(map[uuid.UUID]models.AdoptionApplication),
		events: make(map[string]models.WebhookEvent),
		faults: make(map[string]error),
		clock:  time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
	}
}

type memSnapshot struct {
	pets   map[uuid.UUID]models.Pet
	orders map[uuid.UUID]models.Order
	apps   map[uuid.UUID]models.AdoptionApplication
	events map[string]models.WebhookEvent
}

func (m *memDB) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := memSnapshot{
		pets:   cloneMap(m.pets),
		orders: cloneOrders(m.orders),
		apps:   cloneMap(m.apps),
		events: cloneMap(m.events),
	}
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.pets, m.orders, m.apps, m.events = snap.pets, snap.orders, snap.apps, snap.events
		return err
	}
	return nil
}

// enter locks the database for a statement issued outside a transaction.
func (m *memDB) enter(ctx context.Context) func() {
	if ctx.Value(memTxKey{}) != nil {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *memDB) now() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

// failOn makes the named store operation fail until cleared.
func (m *memDB) failOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults, op)
		return
	}
	m.faults[op] = err
}

func (m *memDB) fault(op string) error {
	return m.faults[op]
}

func (m *memDB) addPet(pet models.Pet) models.Pet {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pet.ID == uuid.Nil {
		pet.ID = uuid.New()
	}
	if pet.Status == "" {
		pet.Status = models.PetAvailable
	}
	pet.CreatedAt = m.now()
	m.pets[pet.ID] = pet
	return pet
}

func (m *memDB) pet(id uuid.UUID) models.Pet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pets[id]
}

func (m *memDB) order(id uuid.UUID) models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneOrder(m.orders[id])
}

func (m *memDB) app(id uuid.UUID) models.AdoptionApplication {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apps[id]
}

func (m *memDB) event(externalID string) (models.WebhookEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[externalID]
	return e, ok
}

func (m *memDB) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneOrder(o models.Order) models.Order {
	o.Items = slices.Clone(o.Items)
	return o
}

func cloneOrders(in map[uuid.UUID]models.Order) map[uuid.UUID]models.Order {
	out := make(map[uuid.UUID]models.Order, len(in))
	for k, v := range in {
		out[k] = cloneOrder(v)
	}
	return out
}

func transitionErr(expected string) error {
	return fmt.Errorf("%w: %s", db.ErrInvalidStatusTransition, expected)
}

type memPets struct{ db *memDB }

func (s memPets) GetByID(ctx context.Context, petID uuid.UUID) (*models.Pet, error) {
	defer s.db.enter(ctx)()
	pet, ok := s.db.pets[petID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &pet, nil
}

func (s memPets) update(ctx context.Context, op string, petID uuid.UUID, from []models.PetStatus, apply func(p *models.Pet)) (*models.Pet, error) {
	defer s.db.enter(ctx)()
	if err := s.db.fault(op); err != nil {
		return nil, err
	}
	pet, ok := s.db.pets[petID]
	if !ok || !slices.Contains(from, pet.Status) {
		return nil, transitionErr(fmt.Sprintf("expected %v", from))
	}
	apply(&pet)
	pet.UpdatedAt = s.db.now()
	s.db.pets[petID] = pet
	return &pet, nil
}

func (s memPets) MarkPending(ctx context.Context, petID uuid.UUID) (*models.Pet, error) {
	return s.update(ctx, "pets.MarkPending", petID, []models.PetStatus{models.PetAvailable}, func(p *models.Pet) {
		p.Status = models.PetPending
	})
}

func (s memPets) MarkSold(ctx context.Context, petID, buyerID uuid.UUID) (*models.Pet, error) {
	return s.update(ctx, "pets.MarkSold", petID, []models.PetStatus{models.PetPending}, func(p *models.Pet) {
		p.Status = models.PetSold
		p.OwnerID = uuid.NullUUID{UUID: buyerID, Valid: true}
	})
}

func (s memPets) Release(ctx context.Context, petID uuid.UUID) (*models.Pet, error) {
	return s.update(ctx, "pets.Release", petID, []models.PetStatus{models.PetPending, models.PetSold}, func(p *models.Pet) {
		p.Status = models.PetAvailable
		p.OwnerID = uuid.NullUUID{}
	})
}

func (s memPets) MarkAdopted(ctx context.Context, petID, adopterID uuid.UUID) (*models.Pet, error) {
	return s.update(ctx, "pets.MarkAdopted", petID, []models.PetStatus{models.PetAvailable}, func(p *models.Pet) {
		p.Status = models.PetAdopted
		p.OwnerID = uuid.NullUUID{UUID: adopterID, Valid: true}
		p.IsForAdoption = false
	})
}

func (s memPets) ApproveListing(ctx context.Context, petID uuid.UUID) (*models.Pet, error) {
	return s.update(ctx, "pets.ApproveListing", petID, []models.PetStatus{models.PetPending}, func(p *models.Pet) {
		p.Status = models.PetAvailable
	})
}

func (s memPets) RejectListing(ctx context.Context, petID uuid.UUID) (*models.Pet, error) {
	return s.update(ctx, "pets.RejectListing", petID, []models.PetStatus{models.PetPending}, func(p *models.Pet) {
		p.Status = models.PetRejected
	})
}

func (s memPets) HasUnsettledOrder(ctx context.Context, petID uuid.UUID) (bool, error) {
	defer s.db.enter(ctx)()
	for _, order := range s.db.orders {
		if order.Status != models.OrderPending || order.PaymentStatus != models.PaymentPending {
			continue
		}
		if slices.Contains(order.PetIDs(), petID) {
			return true, nil
		}
	}
	return false, nil
}

type memOrders struct{ db *memDB }

func (s memOrders) Create(ctx context.Context, order *models.Order) error {
	defer s.db.enter(ctx)()
	if err := s.db.fault("orders.Create"); err != nil {
		return err
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	for i := range order.Items {
		if order.Items[i].ID == uuid.Nil {
			order.Items[i].ID = uuid.New()
		}
		order.Items[i].OrderID = order.ID
	}
	order.CreatedAt = s.db.now()
	order.UpdatedAt = order.CreatedAt
	s.db.orders[order.ID] = cloneOrder(*order)
	return nil
}

func (s memOrders) find(ctx context.Context, match func(o models.Order) bool) (*models.Order, error) {
	defer s.db.enter(ctx)()
	var found *models.Order
	for _, order := range s.db.orders {
		if match(order) && (found == nil || order.CreatedAt.After(found.CreatedAt)) {
			copied := cloneOrder(order)
			found = &copied
		}
	}
	if found == nil {
		return nil, db.ErrNotFound
	}
	return found, nil
}

func (s memOrders) GetByID(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return s.find(ctx, func(o models.Order) bool { return o.ID == orderID })
}

func (s memOrders) GetByIDForUpdate(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return s.GetByID(ctx, orderID)
}

func (s memOrders) GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (*models.Order, error) {
	return s.find(ctx, func(o models.Order) bool { return paymentIntentID != "" && o.PaymentIntentID == paymentIntentID })
}

func (s memOrders) GetByStripeSessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	return s.find(ctx, func(o models.Order) bool { return sessionID != "" && o.StripeSessionID == sessionID })
}

func (s memOrders) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Order, error) {
	defer s.db.enter(ctx)()
	out := make([]*models.Order, 0)
	for _, order := range s.db.orders {
		if order.UserID == userID {
			copied := cloneOrder(order)
			out = append(out, &copied)
		}
	}
	slices.SortFunc(out, func(a, b *models.Order) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s memOrders) update(ctx context.Context, op string, orderID uuid.UUID, allowed func(o models.Order) bool, apply func(o *models.Order)) error {
	defer s.db.enter(ctx)()
	if err := s.db.fault(op); err != nil {
		return err
	}
	order, ok := s.db.orders[orderID]
	if !ok || !allowed(order) {
		return transitionErr(op)
	}
	apply(&order)
	order.UpdatedAt = s.db.now()
	s.db.orders[orderID] = order
	return nil
}

func pendingOrder(o models.Order) bool {
	return o.Status == models.OrderPending && o.PaymentStatus == models.PaymentPending
}

func (s memOrders) AttachCheckoutSession(ctx context.Context, orderID uuid.UUID, sessionID string) error {
	return s.update(ctx, "orders.AttachCheckoutSession", orderID, pendingOrder, func(o *models.Order) {
		o.StripeSessionID = sessionID
	})
}

func (s memOrders) MarkPaid(ctx context.Context, orderID uuid.UUID, paymentIntentID string) error {
	return s.update(ctx, "orders.MarkPaid", orderID, pendingOrder, func(o *models.Order) {
		o.Status = models.OrderConfirmed
		o.PaymentStatus = models.PaymentPaid
		o.PaymentIntentID = paymentIntentID
		o.PaidAt = s.db.clock
	})
}

func (s memOrders) MarkFailed(ctx context.Context, orderID uuid.UUID) error {
	allowed := func(o models.Order) bool {
		return o.PaymentStatus == models.PaymentPending || o.PaymentStatus == models.PaymentFailed
	}
	return s.update(ctx, "orders.MarkFailed", orderID, allowed, func(o *models.Order) {
		o.Status = models.OrderCancelled
		o.PaymentStatus = models.PaymentFailed
	})
}

func (s memOrders) MarkRefunded(ctx context.Context, orderID uuid.UUID) error {
	allowed := func(o models.Order) bool { return o.PaymentStatus == models.PaymentPaid }
	return s.update(ctx, "orders.MarkRefunded", orderID, allowed, func(o *models.Order) {
		o.Status = models.OrderRefunded
		o.PaymentStatus = models.PaymentRefunded
		o.RefundedAt = s.db.clock
	})
}

type memApps struct{ db *memDB }

func (s memApps) Create(ctx context.Context, app *models.AdoptionApplication) error {
	defer s.db.enter(ctx)()
	for _, existing := range s.db.apps {
		if existing.UserID == app.UserID && existing.PetID == app.PetID && existing.Status.IsActive() {
			return fmt.Errorf("%w: active application exists", db.ErrUniqueViolation)
		}
	}
	if app.ID == uuid.Nil {
		app.ID = uuid.New()
	}
	app.CreatedAt = s.db.now()
	app.UpdatedAt = app.CreatedAt
	s.db.apps[app.ID] = *app
	return nil
}

func (s memApps) GetByID(ctx context.Context, applicationID uuid.UUID) (*models.AdoptionApplication, error) {
	defer s.db.enter(ctx)()
	app, ok := s.db.apps[applicationID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &app, nil
}

func (s memApps) FindActive(ctx context.Context, userID, petID uuid.UUID) (*models.AdoptionApplication, error) {
	defer s.db.enter(ctx)()
	for _, app := range s.db.apps {
		if app.UserID == userID && app.PetID == petID && app.Status.IsActive() {
			return &app, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s memApps) list(ctx context.Context, match func(a models.AdoptionApplication) bool, limit int) []*models.AdoptionApplication {
	defer s.db.enter(ctx)()
	out := make([]*models.AdoptionApplication, 0)
	for _, app := range s.db.apps {
		if match(app) {
			copied := app
			out = append(out, &copied)
		}
	}
	slices.SortFunc(out, func(a, b *models.AdoptionApplication) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s memApps) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.AdoptionApplication, error) {
	return s.list(ctx, func(a models.AdoptionApplication) bool { return a.UserID == userID }, limit), nil
}

func (s memApps) ListAll(ctx context.Context, limit int) ([]*models.AdoptionApplication, error) {
	return s.list(ctx, func(models.AdoptionApplication) bool { return true }, limit), nil
}

func (s memApps) transition(ctx context.Context, applicationID uuid.UUID, to models.AdoptionStatus, notes string) (*models.AdoptionApplication, error) {
	defer s.db.enter(ctx)()
	app, ok := s.db.apps[applicationID]
	if !ok || app.Status != models.AdoptionPending {
		return nil, transitionErr("expected pending")
	}
	app.Status = to
	if notes != "" {
		app.AdminNotes = notes
	}
	app.UpdatedAt = s.db.now()
	s.db.apps[applicationID] = app
	return &app, nil
}

func (s memApps) Approve(ctx context.Context, applicationID uuid.UUID, notes string) (*models.AdoptionApplication, error) {
	return s.transition(ctx, applicationID, models.AdoptionApproved, notes)
}

func (s memApps) Reject(ctx context.Context, applicationID uuid.UUID, notes string) (*models.AdoptionApplication, error) {
	return s.transition(ctx, applicationID, models.AdoptionRejected, notes)
}

func (s memApps) Cancel(ctx context.Context, applicationID uuid.UUID) (*models.AdoptionApplication, error) {
	return s.transition(ctx, applicationID, models.AdoptionCancelled, "")
}

func (s memApps) RejectCompeting(ctx context.Context, petID, approvedID uuid.UUID, note string) ([]*models.AdoptionApplication, error) {
	defer s.db.enter(ctx)()
	rejected := make([]*models.AdoptionApplication, 0)
	for id, app := range s.db.apps {
		if app.PetID != petID || id == approvedID || app.Status != models.AdoptionPending {
			continue
		}
		app.Status = models.AdoptionRejected
		app.AdminNotes = note
		app.UpdatedAt = s.db.now()
		s.db.apps[id] = app
		copied := app
		rejected = append(rejected, &copied)
	}
	return rejected, nil
}

type memEvents struct{ db *memDB }

func (s memEvents) RecordAttempt(ctx context.Context, event *models.WebhookEvent) error {
	defer s.db.enter(ctx)()
	existing, ok := s.db.events[event.ExternalID]
	if ok && existing.ProcessingStatus == models.ProcessingSuccess {
		return fmt.Errorf("%w: event %s already processed", db.ErrUniqueViolation, event.ExternalID)
	}
	if ok {
		existing.ProcessingStatus = models.ProcessingSuccess
		existing.ErrorMessage = ""
		existing.Payload = event.Payload
		existing.UpdatedAt = s.db.now()
		s.db.events[event.ExternalID] = existing
		*event = existing
		return nil
	}

	event.ID = uuid.New()
	event.ProcessingStatus = models.ProcessingSuccess
	event.CreatedAt = s.db.now()
	event.ProcessedAt = event.CreatedAt
	s.db.events[event.ExternalID] = *event
	return nil
}

func (s memEvents) MarkFailed(ctx context.Context, event *models.WebhookEvent, message string) error {
	defer s.db.enter(ctx)()
	existing, ok := s.db.events[event.ExternalID]
	switch {
	case !ok:
		event.ID = uuid.New()
		event.ProcessingStatus = models.ProcessingFailed
		event.ErrorMessage = message
		event.CreatedAt = s.db.now()
		s.db.events[event.ExternalID] = *event
	case existing.ProcessingStatus == models.ProcessingFailed:
		existing.ErrorMessage = message
		existing.RetryCount++
		s.db.events[event.ExternalID] = existing
	}
	return nil
}

func (s memEvents) FindReceiptURL(ctx context.Context, paymentIntentID string) (string, error) {
	defer s.db.enter(ctx)()
	var (
		url    string
		latest time.Time
	)
	for _, event := range s.db.events {
		var envelope struct {
			Data struct {
				Object struct {
					PaymentIntent string `json:"payment_intent"`
					ReceiptURL    string `json:"receipt_url"`
				} `json:"object"`
			} `json:"data"`
		}
		if json.Unmarshal(event.Payload, &envelope) != nil {
			continue
		}
		obj := envelope.Data.Object
		if obj.PaymentIntent == paymentIntentID && obj.ReceiptURL != "" && event.CreatedAt.After(latest) {
			url, latest = obj.ReceiptURL, event.CreatedAt
		}
	}
	if url == "" {
		return "", db.ErrNotFound
	}
	return url, nil
}

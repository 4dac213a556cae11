package services

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pawmarket/pawmarket/internal/models"
)

func TestCreateOrderSnapshotsPrices(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	buyer := uuid.New()
	petA := env.saleListing("A", 5000)
	petB := env.saleListing("B", 3000)

	order, err := env.orders.CreateOrder(context.Background(), CreateOrderInput{
		UserID:          buyer,
		BuyerEmail:      " buyer@example.com ",
		Items:           []OrderItemInput{{PetID: petA.ID}, {PetID: petB.ID, PriceCents: cents(3000)}},
		TotalCents:      cents(8000),
		ShippingAddress: "1 Kennel Road",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if order.TotalCents != 8000 || order.ItemsTotal() != order.TotalCents {
		t.Fatalf("total = %d, items total = %d", order.TotalCents, order.ItemsTotal())
	}
	if order.Status != models.OrderPending || order.PaymentStatus != models.PaymentPending {
		t.Fatalf("unexpected status %s/%s", order.Status, order.PaymentStatus)
	}
	if order.BuyerEmail != "buyer@example.com" {
		t.Fatalf("buyer email not trimmed: %q", order.BuyerEmail)
	}
	if order.Items[0].PetName != "A" || order.Items[0].PriceCents != 5000 {
		t.Fatalf("unexpected first item %+v", order.Items[0])
	}
	assertPet(t, env.db.pet(petA.ID), models.PetPending, uuid.Nil)
	assertPet(t, env.db.pet(petB.ID), models.PetPending, uuid.Nil)
}

func TestCreateOrderValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input func(env *testEnv) CreateOrderInput
	}{
		{
			name: "empty items",
			input: func(env *testEnv) CreateOrderInput {
				return CreateOrderInput{UserID: uuid.New(), ShippingAddress: "x"}
			},
		},
		{
			name: "missing shipping address",
			input: func(env *testEnv) CreateOrderInput {
				pet := env.saleListing("A", 5000)
				return CreateOrderInput{UserID: uuid.New(), Items: []OrderItemInput{{PetID: pet.ID}}, ShippingAddress: "  "}
			},
		},
		{
			name: "duplicate pet",
			input: func(env *testEnv) CreateOrderInput {
				pet := env.saleListing("A", 5000)
				return CreateOrderInput{UserID: uuid.New(), Items: []OrderItemInput{{PetID: pet.ID}, {PetID: pet.ID}}, ShippingAddress: "x"}
			},
		},
		{
			name: "caller total mismatch",
			input: func(env *testEnv) CreateOrderInput {
				a := env.saleListing("A", 5000)
				b := env.saleListing("B", 3000)
				return CreateOrderInput{
					UserID:          uuid.New(),
					Items:           []OrderItemInput{{PetID: a.ID}, {PetID: b.ID}},
					TotalCents:      cents(7999),
					ShippingAddress: "x",
				}
			},
		},
		{
			name: "caller price mismatch",
			input: func(env *testEnv) CreateOrderInput {
				a := env.saleListing("A", 5000)
				return CreateOrderInput{UserID: uuid.New(), Items: []OrderItemInput{{PetID: a.ID, PriceCents: cents(10)}}, ShippingAddress: "x"}
			},
		},
		{
			name: "adoption only pet",
			input: func(env *testEnv) CreateOrderInput {
				a := env.saleListing("A", 5000)
				q := env.adoptionListing("Q")
				return CreateOrderInput{UserID: uuid.New(), Items: []OrderItemInput{{PetID: a.ID}, {PetID: q.ID}}, ShippingAddress: "x"}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			input := tc.input(env)
			_, err := env.orders.CreateOrder(context.Background(), input)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if env.db.orderCount() != 0 {
				t.Fatal("validation failure must not persist an order")
			}
			for _, item := range input.Items {
				if pet := env.db.pet(item.PetID); pet.Status != models.PetAvailable {
					t.Fatalf("validation failure mutated pet %s to %s", pet.Name, pet.Status)
				}
			}
		})
	}
}

func TestCreateOrderAllOrNothing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	free := env.saleListing("Free", 5000)
	taken := env.saleListing("Taken", 3000)
	env.placeOrder(t, uuid.New(), taken)

	_, err := env.orders.CreateOrder(ctx, CreateOrderInput{
		UserID:          uuid.New(),
		Items:           []OrderItemInput{{PetID: free.ID}, {PetID: taken.ID}},
		ShippingAddress: "x",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	assertPet(t, env.db.pet(free.ID), models.PetAvailable, uuid.Nil)
	assertPet(t, env.db.pet(taken.ID), models.PetPending, uuid.Nil)
	if env.db.orderCount() != 1 {
		t.Fatalf("expected only the first order, got %d", env.db.orderCount())
	}
}

func TestCreateOrderFailureAfterReservationRollsBack(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	pet := env.saleListing("A", 5000)
	env.db.failOn("orders.Create", errors.New("disk full"))

	_, err := env.orders.CreateOrder(context.Background(), CreateOrderInput{
		UserID:          uuid.New(),
		Items:           []OrderItemInput{{PetID: pet.ID}},
		ShippingAddress: "x",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	assertPet(t, env.db.pet(pet.ID), models.PetAvailable, uuid.Nil)
}

func TestConcurrentCreateOrderSinglePet(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	pet := env.saleListing("Only", 5000)
	other := env.saleListing("Other", 1000)

	const buyers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			items := []OrderItemInput{{PetID: pet.ID}}
			if i%2 == 0 {
				items = append([]OrderItemInput{{PetID: other.ID}}, items...)
			}
			_, err := env.orders.CreateOrder(context.Background(), CreateOrderInput{
				UserID:          uuid.New(),
				Items:           items,
				ShippingAddress: "x",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 || conflicts != buyers-1 {
		t.Fatalf("successes = %d, conflicts = %d", successes, conflicts)
	}
	if env.db.orderCount() != 1 {
		t.Fatalf("expected exactly one order, got %d", env.db.orderCount())
	}
	assertPet(t, env.db.pet(pet.ID), models.PetPending, uuid.Nil)
}

func TestMarkPaidThenRefund(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	buyer := uuid.New()
	petA := env.saleListing("A", 5000)
	petB := env.saleListing("B", 3000)
	order := env.placeOrder(t, buyer, petA, petB)

	paid, err := env.orders.MarkPaid(ctx, order.ID, "pi_123")
	if err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if paid.Status != models.OrderConfirmed || paid.PaymentStatus != models.PaymentPaid || paid.PaidAt.IsZero() {
		t.Fatalf("unexpected paid order %+v", paid)
	}
	assertPet(t, env.db.pet(petA.ID), models.PetSold, buyer)
	assertPet(t, env.db.pet(petB.ID), models.PetSold, buyer)

	if _, err := env.orders.MarkPaid(ctx, order.ID, "pi_123"); err != nil {
		t.Fatalf("repeat MarkPaid with same ref: %v", err)
	}
	if _, err := env.orders.MarkPaid(ctx, order.ID, "pi_other"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for different ref, got %v", err)
	}
	if _, err := env.orders.MarkFailed(ctx, order.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict failing a paid order, got %v", err)
	}

	refunded, err := env.orders.MarkRefunded(ctx, order.ID)
	if err != nil {
		t.Fatalf("MarkRefunded: %v", err)
	}
	if refunded.Status != models.OrderRefunded || refunded.PaymentStatus != models.PaymentRefunded || refunded.RefundedAt.IsZero() {
		t.Fatalf("unexpected refunded order %+v", refunded)
	}
	if refunded.TotalCents != 8000 || refunded.ItemsTotal() != 8000 {
		t.Fatalf("total changed after refund: %d / %d", refunded.TotalCents, refunded.ItemsTotal())
	}
	assertPet(t, env.db.pet(petA.ID), models.PetAvailable, uuid.Nil)
	assertPet(t, env.db.pet(petB.ID), models.PetAvailable, uuid.Nil)

	if _, err := env.orders.MarkRefunded(ctx, order.ID); err != nil {
		t.Fatalf("repeat MarkRefunded: %v", err)
	}
}

func TestMarkPaidRollsBackWhenPetCannotBeSold(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	petA := env.saleListing("A", 5000)
	petB := env.saleListing("B", 3000)
	order := env.placeOrder(t, uuid.New(), petA, petB)
	env.db.failOn("pets.MarkSold", errors.New("connection reset"))

	if _, err := env.orders.MarkPaid(ctx, order.ID, "pi_1"); err == nil {
		t.Fatal("expected error")
	}

	stored := env.db.order(order.ID)
	if stored.PaymentStatus != models.PaymentPending || stored.Status != models.OrderPending {
		t.Fatalf("order partially settled: %s/%s", stored.Status, stored.PaymentStatus)
	}
	assertPet(t, env.db.pet(petA.ID), models.PetPending, uuid.Nil)
	assertPet(t, env.db.pet(petB.ID), models.PetPending, uuid.Nil)
}

func TestMarkFailedReleasesPets(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	pet := env.saleListing("A", 5000)
	order := env.placeOrder(t, uuid.New(), pet)

	failed, err := env.orders.MarkFailed(ctx, order.ID)
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if failed.Status != models.OrderCancelled || failed.PaymentStatus != models.PaymentFailed {
		t.Fatalf("unexpected order %s/%s", failed.Status, failed.PaymentStatus)
	}
	assertPet(t, env.db.pet(pet.ID), models.PetAvailable, uuid.Nil)

	if _, err := env.orders.MarkFailed(ctx, order.ID); err != nil {
		t.Fatalf("repeat MarkFailed: %v", err)
	}
	if _, err := env.orders.MarkPaid(ctx, order.ID, "pi_late"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict paying a failed order, got %v", err)
	}
	if _, err := env.orders.MarkRefunded(ctx, order.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict refunding an unpaid order, got %v", err)
	}
}

func TestOrderAccess(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	owner := uuid.New()
	order := env.placeOrder(t, owner, env.saleListing("A", 5000))

	if _, err := env.orders.Get(ctx, order.ID, models.Principal{UserID: owner}); err != nil {
		t.Fatalf("owner Get: %v", err)
	}
	if _, err := env.orders.Get(ctx, order.ID, models.Principal{UserID: uuid.New(), Admin: true}); err != nil {
		t.Fatalf("admin Get: %v", err)
	}
	if _, err := env.orders.Get(ctx, order.ID, models.Principal{UserID: uuid.New()}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := env.orders.Get(ctx, uuid.New(), models.Principal{Admin: true}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	orders, err := env.orders.ListForUser(ctx, owner)
	if err != nil || len(orders) != 1 {
		t.Fatalf("ListForUser = %d orders, %v", len(orders), err)
	}
}

type lockRecordingPets struct {
	memPets
	mu     sync.Mutex
	locked []uuid.UUID
}

func (s *lockRecordingPets) MarkPending(ctx context.Context, petID uuid.UUID) (*models.Pet, error) {
	s.mu.Lock()
	s.locked = append(s.locked, petID)
	s.mu.Unlock()
	return s.memPets.MarkPending(ctx, petID)
}

func TestCreateOrderReservesInPetIDOrder(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	low := env.db.addPet(models.Pet{ID: uuid.MustParse("10000000-0000-0000-0000-000000000001"), Name: "Low", Category: "dog", PriceCents: cents(1000)})
	mid := env.db.addPet(models.Pet{ID: uuid.MustParse("70000000-0000-0000-0000-000000000001"), Name: "Mid", Category: "dog", PriceCents: cents(2000)})
	high := env.db.addPet(models.Pet{ID: uuid.MustParse("e0000000-0000-0000-0000-000000000001"), Name: "High", Category: "cat", PriceCents: cents(3000)})

	pets := &lockRecordingPets{memPets: memPets{db: env.db}}
	logger := env.orders.logger
	orders := NewOrderLedger(env.db, memOrders{db: env.db}, NewPetInventory(pets, logger), logger)

	order, err := orders.CreateOrder(context.Background(), CreateOrderInput{
		UserID:          uuid.New(),
		Items:           []OrderItemInput{{PetID: high.ID}, {PetID: low.ID}, {PetID: mid.ID}},
		ShippingAddress: "1 Kennel Road",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	want := []uuid.UUID{low.ID, mid.ID, high.ID}
	if len(pets.locked) != len(want) {
		t.Fatalf("locked %v, want %v", pets.locked, want)
	}
	for i := range want {
		if pets.locked[i] != want[i] {
			t.Fatalf("locked %v, want %v", pets.locked, want)
		}
	}
	if order.Items[0].PetID != high.ID || order.Items[1].PetID != low.ID || order.Items[2].PetID != mid.ID {
		t.Fatalf("items must keep request order, got %+v", order.Items)
	}
}

func TestCreateOrderLockConflictIsConflict(t *testing.T) {
	t.Parallel()

	for _, code := range []string{"40P01", "40001"} {
		t.Run(code, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			pet := env.saleListing("Rex", 5000)
			env.db.failOn("pets.MarkPending", &pgconn.PgError{Code: code, Message: "aborted by lock manager"})

			_, err := env.orders.CreateOrder(context.Background(), CreateOrderInput{
				UserID:          uuid.New(),
				Items:           []OrderItemInput{{PetID: pet.ID}},
				ShippingAddress: "1 Kennel Road",
			})
			if !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict, got %v", err)
			}
			assertPet(t, env.db.pet(pet.ID), models.PetAvailable, uuid.Nil)
			if env.db.orderCount() != 0 {
				t.Fatalf("expected no orders, got %d", env.db.orderCount())
			}
		})
	}
}

func TestCreateOrderLogRedactsShippingAddress(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	pet := env.saleListing("Rex", 5000)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	orders := NewOrderLedger(env.db, memOrders{db: env.db}, env.inventory, logger)

	if _, err := orders.CreateOrder(context.Background(), CreateOrderInput{
		UserID:          uuid.New(),
		Items:           []OrderItemInput{{PetID: pet.ID}},
		ShippingAddress: "42 Wallaby Way, Sydney",
	}); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	out := buf.String()
	if strings.Contains(out, "Wallaby") {
		t.Fatalf("shipping address leaked into logs: %s", out)
	}
	if !strings.Contains(out, `"shipping_address":"42 W`) {
		t.Fatalf("expected redacted shipping address in log, got %s", out)
	}
}

package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pawmarket/pawmarket/internal/crypto"
	"github.com/pawmarket/pawmarket/internal/models"
)

const orderColumns = `id, user_id, buyer_email, total_cents, shipping_address, status, payment_status,
	payment_intent_id, stripe_session_id, paid_at, refunded_at, created_at, updated_at`

type OrderStore struct {
	pool   *pgxpool.Pool
	crypto crypto.Encryptor
}

func NewOrderStore(pool *pgxpool.Pool, encryptor crypto.Encryptor) (*OrderStore, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	return &OrderStore{pool: pool, crypto: encryptor}, nil
}

// Create inserts the order and its items. Callers run it inside a
// transaction so the order and its items appear together.
func (s *OrderStore) Create(ctx context.Context, order *models.Order) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}

	address, err := s.crypto.Encrypt(order.ShippingAddress)
	if err != nil {
		return fmt.Errorf("failed to encrypt shipping address: %w", err)
	}

	q := querier(ctx, s.pool)
	query := `
		INSERT INTO orders (id, user_id, buyer_email, total_cents, shipping_address, status, payment_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	if err := q.QueryRow(ctx, query,
		order.ID, order.UserID, order.BuyerEmail, order.TotalCents, address,
		string(order.Status), string(order.PaymentStatus),
	).Scan(&order.CreatedAt, &order.UpdatedAt); err != nil {
		return err
	}

	itemQuery := `
		INSERT INTO order_items (id, order_id, pet_id, price_cents, position)
		VALUES ($1, $2, $3, $4, $5)
	`
	for i := range order.Items {
		item := &order.Items[i]
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		item.OrderID = order.ID
		if _, err := q.Exec(ctx, itemQuery, item.ID, order.ID, item.PetID, item.PriceCents, i); err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}
	return nil
}

func (s *OrderStore) GetByID(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return s.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
}

// GetByIDForUpdate locks the order row until the surrounding transaction ends.
func (s *OrderStore) GetByIDForUpdate(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return s.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
}

func (s *OrderStore) GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (*models.Order, error) {
	return s.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_intent_id = $1 ORDER BY created_at DESC LIMIT 1 FOR UPDATE`, paymentIntentID)
}

func (s *OrderStore) GetByStripeSessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	return s.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE stripe_session_id = $1`, sessionID)
}

func (s *OrderStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Order, error) {
	rows, err := querier(ctx, s.pool).Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]*models.Order, 0)
	byID := make(map[uuid.UUID]*models.Order)
	for rows.Next() {
		order, err := s.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
		byID[order.ID] = order
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.loadItems(ctx, byID); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *OrderStore) AttachCheckoutSession(ctx context.Context, orderID uuid.UUID, sessionID string) error {
	query := `
		UPDATE orders SET stripe_session_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND payment_status = 'pending'
	`
	return s.exec(ctx, "expected pending", query, orderID, sessionID)
}

func (s *OrderStore) MarkPaid(ctx context.Context, orderID uuid.UUID, paymentIntentID string) error {
	query := `
		UPDATE orders
		SET status = 'confirmed', payment_status = 'paid', payment_intent_id = $2,
		    paid_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND payment_status = 'pending'
	`
	return s.exec(ctx, "expected pending", query, orderID, paymentIntentID)
}

func (s *OrderStore) MarkFailed(ctx context.Context, orderID uuid.UUID) error {
	query := `
		UPDATE orders
		SET status = 'cancelled', payment_status = 'failed', updated_at = NOW()
		WHERE id = $1 AND payment_status IN ('pending', 'failed')
	`
	return s.exec(ctx, "expected pending/failed", query, orderID)
}

func (s *OrderStore) MarkRefunded(ctx context.Context, orderID uuid.UUID) error {
	query := `
		UPDATE orders
		SET status = 'refunded', payment_status = 'refunded', refunded_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND payment_status = 'paid'
	`
	return s.exec(ctx, "expected paid", query, orderID)
}

func (s *OrderStore) exec(ctx context.Context, expected, query string, args ...any) error {
	cmdTag, err := querier(ctx, s.pool).Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrInvalidStatusTransition, expected)
	}
	return nil
}

func (s *OrderStore) getOne(ctx context.Context, query string, args ...any) (*models.Order, error) {
	order, err := s.scanOrder(querier(ctx, s.pool).QueryRow(ctx, query, args...))
	if err != nil {
		return nil, notFound(err)
	}
	if err := s.loadItems(ctx, map[uuid.UUID]*models.Order{order.ID: order}); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *OrderStore) loadItems(ctx context.Context, orders map[uuid.UUID]*models.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(orders))
	for id := range orders {
		ids = append(ids, id)
	}

	query := `
		SELECT oi.id, oi.order_id, oi.pet_id, p.name, oi.price_cents
		FROM order_items oi
		JOIN pets p ON p.id = oi.pet_id
		WHERE oi.order_id = ANY($1)
		ORDER BY oi.order_id, oi.position
	`
	rows, err := querier(ctx, s.pool).Query(ctx, query, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.PetID, &item.PetName, &item.PriceCents); err != nil {
			return err
		}
		if order, ok := orders[item.OrderID]; ok {
			order.Items = append(order.Items, item)
		}
	}
	return rows.Err()
}

func (s *OrderStore) scanOrder(row pgx.Row) (*models.Order, error) {
	var (
		order           models.Order
		status          string
		paymentStatus   string
		address         string
		paymentIntentID pgtype.Text
		sessionID       pgtype.Text
		paidAt          pgtype.Timestamptz
		refundedAt      pgtype.Timestamptz
	)
	if err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.BuyerEmail,
		&order.TotalCents,
		&address,
		&status,
		&paymentStatus,
		&paymentIntentID,
		&sessionID,
		&paidAt,
		&refundedAt,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		return nil, err
	}

	order.Status = models.OrderStatus(status)
	order.PaymentStatus = models.PaymentStatus(paymentStatus)
	if paymentIntentID.Valid {
		order.PaymentIntentID = paymentIntentID.String
	}
	if sessionID.Valid {
		order.StripeSessionID = sessionID.String
	}
	if paidAt.Valid {
		order.PaidAt = paidAt.Time
	}
	if refundedAt.Valid {
		order.RefundedAt = refundedAt.Time
	}

	decrypted, err := s.crypto.Decrypt(address)
	if err != nil {
		return nil, errors.Join(errors.New("failed to decrypt shipping address"), err)
	}
	order.ShippingAddress = decrypted

	return &order, nil
}

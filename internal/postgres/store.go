package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-mpesa-orders/internal/inventory"
	"github.com/ariefcatur/go-mpesa-orders/internal/loyalty"
	"github.com/ariefcatur/go-mpesa-orders/internal/notify"
	"github.com/ariefcatur/go-mpesa-orders/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var ErrConflict = errors.New("postgres: unique constraint violated")

// Store is the Postgres order store. Row locks (SELECT ... FOR UPDATE) give
// every unit of work exclusive access to the products, customers and orders it touches.
type Store struct{ DB *pgxpool.Pool }

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) InTx(ctx context.Context, fn func(tx orders.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*orders.Order, error) {
	o, err := scanOrder(s.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID))
	if err != nil {
		return nil, err
	}
	if o.Items, err = loadItems(ctx, s.DB, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Store) ListOrders(ctx context.Context, customerID string) ([]*orders.Order, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE customer_id=$1 ORDER BY created_at DESC, id DESC`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for _, o := range out {
		if o.Items, err = loadItems(ctx, s.DB, o.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SaveNotification stores a consumed notification. Replays of the same event are ignored.
func (s *Store) SaveNotification(ctx context.Context, eventID string, n notify.Notification) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO notifications(event_id, user_id, kind, title, message, order_id, product_id)
		VALUES ($1, NULLIF($2,''), $3, $4, $5, NULLIF($6,''), NULLIF($7,''))
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, audienceUser(n.Audience), n.Kind, n.Title, n.Message, n.OrderID, n.ProductID)
	return err
}

// audienceUser maps an audience to notifications.user_id; admin broadcasts have none.
func audienceUser(aud string) string {
	if aud == notify.AudienceAdmin {
		return ""
	}
	return aud
}

// UpsertProduct is used by seeding and tests.
func (s *Store) UpsertProduct(ctx context.Context, p inventory.Product) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO products(id, name, price, stock_quantity, delivery_price, discount)
		VALUES ($1, $2, $3::numeric, $4, NULLIF($5,'0.00')::numeric, NULLIF($6,'0.00')::numeric)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, price=EXCLUDED.price,
			stock_quantity=EXCLUDED.stock_quantity, delivery_price=EXCLUDED.delivery_price,
			discount=EXCLUDED.discount, updated_at=now()`,
		p.ID, p.Name, p.Price.StringFixed(2), p.StockQuantity,
		p.DeliveryPrice.StringFixed(2), p.Discount.StringFixed(2))
	return err
}

type pgTx struct{ tx pgx.Tx }

func (t *pgTx) LockProduct(ctx context.Context, id string) (*inventory.Product, error) {
	var (
		p                     inventory.Product
		price, delivery, disc string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT id, name, price::text, stock_quantity,
		       COALESCE(delivery_price, 0)::text, COALESCE(discount, 0)::text
		FROM products WHERE id=$1 FOR UPDATE`, id).
		Scan(&p.ID, &p.Name, &price, &p.StockQuantity, &delivery, &disc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", inventory.ErrProductNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return nil, err
	}
	if p.DeliveryPrice, err = decimal.NewFromString(delivery); err != nil {
		return nil, err
	}
	if p.Discount, err = decimal.NewFromString(disc); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) SetStock(ctx context.Context, id string, qty int) error {
	ct, err := t.tx.Exec(ctx, `UPDATE products SET stock_quantity=$2, updated_at=now() WHERE id=$1`, id, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s", inventory.ErrProductNotFound, id)
	}
	return nil
}

func (t *pgTx) LockAccount(ctx context.Context, id string) (*loyalty.Account, error) {
	var (
		a     loyalty.Account
		spent string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT id, name, email, loyalty_points, total_spent::text, loyalty_eligible
		FROM customers WHERE id=$1 FOR UPDATE`, id).
		Scan(&a.CustomerID, &a.Name, &a.Email, &a.Points, &spent, &a.Eligible)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", loyalty.ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if a.TotalSpent, err = decimal.NewFromString(spent); err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *pgTx) SaveAccount(ctx context.Context, a *loyalty.Account) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE customers SET loyalty_points=$2, total_spent=$3::numeric, loyalty_eligible=$4
		WHERE id=$1`, a.CustomerID, a.Points, a.TotalSpent.StringFixed(2), a.Eligible)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s", loyalty.ErrAccountNotFound, a.CustomerID)
	}
	return nil
}

func (t *pgTx) EnsureCustomer(ctx context.Context, a loyalty.Account) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO customers(id, name, email) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`, a.CustomerID, a.Name, a.Email)
	return err
}

func (t *pgTx) InsertOrder(ctx context.Context, o *orders.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders(id, customer_id, customer_name, customer_phone, customer_email, delivery_address,
			subtotal, delivery_fee, discount, total, payment_method, payment_status, order_status,
			points_redeemed, points_earned, payment_request_id, provider_correlation_id, created_at, updated_at)
		VALUES ($1, NULLIF($2,''), $3, $4, $5, $6,
			$7::numeric, $8::numeric, $9::numeric, $10::numeric, $11, $12, $13,
			$14, $15, NULLIF($16,''), NULLIF($17,''), $18, $19)`,
		o.ID, o.CustomerID, o.CustomerName, o.CustomerPhone, o.CustomerEmail, o.DeliveryAddress,
		o.Subtotal.StringFixed(2), o.DeliveryFee.StringFixed(2), o.Discount.StringFixed(2), o.Total.StringFixed(2),
		string(o.PaymentMethod), string(o.PaymentStatus), string(o.Status),
		o.PointsRedeemed, o.PointsEarned, o.PaymentRequestID, o.ProviderCorrelationID, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}

	for i, it := range o.Items {
		_, err = t.tx.Exec(ctx, `
			INSERT INTO order_items(order_id, position, product_id, name, unit_price, quantity, line_total)
			VALUES ($1, $2, $3, $4, $5::numeric, $6, $7::numeric)`,
			o.ID, i, it.ProductID, it.Name, it.UnitPrice.StringFixed(2), it.Quantity, it.LineTotal.StringFixed(2))
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) LockOrder(ctx context.Context, id string) (*orders.Order, error) {
	return t.lockOrderWhere(ctx, `id=$1`, id)
}

func (t *pgTx) LockOrderByPaymentRequest(ctx context.Context, requestID string) (*orders.Order, error) {
	if requestID == "" {
		return nil, orders.ErrNotFound
	}
	return t.lockOrderWhere(ctx, `payment_request_id=$1`, requestID)
}

func (t *pgTx) lockOrderWhere(ctx context.Context, where string, arg any) (*orders.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where+` FOR UPDATE`, arg))
	if err != nil {
		return nil, err
	}
	if o.Items, err = loadItems(ctx, t.tx, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

// UpdateOrder writes the mutable columns. Line items and money never change after insert.
func (t *pgTx) UpdateOrder(ctx context.Context, o *orders.Order) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders SET payment_status=$2, order_status=$3,
			payment_request_id=NULLIF($4,''), provider_correlation_id=NULLIF($5,''), updated_at=$6
		WHERE id=$1`,
		o.ID, string(o.PaymentStatus), string(o.Status), o.PaymentRequestID, o.ProviderCorrelationID, o.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertPaymentEvent(ctx context.Context, ev orders.PaymentEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payment_events(order_id, correlation_id, result_code, result_desc, receipt, outcome, created_at)
		VALUES (NULLIF($1,''), $2, $3, $4, $5, $6, $7)`,
		ev.OrderID, ev.CorrelationID, ev.ResultCode, ev.ResultDesc, ev.Receipt, ev.Outcome, ev.CreatedAt)
	return err
}

const orderColumns = `id, COALESCE(customer_id, ''), customer_name, customer_phone, customer_email, delivery_address,
	subtotal::text, delivery_fee::text, discount::text, total::text,
	payment_method, payment_status, order_status, points_redeemed, points_earned,
	COALESCE(payment_request_id, ''), COALESCE(provider_correlation_id, ''), created_at, updated_at`

func scanOrder(row pgx.Row) (*orders.Order, error) {
	var (
		o                         orders.Order
		sub, fee, disc, total     string
		method, payStatus, status string
	)
	err := row.Scan(&o.ID, &o.CustomerID, &o.CustomerName, &o.CustomerPhone, &o.CustomerEmail, &o.DeliveryAddress,
		&sub, &fee, &disc, &total, &method, &payStatus, &status, &o.PointsRedeemed, &o.PointsEarned,
		&o.PaymentRequestID, &o.ProviderCorrelationID, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.PaymentMethod = orders.PaymentMethod(method)
	o.PaymentStatus = orders.PaymentStatus(payStatus)
	o.Status = orders.Status(status)
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&o.Subtotal, sub}, {&o.DeliveryFee, fee}, {&o.Discount, disc}, {&o.Total, total}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, err
		}
	}
	return &o, nil
}

func loadItems(ctx context.Context, q querier, orderID string) ([]orders.LineItem, error) {
	rows, err := q.Query(ctx, `
		SELECT product_id, name, unit_price::text, quantity, line_total::text
		FROM order_items WHERE order_id=$1 ORDER BY position`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []orders.LineItem
	for rows.Next() {
		var (
			it           orders.LineItem
			price, total string
		)
		if err := rows.Scan(&it.ProductID, &it.Name, &price, &it.Quantity, &total); err != nil {
			return nil, err
		}
		if it.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if it.LineTotal, err = decimal.NewFromString(total); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

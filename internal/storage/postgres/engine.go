package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/labrise/ims/internal/domain"
)

// opTimeout ограничивает любую одиночную операцию хранилища.
const opTimeout = 5 * time.Second

// querier объединяет *sql.DB и *sql.Tx для операций, которые могут
// выполняться как в autocommit, так и внутри открытой транзакции.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Engine — PostgreSQL-реализация StoragePort. Staged-записи держит сама
// база: токен транзакции отображается на открытый *sql.Tx, а конкурентные
// декременты решает условный UPDATE по остатку.
type Engine struct {
	store *Store
	db    *sql.DB

	mu        sync.Mutex
	connected bool
	txs       map[domain.TxToken]*sql.Tx
}

// NewEngine создаёт engine поверх открытого Store.
func NewEngine(store *Store) *Engine {
	return &Engine{
		store: store,
		db:    store.DB(),
		txs:   make(map[domain.TxToken]*sql.Tx),
	}
}

// Connect проверяет доступность базы и помечает engine готовым к работе.
func (e *Engine) Connect() error {
	if err := e.store.Ping(context.Background()); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNotConnected, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = true
	return nil
}

// Disconnect откатывает открытые транзакции и запрещает дальнейшие операции.
// Само подключение закрывает владелец Store.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for token, tx := range e.txs {
		_ = tx.Rollback()
		delete(e.txs, token)
	}
	e.connected = false
}

// IsConnected сообщает, готов ли engine принимать операции.
func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// SaveProduct сохраняет товар и возвращает сгенерированный идентификатор.
func (e *Engine) SaveProduct(tx domain.TxToken, product domain.Product) (string, error) {
	q, err := e.querier(tx)
	if err != nil {
		return "", err
	}

	ctx, cancel := opContext()
	defer cancel()

	var seq int64
	if err := q.QueryRowContext(ctx, `SELECT nextval('product_id_seq')`).Scan(&seq); err != nil {
		return "", fmt.Errorf("next product id: %w", err)
	}
	product.ID = fmt.Sprintf("PROD-%d", seq)

	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now

	_, err = q.ExecContext(ctx, `
		INSERT INTO products (
			id, sku, name, description, category, brand,
			base_price_minor, currency, stock_quantity, is_active,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		product.ID, product.SKU, product.Name, product.Description,
		product.Category, product.Brand, product.BasePriceMinor, product.Currency,
		product.StockQuantity, product.IsActive, product.CreatedAt, product.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", domain.ErrDuplicateSKU
		}
		return "", fmt.Errorf("insert product: %w", err)
	}

	return product.ID, nil
}

// GetProduct возвращает закоммиченный товар или ErrProductNotFound.
func (e *Engine) GetProduct(id string) (domain.Product, error) {
	if err := e.ensureConnected(); err != nil {
		return domain.Product{}, err
	}

	ctx, cancel := opContext()
	defer cancel()

	return e.scanProduct(e.db.QueryRowContext(ctx, productSelect+` WHERE id = $1`, id))
}

// GetProductBySKU возвращает товар по артикулу или ErrProductNotFound.
func (e *Engine) GetProductBySKU(sku string) (domain.Product, error) {
	if err := e.ensureConnected(); err != nil {
		return domain.Product{}, err
	}

	ctx, cancel := opContext()
	defer cancel()

	return e.scanProduct(e.db.QueryRowContext(ctx, productSelect+` WHERE sku = $1`, sku))
}

// ListProductsByCategory возвращает товары категории, отсортированные по id.
func (e *Engine) ListProductsByCategory(category string) ([]domain.Product, error) {
	if err := e.ensureConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := opContext()
	defer cancel()

	rows, err := e.db.QueryContext(ctx, productSelect+` WHERE category = $1 ORDER BY id`, category)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(
			&p.ID, &p.SKU, &p.Name, &p.Description, &p.Category, &p.Brand,
			&p.BasePriceMinor, &p.Currency, &p.StockQuantity, &p.IsActive,
			&p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan product row: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product rows: %w", err)
	}

	return products, nil
}

// UpdateProductStock выставляет абсолютное значение остатка.
func (e *Engine) UpdateProductStock(tx domain.TxToken, id string, newQty int32) error {
	if newQty < 0 {
		return domain.ErrStockNegative
	}

	q, err := e.querier(tx)
	if err != nil {
		return err
	}

	ctx, cancel := opContext()
	defer cancel()

	res, err := q.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = $2,
		    updated_at = $3
		WHERE id = $1
	`, id, newQty, time.Now().UTC())
	if err != nil {
		return translateTxError(err, "update product stock")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrProductNotFound
	}

	return nil
}

// DecrementStock атомарно уменьшает остаток, если его хватает.
// Условный UPDATE не допускает ухода остатка в минус при любой конкуренции.
func (e *Engine) DecrementStock(tx domain.TxToken, id string, qty int32) error {
	if qty <= 0 {
		return domain.ErrItemQtyInvalid
	}

	q, err := e.querier(tx)
	if err != nil {
		return err
	}

	ctx, cancel := opContext()
	defer cancel()

	res, err := q.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity - $2,
		    updated_at = $3
		WHERE id = $1
		  AND stock_quantity >= $2
	`, id, qty, time.Now().UTC())
	if err != nil {
		return translateTxError(err, "decrement stock")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := e.rowExists(ctx, q, `SELECT 1 FROM products WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrProductNotFound
		}
		return domain.ErrInsufficientStock
	}

	return nil
}

// SaveOrder сохраняет заказ вместе с позициями и возвращает идентификатор.
// Вне транзакции заказ и позиции пишутся в собственной короткой транзакции.
func (e *Engine) SaveOrder(tx domain.TxToken, order domain.Order) (string, error) {
	if tx == domain.NoTx {
		if err := e.ensureConnected(); err != nil {
			return "", err
		}

		ctx, cancel := opContext()
		defer cancel()

		sqlTx, err := e.db.BeginTx(ctx, nil)
		if err != nil {
			return "", fmt.Errorf("begin save order tx: %w", err)
		}
		id, err := e.insertOrder(ctx, sqlTx, order)
		if err != nil {
			_ = sqlTx.Rollback()
			return "", err
		}
		if err := sqlTx.Commit(); err != nil {
			return "", fmt.Errorf("commit save order: %w", err)
		}
		return id, nil
	}

	q, err := e.querier(tx)
	if err != nil {
		return "", err
	}

	ctx, cancel := opContext()
	defer cancel()

	return e.insertOrder(ctx, q, order)
}

func (e *Engine) insertOrder(ctx context.Context, q querier, order domain.Order) (string, error) {
	var seq int64
	if err := q.QueryRowContext(ctx, `SELECT nextval('order_id_seq')`).Scan(&seq); err != nil {
		return "", fmt.Errorf("next order id: %w", err)
	}
	order.ID = fmt.Sprintf("ORD-%d", seq)

	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO orders (
			id, customer_id, status, currency,
			subtotal_minor, tax_minor, shipping_minor, discount_minor, total_minor,
			version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		order.ID, order.CustomerID, string(order.Status), order.Currency,
		order.SubtotalMinor, order.TaxMinor, order.ShippingMinor, order.DiscountMinor, order.TotalMinor,
		order.Version, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return "", translateTxError(err, "insert order")
	}

	for pos, item := range order.Items {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO order_items (
				order_id, position, product_id, product_name,
				qty, unit_price_minor, total_price_minor
			) VALUES ($1,$2,$3,$4,$5,$6,$7)
		`,
			order.ID, pos, item.ProductID, item.ProductName,
			item.Qty, item.UnitPriceMinor, item.TotalPriceMinor,
		); err != nil {
			return "", translateTxError(err, "insert order item")
		}
	}

	return order.ID, nil
}

// GetOrder возвращает закоммиченный заказ или ErrOrderNotFound.
func (e *Engine) GetOrder(id string) (domain.Order, error) {
	if err := e.ensureConnected(); err != nil {
		return domain.Order{}, err
	}

	ctx, cancel := opContext()
	defer cancel()

	order, err := e.scanOrder(e.db.QueryRowContext(ctx, orderSelect+` WHERE id = $1`, id))
	if err != nil {
		return domain.Order{}, err
	}

	items, err := e.loadItems(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items

	return order, nil
}

// ListOrdersByCustomer возвращает заказы клиента, ограничивая выборку limit (если > 0).
func (e *Engine) ListOrdersByCustomer(customerID string, limit int) ([]domain.Order, error) {
	if err := e.ensureConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := opContext()
	defer cancel()

	query := orderSelect + ` WHERE customer_id = $1 ORDER BY created_at DESC, id DESC`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = e.db.QueryContext(ctx, query+` LIMIT $2`, customerID, limit)
	} else {
		rows, err = e.db.QueryContext(ctx, query, customerID)
	}
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		var (
			order  domain.Order
			status string
		)
		if err := rows.Scan(
			&order.ID, &order.CustomerID, &status, &order.Currency,
			&order.SubtotalMinor, &order.TaxMinor, &order.ShippingMinor,
			&order.DiscountMinor, &order.TotalMinor,
			&order.Version, &order.CreatedAt, &order.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		order.Status = domain.OrderStatus(status)

		items, err := e.loadItems(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		order.Items = items
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	return orders, nil
}

// UpdateOrderStatus переводит заказ в новый статус. Допустимость перехода
// проверяет слой оркестрации; engine отвечает только за существование записи.
func (e *Engine) UpdateOrderStatus(tx domain.TxToken, id string, status domain.OrderStatus) error {
	if !status.Valid() {
		return domain.ErrStatusInvalid
	}

	q, err := e.querier(tx)
	if err != nil {
		return err
	}

	ctx, cancel := opContext()
	defer cancel()

	res, err := q.ExecContext(ctx, `
		UPDATE orders
		SET status = $2,
		    version = version + 1,
		    updated_at = $3
		WHERE id = $1
	`, id, string(status), time.Now().UTC())
	if err != nil {
		return translateTxError(err, "update order status")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrOrderNotFound
	}

	return nil
}

// BeginTx открывает транзакцию БД и возвращает её токен.
func (e *Engine) BeginTx() (domain.TxToken, error) {
	if err := e.ensureConnected(); err != nil {
		return domain.NoTx, err
	}

	sqlTx, err := e.db.BeginTx(context.Background(), nil)
	if err != nil {
		return domain.NoTx, fmt.Errorf("%w: %v", domain.ErrTxUnavailable, err)
	}

	token := domain.TxToken("TXN-" + uuid.NewString())

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		_ = sqlTx.Rollback()
		return domain.NoTx, domain.ErrNotConnected
	}
	e.txs[token] = sqlTx
	return token, nil
}

// CommitTx применяет транзакцию. При конфликте сериализации или обрыве
// соединения база уже откатила изменения, токен освобождается в любом случае.
func (e *Engine) CommitTx(tx domain.TxToken) error {
	sqlTx, err := e.takeTx(tx)
	if err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return domain.ErrTxConflict
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// RollbackTx отбрасывает транзакцию.
func (e *Engine) RollbackTx(tx domain.TxToken) error {
	sqlTx, err := e.takeTx(tx)
	if err != nil {
		return err
	}

	if err := sqlTx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback tx: %w", err)
	}
	return nil
}

const productSelect = `
	SELECT id, sku, name, description, category, brand,
	       base_price_minor, currency, stock_quantity, is_active,
	       created_at, updated_at
	FROM products`

const orderSelect = `
	SELECT id, customer_id, status, currency,
	       subtotal_minor, tax_minor, shipping_minor, discount_minor, total_minor,
	       version, created_at, updated_at
	FROM orders`

func (e *Engine) scanProduct(row *sql.Row) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(
		&p.ID, &p.SKU, &p.Name, &p.Description, &p.Category, &p.Brand,
		&p.BasePriceMinor, &p.Currency, &p.StockQuantity, &p.IsActive,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, fmt.Errorf("select product: %w", err)
	}
	return p, nil
}

func (e *Engine) scanOrder(row *sql.Row) (domain.Order, error) {
	var (
		order  domain.Order
		status string
	)
	err := row.Scan(
		&order.ID, &order.CustomerID, &status, &order.Currency,
		&order.SubtotalMinor, &order.TaxMinor, &order.ShippingMinor,
		&order.DiscountMinor, &order.TotalMinor,
		&order.Version, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}
	order.Status = domain.OrderStatus(status)
	return order, nil
}

func (e *Engine) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT product_id, product_name, qty, unit_price_minor, total_price_minor
		FROM order_items
		WHERE order_id = $1
		ORDER BY position
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(
			&item.ProductID, &item.ProductName, &item.Qty,
			&item.UnitPriceMinor, &item.TotalPriceMinor,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}

	return items, nil
}

func (e *Engine) ensureConnected() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return domain.ErrNotConnected
	}
	return nil
}

// querier возвращает исполнителя для токена: *sql.DB для NoTx,
// зарегистрированный *sql.Tx для открытой транзакции.
func (e *Engine) querier(tx domain.TxToken) (querier, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return nil, domain.ErrNotConnected
	}
	if tx == domain.NoTx {
		return e.db, nil
	}
	sqlTx, ok := e.txs[tx]
	if !ok {
		return nil, domain.ErrTxNotFound
	}
	return sqlTx, nil
}

func (e *Engine) takeTx(tx domain.TxToken) (*sql.Tx, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return nil, domain.ErrNotConnected
	}
	sqlTx, ok := e.txs[tx]
	if !ok {
		return nil, domain.ErrTxNotFound
	}
	delete(e.txs, tx)
	return sqlTx, nil
}

func (e *Engine) rowExists(ctx context.Context, q querier, query string, args ...any) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("existence check: %w", err)
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// translateTxError переводит ошибки закрытой или сорванной транзакции
// в sentinel-ошибки контракта хранилища.
func translateTxError(err error, op string) error {
	if errors.Is(err, sql.ErrTxDone) {
		return domain.ErrTxNotFound
	}
	if isSerializationFailure(err) {
		return domain.ErrTxConflict
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isSerializationFailure распознаёт serialization_failure и deadlock_detected.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

var _ domain.StoragePort = (*Engine)(nil)

package memory

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/labrise/ims/internal/domain"
)

// txState накапливает staged-записи одной открытой транзакции.
// Записи не видны чтениям до CommitTx и отбрасываются на RollbackTx.
type txState struct {
	products   []domain.Product
	orders     []domain.Order
	stockSets  map[string]int32
	decrements map[string]int32
	statuses   map[string]domain.OrderStatus
	startedAt  time.Time
}

func newTxState() *txState {
	return &txState{
		stockSets:  make(map[string]int32),
		decrements: make(map[string]int32),
		statuses:   make(map[string]domain.OrderStatus),
		startedAt:  time.Now().UTC(),
	}
}

// Engine — эталонная in-memory реализация StoragePort.
//
// Транзакции настоящие: записи staged под токеном, декременты остатка
// резервируются на этапе записи против суммы всех открытых резервов, поэтому
// чисто-декрементные транзакции никогда не падают на commit, а остаток не
// уходит в минус при конкурентных вызовах. Абсолютные установки остатка
// проверяются против резервов при записи; commit, чьи staged-записи стали
// неприменимы, завершается ErrTxConflict и отбрасывается целиком.
type Engine struct {
	mu        sync.RWMutex
	connected bool

	products map[string]domain.Product
	orders   map[string]domain.Order
	// skuIndex отражает уникальность артикула: sku -> product id.
	skuIndex map[string]string

	productSeq atomic.Int64
	orderSeq   atomic.Int64

	txs map[domain.TxToken]*txState
	// pendingDec агрегирует зарезервированные декременты всех открытых транзакций.
	pendingDec map[string]int32
}

// NewEngine создаёт отключённый engine; перед использованием нужен Connect.
func NewEngine() *Engine {
	return &Engine{
		products:   make(map[string]domain.Product),
		orders:     make(map[string]domain.Order),
		skuIndex:   make(map[string]string),
		txs:        make(map[domain.TxToken]*txState),
		pendingDec: make(map[string]int32),
	}
}

// Connect переводит engine в рабочее состояние.
func (e *Engine) Connect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.connected = true
	return nil
}

// Disconnect разрывает соединение, откатывает открытые транзакции и
// освобождает данные. Поведение повторяет жизненный цикл реального
// подключения: после Disconnect состояние пусто.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.connected = false
	e.products = make(map[string]domain.Product)
	e.orders = make(map[string]domain.Order)
	e.skuIndex = make(map[string]string)
	e.txs = make(map[domain.TxToken]*txState)
	e.pendingDec = make(map[string]int32)
}

// IsConnected сообщает, принимает ли engine операции.
func (e *Engine) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// SaveProduct сохраняет товар и возвращает сгенерированный идентификатор.
func (e *Engine) SaveProduct(tx domain.TxToken, product domain.Product) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return "", domain.ErrNotConnected
	}

	state, err := e.txState(tx)
	if err != nil {
		return "", err
	}

	if product.SKU != "" {
		if _, exists := e.skuIndex[product.SKU]; exists {
			return "", domain.ErrDuplicateSKU
		}
		if state != nil {
			for _, staged := range state.products {
				if staged.SKU == product.SKU {
					return "", domain.ErrDuplicateSKU
				}
			}
		}
	}

	product.ID = fmt.Sprintf("PROD-%d", e.productSeq.Add(1))
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now

	if state != nil {
		state.products = append(state.products, product)
		return product.ID, nil
	}

	e.products[product.ID] = product
	if product.SKU != "" {
		e.skuIndex[product.SKU] = product.ID
	}
	return product.ID, nil
}

// GetProduct возвращает закоммиченный товар или ErrProductNotFound.
func (e *Engine) GetProduct(id string) (domain.Product, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.connected {
		return domain.Product{}, domain.ErrNotConnected
	}
	product, ok := e.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return product, nil
}

// GetProductBySKU возвращает товар по артикулу или ErrProductNotFound.
func (e *Engine) GetProductBySKU(sku string) (domain.Product, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.connected {
		return domain.Product{}, domain.ErrNotConnected
	}
	id, ok := e.skuIndex[sku]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return e.products[id], nil
}

// ListProductsByCategory возвращает товары категории, отсортированные по id.
func (e *Engine) ListProductsByCategory(category string) ([]domain.Product, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.connected {
		return nil, domain.ErrNotConnected
	}

	result := make([]domain.Product, 0)
	for _, product := range e.products {
		if product.Category == category {
			result = append(result, product)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// UpdateProductStock выставляет абсолютное значение остатка.
// Значение должно покрывать уже зарезервированные декременты открытых
// транзакций, иначе их commit ушёл бы в минус.
func (e *Engine) UpdateProductStock(tx domain.TxToken, id string, newQty int32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return domain.ErrNotConnected
	}
	if newQty < 0 {
		return domain.ErrStockNegative
	}

	state, err := e.txState(tx)
	if err != nil {
		return err
	}

	if _, ok := e.products[id]; !ok && !stagedProduct(state, id) {
		return domain.ErrProductNotFound
	}
	if newQty < e.pendingDec[id] {
		return domain.ErrTxConflict
	}

	if state != nil {
		state.stockSets[id] = newQty
		return nil
	}

	product := e.products[id]
	product.StockQuantity = newQty
	product.UpdatedAt = time.Now().UTC()
	e.products[id] = product
	return nil
}

// DecrementStock атомарно уменьшает остаток, если его хватает с учётом
// резервов других открытых транзакций.
func (e *Engine) DecrementStock(tx domain.TxToken, id string, qty int32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return domain.ErrNotConnected
	}
	if qty <= 0 {
		return domain.ErrItemQtyInvalid
	}

	state, err := e.txState(tx)
	if err != nil {
		return err
	}

	base, ok := e.effectiveStock(state, id)
	if !ok {
		return domain.ErrProductNotFound
	}
	if base-e.pendingDec[id] < qty {
		return domain.ErrInsufficientStock
	}

	if state != nil {
		state.decrements[id] += qty
		e.pendingDec[id] += qty
		return nil
	}

	product := e.products[id]
	product.StockQuantity -= qty
	product.UpdatedAt = time.Now().UTC()
	e.products[id] = product
	return nil
}

// SaveOrder сохраняет заказ и возвращает сгенерированный идентификатор.
func (e *Engine) SaveOrder(tx domain.TxToken, order domain.Order) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return "", domain.ErrNotConnected
	}

	state, err := e.txState(tx)
	if err != nil {
		return "", err
	}

	order.ID = fmt.Sprintf("ORD-%d", e.orderSeq.Add(1))
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}

	// Позиции копируются, чтобы последующие мутации вызывающей стороны
	// не просачивались в хранилище.
	items := make([]domain.OrderItem, len(order.Items))
	copy(items, order.Items)
	order.Items = items

	if state != nil {
		state.orders = append(state.orders, order)
		return order.ID, nil
	}

	e.orders[order.ID] = order
	return order.ID, nil
}

// GetOrder возвращает закоммиченный заказ или ErrOrderNotFound.
func (e *Engine) GetOrder(id string) (domain.Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.connected {
		return domain.Order{}, domain.ErrNotConnected
	}
	order, ok := e.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

// ListOrdersByCustomer возвращает заказы клиента, ограничивая выборку limit (если > 0).
func (e *Engine) ListOrdersByCustomer(customerID string, limit int) ([]domain.Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.connected {
		return nil, domain.ErrNotConnected
	}

	result := make([]domain.Order, 0)
	for _, order := range e.orders {
		if order.CustomerID != customerID {
			continue
		}
		result = append(result, cloneOrder(order))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// UpdateOrderStatus переводит заказ в новый статус. Допустимость перехода
// проверяет слой оркестрации; engine отвечает только за существование записи.
func (e *Engine) UpdateOrderStatus(tx domain.TxToken, id string, status domain.OrderStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return domain.ErrNotConnected
	}
	if !status.Valid() {
		return domain.ErrStatusInvalid
	}

	state, err := e.txState(tx)
	if err != nil {
		return err
	}

	if _, ok := e.orders[id]; !ok && !stagedOrder(state, id) {
		return domain.ErrOrderNotFound
	}

	if state != nil {
		state.statuses[id] = status
		return nil
	}

	order := e.orders[id]
	order.Status = status
	order.Version++
	order.UpdatedAt = time.Now().UTC()
	e.orders[id] = order
	return nil
}

// BeginTx открывает транзакцию и возвращает свежий уникальный токен.
func (e *Engine) BeginTx() (domain.TxToken, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return domain.NoTx, domain.ErrNotConnected
	}

	token := domain.TxToken("TXN-" + uuid.NewString())
	e.txs[token] = newTxState()
	return token, nil
}

// CommitTx атомарно применяет staged-записи транзакции. Если записи стали
// неприменимы (конфликтующий абсолютный set, занятый артикул), транзакция
// отбрасывается целиком и возвращается ErrTxConflict.
func (e *Engine) CommitTx(tx domain.TxToken) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return domain.ErrNotConnected
	}
	state, ok := e.txs[tx]
	if !ok {
		return domain.ErrTxNotFound
	}

	if err := e.validateCommit(state); err != nil {
		e.releaseTx(tx, state)
		return err
	}

	now := time.Now().UTC()

	for _, product := range state.products {
		e.products[product.ID] = product
		if product.SKU != "" {
			e.skuIndex[product.SKU] = product.ID
		}
	}
	for _, order := range state.orders {
		e.orders[order.ID] = order
	}
	for id, qty := range state.stockSets {
		product := e.products[id]
		product.StockQuantity = qty
		product.UpdatedAt = now
		e.products[id] = product
	}
	for id, qty := range state.decrements {
		product := e.products[id]
		product.StockQuantity -= qty
		product.UpdatedAt = now
		e.products[id] = product
	}
	for id, status := range state.statuses {
		order := e.orders[id]
		order.Status = status
		order.Version++
		order.UpdatedAt = now
		e.orders[id] = order
	}

	e.releaseTx(tx, state)
	return nil
}

// RollbackTx отбрасывает staged-записи и освобождает резервы транзакции.
func (e *Engine) RollbackTx(tx domain.TxToken) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return domain.ErrNotConnected
	}
	state, ok := e.txs[tx]
	if !ok {
		return domain.ErrTxNotFound
	}

	e.releaseTx(tx, state)
	return nil
}

// OpenTxCount возвращает число открытых транзакций (для метрик и тестов).
func (e *Engine) OpenTxCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.txs)
}

// txState возвращает состояние транзакции по токену; nil для NoTx.
func (e *Engine) txState(tx domain.TxToken) (*txState, error) {
	if tx == domain.NoTx {
		return nil, nil
	}
	state, ok := e.txs[tx]
	if !ok {
		return nil, domain.ErrTxNotFound
	}
	return state, nil
}

// effectiveStock возвращает базовый остаток товара с учётом staged-записей
// собственной транзакции.
func (e *Engine) effectiveStock(state *txState, id string) (int32, bool) {
	if state != nil {
		if qty, ok := state.stockSets[id]; ok {
			return qty, true
		}
	}
	if product, ok := e.products[id]; ok {
		return product.StockQuantity, true
	}
	if state != nil {
		for _, staged := range state.products {
			if staged.ID == id {
				return staged.StockQuantity, true
			}
		}
	}
	return 0, false
}

// validateCommit проверяет, что staged-записи всё ещё применимы.
func (e *Engine) validateCommit(state *txState) error {
	for _, product := range state.products {
		if existingID, exists := e.skuIndex[product.SKU]; product.SKU != "" && exists && existingID != product.ID {
			return domain.ErrTxConflict
		}
	}

	// Декремент применим, если после него остаток покрывает резервы
	// остальных открытых транзакций.
	for id, qty := range state.decrements {
		base, ok := e.effectiveStock(state, id)
		if !ok {
			return domain.ErrTxConflict
		}
		others := e.pendingDec[id] - qty
		if base-qty < others {
			return domain.ErrTxConflict
		}
	}

	for id := range state.stockSets {
		if _, ok := e.products[id]; !ok && !stagedProduct(state, id) {
			return domain.ErrTxConflict
		}
	}
	for id := range state.statuses {
		if _, ok := e.orders[id]; !ok && !stagedOrder(state, id) {
			return domain.ErrTxConflict
		}
	}
	return nil
}

// releaseTx освобождает резервы и закрывает транзакцию.
func (e *Engine) releaseTx(tx domain.TxToken, state *txState) {
	for id, qty := range state.decrements {
		if remaining := e.pendingDec[id] - qty; remaining > 0 {
			e.pendingDec[id] = remaining
		} else {
			delete(e.pendingDec, id)
		}
	}
	delete(e.txs, tx)
}

func stagedProduct(state *txState, id string) bool {
	if state == nil {
		return false
	}
	for _, product := range state.products {
		if product.ID == id {
			return true
		}
	}
	return false
}

func stagedOrder(state *txState, id string) bool {
	if state == nil {
		return false
	}
	for _, order := range state.orders {
		if order.ID == id {
			return true
		}
	}
	return false
}

func cloneOrder(order domain.Order) domain.Order {
	items := make([]domain.OrderItem, len(order.Items))
	copy(items, order.Items)
	order.Items = items
	return order
}

var _ domain.StoragePort = (*Engine)(nil)

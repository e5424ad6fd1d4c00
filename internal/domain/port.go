package domain

import "time"

// TxToken — непрозрачный идентификатор открытой транзакции хранилища.
// Нулевой токен означает autocommit: запись применяется немедленно.
// Токен живёт от BeginTx до CommitTx/RollbackTx и не переживает вызов оркестрации.
type TxToken string

// NoTx — нулевой токен для операций вне транзакции.
const NoTx TxToken = ""

// StoragePort описывает контракт хранилища для сервиса инвентаря.
// Любой бэкенд (in-memory, PostgreSQL, embedded KV) обязан реализовать его
// полностью, включая правило сигнализации ошибок: ожидаемые бизнес-отказы
// возвращаются sentinel-ошибками (ErrProductNotFound, ErrInsufficientStock, ...),
// которые вызывающая сторона различает через errors.Is; паники допустимы только
// для нарушений программного контракта.
type StoragePort interface {
	// Connect устанавливает соединение с хранилищем.
	Connect() error
	// Disconnect разрывает соединение и освобождает ресурсы.
	// Открытые транзакции при этом откатываются.
	Disconnect()
	// IsConnected сообщает, готово ли хранилище принимать операции.
	IsConnected() bool

	// SaveProduct сохраняет новый товар и возвращает сгенерированный идентификатор.
	SaveProduct(tx TxToken, product Product) (string, error)
	// GetProduct возвращает товар или ErrProductNotFound.
	// Чтения всегда видят только закоммиченное состояние.
	GetProduct(id string) (Product, error)
	// GetProductBySKU возвращает товар по артикулу или ErrProductNotFound.
	GetProductBySKU(sku string) (Product, error)
	// ListProductsByCategory возвращает товары категории; пустая выборка — не ошибка.
	ListProductsByCategory(category string) ([]Product, error)
	// UpdateProductStock выставляет абсолютное значение остатка (>= 0).
	UpdateProductStock(tx TxToken, id string, newQty int32) error
	// DecrementStock атомарно уменьшает остаток, если его хватает.
	// Возвращает ErrInsufficientStock без каких-либо изменений, если остатка мало.
	DecrementStock(tx TxToken, id string, qty int32) error

	// SaveOrder сохраняет новый заказ и возвращает сгенерированный идентификатор.
	SaveOrder(tx TxToken, order Order) (string, error)
	// GetOrder возвращает заказ или ErrOrderNotFound.
	GetOrder(id string) (Order, error)
	// ListOrdersByCustomer возвращает заказы клиента с опциональным ограничением выборки.
	ListOrdersByCustomer(customerID string, limit int) ([]Order, error)
	// UpdateOrderStatus переводит заказ в новый статус.
	// Допустимость перехода проверяет слой оркестрации, хранилище — только существование.
	UpdateOrderStatus(tx TxToken, id string, status OrderStatus) error

	// BeginTx открывает транзакцию и возвращает её токен.
	BeginTx() (TxToken, error)
	// CommitTx атомарно применяет все staged-записи транзакции.
	CommitTx(tx TxToken) error
	// RollbackTx отбрасывает staged-записи транзакции.
	RollbackTx(tx TxToken) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	List(orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, httpStatus int) error
	MarkFailed(key string, responseBody []byte, httpStatus int) error
	DeleteExpired(before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

package domain

import "errors"

var (
	// Ошибка отсутствующего имени товара.
	ErrProductNameRequired = errors.New("product name is required")
	// Ошибка отсутствующего артикула товара.
	ErrProductSKURequired = errors.New("product sku is required")
	// Ошибка отрицательной базовой цены.
	ErrPriceNegative = errors.New("base price must be non-negative")
	// Ошибка отрицательного остатка на складе.
	ErrStockNegative = errors.New("stock quantity must be non-negative")
	// Ошибка отсутствующего идентификатора клиента.
	ErrCustomerRequired = errors.New("customer_id is required")
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка отсутствующей ссылки на товар в позиции заказа.
	ErrItemProductRequired = errors.New("item product_id is required")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item qty must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка, если стоимость позиции не равна qty * price.
	ErrItemTotalMismatch = errors.New("item total does not match qty * unit price")
	// Ошибка несоответствия subtotal и сумм позиций.
	ErrSubtotalMismatch = errors.New("order subtotal does not match items sum")
	// Ошибка несоответствия итога заказа денежному инварианту.
	ErrTotalMismatch = errors.New("order total does not match subtotal + shipping + tax - discount")
	// Ошибка неизвестного статуса заказа.
	ErrStatusInvalid = errors.New("order status is invalid")
	// Ошибка отсутствующего идентификатора в запросе к хранилищу.
	ErrIDRequired = errors.New("id is required")

	// ErrProductNotFound возвращается, если товар не найден в хранилище.
	ErrProductNotFound = errors.New("product not found")
	// ErrOrderNotFound возвращается, если заказ не найден в хранилище.
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicateSKU сигнализирует о попытке сохранить товар с занятым артикулом.
	ErrDuplicateSKU = errors.New("product with this sku already exists")
	// ErrDuplicateID сигнализирует о конфликте идентификаторов при сохранении.
	ErrDuplicateID = errors.New("record with this id already exists")
	// ErrInsufficientStock — бизнес-ошибка: запрошено больше, чем есть на складе.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrVersionConflict сигнализирует о конфликте версий при сохранении заказа.
	ErrVersionConflict = errors.New("order version conflict")
	// ErrInvalidStatusTransition — переход статуса нарушает конвейер заказа.
	ErrInvalidStatusTransition = errors.New("illegal order status transition")

	// ErrNotConnected возвращается при обращении к неподключённому хранилищу.
	ErrNotConnected = errors.New("storage is not connected")
	// ErrTxNotFound возвращается для неизвестного или уже закрытого токена транзакции.
	ErrTxNotFound = errors.New("transaction not found or already closed")
	// ErrTxConflict — staged-записи транзакции больше неприменимы на commit.
	ErrTxConflict = errors.New("transaction conflict on commit")
	// ErrTxUnavailable — хранилище не смогло открыть транзакцию.
	ErrTxUnavailable = errors.New("storage cannot begin transaction")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	// ErrIdempotencyKeyRequired — пустой idempotency-key в запросе.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — пустой хэш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyNotFound — запись по ключу отсутствует.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	// ErrIdempotencyKeyAlreadyExists — ключ уже зарегистрирован с тем же запросом.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — ключ переиспользован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
)

// IsNotFound проверяет, является ли ошибка отсутствием записи.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProductNotFound) || errors.Is(err, ErrOrderNotFound)
}

// IsInsufficientStock проверяет, является ли ошибка нехваткой остатка.
func IsInsufficientStock(err error) bool {
	return errors.Is(err, ErrInsufficientStock)
}

// IsTxFailure проверяет, относится ли ошибка к жизненному циклу транзакции.
func IsTxFailure(err error) bool {
	return errors.Is(err, ErrTxNotFound) || errors.Is(err, ErrTxConflict) || errors.Is(err, ErrTxUnavailable)
}

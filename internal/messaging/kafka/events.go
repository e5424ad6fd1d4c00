package kafka

import "time"

// EventType определяет тип события
type EventType string

const (
	// Catalog события
	EventTypeProductAdded EventType = "product.added"
	EventTypeStockChanged EventType = "product.stock_changed"

	// Order события
	EventTypeOrderCreated       EventType = "order.created"
	EventTypeOrderStatusChanged EventType = "order.status_changed"
	EventTypeOrderProcessed     EventType = "order.processed"
	EventTypeOrderProcessFailed EventType = "order.process_failed"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "ims.order.events"
	TopicInventoryEvents = "ims.inventory.events"
	TopicDeadLetterQueue = "ims.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// OrderEvent представляет событие заказа
type OrderEvent struct {
	EventType  EventType              `json:"event_type"`
	OrderID    string                 `json:"order_id"`
	CustomerID string                 `json:"customer_id"`
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// InventoryEvent представляет событие каталога или остатков
type InventoryEvent struct {
	EventType EventType              `json:"event_type"`
	ProductID string                 `json:"product_id"`
	SKU       string                 `json:"sku,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewOrderEvent создает новое событие заказа
func NewOrderEvent(eventType EventType, orderID, customerID, status string, metadata map[string]interface{}) *OrderEvent {
	return &OrderEvent{
		EventType:  eventType,
		OrderID:    orderID,
		CustomerID: customerID,
		Status:     status,
		Timestamp:  time.Now(),
		Metadata:   metadata,
	}
}

// NewInventoryEvent создает новое событие каталога
func NewInventoryEvent(eventType EventType, productID, sku string, metadata map[string]interface{}) *InventoryEvent {
	return &InventoryEvent{
		EventType: eventType,
		ProductID: productID,
		SKU:       sku,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}
}

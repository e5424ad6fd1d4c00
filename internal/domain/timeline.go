package domain

import "time"

// Типы событий в таймлайне заказа. Тип попадает в API как есть,
// поэтому значения стабильны.
const (
	TimelineOrderCreated   = "OrderCreated"
	TimelineStatusChanged  = "OrderStatusChanged"
	TimelineOrderProcessed = "OrderProcessed"
	TimelineProcessFailed  = "OrderProcessFailed"
)

// TimelineEvent — одна запись в истории заказа. Reason хранит
// человекочитаемый контекст, например переход статуса.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Reason   string
	Occurred time.Time
}

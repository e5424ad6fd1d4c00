package domain

import (
	"strings"
	"time"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, но обработка ещё не началась.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed — заказ подтверждён и принят в работу.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing — заказ собирается на складе.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped — заказ передан в доставку.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered — заказ доставлен клиенту; терминальный статус.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled — заказ отменён; терминальный статус.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// statusRank задаёт порядок прямых переходов конвейера.
var statusRank = map[OrderStatus]int{
	OrderStatusPending:    0,
	OrderStatusConfirmed:  1,
	OrderStatusProcessing: 2,
	OrderStatusShipped:    3,
	OrderStatusDelivered:  4,
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	if s == OrderStatusCancelled {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// Terminal сообщает, завершён ли жизненный цикл заказа.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusDelivered
}

// CanTransitionTo проверяет допустимость перехода статуса.
// Правила: из cancelled выхода нет; delivered допускает только идемпотентный
// переход в delivered; остальные переходы строго вперёд по конвейеру,
// cancelled достижим из любого нетерминального статуса.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	switch s {
	case OrderStatusCancelled:
		return false
	case OrderStatusDelivered:
		return next == OrderStatusDelivered
	}
	if next == OrderStatusCancelled {
		return true
	}
	return statusRank[next] > statusRank[s]
}

// OrderItem представляет одну позицию заказа. Значение неизменяемо и
// принадлежит заказу, который его содержит.
type OrderItem struct {
	// ProductID ссылается на товар каталога.
	ProductID string
	// ProductName — имя товара на момент оформления.
	ProductName string
	// Qty — количество единиц товара, > 0.
	Qty int32
	// UnitPriceMinor — цена за единицу в минимальных денежных единицах.
	UnitPriceMinor int64
	// TotalPriceMinor — стоимость позиции: UnitPriceMinor * Qty.
	TotalPriceMinor int64
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID         string
	CustomerID string
	Status     OrderStatus
	Currency   string
	Items      []OrderItem

	// Денежные итоги в минимальных единицах.
	// Инвариант: TotalMinor = SubtotalMinor + ShippingMinor + TaxMinor - DiscountMinor.
	SubtotalMinor int64
	TaxMinor      int64
	ShippingMinor int64
	DiscountMinor int64
	TotalMinor    int64

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if strings.TrimSpace(o.CustomerID) == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.Status != "" && !o.Status.Valid() {
		errs = append(errs, ErrStatusInvalid)
	}

	// Сверяем сумму позиций с subtotal: qty * price.
	var calc int64
	for _, item := range o.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			errs = append(errs, ErrItemProductRequired)
		}
		if item.Qty <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.UnitPriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		if item.TotalPriceMinor != int64(item.Qty)*item.UnitPriceMinor {
			errs = append(errs, ErrItemTotalMismatch)
		}
		calc += item.TotalPriceMinor
	}
	if calc != o.SubtotalMinor {
		errs = append(errs, ErrSubtotalMismatch)
	}
	if o.TotalMinor != o.SubtotalMinor+o.ShippingMinor+o.TaxMinor-o.DiscountMinor {
		errs = append(errs, ErrTotalMismatch)
	}

	return errs
}

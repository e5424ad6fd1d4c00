package inventory

import (
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/labrise/ims/internal/domain"
	"github.com/labrise/ims/internal/metrics"
)

// Service — оркестрация операций каталога и заказов поверх StoragePort.
// Бизнес-правила (дубликаты SKU, достаточность остатка, допустимость
// переходов статуса) проверяются здесь; порт отвечает за атомарность.
type Service struct {
	storage  domain.StoragePort
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	logger   *log.Entry
	metrics  *metrics.InventoryMetrics
}

// NewService создаёт рабочий экземпляр сервиса.
func NewService(
	storage domain.StoragePort,
	outbox domain.OutboxRepository,
	timeline domain.TimelineRepository,
	logger *log.Entry,
) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "inventory")
	}
	return &Service{
		storage:  storage,
		outbox:   outbox,
		timeline: timeline,
		logger:   logger,
		metrics:  metrics.NewInventoryMetrics(),
	}
}

// NewServiceWithoutMetrics создаёт сервис без метрик (для тестов).
func NewServiceWithoutMetrics(
	storage domain.StoragePort,
	outbox domain.OutboxRepository,
	timeline domain.TimelineRepository,
	logger *log.Entry,
) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "inventory")
	}
	return &Service{
		storage:  storage,
		outbox:   outbox,
		timeline: timeline,
		logger:   logger,
	}
}

// AddProduct добавляет товар в каталог. Товар с уже занятым артикулом
// отклоняется с ErrDuplicateSKU.
func (s *Service) AddProduct(product domain.Product) (domain.Product, error) {
	start := time.Now()
	defer s.recordOp("add_product", start)

	if errs := product.ValidateInvariants(); len(errs) > 0 {
		return domain.Product{}, errs[0]
	}

	if _, err := s.storage.GetProductBySKU(product.SKU); err == nil {
		s.logger.WithField("sku", product.SKU).Warn("duplicate sku rejected")
		return domain.Product{}, domain.ErrDuplicateSKU
	} else if !domain.IsNotFound(err) {
		return domain.Product{}, err
	}

	id, err := s.storage.SaveProduct(domain.NoTx, product)
	if err != nil {
		s.logger.WithError(err).WithField("sku", product.SKU).Error("save product failed")
		return domain.Product{}, err
	}

	saved, err := s.storage.GetProduct(id)
	if err != nil {
		return domain.Product{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordProductAdded()
	}
	s.emitEvent("product", saved.ID, "ProductAdded", map[string]interface{}{
		"sku":            saved.SKU,
		"name":           saved.Name,
		"stock_quantity": saved.StockQuantity,
	})

	s.logger.WithFields(log.Fields{
		"product_id": saved.ID,
		"sku":        saved.SKU,
	}).Info("product added")
	return saved, nil
}

// GetProduct возвращает товар по идентификатору.
func (s *Service) GetProduct(id string) (domain.Product, error) {
	if id == "" {
		return domain.Product{}, domain.ErrIDRequired
	}
	return s.storage.GetProduct(id)
}

// GetProductBySKU возвращает товар по артикулу.
func (s *Service) GetProductBySKU(sku string) (domain.Product, error) {
	if sku == "" {
		return domain.Product{}, domain.ErrProductSKURequired
	}
	return s.storage.GetProductBySKU(sku)
}

// ProductsByCategory возвращает товары категории.
func (s *Service) ProductsByCategory(category string) ([]domain.Product, error) {
	return s.storage.ListProductsByCategory(category)
}

// SellStock списывает qty единиц товара после продажи вне заказа.
// Списание атомарно: при нехватке остатка возвращается ErrInsufficientStock,
// остаток не меняется.
func (s *Service) SellStock(productID string, qty int32) (domain.Product, error) {
	start := time.Now()
	defer s.recordOp("sell_stock", start)

	if productID == "" {
		return domain.Product{}, domain.ErrIDRequired
	}

	if err := s.storage.DecrementStock(domain.NoTx, productID, qty); err != nil {
		if domain.IsInsufficientStock(err) && s.metrics != nil {
			s.metrics.RecordInsufficientStock()
		}
		s.logger.WithError(err).WithFields(log.Fields{
			"product_id": productID,
			"qty":        qty,
		}).Warn("sell stock rejected")
		return domain.Product{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordStockDecrement()
	}

	product, err := s.storage.GetProduct(productID)
	if err != nil {
		return domain.Product{}, err
	}

	s.emitEvent("product", product.ID, "StockChanged", map[string]interface{}{
		"sku":            product.SKU,
		"sold_qty":       qty,
		"stock_quantity": product.StockQuantity,
	})
	return product, nil
}

// RestockProduct выставляет абсолютный остаток товара.
func (s *Service) RestockProduct(productID string, newQty int32) (domain.Product, error) {
	start := time.Now()
	defer s.recordOp("restock_product", start)

	if productID == "" {
		return domain.Product{}, domain.ErrIDRequired
	}
	if err := s.storage.UpdateProductStock(domain.NoTx, productID, newQty); err != nil {
		return domain.Product{}, err
	}

	product, err := s.storage.GetProduct(productID)
	if err != nil {
		return domain.Product{}, err
	}

	s.emitEvent("product", product.ID, "StockChanged", map[string]interface{}{
		"sku":            product.SKU,
		"stock_quantity": product.StockQuantity,
	})
	return product, nil
}

// CreateOrder сохраняет заказ со статусом pending после предварительных
// проверок: каждый товар существует, остатка хватает на каждую позицию.
// Остаток здесь не списывается; списание делает ProcessOrder.
func (s *Service) CreateOrder(order domain.Order) (domain.Order, error) {
	start := time.Now()
	defer s.recordOp("create_order", start)

	order.Status = domain.OrderStatusPending
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, errs[0]
	}

	for _, item := range order.Items {
		product, err := s.storage.GetProduct(item.ProductID)
		if err != nil {
			s.logger.WithError(err).WithField("product_id", item.ProductID).Warn("order references unknown product")
			return domain.Order{}, err
		}
		if product.StockQuantity < item.Qty {
			if s.metrics != nil {
				s.metrics.RecordInsufficientStock()
			}
			s.logger.WithFields(log.Fields{
				"product_id": item.ProductID,
				"requested":  item.Qty,
				"available":  product.StockQuantity,
			}).Warn("insufficient stock for order")
			return domain.Order{}, domain.ErrInsufficientStock
		}
	}

	id, err := s.storage.SaveOrder(domain.NoTx, order)
	if err != nil {
		s.logger.WithError(err).Error("save order failed")
		return domain.Order{}, err
	}

	saved, err := s.storage.GetOrder(id)
	if err != nil {
		return domain.Order{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordOrderCreated()
	}
	s.appendTimeline(saved.ID, domain.TimelineOrderCreated, "")
	s.emitEvent("order", saved.ID, "OrderCreated", map[string]interface{}{
		"customer_id": saved.CustomerID,
		"status":      string(saved.Status),
		"total_minor": saved.TotalMinor,
	})

	s.logger.WithFields(log.Fields{
		"order_id":    saved.ID,
		"customer_id": saved.CustomerID,
	}).Info("order created")
	return saved, nil
}

// GetOrder возвращает заказ по идентификатору.
func (s *Service) GetOrder(id string) (domain.Order, error) {
	if id == "" {
		return domain.Order{}, domain.ErrIDRequired
	}
	return s.storage.GetOrder(id)
}

// OrdersByCustomer возвращает заказы клиента, свежие первыми.
func (s *Service) OrdersByCustomer(customerID string, limit int) ([]domain.Order, error) {
	if customerID == "" {
		return nil, domain.ErrCustomerRequired
	}
	return s.storage.ListOrdersByCustomer(customerID, limit)
}

// UpdateOrderStatus переводит заказ в новый статус с проверкой допустимости
// перехода. Статусы двигаются только вперёд; cancelled доступен из любого
// нетерминального статуса; delivered → delivered — идемпотентный no-op.
func (s *Service) UpdateOrderStatus(orderID string, next domain.OrderStatus) (domain.Order, error) {
	start := time.Now()
	defer s.recordOp("update_order_status", start)

	if orderID == "" {
		return domain.Order{}, domain.ErrIDRequired
	}
	if !next.Valid() {
		return domain.Order{}, domain.ErrStatusInvalid
	}

	order, err := s.storage.GetOrder(orderID)
	if err != nil {
		return domain.Order{}, err
	}

	if !order.Status.CanTransitionTo(next) {
		if s.metrics != nil {
			s.metrics.RecordStatusRejected()
		}
		s.logger.WithFields(log.Fields{
			"order_id": orderID,
			"from":     order.Status,
			"to":       next,
		}).Warn("status transition rejected")
		return domain.Order{}, domain.ErrInvalidStatusTransition
	}

	// Переход delivered → delivered допустим, но повторять запись незачем.
	if order.Status == next {
		return order, nil
	}

	if err := s.storage.UpdateOrderStatus(domain.NoTx, orderID, next); err != nil {
		s.logger.WithError(err).WithField("order_id", orderID).Error("persist status failed")
		return domain.Order{}, err
	}

	updated, err := s.storage.GetOrder(orderID)
	if err != nil {
		return domain.Order{}, err
	}

	s.appendTimeline(orderID, domain.TimelineStatusChanged, string(next))
	s.emitEvent("order", orderID, "OrderStatusChanged", map[string]interface{}{
		"customer_id": updated.CustomerID,
		"from":        string(order.Status),
		"to":          string(next),
	})

	s.logger.WithFields(log.Fields{
		"order_id": orderID,
		"from":     order.Status,
		"to":       next,
	}).Info("order status updated")
	return updated, nil
}

// ProcessOrder выполняет транзакционную обработку заказа: сохранение заказа
// и списание остатка по каждой позиции происходят в одной транзакции порта.
// Любая неудача до commit откатывает всё. Успешный заказ остаётся в pending;
// дальнейшие переходы статуса — ответственность вызывающего кода.
func (s *Service) ProcessOrder(order domain.Order) (domain.Order, error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordProcessDuration(time.Since(start))
		}
	}()

	order.Status = domain.OrderStatusPending
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, errs[0]
	}

	tx, err := s.storage.BeginTx()
	if err != nil {
		s.logger.WithError(err).Error("begin tx failed")
		return domain.Order{}, err
	}
	if s.metrics != nil {
		s.metrics.RecordTxStarted()
	}

	orderID, err := s.storage.SaveOrder(tx, order)
	if err != nil {
		return domain.Order{}, s.abortProcess(tx, orderID, "save order failed", err)
	}

	for _, item := range order.Items {
		if err := s.storage.DecrementStock(tx, item.ProductID, item.Qty); err != nil {
			if domain.IsInsufficientStock(err) && s.metrics != nil {
				s.metrics.RecordInsufficientStock()
			}
			return domain.Order{}, s.abortProcess(tx, orderID, "stock decrement failed", err)
		}
		if s.metrics != nil {
			s.metrics.RecordStockDecrement()
		}
	}

	if err := s.storage.CommitTx(tx); err != nil {
		// Неудачный commit уже откатил транзакцию на стороне порта.
		if s.metrics != nil {
			s.metrics.RecordTxRolledBack()
			s.metrics.RecordProcessFailed()
		}
		s.logger.WithError(err).WithField("order_id", orderID).Warn("commit failed, order discarded")
		s.appendTimeline(orderID, domain.TimelineProcessFailed, err.Error())
		return domain.Order{}, err
	}
	if s.metrics != nil {
		s.metrics.RecordTxCommitted()
	}

	processed, err := s.storage.GetOrder(orderID)
	if err != nil {
		return domain.Order{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordOrderProcessed()
	}
	s.appendTimeline(orderID, domain.TimelineOrderProcessed, "")
	s.emitEvent("order", orderID, "OrderProcessed", map[string]interface{}{
		"customer_id": processed.CustomerID,
		"status":      string(processed.Status),
		"total_minor": processed.TotalMinor,
	})

	s.logger.WithFields(log.Fields{
		"order_id":    orderID,
		"customer_id": processed.CustomerID,
	}).Info("order processed")
	return processed, nil
}

// abortProcess откатывает транзакцию и фиксирует причину провала.
func (s *Service) abortProcess(tx domain.TxToken, orderID, msg string, rootErr error) error {
	if err := s.storage.RollbackTx(tx); err != nil {
		s.logger.WithError(err).Warn("rollback failed")
	}
	if s.metrics != nil {
		s.metrics.RecordTxRolledBack()
		s.metrics.RecordProcessFailed()
	}
	s.logger.WithError(rootErr).WithField("order_id", orderID).Warn(msg)
	if orderID != "" {
		s.appendTimeline(orderID, domain.TimelineProcessFailed, rootErr.Error())
	}
	return rootErr
}

func (s *Service) appendTimeline(orderID, eventType, reason string) {
	if s.timeline == nil {
		return
	}
	event := domain.TimelineEvent{
		OrderID:  orderID,
		Type:     eventType,
		Reason:   reason,
		Occurred: time.Now().UTC(),
	}
	if err := s.timeline.Append(event); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"event":    eventType,
		}).Warn("append timeline event failed")
	} else if s.metrics != nil {
		s.metrics.RecordTimelineEvent()
	}
}

func (s *Service) emitEvent(aggregateType, aggregateID, eventType string, payload map[string]interface{}) {
	if s.outbox == nil {
		return
	}
	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"aggregate_id": aggregateID,
			"event":        eventType,
		}).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
	}
	if _, err := s.outbox.Enqueue(msg); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"aggregate_id": aggregateID,
			"event":        eventType,
		}).Error("enqueue event failed")
	} else if s.metrics != nil {
		s.metrics.RecordOutboxEvent()
	}
}

func (s *Service) recordOp(operation string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordOperationDuration(operation, time.Since(start))
	}
}

package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// InventoryMetrics содержит метрики операций сервиса инвентаря.
type InventoryMetrics struct {
	// Счётчики операций
	productsAdded     prometheus.Counter
	ordersCreated     prometheus.Counter
	ordersProcessed   prometheus.Counter
	processFailed     prometheus.Counter
	stockDecrements   prometheus.Counter
	insufficientStock prometheus.Counter
	statusRejected    prometheus.Counter

	// Гистограммы времени выполнения
	processDuration prometheus.Histogram
	opDuration      *prometheus.HistogramVec

	// Счётчики транзакций хранилища
	txCommitted  prometheus.Counter
	txRolledBack prometheus.Counter

	// Счётчики событий timeline и outbox
	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	// Gauge для транзакций в полёте
	activeTx prometheus.Gauge
}

// NewInventoryMetrics создаёт новый экземпляр метрик инвентаря.
func NewInventoryMetrics() *InventoryMetrics {
	return newInventoryMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newInventoryMetricsWithRegisterer(registerer prometheus.Registerer) *InventoryMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &InventoryMetrics{
		productsAdded: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ims_products_added_total",
			Help: "Total number of products added to the catalog",
		}),
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ims_orders_created_total",
			Help: "Total number of orders created",
		}),
		ordersProcessed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ims_orders_processed_total",
			Help: "Total number of orders processed successfully",
		}),
		processFailed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ims_orders_process_failed_total",
			Help: "Total number of order processing attempts that failed",
		}),
		stockDecrements: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ims_stock_decrements_total",
			Help: "Total number of successful stock decrements",
		}),
		insufficientStock: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ims_insufficient_stock_total",
			Help: "Total number of operations rejected for insufficient stock",
		}),
		statusRejected: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ims_status_transitions_rejected_total",
			Help: "Total number of rejected order status transitions",
		}),
		processDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "ims_order_process_duration_seconds",
			Help:    "Duration of transactional order processing in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		opDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "ims_operation_duration_seconds",
			Help:    "Duration of individual inventory operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"}),
		txCommitted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ims_storage_tx_committed_total",
			Help: "Total number of committed storage transactions",
		}),
		txRolledBack: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ims_storage_tx_rolled_back_total",
			Help: "Total number of rolled back storage transactions",
		}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ims_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ims_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
		activeTx: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "ims_active_storage_tx",
			Help: "Number of currently open storage transactions",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordProductAdded увеличивает счётчик добавленных товаров.
func (m *InventoryMetrics) RecordProductAdded() {
	m.productsAdded.Inc()
}

// RecordOrderCreated увеличивает счётчик созданных заказов.
func (m *InventoryMetrics) RecordOrderCreated() {
	m.ordersCreated.Inc()
}

// RecordOrderProcessed увеличивает счётчик успешно обработанных заказов.
func (m *InventoryMetrics) RecordOrderProcessed() {
	m.ordersProcessed.Inc()
}

// RecordProcessFailed увеличивает счётчик провалившихся обработок.
func (m *InventoryMetrics) RecordProcessFailed() {
	m.processFailed.Inc()
}

// RecordStockDecrement увеличивает счётчик списаний остатка.
func (m *InventoryMetrics) RecordStockDecrement() {
	m.stockDecrements.Inc()
}

// RecordInsufficientStock увеличивает счётчик отказов из-за нехватки остатка.
func (m *InventoryMetrics) RecordInsufficientStock() {
	m.insufficientStock.Inc()
}

// RecordStatusRejected увеличивает счётчик отклонённых переходов статуса.
func (m *InventoryMetrics) RecordStatusRejected() {
	m.statusRejected.Inc()
}

// RecordProcessDuration записывает время транзакционной обработки заказа.
func (m *InventoryMetrics) RecordProcessDuration(duration time.Duration) {
	m.processDuration.Observe(duration.Seconds())
}

// RecordOperationDuration записывает время выполнения операции.
func (m *InventoryMetrics) RecordOperationDuration(operation string, duration time.Duration) {
	m.opDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTxCommitted увеличивает счётчик закоммиченных транзакций.
func (m *InventoryMetrics) RecordTxCommitted() {
	m.txCommitted.Inc()
	m.activeTx.Dec()
}

// RecordTxRolledBack увеличивает счётчик откаченных транзакций.
func (m *InventoryMetrics) RecordTxRolledBack() {
	m.txRolledBack.Inc()
	m.activeTx.Dec()
}

// RecordTxStarted увеличивает количество открытых транзакций.
func (m *InventoryMetrics) RecordTxStarted() {
	m.activeTx.Inc()
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *InventoryMetrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *InventoryMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}

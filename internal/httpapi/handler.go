package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/labrise/ims/internal/domain"
	"github.com/labrise/ims/internal/service/inventory"
)

const (
	headerIdempotencyKey = "Idempotency-Key"

	defaultIdempotencyTTL = 24 * time.Hour
	defaultRequestTimeout = 15 * time.Second
)

// Handler — HTTP/JSON фасад поверх inventory.Service.
type Handler struct {
	service        *inventory.Service
	timeline       domain.TimelineRepository
	idempotency    domain.IdempotencyRepository
	idempotencyTTL time.Duration
	logger         *log.Entry
}

// Option настраивает Handler при создании.
type Option func(*Handler)

// WithIdempotencyTTL задаёт срок хранения idempotency-записей.
// Неположительное значение оставляет TTL по умолчанию.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(h *Handler) {
		if ttl > 0 {
			h.idempotencyTTL = ttl
		}
	}
}

// NewHandler создаёт HTTP-обработчик. timeline и idempotency опциональны:
// без них соответствующие маршруты возвращают 404 и Idempotency-Key игнорируется.
func NewHandler(
	service *inventory.Service,
	timeline domain.TimelineRepository,
	idempotency domain.IdempotencyRepository,
	logger *log.Entry,
	options ...Option,
) *Handler {
	if logger == nil {
		logger = log.New().WithField("component", "httpapi")
	}
	h := &Handler{
		service:        service,
		timeline:       timeline,
		idempotency:    idempotency,
		idempotencyTTL: defaultIdempotencyTTL,
		logger:         logger,
	}
	for _, option := range options {
		option(h)
	}
	return h
}

// Router собирает chi-роутер со всеми маршрутами API.
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(middleware.Timeout(defaultRequestTimeout))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/products", h.addProduct)
		r.Get("/products", h.listProducts)
		r.Get("/products/{id}", h.getProduct)
		r.Post("/products/{id}/sale", h.sellStock)
		r.Post("/products/{id}/restock", h.restockProduct)

		r.Post("/orders", h.createOrder)
		r.Post("/orders/process", h.processOrder)
		r.Get("/orders/{id}", h.getOrder)
		r.Patch("/orders/{id}/status", h.updateOrderStatus)
		r.Get("/orders/{id}/timeline", h.orderTimeline)

		r.Get("/customers/{id}/orders", h.customerOrders)
	})

	return r
}

type productPayload struct {
	ID             string `json:"id,omitempty"`
	SKU            string `json:"sku"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	Category       string `json:"category,omitempty"`
	Brand          string `json:"brand,omitempty"`
	BasePriceMinor int64  `json:"base_price_minor"`
	Currency       string `json:"currency,omitempty"`
	StockQuantity  int32  `json:"stock_quantity"`
	IsActive       bool   `json:"is_active"`
}

type orderItemPayload struct {
	ProductID       string `json:"product_id"`
	ProductName     string `json:"product_name,omitempty"`
	Qty             int32  `json:"qty"`
	UnitPriceMinor  int64  `json:"unit_price_minor"`
	TotalPriceMinor int64  `json:"total_price_minor"`
}

type orderPayload struct {
	ID            string             `json:"id,omitempty"`
	CustomerID    string             `json:"customer_id"`
	Status        string             `json:"status,omitempty"`
	Currency      string             `json:"currency,omitempty"`
	Items         []orderItemPayload `json:"items"`
	SubtotalMinor int64              `json:"subtotal_minor"`
	TaxMinor      int64              `json:"tax_minor,omitempty"`
	ShippingMinor int64              `json:"shipping_minor,omitempty"`
	DiscountMinor int64              `json:"discount_minor,omitempty"`
	TotalMinor    int64              `json:"total_minor"`
	Version       int64              `json:"version,omitempty"`
}

type errorPayload struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (h *Handler) addProduct(w http.ResponseWriter, r *http.Request) {
	var req productPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}

	saved, err := h.service.AddProduct(domain.Product{
		SKU:            req.SKU,
		Name:           req.Name,
		Description:    req.Description,
		Category:       req.Category,
		Brand:          req.Brand,
		BasePriceMinor: req.BasePriceMinor,
		Currency:       req.Currency,
		StockQuantity:  req.StockQuantity,
		IsActive:       req.IsActive,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductPayload(saved))
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	product, err := h.service.GetProduct(chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductPayload(product))
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	if sku := r.URL.Query().Get("sku"); sku != "" {
		product, err := h.service.GetProductBySKU(sku)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, []productPayload{toProductPayload(product)})
		return
	}

	products, err := h.service.ProductsByCategory(r.URL.Query().Get("category"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	result := make([]productPayload, 0, len(products))
	for _, product := range products {
		result = append(result, toProductPayload(product))
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) sellStock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Qty int32 `json:"qty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}

	product, err := h.service.SellStock(chi.URLParam(r, "id"), req.Qty)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductPayload(product))
}

func (h *Handler) restockProduct(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StockQuantity int32 `json:"stock_quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}

	product, err := h.service.RestockProduct(chi.URLParam(r, "id"), req.StockQuantity)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductPayload(product))
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req orderPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}

	order, err := h.service.CreateOrder(fromOrderPayload(req))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderPayload(order))
}

// processOrder выполняет транзакционную обработку заказа. При наличии
// заголовка Idempotency-Key повтор с тем же телом возвращает сохранённый
// ответ, повтор с другим телом отклоняется.
func (h *Handler) processOrder(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "read body failed")
		return
	}

	var req orderPayload
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}

	key := r.Header.Get(headerIdempotencyKey)
	if key == "" || h.idempotency == nil {
		order, err := h.service.ProcessOrder(fromOrderPayload(req))
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toOrderPayload(order))
		return
	}

	requestHash := hashRequest(body)
	if _, err := h.idempotency.CreateProcessing(key, requestHash, time.Now().UTC().Add(h.idempotencyTTL)); err != nil {
		switch {
		case errors.Is(err, domain.ErrIdempotencyHashMismatch):
			writeError(w, http.StatusUnprocessableEntity, "idempotency_mismatch", "idempotency key reused with a different request body")
		case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
			h.replayIdempotent(w, key)
		default:
			h.logger.WithError(err).WithField("idempotency_key", key).Error("idempotency bookkeeping failed")
			writeError(w, http.StatusInternalServerError, "internal", "idempotency bookkeeping failed")
		}
		return
	}

	order, err := h.service.ProcessOrder(fromOrderPayload(req))
	if err != nil {
		status, kind := domainErrorStatus(err)
		response := mustMarshal(errorPayload{Error: err.Error(), Kind: kind})
		if markErr := h.idempotency.MarkFailed(key, response, status); markErr != nil {
			h.logger.WithError(markErr).WithField("idempotency_key", key).Warn("mark idempotency failed")
		}
		h.writeDomainError(w, err)
		return
	}

	response := mustMarshal(toOrderPayload(order))
	if markErr := h.idempotency.MarkDone(key, response, http.StatusCreated); markErr != nil {
		h.logger.WithError(markErr).WithField("idempotency_key", key).Warn("mark idempotency done failed")
	}
	writeRaw(w, http.StatusCreated, response)
}

// replayIdempotent возвращает сохранённый ответ по ключу идемпотентности.
func (h *Handler) replayIdempotent(w http.ResponseWriter, key string) {
	record, err := h.idempotency.Get(key)
	if err != nil {
		h.logger.WithError(err).WithField("idempotency_key", key).Error("idempotency lookup failed")
		writeError(w, http.StatusInternalServerError, "internal", "idempotency lookup failed")
		return
	}

	if record.InFlight() {
		writeError(w, http.StatusConflict, "in_flight", "request with this idempotency key is still processing")
		return
	}

	writeRaw(w, record.HTTPStatus, record.ResponseBody)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.GetOrder(chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderPayload(order))
}

func (h *Handler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}

	order, err := h.service.UpdateOrderStatus(chi.URLParam(r, "id"), domain.OrderStatus(req.Status))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderPayload(order))
}

func (h *Handler) orderTimeline(w http.ResponseWriter, r *http.Request) {
	if h.timeline == nil {
		writeError(w, http.StatusNotFound, "not_found", "timeline is not enabled")
		return
	}

	orderID := chi.URLParam(r, "id")
	if _, err := h.service.GetOrder(orderID); err != nil {
		h.writeDomainError(w, err)
		return
	}

	events, err := h.timeline.List(orderID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	type timelineEventPayload struct {
		Type     string    `json:"type"`
		Reason   string    `json:"reason,omitempty"`
		Occurred time.Time `json:"occurred"`
	}
	result := make([]timelineEventPayload, 0, len(events))
	for _, event := range events {
		result = append(result, timelineEventPayload{
			Type:     event.Type,
			Reason:   event.Reason,
			Occurred: event.Occurred,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) customerOrders(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid limit")
			return
		}
		limit = parsed
	}

	orders, err := h.service.OrdersByCustomer(chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	result := make([]orderPayload, 0, len(orders))
	for _, order := range orders {
		result = append(result, toOrderPayload(order))
	}
	writeJSON(w, http.StatusOK, result)
}

// writeDomainError транслирует доменную ошибку в HTTP-статус и JSON-тело.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	status, kind := domainErrorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).Error("request failed")
	}
	writeError(w, status, kind, err.Error())
}

func domainErrorStatus(err error) (int, string) {
	switch {
	case domain.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrDuplicateSKU):
		return http.StatusConflict, "duplicate_sku"
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock"
	case errors.Is(err, domain.ErrInvalidStatusTransition):
		return http.StatusConflict, "invalid_status_transition"
	case errors.Is(err, domain.ErrTxConflict):
		return http.StatusConflict, "tx_conflict"
	case errors.Is(err, domain.ErrVersionConflict):
		return http.StatusConflict, "version_conflict"
	case errors.Is(err, domain.ErrNotConnected), errors.Is(err, domain.ErrTxUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	case isValidationError(err):
		return http.StatusBadRequest, "validation"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func isValidationError(err error) bool {
	for _, validation := range []error{
		domain.ErrProductNameRequired,
		domain.ErrProductSKURequired,
		domain.ErrPriceNegative,
		domain.ErrStockNegative,
		domain.ErrCustomerRequired,
		domain.ErrItemsRequired,
		domain.ErrItemProductRequired,
		domain.ErrItemQtyInvalid,
		domain.ErrItemPriceInvalid,
		domain.ErrItemTotalMismatch,
		domain.ErrSubtotalMismatch,
		domain.ErrTotalMismatch,
		domain.ErrStatusInvalid,
		domain.ErrIDRequired,
	} {
		if errors.Is(err, validation) {
			return true
		}
	}
	return false
}

func toProductPayload(product domain.Product) productPayload {
	return productPayload{
		ID:             product.ID,
		SKU:            product.SKU,
		Name:           product.Name,
		Description:    product.Description,
		Category:       product.Category,
		Brand:          product.Brand,
		BasePriceMinor: product.BasePriceMinor,
		Currency:       product.Currency,
		StockQuantity:  product.StockQuantity,
		IsActive:       product.IsActive,
	}
}

func fromOrderPayload(req orderPayload) domain.Order {
	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.OrderItem{
			ProductID:       item.ProductID,
			ProductName:     item.ProductName,
			Qty:             item.Qty,
			UnitPriceMinor:  item.UnitPriceMinor,
			TotalPriceMinor: item.TotalPriceMinor,
		})
	}
	return domain.Order{
		CustomerID:    req.CustomerID,
		Currency:      req.Currency,
		Items:         items,
		SubtotalMinor: req.SubtotalMinor,
		TaxMinor:      req.TaxMinor,
		ShippingMinor: req.ShippingMinor,
		DiscountMinor: req.DiscountMinor,
		TotalMinor:    req.TotalMinor,
	}
}

func toOrderPayload(order domain.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductID:       item.ProductID,
			ProductName:     item.ProductName,
			Qty:             item.Qty,
			UnitPriceMinor:  item.UnitPriceMinor,
			TotalPriceMinor: item.TotalPriceMinor,
		})
	}
	return orderPayload{
		ID:            order.ID,
		CustomerID:    order.CustomerID,
		Status:        string(order.Status),
		Currency:      order.Currency,
		Items:         items,
		SubtotalMinor: order.SubtotalMinor,
		TaxMinor:      order.TaxMinor,
		ShippingMinor: order.ShippingMinor,
		DiscountMinor: order.DiscountMinor,
		TotalMinor:    order.TotalMinor,
		Version:       order.Version,
	}
}

func hashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, code int, kind, message string) {
	writeJSON(w, code, errorPayload{Error: message, Kind: kind})
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

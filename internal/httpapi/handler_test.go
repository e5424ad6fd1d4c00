package httpapi_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/labrise/ims/internal/httpapi"
	"github.com/labrise/ims/internal/service/inventory"
	"github.com/labrise/ims/internal/storage/memory"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	engine := memory.NewEngine()
	require.NoError(t, engine.Connect())

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	entry := logger.WithField("component", "test")

	timeline := memory.NewTimelineRepository()
	service := inventory.NewServiceWithoutMetrics(engine, memory.NewOutboxRepository(), timeline, entry)
	handler := httpapi.NewHandler(service, timeline, memory.NewIdempotencyRepository(), entry)

	server := httptest.NewServer(handler.Router())
	t.Cleanup(server.Close)
	return server
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func createProduct(t *testing.T, server *httptest.Server, sku string, stock int32) map[string]any {
	t.Helper()

	resp, body := doJSON(t, http.MethodPost, server.URL+"/v1/products", map[string]any{
		"sku":              sku,
		"name":             "Widget " + sku,
		"category":         "gadgets",
		"base_price_minor": 1500,
		"currency":         "USD",
		"stock_quantity":   stock,
		"is_active":        true,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var product map[string]any
	require.NoError(t, json.Unmarshal(body, &product))
	return product
}

func orderBody(customerID, productID string, qty int) map[string]any {
	subtotal := qty * 1500
	return map[string]any{
		"customer_id": customerID,
		"currency":    "USD",
		"items": []map[string]any{{
			"product_id":        productID,
			"product_name":      "Widget",
			"qty":               qty,
			"unit_price_minor":  1500,
			"total_price_minor": subtotal,
		}},
		"subtotal_minor": subtotal,
		"total_minor":    subtotal,
	}
}

func TestProductEndpoints(t *testing.T) {
	server := newTestServer(t)

	product := createProduct(t, server, "WGT-001", 10)
	productID := product["id"].(string)
	require.NotEmpty(t, productID)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/v1/products/"+productID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched map[string]any
	require.NoError(t, json.Unmarshal(body, &fetched))
	require.Equal(t, "WGT-001", fetched["sku"])

	resp, _ = doJSON(t, http.MethodGet, server.URL+"/v1/products/PROD-999", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, server.URL+"/v1/products?category=gadgets", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)

	resp, body = doJSON(t, http.MethodGet, server.URL+"/v1/products?sku=WGT-001", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	require.Equal(t, productID, list[0]["id"])
}

func TestAddProduct_Validation(t *testing.T) {
	server := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/v1/products", map[string]any{
		"sku": "WGT-001",
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp map[string]any
	require.NoError(t, json.Unmarshal(body, &errResp))
	require.Equal(t, "validation", errResp["kind"])
}

func TestAddProduct_DuplicateSKU(t *testing.T) {
	server := newTestServer(t)

	createProduct(t, server, "WGT-001", 10)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/v1/products", map[string]any{
		"sku":              "WGT-001",
		"name":             "Copy",
		"base_price_minor": 1,
		"stock_quantity":   1,
	}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var errResp map[string]any
	require.NoError(t, json.Unmarshal(body, &errResp))
	require.Equal(t, "duplicate_sku", errResp["kind"])
}

func TestSellStockEndpoint(t *testing.T) {
	server := newTestServer(t)

	product := createProduct(t, server, "WGT-001", 10)
	productID := product["id"].(string)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/v1/products/"+productID+"/sale", map[string]any{"qty": 4}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var updated map[string]any
	require.NoError(t, json.Unmarshal(body, &updated))
	require.Equal(t, float64(6), updated["stock_quantity"])

	resp, body = doJSON(t, http.MethodPost, server.URL+"/v1/products/"+productID+"/sale", map[string]any{"qty": 7}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var errResp map[string]any
	require.NoError(t, json.Unmarshal(body, &errResp))
	require.Equal(t, "insufficient_stock", errResp["kind"])
}

func TestOrderLifecycleEndpoints(t *testing.T) {
	server := newTestServer(t)

	product := createProduct(t, server, "WGT-001", 10)
	productID := product["id"].(string)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/v1/orders", orderBody("customer-1", productID, 2), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var order map[string]any
	require.NoError(t, json.Unmarshal(body, &order))
	orderID := order["id"].(string)
	require.Equal(t, "pending", order["status"])

	resp, body = doJSON(t, http.MethodPatch, server.URL+"/v1/orders/"+orderID+"/status", map[string]any{"status": "confirmed"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &order))
	require.Equal(t, "confirmed", order["status"])

	// Назад нельзя.
	resp, body = doJSON(t, http.MethodPatch, server.URL+"/v1/orders/"+orderID+"/status", map[string]any{"status": "pending"}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var errResp map[string]any
	require.NoError(t, json.Unmarshal(body, &errResp))
	require.Equal(t, "invalid_status_transition", errResp["kind"])

	resp, body = doJSON(t, http.MethodGet, server.URL+"/v1/customers/customer-1/orders", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var orders []map[string]any
	require.NoError(t, json.Unmarshal(body, &orders))
	require.Len(t, orders, 1)

	resp, body = doJSON(t, http.MethodGet, server.URL+"/v1/orders/"+orderID+"/timeline", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []map[string]any
	require.NoError(t, json.Unmarshal(body, &events))
	require.NotEmpty(t, events)
}

func TestProcessOrderEndpoint(t *testing.T) {
	server := newTestServer(t)

	product := createProduct(t, server, "WGT-001", 10)
	productID := product["id"].(string)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/v1/orders/process", orderBody("customer-1", productID, 4), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var order map[string]any
	require.NoError(t, json.Unmarshal(body, &order))
	require.Equal(t, "pending", order["status"])

	resp, body = doJSON(t, http.MethodGet, server.URL+"/v1/products/"+productID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched map[string]any
	require.NoError(t, json.Unmarshal(body, &fetched))
	require.Equal(t, float64(6), fetched["stock_quantity"])
}

func TestProcessOrderEndpoint_InsufficientStock(t *testing.T) {
	server := newTestServer(t)

	product := createProduct(t, server, "WGT-001", 3)
	productID := product["id"].(string)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/v1/orders/process", orderBody("customer-1", productID, 5), nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var errResp map[string]any
	require.NoError(t, json.Unmarshal(body, &errResp))
	require.Equal(t, "insufficient_stock", errResp["kind"])

	// Остаток не изменился, заказ не появился.
	resp, body = doJSON(t, http.MethodGet, server.URL+"/v1/products/"+productID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched map[string]any
	require.NoError(t, json.Unmarshal(body, &fetched))
	require.Equal(t, float64(3), fetched["stock_quantity"])

	resp, body = doJSON(t, http.MethodGet, server.URL+"/v1/customers/customer-1/orders", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var orders []map[string]any
	require.NoError(t, json.Unmarshal(body, &orders))
	require.Empty(t, orders)
}

func TestProcessOrderEndpoint_Idempotency(t *testing.T) {
	server := newTestServer(t)

	product := createProduct(t, server, "WGT-001", 10)
	productID := product["id"].(string)

	headers := map[string]string{"Idempotency-Key": "key-1"}
	payload := orderBody("customer-1", productID, 4)

	resp, first := doJSON(t, http.MethodPost, server.URL+"/v1/orders/process", payload, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Повтор с тем же телом — сохранённый ответ, остаток не списывается повторно.
	resp, second := doJSON(t, http.MethodPost, server.URL+"/v1/orders/process", payload, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.JSONEq(t, string(first), string(second))

	resp, body := doJSON(t, http.MethodGet, server.URL+"/v1/products/"+productID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched map[string]any
	require.NoError(t, json.Unmarshal(body, &fetched))
	require.Equal(t, float64(6), fetched["stock_quantity"])

	// Тот же ключ с другим телом отклоняется.
	resp, body = doJSON(t, http.MethodPost, server.URL+"/v1/orders/process", orderBody("customer-1", productID, 1), headers)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var errResp map[string]any
	require.NoError(t, json.Unmarshal(body, &errResp))
	require.Equal(t, "idempotency_mismatch", errResp["kind"])
}

func TestProcessOrderEndpoint_ConfiguredIdempotencyTTL(t *testing.T) {
	engine := memory.NewEngine()
	require.NoError(t, engine.Connect())

	logger := logrus.New()
	entry := logger.WithField("component", "test")

	idempotency := memory.NewIdempotencyRepository()
	service := inventory.NewServiceWithoutMetrics(engine, nil, nil, entry)
	handler := httpapi.NewHandler(service, nil, idempotency, entry, httpapi.WithIdempotencyTTL(time.Hour))

	server := httptest.NewServer(handler.Router())
	t.Cleanup(server.Close)

	product := createProduct(t, server, "WGT-001", 10)
	productID := product["id"].(string)

	before := time.Now().UTC()
	resp, body := doJSON(t, http.MethodPost, server.URL+"/v1/orders/process", orderBody("customer-1", productID, 2),
		map[string]string{"Idempotency-Key": "ttl-key"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	record, err := idempotency.Get("ttl-key")
	require.NoError(t, err)
	require.WithinDuration(t, before.Add(time.Hour), record.TTLAt, 5*time.Second)
}

func TestProcessOrderEndpoint_IdempotentFailureReplay(t *testing.T) {
	server := newTestServer(t)

	product := createProduct(t, server, "WGT-001", 2)
	productID := product["id"].(string)

	headers := map[string]string{"Idempotency-Key": "key-fail"}
	payload := orderBody("customer-1", productID, 5)

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/v1/orders/process", payload, headers)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// Повтор возвращает тот же сохранённый отказ.
	resp, body := doJSON(t, http.MethodPost, server.URL+"/v1/orders/process", payload, headers)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var errResp map[string]any
	require.NoError(t, json.Unmarshal(body, &errResp))
	require.Equal(t, "insufficient_stock", errResp["kind"])
}

func TestCustomerOrders_Limit(t *testing.T) {
	server := newTestServer(t)

	product := createProduct(t, server, "WGT-001", 100)
	productID := product["id"].(string)

	for i := 0; i < 3; i++ {
		resp, body := doJSON(t, http.MethodPost, server.URL+"/v1/orders", orderBody("customer-1", productID, 1), nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	}

	resp, body := doJSON(t, http.MethodGet, fmt.Sprintf("%s/v1/customers/customer-1/orders?limit=%d", server.URL, 2), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var orders []map[string]any
	require.NoError(t, json.Unmarshal(body, &orders))
	require.Len(t, orders, 2)

	resp, _ = doJSON(t, http.MethodGet, server.URL+"/v1/customers/customer-1/orders?limit=bad", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOrderNotFound(t *testing.T) {
	server := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/v1/orders/ORD-999", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var errResp map[string]any
	require.NoError(t, json.Unmarshal(body, &errResp))
	require.Equal(t, "not_found", errResp["kind"])
}

func TestInvalidJSON(t *testing.T) {
	server := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/products", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

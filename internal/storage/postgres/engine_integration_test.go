package postgres

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/labrise/ims/internal/domain"
)

func sampleProductForEngine(sku string, stock int32) domain.Product {
	return domain.Product{
		SKU:            sku,
		Name:           "Настольная лампа",
		Description:    "Лампа с регулировкой яркости",
		Category:       "lighting",
		Brand:          "Lumen",
		BasePriceMinor: 259900,
		Currency:       "RUB",
		StockQuantity:  stock,
		IsActive:       true,
	}
}

func sampleOrderForEngine(customerID, productID string, qty int32) domain.Order {
	total := int64(qty) * 259900
	return domain.Order{
		CustomerID: customerID,
		Status:     domain.OrderStatusPending,
		Currency:   "RUB",
		Items: []domain.OrderItem{
			{
				ProductID:       productID,
				ProductName:     "Настольная лампа",
				Qty:             qty,
				UnitPriceMinor:  259900,
				TotalPriceMinor: total,
			},
		},
		SubtotalMinor: total,
		TotalMinor:    total,
	}
}

func TestEngine_PostgresProductLifecycle(t *testing.T) {
	engine := connectedEngineForIntegrationTest(t)

	id, err := engine.SaveProduct(domain.NoTx, sampleProductForEngine("LMP-001", 10))
	if err != nil {
		t.Fatalf("save product: %v", err)
	}
	if !strings.HasPrefix(id, "PROD-") {
		t.Fatalf("expected PROD- prefixed id, got %s", id)
	}

	got, err := engine.GetProduct(id)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if got.SKU != "LMP-001" || got.StockQuantity != 10 {
		t.Fatalf("unexpected product: %+v", got)
	}

	bySKU, err := engine.GetProductBySKU("LMP-001")
	if err != nil {
		t.Fatalf("get product by sku: %v", err)
	}
	if bySKU.ID != id {
		t.Fatalf("expected same product by sku, got %s", bySKU.ID)
	}

	if _, err := engine.SaveProduct(domain.NoTx, sampleProductForEngine("LMP-001", 3)); !errors.Is(err, domain.ErrDuplicateSKU) {
		t.Fatalf("expected ErrDuplicateSKU, got %v", err)
	}

	listed, err := engine.ListProductsByCategory("lighting")
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 product in category, got %d", len(listed))
	}

	if _, err := engine.GetProduct("PROD-404"); !errors.Is(err, domain.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestEngine_PostgresDecrementStock(t *testing.T) {
	engine := connectedEngineForIntegrationTest(t)

	id, err := engine.SaveProduct(domain.NoTx, sampleProductForEngine("DEC-001", 5))
	if err != nil {
		t.Fatalf("save product: %v", err)
	}

	if err := engine.DecrementStock(domain.NoTx, id, 3); err != nil {
		t.Fatalf("decrement: %v", err)
	}

	if err := engine.DecrementStock(domain.NoTx, id, 3); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	if err := engine.DecrementStock(domain.NoTx, id, 0); !errors.Is(err, domain.ErrItemQtyInvalid) {
		t.Fatalf("expected ErrItemQtyInvalid for zero qty, got %v", err)
	}

	if err := engine.DecrementStock(domain.NoTx, "PROD-404", 1); !errors.Is(err, domain.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}

	got, err := engine.GetProduct(id)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if got.StockQuantity != 2 {
		t.Fatalf("expected stock 2, got %d", got.StockQuantity)
	}
}

func TestEngine_PostgresConcurrentDecrements(t *testing.T) {
	engine := connectedEngineForIntegrationTest(t)

	id, err := engine.SaveProduct(domain.NoTx, sampleProductForEngine("CONC-001", 100))
	if err != nil {
		t.Fatalf("save product: %v", err)
	}

	const workers = 30
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := engine.DecrementStock(domain.NoTx, id, 7); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, err := engine.GetProduct(id)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if got.StockQuantity < 0 {
		t.Fatalf("stock must never go negative, got %d", got.StockQuantity)
	}
	if int32(100-succeeded*7) != got.StockQuantity {
		t.Fatalf("stock mismatch: %d succeeded, stock %d", succeeded, got.StockQuantity)
	}
}

func TestEngine_PostgresOrderLifecycle(t *testing.T) {
	engine := connectedEngineForIntegrationTest(t)

	productID, err := engine.SaveProduct(domain.NoTx, sampleProductForEngine("ORD-SKU-1", 10))
	if err != nil {
		t.Fatalf("save product: %v", err)
	}

	orderID, err := engine.SaveOrder(domain.NoTx, sampleOrderForEngine("CUST-1", productID, 2))
	if err != nil {
		t.Fatalf("save order: %v", err)
	}
	if !strings.HasPrefix(orderID, "ORD-") {
		t.Fatalf("expected ORD- prefixed id, got %s", orderID)
	}

	got, err := engine.GetOrder(orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending status, got %s", got.Status)
	}
	if len(got.Items) != 1 || got.Items[0].ProductID != productID {
		t.Fatalf("unexpected order items: %+v", got.Items)
	}

	if err := engine.UpdateOrderStatus(domain.NoTx, orderID, domain.OrderStatusConfirmed); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err = engine.GetOrder(orderID)
	if err != nil {
		t.Fatalf("get order after update: %v", err)
	}
	if got.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected confirmed, got %s", got.Status)
	}
	if got.Version != 1 {
		t.Fatalf("expected version bump to 1, got %d", got.Version)
	}

	if err := engine.UpdateOrderStatus(domain.NoTx, "ORD-404", domain.OrderStatusConfirmed); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	orders, err := engine.ListOrdersByCustomer("CUST-1", 0)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}
}

func TestEngine_PostgresTxCommitAndRollback(t *testing.T) {
	engine := connectedEngineForIntegrationTest(t)

	productID, err := engine.SaveProduct(domain.NoTx, sampleProductForEngine("TX-SKU-1", 10))
	if err != nil {
		t.Fatalf("save product: %v", err)
	}

	tx, err := engine.BeginTx()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}

	orderID, err := engine.SaveOrder(tx, sampleOrderForEngine("CUST-TX", productID, 4))
	if err != nil {
		t.Fatalf("save order in tx: %v", err)
	}
	if err := engine.DecrementStock(tx, productID, 4); err != nil {
		t.Fatalf("decrement in tx: %v", err)
	}

	// До коммита staged-записи не видны читателям.
	if _, err := engine.GetOrder(orderID); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("staged order must be invisible, got %v", err)
	}
	visible, err := engine.GetProduct(productID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if visible.StockQuantity != 10 {
		t.Fatalf("staged decrement must be invisible, stock %d", visible.StockQuantity)
	}

	if err := engine.CommitTx(tx); err != nil {
		t.Fatalf("commit tx: %v", err)
	}

	committed, err := engine.GetOrder(orderID)
	if err != nil {
		t.Fatalf("get committed order: %v", err)
	}
	if committed.CustomerID != "CUST-TX" {
		t.Fatalf("unexpected committed order: %+v", committed)
	}
	after, err := engine.GetProduct(productID)
	if err != nil {
		t.Fatalf("get product after commit: %v", err)
	}
	if after.StockQuantity != 6 {
		t.Fatalf("expected stock 6 after commit, got %d", after.StockQuantity)
	}

	// Повторный commit по освобождённому токену.
	if err := engine.CommitTx(tx); !errors.Is(err, domain.ErrTxNotFound) {
		t.Fatalf("expected ErrTxNotFound on double commit, got %v", err)
	}

	// Rollback отбрасывает изменения целиком.
	tx2, err := engine.BeginTx()
	if err != nil {
		t.Fatalf("begin tx2: %v", err)
	}
	if _, err := engine.SaveOrder(tx2, sampleOrderForEngine("CUST-RB", productID, 1)); err != nil {
		t.Fatalf("save order in tx2: %v", err)
	}
	if err := engine.DecrementStock(tx2, productID, 1); err != nil {
		t.Fatalf("decrement in tx2: %v", err)
	}
	if err := engine.RollbackTx(tx2); err != nil {
		t.Fatalf("rollback tx2: %v", err)
	}

	after, err = engine.GetProduct(productID)
	if err != nil {
		t.Fatalf("get product after rollback: %v", err)
	}
	if after.StockQuantity != 6 {
		t.Fatalf("rollback must restore stock 6, got %d", after.StockQuantity)
	}
	orders, err := engine.ListOrdersByCustomer("CUST-RB", 0)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("rolled back order must not exist, got %d", len(orders))
	}
}

func TestEngine_PostgresDisconnectGuards(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	engine := NewEngine(store)

	if _, err := engine.GetProduct("PROD-1"); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before Connect, got %v", err)
	}

	if err := engine.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	tx, err := engine.BeginTx()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}

	engine.Disconnect()

	if err := engine.CommitTx(tx); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}
	if _, err := engine.BeginTx(); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected for BeginTx after disconnect, got %v", err)
	}
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"ferresys/backend/internal/domain"
	"ferresys/backend/internal/store"
)

func TestFailedSaleRollsBackStockAndCounter(t *testing.T) {
	databaseURL := os.Getenv("FERRESYS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set FERRESYS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL, Options{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prod-it-%d", stamp)
	sessionID := fmt.Sprintf("reg-it-%d", stamp)
	operator := fmt.Sprintf("op-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_lines WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE session_id = $1`, sessionID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM register_sessions WHERE id = $1`, sessionID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.CreateProduct(ctx, domain.Product{
		ID:           productID,
		Code:         fmt.Sprintf("IT-%d", stamp),
		Name:         "Llave ajustable 10\"",
		Brand:        "Truper",
		PriceCents:   6500,
		InitialStock: 5,
		MinStock:     2,
	}); err != nil {
		t.Fatalf("create product: %v", err)
	}

	if _, err := s.OpenRegister(ctx, domain.RegisterSession{
		ID:                sessionID,
		Operator:          operator,
		OpeningFloatCents: 10000,
	}); err != nil {
		t.Fatalf("open register: %v", err)
	}

	sale := domain.Sale{
		SessionID: sessionID,
		Operator:  operator,
		Customer:  domain.CustomerSnapshot{Identification: "CF", Names: "Consumidor", Surnames: "Final"},
		Lines:     []domain.SaleLine{{ProductID: productID, Qty: 3}},
	}

	first, err := s.CreateSale(ctx, sale)
	if err != nil {
		t.Fatalf("first sale: %v", err)
	}
	if first.SubtotalCents != 3*6500 {
		t.Fatalf("expected subtotal 19500, got %d", first.SubtotalCents)
	}

	sale.ID = ""
	_, err = s.CreateSale(ctx, sale)
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock on second sale, got %v", err)
	}
	var typed *store.InsufficientStockError
	if !errors.As(err, &typed) || typed.Current != 2 || typed.Requested != 3 {
		t.Fatalf("unexpected stock error detail: %v", err)
	}

	product, err := s.GetProductByID(ctx, productID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 2 {
		t.Fatalf("expected stock 2 after one committed sale, got %d", product.Stock)
	}

	kardex, err := s.ProductKardex(ctx, productID)
	if err != nil {
		t.Fatalf("kardex: %v", err)
	}
	if kardex.DerivedStock != kardex.Stock {
		t.Fatalf("counter and ledger diverged: derived=%d stock=%d", kardex.DerivedStock, kardex.Stock)
	}
	if kardex.TotalOut != 3 {
		t.Fatalf("expected exactly one OUT entry of qty 3, got total out %d", kardex.TotalOut)
	}

	stored, err := s.GetSaleByInvoice(ctx, first.Invoice)
	if err != nil {
		t.Fatalf("get sale by invoice: %v", err)
	}
	if stored.TotalCents != first.TotalCents {
		t.Fatalf("expected stored total %d, got %d", first.TotalCents, stored.TotalCents)
	}
}

func TestConcurrentSalesLoserGetsInsufficientStock(t *testing.T) {
	databaseURL := os.Getenv("FERRESYS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set FERRESYS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL, Options{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prod-race-%d", stamp)
	sessionID := fmt.Sprintf("reg-race-%d", stamp)
	operator := fmt.Sprintf("op-race-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_lines WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE session_id = $1`, sessionID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM register_sessions WHERE id = $1`, sessionID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.CreateProduct(ctx, domain.Product{
		ID:           productID,
		Code:         fmt.Sprintf("RACE-%d", stamp),
		Name:         "Cemento gris (saco)",
		Brand:        "Cemex",
		PriceCents:   8900,
		InitialStock: 5,
		MinStock:     1,
	}); err != nil {
		t.Fatalf("create product: %v", err)
	}
	if _, err := s.OpenRegister(ctx, domain.RegisterSession{
		ID:                sessionID,
		Operator:          operator,
		OpeningFloatCents: 10000,
	}); err != nil {
		t.Fatalf("open register: %v", err)
	}

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateSale(ctx, domain.Sale{
				SessionID: sessionID,
				Operator:  operator,
				Customer:  domain.CustomerSnapshot{Identification: "CF", Names: "Consumidor", Surnames: "Final"},
				Lines:     []domain.SaleLine{{ProductID: productID, Qty: 3}},
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, losses int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrInsufficientStock):
			losses++
		default:
			t.Fatalf("losing sale must fail with the insufficient-stock kind, got %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("expected exactly one winner and one insufficient-stock loser, got %d/%d", wins, losses)
	}

	product, err := s.GetProductByID(ctx, productID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 2 {
		t.Fatalf("expected stock 2 after the race, got %d", product.Stock)
	}
}

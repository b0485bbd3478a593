package fiscal

import (
	"fmt"
	"testing"
	"time"

	"ferresys/backend/internal/domain"
)

func testSale() domain.Sale {
	created := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	return domain.Sale{
		Invoice: "F202600000007",
		Customer: domain.CustomerSnapshot{
			Identification: "1234567-8",
			Names:          "Maria",
			Surnames:       "Lopez",
			Address:        "Zona 1",
		},
		Lines: []domain.SaleLine{
			{ProductID: "prod-1", Name: "Martillo", Qty: 2, UnitPriceCents: 8500, TotalCents: 17000},
		},
		SubtotalCents: 17000,
		TaxCents:      2040,
		TotalCents:    19040,
		CreatedAt:     created,
	}
}

func TestGenerateDocument(t *testing.T) {
	gen := NewGenerator(Emitter{Name: "Ferreteria Centro", TaxID: "987654-3", Address: "Avenida Norte"}, "F")
	sale := testSale()

	doc := gen.Generate(sale)

	if doc.Series != "F" || doc.Number != sale.Invoice {
		t.Fatalf("unexpected series/number: %s/%s", doc.Series, doc.Number)
	}
	if doc.EmitterName != "Ferreteria Centro" || doc.EmitterTaxID != "987654-3" {
		t.Fatalf("unexpected emitter block: %s/%s", doc.EmitterName, doc.EmitterTaxID)
	}
	if doc.ReceiverName != "Maria Lopez" {
		t.Fatalf("expected receiver 'Maria Lopez', got %q", doc.ReceiverName)
	}
	if doc.ReceiverTaxID != "1234567-8" {
		t.Fatalf("unexpected receiver tax id: %s", doc.ReceiverTaxID)
	}
	if len(doc.Lines) != 1 || doc.Lines[0].Description != "Martillo" || doc.Lines[0].TotalCents != 17000 {
		t.Fatalf("unexpected lines: %+v", doc.Lines)
	}
	if doc.SubtotalCents != 17000 || doc.TaxCents != 2040 || doc.TotalCents != 19040 {
		t.Fatalf("unexpected totals: %d/%d/%d", doc.SubtotalCents, doc.TaxCents, doc.TotalCents)
	}
	if doc.FELSeries != "FELGT" || doc.Status != "RECEIVED" {
		t.Fatalf("unexpected FEL fields: %s/%s", doc.FELSeries, doc.Status)
	}

	wantAuth := fmt.Sprintf("A%d", sale.CreatedAt.UTC().UnixMilli())
	if doc.Authorization != wantAuth {
		t.Fatalf("expected authorization %s, got %s", wantAuth, doc.Authorization)
	}
	if doc.QRPayload != "FEL"+sale.Invoice {
		t.Fatalf("unexpected qr payload: %s", doc.QRPayload)
	}
	if doc.IssuedAt != "2026-03-14T15:09:26Z" {
		t.Fatalf("unexpected issued_at: %s", doc.IssuedAt)
	}
}

func TestGenerateFallsBackToFinalConsumer(t *testing.T) {
	gen := NewGenerator(Emitter{Name: "Ferreteria Centro"}, "")
	sale := testSale()
	sale.Customer = domain.CustomerSnapshot{}

	doc := gen.Generate(sale)

	if doc.Series != "F" {
		t.Fatalf("expected default series F, got %s", doc.Series)
	}
	if doc.ReceiverTaxID != "CF" {
		t.Fatalf("expected receiver tax id CF, got %s", doc.ReceiverTaxID)
	}
	if doc.ReceiverName != "CONSUMIDOR FINAL" {
		t.Fatalf("expected CONSUMIDOR FINAL, got %q", doc.ReceiverName)
	}
}

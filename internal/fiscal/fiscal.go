// Package fiscal renders electronic invoice documents from a receipt. The
// document mirrors the national FEL layout: emitter and receiver blocks, an
// authorization number, and a QR payload pointing at the invoice.
package fiscal

import (
	"fmt"
	"time"

	"ferresys/backend/internal/domain"
)

const (
	felSeries = "FELGT"
	felStatus = "RECEIVED"
)

type Emitter struct {
	Name    string
	TaxID   string
	Address string
}

type DocumentLine struct {
	Qty            int    `json:"qty"`
	Description    string `json:"description"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	TotalCents     int64  `json:"total_cents"`
}

type Document struct {
	Series          string         `json:"series"`
	Number          string         `json:"number"`
	IssuedAt        string         `json:"issued_at"`
	EmitterName     string         `json:"emitter_name"`
	EmitterTaxID    string         `json:"emitter_tax_id"`
	EmitterAddress  string         `json:"emitter_address"`
	ReceiverName    string         `json:"receiver_name"`
	ReceiverTaxID   string         `json:"receiver_tax_id"`
	ReceiverAddress string         `json:"receiver_address"`
	Lines           []DocumentLine `json:"lines"`
	SubtotalCents   int64          `json:"subtotal_cents"`
	TaxCents        int64          `json:"tax_cents"`
	TotalCents      int64          `json:"total_cents"`
	Authorization   string         `json:"authorization"`
	FELSeries       string         `json:"fel_series"`
	Status          string         `json:"status"`
	QRPayload       string         `json:"qr_payload"`
}

type Generator struct {
	emitter Emitter
	series  string
}

func NewGenerator(emitter Emitter, series string) *Generator {
	if series == "" {
		series = "F"
	}
	return &Generator{emitter: emitter, series: series}
}

// Generate builds the fiscal document for an issued sale. The authorization
// number is derived from the issue time, matching the upstream registry
// format.
func (g *Generator) Generate(sale domain.Sale) Document {
	receiverName := sale.Customer.Names
	if sale.Customer.Surnames != "" {
		receiverName += " " + sale.Customer.Surnames
	}
	receiverTaxID := sale.Customer.Identification
	if receiverTaxID == "" {
		receiverTaxID = "CF"
		receiverName = "CONSUMIDOR FINAL"
	}
	receiverAddress := sale.Customer.Address
	if receiverAddress == "" {
		receiverAddress = sale.Customer.City
	}

	lines := make([]DocumentLine, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		lines = append(lines, DocumentLine{
			Qty:            line.Qty,
			Description:    line.Name,
			UnitPriceCents: line.UnitPriceCents,
			TotalCents:     line.TotalCents,
		})
	}

	return Document{
		Series:          g.series,
		Number:          sale.Invoice,
		IssuedAt:        sale.CreatedAt.UTC().Format(time.RFC3339),
		EmitterName:     g.emitter.Name,
		EmitterTaxID:    g.emitter.TaxID,
		EmitterAddress:  g.emitter.Address,
		ReceiverName:    receiverName,
		ReceiverTaxID:   receiverTaxID,
		ReceiverAddress: receiverAddress,
		Lines:           lines,
		SubtotalCents:   sale.SubtotalCents,
		TaxCents:        sale.TaxCents,
		TotalCents:      sale.TotalCents,
		Authorization:   fmt.Sprintf("A%d", sale.CreatedAt.UTC().UnixMilli()),
		FELSeries:       felSeries,
		Status:          felStatus,
		QRPayload:       "FEL" + sale.Invoice,
	}
}

package domain

import "time"

type Product struct {
	ID         string     `json:"id"`
	Code       string     `json:"code"`
	Name       string     `json:"name"`
	Brand      string     `json:"brand"`
	PriceCents int64      `json:"price_cents"`
	Stock      int        `json:"stock"`
	// InitialStock is the baseline the ledger reconciles against; stock
	// received at creation time goes through the ledger, so this is
	// normally zero.
	InitialStock int      `json:"initial_stock"`
	MinStock   int        `json:"min_stock"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
}

type ProductCreateRequest struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	Brand        string `json:"brand"`
	PriceCents   int64  `json:"price_cents"`
	MinStock     int    `json:"min_stock"`
	InitialStock int    `json:"initial_stock"`
	ExpiryDate   string `json:"expiry_date,omitempty"`
}

type Customer struct {
	ID             string    `json:"id"`
	Identification string    `json:"identification"`
	Names          string    `json:"names"`
	Surnames       string    `json:"surnames"`
	Email          string    `json:"email,omitempty"`
	City           string    `json:"city,omitempty"`
	Address        string    `json:"address,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type CustomerCreateRequest struct {
	Identification string `json:"identification"`
	Names          string `json:"names"`
	Surnames       string `json:"surnames"`
	Email          string `json:"email"`
	City           string `json:"city"`
	Address        string `json:"address"`
	Phone          string `json:"phone"`
}

// CustomerSnapshot is the walk-in customer data embedded into a sale when
// no catalog customer is referenced.
type CustomerSnapshot struct {
	Identification string `json:"identification"`
	Names          string `json:"names"`
	Surnames       string `json:"surnames"`
	City           string `json:"city,omitempty"`
	Address        string `json:"address,omitempty"`
	Phone          string `json:"phone,omitempty"`
}

type RegisterSession struct {
	ID                string     `json:"id"`
	Operator          string     `json:"operator"`
	OpeningFloatCents int64      `json:"opening_float_cents"`
	ClosingCents      int64      `json:"closing_cents,omitempty"`
	State             string     `json:"state"`
	OpenedAt          time.Time  `json:"opened_at"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
}

type RegisterOpenRequest struct {
	OpeningFloatCents int64 `json:"opening_float_cents"`
}

type RegisterCloseRequest struct {
	ClosingCents int64 `json:"closing_cents"`
}

type RegisterResponse struct {
	Session         RegisterSession `json:"session"`
	TotalSalesCents int64           `json:"total_sales_cents"`
}

type RegisterFilter struct {
	State    string
	Operator string
	From     time.Time
	To       time.Time
}

type LedgerEntry struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	Direction string    `json:"direction"`
	Qty       int       `json:"qty"`
	Reason    string    `json:"reason"`
	Operator  string    `json:"operator"`
	CreatedAt time.Time `json:"created_at"`
}

type MovementRequest struct {
	ProductID string `json:"product_id"`
	Direction string `json:"direction"`
	Qty       int    `json:"qty"`
	Reason    string `json:"reason"`
}

type MovementResponse struct {
	Entry         LedgerEntry `json:"entry"`
	PreviousStock int         `json:"previous_stock"`
	NewStock      int         `json:"new_stock"`
}

type MovementFilter struct {
	ProductID string
	Direction string
	From      time.Time
	To        time.Time
	Limit     int
}

// Kardex reconciles a product's cached stock against its ledger.
// DerivedStock = InitialStock + TotalIn - TotalOut and must equal Stock.
type Kardex struct {
	ProductID    string     `json:"product_id"`
	Code         string     `json:"code"`
	Name         string     `json:"name"`
	Stock        int        `json:"stock"`
	MinStock     int        `json:"min_stock"`
	TotalIn      int        `json:"total_in"`
	TotalOut     int        `json:"total_out"`
	InitialStock int        `json:"initial_stock"`
	DerivedStock int        `json:"derived_stock"`
	ExpiryDate   *time.Time `json:"expiry_date,omitempty"`
}

type InventoryAlert struct {
	Product      Product `json:"product"`
	Code         string  `json:"code"`
	Message      string  `json:"message"`
	Severity     string  `json:"severity"`
	DaysToExpiry int     `json:"days_to_expiry,omitempty"`
}

type InventoryAlertResponse struct {
	GeneratedAt string           `json:"generated_at"`
	Alerts      []InventoryAlert `json:"alerts"`
}

type SaleLine struct {
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	Brand          string `json:"brand,omitempty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Qty            int    `json:"qty"`
	TotalCents     int64  `json:"total_cents"`
}

type Sale struct {
	ID            string           `json:"id"`
	Invoice       string           `json:"invoice"`
	SessionID     string           `json:"session_id"`
	CustomerID    string           `json:"customer_id,omitempty"`
	Customer      CustomerSnapshot `json:"customer"`
	Operator      string           `json:"operator"`
	Lines         []SaleLine       `json:"lines"`
	SubtotalCents int64            `json:"subtotal_cents"`
	TaxRatePercent float64         `json:"tax_rate_percent"`
	TaxCents      int64            `json:"tax_cents"`
	TotalCents    int64            `json:"total_cents"`
	CreatedAt     time.Time        `json:"created_at"`
}

type SaleItemRequest struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

// SaleCreateRequest accepts either a catalog customer reference or an
// inline walk-in snapshot; exactly one must be present.
type SaleCreateRequest struct {
	CustomerID string            `json:"customer_id,omitempty"`
	Customer   *CustomerSnapshot `json:"customer,omitempty"`
	Items      []SaleItemRequest `json:"items"`
}

type Receipt struct {
	Invoice       string           `json:"invoice"`
	SessionID     string           `json:"session_id"`
	Customer      CustomerSnapshot `json:"customer"`
	Lines         []SaleLine       `json:"lines"`
	SubtotalCents int64            `json:"subtotal_cents"`
	TaxRatePercent float64         `json:"tax_rate_percent"`
	TaxCents      int64            `json:"tax_cents"`
	TotalCents    int64            `json:"total_cents"`
	CreatedAt     time.Time        `json:"created_at"`
}

type SaleFilter struct {
	From     time.Time
	To       time.Time
	Operator string
	Limit    int
}

type SalesStats struct {
	TotalSales      int64  `json:"total_sales"`
	TotalCents      int64  `json:"total_cents"`
	AverageCents    int64  `json:"average_cents"`
	FirstSaleDate   string `json:"first_sale_date,omitempty"`
	LastSaleDate    string `json:"last_sale_date,omitempty"`
	UniqueCustomers int64  `json:"unique_customers"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	MovementIn  = "in"
	MovementOut = "out"
)

const (
	RegisterStateOpen   = "open"
	RegisterStateClosed = "closed"
)

const (
	ReasonSale         = "Sale"
	ReasonManual       = "Manual"
	ReasonInitialStock = "Initial stock"
)

const (
	AlertOutOfStock = "sin_stock"
	AlertLowStock   = "stock_bajo"
	AlertExpiry     = "vencimiento"

	SeverityWarning = "warning"
	SeverityDanger  = "danger"
)

package memory

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"ferresys/backend/internal/domain"
	"ferresys/backend/internal/invoice"
	"ferresys/backend/internal/store"
	"ferresys/backend/internal/xid"
)

type Store struct {
	mu             sync.RWMutex
	products       map[string]domain.Product
	customers      map[string]domain.Customer
	sessionsByID   map[string]domain.RegisterSession
	openByOperator map[string]string
	ledger         []domain.LedgerEntry
	salesByInvoice map[string]*domain.Sale
	invoiceSeq     map[int]int64
	invoicePrefix  string
	taxRatePercent float64
	usersByName    map[string]domain.UserAccount
}

type Options struct {
	InvoicePrefix  string
	TaxRatePercent float64
}

func New(opts Options) *Store {
	if opts.InvoicePrefix == "" {
		opts.InvoicePrefix = invoice.DefaultPrefix
	}
	if opts.TaxRatePercent <= 0 {
		opts.TaxRatePercent = 12
	}
	return &Store{
		products:       make(map[string]domain.Product),
		customers:      make(map[string]domain.Customer),
		sessionsByID:   make(map[string]domain.RegisterSession),
		openByOperator: make(map[string]string),
		ledger:         make([]domain.LedgerEntry, 0, 256),
		salesByInvoice: make(map[string]*domain.Sale),
		invoiceSeq:     make(map[int]int64),
		invoicePrefix:  opts.InvoicePrefix,
		taxRatePercent: opts.TaxRatePercent,
		usersByName:    make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store preloaded with demo catalog data and the
// dev user accounts. Every seeded unit of stock goes through the ledger
// so the kardex reconciles from the first request.
func NewSeeded() *Store {
	s := New(Options{})
	s.usersByName = seedUsers()

	seed := []struct {
		product domain.Product
		stock   int
	}{
		{domain.Product{ID: "prod-martillo", Code: "FER-001", Name: "Martillo de una", Brand: "Stanley", PriceCents: 8500, MinStock: 10}, 40},
		{domain.Product{ID: "prod-clavos", Code: "FER-002", Name: "Clavos 2\" (lb)", Brand: "Generico", PriceCents: 650, MinStock: 50}, 300},
		{domain.Product{ID: "prod-tornillos", Code: "FER-003", Name: "Tornillos drywall (caja)", Brand: "Hilti", PriceCents: 4200, MinStock: 20}, 80},
		{domain.Product{ID: "prod-taladro", Code: "FER-004", Name: "Taladro percutor 1/2\"", Brand: "DeWalt", PriceCents: 89900, MinStock: 3}, 8},
		{domain.Product{ID: "prod-pintura", Code: "FER-005", Name: "Pintura latex blanca (gal)", Brand: "Sherwin", PriceCents: 15600, MinStock: 12}, 35},
		{domain.Product{ID: "prod-cinta", Code: "FER-006", Name: "Cinta metrica 5m", Brand: "Truper", PriceCents: 3900, MinStock: 15}, 60},
		{domain.Product{ID: "prod-silicon", Code: "FER-007", Name: "Silicon transparente", Brand: "Sista", PriceCents: 2800, MinStock: 24}, 90},
	}

	now := time.Now().UTC()
	for _, item := range seed {
		p := item.product
		p.Active = true
		p.CreatedAt = now
		s.products[p.ID] = p
		if item.stock > 0 {
			s.applyMovementLocked(domain.LedgerEntry{
				ID:        xid.New("mov"),
				ProductID: p.ID,
				Direction: domain.MovementIn,
				Qty:       item.stock,
				Reason:    domain.ReasonInitialStock,
				Operator:  "system",
				CreatedAt: now,
			})
		}
	}

	s.customers["cust-final"] = domain.Customer{
		ID:             "cust-final",
		Identification: "CF",
		Names:          "Consumidor",
		Surnames:       "Final",
		City:           "Ciudad",
		CreatedAt:      now,
	}

	return s
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. These accounts are
// never used in production (postgres is used when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.Code == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrValidation
	}
	for _, existing := range s.products {
		if existing.Code == product.Code {
			return nil, fmt.Errorf("%w: product code %s already exists", store.ErrConflict, product.Code)
		}
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.Active = true
	product.Stock = product.InitialStock
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := product
	return &copied, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Code, b.Code)
	})
	return products, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if customer.Identification == "" || customer.Names == "" {
		return nil, store.ErrValidation
	}
	for _, existing := range s.customers {
		if existing.Identification == customer.Identification {
			return nil, fmt.Errorf("%w: customer identification %s already exists", store.ErrConflict, customer.Identification)
		}
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	s.customers[customer.ID] = customer
	created := customer
	return &created, nil
}

func (s *Store) GetCustomerByID(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, exists := s.customers[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := customer
	return &copied, nil
}

func (s *Store) ListCustomers(_ context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		customers = append(customers, c)
	}
	slices.SortFunc(customers, func(a, b domain.Customer) int {
		return strings.Compare(a.Identification, b.Identification)
	})
	return customers, nil
}

func (s *Store) OpenRegister(_ context.Context, session domain.RegisterSession) (*domain.RegisterSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.Operator == "" || session.OpeningFloatCents < 0 {
		return nil, store.ErrValidation
	}
	if _, open := s.openByOperator[session.Operator]; open {
		return nil, fmt.Errorf("%w: operator %s already has an open register", store.ErrConflict, session.Operator)
	}
	if session.ID == "" {
		session.ID = xid.New("reg")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.State = domain.RegisterStateOpen
	session.ClosedAt = nil
	session.ClosingCents = 0

	s.sessionsByID[session.ID] = session
	s.openByOperator[session.Operator] = session.ID
	saved := session
	return &saved, nil
}

func (s *Store) CloseRegister(_ context.Context, sessionID string, operator string, closingCents int64, closedAt time.Time) (*domain.RegisterSession, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessionsByID[sessionID]
	if !exists {
		return nil, 0, store.ErrNotFound
	}
	if session.State == domain.RegisterStateClosed {
		return nil, 0, fmt.Errorf("%w: register %s is already closed", store.ErrConflict, sessionID)
	}
	if session.Operator != operator {
		return nil, 0, fmt.Errorf("%w: only the operator who opened the register may close it", store.ErrForbidden)
	}
	if closingCents < 0 {
		return nil, 0, store.ErrValidation
	}
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	total := s.salesTotalLocked(sessionID)
	session.State = domain.RegisterStateClosed
	session.ClosingCents = closingCents
	at := closedAt
	session.ClosedAt = &at

	s.sessionsByID[sessionID] = session
	delete(s.openByOperator, session.Operator)
	closed := session
	return &closed, total, nil
}

func (s *Store) GetRegisterByID(_ context.Context, sessionID string) (*domain.RegisterSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessionsByID[sessionID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := session
	return &copied, nil
}

func (s *Store) GetOpenRegisterForOperator(_ context.Context, operator string) (*domain.RegisterSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, open := s.openByOperator[operator]
	if !open {
		return nil, store.ErrNotFound
	}
	session := s.sessionsByID[id]
	copied := session
	return &copied, nil
}

func (s *Store) GetLatestOpenRegister(_ context.Context) (*domain.RegisterSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.RegisterSession
	for _, id := range s.openByOperator {
		session := s.sessionsByID[id]
		if latest == nil || session.OpenedAt.After(latest.OpenedAt) {
			copied := session
			latest = &copied
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return latest, nil
}

func (s *Store) ListRegisters(_ context.Context, filter domain.RegisterFilter) ([]domain.RegisterSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]domain.RegisterSession, 0, len(s.sessionsByID))
	for _, session := range s.sessionsByID {
		if filter.State != "" && session.State != filter.State {
			continue
		}
		if filter.Operator != "" && session.Operator != filter.Operator {
			continue
		}
		if !filter.From.IsZero() && session.OpenedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !session.OpenedAt.Before(filter.To) {
			continue
		}
		sessions = append(sessions, session)
	}
	slices.SortFunc(sessions, func(a, b domain.RegisterSession) int {
		if a.OpenedAt.Equal(b.OpenedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.OpenedAt.After(b.OpenedAt) {
			return -1
		}
		return 1
	})
	return sessions, nil
}

func (s *Store) RegisterSalesTotal(_ context.Context, sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.sessionsByID[sessionID]; !exists {
		return 0, store.ErrNotFound
	}
	return s.salesTotalLocked(sessionID), nil
}

func (s *Store) salesTotalLocked(sessionID string) int64 {
	total := int64(0)
	for _, sale := range s.salesByInvoice {
		if sale.SessionID == sessionID {
			total += sale.TotalCents
		}
	}
	return total
}

func (s *Store) RecordMovement(_ context.Context, entry domain.LedgerEntry) (*domain.MovementResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Qty < 1 {
		return nil, store.ErrValidation
	}
	if entry.Direction != domain.MovementIn && entry.Direction != domain.MovementOut {
		return nil, store.ErrValidation
	}
	product, exists := s.products[entry.ProductID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if entry.Direction == domain.MovementOut && product.Stock < entry.Qty {
		return nil, &store.InsufficientStockError{ProductID: entry.ProductID, Current: product.Stock, Requested: entry.Qty}
	}

	if entry.ID == "" {
		entry.ID = xid.New("mov")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Reason == "" {
		entry.Reason = domain.ReasonManual
	}

	previous := product.Stock
	s.applyMovementLocked(entry)
	return &domain.MovementResponse{
		Entry:         entry,
		PreviousStock: previous,
		NewStock:      s.products[entry.ProductID].Stock,
	}, nil
}

// applyMovementLocked appends the ledger entry and adjusts the cached stock
// counter in the same critical section. Callers must hold the write lock and
// must have validated stock sufficiency for OUT movements.
func (s *Store) applyMovementLocked(entry domain.LedgerEntry) {
	product := s.products[entry.ProductID]
	if entry.Direction == domain.MovementIn {
		product.Stock += entry.Qty
	} else {
		product.Stock -= entry.Qty
	}
	s.products[entry.ProductID] = product
	s.ledger = append(s.ledger, entry)
}

func (s *Store) ListMovements(_ context.Context, filter domain.MovementFilter) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.LedgerEntry, 0, 64)
	for _, entry := range s.ledger {
		if filter.ProductID != "" && entry.ProductID != filter.ProductID {
			continue
		}
		if filter.Direction != "" && entry.Direction != filter.Direction {
			continue
		}
		if !filter.From.IsZero() && entry.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !entry.CreatedAt.Before(filter.To) {
			continue
		}
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b domain.LedgerEntry) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

func (s *Store) ProductKardex(_ context.Context, productID string) (*domain.Kardex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[productID]
	if !exists {
		return nil, store.ErrNotFound
	}

	totalIn, totalOut := 0, 0
	for _, entry := range s.ledger {
		if entry.ProductID != productID {
			continue
		}
		if entry.Direction == domain.MovementIn {
			totalIn += entry.Qty
		} else {
			totalOut += entry.Qty
		}
	}

	return &domain.Kardex{
		ProductID:    product.ID,
		Code:         product.Code,
		Name:         product.Name,
		Stock:        product.Stock,
		MinStock:     product.MinStock,
		TotalIn:      totalIn,
		TotalOut:     totalOut,
		InitialStock: product.InitialStock,
		DerivedStock: product.InitialStock + totalIn - totalOut,
		ExpiryDate:   product.ExpiryDate,
	}, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(sale.Lines) == 0 {
		return nil, store.ErrValidation
	}
	if sale.SessionID == "" {
		return nil, store.ErrValidation
	}
	session, exists := s.sessionsByID[sale.SessionID]
	if !exists || session.State != domain.RegisterStateOpen {
		return nil, fmt.Errorf("%w: register session %s is not open", store.ErrConflict, sale.SessionID)
	}

	// Check-then-act runs entirely under the write lock: validate every
	// line before mutating anything so a failure leaves no partial state.
	captured := make([]domain.SaleLine, 0, len(sale.Lines))
	subtotal := int64(0)
	for _, line := range sale.Lines {
		if line.Qty < 1 {
			return nil, store.ErrValidation
		}
		product, exists := s.products[line.ProductID]
		if !exists || !product.Active {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, line.ProductID)
		}
		if product.Stock < line.Qty {
			return nil, &store.InsufficientStockError{ProductID: line.ProductID, Current: product.Stock, Requested: line.Qty}
		}
		lineTotal := product.PriceCents * int64(line.Qty)
		captured = append(captured, domain.SaleLine{
			ProductID:      product.ID,
			Name:           product.Name,
			Brand:          product.Brand,
			UnitPriceCents: product.PriceCents,
			Qty:            line.Qty,
			TotalCents:     lineTotal,
		})
		subtotal += lineTotal
	}

	if sale.TaxRatePercent <= 0 {
		sale.TaxRatePercent = s.taxRatePercent
	}
	taxCents := int64(math.Round(float64(subtotal) * sale.TaxRatePercent / 100))

	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	year := invoice.Year(sale.CreatedAt)
	s.invoiceSeq[year]++
	sale.Invoice = invoice.Format(s.invoicePrefix, year, s.invoiceSeq[year])
	if _, dup := s.salesByInvoice[sale.Invoice]; dup {
		return nil, fmt.Errorf("%w: invoice number %s already issued", store.ErrConflict, sale.Invoice)
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	sale.Lines = captured
	sale.SubtotalCents = subtotal
	sale.TaxCents = taxCents
	sale.TotalCents = subtotal + taxCents

	for _, line := range captured {
		s.applyMovementLocked(domain.LedgerEntry{
			ID:        xid.New("mov"),
			ProductID: line.ProductID,
			Direction: domain.MovementOut,
			Qty:       line.Qty,
			Reason:    domain.ReasonSale,
			Operator:  sale.Operator,
			CreatedAt: sale.CreatedAt,
		})
	}

	saved := sale
	s.salesByInvoice[sale.Invoice] = &saved
	result := saved
	return &result, nil
}

func (s *Store) GetSaleByInvoice(_ context.Context, invoiceNumber string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.salesByInvoice[invoiceNumber]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := *sale
	copied.Lines = slices.Clone(sale.Lines)
	return &copied, nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.salesByInvoice))
	for _, sale := range s.salesByInvoice {
		if filter.Operator != "" && sale.Operator != filter.Operator {
			continue
		}
		if !filter.From.IsZero() && sale.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !sale.CreatedAt.Before(filter.To) {
			continue
		}
		copied := *sale
		copied.Lines = slices.Clone(sale.Lines)
		sales = append(sales, copied)
	}
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.Invoice, a.Invoice)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if filter.Limit > 0 && len(sales) > filter.Limit {
		sales = sales[:filter.Limit]
	}
	return sales, nil
}

func (s *Store) SalesStats(_ context.Context) (domain.SalesStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.SalesStats{}
	customers := make(map[string]struct{})
	var first, last time.Time
	for _, sale := range s.salesByInvoice {
		stats.TotalSales++
		stats.TotalCents += sale.TotalCents
		customers[sale.Customer.Identification] = struct{}{}
		if first.IsZero() || sale.CreatedAt.Before(first) {
			first = sale.CreatedAt
		}
		if sale.CreatedAt.After(last) {
			last = sale.CreatedAt
		}
	}
	stats.UniqueCustomers = int64(len(customers))
	if stats.TotalSales > 0 {
		stats.AverageCents = stats.TotalCents / stats.TotalSales
		stats.FirstSaleDate = first.Format("2006-01-02")
		stats.LastSaleDate = last.Format("2006-01-02")
	}
	return stats, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" || user.Password == "" {
		return store.ErrValidation
	}
	if _, exists := s.usersByName[user.Username]; exists {
		return fmt.Errorf("%w: username %s already exists", store.ErrConflict, user.Username)
	}
	s.usersByName[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByName))
	for _, user := range s.usersByName {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByName[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByName[username] = user
	return nil
}

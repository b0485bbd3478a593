package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"ferresys/backend/internal/cache"
	"ferresys/backend/internal/domain"
	"ferresys/backend/internal/invoice"
	"ferresys/backend/internal/store"
	"ferresys/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Sale precondition failures, in the order the orchestrator checks them.
var (
	ErrEmptyCart        = fmt.Errorf("%w: sale requires at least one item", store.ErrValidation)
	ErrMissingCustomer  = fmt.Errorf("%w: sale requires a customer", store.ErrValidation)
	ErrCustomerNotFound = fmt.Errorf("%w: customer", store.ErrNotFound)
	ErrNoOpenRegister   = fmt.Errorf("%w: no open register", store.ErrConflict)
)

const (
	alertCacheKey      = "inventory:alerts"
	expiryWarningDays  = 7
	expiryDangerDays   = 3
	defaultTaxPercent  = 12
	defaultAlertTTL    = 60 * time.Second
)

type Service struct {
	repo           store.Repository
	alerts         cache.AlertCache
	taxRatePercent float64
	alertTTL       time.Duration
	invoicePrefix  string
}

type Options struct {
	TaxRatePercent float64
	AlertCacheTTL  time.Duration
	InvoicePrefix  string
}

func New(repo store.Repository, alerts cache.AlertCache, opts Options) *Service {
	if alerts == nil {
		alerts = cache.NoopAlertCache{}
	}
	if opts.TaxRatePercent <= 0 {
		opts.TaxRatePercent = defaultTaxPercent
	}
	if opts.AlertCacheTTL <= 0 {
		opts.AlertCacheTTL = defaultAlertTTL
	}
	if opts.InvoicePrefix == "" {
		opts.InvoicePrefix = invoice.DefaultPrefix
	}

	return &Service{
		repo:           repo,
		alerts:         alerts,
		taxRatePercent: opts.TaxRatePercent,
		alertTTL:       opts.AlertCacheTTL,
		invoicePrefix:  opts.InvoicePrefix,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("%w: admin role required", store.ErrForbidden)
	}

	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.Name = strings.TrimSpace(req.Name)
	req.Brand = strings.TrimSpace(req.Brand)

	if req.Code == "" || req.Name == "" {
		return domain.Product{}, store.ErrValidation
	}
	if req.PriceCents < 1 || req.MinStock < 0 || req.InitialStock < 0 {
		return domain.Product{}, store.ErrValidation
	}

	product := domain.Product{
		Code:       req.Code,
		Name:       req.Name,
		Brand:      req.Brand,
		PriceCents: req.PriceCents,
		MinStock:   req.MinStock,
		Active:     true,
	}
	if req.ExpiryDate != "" {
		expiry, err := time.Parse("2006-01-02", req.ExpiryDate)
		if err != nil {
			return domain.Product{}, store.ErrValidation
		}
		product.ExpiryDate = &expiry
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	// Received stock enters through the ledger so the kardex reconciles
	// from day one; the product row itself starts at zero.
	if req.InitialStock > 0 {
		moved, err := s.repo.RecordMovement(ctx, domain.LedgerEntry{
			ProductID: created.ID,
			Direction: domain.MovementIn,
			Qty:       req.InitialStock,
			Reason:    domain.ReasonInitialStock,
			Operator:  actor.Username,
		})
		if err != nil {
			return domain.Product{}, err
		}
		created.Stock = moved.NewStock
	}

	s.invalidateAlerts(ctx)
	return *created, nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx)
}

func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	customer, err := s.repo.GetCustomerByID(ctx, id)
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	req.Identification = strings.TrimSpace(req.Identification)
	req.Names = strings.TrimSpace(req.Names)
	req.Surnames = strings.TrimSpace(req.Surnames)

	if req.Identification == "" || req.Names == "" {
		return domain.Customer{}, store.ErrValidation
	}

	customer := domain.Customer{
		Identification: req.Identification,
		Names:          req.Names,
		Surnames:       req.Surnames,
		Email:          strings.TrimSpace(req.Email),
		City:           strings.TrimSpace(req.City),
		Address:        strings.TrimSpace(req.Address),
		Phone:          strings.TrimSpace(req.Phone),
	}

	created, err := s.repo.CreateCustomer(ctx, customer)
	if err != nil {
		return domain.Customer{}, err
	}
	return *created, nil
}

func (s *Service) OpenRegister(ctx context.Context, req domain.RegisterOpenRequest) (domain.RegisterResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.RegisterResponse{}, fmt.Errorf("%w: authenticated operator required", store.ErrForbidden)
	}
	if req.OpeningFloatCents < 0 {
		return domain.RegisterResponse{}, fmt.Errorf("%w: opening float must not be negative", store.ErrValidation)
	}

	session := domain.RegisterSession{
		ID:                xid.New("reg"),
		Operator:          actor.Username,
		OpeningFloatCents: req.OpeningFloatCents,
		State:             domain.RegisterStateOpen,
		OpenedAt:          time.Now().UTC(),
	}
	saved, err := s.repo.OpenRegister(ctx, session)
	if err != nil {
		return domain.RegisterResponse{}, err
	}

	log.Printf("[service] register opened id=%s operator=%s float=%d", saved.ID, saved.Operator, saved.OpeningFloatCents)
	return domain.RegisterResponse{Session: *saved}, nil
}

func (s *Service) CloseRegister(ctx context.Context, sessionID string, req domain.RegisterCloseRequest) (domain.RegisterResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.RegisterResponse{}, fmt.Errorf("%w: authenticated operator required", store.ErrForbidden)
	}
	if sessionID == "" {
		return domain.RegisterResponse{}, store.ErrValidation
	}
	if req.ClosingCents < 0 {
		return domain.RegisterResponse{}, fmt.Errorf("%w: closing amount must not be negative", store.ErrValidation)
	}

	closed, total, err := s.repo.CloseRegister(ctx, sessionID, actor.Username, req.ClosingCents, time.Now().UTC())
	if err != nil {
		return domain.RegisterResponse{}, err
	}

	log.Printf("[service] register closed id=%s operator=%s sales_total=%d", closed.ID, closed.Operator, total)
	return domain.RegisterResponse{Session: *closed, TotalSalesCents: total}, nil
}

func (s *Service) ActiveRegister(ctx context.Context) (domain.RegisterResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.RegisterResponse{}, fmt.Errorf("%w: authenticated operator required", store.ErrForbidden)
	}

	session, err := s.repo.GetOpenRegisterForOperator(ctx, actor.Username)
	if err != nil {
		return domain.RegisterResponse{}, err
	}
	total, err := s.repo.RegisterSalesTotal(ctx, session.ID)
	if err != nil {
		return domain.RegisterResponse{}, err
	}
	return domain.RegisterResponse{Session: *session, TotalSalesCents: total}, nil
}

func (s *Service) AnyOpenRegister(ctx context.Context) (domain.RegisterResponse, error) {
	session, err := s.repo.GetLatestOpenRegister(ctx)
	if err != nil {
		return domain.RegisterResponse{}, err
	}
	total, err := s.repo.RegisterSalesTotal(ctx, session.ID)
	if err != nil {
		return domain.RegisterResponse{}, err
	}
	return domain.RegisterResponse{Session: *session, TotalSalesCents: total}, nil
}

func (s *Service) ListRegisters(ctx context.Context, filter domain.RegisterFilter) ([]domain.RegisterSession, error) {
	return s.repo.ListRegisters(ctx, filter)
}

func (s *Service) RecordMovement(ctx context.Context, req domain.MovementRequest) (domain.MovementResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.MovementResponse{}, fmt.Errorf("%w: authenticated operator required", store.ErrForbidden)
	}

	if req.ProductID == "" || req.Qty < 1 {
		return domain.MovementResponse{}, store.ErrValidation
	}
	if req.Direction != domain.MovementIn && req.Direction != domain.MovementOut {
		return domain.MovementResponse{}, fmt.Errorf("%w: direction must be %q or %q", store.ErrValidation, domain.MovementIn, domain.MovementOut)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = domain.ReasonManual
	}

	moved, err := s.repo.RecordMovement(ctx, domain.LedgerEntry{
		ProductID: req.ProductID,
		Direction: req.Direction,
		Qty:       req.Qty,
		Reason:    reason,
		Operator:  actor.Username,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.MovementResponse{}, err
	}

	s.invalidateAlerts(ctx)
	return *moved, nil
}

func (s *Service) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.LedgerEntry, error) {
	return s.repo.ListMovements(ctx, filter)
}

func (s *Service) ProductKardex(ctx context.Context, productID string) (domain.Kardex, error) {
	if productID == "" {
		return domain.Kardex{}, store.ErrValidation
	}
	kardex, err := s.repo.ProductKardex(ctx, productID)
	if err != nil {
		return domain.Kardex{}, err
	}
	return *kardex, nil
}

// InventoryAlerts scans the catalog and classifies every product that is out
// of stock, under its minimum, or close to expiry. The scan is a pure
// derivation over current state, so the response is cached briefly.
func (s *Service) InventoryAlerts(ctx context.Context) (domain.InventoryAlertResponse, error) {
	if cached, hit, err := s.alerts.Get(ctx, alertCacheKey); err == nil && hit {
		return *cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: alert cache get failed: %v", err)
	}

	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return domain.InventoryAlertResponse{}, err
	}

	now := time.Now().UTC()
	resp := domain.InventoryAlertResponse{
		GeneratedAt: now.Format(time.RFC3339),
		Alerts:      make([]domain.InventoryAlert, 0, 8),
	}
	for _, product := range products {
		if alert, ok := classifyProduct(product, now); ok {
			resp.Alerts = append(resp.Alerts, alert)
		}
	}

	if err := s.alerts.Set(ctx, alertCacheKey, &resp, s.alertTTL); err != nil {
		log.Printf("[service] WARN: alert cache set failed: %v", err)
	}
	return resp, nil
}

// classifyProduct raises at most one alert per product. A stock condition and
// an imminent expiry merge into a single combined alert (for example
// "stock_bajo_vencimiento") whose severity follows the expiry window.
func classifyProduct(product domain.Product, now time.Time) (domain.InventoryAlert, bool) {
	alert := domain.InventoryAlert{Product: product}

	switch {
	case product.Stock == 0:
		alert.Code = domain.AlertOutOfStock
		alert.Message = fmt.Sprintf("%s is out of stock", product.Name)
		alert.Severity = domain.SeverityDanger
	case product.Stock <= product.MinStock:
		alert.Code = domain.AlertLowStock
		alert.Message = fmt.Sprintf("%s is below minimum stock (%d of %d)", product.Name, product.Stock, product.MinStock)
		alert.Severity = domain.SeverityWarning
	}

	if product.ExpiryDate != nil {
		days := int(product.ExpiryDate.Sub(now).Hours() / 24)
		if days <= expiryWarningDays {
			if alert.Code != "" {
				alert.Code += "_" + domain.AlertExpiry
				alert.Message += fmt.Sprintf(" - expires in %d days", days)
			} else {
				alert.Code = domain.AlertExpiry
				alert.Message = fmt.Sprintf("%s expires in %d days", product.Name, days)
			}
			alert.Severity = domain.SeverityWarning
			if days <= expiryDangerDays {
				alert.Severity = domain.SeverityDanger
			}
			alert.DaysToExpiry = days
		}
	}

	if alert.Code == "" {
		return domain.InventoryAlert{}, false
	}
	return alert, true
}

func (s *Service) invalidateAlerts(ctx context.Context) {
	if err := s.alerts.Invalidate(ctx, alertCacheKey); err != nil {
		log.Printf("[service] WARN: alert cache invalidate failed: %v", err)
	}
}

// CreateSale runs the sale preconditions in a fixed order, then hands the
// whole cart to the store for atomic execution. Prices are captured from the
// catalog at execution time, never taken from the request.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.Receipt, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Receipt{}, fmt.Errorf("%w: authenticated operator required", store.ErrForbidden)
	}

	items := normalizeItems(req.Items)
	if len(items) == 0 {
		return domain.Receipt{}, ErrEmptyCart
	}

	snapshot, customerID, err := s.resolveCustomer(ctx, req)
	if err != nil {
		return domain.Receipt{}, err
	}

	session, err := s.repo.GetLatestOpenRegister(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Receipt{}, ErrNoOpenRegister
		}
		return domain.Receipt{}, err
	}

	lines := make([]domain.SaleLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, domain.SaleLine{ProductID: item.ProductID, Qty: item.Qty})
	}

	sale := domain.Sale{
		SessionID:      session.ID,
		CustomerID:     customerID,
		Customer:       snapshot,
		Operator:       actor.Username,
		Lines:          lines,
		TaxRatePercent: s.taxRatePercent,
		CreatedAt:      time.Now().UTC(),
	}

	saved, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return domain.Receipt{}, err
	}

	s.invalidateAlerts(ctx)
	log.Printf("[service] sale created invoice=%s operator=%s total=%d", saved.Invoice, saved.Operator, saved.TotalCents)

	return domain.Receipt{
		Invoice:        saved.Invoice,
		SessionID:      saved.SessionID,
		Customer:       saved.Customer,
		Lines:          saved.Lines,
		SubtotalCents:  saved.SubtotalCents,
		TaxRatePercent: saved.TaxRatePercent,
		TaxCents:       saved.TaxCents,
		TotalCents:     saved.TotalCents,
		CreatedAt:      saved.CreatedAt,
	}, nil
}

func (s *Service) resolveCustomer(ctx context.Context, req domain.SaleCreateRequest) (domain.CustomerSnapshot, string, error) {
	if req.CustomerID != "" {
		customer, err := s.repo.GetCustomerByID(ctx, req.CustomerID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.CustomerSnapshot{}, "", fmt.Errorf("%w %s not found", ErrCustomerNotFound, req.CustomerID)
			}
			return domain.CustomerSnapshot{}, "", err
		}
		return domain.CustomerSnapshot{
			Identification: customer.Identification,
			Names:          customer.Names,
			Surnames:       customer.Surnames,
			City:           customer.City,
			Address:        customer.Address,
			Phone:          customer.Phone,
		}, customer.ID, nil
	}

	if req.Customer == nil {
		return domain.CustomerSnapshot{}, "", ErrMissingCustomer
	}
	snapshot := *req.Customer
	snapshot.Identification = strings.TrimSpace(snapshot.Identification)
	snapshot.Names = strings.TrimSpace(snapshot.Names)
	if snapshot.Identification == "" || snapshot.Names == "" {
		return domain.CustomerSnapshot{}, "", ErrMissingCustomer
	}
	return snapshot, "", nil
}

func (s *Service) GetSale(ctx context.Context, invoiceNumber string) (domain.Sale, error) {
	if _, _, err := invoice.Parse(s.invoicePrefix, invoiceNumber); err != nil {
		return domain.Sale{}, fmt.Errorf("%w: malformed invoice number %q", store.ErrValidation, invoiceNumber)
	}
	sale, err := s.repo.GetSaleByInvoice(ctx, invoiceNumber)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx, filter)
}

func (s *Service) SalesStats(ctx context.Context) (domain.SalesStats, error) {
	return s.repo.SalesStats(ctx)
}

// normalizeItems merges duplicate product lines and drops non-positive
// quantities.
func normalizeItems(items []domain.SaleItemRequest) []domain.SaleItemRequest {
	merged := make(map[string]int, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ProductID)
		if id == "" || item.Qty < 1 {
			continue
		}
		if _, seen := merged[id]; !seen {
			order = append(order, id)
		}
		merged[id] += item.Qty
	}

	normalized := make([]domain.SaleItemRequest, 0, len(order))
	for _, id := range order {
		normalized = append(normalized, domain.SaleItemRequest{ProductID: id, Qty: merged[id]})
	}
	return normalized
}

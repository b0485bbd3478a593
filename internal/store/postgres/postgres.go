package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"ferresys/backend/internal/domain"
	"ferresys/backend/internal/invoice"
	"ferresys/backend/internal/store"
	"ferresys/backend/internal/xid"
)

type Store struct {
	db             *sql.DB
	invoicePrefix  string
	taxRatePercent float64
}

type Options struct {
	InvoicePrefix  string
	TaxRatePercent float64
}

func New(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	if opts.InvoicePrefix == "" {
		opts.InvoicePrefix = invoice.DefaultPrefix
	}
	if opts.TaxRatePercent <= 0 {
		opts.TaxRatePercent = 12
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, invoicePrefix: opts.InvoicePrefix, taxRatePercent: opts.TaxRatePercent}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Code == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrValidation
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.Active = true
	product.Stock = product.InitialStock

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, code, name, brand, price_cents, stock, initial_stock, min_stock, expiry_date, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, product.ID, product.Code, product.Name, product.Brand, product.PriceCents, product.Stock,
		product.InitialStock, product.MinStock, nullDate(product.ExpiryDate), product.Active, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: product code %s already exists", store.ErrConflict, product.Code)
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	var product domain.Product
	var expiry sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, name, brand, price_cents, stock, initial_stock, min_stock, expiry_date, active, created_at
		FROM products
		WHERE id = $1
	`, id).Scan(&product.ID, &product.Code, &product.Name, &product.Brand, &product.PriceCents,
		&product.Stock, &product.InitialStock, &product.MinStock, &expiry, &product.Active, &product.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	product.CreatedAt = product.CreatedAt.UTC()
	if expiry.Valid {
		e := dateUTC(expiry.Time)
		product.ExpiryDate = &e
	}
	return &product, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, name, brand, price_cents, stock, initial_stock, min_stock, expiry_date, active, created_at
		FROM products
		WHERE active = true
		ORDER BY code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		var expiry sql.NullTime
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.Brand, &p.PriceCents, &p.Stock,
			&p.InitialStock, &p.MinStock, &expiry, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		if expiry.Valid {
			e := dateUTC(expiry.Time)
			p.ExpiryDate = &e
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.Identification == "" || customer.Names == "" {
		return nil, store.ErrValidation
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, identification, names, surnames, email, city, address, phone, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, customer.ID, customer.Identification, customer.Names, customer.Surnames,
		nullIfEmpty(customer.Email), nullIfEmpty(customer.City), nullIfEmpty(customer.Address),
		nullIfEmpty(customer.Phone), customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: customer identification %s already exists", store.ErrConflict, customer.Identification)
		}
		return nil, err
	}

	created := customer
	return &created, nil
}

func (s *Store) GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error) {
	var c domain.Customer
	var email, city, address, phone sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, identification, names, surnames, email, city, address, phone, created_at
		FROM customers
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Identification, &c.Names, &c.Surnames, &email, &city, &address, &phone, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.Email = email.String
	c.City = city.String
	c.Address = address.String
	c.Phone = phone.String
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identification, names, surnames, email, city, address, phone, created_at
		FROM customers
		ORDER BY identification
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		var c domain.Customer
		var email, city, address, phone sql.NullString
		if err := rows.Scan(&c.ID, &c.Identification, &c.Names, &c.Surnames, &email, &city, &address, &phone, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Email = email.String
		c.City = city.String
		c.Address = address.String
		c.Phone = phone.String
		c.CreatedAt = c.CreatedAt.UTC()
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) OpenRegister(ctx context.Context, session domain.RegisterSession) (*domain.RegisterSession, error) {
	if strings.TrimSpace(session.Operator) == "" || session.OpeningFloatCents < 0 {
		return nil, store.ErrValidation
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

	// A partial unique index on (operator) WHERE state = 'open' makes the
	// one-open-register-per-operator rule hold under concurrent opens.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO register_sessions (id, operator, opening_float_cents, closing_cents, state, opened_at, closed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, session.ID, session.Operator, session.OpeningFloatCents, session.ClosingCents,
		session.State, session.OpenedAt, nullTime(session.ClosedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: operator %s already has an open register", store.ErrConflict, session.Operator)
		}
		return nil, err
	}

	saved := session
	return &saved, nil
}

func (s *Store) CloseRegister(ctx context.Context, sessionID string, operator string, closingCents int64, closedAt time.Time) (*domain.RegisterSession, int64, error) {
	if closingCents < 0 {
		return nil, 0, store.ErrValidation
	}
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var session domain.RegisterSession
	err = tx.QueryRowContext(ctx, `
		SELECT id, operator, opening_float_cents, state, opened_at
		FROM register_sessions
		WHERE id = $1
		FOR UPDATE
	`, sessionID).Scan(&session.ID, &session.Operator, &session.OpeningFloatCents, &session.State, &session.OpenedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, store.ErrNotFound
		}
		return nil, 0, err
	}
	if session.State == domain.RegisterStateClosed {
		return nil, 0, fmt.Errorf("%w: register %s is already closed", store.ErrConflict, sessionID)
	}
	if session.Operator != operator {
		return nil, 0, fmt.Errorf("%w: only the operator who opened the register may close it", store.ErrForbidden)
	}

	var total int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_cents),0)::bigint
		FROM sales
		WHERE session_id = $1
	`, sessionID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE register_sessions
		SET state = $2, closing_cents = $3, closed_at = $4
		WHERE id = $1
	`, sessionID, domain.RegisterStateClosed, closingCents, closedAt)
	if err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}

	session.State = domain.RegisterStateClosed
	session.ClosingCents = closingCents
	session.OpenedAt = session.OpenedAt.UTC()
	at := closedAt
	session.ClosedAt = &at
	return &session, total, nil
}

func (s *Store) GetRegisterByID(ctx context.Context, sessionID string) (*domain.RegisterSession, error) {
	return s.getRegister(ctx, `WHERE id = $1`, sessionID)
}

func (s *Store) GetOpenRegisterForOperator(ctx context.Context, operator string) (*domain.RegisterSession, error) {
	return s.getRegister(ctx, `WHERE operator = $1 AND state = 'open' ORDER BY opened_at DESC LIMIT 1`, operator)
}

func (s *Store) GetLatestOpenRegister(ctx context.Context) (*domain.RegisterSession, error) {
	var session domain.RegisterSession
	var closedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, operator, opening_float_cents, closing_cents, state, opened_at, closed_at
		FROM register_sessions
		WHERE state = 'open'
		ORDER BY opened_at DESC
		LIMIT 1
	`).Scan(&session.ID, &session.Operator, &session.OpeningFloatCents, &session.ClosingCents,
		&session.State, &session.OpenedAt, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session.OpenedAt = session.OpenedAt.UTC()
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		session.ClosedAt = &at
	}
	return &session, nil
}

func (s *Store) getRegister(ctx context.Context, where string, arg any) (*domain.RegisterSession, error) {
	var session domain.RegisterSession
	var closedAt sql.NullTime
	query := `
		SELECT id, operator, opening_float_cents, closing_cents, state, opened_at, closed_at
		FROM register_sessions
	` + where
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&session.ID, &session.Operator,
		&session.OpeningFloatCents, &session.ClosingCents, &session.State, &session.OpenedAt, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session.OpenedAt = session.OpenedAt.UTC()
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		session.ClosedAt = &at
	}
	return &session, nil
}

func (s *Store) ListRegisters(ctx context.Context, filter domain.RegisterFilter) ([]domain.RegisterSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operator, opening_float_cents, closing_cents, state, opened_at, closed_at
		FROM register_sessions
		WHERE ($1 = '' OR state = $1)
			AND ($2 = '' OR operator = $2)
			AND ($3::timestamptz IS NULL OR opened_at >= $3)
			AND ($4::timestamptz IS NULL OR opened_at < $4)
		ORDER BY opened_at DESC
	`, filter.State, filter.Operator, nullTimeValue(filter.From), nullTimeValue(filter.To))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]domain.RegisterSession, 0, 32)
	for rows.Next() {
		var session domain.RegisterSession
		var closedAt sql.NullTime
		if err := rows.Scan(&session.ID, &session.Operator, &session.OpeningFloatCents,
			&session.ClosingCents, &session.State, &session.OpenedAt, &closedAt); err != nil {
			return nil, err
		}
		session.OpenedAt = session.OpenedAt.UTC()
		if closedAt.Valid {
			at := closedAt.Time.UTC()
			session.ClosedAt = &at
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) RegisterSalesTotal(ctx context.Context, sessionID string) (int64, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM register_sessions WHERE id = $1)
	`, sessionID).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, store.ErrNotFound
	}

	var total int64
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_cents),0)::bigint
		FROM sales
		WHERE session_id = $1
	`, sessionID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) RecordMovement(ctx context.Context, entry domain.LedgerEntry) (*domain.MovementResponse, error) {
	if entry.Qty < 1 {
		return nil, store.ErrValidation
	}
	if entry.Direction != domain.MovementIn && entry.Direction != domain.MovementOut {
		return nil, store.ErrValidation
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var previous int
	err = tx.QueryRowContext(ctx, `
		SELECT stock
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, entry.ProductID).Scan(&previous)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	delta := entry.Qty
	if entry.Direction == domain.MovementOut {
		if previous < entry.Qty {
			return nil, &store.InsufficientStockError{ProductID: entry.ProductID, Current: previous, Requested: entry.Qty}
		}
		delta = -entry.Qty
	}

	// The guard in the WHERE clause keeps stock non-negative even if the
	// row was modified between the lock and this statement.
	res, err := tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + $1
		WHERE id = $2 AND stock + $1 >= 0
	`, delta, entry.ProductID)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, &store.InsufficientStockError{ProductID: entry.ProductID, Current: previous, Requested: entry.Qty}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, product_id, direction, qty, reason, operator, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, entry.ID, entry.ProductID, entry.Direction, entry.Qty, entry.Reason, entry.Operator, entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &domain.MovementResponse{
		Entry:         entry,
		PreviousStock: previous,
		NewStock:      previous + delta,
	}, nil
}

func (s *Store) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.LedgerEntry, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, direction, qty, reason, operator, created_at
		FROM ledger_entries
		WHERE ($1 = '' OR product_id = $1)
			AND ($2 = '' OR direction = $2)
			AND ($3::timestamptz IS NULL OR created_at >= $3)
			AND ($4::timestamptz IS NULL OR created_at < $4)
		ORDER BY created_at DESC, id DESC
		LIMIT $5
	`, filter.ProductID, filter.Direction, nullTimeValue(filter.From), nullTimeValue(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, limit)
	for rows.Next() {
		var entry domain.LedgerEntry
		if err := rows.Scan(&entry.ID, &entry.ProductID, &entry.Direction, &entry.Qty,
			&entry.Reason, &entry.Operator, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) ProductKardex(ctx context.Context, productID string) (*domain.Kardex, error) {
	var k domain.Kardex
	var expiry sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.code, p.name, p.stock, p.min_stock, p.initial_stock, p.expiry_date,
			COALESCE(SUM(CASE WHEN l.direction = 'in' THEN l.qty ELSE 0 END),0)::int,
			COALESCE(SUM(CASE WHEN l.direction = 'out' THEN l.qty ELSE 0 END),0)::int
		FROM products p
		LEFT JOIN ledger_entries l ON l.product_id = p.id
		WHERE p.id = $1
		GROUP BY p.id
	`, productID).Scan(&k.ProductID, &k.Code, &k.Name, &k.Stock, &k.MinStock, &k.InitialStock, &expiry, &k.TotalIn, &k.TotalOut)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if expiry.Valid {
		e := dateUTC(expiry.Time)
		k.ExpiryDate = &e
	}
	k.DerivedStock = k.InitialStock + k.TotalIn - k.TotalOut
	return &k, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Lines) == 0 || sale.SessionID == "" {
		return nil, store.ErrValidation
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if sale.TaxRatePercent <= 0 {
		sale.TaxRatePercent = s.taxRatePercent
	}

	// Default isolation on purpose: a transaction that waited on FOR UPDATE
	// re-reads the committed row, so the stock guard below rejects an
	// oversell instead of the whole transaction failing with SQLSTATE 40001.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var sessionState string
	err = tx.QueryRowContext(ctx, `
		SELECT state
		FROM register_sessions
		WHERE id = $1
		FOR UPDATE
	`, sale.SessionID).Scan(&sessionState)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: register session %s", store.ErrNotFound, sale.SessionID)
		}
		return nil, err
	}
	if sessionState != domain.RegisterStateOpen {
		return nil, fmt.Errorf("%w: register session %s is not open", store.ErrConflict, sale.SessionID)
	}

	subtotal := int64(0)
	captured := make([]domain.SaleLine, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		if line.Qty < 1 {
			return nil, store.ErrValidation
		}

		var name, brand string
		var priceCents int64
		var stock int
		err = tx.QueryRowContext(ctx, `
			SELECT name, brand, price_cents, stock
			FROM products
			WHERE id = $1 AND active = true
			FOR UPDATE
		`, line.ProductID).Scan(&name, &brand, &priceCents, &stock)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, line.ProductID)
			}
			return nil, err
		}
		if stock < line.Qty {
			return nil, &store.InsufficientStockError{ProductID: line.ProductID, Current: stock, Requested: line.Qty}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $1
			WHERE id = $2 AND stock >= $1
		`, line.Qty, line.ProductID)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, &store.InsufficientStockError{ProductID: line.ProductID, Current: stock, Requested: line.Qty}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, product_id, direction, qty, reason, operator, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, xid.New("mov"), line.ProductID, domain.MovementOut, line.Qty, domain.ReasonSale, sale.Operator, sale.CreatedAt)
		if err != nil {
			return nil, err
		}

		lineTotal := priceCents * int64(line.Qty)
		captured = append(captured, domain.SaleLine{
			ProductID:      line.ProductID,
			Name:           name,
			Brand:          brand,
			UnitPriceCents: priceCents,
			Qty:            line.Qty,
			TotalCents:     lineTotal,
		})
		subtotal += lineTotal
	}

	sale.Lines = captured
	sale.SubtotalCents = subtotal
	sale.TaxCents = int64(math.Round(float64(subtotal) * sale.TaxRatePercent / 100))
	sale.TotalCents = subtotal + sale.TaxCents

	// The sequence is allocated inside the sale transaction: a rolled-back
	// sale also rolls the counter back, so numbers are never duplicated.
	year := invoice.Year(sale.CreatedAt)
	var seq int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO invoice_counters (year, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (year)
		DO UPDATE SET last_seq = invoice_counters.last_seq + 1
		RETURNING last_seq
	`, year).Scan(&seq)
	if err != nil {
		return nil, err
	}
	sale.Invoice = invoice.Format(s.invoicePrefix, year, seq)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, invoice, session_id, customer_id, customer_identification, customer_names,
			customer_surnames, customer_city, customer_address, customer_phone, operator,
			subtotal_cents, tax_rate_percent, tax_cents, total_cents, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, sale.ID, sale.Invoice, sale.SessionID, nullIfEmpty(sale.CustomerID),
		sale.Customer.Identification, sale.Customer.Names, sale.Customer.Surnames,
		nullIfEmpty(sale.Customer.City), nullIfEmpty(sale.Customer.Address), nullIfEmpty(sale.Customer.Phone),
		sale.Operator, sale.SubtotalCents, sale.TaxRatePercent, sale.TaxCents, sale.TotalCents, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: invoice number %s already issued", store.ErrConflict, sale.Invoice)
		}
		return nil, err
	}

	for _, line := range sale.Lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, product_id, name, brand, unit_price_cents, qty, total_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, sale.ID, line.ProductID, line.Name, line.Brand, line.UnitPriceCents, line.Qty, line.TotalCents)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	saved := sale
	return &saved, nil
}

func (s *Store) GetSaleByInvoice(ctx context.Context, invoiceNumber string) (*domain.Sale, error) {
	var sale domain.Sale
	var customerID, city, address, phone sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, invoice, session_id, customer_id, customer_identification, customer_names,
			customer_surnames, customer_city, customer_address, customer_phone, operator,
			subtotal_cents, tax_rate_percent, tax_cents, total_cents, created_at
		FROM sales
		WHERE invoice = $1
	`, invoiceNumber).Scan(&sale.ID, &sale.Invoice, &sale.SessionID, &customerID,
		&sale.Customer.Identification, &sale.Customer.Names, &sale.Customer.Surnames,
		&city, &address, &phone, &sale.Operator,
		&sale.SubtotalCents, &sale.TaxRatePercent, &sale.TaxCents, &sale.TotalCents, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CustomerID = customerID.String
	sale.Customer.City = city.String
	sale.Customer.Address = address.String
	sale.Customer.Phone = phone.String
	sale.CreatedAt = sale.CreatedAt.UTC()

	lines, err := s.saleLines(ctx, sale.ID)
	if err != nil {
		return nil, err
	}
	sale.Lines = lines
	return &sale, nil
}

func (s *Store) saleLines(ctx context.Context, saleID string) ([]domain.SaleLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, name, brand, unit_price_cents, qty, total_cents
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY id ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ProductID, &line.Name, &line.Brand, &line.UnitPriceCents, &line.Qty, &line.TotalCents); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice, session_id, customer_id, customer_identification, customer_names,
			customer_surnames, customer_city, customer_address, customer_phone, operator,
			subtotal_cents, tax_rate_percent, tax_cents, total_cents, created_at
		FROM sales
		WHERE ($1 = '' OR operator = $1)
			AND ($2::timestamptz IS NULL OR created_at >= $2)
			AND ($3::timestamptz IS NULL OR created_at < $3)
		ORDER BY created_at DESC, invoice DESC
		LIMIT $4
	`, filter.Operator, nullTimeValue(filter.From), nullTimeValue(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		var customerID, city, address, phone sql.NullString
		if err := rows.Scan(&sale.ID, &sale.Invoice, &sale.SessionID, &customerID,
			&sale.Customer.Identification, &sale.Customer.Names, &sale.Customer.Surnames,
			&city, &address, &phone, &sale.Operator,
			&sale.SubtotalCents, &sale.TaxRatePercent, &sale.TaxCents, &sale.TotalCents, &sale.CreatedAt); err != nil {
			return nil, err
		}
		sale.CustomerID = customerID.String
		sale.Customer.City = city.String
		sale.Customer.Address = address.String
		sale.Customer.Phone = phone.String
		sale.CreatedAt = sale.CreatedAt.UTC()
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sales {
		lines, err := s.saleLines(ctx, sales[i].ID)
		if err != nil {
			return nil, err
		}
		sales[i].Lines = lines
	}
	return sales, nil
}

func (s *Store) SalesStats(ctx context.Context) (domain.SalesStats, error) {
	var stats domain.SalesStats
	var first, last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::bigint,
			COALESCE(SUM(total_cents),0)::bigint,
			COUNT(DISTINCT customer_identification)::bigint,
			MIN(created_at), MAX(created_at)
		FROM sales
	`).Scan(&stats.TotalSales, &stats.TotalCents, &stats.UniqueCustomers, &first, &last)
	if err != nil {
		return stats, err
	}
	if stats.TotalSales > 0 {
		stats.AverageCents = stats.TotalCents / stats.TotalSales
		if first.Valid {
			stats.FirstSaleDate = first.Time.UTC().Format("2006-01-02")
		}
		if last.Valid {
			stats.LastSaleDate = last.Time.UTC().Format("2006-01-02")
		}
	}
	return stats, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrValidation
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username %s already exists", store.ErrConflict, user.Username)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nullTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullTimeValue(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value
}

func nullDate(value *time.Time) any {
	if value == nil {
		return nil
	}
	return *value
}

func dateUTC(value time.Time) time.Time {
	v := value.UTC()
	return time.Date(v.Year(), v.Month(), v.Day(), 0, 0, 0, 0, time.UTC)
}

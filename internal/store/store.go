package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ferresys/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("invalid input")
	ErrConflict          = errors.New("conflict")
	ErrForbidden         = errors.New("forbidden")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// InsufficientStockError carries the quantities the caller needs to render
// a useful message ("stock 2, requested 5").
type InsufficientStockError struct {
	ProductID string
	Current   int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: have %d, requested %d", e.ProductID, e.Current, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

type Repository interface {
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)

	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error)
	ListCustomers(ctx context.Context) ([]domain.Customer, error)

	OpenRegister(ctx context.Context, session domain.RegisterSession) (*domain.RegisterSession, error)
	CloseRegister(ctx context.Context, sessionID string, operator string, closingCents int64, closedAt time.Time) (*domain.RegisterSession, int64, error)
	GetRegisterByID(ctx context.Context, sessionID string) (*domain.RegisterSession, error)
	GetOpenRegisterForOperator(ctx context.Context, operator string) (*domain.RegisterSession, error)
	GetLatestOpenRegister(ctx context.Context) (*domain.RegisterSession, error)
	ListRegisters(ctx context.Context, filter domain.RegisterFilter) ([]domain.RegisterSession, error)
	RegisterSalesTotal(ctx context.Context, sessionID string) (int64, error)

	RecordMovement(ctx context.Context, entry domain.LedgerEntry) (*domain.MovementResponse, error)
	ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.LedgerEntry, error)
	ProductKardex(ctx context.Context, productID string) (*domain.Kardex, error)

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSaleByInvoice(ctx context.Context, invoice string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)
	SalesStats(ctx context.Context) (domain.SalesStats, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a unique constraint rejects a write
var ErrConflict = errors.New("conflict")

// ErrCartChanged is returned when the cart no longer holds the lines an
// order was priced from
var ErrCartChanged = errors.New("cart changed")

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProducts retrieves all products
func (s *Store) GetProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := s.db.SelectContext(ctx, &products, "SELECT * FROM products ORDER BY id")
	return products, err
}

// ReserveStock decrements available quantity only when enough is on hand.
// ok is false when the product exists but cannot cover the quantity.
func (s *Store) ReserveStock(ctx context.Context, productID int64, quantity int) (remaining int, ok bool, err error) {
	err = s.db.GetContext(ctx, &remaining,
		`UPDATE products SET quantity = quantity - $1, updated_at = NOW()
		 WHERE id = $2 AND quantity >= $1
		 RETURNING quantity`,
		quantity, productID)
	if err == nil {
		return remaining, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to reserve stock: %w", err)
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)", productID); err != nil {
		return 0, false, err
	}
	if !exists {
		return 0, false, fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	return 0, false, nil
}

// ReleaseStock returns previously reserved quantity (compensation)
func (s *Store) ReleaseStock(ctx context.Context, productID int64, quantity int) (int, error) {
	var remaining int
	err := s.db.GetContext(ctx, &remaining,
		"UPDATE products SET quantity = quantity + $1, updated_at = NOW() WHERE id = $2 RETURNING quantity",
		quantity, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	return remaining, err
}

// UpdateProductPrice changes the live catalog price of a product
func (s *Store) UpdateProductPrice(ctx context.Context, productID int64, price int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE products SET price = $1, updated_at = NOW() WHERE id = $2", price, productID)
	if err != nil {
		return err
	}
	return expectAffected(res, "product", productID)
}

func expectAffected(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return nil
}

func translateError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%s: %w", pqErr.Constraint, ErrConflict)
	}
	return err
}

// Package catalog provides the SQL implementation of the Catalog interface.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// SQLCatalog reads products via database/sql. The production catalog lives in
// MySQL; sqlite3 is supported for local development and tests.
type SQLCatalog struct {
	db *sql.DB
}

// NewSQLCatalog opens the catalog database. For the sqlite3 driver the parent
// directory is created and the products table is bootstrapped if missing, so a
// fresh development setup starts from an empty catalog rather than an error.
func NewSQLCatalog(driver, dsn string) (*SQLCatalog, error) {
	switch driver {
	case "mysql", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported catalog driver: %s (supported: mysql, sqlite3)", driver)
	}

	if driver == "sqlite3" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create catalog directory: %w", err)
			}
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	if driver == "sqlite3" {
		if err := initSchema(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
		}
	}

	return &SQLCatalog{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id INTEGER PRIMARY KEY,
		name TEXT,
		image TEXT
	);
	`
	_, err := db.Exec(schema)
	return err
}

// ListProducts returns every product with its primary image reference.
// Rows with a NULL image column are returned with an empty ImageURL; the
// rebuild pipeline skips them like any other unfetchable image.
func (c *SQLCatalog) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, name, image FROM products`)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		var p Product
		var name, image sql.NullString
		if err := rows.Scan(&p.ID, &name, &image); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		p.Name = name.String
		p.ImageURL = image.String
		products = append(products, p)
	}
	return products, rows.Err()
}

// AddProduct inserts a product row. Used by development tooling and tests;
// the production catalog is written by the commerce backend.
func (c *SQLCatalog) AddProduct(ctx context.Context, p Product) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO products (id, name, image) VALUES (?, ?, ?)`,
		p.ID, p.Name, p.ImageURL,
	)
	return err
}

// Close closes the database connection.
func (c *SQLCatalog) Close() error {
	return c.db.Close()
}

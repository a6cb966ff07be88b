// Package catalog reads product rows from the relational store.
// The store is owned by the commerce backend; this service only reads it.
package catalog

import "context"

// Product is one sellable catalog entry with its primary image reference.
type Product struct {
	ID       int64
	Name     string
	ImageURL string
}

// Catalog lists products for index builds.
type Catalog interface {
	ListProducts(ctx context.Context) ([]Product, error)
	Close() error
}

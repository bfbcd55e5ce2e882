package inventory

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-venue-timers/internal/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore implements Store on postgres. A PgStore returned inside InTx has
// pool == nil and runs on the transaction.
type PgStore struct {
	pool *pgxpool.Pool
	q    postgres.Querier
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, q: pool}
}

func (s *PgStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	return postgres.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&PgStore{q: tx})
	})
}

func (s *PgStore) Products(ctx context.Context, ids []string) (map[string]Product, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, branch_id, name, stock, low_stock_threshold, active, updated_at
		FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (s *PgStore) BranchProducts(ctx context.Context, branch string) ([]Product, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, branch_id, name, stock, low_stock_threshold, active, updated_at
		FROM products WHERE branch_id = $1 ORDER BY name`, branch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PgStore) Packages(ctx context.Context, ids []string) (map[string]Package, error) {
	rows, err := s.q.Query(ctx, `SELECT id, name, active, included_items FROM packages WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Package, len(ids))
	for rows.Next() {
		var (
			p   Package
			raw []byte
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Active, &raw); err != nil {
			return nil, err
		}
		if p.Items, err = DecodePackageItems(p.ID, raw); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// DecrementIfAvailable is the conditional update; the stock check and the
// write happen in the same statement.
func (s *PgStore) DecrementIfAvailable(ctx context.Context, branch, productID string, qty int) (Product, bool, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE products
		SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND active AND stock >= $2 AND ($3 = '' OR branch_id = $3)
		RETURNING id, branch_id, name, stock, low_stock_threshold, active, updated_at`,
		productID, qty, branch)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, false, nil
	}
	if err != nil {
		return Product{}, false, err
	}
	return p, true, nil
}

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.BranchID, &p.Name, &p.Stock, &p.LowStockThreshold, &p.Active, &p.UpdatedAt)
	return p, err
}

package inventory

import (
	"context"
	"fmt"
	"sort"

	"github.com/ariefcatur/go-venue-timers/internal/apperr"
	"github.com/ariefcatur/go-venue-timers/internal/logx"
	"go.uber.org/zap"
)

// Store is the relational side of the ledger. InTx hands fn a Store bound to
// a single transaction; returning an error from fn rolls everything back.
type Store interface {
	Products(ctx context.Context, ids []string) (map[string]Product, error)
	Packages(ctx context.Context, ids []string) (map[string]Package, error)
	BranchProducts(ctx context.Context, branch string) ([]Product, error)
	// DecrementIfAvailable subtracts qty only when the product is active, in
	// branch and has stock >= qty, all in one statement. ok=false when no row
	// matched.
	DecrementIfAvailable(ctx context.Context, branch, productID string, qty int) (p Product, ok bool, err error)
	InTx(ctx context.Context, fn func(Store) error) error
}

// StockCache is the read-side cache of per-branch stock views.
type StockCache interface {
	Get(ctx context.Context, branch string) ([]StockRow, bool, error)
	Put(ctx context.Context, branch string, rows []StockRow) error
	Invalidate(ctx context.Context, branch string) error
}

type Ledger struct {
	store Store
	cache StockCache
	log   *zap.Logger
}

func NewLedger(store Store, cache StockCache, log *zap.Logger) *Ledger {
	return &Ledger{store: store, cache: cache, log: logx.Or(log).Named("ledger")}
}

// ValidateAvailability reports whether every product/package line of the sale
// can be served from current stock. Problems are user-facing messages; err is
// reserved for store failures.
func (l *Ledger) ValidateAvailability(ctx context.Context, branch string, items []SaleLine) (bool, []string, error) {
	req, problems, err := l.requirements(ctx, branch, items)
	if err != nil {
		return false, nil, err
	}
	if len(req) == 0 {
		return len(problems) == 0, problems, nil
	}

	products, err := l.store.Products(ctx, keys(req))
	if err != nil {
		return false, nil, fmt.Errorf("load products: %w", err)
	}
	for _, id := range keys(req) {
		p, ok := products[id]
		switch {
		case !ok || (branch != "" && p.BranchID != branch):
			problems = append(problems, fmt.Sprintf("product %s not found", id))
		case !p.Active:
			problems = append(problems, fmt.Sprintf("product %s is inactive", p.label()))
		case p.Stock < req[id]:
			problems = append(problems, insufficient(p, req[id]))
		}
	}
	return len(problems) == 0, problems, nil
}

// DecrementAtomic takes the stock for every product/package line in one
// transaction. Either all products are decremented or none.
func (l *Ledger) DecrementAtomic(ctx context.Context, branch string, items []SaleLine) error {
	req, problems, err := l.requirements(ctx, branch, items)
	if err != nil {
		return err
	}
	if len(problems) > 0 {
		return apperr.ValidationList("sale cannot be fulfilled", problems)
	}
	if len(req) == 0 {
		return nil
	}

	// sorted ids give every concurrent sale the same row lock order
	ids := keys(req)
	var low []Product
	err = l.store.InTx(ctx, func(tx Store) error {
		for _, id := range ids {
			p, ok, err := tx.DecrementIfAvailable(ctx, branch, id, req[id])
			if err != nil {
				return fmt.Errorf("decrement %s: %w", id, err)
			}
			if !ok {
				return l.rejection(ctx, tx, branch, id, req[id])
			}
			if p.isLow() {
				low = append(low, p)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range low {
		l.log.Warn("product at or below low-stock threshold",
			zap.String("product_id", p.ID), zap.Int("stock", p.Stock), zap.Int("threshold", p.LowStockThreshold))
	}
	l.invalidate(ctx, branch)
	return nil
}

// Requirements decomposes the sale into required quantity per product id.
func (l *Ledger) Requirements(ctx context.Context, items []SaleLine) (map[string]int, error) {
	req, problems, err := l.requirements(ctx, "", items)
	if err != nil {
		return nil, err
	}
	if len(problems) > 0 {
		return nil, apperr.ValidationList("invalid sale lines", problems)
	}
	return req, nil
}

// StockView lists a branch's products, read through the cache.
func (l *Ledger) StockView(ctx context.Context, branch string) ([]StockRow, error) {
	if rows, ok, err := l.cache.Get(ctx, branch); err != nil {
		l.log.Warn("stock cache read failed", zap.String("branch", branch), zap.Error(err))
	} else if ok {
		return rows, nil
	}

	ps, err := l.store.BranchProducts(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("load branch stock: %w", err)
	}
	rows := make([]StockRow, 0, len(ps))
	for _, p := range ps {
		rows = append(rows, StockRow{ProductID: p.ID, Name: p.Name, Stock: p.Stock, LowStock: p.isLow(), Active: p.Active})
	}
	if err := l.cache.Put(ctx, branch, rows); err != nil {
		l.log.Warn("stock cache write failed", zap.String("branch", branch), zap.Error(err))
	}
	return rows, nil
}

func (l *Ledger) requirements(ctx context.Context, branch string, items []SaleLine) (map[string]int, []string, error) {
	req := map[string]int{}
	var problems []string

	var pkgIDs []string
	for _, it := range items {
		if it.Type == LinePackage && it.Quantity > 0 {
			pkgIDs = append(pkgIDs, it.RefID)
		}
	}
	var pkgs map[string]Package
	if len(pkgIDs) > 0 {
		var err error
		pkgs, err = l.store.Packages(ctx, pkgIDs)
		if apperr.IsValidation(err) {
			return nil, []string{err.Error()}, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("load packages: %w", err)
		}
	}

	for _, it := range items {
		switch it.Type {
		case LineService:
			continue
		case LineProduct, LinePackage:
		default:
			problems = append(problems, fmt.Sprintf("unknown line type %q for %s", it.Type, it.RefID))
			continue
		}
		if it.Quantity <= 0 {
			problems = append(problems, fmt.Sprintf("invalid quantity %d for %s %s", it.Quantity, it.Type, it.RefID))
			continue
		}
		if it.Type == LineProduct {
			req[it.RefID] += it.Quantity
			continue
		}

		pkg, ok := pkgs[it.RefID]
		if !ok {
			problems = append(problems, fmt.Sprintf("package %s not found", it.RefID))
			continue
		}
		if !pkg.Active {
			problems = append(problems, fmt.Sprintf("package %s is inactive", it.RefID))
			continue
		}
		for _, inc := range pkg.Items {
			if pi, ok := inc.(ProductItem); ok {
				req[pi.ProductID] += pi.Qty * it.Quantity
			}
		}
	}
	return req, problems, nil
}

// rejection explains a zero-row conditional update. The caller rolls back
// regardless of which error comes out.
func (l *Ledger) rejection(ctx context.Context, tx Store, branch, id string, required int) error {
	ps, err := tx.Products(ctx, []string{id})
	if err != nil {
		return fmt.Errorf("product %s: decrement rejected, lookup failed: %w", id, err)
	}
	p, ok := ps[id]
	switch {
	case !ok || (branch != "" && p.BranchID != branch):
		return apperr.NotFound("product", id)
	case !p.Active:
		return apperr.Validation("product %s is inactive", p.label())
	default:
		return apperr.ValidationList("insufficient stock", []string{insufficient(p, required)})
	}
}

func (l *Ledger) invalidate(ctx context.Context, branch string) {
	if err := l.cache.Invalidate(ctx, branch); err != nil {
		l.log.Warn("stock cache invalidation failed", zap.String("branch", branch), zap.Error(err))
	}
}

func insufficient(p Product, required int) string {
	return fmt.Sprintf("insufficient stock for product %s: required %d, available %d", p.label(), required, p.Stock)
}

func keys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

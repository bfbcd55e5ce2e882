package inventory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ariefcatur/go-venue-timers/internal/apperr"
)

type Product struct {
	ID                string    `json:"id"`
	BranchID          string    `json:"branch_id"`
	Name              string    `json:"name"`
	Stock             int       `json:"stock"`
	LowStockThreshold int       `json:"low_stock_threshold"`
	Active            bool      `json:"active"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Package is a bundled offering. Items are read-only during a sale.
type Package struct {
	ID     string
	Name   string
	Active bool
	Items  []PackageItem
}

// PackageItem is either a ProductItem or a ServiceItem.
type PackageItem interface {
	isPackageItem()
}

type ProductItem struct {
	ProductID string
	Qty       int
}

type ServiceItem struct {
	ServiceID string
}

func (ProductItem) isPackageItem() {}
func (ServiceItem) isPackageItem() {}

type LineType string

const (
	LineProduct LineType = "product"
	LineService LineType = "service"
	LinePackage LineType = "package"
)

// SaleLine is one line of a sale as handed over by the sale orchestrator.
type SaleLine struct {
	Type     LineType `json:"type"`
	RefID    string   `json:"ref_id"`
	Quantity int      `json:"quantity"`
}

// StockRow is one entry of the cached per-branch stock view.
type StockRow struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Stock     int    `json:"stock"`
	LowStock  bool   `json:"low_stock"`
	Active    bool   `json:"active"`
}

type rawPackageItem struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	ServiceID string `json:"service_id"`
	Qty       *int   `json:"qty"`
}

// DecodePackageItems validates the stored included_items blob once so the
// rest of the ledger only ever sees well-formed items.
func DecodePackageItems(packageID string, raw []byte) ([]PackageItem, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var in []rawPackageItem
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, apperr.Validation("package %s: malformed included items: %v", packageID, err)
	}

	out := make([]PackageItem, 0, len(in))
	for i, it := range in {
		switch LineType(it.Type) {
		case LineProduct:
			if it.ProductID == "" {
				return nil, apperr.Validation("package %s: item %d has no product_id", packageID, i)
			}
			if it.Qty == nil || *it.Qty <= 0 {
				return nil, apperr.Validation("package %s: item %d (product %s) needs a positive qty", packageID, i, it.ProductID)
			}
			out = append(out, ProductItem{ProductID: it.ProductID, Qty: *it.Qty})
		case LineService:
			if it.ServiceID == "" {
				return nil, apperr.Validation("package %s: item %d has no service_id", packageID, i)
			}
			out = append(out, ServiceItem{ServiceID: it.ServiceID})
		default:
			return nil, apperr.Validation("package %s: item %d has unknown type %q", packageID, i, it.Type)
		}
	}
	return out, nil
}

func (p Product) isLow() bool { return p.Stock <= p.LowStockThreshold }

func (p Product) label() string {
	if p.Name == "" {
		return p.ID
	}
	return fmt.Sprintf("%s (%s)", p.ID, p.Name)
}

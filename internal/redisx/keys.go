package redisx

import "time"

const (
	// Cached stock view per branch: stock:branch:{branch_id} -> JSON []StockRow
	KeyStockBranch = "stock:branch:%s"

	// Wildcard match for every cached stock view (global invalidation)
	PatternStockAll = "stock:*"

	// Service catalog entry: catalog:service:{service_id} -> JSON Service
	KeyCatalogService = "catalog:service:%s"

	// Dedup event processing: dedup:{consumer}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLStockView = 1 * time.Minute
	TTLCatalog   = 5 * time.Minute
	TTLDedup     = 48 * time.Hour
)

// Package catalog is the read-only view of service definitions: alert
// thresholds and duration prices, keyed by service id.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/ariefcatur/go-venue-timers/internal/apperr"
	"github.com/ariefcatur/go-venue-timers/internal/logx"
	"github.com/ariefcatur/go-venue-timers/internal/redisx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type AlertThreshold struct {
	Minutes int `json:"minutes_before"`
}

type Service struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"`
	Active         bool                    `json:"active"`
	AlertsConfig   []AlertThreshold        `json:"alerts_config"`
	DurationPrices map[int]decimal.Decimal `json:"duration_prices"`
}

// Source loads a service from the system of record.
type Source interface {
	LoadService(ctx context.Context, id string) (Service, error)
}

// Repo reads services through a short-lived redis cache.
type Repo struct {
	src   Source
	redis redis.Cmdable
	log   *zap.Logger
}

func NewRepo(src Source, rdb redis.Cmdable, log *zap.Logger) *Repo {
	return &Repo{src: src, redis: rdb, log: logx.Or(log).Named("catalog")}
}

func (r *Repo) Get(ctx context.Context, id string) (Service, error) {
	key := fmt.Sprintf(redisx.KeyCatalogService, id)
	if b, err := r.redis.Get(ctx, key).Bytes(); err == nil {
		var s Service
		if err := json.Unmarshal(b, &s); err == nil {
			return s, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		r.log.Warn("catalog cache read failed", zap.String("service_id", id), zap.Error(err))
	}

	s, err := r.src.LoadService(ctx, id)
	if err != nil {
		return Service{}, err
	}
	if !s.Active {
		return Service{}, apperr.NotFound("service", id)
	}
	if b, err := json.Marshal(s); err == nil {
		if err := r.redis.Set(ctx, key, b, redisx.TTLCatalog).Err(); err != nil {
			r.log.Warn("catalog cache write failed", zap.String("service_id", id), zap.Error(err))
		}
	}
	return s, nil
}

// Thresholds returns the service's alert thresholds.
func (r *Repo) Thresholds(ctx context.Context, id string) ([]AlertThreshold, error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.AlertsConfig, nil
}

// PriceFor returns the price of selling minutes of the service.
func (r *Repo) PriceFor(ctx context.Context, id string, minutes int) (decimal.Decimal, error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	p, ok := s.DurationPrices[minutes]
	if !ok {
		return decimal.Zero, apperr.Validation("service %s is not sold for %d minutes (offered: %v)", id, minutes, s.Durations())
	}
	return p, nil
}

// Durations lists the offered durations in ascending order.
func (s Service) Durations() []int {
	out := make([]int, 0, len(s.DurationPrices))
	for d := range s.DurationPrices {
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}

// PgSource loads services from postgres.
type PgSource struct{ DB *pgxpool.Pool }

func (p *PgSource) LoadService(ctx context.Context, id string) (Service, error) {
	var (
		s             Service
		alerts, price []byte
	)
	err := p.DB.QueryRow(ctx, `
		SELECT id, name, active, alerts_config, duration_prices
		FROM services WHERE id = $1`, id).Scan(&s.ID, &s.Name, &s.Active, &alerts, &price)
	if errors.Is(err, pgx.ErrNoRows) {
		return Service{}, apperr.NotFound("service", id)
	}
	if err != nil {
		return Service{}, err
	}
	if s.AlertsConfig, err = DecodeAlertsConfig(id, alerts); err != nil {
		return Service{}, err
	}
	if s.DurationPrices, err = DecodeDurationPrices(id, price); err != nil {
		return Service{}, err
	}
	return s, nil
}

// DecodeAlertsConfig validates the stored alerts_config once: every entry
// needs a positive minutes_before. Duplicates are dropped, order is kept.
func DecodeAlertsConfig(serviceID string, raw []byte) ([]AlertThreshold, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var in []struct {
		Minutes *int `json:"minutes_before"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, apperr.Validation("service %s: malformed alerts_config: %v", serviceID, err)
	}
	seen := map[int]bool{}
	out := make([]AlertThreshold, 0, len(in))
	for i, a := range in {
		if a.Minutes == nil || *a.Minutes <= 0 {
			return nil, apperr.Validation("service %s: alert %d needs a positive minutes_before", serviceID, i)
		}
		if seen[*a.Minutes] {
			continue
		}
		seen[*a.Minutes] = true
		out = append(out, AlertThreshold{Minutes: *a.Minutes})
	}
	return out, nil
}

// DecodeDurationPrices parses {"30":"120.00"} into minutes -> price.
func DecodeDurationPrices(serviceID string, raw []byte) (map[int]decimal.Decimal, error) {
	out := map[int]decimal.Decimal{}
	if len(raw) == 0 {
		return out, nil
	}
	var in map[string]decimal.Decimal
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, apperr.Validation("service %s: malformed duration_prices: %v", serviceID, err)
	}
	for k, v := range in {
		mins, err := strconv.Atoi(k)
		if err != nil || mins <= 0 {
			return nil, apperr.Validation("service %s: bad duration %q", serviceID, k)
		}
		if v.IsNegative() {
			return nil, apperr.Validation("service %s: negative price for %d minutes", serviceID, mins)
		}
		out[mins] = v
	}
	return out, nil
}

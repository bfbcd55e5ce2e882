// Package sales applies recorded sales to the core: stock lines go through
// the inventory ledger, service lines become timers.
package sales

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ariefcatur/go-venue-timers/internal/apperr"
	"github.com/ariefcatur/go-venue-timers/internal/events"
	"github.com/ariefcatur/go-venue-timers/internal/inventory"
	kafkax "github.com/ariefcatur/go-venue-timers/internal/kafka"
	"github.com/ariefcatur/go-venue-timers/internal/logx"
	"github.com/ariefcatur/go-venue-timers/internal/redisx"
	"github.com/ariefcatur/go-venue-timers/internal/timers"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Ledger interface {
	ValidateAvailability(ctx context.Context, branch string, items []inventory.SaleLine) (bool, []string, error)
	DecrementAtomic(ctx context.Context, branch string, items []inventory.SaleLine) error
}

type Pricing interface {
	PriceFor(ctx context.Context, serviceID string, minutes int) (decimal.Decimal, error)
}

type TimerCreator interface {
	RecordSale(ctx context.Context, s timers.Sale) error
	Create(ctx context.Context, in timers.NewTimer) (timers.Timer, error)
}

type Emitter interface {
	Emit(eventType, correlationID, traceID string, payload any) error
}

type Service struct {
	Ledger    Ledger
	Catalog   Pricing
	Timers    TimerCreator
	Redis     redis.Cmdable
	Processed Emitter // sale.processed
	Rejected  Emitter // sale.stock.rejected
	Consumer  string  // dedup namespace
	Log       *zap.Logger
}

// HandleSaleRecorded is installed as the sale.recorded consumer handler.
func (s *Service) HandleSaleRecorded(ctx context.Context, m kafkago.Message) error {
	log := logx.Or(s.Log)
	if et := kafkax.Header(m, events.HeaderEventType); et != "" && et != events.EventSaleRecorded {
		return nil
	}

	var env events.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		log.Error("undecodable envelope dropped", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != events.EventSaleRecorded {
		return nil
	}
	log = log.With(zap.String("event_id", env.EventID))

	dkey := fmt.Sprintf(redisx.KeyDedup, s.Consumer, env.EventID)
	fresh, err := redisx.Claim(ctx, s.Redis, dkey, redisx.TTLDedup)
	if err != nil {
		log.Warn("dedup unavailable, processing anyway", zap.Error(err))
		fresh = true
	}
	if !fresh {
		log.Debug("duplicate sale event skipped")
		return nil
	}

	p, err := kafkax.UnwrapPayload[events.SaleRecordedPayload](env.Payload)
	if err != nil {
		log.Error("bad sale payload dropped", zap.Error(err))
		return nil
	}

	done, err := s.apply(ctx, env, p)
	if err != nil && !done {
		// Nothing was written; let the redelivery try again.
		if derr := s.Redis.Del(ctx, dkey).Err(); derr != nil {
			log.Warn("dedup release failed", zap.Error(derr))
		}
	}
	return err
}

// apply reports done=true once stock has been decremented or a timer
// created; from then on a failure must not lead to the sale being replayed
// and is published as a PARTIALLY_APPLIED rejection instead.
func (s *Service) apply(ctx context.Context, env events.Envelope, p events.SaleRecordedPayload) (done bool, err error) {
	log := logx.Or(s.Log).With(zap.String("sale_id", p.SaleID), zap.String("branch", p.BranchID))

	stock, services, invalid := split(p.Lines)
	total, priceErrs, err := s.priceServices(ctx, services)
	if err != nil {
		return false, err
	}
	invalid = append(invalid, priceErrs...)
	if len(invalid) > 0 {
		return true, s.reject(env, p, events.ReasonInvalidSale, invalid)
	}

	if len(stock) > 0 {
		ok, msgs, err := s.Ledger.ValidateAvailability(ctx, p.BranchID, stock)
		if err != nil {
			return false, fmt.Errorf("validate sale %s: %w", p.SaleID, err)
		}
		if !ok {
			return true, s.reject(env, p, events.ReasonOutOfStock, msgs)
		}
		if err := s.Ledger.DecrementAtomic(ctx, p.BranchID, stock); err != nil {
			if apperr.IsValidation(err) || apperr.IsNotFound(err) {
				return true, s.reject(env, p, events.ReasonOutOfStock, details(err))
			}
			return false, fmt.Errorf("decrement sale %s: %w", p.SaleID, err)
		}
	}

	var ids []string
	if len(services) > 0 {
		// partial is called once something was written and a timer is missing.
		partial := func(err error) (bool, error) {
			if len(stock) == 0 && len(ids) == 0 {
				return false, err
			}
			log.Error("sale partially applied", zap.Strings("created", ids), zap.Error(err))
			return true, s.Rejected.Emit(events.EventStockRejected, p.SaleID, env.TraceID, events.StockRejectedPayload{
				SaleID:   p.SaleID,
				BranchID: p.BranchID,
				Reason:   events.ReasonPartiallyApplied,
				Details:  []string{err.Error()},
				TimerIDs: ids,
			})
		}
		if err := s.Timers.RecordSale(ctx, timers.Sale{ID: p.SaleID, BranchID: p.BranchID, Children: children(p.Children)}); err != nil {
			return partial(fmt.Errorf("record sale %s: %w", p.SaleID, err))
		}
		for _, l := range services {
			for i := 0; i < l.Quantity; i++ {
				t, err := s.Timers.Create(ctx, timers.NewTimer{
					SaleID:            p.SaleID,
					ServiceID:         l.RefID,
					DurationMinutes:   l.DurationMinutes,
					StartDelayMinutes: l.StartDelayMinutes,
				})
				if err != nil {
					return partial(fmt.Errorf("create timer for service %s: %w", l.RefID, err))
				}
				ids = append(ids, t.ID)
			}
		}
	}

	log.Info("sale applied", zap.Int("stock_lines", len(stock)), zap.Int("timers", len(ids)), zap.String("services_total", total.StringFixed(2)))
	return true, s.Processed.Emit(events.EventSaleProcessed, p.SaleID, env.TraceID, events.SaleProcessedPayload{
		SaleID:        p.SaleID,
		BranchID:      p.BranchID,
		TimerIDs:      ids,
		ServicesTotal: total,
	})
}

// priceServices checks every service line is sold for its duration and
// returns the sum of their prices. Catalog outages are returned as err.
func (s *Service) priceServices(ctx context.Context, lines []events.SaleLine) (decimal.Decimal, []string, error) {
	total := decimal.Zero
	var invalid []string
	for _, l := range lines {
		price, err := s.Catalog.PriceFor(ctx, l.RefID, l.DurationMinutes)
		switch {
		case err == nil:
			total = total.Add(price.Mul(decimal.NewFromInt(int64(l.Quantity))))
		case apperr.IsValidation(err) || apperr.IsNotFound(err):
			invalid = append(invalid, err.Error())
		default:
			return decimal.Zero, nil, fmt.Errorf("price service %s: %w", l.RefID, err)
		}
	}
	return total, invalid, nil
}

func (s *Service) reject(env events.Envelope, p events.SaleRecordedPayload, reason string, msgs []string) error {
	logx.Or(s.Log).Info("sale rejected",
		zap.String("sale_id", p.SaleID),
		zap.String("reason", reason),
		zap.Strings("details", msgs))
	return s.Rejected.Emit(events.EventStockRejected, p.SaleID, env.TraceID, events.StockRejectedPayload{
		SaleID:   p.SaleID,
		BranchID: p.BranchID,
		Reason:   reason,
		Details:  msgs,
	})
}

// split sorts lines into ledger lines and service lines. Malformed lines
// come back as messages.
func split(lines []events.SaleLine) (stock []inventory.SaleLine, services []events.SaleLine, invalid []string) {
	for i, l := range lines {
		switch inventory.LineType(l.Type) {
		case inventory.LineProduct, inventory.LinePackage:
			stock = append(stock, inventory.SaleLine{Type: inventory.LineType(l.Type), RefID: l.RefID, Quantity: l.Quantity})
		case inventory.LineService:
			switch {
			case l.RefID == "":
				invalid = append(invalid, fmt.Sprintf("line %d: service id is required", i))
			case l.Quantity <= 0:
				invalid = append(invalid, fmt.Sprintf("line %d: quantity must be positive, got %d", i, l.Quantity))
			case l.DurationMinutes <= 0:
				invalid = append(invalid, fmt.Sprintf("line %d: service %s needs a positive duration", i, l.RefID))
			case l.StartDelayMinutes < 0:
				invalid = append(invalid, fmt.Sprintf("line %d: service %s has a negative start delay", i, l.RefID))
			default:
				services = append(services, l)
			}
		default:
			invalid = append(invalid, fmt.Sprintf("line %d: unknown line type %q", i, l.Type))
		}
	}
	return stock, services, invalid
}

func children(in []events.Child) []timers.Child {
	out := make([]timers.Child, 0, len(in))
	for _, c := range in {
		out = append(out, timers.Child{Name: c.Name, Age: c.Age})
	}
	return out
}

func details(err error) []string {
	if d := apperr.Details(err); len(d) > 0 {
		return d
	}
	return []string{err.Error()}
}

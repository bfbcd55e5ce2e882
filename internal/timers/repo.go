package timers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-venue-timers/internal/apperr"
	"github.com/ariefcatur/go-venue-timers/internal/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists timers and their history. Conditional methods report ok=false
// when the row was not in the expected state.
type Store interface {
	UpsertSale(ctx context.Context, s Sale) error
	Create(ctx context.Context, t Timer, start *History) error
	Get(ctx context.Context, id string) (Timer, error)
	ListScheduled(ctx context.Context) ([]Timer, error)
	ListLive(ctx context.Context, branch string, now time.Time) ([]LiveRow, error)
	// Activate flips scheduled timers to active and writes one start entry
	// per timer it actually flipped.
	Activate(ctx context.Context, ids []string, at time.Time) ([]string, error)
	Extend(ctx context.Context, id string, minutes int, at time.Time) (Timer, bool, error)
	Finish(ctx context.Context, id string, from, to Status, at time.Time) (Timer, bool, error)
	History(ctx context.Context, id string) ([]History, error)
}

type PgStore struct{ DB *pgxpool.Pool }

const timerCols = `t.id, t.sale_id, t.service_id, t.status, t.start_delay_minutes, t.duration_minutes,
	t.start_at, t.end_at, t.entry_time, t.exit_time, t.created_at, t.updated_at`

func (s *PgStore) UpsertSale(ctx context.Context, sale Sale) error {
	children, err := json.Marshal(sale.Children)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO sales(id, branch_id, children) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET children = EXCLUDED.children`,
		sale.ID, sale.BranchID, children)
	return err
}

func (s *PgStore) Create(ctx context.Context, t Timer, start *History) error {
	return postgres.InTx(ctx, s.DB, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO timers(id, sale_id, service_id, status, start_delay_minutes, duration_minutes,
			                   start_at, end_at, entry_time, exit_time, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			t.ID, t.SaleID, t.ServiceID, t.Status, t.StartDelayMinutes, t.DurationMinutes,
			t.StartAt, t.EndAt, t.EntryTime, t.ExitTime, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert timer: %w", err)
		}
		if start != nil {
			return insertHistory(ctx, tx, *start)
		}
		return nil
	})
}

func (s *PgStore) Get(ctx context.Context, id string) (Timer, error) {
	t, err := scanTimer(s.DB.QueryRow(ctx, `SELECT `+timerCols+` FROM timers t WHERE t.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Timer{}, apperr.NotFound("timer", id)
	}
	return t, err
}

func (s *PgStore) ListScheduled(ctx context.Context) ([]Timer, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+timerCols+` FROM timers t WHERE t.status = 'scheduled' ORDER BY t.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Timer
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PgStore) ListLive(ctx context.Context, branch string, now time.Time) ([]LiveRow, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+timerCols+`, s.branch_id, s.children
		FROM timers t JOIN sales s ON s.id = t.sale_id
		WHERE t.status IN ('scheduled', 'active', 'extended')
		  AND (t.status = 'scheduled' OR t.end_at > $2)
		  AND ($1 = '' OR s.branch_id = $1)
		ORDER BY t.end_at`, branch, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LiveRow
	for rows.Next() {
		var (
			r   LiveRow
			raw []byte
		)
		if err := rows.Scan(&r.ID, &r.SaleID, &r.ServiceID, &r.Status, &r.StartDelayMinutes, &r.DurationMinutes,
			&r.StartAt, &r.EndAt, &r.EntryTime, &r.ExitTime, &r.CreatedAt, &r.UpdatedAt,
			&r.BranchID, &raw); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &r.Children); err != nil {
				return nil, fmt.Errorf("sale %s children: %w", r.SaleID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PgStore) Activate(ctx context.Context, ids []string, at time.Time) ([]string, error) {
	var activated []string
	err := postgres.InTx(ctx, s.DB, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE timers SET status = 'active', updated_at = $2
			WHERE id = ANY($1) AND status = 'scheduled'
			RETURNING id`, ids, at)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			activated = append(activated, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range activated {
			if err := insertHistory(ctx, tx, History{ID: uuid.NewString(), TimerID: id, EventType: EventStart, CreatedAt: at}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return activated, nil
}

// Extend moves end_at and exit_time together and always lands on extended.
func (s *PgStore) Extend(ctx context.Context, id string, minutes int, at time.Time) (Timer, bool, error) {
	var (
		t  Timer
		ok bool
	)
	err := postgres.InTx(ctx, s.DB, func(tx pgx.Tx) error {
		var err error
		t, err = scanTimer(tx.QueryRow(ctx, `
			UPDATE timers t
			SET end_at = t.end_at + make_interval(mins => $2),
			    exit_time = COALESCE(t.exit_time, t.end_at) + make_interval(mins => $2),
			    status = 'extended', updated_at = $3
			WHERE t.id = $1 AND t.status IN ('active', 'extended')
			RETURNING `+timerCols, id, minutes, at))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		return insertHistory(ctx, tx, History{ID: uuid.NewString(), TimerID: id, EventType: EventExtend, Minutes: minutes, CreatedAt: at})
	})
	return t, ok, err
}

func (s *PgStore) Finish(ctx context.Context, id string, from, to Status, at time.Time) (Timer, bool, error) {
	var (
		t  Timer
		ok bool
	)
	err := postgres.InTx(ctx, s.DB, func(tx pgx.Tx) error {
		var err error
		t, err = scanTimer(tx.QueryRow(ctx, `
			UPDATE timers t SET status = $3, updated_at = $4
			WHERE t.id = $1 AND t.status = $2
			RETURNING `+timerCols, id, from, to, at))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		return insertHistory(ctx, tx, History{ID: uuid.NewString(), TimerID: id, EventType: EventEnd, CreatedAt: at})
	})
	return t, ok, err
}

func (s *PgStore) History(ctx context.Context, id string) ([]History, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, timer_id, event_type, minutes, created_at
		FROM timer_history WHERE timer_id = $1 ORDER BY created_at`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []History
	for rows.Next() {
		var h History
		if err := rows.Scan(&h.ID, &h.TimerID, &h.EventType, &h.Minutes, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func insertHistory(ctx context.Context, q postgres.Querier, h History) error {
	_, err := q.Exec(ctx, `
		INSERT INTO timer_history(id, timer_id, event_type, minutes, created_at)
		VALUES ($1, $2, $3, $4, $5)`, h.ID, h.TimerID, h.EventType, h.Minutes, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert %s history for %s: %w", h.EventType, h.TimerID, err)
	}
	return nil
}

func scanTimer(row pgx.Row) (Timer, error) {
	var t Timer
	err := row.Scan(&t.ID, &t.SaleID, &t.ServiceID, &t.Status, &t.StartDelayMinutes, &t.DurationMinutes,
		&t.StartAt, &t.EndAt, &t.EntryTime, &t.ExitTime, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

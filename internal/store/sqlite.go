package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pancakes/internal/market"
)

// SQLite is the default store, backed by database/sql and modernc.org/sqlite.
// The handle should be limited to one open connection (see db.OpenSQLite).
type SQLite struct {
	db  *sql.DB
	log *slog.Logger
}

func NewSQLite(db *sql.DB, logger *slog.Logger) *SQLite {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLite{db: db, log: logger}
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Init(ctx context.Context, world market.World) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range sqliteSchema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM producers`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		if err := seedSQLiteTx(ctx, tx, world); err != nil {
			return err
		}
		s.log.Info("store seeded", "producers", len(world.Producers), "consumers", len(world.Consumers), "toppings", len(world.Toppings))
	}
	return tx.Commit()
}

func (s *SQLite) Reset(ctx context.Context, world market.World) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range dropStatements() {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("drop schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return s.Init(ctx, world)
}

func seedSQLiteTx(ctx context.Context, tx *sql.Tx, world market.World) error {
	for _, p := range world.Producers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO producers (id, name, creativity_bias, risk_tolerance)
			VALUES (?, ?, ?, ?)
		`, p.ID, p.Name, p.CreativityBias, p.RiskTolerance); err != nil {
			return fmt.Errorf("seed producer %q: %w", p.Name, err)
		}
	}
	for _, c := range world.Consumers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO consumers (id, name, openness, pickiness, impulsivity, indulgence, nostalgia)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, c.ID, c.Name, c.Openness, c.Pickiness, c.Impulsivity, c.Indulgence, c.Nostalgia); err != nil {
			return fmt.Errorf("seed consumer %q: %w", c.Name, err)
		}
	}
	for _, t := range world.Toppings {
		if _, err := tx.ExecContext(ctx, `INSERT INTO toppings (id, name, category) VALUES (?, ?, ?)`,
			t.ID, t.Name, t.Category); err != nil {
			return fmt.Errorf("seed topping %q: %w", t.Name, err)
		}
	}
	return nil
}

func (s *SQLite) wrapRead(err error) error {
	if isMissingTable(err) {
		return market.ErrNotInitialized
	}
	return err
}

func (s *SQLite) Producers(ctx context.Context) ([]market.Producer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, creativity_bias, risk_tolerance FROM producers ORDER BY id`)
	if err != nil {
		return nil, s.wrapRead(err)
	}
	defer rows.Close()
	var out []market.Producer
	for rows.Next() {
		var p market.Producer
		if err := rows.Scan(&p.ID, &p.Name, &p.CreativityBias, &p.RiskTolerance); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) Consumers(ctx context.Context) ([]market.Consumer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, openness, pickiness, impulsivity, indulgence, nostalgia
		FROM consumers
		ORDER BY id
	`)
	if err != nil {
		return nil, s.wrapRead(err)
	}
	defer rows.Close()
	var out []market.Consumer
	for rows.Next() {
		var c market.Consumer
		if err := rows.Scan(&c.ID, &c.Name, &c.Openness, &c.Pickiness, &c.Impulsivity, &c.Indulgence, &c.Nostalgia); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) Toppings(ctx context.Context) ([]market.Topping, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, category FROM toppings ORDER BY id`)
	if err != nil {
		return nil, s.wrapRead(err)
	}
	defer rows.Close()
	var out []market.Topping
	for rows.Next() {
		var t market.Topping
		if err := rows.Scan(&t.ID, &t.Name, &t.Category); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanSQLiteTick(row interface{ Scan(...any) error }) (market.Tick, error) {
	var (
		t         market.Tick
		started   string
		completed sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Seed, &started, &completed); err != nil {
		return market.Tick{}, err
	}
	var err error
	if t.StartedAt, err = parseTime(started); err != nil {
		return market.Tick{}, fmt.Errorf("tick %d started_at: %w", t.ID, err)
	}
	if completed.Valid {
		c, err := parseTime(completed.String)
		if err != nil {
			return market.Tick{}, fmt.Errorf("tick %d completed_at: %w", t.ID, err)
		}
		t.CompletedAt = &c
	}
	return t, nil
}

func (s *SQLite) LatestCompletedTick(ctx context.Context) (market.Tick, bool, error) {
	t, err := scanSQLiteTick(s.db.QueryRowContext(ctx, `
		SELECT id, seed, started_at, completed_at
		FROM ticks
		WHERE completed_at IS NOT NULL
		ORDER BY id DESC
		LIMIT 1
	`))
	if errors.Is(err, sql.ErrNoRows) {
		return market.Tick{}, false, nil
	}
	if err != nil {
		return market.Tick{}, false, s.wrapRead(err)
	}
	return t, true, nil
}

func (s *SQLite) Tick(ctx context.Context, tickID int64) (market.Tick, error) {
	t, err := scanSQLiteTick(s.db.QueryRowContext(ctx, `
		SELECT id, seed, started_at, completed_at
		FROM ticks
		WHERE id = ? AND completed_at IS NOT NULL
	`, tickID))
	if errors.Is(err, sql.ErrNoRows) {
		return market.Tick{}, fmt.Errorf("tick %d: %w", tickID, market.ErrNotFound)
	}
	if err != nil {
		return market.Tick{}, s.wrapRead(err)
	}
	return t, nil
}

func (s *SQLite) Ticks(ctx context.Context, limit int) ([]market.Tick, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seed, started_at, completed_at
		FROM ticks
		WHERE completed_at IS NOT NULL
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, s.wrapRead(err)
	}
	defer rows.Close()
	var out []market.Tick
	for rows.Next() {
		t, err := scanSQLiteTick(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) BeginTick(ctx context.Context, seed int64, startedAt time.Time) (market.Tick, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return market.Tick{}, persistErr("begin tick", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM ticks WHERE completed_at IS NULL`)
	if err != nil {
		if isMissingTable(err) {
			return market.Tick{}, market.ErrNotInitialized
		}
		return market.Tick{}, persistErr("remove stale ticks", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Warn("removed incomplete ticks", "count", n)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM ticks`).Scan(&id); err != nil {
		return market.Tick{}, persistErr("next tick id", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO ticks (id, seed, started_at) VALUES (?, ?, ?)`,
		id, seed, formatTime(startedAt)); err != nil {
		return market.Tick{}, persistErr("insert tick", err)
	}
	if err := tx.Commit(); err != nil {
		return market.Tick{}, persistErr("begin tick", err)
	}
	return market.Tick{ID: id, Seed: seed, StartedAt: startedAt.UTC()}, nil
}

func (s *SQLite) AbandonTick(ctx context.Context, tickID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ticks WHERE id = ? AND completed_at IS NULL`, tickID); err != nil {
		return persistErr("abandon tick", err)
	}
	return nil
}

func (s *SQLite) CommitTick(ctx context.Context, w market.TickWrite) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("commit tick", err)
	}
	defer tx.Rollback()

	for _, o := range w.Offerings {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO producer_offerings (tick_id, producer_id, fluffiness) VALUES (?, ?, ?)
		`, w.TickID, o.ProducerID, o.Fluffiness); err != nil {
			return persistErr("insert offering", err)
		}
		for pos, tid := range o.ToppingIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO producer_toppings (tick_id, producer_id, topping_id, position) VALUES (?, ?, ?, ?)
			`, w.TickID, o.ProducerID, tid, pos); err != nil {
				return persistErr("insert producer topping", err)
			}
		}
	}
	for _, c := range w.Choices {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO consumer_choices (tick_id, consumer_id, producer_id, enticement_score) VALUES (?, ?, ?, ?)
		`, w.TickID, c.ConsumerID, c.ProducerID, c.EnticementScore); err != nil {
			return persistErr("insert consumer choice", err)
		}
	}
	for _, st := range w.Stats {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO producer_round_stats (tick_id, producer_id, consumer_count, market_share, avg_enticement, median_enticement)
			VALUES (?, ?, ?, ?, ?, ?)
		`, w.TickID, st.ProducerID, st.ConsumerCount, st.MarketShare, st.AvgEnticement, st.MedianEnticement); err != nil {
			return persistErr("insert round stats", err)
		}
	}

	res, err := tx.ExecContext(ctx, `UPDATE ticks SET completed_at = ? WHERE id = ? AND completed_at IS NULL`,
		formatTime(w.CompletedAt), w.TickID)
	if err != nil {
		return persistErr("complete tick", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return persistErr("complete tick", fmt.Errorf("tick %d is not in progress", w.TickID))
	}
	if err := tx.Commit(); err != nil {
		return persistErr("commit tick", err)
	}
	return nil
}

func (s *SQLite) Offerings(ctx context.Context, tickID int64) ([]market.Offering, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.producer_id, o.fluffiness, pt.topping_id
		FROM producer_offerings o
		LEFT JOIN producer_toppings pt ON pt.tick_id = o.tick_id AND pt.producer_id = o.producer_id
		WHERE o.tick_id = ?
		ORDER BY o.producer_id, pt.position
	`, tickID)
	if err != nil {
		return nil, s.wrapRead(err)
	}
	defer rows.Close()
	var out []market.Offering
	for rows.Next() {
		var (
			pid, fluffiness int64
			tid             sql.NullInt64
		)
		if err := rows.Scan(&pid, &fluffiness, &tid); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].ProducerID != pid {
			out = append(out, market.Offering{ProducerID: pid, Fluffiness: int(fluffiness)})
		}
		if tid.Valid {
			last := &out[len(out)-1]
			last.ToppingIDs = append(last.ToppingIDs, tid.Int64)
		}
	}
	return out, rows.Err()
}

func (s *SQLite) Menus(ctx context.Context, tickID int64) (map[int64][]int64, error) {
	offerings, err := s.Offerings(ctx, tickID)
	if err != nil {
		return nil, err
	}
	return menusFromOfferings(offerings), nil
}

func (s *SQLite) Choices(ctx context.Context, tickID int64) ([]market.ConsumerChoice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT consumer_id, producer_id, enticement_score
		FROM consumer_choices
		WHERE tick_id = ?
		ORDER BY consumer_id
	`, tickID)
	if err != nil {
		return nil, s.wrapRead(err)
	}
	defer rows.Close()
	var out []market.ConsumerChoice
	for rows.Next() {
		var c market.ConsumerChoice
		if err := rows.Scan(&c.ConsumerID, &c.ProducerID, &c.EnticementScore); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) RoundStats(ctx context.Context, tickID int64) ([]market.ProducerRoundStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tick_id, producer_id, consumer_count, market_share, avg_enticement, median_enticement
		FROM producer_round_stats
		WHERE tick_id = ?
		ORDER BY producer_id
	`, tickID)
	if err != nil {
		return nil, s.wrapRead(err)
	}
	defer rows.Close()
	var out []market.ProducerRoundStats
	for rows.Next() {
		var st market.ProducerRoundStats
		if err := rows.Scan(&st.TickID, &st.ProducerID, &st.ConsumerCount, &st.MarketShare, &st.AvgEnticement, &st.MedianEnticement); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLite) ProducerHistory(ctx context.Context, producerID int64, limit int) ([]market.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, COALESCE(st.consumer_count, 0), COALESCE(st.market_share, 0.0),
		       st.avg_enticement, st.median_enticement, o.fluffiness
		FROM ticks t
		JOIN producer_offerings o ON o.tick_id = t.id AND o.producer_id = ?
		LEFT JOIN producer_round_stats st ON st.tick_id = t.id AND st.producer_id = o.producer_id
		WHERE t.completed_at IS NOT NULL
		ORDER BY t.id DESC
		LIMIT ?
	`, producerID, historyLimit(limit))
	if err != nil {
		return nil, s.wrapRead(err)
	}
	defer rows.Close()
	var out []market.HistoryEntry
	for rows.Next() {
		var h market.HistoryEntry
		if err := rows.Scan(&h.TickID, &h.ConsumerCount, &h.MarketShare, &h.AvgEnticement, &h.MedianEnticement, &h.Fluffiness); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	names, err := s.db.QueryContext(ctx, `
		SELECT pt.tick_id, tp.name
		FROM producer_toppings pt
		JOIN toppings tp ON tp.id = pt.topping_id
		WHERE pt.producer_id = ? AND pt.tick_id BETWEEN ? AND ?
		ORDER BY pt.tick_id, pt.position
	`, producerID, out[len(out)-1].TickID, out[0].TickID)
	if err != nil {
		return nil, err
	}
	defer names.Close()
	byTick := make(map[int64][]string, len(out))
	for names.Next() {
		var (
			tickID int64
			name   string
		)
		if err := names.Scan(&tickID, &name); err != nil {
			return nil, err
		}
		byTick[tickID] = append(byTick[tickID], name)
	}
	if err := names.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Toppings = byTick[out[i].TickID]
	}
	return out, nil
}

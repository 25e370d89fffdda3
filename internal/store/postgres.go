package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pancakes/internal/market"
)

// tickLockKey is the session advisory lock held while a tick is in flight.
const tickLockKey int64 = 0x70616e63616b6573

// Postgres stores the simulation in Postgres through a pgx pool. A running
// tick pins one pooled connection that holds tickLockKey until the tick is
// committed or abandoned, so two workers can never run ticks at once.
type Postgres struct {
	db  *pgxpool.Pool
	log *slog.Logger

	mu     sync.Mutex
	lockCn *pgxpool.Conn
}

func NewPostgres(db *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, log: logger}
}

func (s *Postgres) Close() error {
	s.releaseTickLock(context.Background())
	s.db.Close()
	return nil
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Postgres) wrapRead(err error) error {
	if isUndefinedTable(err) {
		return market.ErrNotInitialized
	}
	return err
}

func (s *Postgres) Init(ctx context.Context, world market.World) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, stmt := range postgresSchema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(1) FROM producers`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		if err := seedPostgresTx(ctx, tx, world); err != nil {
			return err
		}
		s.log.Info("store seeded", "producers", len(world.Producers), "consumers", len(world.Consumers), "toppings", len(world.Toppings))
	}
	return tx.Commit(ctx)
}

func (s *Postgres) Reset(ctx context.Context, world market.World) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, stmt := range dropStatements() {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("drop schema: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	return s.Init(ctx, world)
}

func seedPostgresTx(ctx context.Context, tx pgx.Tx, world market.World) error {
	b := &pgx.Batch{}
	for _, p := range world.Producers {
		b.Queue(`
			INSERT INTO producers (id, name, creativity_bias, risk_tolerance)
			VALUES ($1, $2, $3, $4)
		`, p.ID, p.Name, p.CreativityBias, p.RiskTolerance)
	}
	for _, c := range world.Consumers {
		b.Queue(`
			INSERT INTO consumers (id, name, openness, pickiness, impulsivity, indulgence, nostalgia)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, c.ID, c.Name, c.Openness, c.Pickiness, c.Impulsivity, c.Indulgence, c.Nostalgia)
	}
	for _, t := range world.Toppings {
		b.Queue(`INSERT INTO toppings (id, name, category) VALUES ($1, $2, $3)`, t.ID, t.Name, t.Category)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("seed world: %w", err)
	}
	return nil
}

func (s *Postgres) Producers(ctx context.Context) ([]market.Producer, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name, creativity_bias, risk_tolerance FROM producers ORDER BY id`)
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
	return out, s.wrapRead(rows.Err())
}

func (s *Postgres) Consumers(ctx context.Context) ([]market.Consumer, error) {
	rows, err := s.db.Query(ctx, `
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
	return out, s.wrapRead(rows.Err())
}

func (s *Postgres) Toppings(ctx context.Context) ([]market.Topping, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name, category FROM toppings ORDER BY id`)
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
	return out, s.wrapRead(rows.Err())
}

func scanPostgresTick(row pgx.Row) (market.Tick, error) {
	var t market.Tick
	if err := row.Scan(&t.ID, &t.Seed, &t.StartedAt, &t.CompletedAt); err != nil {
		return market.Tick{}, err
	}
	t.StartedAt = t.StartedAt.UTC()
	if t.CompletedAt != nil {
		c := t.CompletedAt.UTC()
		t.CompletedAt = &c
	}
	return t, nil
}

func (s *Postgres) LatestCompletedTick(ctx context.Context) (market.Tick, bool, error) {
	t, err := scanPostgresTick(s.db.QueryRow(ctx, `
		SELECT id, seed, started_at, completed_at
		FROM ticks
		WHERE completed_at IS NOT NULL
		ORDER BY id DESC
		LIMIT 1
	`))
	if err == pgx.ErrNoRows {
		return market.Tick{}, false, nil
	}
	if err != nil {
		return market.Tick{}, false, s.wrapRead(err)
	}
	return t, true, nil
}

func (s *Postgres) Tick(ctx context.Context, tickID int64) (market.Tick, error) {
	t, err := scanPostgresTick(s.db.QueryRow(ctx, `
		SELECT id, seed, started_at, completed_at
		FROM ticks
		WHERE id = $1 AND completed_at IS NOT NULL
	`, tickID))
	if err == pgx.ErrNoRows {
		return market.Tick{}, fmt.Errorf("tick %d: %w", tickID, market.ErrNotFound)
	}
	if err != nil {
		return market.Tick{}, s.wrapRead(err)
	}
	return t, nil
}

func (s *Postgres) Ticks(ctx context.Context, limit int) ([]market.Tick, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, seed, started_at, completed_at
		FROM ticks
		WHERE completed_at IS NOT NULL
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, s.wrapRead(err)
	}
	defer rows.Close()
	var out []market.Tick
	for rows.Next() {
		t, err := scanPostgresTick(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, s.wrapRead(rows.Err())
}

func (s *Postgres) BeginTick(ctx context.Context, seed int64, startedAt time.Time) (market.Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockCn != nil {
		return market.Tick{}, market.ErrTickInProgress
	}

	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return market.Tick{}, persistErr("acquire tick lock connection", err)
	}
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, tickLockKey).Scan(&locked); err != nil {
		conn.Release()
		return market.Tick{}, persistErr("tick lock", err)
	}
	if !locked {
		conn.Release()
		return market.Tick{}, market.ErrTickInProgress
	}

	tick, err := beginTickTx(ctx, conn, seed, startedAt, s.log)
	if err != nil {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, tickLockKey)
		conn.Release()
		return market.Tick{}, err
	}
	s.lockCn = conn
	return tick, nil
}

func beginTickTx(ctx context.Context, conn *pgxpool.Conn, seed int64, startedAt time.Time, log *slog.Logger) (market.Tick, error) {
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return market.Tick{}, persistErr("begin tick", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM ticks WHERE completed_at IS NULL`)
	if err != nil {
		if isUndefinedTable(err) {
			return market.Tick{}, market.ErrNotInitialized
		}
		return market.Tick{}, persistErr("remove stale ticks", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		log.Warn("removed incomplete ticks", "count", n)
	}

	var id int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM ticks`).Scan(&id); err != nil {
		return market.Tick{}, persistErr("next tick id", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO ticks (id, seed, started_at) VALUES ($1, $2, $3)`, id, seed, startedAt.UTC()); err != nil {
		return market.Tick{}, persistErr("insert tick", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return market.Tick{}, persistErr("begin tick", err)
	}
	return market.Tick{ID: id, Seed: seed, StartedAt: startedAt.UTC()}, nil
}

func (s *Postgres) releaseTickLock(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockCn == nil {
		return
	}
	if _, err := s.lockCn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, tickLockKey); err != nil {
		s.log.Warn("release tick lock", "err", err)
	}
	s.lockCn.Release()
	s.lockCn = nil
}

func (s *Postgres) AbandonTick(ctx context.Context, tickID int64) error {
	defer s.releaseTickLock(context.Background())
	if _, err := s.db.Exec(ctx, `DELETE FROM ticks WHERE id = $1 AND completed_at IS NULL`, tickID); err != nil {
		return persistErr("abandon tick", err)
	}
	return nil
}

func (s *Postgres) CommitTick(ctx context.Context, w market.TickWrite) error {
	defer s.releaseTickLock(context.Background())

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return persistErr("commit tick", err)
	}
	defer tx.Rollback(ctx)

	b := &pgx.Batch{}
	for _, o := range w.Offerings {
		b.Queue(`INSERT INTO producer_offerings (tick_id, producer_id, fluffiness) VALUES ($1, $2, $3)`,
			w.TickID, o.ProducerID, o.Fluffiness)
		for pos, tid := range o.ToppingIDs {
			b.Queue(`INSERT INTO producer_toppings (tick_id, producer_id, topping_id, position) VALUES ($1, $2, $3, $4)`,
				w.TickID, o.ProducerID, tid, pos)
		}
	}
	for _, c := range w.Choices {
		b.Queue(`INSERT INTO consumer_choices (tick_id, consumer_id, producer_id, enticement_score) VALUES ($1, $2, $3, $4)`,
			w.TickID, c.ConsumerID, c.ProducerID, c.EnticementScore)
	}
	for _, st := range w.Stats {
		b.Queue(`
			INSERT INTO producer_round_stats (tick_id, producer_id, consumer_count, market_share, avg_enticement, median_enticement)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, w.TickID, st.ProducerID, st.ConsumerCount, st.MarketShare, st.AvgEnticement, st.MedianEnticement)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		if isUniqueViolation(err) {
			return persistErr("write tick rows", fmt.Errorf("exclusivity or uniqueness violated: %w", err))
		}
		return persistErr("write tick rows", err)
	}

	tag, err := tx.Exec(ctx, `UPDATE ticks SET completed_at = $1 WHERE id = $2 AND completed_at IS NULL`,
		w.CompletedAt.UTC(), w.TickID)
	if err != nil {
		return persistErr("complete tick", err)
	}
	if tag.RowsAffected() != 1 {
		return persistErr("complete tick", fmt.Errorf("tick %d is not in progress", w.TickID))
	}
	if err := tx.Commit(ctx); err != nil {
		return persistErr("commit tick", err)
	}
	return nil
}

func (s *Postgres) Offerings(ctx context.Context, tickID int64) ([]market.Offering, error) {
	rows, err := s.db.Query(ctx, `
		SELECT o.producer_id, o.fluffiness, pt.topping_id
		FROM producer_offerings o
		LEFT JOIN producer_toppings pt ON pt.tick_id = o.tick_id AND pt.producer_id = o.producer_id
		WHERE o.tick_id = $1
		ORDER BY o.producer_id, pt.position
	`, tickID)
	if err != nil {
		return nil, s.wrapRead(err)
	}
	defer rows.Close()
	var out []market.Offering
	for rows.Next() {
		var (
			pid        int64
			fluffiness int
			tid        *int64
		)
		if err := rows.Scan(&pid, &fluffiness, &tid); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].ProducerID != pid {
			out = append(out, market.Offering{ProducerID: pid, Fluffiness: fluffiness})
		}
		if tid != nil {
			last := &out[len(out)-1]
			last.ToppingIDs = append(last.ToppingIDs, *tid)
		}
	}
	return out, s.wrapRead(rows.Err())
}

func (s *Postgres) Menus(ctx context.Context, tickID int64) (map[int64][]int64, error) {
	offerings, err := s.Offerings(ctx, tickID)
	if err != nil {
		return nil, err
	}
	return menusFromOfferings(offerings), nil
}

func (s *Postgres) Choices(ctx context.Context, tickID int64) ([]market.ConsumerChoice, error) {
	rows, err := s.db.Query(ctx, `
		SELECT consumer_id, producer_id, enticement_score
		FROM consumer_choices
		WHERE tick_id = $1
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
	return out, s.wrapRead(rows.Err())
}

func (s *Postgres) RoundStats(ctx context.Context, tickID int64) ([]market.ProducerRoundStats, error) {
	rows, err := s.db.Query(ctx, `
		SELECT tick_id, producer_id, consumer_count, market_share, avg_enticement, median_enticement
		FROM producer_round_stats
		WHERE tick_id = $1
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
	return out, s.wrapRead(rows.Err())
}

func (s *Postgres) ProducerHistory(ctx context.Context, producerID int64, limit int) ([]market.HistoryEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT t.id, COALESCE(st.consumer_count, 0), COALESCE(st.market_share, 0),
		       st.avg_enticement, st.median_enticement, o.fluffiness,
		       COALESCE(ARRAY(
		           SELECT tp.name
		           FROM producer_toppings pt
		           JOIN toppings tp ON tp.id = pt.topping_id
		           WHERE pt.tick_id = t.id AND pt.producer_id = o.producer_id
		           ORDER BY pt.position
		       ), '{}')
		FROM ticks t
		JOIN producer_offerings o ON o.tick_id = t.id AND o.producer_id = $1
		LEFT JOIN producer_round_stats st ON st.tick_id = t.id AND st.producer_id = o.producer_id
		WHERE t.completed_at IS NOT NULL
		ORDER BY t.id DESC
		LIMIT $2
	`, producerID, historyLimit(limit))
	if err != nil {
		return nil, s.wrapRead(err)
	}
	defer rows.Close()
	var out []market.HistoryEntry
	for rows.Next() {
		var h market.HistoryEntry
		if err := rows.Scan(&h.TickID, &h.ConsumerCount, &h.MarketShare, &h.AvgEnticement, &h.MedianEnticement, &h.Fluffiness, &h.Toppings); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, s.wrapRead(rows.Err())
}

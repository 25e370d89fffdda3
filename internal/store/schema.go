package store

// Tables, in creation order. Names are read by downstream consumers and
// must not change.
var tables = []string{
	"producers",
	"consumers",
	"toppings",
	"ticks",
	"producer_offerings",
	"producer_toppings",
	"consumer_choices",
	"producer_round_stats",
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS producers (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		creativity_bias INTEGER NOT NULL CHECK (creativity_bias BETWEEN 1 AND 5),
		risk_tolerance INTEGER NOT NULL CHECK (risk_tolerance BETWEEN 1 AND 5)
	);`,
	`CREATE TABLE IF NOT EXISTS consumers (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		openness INTEGER NOT NULL CHECK (openness BETWEEN 1 AND 5),
		pickiness INTEGER NOT NULL CHECK (pickiness BETWEEN 1 AND 5),
		impulsivity INTEGER NOT NULL CHECK (impulsivity BETWEEN 1 AND 5),
		indulgence INTEGER NOT NULL CHECK (indulgence BETWEEN 1 AND 5),
		nostalgia INTEGER NOT NULL CHECK (nostalgia BETWEEN 1 AND 5)
	);`,
	`CREATE TABLE IF NOT EXISTS toppings (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		category TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS ticks (
		id INTEGER PRIMARY KEY,
		seed INTEGER NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS producer_offerings (
		tick_id INTEGER NOT NULL REFERENCES ticks(id) ON DELETE CASCADE,
		producer_id INTEGER NOT NULL REFERENCES producers(id),
		fluffiness INTEGER NOT NULL CHECK (fluffiness BETWEEN 1 AND 5),
		PRIMARY KEY (tick_id, producer_id)
	);`,
	`CREATE TABLE IF NOT EXISTS producer_toppings (
		tick_id INTEGER NOT NULL REFERENCES ticks(id) ON DELETE CASCADE,
		producer_id INTEGER NOT NULL REFERENCES producers(id),
		topping_id INTEGER NOT NULL REFERENCES toppings(id),
		position INTEGER NOT NULL,
		PRIMARY KEY (tick_id, producer_id, topping_id)
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_exclusive_topping ON producer_toppings(tick_id, topping_id);`,
	`CREATE TABLE IF NOT EXISTS consumer_choices (
		tick_id INTEGER NOT NULL REFERENCES ticks(id) ON DELETE CASCADE,
		consumer_id INTEGER NOT NULL REFERENCES consumers(id),
		producer_id INTEGER NOT NULL REFERENCES producers(id),
		enticement_score INTEGER NOT NULL CHECK (enticement_score BETWEEN 1 AND 10),
		PRIMARY KEY (tick_id, consumer_id)
	);`,
	`CREATE TABLE IF NOT EXISTS producer_round_stats (
		tick_id INTEGER NOT NULL REFERENCES ticks(id) ON DELETE CASCADE,
		producer_id INTEGER NOT NULL REFERENCES producers(id),
		consumer_count INTEGER NOT NULL,
		market_share REAL NOT NULL,
		avg_enticement REAL,
		median_enticement REAL,
		PRIMARY KEY (tick_id, producer_id)
	);`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS producers (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		creativity_bias INT NOT NULL CHECK (creativity_bias BETWEEN 1 AND 5),
		risk_tolerance INT NOT NULL CHECK (risk_tolerance BETWEEN 1 AND 5)
	)`,
	`CREATE TABLE IF NOT EXISTS consumers (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		openness INT NOT NULL CHECK (openness BETWEEN 1 AND 5),
		pickiness INT NOT NULL CHECK (pickiness BETWEEN 1 AND 5),
		impulsivity INT NOT NULL CHECK (impulsivity BETWEEN 1 AND 5),
		indulgence INT NOT NULL CHECK (indulgence BETWEEN 1 AND 5),
		nostalgia INT NOT NULL CHECK (nostalgia BETWEEN 1 AND 5)
	)`,
	`CREATE TABLE IF NOT EXISTS toppings (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		category TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ticks (
		id BIGINT PRIMARY KEY,
		seed BIGINT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS producer_offerings (
		tick_id BIGINT NOT NULL REFERENCES ticks(id) ON DELETE CASCADE,
		producer_id BIGINT NOT NULL REFERENCES producers(id),
		fluffiness INT NOT NULL CHECK (fluffiness BETWEEN 1 AND 5),
		PRIMARY KEY (tick_id, producer_id)
	)`,
	`CREATE TABLE IF NOT EXISTS producer_toppings (
		tick_id BIGINT NOT NULL REFERENCES ticks(id) ON DELETE CASCADE,
		producer_id BIGINT NOT NULL REFERENCES producers(id),
		topping_id BIGINT NOT NULL REFERENCES toppings(id),
		position INT NOT NULL,
		PRIMARY KEY (tick_id, producer_id, topping_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_exclusive_topping ON producer_toppings(tick_id, topping_id)`,
	`CREATE TABLE IF NOT EXISTS consumer_choices (
		tick_id BIGINT NOT NULL REFERENCES ticks(id) ON DELETE CASCADE,
		consumer_id BIGINT NOT NULL REFERENCES consumers(id),
		producer_id BIGINT NOT NULL REFERENCES producers(id),
		enticement_score INT NOT NULL CHECK (enticement_score BETWEEN 1 AND 10),
		PRIMARY KEY (tick_id, consumer_id)
	)`,
	`CREATE TABLE IF NOT EXISTS producer_round_stats (
		tick_id BIGINT NOT NULL REFERENCES ticks(id) ON DELETE CASCADE,
		producer_id BIGINT NOT NULL REFERENCES producers(id),
		consumer_count INT NOT NULL,
		market_share DOUBLE PRECISION NOT NULL,
		avg_enticement DOUBLE PRECISION,
		median_enticement DOUBLE PRECISION,
		PRIMARY KEY (tick_id, producer_id)
	)`,
}

func dropStatements() []string {
	out := make([]string, 0, len(tables))
	for i := len(tables) - 1; i >= 0; i-- {
		out = append(out, "DROP TABLE IF EXISTS "+tables[i])
	}
	return out
}

package market

import "time"

type Producer struct {
	ID             int64  `json:"id" yaml:"id"`
	Name           string `json:"name" yaml:"name"`
	CreativityBias int    `json:"creativity_bias" yaml:"creativity_bias"`
	RiskTolerance  int    `json:"risk_tolerance" yaml:"risk_tolerance"`
}

type Consumer struct {
	ID          int64  `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Openness    int    `json:"openness" yaml:"openness"`
	Pickiness   int    `json:"pickiness" yaml:"pickiness"`
	Impulsivity int    `json:"impulsivity" yaml:"impulsivity"`
	Indulgence  int    `json:"indulgence" yaml:"indulgence"`
	Nostalgia   int    `json:"nostalgia" yaml:"nostalgia"`
}

type Topping struct {
	ID       int64  `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Category string `json:"category" yaml:"category"`
}

// World is the seed data written by init/reset.
type World struct {
	Producers []Producer `yaml:"producers"`
	Consumers []Consumer `yaml:"consumers"`
	Toppings  []Topping  `yaml:"toppings"`
}

type Tick struct {
	ID          int64      `json:"id"`
	Seed        int64      `json:"seed"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Offering is one producer's menu for a tick.
type Offering struct {
	ProducerID int64   `json:"producer_id"`
	Fluffiness int     `json:"fluffiness"`
	ToppingIDs []int64 `json:"topping_ids"`
}

type ConsumerChoice struct {
	ConsumerID      int64 `json:"consumer_id"`
	ProducerID      int64 `json:"producer_id"`
	EnticementScore int   `json:"enticement_score"`
}

// ProducerRoundStats averages are nil when nobody chose the producer.
type ProducerRoundStats struct {
	TickID           int64    `json:"tick_id"`
	ProducerID       int64    `json:"producer_id"`
	ConsumerCount    int      `json:"consumer_count"`
	MarketShare      float64  `json:"market_share"`
	AvgEnticement    *float64 `json:"avg_enticement"`
	MedianEnticement *float64 `json:"median_enticement"`
}

// HistoryEntry is one past tick as seen by a producer, most recent first.
type HistoryEntry struct {
	TickID           int64    `json:"tick_id"`
	ConsumerCount    int      `json:"consumer_count"`
	MarketShare      float64  `json:"market_share"`
	AvgEnticement    *float64 `json:"avg_enticement"`
	MedianEnticement *float64 `json:"median_enticement"`
	Fluffiness       int      `json:"fluffiness"`
	Toppings         []string `json:"toppings"`
}

// TickWrite is the full write-set of a completed tick, committed atomically.
type TickWrite struct {
	TickID      int64
	CompletedAt time.Time
	Offerings   []Offering
	Choices     []ConsumerChoice
	Stats       []ProducerRoundStats
}

type TickResult struct {
	TickID           int64                `json:"tick_id"`
	RunID            string               `json:"run_id"`
	Seed             int64                `json:"seed"`
	FirstTick        bool                 `json:"first_tick"`
	FirstPickIndex   int                  `json:"first_pick_index"`
	PhaseReached     Phase                `json:"phase_reached"`
	FailedPhase      Phase                `json:"failed_phase,omitempty"`
	Offerings        []Offering           `json:"offerings,omitempty"`
	Stats            []ProducerRoundStats `json:"per_producer_stats"`
	DegradedProducer int                  `json:"degraded_producer_calls"`
	DegradedConsumer int                  `json:"degraded_consumer_calls"`
}

// TickDetail is a completed tick with everything it wrote.
type TickDetail struct {
	Tick      Tick                 `json:"tick"`
	Offerings []Offering           `json:"offerings"`
	Choices   []ConsumerChoice     `json:"choices"`
	Stats     []ProducerRoundStats `json:"stats"`
}

package choice

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"pancakes/internal/market"
	"pancakes/internal/oracle"
	"pancakes/internal/rng"
)

type Chooser interface {
	ChooseOption(ctx context.Context, req oracle.ChoiceRequest) oracle.ChoiceDecision
}

// Menu is one producer's finished offering as consumers will see it.
type Menu struct {
	ProducerID int64
	Fluffiness int
	Toppings   []string
}

type Result struct {
	Choices  []market.ConsumerChoice
	Degraded int
}

type Aggregator struct {
	oracle      Chooser
	options     int
	concurrency int
	log         *slog.Logger
}

func NewAggregator(o Chooser, optionsPerConsumer, concurrency int, logger *slog.Logger) *Aggregator {
	if optionsPerConsumer < 1 {
		optionsPerConsumer = market.DefaultOptionsPerConsumer
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{oracle: o, options: optionsPerConsumer, concurrency: concurrency, log: logger}
}

type pending struct {
	consumer market.Consumer
	req      oracle.ChoiceRequest
	byLabel  map[string]int64
}

// Collect asks every consumer to pick one of a sample of menus. Each
// consumer sees at most optionsPerConsumer menus under anonymous labels, in
// an order drawn from its own RNG partition. Choices come back in
// consumer order.
func (a *Aggregator) Collect(ctx context.Context, tickID int64, consumers []market.Consumer, menus []Menu, part *rng.Partitioned) (Result, error) {
	if len(menus) == 0 {
		return Result{}, fmt.Errorf("no menus to choose from")
	}
	sorted := slices.Clone(menus)
	slices.SortFunc(sorted, func(x, y Menu) int {
		switch {
		case x.ProducerID < y.ProducerID:
			return -1
		case x.ProducerID > y.ProducerID:
			return 1
		}
		return 0
	})
	k := min(a.options, len(sorted))

	// Streams are derived here, before any goroutine starts.
	work := make([]pending, len(consumers))
	for i, c := range consumers {
		r := part.For(rng.Consumer(c.ID))
		picks := r.Perm(len(sorted))[:k]
		p := pending{consumer: c, byLabel: make(map[string]int64, k)}
		p.req = oracle.ChoiceRequest{TickID: tickID, Consumer: c, RNG: r}
		for j, idx := range picks {
			m := sorted[idx]
			label := Label(j)
			p.byLabel[label] = m.ProducerID
			p.req.Options = append(p.req.Options, oracle.Option{
				Label:      label,
				Fluffiness: m.Fluffiness,
				Toppings:   m.Toppings,
			})
		}
		work[i] = p
	}

	decisions := make([]oracle.ChoiceDecision, len(work))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i := range work {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			decisions[i] = a.oracle.ChooseOption(gctx, work[i].req)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	out := Result{Choices: make([]market.ConsumerChoice, 0, len(work))}
	for i, d := range decisions {
		pid, ok := work[i].byLabel[d.Label]
		if !ok {
			return Result{}, fmt.Errorf("%w: consumer %d chose unknown option %q",
				market.ErrOracleMalformedResponse, work[i].consumer.ID, d.Label)
		}
		if err := market.ValidateEnticement(d.Score); err != nil {
			return Result{}, fmt.Errorf("%w: consumer %d: %v", market.ErrOracleMalformedResponse, work[i].consumer.ID, err)
		}
		if d.Degraded {
			out.Degraded++
		}
		out.Choices = append(out.Choices, market.ConsumerChoice{
			ConsumerID:      work[i].consumer.ID,
			ProducerID:      pid,
			EnticementScore: d.Score,
		})
	}
	a.log.Debug("consumer choices collected", "tick_id", tickID, "consumers", len(out.Choices), "degraded", out.Degraded)
	return out, nil
}

// Label names the j-th presented option: "Option A", "Option B", ...
func Label(j int) string {
	if j < 26 {
		return "Option " + string(rune('A'+j))
	}
	return fmt.Sprintf("Option %d", j+1)
}

// InCrisis reports whether the most recent round left the producer with no
// customers. history is most recent first.
func InCrisis(history []market.HistoryEntry) bool {
	return len(history) > 0 && history[0].MarketShare == 0
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pancakes/internal/allocator"
	"pancakes/internal/choice"
	"pancakes/internal/config"
	"pancakes/internal/market"
	"pancakes/internal/notify"
	"pancakes/internal/oracle"
	"pancakes/internal/rng"
	"pancakes/internal/store"
	"pancakes/internal/telemetry"
	"pancakes/internal/transcript"
)

type Options struct {
	Sim config.SimConfig
	// Concurrency bounds in-flight oracle calls per phase.
	Concurrency   int
	TranscriptDir string
}

// Engine runs ticks one at a time against a store. It is the only writer
// of tick-scoped rows.
type Engine struct {
	store     store.Store
	oracle    *oracle.Client
	publisher notify.Publisher
	opts      Options
	log       *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

func New(st store.Store, oc *oracle.Client, pub notify.Publisher, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = notify.Nop{}
	}
	if oc == nil {
		oc = oracle.NewClient(nil, oracle.Options{}, logger)
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Sim.MenuSize == 0 {
		opts.Sim = config.SimConfig{
			MenuSize:           market.DefaultMenuSize,
			MaxSwaps:           market.DefaultMaxSwaps,
			HistoryWindow:      market.DefaultHistoryWindow,
			OptionsPerConsumer: market.DefaultOptionsPerConsumer,
		}
	}
	return &Engine{
		store:     st,
		oracle:    oc,
		publisher: pub,
		opts:      opts,
		log:       logger,
		tracer:    otel.Tracer(telemetry.TracerName),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type worldState struct {
	producers []market.Producer
	consumers []market.Consumer
	toppings  []market.Topping
	names     map[int64]string
}

func (w worldState) producerIDs() []int64 {
	out := make([]int64, 0, len(w.producers))
	for _, p := range w.producers {
		out = append(out, p.ID)
	}
	return out
}

// tickRun carries one tick's state between phases.
type tickRun struct {
	tick     market.Tick
	first    bool
	previous market.Tick
	machine  *market.PhaseMachine
	part     *rng.Partitioned
	oracle   *oracle.Client
	world    worldState
	result   market.TickResult

	requests   []allocator.Request
	fluffiness map[int64]int
	menus      map[int64][]int64
	choices    []market.ConsumerChoice
	stats      []market.ProducerRoundStats
}

// RunTick executes one full tick. With a nil seed a fresh one is drawn;
// the seed used is reported on the result either way. On failure nothing
// of the tick is persisted and the returned error is a *market.PhaseError.
func (e *Engine) RunTick(ctx context.Context, seed *int64) (market.TickResult, error) {
	ctx, span := e.tracer.Start(ctx, "tick")
	defer span.End()

	s := rng.NewSeed()
	if seed != nil {
		s = *seed
	}
	result := market.TickResult{RunID: uuid.NewString(), Seed: s, PhaseReached: market.PhasePending}
	span.SetAttributes(attribute.Int64("tick.seed", s), attribute.String("tick.run_id", result.RunID))

	fail := func(tickID int64, err error) (market.TickResult, error) {
		result.PhaseReached = market.PhaseFailed
		result.FailedPhase = market.PhasePending
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, &market.PhaseError{TickID: tickID, Phase: market.PhasePending, Err: err}
	}

	world, err := e.loadWorld(ctx)
	if err != nil {
		return fail(0, err)
	}
	if err := e.opts.Sim.Validate(market.World{Producers: world.producers, Consumers: world.consumers, Toppings: world.toppings}); err != nil {
		return fail(0, err)
	}
	previous, hasPrevious, err := e.store.LatestCompletedTick(ctx)
	if err != nil {
		return fail(0, err)
	}
	tick, err := e.store.BeginTick(ctx, s, e.now())
	if err != nil {
		return fail(0, err)
	}

	run := &tickRun{
		tick:     tick,
		first:    !hasPrevious,
		previous: previous,
		machine:  market.NewPhaseMachine(!hasPrevious),
		part:     rng.New(s),
		oracle:   e.oracle,
		world:    world,
		result:   result,
	}
	run.result.TickID = tick.ID
	run.result.FirstTick = run.first
	span.SetAttributes(attribute.Int64("tick.id", tick.ID), attribute.Bool("tick.first", run.first))

	log := e.log.With("tick_id", tick.ID, "run_id", result.RunID)
	log.Info("tick started", "seed", s, "first_tick", run.first)

	if e.opts.TranscriptDir != "" {
		tw, err := transcript.Open(e.opts.TranscriptDir, tick.ID, result.RunID)
		if err != nil {
			log.Warn("transcript disabled for tick", "err", err)
		} else {
			run.oracle = e.oracle.WithRecorder(tw)
			defer func() {
				if err := tw.Close(); err != nil {
					log.Warn("transcript close failed", "path", tw.Path(), "err", err)
				}
			}()
		}
	}

	if err := e.execute(ctx, run); err != nil {
		run.machine.Fail()
		run.result.PhaseReached = market.PhaseFailed
		run.result.FailedPhase = run.machine.FailedIn()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		// The caller's context may already be gone; cleanup still has to run.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if aerr := e.store.AbandonTick(cleanupCtx, tick.ID); aerr != nil {
			log.Error("abandon tick failed", "err", aerr)
		}
		log.Error("tick failed", "phase", run.result.FailedPhase, "err", err)
		return run.result, &market.PhaseError{TickID: tick.ID, Phase: run.result.FailedPhase, Err: err}
	}

	span.SetAttributes(
		attribute.Int("tick.degraded_producer", run.result.DegradedProducer),
		attribute.Int("tick.degraded_consumer", run.result.DegradedConsumer),
	)
	log.Info("tick complete",
		"degraded_producer", run.result.DegradedProducer,
		"degraded_consumer", run.result.DegradedConsumer)

	ev := notify.TickEvent{
		Type:        "tick.completed",
		TickID:      tick.ID,
		RunID:       result.RunID,
		Seed:        s,
		CompletedAt: e.now(),
		Stats:       run.result.Stats,
		Degraded:    run.result.DegradedProducer + run.result.DegradedConsumer,
	}
	if err := e.publisher.PublishTick(ctx, ev); err != nil {
		log.Warn("tick event publish failed", "err", err)
	}
	return run.result, nil
}

func (e *Engine) execute(ctx context.Context, run *tickRun) error {
	if !run.first {
		if err := e.phase(ctx, run, market.PhaseMenuDecision, e.decideMenus); err != nil {
			return err
		}
	}
	steps := []struct {
		phase market.Phase
		fn    func(context.Context, *tickRun) error
	}{
		{market.PhaseAllocation, e.allocate},
		{market.PhaseConsumerChoice, e.collectChoices},
		{market.PhaseStats, e.computeAndCommit},
	}
	for _, step := range steps {
		if err := e.phase(ctx, run, step.phase, step.fn); err != nil {
			return err
		}
	}
	if err := run.machine.Advance(market.PhaseComplete); err != nil {
		return err
	}
	run.result.PhaseReached = market.PhaseComplete
	return nil
}

func (e *Engine) phase(ctx context.Context, run *tickRun, p market.Phase, fn func(context.Context, *tickRun) error) error {
	if err := run.machine.Advance(p); err != nil {
		return err
	}
	run.result.PhaseReached = p
	ctx, span := e.tracer.Start(ctx, "phase."+strings.ToLower(string(p)))
	defer span.End()
	start := time.Now()
	err := fn(ctx, run)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	e.log.Debug("phase done", "tick_id", run.tick.ID, "phase", p, "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

func (e *Engine) loadWorld(ctx context.Context) (worldState, error) {
	var (
		w   worldState
		err error
	)
	if w.producers, err = e.store.Producers(ctx); err != nil {
		return w, err
	}
	if w.consumers, err = e.store.Consumers(ctx); err != nil {
		return w, err
	}
	if w.toppings, err = e.store.Toppings(ctx); err != nil {
		return w, err
	}
	if len(w.producers) == 0 || len(w.toppings) == 0 {
		return w, market.ErrNotInitialized
	}
	w.names = make(map[int64]string, len(w.toppings))
	for _, t := range w.toppings {
		w.names[t.ID] = t.Name
	}
	return w, nil
}

// Ping probes the oracle backend. With required set a failure is returned
// as ErrConfiguration; otherwise it is only logged.
func (e *Engine) Ping(ctx context.Context, required bool) error {
	if e.oracle.Backend() == (oracle.Disabled{}).Name() {
		if required {
			return market.Configf("ORACLE_REQUIRED is set but the oracle backend is disabled")
		}
		e.log.Info("oracle disabled, every decision uses the fallback")
		return nil
	}
	err := e.oracle.Ping(ctx)
	if err == nil {
		e.log.Info("oracle reachable", "backend", e.oracle.Backend())
		return nil
	}
	if required {
		return market.Configf("oracle %s unreachable: %v", e.oracle.Backend(), err)
	}
	e.log.Warn("oracle unreachable, decisions will degrade to fallback", "backend", e.oracle.Backend(), "err", err)
	return nil
}

func (e *Engine) aggregator(run *tickRun) *choice.Aggregator {
	return choice.NewAggregator(run.oracle, e.opts.Sim.OptionsPerConsumer, e.opts.Concurrency, e.log)
}

func toppingNames(ids []int64, names map[int64]string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, names[id])
	}
	return out
}

func wrapPersist(op string, err error) error {
	if errors.Is(err, market.ErrPersistenceWrite) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", market.ErrPersistenceWrite, op, err)
}

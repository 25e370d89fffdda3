package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"pancakes/internal/allocator"
	"pancakes/internal/choice"
	"pancakes/internal/market"
	"pancakes/internal/oracle"
	"pancakes/internal/rng"
	"pancakes/internal/stats"
)

// decideMenus asks every producer's oracle for a proposal. Keep sets are
// normalised here so the allocator only ever sees legal requests.
func (e *Engine) decideMenus(ctx context.Context, run *tickRun) error {
	offerings, err := e.store.Offerings(ctx, run.previous.ID)
	if err != nil {
		return fmt.Errorf("load previous offerings: %w", err)
	}
	previous := make(map[int64]market.Offering, len(offerings))
	for _, o := range offerings {
		previous[o.ProducerID] = o
	}

	sim := e.opts.Sim
	reqs := make([]oracle.MenuRequest, len(run.world.producers))
	for i, p := range run.world.producers {
		history, err := e.store.ProducerHistory(ctx, p.ID, sim.HistoryWindow)
		if err != nil {
			return fmt.Errorf("load history for producer %d: %w", p.ID, err)
		}
		prev := previous[p.ID]
		fluffiness := prev.Fluffiness
		if fluffiness == 0 {
			fluffiness = market.DefaultFluffiness
		}
		reqs[i] = oracle.MenuRequest{
			TickID:             run.tick.ID,
			Producer:           p,
			MenuSize:           sim.MenuSize,
			MaxSwaps:           sim.MaxSwaps,
			Catalog:            run.world.toppings,
			PreviousMenu:       prev.ToppingIDs,
			PreviousFluffiness: fluffiness,
			History:            history,
			InCrisis:           choice.InCrisis(history),
			RNG:                run.part.For(rng.Producer(p.ID)),
		}
	}

	decisions := make([]oracle.MenuDecision, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i := range reqs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			decisions[i] = run.oracle.ProposeMenu(gctx, reqs[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// A cancelled tick must not be committed as a round of fallbacks.
	if err := ctx.Err(); err != nil {
		return err
	}

	run.requests = make([]allocator.Request, 0, len(decisions))
	run.fluffiness = make(map[int64]int, len(decisions))
	for i, d := range decisions {
		pid := reqs[i].Producer.ID
		if err := market.ValidateFluffiness(d.Fluffiness); err != nil {
			return fmt.Errorf("%w: producer %d: %v", market.ErrOracleMalformedResponse, pid, err)
		}
		if d.Degraded {
			run.result.DegradedProducer++
		}
		keep := allocator.NormalizeKeep(d.Keep, reqs[i].PreviousMenu, sim.MenuSize, sim.MaxSwaps)
		if len(keep) != len(d.Keep) {
			e.log.Debug("keep set normalised", "tick_id", run.tick.ID, "producer_id", pid,
				"proposed", len(d.Keep), "kept", len(keep))
		}
		run.fluffiness[pid] = d.Fluffiness
		run.requests = append(run.requests, allocator.Request{ProducerID: pid, Keep: keep, Wishlist: d.Wishlist})
	}
	return nil
}

// allocate deals opening menus on the first tick and runs the rotating
// allocator afterwards.
func (e *Engine) allocate(ctx context.Context, run *tickRun) error {
	ids := run.world.producerIDs()
	menuSize := e.opts.Sim.MenuSize

	if run.first {
		r := run.part.For(rng.SubsystemSeeding)
		menus, err := allocator.Deal(ids, run.world.toppings, menuSize, r)
		if err != nil {
			return err
		}
		run.fluffiness = make(map[int64]int, len(ids))
		reqs := make([]allocator.Request, 0, len(ids))
		for _, pid := range ids {
			run.fluffiness[pid] = market.MinFluffiness + r.Intn(market.MaxFluffiness-market.MinFluffiness+1)
			reqs = append(reqs, allocator.Request{ProducerID: pid})
		}
		in := allocator.Input{TickID: run.tick.ID, MenuSize: menuSize, Catalog: run.world.toppings, Producers: reqs}
		if err := allocator.Verify(in, allocator.Assignment{Menus: menus}); err != nil {
			return err
		}
		run.menus = menus
		run.result.FirstPickIndex = allocator.FirstPickIndex(run.tick.ID, len(ids))
	} else {
		in := allocator.Input{
			TickID:    run.tick.ID,
			MenuSize:  menuSize,
			Catalog:   run.world.toppings,
			Producers: run.requests,
		}
		a, err := allocator.Allocate(in, run.part.For(rng.SubsystemAllocator))
		if err != nil {
			return err
		}
		run.menus = a.Menus
		run.result.FirstPickIndex = a.FirstPickIndex
		e.log.Debug("toppings allocated", "tick_id", run.tick.ID, "rotation", a.Order, "filled", a.Filled)
	}

	run.result.Offerings = make([]market.Offering, 0, len(ids))
	for _, pid := range ids {
		run.result.Offerings = append(run.result.Offerings, market.Offering{
			ProducerID: pid,
			Fluffiness: run.fluffiness[pid],
			ToppingIDs: run.menus[pid],
		})
	}
	return nil
}

func (e *Engine) collectChoices(ctx context.Context, run *tickRun) error {
	menus := make([]choice.Menu, 0, len(run.result.Offerings))
	for _, o := range run.result.Offerings {
		menus = append(menus, choice.Menu{
			ProducerID: o.ProducerID,
			Fluffiness: o.Fluffiness,
			Toppings:   toppingNames(o.ToppingIDs, run.world.names),
		})
	}
	res, err := e.aggregator(run).Collect(ctx, run.tick.ID, run.world.consumers, menus, run.part)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	run.choices = res.Choices
	run.result.DegradedConsumer = res.Degraded
	return nil
}

// computeAndCommit derives round stats and writes the whole tick at once.
func (e *Engine) computeAndCommit(ctx context.Context, run *tickRun) error {
	run.stats = stats.Compute(run.tick.ID, run.world.producerIDs(), run.choices)
	w := market.TickWrite{
		TickID:      run.tick.ID,
		CompletedAt: e.now(),
		Offerings:   run.result.Offerings,
		Choices:     run.choices,
		Stats:       run.stats,
	}
	if err := e.store.CommitTick(ctx, w); err != nil {
		return wrapPersist("commit tick", err)
	}
	run.result.Stats = run.stats
	return nil
}

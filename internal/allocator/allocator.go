package allocator

import (
	"fmt"
	"math/rand"
	"slices"

	"pancakes/internal/market"
)

// Request is one producer's normalised proposal. Wishlist is ordered
// most-preferred first.
type Request struct {
	ProducerID int64
	Keep       []int64
	Wishlist   []int64
}

type Input struct {
	TickID    int64
	MenuSize  int
	Catalog   []market.Topping
	Producers []Request
}

// Assignment maps each producer to exactly MenuSize distinct toppings.
// Menus list kept toppings first, then wishlist claims, then fill.
type Assignment struct {
	TickID         int64             `json:"tick_id"`
	FirstPickIndex int               `json:"first_pick_index"`
	Order          []int64           `json:"rotation_order"`
	Menus          map[int64][]int64 `json:"menus"`
	Filled         map[int64]int     `json:"filled"`
}

// FirstPickIndex is (tickID-1) mod n over producers sorted by id.
func FirstPickIndex(tickID int64, n int) int {
	if n <= 0 {
		return 0
	}
	idx := (tickID - 1) % int64(n)
	if idx < 0 {
		idx += int64(n)
	}
	return int(idx)
}

// RotationOrder returns producer ids sorted ascending and rotated so the
// first-pick producer leads.
func RotationOrder(tickID int64, producerIDs []int64) []int64 {
	sorted := slices.Clone(producerIDs)
	slices.Sort(sorted)
	if len(sorted) == 0 {
		return sorted
	}
	first := FirstPickIndex(tickID, len(sorted))
	order := make([]int64, 0, len(sorted))
	order = append(order, sorted[first:]...)
	return append(order, sorted[:first]...)
}

func Allocate(in Input, r *rand.Rand) (Assignment, error) {
	if in.MenuSize < 1 {
		return Assignment{}, fmt.Errorf("%w: menu size %d", market.ErrAllocationInvariant, in.MenuSize)
	}
	if len(in.Producers) == 0 {
		return Assignment{}, fmt.Errorf("%w: no producers", market.ErrAllocationInvariant)
	}
	if len(in.Producers)*in.MenuSize > len(in.Catalog) {
		return Assignment{}, fmt.Errorf("%w: catalog of %d cannot cover %d producers x %d",
			market.ErrAllocationInvariant, len(in.Catalog), len(in.Producers), in.MenuSize)
	}

	inCatalog := make(map[int64]struct{}, len(in.Catalog))
	for _, t := range in.Catalog {
		inCatalog[t.ID] = struct{}{}
	}

	requests := make(map[int64]Request, len(in.Producers))
	ids := make([]int64, 0, len(in.Producers))
	for _, req := range in.Producers {
		if _, dup := requests[req.ProducerID]; dup {
			return Assignment{}, fmt.Errorf("%w: duplicate producer %d", market.ErrAllocationInvariant, req.ProducerID)
		}
		requests[req.ProducerID] = req
		ids = append(ids, req.ProducerID)
	}

	order := RotationOrder(in.TickID, ids)
	out := Assignment{
		TickID:         in.TickID,
		FirstPickIndex: FirstPickIndex(in.TickID, len(order)),
		Order:          order,
		Menus:          make(map[int64][]int64, len(order)),
		Filled:         make(map[int64]int, len(order)),
	}
	owner := make(map[int64]int64, len(in.Catalog))

	// Keep sets are locked before anyone picks.
	for _, pid := range order {
		keep := requests[pid].Keep
		if len(keep) > in.MenuSize {
			return Assignment{}, fmt.Errorf("%w: producer %d keeps %d toppings, menu size %d",
				market.ErrAllocationInvariant, pid, len(keep), in.MenuSize)
		}
		menu := make([]int64, 0, in.MenuSize)
		for _, tid := range keep {
			if _, ok := inCatalog[tid]; !ok {
				return Assignment{}, fmt.Errorf("%w: producer %d keeps unknown topping %d", market.ErrAllocationInvariant, pid, tid)
			}
			if prev, taken := owner[tid]; taken {
				return Assignment{}, fmt.Errorf("%w: topping %d kept by producers %d and %d",
					market.ErrAllocationInvariant, tid, prev, pid)
			}
			owner[tid] = pid
			menu = append(menu, tid)
		}
		out.Menus[pid] = menu
	}

	for _, pid := range order {
		for _, tid := range requests[pid].Wishlist {
			if len(out.Menus[pid]) >= in.MenuSize {
				break
			}
			if _, ok := inCatalog[tid]; !ok {
				continue
			}
			if _, taken := owner[tid]; taken {
				continue
			}
			owner[tid] = pid
			out.Menus[pid] = append(out.Menus[pid], tid)
		}
	}

	pool := make([]int64, 0, len(in.Catalog))
	for _, t := range in.Catalog {
		if _, taken := owner[t.ID]; !taken {
			pool = append(pool, t.ID)
		}
	}
	slices.Sort(pool)
	for _, pid := range order {
		need := in.MenuSize - len(out.Menus[pid])
		if need > len(pool) {
			return Assignment{}, fmt.Errorf("%w: producer %d needs %d more toppings, %d unclaimed",
				market.ErrAllocationInvariant, pid, need, len(pool))
		}
		for i := 0; i < need; i++ {
			j := r.Intn(len(pool))
			tid := pool[j]
			pool = slices.Delete(pool, j, j+1)
			owner[tid] = pid
			out.Menus[pid] = append(out.Menus[pid], tid)
		}
		out.Filled[pid] = need
	}

	if err := Verify(in, out); err != nil {
		return Assignment{}, err
	}
	return out, nil
}

// Verify checks exclusivity, completeness and that every keep set survived.
func Verify(in Input, a Assignment) error {
	inCatalog := make(map[int64]struct{}, len(in.Catalog))
	for _, t := range in.Catalog {
		inCatalog[t.ID] = struct{}{}
	}
	owner := make(map[int64]int64)
	for _, req := range in.Producers {
		menu, ok := a.Menus[req.ProducerID]
		if !ok {
			return fmt.Errorf("%w: producer %d has no menu", market.ErrAllocationInvariant, req.ProducerID)
		}
		if len(menu) != in.MenuSize {
			return fmt.Errorf("%w: producer %d holds %d toppings, want %d",
				market.ErrAllocationInvariant, req.ProducerID, len(menu), in.MenuSize)
		}
		for _, tid := range menu {
			if _, ok := inCatalog[tid]; !ok {
				return fmt.Errorf("%w: producer %d holds unknown topping %d", market.ErrAllocationInvariant, req.ProducerID, tid)
			}
			if prev, taken := owner[tid]; taken {
				return fmt.Errorf("%w: topping %d held by producers %d and %d",
					market.ErrAllocationInvariant, tid, prev, req.ProducerID)
			}
			owner[tid] = req.ProducerID
		}
		for _, tid := range req.Keep {
			if !slices.Contains(menu, tid) {
				return fmt.Errorf("%w: producer %d lost kept topping %d", market.ErrAllocationInvariant, req.ProducerID, tid)
			}
		}
	}
	if len(a.Menus) != len(in.Producers) {
		return fmt.Errorf("%w: %d menus for %d producers", market.ErrAllocationInvariant, len(a.Menus), len(in.Producers))
	}
	return nil
}

// Deal builds first-tick menus from one shuffle of the catalog, handing out
// consecutive runs of menuSize to producers in id order.
func Deal(producerIDs []int64, catalog []market.Topping, menuSize int, r *rand.Rand) (map[int64][]int64, error) {
	if menuSize < 1 || len(producerIDs)*menuSize > len(catalog) {
		return nil, fmt.Errorf("%w: cannot deal %d x %d from %d toppings",
			market.ErrAllocationInvariant, len(producerIDs), menuSize, len(catalog))
	}
	deck := make([]int64, 0, len(catalog))
	for _, t := range catalog {
		deck = append(deck, t.ID)
	}
	slices.Sort(deck)
	r.Shuffle(len(deck), func(i, j int) { deck[i], deck[j] = deck[j], deck[i] })

	ids := slices.Clone(producerIDs)
	slices.Sort(ids)
	menus := make(map[int64][]int64, len(ids))
	for i, pid := range ids {
		menus[pid] = slices.Clone(deck[i*menuSize : (i+1)*menuSize])
	}
	return menus, nil
}

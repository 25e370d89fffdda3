package allocator

import "slices"

// NormalizeKeep restricts keep to toppings on the previous menu and, when
// the proposal drops more than maxSwaps of them, tops it back up from the
// previous menu in order. The result never exceeds menuSize.
func NormalizeKeep(keep, previous []int64, menuSize, maxSwaps int) []int64 {
	out := make([]int64, 0, menuSize)
	for _, id := range keep {
		if slices.Contains(previous, id) && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}

	floor := min(max(menuSize-maxSwaps, 0), len(previous))
	for _, id := range previous {
		if len(out) >= floor {
			break
		}
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	if len(out) > menuSize {
		out = out[:menuSize]
	}
	return out
}

// Package diff computes membership deltas between two sets of identifiers.
package diff

// Compute returns the elements to add (in next but not in prev) and the
// elements to remove (in prev but not in next). Inputs are treated as sets:
// duplicates collapse and output follows first appearance. The two outputs
// never overlap. Either input may be nil.
func Compute[T comparable](prev, next []T) (toAdd, toRemove []T) {
	prevSet := toSet(prev)
	nextSet := toSet(next)

	toAdd = minus(next, prevSet)
	toRemove = minus(prev, nextSet)
	return toAdd, toRemove
}

// Apply returns current with toRemove taken out and toAdd appended,
// deduplicated in first-appearance order.
func Apply[T comparable](current, toAdd, toRemove []T) []T {
	removed := toSet(toRemove)
	seen := make(map[T]struct{}, len(current)+len(toAdd))
	out := make([]T, 0, len(current)+len(toAdd))

	for _, group := range [][]T{current, toAdd} {
		for _, v := range group {
			if _, drop := removed[v]; drop {
				continue
			}
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// Equal reports whether a and b hold the same elements, ignoring order and duplicates.
func Equal[T comparable](a, b []T) bool {
	toAdd, toRemove := Compute(a, b)
	return len(toAdd) == 0 && len(toRemove) == 0
}

// Contains reports whether v is in set.
func Contains[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func toSet[T comparable](values []T) map[T]struct{} {
	set := make(map[T]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func minus[T comparable](values []T, exclude map[T]struct{}) []T {
	var out []T
	seen := make(map[T]struct{}, len(values))
	for _, v := range values {
		if _, ok := exclude[v]; ok {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

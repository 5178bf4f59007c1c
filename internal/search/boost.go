package search

import "sort"

// Structural boost multipliers by fragment kind. Function/class/method
// fragments are the most directly useful search targets, anchors are a
// close second (coarse file locators), generic blocks are neutral, and
// line-window fallback fragments (no parser available) are slightly
// penalized since they carry the least structural signal.
const (
	StructuralBoostSymbol   = 1.10 // function, class, method
	StructuralBoostAnchor   = 1.05
	StructuralBoostBlock    = 1.00
	StructuralBoostFallback = 0.95
)

// structuralBoostFor returns the multiplier for a fragment's Kind.
func structuralBoostFor(kind string) float64 {
	switch kind {
	case "function", "class", "method":
		return StructuralBoostSymbol
	case "anchor":
		return StructuralBoostAnchor
	case "fallback":
		return StructuralBoostFallback
	default:
		return StructuralBoostBlock
	}
}

// ApplyStructuralBoost multiplies each result's score by a small
// kind-dependent factor and re-sorts by the adjusted score, descending.
func ApplyStructuralBoost(results []*SearchResult) []*SearchResult {
	if len(results) == 0 {
		return results
	}

	for _, r := range results {
		if r.Chunk == nil {
			continue
		}
		r.Score *= structuralBoostFor(r.Chunk.Kind)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	return results
}

// ApplyPerFileCap truncates results so that at most `cap` rows share the
// same file path, preserving the incoming (score-sorted) order. A cap <= 0
// means unlimited. The anchor fragment counts against the cap like any
// other row.
func ApplyPerFileCap(results []*SearchResult, cap int) []*SearchResult {
	if cap <= 0 || len(results) == 0 {
		return results
	}

	counts := make(map[string]int, len(results))
	out := make([]*SearchResult, 0, len(results))
	for _, r := range results {
		path := ""
		if r.Chunk != nil {
			path = r.Chunk.FilePath
		}
		if counts[path] >= cap {
			continue
		}
		counts[path]++
		out = append(out, r)
	}
	return out
}

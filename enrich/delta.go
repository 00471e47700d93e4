package enrich

import "github.com/mutwatch/mutwatch/types"

// computeDeltas walks pre and post bytewise within the first bound
// bytes, coalescing consecutive differing bytes into maximal runs, per
// spec.md §4.5 step 3. bound is clamped to len(pre); it panics if post
// is shorter than the clamped bound, so callers must snapshot both
// images at matching lengths.
func computeDeltas(pre, post []byte, bound int) []types.Delta {
	if bound > len(pre) {
		bound = len(pre)
	}

	var deltas []types.Delta
	i := 0
	for i < bound {
		if pre[i] == post[i] {
			i++
			continue
		}
		start := i
		for i < bound && pre[i] != post[i] {
			i++
		}
		deltas = append(deltas, types.Delta{
			Offset: start,
			Old:    append([]byte(nil), pre[start:i]...),
			New:    append([]byte(nil), post[start:i]...),
		})
	}
	return deltas
}

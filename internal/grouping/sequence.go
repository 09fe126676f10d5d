package grouping

// Pairwise returns the overlapping pairs of consecutive elements:
// [a b c d] gives (a b) (b c) (c d). Fewer than two elements give none.
func Pairwise[T any](s []T) [][2]T {
	if len(s) < 2 {
		return nil
	}
	pairs := make([][2]T, 0, len(s)-1)
	for i := 1; i < len(s); i++ {
		pairs = append(pairs, [2]T{s[i-1], s[i]})
	}
	return pairs
}

// GroupByDelta splits ascending values into clusters. A value joins the
// current cluster when it exceeds the previous value by less than delta:
//
//	GroupByDelta([1.0 1.04 1.1 3.1 3.14 3.4], 0.1) = [[1.0 1.04 1.1] [3.1 3.14] [3.4]]
//
// A trailing value that starts a new cluster is returned as a singleton.
func GroupByDelta(values []float64, delta float64) [][]float64 {
	if len(values) == 0 {
		return nil
	}
	var clusters [][]float64
	current := []float64{values[0]}
	for _, p := range Pairwise(values) {
		if p[1]-p[0] < delta {
			current = append(current, p[1])
			continue
		}
		clusters = append(clusters, current)
		current = []float64{p[1]}
	}
	return append(clusters, current)
}

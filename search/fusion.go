package search

import "sort"

// Fuse merges ranked lists with Reciprocal Rank Fusion: an item at 1-based
// rank r in a list contributes 1/(k+r). Items are identified by ID and keep
// the attributes of the list they were first seen in. Ties keep first-seen
// order.
func Fuse(lists [][]Result, k int) []Result {
	if k <= 0 {
		k = DefaultK
	}
	index := make(map[string]int)
	fused := make([]Result, 0)
	for _, list := range lists {
		for rank, result := range list {
			contribution := 1.0 / float64(k+rank+1)
			if i, ok := index[result.ID]; ok {
				fused[i].Score += contribution
				continue
			}
			index[result.ID] = len(fused)
			result.Score = contribution
			result.Modality = string(ModeTrisearch)
			fused = append(fused, result)
		}
	}
	sort.SliceStable(fused, func(i, j int) bool {
		return fused[i].Score > fused[j].Score
	})
	return fused
}

package cluster

// hierarchical runs agglomerative average-linkage clustering: starting from
// singletons, the closest pair of groups is merged until the best remaining
// merge would fall below the similarity threshold or push a group past
// maxClusterSize.
func hierarchical(matrix *similarityMatrix, threshold float64, maxClusterSize int) [][]int {
	groups := make([][]int, matrix.n)
	for i := 0; i < matrix.n; i++ {
		groups[i] = []int{i}
	}

	for len(groups) > 1 {
		bestA, bestB := -1, -1
		bestSim := threshold
		for a := 0; a < len(groups); a++ {
			for b := a + 1; b < len(groups); b++ {
				if maxClusterSize > 0 && len(groups[a])+len(groups[b]) > maxClusterSize {
					continue
				}
				sim := averageLinkage(matrix, groups[a], groups[b])
				if sim >= bestSim {
					bestSim = sim
					bestA, bestB = a, b
				}
			}
		}
		if bestA < 0 {
			break
		}
		groups[bestA] = append(groups[bestA], groups[bestB]...)
		groups = append(groups[:bestB], groups[bestB+1:]...)
	}
	return groups
}

// averageLinkage is the mean pairwise similarity across two groups.
func averageLinkage(matrix *similarityMatrix, a, b []int) float64 {
	var sum float64
	for _, i := range a {
		for _, j := range b {
			sum += matrix.at(i, j)
		}
	}
	return sum / float64(len(a)*len(b))
}

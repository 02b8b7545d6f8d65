package cluster

import "bastion/core"

// similarityMatrix caches pairwise similarity for one clustering pass so each
// alert pair is scored exactly once.
type similarityMatrix struct {
	n      int
	scores []float64
}

func newSimilarityMatrix(engine *SimilarityEngine, alerts []*core.Alert) *similarityMatrix {
	n := len(alerts)
	m := &similarityMatrix{n: n, scores: make([]float64, n*n)}
	for i := 0; i < n; i++ {
		m.scores[i*n+i] = 1
		for j := i + 1; j < n; j++ {
			sim := engine.Similarity(alerts[i], alerts[j]).Overall
			m.scores[i*n+j] = sim
			m.scores[j*n+i] = sim
		}
	}
	return m
}

func (m *similarityMatrix) at(i, j int) float64 {
	return m.scores[i*m.n+j]
}

const (
	labelUnvisited = 0
	labelNoise     = -1
)

// dbscan runs density-based clustering over the similarity matrix, treating
// similarity >= threshold as the neighborhood relation and minPts as the core
// point requirement. Noise points come back as singleton groups so every
// alert lands in exactly one group.
func dbscan(matrix *similarityMatrix, threshold float64, minPts int) [][]int {
	if minPts < 1 {
		minPts = 1
	}
	labels := make([]int, matrix.n)
	clusterID := 0

	for i := 0; i < matrix.n; i++ {
		if labels[i] != labelUnvisited {
			continue
		}
		neighbors := regionQuery(matrix, i, threshold)
		if len(neighbors) < minPts {
			labels[i] = labelNoise
			continue
		}
		clusterID++
		expandCluster(matrix, labels, i, neighbors, clusterID, threshold, minPts)
	}

	groups := make(map[int][]int)
	var order []int
	for i, label := range labels {
		if label == labelNoise {
			clusterID++
			label = clusterID
		}
		if _, seen := groups[label]; !seen {
			order = append(order, label)
		}
		groups[label] = append(groups[label], i)
	}

	out := make([][]int, 0, len(order))
	for _, label := range order {
		out = append(out, groups[label])
	}
	return out
}

// regionQuery returns the indices within the similarity neighborhood of
// point i, including i itself.
func regionQuery(matrix *similarityMatrix, i int, threshold float64) []int {
	var neighbors []int
	for j := 0; j < matrix.n; j++ {
		if matrix.at(i, j) >= threshold {
			neighbors = append(neighbors, j)
		}
	}
	return neighbors
}

func expandCluster(matrix *similarityMatrix, labels []int, point int, neighbors []int, clusterID int, threshold float64, minPts int) {
	labels[point] = clusterID
	queue := append([]int(nil), neighbors...)
	for head := 0; head < len(queue); head++ {
		q := queue[head]
		if labels[q] == labelNoise {
			// Border point reachable from a core point.
			labels[q] = clusterID
			continue
		}
		if labels[q] != labelUnvisited {
			continue
		}
		labels[q] = clusterID
		qNeighbors := regionQuery(matrix, q, threshold)
		if len(qNeighbors) >= minPts {
			queue = append(queue, qNeighbors...)
		}
	}
}

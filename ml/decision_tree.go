package ml

import (
	"errors"
	"math"
)

// DecisionTree is a Gini-impurity classification tree. Leaves keep the full
// class distribution of the samples that reached them so the ensembles built
// on top can report class probabilities.
type DecisionTree struct {
	MaxDepth int
	nodes    []treeNode
}

type treeNode struct {
	FeatureIdx int             `json:"feature_idx"`
	Threshold  float64         `json:"threshold"`
	LeftChild  int             `json:"left_child"`
	RightChild int             `json:"right_child"`
	Probs      map[int]float64 `json:"probs,omitempty"`
	IsLeaf     bool            `json:"is_leaf"`
}

func (dt *DecisionTree) Fit(features [][]float64, labels []int) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	maxDepth := dt.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 6
	}

	dt.nodes = buildClassificationNode(features, labels, 0, maxDepth)
	return nil
}

func (dt *DecisionTree) Predict(features []float64) (int, error) {
	probs, err := dt.PredictProba(features)
	if err != nil {
		return 0, err
	}
	return argmaxClass(probs), nil
}

func (dt *DecisionTree) PredictProba(features []float64) (map[int]float64, error) {
	if len(dt.nodes) == 0 {
		return nil, errors.New("model not trained")
	}
	idx := 0
	for {
		node := dt.nodes[idx]
		if node.IsLeaf {
			return node.Probs, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return nil, errors.New("feature index out of range")
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx < 0 || idx >= len(dt.nodes) {
			return nil, errors.New("invalid tree state")
		}
	}
}

func buildClassificationNode(features [][]float64, labels []int, depth, maxDepth int) []treeNode {
	if depth >= maxDepth || isPure(labels) {
		return []treeNode{leafNode(labels)}
	}

	bestFeature, threshold, ok := findBestSplit(features, labels)
	if !ok {
		return []treeNode{leafNode(labels)}
	}

	leftFeatures, leftLabels, rightFeatures, rightLabels := splitData(features, labels, bestFeature, threshold)
	if len(leftLabels) == 0 || len(rightLabels) == 0 {
		return []treeNode{leafNode(labels)}
	}

	leftNodes := buildClassificationNode(leftFeatures, leftLabels, depth+1, maxDepth)
	rightNodes := buildClassificationNode(rightFeatures, rightLabels, depth+1, maxDepth)

	root := treeNode{
		FeatureIdx: bestFeature,
		Threshold:  threshold,
		LeftChild:  1,
		RightChild: 1 + len(leftNodes),
	}

	nodes := make([]treeNode, 0, 1+len(leftNodes)+len(rightNodes))
	nodes = append(nodes, root)
	nodes = append(nodes, leftNodes...)
	nodes = append(nodes, rightNodes...)
	return nodes
}

func leafNode(labels []int) treeNode {
	return treeNode{
		FeatureIdx: -1,
		LeftChild:  -1,
		RightChild: -1,
		Probs:      classDistribution(labels),
		IsLeaf:     true,
	}
}

func classDistribution(labels []int) map[int]float64 {
	probs := make(map[int]float64)
	if len(labels) == 0 {
		return probs
	}
	for _, label := range labels {
		probs[label]++
	}
	for label := range probs {
		probs[label] /= float64(len(labels))
	}
	return probs
}

func argmaxClass(probs map[int]float64) int {
	bestLabel := 0
	bestProb := math.Inf(-1)
	for label, prob := range probs {
		// Ties break toward the smaller label so predictions are stable.
		if prob > bestProb || (prob == bestProb && label < bestLabel) {
			bestProb = prob
			bestLabel = label
		}
	}
	return bestLabel
}

func findBestSplit(features [][]float64, labels []int) (int, float64, bool) {
	featureCount := len(features[0])
	bestFeature := -1
	bestThreshold := 0.0
	bestImpurity := math.MaxFloat64

	for featureIdx := 0; featureIdx < featureCount; featureIdx++ {
		values := make([]float64, len(features))
		for i := range features {
			values[i] = features[i][featureIdx]
		}
		threshold := median(values)
		leftLabels, rightLabels := splitLabels(features, labels, featureIdx, threshold)
		if len(leftLabels) == 0 || len(rightLabels) == 0 {
			continue
		}
		impurity := weightedGini(leftLabels, rightLabels)
		if impurity < bestImpurity {
			bestImpurity = impurity
			bestFeature = featureIdx
			bestThreshold = threshold
		}
	}
	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

func splitData(features [][]float64, labels []int, featureIdx int, threshold float64) ([][]float64, []int, [][]float64, []int) {
	leftFeatures := make([][]float64, 0)
	leftLabels := make([]int, 0)
	rightFeatures := make([][]float64, 0)
	rightLabels := make([]int, 0)
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftFeatures = append(leftFeatures, feature)
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightFeatures = append(rightFeatures, feature)
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftFeatures, leftLabels, rightFeatures, rightLabels
}

func splitLabels(features [][]float64, labels []int, featureIdx int, threshold float64) ([]int, []int) {
	leftLabels := make([]int, 0)
	rightLabels := make([]int, 0)
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftLabels, rightLabels
}

func weightedGini(leftLabels, rightLabels []int) float64 {
	leftWeight := float64(len(leftLabels))
	rightWeight := float64(len(rightLabels))
	total := leftWeight + rightWeight
	return (leftWeight/total)*gini(leftLabels) + (rightWeight/total)*gini(rightLabels)
}

func gini(labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	counts := make(map[int]int)
	for _, label := range labels {
		counts[label]++
	}
	impurity := 1.0
	for _, count := range counts {
		prob := float64(count) / float64(len(labels))
		impurity -= prob * prob
	}
	return impurity
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sortFloats(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func sortFloats(values []float64) {
	for i := 1; i < len(values); i++ {
		j := i
		for j > 0 && values[j-1] > values[j] {
			values[j-1], values[j] = values[j], values[j-1]
			j--
		}
	}
}

func isPure(labels []int) bool {
	if len(labels) == 0 {
		return true
	}
	first := labels[0]
	for _, label := range labels[1:] {
		if label != first {
			return false
		}
	}
	return true
}

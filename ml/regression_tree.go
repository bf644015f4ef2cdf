package ml

import (
	"errors"
	"math"
)

// regressionTree fits squared-error splits with the same median-threshold
// scheme as DecisionTree. It is the base learner for gradient boosting.
type regressionTree struct {
	maxDepth int
	nodes    []regNode
}

type regNode struct {
	FeatureIdx int     `json:"feature_idx"`
	Threshold  float64 `json:"threshold"`
	LeftChild  int     `json:"left_child"`
	RightChild int     `json:"right_child"`
	Value      float64 `json:"value"`
	IsLeaf     bool    `json:"is_leaf"`
}

func (rt *regressionTree) fit(features [][]float64, targets []float64) error {
	if len(features) == 0 || len(targets) == 0 {
		return errors.New("features or targets empty")
	}
	if len(features) != len(targets) {
		return errors.New("features and targets size mismatch")
	}
	maxDepth := rt.maxDepth
	if maxDepth <= 0 {
		maxDepth = 3
	}
	rt.nodes = buildRegressionNode(features, targets, 0, maxDepth)
	return nil
}

func (rt *regressionTree) predict(features []float64) (float64, error) {
	if len(rt.nodes) == 0 {
		return 0, errors.New("model not trained")
	}
	idx := 0
	for {
		node := rt.nodes[idx]
		if node.IsLeaf {
			return node.Value, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return 0, errors.New("feature index out of range")
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx < 0 || idx >= len(rt.nodes) {
			return 0, errors.New("invalid tree state")
		}
	}
}

func buildRegressionNode(features [][]float64, targets []float64, depth, maxDepth int) []regNode {
	if depth >= maxDepth || len(targets) < 2 {
		return []regNode{regLeaf(targets)}
	}

	bestFeature, threshold, ok := findBestRegressionSplit(features, targets)
	if !ok {
		return []regNode{regLeaf(targets)}
	}

	var leftFeatures, rightFeatures [][]float64
	var leftTargets, rightTargets []float64
	for i, feature := range features {
		if feature[bestFeature] <= threshold {
			leftFeatures = append(leftFeatures, feature)
			leftTargets = append(leftTargets, targets[i])
		} else {
			rightFeatures = append(rightFeatures, feature)
			rightTargets = append(rightTargets, targets[i])
		}
	}
	if len(leftTargets) == 0 || len(rightTargets) == 0 {
		return []regNode{regLeaf(targets)}
	}

	leftNodes := buildRegressionNode(leftFeatures, leftTargets, depth+1, maxDepth)
	rightNodes := buildRegressionNode(rightFeatures, rightTargets, depth+1, maxDepth)

	root := regNode{
		FeatureIdx: bestFeature,
		Threshold:  threshold,
		LeftChild:  1,
		RightChild: 1 + len(leftNodes),
	}

	nodes := make([]regNode, 0, 1+len(leftNodes)+len(rightNodes))
	nodes = append(nodes, root)
	nodes = append(nodes, leftNodes...)
	nodes = append(nodes, rightNodes...)
	return nodes
}

func regLeaf(targets []float64) regNode {
	return regNode{
		FeatureIdx: -1,
		LeftChild:  -1,
		RightChild: -1,
		Value:      mean(targets),
		IsLeaf:     true,
	}
}

func findBestRegressionSplit(features [][]float64, targets []float64) (int, float64, bool) {
	featureCount := len(features[0])
	bestFeature := -1
	bestThreshold := 0.0
	bestError := math.MaxFloat64

	for featureIdx := 0; featureIdx < featureCount; featureIdx++ {
		values := make([]float64, len(features))
		for i := range features {
			values[i] = features[i][featureIdx]
		}
		threshold := median(values)

		var left, right []float64
		for i, feature := range features {
			if feature[featureIdx] <= threshold {
				left = append(left, targets[i])
			} else {
				right = append(right, targets[i])
			}
		}
		if len(left) == 0 || len(right) == 0 {
			continue
		}
		sse := sumSquaredError(left) + sumSquaredError(right)
		if sse < bestError {
			bestError = sse
			bestFeature = featureIdx
			bestThreshold = threshold
		}
	}
	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

func sumSquaredError(values []float64) float64 {
	m := mean(values)
	total := 0.0
	for _, v := range values {
		diff := v - m
		total += diff * diff
	}
	return total
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

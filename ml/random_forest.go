package ml

import (
	"errors"
	"math/rand"
	"time"
)

// RandomForest bags DecisionTrees over bootstrap resamples of the training
// set. Class probabilities are the average of the per-tree leaf
// distributions.
type RandomForest struct {
	NumTrees int
	MaxDepth int
	// Seed pins the bootstrap sampling for reproducible fits; zero means
	// time-seeded.
	Seed int64

	trees []*DecisionTree
}

func (rf *RandomForest) Fit(features [][]float64, labels []int) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}

	numTrees := rf.NumTrees
	if numTrees <= 0 {
		numTrees = 25
	}
	seed := rf.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rnd := rand.New(rand.NewSource(seed))

	trees := make([]*DecisionTree, 0, numTrees)
	for i := 0; i < numTrees; i++ {
		sampleFeatures, sampleLabels := bootstrap(rnd, features, labels)
		tree := &DecisionTree{MaxDepth: rf.MaxDepth}
		if err := tree.Fit(sampleFeatures, sampleLabels); err != nil {
			return err
		}
		trees = append(trees, tree)
	}
	rf.trees = trees
	return nil
}

func (rf *RandomForest) Predict(features []float64) (int, error) {
	probs, err := rf.PredictProba(features)
	if err != nil {
		return 0, err
	}
	return argmaxClass(probs), nil
}

func (rf *RandomForest) PredictProba(features []float64) (map[int]float64, error) {
	if len(rf.trees) == 0 {
		return nil, errors.New("model not trained")
	}
	combined := make(map[int]float64)
	for _, tree := range rf.trees {
		probs, err := tree.PredictProba(features)
		if err != nil {
			return nil, err
		}
		for label, prob := range probs {
			combined[label] += prob
		}
	}
	for label := range combined {
		combined[label] /= float64(len(rf.trees))
	}
	return combined, nil
}

func bootstrap(rnd *rand.Rand, features [][]float64, labels []int) ([][]float64, []int) {
	n := len(features)
	sampleFeatures := make([][]float64, n)
	sampleLabels := make([]int, n)
	for i := 0; i < n; i++ {
		idx := rnd.Intn(n)
		sampleFeatures[i] = features[idx]
		sampleLabels[i] = labels[idx]
	}
	return sampleFeatures, sampleLabels
}

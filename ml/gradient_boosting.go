package ml

import (
	"errors"
	"math"
)

// GradientBoosting boosts regression trees on the logistic loss, one
// ensemble per class (one-vs-rest). Per-class sigmoid scores are normalized
// into a distribution for PredictProba.
type GradientBoosting struct {
	NumStages    int
	LearningRate float64
	MaxDepth     int

	classes []int
	priors  map[int]float64
	stages  map[int][]*regressionTree
}

func (gb *GradientBoosting) Fit(features [][]float64, labels []int) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}

	numStages := gb.NumStages
	if numStages <= 0 {
		numStages = 30
	}
	learningRate := gb.LearningRate
	if learningRate <= 0 {
		learningRate = 0.1
	}
	maxDepth := gb.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 3
	}

	gb.classes = distinctLabels(labels)
	gb.priors = make(map[int]float64, len(gb.classes))
	gb.stages = make(map[int][]*regressionTree, len(gb.classes))

	for _, class := range gb.classes {
		targets := make([]float64, len(labels))
		positives := 0
		for i, label := range labels {
			if label == class {
				targets[i] = 1
				positives++
			}
		}

		prior := logit(float64(positives) / float64(len(labels)))
		scores := make([]float64, len(labels))
		for i := range scores {
			scores[i] = prior
		}

		trees := make([]*regressionTree, 0, numStages)
		for stage := 0; stage < numStages; stage++ {
			residuals := make([]float64, len(labels))
			for i := range labels {
				residuals[i] = targets[i] - sigmoid(scores[i])
			}
			tree := &regressionTree{maxDepth: maxDepth}
			if err := tree.fit(features, residuals); err != nil {
				return err
			}
			for i, row := range features {
				step, err := tree.predict(row)
				if err != nil {
					return err
				}
				scores[i] += learningRate * step
			}
			trees = append(trees, tree)
		}
		gb.priors[class] = prior
		gb.stages[class] = trees
	}
	return nil
}

func (gb *GradientBoosting) Predict(features []float64) (int, error) {
	probs, err := gb.PredictProba(features)
	if err != nil {
		return 0, err
	}
	return argmaxClass(probs), nil
}

func (gb *GradientBoosting) PredictProba(features []float64) (map[int]float64, error) {
	if len(gb.stages) == 0 {
		return nil, errors.New("model not trained")
	}

	learningRate := gb.LearningRate
	if learningRate <= 0 {
		learningRate = 0.1
	}

	probs := make(map[int]float64, len(gb.classes))
	total := 0.0
	for _, class := range gb.classes {
		score := gb.priors[class]
		for _, tree := range gb.stages[class] {
			step, err := tree.predict(features)
			if err != nil {
				return nil, err
			}
			score += learningRate * step
		}
		p := sigmoid(score)
		probs[class] = p
		total += p
	}
	if total > 0 {
		for class := range probs {
			probs[class] /= total
		}
	}
	return probs, nil
}

func distinctLabels(labels []int) []int {
	seen := make(map[int]bool)
	var classes []int
	for _, label := range labels {
		if !seen[label] {
			seen[label] = true
			classes = append(classes, label)
		}
	}
	// Insertion-sort keeps class order deterministic across fits.
	for i := 1; i < len(classes); i++ {
		j := i
		for j > 0 && classes[j-1] > classes[j] {
			classes[j-1], classes[j] = classes[j], classes[j-1]
			j--
		}
	}
	return classes
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func logit(p float64) float64 {
	const eps = 1e-6
	if p < eps {
		p = eps
	}
	if p > 1-eps {
		p = 1 - eps
	}
	return math.Log(p / (1 - p))
}

package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// Supported algorithm identifiers. The set is closed; anything else is
// rejected with ErrUnknownAlgorithm.
const (
	AlgorithmRandomForest     = "rf"
	AlgorithmGradientBoosting = "gbc"
)

var (
	ErrUnknownAlgorithm = errors.New("unknown algorithm")
	ErrInvalidInput     = errors.New("invalid training input")
)

// Classifier is the contract shared by the supported model families.
type Classifier interface {
	Fit(features [][]float64, labels []int) error
	Predict(features []float64) (int, error)
	PredictProba(features []float64) (map[int]float64, error)
}

// NewClassifier maps an algorithm identifier to a fresh classifier.
func NewClassifier(algorithm string) (Classifier, error) {
	switch algorithm {
	case AlgorithmRandomForest:
		return &RandomForest{}, nil
	case AlgorithmGradientBoosting:
		return &GradientBoosting{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
}

// Learner owns one classifier and its accumulated training set. Teach keeps
// the full history and refits on the union: the batch estimators here have
// no true partial-fit primitive, and refitting only on the newest batch
// would forget everything taught before it.
//
// The embedded mutex serializes mutation and prediction per learner, so one
// session's concurrent requests never race on the classifier.
type Learner struct {
	mu        sync.Mutex
	algorithm string
	clf       Classifier
	features  [][]float64
	labels    []int
}

// NewLearner constructs the classifier for algorithm and performs the
// initial fit on the given samples.
func NewLearner(algorithm string, features [][]float64, labels []int) (*Learner, error) {
	if err := validateBatch(features, labels); err != nil {
		return nil, err
	}
	clf, err := NewClassifier(algorithm)
	if err != nil {
		return nil, err
	}
	learner := &Learner{
		algorithm: algorithm,
		clf:       clf,
		features:  copyFeatures(features),
		labels:    append([]int(nil), labels...),
	}
	if err := clf.Fit(learner.features, learner.labels); err != nil {
		return nil, err
	}
	return learner, nil
}

func (l *Learner) Algorithm() string {
	return l.algorithm
}

// Teach folds one more batch into the training set, refits, and returns the
// in-sample accuracy on the just-supplied batch. That score is a diagnostic,
// not a generalization estimate.
func (l *Learner) Teach(features [][]float64, labels []int) (float64, error) {
	if err := validateBatch(features, labels); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(features[0]) != len(l.features[0]) {
		return 0, fmt.Errorf("%w: expected %d features per row, got %d",
			ErrInvalidInput, len(l.features[0]), len(features[0]))
	}

	l.features = append(l.features, copyFeatures(features)...)
	l.labels = append(l.labels, labels...)
	if err := l.clf.Fit(l.features, l.labels); err != nil {
		return 0, err
	}
	return l.scoreLocked(features, labels)
}

// Score reports accuracy against the given reference set.
func (l *Learner) Score(features [][]float64, labels []int) (float64, error) {
	if err := validateBatch(features, labels); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scoreLocked(features, labels)
}

func (l *Learner) scoreLocked(features [][]float64, labels []int) (float64, error) {
	correct := 0
	for i, row := range features {
		predicted, err := l.clf.Predict(row)
		if err != nil {
			return 0, err
		}
		if predicted == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(labels)), nil
}

// Predict returns one label per row.
func (l *Learner) Predict(features [][]float64) ([]int, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("%w: no feature rows", ErrInvalidInput)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	predictions := make([]int, len(features))
	for i, row := range features {
		label, err := l.clf.Predict(row)
		if err != nil {
			return nil, err
		}
		predictions[i] = label
	}
	return predictions, nil
}

// PredictProba returns the class-probability distribution for a single row.
func (l *Learner) PredictProba(features []float64) (map[int]float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clf.PredictProba(features)
}

// SampleCount reports the size of the accumulated training set.
func (l *Learner) SampleCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.labels)
}

type learnerSnapshot struct {
	Algorithm string      `json:"algorithm"`
	Features  [][]float64 `json:"features"`
	Labels    []int       `json:"labels"`
}

// Save writes the learner's algorithm and training history to path. The
// classifier itself is not serialized; LoadLearner refits from the data.
func (l *Learner) Save(path string) error {
	l.mu.Lock()
	snapshot := learnerSnapshot{
		Algorithm: l.algorithm,
		Features:  copyFeatures(l.features),
		Labels:    append([]int(nil), l.labels...),
	}
	l.mu.Unlock()

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

// LoadLearner restores a learner saved with Save.
func LoadLearner(path string) (*Learner, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snapshot learnerSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, err
	}
	return NewLearner(snapshot.Algorithm, snapshot.Features, snapshot.Labels)
}

func validateBatch(features [][]float64, labels []int) error {
	if len(features) == 0 || len(labels) == 0 {
		return fmt.Errorf("%w: features and labels must be non-empty", ErrInvalidInput)
	}
	if len(features) != len(labels) {
		return fmt.Errorf("%w: %d feature rows vs %d labels", ErrInvalidInput, len(features), len(labels))
	}
	width := len(features[0])
	if width == 0 {
		return fmt.Errorf("%w: empty feature row", ErrInvalidInput)
	}
	for i, row := range features {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d features, expected %d", ErrInvalidInput, i, len(row), width)
		}
	}
	return nil
}

func copyFeatures(features [][]float64) [][]float64 {
	out := make([][]float64, len(features))
	for i, row := range features {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

package ml

// Active-learning decision policy: ask for a label when the model is not
// confident enough about a candidate.

const (
	DecisionLabel      = "label"
	DecisionDoNotLabel = "do-not-label"

	// DefaultThreshold applies when the caller does not supply one.
	DefaultThreshold = 0.5
)

// UncertaintyResult is the outcome of one sampling decision.
type UncertaintyResult struct {
	Uncertainty float64 `json:"uncertainty"`
	Decision    string  `json:"decision"`
}

// Evaluate scores one candidate feature row against the learner. Uncertainty
// is 1 minus the top class probability; the decision is to label when
// uncertainty exceeds the threshold. A nil learner (no successful train yet)
// is maximally uncertain and always asks for the label.
func Evaluate(learner *Learner, candidate []float64, threshold float64) (UncertaintyResult, error) {
	if learner == nil {
		return UncertaintyResult{Uncertainty: 1.0, Decision: DecisionLabel}, nil
	}

	probs, err := learner.PredictProba(candidate)
	if err != nil {
		return UncertaintyResult{}, err
	}

	best := 0.0
	for _, prob := range probs {
		if prob > best {
			best = prob
		}
	}

	result := UncertaintyResult{Uncertainty: 1 - best, Decision: DecisionDoNotLabel}
	if result.Uncertainty > threshold {
		result.Decision = DecisionLabel
	}
	return result, nil
}

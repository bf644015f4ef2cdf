// Package service implements the session gating protocol: every train or
// label call is validated against the ledger and the payment gateway before
// any compute runs, and the ledger is incremented exactly once after the
// compute succeeds.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"alsats/config"
	"alsats/lightning"
	"alsats/ml"
	"alsats/monitoring"
	"alsats/session"
)

var ErrInvalidIterationCount = errors.New("num_iterations must be greater than zero")

// InvalidSessionError rejects a gated call before any compute: the session
// is absent, unpaid, or out of iterations. The ledger is never touched.
type InvalidSessionError struct {
	CompletedIterations int
}

func (e *InvalidSessionError) Error() string {
	return "invalid session"
}

// ComputeError marks a failure inside the gated operation. The iteration is
// not charged; Remaining tells the client what is still available.
type ComputeError struct {
	Remaining int
	Err       error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("compute failed: %v", e.Err)
}

func (e *ComputeError) Unwrap() error {
	return e.Err
}

// PaymentGateway is the service's view of the Lightning node.
type PaymentGateway interface {
	CreateInvoice(ctx context.Context, sats int64, memo string) (lightning.Invoice, error)
	InvoicePaid(ctx context.Context, preimage string) (bool, error)
}

// Ledger is the service's view of the session store.
type Ledger interface {
	Create(id, sessionType, paymentRequest, rHash string, numIterations int) (session.Session, error)
	Get(id string) (session.Session, error)
	Increment(id string) (session.Session, error)
}

// Pricing supplies the current billing parameters.
type Pricing interface {
	Params() config.SystemParams
}

// EventPublisher receives session lifecycle events; monitoring.Hub
// implements it.
type EventPublisher interface {
	Publish(eventType monitoring.EventType, payload interface{})
}

// Orchestrator composes the ledger, the payment gateway, the model cache and
// the samplers into the gated train/label loop.
type Orchestrator struct {
	ledger  Ledger
	gateway PaymentGateway
	cache   *ml.ModelCache
	pricing Pricing
	stats   *monitoring.Stats
	events  EventPublisher
	log     *zap.Logger
}

func New(ledger Ledger, gateway PaymentGateway, cache *ml.ModelCache, pricing Pricing,
	stats *monitoring.Stats, events EventPublisher, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		ledger:  ledger,
		gateway: gateway,
		cache:   cache,
		pricing: pricing,
		stats:   stats,
		events:  events,
		log:     logger,
	}
}

// InitResult is returned by session initialization. PaymentRequest travels
// back as a response header, not in the body.
type InitResult struct {
	SessionID      string
	StartTime      string
	PaymentRequest string
}

// InitializeIterations opens an iterations-mode session: the invoice amount
// is the per-iteration price times the purchased quota, with the session id
// as memo.
func (o *Orchestrator) InitializeIterations(ctx context.Context, numIterations int) (InitResult, error) {
	if numIterations <= 0 {
		return InitResult{}, ErrInvalidIterationCount
	}
	params := o.pricing.Params()
	sats := params.PricePerIteration * int64(numIterations)
	return o.initialize(ctx, session.TypeIterations, numIterations, sats)
}

// InitializeContinuous opens a continuous-mode session: a fixed price buys
// the quota configured in the system parameters.
func (o *Orchestrator) InitializeContinuous(ctx context.Context) (InitResult, error) {
	params := o.pricing.Params()
	quota := params.ContinuousModeIterations
	if quota <= 0 {
		return InitResult{}, ErrInvalidIterationCount
	}
	return o.initialize(ctx, session.TypeContinuous, quota, params.ContinuousModeFixedPayment)
}

func (o *Orchestrator) initialize(ctx context.Context, sessionType string, numIterations int, sats int64) (InitResult, error) {
	id := session.NewID()
	invoice, err := o.gateway.CreateInvoice(ctx, sats, id)
	if err != nil {
		return InitResult{}, fmt.Errorf("failed to create invoice: %w", err)
	}

	sess, err := o.ledger.Create(id, sessionType, invoice.PaymentRequest, invoice.RHash, numIterations)
	if err != nil {
		return InitResult{}, err
	}

	o.stats.IncSessionsCreated()
	o.publish(monitoring.EventSessionCreated, map[string]interface{}{
		"session_id":     sess.SessionID,
		"session_type":   sess.SessionType,
		"num_iterations": sess.NumIterations,
	})
	o.log.Info("session initialized",
		zap.String("session_id", sess.SessionID),
		zap.String("session_type", sess.SessionType),
		zap.Int("num_iterations", sess.NumIterations),
		zap.Int64("sats", sats))

	return InitResult{
		SessionID:      sess.SessionID,
		StartTime:      sess.StartTime.Format(time.RFC3339),
		PaymentRequest: sess.PaymentRequest,
	}, nil
}

// ValidityInfo is the outcome of the payment-gated validity check.
type ValidityInfo struct {
	Valid               bool
	CompletedIterations int
	Remaining           int
}

// Validity checks that the session exists, that the preimage hashes to the
// session's own payment hash, that the invoice settled, and that quota
// remains. The hash binding matters: a settled preimage belonging to some
// other invoice must not open this session. A session is valid while
// Remaining() > 0, evaluated before the increment: the call that exhausts
// the quota is the last one accepted. A malformed preimage makes the session
// invalid rather than erroring.
func (o *Orchestrator) Validity(ctx context.Context, sessionID, preimage string) (ValidityInfo, error) {
	sess, err := o.ledger.Get(sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return ValidityInfo{}, nil
	}
	if err != nil {
		return ValidityInfo{}, err
	}

	info := ValidityInfo{
		CompletedIterations: sess.CompletedIterations,
		Remaining:           sess.Remaining(),
	}

	matched, err := lightning.PreimageMatches(preimage, sess.RHash)
	if errors.Is(err, lightning.ErrMalformedPreimage) {
		return info, nil
	}
	if err != nil {
		return ValidityInfo{}, err
	}
	if !matched {
		return info, nil
	}

	paid, err := o.gateway.InvoicePaid(ctx, preimage)
	if errors.Is(err, lightning.ErrMalformedPreimage) {
		return info, nil
	}
	if err != nil {
		return ValidityInfo{}, fmt.Errorf("payment verification failed: %w", err)
	}

	info.Valid = paid && sess.Remaining() > 0
	return info, nil
}

// TrainRequest is one training batch.
type TrainRequest struct {
	Algorithm string
	XTrain    [][]float64
	YTrain    []int
}

// TrainResult is the successful outcome of one gated /train call.
type TrainResult struct {
	Message             string
	Score               float64
	RemainingIterations int
	PredictedLabels     []int
}

// Train runs one gated training iteration: validate, initialize or teach the
// session's learner, then charge the iteration. The first successful train
// creates the learner; later trains fold the batch into it.
func (o *Orchestrator) Train(ctx context.Context, sessionID, preimage string, req TrainRequest) (TrainResult, error) {
	info, err := o.Validity(ctx, sessionID, preimage)
	if err != nil {
		return TrainResult{}, err
	}
	if !info.Valid {
		o.reject(sessionID, "train")
		return TrainResult{}, &InvalidSessionError{CompletedIterations: info.CompletedIterations}
	}

	learner, ok := o.cache.Get(sessionID)
	var score float64
	if !ok {
		learner, err = ml.NewLearner(req.Algorithm, req.XTrain, req.YTrain)
		if errors.Is(err, ml.ErrUnknownAlgorithm) {
			// Client error, not a compute failure: surface it unwrapped.
			return TrainResult{}, err
		}
		if err != nil {
			return TrainResult{}, o.computeFailed(sessionID, info, err)
		}
		o.cache.Put(sessionID, learner)
		score, err = learner.Score(req.XTrain, req.YTrain)
	} else {
		score, err = learner.Teach(req.XTrain, req.YTrain)
	}
	if err != nil {
		return TrainResult{}, o.computeFailed(sessionID, info, err)
	}

	predictions, err := learner.Predict(req.XTrain)
	if err != nil {
		return TrainResult{}, o.computeFailed(sessionID, info, err)
	}

	sess, err := o.ledger.Increment(sessionID)
	if errors.Is(err, session.ErrExhausted) {
		// A concurrent call won the last iteration between the validity
		// check and the charge.
		return TrainResult{}, o.quotaExceeded(sessionID, "train", info)
	}
	if err != nil {
		return TrainResult{}, err
	}

	o.stats.IncIterationsCharged()
	o.publish(monitoring.EventTrainCompleted, map[string]interface{}{
		"session_id":           sess.SessionID,
		"score":                score,
		"completed_iterations": sess.CompletedIterations,
		"samples":              learner.SampleCount(),
	})
	o.log.Info("train iteration completed",
		zap.String("session_id", sess.SessionID),
		zap.Float64("score", score),
		zap.Int("completed_iterations", sess.CompletedIterations))

	return TrainResult{
		Message: fmt.Sprintf("Train successful, %d compute iterations completed, %d iterations remaining",
			sess.CompletedIterations, sess.Remaining()),
		Score:               score,
		RemainingIterations: sess.Remaining(),
		PredictedLabels:     predictions,
	}, nil
}

// LabelRequest is one labeling candidate. Threshold overrides the default
// uncertainty threshold when set.
type LabelRequest struct {
	XLabel    [][]float64
	Threshold *float64
}

// LabelResult is the successful outcome of one gated /label call.
// PredictedLabel is nil while the session has no trained model.
type LabelResult struct {
	Message             string
	Decision            string
	Uncertainty         float64
	RemainingIterations int
	PredictedLabel      *int
}

// Label runs one gated sampling iteration: validate, score the candidate's
// uncertainty against the session's learner (or the maximal default when no
// model exists yet), then charge the iteration.
func (o *Orchestrator) Label(ctx context.Context, sessionID, preimage string, req LabelRequest) (LabelResult, error) {
	if len(req.XLabel) != 1 {
		return LabelResult{}, fmt.Errorf("%w: x_label must contain exactly one feature row", ml.ErrInvalidInput)
	}

	info, err := o.Validity(ctx, sessionID, preimage)
	if err != nil {
		return LabelResult{}, err
	}
	if !info.Valid {
		o.reject(sessionID, "label")
		return LabelResult{}, &InvalidSessionError{CompletedIterations: info.CompletedIterations}
	}

	threshold := ml.DefaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	// The cache miss case is legitimate here: labeling before any train
	// returns maximal uncertainty.
	learner, _ := o.cache.Get(sessionID)

	result, err := ml.Evaluate(learner, req.XLabel[0], threshold)
	if err != nil {
		return LabelResult{}, o.computeFailed(sessionID, info, err)
	}

	var predicted *int
	if learner != nil {
		predictions, err := learner.Predict(req.XLabel)
		if err != nil {
			return LabelResult{}, o.computeFailed(sessionID, info, err)
		}
		predicted = &predictions[0]
	}

	sess, err := o.ledger.Increment(sessionID)
	if errors.Is(err, session.ErrExhausted) {
		return LabelResult{}, o.quotaExceeded(sessionID, "label", info)
	}
	if err != nil {
		return LabelResult{}, err
	}

	o.stats.IncIterationsCharged()
	o.publish(monitoring.EventLabelDecision, map[string]interface{}{
		"session_id":           sess.SessionID,
		"decision":             result.Decision,
		"uncertainty":          result.Uncertainty,
		"completed_iterations": sess.CompletedIterations,
	})
	o.log.Info("label iteration completed",
		zap.String("session_id", sess.SessionID),
		zap.String("decision", result.Decision),
		zap.Float64("uncertainty", result.Uncertainty))

	return LabelResult{
		Message: fmt.Sprintf("Label decision computed, %d compute iterations completed, %d iterations remaining",
			sess.CompletedIterations, sess.Remaining()),
		Decision:            result.Decision,
		Uncertainty:         result.Uncertainty,
		RemainingIterations: sess.Remaining(),
		PredictedLabel:      predicted,
	}, nil
}

func (o *Orchestrator) computeFailed(sessionID string, info ValidityInfo, err error) error {
	o.stats.IncComputeFailures()
	o.log.Error("compute failed",
		zap.String("session_id", sessionID), zap.Error(err))
	return &ComputeError{Remaining: info.Remaining, Err: err}
}

func (o *Orchestrator) quotaExceeded(sessionID, operation string, info ValidityInfo) *InvalidSessionError {
	o.reject(sessionID, operation)
	completed := info.CompletedIterations
	if sess, err := o.ledger.Get(sessionID); err == nil {
		completed = sess.CompletedIterations
	}
	return &InvalidSessionError{CompletedIterations: completed}
}

func (o *Orchestrator) reject(sessionID, operation string) {
	o.stats.IncRejectedRequests()
	o.publish(monitoring.EventRequestRejected, map[string]interface{}{
		"session_id": sessionID,
		"operation":  operation,
	})
}

func (o *Orchestrator) publish(eventType monitoring.EventType, payload interface{}) {
	if o.events != nil {
		o.events.Publish(eventType, payload)
	}
}

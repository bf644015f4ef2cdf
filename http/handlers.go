package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"alsats/ml"
	"alsats/monitoring"
	"alsats/service"
)

// Handlers maps the HTTP surface onto the orchestrator. All status-code
// decisions live here; the layers below return typed errors.
type Handlers struct {
	svc   *service.Orchestrator
	hub   *monitoring.Hub
	stats *monitoring.Stats
	log   *zap.Logger
}

func NewHandlers(svc *service.Orchestrator, hub *monitoring.Hub, stats *monitoring.Stats, logger *zap.Logger) *Handlers {
	return &Handlers{svc: svc, hub: hub, stats: stats, log: logger}
}

func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.handleHome)
	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("POST /pay/initialize", h.handleInitializeContinuous)
	mux.HandleFunc("POST /pay/initialize/{num_iterations}", h.handleInitializeIterations)
	mux.HandleFunc("POST /train/{session_id}", h.handleTrain)
	mux.HandleFunc("POST /label/{session_id}", h.handleLabel)
	mux.HandleFunc("GET /session_info/{session_id}/{preimage}", h.handleSessionInfo)
	mux.HandleFunc("GET /api/stats", h.handleStats)
	if h.hub != nil {
		mux.HandleFunc("GET /api/ws/events", h.hub.HandleWebSocket)
	}
}

// Wire types. Requests carry nested numeric arrays only; string-encoded
// feature rows are rejected by the JSON decoder.

type trainParams struct {
	Algorithm string      `json:"algorithm"`
	XTrain    [][]float64 `json:"x_train"`
	YTrain    []int       `json:"y_train"`
}

type labelParams struct {
	Algorithm string      `json:"algorithm"`
	XLabel    [][]float64 `json:"x_label"`
	Threshold *float64    `json:"threshold,omitempty"`
}

type initializeResponse struct {
	SessionID string `json:"session_id"`
	StartTime string `json:"start_time"`
}

type trainResponse struct {
	Message             string  `json:"message"`
	Score               float64 `json:"score"`
	RemainingIterations []int   `json:"remaining_iterations"`
	PredictedLabel      []int   `json:"predicted_label"`
}

type labelResponse struct {
	Message             string    `json:"message"`
	Decision            string    `json:"decision"`
	Uncertainty         []float64 `json:"uncertainty"`
	RemainingIterations []int     `json:"remaining_iterations"`
	PredictedLabel      *int      `json:"predicted_label"`
}

type sessionInfoResponse struct {
	ValidSession        bool `json:"valid_session"`
	CompletedIterations int  `json:"completed_iterations"`
}

func (h *Handlers) handleHome(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"ALsats": "Intelligent labeling. For just a few sats.",
	})
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleInitializeIterations(w http.ResponseWriter, r *http.Request) {
	numIterations, err := strconv.Atoi(r.PathValue("num_iterations"))
	if err != nil || numIterations <= 0 {
		errorJSON(w, http.StatusBadRequest, "Must pass num_iterations greater than zero.")
		return
	}

	result, err := h.svc.InitializeIterations(r.Context(), numIterations)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("payment_request", result.PaymentRequest)
	respondJSON(w, http.StatusOK, initializeResponse{
		SessionID: result.SessionID,
		StartTime: result.StartTime,
	})
}

func (h *Handlers) handleInitializeContinuous(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.InitializeContinuous(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("payment_request", result.PaymentRequest)
	respondJSON(w, http.StatusOK, initializeResponse{
		SessionID: result.SessionID,
		StartTime: result.StartTime,
	})
}

func (h *Handlers) handleTrain(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		errorJSON(w, http.StatusBadRequest, "Need valid session ID field")
		return
	}
	preimage := r.Header.Get("preimage")
	if preimage == "" {
		errorJSON(w, http.StatusBadRequest, "Need valid preimage")
		return
	}

	var params trainParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		errorJSON(w, http.StatusBadRequest, `Pass a JSON containing all following fields: "x_train", "y_train"`)
		return
	}
	if len(params.XTrain) == 0 || len(params.YTrain) == 0 {
		errorJSON(w, http.StatusBadRequest, `Pass a JSON containing all following fields: "x_train", "y_train"`)
		return
	}
	algorithm := params.Algorithm
	if algorithm == "" {
		algorithm = ml.AlgorithmRandomForest
	}

	result, err := h.svc.Train(r.Context(), sessionID, preimage, service.TrainRequest{
		Algorithm: algorithm,
		XTrain:    params.XTrain,
		YTrain:    params.YTrain,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, trainResponse{
		Message:             result.Message,
		Score:               result.Score,
		RemainingIterations: []int{result.RemainingIterations},
		PredictedLabel:      result.PredictedLabels,
	})
}

func (h *Handlers) handleLabel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		errorJSON(w, http.StatusBadRequest, "Need valid session ID field")
		return
	}
	preimage := r.Header.Get("preimage")
	if preimage == "" {
		errorJSON(w, http.StatusBadRequest, "Need valid preimage")
		return
	}

	var params labelParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		errorJSON(w, http.StatusBadRequest, `Pass a JSON containing all following fields: "x_label"`)
		return
	}
	if len(params.XLabel) == 0 {
		errorJSON(w, http.StatusBadRequest, `Pass a JSON containing all following fields: "x_label"`)
		return
	}
	if len(params.XLabel) != 1 {
		errorJSON(w, http.StatusBadRequest, "x_label must contain exactly one feature row")
		return
	}

	result, err := h.svc.Label(r.Context(), sessionID, preimage, service.LabelRequest{
		XLabel:    params.XLabel,
		Threshold: params.Threshold,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, labelResponse{
		Message:             result.Message,
		Decision:            result.Decision,
		Uncertainty:         []float64{result.Uncertainty},
		RemainingIterations: []int{result.RemainingIterations},
		PredictedLabel:      result.PredictedLabel,
	})
}

func (h *Handlers) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	preimage := r.PathValue("preimage")
	if sessionID == "" || preimage == "" {
		errorJSON(w, http.StatusBadRequest, "Need valid session ID and preimage")
		return
	}

	info, err := h.svc.Validity(r.Context(), sessionID, preimage)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, sessionInfoResponse{
		ValidSession:        info.Valid,
		CompletedIterations: info.CompletedIterations,
	})
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.stats.Snapshot())
}

// writeServiceError maps orchestrator errors to status codes. Business
// rejections stay 4xx; compute and persistence failures are 5xx, and both
// tell the client it was not charged.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	var invalidSession *service.InvalidSessionError
	var computeErr *service.ComputeError
	switch {
	case errors.As(err, &invalidSession):
		errorJSON(w, http.StatusBadRequest,
			"Invalid Session. Either the session has no iterations remaining or payment preimage is not valid")
	case errors.Is(err, service.ErrInvalidIterationCount):
		errorJSON(w, http.StatusBadRequest, "Must pass num_iterations greater than zero.")
	case errors.Is(err, ml.ErrUnknownAlgorithm):
		errorJSON(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &computeErr):
		errorJSON(w, http.StatusInternalServerError,
			fmt.Sprintf("Compute failed. You still have %d compute iterations remaining", computeErr.Remaining))
	// Checked after ComputeError: a dimension mismatch inside a charged
	// operation stays a 500, only bare input validation maps to 400.
	case errors.Is(err, ml.ErrInvalidInput):
		errorJSON(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("request failed", zap.Error(err))
		errorJSON(w, http.StatusInternalServerError, "internal server error")
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func errorJSON(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, map[string]string{"error": detail})
}

package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"alsats/config"
	"alsats/lightning"
	"alsats/ml"
	"alsats/monitoring"
	"alsats/service"
	"alsats/session"
)

type memLedger struct {
	mu       sync.Mutex
	sessions map[string]session.Session
}

func (l *memLedger) Create(id, sessionType, paymentRequest, rHash string, numIterations int) (session.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess := session.Session{
		SessionID:      id,
		SessionType:    sessionType,
		PaymentRequest: paymentRequest,
		RHash:          rHash,
		NumIterations:  numIterations,
		StartTime:      time.Now().UTC(),
	}
	l.sessions[id] = sess
	return sess, nil
}

func (l *memLedger) Get(id string) (session.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess, ok := l.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return sess, nil
}

func (l *memLedger) Increment(id string) (session.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess, ok := l.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	sess.CompletedIterations++
	l.sessions[id] = sess
	return sess, nil
}

// memGateway mints one preimage per invoice and settles by payment hash,
// mirroring a real node.
type memGateway struct {
	mu        sync.Mutex
	preimages map[string]string
	settled   map[string]bool
}

func (g *memGateway) CreateInvoice(ctx context.Context, sats int64, memo string) (lightning.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	preimage := sha256.Sum256([]byte(memo))
	rHash := sha256.Sum256(preimage[:])
	g.preimages[memo] = hex.EncodeToString(preimage[:])
	return lightning.Invoice{
		PaymentRequest: "lnbc1invoice",
		RHash:          base64.StdEncoding.EncodeToString(rHash[:]),
	}, nil
}

func (g *memGateway) InvoicePaid(ctx context.Context, preimage string) (bool, error) {
	raw, err := lightning.DecodePreimage(preimage)
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256(raw)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.settled[hex.EncodeToString(sum[:])], nil
}

func (g *memGateway) settle(preimage string) {
	raw, err := lightning.DecodePreimage(preimage)
	if err != nil {
		panic(err)
	}
	sum := sha256.Sum256(raw)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settled[hex.EncodeToString(sum[:])] = true
}

func (g *memGateway) preimageFor(sessionID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.preimages[sessionID]
}

type staticPricing struct{}

func (staticPricing) Params() config.SystemParams {
	return config.SystemParams{
		PricePerIteration:          100,
		ContinuousModeIterations:   50,
		ContinuousModeFixedPayment: 4000,
	}
}

type testEnv struct {
	mux     *http.ServeMux
	gateway *memGateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cache, err := ml.NewModelCache(8, "", zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gateway := &memGateway{preimages: make(map[string]string), settled: make(map[string]bool)}
	svc := service.New(
		&memLedger{sessions: make(map[string]session.Session)},
		gateway, cache, staticPricing{},
		monitoring.NewStats(), nil, zap.NewNop())

	mux := http.NewServeMux()
	NewHandlers(svc, nil, monitoring.NewStats(), zap.NewNop()).Register(mux)
	return &testEnv{mux: mux, gateway: gateway}
}

func (e *testEnv) do(t *testing.T, method, path, preimage string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if preimage != "" {
		req.Header.Set("preimage", preimage)
	}
	recorder := httptest.NewRecorder()
	e.mux.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.NewDecoder(recorder.Body).Decode(out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func (e *testEnv) newSession(t *testing.T, iterations int) (string, string) {
	t.Helper()
	recorder := e.do(t, http.MethodPost, fmt.Sprintf("/pay/initialize/%d", iterations), "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("initialize returned status %d: %s", recorder.Code, recorder.Body.String())
	}
	var body struct {
		SessionID string `json:"session_id"`
	}
	decodeBody(t, recorder, &body)

	preimage := e.gateway.preimageFor(body.SessionID)
	e.gateway.settle(preimage)
	return body.SessionID, preimage
}

var (
	testTrainBody = map[string]interface{}{
		"algorithm": "rf",
		"x_train":   [][]float64{{0, 0}, {0.5, 0.5}, {10, 10}, {9.5, 10.5}},
		"y_train":   []int{0, 0, 1, 1},
	}
)

func TestHomeRoute(t *testing.T) {
	env := newTestEnv(t)
	recorder := env.do(t, http.MethodGet, "/", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "ALsats") {
		t.Fatalf("unexpected body: %s", recorder.Body.String())
	}
}

func TestHealthRoute(t *testing.T) {
	env := newTestEnv(t)
	recorder := env.do(t, http.MethodGet, "/api/health", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
}

func TestInitializeIterationsRoute(t *testing.T) {
	env := newTestEnv(t)
	recorder := env.do(t, http.MethodPost, "/pay/initialize/10", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if recorder.Header().Get("payment_request") != "lnbc1invoice" {
		t.Fatal("expected payment_request header on initialize response")
	}

	var body struct {
		SessionID string `json:"session_id"`
		StartTime string `json:"start_time"`
	}
	decodeBody(t, recorder, &body)
	if body.SessionID == "" || body.StartTime == "" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestInitializeRejectsBadCount(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/pay/initialize/0", "/pay/initialize/-3", "/pay/initialize/abc"} {
		recorder := env.do(t, http.MethodPost, path, "", nil)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status 400, got %d", path, recorder.Code)
		}
		if !strings.Contains(recorder.Body.String(), "Must pass num_iterations greater than zero.") {
			t.Fatalf("%s: unexpected body: %s", path, recorder.Body.String())
		}
	}
}

func TestInitializeContinuousRoute(t *testing.T) {
	env := newTestEnv(t)
	recorder := env.do(t, http.MethodPost, "/pay/initialize", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if recorder.Header().Get("payment_request") == "" {
		t.Fatal("expected payment_request header")
	}
}

func TestTrainRoute(t *testing.T) {
	env := newTestEnv(t)
	id, preimage := env.newSession(t, 5)

	recorder := env.do(t, http.MethodPost, "/train/"+id, preimage, testTrainBody)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var body struct {
		Message             string  `json:"message"`
		Score               float64 `json:"score"`
		RemainingIterations []int   `json:"remaining_iterations"`
		PredictedLabel      []int   `json:"predicted_label"`
	}
	decodeBody(t, recorder, &body)
	if len(body.RemainingIterations) != 1 || body.RemainingIterations[0] != 4 {
		t.Fatalf("expected remaining_iterations [4], got %v", body.RemainingIterations)
	}
	if len(body.PredictedLabel) != 4 {
		t.Fatalf("expected 4 predicted labels, got %v", body.PredictedLabel)
	}
	if !strings.Contains(body.Message, "Train successful") {
		t.Fatalf("unexpected message: %s", body.Message)
	}
}

func TestTrainRequiresPreimage(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.newSession(t, 5)

	recorder := env.do(t, http.MethodPost, "/train/"+id, "", testTrainBody)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "Need valid preimage") {
		t.Fatalf("unexpected body: %s", recorder.Body.String())
	}
}

func TestTrainRequiresBodyFields(t *testing.T) {
	env := newTestEnv(t)
	id, preimage := env.newSession(t, 5)

	recorder := env.do(t, http.MethodPost, "/train/"+id, preimage, map[string]interface{}{
		"algorithm": "rf",
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "x_train") {
		t.Fatalf("unexpected body: %s", recorder.Body.String())
	}
}

func TestTrainUnknownAlgorithm(t *testing.T) {
	env := newTestEnv(t)
	id, preimage := env.newSession(t, 5)

	body := map[string]interface{}{
		"algorithm": "svm",
		"x_train":   [][]float64{{0, 0}},
		"y_train":   []int{0},
	}
	recorder := env.do(t, http.MethodPost, "/train/"+id, preimage, body)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if !strings.Contains(recorder.Body.String(), "unknown algorithm") {
		t.Fatalf("unexpected body: %s", recorder.Body.String())
	}
}

func TestTrainExhaustedSessionRejected(t *testing.T) {
	env := newTestEnv(t)
	id, preimage := env.newSession(t, 1)

	recorder := env.do(t, http.MethodPost, "/train/"+id, preimage, testTrainBody)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200 on the last iteration, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = env.do(t, http.MethodPost, "/train/"+id, preimage, testTrainBody)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 after quota exhaustion, got %d", recorder.Code)
	}
	want := "Invalid Session. Either the session has no iterations remaining or payment preimage is not valid"
	if !strings.Contains(recorder.Body.String(), want) {
		t.Fatalf("unexpected body: %s", recorder.Body.String())
	}
}

func TestTrainUnpaidSessionRejected(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.newSession(t, 5)

	unpaid := hex.EncodeToString(make([]byte, 32))
	recorder := env.do(t, http.MethodPost, "/train/"+id, unpaid, testTrainBody)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "Invalid Session") {
		t.Fatalf("unexpected body: %s", recorder.Body.String())
	}
}

func TestTrainRejectsForeignPreimage(t *testing.T) {
	env := newTestEnv(t)
	_, paidPreimage := env.newSession(t, 1)

	recorder := env.do(t, http.MethodPost, "/pay/initialize/100", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("initialize returned status %d", recorder.Code)
	}
	var body struct {
		SessionID string `json:"session_id"`
	}
	decodeBody(t, recorder, &body)

	// A settled preimage for a different invoice must not open this session.
	recorder = env.do(t, http.MethodPost, "/train/"+body.SessionID, paidPreimage, testTrainBody)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if !strings.Contains(recorder.Body.String(), "Invalid Session") {
		t.Fatalf("unexpected body: %s", recorder.Body.String())
	}
}

func TestLabelBeforeTrainRoute(t *testing.T) {
	env := newTestEnv(t)
	id, preimage := env.newSession(t, 5)

	recorder := env.do(t, http.MethodPost, "/label/"+id, preimage, map[string]interface{}{
		"x_label": [][]float64{{5, 5}},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var body struct {
		Decision            string    `json:"decision"`
		Uncertainty         []float64 `json:"uncertainty"`
		RemainingIterations []int     `json:"remaining_iterations"`
		PredictedLabel      *int      `json:"predicted_label"`
	}
	decodeBody(t, recorder, &body)
	if body.Decision != "label" {
		t.Fatalf("expected decision %q, got %q", "label", body.Decision)
	}
	if len(body.Uncertainty) != 1 || body.Uncertainty[0] != 1.0 {
		t.Fatalf("expected uncertainty [1], got %v", body.Uncertainty)
	}
	if body.PredictedLabel != nil {
		t.Fatalf("expected null predicted_label, got %d", *body.PredictedLabel)
	}
	if len(body.RemainingIterations) != 1 || body.RemainingIterations[0] != 4 {
		t.Fatalf("expected remaining_iterations [4], got %v", body.RemainingIterations)
	}
}

func TestLabelAfterTrainRoute(t *testing.T) {
	env := newTestEnv(t)
	id, preimage := env.newSession(t, 5)

	if recorder := env.do(t, http.MethodPost, "/train/"+id, preimage, testTrainBody); recorder.Code != http.StatusOK {
		t.Fatalf("train returned status %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder := env.do(t, http.MethodPost, "/label/"+id, preimage, map[string]interface{}{
		"x_label": [][]float64{{0.1, 0.2}},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var body struct {
		Decision       string `json:"decision"`
		PredictedLabel *int   `json:"predicted_label"`
	}
	decodeBody(t, recorder, &body)
	if body.PredictedLabel == nil || *body.PredictedLabel != 0 {
		t.Fatalf("expected predicted_label 0, got %v", body.PredictedLabel)
	}
	if body.Decision != "do-not-label" {
		t.Fatalf("expected a confident decision, got %q", body.Decision)
	}
}

func TestLabelRejectsMultipleRows(t *testing.T) {
	env := newTestEnv(t)
	id, preimage := env.newSession(t, 5)

	recorder := env.do(t, http.MethodPost, "/label/"+id, preimage, map[string]interface{}{
		"x_label": [][]float64{{1, 2}, {3, 4}},
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "exactly one feature row") {
		t.Fatalf("unexpected body: %s", recorder.Body.String())
	}
}

func TestSessionInfoRoute(t *testing.T) {
	env := newTestEnv(t)
	id, preimage := env.newSession(t, 5)

	recorder := env.do(t, http.MethodGet, fmt.Sprintf("/session_info/%s/%s", id, preimage), "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var body struct {
		ValidSession        bool `json:"valid_session"`
		CompletedIterations int  `json:"completed_iterations"`
	}
	decodeBody(t, recorder, &body)
	if !body.ValidSession || body.CompletedIterations != 0 {
		t.Fatalf("unexpected body: %+v", body)
	}

	// An unknown session reports invalid rather than erroring.
	recorder = env.do(t, http.MethodGet, "/session_info/missing/"+preimage, "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	decodeBody(t, recorder, &body)
	if body.ValidSession {
		t.Fatal("expected unknown session to report invalid")
	}
}

func TestStatsRoute(t *testing.T) {
	env := newTestEnv(t)
	recorder := env.do(t, http.MethodGet, "/api/stats", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	var body monitoring.StatsSnapshot
	decodeBody(t, recorder, &body)
	if body.Uptime == "" {
		t.Fatal("expected uptime in stats snapshot")
	}
}

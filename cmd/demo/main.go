// Command demo walks the full customer flow against a running alsats
// server: buy a session, pay the invoice out of band, train a seed batch,
// then stream candidates through /label and train on the ones the service
// asks to have labeled.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
)

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
}

func main() {
	server := flag.String("server", "http://localhost:8000", "alsats server base URL")
	iterations := flag.Int("iterations", 10, "compute iterations to purchase")
	flag.Parse()

	sessionID, paymentRequest := initialize(*server, *iterations)
	fmt.Printf("session: %s\n", sessionID)
	fmt.Printf("pay this invoice, then enter the preimage:\n%s\n> ", paymentRequest)

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		log.Fatal("no preimage provided")
	}
	preimage := scanner.Text()

	// Two well-separated clusters seed the model.
	seedX := [][]float64{{0, 0}, {0.5, 0.5}, {10, 10}, {9.5, 10.5}}
	seedY := []int{0, 0, 1, 1}
	train(*server, sessionID, preimage, seedX, seedY)

	// Candidates near the seed clusters should come back confident;
	// the midpoint should trigger a label request.
	candidates := [][]float64{{0.2, 0.3}, {9.8, 10.1}, {5, 5}, {0.4, 0.1}, {10.2, 9.9}}
	truth := []int{0, 1, 1, 0, 1}

	for i, candidate := range candidates {
		decision := label(*server, sessionID, preimage, candidate)
		if decision == "label" {
			fmt.Printf("candidate %v: labeling as %d\n", candidate, truth[i])
			train(*server, sessionID, preimage, [][]float64{candidate}, []int{truth[i]})
		} else {
			fmt.Printf("candidate %v: model is confident, skipping\n", candidate)
		}
	}
}

func initialize(server string, iterations int) (string, string) {
	resp, err := http.Post(fmt.Sprintf("%s/pay/initialize/%d", server, iterations), "application/json", nil)
	if err != nil {
		log.Fatalf("initialize failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("initialize returned status %d", resp.StatusCode)
	}

	var body initializeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Fatalf("initialize decode failed: %v", err)
	}
	return body.SessionID, resp.Header.Get("payment_request")
}

func train(server, sessionID, preimage string, x [][]float64, y []int) {
	payload, _ := json.Marshal(map[string]interface{}{
		"algorithm": "rf",
		"x_train":   x,
		"y_train":   y,
	})
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/train/%s", server, sessionID), bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("train request failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("preimage", preimage)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("train failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("train returned status %d", resp.StatusCode)
	}

	var body trainResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Fatalf("train decode failed: %v", err)
	}
	fmt.Printf("  %s (score %.2f)\n", body.Message, body.Score)
}

func label(server, sessionID, preimage string, candidate []float64) string {
	payload, _ := json.Marshal(map[string]interface{}{
		"algorithm": "rf",
		"x_label":   [][]float64{candidate},
	})
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/label/%s", server, sessionID), bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("label request failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("preimage", preimage)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("label failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("label returned status %d", resp.StatusCode)
	}

	var body labelResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Fatalf("label decode failed: %v", err)
	}
	fmt.Printf("  %s (uncertainty %.2f)\n", body.Decision, body.Uncertainty[0])
	return body.Decision
}

// Package session is the durable ledger of metered compute agreements.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"strconv"
	"time"
)

// Session types. Iterations-mode sessions purchase an explicit quota;
// continuous-mode sessions pay a fixed price for a quota taken from the
// system parameters.
const (
	TypeIterations = "iterations"
	TypeContinuous = "continuous"
)

// Session is one metered agreement between a client and the service.
type Session struct {
	SessionID           string     `json:"session_id"`
	SessionType         string     `json:"session_type"`
	PaymentRequest      string     `json:"payment_request"`
	RHash               string     `json:"r_hash"`
	NumIterations       int        `json:"num_iterations"`
	StartTime           time.Time  `json:"start_time"`
	EndTime             *time.Time `json:"end_time"`
	CompletedIterations int        `json:"completed_iterations"`
}

// Remaining is the single source of truth for the quota arithmetic: the
// number of gated calls the session may still make.
func (s Session) Remaining() int {
	return s.NumIterations - s.CompletedIterations
}

// NewID derives an opaque session identifier from the current time and a
// random salt.
func NewID() string {
	seed := time.Now().Format(time.RFC3339Nano) + strconv.FormatInt(rand.Int63(), 10)
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

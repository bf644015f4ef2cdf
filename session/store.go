package session

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrExhausted = errors.New("session has no iterations remaining")
)

// Store persists sessions in SQLite. Increment is a single conditional SQL
// update, so concurrent callers against the same session id cannot lose
// counts or charge past the purchased quota.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent increments.
	db.SetMaxOpenConns(1)

	query := `
    CREATE TABLE IF NOT EXISTS sessions (
        session_id TEXT PRIMARY KEY,
        session_type TEXT NOT NULL,
        payment_request TEXT NOT NULL,
        r_hash TEXT NOT NULL,
        num_iterations INTEGER NOT NULL,
        start_time DATETIME NOT NULL,
        end_time DATETIME,
        completed_iterations INTEGER NOT NULL DEFAULT 0
    );
    `
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Create persists a fresh session row with zero completed iterations.
func (s *Store) Create(id, sessionType, paymentRequest, rHash string, numIterations int) (Session, error) {
	sess := Session{
		SessionID:      id,
		SessionType:    sessionType,
		PaymentRequest: paymentRequest,
		RHash:          rHash,
		NumIterations:  numIterations,
		StartTime:      time.Now().UTC(),
	}

	_, err := s.db.Exec(`
        INSERT INTO sessions (session_id, session_type, payment_request, r_hash, num_iterations, start_time, completed_iterations)
        VALUES (?, ?, ?, ?, ?, ?, 0)`,
		sess.SessionID, sess.SessionType, sess.PaymentRequest, sess.RHash, sess.NumIterations, sess.StartTime)
	if err != nil {
		return Session{}, fmt.Errorf("failed to persist session: %w", err)
	}
	return sess, nil
}

func (s *Store) Get(id string) (Session, error) {
	var sess Session
	var endTime sql.NullTime
	err := s.db.QueryRow(`
        SELECT session_id, session_type, payment_request, r_hash, num_iterations, start_time, end_time, completed_iterations
        FROM sessions
        WHERE session_id = ?`, id).Scan(
		&sess.SessionID, &sess.SessionType, &sess.PaymentRequest, &sess.RHash,
		&sess.NumIterations, &sess.StartTime, &endTime, &sess.CompletedIterations)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if endTime.Valid {
		sess.EndTime = &endTime.Time
	}
	return sess, nil
}

// Increment atomically adds one completed iteration and returns the updated
// row. The update is conditional on remaining quota: once completed reaches
// num_iterations it returns ErrExhausted, so racing callers at the boundary
// cannot charge past the quota.
func (s *Store) Increment(id string) (Session, error) {
	result, err := s.db.Exec(`
        UPDATE sessions
        SET completed_iterations = completed_iterations + 1
        WHERE session_id = ? AND completed_iterations < num_iterations`, id)
	if err != nil {
		return Session{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Session{}, err
	}
	if affected == 0 {
		if _, err := s.Get(id); errors.Is(err, ErrNotFound) {
			return Session{}, ErrNotFound
		}
		return Session{}, ErrExhausted
	}
	return s.Get(id)
}

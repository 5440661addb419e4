// Package checklist persists checklist-rule state across windows and
// process restarts. A checklist rule is satisfied once and held
// compliant for its validity duration, then expires and must be
// re-verified.
package checklist

import (
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"vigil/internal/log"
	"vigil/internal/policy"
)

// Store is the SQLite-backed checklist state tracker. All methods are
// safe for concurrent use across sessions.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger zerolog.Logger
}

// Open opens (or creates) the checklist database. An empty path keeps
// state in memory only, which still covers a single process lifetime.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening checklist db: %w", err)
	}

	// WAL keeps readers unblocked during session writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}

	s := &Store{db: db, logger: log.WithComponent("checklist")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checklist_state (
			rule_key     TEXT PRIMARY KEY,
			rule_id      TEXT NOT NULL,
			description  TEXT NOT NULL,
			status       TEXT NOT NULL,
			satisfied_at TIMESTAMP,
			expires_at   TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("migrating checklist schema: %w", err)
	}
	return nil
}

// RuleKey derives the stable identity of a checklist rule from its
// description, so the same rule matches across sessions regardless of
// the id assigned in any one policy.
func RuleKey(description string) string {
	sum := md5.Sum([]byte(description))
	return hex.EncodeToString(sum[:])[:8]
}

// Status returns the current checklist status for a rule, flipping
// compliant to expired when the validity window has lapsed.
func (s *Store) Status(rule policy.Rule, now time.Time) (policy.ChecklistStatus, *time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := RuleKey(rule.Description)
	var status string
	var expiresAt sql.NullTime
	err := s.db.QueryRow(
		"SELECT status, expires_at FROM checklist_state WHERE rule_key = ?", key,
	).Scan(&status, &expiresAt)
	if err == sql.ErrNoRows {
		return policy.ChecklistPending, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("reading checklist state: %w", err)
	}

	if status == string(policy.ChecklistCompliant) && expiresAt.Valid && now.After(expiresAt.Time) {
		_, err := s.db.Exec(
			"UPDATE checklist_state SET status = ? WHERE rule_key = ?",
			string(policy.ChecklistExpired), key,
		)
		if err != nil {
			return "", nil, fmt.Errorf("expiring checklist state: %w", err)
		}
		s.logger.Info().Str("rule_key", key).Str("rule_id", rule.ID).Msg("checklist attestation expired")
		return policy.ChecklistExpired, &expiresAt.Time, nil
	}

	var exp *time.Time
	if expiresAt.Valid {
		exp = &expiresAt.Time
	}
	return policy.ChecklistStatus(status), exp, nil
}

// MarkCompliant records that a checklist rule was verified at now,
// valid for the rule's validity duration.
func (s *Store) MarkCompliant(rule policy.Rule, now time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expires := now.Add(time.Duration(rule.ValidityDuration) * time.Second)
	_, err := s.db.Exec(`
		INSERT INTO checklist_state (rule_key, rule_id, description, status, satisfied_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_key) DO UPDATE SET
			rule_id = excluded.rule_id,
			status = excluded.status,
			satisfied_at = excluded.satisfied_at,
			expires_at = excluded.expires_at
	`, RuleKey(rule.Description), rule.ID, rule.Description,
		string(policy.ChecklistCompliant), now, expires)
	if err != nil {
		return time.Time{}, fmt.Errorf("marking checklist compliant: %w", err)
	}
	return expires, nil
}

// MarkPending records that a checklist rule is awaiting verification.
func (s *Store) MarkPending(rule policy.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO checklist_state (rule_key, rule_id, description, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(rule_key) DO UPDATE SET
			rule_id = excluded.rule_id,
			status = excluded.status
	`, RuleKey(rule.Description), rule.ID, rule.Description, string(policy.ChecklistPending))
	if err != nil {
		return fmt.Errorf("marking checklist pending: %w", err)
	}
	return nil
}

// Reset wipes all checklist state, process-wide.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM checklist_state"); err != nil {
		return fmt.Errorf("resetting checklist state: %w", err)
	}
	s.logger.Info().Msg("checklist state reset")
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

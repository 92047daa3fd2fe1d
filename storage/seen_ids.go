package storage

import (
	"errors"
	"fmt"
)

// InsertSeenStanza records a transport stanza ID used for duplicate suppression.
func (s *Store) InsertSeenStanza(stanzaID string, receivedAt int64) error {
	if stanzaID == "" {
		return errors.New("stanza_id is required")
	}
	if receivedAt == 0 {
		receivedAt = nowUnixMilli()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO seen_stanza_ids (stanza_id, received_at)
		VALUES (?, ?)
		ON CONFLICT(stanza_id) DO UPDATE SET received_at = excluded.received_at`,
		stanzaID,
		receivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert seen stanza ID %q: %w", stanzaID, err)
	}

	return nil
}

// HasSeenStanza returns true if a stanza ID has already been recorded.
func (s *Store) HasSeenStanza(stanzaID string) (bool, error) {
	if stanzaID == "" {
		return false, errors.New("stanza_id is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM seen_stanza_ids WHERE stanza_id = ?)`,
		stanzaID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check seen stanza ID %q: %w", stanzaID, err)
	}

	return exists == 1, nil
}

// PruneSeenStanzas removes seen_stanza_ids rows older than cutoff timestamp.
func (s *Store) PruneSeenStanzas(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(`DELETE FROM seen_stanza_ids WHERE received_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune seen stanza IDs: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen stanza prune: %w", err)
	}

	return rowsAffected, nil
}

package storage

import (
	"errors"
	"fmt"
)

// SaveMessage inserts a new message row and returns its assigned ID.
func (s *Store) SaveMessage(message Message) (int64, error) {
	if message.SenderJID == "" {
		return 0, errors.New("sender_jid is required")
	}
	if message.ReceiverJID == "" {
		return 0, errors.New("receiver_jid is required")
	}
	if message.Body == "" {
		return 0, errors.New("body is required")
	}
	if message.Timestamp == 0 {
		message.Timestamp = nowUnixMilli()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(
		`INSERT INTO messages (
			sender_jid,
			receiver_jid,
			body,
			timestamp,
			is_local,
			is_read
		) VALUES (?, ?, ?, ?, ?, ?)`,
		message.SenderJID,
		message.ReceiverJID,
		message.Body,
		message.Timestamp,
		boolToInt(message.IsLocal),
		boolToInt(message.IsRead),
	)
	if err != nil {
		return 0, fmt.Errorf("insert message from %q to %q: %w", message.SenderJID, message.ReceiverJID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted message id: %w", err)
	}

	return id, nil
}

// History returns all messages between two JIDs (either direction) ordered
// by timestamp ascending, ties broken by insertion ID.
func (s *Store) History(userJID, contactJID string) ([]Message, error) {
	if userJID == "" {
		return nil, errors.New("user_jid is required")
	}
	if contactJID == "" {
		return nil, errors.New("contact_jid is required")
	}

	rows, err := s.db.Query(
		`SELECT
			id,
			sender_jid,
			receiver_jid,
			body,
			timestamp,
			is_local,
			is_read
		FROM messages
		WHERE (sender_jid = ? AND receiver_jid = ?)
		   OR (sender_jid = ? AND receiver_jid = ?)
		ORDER BY timestamp ASC, id ASC`,
		userJID,
		contactJID,
		contactJID,
		userJID,
	)
	if err != nil {
		return nil, fmt.Errorf("get history for %q and %q: %w", userJID, contactJID, err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// DeleteConversation removes all messages between two JIDs and returns the
// number of rows deleted. Deleting an empty conversation is a no-op.
func (s *Store) DeleteConversation(userJID, contactJID string) (int64, error) {
	if userJID == "" {
		return 0, errors.New("user_jid is required")
	}
	if contactJID == "" {
		return 0, errors.New("contact_jid is required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(
		`DELETE FROM messages
		WHERE (sender_jid = ? AND receiver_jid = ?)
		   OR (sender_jid = ? AND receiver_jid = ?)`,
		userJID,
		contactJID,
		contactJID,
		userJID,
	)
	if err != nil {
		return 0, fmt.Errorf("delete conversation for %q and %q: %w", userJID, contactJID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for delete conversation: %w", err)
	}

	return rowsAffected, nil
}

// DeleteAll clears every stored message.
func (s *Store) DeleteAll() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM messages`); err != nil {
		return fmt.Errorf("delete all messages: %w", err)
	}

	return nil
}

// MarkRead flags every unread message sent by contactJID to userJID as read
// and returns the number of rows updated. Calling it again is a no-op.
func (s *Store) MarkRead(userJID, contactJID string) (int64, error) {
	if userJID == "" {
		return 0, errors.New("user_jid is required")
	}
	if contactJID == "" {
		return 0, errors.New("contact_jid is required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(
		`UPDATE messages
		SET is_read = 1
		WHERE receiver_jid = ? AND sender_jid = ? AND is_read = 0`,
		userJID,
		contactJID,
	)
	if err != nil {
		return 0, fmt.Errorf("mark read for %q from %q: %w", userJID, contactJID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for mark read: %w", err)
	}

	return rowsAffected, nil
}

// UnreadCount returns the number of unread messages addressed to userJID.
func (s *Store) UnreadCount(userJID string) (int, error) {
	if userJID == "" {
		return 0, errors.New("user_jid is required")
	}

	var count int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE receiver_jid = ? AND is_read = 0`,
		userJID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread for %q: %w", userJID, err)
	}

	return count, nil
}

// UnreadCountFrom returns the number of unread messages from one contact.
func (s *Store) UnreadCountFrom(userJID, contactJID string) (int, error) {
	if userJID == "" {
		return 0, errors.New("user_jid is required")
	}
	if contactJID == "" {
		return 0, errors.New("contact_jid is required")
	}

	var count int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM messages
		WHERE receiver_jid = ? AND sender_jid = ? AND is_read = 0`,
		userJID,
		contactJID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread for %q from %q: %w", userJID, contactJID, err)
	}

	return count, nil
}

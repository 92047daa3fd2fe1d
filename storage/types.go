package storage

import (
	"time"
)

// Message is the SQLite representation of one chat message. Rows are
// immutable after insert except for the IsRead flag.
type Message struct {
	ID          int64
	SenderJID   string
	ReceiverJID string
	Body        string
	Timestamp   int64
	IsLocal     bool
	IsRead      bool
}

// scanner covers *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

func scanMessage(row scanner) (*Message, error) {
	var (
		message Message
		isLocal int
		isRead  int
	)

	if err := row.Scan(
		&message.ID,
		&message.SenderJID,
		&message.ReceiverJID,
		&message.Body,
		&message.Timestamp,
		&isLocal,
		&isRead,
	); err != nil {
		return nil, err
	}

	message.IsLocal = isLocal == 1
	message.IsRead = isRead == 1

	return &message, nil
}

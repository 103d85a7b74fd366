package persistence

import (
	"context"
	"encoding/json"
	"time"
)

// MessageRecord is the durable copy of a bus message (C6). The bus keeps
// in-flight messages in memory and does not store them here, so they are
// not recovered after a restart.
type MessageRecord struct {
	ID            string
	Sender        string
	Receivers     []string
	Type          string
	Content       []byte
	ContentType   string
	Priority      string
	Reliability   string
	CorrelationID string
	ReplyTo       string
	SentAt        time.Time
	ExpiresAt     *time.Time
}

// PersistMessage durably records a message in the messages table. The bus
// does not call it.
func (s *Store) PersistMessage(ctx context.Context, rec MessageRecord) error {
	receivers, err := json.Marshal(rec.Receivers)
	if err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, sender, receivers, msg_type, content, content_type,
				priority, reliability, correlation_id, reply_to, sent_at, expires_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(id) DO NOTHING
		`, rec.ID, rec.Sender, string(receivers), rec.Type, rec.Content, rec.ContentType,
			rec.Priority, rec.Reliability, nullableString(rec.CorrelationID), nullableString(rec.ReplyTo),
			epochMS(rec.SentAt), epochMSPtr(rec.ExpiresAt))
		return err
	})
}

// DeleteMessage removes the durable copy once every receiver has
// acknowledged (or the message has been dead-lettered).
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

// PendingMessages returns every durable message still awaiting
// acknowledgment, for recovery on restart.
func (s *Store) PendingMessages(ctx context.Context) ([]MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, sender, receivers, msg_type, content,
		content_type, priority, reliability, correlation_id, reply_to, sent_at, expires_at FROM messages`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var rec MessageRecord
		var receivers string
		var createdAt int64
		var expiresAt *int64
		var correlationID, replyTo *string
		if err := rows.Scan(&rec.ID, &rec.Sender, &receivers, &rec.Type, &rec.Content,
			&rec.ContentType, &rec.Priority, &rec.Reliability, &correlationID, &replyTo,
			&createdAt, &expiresAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(receivers), &rec.Receivers)
		rec.SentAt = fromEpochMS(createdAt)
		if expiresAt != nil {
			t := fromEpochMS(*expiresAt)
			rec.ExpiresAt = &t
		}
		if correlationID != nil {
			rec.CorrelationID = *correlationID
		}
		if replyTo != nil {
			rec.ReplyTo = *replyTo
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

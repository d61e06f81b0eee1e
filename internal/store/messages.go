package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"anichat-rt/internal/model"
)

const messageColumns = `id, sender_id, receiver_id, content, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (model.Message, error) {
	var m model.Message
	var status string
	if err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &status, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return model.Message{}, err
	}
	m.Status = model.MessageStatus(status)
	return m, nil
}

func (s *Store) AppendMessage(ctx context.Context, senderID, receiverID, content string, nowMillis int64) (model.Message, error) {
	if senderID == "" || receiverID == "" {
		return model.Message{}, errors.New("sender and receiver are required")
	}
	msg := model.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Status:     model.StatusSent,
		CreatedAt:  nowMillis,
		UpdatedAt:  nowMillis,
	}
	err := s.withConn(ctx, func(c *sql.Conn) error {
		_, err := c.ExecContext(ctx, s.rebind(`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
			msg.ID, msg.SenderID, msg.ReceiverID, msg.Content, string(msg.Status), msg.CreatedAt, msg.UpdatedAt)
		return err
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (model.Message, error) {
	var msg model.Message
	err := s.withConn(ctx, func(c *sql.Conn) error {
		var err error
		msg, err = scanMessage(c.QueryRowContext(ctx, s.rebind(`SELECT `+messageColumns+` FROM messages WHERE id = ?`), id))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// AdvanceMessageStatus moves a message forward to next on behalf of the
// receiver. The update only applies to rows whose current status precedes
// next, so concurrent or out-of-order updates never regress the status.
func (s *Store) AdvanceMessageStatus(ctx context.Context, id, receiverID string, next model.MessageStatus, nowMillis int64) (model.Message, bool, error) {
	if !next.Valid() {
		return model.Message{}, false, fmt.Errorf("invalid status %q", next)
	}
	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return model.Message{}, false, err
	}
	if msg.ReceiverID != receiverID {
		return model.Message{}, false, ErrForbidden
	}

	var earlier []any
	for _, st := range []model.MessageStatus{model.StatusSent, model.StatusDelivered, model.StatusRead} {
		if st.Before(next) {
			earlier = append(earlier, string(st))
		}
	}
	if len(earlier) == 0 {
		return msg, false, nil
	}

	var changed bool
	err = s.withConn(ctx, func(c *sql.Conn) error {
		args := append([]any{string(next), nowMillis, id}, earlier...)
		res, err := c.ExecContext(ctx, s.rebind(`UPDATE messages SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+placeholders(len(earlier))+`)`), args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n > 0
		return nil
	})
	if err != nil {
		return model.Message{}, false, fmt.Errorf("advance message status: %w", err)
	}

	if changed {
		msg.Status = next
		msg.UpdatedAt = nowMillis
		return msg, true, nil
	}
	msg, err = s.GetMessage(ctx, id)
	return msg, false, err
}

// ListConversation returns up to limit of the most recent messages exchanged
// between a and b, oldest first.
func (s *Store) ListConversation(ctx context.Context, a, b string, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var msgs []model.Message
	err := s.withConn(ctx, func(c *sql.Conn) error {
		rows, err := c.QueryContext(ctx, s.rebind(`SELECT `+messageColumns+` FROM messages
			WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
			ORDER BY created_at DESC, id DESC LIMIT ?`), a, b, b, a, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			msgs = append(msgs, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list conversation: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

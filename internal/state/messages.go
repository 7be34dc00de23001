package state

import (
	"encoding/json"
	"fmt"

	"github.com/voluteio/volute/pkg/protocol"
)

// titleMax caps the auto-filled conversation title length.
const titleMax = 80

// Message is one row of a conversation.
type Message struct {
	ID             int64                   `json:"id"`
	ConversationID string                  `json:"conversation_id"`
	Role           string                  `json:"role"` // user | assistant | system
	SenderName     *string                 `json:"sender_name"`
	Content        []protocol.ContentBlock `json:"content"`
	CreatedAt      string                  `json:"created_at"`
}

// AddMessage appends a message, bumps the conversation's updated_at, and
// fills the title from the first user text block if still unset. The
// onMessage hook fires after commit.
func (s *Store) AddMessage(convID, role string, sender *string, content []protocol.ContentBlock) (*Message, error) {
	blob, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO messages (conversation_id, role, sender_name, content) VALUES (?, ?, ?, ?)`,
		convID, role, sender, string(blob))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, _ := res.LastInsertId()

	if err := s.touchConversation(tx, convID); err != nil {
		return nil, err
	}

	if role == "user" {
		if text := protocol.FirstText(content); text != "" {
			title := text
			if len(title) > titleMax {
				title = title[:titleMax]
			}
			if _, err := tx.Exec(
				`UPDATE conversations SET title = ? WHERE id = ? AND title IS NULL`,
				title, convID); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	msg, err := s.GetMessage(id)
	if err != nil {
		return nil, err
	}
	if s.onMessage != nil {
		s.onMessage(convID, *msg)
	}
	return msg, nil
}

// GetMessage fetches one message row.
func (s *Store) GetMessage(id int64) (*Message, error) {
	var m Message
	var blob string
	err := s.db.QueryRow(
		`SELECT id, conversation_id, role, sender_name, content, created_at FROM messages WHERE id = ?`,
		id).Scan(&m.ID, &m.ConversationID, &m.Role, &m.SenderName, &blob, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(blob), &m.Content); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	return &m, nil
}

// ListMessages returns a conversation's messages in insertion order,
// optionally limited to the most recent limit rows.
func (s *Store) ListMessages(convID string, limit int) ([]Message, error) {
	query := `SELECT id, conversation_id, role, sender_name, content, created_at
	          FROM messages WHERE conversation_id = ? ORDER BY id`
	args := []any{convID}
	if limit > 0 {
		query = `SELECT id, conversation_id, role, sender_name, content, created_at FROM (
		           SELECT id, conversation_id, role, sender_name, content, created_at
		           FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT ?
		         ) ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var blob string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.SenderName, &blob, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(blob), &m.Content); err != nil {
			return nil, fmt.Errorf("decode content: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

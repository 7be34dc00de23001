package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conversation types.
const (
	ConvDM      = "dm"
	ConvGroup   = "group"
	ConvChannel = "channel"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrChannelExists        = errors.New("channel name already taken")
)

// Conversation is a persistent message thread. MindName is null for
// volute-internal channels.
type Conversation struct {
	ID        string  `json:"id"`
	MindName  *string `json:"mind_name"`
	Channel   string  `json:"channel"`
	Type      string  `json:"type"`
	Name      *string `json:"name"`
	Title     *string `json:"title"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

// Participant links a user into a conversation.
type Participant struct {
	ConversationID string `json:"conversation_id"`
	UserID         int64  `json:"user_id"`
	Role           string `json:"role"` // owner | member
}

// CreateConversation inserts a conversation and its initial participants in
// one transaction.
func (s *Store) CreateConversation(mindName *string, channel, convType string, name *string, owners []int64) (*Conversation, error) {
	id := uuid.NewString()
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO conversations (id, mind_name, channel, type, name) VALUES (?, ?, ?, ?, ?)`,
		id, mindName, channel, convType, name)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrChannelExists
		}
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	for i, userID := range owners {
		role := "member"
		if i == 0 {
			role = "owner"
		}
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO participants (conversation_id, user_id, role) VALUES (?, ?, ?)`,
			id, userID, role); err != nil {
			return nil, fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetConversation(id)
}

// GetConversation fetches one conversation.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	return scanConversation(s.db.QueryRow(
		`SELECT id, mind_name, channel, type, name, title, created_at, updated_at
		 FROM conversations WHERE id = ?`, id))
}

// GetOrCreateConversation finds the conversation for (mind, channel),
// creating a DM-typed one when absent. DMs reuse by mind+channel+type.
func (s *Store) GetOrCreateConversation(mind, channel string) (*Conversation, error) {
	conv, err := scanConversation(s.db.QueryRow(
		`SELECT id, mind_name, channel, type, name, title, created_at, updated_at
		 FROM conversations WHERE mind_name = ? AND channel = ? AND type = 'dm'`, mind, channel))
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return nil, err
	}
	return s.CreateConversation(&mind, channel, ConvDM, nil, nil)
}

// FindDMConversation scans a mind's DMs for an exact two-participant match.
func (s *Store) FindDMConversation(mind string, userA, userB int64) (*Conversation, error) {
	rows, err := s.db.Query(
		`SELECT id FROM conversations WHERE mind_name = ? AND type = 'dm'`, mind)
	if err != nil {
		return nil, err
	}
	// Drain the cursor before querying participants: the pool is capped at
	// one connection, so a nested query while rows is open would deadlock.
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	want := map[int64]bool{userA: true, userB: true}
	for _, id := range ids {
		members, err := s.ListParticipants(id)
		if err != nil {
			return nil, err
		}
		if len(members) != 2 {
			continue
		}
		if want[members[0].UserID] && want[members[1].UserID] && members[0].UserID != members[1].UserID {
			return s.GetConversation(id)
		}
	}
	return nil, ErrConversationNotFound
}

// ListConversations returns conversations for a mind, newest activity first.
// An empty mind lists everything.
func (s *Store) ListConversations(mind string) ([]Conversation, error) {
	query := `SELECT id, mind_name, channel, type, name, title, created_at, updated_at
	          FROM conversations ORDER BY updated_at DESC`
	args := []any{}
	if mind != "" {
		query = `SELECT id, mind_name, channel, type, name, title, created_at, updated_at
		         FROM conversations WHERE mind_name = ? ORDER BY updated_at DESC`
		args = append(args, mind)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConversations(rows)
}

// DeleteConversation removes a conversation and, via cascade, its
// participants and messages.
func (s *Store) DeleteConversation(id string) error {
	res, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// AddParticipant adds a user to a conversation; duplicate adds are no-ops.
func (s *Store) AddParticipant(convID string, userID int64, role string) error {
	if role == "" {
		role = "member"
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO participants (conversation_id, user_id, role) VALUES (?, ?, ?)`,
		convID, userID, role)
	return err
}

// RemoveParticipant drops a user from a conversation.
func (s *Store) RemoveParticipant(convID string, userID int64) error {
	_, err := s.db.Exec(
		`DELETE FROM participants WHERE conversation_id = ? AND user_id = ?`, convID, userID)
	return err
}

// ListParticipants returns a conversation's membership.
func (s *Store) ListParticipants(convID string) ([]Participant, error) {
	rows, err := s.db.Query(
		`SELECT conversation_id, user_id, role FROM participants WHERE conversation_id = ? ORDER BY user_id`,
		convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.Role); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// IsParticipant reports whether userID belongs to the conversation.
func (s *Store) IsParticipant(convID string, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM participants WHERE conversation_id = ? AND user_id = ?`, convID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) touchConversation(tx *sql.Tx, id string) error {
	_, err := tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format("2006-01-02T15:04:05.000Z"), id)
	return err
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.MindName, &c.Channel, &c.Type, &c.Name, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &c, nil
}

func collectConversations(rows *sql.Rows) ([]Conversation, error) {
	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.MindName, &c.Channel, &c.Type, &c.Name, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

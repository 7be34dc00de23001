package state

import (
	"database/sql"
	"encoding/json"
)

// Delivery queue statuses.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// HistoryRow is one entry of a mind's append-only history trail.
type HistoryRow struct {
	ID        int64   `json:"id"`
	Mind      string  `json:"mind"`
	Channel   string  `json:"channel"`
	Session   string  `json:"session"`
	Sender    string  `json:"sender"`
	MessageID *int64  `json:"message_id"`
	Type      string  `json:"type"`
	Content   string  `json:"content"`
	Metadata  *string `json:"metadata"`
	CreatedAt string  `json:"created_at"`
}

// AddHistory appends one mind-history row.
func (s *Store) AddHistory(row HistoryRow) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO mind_history (mind, channel, session, sender, message_id, type, content, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.Mind, row.Channel, row.Session, row.Sender, row.MessageID, row.Type, row.Content, row.Metadata)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListHistory returns the most recent limit history rows for a mind, oldest
// first. limit <= 0 returns everything.
func (s *Store) ListHistory(mind string, limit int) ([]HistoryRow, error) {
	query := `SELECT id, mind, channel, session, sender, message_id, type, content, metadata, created_at
	          FROM mind_history WHERE mind = ? ORDER BY id`
	args := []any{mind}
	if limit > 0 {
		query = `SELECT id, mind, channel, session, sender, message_id, type, content, metadata, created_at FROM (
		           SELECT id, mind, channel, session, sender, message_id, type, content, metadata, created_at
		           FROM mind_history WHERE mind = ? ORDER BY id DESC LIMIT ?
		         ) ORDER BY id`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectHistory(rows)
}

// DeliveryEntry is a persisted message awaiting replay to an offline mind.
type DeliveryEntry struct {
	ID        int64           `json:"id"`
	Mind      string          `json:"mind"`
	Session   string          `json:"session"`
	Channel   string          `json:"channel"`
	Sender    string          `json:"sender"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

// EnqueueDelivery persists a pending delivery for an offline mind.
func (s *Store) EnqueueDelivery(mind, session, channel, sender string, payload any) (int64, error) {
	blob, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Exec(
		`INSERT INTO delivery_queue (mind, session, channel, sender, payload) VALUES (?, ?, ?, ?, ?)`,
		mind, session, channel, sender, string(blob))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PendingDeliveries returns pending entries for a mind in enqueue order.
func (s *Store) PendingDeliveries(mind string) ([]DeliveryEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, mind, session, channel, sender, status, payload, created_at
		 FROM delivery_queue WHERE mind = ? AND status = 'pending' ORDER BY id`, mind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryEntry
	for rows.Next() {
		var e DeliveryEntry
		var payload string
		if err := rows.Scan(&e.ID, &e.Mind, &e.Session, &e.Channel, &e.Sender, &e.Status, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetDeliveryStatus transitions a delivery entry.
func (s *Store) SetDeliveryStatus(id int64, status string) error {
	_, err := s.db.Exec(`UPDATE delivery_queue SET status = ? WHERE id = ?`, status, id)
	return err
}

// ActivityRow is one persisted activity event.
type ActivityRow struct {
	ID        int64   `json:"id"`
	Type      string  `json:"type"`
	Mind      string  `json:"mind"`
	Summary   string  `json:"summary"`
	Metadata  *string `json:"metadata"`
	CreatedAt string  `json:"created_at"`
}

// AddActivity persists one activity event.
func (s *Store) AddActivity(eventType, mind, summary string, metadata *string) error {
	_, err := s.db.Exec(
		`INSERT INTO activity (type, mind, summary, metadata) VALUES (?, ?, ?, ?)`,
		eventType, mind, summary, metadata)
	return err
}

// RecentActivity returns the most recent limit activity rows, newest first.
func (s *Store) RecentActivity(limit int) ([]ActivityRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, type, mind, summary, metadata, created_at FROM activity ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActivityRow
	for rows.Next() {
		var a ActivityRow
		if err := rows.Scan(&a.ID, &a.Type, &a.Mind, &a.Summary, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func collectHistory(rows *sql.Rows) ([]HistoryRow, error) {
	var out []HistoryRow
	for rows.Next() {
		var h HistoryRow
		if err := rows.Scan(&h.ID, &h.Mind, &h.Channel, &h.Session, &h.Sender, &h.MessageID, &h.Type, &h.Content, &h.Metadata, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

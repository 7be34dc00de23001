package state

import "fmt"

// CreateChannel creates a named volute-internal channel conversation. The
// creator becomes owner; creatorID 0 (the daemon) creates ownerless
// channels. Channel names are globally unique.
func (s *Store) CreateChannel(name string, creatorID int64) (*Conversation, error) {
	channel := "volute:" + name
	var owners []int64
	if creatorID != 0 {
		owners = append(owners, creatorID)
	}
	conv, err := s.CreateConversation(nil, channel, ConvChannel, &name, owners)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// GetChannelByName looks up a channel conversation by its unique name.
func (s *Store) GetChannelByName(name string) (*Conversation, error) {
	return scanConversation(s.db.QueryRow(
		`SELECT id, mind_name, channel, type, name, title, created_at, updated_at
		 FROM conversations WHERE type = 'channel' AND name = ?`, name))
}

// ListChannels returns all channel conversations.
func (s *Store) ListChannels() ([]Conversation, error) {
	rows, err := s.db.Query(
		`SELECT id, mind_name, channel, type, name, title, created_at, updated_at
		 FROM conversations WHERE type = 'channel' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConversations(rows)
}

// JoinChannel adds a user to a named channel as member.
func (s *Store) JoinChannel(name string, userID int64) (*Conversation, error) {
	conv, err := s.GetChannelByName(name)
	if err != nil {
		return nil, err
	}
	if err := s.AddParticipant(conv.ID, userID, "member"); err != nil {
		return nil, fmt.Errorf("join channel: %w", err)
	}
	return conv, nil
}

// LeaveChannel removes a user from a named channel.
func (s *Store) LeaveChannel(name string, userID int64) error {
	conv, err := s.GetChannelByName(name)
	if err != nil {
		return err
	}
	return s.RemoveParticipant(conv.ID, userID)
}

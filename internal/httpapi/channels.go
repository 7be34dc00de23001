package httpapi

import (
	"errors"
	"net/http"

	"github.com/voluteio/volute/internal/state"
)

// requireParticipant enforces conversation membership for session users. The
// daemon identity sees everything.
func (s *Server) requireParticipant(w http.ResponseWriter, r *http.Request, convID string) bool {
	id := identityFrom(r)
	if id.Daemon {
		return true
	}
	ok, err := s.store.IsParticipant(convID, id.UserID())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a participant")
		return false
	}
	return true
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListConversations(r.URL.Query().Get("mind"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	id := identityFrom(r)
	if id.Daemon {
		writeJSON(w, http.StatusOK, convs)
		return
	}
	visible := make([]state.Conversation, 0, len(convs))
	for _, c := range convs {
		ok, err := s.store.IsParticipant(c.ID, id.UserID())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if ok {
			visible = append(visible, c)
		}
	}
	writeJSON(w, http.StatusOK, visible)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.PathValue("id"))
	if err != nil {
		writeConversationError(w, err)
		return
	}
	if !s.requireParticipant(w, r, conv.ID) {
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.PathValue("id"))
	if err != nil {
		writeConversationError(w, err)
		return
	}
	if !s.requireParticipant(w, r, conv.ID) {
		return
	}
	msgs, err := s.store.ListMessages(conv.ID, intQuery(r, "limit", 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []state.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.PathValue("id"))
	if err != nil {
		writeConversationError(w, err)
		return
	}
	if !s.requireParticipant(w, r, conv.ID) {
		return
	}
	if err := s.store.DeleteConversation(conv.ID); err != nil {
		writeConversationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.ListChannels()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if channels == nil {
		channels = []state.Conversation{}
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "channel name required")
		return
	}

	conv, err := s.store.CreateChannel(req.Name, identityFrom(r).UserID())
	if err != nil {
		if errors.Is(err, state.ErrChannelExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleJoinChannel(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	if id.Daemon {
		// The daemon is implicitly in every channel.
		conv, err := s.store.GetChannelByName(r.PathValue("name"))
		if err != nil {
			writeConversationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
		return
	}
	conv, err := s.store.JoinChannel(r.PathValue("name"), id.UserID())
	if err != nil {
		writeConversationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleLeaveChannel(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	if id.Daemon {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	if err := s.store.LeaveChannel(r.PathValue("name"), id.UserID()); err != nil {
		writeConversationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleInviteChannel adds another user, or a sprouted mind's agent account,
// to a channel.
func (s *Server) handleInviteChannel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req struct {
		Username string `json:"username"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := s.store.GetChannelByName(name)
	if err != nil {
		writeConversationError(w, err)
		return
	}
	if !s.requireParticipant(w, r, conv.ID) {
		return
	}

	var user *state.User
	if entry, ok := s.reg.Find(req.Username); ok {
		// Minds join channels only after sprouting; the agent account is
		// created on first invite.
		if _, ok := s.requireSprouted(w, entry.Name); !ok {
			return
		}
		var err error
		user, err = s.store.EnsureMindUser(entry.Name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else {
		var err error
		user, err = s.store.GetUserByUsername(req.Username)
		if err != nil {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
	}

	if err := s.store.AddParticipant(conv.ID, user.ID, "member"); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleChannelMembers(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetChannelByName(r.PathValue("name"))
	if err != nil {
		writeConversationError(w, err)
		return
	}
	members, err := s.store.ListParticipants(conv.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if members == nil {
		members = []state.Participant{}
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) handleGetTyping(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel required")
		return
	}
	senders := s.typing.Get(channel)
	if senders == nil {
		senders = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": channel, "senders": senders})
}

func (s *Server) handleSetTyping(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel string `json:"channel"`
		Typing  bool   `json:"typing"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Channel == "" {
		writeError(w, http.StatusBadRequest, "channel required")
		return
	}

	sender := "daemon"
	if id := identityFrom(r); id.User != nil {
		sender = id.User.Username
	}
	if req.Typing {
		s.typing.Set(req.Channel, sender, false)
	} else {
		s.typing.Delete(req.Channel, sender)
	}
	s.publishTyping(req.Channel)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeConversationError(w http.ResponseWriter, err error) {
	if errors.Is(err, state.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

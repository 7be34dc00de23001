package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/voluteio/volute/internal/budget"
	"github.com/voluteio/volute/internal/state"
	"github.com/voluteio/volute/pkg/protocol"
)

const (
	// maxMessageBytes bounds a whole message body, image blocks included.
	maxMessageBytes = 5 << 20
	// maxTextBytes bounds any single text block.
	maxTextBytes = 1 << 20
)

// conservationPrompt is appended once per budget period when usage crosses
// the warning threshold.
const conservationPrompt = "Note: your token budget for this period is nearly " +
	"exhausted. Prefer short replies and avoid tool calls that are not strictly necessary."

// handleMessage is the inbound message pipeline: validate, persist, gate on
// budget, forward to the mind, and stream the NDJSON response back verbatim.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	base, _, _ := strings.Cut(name, "@")
	if _, ok := s.reg.Find(base); !ok {
		writeError(w, http.StatusNotFound, "mind not found")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxMessageBytes)
	var req protocol.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "message body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Content) == 0 {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}
	for _, b := range req.Content {
		if b.Type == "text" && len(b.Text) > maxTextBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "text block too large")
			return
		}
	}
	if req.Channel == "" {
		writeError(w, http.StatusBadRequest, "channel required")
		return
	}
	if req.Sender == "" {
		if id := identityFrom(r); id.User != nil {
			req.Sender = id.User.Username
		} else {
			req.Sender = "daemon"
		}
	}

	session := uuid.NewString()
	s.recordInbound(base, session, req)

	switch s.budget.CheckBudget(base) {
	case budget.StatusExceeded:
		s.budget.Enqueue(base, budget.QueuedMessage{
			Content: req.Content, Channel: req.Channel, Sender: req.Sender,
		})
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "reason": "budget-exceeded"})
		return
	case budget.StatusWarning:
		req.Content = append(req.Content, protocol.TextBlock(conservationPrompt))
		s.budget.AcknowledgeWarning(base)
	}

	port, ok := s.sup.Port(name)
	if !ok {
		if _, err := s.store.EnqueueDelivery(base, session, req.Channel, req.Sender, req); err != nil {
			slog.Warn("delivery enqueue failed", "mind", base, "error", err)
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": "mind not running", "queued": true,
		})
		return
	}

	resp, err := s.forwardMessage(r.Context(), port, req)
	if err != nil {
		if _, qerr := s.store.EnqueueDelivery(base, session, req.Channel, req.Sender, req); qerr != nil {
			slog.Warn("delivery enqueue failed", "mind", base, "error", qerr)
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": "mind not running", "queued": true,
		})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Propagate the mind's own error verbatim.
		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, io.LimitReader(resp.Body, maxBodyBytes))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	s.consumeStream(base, session, req.Channel, req.Sender, resp.Body, w, flusher)
}

// Deliver injects a daemon-originated message (scheduler fire, wake, drained
// budget queue, delivery replay) into a mind and consumes the response
// stream. Failures queue the message for the mind's next start.
func (s *Server) Deliver(mind, channel, sender string, content []protocol.ContentBlock) {
	base, _, _ := strings.Cut(mind, "@")
	req := protocol.MessageRequest{Content: content, Channel: channel, Sender: sender}
	session := uuid.NewString()
	s.recordInbound(base, session, req)

	switch s.budget.CheckBudget(base) {
	case budget.StatusExceeded:
		s.budget.Enqueue(base, budget.QueuedMessage{Content: content, Channel: channel, Sender: sender})
		return
	case budget.StatusWarning:
		req.Content = append(req.Content, protocol.TextBlock(conservationPrompt))
		s.budget.AcknowledgeWarning(base)
	}

	port, ok := s.sup.Port(mind)
	if !ok {
		if _, err := s.store.EnqueueDelivery(base, session, channel, sender, req); err != nil {
			slog.Warn("delivery enqueue failed", "mind", base, "error", err)
		}
		return
	}
	resp, err := s.forwardMessage(context.Background(), port, req)
	if err != nil {
		slog.Warn("internal delivery failed", "mind", mind, "channel", channel, "error", err)
		if _, qerr := s.store.EnqueueDelivery(base, session, channel, sender, req); qerr != nil {
			slog.Warn("delivery enqueue failed", "mind", base, "error", qerr)
		}
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("internal delivery rejected", "mind", mind, "channel", channel, "status", resp.StatusCode)
		io.Copy(io.Discard, resp.Body)
		return
	}
	s.consumeStream(base, session, channel, sender, resp.Body, nil, nil)
}

// ReplayDeliveries forwards queued deliveries to a freshly started mind.
// Entries that still fail to connect stay pending for the next start.
func (s *Server) ReplayDeliveries(name string) {
	base, _, _ := strings.Cut(name, "@")
	entries, err := s.store.PendingDeliveries(base)
	if err != nil {
		slog.Warn("delivery replay load failed", "mind", base, "error", err)
		return
	}
	for _, e := range entries {
		var req protocol.MessageRequest
		if err := json.Unmarshal(e.Payload, &req); err != nil {
			slog.Warn("delivery payload corrupt", "mind", base, "id", e.ID, "error", err)
			s.store.SetDeliveryStatus(e.ID, state.DeliveryFailed)
			continue
		}
		port, ok := s.sup.Port(name)
		if !ok {
			return
		}
		resp, err := s.forwardMessage(context.Background(), port, req)
		if err != nil {
			slog.Warn("delivery replay failed, keeping pending", "mind", base, "id", e.ID, "error", err)
			return
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			s.store.SetDeliveryStatus(e.ID, state.DeliveryFailed)
			continue
		}
		s.consumeStream(base, e.Session, e.Channel, e.Sender, resp.Body, nil, nil)
		resp.Body.Close()
		s.store.SetDeliveryStatus(e.ID, state.DeliveryDelivered)
		slog.Info("queued delivery replayed", "mind", base, "id", e.ID)
	}
}

func (s *Server) forwardMessage(ctx context.Context, port int, req protocol.MessageRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://127.0.0.1:%d/message", port), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	return s.client.Do(hreq)
}

// recordInbound persists the inbound message to the mind's history trail and,
// for volute channels, to the matching conversation.
func (s *Server) recordInbound(base, session string, req protocol.MessageRequest) {
	blob, _ := json.Marshal(req.Content)
	if _, err := s.store.AddHistory(state.HistoryRow{
		Mind:    base,
		Channel: req.Channel,
		Session: session,
		Sender:  req.Sender,
		Type:    "message",
		Content: string(blob),
	}); err != nil {
		slog.Warn("history write failed", "mind", base, "error", err)
	}

	conv := s.resolveConversation(base, req.Channel, req.Sender)
	if conv == nil {
		return
	}
	sender := req.Sender
	if _, err := s.store.AddMessage(conv.ID, "user", &sender, req.Content); err != nil {
		slog.Warn("conversation write failed", "mind", base, "channel", req.Channel, "error", err)
	}
}

// resolveConversation maps a volute channel to its conversation. Named
// channels resolve by their unique name. DMs reuse by participant pair when
// the sender is a known account, so the same human-mind thread survives a
// change of channel string; otherwise they key on (mind, channel).
// Non-volute channels are not persisted as conversations.
func (s *Server) resolveConversation(base, channel, sender string) *state.Conversation {
	if !strings.HasPrefix(channel, protocol.ChannelSchemeVolute+":") {
		return nil
	}
	if conv, err := s.store.GetChannelByName(strings.TrimPrefix(channel, protocol.ChannelSchemeVolute+":")); err == nil {
		return conv
	}

	var senderUser, mindUser *state.User
	if sender != "" && sender != base {
		if su, err := s.store.GetUserByUsername(sender); err == nil {
			if mu, err := s.store.EnsureMindUser(base); err == nil && su.ID != mu.ID {
				senderUser, mindUser = su, mu
				if conv, err := s.store.FindDMConversation(base, su.ID, mu.ID); err == nil {
					return conv
				}
			}
		}
	}

	conv, err := s.store.GetOrCreateConversation(base, channel)
	if err != nil {
		slog.Warn("conversation resolve failed", "mind", base, "channel", channel, "error", err)
		return nil
	}
	if senderUser != nil {
		s.store.AddParticipant(conv.ID, senderUser.ID, "member")
		s.store.AddParticipant(conv.ID, mindUser.ID, "member")
	}
	return conv
}

// consumeStream reads a mind's NDJSON response line by line, mirroring it to
// sink when set, feeding the activity tracker and budget, and persisting the
// accumulated assistant message when the stream ends. A truncated stream
// still persists whatever arrived.
func (s *Server) consumeStream(base, session, channel, sender string, body io.Reader, sink io.Writer, flusher http.Flusher) {
	s.tracker.Signal(base, "session_start")
	s.setMindTyping(base, channel, true)
	defer s.setMindTyping(base, channel, false)

	var blocks []protocol.ContentBlock
	var text strings.Builder
	closeText := func() {
		if text.Len() > 0 {
			blocks = append(blocks, protocol.TextBlock(text.String()))
			text.Reset()
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if sink != nil {
			sink.Write(append(bytes.Clone(line), '\n'))
			if flusher != nil {
				flusher.Flush()
			}
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var ev protocol.StreamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Warn("unparseable stream line", "mind", base, "error", err)
			continue
		}
		s.tracker.Signal(base, ev.Type)

		switch ev.Type {
		case protocol.StreamText:
			text.WriteString(ev.Content)
		case protocol.StreamThinking:
			// not persisted
		case protocol.StreamToolUse:
			closeText()
			blocks = append(blocks, protocol.ContentBlock{
				Type: "tool_use", Name: ev.Name, Input: ev.Input,
			})
		case protocol.StreamImage:
			closeText()
			blocks = append(blocks, protocol.ContentBlock{
				Type: "image", MediaType: ev.MediaType, Data: ev.Data,
			})
		case protocol.StreamUsage:
			s.budget.RecordUsage(base, ev.InputTokens, ev.OutputTokens)
		case protocol.StreamDone:
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("mind stream interrupted", "mind", base, "error", err)
	}
	closeText()

	if len(blocks) > 0 {
		blob, _ := json.Marshal(blocks)
		if _, err := s.store.AddHistory(state.HistoryRow{
			Mind:    base,
			Channel: channel,
			Session: session,
			Sender:  base,
			Type:    "response",
			Content: string(blob),
		}); err != nil {
			slog.Warn("history write failed", "mind", base, "error", err)
		}
		if conv := s.resolveConversation(base, channel, sender); conv != nil {
			sender := base
			if _, err := s.store.AddMessage(conv.ID, "assistant", &sender, blocks); err != nil {
				slog.Warn("conversation write failed", "mind", base, "channel", channel, "error", err)
			}
		}
	}
}

// setMindTyping flips the mind's typing indicator in the channel and pushes
// the updated sender set to SSE clients.
func (s *Server) setMindTyping(base, channel string, on bool) {
	if !strings.HasPrefix(channel, protocol.ChannelSchemeVolute+":") {
		return
	}
	if on {
		s.typing.Set(channel, base, true)
	} else {
		s.typing.Delete(channel, base)
	}
	s.publishTyping(channel)
}

func (s *Server) publishTyping(channel string) {
	s.seq.Publish(protocol.EventTyping, protocol.TypingPayload{
		Channel: channel,
		Senders: s.typing.Get(channel),
	})
}

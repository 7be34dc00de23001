package protocol

// SSE event types pushed from the daemon to browser clients on /api/events.
const (
	EventActivity = "activity"
	EventMessage  = "message"
	EventTyping   = "typing"
)

// Activity event types recorded in the activity log and broadcast as
// EventActivity payloads.
const (
	ActivityMindStarted = "mind_started"
	ActivityMindStopped = "mind_stopped"
	ActivityMindActive  = "mind_active"
	ActivityMindIdle    = "mind_idle"
	ActivityMindDone    = "mind_done"
	ActivityPageUpdated = "page_updated"
)

// Mind stream event types, one per NDJSON line on the mind's /message
// response. The stream always terminates with StreamDone.
const (
	StreamText     = "text"
	StreamThinking = "thinking"
	StreamToolUse  = "tool_use"
	StreamImage    = "image"
	StreamUsage    = "usage"
	StreamDone     = "done"
)

// Channel URI schemes. The scheme of a message's channel identifies the
// connector that originated it.
const (
	ChannelSchemeVolute   = "volute"
	ChannelSchemeSystem   = "system"
	ChannelSchemeDiscord  = "discord"
	ChannelSchemeSlack    = "slack"
	ChannelSchemeTelegram = "telegram"
)

// Well-known system channels.
const (
	ChannelScheduler = "system:scheduler"
	ChannelWake      = "system:wake"
	ChannelDaemon    = "system:daemon"
)

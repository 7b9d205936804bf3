package bus

// InboundMessage is one chat message normalized by a transport. The router
// is the single primary consumer; taps get copies.
type InboundMessage struct {
	Channel  string `json:"channel"` // transport name: slack, discord, telegram, console
	SenderID string `json:"sender_id"`
	ChatID   string `json:"chat_id"`
	Content  string `json:"content"`
	// Addressed marks messages directed at the bridge (mention, DM, or
	// command prefix). Unaddressed chatter is never replied to.
	Addressed bool              `json:"addressed"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is one message to deliver through a transport: a command
// reply or a relayed monitoring notification.
type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
	Media   *Media `json:"media,omitempty"`
}

// Media is an attachment carried with an outbound message: a URL the
// transport can embed, or inline bytes (key frame) it must upload.
type Media struct {
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"-"`
}

// SystemEvent is a typed event flowing through the bus for observability.
// Used for relay lifecycle, command audit, watermark movement, etc.
type SystemEvent struct {
	Type   string      `json:"type"`   // e.g. "relay.event.dispatched", "command.denied"
	Source string      `json:"source"` // e.g. "poller", "router"
	Data   interface{} `json:"data"`
}

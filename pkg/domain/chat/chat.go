// Package chat defines the Chat bounded context.
// A Channel is an aggregate root representing a messaging transport
// (Slack, Discord, Telegram, console) that zonewatch communicates through.
package chat

import (
	"context"
	"strings"

	"github.com/zonewatch/zonewatch/pkg/domain"
)

// ---------------------------------------------------------------------------
// Channel aggregate root
// ---------------------------------------------------------------------------

// Channel is the aggregate root for the chat context. It encapsulates
// identity, connection state, access control, and traffic counters for one
// configured transport.
type Channel struct {
	domain.AggregateRoot

	// Identity
	Name string               `json:"name"`
	Type domain.TransportType `json:"type"`

	// State
	Status  domain.ConnectionStatus `json:"status"`
	Enabled bool                    `json:"enabled"`
	Error   string                  `json:"error,omitempty"`

	// Access control (value object)
	ACL AccessControlList `json:"acl"`

	// Metrics (value object)
	Metrics ChannelMetrics `json:"metrics"`

	// Lifecycle
	CreatedAt domain.Timestamp `json:"created_at"`
	UpdatedAt domain.Timestamp `json:"updated_at"`
}

// NewChannel creates a Channel aggregate with a generated ID.
func NewChannel(name string, transport domain.TransportType, allowList []string) *Channel {
	ch := &Channel{
		Name:      name,
		Type:      transport,
		Status:    domain.StatusDisconnected,
		Enabled:   true,
		ACL:       NewAccessControlList(allowList),
		Metrics:   ChannelMetrics{},
		CreatedAt: domain.Now(),
		UpdatedAt: domain.Now(),
	}
	ch.SetID(domain.NewID())
	return ch
}

// MarkConnected transitions the channel to connected state.
func (ch *Channel) MarkConnected() {
	ch.Status = domain.StatusConnected
	ch.Error = ""
	ch.UpdatedAt = domain.Now()
	ch.RecordEvent(domain.NewEvent(domain.EventTransportConnected, ch.ID(), map[string]string{
		"channel": ch.Name,
		"type":    string(ch.Type),
	}))
}

// MarkDisconnected transitions the channel to disconnected state.
func (ch *Channel) MarkDisconnected() {
	ch.Status = domain.StatusDisconnected
	ch.UpdatedAt = domain.Now()
	ch.RecordEvent(domain.NewEvent(domain.EventTransportDisconnected, ch.ID(), map[string]string{
		"channel": ch.Name,
	}))
}

// MarkError records an error state on the channel.
func (ch *Channel) MarkError(err string) {
	ch.Status = domain.StatusError
	ch.Error = err
	ch.Metrics.ErrorCount++
	ch.UpdatedAt = domain.Now()
	ch.RecordEvent(domain.NewEvent(domain.EventTransportError, ch.ID(), map[string]string{
		"channel": ch.Name,
		"error":   err,
	}))
}

// RecordMessageSent increments the outbound message counter.
func (ch *Channel) RecordMessageSent() {
	ch.Metrics.MessagesSent++
	ch.Metrics.LastActivityAt = domain.Now()
	ch.UpdatedAt = domain.Now()
}

// RecordMessageReceived increments the inbound message counter.
func (ch *Channel) RecordMessageReceived() {
	ch.Metrics.MessagesReceived++
	ch.Metrics.LastActivityAt = domain.Now()
	ch.UpdatedAt = domain.Now()
}

// IsAllowed checks if a sender is permitted by the access control list.
func (ch *Channel) IsAllowed(senderID string) bool {
	return ch.ACL.IsAllowed(senderID)
}

// ---------------------------------------------------------------------------
// Value objects
// ---------------------------------------------------------------------------

// AccessControlList controls who can interact through a channel.
type AccessControlList struct {
	AllowList []string `json:"allow_list"`
}

// NewAccessControlList creates an ACL from a whitelist.
func NewAccessControlList(allowList []string) AccessControlList {
	if allowList == nil {
		allowList = []string{}
	}
	return AccessControlList{AllowList: allowList}
}

// IsAllowed returns true if the sender is in the allow list, or if the list
// is empty (open).
func (acl AccessControlList) IsAllowed(senderID string) bool {
	if len(acl.AllowList) == 0 {
		return true
	}
	for _, allowed := range acl.AllowList {
		if allowed == senderID {
			return true
		}
	}
	return false
}

// ChannelMetrics tracks channel usage statistics.
type ChannelMetrics struct {
	MessagesReceived int64            `json:"messages_received"`
	MessagesSent     int64            `json:"messages_sent"`
	ErrorCount       int64            `json:"error_count"`
	LastActivityAt   domain.Timestamp `json:"last_activity_at"`
	ConnectedSince   domain.Timestamp `json:"connected_since"`
}

// ---------------------------------------------------------------------------
// ChannelRef — "transport:chat_id" addresses
// ---------------------------------------------------------------------------

// ChannelRef addresses one chat within one transport. Notification targets
// and digest targets are configured in this form, e.g. "slack:C0MONITOR".
type ChannelRef struct {
	Transport domain.TransportType `json:"transport"`
	ChatID    string               `json:"chat_id"`
}

// ParseChannelRef parses a "transport:chat_id" address.
func ParseChannelRef(raw string) (ChannelRef, error) {
	raw = strings.TrimSpace(raw)
	idx := strings.Index(raw, ":")
	if idx <= 0 || idx == len(raw)-1 {
		return ChannelRef{}, ErrBadChannelRef
	}
	transport := domain.TransportType(strings.ToLower(raw[:idx]))
	if !transport.Valid() {
		return ChannelRef{}, ErrBadChannelRef
	}
	return ChannelRef{Transport: transport, ChatID: raw[idx+1:]}, nil
}

// String renders the ref back to its configured form.
func (r ChannelRef) String() string {
	return string(r.Transport) + ":" + r.ChatID
}

// IsZero reports whether the ref is unset.
func (r ChannelRef) IsZero() bool {
	return r.Transport == "" && r.ChatID == ""
}

// ---------------------------------------------------------------------------
// Message value object
// ---------------------------------------------------------------------------

// Message represents a message flowing through a channel.
// This is a value object — immutable once created.
type Message struct {
	ID        domain.EntityID      `json:"id"`
	Transport domain.TransportType `json:"transport"`
	SenderID  string               `json:"sender_id"`
	ChatID    string               `json:"chat_id"`
	Content   string               `json:"content"`
	Media     *MediaAttachment     `json:"media,omitempty"`
	Direction MessageDirection     `json:"direction"`
	// Addressed is true when the message was directed at the bridge
	// (mention, direct message, or command prefix). Unaddressed chatter
	// never produces a reply.
	Addressed bool             `json:"addressed"`
	Metadata  domain.Metadata  `json:"metadata,omitempty"`
	Timestamp domain.Timestamp `json:"timestamp"`
}

// MessageDirection indicates message flow.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// MediaAttachment is a file carried with a message: either a URL the
// transport can embed, or inline bytes the transport must upload.
type MediaAttachment struct {
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"-"`
}

// NewInboundMessage creates an inbound message value object.
func NewInboundMessage(transport domain.TransportType, senderID, chatID, content string, addressed bool) Message {
	return Message{
		ID:        domain.NewID(),
		Transport: transport,
		SenderID:  senderID,
		ChatID:    chatID,
		Content:   content,
		Direction: DirectionInbound,
		Addressed: addressed,
		Metadata:  make(domain.Metadata),
		Timestamp: domain.Now(),
	}
}

// NewOutboundMessage creates an outbound message value object.
func NewOutboundMessage(transport domain.TransportType, chatID, content string) Message {
	return Message{
		ID:        domain.NewID(),
		Transport: transport,
		ChatID:    chatID,
		Content:   content,
		Direction: DirectionOutbound,
		Metadata:  make(domain.Metadata),
		Timestamp: domain.Now(),
	}
}

// WithMedia returns a copy of the message carrying an attachment.
func (m Message) WithMedia(media *MediaAttachment) Message {
	m.Media = media
	return m
}

// ---------------------------------------------------------------------------
// Transport interface — infrastructure contract
// ---------------------------------------------------------------------------

// Transport defines the infrastructure-level operations for a channel.
// This lives in the domain as a port; implementations are in pkg/channels.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error
	// Disconnect tears down the transport connection.
	Disconnect(ctx context.Context) error
	// Send delivers a message through the transport.
	Send(ctx context.Context, msg Message) error
	// OnReceive registers a callback for incoming messages.
	OnReceive(handler func(msg Message))
	// IsConnected returns the current connection state.
	IsConnected() bool
}

// ---------------------------------------------------------------------------
// Domain errors
// ---------------------------------------------------------------------------

// ChatError is a typed error for the chat domain.
type ChatError string

func (e ChatError) Error() string { return string(e) }

const (
	ErrBadChannelRef    ChatError = "channel ref must be transport:chat_id"
	ErrUnknownTransport ChatError = "unknown transport"
	ErrNotConnected     ChatError = "transport not connected"
	ErrSenderNotAllowed ChatError = "sender not in allow list"
)

// Package command defines the Command bounded context: the grammar of
// operator commands arriving from chat, the permission scope lattice, and the
// pure authorization policy that guards control-plane verbs.
package command

import (
	"strings"

	"github.com/zonewatch/zonewatch/pkg/domain"
)

// ---------------------------------------------------------------------------
// Command value object
// ---------------------------------------------------------------------------

// Command is a parsed, addressed operator instruction. Immutable once built.
type Command struct {
	ID         domain.EntityID      `json:"id"`
	Verb       string               `json:"verb"`
	Args       []string             `json:"args,omitempty"`
	Transport  domain.TransportType `json:"transport"`
	ChannelID  string               `json:"channel_id"`
	SenderID   string               `json:"sender_id"`
	ReceivedAt domain.Timestamp     `json:"received_at"`
}

// New creates a Command with a generated identity.
func New(verb string, args []string, transport domain.TransportType, channelID, senderID string) Command {
	return Command{
		ID:         domain.NewID(),
		Verb:       verb,
		Args:       args,
		Transport:  transport,
		ChannelID:  channelID,
		SenderID:   senderID,
		ReceivedAt: domain.Now(),
	}
}

// Arg returns the i-th argument or empty string.
func (c Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// ArgText returns all arguments joined back into a single string.
func (c Command) ArgText() string { return strings.Join(c.Args, " ") }

// ---------------------------------------------------------------------------
// Tokenization
// ---------------------------------------------------------------------------

// Tokenize splits addressed command text into tokens. Verbs are matched
// case-insensitively by the registry; argument tokens keep their original
// form so monitor names survive intact.
func Tokenize(text string) []string {
	return strings.Fields(strings.TrimSpace(text))
}

// NormalizeVerb lowercases a verb candidate for registry lookup.
func NormalizeVerb(tokens ...string) string {
	lowered := make([]string, len(tokens))
	for i, t := range tokens {
		lowered[i] = strings.ToLower(t)
	}
	return strings.Join(lowered, " ")
}

// ---------------------------------------------------------------------------
// Domain errors
// ---------------------------------------------------------------------------

// Error is a typed error for the command domain.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrUnknownVerb     Error = "unknown command verb"
	ErrMissingArgument Error = "missing required argument"
	ErrInvalidScope    Error = "invalid permission scope"
	ErrDenied          Error = "permission denied"
)

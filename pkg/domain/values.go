package domain

// ---------------------------------------------------------------------------
// Shared value objects — used across bounded contexts
// ---------------------------------------------------------------------------

// TransportType identifies a chat platform adapter.
type TransportType string

const (
	TransportSlack    TransportType = "slack"
	TransportDiscord  TransportType = "discord"
	TransportTelegram TransportType = "telegram"
	TransportConsole  TransportType = "console"
)

// AllTransportTypes returns all known transport types.
func AllTransportTypes() []TransportType {
	return []TransportType{
		TransportSlack, TransportDiscord, TransportTelegram, TransportConsole,
	}
}

// String implements fmt.Stringer.
func (tt TransportType) String() string { return string(tt) }

// Valid returns true if the transport type is recognized.
func (tt TransportType) Valid() bool {
	for _, t := range AllTransportTypes() {
		if t == tt {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------

// ConnectionStatus represents the health state of any connectable resource.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusError        ConnectionStatus = "error"
	StatusIdle         ConnectionStatus = "idle"
)

func (cs ConnectionStatus) String() string { return string(cs) }

// ---------------------------------------------------------------------------

// Metadata is a generic key-value map for extensible properties.
type Metadata map[string]string

// Get returns a metadata value, or empty string if not present.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}

// Set writes a metadata key-value pair. Initializes the map if nil.
func (m *Metadata) Set(key, value string) {
	if *m == nil {
		*m = make(Metadata)
	}
	(*m)[key] = value
}

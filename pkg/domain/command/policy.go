package command

import "strings"

// ---------------------------------------------------------------------------
// Permission scopes — hierarchical lattice
// ---------------------------------------------------------------------------

// Scope classifies what a verb may do, and doubles as the grant level held by
// a sender. The lattice is strict: admin ⊇ write ⊇ read. ScopeAny marks verbs
// that need no grant at all (help and its kin); ScopeNone is the grant that
// allows nothing.
type Scope string

const (
	ScopeAny   Scope = "any"
	ScopeNone  Scope = "none"
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
	ScopeAdmin Scope = "admin"
)

// Rank orders scopes for comparison. ScopeAny and ScopeNone share the floor:
// an any-requirement is satisfiable by everyone, a none-grant satisfies
// nothing above the floor.
func (s Scope) Rank() int {
	switch s {
	case ScopeRead:
		return 1
	case ScopeWrite:
		return 2
	case ScopeAdmin:
		return 3
	default:
		return 0
	}
}

// Covers reports whether holding s satisfies a requirement of other.
func (s Scope) Covers(other Scope) bool { return s.Rank() >= other.Rank() }

// Valid reports whether s is a recognized scope value.
func (s Scope) Valid() bool {
	switch s {
	case ScopeAny, ScopeNone, ScopeRead, ScopeWrite, ScopeAdmin:
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (s Scope) String() string { return string(s) }

// ParseScope converts a config string into a Scope.
func ParseScope(raw string) (Scope, error) {
	s := Scope(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return ScopeNone, ErrInvalidScope
	}
	return s, nil
}

// ---------------------------------------------------------------------------
// Authorization — pure policy
// ---------------------------------------------------------------------------

// Authorize is the single permission decision in the system: does the grant
// satisfy the verb's required scope? Pure, deterministic, no I/O. A higher
// grant always satisfies a lower requirement, so upgrading a grant can never
// revoke a previously allowed command.
func Authorize(required, grant Scope) bool {
	if required == ScopeAny {
		return true
	}
	return grant.Covers(required)
}

// ---------------------------------------------------------------------------
// Grant table — read-only at runtime, swapped whole on config reload
// ---------------------------------------------------------------------------

// GrantTable maps sender identities to their granted scope. Senders without
// an explicit entry fall back to Default. The table is immutable; reloads
// replace the whole value.
type GrantTable struct {
	Default Scope
	Users   map[string]Scope
}

// NewGrantTable builds an immutable grant table. A copy of users is taken so
// callers cannot mutate the table afterwards. Invalid entries collapse to
// ScopeNone rather than silently widening access.
func NewGrantTable(def Scope, users map[string]Scope) *GrantTable {
	if !def.Valid() || def == ScopeAny {
		def = ScopeNone
	}
	copied := make(map[string]Scope, len(users))
	for id, s := range users {
		if !s.Valid() || s == ScopeAny {
			s = ScopeNone
		}
		copied[id] = s
	}
	return &GrantTable{Default: def, Users: copied}
}

// GrantFor returns the scope granted to a sender.
func (t *GrantTable) GrantFor(senderID string) Scope {
	if t == nil {
		return ScopeNone
	}
	if s, ok := t.Users[senderID]; ok {
		return s
	}
	return t.Default
}

// GrantSource yields the current grant for a sender. Implementations are the
// seam for live permission reloads; the table behind them is always replaced
// atomically, never edited in place.
type GrantSource interface {
	GrantFor(senderID string) Scope
}

var _ GrantSource = (*GrantTable)(nil)

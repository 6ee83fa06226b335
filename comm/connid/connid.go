package connid

import (
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"strconv"
	"strings"
	"sync/atomic"
)

// ServerIDLength is the length of the hex encoded server id
const ServerIDLength = 32

// ErrInvalidID is returned for strings that are not a valid connection id
var ErrInvalidID = errors.New("invalid connection id")

// --------------------------------------------------------------------------
// Connection ID
// --------------------------------------------------------------------------

// ID identifies one logical client-server session. It survives reconnects: a
// client that lost its socket presents the same ID in its next SYN.
type ID struct {
	Channel  uint64
	ServerID string
}

// Null is the ID of a connection that has not been assigned one yet
var Null = ID{}

// New creates an ID after validating the server id
func New(channel uint64, serverID string) (ID, error) {
	if err := validateServerID(serverID); err != nil {
		return Null, err
	}
	return ID{Channel: channel, ServerID: serverID}, nil
}

// IsNull reports whether id is the Null sentinel
func (id ID) IsNull() bool {
	return id == Null
}

// Format returns the wire form "<channel>.<serverId>". The Null id formats as
// the empty string.
func (id ID) Format() string {
	if id.IsNull() {
		return ""
	}
	return strconv.FormatUint(id.Channel, 10) + "." + id.ServerID
}

func (id ID) String() string {
	if id.IsNull() {
		return "ConnectionID(null)"
	}
	return "ConnectionID(" + id.Format() + ")"
}

// Parse reads an ID from its wire form. The empty string parses as Null.
func Parse(s string) (ID, error) {
	if s == "" {
		return Null, nil
	}
	channel, serverID, ok := strings.Cut(s, ".")
	if !ok {
		return Null, fmt.Errorf("%w: %q has no separator", ErrInvalidID, s)
	}
	c, err := strconv.ParseUint(channel, 10, 64)
	if err != nil {
		return Null, fmt.Errorf("%w: bad channel %q: %v", ErrInvalidID, channel, err)
	}
	return New(c, serverID)
}

func validateServerID(serverID string) error {
	if len(serverID) != ServerIDLength {
		return fmt.Errorf("%w: server id must be %d hex characters, got %d", ErrInvalidID, ServerIDLength, len(serverID))
	}
	for _, r := range serverID {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F') {
			return fmt.Errorf("%w: server id %q contains non hex character %q", ErrInvalidID, serverID, r)
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Server identity
// --------------------------------------------------------------------------

// ServerIdentity is the process-wide id of a server, created once at startup and
// passed to every component that needs it.
type ServerIdentity struct {
	id string
}

// NewServerIdentity creates a random identity
func NewServerIdentity() ServerIdentity {
	u := uuid.New()
	return ServerIdentity{id: hex.EncodeToString(u[:])}
}

// ParseServerIdentity restores an identity from its hex form
func ParseServerIdentity(s string) (ServerIdentity, error) {
	if err := validateServerID(s); err != nil {
		return ServerIdentity{}, err
	}
	return ServerIdentity{id: strings.ToLower(s)}, nil
}

func (s ServerIdentity) String() string {
	return s.id
}

// --------------------------------------------------------------------------
// Factory
// --------------------------------------------------------------------------

// Factory assigns connection ids on behalf of one server
type Factory struct {
	identity ServerIdentity
	next     atomic.Uint64
}

// NewFactory creates a factory issuing ids for the given identity
func NewFactory(identity ServerIdentity) *Factory {
	return &Factory{identity: identity}
}

// Next returns a fresh id. Channels start at 1 and are never reused.
func (f *Factory) Next() ID {
	return ID{Channel: f.next.Add(1), ServerID: f.identity.String()}
}

// Owns reports whether id was issued by a server with this factory's identity
func (f *Factory) Owns(id ID) bool {
	return !id.IsNull() && strings.EqualFold(id.ServerID, f.identity.String())
}

// Identity returns the server identity of this factory
func (f *Factory) Identity() ServerIdentity {
	return f.identity
}

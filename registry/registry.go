// Package registry owns every chat session and its presence state. All
// reads and writes go through a single lock; compound operations run inside
// Atomically so a check and the mutation that depends on it can never be
// interleaved with another connection, the inactivity sweeper, or shutdown.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cyberinferno/go-chat-server/history"
	"github.com/cyberinferno/go-chat-server/protocol"
)

var (
	// ErrInvalidName is returned when registering an empty or reserved name.
	ErrInvalidName = errors.New("invalid user name")

	// ErrAlreadyConnected is returned when registering a name that already
	// has a session in a non-disconnected state.
	ErrAlreadyConnected = errors.New("user already connected")

	// ErrUserNotFound is returned when a name has no session, or only a
	// disconnected one.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidStatus is returned for a status that cannot be set explicitly.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrNotOwner is returned when a session tries to change another
	// session's status.
	ErrNotOwner = errors.New("status can only be changed by its owner")
)

// Transport is the send side of a session's connection. The registry owns
// the transport of every session: it closes the old one when a reconnect
// replaces it and when the session is disconnected.
type Transport interface {
	// Send hands one encoded frame to the connection. It must not block on
	// a slow peer; implementations queue the frame or fail.
	Send(frame []byte) error

	// Close releases the connection. It must be safe to call more than once.
	Close() error
}

// SessionInfo is a point-in-time copy of a session's public state.
type SessionInfo struct {
	Name         string
	Status       protocol.Status
	LastActivity time.Time
	RemoteAddr   string
}

type session struct {
	name         string
	status       protocol.Status
	transport    Transport
	lastActivity time.Time
	remoteAddr   string
	history      *history.Log
}

func (s *session) connected() bool {
	return s.status != protocol.StatusDisconnected
}

func (s *session) canReceive() bool {
	return s.status != protocol.StatusDisconnected && s.status != protocol.StatusBusy
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		Name:         s.name,
		Status:       s.status,
		LastActivity: s.lastActivity,
		RemoteAddr:   s.remoteAddr,
	}
}

// Registry maps display names to sessions. Sessions are never removed: a
// disconnected session keeps its history and is resurrected when the same
// name connects again.
type Registry struct {
	mu         sync.Mutex
	sessions   map[string]*session
	clock      Clock
	historyCap int
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock used for activity timestamps.
func WithClock(c Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithHistoryCapacity sets how many messages each session's log retains.
func WithHistoryCapacity(n int) Option {
	return func(r *Registry) {
		r.historyCap = n
	}
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		sessions:   make(map[string]*session),
		clock:      systemClock{},
		historyCap: history.DefaultCapacity,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Atomically runs fn while holding the registry lock. Every method of tx
// observes and mutates the registry as one indivisible step. fn must not
// retain tx, call back into the registry, or block on the network.
//
// Parameters:
//   - fn: The work to run under the lock
//
// Returns:
//   - The error returned by fn
func (r *Registry) Atomically(fn func(tx *Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &Tx{r: r, now: r.clock.Now()}
	defer func() { tx.r = nil }()

	return fn(tx)
}

// Lookup returns a copy of the named session's state.
func (r *Registry) Lookup(name string) (SessionInfo, bool) {
	var (
		info SessionInfo
		ok   bool
	)

	_ = r.Atomically(func(tx *Tx) error {
		info, ok = tx.Lookup(name)
		return nil
	})

	return info, ok
}

// IsConnected reports whether name has a session in a non-disconnected state.
func (r *Registry) IsConnected(name string) bool {
	info, ok := r.Lookup(name)
	return ok && info.Status != protocol.StatusDisconnected
}

// Len returns the number of known sessions, connected or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Tx is the view of the registry handed to Atomically callbacks. It is only
// valid until the callback returns.
type Tx struct {
	r   *Registry
	now time.Time
}

// Now returns the time captured when the transaction started.
func (tx *Tx) Now() time.Time {
	return tx.now
}

// Register creates an Active session for name, or resurrects the
// disconnected session already known under that name. On resurrection the
// session's transport is swapped for t and the previous one is closed.
//
// Parameters:
//   - name: The display name; must be non-empty and not the general channel key
//   - t: The connection that now owns the session
//   - remoteAddr: The peer address, kept for diagnostics
//
// Returns:
//   - true if an existing session was resurrected, false for a new one
//   - ErrInvalidName or ErrAlreadyConnected on rejection
func (tx *Tx) Register(name string, t Transport, remoteAddr string) (bool, error) {
	if name == "" || name == protocol.GeneralChannel {
		return false, ErrInvalidName
	}

	s, exists := tx.r.sessions[name]
	if exists && s.connected() {
		return false, ErrAlreadyConnected
	}

	if !exists {
		tx.r.sessions[name] = &session{
			name:         name,
			status:       protocol.StatusActive,
			transport:    t,
			lastActivity: tx.now,
			remoteAddr:   remoteAddr,
			history:      history.NewLog(tx.r.historyCap),
		}

		return false, nil
	}

	if s.transport != nil && s.transport != t {
		_ = s.transport.Close()
	}

	s.transport = t
	s.status = protocol.StatusActive
	s.lastActivity = tx.now
	s.remoteAddr = remoteAddr

	return true, nil
}

// Disconnect marks name Disconnected and closes its transport, but only if t
// is still the session's transport. A handler whose connection was already
// replaced by a reconnect therefore cannot demote the new connection.
//
// Returns:
//   - true if the session transitioned to Disconnected
func (tx *Tx) Disconnect(name string, t Transport) bool {
	s, ok := tx.r.sessions[name]
	if !ok || !s.connected() || s.transport != t {
		return false
	}

	s.status = protocol.StatusDisconnected
	if s.transport != nil {
		_ = s.transport.Close()
		s.transport = nil
	}

	return true
}

// DisconnectAll marks every connected session Disconnected and closes its
// transport. It is used on server shutdown.
//
// Returns:
//   - The names that transitioned, sorted
func (tx *Tx) DisconnectAll() []string {
	var names []string
	for name, s := range tx.r.sessions {
		if !s.connected() {
			continue
		}

		s.status = protocol.StatusDisconnected
		if s.transport != nil {
			_ = s.transport.Close()
			s.transport = nil
		}

		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// Lookup returns a copy of the named session's state, disconnected or not.
func (tx *Tx) Lookup(name string) (SessionInfo, bool) {
	s, ok := tx.r.sessions[name]
	if !ok {
		return SessionInfo{}, false
	}

	return s.info(), true
}

// Exists reports whether a session was ever registered under name.
func (tx *Tx) Exists(name string) bool {
	_, ok := tx.r.sessions[name]
	return ok
}

// Connected returns every non-disconnected session, sorted by name.
func (tx *Tx) Connected() []SessionInfo {
	out := make([]SessionInfo, 0, len(tx.r.sessions))
	for _, s := range tx.r.sessions {
		if s.connected() {
			out = append(out, s.info())
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetStatus sets the presence of a connected session. Only Active, Busy and
// Inactive can be set this way; Disconnected is reached through Disconnect.
//
// Returns:
//   - ErrInvalidStatus for any other status value
//   - ErrUserNotFound if name has no connected session
func (tx *Tx) SetStatus(name string, status protocol.Status) error {
	if !status.Valid() || status == protocol.StatusDisconnected {
		return ErrInvalidStatus
	}

	s, ok := tx.r.sessions[name]
	if !ok || !s.connected() {
		return ErrUserNotFound
	}

	s.status = status
	return nil
}

// Touch records activity for a connected session.
func (tx *Tx) Touch(name string) {
	if s, ok := tx.r.sessions[name]; ok && s.connected() {
		s.lastActivity = tx.now
	}
}

// CanReceive reports whether name may be handed direct messages: it must be
// connected and not Busy.
func (tx *Tx) CanReceive(name string) bool {
	s, ok := tx.r.sessions[name]
	return ok && s.canReceive()
}

// Send hands frame to the transport of a connected session.
//
// Returns:
//   - ErrUserNotFound if name has no connected session
//   - The transport's error otherwise, if any
func (tx *Tx) Send(name string, frame []byte) error {
	s, ok := tx.r.sessions[name]
	if !ok || !s.connected() || s.transport == nil {
		return ErrUserNotFound
	}

	return s.transport.Send(frame)
}

// Record appends m to the history of each named session. A name listed
// twice is recorded once; unknown names are skipped.
func (tx *Tx) Record(m history.Message, names ...string) {
	for i, name := range names {
		if dup(names[:i], name) {
			continue
		}

		if s, ok := tx.r.sessions[name]; ok {
			s.history.Append(m)
		}
	}
}

func dup(seen []string, name string) bool {
	for _, n := range seen {
		if n == name {
			return true
		}
	}

	return false
}

// Conversation returns up to n of the newest messages exchanged between
// name and peer, oldest first, taken from name's history.
func (tx *Tx) Conversation(name, peer string, n int) []history.Message {
	s, ok := tx.r.sessions[name]
	if !ok {
		return nil
	}

	return s.history.LastMatching(n, func(m history.Message) bool {
		return (m.Origin == name && m.Destination == peer) ||
			(m.Origin == peer && m.Destination == name)
	})
}

// IdleActive returns the Active sessions whose last activity is more than
// timeout before the transaction's start time, sorted by name. Busy,
// Inactive and Disconnected sessions are never returned.
func (tx *Tx) IdleActive(timeout time.Duration) []string {
	var names []string
	for name, s := range tx.r.sessions {
		if s.status == protocol.StatusActive && tx.now.Sub(s.lastActivity) > timeout {
			names = append(names, name)
		}
	}

	sort.Strings(names)
	return names
}

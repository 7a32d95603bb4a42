// Package delivery turns chat requests into registry mutations and outbound
// frames. Every operation that both changes presence or history and fans
// frames out does so inside one registry transaction, so peers observe
// notifications in the same order the registry applied the changes.
package delivery

import (
	"errors"
	"fmt"
	"time"

	"github.com/cyberinferno/go-chat-server/history"
	"github.com/cyberinferno/go-chat-server/logger"
	"github.com/cyberinferno/go-chat-server/protocol"
	"github.com/cyberinferno/go-chat-server/registry"
)

var (
	// ErrEmptyMessage is returned when a message has no content.
	ErrEmptyMessage = errors.New("empty message")

	// ErrDisconnectedUser is returned when a direct message targets a name
	// that is unknown or not connected.
	ErrDisconnectedUser = errors.New("destination user is not connected")
)

// Result is the outcome of handing one frame to one recipient.
type Result struct {
	Name string
	Err  error
}

// Engine routes messages and answers requests on behalf of connected users.
type Engine struct {
	registry   *registry.Registry
	general    *history.Channel
	logger     logger.Logger
	maxContent int
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxContentLength lowers the accepted message size. Values outside
// 1..255 are ignored since the wire format cannot carry more.
func WithMaxContentLength(n int) Option {
	return func(e *Engine) {
		if n > 0 && n <= protocol.MaxFieldLength {
			e.maxContent = n
		}
	}
}

// New returns an Engine over reg that records general-channel traffic in general.
//
// Parameters:
//   - reg: The session registry
//   - general: The general-channel log
//   - log: Logger for per-recipient failures and request traces
//   - opts: Optional settings
//
// Returns:
//   - The new Engine
func New(reg *registry.Registry, general *history.Channel, log logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		registry:   reg,
		general:    general,
		logger:     log.With(logger.Field{Key: "component", Value: "delivery"}),
		maxContent: protocol.MaxFieldLength,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Registry returns the registry the engine operates on.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Join registers name on transport t and announces it to every connected
// user, the new one included.
//
// Returns:
//   - true if a disconnected session was resurrected
//   - registry.ErrInvalidName or registry.ErrAlreadyConnected on rejection
func (e *Engine) Join(name string, t registry.Transport, remoteAddr string) (bool, error) {
	notice, err := protocol.NewUser{User: protocol.UserEntry{Name: name, Status: protocol.StatusActive}}.Encode()
	if err != nil {
		return false, fmt.Errorf("join %q: %w", name, err)
	}

	var reconnected bool
	err = e.registry.Atomically(func(tx *registry.Tx) error {
		var err error
		reconnected, err = tx.Register(name, t, remoteAddr)
		if err != nil {
			return err
		}

		e.logResults("new user", e.broadcast(tx, notice))
		return nil
	})
	if err != nil {
		return false, err
	}

	return reconnected, nil
}

// Leave disconnects name if t is still its transport and announces the
// change. It reports whether the session transitioned.
func (e *Engine) Leave(name string, t registry.Transport) bool {
	var left bool
	_ = e.registry.Atomically(func(tx *registry.Tx) error {
		if !tx.Disconnect(name, t) {
			return nil
		}

		left = true
		e.logResults("status change", e.broadcast(tx, statusFrame(name, protocol.StatusDisconnected)))
		return nil
	})

	return left
}

// DisconnectAll disconnects every connected session, closing its transport.
// No notifications are sent since no recipients remain.
//
// Returns:
//   - The names that were disconnected
func (e *Engine) DisconnectAll() []string {
	var names []string
	_ = e.registry.Atomically(func(tx *registry.Tx) error {
		names = tx.DisconnectAll()
		return nil
	})

	return names
}

// Broadcast hands frame to every connected user. A failure for one
// recipient does not affect the others.
//
// Returns:
//   - One Result per recipient, sorted by name
func (e *Engine) Broadcast(frame []byte) []Result {
	var results []Result
	_ = e.registry.Atomically(func(tx *registry.Tx) error {
		results = e.broadcast(tx, frame)
		return nil
	})

	e.logResults("broadcast", results)
	return results
}

// SendDirect hands frame to a single connected user.
//
// Returns:
//   - registry.ErrUserNotFound if name is unknown or disconnected
//   - The transport's error otherwise, if any
func (e *Engine) SendDirect(name string, frame []byte) error {
	return e.registry.Atomically(func(tx *registry.Tx) error {
		return tx.Send(name, frame)
	})
}

// SendError answers origin with the error frame matching err. Errors with
// no wire code are only logged.
func (e *Engine) SendError(origin string, err error) {
	code, ok := ErrorCode(err)
	if !ok {
		e.logger.Debug("request failed without reply",
			logger.Field{Key: "user", Value: origin},
			logger.Field{Key: "error", Value: err.Error()})
		return
	}

	if sendErr := e.SendDirect(origin, protocol.MustEncode(protocol.Error{Code: code})); sendErr != nil {
		e.logger.Warn("error reply not delivered",
			logger.Field{Key: "user", Value: origin},
			logger.Field{Key: "code", Value: code.String()},
			logger.Field{Key: "error", Value: sendErr.Error()})
	}
}

// ListUsers answers origin with every connected user and their status. The
// snapshot and the reply share a transaction, so the list reflects every
// notification origin was sent before it.
func (e *Engine) ListUsers(origin string) error {
	return e.registry.Atomically(func(tx *registry.Tx) error {
		var users []protocol.UserEntry
		for _, s := range tx.Connected() {
			users = append(users, protocol.UserEntry{Name: s.Name, Status: s.Status})
		}

		if len(users) > protocol.MaxEntries {
			users = users[:protocol.MaxEntries]
		}

		frame, err := protocol.UserList{Users: users}.Encode()
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}

		e.replyTx(tx, origin, frame)
		return nil
	})
}

// UserInfo answers origin with the status of name.
//
// Returns:
//   - registry.ErrUserNotFound if name is unknown or disconnected
func (e *Engine) UserInfo(origin, name string) error {
	info, ok := e.registry.Lookup(name)
	if !ok || info.Status == protocol.StatusDisconnected {
		return registry.ErrUserNotFound
	}

	frame, err := protocol.UserInfo{User: protocol.UserEntry{Name: info.Name, Status: info.Status}}.Encode()
	if err != nil {
		return fmt.Errorf("user info: %w", err)
	}

	return e.reply(origin, frame)
}

// ChangeStatus sets target's status on behalf of origin and broadcasts the
// transition to every connected user, origin included.
//
// Returns:
//   - registry.ErrInvalidStatus for a status that cannot be set explicitly,
//     checked before ownership
//   - registry.ErrNotOwner if origin and target differ
//   - registry.ErrUserNotFound if target is not connected
func (e *Engine) ChangeStatus(origin, target string, status protocol.Status) error {
	if !status.Valid() || status == protocol.StatusDisconnected {
		return registry.ErrInvalidStatus
	}

	if origin != target {
		return registry.ErrNotOwner
	}

	return e.registry.Atomically(func(tx *registry.Tx) error {
		if err := tx.SetStatus(target, status); err != nil {
			return err
		}

		tx.Touch(origin)
		e.logResults("status change", e.broadcast(tx, statusFrame(target, status)))
		return nil
	})
}

// RouteMessage delivers content from origin to destination, or to everyone
// when destination is the general channel key.
//
// Direct messages are recorded in both participants' histories whenever the
// destination is connected. The destination only receives the live frame
// when it is not Busy; the origin always receives an echo.
//
// Returns:
//   - ErrEmptyMessage for empty content
//   - protocol.ErrContentTooLong for content over the configured limit
//   - registry.ErrUserNotFound if origin is no longer connected
//   - ErrDisconnectedUser if destination is unknown or disconnected
func (e *Engine) RouteMessage(origin, destination, content string) error {
	if content == "" {
		return ErrEmptyMessage
	}

	if len(content) > e.maxContent {
		return protocol.ErrContentTooLong
	}

	frame, err := protocol.MessageReceived{Origin: origin, Content: content}.Encode()
	if err != nil {
		return fmt.Errorf("route message: %w", err)
	}

	if destination == protocol.GeneralChannel {
		return e.registry.Atomically(func(tx *registry.Tx) error {
			if !connected(tx, origin) {
				return registry.ErrUserNotFound
			}

			tx.Touch(origin)
			e.general.Append(history.Message{
				Origin:      origin,
				Destination: destination,
				Content:     content,
				Timestamp:   tx.Now(),
			})

			e.logResults("general message", e.broadcast(tx, frame))
			return nil
		})
	}

	return e.registry.Atomically(func(tx *registry.Tx) error {
		if !connected(tx, origin) {
			return registry.ErrUserNotFound
		}

		dest, ok := tx.Lookup(destination)
		if !ok || dest.Status == protocol.StatusDisconnected {
			return ErrDisconnectedUser
		}

		tx.Touch(origin)
		tx.Record(history.Message{
			Origin:      origin,
			Destination: destination,
			Content:     content,
			Timestamp:   tx.Now(),
		}, origin, destination)

		delivered := false
		if tx.CanReceive(destination) {
			if err := tx.Send(destination, frame); err != nil {
				e.logResults("direct message", []Result{{Name: destination, Err: err}})
			} else {
				delivered = true
			}
		}

		// A self-message already reached origin unless it is Busy.
		if destination != origin || !delivered {
			if err := tx.Send(origin, frame); err != nil {
				e.logResults("message echo", []Result{{Name: origin, Err: err}})
			}
		}

		e.logger.Debug("direct message routed",
			logger.Field{Key: "origin", Value: origin},
			logger.Field{Key: "destination", Value: destination},
			logger.Field{Key: "delivered", Value: delivered})
		return nil
	})
}

// History answers origin with the newest entries of a conversation: the
// general channel for the "~" key, otherwise origin's exchange with the
// named user.
//
// Returns:
//   - registry.ErrUserNotFound if the named user was never registered
func (e *Engine) History(origin, chatKey string) error {
	var messages []history.Message
	if chatKey == protocol.GeneralChannel {
		messages = e.general.Last(protocol.MaxEntries)
	} else {
		err := e.registry.Atomically(func(tx *registry.Tx) error {
			if !tx.Exists(chatKey) {
				return registry.ErrUserNotFound
			}

			messages = tx.Conversation(origin, chatKey, protocol.MaxEntries)
			return nil
		})
		if err != nil {
			return err
		}
	}

	entries := make([]protocol.HistoryEntry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, protocol.HistoryEntry{Origin: m.Origin, Content: m.Content})
	}

	frame, err := protocol.History{Entries: entries}.Encode()
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}

	return e.reply(origin, frame)
}

// DemoteIdle moves every Active session idle for longer than timeout to
// Inactive and announces each transition.
//
// Returns:
//   - The demoted names, sorted
func (e *Engine) DemoteIdle(timeout time.Duration) []string {
	var demoted []string
	_ = e.registry.Atomically(func(tx *registry.Tx) error {
		for _, name := range tx.IdleActive(timeout) {
			if err := tx.SetStatus(name, protocol.StatusInactive); err != nil {
				continue
			}

			demoted = append(demoted, name)
			e.logResults("status change", e.broadcast(tx, statusFrame(name, protocol.StatusInactive)))
		}

		return nil
	})

	return demoted
}

func (e *Engine) reply(origin string, frame []byte) error {
	return e.registry.Atomically(func(tx *registry.Tx) error {
		e.replyTx(tx, origin, frame)
		return nil
	})
}

func (e *Engine) replyTx(tx *registry.Tx, origin string, frame []byte) {
	if err := tx.Send(origin, frame); err != nil {
		e.logger.Warn("reply not delivered",
			logger.Field{Key: "user", Value: origin},
			logger.Field{Key: "error", Value: err.Error()})
	}
}

func connected(tx *registry.Tx, name string) bool {
	s, ok := tx.Lookup(name)
	return ok && s.Status != protocol.StatusDisconnected
}

func (e *Engine) broadcast(tx *registry.Tx, frame []byte) []Result {
	recipients := tx.Connected()
	results := make([]Result, 0, len(recipients))
	for _, s := range recipients {
		results = append(results, Result{Name: s.Name, Err: tx.Send(s.Name, frame)})
	}

	return results
}

func (e *Engine) logResults(what string, results []Result) {
	for _, r := range results {
		if r.Err != nil {
			e.logger.Warn(what+" not delivered",
				logger.Field{Key: "user", Value: r.Name},
				logger.Field{Key: "error", Value: r.Err.Error()})
		}
	}
}

func statusFrame(name string, status protocol.Status) []byte {
	return protocol.MustEncode(protocol.StatusChange{User: protocol.UserEntry{Name: name, Status: status}})
}

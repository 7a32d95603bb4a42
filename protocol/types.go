// Package protocol implements the binary wire format exchanged between chat
// clients and the server. Every frame starts with a one-byte type tag; string
// fields are prefixed with a one-byte length, so no field can exceed 255 bytes.
package protocol

import "errors"

// MessageType is the tag carried in the first byte of every frame.
type MessageType byte

const (
	TypeListUsers    MessageType = 1
	TypeGetUserInfo  MessageType = 2
	TypeChangeStatus MessageType = 3
	TypeSendMessage  MessageType = 4
	TypeGetHistory   MessageType = 5

	TypeError        MessageType = 50
	TypeUserList     MessageType = 51
	TypeUserInfo     MessageType = 52
	TypeNewUser      MessageType = 53
	TypeStatusChange MessageType = 54
	TypeMessage      MessageType = 55
	TypeHistory      MessageType = 56
)

// IsRequest reports whether t is a client-to-server frame type.
func (t MessageType) IsRequest() bool {
	return t >= TypeListUsers && t <= TypeGetHistory
}

// String returns a short name for the message type.
func (t MessageType) String() string {
	switch t {
	case TypeListUsers:
		return "list_users"
	case TypeGetUserInfo:
		return "get_user_info"
	case TypeChangeStatus:
		return "change_status"
	case TypeSendMessage:
		return "send_message"
	case TypeGetHistory:
		return "get_history"
	case TypeError:
		return "error"
	case TypeUserList:
		return "user_list"
	case TypeUserInfo:
		return "user_info"
	case TypeNewUser:
		return "new_user"
	case TypeStatusChange:
		return "status_change"
	case TypeMessage:
		return "message"
	case TypeHistory:
		return "history"
	default:
		return "unknown"
	}
}

// Status is the presence state of a user as carried on the wire.
type Status byte

const (
	StatusDisconnected Status = 0
	StatusActive       Status = 1
	StatusBusy         Status = 2
	StatusInactive     Status = 3
)

// Valid reports whether s is one of the four known presence states.
func (s Status) Valid() bool {
	return s <= StatusInactive
}

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusActive:
		return "active"
	case StatusBusy:
		return "busy"
	case StatusInactive:
		return "inactive"
	default:
		return "invalid"
	}
}

// ErrorCode is the payload of an Error frame.
type ErrorCode byte

const (
	ErrorUserNotFound     ErrorCode = 1
	ErrorInvalidStatus    ErrorCode = 2
	ErrorEmptyMessage     ErrorCode = 3
	ErrorDisconnectedUser ErrorCode = 4
)

// String returns the conventional upper-case name of the error code.
func (c ErrorCode) String() string {
	switch c {
	case ErrorUserNotFound:
		return "USER_NOT_FOUND"
	case ErrorInvalidStatus:
		return "INVALID_STATUS"
	case ErrorEmptyMessage:
		return "EMPTY_MESSAGE"
	case ErrorDisconnectedUser:
		return "DISCONNECTED_USER"
	default:
		return "UNKNOWN_ERROR"
	}
}

const (
	// GeneralChannel is the chat key of the shared conversation. It is also
	// the one display name no user may claim.
	GeneralChannel = "~"

	// MaxFieldLength is the largest value a one-byte length prefix can carry.
	MaxFieldLength = 255

	// MaxEntries is the largest entry count a list or history frame can carry.
	MaxEntries = 255
)

var (
	// ErrMalformedFrame is returned by Decode for frames whose declared
	// lengths do not match the buffer.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownType is returned by Decode for an unrecognised type tag.
	ErrUnknownType = errors.New("unknown message type")

	// ErrFieldTooLong is returned by encoders when a string field exceeds
	// MaxFieldLength bytes.
	ErrFieldTooLong = errors.New("field exceeds 255 bytes")

	// ErrContentTooLong is returned when a message body exceeds
	// MaxFieldLength bytes. Message bodies are rejected, never truncated.
	ErrContentTooLong = errors.New("message content exceeds 255 bytes")

	// ErrTooManyEntries is returned when a list or history frame would
	// carry more than MaxEntries entries.
	ErrTooManyEntries = errors.New("frame carries more than 255 entries")
)

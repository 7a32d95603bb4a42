package protocol

import "fmt"

// Frame is one complete protocol message.
type Frame interface {
	// Type returns the tag written in the first byte of the encoded frame.
	Type() MessageType

	// Encode serialises the frame. It fails instead of truncating when a
	// field or entry list does not fit in its one-byte length prefix.
	Encode() ([]byte, error)
}

// UserEntry is a name and presence pair as carried by user list and user
// notification frames.
type UserEntry struct {
	Name   string
	Status Status
}

// HistoryEntry is one past message as carried by a History frame.
type HistoryEntry struct {
	Origin  string
	Content string
}

// ListUsers asks for every connected user. Layout: [1].
type ListUsers struct{}

// GetUserInfo asks for one user's presence. Layout: [2][len][name].
type GetUserInfo struct {
	Name string
}

// ChangeStatus asks to set the presence of Name. Layout:
// [3][len][name][status]. Status is kept as received; the server decides
// whether the value is acceptable.
type ChangeStatus struct {
	Name   string
	Status Status
}

// SendMessage asks to deliver Content to Destination, or to the general
// channel when Destination is "~". Layout: [4][len][dest][len][content].
type SendMessage struct {
	Destination string
	Content     string
}

// GetHistory asks for the log of a conversation. Layout: [5][len][chat-key].
type GetHistory struct {
	ChatKey string
}

// Error reports a failed request. Layout: [50][code].
type Error struct {
	Code ErrorCode
}

// UserList answers ListUsers. Layout: [51][count] then [len][name][status]
// per entry.
type UserList struct {
	Users []UserEntry
}

// UserInfo answers GetUserInfo. Layout: [52][len][name][status].
type UserInfo struct {
	User UserEntry
}

// NewUser announces a registration. Layout: [53][len][name][status].
type NewUser struct {
	User UserEntry
}

// StatusChange announces a presence transition. Layout:
// [54][len][name][status].
type StatusChange struct {
	User UserEntry
}

// MessageReceived carries a chat message. Layout:
// [55][len][origin][len][content].
type MessageReceived struct {
	Origin  string
	Content string
}

// History answers GetHistory. Layout: [56][count] then
// [len][origin][len][content] per entry, oldest first.
type History struct {
	Entries []HistoryEntry
}

func (ListUsers) Type() MessageType       { return TypeListUsers }
func (GetUserInfo) Type() MessageType     { return TypeGetUserInfo }
func (ChangeStatus) Type() MessageType    { return TypeChangeStatus }
func (SendMessage) Type() MessageType     { return TypeSendMessage }
func (GetHistory) Type() MessageType      { return TypeGetHistory }
func (Error) Type() MessageType           { return TypeError }
func (UserList) Type() MessageType        { return TypeUserList }
func (UserInfo) Type() MessageType        { return TypeUserInfo }
func (NewUser) Type() MessageType         { return TypeNewUser }
func (StatusChange) Type() MessageType    { return TypeStatusChange }
func (MessageReceived) Type() MessageType { return TypeMessage }
func (History) Type() MessageType         { return TypeHistory }

func (f ListUsers) Encode() ([]byte, error) {
	return []byte{byte(TypeListUsers)}, nil
}

func (f GetUserInfo) Encode() ([]byte, error) {
	w := newFrameWriter(TypeGetUserInfo, 1+len(f.Name))
	w.field(f.Name)
	return w.bytes()
}

func (f ChangeStatus) Encode() ([]byte, error) {
	return encodeUser(TypeChangeStatus, UserEntry{Name: f.Name, Status: f.Status})
}

func (f SendMessage) Encode() ([]byte, error) {
	if len(f.Content) > MaxFieldLength {
		return nil, ErrContentTooLong
	}

	w := newFrameWriter(TypeSendMessage, 2+len(f.Destination)+len(f.Content))
	w.field(f.Destination)
	w.field(f.Content)
	return w.bytes()
}

func (f GetHistory) Encode() ([]byte, error) {
	w := newFrameWriter(TypeGetHistory, 1+len(f.ChatKey))
	w.field(f.ChatKey)
	return w.bytes()
}

func (f Error) Encode() ([]byte, error) {
	return []byte{byte(TypeError), byte(f.Code)}, nil
}

func (f UserList) Encode() ([]byte, error) {
	size := 1
	for _, u := range f.Users {
		size += 2 + len(u.Name)
	}

	w := newFrameWriter(TypeUserList, size)
	w.count(len(f.Users))
	for _, u := range f.Users {
		w.field(u.Name)
		w.putByte(byte(u.Status))
	}

	return w.bytes()
}

func (f UserInfo) Encode() ([]byte, error)     { return encodeUser(TypeUserInfo, f.User) }
func (f NewUser) Encode() ([]byte, error)      { return encodeUser(TypeNewUser, f.User) }
func (f StatusChange) Encode() ([]byte, error) { return encodeUser(TypeStatusChange, f.User) }

func (f MessageReceived) Encode() ([]byte, error) {
	if len(f.Content) > MaxFieldLength {
		return nil, ErrContentTooLong
	}

	w := newFrameWriter(TypeMessage, 2+len(f.Origin)+len(f.Content))
	w.field(f.Origin)
	w.field(f.Content)
	return w.bytes()
}

func (f History) Encode() ([]byte, error) {
	size := 1
	for _, e := range f.Entries {
		size += 2 + len(e.Origin) + len(e.Content)
	}

	w := newFrameWriter(TypeHistory, size)
	w.count(len(f.Entries))
	for _, e := range f.Entries {
		w.field(e.Origin)
		w.field(e.Content)
	}

	return w.bytes()
}

func encodeUser(t MessageType, u UserEntry) ([]byte, error) {
	w := newFrameWriter(t, 2+len(u.Name))
	w.field(u.Name)
	w.putByte(byte(u.Status))
	return w.bytes()
}

// Decode parses one complete frame of either direction.
//
// Parameters:
//   - data: The frame bytes, starting with the type tag
//
// Returns:
//   - The decoded frame
//   - ErrMalformedFrame if any declared length disagrees with the buffer, or
//     ErrUnknownType (wrapped with the tag value) for an unrecognised tag
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return nil, ErrMalformedFrame
	}

	t := MessageType(data[0])
	r := &frameReader{buf: data, off: 1}

	var f Frame
	switch t {
	case TypeListUsers:
		f = ListUsers{}
	case TypeGetUserInfo:
		f = GetUserInfo{Name: r.field()}
	case TypeChangeStatus:
		u := decodeUser(r)
		f = ChangeStatus{Name: u.Name, Status: u.Status}
	case TypeSendMessage:
		dest := r.field()
		f = SendMessage{Destination: dest, Content: r.field()}
	case TypeGetHistory:
		f = GetHistory{ChatKey: r.field()}
	case TypeError:
		f = Error{Code: ErrorCode(r.readByte())}
	case TypeUserList:
		f = decodeUserList(r)
	case TypeUserInfo:
		f = UserInfo{User: decodeUser(r)}
	case TypeNewUser:
		f = NewUser{User: decodeUser(r)}
	case TypeStatusChange:
		f = StatusChange{User: decodeUser(r)}
	case TypeMessage:
		origin := r.field()
		f = MessageReceived{Origin: origin, Content: r.field()}
	case TypeHistory:
		f = decodeHistory(r)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, data[0])
	}

	if err := r.finish(); err != nil {
		return nil, err
	}

	return f, nil
}

func decodeUser(r *frameReader) UserEntry {
	name := r.field()
	return UserEntry{Name: name, Status: Status(r.readByte())}
}

func decodeUserList(r *frameReader) UserList {
	n := int(r.readByte())

	var list UserList
	for i := 0; i < n && !r.bad; i++ {
		list.Users = append(list.Users, decodeUser(r))
	}

	return list
}

func decodeHistory(r *frameReader) History {
	n := int(r.readByte())

	var h History
	for i := 0; i < n && !r.bad; i++ {
		origin := r.field()
		h.Entries = append(h.Entries, HistoryEntry{Origin: origin, Content: r.field()})
	}

	return h
}

// MustEncode encodes f and panics on failure. It is meant for frames whose
// fields are already known to fit, such as error frames and notifications
// about registered names.
func MustEncode(f Frame) []byte {
	data, err := f.Encode()
	if err != nil {
		panic(fmt.Errorf("encode %s frame: %w", f.Type(), err))
	}

	return data
}

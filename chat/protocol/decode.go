package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformed marks a frame that could not be parsed.
var ErrMalformed = errors.New("protocol: malformed frame")

// Kind classifies an inbound frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindMessage
	KindPresence
	KindOnlineUsers
	KindAllUsers
	KindAuth
	KindRegister
	KindHistory
	KindError
)

var kindNames = [...]string{
	KindUnknown:     "unknown",
	KindMessage:     "message",
	KindPresence:    "presence",
	KindOnlineUsers: "online_users",
	KindAllUsers:    "all_users",
	KindAuth:        "auth",
	KindRegister:    "register",
	KindHistory:     "history",
	KindError:       "error",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
	return kindNames[k]
}

// Status is the outcome carried by auth, register, history and error replies.
type Status struct {
	OK      bool
	Token   string
	User    string
	Message string
}

// Inbound is a decoded, normalized server frame.
type Inbound struct {
	Kind  Kind
	Event string // raw tag; empty when the kind was inferred from the shape

	Message Message   // KindMessage
	Users   []string  // KindPresence, KindOnlineUsers, KindAllUsers
	Room    string    // KindHistory, when the server names it
	History []Message // KindHistory
	Status  Status    // KindAuth, KindRegister, KindHistory, KindError
}

type fields struct {
	Status      string          `json:"status"`
	Message     json.RawMessage `json:"message"`
	Token       json.RawMessage `json:"token"`
	User        json.RawMessage `json:"user"`
	Login       string          `json:"login"`
	Room        string          `json:"room"`
	Date        string          `json:"date"`
	Timestamp   string          `json:"timestamp"`
	OnlineUsers json.RawMessage `json:"onlineUsers"`
	Users       json.RawMessage `json:"users"`
	Messages    json.RawMessage `json:"messages"`
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	fields
}

// merge fills the empty fields of f from o.
func (f *fields) merge(o fields) {
	if f.Status == "" {
		f.Status = o.Status
	}
	if len(f.Message) == 0 {
		f.Message = o.Message
	}
	if len(f.Token) == 0 {
		f.Token = o.Token
	}
	if len(f.User) == 0 {
		f.User = o.User
	}
	if f.Login == "" {
		f.Login = o.Login
	}
	if f.Room == "" {
		f.Room = o.Room
	}
	if f.Date == "" {
		f.Date = o.Date
	}
	if f.Timestamp == "" {
		f.Timestamp = o.Timestamp
	}
	if len(f.OnlineUsers) == 0 {
		f.OnlineUsers = o.OnlineUsers
	}
	if len(f.Users) == 0 {
		f.Users = o.Users
	}
	if len(f.Messages) == 0 {
		f.Messages = o.Messages
	}
}

// Decode parses one server frame. Fields may sit at the top level or
// under "data"; both spellings of the sender (login, user) and of the
// time (date, timestamp) are accepted.
func Decode(raw []byte) (Inbound, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var list json.RawMessage
	switch data := bytes.TrimSpace(f.Data); {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
	case data[0] == '{':
		var inner fields
		if err := json.Unmarshal(data, &inner); err != nil {
			return Inbound{}, fmt.Errorf("%w: data: %v", ErrMalformed, err)
		}
		f.merge(inner)
	case data[0] == '[':
		list = data
	}

	in := Inbound{Event: f.Event}
	switch f.Event {
	case EventMessage:
		in.Kind = KindMessage
	case EventOnlineUsers, EventGetOnlineUsers:
		in.Kind = KindOnlineUsers
	case EventStatusChanged:
		in.Kind = KindPresence
	case EventGetAllUsers:
		in.Kind = KindAllUsers
	case EventAuthenticated, EventLogin, EventAuth:
		in.Kind = KindAuth
	case EventRegister, EventRegisterResponse:
		in.Kind = KindRegister
	case EventMessages, EventGetMessages:
		in.Kind = KindHistory
	case EventError:
		in.Kind = KindError
	case "":
		switch {
		case f.Status != "":
			in.Kind = KindAuth
		case f.Room != "" && stringValue(f.Message) != "":
			in.Kind = KindMessage
		default:
			return in, nil
		}
	default:
		return in, nil
	}

	switch in.Kind {
	case KindMessage:
		m := f.message()
		if m.Room == "" {
			return Inbound{}, fmt.Errorf("%w: message without room", ErrMalformed)
		}
		in.Message = m
	case KindPresence, KindOnlineUsers, KindAllUsers:
		src := f.OnlineUsers
		if len(src) == 0 {
			src = f.Users
		}
		if len(src) == 0 {
			src = list
		}
		users, err := userList(src)
		if err != nil {
			return Inbound{}, err
		}
		in.Users = users
	case KindHistory:
		src := f.Messages
		if len(src) == 0 {
			src = list
		}
		history, err := messageList(src)
		if err != nil {
			return Inbound{}, err
		}
		in.History = history
		in.Room = f.Room
		if in.Room == "" && len(history) > 0 {
			in.Room = history[0].Room
		}
		in.Status = f.status(f.Status == "" || isOK(f.Status))
	case KindAuth:
		in.Status = f.status(isOK(f.Status) || (f.Status == "" && f.Event == EventAuthenticated))
	case KindRegister:
		in.Status = f.status(isOK(f.Status))
	case KindError:
		in.Status = f.status(false)
	}
	return in, nil
}

func isOK(status string) bool {
	switch status {
	case "ok", "authenticated", "success":
		return true
	}
	return false
}

func (f *fields) status(ok bool) Status {
	return Status{
		OK:      ok,
		Token:   stringValue(f.Token),
		User:    identity(f.User),
		Message: stringValue(f.Message),
	}
}

func (f *fields) message() Message {
	sender := f.Login
	if sender == "" {
		sender = identity(f.User)
	}
	ts := f.Date
	if ts == "" {
		ts = f.Timestamp
	}
	return Message{
		Sender:    sender,
		Body:      stringValue(f.Message),
		Timestamp: ts,
		Room:      f.Room,
	}
}

// stringValue returns raw as a string when it is a JSON string.
func stringValue(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// identity accepts a bare string or number, or an object carrying a
// login, name or id.
func identity(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		return stringValue(raw)
	case '{':
		var obj struct {
			Login string          `json:"login"`
			Name  string          `json:"name"`
			ID    json.RawMessage `json:"id"`
		}
		if json.Unmarshal(raw, &obj) != nil {
			return ""
		}
		switch {
		case obj.Login != "":
			return obj.Login
		case obj.Name != "":
			return obj.Name
		default:
			return identity(obj.ID)
		}
	default:
		var n json.Number
		if json.Unmarshal(raw, &n) == nil {
			return n.String()
		}
	}
	return ""
}

func userList(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, fmt.Errorf("%w: user list missing", ErrMalformed)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: user list: %v", ErrMalformed, err)
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if id := identity(it); id != "" {
			out = append(out, id)
		}
	}
	return out, nil
}

// messageList decodes history items, which the server stores either as
// objects or as JSON-encoded strings.
func messageList(raw json.RawMessage) ([]Message, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return []Message{}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: history: %v", ErrMalformed, err)
	}
	out := make([]Message, 0, len(items))
	for _, it := range items {
		it = bytes.TrimSpace(it)
		if len(it) > 0 && it[0] == '"' {
			it = json.RawMessage(stringValue(it))
		}
		var f fields
		if err := json.Unmarshal(it, &f); err != nil {
			continue
		}
		out = append(out, f.message())
	}
	return out, nil
}

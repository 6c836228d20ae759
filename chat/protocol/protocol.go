// Package protocol defines the envelopes exchanged with the chat server
// and normalizes the server's inbound shapes into one canonical form.
package protocol

import (
	"bytes"
	"encoding/json"
	"time"
)

// Outbound event tags.
const (
	EventJoin           = "join"
	EventMessage        = "message"
	EventLogin          = "login"
	EventAuth           = "auth"
	EventRegister       = "register"
	EventGetOnlineUsers = "getOnlineUsers"
	EventGetAllUsers    = "getAllUsers"
	EventGetMessages    = "getMessages"
)

// Inbound-only event tags.
const (
	EventOnlineUsers      = "onlineUsers"
	EventStatusChanged    = "user.statusChanged"
	EventRegisterResponse = "register_response"
	EventMessages         = "messages"
	EventAuthenticated    = "authenticated"
	EventError            = "error"
)

// TimeLayout is the ISO-8601 form used for message timestamps.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Envelope is the tagged unit written to the server.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Message is the canonical chat message. The json names follow the
// server's publish shape so the same value can be persisted as is.
type Message struct {
	Sender    string `json:"login"`
	Body      string `json:"message"`
	Timestamp string `json:"date"`
	Room      string `json:"room,omitempty"`
}

// Key is the deduplication key of a message.
type Key struct {
	Sender    string
	Body      string
	Timestamp string
}

func (m Message) Key() Key {
	return Key{Sender: m.Sender, Body: m.Body, Timestamp: m.Timestamp}
}

// Timestamp formats t the way messages carry it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Credentials is the payload of login and register.
type Credentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type JoinRequest struct {
	User  string `json:"user"`
	Room  string `json:"room"`
	Token string `json:"token,omitempty"`
}

type MessageRequest struct {
	Login   string `json:"login"`
	Room    string `json:"room"`
	Message string `json:"message"`
	Date    string `json:"date"`
	Token   string `json:"token,omitempty"`
}

type TokenRequest struct {
	Token string `json:"token"`
}

type HistoryRequest struct {
	Room string `json:"room"`
}

// Encode serializes an envelope. HTML characters are kept as typed.
func Encode(event string, data any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(Envelope{Event: event, Data: data}); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// NewMessageRequest builds the outbound payload for m.
func NewMessageRequest(m Message, token string) MessageRequest {
	return MessageRequest{
		Login:   m.Sender,
		Room:    m.Room,
		Message: m.Body,
		Date:    m.Timestamp,
		Token:   token,
	}
}

package models

import "time"

// Event is the flat JSON envelope exchanged over the websocket. Which fields
// are meaningful depends on Type; unused fields are omitted on the wire,
// except Timestamp, where zero is a valid client-supplied value and must
// survive the echo.
//
// Client to server: "join" {room, name}, "public_key" {key},
// "message" {text, iv, timestamp}.
// Server to client: "history" {history}, "status" {msg}, "error" {text},
// plus relayed "public_key" and "message" events carrying the sender's
// username.
type Event struct {
	Type      string          `json:"type"`
	Room      string          `json:"room,omitempty"`
	Name      string          `json:"name,omitempty"`
	Username  string          `json:"username,omitempty"`
	Key       Base64Bytes     `json:"key,omitempty"`
	Text      string          `json:"text,omitempty"`
	IV        Base64Bytes     `json:"iv,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Msg       string          `json:"msg,omitempty"`
	History   []StoredMessage `json:"history,omitempty"`
}

// StoredMessage is one persisted chat message. Encrypted holds whatever the
// sender produced: ciphertext for encrypted rooms, plaintext for the
// unencrypted fallback. The server never distinguishes the two.
//
// Timestamp is the sender-supplied value and is echoed as-is; it is not
// authoritative and is not guaranteed monotonic across senders. ReceivedAt is
// assigned by the store at insert time and is bookkeeping only; history order
// is insertion order, not timestamp order.
type StoredMessage struct {
	RoomID     string      `json:"-"`
	Username   string      `json:"username"`
	Encrypted  string      `json:"encrypted"`
	IV         Base64Bytes `json:"iv,omitempty"`
	Timestamp  int64       `json:"timestamp"`
	ReceivedAt time.Time   `json:"-"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Event type names accepted from clients.
const (
	EventJoin      = "join"
	EventPublicKey = "public_key"
	// Older clients emit "pubkey"; the relay accepts it as an alias.
	EventPubKeyAlias = "pubkey"
	EventMessage     = "message"
)

// Event type names emitted by the server.
const (
	EventHistory = "history"
	EventStatus  = "status"
	EventError   = "error"
)

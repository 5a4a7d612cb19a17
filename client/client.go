// Package client implements the browser side of the ByteChat protocol in Go:
// joining a room, exchanging ephemeral public keys through the relay, and
// encrypting message payloads with the derived shared key. The relay itself
// never performs any of this; it only forwards the opaque blobs.
package client

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kanadmarick/BitStyleMessagingApp/internal/models"
)

// Client is one participant connection.
type Client struct {
	conn *websocket.Conn

	Name string
	Room string
	Keys *KeyPair

	// sharedKey is set once the peer's public key has been processed.
	sharedKey []byte
}

// Dial connects to the relay websocket endpoint (ws://host/ws) and generates
// an ephemeral key pair for the session.
func Dial(wsURL string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	keys, err := NewKeyPair()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Client{conn: conn, Keys: keys}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Join requests admission to a room. The server replies with a history event
// on success or an error event followed by a close on rejection; callers see
// either via ReadEvent.
func (c *Client) Join(room, name string) error {
	c.Room = room
	c.Name = name
	return c.conn.WriteJSON(&models.Event{Type: models.EventJoin, Room: room, Name: name})
}

// SendPublicKey offers our ephemeral public key to the peer.
func (c *Client) SendPublicKey() error {
	return c.conn.WriteJSON(&models.Event{Type: models.EventPublicKey, Key: c.Keys.Public})
}

// AcceptPeerKey derives the shared room key from a relayed public_key event.
func (c *Client) AcceptPeerKey(ev *models.Event) error {
	key, err := c.Keys.SharedKey(ev.Key)
	if err != nil {
		return err
	}
	c.sharedKey = key
	return nil
}

// Secure reports whether the key exchange has completed.
func (c *Client) Secure() bool {
	return c.sharedKey != nil
}

// SendEncrypted encrypts plaintext with the shared key and sends it. The
// timestamp is the client's clock in milliseconds; the server echoes it
// without interpreting it.
func (c *Client) SendEncrypted(plaintext string) error {
	if !c.Secure() {
		return fmt.Errorf("key exchange not complete")
	}
	ciphertext, iv, err := Encrypt(c.sharedKey, plaintext)
	if err != nil {
		return err
	}
	return c.conn.WriteJSON(&models.Event{
		Type:      models.EventMessage,
		Text:      ciphertext,
		IV:        iv,
		Timestamp: time.Now().UnixMilli(),
	})
}

// SendPlaintext sends an unencrypted message, the fallback mode for rooms
// that never completed a key exchange.
func (c *Client) SendPlaintext(text string, timestamp int64) error {
	return c.conn.WriteJSON(&models.Event{
		Type:      models.EventMessage,
		Text:      text,
		Timestamp: timestamp,
	})
}

// DecryptEvent opens a relayed message event with the shared key.
func (c *Client) DecryptEvent(ev *models.Event) (string, error) {
	if !c.Secure() {
		return "", fmt.Errorf("key exchange not complete")
	}
	return Decrypt(c.sharedKey, ev.Text, ev.IV)
}

// ReadEvent blocks for the next server event, up to the given timeout.
func (c *Client) ReadEvent(timeout time.Duration) (*models.Event, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	var ev models.Event
	if err := c.conn.ReadJSON(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

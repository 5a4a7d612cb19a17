package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kanadmarick/BitStyleMessagingApp/client"
	"github.com/kanadmarick/BitStyleMessagingApp/internal/db"
	"github.com/kanadmarick/BitStyleMessagingApp/internal/handler"
	"github.com/kanadmarick/BitStyleMessagingApp/internal/models"
	"github.com/kanadmarick/BitStyleMessagingApp/internal/session"
)

const readTimeout = 3 * time.Second

func newTestServer(t *testing.T) (*httptest.Server, *db.Database) {
	t.Helper()

	handler.SetAllowedOrigins(nil)

	database, err := db.New(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	registry := session.NewRegistry()
	relay := handler.NewRelay(database, registry)
	historyHandler := &handler.HistoryHandler{DB: database}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", historyHandler.Health)
	mux.HandleFunc("GET /history", historyHandler.History)
	mux.HandleFunc("GET /ws", relay.HandleWebSocket)

	server := httptest.NewServer(corsMiddleware(mux))
	t.Cleanup(server.Close)
	return server, database
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func dialAndJoin(t *testing.T, server *httptest.Server, room, name string) *client.Client {
	t.Helper()

	c, err := client.Dial(wsURL(server))
	if err != nil {
		t.Fatalf("dial for %s: %v", name, err)
	}
	t.Cleanup(func() { c.Close() })

	if err := c.Join(room, name); err != nil {
		t.Fatalf("join for %s: %v", name, err)
	}

	ev := readUntil(t, c, models.EventHistory)
	if ev == nil {
		t.Fatalf("expected history event for %s on join", name)
	}
	return c
}

// readUntil reads events until one of the wanted type arrives. Unrelated
// events (join notices and the like) are skipped.
func readUntil(t *testing.T, c *client.Client, wantType string) *models.Event {
	t.Helper()

	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		ev, err := c.ReadEvent(time.Until(deadline))
		if err != nil {
			t.Fatalf("waiting for %q event: %v", wantType, err)
		}
		if ev.Type == wantType {
			return ev
		}
	}
	t.Fatalf("timed out waiting for %q event", wantType)
	return nil
}

func expectSilence(t *testing.T, c *client.Client) {
	t.Helper()
	if ev, err := c.ReadEvent(300 * time.Millisecond); err == nil {
		t.Fatalf("expected no event, got %+v", ev)
	}
}

func TestJoinDeliversHistoryThenNotifiesPeer(t *testing.T) {
	server, _ := newTestServer(t)

	alice := dialAndJoin(t, server, "r1", "alice")
	dialAndJoin(t, server, "r1", "bob")

	notice := readUntil(t, alice, models.EventStatus)
	if notice.Msg != "bob joined." {
		t.Fatalf("expected join notice for bob, got %q", notice.Msg)
	}
}

func TestThirdJoinRejectedAndConnectionClosed(t *testing.T) {
	server, _ := newTestServer(t)

	alice := dialAndJoin(t, server, "r1", "alice")
	bob := dialAndJoin(t, server, "r1", "bob")
	readUntil(t, alice, models.EventStatus) // bob's join notice

	carol, err := client.Dial(wsURL(server))
	if err != nil {
		t.Fatalf("dial carol: %v", err)
	}
	defer carol.Close()
	if err := carol.Join("r1", "carol"); err != nil {
		t.Fatalf("join carol: %v", err)
	}

	ev := readUntil(t, carol, models.EventError)
	if ev.Text != "Room full." {
		t.Fatalf("expected room-full error, got %q", ev.Text)
	}
	if _, err := carol.ReadEvent(readTimeout); err == nil {
		t.Fatalf("expected server to close carol's connection after rejection")
	}

	// The two admitted participants are unaffected.
	if err := alice.SendPlaintext("still here", 1); err != nil {
		t.Fatalf("alice send: %v", err)
	}
	msg := readUntil(t, bob, models.EventMessage)
	if msg.Text != "still here" || msg.Username != "alice" {
		t.Fatalf("expected alice's message to reach bob, got %+v", msg)
	}
}

func TestRejectionErrorAlwaysPrecedesClose(t *testing.T) {
	server, _ := newTestServer(t)

	dialAndJoin(t, server, "r1", "alice")
	dialAndJoin(t, server, "r1", "bob")

	// The error frame must be flushed before the server closes the socket
	// every time, not only when the write pump happens to win the race with
	// connection teardown.
	for i := 0; i < 20; i++ {
		c, err := client.Dial(wsURL(server))
		if err != nil {
			t.Fatalf("dial attempt %d: %v", i, err)
		}
		if err := c.Join("r1", "carol"); err != nil {
			c.Close()
			t.Fatalf("join attempt %d: %v", i, err)
		}
		ev := readUntil(t, c, models.EventError)
		if ev.Text != "Room full." {
			c.Close()
			t.Fatalf("attempt %d: expected room-full error, got %q", i, ev.Text)
		}
		c.Close()
	}
}

func TestDuplicateNameRejected(t *testing.T) {
	server, _ := newTestServer(t)

	dialAndJoin(t, server, "r1", "alice")

	impostor, err := client.Dial(wsURL(server))
	if err != nil {
		t.Fatalf("dial impostor: %v", err)
	}
	defer impostor.Close()
	if err := impostor.Join("r1", "alice"); err != nil {
		t.Fatalf("join impostor: %v", err)
	}

	ev := readUntil(t, impostor, models.EventError)
	if ev.Text != "Name already taken." {
		t.Fatalf("expected duplicate-name error, got %q", ev.Text)
	}
	if _, err := impostor.ReadEvent(readTimeout); err == nil {
		t.Fatalf("expected server to close the rejected connection")
	}
}

func TestMessageRelayedToPeerNotEchoed(t *testing.T) {
	server, _ := newTestServer(t)

	alice := dialAndJoin(t, server, "r1", "alice")
	bob := dialAndJoin(t, server, "r1", "bob")
	readUntil(t, alice, models.EventStatus) // bob's join notice

	if err := alice.SendPlaintext("hi", 1000); err != nil {
		t.Fatalf("alice send: %v", err)
	}

	msg := readUntil(t, bob, models.EventMessage)
	if msg.Username != "alice" || msg.Text != "hi" || msg.Timestamp != 1000 {
		t.Fatalf("unexpected broadcast: %+v", msg)
	}

	// The server never echoes a message back to its sender.
	expectSilence(t, alice)
}

func TestStorageFailureWarnsSenderButStillBroadcasts(t *testing.T) {
	server, database := newTestServer(t)

	alice := dialAndJoin(t, server, "r1", "alice")
	bob := dialAndJoin(t, server, "r1", "bob")
	readUntil(t, alice, models.EventStatus) // bob's join notice

	// Tear the store down underneath the relay so persistence fails.
	database.Close()

	if err := alice.SendPlaintext("hi", 1000); err != nil {
		t.Fatalf("alice send: %v", err)
	}

	warning := readUntil(t, alice, models.EventStatus)
	if !strings.Contains(warning.Msg, "could not be saved") {
		t.Fatalf("expected storage warning for the sender, got %q", warning.Msg)
	}
	msg := readUntil(t, bob, models.EventMessage)
	if msg.Text != "hi" || msg.Username != "alice" {
		t.Fatalf("expected broadcast despite storage failure, got %+v", msg)
	}
}

func TestHistoryEndpointAfterMessages(t *testing.T) {
	server, _ := newTestServer(t)

	alice := dialAndJoin(t, server, "r1", "alice")
	bob := dialAndJoin(t, server, "r1", "bob")
	readUntil(t, alice, models.EventStatus)

	if err := alice.SendPlaintext("hi", 1000); err != nil {
		t.Fatalf("alice send: %v", err)
	}
	readUntil(t, bob, models.EventMessage) // relay implies persistence was attempted

	resp, err := http.Get(server.URL + "/history?room=r1")
	if err != nil {
		t.Fatalf("GET /history: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /history, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read /history body: %v", err)
	}
	var messages []models.StoredMessage
	if err := json.Unmarshal(body, &messages); err != nil {
		t.Fatalf("decode /history body %q: %v", body, err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message in history, got %d", len(messages))
	}
	if messages[0].Username != "alice" || messages[0].Encrypted != "hi" || messages[0].Timestamp != 1000 {
		t.Fatalf("unexpected history record: %+v", messages[0])
	}
}

func TestHistoryBackfillOnJoin(t *testing.T) {
	server, _ := newTestServer(t)

	alice := dialAndJoin(t, server, "r1", "alice")
	for i, text := range []string{"first", "second"} {
		if err := alice.SendPlaintext(text, int64(1000+i)); err != nil {
			t.Fatalf("alice send %q: %v", text, err)
		}
	}

	// Persistence happens on the relay's read loop; poll the store through
	// the REST endpoint until both messages landed.
	waitForHistoryLen(t, server, "r1", 2)
	alice.Close()

	late := dialAndJoinExpectHistory(t, server, "r1", "late")
	if len(late) != 2 || late[0].Encrypted != "first" || late[1].Encrypted != "second" {
		t.Fatalf("expected ordered backfill of prior messages, got %+v", late)
	}
}

func dialAndJoinExpectHistory(t *testing.T, server *httptest.Server, room, name string) []models.StoredMessage {
	t.Helper()

	c, err := client.Dial(wsURL(server))
	if err != nil {
		t.Fatalf("dial for %s: %v", name, err)
	}
	t.Cleanup(func() { c.Close() })
	if err := c.Join(room, name); err != nil {
		t.Fatalf("join for %s: %v", name, err)
	}
	ev := readUntil(t, c, models.EventHistory)
	return ev.History
}

func waitForHistoryLen(t *testing.T, server *httptest.Server, room string, want int) {
	t.Helper()

	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(server.URL + "/history?room=" + room)
		if err != nil {
			t.Fatalf("GET /history: %v", err)
		}
		var messages []models.StoredMessage
		err = json.NewDecoder(resp.Body).Decode(&messages)
		resp.Body.Close()
		if err == nil && len(messages) >= want {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages in %s history", want, room)
}

func TestRoomReusableAfterBothDisconnect(t *testing.T) {
	server, _ := newTestServer(t)

	alice := dialAndJoin(t, server, "r1", "alice")
	bob := dialAndJoin(t, server, "r1", "bob")
	readUntil(t, alice, models.EventStatus)

	alice.Close()
	leaveNotice := readUntil(t, bob, models.EventStatus)
	if leaveNotice.Msg != "alice left." {
		t.Fatalf("expected leave notice for alice, got %q", leaveNotice.Msg)
	}
	bob.Close()

	// Registry cleanup races with the close; give the read pumps a moment.
	time.Sleep(200 * time.Millisecond)

	// Same room id and same names admit again: the room entry was removed.
	dialAndJoin(t, server, "r1", "alice")
	dialAndJoin(t, server, "r1", "bob")
}

func TestKeyExchangeAndEncryptedMessage(t *testing.T) {
	server, _ := newTestServer(t)

	alice := dialAndJoin(t, server, "r1", "alice")
	bob := dialAndJoin(t, server, "r1", "bob")
	readUntil(t, alice, models.EventStatus)

	if err := alice.SendPublicKey(); err != nil {
		t.Fatalf("alice public key: %v", err)
	}
	keyEv := readUntil(t, bob, models.EventPublicKey)
	if keyEv.Username != "alice" {
		t.Fatalf("expected relayed key attributed to alice, got %q", keyEv.Username)
	}
	if !bytes.Equal(keyEv.Key, alice.Keys.Public) {
		t.Fatalf("relayed key must be byte-identical to the sender's public key")
	}
	if err := bob.AcceptPeerKey(keyEv); err != nil {
		t.Fatalf("bob accept key: %v", err)
	}

	if err := bob.SendPublicKey(); err != nil {
		t.Fatalf("bob public key: %v", err)
	}
	if err := alice.AcceptPeerKey(readUntil(t, alice, models.EventPublicKey)); err != nil {
		t.Fatalf("alice accept key: %v", err)
	}

	if err := alice.SendEncrypted("Hello, user2!"); err != nil {
		t.Fatalf("alice encrypted send: %v", err)
	}
	msg := readUntil(t, bob, models.EventMessage)
	if msg.Text == "Hello, user2!" {
		t.Fatalf("relay must carry ciphertext, not plaintext")
	}
	plaintext, err := bob.DecryptEvent(msg)
	if err != nil {
		t.Fatalf("bob decrypt: %v", err)
	}
	if plaintext != "Hello, user2!" {
		t.Fatalf("decrypted mismatch: %q", plaintext)
	}
}

func TestEventsBeforeJoinAreDropped(t *testing.T) {
	server, _ := newTestServer(t)

	c, err := client.Dial(wsURL(server))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.SendPlaintext("too early", 1); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.SendPublicKey(); err != nil {
		t.Fatalf("send key: %v", err)
	}
	expectSilence(t, c)

	// The connection is still usable: a join afterwards succeeds.
	if err := c.Join("r1", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	readUntil(t, c, models.EventHistory)

	// Nothing was persisted by the pre-join message.
	resp, err := http.Get(server.URL + "/history?room=r1")
	if err != nil {
		t.Fatalf("GET /history: %v", err)
	}
	defer resp.Body.Close()
	var messages []models.StoredMessage
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected no persisted messages, got %+v", messages)
	}
}

func TestMalformedEventsDroppedSilently(t *testing.T) {
	server, _ := newTestServer(t)

	alice := dialAndJoin(t, server, "r1", "alice")

	raw, err := client.Dial(wsURL(server))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()
	if err := raw.Join("r1", "bob"); err != nil {
		t.Fatalf("join: %v", err)
	}
	readUntil(t, raw, models.EventHistory)
	readUntil(t, alice, models.EventStatus)

	// Unknown event type and empty message text are both dropped without a
	// reply and without reaching the peer.
	if err := raw.SendPlaintext("", 1); err != nil {
		t.Fatalf("send empty: %v", err)
	}
	expectSilence(t, alice)
	expectSilence(t, raw)
}

func TestListenPortRangeSkipsBusyPort(t *testing.T) {
	// Occupy a port, then ask for a range starting at it.
	busy, busyPort, err := listenPortRange("127.0.0.1", 19876, 19896)
	if err != nil {
		t.Fatalf("could not bind test range: %v", err)
	}
	defer busy.Close()

	second, secondPort, err := listenPortRange("127.0.0.1", busyPort, busyPort+20)
	if err != nil {
		t.Fatalf("expected a free port later in the range: %v", err)
	}
	defer second.Close()
	if secondPort <= busyPort {
		t.Fatalf("expected listener to skip the busy port %d, got %d", busyPort, secondPort)
	}
}

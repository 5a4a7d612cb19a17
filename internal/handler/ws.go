package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kanadmarick/BitStyleMessagingApp/internal/db"
	"github.com/kanadmarick/BitStyleMessagingApp/internal/metrics"
	"github.com/kanadmarick/BitStyleMessagingApp/internal/models"
	"github.com/kanadmarick/BitStyleMessagingApp/internal/session"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxEventSize      = 16384
	maxKeySize        = 8192
	maxTextSize       = 8192
	maxMessagesPerSec = 10
	sendBuffer        = 256
)

// Notices and errors sent to clients. The wording matches the original
// browser client, which string-matches "Room full." and the join/leave
// notices.
const (
	noticeRoomFull   = "Room full."
	noticeNameTaken  = "Name already taken."
	noticeStoreError = "Message could not be saved; delivery continued."
)

var (
	allowedOriginsMu sync.RWMutex
	allowedOrigins   []string
)

// SetAllowedOrigins installs the origin allowlist for websocket upgrades and
// CORS. An empty list accepts any origin; the relay carries no credentials,
// so an open demo deployment is a supported mode.
func SetAllowedOrigins(origins []string) {
	normalized := make([]string, 0, len(origins))
	for _, origin := range origins {
		if o, ok := normalizeOrigin(origin); ok {
			normalized = append(normalized, o)
		}
	}
	allowedOriginsMu.Lock()
	allowedOrigins = normalized
	allowedOriginsMu.Unlock()
}

func checkOrigin(r *http.Request) bool {
	return OriginAllowed(r.Header.Get("Origin"))
}

// OriginAllowed reports whether the given Origin header value may connect.
func OriginAllowed(origin string) bool {
	allowedOriginsMu.RLock()
	allowed := allowedOrigins
	allowedOriginsMu.RUnlock()

	if len(allowed) == 0 {
		return true
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	for _, entry := range allowed {
		if strings.EqualFold(entry, normalized) {
			return true
		}
	}
	return false
}

func normalizeOrigin(origin string) (string, bool) {
	originURL, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || originURL.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(originURL.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	if (originURL.Path != "" && originURL.Path != "/") || originURL.RawQuery != "" || originURL.Fragment != "" || originURL.User != nil {
		return "", false
	}
	return scheme + "://" + strings.ToLower(originURL.Host), true
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// WSClient is one websocket connection. Until a join is accepted it has no
// participant and every event except "join" is dropped.
type WSClient struct {
	ConnID string
	Conn   *websocket.Conn
	Send   chan []byte

	room        string
	participant *session.Participant

	messageCount int
	lastReset    time.Time
}

func (c *WSClient) joined() bool {
	return c.participant != nil
}

// Relay forwards opaque payloads between the ≤2 members of a room. It never
// inspects or logs key material or message contents; admission goes through
// the registry and accepted messages through the store.
type Relay struct {
	DB       *db.Database
	Registry *session.Registry
}

func NewRelay(database *db.Database, registry *session.Registry) *Relay {
	return &Relay{DB: database, Registry: registry}
}

func (h *Relay) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade error", "error", err)
		return
	}

	client := &WSClient{
		ConnID:    uuid.New().String(),
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
		lastReset: time.Now(),
	}

	slog.Info("WebSocket connected", "conn_id", client.ConnID, "remote_addr", r.RemoteAddr)

	go h.writePump(client)
	h.readPump(client)
}

func (h *Relay) readPump(client *WSClient) {
	defer func() {
		if client.joined() {
			remaining := h.Registry.Leave(client.room, client.participant)
			h.broadcastStatus(remaining, client.participant.Name+" left.")
			h.updateGauges()
			slog.Info("Participant left room", "conn_id", client.ConnID, "room", client.room, "name", client.participant.Name)
			// Close via the participant so broadcasters holding a stale
			// member snapshot drop instead of writing to a closed channel.
			client.participant.Close()
		} else {
			close(client.Send)
		}
		// The write pump owns the physical close: closing Send lets it drain
		// any queued frames (rejection errors included) before it writes the
		// close frame and closes the socket.
		slog.Info("WebSocket disconnected", "conn_id", client.ConnID)
	}()

	client.Conn.SetReadLimit(maxEventSize)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := client.Conn.ReadMessage()
		if err != nil {
			break
		}

		if time.Since(client.lastReset) > time.Second {
			client.messageCount = 0
			client.lastReset = time.Now()
		}
		client.messageCount++
		if client.messageCount > maxMessagesPerSec {
			slog.Warn("WebSocket rate limit exceeded", "conn_id", client.ConnID)
			return
		}

		// Malformed events are dropped without a reply. That is the protocol
		// boundary contract: clients get no signal, the server logs at debug.
		var ev models.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			slog.Debug("Dropping unparseable event", "conn_id", client.ConnID)
			continue
		}

		switch ev.Type {
		case models.EventJoin:
			if done := h.handleJoin(client, &ev); done {
				return
			}

		case models.EventPublicKey, models.EventPubKeyAlias:
			h.handlePublicKey(client, &ev)

		case models.EventMessage:
			h.handleMessage(client, &ev)

		default:
			slog.Debug("Dropping event of unknown type", "conn_id", client.ConnID, "type", ev.Type)
		}
	}
}

// handleJoin runs admission. It returns true when the connection must be
// closed (room full or duplicate name); rejection is terminal, the server
// never lets the client retry on the same socket.
func (h *Relay) handleJoin(client *WSClient, ev *models.Event) bool {
	if client.joined() {
		slog.Debug("Dropping join from already-joined connection", "conn_id", client.ConnID, "room", client.room)
		return false
	}

	name := strings.TrimSpace(ev.Name)
	participant := session.NewParticipant(name, client.Send)

	members, err := h.Registry.Join(ev.Room, participant)
	switch {
	case errors.Is(err, session.ErrRoomFull):
		slog.Warn("Room full, rejecting join", "conn_id", client.ConnID, "room", ev.Room, "name", name)
		metrics.JoinsRejected.WithLabelValues("room_full").Inc()
		h.sendEvent(participant, &models.Event{Type: models.EventError, Text: noticeRoomFull})
		return true
	case errors.Is(err, session.ErrDuplicateName):
		slog.Warn("Duplicate name, rejecting join", "conn_id", client.ConnID, "room", ev.Room, "name", name)
		metrics.JoinsRejected.WithLabelValues("duplicate_name").Inc()
		h.sendEvent(participant, &models.Event{Type: models.EventError, Text: noticeNameTaken})
		return true
	case err != nil:
		// Out-of-bounds room id or name is a malformed event: silent drop.
		slog.Debug("Dropping invalid join", "conn_id", client.ConnID, "error", err)
		return false
	}

	client.room = ev.Room
	client.participant = participant
	h.updateGauges()

	history, err := h.DB.RoomHistory(client.room)
	if err != nil {
		slog.Error("Failed to load room history on join", "room", client.room, "error", err)
		metrics.StorageErrors.Inc()
		history = nil
	}
	h.sendEvent(participant, &models.Event{Type: models.EventHistory, Room: client.room, History: history})

	h.broadcastEvent(members, participant, &models.Event{Type: models.EventStatus, Room: client.room, Msg: name + " joined."})
	slog.Info("Participant joined room", "conn_id", client.ConnID, "room", client.room, "name", name, "members", len(members))
	return false
}

// handlePublicKey forwards key material verbatim to the other room member.
// The payload is opaque to the server: only its size is checked, it is never
// persisted, and its contents are never logged.
func (h *Relay) handlePublicKey(client *WSClient, ev *models.Event) {
	if !client.joined() {
		slog.Debug("Dropping key exchange before join", "conn_id", client.ConnID)
		return
	}
	if len(ev.Key) == 0 || len(ev.Key) > maxKeySize {
		slog.Debug("Dropping key exchange with out-of-bounds size", "conn_id", client.ConnID, "size", len(ev.Key))
		return
	}

	h.broadcastEvent(h.Registry.Members(client.room), client.participant, &models.Event{
		Type:     models.EventPublicKey,
		Room:     client.room,
		Username: client.participant.Name,
		Key:      ev.Key,
	})
	slog.Debug("Relayed public key", "conn_id", client.ConnID, "room", client.room, "size", len(ev.Key))
}

// handleMessage persists then broadcasts. Persistence failure is non-fatal:
// the sender gets a status warning and the broadcast still goes out, so a
// disk problem does not halt live chat. Store and broadcast are not atomic;
// a crash between the two can lose or duplicate one side.
func (h *Relay) handleMessage(client *WSClient, ev *models.Event) {
	if !client.joined() {
		slog.Debug("Dropping message before join", "conn_id", client.ConnID)
		return
	}
	if ev.Text == "" || len(ev.Text) > maxTextSize {
		slog.Debug("Dropping message with out-of-bounds payload", "conn_id", client.ConnID, "size", len(ev.Text))
		return
	}

	sender := client.participant.Name
	if _, err := h.DB.AppendMessage(client.room, sender, ev.Text, ev.IV, ev.Timestamp); err != nil {
		slog.Error("Failed to persist message", "room", client.room, "sender", sender, "error", err)
		metrics.StorageErrors.Inc()
		h.sendEvent(client.participant, &models.Event{Type: models.EventStatus, Room: client.room, Msg: noticeStoreError})
	}

	h.broadcastEvent(h.Registry.Members(client.room), client.participant, &models.Event{
		Type:      models.EventMessage,
		Room:      client.room,
		Username:  sender,
		Text:      ev.Text,
		IV:        ev.IV,
		Timestamp: ev.Timestamp,
	})
	metrics.MessagesRelayed.Inc()
}

func (h *Relay) writePump(client *WSClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendEvent queues an event for one participant.
func (h *Relay) sendEvent(p *session.Participant, ev *models.Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("Failed to marshal event", "type", ev.Type, "error", err)
		return
	}
	if !p.Deliver(frame) {
		metrics.DroppedFrames.Inc()
		slog.Warn("Dropped frame for slow peer", "name", p.Name, "type", ev.Type)
	}
}

// broadcastEvent fans an event out to every member except the sender. The
// sender never receives its own echo; local echo is the client's job.
// Deliver is non-blocking, so one stuck peer cannot stall the relay.
func (h *Relay) broadcastEvent(members []*session.Participant, sender *session.Participant, ev *models.Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("Failed to marshal broadcast event", "type", ev.Type, "error", err)
		return
	}
	for _, member := range members {
		if sender != nil && member.ID == sender.ID {
			continue
		}
		if !member.Deliver(frame) {
			metrics.DroppedFrames.Inc()
			slog.Warn("Dropped frame for slow peer", "name", member.Name, "type", ev.Type)
		}
	}
}

func (h *Relay) broadcastStatus(members []*session.Participant, msg string) {
	h.broadcastEvent(members, nil, &models.Event{Type: models.EventStatus, Msg: msg})
}

func (h *Relay) updateGauges() {
	metrics.ActiveRooms.Set(float64(h.Registry.RoomCount()))
	metrics.ActiveParticipants.Set(float64(h.Registry.ParticipantCount()))
}

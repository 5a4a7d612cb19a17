// Package session owns the in-memory room membership state. All admission
// and departure goes through Registry so the two-participant cap holds under
// concurrent joins.
package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

const (
	// MaxRoomSize is the hard participant cap per room. It is a design
	// parameter of the two-person protocol, not runtime configuration.
	MaxRoomSize = 2

	MaxRoomIDLen = 32
	MaxNameLen   = 32
)

var (
	ErrRoomFull      = errors.New("room full")
	ErrDuplicateName = errors.New("name already taken")
	ErrInvalidRoomID = errors.New("invalid room id")
	ErrInvalidName   = errors.New("invalid participant name")
)

// Participant is one admitted connection. The registry is the only owner of
// participant membership; the relay creates participants and delivers
// outbound frames through them.
type Participant struct {
	ID   string
	Name string

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

// NewParticipant wraps an outbox channel owned by the transport layer. The
// relay's write pump drains the channel; Deliver never blocks.
func NewParticipant(name string, outbox chan []byte) *Participant {
	return &Participant{
		ID:   uuid.New().String(),
		Name: name,
		send: outbox,
	}
}

// Deliver enqueues a frame for the participant without blocking. A full
// outbox means the peer is too slow to keep up; the frame is dropped and
// false is returned so the caller can log it. The relay must never stall on
// one connection. Delivery after Close drops.
func (p *Participant) Deliver(frame []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.send <- frame:
		return true
	default:
		return false
	}
}

// Close closes the outbox. Call it only after the participant has left the
// registry; broadcasters holding a stale member snapshot then drop instead
// of hitting a closed channel.
func (p *Participant) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

// Outbox is the channel Deliver feeds.
func (p *Participant) Outbox() <-chan []byte {
	return p.send
}

type room struct {
	members map[string]*Participant // keyed by participant ID
}

// Registry maps room id to its participants. Rooms exist only while they
// have members: the first join creates the entry, the last leave removes it.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

// Join admits p into roomID. Capacity and duplicate-name checks plus the
// insert happen under one lock, so at no instant can a room exceed
// MaxRoomSize even with concurrent joiners. On success the returned slice is
// the full member set including p. ErrRoomFull and ErrDuplicateName are
// terminal for the attempt; the caller must reject the connection, never
// retry.
func (r *Registry) Join(roomID string, p *Participant) ([]*Participant, error) {
	if roomID == "" || len(roomID) > MaxRoomIDLen {
		return nil, ErrInvalidRoomID
	}
	if p == nil || p.Name == "" || len(p.Name) > MaxNameLen {
		return nil, ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{members: make(map[string]*Participant, MaxRoomSize)}
		r.rooms[roomID] = rm
	}

	if len(rm.members) >= MaxRoomSize {
		return nil, ErrRoomFull
	}
	for _, member := range rm.members {
		if member.Name == p.Name {
			return nil, ErrDuplicateName
		}
	}

	rm.members[p.ID] = p
	return rm.snapshot(), nil
}

// Leave removes p from roomID and returns the remaining members. Removing
// the last member deletes the room entry; no empty rooms linger in memory.
// Leave is idempotent: an unknown room or participant returns nil.
func (r *Registry) Leave(roomID string, p *Participant) []*Participant {
	if p == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	if _, ok := rm.members[p.ID]; !ok {
		return rm.snapshot()
	}

	delete(rm.members, p.ID)
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		return nil
	}
	return rm.snapshot()
}

// Members returns a point-in-time snapshot of the room's participants for
// broadcast fan-out. Mutating the slice does not affect the registry.
func (r *Registry) Members(roomID string) []*Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return rm.snapshot()
}

// RoomCount reports how many rooms currently have members.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// ParticipantCount reports the total number of admitted participants.
func (r *Registry) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, rm := range r.rooms {
		total += len(rm.members)
	}
	return total
}

func (rm *room) snapshot() []*Participant {
	members := make([]*Participant, 0, len(rm.members))
	for _, p := range rm.members {
		members = append(members, p)
	}
	return members
}

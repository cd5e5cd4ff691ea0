// Package room keeps the process-local groups of peers connected to each
// project and fans events out to them.
package room

import (
	"sort"
	"sync"

	"github.com/odvcencio/zenspace/pkg/logging"
	"github.com/odvcencio/zenspace/pkg/telemetry"
)

// Forwarder receives every broadcast after local delivery, for fan-out to
// other server instances.
type Forwarder interface {
	Forward(roomID, exceptPeerID string, env Envelope)
}

// Registry maps room ids to their connected peers. Broadcasts enqueue into
// each peer's outbox while holding the read lock, so events from one sender
// reach every peer in the order they were broadcast.
type Registry struct {
	mu        sync.RWMutex
	rooms     map[string]map[string]*Peer
	forwarder Forwarder
	logger    *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	return &Registry{
		rooms:  make(map[string]map[string]*Peer),
		logger: logger,
	}
}

// SetForwarder installs f to receive every broadcast. Pass nil to remove it.
func (r *Registry) SetForwarder(f Forwarder) {
	r.mu.Lock()
	r.forwarder = f
	r.mu.Unlock()
}

// Join adds p to roomID. Joining twice is a no-op; it reports whether p was
// newly added.
func (r *Registry) Join(roomID string, p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers, ok := r.rooms[roomID]
	if !ok {
		peers = make(map[string]*Peer)
		r.rooms[roomID] = peers
		telemetry.RoomsActive.Inc()
	}
	if _, exists := peers[p.ID]; exists {
		return false
	}
	peers[p.ID] = p
	telemetry.PeersConnected.Inc()

	r.logger.Log(logging.Event{
		Level:     logging.LevelInfo,
		Category:  logging.CategoryRoom,
		EventType: "peer_joined",
		ProjectID: roomID,
		PeerID:    p.ID,
		Details:   map[string]any{"user": p.UserID, "peers": len(peers)},
	})
	return true
}

// Leave removes p from roomID and closes its outbox. An emptied room is
// discarded. It reports whether p was a member.
func (r *Registry) Leave(roomID string, p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := r.removeLocked(roomID, p)
	if removed {
		r.logger.Log(logging.Event{
			Level:     logging.LevelInfo,
			Category:  logging.CategoryRoom,
			EventType: "peer_left",
			ProjectID: roomID,
			PeerID:    p.ID,
		})
	}
	return removed
}

func (r *Registry) removeLocked(roomID string, p *Peer) bool {
	peers, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if current, ok := peers[p.ID]; !ok || current != p {
		return false
	}
	delete(peers, p.ID)
	p.closeOutbox()
	telemetry.PeersConnected.Dec()
	if len(peers) == 0 {
		delete(r.rooms, roomID)
		telemetry.RoomsActive.Dec()
	}
	return true
}

// BroadcastExcept delivers env to every peer in roomID other than
// originPeerID. It returns the number of local peers that accepted it.
func (r *Registry) BroadcastExcept(roomID, originPeerID string, env Envelope) int {
	n := r.deliver(roomID, originPeerID, env)
	r.forward(roomID, originPeerID, env)
	return n
}

// BroadcastAll delivers env to every peer in roomID, the origin included.
func (r *Registry) BroadcastAll(roomID string, env Envelope) int {
	n := r.deliver(roomID, "", env)
	r.forward(roomID, "", env)
	return n
}

// DeliverLocal delivers env to local peers only, without forwarding. It is
// the entry point for envelopes arriving from other instances.
func (r *Registry) DeliverLocal(roomID, exceptPeerID string, env Envelope) int {
	return r.deliver(roomID, exceptPeerID, env)
}

// SendTo delivers env to a single peer.
func (r *Registry) SendTo(roomID, peerID string, env Envelope) bool {
	r.mu.RLock()
	p, ok := r.rooms[roomID][peerID]
	if !ok {
		r.mu.RUnlock()
		return false
	}
	accepted := p.enqueue(env)
	r.mu.RUnlock()

	if !accepted {
		r.drop(roomID, p)
	}
	return accepted
}

func (r *Registry) deliver(roomID, exceptPeerID string, env Envelope) int {
	var slow []*Peer
	delivered := 0

	r.mu.RLock()
	for id, p := range r.rooms[roomID] {
		if id == exceptPeerID {
			continue
		}
		if p.enqueue(env) {
			delivered++
		} else {
			slow = append(slow, p)
		}
	}
	r.mu.RUnlock()

	for _, p := range slow {
		r.drop(roomID, p)
	}
	return delivered
}

func (r *Registry) drop(roomID string, p *Peer) {
	r.mu.Lock()
	p.dropped.Store(true)
	removed := r.removeLocked(roomID, p)
	r.mu.Unlock()
	if !removed {
		return
	}
	telemetry.PeersDropped.Inc()
	r.logger.Log(logging.Event{
		Level:     logging.LevelWarn,
		Category:  logging.CategoryRoom,
		EventType: "peer_dropped",
		ProjectID: roomID,
		PeerID:    p.ID,
		Message:   "outbox full",
	})
}

func (r *Registry) forward(roomID, exceptPeerID string, env Envelope) {
	r.mu.RLock()
	f := r.forwarder
	r.mu.RUnlock()
	if f != nil {
		f.Forward(roomID, exceptPeerID, env)
	}
}

// Members returns the sorted peer ids in roomID.
func (r *Registry) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.rooms[roomID]))
	for id := range r.rooms[roomID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasRoom reports whether roomID has at least one peer.
func (r *Registry) HasRoom(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// Rooms returns the ids of all non-empty rooms, sorted.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const (
	// DefaultOutboxSize is how many envelopes a peer may have queued before
	// it is treated as a slow consumer and dropped.
	DefaultOutboxSize = 64

	writeTimeout = 15 * time.Second
)

// ErrSlowConsumer is returned by WriteLoop when the peer was dropped because
// its outbox overflowed.
var ErrSlowConsumer = errors.New("peer dropped: outbox full")

// Envelope is the frame exchanged with websocket clients.
type Envelope struct {
	Event     string    `json:"event"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEnvelope stamps an envelope with the current time.
func NewEnvelope(event string, data any) Envelope {
	return Envelope{Event: event, Data: data, Timestamp: time.Now().UTC()}
}

// Conn is the subset of a websocket connection a peer writes to.
type Conn interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
	Close(status websocket.StatusCode, reason string) error
}

// Peer is one admitted connection.
type Peer struct {
	ID     string
	UserID string
	Email  string

	conn      Conn
	send      chan Envelope
	closeOnce sync.Once
	dropped   atomic.Bool
}

// NewPeer wraps conn for an authenticated user. Each peer gets a fresh id so
// the same user may hold several connections.
func NewPeer(conn Conn, userID, email string) *Peer {
	return newPeer(conn, userID, email, DefaultOutboxSize)
}

func newPeer(conn Conn, userID, email string, outbox int) *Peer {
	if outbox <= 0 {
		outbox = DefaultOutboxSize
	}
	return &Peer{
		ID:     uuid.NewString(),
		UserID: userID,
		Email:  email,
		conn:   conn,
		send:   make(chan Envelope, outbox),
	}
}

// enqueue must be called with the registry lock held so it never races with
// closeOutbox.
func (p *Peer) enqueue(env Envelope) bool {
	select {
	case p.send <- env:
		return true
	default:
		return false
	}
}

func (p *Peer) closeOutbox() {
	p.closeOnce.Do(func() { close(p.send) })
}

// Dropped reports whether the peer was removed as a slow consumer.
func (p *Peer) Dropped() bool {
	return p.dropped.Load()
}

// WriteLoop drains the outbox to the connection until the outbox is closed,
// a write fails, or ctx ends.
func (p *Peer) WriteLoop(ctx context.Context) error {
	for {
		select {
		case env, ok := <-p.send:
			if !ok {
				if p.dropped.Load() {
					return ErrSlowConsumer
				}
				return nil
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = p.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close closes the underlying connection.
func (p *Peer) Close(status websocket.StatusCode, reason string) {
	_ = p.conn.Close(status, reason)
}

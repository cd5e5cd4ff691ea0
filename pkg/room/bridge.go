package room

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/zenspace/pkg/bus"
	"github.com/odvcencio/zenspace/pkg/logging"
)

// SubjectPrefix is the bus subject prefix for room traffic. The room id is
// appended as the last token.
const SubjectPrefix = "zenspace.rooms."

// BusBridge mirrors room broadcasts across server instances through a
// MessageBus. Envelopes published by this node are ignored on the way back.
type BusBridge struct {
	bus      bus.MessageBus
	registry *Registry
	logger   *logging.Logger
	nodeID   string

	mu       sync.Mutex
	ctx      context.Context
	sub      bus.Subscription
	onRemote func(roomID string, env Envelope)
}

type bridgeMessage struct {
	Node     string    `json:"node"`
	Room     string    `json:"room"`
	Except   string    `json:"except,omitempty"`
	Envelope wireFrame `json:"envelope"`
}

// wireFrame keeps the payload raw so it is relayed byte for byte.
type wireFrame struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewBusBridge creates a bridge between b and registry.
func NewBusBridge(b bus.MessageBus, registry *Registry, logger *logging.Logger) *BusBridge {
	return &BusBridge{
		bus:      b,
		registry: registry,
		logger:   logger,
		nodeID:   uuid.NewString(),
	}
}

// NodeID identifies this instance on the bus.
func (br *BusBridge) NodeID() string {
	return br.nodeID
}

// Start subscribes to all room subjects and installs the bridge as the
// registry's forwarder.
func (br *BusBridge) Start(ctx context.Context) error {
	sub, err := br.bus.Subscribe(ctx, SubjectPrefix+">", br.handle)
	if err != nil {
		return err
	}
	br.mu.Lock()
	br.ctx = ctx
	br.sub = sub
	br.mu.Unlock()
	br.registry.SetForwarder(br)
	return nil
}

// OnRemote registers fn to observe every envelope that arrives from another
// instance, after it has been delivered to local peers.
func (br *BusBridge) OnRemote(fn func(roomID string, env Envelope)) {
	br.mu.Lock()
	br.onRemote = fn
	br.mu.Unlock()
}

// Stop detaches the bridge from the registry and the bus.
func (br *BusBridge) Stop() {
	br.registry.SetForwarder(nil)
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.sub != nil {
		_ = br.sub.Unsubscribe()
		br.sub = nil
	}
}

// Forward publishes a local broadcast for other instances.
func (br *BusBridge) Forward(roomID, exceptPeerID string, env Envelope) {
	data, err := json.Marshal(env.Data)
	if err != nil {
		return
	}
	payload, err := json.Marshal(bridgeMessage{
		Node:   br.nodeID,
		Room:   roomID,
		Except: exceptPeerID,
		Envelope: wireFrame{
			Event:     env.Event,
			Data:      data,
			Timestamp: env.Timestamp,
		},
	})
	if err != nil {
		return
	}

	br.mu.Lock()
	ctx := br.ctx
	br.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := br.bus.Publish(ctx, SubjectPrefix+roomID, payload); err != nil {
		br.logger.Log(logging.Event{
			Level:     logging.LevelWarn,
			Category:  logging.CategoryBus,
			EventType: "publish_failed",
			ProjectID: roomID,
			Message:   err.Error(),
		})
	}
}

func (br *BusBridge) handle(msg *bus.Message) {
	var m bridgeMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		br.logger.Log(logging.Event{
			Level:     logging.LevelWarn,
			Category:  logging.CategoryBus,
			EventType: "invalid_message",
			Message:   err.Error(),
			Details:   map[string]any{"subject": msg.Subject},
		})
		return
	}
	if m.Node == br.nodeID {
		return
	}
	roomID := m.Room
	if roomID == "" {
		roomID = strings.TrimPrefix(msg.Subject, SubjectPrefix)
	}

	env := Envelope{Event: m.Envelope.Event, Timestamp: m.Envelope.Timestamp}
	if len(m.Envelope.Data) > 0 && string(m.Envelope.Data) != "null" {
		env.Data = m.Envelope.Data
	}
	br.registry.DeliverLocal(roomID, m.Except, env)

	br.mu.Lock()
	fn := br.onRemote
	br.mu.Unlock()
	if fn != nil {
		fn(roomID, env)
	}
}

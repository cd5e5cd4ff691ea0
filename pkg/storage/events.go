package storage

import (
	"fmt"
	"time"
)

// EventType represents the type of storage event emitted.
type EventType string

// Storage event type constants.
const (
	EventUserCreated EventType = "user.created"

	EventProjectCreated        EventType = "project.created"
	EventProjectMembersChanged EventType = "project.members_changed"
	EventFileTreeSaved         EventType = "project.filetree_saved"
)

// Event represents a change inside the storage layer that other subsystems can react to.
type Event struct {
	Type      EventType `json:"type"`
	ProjectID string    `json:"projectId,omitempty"`
	EntityID  string    `json:"entityId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FileTreeSaved is the payload of EventFileTreeSaved.
type FileTreeSaved struct {
	Revision int64 `json:"revision"`
	Files    int   `json:"files"`
}

// Observer reacts to storage events.
type Observer interface {
	HandleStorageEvent(Event)
}

// ObserverFunc is a helper to turn a function into an Observer.
type ObserverFunc func(Event)

// HandleStorageEvent implements the Observer interface.
func (f ObserverFunc) HandleStorageEvent(e Event) {
	f(e)
}

func newEvent(eventType EventType, projectID string, entityID any, data any) Event {
	entity := ""
	if entityID != nil {
		entity = fmt.Sprintf("%v", entityID)
	}
	return Event{
		Type:      eventType,
		ProjectID: projectID,
		EntityID:  entity,
		Data:      data,
		Timestamp: time.Now(),
	}
}

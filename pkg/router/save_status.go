package router

import (
	"time"

	apperrors "github.com/odvcencio/zenspace/pkg/errors"
	"github.com/odvcencio/zenspace/pkg/filetree"
	"github.com/odvcencio/zenspace/pkg/room"
)

// Save status values.
const (
	SaveStatusSaved  = "saved"
	SaveStatusFailed = "failed"
)

// SaveStatus tells an editing connection how its last write went.
type SaveStatus struct {
	Status   string     `json:"status"`
	Trigger  string     `json:"trigger,omitempty"`
	Revision int64      `json:"revision,omitempty"`
	Error    string     `json:"error,omitempty"`
	SavedAt  *time.Time `json:"savedAt,omitempty"`
}

// FileTreeSaved is broadcast to a room after any successful write.
type FileTreeSaved struct {
	ProjectID string    `json:"projectId"`
	Revision  int64     `json:"revision"`
	Files     int       `json:"files"`
	SavedAt   time.Time `json:"savedAt"`
}

// SaveStatusReporter returns a filetree.Options.OnSave hook that sends
// save-status to the connection whose edits were written. A successful write
// with no editor (generated or replaced trees) is announced by the
// filetree-saved broadcast; a failed one goes to the whole room.
func SaveStatusReporter(rooms Broadcaster) func(filetree.SaveResult) {
	return func(res filetree.SaveResult) {
		status := SaveStatus{Status: SaveStatusSaved, Trigger: string(res.Trigger), Revision: res.Revision}
		if res.Err != nil {
			status = SaveStatus{Status: SaveStatusFailed, Trigger: string(res.Trigger), Error: publicMessage(res.Err)}
		} else {
			savedAt := res.SavedAt.UTC()
			status.SavedAt = &savedAt
		}

		if res.EditorID == "" {
			if res.Err != nil {
				rooms.BroadcastAll(res.ProjectID, room.NewEnvelope(EventSaveStatus, status))
			}
			return
		}
		rooms.SendTo(res.ProjectID, res.EditorID, room.NewEnvelope(EventSaveStatus, status))
	}
}

func publicMessage(err error) string {
	if appErr, ok := apperrors.As(err); ok {
		return appErr.Public()
	}
	return "save failed"
}

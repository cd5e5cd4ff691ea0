package router

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/odvcencio/zenspace/pkg/filetree"
	"github.com/odvcencio/zenspace/pkg/logging"
	"github.com/odvcencio/zenspace/pkg/model"
	"github.com/odvcencio/zenspace/pkg/room"
)

// ApplyRemote keeps this instance's canonical tree in step with a room
// envelope relayed from another instance. Edits and generated trees are
// merged into loaded projects without scheduling a write, since the
// originating instance persists them. A filetree-saved announcement reloads
// an idle project from the store.
func (r *Router) ApplyRemote(ctx context.Context, roomID string, env room.Envelope) {
	raw, ok := env.Data.(json.RawMessage)
	if !ok || len(raw) == 0 {
		return
	}

	switch env.Event {
	case EventFileUpdate:
		var update FileUpdate
		if err := json.Unmarshal(raw, &update); err != nil {
			return
		}
		delta, err := update.delta()
		if err != nil || len(delta) == 0 {
			return
		}
		r.absorb(roomID, delta)

	case EventProjectMessage:
		var msg struct {
			Message json.RawMessage `json:"message"`
			Sender  Sender          `json:"sender"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Sender != AISender {
			return
		}
		body := bytes.TrimSpace(msg.Message)
		if len(body) == 0 || body[0] != '{' {
			return
		}
		res, err := model.Parse(string(body))
		if err != nil {
			return
		}
		if tree, ok := res.FileTree(); ok && len(tree) > 0 {
			r.absorb(roomID, tree)
		}

	case EventFileTreeSaved:
		if _, err := r.files.Refresh(ctx, roomID); err != nil {
			r.logger.Log(logging.Event{
				Level:     logging.LevelWarn,
				Category:  logging.CategoryPersistence,
				EventType: "remote_refresh_failed",
				ProjectID: roomID,
				Message:   err.Error(),
			})
		}
	}
}

func (r *Router) absorb(roomID string, delta filetree.Tree) {
	if r.files.Absorb(roomID, delta) {
		r.logger.Log(logging.Event{
			Level:     logging.LevelDebug,
			Category:  logging.CategoryPersistence,
			EventType: "remote_edit_merged",
			ProjectID: roomID,
			Details:   map[string]any{"files": len(delta)},
		})
	}
}

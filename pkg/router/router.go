// Package router dispatches the events of an admitted connection: chat relay,
// @ai directives, and file edits.
package router

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	apperrors "github.com/odvcencio/zenspace/pkg/errors"
	"github.com/odvcencio/zenspace/pkg/filetree"
	"github.com/odvcencio/zenspace/pkg/logging"
	"github.com/odvcencio/zenspace/pkg/model"
	"github.com/odvcencio/zenspace/pkg/room"
	"github.com/odvcencio/zenspace/pkg/telemetry"
)

//go:generate mockgen -package=router -destination=mock_generator_test.go github.com/odvcencio/zenspace/pkg/router Generator

// Websocket event names.
const (
	EventProjectMessage = "project-message"
	EventFileUpdate     = "file-update"
	EventFileSave       = "file-save"
	EventPing           = "ping"
	EventPong           = "pong"
	EventSaveStatus     = "save-status"
	EventFileTreeSaved  = "filetree-saved"
	EventError          = "error"
)

// DirectivePrefix marks a chat message addressed to the assistant.
const DirectivePrefix = "@ai"

// Notices sent to the room in place of an AI answer.
const (
	NoticeEmptyPrompt = "Please provide a valid prompt for AI."
	NoticeBusy        = "Server Busy, please try again later."
)

// DefaultGenerateTimeout bounds one AI call.
const DefaultGenerateTimeout = 2 * time.Minute

// DefaultWriteTimeout bounds the write of a generated tree. It starts once
// the AI call has returned.
const DefaultWriteTimeout = 10 * time.Second

// Sender identifies the author of a chat message.
type Sender struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// AISender is the synthetic author of assistant messages and notices.
var AISender = Sender{ID: "ai", Email: "AI"}

// ChatMessage is the project-message payload. Message is either a string or
// a structured AI result.
type ChatMessage struct {
	Message   any    `json:"message"`
	Sender    Sender `json:"sender"`
	Timestamp any    `json:"timestamp"`
}

// Generator produces a structured answer for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (*model.Result, error)
}

// Broadcaster is the room fan-out the router writes to.
type Broadcaster interface {
	BroadcastExcept(roomID, originPeerID string, env room.Envelope) int
	BroadcastAll(roomID string, env room.Envelope) int
	SendTo(roomID, peerID string, env room.Envelope) bool
}

// Workspace holds the canonical file trees.
type Workspace interface {
	Edit(ctx context.Context, projectID, editorID string, delta filetree.Tree) (filetree.Tree, error)
	Flush(ctx context.Context, projectID, editorID string) (filetree.SaveResult, error)
	Apply(ctx context.Context, projectID string, delta filetree.Tree) (filetree.Tree, error)
	Absorb(projectID string, delta filetree.Tree) bool
	Refresh(ctx context.Context, projectID string) (bool, error)
}

// Session is the identity of one admitted connection.
type Session struct {
	ProjectID string
	PeerID    string
	UserID    string
	Email     string
}

func (s Session) sender() Sender {
	return Sender{ID: s.UserID, Email: s.Email}
}

// Options configures a Router.
type Options struct {
	Rooms           Broadcaster
	Generator       Generator
	Files           Workspace
	Logger          *logging.Logger
	GenerateTimeout time.Duration
	WriteTimeout    time.Duration
}

// Router handles the inbound events of every connection. Dispatch is called
// from each connection's read goroutine, so one sender's events are handled
// in the order they arrived.
type Router struct {
	rooms        Broadcaster
	gen          Generator
	files        Workspace
	logger       *logging.Logger
	timeout      time.Duration
	writeTimeout time.Duration

	inflight sync.WaitGroup
}

// New creates a Router.
func New(opts Options) *Router {
	timeout := opts.GenerateTimeout
	if timeout <= 0 {
		timeout = DefaultGenerateTimeout
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Router{
		rooms:        opts.Rooms,
		gen:          opts.Generator,
		files:        opts.Files,
		logger:       opts.Logger,
		timeout:      timeout,
		writeTimeout: writeTimeout,
	}
}

// ParseDirective reports whether text is an @ai directive and returns the
// trimmed prompt that follows the prefix.
func ParseDirective(text string) (string, bool) {
	if !strings.HasPrefix(text, DirectivePrefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(text, DirectivePrefix)), true
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// IncomingMessage is a project-message payload as sent by a client. Any
// sender the client supplies is ignored.
type IncomingMessage struct {
	Message   json.RawMessage `json:"message"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// FileUpdate is the file-update payload: a single file or a partial tree.
type FileUpdate struct {
	Path     string        `json:"path,omitempty"`
	Content  *string       `json:"content,omitempty"`
	FileTree filetree.Tree `json:"fileTree,omitempty"`
	Sender   *Sender       `json:"sender,omitempty"`
}

func (u FileUpdate) delta() (filetree.Tree, error) {
	delta := filetree.Tree{}
	for path, f := range u.FileTree {
		if path == "" {
			return nil, apperrors.New(apperrors.ErrCodeValidation, "invalid file update").
				WithField("fileTree", "file paths must not be empty")
		}
		delta[path] = f
	}
	if u.Path != "" || u.Content != nil {
		if u.Path == "" {
			return nil, apperrors.New(apperrors.ErrCodeValidation, "invalid file update").
				WithField("path", "path is required")
		}
		if u.Content == nil {
			return nil, apperrors.New(apperrors.ErrCodeValidation, "invalid file update").
				WithField("content", "content is required")
		}
		delta[u.Path] = filetree.File{Content: *u.Content}
	}
	if len(delta) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeValidation, "invalid file update").
			WithField("path", "path and content or fileTree are required")
	}
	return delta, nil
}

// Dispatch decodes one websocket frame and handles it. Rejected frames are
// answered with an error event to the sender only; the returned error is for
// logging and never closes the connection by itself.
func (r *Router) Dispatch(ctx context.Context, s Session, frame []byte) error {
	var in inboundFrame
	if err := json.Unmarshal(frame, &in); err != nil || in.Event == "" {
		return r.reject(s, apperrors.New(apperrors.ErrCodeValidation, "malformed frame"))
	}

	switch in.Event {
	case EventProjectMessage:
		var msg IncomingMessage
		if err := json.Unmarshal(in.Data, &msg); err != nil || len(msg.Message) == 0 {
			return r.reject(s, apperrors.New(apperrors.ErrCodeValidation, "invalid message").
				WithField("message", "message is required"))
		}
		r.HandleMessage(ctx, s, msg)
		return nil
	case EventFileUpdate:
		var update FileUpdate
		if err := json.Unmarshal(in.Data, &update); err != nil {
			return r.reject(s, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid file update"))
		}
		return r.handleFileUpdate(ctx, s, update)
	case EventFileSave:
		_, err := r.files.Flush(ctx, s.ProjectID, s.PeerID)
		return err
	case EventPing:
		r.rooms.SendTo(s.ProjectID, s.PeerID, room.NewEnvelope(EventPong, nil))
		return nil
	default:
		return r.reject(s, apperrors.New(apperrors.ErrCodeValidation, "unknown event").
			WithContext("event", in.Event))
	}
}

func (r *Router) reject(s Session, err *apperrors.Error) error {
	payload := map[string]any{"message": err.Public()}
	if len(err.Fields) > 0 {
		payload["errors"] = err.Fields
	}
	r.rooms.SendTo(s.ProjectID, s.PeerID, room.NewEnvelope(EventError, payload))
	return err
}

// HandleMessage relays a chat message to the other peers and, when it is an
// @ai directive, starts the AI flow without blocking further relay.
func (r *Router) HandleMessage(ctx context.Context, s Session, msg IncomingMessage) {
	out := ChatMessage{
		Message:   msg.Message,
		Sender:    s.sender(),
		Timestamp: time.Now().UTC(),
	}
	if len(msg.Timestamp) > 0 && string(msg.Timestamp) != "null" {
		out.Timestamp = msg.Timestamp
	}
	r.rooms.BroadcastExcept(s.ProjectID, s.PeerID, room.NewEnvelope(EventProjectMessage, out))
	telemetry.MessagesRelayed.Inc()

	var text string
	if err := json.Unmarshal(msg.Message, &text); err != nil {
		return
	}
	prompt, ok := ParseDirective(text)
	if !ok {
		return
	}
	if prompt == "" {
		r.notice(s.ProjectID, NoticeEmptyPrompt)
		return
	}

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		r.generate(context.WithoutCancel(ctx), s, prompt)
	}()
}

// generate runs on its own goroutine. It outlives the invoking connection.
func (r *Router) generate(ctx context.Context, s Session, prompt string) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	started := time.Now()
	res, err := r.gen.Generate(ctx, prompt)
	if err != nil {
		r.logger.Log(logging.Event{
			Level:     logging.LevelError,
			Category:  logging.CategoryModel,
			EventType: "generation_failed",
			ProjectID: s.ProjectID,
			PeerID:    s.PeerID,
			Message:   err.Error(),
			Details:   map[string]any{"duration_ms": time.Since(started).Milliseconds()},
		})
		r.notice(s.ProjectID, NoticeBusy)
		return
	}

	r.rooms.BroadcastAll(s.ProjectID, room.NewEnvelope(EventProjectMessage, ChatMessage{
		Message:   res,
		Sender:    AISender,
		Timestamp: time.Now().UTC(),
	}))
	r.logger.Log(logging.Event{
		Level:     logging.LevelInfo,
		Category:  logging.CategoryModel,
		EventType: "generation_completed",
		ProjectID: s.ProjectID,
		PeerID:    s.PeerID,
		Details:   map[string]any{"duration_ms": time.Since(started).Milliseconds()},
	})

	tree, ok := res.FileTree()
	if !ok || len(tree) == 0 {
		return
	}
	writeCtx, writeCancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer writeCancel()
	if _, err := r.files.Apply(writeCtx, s.ProjectID, tree); err != nil {
		r.logger.Log(logging.Event{
			Level:     logging.LevelError,
			Category:  logging.CategoryPersistence,
			EventType: "generated_tree_failed",
			ProjectID: s.ProjectID,
			Message:   err.Error(),
		})
	}
}

func (r *Router) notice(projectID, text string) {
	r.rooms.BroadcastAll(projectID, room.NewEnvelope(EventProjectMessage, ChatMessage{
		Message:   text,
		Sender:    AISender,
		Timestamp: time.Now().UTC(),
	}))
}

func (r *Router) handleFileUpdate(ctx context.Context, s Session, update FileUpdate) error {
	delta, err := update.delta()
	if err != nil {
		appErr, _ := apperrors.As(err)
		return r.reject(s, appErr)
	}
	if _, err := r.files.Edit(ctx, s.ProjectID, s.PeerID, delta); err != nil {
		r.rooms.SendTo(s.ProjectID, s.PeerID, room.NewEnvelope(EventSaveStatus, SaveStatus{
			Status: SaveStatusFailed,
			Error:  publicMessage(err),
		}))
		return err
	}

	sender := s.sender()
	update.Sender = &sender
	r.rooms.BroadcastExcept(s.ProjectID, s.PeerID, room.NewEnvelope(EventFileUpdate, update))
	return nil
}

// Wait blocks until every in-flight AI call has finished or ctx ends.
func (r *Router) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

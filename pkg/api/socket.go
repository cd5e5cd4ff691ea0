package api

import (
	"context"
	stdliberrors "errors"
	"net/http"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	apperrors "github.com/odvcencio/zenspace/pkg/errors"
	"github.com/odvcencio/zenspace/pkg/gate"
	"github.com/odvcencio/zenspace/pkg/logging"
	"github.com/odvcencio/zenspace/pkg/room"
	"github.com/odvcencio/zenspace/pkg/router"
	"github.com/odvcencio/zenspace/pkg/telemetry"
)

// flushTimeout bounds the write of a departing peer's pending edits.
const flushTimeout = 10 * time.Second

// Rejection reasons recorded on the connections_rejected metric.
const (
	rejectCapacity = "capacity"
	rejectOrigin   = "origin"
)

// handleSocket admits a connection through the gate, joins it to its
// project's room, and pumps frames until either side goes away. Nothing is
// registered before the handshake is fully accepted.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if !s.conns.Acquire() {
		telemetry.ConnectionsRejected.WithLabelValues(rejectCapacity).Inc()
		respondError(w, http.StatusTooManyRequests, stdliberrors.New("too many connections"))
		return
	}
	defer s.conns.Release()

	if !s.isWebSocketOriginAllowed(r) {
		telemetry.ConnectionsRejected.WithLabelValues(rejectOrigin).Inc()
		respondError(w, http.StatusForbidden, stdliberrors.New("origin not allowed"))
		return
	}

	admission, err := s.gate.Admit(r.Context(), gate.Handshake{
		ProjectID: r.URL.Query().Get("projectId"),
		AuthToken: socketToken(r),
	})
	if err != nil {
		s.rejectHandshake(w, err)
		return
	}
	roomID, err := admission.Room()
	if err != nil {
		s.rejectHandshake(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn(logging.CategoryConnection, "accept_failed", err.Error(), map[string]any{"project": roomID})
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimitBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	peer := room.NewPeer(conn, admission.Identity.UserID, admission.Identity.Email)
	s.rooms.Join(roomID, peer)
	s.logger.Log(logging.Event{
		Level:     logging.LevelInfo,
		Category:  logging.CategoryConnection,
		EventType: "connected",
		ProjectID: roomID,
		PeerID:    peer.ID,
		Details:   map[string]any{"user": admission.Identity.UserID},
	})

	startWSPing(ctx, conn, func(err error) {
		s.logger.Log(logging.Event{
			Level:     logging.LevelWarn,
			Category:  logging.CategoryConnection,
			EventType: "ping_timeout",
			ProjectID: roomID,
			PeerID:    peer.ID,
			Message:   err.Error(),
		})
		cancel()
	})

	writeDone := make(chan error, 1)
	go func() {
		writeDone <- peer.WriteLoop(ctx)
		cancel()
	}()

	status, reason := s.readLoop(ctx, conn, router.Session{
		ProjectID: roomID,
		PeerID:    peer.ID,
		UserID:    admission.Identity.UserID,
		Email:     admission.Identity.Email,
	})

	s.rooms.Leave(roomID, peer)
	cancel()
	if werr := <-writeDone; stdliberrors.Is(werr, room.ErrSlowConsumer) {
		status, reason = websocket.StatusPolicyViolation, "too slow"
	}
	peer.Close(status, reason)

	flushCtx, flushCancel := context.WithTimeout(context.Background(), flushTimeout)
	s.syncer.FlushPending(flushCtx, roomID, peer.ID)
	flushCancel()
	if !s.rooms.HasRoom(roomID) {
		s.syncer.Evict(roomID)
	}

	s.logger.Log(logging.Event{
		Level:     logging.LevelInfo,
		Category:  logging.CategoryConnection,
		EventType: "disconnected",
		ProjectID: roomID,
		PeerID:    peer.ID,
		Details:   map[string]any{"reason": reason},
	})
}

// readLoop dispatches inbound frames in arrival order. It returns the close
// status to report to the client.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess router.Session) (websocket.StatusCode, string) {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.MessageBurst)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return websocket.StatusNormalClosure, ""
			case websocket.StatusMessageTooBig:
				return websocket.StatusMessageTooBig, "frame too large"
			}
			return websocket.StatusNormalClosure, ""
		}
		// Over the limit the reader waits; frames are never dropped, so relay
		// stays complete and ordered.
		if err := limiter.Wait(ctx); err != nil {
			return websocket.StatusNormalClosure, ""
		}
		if err := s.router.Dispatch(ctx, sess, data); err != nil {
			s.logger.Log(logging.Event{
				Level:     logging.LevelDebug,
				Category:  logging.CategoryConnection,
				EventType: "frame_rejected",
				ProjectID: sess.ProjectID,
				PeerID:    sess.PeerID,
				Message:   err.Error(),
			})
		}
	}
}

func (s *Server) rejectHandshake(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	telemetry.ConnectionsRejected.WithLabelValues(string(code)).Inc()
	s.logger.Info(logging.CategoryConnection, "rejected", err.Error(), map[string]any{"code": string(code)})
	respondAppError(w, err)
}

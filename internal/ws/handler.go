// Package ws is the real-time transport: one websocket per client, an
// auth-first handshake, then a read loop dispatching typed envelopes into
// the session and combat layers. Outbound traffic goes through a writer
// goroutine so registry broadcasts never block on a slow socket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/dustline/tactics-server/internal/cache"
	"github.com/dustline/tactics-server/internal/combat"
	"github.com/dustline/tactics-server/internal/engine"
	"github.com/dustline/tactics-server/internal/protocol"
	"github.com/dustline/tactics-server/internal/registry"
	"github.com/dustline/tactics-server/internal/session"
	"github.com/dustline/tactics-server/internal/store"
	"github.com/dustline/tactics-server/internal/syncproto"
)

// TokenVerifier turns an opaque token into a verified identity. Issuing and
// storing credentials is not this server's concern.
type TokenVerifier func(ctx context.Context, token string) (session.Identity, error)

const (
	authTimeout  = 10 * time.Second
	writeTimeout = 3 * time.Second
	sendBuffer   = 32
)

type Server struct {
	log      *zap.Logger
	verify   TokenVerifier
	reg      *registry.Registry
	sessions *session.Manager
	combat   *combat.Controller
	sync     *syncproto.Handler
}

func NewServer(log *zap.Logger, verify TokenVerifier, reg *registry.Registry, sm *session.Manager, cc *combat.Controller, sy *syncproto.Handler) *Server {
	return &Server{
		log:      log,
		verify:   verify,
		reg:      reg,
		sessions: sm,
		combat:   cc,
		sync:     sy,
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn := newWSConn(s.log, raw)
		defer conn.Close("bye")

		who, ok := s.handshake(r.Context(), conn, raw)
		if !ok {
			return
		}
		s.serve(r.Context(), conn, raw, who)
	}
}

// handshake requires the first frame to be an auth envelope and answers it
// before anything else flows.
func (s *Server) handshake(ctx context.Context, conn *wsConn, raw *websocket.Conn) (session.Identity, bool) {
	readCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()
	_, data, err := raw.Read(readCtx)
	if err != nil {
		return session.Identity{}, false
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != protocol.MsgAuth {
		conn.trySend(ctx, protocol.MustEnvelope(protocol.MsgAuthError, protocol.Error{
			Code: "auth_required", Message: "first message must be auth",
		}))
		return session.Identity{}, false
	}
	var auth protocol.Auth
	if err := json.Unmarshal(env.Payload, &auth); err != nil {
		conn.trySend(ctx, protocol.MustEnvelope(protocol.MsgAuthError, protocol.Error{
			Code: "bad_payload", Message: "malformed auth payload",
		}))
		return session.Identity{}, false
	}

	who, err := s.verify(ctx, auth.Token)
	if err != nil {
		conn.trySend(ctx, protocol.MustEnvelope(protocol.MsgAuthError, protocol.Error{
			Code: "invalid_token", Message: "token rejected",
		}))
		return session.Identity{}, false
	}

	conn.trySend(ctx, protocol.MustEnvelope(protocol.MsgAuthSuccess, protocol.AuthSuccess{
		UserID:   who.UserID,
		Username: who.Username,
	}))
	return who, true
}

func (s *Server) serve(ctx context.Context, conn *wsConn, raw *websocket.Conn, who session.Identity) {
	s.reg.Register(ctx, who.UserID, conn)
	joined := make(map[string]struct{})
	defer s.teardown(who, conn, joined)

	s.log.Info("client connected", zap.String("user", who.UserID))
	for {
		_, data, err := raw.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				s.log.Debug("socket read ended", zap.String("user", who.UserID), zap.Error(err))
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			conn.trySend(ctx, errorEnvelope("bad_json", "malformed envelope"))
			continue
		}
		if err := s.dispatch(ctx, conn, who, joined, env); err != nil {
			conn.trySend(ctx, errorEnvelope(errorCode(err), err.Error()))
		}
	}
}

// teardown cleans up after a socket's read loop ends. A fast duplicate
// login can re-register and re-subscribe before the evicted socket's
// deferred cleanup runs, so nothing shared is touched unless the registry
// still maps the identity to this conn.
func (s *Server) teardown(who session.Identity, conn registry.Conn, joined map[string]struct{}) {
	// Fresh context; the request's is already cancelled by now.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if !s.reg.Holds(who.UserID, conn) {
		return // superseded; the replacement owns the shared state now
	}
	for sessionID := range joined {
		s.reg.Unsubscribe(sessionID, who.UserID)
		if err := s.sessions.MarkConnected(ctx, sessionID, who, false); err != nil {
			s.log.Debug("marking disconnect", zap.String("user", who.UserID), zap.Error(err))
		}
	}
	s.reg.Unregister(who.UserID, conn)
}

func (s *Server) dispatch(ctx context.Context, conn *wsConn, who session.Identity, joined map[string]struct{}, env protocol.Envelope) error {
	switch env.Type {
	case protocol.MsgSessionJoin:
		var p protocol.SessionJoin
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errBadPayload
		}
		// An existing seat means this is a reconnect, whatever the session's
		// status; otherwise go through the join gates.
		joinedPart, err := s.sessions.Reconnect(ctx, p.SessionID, who)
		if errors.Is(err, store.ErrNotFound) {
			joinedPart, err = s.sessions.Join(ctx, p.SessionID, who, session.JoinParams{
				Password:    p.Password,
				CharacterID: p.CharacterID,
			})
		}
		if err != nil {
			return err
		}
		s.reg.Subscribe(p.SessionID, who.UserID)
		joined[p.SessionID] = struct{}{}

		conn.trySend(ctx, protocol.MustEnvelope(protocol.MsgSessionJoined, protocol.ParticipantRef{
			SessionID:     p.SessionID,
			ParticipantID: joinedPart.ID,
		}))
		return s.sendFull(ctx, conn, p.SessionID)

	case protocol.MsgSessionLeave:
		var p protocol.SessionRef
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errBadPayload
		}
		s.reg.Unsubscribe(p.SessionID, who.UserID)
		delete(joined, p.SessionID)
		return s.sessions.Leave(ctx, p.SessionID, who)

	case protocol.MsgSessionReady:
		var p protocol.SessionReady
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errBadPayload
		}
		return s.sessions.Ready(ctx, p.SessionID, who, p.Ready)

	case protocol.MsgSessionStart:
		var p protocol.SessionRef
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errBadPayload
		}
		return s.sessions.Start(ctx, p.SessionID, who)

	case protocol.MsgSessionKick:
		var p protocol.SessionKick
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errBadPayload
		}
		return s.sessions.Kick(ctx, p.SessionID, who, p.ParticipantID)

	case protocol.MsgActionMove, protocol.MsgActionAttack, protocol.MsgActionUse, protocol.MsgActionTouch:
		var p protocol.SessionRef
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errBadPayload
		}
		return s.combat.RelayAction(ctx, p.SessionID, who, env.Type, env.Payload)

	case protocol.MsgTurnEnd:
		var p protocol.TurnEnd
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errBadPayload
		}
		return s.combat.EndTurn(ctx, p.SessionID, who)

	case protocol.MsgStateUpdate:
		var p protocol.StateUpdate
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errBadPayload
		}
		return s.combat.ApplyStateUpdate(ctx, p.SessionID, who, p)

	case protocol.MsgSyncRequest:
		var p protocol.SyncRequest
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errBadPayload
		}
		if p.Full || p.Since.IsZero() {
			return s.sendFull(ctx, conn, p.SessionID)
		}
		delta, err := s.sync.DeltaSince(ctx, p.SessionID, p.Since)
		if err != nil {
			return err
		}
		env, err := protocol.NewEnvelope(protocol.MsgSyncDelta, delta)
		if err != nil {
			return err
		}
		conn.trySend(ctx, env)
		return nil

	case protocol.MsgChat:
		var p protocol.Chat
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errBadPayload
		}
		p.From = who.Username
		s.sync.Broadcast(ctx, p.SessionID, protocol.MustEnvelope(protocol.MsgChat, p), "")
		return nil

	default:
		return errUnknownType
	}
}

func (s *Server) sendFull(ctx context.Context, conn *wsConn, sessionID string) error {
	snap, err := s.sync.FullSnapshot(ctx, sessionID)
	if err != nil {
		return err
	}
	env, err := protocol.NewEnvelope(protocol.MsgSyncFullState, snap)
	if err != nil {
		return err
	}
	conn.trySend(ctx, env)
	return nil
}

var errBadPayload = errors.New("malformed payload")
var errUnknownType = errors.New("unknown message type")

func errorCode(err error) string {
	switch {
	case errors.Is(err, errBadPayload):
		return "bad_payload"
	case errors.Is(err, errUnknownType):
		return "unknown_type"
	case errors.Is(err, session.ErrNotJoinable):
		return "not_joinable"
	case errors.Is(err, session.ErrFull):
		return "session_full"
	case errors.Is(err, session.ErrForbidden):
		return "forbidden"
	case errors.Is(err, session.ErrAlreadyJoined):
		return "already_joined"
	case errors.Is(err, session.ErrLevelOutOfRange):
		return "level_out_of_range"
	case errors.Is(err, session.ErrNotReady):
		return "not_ready"
	case errors.Is(err, session.ErrAlreadyStarted):
		return "already_started"
	case errors.Is(err, engine.ErrNotYourTurn):
		return "not_your_turn"
	case errors.Is(err, engine.ErrNotInCombat):
		return "not_in_combat"
	case errors.Is(err, combat.ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, cache.ErrMiss):
		return "not_found"
	default:
		return "internal"
	}
}

func errorEnvelope(code, message string) protocol.Envelope {
	return protocol.MustEnvelope(protocol.MsgError, protocol.Error{Code: code, Message: message})
}

// wsConn adapts a websocket to the registry's Conn. Sends go through a
// buffered channel and a single writer goroutine; a full buffer drops the
// message rather than stalling a broadcast, and the client recovers through
// a sync request.
type wsConn struct {
	log    *zap.Logger
	raw    *websocket.Conn
	outbox chan protocol.Envelope
	done   chan struct{}
	once   sync.Once
}

func newWSConn(log *zap.Logger, raw *websocket.Conn) *wsConn {
	c := &wsConn{
		log:    log,
		raw:    raw,
		outbox: make(chan protocol.Envelope, sendBuffer),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.outbox:
			payload, err := json.Marshal(env)
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err = c.raw.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

var errConnClosed = errors.New("connection closed")
var errSendBufferFull = errors.New("send buffer full")

func (c *wsConn) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-c.done:
		return errConnClosed
	case c.outbox <- env:
		return nil
	default:
		return errSendBufferFull
	}
}

// trySend is Send without caring about the result, for replies on the
// connection's own request path.
func (c *wsConn) trySend(ctx context.Context, env protocol.Envelope) {
	if err := c.Send(ctx, env); err != nil {
		c.log.Debug("dropping reply", zap.Error(err))
	}
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.raw.Ping(ctx)
}

func (c *wsConn) Close(reason string) error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.raw.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}

var _ registry.Conn = (*wsConn)(nil)

// Package registry tracks live sockets: which identity owns which
// connection and which identities watch which session. Both maps are purely
// in-process and rebuilt from nothing on restart.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dustline/tactics-server/internal/protocol"
)

// Conn is the slice of a socket the registry needs. The ws package adapts a
// real websocket connection; tests plug in fakes.
type Conn interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

type Registry struct {
	log *zap.Logger

	mu       sync.RWMutex
	conns    map[string]Conn                // identity -> live socket
	sessions map[string]map[string]struct{} // session -> subscribed identities
}

func New(log *zap.Logger) *Registry {
	return &Registry{
		log:      log,
		conns:    make(map[string]Conn),
		sessions: make(map[string]map[string]struct{}),
	}
}

// Register binds an identity to a socket. A second login for the same
// identity evicts the first: the old socket gets a superseded notice and is
// closed, so at most one live socket exists per identity.
func (r *Registry) Register(ctx context.Context, identity string, conn Conn) {
	r.mu.Lock()
	old := r.conns[identity]
	r.conns[identity] = conn
	r.mu.Unlock()

	if old != nil {
		notice := protocol.MustEnvelope(protocol.MsgSuperseded, protocol.Error{
			Code:    "superseded",
			Message: "logged in from another client",
		})
		_ = old.Send(ctx, notice)
		_ = old.Close("superseded")
		r.log.Info("superseded connection", zap.String("identity", identity))
	}
}

// Unregister drops the identity's socket mapping, but only if it still
// points at the given conn. A superseding login must not be torn down by
// the evicted socket's cleanup.
func (r *Registry) Unregister(identity string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[identity] == conn {
		delete(r.conns, identity)
	}
}

// Holds reports whether the identity's live socket is still this conn.
// Evicted sockets consult it before cleaning up shared state.
func (r *Registry) Holds(identity string, conn Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[identity] == conn
}

func (r *Registry) Subscribe(sessionID, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.sessions[sessionID]
	if set == nil {
		set = make(map[string]struct{})
		r.sessions[sessionID] = set
	}
	set[identity] = struct{}{}
}

func (r *Registry) Unsubscribe(sessionID, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.sessions[sessionID]
	if set == nil {
		return
	}
	delete(set, identity)
	if len(set) == 0 {
		delete(r.sessions, sessionID)
	}
}

// Broadcast sends to every subscribed identity with a live socket. Closed or
// missing sockets are skipped silently; a dropped viewer resyncs on
// reconnect.
func (r *Registry) Broadcast(ctx context.Context, sessionID string, env protocol.Envelope, exclude string) {
	r.mu.RLock()
	var targets []Conn
	for identity := range r.sessions[sessionID] {
		if identity == exclude {
			continue
		}
		if conn, ok := r.conns[identity]; ok {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.Send(ctx, env); err != nil {
			r.log.Debug("broadcast send failed", zap.String("session", sessionID), zap.Error(err))
		}
	}
}

// Unicast is a no-op when the identity has no live socket.
func (r *Registry) Unicast(ctx context.Context, identity string, env protocol.Envelope) {
	r.mu.RLock()
	conn, ok := r.conns[identity]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := conn.Send(ctx, env); err != nil {
		r.log.Debug("unicast send failed", zap.String("identity", identity), zap.Error(err))
	}
}

func (r *Registry) Connected(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[identity]
	return ok
}

// RunHeartbeat probes every live socket each interval and closes the ones
// that fail to answer within timeout. Closing feeds the same cleanup path a
// normal disconnect does.
func (r *Registry) RunHeartbeat(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probe(ctx, timeout)
		}
	}
}

func (r *Registry) probe(ctx context.Context, timeout time.Duration) {
	r.mu.RLock()
	probes := make(map[string]Conn, len(r.conns))
	for identity, conn := range r.conns {
		probes[identity] = conn
	}
	r.mu.RUnlock()

	for identity, conn := range probes {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := conn.Ping(pctx)
		cancel()
		if err != nil {
			r.log.Info("heartbeat failed, closing socket", zap.String("identity", identity), zap.Error(err))
			_ = conn.Close("heartbeat timeout")
		}
	}
}

// Package hub owns one runner per active session. Every turn-state mutation
// for a session executes on its runner goroutine, so client commands, bot
// commands and timer callbacks can never interleave within one session while
// different sessions stay fully concurrent.
package hub

import "context"

type HubMsg interface{ isHubMsg() }

type EnsureRunner struct {
	SessionID string
	Reply     chan *Runner
}

type GetRunner struct {
	SessionID string
	Reply     chan *Runner
}

type RemoveRunner struct {
	SessionID string
}

type ShutdownHub struct{}

func (EnsureRunner) isHubMsg() {}
func (GetRunner) isHubMsg()    {}
func (RemoveRunner) isHubMsg() {}
func (ShutdownHub) isHubMsg()  {}

type Hub struct {
	inbox   chan HubMsg
	runners map[string]*Runner
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewHub(parent context.Context) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		runners: make(map[string]*Runner),
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case EnsureRunner:
				r := h.runners[msg.SessionID]
				if r == nil {
					r = newRunner(h.ctx, msg.SessionID)
					h.runners[msg.SessionID] = r
				}
				msg.Reply <- r

			case GetRunner:
				msg.Reply <- h.runners[msg.SessionID] // may be nil

			case RemoveRunner:
				if r := h.runners[msg.SessionID]; r != nil {
					r.stop()
					delete(h.runners, msg.SessionID)
				}

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) shutdown() {
	for id, r := range h.runners {
		r.stop()
		delete(h.runners, id)
	}
	h.cancel()
}

// Ensure returns the session's runner, creating it if needed.
func (h *Hub) Ensure(sessionID string) *Runner {
	reply := make(chan *Runner, 1)
	h.inbox <- EnsureRunner{SessionID: sessionID, Reply: reply}
	return <-reply
}

// Get returns the session's runner or nil.
func (h *Hub) Get(sessionID string) *Runner {
	reply := make(chan *Runner, 1)
	h.inbox <- GetRunner{SessionID: sessionID, Reply: reply}
	return <-reply
}

// Remove stops and forgets the session's runner, after a session finishes.
func (h *Hub) Remove(sessionID string) {
	h.inbox <- RemoveRunner{SessionID: sessionID}
}

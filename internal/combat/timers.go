package combat

import (
	"sync"
	"time"
)

// timerSet owns the wall-clock callbacks, one per session at most. Each arm
// bumps the session's generation; a fired callback presents the generation it
// was armed with, so a callback that lost to a newer arm or a cancel is
// ignored even if it was already in flight when the stop raced.
type timerSet struct {
	mu    sync.Mutex
	byID  map[string]*sessionTimer
	clock func(d time.Duration, fn func()) *time.Timer
}

type sessionTimer struct {
	gen   uint64
	timer *time.Timer
}

func newTimerSet() *timerSet {
	return &timerSet{
		byID:  make(map[string]*sessionTimer),
		clock: time.AfterFunc,
	}
}

func (ts *timerSet) arm(sessionID string, d time.Duration, fired func(gen uint64)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	st := ts.byID[sessionID]
	if st == nil {
		st = &sessionTimer{}
		ts.byID[sessionID] = st
	} else if st.timer != nil {
		st.timer.Stop()
	}
	st.gen++
	gen := st.gen
	st.timer = ts.clock(d, func() { fired(gen) })
}

func (ts *timerSet) cancel(sessionID string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	st := ts.byID[sessionID]
	if st == nil {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.gen++
}

// remove forgets the session's entry entirely. Only safe once no further
// arms are coming for the session; a stale callback against a later life of
// the same session id still falls through the cache timer re-read.
func (ts *timerSet) remove(sessionID string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if st := ts.byID[sessionID]; st != nil && st.timer != nil {
		st.timer.Stop()
	}
	delete(ts.byID, sessionID)
}

func (ts *timerSet) isCurrent(sessionID string, gen uint64) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	st := ts.byID[sessionID]
	return st != nil && st.timer != nil && st.gen == gen
}

package service

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crowdlab/session-engine/internal/domain/model"
	"github.com/crowdlab/session-engine/internal/service/stage"
)

// ErrDuplicateSubject rejects a register_subject for a subject that
// already has a live connection.
var ErrDuplicateSubject = errors.New("subject already connected")

// session is the per-participant record: position in the script, loading
// gate, current connection, and reconnection grace.
type session struct {
	subjectID model.SubjectID
	connID    model.ConnectionID // uuid.Nil while disconnected
	stager    *stage.Stager
	gate      *stage.Gate

	graceTimer     *time.Timer
	inLoadingGrace bool
}

// SessionRegistry is the process-wide map of participants. It owns
// session records exclusively; a session is destroyed only when the
// reconnection grace expires without a reconnect.
type SessionRegistry struct {
	mu            sync.Mutex
	sessions      map[model.SubjectID]*session
	connToSubject map[uuid.UUID]model.SubjectID

	grace time.Duration
	// loadingGrace replaces grace for subjects mid runtime-load: a heavy
	// download can freeze the tab long enough to drop the socket, and
	// those subjects get the gate's own deadline instead of the standard
	// reconnect window.
	loadingGrace time.Duration
	onExpired    func(model.SubjectID)
}

func NewSessionRegistry(grace, loadingGrace time.Duration, onExpired func(model.SubjectID)) *SessionRegistry {
	return &SessionRegistry{
		sessions:      make(map[model.SubjectID]*session),
		connToSubject: make(map[uuid.UUID]model.SubjectID),
		grace:         grace,
		loadingGrace:  loadingGrace,
		onExpired:     onExpired,
	}
}

// Register creates or resumes a session for the connection. resumed is
// true when the subject returned within grace. A subject with a live
// connection is rejected as a duplicate.
func (r *SessionRegistry) Register(subjectID model.SubjectID, connID model.ConnectionID, newSession func() (*stage.Stager, *stage.Gate)) (resumed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[subjectID]
	if ok && s.connID != uuid.Nil {
		return false, ErrDuplicateSubject
	}

	if ok {
		// Returning within grace (or right at its edge; the timer race
		// is settled here because both paths take the registry lock).
		if s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = nil
		}
		s.connID = connID
		r.connToSubject[connID] = subjectID
		return true, nil
	}

	stager, gate := newSession()
	r.sessions[subjectID] = &session{
		subjectID: subjectID,
		connID:    connID,
		stager:    stager,
		gate:      gate,
	}
	r.connToSubject[connID] = subjectID
	return false, nil
}

// Disconnect marks the session disconnected and starts the grace clock.
// The session itself survives until grace expires.
func (r *SessionRegistry) Disconnect(connID model.ConnectionID) (model.SubjectID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subjectID, ok := r.connToSubject[connID]
	if !ok {
		return "", false
	}
	delete(r.connToSubject, connID)

	s := r.sessions[subjectID]
	if s == nil || s.connID != connID {
		// A newer connection already took over.
		return subjectID, false
	}
	s.connID = uuid.Nil
	grace := r.grace
	if s.inLoadingGrace && r.loadingGrace > grace {
		grace = r.loadingGrace
	}
	s.graceTimer = time.AfterFunc(grace, func() {
		r.expire(subjectID)
	})
	return subjectID, true
}

func (r *SessionRegistry) expire(subjectID model.SubjectID) {
	r.mu.Lock()
	s, ok := r.sessions[subjectID]
	if !ok || s.connID != uuid.Nil {
		// Reconnected while the timer fired.
		r.mu.Unlock()
		return
	}
	delete(r.sessions, subjectID)
	r.mu.Unlock()

	if r.onExpired != nil {
		r.onExpired(subjectID)
	}
}

// Remove destroys a session immediately (shutdown path).
func (r *SessionRegistry) Remove(subjectID model.SubjectID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[subjectID]; ok {
		if s.graceTimer != nil {
			s.graceTimer.Stop()
		}
		if s.connID != uuid.Nil {
			delete(r.connToSubject, s.connID)
		}
		delete(r.sessions, subjectID)
	}
}

// Lookup returns the live session parts for a subject.
func (r *SessionRegistry) Lookup(subjectID model.SubjectID) (*stage.Stager, *stage.Gate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[subjectID]
	if !ok {
		return nil, nil, false
	}
	return s.stager, s.gate, true
}

// SubjectOf resolves the connection's subject.
func (r *SessionRegistry) SubjectOf(connID model.ConnectionID) (model.SubjectID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.connToSubject[connID]
	return s, ok
}

// SetLoadingGrace flags that the client is busy loading its runtime.
// While set, a disconnect gets the loading window instead of the
// standard reconnect grace. Cleared on completion and on gate failure.
func (r *SessionRegistry) SetLoadingGrace(subjectID model.SubjectID, in bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[subjectID]; ok {
		s.inLoadingGrace = in
	}
}

// Connected reports whether the subject has a live connection.
func (r *SessionRegistry) Connected(subjectID model.SubjectID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[subjectID]
	return ok && s.connID != uuid.Nil
}

// Count reports registered sessions, connected or in grace.
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Drain stops every grace timer and clears the registry (shutdown).
func (r *SessionRegistry) Drain() []model.SubjectID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.SubjectID, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s.graceTimer != nil {
			s.graceTimer.Stop()
		}
		out = append(out, id)
		delete(r.sessions, id)
	}
	r.connToSubject = make(map[uuid.UUID]model.SubjectID)
	return out
}

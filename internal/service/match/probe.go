package match

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crowdlab/session-engine/internal/domain/model"
)

// ProbeSender delivers probe instructions to a subject's connection.
// Satisfied by the transport hub.
type ProbeSender interface {
	Send(subjectID model.SubjectID, ev model.Outbound) bool
}

// ProbeResult is the outcome reported to the requester. Measured=false
// covers timeout, client failure, and candidates vanishing mid-probe.
type ProbeResult struct {
	RTTMillis int
	Measured  bool
}

// ProbeCoordinator orchestrates out-of-band P2P RTT measurements between
// two match candidates. The measurement itself happens in the browsers;
// the coordinator only instructs, waits, and reports. Each probe has a
// handle so late or duplicate reports are ignored.
type ProbeCoordinator struct {
	sender  ProbeSender
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	probes map[uuid.UUID]*probe
}

type probe struct {
	handle   uuid.UUID
	subjects [2]model.SubjectID
	onResult func(ProbeResult)
	timer    *time.Timer
}

func NewProbeCoordinator(sender ProbeSender, logger *slog.Logger, timeout time.Duration) *ProbeCoordinator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ProbeCoordinator{
		sender:  sender,
		logger:  logger,
		timeout: timeout,
		probes:  make(map[uuid.UUID]*probe),
	}
}

// CreateProbe instructs both candidates to open a direct channel and
// measure RTT. onResult fires exactly once: with the first report, or
// with an unmeasured result on timeout.
func (pc *ProbeCoordinator) CreateProbe(a, b model.SubjectID, onResult func(ProbeResult)) uuid.UUID {
	handle := uuid.New()
	p := &probe{
		handle:   handle,
		subjects: [2]model.SubjectID{a, b},
		onResult: onResult,
	}
	p.timer = time.AfterFunc(pc.timeout, func() {
		pc.logger.Warn("probe timed out", "probe_id", handle, "a", a, "b", b)
		pc.settle(handle, ProbeResult{Measured: false})
	})

	pc.mu.Lock()
	pc.probes[handle] = p
	pc.mu.Unlock()

	// Instruction sends happen outside the coordinator lock. If either
	// send fails the subject is already disconnecting and the timeout
	// will settle the probe.
	pc.sender.Send(a, model.NewOutbound(model.EvProbeRequest, model.ProbeRequestPayload{
		ProbeID:   handle.String(),
		PeerID:    b,
		Initiator: true,
	}, model.PriorityHigh))
	pc.sender.Send(b, model.NewOutbound(model.EvProbeRequest, model.ProbeRequestPayload{
		ProbeID:   handle.String(),
		PeerID:    a,
		Initiator: false,
	}, model.PriorityHigh))

	return handle
}

// Report feeds a client's measurement back. Unknown or already-settled
// handles are ignored.
func (pc *ProbeCoordinator) Report(handle uuid.UUID, rttMillis int, failed bool) {
	pc.settle(handle, ProbeResult{RTTMillis: rttMillis, Measured: !failed})
}

// Cancel abandons a probe whose candidates have left. The callback does
// not fire.
func (pc *ProbeCoordinator) Cancel(handle uuid.UUID) {
	pc.mu.Lock()
	p, ok := pc.probes[handle]
	if ok {
		delete(pc.probes, handle)
	}
	pc.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
}

// CancelForSubject settles every in-flight probe involving the subject
// with an unmeasured result. The callback fires so the requester can
// unfence the remaining candidate instead of stranding it mid-probe.
func (pc *ProbeCoordinator) CancelForSubject(subjectID model.SubjectID) {
	pc.mu.Lock()
	var doomed []*probe
	for h, p := range pc.probes {
		if p.subjects[0] == subjectID || p.subjects[1] == subjectID {
			doomed = append(doomed, p)
			delete(pc.probes, h)
		}
	}
	pc.mu.Unlock()
	for _, p := range doomed {
		p.timer.Stop()
		p.onResult(ProbeResult{Measured: false})
	}
}

// Pending reports the number of unresolved probes.
func (pc *ProbeCoordinator) Pending() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.probes)
}

func (pc *ProbeCoordinator) settle(handle uuid.UUID, res ProbeResult) {
	pc.mu.Lock()
	p, ok := pc.probes[handle]
	if ok {
		delete(pc.probes, handle)
	}
	pc.mu.Unlock()

	if !ok {
		return
	}
	p.timer.Stop()
	// Callback runs outside the lock; it re-enters the game manager.
	p.onResult(res)
}

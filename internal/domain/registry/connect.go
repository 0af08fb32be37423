package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/crowdlab/session-engine/internal/domain/model"
)

// Interface guard
var _ Connector = (*connect)(nil)

// Connector is the transport-facing view of one client connection. The
// websocket handler drains Recv; everything above pushes through Send.
type Connector interface {
	GetID() uuid.UUID
	GetSubjectID() model.SubjectID
	Send(ev model.Outbound, timeout time.Duration) bool
	Recv() <-chan model.Outbound
	// Done is closed when the connection terminates; the write pump
	// selects on it alongside Recv.
	Done() <-chan struct{}
	// RTTMillis returns the last round-trip sample, or model.RTTUnknown.
	RTTMillis() int
	ObserveRTT(d time.Duration)
	Close()
	// Release recycles the object. Only the owner may call it, and only
	// after every goroutine holding the connector has exited.
	Release()
}

type connect struct {
	id        uuid.UUID
	subjectID model.SubjectID
	createdAt time.Time

	ctx      context.Context
	cancelFn context.CancelFunc

	sendCh chan model.Outbound

	closeOnce   sync.Once
	releaseOnce sync.Once

	// Atomic fields, sampled from the ws ping/pong loop.
	rttMillis    int64
	droppedCount uint64
}

// connectPool recycles connector shells across sessions to cut GC churn.
var connectPool = sync.Pool{
	New: func() any {
		return &connect{}
	},
}

func NewConnector(ctx context.Context, subjectID model.SubjectID, bufferSize int) Connector {
	c := connectPool.Get().(*connect)
	c.reset(ctx, subjectID, bufferSize)
	return c
}

// reset wipes stale pooled state, including the sync.Once guard.
func (c *connect) reset(ctx context.Context, subjectID model.SubjectID, bufferSize int) {
	childCtx, cancel := context.WithCancel(ctx)

	*c = connect{
		id:        uuid.New(),
		subjectID: subjectID,
		createdAt: time.Now(),
		ctx:       childCtx,
		cancelFn:  cancel,
		sendCh:    make(chan model.Outbound, bufferSize),
		rttMillis: int64(model.RTTUnknown),
	}
}

func (c *connect) GetID() uuid.UUID              { return c.id }
func (c *connect) GetSubjectID() model.SubjectID { return c.subjectID }
func (c *connect) Recv() <-chan model.Outbound   { return c.sendCh }
func (c *connect) Done() <-chan struct{}         { return c.ctx.Done() }

func (c *connect) RTTMillis() int {
	return int(atomic.LoadInt64(&c.rttMillis))
}

func (c *connect) ObserveRTT(d time.Duration) {
	atomic.StoreInt64(&c.rttMillis, d.Milliseconds())
}

// Send enqueues an event for the write pump. It waits up to timeout for
// buffer space before falling back to priority shedding, so one stalled
// consumer cannot hold its cell hostage.
func (c *connect) Send(ev model.Outbound, timeout time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	case <-c.ctx.Done():
		return false
	case c.sendCh <- ev:
		return true
	case <-ctx.Done():
		return c.handleBackpressure(ev)
	}
}

// handleBackpressure sheds load on a saturated mailbox: low-priority
// packets (state broadcasts) are dropped outright since the next packet
// supersedes them; high-priority events evict one older low-priority entry.
func (c *connect) handleBackpressure(ev model.Outbound) bool {
	if ev.Priority <= model.PriorityLow {
		atomic.AddUint64(&c.droppedCount, 1)
		return false
	}

	select {
	case oldEv := <-c.sendCh:
		if oldEv.Priority < ev.Priority {
			c.sendCh <- ev
			return true
		}
		// The evicted event mattered too; best effort to put it back.
		select {
		case c.sendCh <- oldEv:
		default:
		}
	default:
	}

	atomic.AddUint64(&c.droppedCount, 1)
	return false
}

// Close terminates the connection and wakes the write pump through the
// context. Safe to call from the hub, the cell, and the handler's defer.
// The mailbox channel stays intact so a pump mid-select only ever sees
// this connection's channel, never a recycled successor's.
func (c *connect) Close() {
	c.closeOnce.Do(func() {
		c.cancelFn()
	})
}

// Release returns the object to the pool. The ws handler calls it once
// its pumps have exited; connectors without an owning handler are simply
// left to the garbage collector.
func (c *connect) Release() {
	c.Close()
	c.releaseOnce.Do(func() {
		c.sendCh = nil
		connectPool.Put(c)
	})
}

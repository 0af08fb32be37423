/*
Package registry implements the transport fan-out layer of the engine.

Every connected participant is represented by an isolated Cell holding the
subject's active connections and a buffered mailbox. The mailbox decouples
game loops and scene dispatch from individual socket latency: a slow
consumer backs up only its own cell, never the manager that produced the
event. Rooms group cells per running game for one-call broadcast.
*/
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crowdlab/session-engine/internal/domain/model"
)

// Celler is the internal API for per-subject delivery units.
type Celler interface {
	Push(ev model.Outbound) bool
	Attach(conn Connector)
	Detach(connID uuid.UUID) bool
	HasSessions() bool
	IsIdle(timeout time.Duration) bool
	RTTMillis() int
	Stop()
}

// Cell delivers events for a single subject.
type Cell struct {
	subjectID model.SubjectID

	// mailbox decouples the producers (game loops, stager) from socket
	// writes. Sized by the hub; overflow is handled by the connector's
	// priority shedding.
	mailbox chan model.Outbound

	// sessions holds the subject's active transports. Normally exactly
	// one; a second entry exists only transiently during reconnect.
	sessions map[uuid.UUID]Connector

	mu sync.RWMutex

	doneCh      chan struct{}
	stopOnce    sync.Once
	sendTimeout time.Duration

	lastActivityAt time.Time
}

func NewCell(subjectID model.SubjectID, bufferSize int, sendTimeout time.Duration) *Cell {
	c := &Cell{
		subjectID:      subjectID,
		mailbox:        make(chan model.Outbound, bufferSize),
		sessions:       make(map[uuid.UUID]Connector),
		doneCh:         make(chan struct{}),
		sendTimeout:    sendTimeout,
		lastActivityAt: time.Now(),
	}
	go c.loop()
	return c
}

// IsIdle reports whether the cell has no sessions and has been quiet
// longer than timeout. Used by the hub janitor.
func (c *Cell) IsIdle(timeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions) == 0 && time.Since(c.lastActivityAt) > timeout
}

func (c *Cell) HasSessions() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions) > 0
}

func (c *Cell) touch() {
	c.mu.Lock()
	c.lastActivityAt = time.Now()
	c.mu.Unlock()
}

func (c *Cell) Push(ev model.Outbound) bool {
	c.touch()
	select {
	case c.mailbox <- ev:
		return true
	default:
		return false
	}
}

func (c *Cell) Attach(conn Connector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivityAt = time.Now()
	c.sessions[conn.GetID()] = conn
}

// Detach removes one transport and reports whether the cell is now empty.
func (c *Cell) Detach(connID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.sessions[connID]; ok {
		delete(c.sessions, connID)
		conn.Close()
	}
	c.lastActivityAt = time.Now()
	return len(c.sessions) == 0
}

// RTTMillis reports the subject's measured server round-trip, or
// model.RTTUnknown before the first ping sample lands.
func (c *Cell) RTTMillis() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, conn := range c.sessions {
		if rtt := conn.RTTMillis(); rtt != model.RTTUnknown {
			return rtt
		}
	}
	return model.RTTUnknown
}

func (c *Cell) loop() {
	for {
		select {
		case <-c.doneCh:
			return
		case ev := <-c.mailbox:
			c.deliver(ev)
		}
	}
}

func (c *Cell) deliver(ev model.Outbound) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, conn := range c.sessions {
		conn.Send(ev, c.sendTimeout)
	}
}

func (c *Cell) Stop() {
	c.stopOnce.Do(func() {
		close(c.doneCh)

		c.mu.Lock()
		defer c.mu.Unlock()
		for id, conn := range c.sessions {
			conn.Close()
			delete(c.sessions, id)
		}
	})
}

package model

import "time"

// OutboundPriority orders eviction when a connection's mailbox saturates.
type OutboundPriority int32

const (
	PriorityLow    OutboundPriority = 10 // state broadcasts; superseded by the next packet
	PriorityNormal OutboundPriority = 20
	PriorityHigh   OutboundPriority = 30 // start_game, end_game, scene activations
)

// Outbound is one server->client message queued on a connection mailbox.
type Outbound struct {
	Event    string
	Payload  any
	Priority OutboundPriority
	SentAt   int64
}

func NewOutbound(event string, payload any, prio OutboundPriority) Outbound {
	return Outbound{
		Event:    event,
		Payload:  payload,
		Priority: prio,
		SentAt:   time.Now().UnixMilli(),
	}
}

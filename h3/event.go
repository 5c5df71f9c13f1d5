package h3

import (
	"fmt"
)

type EventType int

const (
	EventHeaders EventType = iota
	EventData
	EventFinished
	EventReset
	EventDatagram
	EventGoAway
	EventPriorityUpdate
)

func (t EventType) String() string {
	switch t {
	case EventHeaders:
		return "headers"
	case EventData:
		return "data"
	case EventFinished:
		return "finished"
	case EventReset:
		return "reset"
	case EventDatagram:
		return "datagram"
	case EventGoAway:
		return "goaway"
	case EventPriorityUpdate:
		return "priority_update"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

type Header struct {
	Name  string
	Value string
}

// Event is what Poll reports for a stream. Only the fields relevant to Type
// are set.
type Event struct {
	Type EventType

	// Headers and MoreFrames are set for EventHeaders.
	Headers    []Header
	MoreFrames bool

	// ResetCode is set for EventReset.
	ResetCode uint64

	// GoAwayID is set for EventGoAway.
	GoAwayID uint64

	// PriorityField is set for EventPriorityUpdate.
	PriorityField string
}

package models

import "time"

// Status is the lifecycle state of a chat session. The numeric values
// are what the store persists.
type Status int

const (
	StatusWaiting Status = iota
	StatusNotified
	StatusOpen
	StatusClosed
	StatusFailed
	StatusCanceledLocally
)

var statusNames = map[Status]string{
	StatusWaiting:         "waiting",
	StatusNotified:        "notified",
	StatusOpen:            "open",
	StatusClosed:          "closed",
	StatusFailed:          "failed",
	StatusCanceledLocally: "canceled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusFailed || s == StatusCanceledLocally
}

// Session is one conversation between a remote visitor and, once
// accepted, one local user.
type Session struct {
	ID           int64
	LocalUser    string // empty until accepted
	RemoteUser   string
	StartTime    time.Time
	EndTime      time.Time // zero until closed
	Status       Status
	StartMessage string
}

// QueuedMessage is a row of either the local-bound or the remote-bound
// queue. SendTime is zero while the message is undelivered.
type QueuedMessage struct {
	ID        int64
	SessionID int64
	PostTime  time.Time
	SendTime  time.Time
	Payload   string
}

func (m QueuedMessage) Delivered() bool {
	return !m.SendTime.IsZero()
}

// LocalDelivery is an undelivered local-bound message joined with the
// session it belongs to.
type LocalDelivery struct {
	MessageID  int64
	SessionID  int64
	LocalUser  string
	RemoteUser string
	Payload    string
}

// StoreStats summarizes what is in flight in the store.
type StoreStats struct {
	Sessions          map[Status]int
	UndeliveredLocal  int
	UndeliveredRemote int
	Reachable         []string
}

// InFlight reports whether any session is still active or any queued
// message is still undelivered.
func (s StoreStats) InFlight() bool {
	return s.Sessions[StatusWaiting] > 0 ||
		s.Sessions[StatusNotified] > 0 ||
		s.Sessions[StatusOpen] > 0 ||
		s.UndeliveredLocal > 0 ||
		s.UndeliveredRemote > 0
}

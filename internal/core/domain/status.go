package domain

// Status is the per-channel delivery state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusDelivered    Status = "delivered"
	StatusFailed       Status = "failed"
	StatusBounced      Status = "bounced"
	StatusOpened       Status = "opened"
	StatusClicked      Status = "clicked"
	StatusUnsubscribed Status = "unsubscribed"
)

// transitions is the delivery state machine. failed -> pending is the retry
// path and is additionally guarded by the retry budget at the claim site.
// Opened and clicked are terminal refinements of delivered.
var transitions = map[Status][]Status{
	StatusPending:   {StatusSent, StatusFailed, StatusUnsubscribed},
	StatusSent:      {StatusDelivered, StatusBounced, StatusFailed, StatusUnsubscribed},
	StatusDelivered: {StatusOpened, StatusClicked, StatusUnsubscribed},
	StatusOpened:    {StatusClicked, StatusUnsubscribed},
	StatusClicked:   {StatusUnsubscribed},
	StatusFailed:    {StatusPending, StatusUnsubscribed},
	StatusBounced:   {StatusUnsubscribed},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Settled reports whether s stops automatic processing regardless of retry
// budget. Failed is not settled: it settles only when the budget runs out,
// which the Delivery knows and Status alone does not.
func (s Status) Settled() bool {
	switch s {
	case StatusDelivered, StatusBounced, StatusOpened, StatusClicked, StatusUnsubscribed:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusFailed,
		StatusBounced, StatusOpened, StatusClicked, StatusUnsubscribed:
		return true
	}
	return false
}

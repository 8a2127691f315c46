package model

import "time"

// EntryStatus is the lifecycle state of a QueueEntry.
type EntryStatus string

const (
	StatusWaiting   EntryStatus = "WAITING"
	StatusServing   EntryStatus = "SERVING"
	StatusDone      EntryStatus = "DONE"
	StatusCancelled EntryStatus = "CANCELLED"
)

// Active reports whether the entry still occupies the queue.
func (s EntryStatus) Active() bool { return s == StatusWaiting || s == StatusServing }

// CanTransition enforces the forward-only lifecycle:
// WAITING→SERVING→DONE, and WAITING|SERVING→CANCELLED.
func (s EntryStatus) CanTransition(to EntryStatus) bool {
	switch s {
	case StatusWaiting:
		return to == StatusServing || to == StatusCancelled
	case StatusServing:
		return to == StatusDone || to == StatusCancelled
	}
	return false
}

// QueueEntry is one patient's place in one station's queue for one day.
// Ticket numbers are unique per (StationID, DayKey) and start at 1.
type QueueEntry struct {
	ID           string      `json:"id"`
	StationID    string      `json:"station_id"`
	PatientID    string      `json:"patient_id"`
	DayKey       string      `json:"day_key"`
	TicketNumber int         `json:"ticket_number"`
	Status       EntryStatus `json:"status"`
	EnteredAt    time.Time   `json:"entered_at"`
	CalledAt     *time.Time  `json:"called_at,omitempty"`    // set on WAITING→SERVING
	CompletedAt  *time.Time  `json:"completed_at,omitempty"` // set on SERVING→DONE
	CancelledAt  *time.Time  `json:"cancelled_at,omitempty"`
}

// WaitSeconds returns enteredAt→calledAt for entries that were called.
func (e QueueEntry) WaitSeconds() (float64, bool) {
	if e.CalledAt == nil {
		return 0, false
	}
	return e.CalledAt.Sub(e.EnteredAt).Seconds(), true
}

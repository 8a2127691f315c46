package model

import (
	"slices"
	"time"
)

// PatientRoute is the ordered list of stations a patient must visit for
// an exam type. CurrentIndex only moves forward, one step per completed
// station.
type PatientRoute struct {
	PatientID           string    `json:"patient_id"`
	ExamType            string    `json:"exam_type"`
	Gender              Gender    `json:"gender"`
	OrderedStationIDs   []string  `json:"ordered_station_ids"`
	CurrentIndex        int       `json:"current_index"`
	CompletedStationIDs []string  `json:"completed_station_ids"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Current returns the station the patient should be at, false once the
// route is finished.
func (r PatientRoute) Current() (string, bool) {
	if r.CurrentIndex < 0 || r.CurrentIndex >= len(r.OrderedStationIDs) {
		return "", false
	}
	return r.OrderedStationIDs[r.CurrentIndex], true
}

// Done reports whether every station has been completed.
func (r PatientRoute) Done() bool { return r.CurrentIndex >= len(r.OrderedStationIDs) }

// HasCompleted reports whether stationID is already behind the patient.
func (r PatientRoute) HasCompleted(stationID string) bool {
	return slices.Contains(r.CompletedStationIDs, stationID)
}

// Remaining returns the stations still ahead, the current one included.
func (r PatientRoute) Remaining() []string {
	if r.Done() {
		return nil
	}
	return slices.Clone(r.OrderedStationIDs[r.CurrentIndex:])
}

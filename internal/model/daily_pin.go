package model

import "time"

// DailyPin is the numeric code a station's staff use to authorize queue
// actions. There is at most one live pin per (StationID, DayKey);
// Generation increases on every rotation.
type DailyPin struct {
	StationID  string    `json:"station_id"`
	DayKey     string    `json:"day_key"`
	Code       string    `json:"code"`
	Generation int       `json:"generation"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"` // exclusive, start of the next day
}

// Expired reports whether the pin is no longer valid at now.
func (p DailyPin) Expired(now time.Time) bool { return !now.Before(p.ExpiresAt) }

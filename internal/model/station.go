package model

import "strings"

// Gender is the patient gender used for routing and for station
// constraints. Stations may additionally be GenderMixed.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
	GenderMixed  Gender = "mixed"
)

// NormalizeGender maps the accepted spellings (male, m, female, f in
// any case) to a patient Gender. Mixed is a station attribute only and
// is rejected here.
func NormalizeGender(s string) (Gender, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "male", "m":
		return GenderMale, true
	case "female", "f":
		return GenderFemale, true
	}
	return "", false
}

// Station is an examination point (clinic) inside the facility. The
// catalogue of stations is static configuration loaded at startup.
//
// Fields:
//
//	ID               – stable identifier used in keys and routes.
//	DisplayName      – label shown on screens.
//	Floor            – floor label, informational.
//	IsActive         – inactive stations accept no patients.
//	GenderConstraint – male, female or mixed.
//	BaseWeight       – static routing preference, >= 0.
//	Capacity         – patients served in parallel, >= 1.
type Station struct {
	ID               string  `json:"id" yaml:"id"`
	DisplayName      string  `json:"display_name" yaml:"name"`
	Floor            string  `json:"floor,omitempty" yaml:"floor"`
	IsActive         bool    `json:"is_active" yaml:"active"`
	GenderConstraint Gender  `json:"gender_constraint" yaml:"gender"`
	BaseWeight       float64 `json:"base_weight" yaml:"weight"`
	Capacity         int     `json:"capacity" yaml:"capacity"`
}

// Accepts reports whether a patient of gender g may be served here.
func (s Station) Accepts(g Gender) bool {
	return s.GenderConstraint == GenderMixed || s.GenderConstraint == "" || s.GenderConstraint == g
}

// StationLoad is the live load snapshot the router scores against.
type StationLoad struct {
	StationID      string  `json:"station_id"`
	QueueLength    int     `json:"queue_length"`     // WAITING entries today
	InService      int     `json:"in_service"`       // SERVING entries today
	AvgWaitSeconds float64 `json:"avg_wait_seconds"` // mean enteredAt→calledAt today
}

// Package routing decides where patients go. Each exam type and gender
// maps to a fixed sequence of stations; when a choice among stations is
// needed they are ranked by a score combining the station's static
// weight with its live load.
package routing

import (
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/iliyamo/clinic-flow/internal/model"
)

const (
	loadNorm   = 20.0   // queue length at which the load penalty reaches its weight
	waitNorm   = 1800.0 // average wait (seconds) at which the wait penalty reaches its weight
	tieEpsilon = 1e-3   // scores closer than this are tie-broken
)

// Weights are the coefficients of the score terms.
type Weights struct {
	Idle  float64 // bonus for an empty queue
	Spare float64 // bonus scaled by free capacity
	Load  float64 // penalty scaled by queue length
	Wait  float64 // penalty scaled by average wait
}

// DefaultWeights returns the production coefficients.
func DefaultWeights() Weights {
	return Weights{Idle: 1.5, Spare: 0.5, Load: 0.8, Wait: 0.7}
}

// Score is
//
//	base + Idle·[queue=0] + Spare·spare/cap − Load·queue/20 − Wait·avgWait/1800
//
// where spare = max(0, cap − inService) and cap = max(1, capacity).
func Score(st model.Station, load model.StationLoad, w Weights) float64 {
	score := st.BaseWeight
	if load.QueueLength == 0 {
		score += w.Idle
	}
	capacity := max(1, st.Capacity)
	spare := max(0, capacity-load.InService)
	score += w.Spare * float64(spare) / float64(capacity)
	score -= w.Load * float64(load.QueueLength) / loadNorm
	score -= w.Wait * load.AvgWaitSeconds / waitNorm
	return score
}

// Ranked is one row of a ranking.
type Ranked struct {
	StationID string            `json:"station_id"`
	Name      string            `json:"name"`
	Score     float64           `json:"score"`
	Load      model.StationLoad `json:"load"`
}

// Rank orders stations best-first. Scores within tieEpsilon are ordered
// by empty queue first, then shorter queue, then shorter average wait,
// then station ID. Input is pre-sorted by ID so the same stations and
// loads always rank the same way.
func Rank(stations []model.Station, loads map[string]model.StationLoad, w Weights) []Ranked {
	sorted := slices.Clone(stations)
	slices.SortFunc(sorted, func(a, b model.Station) int { return strings.Compare(a.ID, b.ID) })
	out := make([]Ranked, 0, len(sorted))
	for _, st := range sorted {
		l := loads[st.ID]
		l.StationID = st.ID
		out = append(out, Ranked{StationID: st.ID, Name: nameOf(st), Score: Score(st, l, w), Load: l})
	}
	sort.SliceStable(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}

func better(a, b Ranked) bool {
	if math.Abs(a.Score-b.Score) > tieEpsilon {
		return a.Score > b.Score
	}
	aEmpty, bEmpty := a.Load.QueueLength == 0, b.Load.QueueLength == 0
	if aEmpty != bEmpty {
		return aEmpty
	}
	if a.Load.QueueLength != b.Load.QueueLength {
		return a.Load.QueueLength < b.Load.QueueLength
	}
	if a.Load.AvgWaitSeconds != b.Load.AvgWaitSeconds {
		return a.Load.AvgWaitSeconds < b.Load.AvgWaitSeconds
	}
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.StationID < b.StationID
}

func nameOf(st model.Station) string {
	if st.DisplayName != "" {
		return st.DisplayName
	}
	return st.ID
}
